// Copyright 2026 The Atlas Runner Authors
// SPDX-License-Identifier: Apache-2.0

package selfupdate

import "fmt"

// SystemdManagedEnv must be set to "1" in the daemon's environment for
// self-update to activate. The reconciled unit file sets it, so a
// daemon installed any other way never rewrites binaries or units.
const SystemdManagedEnv = "ATLAS_SYSTEMD_MANAGED"

// EvaluateActivation decides whether the self-update subsystem may
// run. All three conditions are required because the update path
// rewrites a systemd unit and the daemon's own binary: anything less
// than a root-owned, systemd-managed Linux install must stay inert.
// The returned reason is empty exactly when active is true.
func EvaluateActivation(goos string, systemdManaged bool, uid int) (active bool, reason string) {
	if goos != "linux" {
		return false, fmt.Sprintf("self-update requires linux, running on %s", goos)
	}
	if !systemdManaged {
		return false, fmt.Sprintf("%s=1 not set; daemon is not systemd-managed", SystemdManagedEnv)
	}
	if uid != 0 {
		return false, fmt.Sprintf("self-update requires root, running as uid %d", uid)
	}
	return true, ""
}
