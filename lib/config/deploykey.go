// Copyright 2026 The Atlas Runner Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/tidwall/jsonc"
)

// DeployKeyConfig binds the machine to one pack and channel on the
// Hub. The file is written by the auth tooling and is read-only here:
// provisioning and self-update consume it, nothing in the daemon
// rewrites it.
//
// The file is JSON with comments permitted, since operators edit it by
// hand during onboarding.
type DeployKeyConfig struct {
	// Key is the deploy credential sent as a bearer token.
	Key string `json:"key"`

	// PackID is the pack this machine runs.
	PackID string `json:"pack_id"`

	// Channel selects the build channel ("stable", "beta", ...).
	Channel string `json:"channel"`
}

// LoadDeployKey parses the deploy-key file at path.
func LoadDeployKey(path string) (*DeployKeyConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading deploy key file: %w", err)
	}

	var deployKey DeployKeyConfig
	if err := json.Unmarshal(jsonc.ToJSON(data), &deployKey); err != nil {
		return nil, fmt.Errorf("parsing deploy key file %s: %w", path, err)
	}
	if deployKey.Key == "" {
		return nil, fmt.Errorf("deploy key file %s has no key", path)
	}
	if deployKey.PackID == "" {
		return nil, fmt.Errorf("deploy key file %s has no pack_id", path)
	}
	if deployKey.Channel == "" {
		deployKey.Channel = "stable"
	}
	return &deployKey, nil
}
