// Copyright 2026 The Atlas Runner Authors
// SPDX-License-Identifier: Apache-2.0

// Runner is the operator CLI for runnerd. It speaks the daemon's
// Unix-socket control protocol: start and stop the supervised server,
// tail logs, open an interactive RCON session, or ask the daemon to
// shut down.
//
// Usage:
//
//	runner [--socket PATH] <command> [args]
//
// Commands:
//
//	ping                    check the daemon is alive
//	up <pack-blob>          provision from a pack blob file and start
//	stop [--force] [--grace DURATION]
//	logs [--lines N]        tail the server's stdout/stderr ring
//	daemon-logs [--lines N] tail the daemon's own log ring
//	rcon [command...]       one-shot command, or interactive with none
//	shutdown                stop the daemon process
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/atlas-hosting/runner/lib/ipc"
	"github.com/atlas-hosting/runner/lib/version"
)

// defaultSocketPath matches the daemon's default config.
const defaultSocketPath = "/run/runnerd/runnerd.sock"

// requestTimeout bounds ordinary round trips. "up" gets its own much
// larger budget because provisioning downloads dependencies and may
// install a Java runtime.
const (
	requestTimeout = 30 * time.Second
	upTimeout      = 15 * time.Minute
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		socketPath  string
		showVersion bool
	)

	flagSet := pflag.NewFlagSet("runner", pflag.ContinueOnError)
	flagSet.StringVar(&socketPath, "socket", defaultSocketPath, "runnerd control socket path")
	flagSet.BoolVar(&showVersion, "version", false, "print version and exit")
	flagSet.SetInterspersed(false)
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		return err
	}

	if showVersion {
		fmt.Printf("runner %s\n", version.Info())
		return nil
	}

	arguments := flagSet.Args()
	if len(arguments) == 0 {
		return fmt.Errorf("no command: expected ping, up, stop, logs, daemon-logs, rcon, or shutdown")
	}
	command, rest := arguments[0], arguments[1:]

	client, err := ipc.Dial(socketPath)
	if err != nil {
		return err
	}
	defer client.Close()

	switch command {
	case "ping":
		return runPing(client)
	case "up":
		return runUp(client, rest)
	case "stop":
		return runStop(client, rest)
	case "logs":
		return runLogs(client, ipc.RequestLogsTail, rest)
	case "daemon-logs":
		return runLogs(client, ipc.RequestDaemonLogsTail, rest)
	case "rcon":
		return runRcon(client, rest)
	case "shutdown":
		return runShutdown(client)
	default:
		return fmt.Errorf("unknown command %q", command)
	}
}

func runPing(client *ipc.Client) error {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	if _, err := client.Do(ctx, ipc.RequestPayload{Type: ipc.RequestPing}); err != nil {
		return err
	}
	fmt.Println("pong")
	return nil
}

func runUp(client *ipc.Client, arguments []string) error {
	var profile string
	flagSet := pflag.NewFlagSet("up", pflag.ContinueOnError)
	flagSet.StringVar(&profile, "profile", "", "server profile name (default: the daemon's configured profile)")
	if err := flagSet.Parse(arguments); err != nil {
		return err
	}
	if flagSet.NArg() != 1 {
		return fmt.Errorf("usage: runner up [--profile NAME] <pack-blob-file>")
	}

	packBlob, err := os.ReadFile(flagSet.Arg(0))
	if err != nil {
		return fmt.Errorf("reading pack blob: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), upTimeout)
	defer cancel()
	if _, err := client.Do(ctx, ipc.RequestPayload{
		Type:     ipc.RequestUp,
		Profile:  profile,
		PackBlob: packBlob,
	}); err != nil {
		return err
	}
	fmt.Println("started")
	return nil
}

func runStop(client *ipc.Client, arguments []string) error {
	var (
		force bool
		grace time.Duration
	)
	flagSet := pflag.NewFlagSet("stop", pflag.ContinueOnError)
	flagSet.BoolVar(&force, "force", false, "kill immediately, skipping the graceful stop")
	flagSet.DurationVar(&grace, "grace", 0, "graceful shutdown wait before escalating (default: daemon's)")
	if err := flagSet.Parse(arguments); err != nil {
		return err
	}

	// The graceful path can legitimately take the full grace window.
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout+grace)
	defer cancel()
	if _, err := client.Do(ctx, ipc.RequestPayload{
		Type:    ipc.RequestStop,
		Force:   force,
		GraceMs: grace.Milliseconds(),
	}); err != nil {
		return err
	}
	fmt.Println("stopped")
	return nil
}

func runLogs(client *ipc.Client, requestType string, arguments []string) error {
	var lines int
	flagSet := pflag.NewFlagSet("logs", pflag.ContinueOnError)
	flagSet.IntVar(&lines, "lines", 100, "number of recent lines to print")
	if err := flagSet.Parse(arguments); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	response, err := client.Do(ctx, ipc.RequestPayload{Type: requestType, Lines: lines})
	if err != nil {
		return err
	}
	for _, line := range response.Lines {
		at := time.UnixMilli(line.AtMs).Format("2006-01-02 15:04:05")
		fmt.Printf("%s [%s] %s\n", at, line.Stream, line.Line)
	}
	return nil
}

// runRcon sends a one-shot command when arguments are given, and
// otherwise runs an interactive loop reading commands from stdin and
// printing rcon_out/rcon_err events as they arrive.
func runRcon(client *ipc.Client, arguments []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	response, err := client.Do(ctx, ipc.RequestPayload{Type: ipc.RequestRconOpen})
	if err != nil {
		return err
	}
	session := response.Session

	if len(arguments) > 0 {
		return rconOneShot(client, session, strings.Join(arguments, " "))
	}
	return rconInteractive(client, session)
}

func rconOneShot(client *ipc.Client, session uint64, command string) error {
	if err := client.Send(ipc.RequestPayload{
		Type:    ipc.RequestRconSend,
		Session: session,
		Command: command,
	}); err != nil {
		return err
	}
	return printOneRconEvent(client, session)
}

func rconInteractive(client *ipc.Client, session uint64) error {
	fmt.Fprintln(os.Stderr, "connected; type commands, ctrl-d to exit")

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		command := scanner.Text()
		if command == "" {
			continue
		}
		if err := client.Send(ipc.RequestPayload{
			Type:    ipc.RequestRconSend,
			Session: session,
			Command: command,
		}); err != nil {
			return err
		}
		if err := printOneRconEvent(client, session); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	_, err := client.Do(ctx, ipc.RequestPayload{Type: ipc.RequestRconClose, Session: session})
	return err
}

// printOneRconEvent waits for the next event belonging to session and
// prints it. The daemon runs one command at a time per send, so
// waiting for a single event per command keeps ordering simple.
func printOneRconEvent(client *ipc.Client, session uint64) error {
	timeout := time.After(requestTimeout)
	for {
		select {
		case event, ok := <-client.Events():
			if !ok {
				return fmt.Errorf("connection closed")
			}
			if event.Session != session {
				continue
			}
			switch event.Type {
			case ipc.EventRconOut:
				if event.Line != "" {
					fmt.Println(event.Line)
				}
				return nil
			case ipc.EventRconErr:
				return fmt.Errorf("rcon: %s", event.Message)
			}
		case <-timeout:
			return fmt.Errorf("timed out waiting for rcon output")
		}
	}
}

func runShutdown(client *ipc.Client) error {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	if _, err := client.Do(ctx, ipc.RequestPayload{Type: ipc.RequestShutdown}); err != nil {
		return err
	}
	fmt.Println("shutdown requested")
	return nil
}
