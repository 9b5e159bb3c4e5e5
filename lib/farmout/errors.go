// Copyright (C) The Farmout Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package farmout

import (
	"fmt"
	"os"
)

// A ConfigError indicates an invalid job shape, node list, or other
// configuration problem. ConfigErrors are fatal and surface before any
// task is dispatched.
type ConfigError struct {
	Reason string
}

func (e ConfigError) Error() string {
	return "invalid configuration: " + e.Reason
}

// Configf returns a ConfigError with a formatted reason.
func Configf(format string, args ...interface{}) ConfigError {
	return ConfigError{Reason: fmt.Sprintf(format, args...)}
}

// An UnreachableNodeError indicates a node failed its liveness probe
// or an SSH session to it could not be established. It is scoped to
// the node's tasks and never aborts siblings on other nodes.
type UnreachableNodeError struct {
	Node string
	Err  error
}

func (e UnreachableNodeError) Error() string {
	return fmt.Sprintf("node %s unreachable: %s", e.Node, e.Err)
}

func (e UnreachableNodeError) Unwrap() error {
	return e.Err
}

// A RemoteCommandError indicates the remote shell accepted the session
// but reported a non-zero exit for the launch invocation.
type RemoteCommandError struct {
	Node   string
	Cmd    string
	Stderr string
	Err    error
}

func (e RemoteCommandError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("node %s: remote command failed: %s (stderr: %q)", e.Node, e.Err, e.Stderr)
	}
	return fmt.Sprintf("node %s: remote command failed: %s", e.Node, e.Err)
}

func (e RemoteCommandError) Unwrap() error {
	return e.Err
}

// A LaunchError wraps the failure to start one slot's remote process.
// Unwrap exposes the underlying UnreachableNodeError or
// RemoteCommandError.
type LaunchError struct {
	ProcID int
	Node   string
	Err    error
}

func (e LaunchError) Error() string {
	return fmt.Sprintf("launch failed for slot %d on %s: %s", e.ProcID, e.Node, e.Err)
}

func (e LaunchError) Unwrap() error {
	return e.Err
}

// A NotFoundError indicates the persisted cluster state file does not
// exist. Unwrap exposes os.ErrNotExist so errors.Is(err,
// os.ErrNotExist) also holds.
type NotFoundError struct {
	Path string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("cluster state file %s does not exist", e.Path)
}

func (e NotFoundError) Unwrap() error {
	return os.ErrNotExist
}

// A CorruptStateError indicates the persisted cluster state file
// exists but cannot be decoded. It is surfaced to the caller rather
// than silently falling back to an empty state, so lost progress
// history is never masked.
type CorruptStateError struct {
	Path string
	Err  error
}

func (e CorruptStateError) Error() string {
	return fmt.Sprintf("cluster state file %s is unreadable: %s", e.Path, e.Err)
}

func (e CorruptStateError) Unwrap() error {
	return e.Err
}
