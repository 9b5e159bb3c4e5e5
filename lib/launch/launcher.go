// Copyright (C) The Farmout Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package launch starts task processes on remote nodes and keeps
// best-effort track of whether they are still alive.
package launch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/farmout-project/farmout/lib/farmout"
	"github.com/sirupsen/logrus"
)

// An Executor executes shell commands on a remote host.
type Executor interface {
	Execute(env map[string]string, cmd string, stdin io.Reader) (stdout, stderr []byte, err error)
}

// An exitStatuser is an error that carries a remote exit status
// (e.g., *ssh.ExitError).
type exitStatuser interface {
	ExitStatus() int
}

// A Launcher opens remote sessions and starts one detached process
// per task slot. Launches are fire-and-forget: the remote process is
// disowned from the SSH session and persists independently of both the
// session and the controller, so killing the controller never kills
// remote work.
type Launcher struct {
	logger      logrus.FieldLogger
	getExecutor func(farmout.SlotConfig) Executor
}

// NewLauncher returns a Launcher that obtains the per-node command
// executor for each task from getExecutor.
func NewLauncher(logger logrus.FieldLogger, getExecutor func(farmout.SlotConfig) Executor) *Launcher {
	return &Launcher{logger: logger, getExecutor: getExecutor}
}

// Launch starts the task's command sequence on its node and returns a
// TaskRun in state running. The commands run as a single remote shell
// invocation joined with "&&", so each command runs in the working
// directory and environment established by its predecessors. Combined
// stdout+stderr is redirected to the task's output file, truncating
// any prior file, with parent directories created as needed.
//
// Launch does not wait for completion. A session failure yields a
// LaunchError wrapping an UnreachableNodeError; a non-zero exit from
// the launching shell yields a LaunchError wrapping a
// RemoteCommandError. Either way the failure is scoped to this slot.
func (ln *Launcher) Launch(ctx context.Context, task farmout.Task) (*farmout.TaskRun, error) {
	logger := ln.logger.WithFields(logrus.Fields{
		"Node":   task.Config.NodeName,
		"ProcID": task.Config.ProcID,
	})
	cmd := launchCommand(task)
	logger.WithField("Command", cmd).Debug("launching remote process")

	stdout, stderr, err := ln.execute(ctx, task.Config, cmd)
	if err != nil {
		var exitErr exitStatuser
		if errors.As(err, &exitErr) {
			err = farmout.RemoteCommandError{
				Node:   task.Config.NodeName,
				Cmd:    cmd,
				Stderr: strings.TrimSpace(string(stderr)),
				Err:    err,
			}
		} else {
			err = farmout.UnreachableNodeError{Node: task.Config.NodeName, Err: err}
		}
		logger.WithError(err).Error("launch failed")
		return nil, farmout.LaunchError{ProcID: task.Config.ProcID, Node: task.Config.NodeName, Err: err}
	}

	now := time.Now()
	run := farmout.NewTaskRun(task, farmout.TaskRunState{
		Status:    farmout.TaskRunning,
		StartedAt: now,
		UpdatedAt: now,
	})
	pid, err := strconv.Atoi(strings.TrimSpace(string(stdout)))
	if err != nil {
		// PID tracking is best-effort; without it, liveness is
		// inferred from output file growth alone.
		logger.WithField("stdout", string(stdout)).Warn("could not parse remote pid")
	} else {
		run.Update(func(st *farmout.TaskRunState) { st.RemotePID = pid })
		logger = logger.WithField("RemotePID", pid)
	}
	logger.Info("remote process started")
	return run, nil
}

// CheckAlive reports whether the run's remote process still exists,
// using its recorded PID. The answer is best-effort: without a PID, or
// when the node cannot be reached, CheckAlive returns an error and the
// caller should fall back to watching the output file.
func (ln *Launcher) CheckAlive(ctx context.Context, run *farmout.TaskRun) (bool, error) {
	pid := run.Snapshot().RemotePID
	if pid == 0 {
		return false, errors.New("no remote pid recorded")
	}
	_, _, err := ln.execute(ctx, run.Task.Config, fmt.Sprintf("kill -0 %d 2>/dev/null", pid))
	if err == nil {
		return true, nil
	}
	var exitErr exitStatuser
	if errors.As(err, &exitErr) {
		return false, nil
	}
	return false, farmout.UnreachableNodeError{Node: run.Task.Config.NodeName, Err: err}
}

// execute runs cmd on the task's node, honoring ctx cancellation.
func (ln *Launcher) execute(ctx context.Context, config farmout.SlotConfig, cmd string) (stdout, stderr []byte, err error) {
	type result struct {
		stdout, stderr []byte
		err            error
	}
	done := make(chan result, 1)
	go func() {
		stdout, stderr, err := ln.getExecutor(config).Execute(nil, cmd, nil)
		done <- result{stdout, stderr, err}
	}()
	select {
	case res := <-done:
		return res.stdout, res.stderr, res.err
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
}

// launchCommand builds the single remote shell invocation for a task:
// prepare the output file, then start the command sequence under
// nohup, detached, with combined output redirected to the file, and
// echo the background PID so the controller can check on it later.
func launchCommand(task farmout.Task) string {
	dir := filepath.Dir(task.OutputFile)
	script := strings.Join(task.Commands, " && ")
	return fmt.Sprintf("mkdir -p %s && rm -f %s && { nohup bash -c %s > %s 2>&1 < /dev/null & echo $!; }",
		shellQuote(dir), shellQuote(task.OutputFile), shellQuote(script), shellQuote(task.OutputFile))
}

func shellQuote(s string) string {
	return "'" + strings.Replace(s, "'", `'\''`, -1) + "'"
}
