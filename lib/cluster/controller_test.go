// Copyright (C) The Farmout Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package cluster

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/farmout-project/farmout/lib/config"
	"github.com/farmout-project/farmout/lib/ctxlog"
	"github.com/farmout-project/farmout/lib/farmout"
	"github.com/farmout-project/farmout/lib/nodes"
	check "gopkg.in/check.v1"
)

// Gocheck boilerplate
func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&ControllerSuite{})

type ControllerSuite struct{}

// stubNode emulates one node's SSH endpoint: it answers liveness
// probes, launch invocations, and pid checks.
type stubNode struct {
	mtx       sync.Mutex
	launched  []string
	nprocErr  error
	launchErr error
	aliveErr  error
	nextPID   int
}

func (sn *stubNode) Execute(env map[string]string, cmd string, stdin io.Reader) ([]byte, []byte, error) {
	sn.mtx.Lock()
	defer sn.mtx.Unlock()
	switch {
	case cmd == "nproc":
		return []byte("8\n"), nil, sn.nprocErr
	case strings.HasPrefix(cmd, "kill -0 "):
		return nil, nil, sn.aliveErr
	case strings.Contains(cmd, "nohup bash -c "):
		if sn.launchErr != nil {
			return nil, []byte("launch failed\n"), sn.launchErr
		}
		sn.launched = append(sn.launched, cmd)
		sn.nextPID++
		return []byte(fmt.Sprintf("%d\n", 1000+sn.nextPID)), nil, nil
	default:
		return nil, []byte("unexpected command\n"), exitError(127)
	}
}

func (sn *stubNode) Close() {}

func (sn *stubNode) launchCount() int {
	sn.mtx.Lock()
	defer sn.mtx.Unlock()
	return len(sn.launched)
}

// exitError mimics ssh.ExitError.
type exitError int

func (e exitError) Error() string   { return fmt.Sprintf("Process exited with status %d", int(e)) }
func (e exitError) ExitStatus() int { return int(e) }

type fixture struct {
	cfg   *config.Config
	stubs map[string]*stubNode
	ctx   context.Context
	out   *bytes.Buffer
}

func (s *ControllerSuite) fixture(c *check.C) *fixture {
	outdir := c.MkDir()
	cfg := &config.Config{
		JobName:       "e2e",
		OutputDir:     outdir,
		NNodes:        2,
		NTasksPerNode: 2,
		StallTimeout:  farmout.Duration(time.Hour),
		PollInterval:  farmout.Duration(time.Millisecond),
	}
	cfg.ApplyDefaults()
	return &fixture{
		cfg: cfg,
		stubs: map[string]*stubNode{
			"node0": {},
			"node1": {},
		},
		ctx: ctxlog.Context(context.Background(), ctxlog.TestLogger(c)),
		out: &bytes.Buffer{},
	}
}

func (f *fixture) nodeList() []*nodes.Node {
	return []*nodes.Node{
		nodes.NewNode("node0", "10.0.0.10", 0),
		nodes.NewNode("node1", "10.0.0.11", 1),
	}
}

func (f *fixture) controller() *Controller {
	return &Controller{
		Config:   f.cfg,
		NodeList: f.nodeList(),
		NewExecutor: func(name, addr string) Executor {
			return f.stubs[name]
		},
		Factory: func(sc farmout.SlotConfig) farmout.Task {
			return farmout.Task{
				Commands: []string{
					"cd /work",
					fmt.Sprintf("run-task --proc %d", sc.ProcID),
				},
				OutputFile: sc.DefaultOutputFile(),
				Config:     sc,
			}
		},
		Output: f.out,
	}
}

func (f *fixture) writeOutput(c *check.C, procID int, content string) {
	nodeName := fmt.Sprintf("node%d", procID/2)
	path := filepath.Join(f.cfg.OutputDir, fmt.Sprintf("%s-%d.out", nodeName, procID))
	c.Assert(os.WriteFile(path, []byte(content), 0666), check.IsNil)
}

func (s *ControllerSuite) TestStartDispatchesAllSlots(c *check.C) {
	f := s.fixture(c)
	ctrl := f.controller()
	defer ctrl.Close()
	c.Assert(ctrl.Start(f.ctx), check.IsNil)

	c.Check(f.stubs["node0"].launchCount(), check.Equals, 2)
	c.Check(f.stubs["node1"].launchCount(), check.Equals, 2)

	summary, err := ctrl.PrintProgress(f.ctx)
	c.Assert(err, check.IsNil)
	c.Assert(summary.Tasks, check.HasLen, 4)
	for i, task := range summary.Tasks {
		c.Check(task.Config.ProcID, check.Equals, i)
		c.Check(task.Config.NodeID, check.Equals, i/2)
		c.Check(task.Config.LocalID, check.Equals, i%2)
		c.Check(task.Run.Status, check.Equals, farmout.TaskRunning)
	}
	c.Check(summary.Reporting, check.Equals, 0)
	c.Check(f.out.String(), check.Matches, `(?s).*no progress reported yet.*`)
}

func (s *ControllerSuite) TestProgressAggregation(c *check.C) {
	f := s.fixture(c)
	ctrl := f.controller()
	defer ctrl.Close()
	c.Assert(ctrl.Start(f.ctx), check.IsNil)

	f.writeOutput(c, 0, "starting\n\x0210/100\x03\n")
	f.writeOutput(c, 1, "\x025/60\x03 ... \x0230/60\x03\n")
	f.writeOutput(c, 2, "no markers here\n")
	f.writeOutput(c, 3, "\x0260/60\x03\ndone\n")

	summary, err := ctrl.PrintProgress(f.ctx)
	c.Assert(err, check.IsNil)
	c.Check(summary.Current, check.Equals, int64(100))
	c.Check(summary.Total, check.Equals, int64(220))
	c.Check(summary.Reporting, check.Equals, 3)
	c.Check(summary.StatusCounts[farmout.TaskCompleted], check.Equals, 1)
	c.Check(summary.StatusCounts[farmout.TaskRunning], check.Equals, 3)
	c.Check(summary.Tasks[3].Run.Status, check.Equals, farmout.TaskCompleted)
	c.Check(f.out.String(), check.Matches, `(?s).*e2e: 100/220.*3/4 tasks reporting.*`)

	// Polling again with no new bytes changes nothing.
	offsets := make([]int64, 4)
	for i, task := range summary.Tasks {
		offsets[i] = task.Run.Offset
	}
	summary2, err := ctrl.PrintProgress(f.ctx)
	c.Assert(err, check.IsNil)
	c.Check(summary2.Current, check.Equals, int64(100))
	for i, task := range summary2.Tasks {
		c.Check(task.Run.Offset, check.Equals, offsets[i])
	}
}

func (s *ControllerSuite) TestResumeAfterRestart(c *check.C) {
	f := s.fixture(c)
	ctrl := f.controller()
	c.Assert(ctrl.Start(f.ctx), check.IsNil)

	f.writeOutput(c, 0, "\x0210/100\x03")
	f.writeOutput(c, 1, "\x0230/60\x03")
	summary, err := ctrl.PrintProgress(f.ctx)
	c.Assert(err, check.IsNil)
	c.Check(summary.Current, check.Equals, int64(40))
	c.Check(summary.Total, check.Equals, int64(160))
	offset0 := summary.Tasks[0].Run.Offset
	c.Assert(offset0 > 0, check.Equals, true)
	ctrl.Close()

	// A new controller (the old one was killed) resumes the same
	// 4-slot view from the state file: same slots, same offsets, no
	// new launches, no task factory.
	launchesBefore := f.stubs["node0"].launchCount() + f.stubs["node1"].launchCount()
	resumed := &Controller{
		Config:   f.cfg,
		NodeList: f.nodeList(),
		NewExecutor: func(name, addr string) Executor {
			return f.stubs[name]
		},
		Output: f.out,
	}
	defer resumed.Close()
	c.Assert(resumed.Resume(f.ctx), check.IsNil)

	summary2, err := resumed.PrintProgress(f.ctx)
	c.Assert(err, check.IsNil)
	c.Assert(summary2.Tasks, check.HasLen, 4)
	for i, task := range summary2.Tasks {
		c.Check(task.Config, check.DeepEquals, summary.Tasks[i].Config)
	}
	c.Check(summary2.Current, check.Equals, int64(40))
	c.Check(summary2.Tasks[0].Run.Offset, check.Equals, offset0)
	c.Check(f.stubs["node0"].launchCount()+f.stubs["node1"].launchCount(), check.Equals, launchesBefore)

	// New output appended after the restart is picked up from the
	// saved offset.
	path := filepath.Join(f.cfg.OutputDir, "node0-0.out")
	fh, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
	c.Assert(err, check.IsNil)
	_, err = fh.Write([]byte("\x0220/100\x03"))
	c.Assert(err, check.IsNil)
	c.Assert(fh.Close(), check.IsNil)
	summary3, err := resumed.PrintProgress(f.ctx)
	c.Assert(err, check.IsNil)
	c.Check(summary3.Current, check.Equals, int64(50))
}

func (s *ControllerSuite) TestResumeWithoutState(c *check.C) {
	f := s.fixture(c)
	ctrl := f.controller()
	defer ctrl.Close()
	err := ctrl.Resume(f.ctx)
	c.Check(err, check.FitsTypeOf, farmout.NotFoundError{})
}

func (s *ControllerSuite) TestNotEnoughReachableNodes(c *check.C) {
	f := s.fixture(c)
	f.stubs["node1"].nprocErr = errors.New("connection refused")
	ctrl := f.controller()
	defer ctrl.Close()
	err := ctrl.Start(f.ctx)
	c.Check(err, check.FitsTypeOf, farmout.ConfigError{})
	c.Check(err, check.ErrorMatches, `.*need 2, have 1.*`)
	// Nothing was dispatched.
	c.Check(f.stubs["node0"].launchCount(), check.Equals, 0)
}

func (s *ControllerSuite) TestLaunchFailureDoesNotAbortSiblings(c *check.C) {
	f := s.fixture(c)
	f.stubs["node1"].launchErr = exitError(127)
	ctrl := f.controller()
	defer ctrl.Close()
	c.Assert(ctrl.Start(f.ctx), check.IsNil)

	summary, err := ctrl.PrintProgress(f.ctx)
	c.Assert(err, check.IsNil)
	c.Check(summary.StatusCounts[farmout.TaskRunning], check.Equals, 2)
	c.Check(summary.StatusCounts[farmout.TaskFailed], check.Equals, 2)
	c.Check(f.stubs["node0"].launchCount(), check.Equals, 2)
	c.Check(f.out.String(), check.Matches, `(?s).*error: launch failed for slot.*`)
}

func (s *ControllerSuite) TestUnreachableAtLaunch(c *check.C) {
	f := s.fixture(c)
	f.stubs["node1"].launchErr = errors.New("dial tcp 10.0.0.11:22: connect: no route to host")
	ctrl := f.controller()
	defer ctrl.Close()
	c.Assert(ctrl.Start(f.ctx), check.IsNil)

	summary, err := ctrl.PrintProgress(f.ctx)
	c.Assert(err, check.IsNil)
	c.Check(summary.StatusCounts[farmout.TaskUnreachable], check.Equals, 2)
	c.Check(summary.StatusCounts[farmout.TaskRunning], check.Equals, 2)
}

func (s *ControllerSuite) TestStallDetection(c *check.C) {
	f := s.fixture(c)
	f.cfg.StallTimeout = farmout.Duration(time.Nanosecond)
	for _, stub := range f.stubs {
		stub.aliveErr = exitError(1) // remote processes are gone
	}
	ctrl := f.controller()
	defer ctrl.Close()
	c.Assert(ctrl.Start(f.ctx), check.IsNil)

	for proc := 0; proc < 4; proc++ {
		f.writeOutput(c, proc, "partial output\n")
	}
	time.Sleep(10 * time.Millisecond)
	summary, err := ctrl.PrintProgress(f.ctx)
	c.Assert(err, check.IsNil)
	c.Check(summary.StatusCounts[farmout.TaskStalled], check.Equals, 4)
	c.Check(summary.Tasks[0].Run.LastError, check.Matches, `no new output for.*remote process has exited`)
}

func (s *ControllerSuite) TestRunStopsWhenAllTerminal(c *check.C) {
	f := s.fixture(c)
	ctrl := f.controller()
	defer ctrl.Close()
	c.Assert(ctrl.Start(f.ctx), check.IsNil)
	for proc := 0; proc < 4; proc++ {
		f.writeOutput(c, proc, "\x02120/120\x03\n")
	}
	ctx, cancel := context.WithTimeout(f.ctx, 10*time.Second)
	defer cancel()
	c.Check(ctrl.Run(ctx), check.IsNil)
	c.Check(ctx.Err(), check.IsNil)
}
