// Copyright (C) The Farmout Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package nodes

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/farmout-project/farmout/lib/ctxlog"
	"github.com/farmout-project/farmout/lib/farmout"
	check "gopkg.in/check.v1"
)

// Gocheck boilerplate
func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&HostfileSuite{})

type HostfileSuite struct{}

func (s *HostfileSuite) writeHostfile(c *check.C, content string) string {
	path := filepath.Join(c.MkDir(), "hostfile.txt")
	c.Assert(os.WriteFile(path, []byte(content), 0666), check.IsNil)
	return path
}

func (s *HostfileSuite) TestLoadHostfile(c *check.C) {
	path := s.writeHostfile(c, `
# comment line
node0: 10.0.0.10
node1 : 10.0.0.11

this line is malformed
node2:10.0.0.12
`)
	nodelist, err := LoadHostfile(ctxlog.TestLogger(c), path)
	c.Assert(err, check.IsNil)
	c.Assert(nodelist, check.HasLen, 3)
	for i, want := range []struct{ name, addr string }{
		{"node0", "10.0.0.10"}, {"node1", "10.0.0.11"}, {"node2", "10.0.0.12"},
	} {
		c.Check(nodelist[i].Name, check.Equals, want.name)
		c.Check(nodelist[i].Addr, check.Equals, want.addr)
		c.Check(nodelist[i].Index, check.Equals, i)
		c.Check(nodelist[i].Status(), check.Equals, farmout.NodeUnknown)
	}
}

func (s *HostfileSuite) TestLoadHostfileDuplicateName(c *check.C) {
	path := s.writeHostfile(c, "node0: 10.0.0.10\nnode0: 10.0.0.11\n")
	_, err := LoadHostfile(ctxlog.TestLogger(c), path)
	c.Check(err, check.FitsTypeOf, farmout.ConfigError{})
	c.Check(err, check.ErrorMatches, `.*duplicate node name "node0".*`)
}

func (s *HostfileSuite) TestLoadHostfileDuplicateAddr(c *check.C) {
	path := s.writeHostfile(c, "node0: 10.0.0.10\nnode1: 10.0.0.10\n")
	_, err := LoadHostfile(ctxlog.TestLogger(c), path)
	c.Check(err, check.FitsTypeOf, farmout.ConfigError{})
	c.Check(err, check.ErrorMatches, `.*duplicate node address.*`)
}

var _ = check.Suite(&RegistrySuite{})

type RegistrySuite struct{}

// stubExecutor responds to every Execute call with fixed output or an
// error, after an optional delay.
type stubExecutor struct {
	stdout []byte
	err    error
	delay  time.Duration
}

func (se *stubExecutor) Execute(env map[string]string, cmd string, stdin io.Reader) ([]byte, []byte, error) {
	if se.delay > 0 {
		time.Sleep(se.delay)
	}
	return se.stdout, nil, se.err
}

func (s *RegistrySuite) registry(c *check.C, executors map[string]*stubExecutor, nodelist []*Node) *Registry {
	return NewRegistry(ctxlog.TestLogger(c), nodelist, func(node *Node) Executor {
		return executors[node.Name]
	}, time.Second/10, 4)
}

func (s *RegistrySuite) TestCheckStatus(c *check.C) {
	node := NewNode("node0", "10.0.0.10", 0)
	executors := map[string]*stubExecutor{"node0": {stdout: []byte("16\n")}}
	reg := s.registry(c, executors, []*Node{node})

	c.Check(reg.CheckStatus(context.Background(), node), check.Equals, farmout.NodeUp)
	c.Check(node.Status(), check.Equals, farmout.NodeUp)
	c.Check(node.NProc(), check.Equals, 16)
}

func (s *RegistrySuite) TestCheckStatusDown(c *check.C) {
	for _, stub := range []*stubExecutor{
		{err: errors.New("connection refused")},
		{stdout: []byte("not a number")},
		{stdout: []byte("1"), delay: time.Second},
	} {
		node := NewNode("node0", "10.0.0.10", 0)
		reg := s.registry(c, map[string]*stubExecutor{"node0": stub}, []*Node{node})
		c.Check(reg.CheckStatus(context.Background(), node), check.Equals, farmout.NodeDown)
		c.Check(node.Status(), check.Equals, farmout.NodeDown)
	}
}

func (s *RegistrySuite) TestCheckAll(c *check.C) {
	nodelist := []*Node{
		NewNode("node0", "10.0.0.10", 0),
		NewNode("node1", "10.0.0.11", 1),
		NewNode("node2", "10.0.0.12", 2),
	}
	executors := map[string]*stubExecutor{
		"node0": {stdout: []byte("8")},
		"node1": {err: errors.New("no route to host")},
		"node2": {stdout: []byte("4")},
	}
	reg := s.registry(c, executors, nodelist)
	down := reg.CheckAll(context.Background())
	c.Assert(down, check.HasLen, 1)
	c.Check(down[0].Name, check.Equals, "node1")
	c.Check(nodelist[0].Status(), check.Equals, farmout.NodeUp)
	c.Check(nodelist[2].Status(), check.Equals, farmout.NodeUp)
}
