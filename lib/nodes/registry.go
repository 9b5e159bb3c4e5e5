// Copyright (C) The Farmout Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package nodes

import (
	"bytes"
	"context"
	"io"
	"strconv"
	"time"

	"github.com/farmout-project/farmout/lib/farmout"
	"github.com/sirupsen/logrus"
)

// probeCommand is the lightweight no-op run on each node to check
// reachability. Its output doubles as the node's processor count.
const probeCommand = "nproc"

// An Executor executes shell commands on a remote host.
type Executor interface {
	// Run cmd on the current target.
	Execute(env map[string]string, cmd string, stdin io.Reader) (stdout, stderr []byte, err error)
}

// A Registry holds the ordered set of candidate nodes for a job and
// refreshes their reachability on demand. It performs no retries and
// keeps no background watch: callers re-probe before each dispatch
// wave, and a node that goes down after dispatch is detected only
// through its tasks' output stalling.
type Registry struct {
	logger       logrus.FieldLogger
	nodelist     []*Node
	executor     func(*Node) Executor
	probeTimeout time.Duration
	maxProbes    int
}

// NewRegistry returns a Registry over the given ordered node list.
// getExecutor supplies the per-node command executor; probeTimeout
// bounds each probe; maxProbes caps concurrent probes in CheckAll (0
// means unbounded).
func NewRegistry(logger logrus.FieldLogger, nodelist []*Node, getExecutor func(*Node) Executor, probeTimeout time.Duration, maxProbes int) *Registry {
	return &Registry{
		logger:       logger,
		nodelist:     nodelist,
		executor:     getExecutor,
		probeTimeout: probeTimeout,
		maxProbes:    maxProbes,
	}
}

// Nodes returns the registry's nodes in their configured order.
func (reg *Registry) Nodes() []*Node {
	return reg.nodelist
}

// CheckStatus probes the given node once and returns NodeUp or
// NodeDown. Concurrent checks of the same node are serialized so the
// node is never mutated by two probes at once.
func (reg *Registry) CheckStatus(ctx context.Context, node *Node) farmout.NodeStatus {
	node.probing.Lock()
	defer node.probing.Unlock()

	logger := reg.logger.WithFields(logrus.Fields{"Node": node.Name, "Addr": node.Addr})
	node.setStatus(farmout.NodeChecking, 0)

	type result struct {
		stdout []byte
		err    error
	}
	done := make(chan result, 1)
	go func() {
		stdout, stderr, err := reg.executor(node).Execute(nil, probeCommand, nil)
		if err != nil && len(stderr) > 0 {
			logger.WithField("stderr", string(stderr)).Debug("probe stderr")
		}
		done <- result{stdout: stdout, err: err}
	}()

	timer := time.NewTimer(reg.probeTimeout)
	defer timer.Stop()
	select {
	case res := <-done:
		if res.err != nil {
			logger.WithError(res.err).Warn("node is down")
			node.setStatus(farmout.NodeDown, 0)
			return farmout.NodeDown
		}
		nproc, err := strconv.Atoi(string(bytes.TrimSpace(res.stdout)))
		if err != nil {
			logger.WithField("stdout", string(res.stdout)).Warn("unexpected probe output, node is down")
			node.setStatus(farmout.NodeDown, 0)
			return farmout.NodeDown
		}
		logger.WithField("NProc", nproc).Info("node is up")
		node.setStatus(farmout.NodeUp, nproc)
		return farmout.NodeUp
	case <-timer.C:
		logger.WithField("Timeout", reg.probeTimeout).Warn("probe timed out, node is down")
		node.setStatus(farmout.NodeDown, 0)
		return farmout.NodeDown
	case <-ctx.Done():
		node.setStatus(farmout.NodeDown, 0)
		return farmout.NodeDown
	}
}

// CheckAll probes every node (concurrently, bounded by maxProbes) and
// returns the set of unreachable nodes.
func (reg *Registry) CheckAll(ctx context.Context) []*Node {
	sem := make(chan struct{}, reg.probeLimit())
	var down []*Node
	downch := make(chan *Node, len(reg.nodelist))
	var pending int
	for _, node := range reg.nodelist {
		pending++
		node := node
		sem <- struct{}{}
		go func() {
			defer func() { <-sem }()
			if reg.CheckStatus(ctx, node) != farmout.NodeUp {
				downch <- node
			} else {
				downch <- nil
			}
		}()
	}
	for ; pending > 0; pending-- {
		if node := <-downch; node != nil {
			down = append(down, node)
		}
	}
	return down
}

func (reg *Registry) probeLimit() int {
	if reg.maxProbes > 0 {
		return reg.maxProbes
	}
	if n := len(reg.nodelist); n > 0 {
		return n
	}
	return 1
}
