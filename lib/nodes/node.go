// Copyright (C) The Farmout Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package nodes tracks the candidate remote machines for a job and
// their reachability.
package nodes

import (
	"sync"

	"github.com/farmout-project/farmout/lib/farmout"
)

// A Node is one remote machine reachable by key-based SSH. Status and
// NProc are refreshed by Registry probes; the probing mutex guarantees
// a node is never mutated concurrently by two checks.
type Node struct {
	Name  string
	Addr  string
	Index int

	probing sync.Mutex
	mtx     sync.Mutex
	status  farmout.NodeStatus
	nproc   int
}

// NewNode returns a Node in status unknown.
func NewNode(name, addr string, index int) *Node {
	return &Node{Name: name, Addr: addr, Index: index}
}

// Status returns the last probe result.
func (n *Node) Status() farmout.NodeStatus {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	return n.status
}

// NProc returns the processor count reported by the last successful
// probe, or 0.
func (n *Node) NProc() int {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	return n.nproc
}

func (n *Node) setStatus(status farmout.NodeStatus, nproc int) {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	n.status = status
	if nproc > 0 {
		n.nproc = nproc
	}
}
