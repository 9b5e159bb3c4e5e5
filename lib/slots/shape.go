// Copyright (C) The Farmout Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package slots turns a job shape (nnodes, ntasks_per_node) into a
// deterministic assignment of task slots to nodes.
package slots

import "github.com/farmout-project/farmout/lib/farmout"

// DefaultTaskDensity is the assumed tasks-per-node when the job shape
// leaves it unspecified.
const DefaultTaskDensity = 4

// Params is a job shape. Any non-empty subset of the fields may be
// given; ResolveShape completes the rest.
type Params struct {
	NTasks        int
	NNodes        int
	NTasksPerNode int
}

// ResolveShape completes a partially specified job shape. Exactly the
// following combinations are accepted (ceil division throughout):
//
//	ntasks                  -> nnodes = ceil(ntasks/density), ntasks_per_node = density
//	nnodes                  -> ntasks = nnodes, ntasks_per_node = 1
//	ntasks+nnodes           -> ntasks_per_node = ceil(ntasks/nnodes)
//	nnodes+ntasks_per_node  -> ntasks = nnodes*ntasks_per_node
//	ntasks+ntasks_per_node  -> nnodes = ceil(ntasks/ntasks_per_node)
//	all three               -> accepted iff ntasks <= nnodes*ntasks_per_node
//
// Anything else (including the all-zero shape) is a ConfigError.
func ResolveShape(p Params) (Params, error) {
	if p.NTasks < 0 || p.NNodes < 0 || p.NTasksPerNode < 0 {
		return Params{}, farmout.Configf("negative job shape: ntasks=%d, nnodes=%d, ntasks_per_node=%d", p.NTasks, p.NNodes, p.NTasksPerNode)
	}
	hasTasks, hasNodes, hasPerNode := p.NTasks > 0, p.NNodes > 0, p.NTasksPerNode > 0
	switch {
	case hasTasks && !hasNodes && !hasPerNode:
		return Params{
			NTasks:        p.NTasks,
			NNodes:        ceilDiv(p.NTasks, DefaultTaskDensity),
			NTasksPerNode: DefaultTaskDensity,
		}, nil
	case !hasTasks && hasNodes && !hasPerNode:
		return Params{
			NTasks:        p.NNodes,
			NNodes:        p.NNodes,
			NTasksPerNode: 1,
		}, nil
	case hasTasks && hasNodes && !hasPerNode:
		return Params{
			NTasks:        p.NTasks,
			NNodes:        p.NNodes,
			NTasksPerNode: ceilDiv(p.NTasks, p.NNodes),
		}, nil
	case !hasTasks && hasNodes && hasPerNode:
		return Params{
			NTasks:        p.NNodes * p.NTasksPerNode,
			NNodes:        p.NNodes,
			NTasksPerNode: p.NTasksPerNode,
		}, nil
	case hasTasks && !hasNodes && hasPerNode:
		return Params{
			NTasks:        p.NTasks,
			NNodes:        ceilDiv(p.NTasks, p.NTasksPerNode),
			NTasksPerNode: p.NTasksPerNode,
		}, nil
	case hasTasks && hasNodes && hasPerNode:
		if p.NTasks > p.NNodes*p.NTasksPerNode {
			return Params{}, farmout.Configf("job shape does not fit: ntasks=%d > nnodes=%d * ntasks_per_node=%d", p.NTasks, p.NNodes, p.NTasksPerNode)
		}
		return p, nil
	default:
		return Params{}, farmout.Configf("empty job shape: at least one of ntasks, nnodes, ntasks_per_node must be positive")
	}
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}
