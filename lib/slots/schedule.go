// Copyright (C) The Farmout Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package slots

import (
	"github.com/farmout-project/farmout/lib/farmout"
	"github.com/farmout-project/farmout/lib/nodes"
)

// BuildSlots assigns nnodes*ntasksPerNode task slots to the first
// nnodes entries of nodelist, in input order, and returns one
// SlotConfig per slot.
//
// ProcID is assigned node-major: all slots of node 0 first, then node
// 1, and so on, so proc_id = node_id*ntasksPerNode + local_id. This
// ordering is a contract: re-scheduling the same shape over the same
// node order reproduces the same ProcID assignment.
//
// Scheduling is all-or-nothing: if nnodes exceeds the available node
// list, no partial schedule is returned.
func BuildSlots(jobName, outputDir string, nodelist []*nodes.Node, nnodes, ntasksPerNode int) ([]farmout.SlotConfig, error) {
	if nnodes <= 0 || ntasksPerNode <= 0 {
		return nil, farmout.Configf("job shape must be positive: nnodes=%d, ntasks_per_node=%d", nnodes, ntasksPerNode)
	}
	if nnodes > len(nodelist) {
		return nil, farmout.Configf("not enough nodes: need %d, have %d", nnodes, len(nodelist))
	}
	configs := make([]farmout.SlotConfig, 0, nnodes*ntasksPerNode)
	for nodeID := 0; nodeID < nnodes; nodeID++ {
		node := nodelist[nodeID]
		for localID := 0; localID < ntasksPerNode; localID++ {
			configs = append(configs, farmout.SlotConfig{
				JobName:    jobName,
				NodeName:   node.Name,
				NodeAddr:   node.Addr,
				CPUsOnNode: node.NProc(),
				LocalID:    localID,
				NodeID:     nodeID,
				ProcID:     nodeID*ntasksPerNode + localID,
				OutputDir:  outputDir,
			})
		}
	}
	return configs, nil
}
