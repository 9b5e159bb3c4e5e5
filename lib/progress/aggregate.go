// Copyright (C) The Farmout Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package progress

import (
	"github.com/farmout-project/farmout/lib/farmout"
)

// A TaskProgress pairs one slot's configuration with a consistent
// snapshot of its runtime record, for aggregation.
type TaskProgress struct {
	Config farmout.SlotConfig   `json:"config"`
	Run    farmout.TaskRunState `json:"run"`
}

// A Summary is the cluster-wide aggregate of one poll cycle.
//
// Current and Total are summed over tasks that have reported at least
// one marker. A task that has never reported is shown as "0/?" and is
// excluded from both sums entirely -- it is not treated as 0/0, which
// would silently understate the denominator for work whose size is
// simply not known yet.
type Summary struct {
	Current      int64                      `json:"current"`
	Total        int64                      `json:"total"`
	Reporting    int                        `json:"reporting"`
	StatusCounts map[farmout.TaskStatus]int `json:"status_counts"`
	Tasks        []TaskProgress             `json:"tasks"`
}

// Aggregate sums progress across the given task snapshots.
func Aggregate(tasks []TaskProgress) Summary {
	summary := Summary{
		StatusCounts: map[farmout.TaskStatus]int{},
		Tasks:        tasks,
	}
	for _, task := range tasks {
		summary.StatusCounts[task.Run.Status]++
		if !task.Run.Reported {
			continue
		}
		summary.Reporting++
		summary.Current += task.Run.Current
		summary.Total += task.Run.Total
	}
	return summary
}

// Fraction returns the cluster-wide completion fraction, or 0 if no
// task has reported a nonzero total.
func (s Summary) Fraction() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Current) / float64(s.Total)
}

// Done reports whether every task is in a terminal status.
func (s Summary) Done() bool {
	for _, task := range s.Tasks {
		if !task.Run.Status.Terminal() {
			return false
		}
	}
	return len(s.Tasks) > 0
}
