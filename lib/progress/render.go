// Copyright (C) The Farmout Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package progress

import (
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
)

// Render writes a human-readable summary: one line per node, indented
// lines per task, then the cluster-wide totals. It always renders;
// failed or unreachable slots are annotated, never raised.
func Render(w io.Writer, jobName string, summary Summary, now time.Time) {
	lastNodeID := -1
	for _, task := range summary.Tasks {
		if task.Config.NodeID != lastNodeID {
			lastNodeID = task.Config.NodeID
			fmt.Fprintf(w, "Node %s (node_id=%d)\n", task.Config.NodeName, task.Config.NodeID)
		}
		progress := "0/?"
		if task.Run.Reported {
			progress = fmt.Sprintf("%d/%d", task.Run.Current, task.Run.Total)
		}
		line := fmt.Sprintf("    task proc_id=%d local_id=%d [%s] %s",
			task.Config.ProcID, task.Config.LocalID, task.Run.Status, progress)
		if !task.Run.UpdatedAt.IsZero() {
			line += fmt.Sprintf(" (updated %s)", humanize.RelTime(task.Run.UpdatedAt, now, "ago", "from now"))
		}
		if task.Run.LastError != "" {
			line += " error: " + task.Run.LastError
		}
		fmt.Fprintln(w, line)
	}
	if summary.Reporting > 0 {
		fmt.Fprintf(w, "%s: %d/%d (%.1f%%), %d/%d tasks reporting\n",
			jobName, summary.Current, summary.Total, 100*summary.Fraction(),
			summary.Reporting, len(summary.Tasks))
	} else {
		fmt.Fprintf(w, "%s: no progress reported yet (%d tasks)\n", jobName, len(summary.Tasks))
	}
}
