// Copyright (C) The Farmout Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package farmout provides the shared data model for the farmout task
// distributor: slot assignments, tasks, runtime task records, and the
// persisted cluster state.
package farmout

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"
)

// NodeStatus indicates the last known reachability of a remote node.
type NodeStatus int

const (
	NodeUnknown  NodeStatus = iota // never probed
	NodeChecking                   // probe in flight
	NodeUp                         // last probe succeeded
	NodeDown                       // last probe failed
)

var nodeStatusString = map[NodeStatus]string{
	NodeUnknown:  "unknown",
	NodeChecking: "checking",
	NodeUp:       "up",
	NodeDown:     "down",
}

// String implements fmt.Stringer.
func (s NodeStatus) String() string {
	return nodeStatusString[s]
}

// MarshalText implements encoding.TextMarshaler so a JSON encoding of
// map[NodeStatus]anything uses the status's string representation.
func (s NodeStatus) MarshalText() ([]byte, error) {
	return []byte(nodeStatusString[s]), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *NodeStatus) UnmarshalText(text []byte) error {
	for st, str := range nodeStatusString {
		if str == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("invalid node status %q", text)
}

// TaskStatus indicates the last observed state of one task slot.
type TaskStatus int

const (
	TaskPending     TaskStatus = iota // not yet dispatched
	TaskRunning                       // dispatched, output file may not exist yet
	TaskCompleted                     // reported current==total
	TaskFailed                        // launch failed
	TaskStalled                       // output file stopped growing for too long
	TaskUnreachable                   // node was down at dispatch time
)

var taskStatusString = map[TaskStatus]string{
	TaskPending:     "pending",
	TaskRunning:     "running",
	TaskCompleted:   "completed",
	TaskFailed:      "failed",
	TaskStalled:     "stalled",
	TaskUnreachable: "unreachable",
}

// String implements fmt.Stringer.
func (s TaskStatus) String() string {
	return taskStatusString[s]
}

// MarshalText implements encoding.TextMarshaler.
func (s TaskStatus) MarshalText() ([]byte, error) {
	return []byte(taskStatusString[s]), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *TaskStatus) UnmarshalText(text []byte) error {
	for st, str := range taskStatusString {
		if str == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("invalid task status %q", text)
}

// Terminal reports whether a task in this status will never change
// status again without outside intervention.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskStalled, TaskUnreachable:
		return true
	default:
		return false
	}
}

// A SlotConfig identifies one unit of parallel work and the node it is
// assigned to. SlotConfig is immutable once built by the scheduler.
//
// ProcID is the globally unique slot index (0..ntasks-1), assigned
// node-major; LocalID is the slot's index within its node; NodeID is
// the node's ordinal in the schedule. Every (NodeID, LocalID) pair
// maps to exactly one ProcID.
type SlotConfig struct {
	JobName    string `json:"job_name"`
	NodeName   string `json:"node_name"`
	NodeAddr   string `json:"node_addr"`
	CPUsOnNode int    `json:"cpus_on_node"`
	LocalID    int    `json:"local_id"`
	NodeID     int    `json:"node_id"`
	ProcID     int    `json:"proc_id"`
	OutputDir  string `json:"output_dir"`
}

// DefaultOutputFile returns the conventional output file path for this
// slot: <OutputDir>/<NodeName>-<ProcID>.out.
func (sc SlotConfig) DefaultOutputFile() string {
	return filepath.Join(sc.OutputDir, fmt.Sprintf("%s-%d.out", sc.NodeName, sc.ProcID))
}

// A TaskFactory builds the task for one slot. It is supplied by the
// caller and must be pure: the same SlotConfig always yields the same
// command list and output file.
type TaskFactory func(SlotConfig) Task

// A Task is a slot's command sequence and output destination. The
// commands run as a single remote shell invocation in order, each in
// the environment established by its predecessors. Immutable once
// constructed.
type Task struct {
	Commands   []string   `json:"commands"`
	OutputFile string     `json:"output_file"`
	Config     SlotConfig `json:"config"`
}

// TaskRunState is the snapshot of one task's runtime record, suitable
// for aggregation and persistence.
type TaskRunState struct {
	Status    TaskStatus `json:"status"`
	RemotePID int        `json:"remote_pid,omitempty"`
	StartedAt time.Time  `json:"started_at,omitempty"`
	UpdatedAt time.Time  `json:"updated_at,omitempty"`
	Current   int64      `json:"current"`
	Total     int64      `json:"total"`
	Reported  bool       `json:"reported"`
	Offset    int64      `json:"offset"`
	LastError string     `json:"last_error,omitempty"`
}

// A TaskRun is the mutable runtime record for one dispatched task.
// All mutation goes through Update, which holds the record's own lock,
// so per-task updates never race with Snapshot calls from the
// aggregator. Each TaskRun is only ever updated by the goroutine
// responsible for its slot.
type TaskRun struct {
	Task Task

	mtx   sync.Mutex
	state TaskRunState
}

// NewTaskRun returns a TaskRun for the given task, seeded with the
// given initial state.
func NewTaskRun(task Task, state TaskRunState) *TaskRun {
	return &TaskRun{Task: task, state: state}
}

// Snapshot returns a consistent copy of the runtime record.
func (tr *TaskRun) Snapshot() TaskRunState {
	tr.mtx.Lock()
	defer tr.mtx.Unlock()
	return tr.state
}

// Update mutates the runtime record under its lock.
func (tr *TaskRun) Update(fn func(*TaskRunState)) {
	tr.mtx.Lock()
	defer tr.mtx.Unlock()
	fn(&tr.state)
}

// TaskState is the persisted form of one slot: its configuration, its
// task (so a resumed controller never re-invokes the task factory),
// and the last runtime snapshot.
type TaskState struct {
	Config     SlotConfig   `json:"config"`
	Commands   []string     `json:"commands"`
	OutputFile string       `json:"output_file"`
	Run        TaskRunState `json:"run"`
}

// ClusterState is the unit of persistence: everything a freshly
// started controller needs to present the same cluster view and resume
// progress polling from prior offsets. It does not confer ownership of
// remote processes.
type ClusterState struct {
	JobName   string      `json:"job_name"`
	OutputDir string      `json:"output_dir"`
	Tasks     []TaskState `json:"tasks"`
	SavedAt   time.Time   `json:"saved_at"`
}
