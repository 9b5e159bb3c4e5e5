// Copyright (C) The Farmout Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package state persists cluster state so a restarted controller can
// resume progress monitoring without re-launching remote work.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/farmout-project/farmout/lib/farmout"
)

// PathFor returns the conventional state file path for a job:
// <outputDir>/<jobName>.farmout.json.
func PathFor(outputDir, jobName string) string {
	return filepath.Join(outputDir, jobName+".farmout.json")
}

// A Store reads and writes one job's ClusterState file. Writes are
// serialized and atomic (write-to-temp-then-rename), so a concurrent
// reader never observes a partial write and a crash mid-write never
// corrupts the previous snapshot.
type Store struct {
	Path string

	mtx sync.Mutex
}

// NewStore returns a Store for the given state file path.
func NewStore(path string) *Store {
	return &Store{Path: path}
}

// Save writes the state atomically. It is called on every poll cycle
// and on graceful shutdown.
func (st *Store) Save(state *farmout.ClusterState) error {
	st.mtx.Lock()
	defer st.mtx.Unlock()

	buf, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(st.Path), 0777); err != nil {
		return err
	}
	tmp := fmt.Sprintf("%s~%d", st.Path, os.Getpid())
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		return err
	}
	_, err = f.Write(buf)
	if err == nil {
		err = f.Sync()
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, st.Path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// Load reconstructs the persisted ClusterState. A missing file is a
// NotFoundError; an unreadable or undecodable file is a
// CorruptStateError. There is no silent fallback to an empty state.
//
// Loading only seeds per-task offsets and last-known status for a new
// monitoring session; it does not transfer ownership of any remote
// process.
func (st *Store) Load() (*farmout.ClusterState, error) {
	buf, err := os.ReadFile(st.Path)
	if os.IsNotExist(err) {
		return nil, farmout.NotFoundError{Path: st.Path}
	} else if err != nil {
		return nil, farmout.CorruptStateError{Path: st.Path, Err: err}
	}
	var state farmout.ClusterState
	if err := json.Unmarshal(buf, &state); err != nil {
		return nil, farmout.CorruptStateError{Path: st.Path, Err: err}
	}
	if state.JobName == "" {
		return nil, farmout.CorruptStateError{Path: st.Path, Err: fmt.Errorf("missing job name")}
	}
	return &state, nil
}
