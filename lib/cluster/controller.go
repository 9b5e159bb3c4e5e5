// Copyright (C) The Farmout Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package cluster composes the farmout components into a controller:
// it probes nodes, schedules slots, dispatches remote tasks, polls
// their progress, and persists cluster state so a restarted controller
// can resume monitoring.
package cluster

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"time"

	"github.com/farmout-project/farmout/lib/config"
	"github.com/farmout-project/farmout/lib/ctxlog"
	"github.com/farmout-project/farmout/lib/farmout"
	"github.com/farmout-project/farmout/lib/launch"
	"github.com/farmout-project/farmout/lib/nodes"
	"github.com/farmout-project/farmout/lib/progress"
	"github.com/farmout-project/farmout/lib/slots"
	"github.com/farmout-project/farmout/lib/sshexec"
	"github.com/farmout-project/farmout/lib/state"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
)

// An Executor executes shell commands on a remote host and can be
// closed when the controller shuts down.
type Executor interface {
	Execute(env map[string]string, cmd string, stdin io.Reader) (stdout, stderr []byte, err error)
	Close()
}

// A Controller drives one job: node liveness, slot assignment, remote
// dispatch, progress polling, and state persistence. Exported fields
// are configuration and must be set before the first call to Start,
// Resume, or Run.
//
// Construct one Controller per job; there is no process-wide shared
// state, so multiple independent clusters can run in one process.
type Controller struct {
	Config  *config.Config
	Factory farmout.TaskFactory

	// NodeList overrides loading Config.Hostfile (used by tests and
	// embedding callers that parse their own node lists).
	NodeList []*nodes.Node

	// NewExecutor overrides the default SSH executor factory.
	NewExecutor func(name, addr string) Executor

	// Output receives rendered progress summaries. Defaults to
	// os.Stdout.
	Output io.Writer

	// Registry receives the controller's metrics. A private
	// registry is created if nil.
	Registry *prometheus.Registry

	logger   logrus.FieldLogger
	registry *nodes.Registry
	launcher *launch.Launcher
	scanner  progress.Scanner
	store    *state.Store
	metrics  metrics
	sshKey   ssh.Signer

	setupOnce sync.Once
	setupErr  error

	mtx       sync.Mutex
	executors map[string]Executor
	tasks     []*farmout.TaskRun // ProcID order; set by Start or Resume
}

// setup initializes everything that does not touch the network.
func (ctrl *Controller) setup(ctx context.Context) error {
	ctrl.setupOnce.Do(func() { ctrl.setupErr = ctrl.initialize(ctx) })
	return ctrl.setupErr
}

func (ctrl *Controller) initialize(ctx context.Context) error {
	ctrl.logger = ctxlog.FromContext(ctx).WithField("Job", ctrl.Config.JobName)
	ctrl.Config.ApplyDefaults()
	if err := ctrl.Config.Check(); err != nil {
		return err
	}
	if ctrl.Output == nil {
		ctrl.Output = os.Stdout
	}
	if ctrl.Registry == nil {
		ctrl.Registry = prometheus.NewRegistry()
	}
	ctrl.metrics.setup(ctrl.Registry)
	ctrl.executors = map[string]Executor{}
	if ctrl.NewExecutor == nil {
		if ctrl.Config.SSH.PrivateKeyFile != "" {
			key, err := sshexec.LoadPrivateKey(ctrl.Config.SSH.PrivateKeyFile)
			if err != nil {
				return farmout.Configf("error loading ssh private key %q: %s", ctrl.Config.SSH.PrivateKeyFile, err)
			}
			ctrl.sshKey = key
		}
		ctrl.NewExecutor = ctrl.newSSHExecutor
	}
	if ctrl.NodeList == nil {
		nodelist, err := nodes.LoadHostfile(ctrl.logger, ctrl.Config.Hostfile)
		if err != nil {
			return err
		}
		ctrl.NodeList = nodelist
	}
	ctrl.registry = nodes.NewRegistry(ctrl.logger, ctrl.NodeList, func(node *nodes.Node) nodes.Executor {
		return ctrl.executor(node.Name, node.Addr)
	}, ctrl.Config.ProbeTimeout.Duration(), ctrl.Config.MaxLaunchConcurrency)
	ctrl.launcher = launch.NewLauncher(ctrl.logger, func(sc farmout.SlotConfig) launch.Executor {
		return ctrl.executor(sc.NodeName, sc.NodeAddr)
	})
	ctrl.store = state.NewStore(state.PathFor(ctrl.Config.OutputDir, ctrl.Config.JobName))
	return nil
}

// executor returns the cached command executor for a node, creating it
// on first use.
func (ctrl *Controller) executor(name, addr string) Executor {
	ctrl.mtx.Lock()
	defer ctrl.mtx.Unlock()
	if exr, ok := ctrl.executors[addr]; ok {
		return exr
	}
	exr := ctrl.NewExecutor(name, addr)
	ctrl.executors[addr] = exr
	return exr
}

func (ctrl *Controller) newSSHExecutor(name, addr string) Executor {
	exr := sshexec.New(sshTarget{name: name, addr: addr, user: ctrl.Config.SSH.User, logger: ctrl.logger})
	exr.SetTargetPort(ctrl.Config.SSH.Port)
	exr.SetDialTimeout(ctrl.Config.ProbeTimeout.Duration())
	if ctrl.sshKey != nil {
		exr.SetSigners(ctrl.sshKey)
	}
	return exr
}

// sshTarget adapts one configured node to sshexec.Target. Host keys
// are accepted on first use and logged; nodes in a farmout cluster are
// pre-configured trusted hosts, and the only credential offered is the
// configured private key.
type sshTarget struct {
	name   string
	addr   string
	user   string
	logger logrus.FieldLogger
}

func (t sshTarget) Address() string { return t.addr }

func (t sshTarget) RemoteUser() string {
	if t.user == "" {
		return "root"
	}
	return t.user
}

func (t sshTarget) VerifyHostKey(key ssh.PublicKey, _ *ssh.Client) error {
	t.logger.WithFields(logrus.Fields{
		"Node":        t.name,
		"Fingerprint": ssh.FingerprintSHA256(key),
	}).Info("accepting host key")
	return nil
}

// Start probes the node list, builds the slot schedule, dispatches one
// remote process per slot through a bounded launch pool, and saves the
// initial cluster state. Shape or node-list problems return a
// ConfigError before anything is dispatched; per-slot launch failures
// are recorded in the slot's task record and never abort siblings.
func (ctrl *Controller) Start(ctx context.Context) error {
	if err := ctrl.setup(ctx); err != nil {
		return err
	}
	if ctrl.Factory == nil {
		return farmout.Configf("no task factory provided")
	}

	shape, err := slots.ResolveShape(slots.Params{
		NTasks:        ctrl.Config.NTasks,
		NNodes:        ctrl.Config.NNodes,
		NTasksPerNode: ctrl.Config.NTasksPerNode,
	})
	if err != nil {
		return err
	}

	down := ctrl.registry.CheckAll(ctx)
	if len(down) > 0 {
		ctrl.logger.WithField("Down", len(down)).Warn("some nodes are unreachable")
	}
	var up []*nodes.Node
	for _, node := range ctrl.registry.Nodes() {
		if node.Status() == farmout.NodeUp {
			up = append(up, node)
		}
	}

	configs, err := slots.BuildSlots(ctrl.Config.JobName, ctrl.Config.OutputDir, up, shape.NNodes, shape.NTasksPerNode)
	if err != nil {
		return err
	}

	tasks := make([]*farmout.TaskRun, len(configs))
	sem := make(chan struct{}, ctrl.Config.MaxLaunchConcurrency)
	var wg sync.WaitGroup
	for i, sc := range configs {
		task := ctrl.Factory(sc)
		if task.OutputFile == "" {
			task.OutputFile = sc.DefaultOutputFile()
		}
		wg.Add(1)
		go func(i int, task farmout.Task) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			tasks[i] = ctrl.launchTask(ctx, task)
		}(i, task)
	}
	wg.Wait()

	ctrl.mtx.Lock()
	ctrl.tasks = tasks
	ctrl.mtx.Unlock()
	return ctrl.saveState()
}

func (ctrl *Controller) launchTask(ctx context.Context, task farmout.Task) *farmout.TaskRun {
	run, err := ctrl.launcher.Launch(ctx, task)
	if err == nil {
		return run
	}
	status := farmout.TaskFailed
	if errors.As(err, new(farmout.UnreachableNodeError)) {
		status = farmout.TaskUnreachable
	}
	return farmout.NewTaskRun(task, farmout.TaskRunState{
		Status:    status,
		UpdatedAt: time.Now(),
		LastError: err.Error(),
	})
}

// Resume loads the persisted cluster state and seeds the task records
// from it, so polling continues from the prior offsets without
// re-launching any remote work or re-invoking the task factory (output
// paths come from the state file, not the factory).
func (ctrl *Controller) Resume(ctx context.Context) error {
	if err := ctrl.setup(ctx); err != nil {
		return err
	}
	saved, err := ctrl.store.Load()
	if err != nil {
		return err
	}
	tasks := make([]*farmout.TaskRun, len(saved.Tasks))
	for i, ts := range saved.Tasks {
		tasks[i] = farmout.NewTaskRun(farmout.Task{
			Commands:   ts.Commands,
			OutputFile: ts.OutputFile,
			Config:     ts.Config,
		}, ts.Run)
	}
	ctrl.mtx.Lock()
	ctrl.tasks = tasks
	ctrl.mtx.Unlock()
	ctrl.logger.WithField("Tasks", len(tasks)).Info("resumed cluster state")
	return nil
}

// taskRuns returns the current task list.
func (ctrl *Controller) taskRuns() []*farmout.TaskRun {
	ctrl.mtx.Lock()
	defer ctrl.mtx.Unlock()
	return ctrl.tasks
}

// PrintProgress runs one scan-and-aggregate cycle: it refreshes every
// task's progress and status concurrently (each task is touched only
// by its own goroutine), aggregates, saves the cluster state, and
// renders a summary. It always renders -- failed or stalled slots are
// annotated rather than raised -- and returns the summary.
func (ctrl *Controller) PrintProgress(ctx context.Context) (progress.Summary, error) {
	if err := ctrl.setup(ctx); err != nil {
		return progress.Summary{}, err
	}
	tasks := ctrl.taskRuns()

	var wg sync.WaitGroup
	for _, run := range tasks {
		wg.Add(1)
		go func(run *farmout.TaskRun) {
			defer wg.Done()
			ctrl.updateTask(ctx, run)
		}(run)
	}
	wg.Wait()

	snapshots := make([]progress.TaskProgress, len(tasks))
	for i, run := range tasks {
		snapshots[i] = progress.TaskProgress{Config: run.Task.Config, Run: run.Snapshot()}
	}
	summary := progress.Aggregate(snapshots)
	ctrl.metrics.update(summary)
	if err := ctrl.saveState(); err != nil {
		ctrl.logger.WithError(err).Error("error saving cluster state")
		progress.Render(ctrl.Output, ctrl.Config.JobName, summary, time.Now())
		return summary, err
	}
	progress.Render(ctrl.Output, ctrl.Config.JobName, summary, time.Now())
	return summary, nil
}

// updateTask refreshes one task's progress and status from its output
// file. Liveness is inferred from filesystem side effects: the file
// growing, then stopping. A file silent for longer than the configured
// stall timeout marks the task stalled, with a best-effort remote PID
// check to distinguish a dead process from a silent one.
func (ctrl *Controller) updateTask(ctx context.Context, run *farmout.TaskRun) {
	snap := run.Snapshot()
	if snap.Status.Terminal() || snap.Status == farmout.TaskPending {
		return
	}

	cur, tot, newOffset, found, err := ctrl.scanner.Scan(run.Task.OutputFile, snap.Offset)
	if err != nil {
		run.Update(func(st *farmout.TaskRunState) { st.LastError = err.Error() })
		return
	}
	now := time.Now()
	run.Update(func(st *farmout.TaskRunState) {
		if newOffset != st.Offset {
			st.UpdatedAt = now
		}
		st.Offset = newOffset
		if found {
			st.Current, st.Total, st.Reported = cur, tot, true
		}
		if st.Reported && st.Total > 0 && st.Current >= st.Total {
			st.Status = farmout.TaskCompleted
		}
	})

	snap = run.Snapshot()
	if snap.Status != farmout.TaskRunning {
		return
	}
	fi, err := os.Stat(run.Task.OutputFile)
	if err != nil {
		// Not written yet; the remote process may still be
		// starting up.
		return
	}
	if age := now.Sub(fi.ModTime()); age > ctrl.Config.StallTimeout.Duration() {
		reason := "no new output for " + age.Truncate(time.Second).String()
		if alive, err := ctrl.launcher.CheckAlive(ctx, run); err == nil && !alive {
			reason += ", remote process has exited"
		}
		run.Update(func(st *farmout.TaskRunState) {
			st.Status = farmout.TaskStalled
			st.LastError = reason
		})
	}
}

// saveState persists a snapshot of all task records.
func (ctrl *Controller) saveState() error {
	tasks := ctrl.taskRuns()
	cstate := &farmout.ClusterState{
		JobName:   ctrl.Config.JobName,
		OutputDir: ctrl.Config.OutputDir,
		Tasks:     make([]farmout.TaskState, len(tasks)),
		SavedAt:   time.Now(),
	}
	for i, run := range tasks {
		cstate.Tasks[i] = farmout.TaskState{
			Config:     run.Task.Config,
			Commands:   run.Task.Commands,
			OutputFile: run.Task.OutputFile,
			Run:        run.Snapshot(),
		}
	}
	return ctrl.store.Save(cstate)
}

// Run polls until every task reaches a terminal status or ctx is
// cancelled, then saves a final snapshot. Cancelling the context stops
// polling only; remote work is never terminated by the controller.
func (ctrl *Controller) Run(ctx context.Context) error {
	if err := ctrl.setup(ctx); err != nil {
		return err
	}
	ticker := time.NewTicker(ctrl.Config.PollInterval.Duration())
	defer ticker.Stop()
	for {
		summary, err := ctrl.PrintProgress(ctx)
		if err != nil {
			return err
		}
		if summary.Done() {
			ctrl.logger.Info("all tasks are in a terminal state")
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			ctrl.logger.Info("stopping progress polling; remote work continues")
			return ctrl.saveState()
		}
	}
}

// Close releases SSH connections. It does not affect remote processes.
func (ctrl *Controller) Close() {
	ctrl.mtx.Lock()
	executors := ctrl.executors
	ctrl.executors = map[string]Executor{}
	ctrl.mtx.Unlock()
	for _, exr := range executors {
		exr.Close()
	}
}
