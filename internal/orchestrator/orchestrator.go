// Package orchestrator owns the device pipeline lifecycle: it starts
// and stops sensors, workers, and the journal pool as one unit, runs
// the watchdog loop that keeps the liveness marker fresh, restarts the
// pipeline when a sensor dies or an operator clears the running marker,
// and emits the system observability streams.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/edgehive/edgehive/internal/worker"
	"github.com/edgehive/edgehive/pkg/cloud"
	"github.com/edgehive/edgehive/pkg/config"
	"github.com/edgehive/edgehive/pkg/journal"
	"github.com/edgehive/edgehive/pkg/metrics"
	"github.com/edgehive/edgehive/pkg/runflag"
	"github.com/edgehive/edgehive/pkg/tree"
)

// TreeBuilder constructs and wires one processing tree. Builders run
// on every pipeline start so a restart gets fresh sensor and transform
// instances.
type TreeBuilder func(t *tree.Tree) error

type treeSlot struct {
	sensorIndex int
	build       TreeBuilder
}

// Orchestrator coordinates every running component of the pipeline.
type Orchestrator struct {
	cfg      *config.Config
	registry *tree.Registry
	conn     cloud.Connector
	pool     *journal.Pool
	flags    *runflag.Flags
	log      *zap.Logger

	slots []treeSlot

	mu        sync.Mutex
	started   bool
	trees     []*tree.Tree
	workers   []*worker.Worker
	cancel    context.CancelFunc
	sensorsWG sync.WaitGroup
	restartCh chan struct{}
	restarts  int
}

// New creates an Orchestrator. The connector and registry are supplied
// by the caller so tests can inject a local backend and fake nodes.
func New(cfg *config.Config, registry *tree.Registry, conn cloud.Connector, log *zap.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:       cfg,
		registry:  registry,
		conn:      conn,
		pool:      journal.NewPool(cfg, conn),
		flags:     runflag.New(cfg.Dirs.Flags, cfg.Intervals.WatchdogTick),
		log:       log.With(zap.String("component", "orchestrator")),
		restartCh: make(chan struct{}, 1),
	}
}

// AddTree registers a builder for the given physical sensor slot.
// Builders must be added before the first start.
func (o *Orchestrator) AddTree(sensorIndex int, build TreeBuilder) {
	o.slots = append(o.slots, treeSlot{sensorIndex: sensorIndex, build: build})
}

// Pool returns the journal pool shared by every node.
func (o *Orchestrator) Pool() *journal.Pool { return o.pool }

// Flags returns the runflag set the orchestrator signals through.
func (o *Orchestrator) Flags() *runflag.Flags { return o.flags }

// Trees returns the trees of the current run, nil when stopped.
func (o *Orchestrator) Trees() []*tree.Tree {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*tree.Tree, len(o.trees))
	copy(out, o.trees)
	return out
}

// StartAll builds every tree and brings the pipeline up: the journal
// pool first, then workers, then sensors, then the periodic upkeep
// goroutines (tracker, upload sweep) and the audit snapshot. A second
// start warns and does nothing.
func (o *Orchestrator) StartAll(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started {
		o.log.Warn("pipeline already started")
		return nil
	}
	if err := o.cfg.EnsureDirs(); err != nil {
		return err
	}
	if err := o.flags.ClearStop(); err != nil {
		return err
	}

	env := o.newEnv()
	trees, err := o.buildTrees(env)
	if err != nil {
		return err
	}
	o.trees = trees

	ctx, o.cancel = context.WithCancel(ctx)
	o.started = true
	o.pool.Start(ctx)

	// Workers first so staged backlog drains even if a sensor fails
	// to come up.
	o.workers = o.workers[:0]
	for _, t := range trees {
		w := worker.New(env, t)
		w.Start(ctx)
		o.workers = append(o.workers, w)
	}
	for _, t := range trees {
		o.sensorsWG.Add(1)
		go o.runSensor(ctx, t)
	}

	go o.runTracker(ctx, trees)
	go o.runSweep(ctx)
	go func() {
		if err := o.saveAuditSnapshot(ctx, trees); err != nil {
			o.log.Error("audit snapshot failed", zap.Error(err))
		}
	}()

	o.log.Info("pipeline started", zap.Int("trees", len(trees)))
	return nil
}

func (o *Orchestrator) buildTrees(env *tree.Env) ([]*tree.Tree, error) {
	trees := make([]*tree.Tree, 0, len(o.slots))
	for _, slot := range o.slots {
		t := tree.New(env, o.registry, slot.sensorIndex)
		if err := slot.build(t); err != nil {
			return nil, err
		}
		if err := t.Validate(); err != nil {
			return nil, err
		}
		trees = append(trees, t)
	}
	return trees, nil
}

func (o *Orchestrator) newEnv() *tree.Env {
	return &tree.Env{
		Config:    o.cfg,
		Pool:      o.pool,
		Connector: o.conn,
		Log:       o.log,
	}
}

// runSensor drives one tree's sensor until it returns. A failure while
// the pipeline is still live schedules a restart.
func (o *Orchestrator) runSensor(ctx context.Context, t *tree.Tree) {
	defer o.sensorsWG.Done()
	root := t.Root()
	err := root.Sensor().Run(ctx, root)
	if err != nil && ctx.Err() == nil {
		o.log.Error("sensor failed",
			zap.Int("sensor_index", t.SensorIndex()),
			zap.Error(err))
		select {
		case o.restartCh <- struct{}{}:
		default:
		}
	}
}

// StopAll brings the pipeline down: sensors are cancelled and waited
// for (bounded by the sensor stop timeout), then workers, then the
// journal pool flushes and stops. With restart false a stop marker is
// written so the watchdog exits rather than restarts.
func (o *Orchestrator) StopAll(ctx context.Context, restart bool) error {
	o.mu.Lock()
	if !o.started {
		o.mu.Unlock()
		return nil
	}
	o.started = false
	cancel := o.cancel
	workers := o.workers
	o.cancel = nil
	o.workers = nil
	o.trees = nil
	o.mu.Unlock()

	if !restart {
		if err := o.flags.RequestStop(); err != nil {
			o.log.Error("failed to write stop marker", zap.Error(err))
		}
	}

	cancel()
	done := make(chan struct{})
	go func() {
		o.sensorsWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(o.cfg.Intervals.SensorStopTimeout):
		o.log.Error("sensors did not stop within timeout")
	}

	for _, w := range workers {
		w.Stop()
	}

	err := o.pool.Stop(ctx)
	o.log.Info("pipeline stopped", zap.Bool("restart", restart))
	return err
}

// restartAll cycles the pipeline in place.
func (o *Orchestrator) restartAll(ctx context.Context) {
	o.mu.Lock()
	o.restarts++
	o.mu.Unlock()
	metrics.PipelineRestarts.Inc()
	o.log.Warn("restarting pipeline")
	if err := o.StopAll(ctx, true); err != nil {
		o.log.Error("stop during restart failed", zap.Error(err))
	}
	if err := o.StartAll(ctx); err != nil {
		o.log.Error("start during restart failed", zap.Error(err))
	}
}

// Main is the watchdog loop and the blocking entry point of a device
// process. It starts the pipeline, then on every watchdog tick
// freshens the running marker, exits when a stop is requested, and
// restarts when a sensor has failed or an operator cleared the running
// marker. On return the pipeline is stopped and the running marker
// removed.
func (o *Orchestrator) Main(ctx context.Context) error {
	if err := o.StartAll(ctx); err != nil {
		return err
	}
	if err := o.flags.Touch(); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), o.cfg.Intervals.SensorStopTimeout)
		defer cancel()
		if err := o.StopAll(stopCtx, false); err != nil {
			o.log.Error("final stop failed", zap.Error(err))
		}
		if err := o.flags.ClearRunning(); err != nil {
			o.log.Error("failed to clear running marker", zap.Error(err))
		}
	}()

	ticker := time.NewTicker(o.cfg.Intervals.WatchdogTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-o.restartCh:
			o.restartAll(ctx)
			if err := o.flags.Touch(); err != nil {
				return err
			}
		case <-ticker.C:
			if o.flags.StopRequested() {
				o.log.Info("stop requested, exiting")
				return nil
			}
			if o.flags.RunningCleared() {
				o.restartAll(ctx)
			}
			if err := o.flags.Touch(); err != nil {
				return err
			}
		}
	}
}

// Status describes the pipeline for operator tooling.
type Status struct {
	Running  bool `json:"running" yaml:"running"`
	Trees    int  `json:"trees" yaml:"trees"`
	Journals int  `json:"journals" yaml:"journals"`
	Restarts int  `json:"restarts" yaml:"restarts"`
}

// Status reports the current pipeline state.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return Status{
		Running:  o.started,
		Trees:    len(o.trees),
		Journals: o.pool.Size(),
		Restarts: o.restarts,
	}
}
