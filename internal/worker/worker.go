// Package worker runs the per-tree processing loop: on a fixed tick it
// feeds staged data through each transform edge in tree build order.
package worker

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/edgehive/edgehive/pkg/errors"
	"github.com/edgehive/edgehive/pkg/journal"
	"github.com/edgehive/edgehive/pkg/metrics"
	"github.com/edgehive/edgehive/pkg/record"
	"github.com/edgehive/edgehive/pkg/tree"
)

// Worker processes one tree. Sensors have their own goroutines; the
// worker only drives transforms.
type Worker struct {
	env  *tree.Env
	tree *tree.Tree
	log  *zap.Logger

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a Worker for one tree.
func New(env *tree.Env, t *tree.Tree) *Worker {
	return &Worker{
		env:  env,
		tree: t,
		log: env.Log.With(
			zap.String("component", "worker"),
			zap.Int("sensor_index", t.SensorIndex())),
	}
}

// Start launches the processing goroutine. A second start warns and
// does nothing. If the tree has no transforms the goroutine exits
// immediately: leaf recordings upload directly and there is nothing to
// drive.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		w.log.Warn("worker already started")
		return
	}
	w.started = true
	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})
	go w.run(ctx)
}

// Stop requests a cooperative stop and waits for the goroutine.
func (w *Worker) Stop() {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.started = false
	w.cancel = nil
	w.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)

	edges := w.tree.TransformEdges()
	if len(edges) == 0 {
		w.log.Debug("no transforms registered, exiting worker loop")
		return
	}

	tick := w.env.Config.Intervals.WorkerTick
	for {
		start := time.Now()
		for _, edge := range edges {
			w.processEdge(ctx, edge)
			if ctx.Err() != nil {
				return
			}
		}

		sleep := tick - time.Since(start)
		if sleep < 0 {
			sleep = 0
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(sleep):
		}
	}
}

// processEdge runs one transform over the staged output of its parent
// stream. A transform failure is logged and does not abort the tick.
func (w *Worker) processEdge(ctx context.Context, edge tree.Edge) {
	execStart := time.Now()
	var err error
	if edge.Stream.IsTabular() {
		err = w.processTabular(ctx, edge)
	} else {
		err = w.processBinary(ctx, edge)
	}

	duration := time.Since(execStart)
	edge.Sink.RecordProcessing(edge.Stream.TypeID, duration)
	metrics.TransformDuration.WithLabelValues(edge.Stream.TypeID).Observe(duration.Seconds())

	if err != nil {
		metrics.TransformErrors.WithLabelValues(edge.Stream.TypeID).Inc()
		w.log.Error("transform failed",
			zap.String("type_id", edge.Stream.TypeID),
			zap.Error(err))
	}
}

// processTabular concatenates staged row files matching the edge's
// data_id and hands the rows to the transform. The staged suffix is the
// stream's own format ("csv" or "log"); both carry CSV content. The
// files are not deleted here; journal flushing owns their lifecycle.
func (w *Worker) processTabular(ctx context.Context, edge tree.Edge) error {
	files, err := w.matchStaged(edge, edge.Stream.Format, 0)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return nil
	}
	var table record.Table
	for _, f := range files {
		rows, err := journal.ReadCSV(f)
		if err != nil {
			w.log.Error("failed to read staged csv", zap.String("path", f), zap.Error(err))
			continue
		}
		table = append(table, rows...)
	}
	if len(table) == 0 {
		return nil
	}

	out, err := edge.Sink.Transform().Process(ctx, edge.Sink, tree.Input{
		Stream: edge.Stream,
		Rows:   table,
	})
	if err != nil {
		return err
	}
	return w.forward(edge, out)
}

// processBinary globs staged recordings matching the edge's data_id,
// excluding anything modified within the in-flight guard window,
// invokes the transform, then deletes the consumed files regardless of
// the outcome.
func (w *Worker) processBinary(ctx context.Context, edge tree.Edge) error {
	files, err := w.matchStaged(edge, edge.Stream.Format, w.env.Config.Intervals.InFlightGuard)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return nil
	}

	out, perr := edge.Sink.Transform().Process(ctx, edge.Sink, tree.Input{
		Stream: edge.Stream,
		Files:  files,
	})
	for _, f := range files {
		if rmErr := os.Remove(f); rmErr != nil && !os.IsNotExist(rmErr) {
			w.log.Error("failed to delete consumed file", zap.String("path", f))
		}
	}
	if perr != nil {
		return perr
	}
	return w.forward(edge, out)
}

// forward pushes a transform's returned table out on its first output
// stream.
func (w *Worker) forward(edge tree.Edge, out record.Table) error {
	if len(out) == 0 {
		return nil
	}
	return edge.Sink.SaveData(0, out)
}

func (w *Worker) matchStaged(edge tree.Edge, suffix string, guard time.Duration) ([]string, error) {
	dataID := edge.DataID().String()
	pattern := filepath.Join(w.env.Config.Dirs.Processing, "*"+dataID+"*."+suffix)
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeFile, "glob staged files")
	}
	if guard <= 0 {
		return matches, nil
	}
	cutoff := time.Now().Add(-guard)
	var out []string
	for _, f := range matches {
		info, err := os.Stat(f)
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			out = append(out, f)
		}
	}
	return out, nil
}
