package orchestrator

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/edgehive/edgehive/pkg/health"
	"github.com/edgehive/edgehive/pkg/record"
	"github.com/edgehive/edgehive/pkg/tree"
)

// System stream types emitted by the tracker.
const (
	// TypeScore counts datapoints recorded per stream.
	TypeScore = "score"
	// TypeScorp accumulates transform processing durations per
	// consumed stream.
	TypeScorp = "scorp"
	// TypeHeart carries device vitals.
	TypeHeart = "heart"
)

// noopSensor backs the tracker tree's root. The tracker loop logs
// through the node directly; the sensor itself only waits.
type noopSensor struct{}

func (noopSensor) Run(ctx context.Context, node *tree.Node) error {
	<-ctx.Done()
	return nil
}

// newSystemTree builds the internal tree carrying the score, scorp and
// heart streams. It occupies sensor slot 0, which is reserved for the
// device itself.
func newSystemTree(env *tree.Env) (*tree.Node, error) {
	r := tree.NewRegistry()
	r.RegisterSensor("system-tracker", func(tree.NodeConfig) (tree.Sensor, error) {
		return noopSensor{}, nil
	})
	tr := tree.New(env, r, 0)
	sensor, err := tr.NewNode(tree.NodeConfig{
		Kind: tree.KindSensor,
		Name: "system-tracker",
		Outputs: []tree.Stream{
			{TypeID: TypeScore, Index: 0, Format: tree.FormatLog,
				Fields: []string{"observed_data_id", "count", "total"}},
			{TypeID: TypeScorp, Index: 1, Format: tree.FormatLog,
				Fields: []string{"observed_data_id", "count", "total_seconds"}},
			{TypeID: TypeHeart, Index: 2, Format: tree.FormatLog,
				Fields: health.Fields},
		},
	})
	if err != nil {
		return nil, err
	}
	for i := 0; i < 3; i++ {
		sink, err := tr.NewNode(tree.NodeConfig{Kind: tree.KindSink, Name: "sink"})
		if err != nil {
			return nil, err
		}
		if err := tr.Connect(sensor, i, sink); err != nil {
			return nil, err
		}
	}
	if err := tr.Validate(); err != nil {
		return nil, err
	}
	return sensor, nil
}

// runTracker drains the per-node counters into the score and scorp
// streams on every worker tick and logs a heart row on every health
// tick, until ctx is cancelled. A final drain runs on the way out so a
// stop does not lose counts.
func (o *Orchestrator) runTracker(ctx context.Context, trees []*tree.Tree) {
	tracker, err := newSystemTree(o.newEnv())
	if err != nil {
		o.log.Error("failed to build system tree", zap.Error(err))
		return
	}

	statsTicker := time.NewTicker(o.cfg.Intervals.WorkerTick)
	defer statsTicker.Stop()
	healthTicker := time.NewTicker(o.cfg.Intervals.HealthTick)
	defer healthTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			o.drainStats(tracker, trees)
			return
		case <-statsTicker.C:
			o.drainStats(tracker, trees)
		case <-healthTicker.C:
			if err := tracker.Log(2, health.Sample()); err != nil {
				o.log.Error("failed to log health row", zap.Error(err))
			}
		}
	}
}

// drainStats collects and resets every node's counters, logging one
// score row per stream with datapoints and one scorp row per stream
// with processing time.
func (o *Orchestrator) drainStats(tracker *tree.Node, trees []*tree.Tree) {
	for _, t := range trees {
		for _, n := range t.Nodes() {
			samples, processing := n.DrainStats()
			for typeID, stat := range samples {
				dataID := observedDataID(t, n, typeID)
				err := tracker.Log(0, record.Row{
					"observed_data_id": dataID,
					"count":            strconv.Itoa(stat.Count),
					"total":            strconv.FormatFloat(stat.Sum, 'f', 3, 64),
				})
				if err != nil {
					o.log.Error("failed to log score row", zap.Error(err))
				}
			}
			for typeID, stat := range processing {
				dataID := observedDataID(t, n, typeID)
				err := tracker.Log(1, record.Row{
					"observed_data_id": dataID,
					"count":            strconv.Itoa(stat.Count),
					"total_seconds":    strconv.FormatFloat(stat.Sum, 'f', 3, 64),
				})
				if err != nil {
					o.log.Error("failed to log scorp row", zap.Error(err))
				}
			}
		}
	}
}

// observedDataID resolves the data_id of the stream a counter was
// recorded against; counters are keyed by stream type within a tree.
func observedDataID(t *tree.Tree, n *tree.Node, typeID string) string {
	for _, e := range t.Edges() {
		if e.Stream.TypeID == typeID {
			return e.DataID().String()
		}
	}
	// Unconnected stream; reconstruct from the emitting node.
	for _, s := range n.Config().Outputs {
		if s.TypeID == typeID {
			if id, err := n.DataID(s.Index); err == nil {
				return id.String()
			}
		}
	}
	return typeID
}
