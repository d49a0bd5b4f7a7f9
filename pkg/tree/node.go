package tree

import (
	"context"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/edgehive/edgehive/pkg/cloud"
	"github.com/edgehive/edgehive/pkg/config"
	"github.com/edgehive/edgehive/pkg/errors"
	"github.com/edgehive/edgehive/pkg/journal"
	"github.com/edgehive/edgehive/pkg/metrics"
	"github.com/edgehive/edgehive/pkg/naming"
	"github.com/edgehive/edgehive/pkg/record"
)

// Env is the runtime context shared by every node of a process: the
// configuration, the journal pool rows flow into, and the cloud
// connector recordings upload through. It is constructed once by the
// orchestrator and passed by reference.
type Env struct {
	Config    *config.Config
	Pool      *journal.Pool
	Connector cloud.Connector
	Log       *zap.Logger

	// Rand overrides the sampling source; nil uses the global
	// generator.
	Rand func() float64
}

func (e *Env) sample(probability float64) bool {
	if probability <= 0 {
		return false
	}
	f := e.Rand
	if f == nil {
		f = rand.Float64
	}
	return f() < probability
}

// Stat accumulates a count and a sum (of durations in seconds, or of
// unit samples).
type Stat struct {
	Count int
	Sum   float64
}

func (s *Stat) record(v float64) {
	s.Count++
	s.Sum += v
}

// Node is the runtime wrapper around one configured tree node. It is
// created when the tree is built and carries the per-node counters
// that feed the observability streams.
type Node struct {
	cfg         NodeConfig
	sensorIndex int
	env         *Env
	sensor      Sensor
	transform   Transform
	children    map[int]*Node

	mu sync.Mutex
	// sampleStats counts datapoints recorded, by stream type.
	sampleStats map[string]*Stat
	// procStats records processing durations, by consumed stream
	// type.
	procStats map[string]*Stat
}

func newNode(cfg NodeConfig, sensorIndex int, env *Env) *Node {
	return &Node{
		cfg:         cfg,
		sensorIndex: sensorIndex,
		env:         env,
		children:    make(map[int]*Node),
		sampleStats: make(map[string]*Stat),
		procStats:   make(map[string]*Stat),
	}
}

// Config returns the node's configuration.
func (n *Node) Config() NodeConfig { return n.cfg }

// SensorIndex returns the physical sensor slot this node belongs to.
func (n *Node) SensorIndex() int { return n.sensorIndex }

// Sensor returns the sensor implementation, nil for other kinds.
func (n *Node) Sensor() Sensor { return n.sensor }

// Transform returns the transform implementation, nil for other kinds.
func (n *Node) Transform() Transform { return n.transform }

// Child returns the node connected to the given output stream, or nil.
func (n *Node) Child(streamIndex int) *Node { return n.children[streamIndex] }

// IsLeaf reports whether the given output stream has no downstream
// node; its recordings then upload directly instead of staging for a
// transform.
func (n *Node) IsLeaf(streamIndex int) bool {
	_, ok := n.children[streamIndex]
	return !ok
}

// Stream returns the output stream descriptor for the given index.
func (n *Node) Stream(streamIndex int) (Stream, error) {
	for _, s := range n.cfg.Outputs {
		if s.Index == streamIndex {
			return s, nil
		}
	}
	return Stream{}, errors.Newf(errors.ErrorTypeConfig,
		"node %q has no output stream %d", n.cfg.Name, streamIndex)
}

// DataID returns the data_id of the given output stream.
func (n *Node) DataID(streamIndex int) (naming.DataID, error) {
	s, err := n.Stream(streamIndex)
	if err != nil {
		return naming.DataID{}, err
	}
	return s.DataID(n.env.Config.Device.ID, n.sensorIndex), nil
}

// Log validates and persists a single row of sensor data: every
// declared field must be present, reserved identity columns are
// injected, and the row is handed to the journal pool.
func (n *Node) Log(streamIndex int, data record.Row) error {
	stream, err := n.Stream(streamIndex)
	if err != nil {
		return err
	}
	dataID := stream.DataID(n.env.Config.Device.ID, n.sensorIndex)

	row := make(record.Row, len(stream.Fields)+len(record.RequiredColumns)+1)
	for _, field := range stream.Fields {
		if record.IsReserved(field) {
			continue
		}
		v, ok := data[field]
		if !ok {
			return errors.Newf(errors.ErrorTypeValidation,
				"field %q missing from data logged to %s; expected %v",
				field, dataID, stream.Fields)
		}
		row[field] = v
	}

	now := record.UTCNow()
	n.injectReserved(row, stream, now)
	n.env.Pool.AddRows(stream.TypeID, stream.CloudContainer, stream.ArchivedColumns(),
		record.Table{row}, now)

	n.recordSample(stream.TypeID, 1)
	metrics.RecordsLogged.WithLabelValues(stream.TypeID).Inc()
	n.env.Log.Debug("logged row",
		zap.String("data_id", dataID.String()),
		zap.Int("stream", streamIndex))
	return nil
}

// SaveData persists a batch of rows. Reserved columns absent from a
// row are backfilled uniformly; a reserved column that is present but
// empty is an error, as is a missing declared field. Undeclared extra
// columns are kept but warned about.
func (n *Node) SaveData(streamIndex int, data record.Table) error {
	if len(data) == 0 {
		return nil
	}
	stream, err := n.Stream(streamIndex)
	if err != nil {
		return err
	}
	dataID := stream.DataID(n.env.Config.Device.ID, n.sensorIndex)
	now := record.UTCNow()

	warned := make(map[string]bool)
	for _, row := range data {
		for _, col := range record.RequiredColumns {
			if v, ok := row[col]; ok && v == "" {
				return errors.Newf(errors.ErrorTypeValidation,
					"%s is empty in batch saved to %s", col, dataID)
			}
			if _, ok := row[col]; !ok {
				n.backfillReserved(row, col, stream, now)
			}
		}
		if _, ok := row[record.ColDeviceName]; !ok {
			row[record.ColDeviceName] = n.env.Config.Device.Name
		}
		for _, field := range stream.Fields {
			if record.IsReserved(field) {
				continue
			}
			if _, ok := row[field]; !ok {
				return errors.Newf(errors.ErrorTypeValidation,
					"field %q missing from batch saved to %s", field, dataID)
			}
		}
		for col := range row {
			if !record.IsReserved(col) && !contains(stream.Fields, col) && !warned[col] {
				warned[col] = true
				n.env.Log.Warn("undeclared column in batch",
					zap.String("column", col),
					zap.String("data_id", dataID.String()))
			}
		}
	}

	n.env.Pool.AddRows(stream.TypeID, stream.CloudContainer, stream.ArchivedColumns(), data, now)
	n.recordSample(stream.TypeID, float64(len(data)))
	metrics.RecordsLogged.WithLabelValues(stream.TypeID).Add(float64(len(data)))
	return nil
}

func (n *Node) injectReserved(row record.Row, stream Stream, now time.Time) {
	row[record.ColVersion] = record.Version
	row[record.ColDataTypeID] = stream.TypeID
	row[record.ColDeviceID] = n.env.Config.Device.ID
	row[record.ColSensorIndex] = strconv.Itoa(n.sensorIndex)
	row[record.ColStreamIndex] = strconv.Itoa(stream.Index)
	row[record.ColTimestamp] = record.ToISO(now)
	row[record.ColDeviceName] = n.env.Config.Device.Name
}

func (n *Node) backfillReserved(row record.Row, col string, stream Stream, now time.Time) {
	switch col {
	case record.ColVersion:
		row[col] = record.Version
	case record.ColDataTypeID:
		row[col] = stream.TypeID
	case record.ColDeviceID:
		row[col] = n.env.Config.Device.ID
	case record.ColSensorIndex:
		row[col] = strconv.Itoa(n.sensorIndex)
	case record.ColStreamIndex:
		row[col] = strconv.Itoa(stream.Index)
	case record.ColTimestamp:
		row[col] = record.ToISO(now)
	}
}

// SaveRecording moves a finished recording file into the pipeline: it
// is renamed to the canonical record filename in the processing
// directory if a transform consumes this stream, or the upload
// directory (with immediate upload) if not. Returns the final local
// path.
func (n *Node) SaveRecording(ctx context.Context, streamIndex int, srcPath string, start, end time.Time) (string, error) {
	return n.saveRecording(ctx, streamIndex, srcPath, start, end, -1, -1)
}

// SaveSubRecording is the transform-side variant carrying offsets, for
// derived files cut out of a parent recording (a frame number and a
// sub-index within the frame).
func (n *Node) SaveSubRecording(ctx context.Context, streamIndex int, srcPath string, start, end time.Time, offset, secondaryOffset int) (string, error) {
	return n.saveRecording(ctx, streamIndex, srcPath, start, end, offset, secondaryOffset)
}

func (n *Node) saveRecording(ctx context.Context, streamIndex int, srcPath string, start, end time.Time, offset, secondaryOffset int) (string, error) {
	stream, err := n.Stream(streamIndex)
	if err != nil {
		return "", err
	}
	dataID := stream.DataID(n.env.Config.Device.ID, n.sensorIndex)

	if _, err := os.Stat(srcPath); err != nil {
		return "", errors.Newf(errors.ErrorTypeValidation, "recording file %s not found", srcPath)
	}
	if got := strings.TrimPrefix(filepath.Ext(srcPath), "."); got != stream.Format {
		return "", errors.Newf(errors.ErrorTypeValidation,
			"recording format %q does not match stream format %q", got, stream.Format)
	}
	if start.IsZero() {
		return "", errors.New(errors.ErrorTypeValidation, "start time must be set")
	}
	start = n.coerceUTC(start, "start_time")
	if !end.IsZero() {
		end = n.coerceUTC(end, "end_time")
		if start.After(end) {
			return "", errors.Newf(errors.ErrorTypeValidation,
				"start time %s is after end time %s", start, end)
		}
	}

	// A stream feeding a transform stages for processing; a stream
	// that terminates (no child, or a sink) uploads directly.
	child := n.children[streamIndex]
	uploading := child == nil || child.cfg.Kind == KindSink
	destDir := n.env.Config.Dirs.Processing
	if uploading {
		destDir = n.env.Config.Dirs.Upload
	}

	destPath := filepath.Join(destDir, naming.RecordFilename(naming.RecordName{
		DataID:          dataID,
		Start:           start,
		End:             end,
		Offset:          offset,
		SecondaryOffset: secondaryOffset,
		Suffix:          stream.Format,
	}))
	for {
		if _, err := os.Stat(destPath); os.IsNotExist(err) {
			break
		}
		if destPath, err = naming.IncrementFilename(destPath); err != nil {
			return "", err
		}
	}
	if err := os.Rename(srcPath, destPath); err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeFile, "place recording "+destPath)
	}

	// Sampling is a side channel; a failed sample copy or upload must
	// not undo a recording that is already placed.
	if n.env.sample(stream.SampleProbability) {
		if err := n.saveSample(ctx, stream, destPath, uploading); err != nil {
			n.env.Log.Error("raw sample save failed",
				zap.String("data_id", dataID.String()),
				zap.Error(err))
		}
	}

	if uploading {
		container := stream.CloudContainer
		if container == "" {
			container = n.env.Config.Cloud.UploadContainer
		}
		err := n.env.Connector.Upload(ctx, container, filepath.Base(destPath), destPath,
			cloud.UploadOptions{DeleteSource: true, Tier: stream.StorageTier})
		if err != nil {
			return "", err
		}
	}

	if end.IsZero() {
		n.recordSample(stream.TypeID, 1)
	} else {
		n.recordSample(stream.TypeID, end.Sub(start).Seconds())
	}
	metrics.RecordingsSaved.WithLabelValues(stream.TypeID).Inc()
	n.env.Log.Debug("saved recording",
		zap.String("data_id", dataID.String()),
		zap.String("path", destPath))
	return destPath, nil
}

// saveSample copies a placed recording (never moves it, a transform
// may be about to consume it) to an incremented name in the upload
// directory and uploads it to the stream's sample container.
func (n *Node) saveSample(ctx context.Context, stream Stream, placedPath string, leaf bool) error {
	if leaf {
		// Everything uploads anyway; sampling adds nothing.
		n.env.Log.Warn("sampling configured on a leaf stream; skipping",
			zap.String("type_id", stream.TypeID))
		return nil
	}
	container := stream.SampleContainer
	if container == "" {
		container = n.env.Config.Cloud.SampleContainer
	}

	samplePath, err := naming.IncrementFilename(
		filepath.Join(n.env.Config.Dirs.Upload, filepath.Base(placedPath)))
	if err != nil {
		return err
	}
	for {
		if _, err := os.Stat(samplePath); os.IsNotExist(err) {
			break
		}
		if samplePath, err = naming.IncrementFilename(samplePath); err != nil {
			return err
		}
	}
	if err := copyFile(placedPath, samplePath); err != nil {
		return err
	}
	if err := n.env.Connector.Upload(ctx, container, filepath.Base(samplePath), samplePath,
		cloud.UploadOptions{DeleteSource: true, Tier: stream.StorageTier}); err != nil {
		return err
	}
	metrics.RecordingsSampled.WithLabelValues(stream.TypeID).Inc()
	n.env.Log.Info("raw sample saved",
		zap.String("container", container),
		zap.Float64("probability", stream.SampleProbability))
	return nil
}

func (n *Node) coerceUTC(t time.Time, name string) time.Time {
	if t.Location() != time.UTC {
		n.env.Log.Warn("timestamp not in UTC, coercing", zap.String("field", name))
		return t.UTC()
	}
	return t
}

// RecordProcessing records one transform invocation's duration against
// the consumed stream type.
func (n *Node) RecordProcessing(typeID string, duration time.Duration) {
	n.mu.Lock()
	defer n.mu.Unlock()
	stat, ok := n.procStats[typeID]
	if !ok {
		stat = &Stat{}
		n.procStats[typeID] = stat
	}
	stat.record(duration.Seconds())
}

func (n *Node) recordSample(typeID string, v float64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	stat, ok := n.sampleStats[typeID]
	if !ok {
		stat = &Stat{}
		n.sampleStats[typeID] = stat
	}
	stat.record(v)
}

// DrainStats returns and resets the per-stream sample and processing
// counters accumulated since the previous drain.
func (n *Node) DrainStats() (samples, processing map[string]Stat) {
	n.mu.Lock()
	defer n.mu.Unlock()
	samples = make(map[string]Stat, len(n.sampleStats))
	for k, v := range n.sampleStats {
		samples[k] = *v
	}
	processing = make(map[string]Stat, len(n.procStats))
	for k, v := range n.procStats {
		processing[k] = *v
	}
	n.sampleStats = make(map[string]*Stat)
	n.procStats = make(map[string]*Stat)
	return samples, processing
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "open "+src)
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "create "+dst)
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "copy to "+dst)
	}
	return nil
}
