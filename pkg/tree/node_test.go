package tree

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgehive/edgehive/pkg/cloud"
	"github.com/edgehive/edgehive/pkg/errors"
	"github.com/edgehive/edgehive/pkg/journal"
	"github.com/edgehive/edgehive/pkg/record"
)

// buildTestTree wires sensor(0:temp log -> sink, 1:frames jpg ->
// transform -> sink) and returns the sensor node.
func buildTestTree(t *testing.T, env *Env) (*Tree, *Node, *Node) {
	t.Helper()
	tr := New(env, newTestRegistry(), 1)
	sensor, err := tr.NewNode(sensorCfg())
	require.NoError(t, err)
	transform, err := tr.NewNode(transformCfg())
	require.NoError(t, err)
	sink1, err := tr.NewNode(sinkCfg())
	require.NoError(t, err)
	sink2, err := tr.NewNode(sinkCfg())
	require.NoError(t, err)
	require.NoError(t, tr.Connect(sensor, 0, sink1))
	require.NoError(t, tr.Connect(sensor, 1, transform))
	require.NoError(t, tr.Connect(transform, 0, sink2))
	require.NoError(t, tr.Validate())
	return tr, sensor, transform
}

func TestLogInjectsReservedColumns(t *testing.T) {
	env := newTestEnv(t)
	_, sensor, _ := buildTestTree(t, env)

	require.NoError(t, sensor.Log(0, record.Row{"temperature": "21.5"}))
	require.NoError(t, env.Pool.FlushJournals(context.Background()))

	conn := env.Connector.(*cloud.Local)
	names, err := conn.List(context.Background(), env.Config.Cloud.JournalContainer, cloud.ListOptions{})
	require.NoError(t, err)
	require.Len(t, names, 1)

	dest := filepath.Join(t.TempDir(), "j.csv")
	require.NoError(t, conn.Download(context.Background(), env.Config.Cloud.JournalContainer, names[0], dest))
	rows, err := journal.ReadCSV(dest)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	row := rows[0]

	assert.Equal(t, record.Version, row[record.ColVersion])
	assert.Equal(t, "temp", row[record.ColDataTypeID])
	assert.Equal(t, env.Config.Device.ID, row[record.ColDeviceID])
	assert.Equal(t, "1", row[record.ColSensorIndex])
	assert.Equal(t, "0", row[record.ColStreamIndex])
	assert.NotEmpty(t, row[record.ColTimestamp])
	assert.Equal(t, "21.5", row["temperature"])
}

func TestLogMissingDeclaredField(t *testing.T) {
	env := newTestEnv(t)
	_, sensor, _ := buildTestTree(t, env)

	err := sensor.Log(0, record.Row{"humidity": "40"})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
}

func TestSaveDataBackfillAndValidation(t *testing.T) {
	env := newTestEnv(t)
	tr, _, transform := buildTestTree(t, env)
	_ = tr

	// Backfill happens uniformly on absent reserved columns.
	require.NoError(t, transform.SaveData(0, record.Table{
		{"pixel_count": "25"},
		{"pixel_count": "30", record.ColDeviceID: "other-device"},
	}))

	// Present-but-empty reserved column is an error.
	err := transform.SaveData(0, record.Table{{"pixel_count": "25", record.ColDeviceID: ""}})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))

	// Missing declared field is an error.
	err = transform.SaveData(0, record.Table{{"brightness": "9"}})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))

	// Empty batch is a no-op.
	require.NoError(t, transform.SaveData(0, nil))
}

func TestSaveRecordingStagesForTransform(t *testing.T) {
	env := newTestEnv(t)
	_, sensor, _ := buildTestTree(t, env)
	ctx := context.Background()

	src := filepath.Join(env.Config.Dirs.Tmp, "cap.jpg")
	require.NoError(t, os.WriteFile(src, []byte("pixels"), 0o644))

	start := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	// Stream 1 has a transform child: the file stages for
	// processing and is not uploaded.
	placed, err := sensor.SaveRecording(ctx, 1, src, start, start.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, env.Config.Dirs.Processing, filepath.Dir(placed))
	_, statErr := os.Stat(placed)
	require.NoError(t, statErr)
	_, statErr = os.Stat(src)
	assert.True(t, os.IsNotExist(statErr), "source must be renamed, not copied")
}

func TestSaveRecordingTerminalStreamUploadsDirectly(t *testing.T) {
	env := newTestEnv(t)
	tr := New(env, newTestRegistry(), 1)
	sensor, err := tr.NewNode(NodeConfig{
		Kind: KindSensor,
		Name: "fake-sensor",
		Outputs: []Stream{
			{TypeID: "audio", Index: 0, Format: "wav"},
		},
	})
	require.NoError(t, err)
	sink, err := tr.NewNode(sinkCfg())
	require.NoError(t, err)
	require.NoError(t, tr.Connect(sensor, 0, sink))
	ctx := context.Background()
	conn := env.Connector.(*cloud.Local)

	src := filepath.Join(env.Config.Dirs.Tmp, "rec.wav")
	require.NoError(t, os.WriteFile(src, []byte("audio"), 0o644))

	// The stream terminates in a sink: upload-and-delete.
	placed, err := sensor.SaveRecording(ctx, 0, src, time.Now().UTC(), time.Time{})
	require.NoError(t, err)
	assert.Equal(t, env.Config.Dirs.Upload, filepath.Dir(placed))
	_, statErr := os.Stat(placed)
	assert.True(t, os.IsNotExist(statErr))
	names, err := conn.List(ctx, env.Config.Cloud.UploadContainer, cloud.ListOptions{})
	require.NoError(t, err)
	require.Len(t, names, 1)
	assert.Equal(t, filepath.Base(placed), names[0])
}

func TestSaveRecordingValidation(t *testing.T) {
	env := newTestEnv(t)
	_, sensor, _ := buildTestTree(t, env)
	ctx := context.Background()
	start := time.Now().UTC()

	// Missing file.
	_, err := sensor.SaveRecording(ctx, 1, filepath.Join(env.Config.Dirs.Tmp, "absent.jpg"), start, time.Time{})
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))

	// Wrong suffix.
	src := filepath.Join(env.Config.Dirs.Tmp, "cap.png")
	require.NoError(t, os.WriteFile(src, []byte("x"), 0o644))
	_, err = sensor.SaveRecording(ctx, 1, src, start, time.Time{})
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))

	// Start after end.
	src2 := filepath.Join(env.Config.Dirs.Tmp, "cap.jpg")
	require.NoError(t, os.WriteFile(src2, []byte("x"), 0o644))
	_, err = sensor.SaveRecording(ctx, 1, src2, start, start.Add(-time.Minute))
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))

	// Zero start time.
	_, err = sensor.SaveRecording(ctx, 1, src2, time.Time{}, time.Time{})
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
}

func TestSaveRecordingCollisionIncrements(t *testing.T) {
	env := newTestEnv(t)
	_, sensor, _ := buildTestTree(t, env)
	ctx := context.Background()
	start := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)

	var placed []string
	for i := 0; i < 3; i++ {
		src := filepath.Join(env.Config.Dirs.Tmp, "cap.jpg")
		require.NoError(t, os.WriteFile(src, []byte("pixels"), 0o644))
		p, err := sensor.SaveRecording(ctx, 1, src, start, time.Time{})
		require.NoError(t, err)
		placed = append(placed, p)
	}
	assert.NotEqual(t, placed[0], placed[1])
	assert.NotEqual(t, placed[1], placed[2])
	for _, p := range placed {
		_, err := os.Stat(p)
		assert.NoError(t, err)
	}
}

func TestSamplingConvergesToProbability(t *testing.T) {
	env := newTestEnv(t)
	tr := New(env, newTestRegistry(), 1)
	sensor, err := tr.NewNode(NodeConfig{
		Kind: KindSensor,
		Name: "fake-sensor",
		Outputs: []Stream{
			{TypeID: "frames", Index: 0, Format: "jpg", SampleProbability: 0.3},
		},
	})
	require.NoError(t, err)
	transform, err := tr.NewNode(transformCfg())
	require.NoError(t, err)
	sink, err := tr.NewNode(sinkCfg())
	require.NoError(t, err)
	require.NoError(t, tr.Connect(sensor, 0, transform))
	require.NoError(t, tr.Connect(transform, 0, sink))

	ctx := context.Background()
	conn := env.Connector.(*cloud.Local)

	const trials = 1000
	start := time.Now().UTC()
	for i := 0; i < trials; i++ {
		src := filepath.Join(env.Config.Dirs.Tmp, "cap.jpg")
		require.NoError(t, os.WriteFile(src, []byte("x"), 0o644))
		_, err := sensor.SaveRecording(ctx, 0, src, start.Add(time.Duration(i)*time.Second), time.Time{})
		require.NoError(t, err)
	}

	names, err := conn.List(ctx, env.Config.Cloud.SampleContainer, cloud.ListOptions{})
	require.NoError(t, err)
	fraction := float64(len(names)) / trials
	assert.InDelta(t, 0.3, fraction, 0.06)

	// Originals all remain staged for the transform.
	entries, err := os.ReadDir(env.Config.Dirs.Processing)
	require.NoError(t, err)
	assert.Len(t, entries, trials)
}

// sampleRefusingConnector fails every upload into one container and
// delegates the rest.
type sampleRefusingConnector struct {
	cloud.Connector
	refuse string
}

func (c sampleRefusingConnector) Upload(ctx context.Context, container, blob, srcPath string, opts cloud.UploadOptions) error {
	if container == c.refuse {
		return errors.New(errors.ErrorTypeConnection, "upload rejected")
	}
	return c.Connector.Upload(ctx, container, blob, srcPath, opts)
}

func TestSaveRecordingSurvivesSampleFailure(t *testing.T) {
	env := newTestEnv(t)
	env.Connector = sampleRefusingConnector{
		Connector: env.Connector,
		refuse:    env.Config.Cloud.SampleContainer,
	}
	env.Rand = func() float64 { return 0 }

	tr := New(env, newTestRegistry(), 1)
	sensor, err := tr.NewNode(NodeConfig{
		Kind: KindSensor,
		Name: "fake-sensor",
		Outputs: []Stream{
			{TypeID: "frames", Index: 0, Format: "jpg", SampleProbability: 1},
		},
	})
	require.NoError(t, err)
	transform, err := tr.NewNode(transformCfg())
	require.NoError(t, err)
	sink, err := tr.NewNode(sinkCfg())
	require.NoError(t, err)
	require.NoError(t, tr.Connect(sensor, 0, transform))
	require.NoError(t, tr.Connect(transform, 0, sink))

	src := filepath.Join(env.Config.Dirs.Tmp, "cap.jpg")
	require.NoError(t, os.WriteFile(src, []byte("pixels"), 0o644))

	// The sample upload fails, but the recording is already placed;
	// the save still succeeds and reports the staged path.
	placed, err := sensor.SaveRecording(context.Background(), 0, src, time.Now().UTC(), time.Time{})
	require.NoError(t, err)
	assert.Equal(t, env.Config.Dirs.Processing, filepath.Dir(placed))
	_, statErr := os.Stat(placed)
	assert.NoError(t, statErr)
}

func TestDrainStats(t *testing.T) {
	env := newTestEnv(t)
	_, sensor, _ := buildTestTree(t, env)

	require.NoError(t, sensor.Log(0, record.Row{"temperature": "20"}))
	require.NoError(t, sensor.Log(0, record.Row{"temperature": "21"}))
	sensor.RecordProcessing("frames", 2*time.Second)

	samples, processing := sensor.DrainStats()
	assert.Equal(t, 2, samples["temp"].Count)
	assert.Equal(t, 1, processing["frames"].Count)
	assert.InDelta(t, 2.0, processing["frames"].Sum, 0.001)

	// Drained counters reset.
	samples, processing = sensor.DrainStats()
	assert.Empty(t, samples)
	assert.Empty(t, processing)
}
