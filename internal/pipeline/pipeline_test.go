package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/edgehive/edgehive/pkg/cloud"
	"github.com/edgehive/edgehive/pkg/config"
	"github.com/edgehive/edgehive/pkg/journal"
	"github.com/edgehive/edgehive/pkg/record"
	"github.com/edgehive/edgehive/pkg/tree"
)

const pipelineYAML = `
trees:
  - sensor_index: 1
    root:
      node:
        kind: sensor
        name: fake-sensor
        outputs:
          - type_id: temp
            index: 0
            format: log
            fields: [temperature]
          - type_id: frames
            index: 1
            format: jpg
      children:
        0:
          node:
            kind: sink
            name: sink
        1:
          node:
            kind: transform
            name: fake-transform
            outputs:
              - type_id: counts
                index: 0
                format: csv
                fields: [pixel_count]
          children:
            0:
              node:
                kind: sink
                name: sink
`

type fakeSensor struct{}

func (fakeSensor) Run(ctx context.Context, node *tree.Node) error {
	<-ctx.Done()
	return nil
}

type fakeTransform struct{}

func (fakeTransform) Process(ctx context.Context, node *tree.Node, in tree.Input) (record.Table, error) {
	return nil, nil
}

func newTestRegistry() *tree.Registry {
	r := tree.NewRegistry()
	r.RegisterSensor("fake-sensor", func(tree.NodeConfig) (tree.Sensor, error) {
		return fakeSensor{}, nil
	})
	r.RegisterTransform("fake-transform", func(tree.NodeConfig) (tree.Transform, error) {
		return fakeTransform{}, nil
	})
	return r
}

func newTestEnv(t *testing.T) *tree.Env {
	t.Helper()
	cfg := config.NewTest(t.TempDir())
	require.NoError(t, cfg.EnsureDirs())
	conn, err := cloud.NewLocal(cfg.Cloud.LocalRoot)
	require.NoError(t, err)
	return &tree.Env{
		Config:    cfg,
		Pool:      journal.NewPool(cfg, conn),
		Connector: conn,
		Log:       zap.NewNop(),
	}
}

func writePipeline(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadAndBuild(t *testing.T) {
	f, err := Load(writePipeline(t, pipelineYAML))
	require.NoError(t, err)
	require.Len(t, f.Trees, 1)
	spec := f.Trees[0]
	assert.Equal(t, 1, spec.SensorIndex)

	env := newTestEnv(t)
	tr := tree.New(env, newTestRegistry(), spec.SensorIndex)
	require.NoError(t, spec.Builder()(tr))
	require.NoError(t, tr.Validate())

	assert.Len(t, tr.Edges(), 3)
	assert.Len(t, tr.TransformEdges(), 1)
	assert.Equal(t, "frames", tr.TransformEdges()[0].Stream.TypeID)
	assert.Equal(t, tree.KindSensor, tr.Root().Config().Kind)
}

func TestLoadErrors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
		require.Error(t, err)
	})
	t.Run("empty definition", func(t *testing.T) {
		_, err := Load(writePipeline(t, "trees: []\n"))
		require.Error(t, err)
	})
	t.Run("malformed yaml", func(t *testing.T) {
		_, err := Load(writePipeline(t, "trees: ["))
		require.Error(t, err)
	})
}

func TestBuildRejectsUnknownNames(t *testing.T) {
	f, err := Load(writePipeline(t, pipelineYAML))
	require.NoError(t, err)

	env := newTestEnv(t)
	// Registry without the transform registered.
	r := tree.NewRegistry()
	r.RegisterSensor("fake-sensor", func(tree.NodeConfig) (tree.Sensor, error) {
		return fakeSensor{}, nil
	})
	tr := tree.New(env, r, 1)
	require.Error(t, f.Trees[0].Builder()(tr))
}
