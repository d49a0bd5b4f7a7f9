package cloud

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgehive/edgehive/pkg/errors"
)

func newTestLocal(t *testing.T) *Local {
	t.Helper()
	l, err := NewLocal(filepath.Join(t.TempDir(), "cloud"))
	require.NoError(t, err)
	return l
}

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLocalUploadDownload(t *testing.T) {
	l := newTestLocal(t)
	ctx := context.Background()
	src := writeTemp(t, "rec.wav", "audio-bytes")

	require.NoError(t, l.Upload(ctx, "uploads", "rec.wav", src, UploadOptions{}))
	ok, err := l.Exists(ctx, "uploads", "rec.wav")
	require.NoError(t, err)
	assert.True(t, ok)
	// Source kept without DeleteSource.
	_, err = os.Stat(src)
	assert.NoError(t, err)

	dest := filepath.Join(t.TempDir(), "back.wav")
	require.NoError(t, l.Download(ctx, "uploads", "rec.wav", dest))
	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "audio-bytes", string(data))
}

func TestLocalUploadDeleteSource(t *testing.T) {
	l := newTestLocal(t)
	ctx := context.Background()
	src := writeTemp(t, "rec.wav", "audio-bytes")

	require.NoError(t, l.Upload(ctx, "uploads", "rec.wav", src, UploadOptions{DeleteSource: true}))
	_, err := os.Stat(src)
	assert.True(t, os.IsNotExist(err))
}

func TestLocalDownloadMissing(t *testing.T) {
	l := newTestLocal(t)
	err := l.Download(context.Background(), "uploads", "nope.wav", filepath.Join(t.TempDir(), "x"))
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))
}

func TestLocalAppendSemantics(t *testing.T) {
	l := newTestLocal(t)
	ctx := context.Background()

	chunk1 := writeTemp(t, "c1.csv", "a,b\n1,2\n3,4\n")
	chunk2 := writeTemp(t, "c2.csv", "a,b\n5,6\n")

	// First append creates the blob including the header.
	mutated, err := l.Append(ctx, "journals", "j.csv", chunk1, true)
	require.NoError(t, err)
	assert.True(t, mutated)

	// Later appends strip the header line.
	mutated, err = l.Append(ctx, "journals", "j.csv", chunk2, true)
	require.NoError(t, err)
	assert.True(t, mutated)

	dest := filepath.Join(t.TempDir(), "j.csv")
	require.NoError(t, l.Download(ctx, "journals", "j.csv", dest))
	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "a,b\n1,2\n3,4\n5,6\n", string(data))
}

func TestLocalAppendSafeModeMismatch(t *testing.T) {
	l := newTestLocal(t)
	ctx := context.Background()

	first := writeTemp(t, "c1.csv", "a,b\n1,2\n")
	wrong := writeTemp(t, "c2.csv", "x,y,z\n7,8,9\n")

	_, err := l.Append(ctx, "journals", "j.csv", first, true)
	require.NoError(t, err)

	mutated, err := l.Append(ctx, "journals", "j.csv", wrong, true)
	require.NoError(t, err)
	assert.False(t, mutated)

	// Remote blob unchanged.
	dest := filepath.Join(t.TempDir(), "j.csv")
	require.NoError(t, l.Download(ctx, "journals", "j.csv", dest))
	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "a,b\n1,2\n", string(data))

	// Unsafe mode appends regardless.
	mutated, err = l.Append(ctx, "journals", "j.csv", wrong, false)
	require.NoError(t, err)
	assert.True(t, mutated)
}

func TestLocalMove(t *testing.T) {
	l := newTestLocal(t)
	ctx := context.Background()
	src := writeTemp(t, "rec.jpg", "pixels")

	require.NoError(t, l.Upload(ctx, "staging", "rec.jpg", src, UploadOptions{}))
	require.NoError(t, l.Move(ctx, "staging", "rec.jpg", "archive", "rec.jpg"))

	ok, err := l.Exists(ctx, "staging", "rec.jpg")
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = l.Exists(ctx, "archive", "rec.jpg")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLocalList(t *testing.T) {
	l := newTestLocal(t)
	ctx := context.Background()

	for _, name := range []string{"V3_temp_1.csv", "V3_temp_2.csv", "V3_audio_1.wav"} {
		src := writeTemp(t, name, "data")
		require.NoError(t, l.Upload(ctx, "c", name, src, UploadOptions{}))
	}

	names, err := l.List(ctx, "c", ListOptions{Prefix: "V3_temp"})
	require.NoError(t, err)
	assert.Equal(t, []string{"V3_temp_1.csv", "V3_temp_2.csv"}, names)

	names, err = l.List(ctx, "c", ListOptions{Suffix: ".wav"})
	require.NoError(t, err)
	assert.Equal(t, []string{"V3_audio_1.wav"}, names)

	names, err = l.List(ctx, "c", ListOptions{Since: time.Now().Add(time.Hour)})
	require.NoError(t, err)
	assert.Empty(t, names)

	names, err = l.List(ctx, "absent", ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestLocalDownloadBulk(t *testing.T) {
	l := newTestLocal(t)
	ctx := context.Background()

	var blobs []string
	for _, name := range []string{"a.csv", "b.csv", "c.csv"} {
		src := writeTemp(t, name, "content-"+name)
		require.NoError(t, l.Upload(ctx, "c", name, src, UploadOptions{}))
		blobs = append(blobs, name)
	}

	destDir := filepath.Join(t.TempDir(), "bulk")
	require.NoError(t, l.DownloadBulk(ctx, "c", blobs, destDir))
	for _, name := range blobs {
		data, err := os.ReadFile(filepath.Join(destDir, name))
		require.NoError(t, err)
		assert.Equal(t, "content-"+name, string(data))
	}

	err := l.DownloadBulk(ctx, "c", []string{"a.csv", "missing.csv"}, destDir)
	assert.Error(t, err)
}

func TestLocalDeleteIdempotent(t *testing.T) {
	l := newTestLocal(t)
	ctx := context.Background()
	assert.NoError(t, l.Delete(ctx, "c", "never-existed.csv"))
}

func TestLocalLastModified(t *testing.T) {
	l := newTestLocal(t)
	ctx := context.Background()
	src := writeTemp(t, "rec.csv", "data")
	require.NoError(t, l.Upload(ctx, "c", "rec.csv", src, UploadOptions{}))

	mod, err := l.LastModified(ctx, "c", "rec.csv")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), mod, time.Minute)

	_, err = l.LastModified(ctx, "c", "absent.csv")
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))
}
