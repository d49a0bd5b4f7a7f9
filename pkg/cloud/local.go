package cloud

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/edgehive/edgehive/pkg/errors"
	"github.com/edgehive/edgehive/pkg/logger"
)

// Local emulates blob storage on the local filesystem: one directory
// per container, one file per blob. It backs tests and offline
// operation with the same semantics as the remote backend.
type Local struct {
	root string
	log  *zap.Logger

	// Serializes append read-modify-write cycles.
	mu sync.Mutex
}

// NewLocal creates a Local rooted at dir, creating it if needed.
func NewLocal(root string) (*Local, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeFile, "create local cloud root "+root)
	}
	return &Local{
		root: root,
		log:  logger.With(zap.String("component", "cloud.local")),
	}, nil
}

func (l *Local) blobPath(container, blob string) string {
	return filepath.Join(l.root, container, blob)
}

// EnsureContainer creates a container directory. Remote containers are
// provisioned out of band; the emulator needs a hook for tests.
func (l *Local) EnsureContainer(container string) error {
	if err := os.MkdirAll(filepath.Join(l.root, container), 0o755); err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "create container "+container)
	}
	return nil
}

func (l *Local) Upload(ctx context.Context, container, blob, srcPath string, opts UploadOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := os.ReadFile(srcPath)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "read upload source "+srcPath)
	}
	if err := l.writeBlob(container, blob, data); err != nil {
		return err
	}
	if opts.DeleteSource {
		if err := os.Remove(srcPath); err != nil {
			return errors.Wrap(err, errors.ErrorTypeFile, "remove uploaded source "+srcPath)
		}
	}
	return nil
}

func (l *Local) writeBlob(container, blob string, data []byte) error {
	path := l.blobPath(container, blob)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "create container "+container)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "write blob "+blob)
	}
	return nil
}

func (l *Local) Download(ctx context.Context, container, blob, destPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	src, err := os.Open(l.blobPath(container, blob))
	if err != nil {
		if os.IsNotExist(err) {
			return errors.Newf(errors.ErrorTypeNotFound, "blob %s/%s not found", container, blob)
		}
		return errors.Wrap(err, errors.ErrorTypeFile, "open blob "+blob)
	}
	defer src.Close()

	dst, err := os.Create(destPath)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "create download target "+destPath)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "copy blob "+blob)
	}
	return nil
}

func (l *Local) DownloadBulk(ctx context.Context, container string, blobs []string, destDir string) error {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "create download dir "+destDir)
	}
	return bulkFetch(ctx, blobs, func(ctx context.Context, blob string) error {
		return l.Download(ctx, container, blob, filepath.Join(destDir, filepath.Base(blob)))
	})
}

func (l *Local) Move(ctx context.Context, srcContainer, srcBlob, dstContainer, dstBlob string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := os.ReadFile(l.blobPath(srcContainer, srcBlob))
	if err != nil {
		if os.IsNotExist(err) {
			return errors.Newf(errors.ErrorTypeNotFound, "blob %s/%s not found", srcContainer, srcBlob)
		}
		return errors.Wrap(err, errors.ErrorTypeFile, "read blob "+srcBlob)
	}
	if err := l.writeBlob(dstContainer, dstBlob, data); err != nil {
		return err
	}
	return l.Delete(ctx, srcContainer, srcBlob)
}

func (l *Local) Append(ctx context.Context, container, blob, srcPath string, safe bool) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	local, err := os.ReadFile(srcPath)
	if err != nil {
		return false, errors.Wrap(err, errors.ErrorTypeFile, "read append source "+srcPath)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	remote, err := os.ReadFile(l.blobPath(container, blob))
	if os.IsNotExist(err) {
		// First append creates the blob with its header.
		return true, l.writeBlob(container, blob, local)
	}
	if err != nil {
		return false, errors.Wrap(err, errors.ErrorTypeFile, "read blob "+blob)
	}

	if safe && !headersMatch(remote, local) {
		l.log.Warn("append refused: header mismatch",
			zap.String("container", container),
			zap.String("blob", blob))
		return false, nil
	}

	body := stripHeader(local)
	if len(body) == 0 {
		return false, nil
	}
	if len(remote) > 0 && remote[len(remote)-1] != '\n' {
		remote = append(remote, '\n')
	}
	return true, l.writeBlob(container, blob, append(remote, body...))
}

func (l *Local) Exists(ctx context.Context, container, blob string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	_, err := os.Stat(l.blobPath(container, blob))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, errors.ErrorTypeFile, "stat blob "+blob)
	}
	return true, nil
}

func (l *Local) ContainerExists(ctx context.Context, container string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	info, err := os.Stat(filepath.Join(l.root, container))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, errors.ErrorTypeFile, "stat container "+container)
	}
	return info.IsDir(), nil
}

func (l *Local) Delete(ctx context.Context, container, blob string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := os.Remove(l.blobPath(container, blob))
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, errors.ErrorTypeFile, "delete blob "+blob)
	}
	return nil
}

func (l *Local) List(ctx context.Context, container string, opts ListOptions) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(filepath.Join(l.root, container))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeFile, "list container "+container)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if opts.match(e.Name(), info.ModTime()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func (l *Local) LastModified(ctx context.Context, container, blob string) (time.Time, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, err
	}
	info, err := os.Stat(l.blobPath(container, blob))
	if os.IsNotExist(err) {
		return time.Time{}, errors.Newf(errors.ErrorTypeNotFound, "blob %s/%s not found", container, blob)
	}
	if err != nil {
		return time.Time{}, errors.Wrap(err, errors.ErrorTypeFile, "stat blob "+blob)
	}
	return info.ModTime(), nil
}

func (l *Local) Close() error { return nil }

// headersMatch compares the first line of the remote blob against the
// first line of the local content. Only a bounded prefix of the remote
// is examined.
func headersMatch(remote, local []byte) bool {
	return bytes.Equal(firstLine(remote, 1000), firstLine(local, 1000))
}

func firstLine(data []byte, limit int) []byte {
	if len(data) > limit {
		data = data[:limit]
	}
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		data = data[:i]
	}
	return bytes.TrimRight(data, "\r")
}

// stripHeader drops the first line, returning the remaining content.
func stripHeader(data []byte) []byte {
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		return data[i+1:]
	}
	return nil
}
