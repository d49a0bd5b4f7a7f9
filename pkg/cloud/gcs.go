package cloud

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/edgehive/edgehive/pkg/errors"
	"github.com/edgehive/edgehive/pkg/logger"
)

// GCS is the production backend: container = bucket, blob = object.
// Append is emulated with a read-concatenate-rewrite cycle serialized
// per connector; journals have a single writer per device so this is
// not contended across processes.
type GCS struct {
	client *storage.Client
	log    *zap.Logger

	appendMu sync.Mutex
}

// NewGCS creates a GCS connector. An empty credentialsFile uses
// application default credentials.
func NewGCS(ctx context.Context, credentialsFile string) (*GCS, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "create gcs client")
	}
	return &GCS{
		client: client,
		log:    logger.With(zap.String("component", "cloud.gcs")),
	}, nil
}

func (g *GCS) object(container, blob string) *storage.ObjectHandle {
	return g.client.Bucket(container).Object(blob)
}

func (g *GCS) Upload(ctx context.Context, container, blob, srcPath string, opts UploadOptions) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "open upload source "+srcPath)
	}
	defer src.Close()

	w := g.object(container, blob).NewWriter(ctx)
	if opts.Tier == TierArchive {
		w.StorageClass = "ARCHIVE"
	}
	if _, err := io.Copy(w, src); err != nil {
		w.Close()
		return errors.Wrap(err, errors.ErrorTypeConnection, "upload blob "+blob)
	}
	if err := w.Close(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "finalize blob "+blob)
	}

	if opts.DeleteSource {
		src.Close()
		if err := os.Remove(srcPath); err != nil {
			return errors.Wrap(err, errors.ErrorTypeFile, "remove uploaded source "+srcPath)
		}
	}
	return nil
}

func (g *GCS) Download(ctx context.Context, container, blob, destPath string) error {
	r, err := g.object(container, blob).NewReader(ctx)
	if err != nil {
		if err == storage.ErrObjectNotExist {
			return errors.Newf(errors.ErrorTypeNotFound, "blob %s/%s not found", container, blob)
		}
		return errors.Wrap(err, errors.ErrorTypeConnection, "open blob "+blob)
	}
	defer r.Close()

	dst, err := os.Create(destPath)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "create download target "+destPath)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, r); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "download blob "+blob)
	}
	return nil
}

func (g *GCS) DownloadBulk(ctx context.Context, container string, blobs []string, destDir string) error {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "create download dir "+destDir)
	}
	return bulkFetch(ctx, blobs, func(ctx context.Context, blob string) error {
		return g.Download(ctx, container, blob, filepath.Join(destDir, filepath.Base(blob)))
	})
}

func (g *GCS) Move(ctx context.Context, srcContainer, srcBlob, dstContainer, dstBlob string) error {
	src := g.object(srcContainer, srcBlob)
	dst := g.object(dstContainer, dstBlob)
	if _, err := dst.CopierFrom(src).Run(ctx); err != nil {
		if err == storage.ErrObjectNotExist {
			return errors.Newf(errors.ErrorTypeNotFound, "blob %s/%s not found", srcContainer, srcBlob)
		}
		return errors.Wrap(err, errors.ErrorTypeConnection, "copy blob "+srcBlob)
	}
	if err := src.Delete(ctx); err != nil && err != storage.ErrObjectNotExist {
		return errors.Wrap(err, errors.ErrorTypeConnection, "delete moved blob "+srcBlob)
	}
	return nil
}

func (g *GCS) Append(ctx context.Context, container, blob, srcPath string, safe bool) (bool, error) {
	local, err := os.ReadFile(srcPath)
	if err != nil {
		return false, errors.Wrap(err, errors.ErrorTypeFile, "read append source "+srcPath)
	}

	g.appendMu.Lock()
	defer g.appendMu.Unlock()

	obj := g.object(container, blob)
	remote, err := readAll(ctx, obj)
	if err == storage.ErrObjectNotExist {
		return true, g.writeObject(ctx, obj, local)
	}
	if err != nil {
		return false, errors.Wrap(err, errors.ErrorTypeConnection, "read blob "+blob)
	}

	if safe && !headersMatch(remote, local) {
		g.log.Warn("append refused: header mismatch",
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
	if err := g.writeObject(ctx, obj, append(remote, body...)); err != nil {
		return false, err
	}
	return true, nil
}

func (g *GCS) writeObject(ctx context.Context, obj *storage.ObjectHandle, data []byte) error {
	w := obj.NewWriter(ctx)
	if _, err := w.Write(data); err != nil {
		w.Close()
		return errors.Wrap(err, errors.ErrorTypeConnection, "write blob "+obj.ObjectName())
	}
	if err := w.Close(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "finalize blob "+obj.ObjectName())
	}
	return nil
}

func readAll(ctx context.Context, obj *storage.ObjectHandle) ([]byte, error) {
	r, err := obj.NewReader(ctx)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (g *GCS) Exists(ctx context.Context, container, blob string) (bool, error) {
	_, err := g.object(container, blob).Attrs(ctx)
	if err == storage.ErrObjectNotExist {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, errors.ErrorTypeConnection, "stat blob "+blob)
	}
	return true, nil
}

func (g *GCS) ContainerExists(ctx context.Context, container string) (bool, error) {
	_, err := g.client.Bucket(container).Attrs(ctx)
	if err == storage.ErrBucketNotExist {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, errors.ErrorTypeConnection, "stat container "+container)
	}
	return true, nil
}

func (g *GCS) Delete(ctx context.Context, container, blob string) error {
	err := g.object(container, blob).Delete(ctx)
	if err != nil && err != storage.ErrObjectNotExist {
		return errors.Wrap(err, errors.ErrorTypeConnection, "delete blob "+blob)
	}
	return nil
}

func (g *GCS) List(ctx context.Context, container string, opts ListOptions) ([]string, error) {
	it := g.client.Bucket(container).Objects(ctx, &storage.Query{Prefix: opts.Prefix})
	var names []string
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConnection, "list container "+container)
		}
		if opts.Suffix != "" && !strings.HasSuffix(attrs.Name, opts.Suffix) {
			continue
		}
		if !opts.Since.IsZero() && !attrs.Updated.After(opts.Since) {
			continue
		}
		names = append(names, attrs.Name)
	}
	return names, nil
}

func (g *GCS) LastModified(ctx context.Context, container, blob string) (time.Time, error) {
	attrs, err := g.object(container, blob).Attrs(ctx)
	if err == storage.ErrObjectNotExist {
		return time.Time{}, errors.Newf(errors.ErrorTypeNotFound, "blob %s/%s not found", container, blob)
	}
	if err != nil {
		return time.Time{}, errors.Wrap(err, errors.ErrorTypeConnection, "stat blob "+blob)
	}
	return attrs.Updated, nil
}

func (g *GCS) Close() error {
	return g.client.Close()
}
