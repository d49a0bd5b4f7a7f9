// Package cloud abstracts blob storage behind a single Connector
// interface. Containers are flat namespaces of blobs. Two backends
// exist: Google Cloud Storage for production and a local-directory
// emulation for tests and offline operation. Core pipeline code holds
// a Connector and never branches on the backend.
package cloud

import (
	"context"
	"strings"
	"time"

	"github.com/edgehive/edgehive/pkg/config"
	"github.com/edgehive/edgehive/pkg/errors"
)

// Storage tiers for uploads. Backends that have no tiering ignore the
// hint.
const (
	TierDefault = ""
	TierArchive = "archive"
)

// UploadOptions controls a single upload.
type UploadOptions struct {
	// DeleteSource removes the local file after a successful upload.
	DeleteSource bool
	// Tier is a storage-class hint.
	Tier string
}

// ListOptions filters a container listing. Zero values match
// everything.
type ListOptions struct {
	Prefix string
	Suffix string
	// Since keeps only blobs modified strictly after this instant.
	Since time.Time
}

// Connector is the blob storage contract used by the whole pipeline.
// All methods are safe for concurrent use.
type Connector interface {
	// Upload copies a local file to container/blob, overwriting any
	// existing blob.
	Upload(ctx context.Context, container, blob, srcPath string, opts UploadOptions) error
	// Download copies container/blob to a local path.
	Download(ctx context.Context, container, blob, destPath string) error
	// DownloadBulk fetches many blobs into destDir concurrently,
	// keeping each blob's name as the filename.
	DownloadBulk(ctx context.Context, container string, blobs []string, destDir string) error
	// Move copies a blob between containers and deletes the source.
	Move(ctx context.Context, srcContainer, srcBlob, dstContainer, dstBlob string) error
	// Append appends the local CSV file to container/blob. If the
	// blob is absent it is created with the full content including
	// the header line; otherwise the header line is stripped before
	// appending. With safe set, the remote header is read back and
	// compared first; on mismatch Append returns (false, nil) and
	// leaves the blob untouched. The bool reports whether the remote
	// blob was mutated.
	Append(ctx context.Context, container, blob, srcPath string, safe bool) (bool, error)
	// Exists reports whether container/blob exists.
	Exists(ctx context.Context, container, blob string) (bool, error)
	// ContainerExists reports whether the container exists.
	ContainerExists(ctx context.Context, container string) (bool, error)
	// Delete removes a blob. Deleting an absent blob is not an error.
	Delete(ctx context.Context, container, blob string) error
	// List returns blob names matching opts, in lexical order.
	List(ctx context.Context, container string, opts ListOptions) ([]string, error)
	// LastModified returns the blob's modification time.
	LastModified(ctx context.Context, container, blob string) (time.Time, error)
	// Close releases backend resources.
	Close() error
}

// Bulk download tuning shared by backends.
const (
	bulkWorkers   = 8
	bulkBatchSize = 10000
)

// New constructs the Connector selected by cfg.Cloud.Backend.
func New(ctx context.Context, cfg *config.Config) (Connector, error) {
	switch cfg.Cloud.Backend {
	case config.CloudBackendLocal:
		return NewLocal(cfg.Cloud.LocalRoot)
	case config.CloudBackendGCS:
		return NewGCS(ctx, cfg.Cloud.CredentialsFile)
	default:
		return nil, errors.Newf(errors.ErrorTypeConfig,
			"unknown cloud backend %q", cfg.Cloud.Backend)
	}
}

// match applies ListOptions filtering shared by backends.
func (o ListOptions) match(name string, modified time.Time) bool {
	if !strings.HasPrefix(name, o.Prefix) {
		return false
	}
	if o.Suffix != "" && !strings.HasSuffix(name, o.Suffix) {
		return false
	}
	if !o.Since.IsZero() && !modified.After(o.Since) {
		return false
	}
	return true
}
