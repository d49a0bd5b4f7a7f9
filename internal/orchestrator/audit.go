package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/edgehive/edgehive/pkg/cloud"
	"github.com/edgehive/edgehive/pkg/errors"
	"github.com/edgehive/edgehive/pkg/naming"
	"github.com/edgehive/edgehive/pkg/record"
	"github.com/edgehive/edgehive/pkg/tree"
)

// TypeAudit is the stream type of configuration snapshots.
const TypeAudit = "fair"

// auditSnapshot is the YAML document uploaded on every pipeline start:
// the full tree configuration plus fleet inventory metadata, stamped
// with the device identity.
type auditSnapshot struct {
	Version    string            `yaml:"version_id"`
	DataTypeID string            `yaml:"data_type_id"`
	DeviceID   string            `yaml:"device_id"`
	DeviceName string            `yaml:"device_name"`
	LoggedTime string            `yaml:"logged_time"`
	Fleet      map[string]string `yaml:"fleet,omitempty"`
	Trees      map[int]*tree.Export `yaml:"trees"`
}

// saveAuditSnapshot serializes the running configuration and uploads
// it to the audit container. Snapshot failures never block a start;
// the caller logs and moves on.
func (o *Orchestrator) saveAuditSnapshot(ctx context.Context, trees []*tree.Tree) error {
	now := record.UTCNow()
	doc := auditSnapshot{
		Version:    record.Version,
		DataTypeID: TypeAudit,
		DeviceID:   o.cfg.Device.ID,
		DeviceName: o.cfg.Device.Name,
		LoggedTime: record.ToISO(now),
		Fleet:      o.cfg.Device.Fleet,
		Trees:      make(map[int]*tree.Export, len(trees)),
	}
	for _, t := range trees {
		doc.Trees[t.SensorIndex()] = t.Export()
	}

	data, err := yaml.Marshal(doc)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "marshal audit snapshot")
	}
	scratch := filepath.Join(o.cfg.Dirs.Tmp, naming.TempFilename("yaml"))
	if err := os.WriteFile(scratch, data, 0o644); err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "write audit snapshot")
	}

	blob := strings.Join([]string{
		record.Version, o.cfg.Device.ID, TypeAudit, record.ToFilename(now),
	}, naming.Separator) + ".yaml"
	return o.conn.Upload(ctx, o.cfg.Cloud.AuditContainer, blob, scratch,
		cloud.UploadOptions{DeleteSource: true})
}
