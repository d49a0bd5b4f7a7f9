package orchestrator

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"
	"go.uber.org/zap"

	"github.com/edgehive/edgehive/pkg/cloud"
	"github.com/edgehive/edgehive/pkg/errors"
	"github.com/edgehive/edgehive/pkg/metrics"
	"github.com/edgehive/edgehive/pkg/naming"
	"github.com/edgehive/edgehive/pkg/record"
)

// runSweep periodically bundles whatever is sitting in the upload
// directory into a zip archive and ships it. Recordings normally
// upload directly; the sweep is the retry path for files a direct
// upload left behind, and it also picks up archives from interrupted
// runs.
func (o *Orchestrator) runSweep(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.Intervals.UploadSweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := o.sweepOnce(ctx); err != nil {
				o.log.Error("upload sweep failed", zap.Error(err))
			}
		}
	}
}

// sweepOnce archives eligible loose files, then uploads every archive
// present.
func (o *Orchestrator) sweepOnce(ctx context.Context) error {
	dir := o.cfg.Dirs.Upload
	entries, err := os.ReadDir(dir)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "read upload dir")
	}

	cutoff := time.Now().Add(-o.cfg.Intervals.SweepMinAge)
	var loose []string
	for _, e := range entries {
		if e.IsDir() || strings.HasSuffix(e.Name(), ".zip") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if !info.ModTime().After(cutoff) {
			loose = append(loose, filepath.Join(dir, e.Name()))
		}
	}

	if len(loose) > 0 {
		if err := o.archive(loose); err != nil {
			return err
		}
	}
	return o.uploadArchives(ctx, dir)
}

// archive bundles the given files into one zip in the upload directory
// and removes the originals.
func (o *Orchestrator) archive(files []string) error {
	zipPath := filepath.Join(o.cfg.Dirs.Upload,
		naming.ZipFilename(o.cfg.Device.ID, record.UTCNow()))
	f, err := os.Create(zipPath)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "create archive "+zipPath)
	}
	zw := zip.NewWriter(f)
	for _, path := range files {
		if err := addToZip(zw, path); err != nil {
			zw.Close()
			f.Close()
			os.Remove(zipPath)
			return err
		}
	}
	if err := zw.Close(); err != nil {
		f.Close()
		os.Remove(zipPath)
		return errors.Wrap(err, errors.ErrorTypeFile, "finalize archive")
	}
	if err := f.Close(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "close archive")
	}

	for _, path := range files {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			o.log.Error("failed to remove archived file", zap.String("path", path))
		}
	}
	metrics.SweepArchives.Inc()
	o.log.Info("archived loose uploads",
		zap.Int("files", len(files)),
		zap.String("archive", filepath.Base(zipPath)))
	return nil
}

func addToZip(zw *zip.Writer, path string) error {
	in, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "open "+path)
	}
	defer in.Close()
	w, err := zw.Create(filepath.Base(path))
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "add "+path+" to archive")
	}
	if _, err := io.Copy(w, in); err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "write "+path+" to archive")
	}
	return nil
}

// uploadArchives ships every zip in the upload directory, including
// leftovers from a previous interrupted run.
func (o *Orchestrator) uploadArchives(ctx context.Context, dir string) error {
	zips, err := filepath.Glob(filepath.Join(dir, "*.zip"))
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "glob archives")
	}
	var firstErr error
	for _, z := range zips {
		err := o.conn.Upload(ctx, o.cfg.Cloud.UploadContainer, filepath.Base(z), z,
			cloud.UploadOptions{DeleteSource: true})
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		metrics.SweepUploads.Inc()
	}
	return firstErr
}
