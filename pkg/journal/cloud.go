package journal

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/edgehive/edgehive/pkg/cloud"
	"github.com/edgehive/edgehive/pkg/errors"
	"github.com/edgehive/edgehive/pkg/logger"
	"github.com/edgehive/edgehive/pkg/metrics"
	"github.com/edgehive/edgehive/pkg/record"
)

// Manager synchronizes CloudJournals to one cloud container. Writers
// enqueue rows with zero I/O on the calling goroutine; a single
// background goroutine drains every pending journal on a fixed timer
// and on explicit FlushAll. One Manager exists per cloud container.
type Manager struct {
	connector cloud.Connector
	container string
	interval  time.Duration
	safe      bool
	log       *zap.Logger

	mu      sync.Mutex
	pending map[*CloudJournal]record.Table
	// journals is the registration order of every journal ever
	// enqueued, without duplicates. Registration survives a flush so
	// that a scratch file left behind by a failed append keeps being
	// retried even when no new rows arrive for that journal.
	journals   []*CloudJournal
	registered map[*CloudJournal]bool

	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager creates a Manager for one container. Start must be called
// to begin timed flushing.
func NewManager(connector cloud.Connector, container string, interval time.Duration, safe bool) *Manager {
	return &Manager{
		connector: connector,
		container: container,
		interval:  interval,
		safe:      safe,
		log: logger.With(
			zap.String("component", "journal.manager"),
			zap.String("container", container)),
		pending:    make(map[*CloudJournal]record.Table),
		registered: make(map[*CloudJournal]bool),
	}
}

// Start launches the sync goroutine. It runs until Stop or ctx
// cancellation; the final flush happens in Stop, not here, so that
// rows queued during shutdown are not lost.
func (m *Manager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := m.FlushAll(ctx); err != nil {
					m.log.Warn("journal sync failed, rows remain queued", zap.Error(err))
				}
			}
		}
	}()
}

// Stop flushes once more and terminates the sync goroutine.
func (m *Manager) Stop(ctx context.Context) error {
	err := m.FlushAll(ctx)
	if m.cancel != nil {
		m.cancel()
		<-m.done
		m.cancel = nil
	}
	return err
}

// add enqueues rows for a journal. Called by CloudJournal only.
func (m *Manager) add(j *CloudJournal, rows record.Table) {
	if len(rows) == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.registered[j] {
		m.registered[j] = true
		m.journals = append(m.journals, j)
	}
	m.pending[j] = append(m.pending[j], rows...)
}

// FlushAll drains every pending journal: queued rows are materialized
// into the journal's local scratch file and appended to the remote
// blob. On success the scratch file is removed; on failure it persists
// and is reloaded on the next flush, so nothing is lost beyond a
// process kill inside one sync window.
func (m *Manager) FlushAll(ctx context.Context) error {
	m.mu.Lock()
	drained := make(map[*CloudJournal]record.Table, len(m.pending))
	order := make([]*CloudJournal, len(m.journals))
	copy(order, m.journals)
	for j, rows := range m.pending {
		drained[j] = rows
	}
	m.pending = make(map[*CloudJournal]record.Table)
	m.mu.Unlock()

	var firstErr error
	for _, j := range order {
		if err := m.flushOne(ctx, j, drained[j]); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			m.log.Warn("flush failed",
				zap.String("blob", j.Blob),
				zap.Error(err))
		}
	}
	return firstErr
}

func (m *Manager) flushOne(ctx context.Context, j *CloudJournal, rows record.Table) error {
	// Reload any scratch left behind by an earlier failed flush.
	scratch, err := New(j.LocalPath, true, j.reqdColumns)
	if err != nil {
		return err
	}
	if err := scratch.AddRows(rows); err != nil {
		return err
	}
	if scratch.Len() == 0 {
		return nil
	}
	if err := scratch.Save(); err != nil {
		return err
	}

	appended, err := m.connector.Append(ctx, m.container, j.Blob, j.LocalPath, m.safe)
	if err != nil {
		return err
	}
	if !appended {
		// Safe-mode refusal: keep the scratch file for inspection
		// and retry; the remote blob was not touched.
		return errors.Newf(errors.ErrorTypeValidation,
			"append to %s/%s refused: header mismatch", m.container, j.Blob)
	}
	metrics.JournalFlushes.Inc()
	metrics.JournalRowsFlushed.Add(float64(scratch.Len()))
	if err := os.Remove(j.LocalPath); err != nil && !os.IsNotExist(err) {
		m.log.Warn("unable to delete flushed scratch file",
			zap.String("path", j.LocalPath))
	}
	return nil
}

// CloudJournal is a journal whose canonical copy is a remote CSV blob,
// synced by periodic append. Add methods enqueue on the Manager and
// never block on I/O.
type CloudJournal struct {
	// LocalPath is the scratch file used to stage queued rows
	// during a flush.
	LocalPath string
	// Blob is the remote object name, shared with the scratch
	// file's base name.
	Blob string

	manager     *Manager
	reqdColumns []string
}

// NewCloudJournal creates a journal staged at localPath and mastered
// in the manager's container under the same base name.
func NewCloudJournal(m *Manager, localPath string, reqdColumns []string) *CloudJournal {
	return &CloudJournal{
		LocalPath:   localPath,
		Blob:        filepath.Base(localPath),
		manager:     m,
		reqdColumns: reqdColumns,
	}
}

// AddRow enqueues one row for the next sync.
func (j *CloudJournal) AddRow(row record.Row) {
	j.manager.add(j, record.Table{row})
}

// AddRows enqueues rows for the next sync.
func (j *CloudJournal) AddRows(rows record.Table) {
	j.manager.add(j, rows)
}

// Download reads the remote blob back into a table.
func (j *CloudJournal) Download(ctx context.Context) (record.Table, error) {
	tmp := j.LocalPath + ".download"
	if err := j.manager.connector.Download(ctx, j.manager.container, j.Blob, tmp); err != nil {
		return nil, err
	}
	defer os.Remove(tmp)
	return ReadCSV(tmp)
}
