package journal

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/edgehive/edgehive/pkg/cloud"
	"github.com/edgehive/edgehive/pkg/config"
	"github.com/edgehive/edgehive/pkg/naming"
	"github.com/edgehive/edgehive/pkg/record"
)

// Pool routes rows to CloudJournals keyed by stream type and UTC day.
// One Pool exists per process, created by the orchestrator and passed
// to every node; journals and per-container managers are created
// lazily on first write.
type Pool struct {
	cfg       *config.Config
	connector cloud.Connector

	mu       sync.Mutex
	journals map[string]*CloudJournal
	managers map[string]*Manager
	started  bool
	ctx      context.Context
}

// NewPool creates an empty Pool.
func NewPool(cfg *config.Config, connector cloud.Connector) *Pool {
	return &Pool{
		cfg:       cfg,
		connector: connector,
		journals:  make(map[string]*CloudJournal),
		managers:  make(map[string]*Manager),
	}
}

// Start enables timed syncing for managers created from now on and
// starts any already created.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.started = true
	p.ctx = ctx
	for _, m := range p.managers {
		m.Start(ctx)
	}
}

// AddRows routes rows for one stream type to the journal for ts's UTC
// day, creating it if needed. container may be empty to use the
// configured journal container. reqdColumns fixes the archived column
// order and must include the reserved identity columns.
func (p *Pool) AddRows(typeID, container string, reqdColumns []string, rows record.Table, ts time.Time) {
	if len(rows) == 0 {
		return
	}
	if container == "" {
		container = p.cfg.Cloud.JournalContainer
	}
	j := p.journal(typeID, container, reqdColumns, ts)
	j.AddRows(rows)
}

func (p *Pool) journal(typeID, container string, reqdColumns []string, ts time.Time) *CloudJournal {
	fname := naming.CloudJournalFilename(typeID, ts)

	p.mu.Lock()
	defer p.mu.Unlock()

	if j, ok := p.journals[fname]; ok {
		return j
	}
	m, ok := p.managers[container]
	if !ok {
		m = NewManager(p.connector, container, p.cfg.Intervals.JournalSync, p.cfg.SafeAppend)
		if p.started {
			m.Start(p.ctx)
		}
		p.managers[container] = m
	}
	j := NewCloudJournal(m, filepath.Join(p.cfg.Dirs.Staging, fname), reqdColumns)
	p.journals[fname] = j
	return j
}

// FlushJournals forces a sync of every pending journal.
func (p *Pool) FlushJournals(ctx context.Context) error {
	p.mu.Lock()
	managers := make([]*Manager, 0, len(p.managers))
	for _, m := range p.managers {
		managers = append(managers, m)
	}
	p.mu.Unlock()

	var firstErr error
	for _, m := range managers {
		if err := m.FlushAll(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Stop flushes everything, terminates sync goroutines, and empties the
// registry. The Pool can be started again after Stop.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	managers := make([]*Manager, 0, len(p.managers))
	for _, m := range p.managers {
		managers = append(managers, m)
	}
	p.journals = make(map[string]*CloudJournal)
	p.managers = make(map[string]*Manager)
	p.started = false
	p.mu.Unlock()

	var firstErr error
	for _, m := range managers {
		if err := m.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Size returns the number of registered journals.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.journals)
}
