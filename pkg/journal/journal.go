// Package journal provides buffered CSV row storage: a local Journal
// for staging, a CloudJournal whose canonical copy lives in blob
// storage, and a process-wide Pool that routes rows to the right
// journal by stream type and day.
package journal

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"sync"

	"github.com/edgehive/edgehive/pkg/errors"
	"github.com/edgehive/edgehive/pkg/record"
)

// Journal is an append-only row buffer with an optional on-disk CSV
// mirror. In cached mode the file is written only on Save; uncached
// mode persists after every add.
type Journal struct {
	path        string
	cached      bool
	reqdColumns []string

	mu   sync.Mutex
	rows record.Table
}

// New opens a Journal backed by path. If the file already exists its
// rows are loaded, so a journal left behind by a crashed flush is
// picked up again. reqdColumns fixes the saved column order; absent
// columns are backfilled empty, extra columns are dropped on save.
func New(path string, cached bool, reqdColumns []string) (*Journal, error) {
	j := &Journal{
		path:        path,
		cached:      cached,
		reqdColumns: reqdColumns,
	}
	if _, err := os.Stat(path); err == nil {
		rows, err := ReadCSV(path)
		if err != nil {
			return nil, err
		}
		j.rows = rows
	}
	return j, nil
}

// Path returns the backing file path.
func (j *Journal) Path() string { return j.path }

// AddRow appends one row.
func (j *Journal) AddRow(row record.Row) error {
	return j.AddRows(record.Table{row})
}

// AddRows appends rows, persisting immediately in uncached mode.
func (j *Journal) AddRows(rows record.Table) error {
	if len(rows) == 0 {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.rows = append(j.rows, rows...)
	if !j.cached {
		return j.saveLocked()
	}
	return nil
}

// LoadFrom reads additional CSV files and appends their rows without
// touching the source files. Missing or empty files are skipped.
func (j *Journal) LoadFrom(paths ...string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil || info.Size() == 0 {
			continue
		}
		rows, err := ReadCSV(p)
		if err != nil {
			return err
		}
		j.rows = append(j.rows, rows...)
	}
	if !j.cached {
		return j.saveLocked()
	}
	return nil
}

// Save writes the buffer to the backing file. Saving an empty journal
// is a no-op.
func (j *Journal) Save() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.saveLocked()
}

func (j *Journal) saveLocked() error {
	if len(j.rows) == 0 {
		return nil
	}
	cols := j.reqdColumns
	if len(cols) == 0 {
		cols = j.rows.Columns()
	}
	return WriteCSV(j.path, cols, j.rows)
}

// Delete discards the buffer and removes the backing file.
func (j *Journal) Delete() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.rows = nil
	err := os.Remove(j.path)
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, errors.ErrorTypeFile, "delete journal "+j.path)
	}
	return nil
}

// Rows returns a copy of the buffered rows.
func (j *Journal) Rows() record.Table {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make(record.Table, len(j.rows))
	for i, r := range j.rows {
		out[i] = r.Clone()
	}
	return out
}

// Len returns the number of buffered rows.
func (j *Journal) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.rows)
}

// ReadCSV loads a header-first CSV file into a table. Empty cells
// become absent columns.
func ReadCSV(path string) (record.Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeFile, "open csv "+path)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeFile, "read csv "+path)
	}
	if len(records) < 2 {
		return nil, nil
	}

	header := records[0]
	rows := make(record.Table, 0, len(records)-1)
	for _, rec := range records[1:] {
		row := make(record.Row, len(header))
		for i, col := range header {
			if i < len(rec) && rec[i] != "" {
				row[col] = rec[i]
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// WriteCSV writes rows to path with the given column order, creating
// parent directories as needed. Absent columns are written empty.
func WriteCSV(path string, cols []string, rows record.Table) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "create journal dir for "+path)
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "create csv "+path)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(cols); err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "write csv header "+path)
	}
	line := make([]string, len(cols))
	for _, row := range rows {
		for i, col := range cols {
			line[i] = row[col]
		}
		if err := w.Write(line); err != nil {
			return errors.Wrap(err, errors.ErrorTypeFile, "write csv row "+path)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "flush csv "+path)
	}
	return nil
}
