// Package record defines the row model shared by every stage of the
// pipeline: the reserved identity columns stamped onto each persisted
// row, and the UTC timestamp encodings used in rows and filenames.
package record

import (
	"fmt"
	"strings"
	"time"
)

// Version is the record schema version stamped into every row.
const Version = "V3"

// Reserved column names. Every persisted row carries the required
// subset non-null; the remainder appear only where applicable.
const (
	ColVersion         = "version_id"
	ColDataTypeID      = "data_type_id"
	ColDeviceID        = "device_id"
	ColSensorIndex     = "sensor_index"
	ColStreamIndex     = "stream_index"
	ColTimestamp       = "logged_time"
	ColEndTime         = "end_time"
	ColOffset          = "primary_offset_index"
	ColSecondaryOffset = "secondary_offset_index"
	ColSuffix          = "file_suffix"
	ColIncrement       = "increment"
	ColDeviceName      = "device_name"
)

// RequiredColumns are the reserved columns that must be present and
// non-null on every row before persistence.
var RequiredColumns = []string{
	ColVersion,
	ColDataTypeID,
	ColDeviceID,
	ColSensorIndex,
	ColStreamIndex,
	ColTimestamp,
}

// AllReservedColumns lists every reserved column, required first.
var AllReservedColumns = []string{
	ColVersion,
	ColDataTypeID,
	ColDeviceID,
	ColSensorIndex,
	ColStreamIndex,
	ColTimestamp,
	ColEndTime,
	ColOffset,
	ColSecondaryOffset,
	ColSuffix,
	ColIncrement,
	ColDeviceName,
}

// IsReserved reports whether name is a reserved column.
func IsReserved(name string) bool {
	for _, c := range AllReservedColumns {
		if c == name {
			return true
		}
	}
	return false
}

// Row is a single data row: reserved columns plus stream-declared
// payload fields.
type Row map[string]string

// Clone returns a copy of the row.
func (r Row) Clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Table is an ordered collection of rows.
type Table []Row

// Columns returns the union of column names across all rows, with the
// reserved columns (in canonical order) first and payload columns in
// first-seen order.
func (t Table) Columns() []string {
	present := make(map[string]bool)
	var payload []string
	for _, row := range t {
		for k := range row {
			if !present[k] {
				present[k] = true
				if !IsReserved(k) {
					payload = append(payload, k)
				}
			}
		}
	}
	var cols []string
	for _, c := range AllReservedColumns {
		if present[c] {
			cols = append(cols, c)
		}
	}
	return append(cols, payload...)
}

// Timestamp encodings. All times in the system are UTC. Rows carry
// ISO-8601 with millisecond precision; filenames use a compact digits
// form that sorts lexicographically.
const (
	fnameLayout = "20060102T150405.000"
	isoLayout   = "2006-01-02T15:04:05.000Z07:00"
)

// UTCNow returns the current time in UTC.
func UTCNow() time.Time {
	return time.Now().UTC()
}

// ToISO formats t as an ISO-8601 UTC string with millisecond precision.
func ToISO(t time.Time) string {
	return t.UTC().Format(isoLayout)
}

// ToFilename formats t for embedding in a filename: compact UTC digits
// with millisecond precision and no separators.
func ToFilename(t time.Time) string {
	return strings.Replace(t.UTC().Format(fnameLayout), ".", "", 1)
}

// FromFilename parses a filename timestamp produced by ToFilename.
// Shorter strings are accepted and padded to full precision.
func FromFilename(s string) (time.Time, error) {
	const full = "20060102T150405000"
	if len(s) > len(full) {
		return time.Time{}, fmt.Errorf("timestamp %q too long", s)
	}
	s += strings.Repeat("0", len(full)-len(s))
	// Reinsert the fractional separator expected by the layout.
	withDot := s[:15] + "." + s[15:]
	t, err := time.Parse(fnameLayout, withDot)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}
