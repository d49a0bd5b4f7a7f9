// Package naming implements the deterministic filename codec used for
// staged recordings, journals and archives. Format and parse are exact
// inverses so that any staged file can be re-identified after a restart
// purely from its name.
package naming

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/edgehive/edgehive/pkg/errors"
	"github.com/edgehive/edgehive/pkg/record"
)

// Separator joins filename components. Device IDs and stream type IDs
// must not contain it; ValidateTypeID enforces this at configure time.
const Separator = "_"

var typeIDPattern = regexp.MustCompile(`^[A-Za-z0-9-]+$`)

// ValidateTypeID rejects stream type IDs that would break the filename
// codec.
func ValidateTypeID(typeID string) error {
	if !typeIDPattern.MatchString(typeID) {
		return errors.Newf(errors.ErrorTypeConfig,
			"stream type id %q must match %s", typeID, typeIDPattern.String())
	}
	return nil
}

// DataID uniquely identifies one stream instance on one device.
type DataID struct {
	DeviceID    string
	SensorIndex int
	TypeID      string
	StreamIndex int
}

// String encodes the data_id as device_sensorIndex_typeID_streamIndex.
func (d DataID) String() string {
	return strings.Join([]string{
		d.DeviceID,
		strconv.Itoa(d.SensorIndex),
		d.TypeID,
		strconv.Itoa(d.StreamIndex),
	}, Separator)
}

// ParseDataID is the exact inverse of DataID.String.
func ParseDataID(s string) (DataID, error) {
	parts := strings.Split(s, Separator)
	if len(parts) != 4 {
		return DataID{}, errors.Newf(errors.ErrorTypeValidation,
			"data_id %q: want 4 components, got %d", s, len(parts))
	}
	sensorIdx, err := strconv.Atoi(parts[1])
	if err != nil {
		return DataID{}, errors.Newf(errors.ErrorTypeValidation,
			"data_id %q: bad sensor index %q", s, parts[1])
	}
	streamIdx, err := strconv.Atoi(parts[3])
	if err != nil {
		return DataID{}, errors.Newf(errors.ErrorTypeValidation,
			"data_id %q: bad stream index %q", s, parts[3])
	}
	return DataID{
		DeviceID:    parts[0],
		SensorIndex: sensorIdx,
		TypeID:      parts[2],
		StreamIndex: streamIdx,
	}, nil
}

// RecordName carries every field encoded in a staged recording
// filename.
type RecordName struct {
	DataID          DataID
	Start           time.Time
	End             time.Time // zero if absent
	Offset          int       // -1 if absent
	SecondaryOffset int       // -1 if absent
	Increment       int       // 0 on first placement
	Suffix          string    // extension without the dot
}

// Optional numeric fields carry a one-letter marker so parsing never
// confuses an offset with an increment.
const (
	markOffset    = "p"
	markSecondary = "s"
	markIncrement = "c"
)

// RecordFilename builds the canonical name for a staged recording:
//
//	V3_{data_id}_{start}[_{end}][_p{off}][_s{off2}][_c{inc}].{suffix}
func RecordFilename(n RecordName) string {
	parts := []string{record.Version, n.DataID.String(), record.ToFilename(n.Start)}
	if !n.End.IsZero() {
		parts = append(parts, record.ToFilename(n.End))
	}
	if n.Offset >= 0 {
		parts = append(parts, markOffset+strconv.Itoa(n.Offset))
	}
	if n.SecondaryOffset >= 0 {
		parts = append(parts, markSecondary+strconv.Itoa(n.SecondaryOffset))
	}
	if n.Increment > 0 {
		parts = append(parts, markIncrement+strconv.Itoa(n.Increment))
	}
	return strings.Join(parts, Separator) + "." + n.Suffix
}

// ParseRecordFilename is the exact inverse of RecordFilename. It
// accepts a bare name or a full path.
func ParseRecordFilename(fname string) (RecordName, error) {
	base := filepath.Base(fname)
	ext := filepath.Ext(base)
	if ext == "" {
		return RecordName{}, errors.Newf(errors.ErrorTypeValidation,
			"record filename %q: missing suffix", fname)
	}
	stem := strings.TrimSuffix(base, ext)
	parts := strings.Split(stem, Separator)
	if len(parts) < 6 {
		return RecordName{}, errors.Newf(errors.ErrorTypeValidation,
			"record filename %q: want at least 6 components, got %d", fname, len(parts))
	}
	if parts[0] != record.Version {
		return RecordName{}, errors.Newf(errors.ErrorTypeValidation,
			"record filename %q: unsupported version %q", fname, parts[0])
	}

	dataID, err := ParseDataID(strings.Join(parts[1:5], Separator))
	if err != nil {
		return RecordName{}, err
	}
	start, err := record.FromFilename(parts[5])
	if err != nil {
		return RecordName{}, errors.Wrap(err, errors.ErrorTypeValidation,
			fmt.Sprintf("record filename %q: bad start time", fname))
	}

	out := RecordName{
		DataID:          dataID,
		Start:           start,
		Offset:          -1,
		SecondaryOffset: -1,
		Suffix:          strings.TrimPrefix(ext, "."),
	}
	for _, p := range parts[6:] {
		switch {
		case strings.HasPrefix(p, markOffset) && isDigits(p[1:]):
			out.Offset, _ = strconv.Atoi(p[1:])
		case strings.HasPrefix(p, markSecondary) && isDigits(p[1:]):
			out.SecondaryOffset, _ = strconv.Atoi(p[1:])
		case strings.HasPrefix(p, markIncrement) && isDigits(p[1:]):
			out.Increment, _ = strconv.Atoi(p[1:])
		default:
			end, err := record.FromFilename(p)
			if err != nil {
				return RecordName{}, errors.Newf(errors.ErrorTypeValidation,
					"record filename %q: unrecognized component %q", fname, p)
			}
			out.End = end
		}
	}
	return out, nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// IncrementFilename returns the next collision-avoidance name for
// fname, bumping the increment component by one and preserving the
// directory.
func IncrementFilename(fname string) (string, error) {
	n, err := ParseRecordFilename(fname)
	if err != nil {
		return "", err
	}
	n.Increment++
	return filepath.Join(filepath.Dir(fname), RecordFilename(n)), nil
}

// JournalFilename names the local scratch journal for one stream type.
func JournalFilename(typeID string) string {
	return record.Version + Separator + typeID + ".csv"
}

const dayLayout = "20060102"

// CloudJournalFilename names the remote append-target journal for one
// stream type and UTC day.
func CloudJournalFilename(typeID string, day time.Time) string {
	return record.Version + Separator + typeID + Separator + day.UTC().Format(dayLayout) + ".csv"
}

// ZipFilename names an upload-sweep archive for this device.
func ZipFilename(deviceID string, now time.Time) string {
	return strings.Join([]string{record.Version, deviceID, record.ToFilename(now)}, Separator) + ".zip"
}

// TempFilename returns a collision-free scratch name with the given
// suffix (extension without the dot).
func TempFilename(suffix string) string {
	return uuid.NewString() + "." + suffix
}
