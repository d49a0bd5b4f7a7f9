package record

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilenameTimestampRoundTrip(t *testing.T) {
	ts := time.Date(2026, 8, 24, 10, 30, 45, 123_000_000, time.UTC)
	s := ToFilename(ts)
	assert.Equal(t, "20260824T103045123", s)

	parsed, err := FromFilename(s)
	require.NoError(t, err)
	assert.True(t, ts.Equal(parsed))
}

func TestFromFilenamePadsShortTimestamps(t *testing.T) {
	// Second precision, no milliseconds.
	parsed, err := FromFilename("20260824T103045")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 8, 24, 10, 30, 45, 0, time.UTC), parsed)

	_, err = FromFilename("20260824T1030451234")
	assert.Error(t, err)

	_, err = FromFilename("not-a-timestamp-xx")
	assert.Error(t, err)
}

func TestToISOIsUTCWithMilliseconds(t *testing.T) {
	loc := time.FixedZone("PST", -8*3600)
	ts := time.Date(2026, 8, 24, 2, 0, 0, 500_000_000, loc)
	assert.Equal(t, "2026-08-24T10:00:00.500Z", ToISO(ts))
}

func TestIsReserved(t *testing.T) {
	for _, c := range AllReservedColumns {
		assert.True(t, IsReserved(c), c)
	}
	assert.False(t, IsReserved("temperature"))
	assert.False(t, IsReserved("Device_ID"))
}

func TestTableColumnsOrdering(t *testing.T) {
	tbl := Table{
		{"humidity": "40", ColDeviceID: "d0", ColVersion: Version},
		{"temperature": "21", ColDataTypeID: "temp"},
	}
	cols := tbl.Columns()
	assert.Equal(t,
		[]string{ColVersion, ColDataTypeID, ColDeviceID, "humidity", "temperature"},
		cols)
}

func TestRowClone(t *testing.T) {
	row := Row{"a": "1"}
	clone := row.Clone()
	clone["a"] = "2"
	assert.Equal(t, "1", row["a"])
}
