// Package tree implements the processing tree that routes data from
// one sensor through transforms to terminal sinks, and the node
// runtime that sensors and transforms use to log rows and save
// recording files.
package tree

import (
	"github.com/edgehive/edgehive/pkg/naming"
	"github.com/edgehive/edgehive/pkg/record"
)

// Tabular stream formats. Any other format is treated as a binary
// recording suffix (wav, jpg, mp4, ...).
const (
	FormatLog = "log"
	FormatCSV = "csv"
)

// Stream describes one named output channel of a node.
type Stream struct {
	// TypeID identifies the kind of data; unique per device in
	// combination with the sensor index and stream index.
	TypeID string `yaml:"type_id"`
	// Index is the output slot on the owning node.
	Index int `yaml:"index"`
	// Format is the file suffix for recordings, or "log"/"csv" for
	// tabular data.
	Format string `yaml:"format"`
	// Fields are the payload columns every logged row must carry.
	Fields []string `yaml:"fields"`
	// CloudContainer overrides the default upload or journal
	// container for this stream.
	CloudContainer string `yaml:"cloud_container,omitempty"`
	// SampleProbability is the chance (0..1) that a saved recording
	// is also copied to SampleContainer.
	SampleProbability float64 `yaml:"sample_probability,omitempty"`
	// SampleContainer receives sampled raw recordings.
	SampleContainer string `yaml:"sample_container,omitempty"`
	// StorageTier is a storage-class hint for uploads.
	StorageTier string `yaml:"storage_tier,omitempty"`
	Description string `yaml:"description,omitempty"`
}

// IsTabular reports whether the stream carries rows rather than
// recording files.
func (s Stream) IsTabular() bool {
	return s.Format == FormatLog || s.Format == FormatCSV
}

// DataID returns the globally unique key for this stream instance.
func (s Stream) DataID(deviceID string, sensorIndex int) naming.DataID {
	return naming.DataID{
		DeviceID:    deviceID,
		SensorIndex: sensorIndex,
		TypeID:      s.TypeID,
		StreamIndex: s.Index,
	}
}

// ArchivedColumns returns the fixed column order for this stream's
// journals: the required identity columns, the device name, then the
// declared payload fields.
func (s Stream) ArchivedColumns() []string {
	cols := make([]string, 0, len(record.RequiredColumns)+1+len(s.Fields))
	cols = append(cols, record.RequiredColumns...)
	cols = append(cols, record.ColDeviceName)
	for _, f := range s.Fields {
		if !record.IsReserved(f) {
			cols = append(cols, f)
		}
	}
	return cols
}

// Kind tags a node configuration as one of the three node roles.
type Kind string

const (
	KindSensor    Kind = "sensor"
	KindTransform Kind = "transform"
	KindSink      Kind = "sink"
)

// NodeConfig is the common configuration for every tree node.
type NodeConfig struct {
	Kind Kind `yaml:"kind"`
	// Name is the registry key of the sensor or transform
	// implementation. Sinks have no implementation.
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`
	// Outputs are the streams this node produces. Sinks produce
	// nothing.
	Outputs []Stream `yaml:"outputs,omitempty"`
}

// Validate checks the node configuration in isolation.
func (c NodeConfig) Validate() error {
	switch c.Kind {
	case KindSensor, KindTransform:
		if len(c.Outputs) == 0 {
			return errConfigf("%s node %q must declare outputs", c.Kind, c.Name)
		}
	case KindSink:
		if len(c.Outputs) != 0 {
			return errConfigf("sink node %q must not declare outputs", c.Name)
		}
		return nil
	default:
		return errConfigf("node %q has unknown kind %q", c.Name, c.Kind)
	}
	seen := make(map[int]bool)
	for _, s := range c.Outputs {
		if err := naming.ValidateTypeID(s.TypeID); err != nil {
			return err
		}
		if seen[s.Index] {
			return errConfigf("node %q declares output index %d twice", c.Name, s.Index)
		}
		seen[s.Index] = true
		fields := make(map[string]bool, len(s.Fields))
		for _, f := range s.Fields {
			if fields[f] {
				return errConfigf("stream %s declares field %q twice", s.TypeID, f)
			}
			fields[f] = true
		}
		if s.SampleProbability < 0 || s.SampleProbability > 1 {
			return errConfigf("stream %s: sample probability %v out of range",
				s.TypeID, s.SampleProbability)
		}
	}
	return nil
}
