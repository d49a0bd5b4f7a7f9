package tree

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/edgehive/edgehive/pkg/errors"
	"github.com/edgehive/edgehive/pkg/record"
)

func errConfigf(format string, args ...interface{}) error {
	return errors.New(errors.ErrorTypeConfig, fmt.Sprintf(format, args...))
}

// Sensor is a data source. Run blocks until ctx is cancelled, calling
// node.Log / node.SaveRecording as data arrives.
type Sensor interface {
	Run(ctx context.Context, node *Node) error
}

// Input is the staged data a worker hands to a transform on one tick.
type Input struct {
	// Stream is the observed (consumed) stream.
	Stream Stream
	// Rows holds concatenated tabular data; nil for binary streams.
	Rows record.Table
	// Files holds staged binary recordings; nil for tabular streams.
	Files []string
}

// Transform consumes staged output of its parent and may return a
// table to forward via node.SaveData, or save derived recordings via
// node.SaveSubRecording. A nil table means nothing to forward.
type Transform interface {
	Process(ctx context.Context, node *Node, in Input) (record.Table, error)
}

// SensorFactory creates a sensor instance from its node configuration.
type SensorFactory func(cfg NodeConfig) (Sensor, error)

// TransformFactory creates a transform instance from its node
// configuration.
type TransformFactory func(cfg NodeConfig) (Transform, error)

// Registry maps stable configuration names to constructors. All
// resolution happens at configure time; an unresolved name is a
// configuration error before anything starts.
type Registry struct {
	mu         sync.RWMutex
	sensors    map[string]SensorFactory
	transforms map[string]TransformFactory
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		sensors:    make(map[string]SensorFactory),
		transforms: make(map[string]TransformFactory),
	}
}

// DefaultRegistry is used by the package-level Register functions.
var DefaultRegistry = NewRegistry()

// RegisterSensor adds a sensor constructor under name.
func (r *Registry) RegisterSensor(name string, factory SensorFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sensors[name] = factory
}

// RegisterTransform adds a transform constructor under name.
func (r *Registry) RegisterTransform(name string, factory TransformFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transforms[name] = factory
}

// NewSensor resolves and constructs the sensor named by cfg.
func (r *Registry) NewSensor(cfg NodeConfig) (Sensor, error) {
	r.mu.RLock()
	factory, ok := r.sensors[cfg.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.Newf(errors.ErrorTypeConfig,
			"unknown sensor %q (registered: %v)", cfg.Name, r.SensorNames())
	}
	return factory(cfg)
}

// NewTransform resolves and constructs the transform named by cfg.
func (r *Registry) NewTransform(cfg NodeConfig) (Transform, error) {
	r.mu.RLock()
	factory, ok := r.transforms[cfg.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.Newf(errors.ErrorTypeConfig,
			"unknown transform %q (registered: %v)", cfg.Name, r.TransformNames())
	}
	return factory(cfg)
}

// SensorNames lists registered sensor names.
func (r *Registry) SensorNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.sensors))
	for n := range r.sensors {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// TransformNames lists registered transform names.
func (r *Registry) TransformNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.transforms))
	for n := range r.transforms {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// RegisterSensor adds a sensor constructor to the default registry.
func RegisterSensor(name string, factory SensorFactory) {
	DefaultRegistry.RegisterSensor(name, factory)
}

// RegisterTransform adds a transform constructor to the default
// registry.
func RegisterTransform(name string, factory TransformFactory) {
	DefaultRegistry.RegisterTransform(name, factory)
}
