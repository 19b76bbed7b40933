// Package stream tracks the lifecycle of active device instances (camera
// feeds, vitals monitors, gateway health checkers), providing
// create/remove/get/list operations used by the service and the API.
package stream

import (
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"
)

// Kind names the type of instance a Manager holds.
type Kind string

const (
	KindCamera  Kind = "camera"
	KindVitals  Kind = "vitals"
	KindGateway Kind = "gateway"
)

// Instance is one registered device instance.
type Instance[T any] struct {
	Kind      Kind
	Key       string
	Value     T
	StartedAt time.Time
	done      chan struct{}
}

// Done is closed when the instance is removed.
func (i *Instance[T]) Done() <-chan struct{} { return i.done }

// Manager manages the lifecycle of active instances of one kind.
type Manager[T any] struct {
	log       *slog.Logger
	kind      Kind
	mu        sync.RWMutex
	instances map[string]*Instance[T]
}

// NewManager creates a new manager for kind. If log is nil, slog.Default()
// is used.
func NewManager[T any](kind Kind, log *slog.Logger) *Manager[T] {
	if log == nil {
		log = slog.Default()
	}
	return &Manager[T]{
		log:       log.With("component", "stream-manager", "kind", kind),
		kind:      kind,
		instances: make(map[string]*Instance[T]),
	}
}

// Kind returns the kind of instance held.
func (m *Manager[T]) Kind() Kind { return m.kind }

// Create registers value under key. Returns the instance and true if
// created, or nil and false if an instance with this key already exists.
func (m *Manager[T]) Create(key string, value T) (*Instance[T], bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.instances[key]; ok {
		m.log.Warn("instance already exists, rejecting duplicate", "key", key)
		return nil, false
	}

	inst := &Instance[T]{
		Kind:      m.kind,
		Key:       key,
		Value:     value,
		StartedAt: time.Now(),
		done:      make(chan struct{}),
	}

	m.instances[key] = inst
	m.log.Info("instance created", "key", key)
	return inst, true
}

// Remove removes an instance from the manager and reports whether it
// existed.
func (m *Manager[T]) Remove(key string) bool {
	m.mu.Lock()
	inst, ok := m.instances[key]
	if ok {
		delete(m.instances, key)
	}
	m.mu.Unlock()

	if ok {
		close(inst.done)
		m.log.Info("instance removed", "key", key)
	}
	return ok
}

// Get returns the instance registered under key.
func (m *Manager[T]) Get(key string) (*Instance[T], bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.instances[key]
	return inst, ok
}

// List returns all active instances ordered by key.
func (m *Manager[T]) List() []*Instance[T] {
	m.mu.RLock()
	out := make([]*Instance[T], 0, len(m.instances))
	for _, inst := range m.instances {
		out = append(out, inst)
	}
	m.mu.RUnlock()

	slices.SortFunc(out, func(a, b *Instance[T]) int { return strings.Compare(a.Key, b.Key) })
	return out
}

// Len returns the number of active instances.
func (m *Manager[T]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.instances)
}
