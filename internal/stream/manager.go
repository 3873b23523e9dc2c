// Package stream tracks the lifecycle and health of the configured input
// sources, providing register/get/list operations used by the ingest,
// pipeline, and supervisor layers.
package stream

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Source is one registered input: a video source or an audio sub-stream
// group, keyed by its source index.
type Source struct {
	Index     int
	Addr      string
	StartedAt time.Time

	bytesReceived atomic.Int64
	locked        atomic.Bool
	restarts      atomic.Int64
}

// RecordBytes adds to the source's running byte counter, called by the
// pipeline's demux handler with the payload size of each demuxed frame.
func (s *Source) RecordBytes(n int) {
	s.bytesReceived.Add(int64(n))
}

// SetLocked records whether the source currently has signal.
func (s *Source) SetLocked(locked bool) {
	s.locked.Store(locked)
}

// Locked reports the source's current signal state.
func (s *Source) Locked() bool { return s.locked.Load() }

// RecordRestart counts one soft restart affecting this source.
func (s *Source) RecordRestart() { s.restarts.Add(1) }

// Restarts returns the soft-restart total for this source.
func (s *Source) Restarts() int64 { return s.restarts.Load() }

// Bitrate returns the average received bitrate in bits per second since
// the source was registered, or 0 before any bytes arrive.
func (s *Source) Bitrate() float64 {
	elapsed := time.Since(s.StartedAt).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(s.bytesReceived.Load()) * 8 / elapsed
}

// Manager manages the registered sources.
type Manager struct {
	log     *slog.Logger
	mu      sync.RWMutex
	sources map[int]*Source
}

// NewManager creates a Manager. If log is nil, slog.Default() is used.
func NewManager(log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		log:     log.With("component", "stream-manager"),
		sources: make(map[int]*Source),
	}
}

// Register adds a source by index. Returns the Source and true if
// registered, or the existing record and false for a duplicate index.
func (m *Manager) Register(index int, addr string) (*Source, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.sources[index]; ok {
		m.log.Warn("source already registered", "index", index, "addr", addr)
		return existing, false
	}

	s := &Source{
		Index:     index,
		Addr:      addr,
		StartedAt: time.Now(),
	}
	m.sources[index] = s
	m.log.Info("source registered", "index", index, "addr", addr)
	return s, true
}

// Get returns the Source for an index, or false if not registered.
func (m *Manager) Get(index int) (*Source, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sources[index]
	return s, ok
}

// List returns all registered sources.
func (m *Manager) List() []*Source {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sources := make([]*Source, 0, len(m.sources))
	for _, s := range m.sources {
		sources = append(sources, s)
	}
	return sources
}
