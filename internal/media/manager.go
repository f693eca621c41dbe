package media

import (
	"fmt"
	"log/slog"
	"sync"
)

// defaultFrameQueue is the inbound frame buffer per endpoint, about one
// second of 20 ms frames.
const defaultFrameQueue = 50

// Manager opens per-call endpoints from a port pool and keeps a registry of
// the live ones.
type Manager struct {
	pool   *PortPool
	format Format
	queue  int
	logger *slog.Logger

	mu        sync.RWMutex
	endpoints map[string]*Endpoint
	totals    Stats
	released  uint64
}

// NewManager creates an endpoint manager.
func NewManager(pool *PortPool, format Format, logger *slog.Logger) *Manager {
	return &Manager{
		pool:      pool,
		format:    format,
		queue:     defaultFrameQueue,
		logger:    logger.With("subsystem", "media"),
		endpoints: make(map[string]*Endpoint),
	}
}

// Open binds a new endpoint for callID. Only one endpoint may exist per
// call at a time.
func (m *Manager) Open(callID string) (*Endpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.endpoints[callID]; exists {
		return nil, fmt.Errorf("media endpoint for call %q already open", callID)
	}

	conn, port, err := m.pool.Acquire()
	if err != nil {
		return nil, fmt.Errorf("acquiring rtp port: %w", err)
	}

	ep := newEndpoint(callID, conn, port, m.format, m.queue, m.logger, m.release)
	m.endpoints[callID] = ep

	m.logger.Info("media endpoint opened",
		"call_id", callID,
		"port", port,
		"format", m.format.Name,
	)
	return ep, nil
}

// release is the endpoint close hook. It runs once per endpoint.
func (m *Manager) release(ep *Endpoint) {
	m.pool.Release(ep.conn, ep.port)
	st := ep.Stats()

	m.mu.Lock()
	if m.endpoints[ep.CallID] == ep {
		delete(m.endpoints, ep.CallID)
	}
	m.totals.PacketsIn += st.PacketsIn
	m.totals.PacketsOut += st.PacketsOut
	m.totals.BytesIn += st.BytesIn
	m.totals.BytesOut += st.BytesOut
	m.totals.Dropped += st.Dropped
	m.released++
	m.mu.Unlock()

	m.logger.Info("media endpoint released",
		"call_id", ep.CallID,
		"port", ep.port,
		"packets_in", st.PacketsIn,
		"packets_out", st.PacketsOut,
		"dropped", st.Dropped,
	)
}

// Get returns the open endpoint for a call, or nil.
func (m *Manager) Get(callID string) *Endpoint {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.endpoints[callID]
}

// ActiveCount returns the number of open endpoints.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.endpoints)
}

// ReleasedCount returns how many endpoints have been released.
func (m *Manager) ReleasedCount() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.released
}

// AggregateStats sums counters of open and released endpoints.
func (m *Manager) AggregateStats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	total := m.totals
	for _, ep := range m.endpoints {
		st := ep.Stats()
		total.PacketsIn += st.PacketsIn
		total.PacketsOut += st.PacketsOut
		total.BytesIn += st.BytesIn
		total.BytesOut += st.BytesOut
		total.Dropped += st.Dropped
	}
	return total
}

// CloseAll closes every open endpoint. Used during shutdown.
func (m *Manager) CloseAll() {
	m.mu.RLock()
	eps := make([]*Endpoint, 0, len(m.endpoints))
	for _, ep := range m.endpoints {
		eps = append(eps, ep)
	}
	m.mu.RUnlock()

	for _, ep := range eps {
		ep.Close()
	}
	m.logger.Info("all media endpoints closed", "count", len(eps))
}
