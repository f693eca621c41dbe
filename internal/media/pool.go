package media

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
)

// PortPool hands out UDP sockets for per-call RTP endpoints. Ports are
// even-numbered within [portMin, portMax] so the odd neighbour stays free
// for RTCP on the media server side.
type PortPool struct {
	bindIP  net.IP
	portMin int
	portMax int
	logger  *slog.Logger

	mu        sync.Mutex
	allocated map[int]struct{}
	nextPort  int
}

// NewPortPool creates a pool over the given range. portMin must be even.
func NewPortPool(bindIP net.IP, portMin, portMax int, logger *slog.Logger) (*PortPool, error) {
	if portMin%2 != 0 {
		return nil, fmt.Errorf("portMin must be even, got %d", portMin)
	}
	if portMax <= portMin {
		return nil, fmt.Errorf("portMax (%d) must be greater than portMin (%d)", portMax, portMin)
	}
	if bindIP == nil {
		bindIP = net.IPv4zero
	}

	l := logger.With("subsystem", "rtp-pool")
	p := &PortPool{
		bindIP:    bindIP,
		portMin:   portMin,
		portMax:   portMax,
		logger:    l,
		allocated: make(map[int]struct{}),
		nextPort:  portMin,
	}
	l.Info("rtp port pool initialized",
		"bind_ip", bindIP.String(),
		"port_min", portMin,
		"port_max", portMax,
		"capacity", p.Capacity(),
	)
	return p, nil
}

// Capacity returns how many endpoints the range can hold at once.
func (p *PortPool) Capacity() int {
	return (p.portMax - p.portMin + 1) / 2
}

// AllocatedCount returns the number of sockets currently handed out.
func (p *PortPool) AllocatedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.allocated)
}

// Acquire binds the next free even port.
func (p *PortPool) Acquire() (*net.UDPConn, int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	capacity := p.Capacity()
	if len(p.allocated) >= capacity {
		return nil, 0, fmt.Errorf("no rtp ports available (all %d allocated)", capacity)
	}

	for tried := 0; tried < capacity; tried++ {
		port := p.nextPort
		p.nextPort += 2
		if p.nextPort > p.portMax-1 {
			p.nextPort = p.portMin
		}

		if _, taken := p.allocated[port]; taken {
			continue
		}

		conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: p.bindIP, Port: port})
		if err != nil {
			// Likely held by another process.
			p.logger.Debug("rtp port bind failed, trying next", "port", port, "error", err)
			continue
		}

		p.allocated[port] = struct{}{}
		p.logger.Debug("rtp port acquired", "port", port, "allocated", len(p.allocated))
		return conn, port, nil
	}
	return nil, 0, fmt.Errorf("no bindable rtp ports in %d-%d", p.portMin, p.portMax)
}

// Release closes conn and returns its port to the pool.
func (p *PortPool) Release(conn *net.UDPConn, port int) {
	if conn != nil {
		if err := conn.Close(); err != nil {
			p.logger.Warn("error closing rtp socket", "port", port, "error", err)
		}
	}

	p.mu.Lock()
	delete(p.allocated, port)
	count := len(p.allocated)
	p.mu.Unlock()

	p.logger.Debug("rtp port released", "port", port, "allocated", count)
}
