package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
)

// ErrTransportFault marks a socket failure that the owning call must handle.
var ErrTransportFault = errors.New("media transport fault")

// ErrClosed is returned by Send after the endpoint was closed.
var ErrClosed = errors.New("media endpoint closed")

const (
	// readTimeout bounds each socket read so the loop notices shutdown.
	readTimeout = 100 * time.Millisecond

	// writeTimeout bounds how long Send waits on a full socket buffer.
	writeTimeout = 20 * time.Millisecond

	maxPacketSize = 1500
)

// Format is the fixed audio encoding agreed with the media server.
type Format struct {
	// Name is the media server's codec name, e.g. "ulaw".
	Name           string
	PayloadType    uint8
	ClockRate      uint32
	FrameSamples   uint32
	BytesPerSample uint32
}

// FormatULaw is 8 kHz G.711 mu-law in 20 ms frames.
var FormatULaw = Format{Name: "ulaw", PayloadType: 0, ClockRate: 8000, FrameSamples: 160, BytesPerSample: 1}

// FormatSLin16 is 16 kHz signed linear in 20 ms frames.
var FormatSLin16 = Format{Name: "slin16", PayloadType: 118, ClockRate: 16000, FrameSamples: 320, BytesPerSample: 2}

// Frame is one audio frame moving through an endpoint.
type Frame struct {
	Payload   []byte
	Seq       uint16
	Timestamp uint32
	// HasSeq is set on received frames, whose Seq and Timestamp come from
	// the RTP header.
	HasSeq    bool
	ArrivedAt time.Time
}

// Stats counts endpoint traffic.
type Stats struct {
	PacketsIn  uint64
	PacketsOut uint64
	BytesIn    uint64
	BytesOut   uint64
	Dropped    uint64
}

// Endpoint is the UDP RTP endpoint for one call. Receive yields frames in
// arrival order with no reordering; Send stamps RTP headers. Socket errors
// are reported on Faults.
type Endpoint struct {
	CallID string
	format Format
	conn   *net.UDPConn
	port   int
	logger *slog.Logger

	remote atomic.Pointer[net.UDPAddr]

	frames chan Frame
	faults chan error
	done   chan struct{}
	wg     sync.WaitGroup

	sendMu sync.Mutex
	ssrc   uint32
	seq    uint16
	ts     uint32

	packetsIn  atomic.Uint64
	packetsOut atomic.Uint64
	bytesIn    atomic.Uint64
	bytesOut   atomic.Uint64
	dropped    atomic.Uint64

	lifeMu  sync.Mutex
	started bool
	closed  atomic.Bool
	onClose func(*Endpoint)
}

func newEndpoint(callID string, conn *net.UDPConn, port int, format Format, queue int, logger *slog.Logger, onClose func(*Endpoint)) *Endpoint {
	return &Endpoint{
		CallID:  callID,
		format:  format,
		conn:    conn,
		port:    port,
		logger:  logger,
		frames:  make(chan Frame, queue),
		faults:  make(chan error, 1),
		done:    make(chan struct{}),
		ssrc:    rand.Uint32(),
		seq:     uint16(rand.Uint32()),
		ts:      rand.Uint32(),
		onClose: onClose,
	}
}

// Start launches the receive loop. It stops when ctx is cancelled or the
// endpoint is closed. Start is effective once.
func (e *Endpoint) Start(ctx context.Context) {
	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()
	if e.started || e.closed.Load() {
		return
	}
	e.started = true
	e.wg.Add(1)
	go e.receiveLoop(ctx)
}

// Receive returns the inbound frame sequence. The channel is closed when
// the endpoint stops and is never reopened.
func (e *Endpoint) Receive() <-chan Frame {
	return e.frames
}

// Faults delivers at most one transport fault.
func (e *Endpoint) Faults() <-chan error {
	return e.faults
}

// Format returns the endpoint's audio format.
func (e *Endpoint) Format() Format {
	return e.format
}

// Port returns the bound local port.
func (e *Endpoint) Port() int {
	return e.port
}

// LocalAddr returns the bound local address.
func (e *Endpoint) LocalAddr() *net.UDPAddr {
	return e.conn.LocalAddr().(*net.UDPAddr)
}

// SetRemote fixes the media server address frames are sent to. Without it
// the address is learned from the first inbound packet.
func (e *Endpoint) SetRemote(addr *net.UDPAddr) {
	e.remote.Store(addr)
}

// Remote returns the current send destination, or nil.
func (e *Endpoint) Remote() *net.UDPAddr {
	return e.remote.Load()
}

// Send transmits one frame. Frames sent before a remote is known are
// dropped. A socket error is returned wrapped in ErrTransportFault and also
// reported on Faults.
func (e *Endpoint) Send(f Frame) error {
	if e.closed.Load() {
		return ErrClosed
	}
	dst := e.remote.Load()
	if dst == nil {
		e.dropped.Add(1)
		return nil
	}

	e.sendMu.Lock()
	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    e.format.PayloadType,
			SequenceNumber: e.seq,
			Timestamp:      e.ts,
			SSRC:           e.ssrc,
		},
		Payload: f.Payload,
	}
	e.seq++
	samples := e.format.FrameSamples
	if e.format.BytesPerSample > 0 && len(f.Payload) > 0 {
		samples = uint32(len(f.Payload)) / e.format.BytesPerSample
	}
	e.ts += samples
	e.sendMu.Unlock()

	raw, err := pkt.Marshal()
	if err != nil {
		e.dropped.Add(1)
		return nil
	}

	if err := e.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return e.fault(fmt.Errorf("%w: set write deadline: %v", ErrTransportFault, err))
	}
	n, err := e.conn.WriteToUDP(raw, dst)
	if err != nil {
		if e.closed.Load() {
			return ErrClosed
		}
		return e.fault(fmt.Errorf("%w: write to %s: %v", ErrTransportFault, dst, err))
	}
	e.packetsOut.Add(1)
	e.bytesOut.Add(uint64(n))
	return nil
}

func (e *Endpoint) fault(err error) error {
	select {
	case e.faults <- err:
		e.logger.Warn("rtp transport fault", "call_id", e.CallID, "port", e.port, "error", err)
	default:
	}
	return err
}

func (e *Endpoint) receiveLoop(ctx context.Context) {
	defer e.wg.Done()
	defer close(e.frames)

	buf := make([]byte, maxPacketSize)
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.done:
			return
		default:
		}

		if err := e.conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			if !e.closed.Load() {
				e.fault(fmt.Errorf("%w: set read deadline: %v", ErrTransportFault, err))
			}
			return
		}
		n, src, err := e.conn.ReadFromUDP(buf)
		if err != nil {
			if e.closed.Load() {
				return
			}
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			e.fault(fmt.Errorf("%w: read: %v", ErrTransportFault, err))
			return
		}
		arrived := time.Now()

		var pkt rtp.Packet
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			e.dropped.Add(1)
			continue
		}
		if pkt.PayloadType != e.format.PayloadType {
			e.dropped.Add(1)
			continue
		}

		if e.remote.Load() == nil {
			e.remote.CompareAndSwap(nil, src)
			e.logger.Info("rtp remote learned", "call_id", e.CallID, "address", src.String())
		}

		e.packetsIn.Add(1)
		e.bytesIn.Add(uint64(n))

		payload := make([]byte, len(pkt.Payload))
		copy(payload, pkt.Payload)
		frame := Frame{
			Payload:   payload,
			Seq:       pkt.SequenceNumber,
			Timestamp: pkt.Timestamp,
			HasSeq:    true,
			ArrivedAt: arrived,
		}
		select {
		case e.frames <- frame:
		default:
			// Consumer is behind.
			e.dropped.Add(1)
		}
	}
}

// Close stops the receive loop and releases the socket. It is safe to call
// more than once; the release happens exactly once.
func (e *Endpoint) Close() error {
	e.lifeMu.Lock()
	if e.closed.Load() {
		e.lifeMu.Unlock()
		return nil
	}
	e.closed.Store(true)
	started := e.started
	e.lifeMu.Unlock()

	close(e.done)
	if e.onClose != nil {
		e.onClose(e)
	} else {
		e.conn.Close()
	}
	e.wg.Wait()
	if !started {
		close(e.frames)
	}
	return nil
}

// Stats returns a snapshot of the endpoint counters.
func (e *Endpoint) Stats() Stats {
	return Stats{
		PacketsIn:  e.packetsIn.Load(),
		PacketsOut: e.packetsOut.Load(),
		BytesIn:    e.bytesIn.Load(),
		BytesOut:   e.bytesOut.Load(),
		Dropped:    e.dropped.Load(),
	}
}
