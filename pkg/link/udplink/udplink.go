// Package udplink adapts a UDP socket to the link.Adapter surface. It is
// the reference network-backed adapter: one datagram per chunk, a
// background reader feeding a bounded inbox drained by Poll, and an
// availability probe that checks the local interface state.
package udplink

import (
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/thewriterben/WildCAM-ESP32-sub003/pkg/link"
)

const (
	defaultMTU = 1400
	inboxCap   = 64
	readBuf    = 64 * 1024
)

// Options configures an Adapter.
type Options struct {
	// Kind reported to the selector. UDP backs WiFi-class links in
	// practice but any kind may be simulated over it.
	Kind link.Kind
	// Remote is the gateway address datagrams are sent to.
	Remote string
	// MTU caps the datagram size; zero means the 1400-byte default.
	MTU int
	// CostPerMessage charges the ledger per datagram; zero for unmetered.
	CostPerMessage float64
	// RSSI is reported as-is; radio hardware would measure this.
	RSSI float64
}

// Adapter carries chunks as single datagrams over a connected UDP socket.
type Adapter struct {
	opts Options

	mu      sync.Mutex
	conn    *net.UDPConn
	inbox   [][]byte
	dropped int
	closed  chan struct{}
}

func New(opts Options) *Adapter {
	if opts.MTU <= 0 {
		opts.MTU = defaultMTU
	}
	if opts.Kind == link.KindNone {
		opts.Kind = link.KindWiFi
	}
	if opts.RSSI == 0 {
		opts.RSSI = -60
	}
	return &Adapter{opts: opts}
}

func (a *Adapter) Kind() link.Kind { return a.opts.Kind }

// IsAvailable reports whether the remote address resolves; resolution
// failure is the cheapest local signal that the uplink is gone.
func (a *Adapter) IsAvailable() bool {
	_, err := net.ResolveUDPAddr("udp", a.opts.Remote)
	return err == nil
}

func (a *Adapter) SignalQuality() float64 {
	q := (a.opts.RSSI + 100) / 60
	if q < 0 {
		q = 0
	}
	if q > 1 {
		q = 1
	}
	return q
}

func (a *Adapter) RSSI() float64 { return a.opts.RSSI }

func (a *Adapter) Connect(_ link.Candidate) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn != nil {
		return true
	}
	raddr, err := net.ResolveUDPAddr("udp", a.opts.Remote)
	if err != nil {
		zap.L().Warn("udplink resolve failed", zap.String("remote", a.opts.Remote), zap.Error(err))
		return false
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		zap.L().Warn("udplink dial failed", zap.String("remote", a.opts.Remote), zap.Error(err))
		return false
	}
	a.conn = conn
	a.closed = make(chan struct{})
	go a.recvLoop(conn, a.closed)
	return true
}

func (a *Adapter) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.conn != nil
}

func (a *Adapter) Disconnect() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil {
		return
	}
	close(a.closed)
	_ = a.conn.Close()
	a.conn = nil
	a.inbox = nil
}

// Send writes one datagram. A frame larger than the MTU or a closed
// socket reports false; the caller re-fragments or re-queues.
func (a *Adapter) Send(frame []byte) bool {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil || len(frame) > a.opts.MTU {
		return false
	}
	if _, err := conn.Write(frame); err != nil {
		zap.L().Debug("udplink write failed", zap.Error(err))
		return false
	}
	return true
}

func (a *Adapter) Poll() link.PollResult {
	a.mu.Lock()
	defer a.mu.Unlock()
	res := link.PollResult{Received: a.inbox}
	a.inbox = nil
	a.dropped = 0
	return res
}

func (a *Adapter) MTU() int { return a.opts.MTU }

func (a *Adapter) CostPerMessage() float64 { return a.opts.CostPerMessage }

func (a *Adapter) recvLoop(conn *net.UDPConn, closed chan struct{}) {
	buf := make([]byte, readBuf)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			select {
			case <-closed:
			default:
				zap.L().Debug("udplink read loop exit", zap.Error(err))
			}
			return
		}
		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		a.mu.Lock()
		if len(a.inbox) >= inboxCap {
			// inbox full between polls; drop oldest
			a.inbox = a.inbox[1:]
			a.dropped++
		}
		a.inbox = append(a.inbox, pkt)
		a.mu.Unlock()
	}
}
