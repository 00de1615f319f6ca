// Package memlink provides an in-memory link adapter used by tests and by
// the simulator mode of the node binary. Its behavior is fully scriptable:
// availability, signal strength, connect outcomes, frame loss, and
// automatic acknowledgment of reliable chunks.
package memlink

import (
	"sync"

	"github.com/thewriterben/WildCAM-ESP32-sub003/pkg/link"
	"github.com/thewriterben/WildCAM-ESP32-sub003/pkg/protocol"
)

// Adapter implements link.Adapter over in-process buffers.
type Adapter struct {
	mu sync.Mutex

	kind link.Kind
	id   string

	available bool
	rssi      float64
	mtu       int
	cost      float64

	connected bool
	// failConnects makes the next N Connect calls report failure.
	failConnects int
	// connectAttempts counts Connect calls for assertions.
	connectAttempts int

	// autoAck immediately queues an ACK for every reliable chunk sent.
	autoAck bool
	// dropAll silently discards sends (simulates a dead link that still
	// accepts frames at the driver level).
	dropAll bool
	// sendFull makes Send report a full driver queue.
	sendFull bool

	inbox [][]byte // frames to return from Poll
	sent  [][]byte // frames handed to Send, for assertions

	peer *Adapter
}

// New builds a connected-capable adapter of the given kind.
func New(kind link.Kind, id string) *Adapter {
	return &Adapter{
		kind:      kind,
		id:        id,
		available: true,
		rssi:      -50,
		mtu:       1024,
	}
}

// ID returns the network identity this adapter reports.
func (a *Adapter) ID() string { return a.id }

func (a *Adapter) Kind() link.Kind { return a.kind }

func (a *Adapter) IsAvailable() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.available
}

func (a *Adapter) SignalQuality() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	// map rssi -100..-40 onto 0..1 like the selector does
	q := (a.rssi + 100) / 60
	if q < 0 {
		q = 0
	}
	if q > 1 {
		q = 1
	}
	return q
}

func (a *Adapter) RSSI() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rssi
}

func (a *Adapter) Connect(c link.Candidate) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connectAttempts++
	if !a.available || a.failConnects > 0 {
		if a.failConnects > 0 {
			a.failConnects--
		}
		return false
	}
	a.connected = true
	return true
}

func (a *Adapter) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected && a.available
}

func (a *Adapter) Disconnect() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connected = false
}

func (a *Adapter) Send(frame []byte) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected || !a.available || a.sendFull {
		return false
	}
	cp := make([]byte, len(frame))
	copy(cp, frame)
	a.sent = append(a.sent, cp)
	if a.dropAll {
		return true
	}
	if a.peer != nil {
		a.peer.mu.Lock()
		a.peer.inbox = append(a.peer.inbox, cp)
		a.peer.mu.Unlock()
		return true
	}
	if a.autoAck {
		var c protocol.Chunk
		if err := c.UnmarshalBinary(cp); err == nil && c.WantsAck() && !c.IsAck() {
			ack := protocol.Ack(c.TransmissionID, c.Seq, c.Priority)
			if af, err := ack.MarshalBinary(); err == nil {
				a.inbox = append(a.inbox, af)
			}
		}
	}
	return true
}

func (a *Adapter) Poll() link.PollResult {
	a.mu.Lock()
	defer a.mu.Unlock()
	res := link.PollResult{Received: a.inbox}
	a.inbox = nil
	return res
}

func (a *Adapter) MTU() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.mtu
}

func (a *Adapter) CostPerMessage() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cost
}

// --- scripting knobs ---

// SetAvailable toggles link availability; going unavailable also drops an
// established connection.
func (a *Adapter) SetAvailable(v bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.available = v
	if !v {
		a.connected = false
	}
}

func (a *Adapter) SetRSSI(rssi float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rssi = rssi
}

func (a *Adapter) SetMTU(mtu int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.mtu = mtu
}

func (a *Adapter) SetCost(c float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cost = c
}

// SetAutoAck makes the adapter acknowledge every reliable chunk it sends,
// as if a well-behaved gateway sat on the far end.
func (a *Adapter) SetAutoAck(v bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.autoAck = v
}

// SetDropAll accepts sends but delivers nothing, so reliable traffic times
// out.
func (a *Adapter) SetDropAll(v bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.dropAll = v
}

// SetSendFull simulates a full driver queue: Send reports false.
func (a *Adapter) SetSendFull(v bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sendFull = v
}

// FailConnects makes the next n Connect calls fail.
func (a *Adapter) FailConnects(n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failConnects = n
}

// ConnectAttempts returns how many times Connect was called.
func (a *Adapter) ConnectAttempts() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connectAttempts
}

// Deliver injects a raw frame to be returned by the next Poll.
func (a *Adapter) Deliver(frame []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	cp := make([]byte, len(frame))
	copy(cp, frame)
	a.inbox = append(a.inbox, cp)
}

// Sent returns copies of all frames handed to Send.
func (a *Adapter) Sent() [][]byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([][]byte, len(a.sent))
	copy(out, a.sent)
	return out
}

// SentCount returns how many frames Send accepted.
func (a *Adapter) SentCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sent)
}

// ClearSent resets the sent-frame capture.
func (a *Adapter) ClearSent() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sent = nil
}

// PairWith crosses two adapters so frames sent on one arrive in the
// other's inbox, and vice versa.
func PairWith(a, b *Adapter) {
	a.mu.Lock()
	a.peer = b
	a.mu.Unlock()
	b.mu.Lock()
	b.peer = a
	b.mu.Unlock()
}
