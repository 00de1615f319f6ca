// Package delivery implements the reliable delivery engine: it fragments
// payloads to the active link's MTU, schedules chunks through a 5-level
// priority queue, tracks acknowledgments, retransmits with jittered
// exponential backoff, shapes non-critical traffic with a token bucket,
// and defers metered sends that would blow the daily cost cap. Everything
// happens synchronously inside Process against an injected clock.
package delivery

import (
	"math/rand"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/thewriterben/WildCAM-ESP32-sub003/pkg/health"
	"github.com/thewriterben/WildCAM-ESP32-sub003/pkg/link"
	"github.com/thewriterben/WildCAM-ESP32-sub003/pkg/linkstore"
	"github.com/thewriterben/WildCAM-ESP32-sub003/pkg/observability"
	"github.com/thewriterben/WildCAM-ESP32-sub003/pkg/protocol"
)

// serviceRounds bounds chunk-send iterations per Process call so a fat
// fire-and-forget transmission cannot starve the host loop.
const serviceRounds = 32

// maxPendingAcks bounds the outbound ACK backlog while no link is up.
const maxPendingAcks = 64

// LinkProfile identifies one active link for a Process pass: the adapter
// plus the network identity used for history and cost accounting.
type LinkProfile struct {
	Adapter   link.Adapter
	NetworkID string
}

// Config tunes the engine.
type Config struct {
	MaxRetries        int
	InitialRetryDelay time.Duration
	MaxRetryDelay     time.Duration
	AckTimeout        time.Duration
	QueueCapacity     int
	BandwidthLimit    int64 // bytes/sec for non-critical, 0 = unlimited
	MaxDailyCost      float64
	MaxDailyMessages  int
	// DefaultMTU sizes chunks when no link is active at submit time.
	DefaultMTU int
	// ReassemblyMaxAge drops abandoned inbound partials.
	ReassemblyMaxAge time.Duration
	// GCAge keeps terminal transmissions visible to status queries
	// briefly before they are collected.
	GCAge time.Duration
	// RetryBase overrides the per-link-class retry base delay.
	RetryBase map[link.Kind]time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.MaxRetries <= 0 {
		out.MaxRetries = 3
	}
	if out.InitialRetryDelay <= 0 {
		out.InitialRetryDelay = time.Second
	}
	if out.MaxRetryDelay <= 0 {
		out.MaxRetryDelay = 5 * time.Minute
	}
	if out.AckTimeout <= 0 {
		out.AckTimeout = 10 * time.Second
	}
	if out.QueueCapacity <= 0 {
		out.QueueCapacity = 64
	}
	if out.DefaultMTU <= 0 {
		out.DefaultMTU = 1024
	}
	if out.ReassemblyMaxAge <= 0 {
		out.ReassemblyMaxAge = 10 * time.Minute
	}
	if out.GCAge <= 0 {
		out.GCAge = 30 * time.Second
	}
	return out
}

// classFactor scales retry and ACK timing per link class: WiFi-class links
// retry in seconds, satellite-class in minutes.
func classFactor(k link.Kind) time.Duration {
	switch k {
	case link.KindCellular:
		return 2
	case link.KindLoRa:
		return 4
	case link.KindSatellite:
		return 60
	default:
		return 1
	}
}

type transmission struct {
	id          uint32
	destination string
	priority    protocol.Priority
	requireAck  bool
	payload     []byte
	chunks      []protocol.Chunk
	mtu         int
	acked       []bool

	state        TxState
	retryCount   int
	createdAt    time.Time
	deadline     time.Time // zero = none
	notBefore    time.Time // queue eligibility
	nextAction   time.Time // ACK deadline while AWAITING_ACK
	sentAt       time.Time
	inFlightSeq  uint16
	lastError    ErrorKind
	errorEmitted bool
	deferred     bool
	terminalAt   time.Time
}

func (t *transmission) nextUnacked() (uint16, bool) {
	for i, a := range t.acked {
		if !a {
			return uint16(i), true
		}
	}
	return 0, false
}

func (t *transmission) ackedCount() int {
	n := 0
	for _, a := range t.acked {
		if a {
			n++
		}
	}
	return n
}

func (t *transmission) progressPct() float64 {
	if len(t.chunks) == 0 {
		return 0
	}
	return 100 * float64(t.ackedCount()) / float64(len(t.chunks))
}

// Status is the copy-on-read view of a transmission.
type Status struct {
	ID          uint32
	Destination string
	Priority    protocol.Priority
	RequireAck  bool
	State       TxState
	RetryCount  int
	ChunksTotal int
	ChunksAcked int
	Deferred    bool
	LastError   ErrorKind
	CreatedAt   time.Time
}

// Stats aggregates engine counters; reset via ResetStatistics.
type Stats struct {
	Submitted       uint64
	Completed       uint64
	Failed          uint64
	Cancelled       uint64
	BytesSent       uint64
	BytesReceived   uint64
	SendAttempts    uint64
	Retransmits     uint64
	ChecksumErrors  uint64
	PacketsReceived uint64
	QueueDepth      int
}

// Engine is the reliable delivery engine. Not goroutine-safe on its own;
// the facade serializes all calls behind one mutex.
type Engine struct {
	clk     clock.Clock
	cfg     Config
	mon     *health.Monitor
	store   *linkstore.Store
	metrics *observability.TransportMetrics

	bucket    *TokenBucket
	ledger    *Ledger
	queue     *sendQueue
	txs       map[uint32]*transmission
	assembler *protocol.Assembler

	pendingAcks [][]byte
	events      []Event
	stats       Stats
	nextID      uint32
	rng         *rand.Rand
	lastKind    link.Kind

	// bandwidth usage window
	usageStart time.Time
	usageBytes int64
	lastRate   float64
}

// NewEngine builds an engine. mon and store are required; metrics may be
// nil in tests.
func NewEngine(clk clock.Clock, cfg Config, mon *health.Monitor, store *linkstore.Store, metrics *observability.TransportMetrics) *Engine {
	c := cfg.withDefaults()
	return &Engine{
		clk:        clk,
		cfg:        c,
		mon:        mon,
		store:      store,
		metrics:    metrics,
		bucket:     NewTokenBucket(clk, c.BandwidthLimit, c.BandwidthLimit),
		ledger:     NewLedger(clk, c.MaxDailyCost, c.MaxDailyMessages),
		queue:      newSendQueue(c.QueueCapacity),
		txs:        make(map[uint32]*transmission),
		assembler:  protocol.NewAssembler(),
		nextID:     1,
		rng:        rand.New(rand.NewSource(clk.Now().UnixNano())),
		usageStart: clk.Now(),
	}
}

// Submit enqueues a payload for delivery and returns its transmission id.
// mtu sizes the chunks; pass the active link's MTU or zero for the
// configured default. Returns ErrQueueFull synchronously on backpressure.
func (e *Engine) Submit(destination string, payload []byte, prio protocol.Priority, requireAck bool, mtu int) (uint32, error) {
	if len(payload) == 0 {
		return 0, ErrEmptyPayload
	}
	if !prio.Valid() {
		return 0, ErrBadPriority
	}
	if e.queue.full() {
		return 0, ErrQueueFull
	}
	if mtu <= 0 {
		mtu = e.cfg.DefaultMTU
	}
	id := e.nextID
	e.nextID++

	chunks, err := protocol.Split(id, prio, requireAck, payload, mtu)
	if err != nil {
		return 0, err
	}
	t := &transmission{
		id:          id,
		destination: destination,
		priority:    prio,
		requireAck:  requireAck,
		payload:     payload,
		chunks:      chunks,
		mtu:         mtu,
		acked:       make([]bool, len(chunks)),
		state:       StateQueued,
		createdAt:   e.clk.Now(),
	}
	e.txs[id] = t
	e.queue.push(t)
	e.stats.Submitted++
	e.metrics.SetQueueDepth(e.queue.len())
	zap.L().Debug("transmission queued",
		zap.Uint32("id", id),
		zap.Stringer("priority", prio),
		zap.Int("chunks", len(chunks)),
		zap.Bool("require_ack", requireAck))
	return id, nil
}

// SetDeadline attaches an optional absolute deadline to a pending
// transmission; past the deadline it is cancelled instead of retried.
func (e *Engine) SetDeadline(id uint32, deadline time.Time) error {
	t, ok := e.txs[id]
	if !ok {
		return ErrUnknownTransmission
	}
	if t.state.Terminal() {
		return ErrTerminalState
	}
	t.deadline = deadline
	return nil
}

// GetStatus returns the copy-on-read status for id.
func (e *Engine) GetStatus(id uint32) (Status, bool) {
	t, ok := e.txs[id]
	if !ok {
		return Status{}, false
	}
	return Status{
		ID:          t.id,
		Destination: t.destination,
		Priority:    t.priority,
		RequireAck:  t.requireAck,
		State:       t.state,
		RetryCount:  t.retryCount,
		ChunksTotal: len(t.chunks),
		ChunksAcked: t.ackedCount(),
		Deferred:    t.deferred,
		LastError:   t.lastError,
		CreatedAt:   t.createdAt,
	}, true
}

// Cancel marks the transmission cancelled. Scheduling stops immediately;
// a chunk already at the adapter finishes and its late ACK is discarded.
func (e *Engine) Cancel(id uint32) error {
	t, ok := e.txs[id]
	if !ok {
		return ErrUnknownTransmission
	}
	if t.state.Terminal() {
		return ErrTerminalState
	}
	e.queue.remove(id)
	e.terminate(t, StateCancelled, ErrKindCancelled)
	return nil
}

// Retry re-queues a failed or cancelled transmission for a fresh delivery
// attempt, keeping already-acknowledged chunks.
func (e *Engine) Retry(id uint32) error {
	t, ok := e.txs[id]
	if !ok {
		return ErrUnknownTransmission
	}
	if !t.state.Terminal() {
		return ErrNotRetryable
	}
	if t.state == StateCompleted {
		return ErrTerminalState
	}
	if e.queue.full() {
		return ErrQueueFull
	}
	t.state = StateQueued
	t.retryCount = 0
	t.lastError = ErrKindNone
	t.errorEmitted = false
	t.notBefore = time.Time{}
	t.terminalAt = time.Time{}
	e.queue.push(t)
	e.metrics.SetQueueDepth(e.queue.len())
	return nil
}

// GetStatistics returns the running counters.
func (e *Engine) GetStatistics() Stats {
	s := e.stats
	s.QueueDepth = e.queue.len()
	return s
}

// ResetStatistics clears the counters (not the pending transmissions).
func (e *Engine) ResetStatistics() {
	e.stats = Stats{}
}

// SetBandwidthLimit reconfigures the non-critical shaping rate.
func (e *Engine) SetBandwidthLimit(bytesPerSec int64) {
	e.bucket.SetRate(bytesPerSec)
}

// BandwidthUsage returns the recent outbound rate in bytes/sec.
func (e *Engine) BandwidthUsage() float64 {
	now := e.clk.Now()
	elapsed := now.Sub(e.usageStart)
	if elapsed >= time.Second {
		e.lastRate = float64(e.usageBytes) / elapsed.Seconds()
		e.usageStart = now
		e.usageBytes = 0
	}
	return e.lastRate
}

// CriticalPending reports whether any CRITICAL transmission is still in
// flight; the coordinator uses this to hold the dual-mode secondary.
func (e *Engine) CriticalPending() bool {
	for _, t := range e.txs {
		if t.priority == protocol.PriorityCritical && !t.state.Terminal() {
			return true
		}
	}
	return false
}

// PendingCount returns non-terminal transmissions, queued or in flight.
func (e *Engine) PendingCount() int {
	n := 0
	for _, t := range e.txs {
		if !t.state.Terminal() {
			n++
		}
	}
	return n
}

// Process runs one cooperative scheduling pass over the given active
// links (one normally, two in dual-mode) and returns the events produced,
// in completion order. It never blocks and tolerates any adapter error.
func (e *Engine) Process(active []LinkProfile) []Event {
	now := e.clk.Now()

	e.pollInbound(active)
	e.flushAcks(active)
	e.evaluateTimeouts(now)
	e.gc(now)
	e.assembler.Prune(now, e.cfg.ReassemblyMaxAge)

	for i := 0; i < serviceRounds; i++ {
		if !e.serviceOne(active) {
			break
		}
		// Zero-latency links ACK within the same cycle; pick those up
		// so a short healthy transmission completes in one Process.
		e.pollInbound(active)
		e.evaluateTimeouts(e.clk.Now())
	}

	e.metrics.SetQueueDepth(e.queue.len())
	evs := e.events
	e.events = nil
	return evs
}

// HandleInbound feeds one raw frame from outside the adapter poll path
// (e.g., a host-delivered packet) into the engine.
func (e *Engine) HandleInbound(networkID string, frame []byte, active []LinkProfile) {
	e.handleFrame(networkID, frame, active)
}

func (e *Engine) pollInbound(active []LinkProfile) {
	for _, lp := range active {
		res := lp.Adapter.Poll()
		if res.Err != nil {
			e.metrics.IncAdapterErrors()
			zap.L().Warn("adapter poll error",
				zap.Stringer("link", lp.Adapter.Kind()), zap.Error(res.Err))
		}
		for _, frame := range res.Received {
			e.stats.BytesReceived += uint64(len(frame))
			e.metrics.AddBytesReceived(len(frame))
			e.handleFrame(lp.NetworkID, frame, active)
		}
	}
}

func (e *Engine) handleFrame(networkID string, frame []byte, active []LinkProfile) {
	var c protocol.Chunk
	if err := c.UnmarshalBinary(frame); err != nil {
		// Transient by definition: count it, drop it, move on.
		e.stats.ChecksumErrors++
		e.metrics.IncChecksumErrors()
		zap.L().Debug("bad inbound frame", zap.Error(err))
		return
	}
	if c.IsAck() {
		e.handleAck(networkID, c)
		return
	}
	now := e.clk.Now()
	payload, done, err := e.assembler.Add(c, now)
	if err != nil {
		// Impossible Seq/Total geometry; same treatment as a bad CRC.
		e.stats.ChecksumErrors++
		e.metrics.IncChecksumErrors()
		zap.L().Debug("rejected inbound chunk",
			zap.Uint32("id", c.TransmissionID), zap.Error(err))
		return
	}
	if c.WantsAck() {
		ack := protocol.Ack(c.TransmissionID, c.Seq, c.Priority)
		if frame, err := ack.MarshalBinary(); err == nil {
			e.enqueueAck(frame, active)
		}
	}
	if done {
		e.stats.PacketsReceived++
		e.emit(Event{
			Kind:    EventPacketReceived,
			Sender:  networkID,
			Payload: payload,
			At:      now,
		})
	}
}

func (e *Engine) enqueueAck(frame []byte, active []LinkProfile) {
	for _, lp := range active {
		if lp.Adapter.MTU() >= len(frame) && lp.Adapter.Send(frame) {
			e.noteSent(len(frame))
			return
		}
	}
	if len(e.pendingAcks) >= maxPendingAcks {
		e.pendingAcks = e.pendingAcks[1:]
	}
	e.pendingAcks = append(e.pendingAcks, frame)
}

func (e *Engine) flushAcks(active []LinkProfile) {
	if len(e.pendingAcks) == 0 || len(active) == 0 {
		return
	}
	kept := e.pendingAcks[:0]
	for _, frame := range e.pendingAcks {
		sent := false
		for _, lp := range active {
			if lp.Adapter.MTU() >= len(frame) && lp.Adapter.Send(frame) {
				e.noteSent(len(frame))
				sent = true
				break
			}
		}
		if !sent {
			kept = append(kept, frame)
		}
	}
	e.pendingAcks = kept
}

func (e *Engine) handleAck(networkID string, c protocol.Chunk) {
	t, ok := e.txs[c.TransmissionID]
	if !ok || t.state.Terminal() || !t.requireAck {
		return
	}
	seq := int(c.Seq)
	if seq >= len(t.acked) || t.acked[seq] {
		return
	}
	now := e.clk.Now()
	t.acked[seq] = true

	latency := now.Sub(t.sentAt)
	e.mon.RecordOutcome(true, t.chunks[seq].WireSize(), latency)
	e.store.RecordAttempt(networkID, true)

	if _, more := t.nextUnacked(); !more {
		e.complete(t)
		return
	}
	e.emit(Event{
		Kind:           EventProgress,
		TransmissionID: t.id,
		Progress:       t.progressPct(),
		At:             now,
	})
	if t.state == StateAwaitingAck && int(t.inFlightSeq) == seq {
		// Chunk confirmed; line up the next one.
		t.state = StateSending
		t.notBefore = time.Time{}
		e.queue.requeue(t)
	}
}

func (e *Engine) evaluateTimeouts(now time.Time) {
	for _, t := range e.txs {
		if t.state.Terminal() {
			continue
		}
		if !t.deadline.IsZero() && now.After(t.deadline) {
			e.queue.remove(t.id)
			e.terminate(t, StateCancelled, ErrKindCancelled)
			continue
		}
		if t.state != StateAwaitingAck || now.Before(t.nextAction) {
			continue
		}
		// ACK timeout. Transient unless retries are exhausted.
		e.mon.NoteAckTimeout()
		t.lastError = ErrKindAckTimeout
		if t.retryCount >= e.cfg.MaxRetries {
			e.fail(t, ErrKindMaxRetriesExceeded)
			continue
		}
		t.retryCount++
		// A transmission still missing most of its chunks after two
		// full retry cycles is hopeless; fail it early.
		if t.retryCount >= 2 && len(t.chunks) > 1 &&
			float64(t.ackedCount()) < float64(len(t.chunks))/2 {
			e.fail(t, ErrKindMaxRetriesExceeded)
			continue
		}
		delay := e.retryDelay(t.retryCount, e.lastKind)
		t.state = StateRetrying
		t.notBefore = now.Add(delay)
		e.stats.Retransmits++
		e.metrics.IncRetransmits()
		e.queue.requeue(t)
		zap.L().Debug("ack timeout, retrying",
			zap.Uint32("id", t.id),
			zap.Int("retry", t.retryCount),
			zap.Duration("delay", delay))
	}
}

// retryDelay computes min(base * 2^(n-1) * jitter, max) where base scales
// with the link class and jitter is ±20% to avoid synchronized retry
// storms across co-located nodes.
func (e *Engine) retryDelay(n int, kind link.Kind) time.Duration {
	base := e.cfg.InitialRetryDelay * classFactor(kind)
	if override, ok := e.cfg.RetryBase[kind]; ok && override > 0 {
		base = override
	}
	d := base
	for i := 1; i < n; i++ {
		d *= 2
		if d >= e.cfg.MaxRetryDelay {
			d = e.cfg.MaxRetryDelay
			break
		}
	}
	jitter := 0.8 + 0.4*e.rng.Float64()
	d = time.Duration(float64(d) * jitter)
	if d > e.cfg.MaxRetryDelay {
		d = e.cfg.MaxRetryDelay
	}
	return d
}

// serviceOne pops the best eligible transmission and sends one chunk.
// Returns true when it made progress and another round may be useful.
func (e *Engine) serviceOne(active []LinkProfile) bool {
	now := e.clk.Now()
	t, ok := e.queue.popEligible(now)
	if !ok {
		return false
	}
	if len(active) == 0 {
		// No link: park it back; the engine queues rather than fails.
		t.notBefore = time.Time{}
		e.queue.requeue(t)
		return false
	}
	primary := active[0]

	if t.state == StateQueued || t.state == StateRetrying {
		t.state = StateSending
	}
	t.deferred = false

	// Re-fragment when the active link cannot carry the current chunks
	// (a switch landed on a smaller-MTU link). Acked progress is kept
	// only when the chunk geometry is unchanged, so this resets it.
	targets := e.sendTargets(t, active)
	if len(targets) == 0 {
		// Payload exceeds every active link's frame size; re-split.
		if !e.refragment(t, primary) {
			e.queue.requeue(t)
			return false
		}
		targets = e.sendTargets(t, active)
		if len(targets) == 0 {
			e.queue.requeue(t)
			return false
		}
	}

	seq, more := t.nextUnacked()
	if !more {
		e.complete(t)
		return true
	}
	frame, err := t.chunks[seq].MarshalBinary()
	if err != nil {
		e.fail(t, ErrKindMaxRetriesExceeded)
		return true
	}

	// Cost gate: metered links defer NORMAL and below. HIGH and
	// CRITICAL traffic goes out even at the cap.
	cost := primary.Adapter.CostPerMessage()
	if t.priority <= protocol.PriorityNormal && cost > 0 && !e.ledger.Allows(cost) {
		t.deferred = true
		t.lastError = ErrKindCostLimitExceeded
		t.notBefore = e.ledger.NextReset()
		e.queue.requeue(t)
		zap.L().Info("transmission deferred by daily cost cap",
			zap.Uint32("id", t.id), zap.Time("eligible", t.notBefore))
		return true
	}

	// Bandwidth gate: CRITICAL bypasses shaping entirely.
	if t.priority != protocol.PriorityCritical {
		okBW, wait := e.bucket.Allow(int64(len(frame)))
		if !okBW {
			t.notBefore = now.Add(wait)
			e.queue.requeue(t)
			// A CRITICAL entry behind this one must still go out.
			if p, any := e.queue.peekPriority(now); any && p == protocol.PriorityCritical {
				return true
			}
			return false
		}
	}

	sent := false
	for _, lp := range targets {
		if lp.Adapter.Send(frame) {
			sent = true
			e.noteSent(len(frame))
			if c := lp.Adapter.CostPerMessage(); c > 0 {
				e.ledger.Charge(c)
			}
		}
	}
	e.stats.SendAttempts++
	e.metrics.IncSendAttempts()
	if !sent {
		// Driver queue full; retry on a later cycle without penalty.
		t.notBefore = time.Time{}
		e.queue.requeue(t)
		return false
	}

	e.lastKind = primary.Adapter.Kind()
	t.sentAt = now
	t.inFlightSeq = seq

	if t.requireAck {
		t.state = StateAwaitingAck
		t.nextAction = now.Add(e.ackTimeout(primary.Adapter.Kind()))
		return true
	}

	// Fire-and-forget: a handed-off chunk counts as delivered.
	t.acked[seq] = true
	e.mon.RecordOutcome(true, len(frame), 0)
	e.store.RecordAttempt(primary.NetworkID, true)
	if _, rest := t.nextUnacked(); !rest {
		e.complete(t)
	} else {
		e.queue.requeue(t)
	}
	return true
}

// sendTargets returns the links that will carry this chunk: the primary
// only, or every active link for CRITICAL traffic in dual-mode. Links
// whose MTU cannot carry the frame are skipped.
func (e *Engine) sendTargets(t *transmission, active []LinkProfile) []LinkProfile {
	need := protocol.Overhead
	if seq, ok := t.nextUnacked(); ok {
		need = t.chunks[seq].WireSize()
	}
	consider := active[:1]
	if t.priority == protocol.PriorityCritical {
		consider = active
	}
	var out []LinkProfile
	for _, lp := range consider {
		if lp.Adapter.MTU() >= need {
			out = append(out, lp)
		}
	}
	return out
}

func (e *Engine) refragment(t *transmission, primary LinkProfile) bool {
	mtu := primary.Adapter.MTU()
	if mtu == t.mtu {
		return false
	}
	chunks, err := protocol.Split(t.id, t.priority, t.requireAck, t.payload, mtu)
	if err != nil {
		return false
	}
	zap.L().Debug("re-fragmented for smaller link",
		zap.Uint32("id", t.id), zap.Int("mtu", mtu), zap.Int("chunks", len(chunks)))
	t.chunks = chunks
	t.mtu = mtu
	t.acked = make([]bool, len(chunks))
	return true
}

func (e *Engine) ackTimeout(kind link.Kind) time.Duration {
	return e.cfg.AckTimeout * classFactor(kind)
}

func (e *Engine) complete(t *transmission) {
	e.queue.remove(t.id)
	t.state = StateCompleted
	t.terminalAt = e.clk.Now()
	e.stats.Completed++
	e.emit(Event{Kind: EventCompleted, TransmissionID: t.id, At: t.terminalAt})
	zap.L().Info("transmission completed",
		zap.Uint32("id", t.id),
		zap.Stringer("priority", t.priority),
		zap.Int("retries", t.retryCount))
}

func (e *Engine) fail(t *transmission, kind ErrorKind) {
	e.queue.remove(t.id)
	e.mon.RecordOutcome(false, 0, 0)
	e.terminate(t, StateFailed, kind)
}

func (e *Engine) terminate(t *transmission, state TxState, kind ErrorKind) {
	t.state = state
	t.lastError = kind
	t.terminalAt = e.clk.Now()
	switch state {
	case StateFailed:
		e.stats.Failed++
	case StateCancelled:
		e.stats.Cancelled++
	}
	if !t.errorEmitted {
		t.errorEmitted = true
		e.emit(Event{Kind: EventError, TransmissionID: t.id, Error: kind, At: t.terminalAt})
	}
	zap.L().Warn("transmission terminal",
		zap.Uint32("id", t.id),
		zap.Stringer("state", state),
		zap.String("error", kind.String()))
}

func (e *Engine) gc(now time.Time) {
	for id, t := range e.txs {
		if t.state.Terminal() && now.Sub(t.terminalAt) > e.cfg.GCAge {
			delete(e.txs, id)
		}
	}
}

func (e *Engine) noteSent(n int) {
	e.stats.BytesSent += uint64(n)
	e.metrics.AddBytesSent(n)
	e.usageBytes += int64(n)
}

func (e *Engine) emit(ev Event) {
	e.events = append(e.events, ev)
}

// NextDeadline returns the earliest instant the engine needs another
// Process call: the soonest ACK timeout, retry eligibility, or deferred
// send across all pending transmissions.
func (e *Engine) NextDeadline() (time.Time, bool) {
	var best time.Time
	found := false
	consider := func(ts time.Time) {
		if ts.IsZero() {
			return
		}
		if !found || ts.Before(best) {
			best = ts
			found = true
		}
	}
	for _, t := range e.txs {
		if t.state.Terminal() {
			continue
		}
		if t.state == StateAwaitingAck {
			consider(t.nextAction)
		}
		consider(t.notBefore)
		consider(t.deadline)
	}
	return best, found
}
