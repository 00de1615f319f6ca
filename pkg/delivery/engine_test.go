package delivery

import (
	"bytes"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/thewriterben/WildCAM-ESP32-sub003/pkg/health"
	"github.com/thewriterben/WildCAM-ESP32-sub003/pkg/link"
	"github.com/thewriterben/WildCAM-ESP32-sub003/pkg/link/memlink"
	"github.com/thewriterben/WildCAM-ESP32-sub003/pkg/linkstore"
	"github.com/thewriterben/WildCAM-ESP32-sub003/pkg/protocol"
)

func newTestEngine(t *testing.T, cfg Config) (*Engine, *clock.Mock) {
	t.Helper()
	clk := clock.NewMock()
	clk.Set(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	store, err := linkstore.Open(t.TempDir(), clk)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	mon := health.NewMonitor(clk, health.Config{})
	return NewEngine(clk, cfg, mon, store, nil), clk
}

func connectedLink(t *testing.T, kind link.Kind) *memlink.Adapter {
	t.Helper()
	m := memlink.New(kind, kind.String())
	if !m.Connect(link.Candidate{}) {
		t.Fatalf("memlink connect failed")
	}
	return m
}

func profile(m *memlink.Adapter) []LinkProfile {
	return []LinkProfile{{Adapter: m, NetworkID: m.ID()}}
}

func countKind(evs []Event, k EventKind) int {
	n := 0
	for _, ev := range evs {
		if ev.Kind == k {
			n++
		}
	}
	return n
}

func TestHappyPathChunkedDelivery(t *testing.T) {
	eng, _ := newTestEngine(t, Config{})
	lk := connectedLink(t, link.KindWiFi)
	lk.SetAutoAck(true)

	payload := make([]byte, 10_000)
	for i := range payload {
		payload[i] = byte(i)
	}
	id, err := eng.Submit("base", payload, protocol.PriorityNormal, true, lk.MTU())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	evs := eng.Process(profile(lk))
	st, ok := eng.GetStatus(id)
	if !ok || st.State != StateCompleted {
		t.Fatalf("state = %v, want COMPLETED", st.State)
	}
	if countKind(evs, EventCompleted) != 1 {
		t.Fatalf("completed events = %d", countKind(evs, EventCompleted))
	}
	if st.ChunksAcked != st.ChunksTotal || st.ChunksTotal < 2 {
		t.Fatalf("chunks %d/%d", st.ChunksAcked, st.ChunksTotal)
	}
	if st.RetryCount != 0 {
		t.Fatalf("retries = %d on a clean link", st.RetryCount)
	}
	stats := eng.GetStatistics()
	if stats.Completed != 1 || stats.BytesSent == 0 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestFireAndForgetCompletesOnHandoff(t *testing.T) {
	eng, _ := newTestEngine(t, Config{})
	lk := connectedLink(t, link.KindWiFi)

	id, err := eng.Submit("base", []byte("heartbeat"), protocol.PriorityBackground, false, 0)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	eng.Process(profile(lk))
	st, _ := eng.GetStatus(id)
	if st.State != StateCompleted {
		t.Fatalf("state = %v", st.State)
	}
	if lk.SentCount() != 1 {
		t.Fatalf("sent = %d", lk.SentCount())
	}
}

func TestRetryThenExhaustion(t *testing.T) {
	eng, clk := newTestEngine(t, Config{
		MaxRetries:        3,
		InitialRetryDelay: time.Second,
		MaxRetryDelay:     time.Minute,
		AckTimeout:        time.Second,
	})
	lk := connectedLink(t, link.KindWiFi)
	lk.SetDropAll(true) // accepts frames, delivers nothing

	id, err := eng.Submit("base", []byte("still alive?"), protocol.PriorityHigh, true, 0)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	var all []Event
	for i := 0; i < 20; i++ {
		all = append(all, eng.Process(profile(lk))...)
		st, _ := eng.GetStatus(id)
		if st.State.Terminal() {
			break
		}
		clk.Add(8 * time.Second) // past ack timeout and any jittered backoff
	}

	st, _ := eng.GetStatus(id)
	if st.State != StateFailed {
		t.Fatalf("state = %v, want FAILED", st.State)
	}
	if st.RetryCount != 3 {
		t.Fatalf("retries = %d, want 3", st.RetryCount)
	}
	// initial attempt plus three retries
	if lk.SentCount() != 4 {
		t.Fatalf("sends = %d, want 4", lk.SentCount())
	}
	if countKind(all, EventError) != 1 {
		t.Fatalf("error events = %d, want exactly 1", countKind(all, EventError))
	}
	for _, ev := range all {
		if ev.Kind == EventError && ev.Error != ErrKindMaxRetriesExceeded {
			t.Fatalf("error = %v, want MAX_RETRIES_EXCEEDED", ev.Error)
		}
	}
}

func TestMultiChunkGivesUpEarlyWhenMostChunksMissing(t *testing.T) {
	eng, clk := newTestEngine(t, Config{
		MaxRetries:        5,
		InitialRetryDelay: time.Second,
		AckTimeout:        time.Second,
		DefaultMTU:        64,
	})
	lk := connectedLink(t, link.KindWiFi)
	lk.SetDropAll(true)

	id, _ := eng.Submit("base", make([]byte, 200), protocol.PriorityNormal, true, 0)
	for i := 0; i < 20; i++ {
		eng.Process(profile(lk))
		st, _ := eng.GetStatus(id)
		if st.State.Terminal() {
			break
		}
		clk.Add(8 * time.Second)
	}
	st, _ := eng.GetStatus(id)
	if st.State != StateFailed {
		t.Fatalf("state = %v, want FAILED", st.State)
	}
	if st.RetryCount >= 5 {
		t.Fatalf("used all %d retries; early-abandon rule did not fire", st.RetryCount)
	}
}

func TestQueueFullIsSynchronous(t *testing.T) {
	eng, _ := newTestEngine(t, Config{QueueCapacity: 2})
	if _, err := eng.Submit("a", []byte("1"), protocol.PriorityNormal, false, 0); err != nil {
		t.Fatalf("submit 1: %v", err)
	}
	if _, err := eng.Submit("a", []byte("2"), protocol.PriorityNormal, false, 0); err != nil {
		t.Fatalf("submit 2: %v", err)
	}
	if _, err := eng.Submit("a", []byte("3"), protocol.PriorityCritical, false, 0); err != ErrQueueFull {
		t.Fatalf("err = %v, want ErrQueueFull", err)
	}
}

func TestSubmitValidation(t *testing.T) {
	eng, _ := newTestEngine(t, Config{})
	if _, err := eng.Submit("a", nil, protocol.PriorityNormal, false, 0); err != ErrEmptyPayload {
		t.Fatalf("err = %v, want ErrEmptyPayload", err)
	}
	if _, err := eng.Submit("a", []byte("x"), protocol.Priority(9), false, 0); err != ErrBadPriority {
		t.Fatalf("err = %v, want ErrBadPriority", err)
	}
}

func TestCancelQueuedTransmission(t *testing.T) {
	eng, _ := newTestEngine(t, Config{})
	id, _ := eng.Submit("a", []byte("x"), protocol.PriorityNormal, true, 0)
	if err := eng.Cancel(id); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	st, _ := eng.GetStatus(id)
	if st.State != StateCancelled {
		t.Fatalf("state = %v", st.State)
	}
	if err := eng.Cancel(id); err != ErrTerminalState {
		t.Fatalf("double cancel err = %v", err)
	}
	// cancelled entries never reach the link
	lk := connectedLink(t, link.KindWiFi)
	eng.Process(profile(lk))
	if lk.SentCount() != 0 {
		t.Fatalf("cancelled transmission was sent")
	}
}

func TestLateAckAfterCancelIgnored(t *testing.T) {
	eng, clk := newTestEngine(t, Config{AckTimeout: time.Minute})
	lk := connectedLink(t, link.KindWiFi)
	lk.SetDropAll(true)

	id, _ := eng.Submit("a", []byte("x"), protocol.PriorityNormal, true, 0)
	eng.Process(profile(lk)) // chunk handed to the adapter
	if err := eng.Cancel(id); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	// a straggler ACK arrives afterwards
	ack := protocol.Ack(id, 0, protocol.PriorityNormal)
	frame, _ := ack.MarshalBinary()
	lk.SetDropAll(false)
	lk.Deliver(frame)
	clk.Add(time.Second)
	evs := eng.Process(profile(lk))

	st, _ := eng.GetStatus(id)
	if st.State != StateCancelled {
		t.Fatalf("late ack resurrected a cancelled transmission: %v", st.State)
	}
	if countKind(evs, EventCompleted) != 0 {
		t.Fatalf("completion event for a cancelled transmission")
	}
}

func TestManualRetryAfterFailure(t *testing.T) {
	eng, clk := newTestEngine(t, Config{MaxRetries: 1, AckTimeout: time.Second, InitialRetryDelay: time.Second})
	lk := connectedLink(t, link.KindWiFi)
	lk.SetDropAll(true)

	id, _ := eng.Submit("a", []byte("x"), protocol.PriorityNormal, true, 0)
	for i := 0; i < 10; i++ {
		eng.Process(profile(lk))
		st, _ := eng.GetStatus(id)
		if st.State.Terminal() {
			break
		}
		clk.Add(8 * time.Second)
	}
	if st, _ := eng.GetStatus(id); st.State != StateFailed {
		t.Fatalf("setup: state = %v", st.State)
	}

	if err := eng.Retry(id); err != nil {
		t.Fatalf("retry: %v", err)
	}
	lk.SetDropAll(false)
	lk.SetAutoAck(true)
	evs := eng.Process(profile(lk))
	if st, _ := eng.GetStatus(id); st.State != StateCompleted {
		t.Fatalf("state after manual retry = %v", st.State)
	}
	if countKind(evs, EventCompleted) != 1 {
		t.Fatalf("no completion after manual retry")
	}
}

func TestDailyCostCapDefersUntilMidnight(t *testing.T) {
	eng, clk := newTestEngine(t, Config{MaxDailyCost: 1.0})
	lk := connectedLink(t, link.KindSatellite)
	lk.SetAutoAck(true)
	lk.SetCost(0.6)

	a, _ := eng.Submit("base", []byte("first"), protocol.PriorityNormal, true, 0)
	b, _ := eng.Submit("base", []byte("second"), protocol.PriorityNormal, true, 0)
	eng.Process(profile(lk))

	// first fits under the cap, the second waits for the daily reset
	if st, _ := eng.GetStatus(a); st.State != StateCompleted {
		t.Fatalf("first metered send = %v", st.State)
	}
	stB, _ := eng.GetStatus(b)
	if stB.State.Terminal() {
		t.Fatalf("capped send terminated instead of deferred: %v", stB.State)
	}
	if !stB.Deferred {
		t.Fatalf("second send not marked deferred")
	}

	// CRITICAL ignores the cap entirely
	c, _ := eng.Submit("base", []byte("poacher alert"), protocol.PriorityCritical, true, 0)
	eng.Process(profile(lk))
	if st, _ := eng.GetStatus(c); st.State != StateCompleted {
		t.Fatalf("critical send blocked by cost cap: %v", st.State)
	}

	// midnight: the deferred send goes out
	clk.Set(time.Date(2026, 3, 2, 0, 1, 0, 0, time.UTC))
	eng.Process(profile(lk))
	if st, _ := eng.GetStatus(b); st.State != StateCompleted {
		t.Fatalf("deferred send not released after reset: %v", st.State)
	}
}

func TestHighPriorityIgnoresCostCap(t *testing.T) {
	eng, _ := newTestEngine(t, Config{MaxDailyCost: 1.0})
	lk := connectedLink(t, link.KindSatellite)
	lk.SetAutoAck(true)
	lk.SetCost(0.6)

	a, _ := eng.Submit("base", []byte("routine reading"), protocol.PriorityNormal, true, 0)
	eng.Process(profile(lk))
	if st, _ := eng.GetStatus(a); st.State != StateCompleted {
		t.Fatalf("setup send = %v", st.State)
	}

	// the remaining budget (0.4) no longer covers a send; HIGH goes out
	// anyway, only NORMAL and below wait for the reset
	h, _ := eng.Submit("base", []byte("camera fault"), protocol.PriorityHigh, true, 0)
	n, _ := eng.Submit("base", []byte("routine reading"), protocol.PriorityNormal, true, 0)
	eng.Process(profile(lk))

	if st, _ := eng.GetStatus(h); st.State != StateCompleted {
		t.Fatalf("high-priority send held at the cost cap: %v, deferred=%v", st.State, st.Deferred)
	}
	st, _ := eng.GetStatus(n)
	if !st.Deferred || st.State.Terminal() {
		t.Fatalf("normal send at the cap: state=%v deferred=%v", st.State, st.Deferred)
	}
}

func TestBandwidthShapingSparesCritical(t *testing.T) {
	eng, clk := newTestEngine(t, Config{BandwidthLimit: 1000})
	lk := connectedLink(t, link.KindWiFi)

	n1, _ := eng.Submit("base", make([]byte, 500), protocol.PriorityNormal, false, 0)
	n2, _ := eng.Submit("base", make([]byte, 500), protocol.PriorityNormal, false, 0)
	c, _ := eng.Submit("base", make([]byte, 500), protocol.PriorityCritical, false, 0)
	eng.Process(profile(lk))

	if st, _ := eng.GetStatus(c); st.State != StateCompleted {
		t.Fatalf("critical shaped: %v", st.State)
	}
	if st, _ := eng.GetStatus(n1); st.State != StateCompleted {
		t.Fatalf("first normal send should fit the bucket: %v", st.State)
	}
	if st, _ := eng.GetStatus(n2); st.State.Terminal() {
		t.Fatalf("throttled send terminated: %v", st.State)
	}

	clk.Add(2 * time.Second) // bucket refills
	eng.Process(profile(lk))
	if st, _ := eng.GetStatus(n2); st.State != StateCompleted {
		t.Fatalf("throttled send never released: %v", st.State)
	}
}

func TestSustainedThroughputUnderBandwidthCap(t *testing.T) {
	eng, clk := newTestEngine(t, Config{BandwidthLimit: 500, DefaultMTU: 200})
	lk := connectedLink(t, link.KindWiFi)

	start := clk.Now()
	var ids []uint32
	for i := 0; i < 5; i++ {
		id, err := eng.Submit("base", make([]byte, 1024), protocol.PriorityLow, false, 0)
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		ids = append(ids, id)
	}

	allDone := func() bool {
		for _, id := range ids {
			if st, _ := eng.GetStatus(id); st.State != StateCompleted {
				return false
			}
		}
		return true
	}

	var finish time.Time
	for i := 0; i < 200; i++ {
		eng.Process(profile(lk))
		if allDone() {
			finish = clk.Now()
			break
		}
		clk.Add(100 * time.Millisecond)
	}
	if finish.IsZero() {
		t.Fatalf("shaped transfers never completed")
	}
	// five 1 KB payloads plus framing at 500 B/s cannot land under 10 s
	if elapsed := finish.Sub(start); elapsed < 10*time.Second {
		t.Fatalf("5x1KB at 500 B/s finished in %v, shaping not applied", elapsed)
	} else if elapsed > 15*time.Second {
		t.Fatalf("shaped transfer overshot: %v", elapsed)
	}
}

func TestInboundReassemblyAndAutoAck(t *testing.T) {
	eng, _ := newTestEngine(t, Config{})
	lk := connectedLink(t, link.KindWiFi)

	payload := []byte("inbound command: set burst mode")
	chunks, err := protocol.Split(901, protocol.PriorityNormal, true, payload, 24)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	// deliver out of order
	for i := len(chunks) - 1; i >= 0; i-- {
		frame, _ := chunks[i].MarshalBinary()
		lk.Deliver(frame)
	}
	evs := eng.Process(profile(lk))

	if countKind(evs, EventPacketReceived) != 1 {
		t.Fatalf("packet events = %d", countKind(evs, EventPacketReceived))
	}
	for _, ev := range evs {
		if ev.Kind == EventPacketReceived && !bytes.Equal(ev.Payload, payload) {
			t.Fatalf("reassembled payload differs")
		}
	}
	// every reliable chunk must have been acknowledged back
	acks := 0
	for _, f := range lk.Sent() {
		var c protocol.Chunk
		if err := c.UnmarshalBinary(f); err == nil && c.IsAck() {
			acks++
		}
	}
	if acks != len(chunks) {
		t.Fatalf("acks sent = %d, want %d", acks, len(chunks))
	}
}

func TestCorruptInboundCountedAndDropped(t *testing.T) {
	eng, _ := newTestEngine(t, Config{})
	lk := connectedLink(t, link.KindWiFi)

	chunks, _ := protocol.Split(902, protocol.PriorityNormal, false, []byte("abc"), 64)
	frame, _ := chunks[0].MarshalBinary()
	frame[2] ^= 0xFF
	lk.Deliver(frame)
	evs := eng.Process(profile(lk))

	if countKind(evs, EventPacketReceived) != 0 {
		t.Fatalf("corrupt frame produced a packet event")
	}
	if eng.GetStatistics().ChecksumErrors != 1 {
		t.Fatalf("checksum errors = %d", eng.GetStatistics().ChecksumErrors)
	}
}

func TestInboundSeqOutsideTotalDropped(t *testing.T) {
	eng, _ := newTestEngine(t, Config{})
	lk := connectedLink(t, link.KindWiFi)

	// CRC-clean frame whose header claims seq 5 of 2; it must not be
	// acked and must never surface as a received packet
	bad := protocol.Chunk{
		TransmissionID: 903,
		Seq:            5,
		Total:          2,
		Priority:       protocol.PriorityNormal,
		Flags:          protocol.FlagRequireAck,
		Payload:        []byte("zzz"),
	}
	frame, err := bad.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	lk.Deliver(frame)
	evs := eng.Process(profile(lk))

	if countKind(evs, EventPacketReceived) != 0 {
		t.Fatalf("out-of-bounds chunk produced a packet event")
	}
	if eng.GetStatistics().ChecksumErrors != 1 {
		t.Fatalf("checksum errors = %d, want 1", eng.GetStatistics().ChecksumErrors)
	}
	for _, f := range lk.Sent() {
		var c protocol.Chunk
		if c.UnmarshalBinary(f) == nil && c.IsAck() {
			t.Fatalf("out-of-bounds chunk was acked")
		}
	}
}

func TestDuplicateAckIgnored(t *testing.T) {
	eng, _ := newTestEngine(t, Config{AckTimeout: time.Minute})
	lk := connectedLink(t, link.KindWiFi)

	id, _ := eng.Submit("base", []byte("x"), protocol.PriorityNormal, true, 0)
	lk.SetDropAll(true)
	eng.Process(profile(lk))
	lk.SetDropAll(false)

	ack := protocol.Ack(id, 0, protocol.PriorityNormal)
	frame, _ := ack.MarshalBinary()
	lk.Deliver(frame)
	lk.Deliver(frame)
	evs := eng.Process(profile(lk))

	if countKind(evs, EventCompleted) != 1 {
		t.Fatalf("completed events = %d, want 1", countKind(evs, EventCompleted))
	}
}

func TestCriticalPendingAndDualSend(t *testing.T) {
	eng, _ := newTestEngine(t, Config{AckTimeout: time.Minute})
	primary := connectedLink(t, link.KindLoRa)
	primary.SetDropAll(true)
	secondary := connectedLink(t, link.KindWiFi)
	secondary.SetDropAll(true)

	id, _ := eng.Submit("base", []byte("poacher alert"), protocol.PriorityCritical, true, 0)
	if !eng.CriticalPending() {
		t.Fatalf("critical not reported pending")
	}
	both := []LinkProfile{
		{Adapter: primary, NetworkID: "lora"},
		{Adapter: secondary, NetworkID: "wifi"},
	}
	eng.Process(both)
	if primary.SentCount() != 1 || secondary.SentCount() != 1 {
		t.Fatalf("dual send = %d/%d, want 1/1", primary.SentCount(), secondary.SentCount())
	}

	// an ACK via either link completes it
	ack := protocol.Ack(id, 0, protocol.PriorityCritical)
	frame, _ := ack.MarshalBinary()
	secondary.SetDropAll(false)
	secondary.Deliver(frame)
	eng.Process(both)
	if st, _ := eng.GetStatus(id); st.State != StateCompleted {
		t.Fatalf("state = %v", st.State)
	}
	if eng.CriticalPending() {
		t.Fatalf("critical still pending after completion")
	}
}

func TestNoLinkQueuesInsteadOfFailing(t *testing.T) {
	eng, _ := newTestEngine(t, Config{})
	id, _ := eng.Submit("base", []byte("x"), protocol.PriorityNormal, true, 0)
	eng.Process(nil)
	st, _ := eng.GetStatus(id)
	if st.State.Terminal() {
		t.Fatalf("offline submit terminated: %v", st.State)
	}

	lk := connectedLink(t, link.KindWiFi)
	lk.SetAutoAck(true)
	eng.Process(profile(lk))
	if st, _ := eng.GetStatus(id); st.State != StateCompleted {
		t.Fatalf("state = %v once a link appeared", st.State)
	}
}

func TestRefragmentForSmallerLink(t *testing.T) {
	eng, _ := newTestEngine(t, Config{AckTimeout: time.Minute})
	big := connectedLink(t, link.KindWiFi) // MTU 1024

	id, _ := eng.Submit("base", make([]byte, 900), protocol.PriorityNormal, true, big.MTU())

	small := connectedLink(t, link.KindLoRa)
	small.SetMTU(128)
	small.SetAutoAck(true)
	eng.Process(profile(small))

	st, _ := eng.GetStatus(id)
	if st.State != StateCompleted {
		t.Fatalf("state = %v on the smaller link", st.State)
	}
	if st.ChunksTotal < 8 {
		t.Fatalf("chunks = %d, payload was not re-fragmented", st.ChunksTotal)
	}
}

func TestNextDeadlineCoversRetry(t *testing.T) {
	eng, clk := newTestEngine(t, Config{AckTimeout: time.Second})
	lk := connectedLink(t, link.KindWiFi)
	lk.SetDropAll(true)

	eng.Submit("base", []byte("x"), protocol.PriorityNormal, true, 0)
	eng.Process(profile(lk))

	ts, ok := eng.NextDeadline()
	if !ok {
		t.Fatalf("no deadline while awaiting ack")
	}
	if ts.Sub(clk.Now()) > time.Second {
		t.Fatalf("deadline %v too far out", ts.Sub(clk.Now()))
	}
}

func TestResetStatistics(t *testing.T) {
	eng, _ := newTestEngine(t, Config{})
	lk := connectedLink(t, link.KindWiFi)
	eng.Submit("base", []byte("x"), protocol.PriorityNormal, false, 0)
	eng.Process(profile(lk))
	if eng.GetStatistics().Submitted != 1 {
		t.Fatalf("stats not counted")
	}
	eng.ResetStatistics()
	if s := eng.GetStatistics(); s.Submitted != 0 || s.Completed != 0 {
		t.Fatalf("reset left residue: %+v", s)
	}
}
