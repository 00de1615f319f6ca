// Package node ties the transport together behind one facade: the link
// adapters, the quality monitor, the selector, the fallback coordinator,
// and the delivery engine, all serialized behind a single mutex and
// advanced by cooperative Process calls against an injected clock.
package node

import (
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/thewriterben/WildCAM-ESP32-sub003/pkg/config"
	"github.com/thewriterben/WildCAM-ESP32-sub003/pkg/delivery"
	"github.com/thewriterben/WildCAM-ESP32-sub003/pkg/fallback"
	"github.com/thewriterben/WildCAM-ESP32-sub003/pkg/health"
	"github.com/thewriterben/WildCAM-ESP32-sub003/pkg/link"
	"github.com/thewriterben/WildCAM-ESP32-sub003/pkg/linkstore"
	"github.com/thewriterben/WildCAM-ESP32-sub003/pkg/observability"
	"github.com/thewriterben/WildCAM-ESP32-sub003/pkg/protocol"
	"github.com/thewriterben/WildCAM-ESP32-sub003/pkg/protocol/codec"
	"github.com/thewriterben/WildCAM-ESP32-sub003/pkg/selector"
)

// eventBufferSize bounds the application event channel. When the consumer
// lags, the oldest events are dropped and counted rather than blocking the
// transport.
const eventBufferSize = 128

// Node is the transport facade. All methods are safe for concurrent use;
// internally one mutex serializes every subsystem.
type Node struct {
	clk     clock.Clock
	metrics *observability.TransportMetrics

	mu      sync.Mutex
	mon     *health.Monitor
	store   *linkstore.Store
	sel     *selector.Selector
	coord   *fallback.Coordinator
	engine  *delivery.Engine
	adapter map[link.Kind]link.Adapter
	codecs  *codec.Registry

	events        chan delivery.Event
	eventsDropped uint64
	lastHealth    time.Time
	healthEvery   time.Duration
	closed        bool
}

// New assembles a node from configuration and the given adapters. The
// linkstore snapshot is loaded from cfg.DataDir; a missing or corrupt
// snapshot starts empty.
func New(clk clock.Clock, cfg *config.Config, adapters map[link.Kind]link.Adapter, metrics *observability.TransportMetrics) (*Node, error) {
	store, err := linkstore.Open(cfg.DataDir, clk)
	if err != nil {
		return nil, err
	}

	mon := health.NewMonitor(clk, health.Config{
		WindowSize:  cfg.Health.WindowSize,
		MaxLossRate: cfg.Health.MaxLossRate,
		MaxLatency:  time.Duration(cfg.Health.MaxLatencyMs) * time.Millisecond,
		MinRSSI:     cfg.Health.MinRSSIDBm,
		Interval:    time.Duration(cfg.Health.CheckIntervalMs) * time.Millisecond,
	})

	minRSSI := make(map[link.Kind]float64)
	if cfg.Selection.WiFiRSSIThresholdDBm != 0 {
		minRSSI[link.KindWiFi] = cfg.Selection.WiFiRSSIThresholdDBm
	}
	if cfg.Selection.LoRaRSSIThresholdDBm != 0 {
		minRSSI[link.KindLoRa] = cfg.Selection.LoRaRSSIThresholdDBm
	}

	sel := selector.New(clk, selector.Config{
		Preferred:        link.ParseKind(cfg.Selection.PreferredLink),
		MinRSSI:          minRSSI,
		HysteresisMargin: cfg.Selection.HysteresisMargin,
		MaxCandidateAge:  time.Duration(cfg.Selection.MaxCandidateAgeMs) * time.Millisecond,
		ScanTimeout:      time.Duration(cfg.Selection.ScanTimeoutMs) * time.Millisecond,
	}, store)

	coord := fallback.New(clk, fallback.Config{
		AutoFallback:       cfg.Fallback.AutoFallbackEnabled,
		AllowDualMode:      cfg.Fallback.AllowDualMode,
		SwitchDebounce:     time.Duration(cfg.Fallback.SwitchDebounceMs) * time.Millisecond,
		ConnectTimeout:     time.Duration(cfg.Fallback.ConnectionTimeoutMs) * time.Millisecond,
		MaxConnectAttempts: cfg.Fallback.MaxReconnectAttempts,
		OptimizeInterval:   time.Duration(cfg.Fallback.OptimizeIntervalMs) * time.Millisecond,
	}, adapters, sel, mon)

	eng := delivery.NewEngine(clk, delivery.Config{
		MaxRetries:        cfg.Delivery.MaxRetries,
		InitialRetryDelay: time.Duration(cfg.Delivery.InitialRetryDelayMs) * time.Millisecond,
		MaxRetryDelay:     time.Duration(cfg.Delivery.MaxRetryDelayMs) * time.Millisecond,
		AckTimeout:        time.Duration(cfg.Delivery.AckTimeoutMs) * time.Millisecond,
		QueueCapacity:     cfg.Delivery.QueueCapacity,
		BandwidthLimit:    cfg.Delivery.BandwidthLimitBytesPerSec,
		MaxDailyCost:      cfg.Delivery.MaxDailyCost,
		MaxDailyMessages:  cfg.Delivery.MaxDailyMessages,
	}, mon, store, metrics)

	cb, err := codec.CBOR()
	if err != nil {
		return nil, err
	}
	codecs := codec.NewRegistry()
	codecs.Register(cb)

	n := &Node{
		clk:         clk,
		metrics:     metrics,
		mon:         mon,
		store:       store,
		sel:         sel,
		coord:       coord,
		engine:      eng,
		adapter:     adapters,
		codecs:      codecs,
		events:      make(chan delivery.Event, eventBufferSize),
		healthEvery: time.Duration(cfg.Health.CheckIntervalMs) * time.Millisecond,
	}
	if n.healthEvery <= 0 {
		n.healthEvery = 30 * time.Second
	}
	return n, nil
}

// Events returns the typed event stream: completions, terminal errors,
// progress, inbound packets, and link transitions, in occurrence order.
// The channel is never closed; when the consumer lags, the oldest events
// are dropped and counted.
func (n *Node) Events() <-chan delivery.Event { return n.events }

// TransmitData queues a payload for reliable delivery and returns its
// transmission id immediately. A full queue fails synchronously with
// delivery.ErrQueueFull.
func (n *Node) TransmitData(destination string, payload []byte, prio protocol.Priority, requireAck bool) (uint32, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	mtu := 0
	if ad, ok := n.coord.Active(); ok {
		mtu = ad.MTU()
	}
	return n.engine.Submit(destination, payload, prio, requireAck, mtu)
}

// TransmissionStatus returns the current state of a transmission.
func (n *Node) TransmissionStatus(id uint32) (delivery.Status, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.engine.GetStatus(id)
}

// CancelTransmission stops scheduling a pending transmission.
func (n *Node) CancelTransmission(id uint32) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	err := n.engine.Cancel(id)
	n.drainEngineEvents()
	return err
}

// RetryTransmission re-queues a failed transmission.
func (n *Node) RetryTransmission(id uint32) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.engine.Retry(id)
}

// RequestSwitch forces a manual switch to the given link kind, bypassing
// the automatic-switch debounce.
func (n *Node) RequestSwitch(kind link.Kind) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.coord.RequestSwitch(kind)
}

// State returns the coordinator state.
func (n *Node) State() fallback.State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.coord.State()
}

// ActiveLink returns the kind of the link carrying traffic, KindNone when
// disconnected or mid-switch.
func (n *Node) ActiveLink() link.Kind {
	n.mu.Lock()
	defer n.mu.Unlock()
	if c, ok := n.coord.ActiveCandidate(); ok {
		return c.Kind
	}
	return link.KindNone
}

// SetBandwidthLimit reconfigures non-critical traffic shaping at runtime.
func (n *Node) SetBandwidthLimit(bytesPerSec int64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.engine.SetBandwidthLimit(bytesPerSec)
}

// BandwidthUsage returns the recent outbound rate in bytes/sec.
func (n *Node) BandwidthUsage() float64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.engine.BandwidthUsage()
}

// Statistics is the aggregate snapshot returned by GetStatistics.
type Statistics struct {
	Delivery      delivery.Stats
	Health        health.Metrics
	State         fallback.State
	ActiveLink    link.Kind
	EventsDropped uint64
	KnownNetworks int
}

// GetStatistics returns a point-in-time aggregate across subsystems.
func (n *Node) GetStatistics() Statistics {
	n.mu.Lock()
	defer n.mu.Unlock()
	st := Statistics{
		Delivery:      n.engine.GetStatistics(),
		Health:        n.mon.Snapshot(),
		State:         n.coord.State(),
		EventsDropped: n.eventsDropped,
		KnownNetworks: n.store.Len(),
	}
	if c, ok := n.coord.ActiveCandidate(); ok {
		st.ActiveLink = c.Kind
	}
	return st
}

// ResetStatistics clears delivery counters and health windows; pending
// transmissions are unaffected.
func (n *Node) ResetStatistics() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.engine.ResetStatistics()
	n.mon.ResetStatistics()
	n.eventsDropped = 0
}

// Diagnostics bundles everything a field technician needs in one read.
type Diagnostics struct {
	State      fallback.State `json:"state"`
	ActiveLink link.Kind      `json:"active_link"`
	Health     health.Report  `json:"health"`
	Issues     []health.Issue `json:"issues,omitempty"`
	Advice     []string       `json:"advice,omitempty"`
	Pending    int            `json:"pending"`
}

// GetDiagnostics returns the current diagnostic dump.
func (n *Node) GetDiagnostics() Diagnostics {
	n.mu.Lock()
	defer n.mu.Unlock()
	d := Diagnostics{
		State:   n.coord.State(),
		Health:  n.mon.DiagnosticReport(),
		Issues:  n.mon.ActiveIssues(),
		Advice:  n.mon.Recommendations(),
		Pending: n.engine.PendingCount(),
	}
	if c, ok := n.coord.ActiveCandidate(); ok {
		d.ActiveLink = c.Kind
	}
	return d
}

// ExportDiagnostics marshals the diagnostic dump for retrieval by a field
// tool: application/json for operators, application/cbor for compact
// storage on a collection device. An empty contentType selects JSON.
func (n *Node) ExportDiagnostics(contentType string) ([]byte, error) {
	if contentType == "" {
		contentType = "application/json"
	}
	c := n.codecs.Get(contentType)
	if c == nil {
		return nil, fmt.Errorf("node: no codec for %q", contentType)
	}
	return c.Marshal(n.GetDiagnostics())
}

// HandleInbound feeds a raw frame that arrived outside the adapter poll
// path, e.g. pushed in by the host application.
func (n *Node) HandleInbound(networkID string, frame []byte) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.engine.HandleInbound(networkID, frame, n.activeProfiles())
	n.drainEngineEvents()
}

// Process advances every subsystem one step: health metrics on their
// interval, the fallback state machine, then the delivery engine. The
// host calls it from its main loop, timed by NextDeadline.
func (n *Node) Process() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	now := n.clk.Now()

	if n.lastHealth.IsZero() || now.Sub(n.lastHealth) >= n.healthEvery {
		n.lastHealth = now
		if ad, ok := n.coord.Active(); ok {
			n.mon.ObserveSignal(ad.RSSI())
		}
		n.mon.UpdateMetrics()
		n.coord.NoteHealthCheck(n.mon.Healthy())
	}

	n.coord.SetCriticalInFlight(n.engine.CriticalPending())
	for _, ch := range n.coord.Process() {
		n.emitChange(ch)
	}

	evs := n.engine.Process(n.activeProfiles())
	for _, ev := range evs {
		n.emit(ev)
	}

	// Completions may have drained the last CRITICAL send; release the
	// dual-mode secondary without waiting a cycle.
	n.coord.SetCriticalInFlight(n.engine.CriticalPending())
}

// NextDeadline returns the earliest instant Process needs to run again:
// the soonest retry, ACK timeout, connect backoff, or health tick.
func (n *Node) NextDeadline() time.Time {
	n.mu.Lock()
	defer n.mu.Unlock()
	best := n.lastHealth.Add(n.healthEvery)
	if n.lastHealth.IsZero() {
		best = n.clk.Now()
	}
	if ts, ok := n.engine.NextDeadline(); ok && ts.Before(best) {
		best = ts
	}
	if ts, ok := n.coord.NextDeadline(); ok && ts.Before(best) {
		best = ts
	}
	return best
}

// Close persists link history and disconnects every adapter.
func (n *Node) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil
	}
	n.closed = true
	for _, ad := range n.adapter {
		if ad.Connected() {
			ad.Disconnect()
		}
	}
	if err := n.store.Save(); err != nil {
		zap.L().Warn("link history save failed", zap.Error(err))
		return err
	}
	return nil
}

func (n *Node) activeProfiles() []delivery.LinkProfile {
	ads := n.coord.ActiveAdapters()
	out := make([]delivery.LinkProfile, 0, len(ads))
	for _, ad := range ads {
		out = append(out, delivery.LinkProfile{
			Adapter:   ad,
			NetworkID: ad.Kind().String(),
		})
	}
	return out
}

func (n *Node) drainEngineEvents() {
	for _, ev := range n.engine.Process(nil) {
		n.emit(ev)
	}
}

func (n *Node) emitChange(ch fallback.Change) {
	switch {
	case ch.To == fallback.StateDisconnected:
		n.emit(delivery.Event{
			Kind:   delivery.EventLinkLost,
			Link:   ch.Link,
			Reason: string(ch.Reason),
			At:     ch.At,
		})
	case ch.To != fallback.StateSwitching:
		n.emit(delivery.Event{
			Kind:   delivery.EventLinkSwitched,
			Link:   ch.Link,
			Reason: string(ch.Reason),
			At:     ch.At,
		})
		n.metrics.IncLinkSwitches()
		n.metrics.SetActiveLink(int(ch.Link))
	}
}

func (n *Node) emit(ev delivery.Event) {
	select {
	case n.events <- ev:
	default:
		// consumer lagging: drop the oldest, keep the newest
		select {
		case <-n.events:
		default:
		}
		n.eventsDropped++
		n.metrics.IncEventsDropped()
		select {
		case n.events <- ev:
		default:
		}
	}
}
