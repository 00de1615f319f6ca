// Package fallback owns the single active-link concept. A small state
// machine brings links up with bounded, backed-off connect attempts,
// switches away when the health monitor degrades or a strictly better
// candidate appears, and enforces a debounce dwell between automatic
// switches. With dual-mode enabled, the previous link is kept alive while
// a CRITICAL transmission is in flight so the payload can be attempted on
// both.
package fallback

import (
	"errors"
	"sort"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/thewriterben/WildCAM-ESP32-sub003/pkg/health"
	"github.com/thewriterben/WildCAM-ESP32-sub003/pkg/link"
	"github.com/thewriterben/WildCAM-ESP32-sub003/pkg/protocol"
	"github.com/thewriterben/WildCAM-ESP32-sub003/pkg/selector"
)

// State identifies the coordinator's position in its lifecycle. There is
// no terminal state; the machine runs for the node's lifetime.
type State int

const (
	StateDisconnected State = iota
	StateWiFiActive
	StateLoRaActive
	StateCellularActive
	StateSatelliteActive
	StateSwitching
)

func (s State) String() string {
	switch s {
	case StateWiFiActive:
		return "wifi_active"
	case StateLoRaActive:
		return "lora_active"
	case StateCellularActive:
		return "cellular_active"
	case StateSatelliteActive:
		return "satellite_active"
	case StateSwitching:
		return "switching"
	default:
		return "disconnected"
	}
}

// MarshalText renders the state name in JSON diagnostics exports.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText parses a state name; unknown names map to DISCONNECTED.
func (s *State) UnmarshalText(text []byte) error {
	for _, st := range []State{StateWiFiActive, StateLoRaActive, StateCellularActive, StateSatelliteActive, StateSwitching} {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	*s = StateDisconnected
	return nil
}

func activeStateFor(k link.Kind) State {
	switch k {
	case link.KindWiFi:
		return StateWiFiActive
	case link.KindLoRa:
		return StateLoRaActive
	case link.KindCellular:
		return StateCellularActive
	case link.KindSatellite:
		return StateSatelliteActive
	default:
		return StateDisconnected
	}
}

// Reason labels what triggered a switch.
type Reason string

const (
	ReasonManual       Reason = "manual"
	ReasonHealth       Reason = "health"
	ReasonAckTimeouts  Reason = "ack_timeouts"
	ReasonOptimization Reason = "optimization"
	ReasonInitial      Reason = "initial"
	ReasonEmergency    Reason = "emergency"
)

var (
	// ErrLinkUnavailable is surfaced when every candidate is exhausted;
	// the delivery engine queues rather than fails on it.
	ErrLinkUnavailable = errors.New("fallback: no link available")
	// ErrUnknownKind is returned for a manual switch to an unconfigured link.
	ErrUnknownKind = errors.New("fallback: no adapter for requested link")
)

// Config tunes the state machine.
type Config struct {
	AutoFallback       bool
	SwitchDebounce     time.Duration // min dwell before another automatic switch
	MaxConnectAttempts int           // per candidate
	ConnectBackoffBase time.Duration // doubled per failed attempt
	ConnectBackoffMax  time.Duration
	ConnectTimeout     time.Duration // one attempt's bring-up bound
	AllowDualMode      bool
	OptimizeInterval   time.Duration // periodic better-link scan while active
	UnhealthyChecks    int           // consecutive failed health checks to trigger
	AckTimeoutLimit    int           // consecutive ACK timeouts to trigger
	RescanInterval     time.Duration // scan cadence while disconnected
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.SwitchDebounce <= 0 {
		out.SwitchDebounce = 5 * time.Second
	}
	if out.MaxConnectAttempts <= 0 {
		out.MaxConnectAttempts = 5
	}
	if out.ConnectBackoffBase <= 0 {
		out.ConnectBackoffBase = time.Second
	}
	if out.ConnectBackoffMax <= 0 {
		out.ConnectBackoffMax = 30 * time.Second
	}
	if out.ConnectTimeout <= 0 {
		out.ConnectTimeout = 15 * time.Second
	}
	if out.OptimizeInterval <= 0 {
		out.OptimizeInterval = time.Minute
	}
	if out.UnhealthyChecks <= 0 {
		out.UnhealthyChecks = 3
	}
	if out.AckTimeoutLimit <= 0 {
		out.AckTimeoutLimit = 5
	}
	if out.RescanInterval <= 0 {
		out.RescanInterval = 10 * time.Second
	}
	return out
}

// Change records one completed state transition for the facade's event
// stream. Changes are returned from Process in occurrence order.
type Change struct {
	From   State
	To     State
	Link   link.Kind
	Reason Reason
	At     time.Time
}

// Coordinator is the fallback state machine. Not goroutine-safe on its
// own; the facade serializes all calls.
type Coordinator struct {
	clk      clock.Clock
	cfg      Config
	adapters map[link.Kind]link.Adapter
	sel      *selector.Selector
	mon      *health.Monitor

	state       State
	active      link.Candidate
	activeSince time.Time
	lastSwitch  time.Time

	// dual-mode secondary, kept only while a CRITICAL send is in flight
	secondary        link.Kind
	hasSecondary     bool
	criticalInFlight bool

	// switching context
	reason          Reason
	target          link.Candidate
	fallbacks       []link.Candidate
	attempt         int
	connectStarted  bool
	attemptDeadline time.Time
	nextAttemptAt   time.Time

	unhealthyStreak int
	lastOptimize    time.Time
	lastRescan      time.Time
}

// New builds a disconnected coordinator over the configured adapters.
func New(clk clock.Clock, cfg Config, adapters map[link.Kind]link.Adapter, sel *selector.Selector, mon *health.Monitor) *Coordinator {
	return &Coordinator{
		clk:      clk,
		cfg:      cfg.withDefaults(),
		adapters: adapters,
		sel:      sel,
		mon:      mon,
		state:    StateDisconnected,
	}
}

// State returns the current machine state.
func (c *Coordinator) State() State { return c.state }

// ActiveCandidate returns the candidate behind the active link.
func (c *Coordinator) ActiveCandidate() (link.Candidate, bool) {
	if c.state == StateDisconnected || c.state == StateSwitching {
		return link.Candidate{}, false
	}
	return c.active, true
}

// Active returns the adapter carrying traffic, when one is up.
func (c *Coordinator) Active() (link.Adapter, bool) {
	cand, ok := c.ActiveCandidate()
	if !ok {
		return nil, false
	}
	ad, ok := c.adapters[cand.Kind]
	return ad, ok
}

// ActiveAdapters returns every adapter currently carrying traffic: one
// normally, two while dual-mode shadows a CRITICAL transmission.
func (c *Coordinator) ActiveAdapters() []link.Adapter {
	var out []link.Adapter
	if ad, ok := c.Active(); ok {
		out = append(out, ad)
	}
	if c.hasSecondary && c.criticalInFlight {
		if ad, ok := c.adapters[c.secondary]; ok {
			out = append(out, ad)
		}
	}
	return out
}

// SetCriticalInFlight informs the coordinator whether a CRITICAL
// transmission is pending. Dropping to false releases the dual-mode
// secondary link immediately.
func (c *Coordinator) SetCriticalInFlight(v bool) {
	c.criticalInFlight = v
	if !v && c.hasSecondary {
		c.dropSecondary()
	}
}

func (c *Coordinator) dropSecondary() {
	if ad, ok := c.adapters[c.secondary]; ok {
		ad.Disconnect()
	}
	c.hasSecondary = false
	zap.L().Info("dual-mode secondary released", zap.Stringer("link", c.secondary))
}

// RequestSwitch starts a manual switch to the given link kind. Manual
// switches bypass the debounce dwell.
func (c *Coordinator) RequestSwitch(kind link.Kind) error {
	ad, ok := c.adapters[kind]
	if !ok {
		return ErrUnknownKind
	}
	cand := link.Candidate{
		ID:             kind.String(),
		Kind:           kind,
		RSSI:           ad.RSSI(),
		LastSeen:       c.clk.Now(),
		CostPerMessage: ad.CostPerMessage(),
	}
	c.beginSwitch(cand, nil, ReasonManual, true)
	return nil
}

// NoteHealthCheck feeds one health-check verdict in; called by the facade
// once per health interval after the monitor recomputes metrics.
func (c *Coordinator) NoteHealthCheck(healthy bool) {
	if healthy {
		c.unhealthyStreak = 0
		return
	}
	c.unhealthyStreak++
}

// Process advances the state machine against the injected clock. All
// transitions happen here, synchronously. Returns completed transitions.
func (c *Coordinator) Process() []Change {
	now := c.clk.Now()
	var changes []Change

	switch c.state {
	case StateDisconnected:
		if now.Sub(c.lastRescan) < c.cfg.RescanInterval && !c.lastRescan.IsZero() {
			break
		}
		c.lastRescan = now
		cands := c.sel.ScanCandidates(c.adapters)
		if best, ok := c.sel.SelectBest(cands, protocol.PriorityNormal, 0, nil); ok {
			c.beginSwitch(best, remainder(cands, best, c.sel), ReasonInitial, false)
			changes = append(changes, Change{From: StateDisconnected, To: StateSwitching, Link: best.Kind, Reason: ReasonInitial, At: now})
		}

	case StateSwitching:
		changes = append(changes, c.processSwitching(now)...)

	default: // one of the *_ACTIVE states
		changes = append(changes, c.processActive(now)...)
	}
	return changes
}

func (c *Coordinator) processActive(now time.Time) []Change {
	if !c.cfg.AutoFallback {
		return nil
	}
	debounced := now.Sub(c.lastSwitch) < c.cfg.SwitchDebounce

	// Trigger (b): sustained unhealthy metrics or an ACK-timeout streak.
	degraded := c.unhealthyStreak >= c.cfg.UnhealthyChecks ||
		c.mon.ConsecutiveAckTimeouts() >= c.cfg.AckTimeoutLimit
	if degraded {
		emergency := c.criticalInFlight
		if debounced && !emergency {
			return nil
		}
		cands := c.sel.ScanCandidates(c.adapters)
		cands = exclude(cands, c.active.ID)
		best, ok := c.sel.SelectBest(cands, protocol.PriorityNormal, 0, nil)
		if !ok {
			// Nowhere to go; stay put rather than drop a working-ish link.
			return nil
		}
		reason := ReasonHealth
		if emergency {
			reason = ReasonEmergency
		}
		from := c.state
		c.beginSwitch(best, remainder(cands, best, c.sel), reason, emergency)
		return []Change{{From: from, To: StateSwitching, Link: best.Kind, Reason: reason, At: now}}
	}

	// Trigger (c): periodic optimization scan past the hysteresis margin.
	if now.Sub(c.lastOptimize) >= c.cfg.OptimizeInterval {
		c.lastOptimize = now
		if debounced {
			return nil
		}
		cands := c.sel.ScanCandidates(c.adapters)
		active := c.active
		best, ok := c.sel.SelectBest(cands, protocol.PriorityNormal, 0, &active)
		if ok && best.ID != active.ID {
			from := c.state
			c.beginSwitch(best, remainder(cands, best, c.sel), ReasonOptimization, false)
			return []Change{{From: from, To: StateSwitching, Link: best.Kind, Reason: ReasonOptimization, At: now}}
		}
	}
	return nil
}

func (c *Coordinator) processSwitching(now time.Time) []Change {
	ad, ok := c.adapters[c.target.Kind]
	if !ok {
		return c.failCandidate(now)
	}

	if !c.connectStarted {
		if now.Before(c.nextAttemptAt) {
			return nil
		}
		if !ad.Connect(c.target) {
			return c.failAttempt(now)
		}
		c.connectStarted = true
		c.attemptDeadline = now.Add(c.cfg.ConnectTimeout)
		return nil
	}

	if ad.Connected() {
		return c.promote(now)
	}
	if now.After(c.attemptDeadline) {
		ad.Disconnect()
		c.connectStarted = false
		return c.failAttempt(now)
	}
	return nil
}

func (c *Coordinator) promote(now time.Time) []Change {
	prev := c.active
	hadPrev := prev.Kind != link.KindNone && prev.Kind != c.target.Kind

	c.state = activeStateFor(c.target.Kind)
	c.active = c.target
	c.activeSince = now
	c.lastSwitch = now
	c.lastOptimize = now
	c.unhealthyStreak = 0
	c.attempt = 0
	c.connectStarted = false
	c.fallbacks = nil

	if hadPrev {
		if c.cfg.AllowDualMode && c.criticalInFlight {
			c.secondary = prev.Kind
			c.hasSecondary = true
			zap.L().Info("dual-mode engaged for critical traffic",
				zap.Stringer("primary", c.active.Kind), zap.Stringer("secondary", prev.Kind))
		} else if ad, ok := c.adapters[prev.Kind]; ok {
			ad.Disconnect()
		}
	}
	zap.L().Info("link active",
		zap.Stringer("link", c.active.Kind),
		zap.String("network", c.active.ID),
		zap.String("reason", string(c.reason)))
	return []Change{{From: StateSwitching, To: c.state, Link: c.active.Kind, Reason: c.reason, At: now}}
}

func (c *Coordinator) failAttempt(now time.Time) []Change {
	c.attempt++
	if c.attempt >= c.cfg.MaxConnectAttempts {
		return c.failCandidate(now)
	}
	backoff := c.cfg.ConnectBackoffBase << uint(c.attempt-1)
	if backoff > c.cfg.ConnectBackoffMax {
		backoff = c.cfg.ConnectBackoffMax
	}
	c.nextAttemptAt = now.Add(backoff)
	zap.L().Warn("connect attempt failed",
		zap.Stringer("link", c.target.Kind),
		zap.Int("attempt", c.attempt),
		zap.Duration("backoff", backoff))
	return nil
}

func (c *Coordinator) failCandidate(now time.Time) []Change {
	zap.L().Warn("candidate exhausted", zap.Stringer("link", c.target.Kind))
	c.attempt = 0
	c.connectStarted = false
	if len(c.fallbacks) > 0 {
		c.target = c.fallbacks[0]
		c.fallbacks = c.fallbacks[1:]
		c.nextAttemptAt = now
		return nil
	}
	from := c.state
	c.state = StateDisconnected
	c.active = link.Candidate{}
	c.lastRescan = now
	zap.L().Error("all link candidates exhausted", zap.Error(ErrLinkUnavailable))
	return []Change{{From: from, To: StateDisconnected, Reason: c.reason, At: now}}
}

func (c *Coordinator) beginSwitch(target link.Candidate, fallbacks []link.Candidate, reason Reason, bypass bool) {
	now := c.clk.Now()
	if !bypass && now.Sub(c.lastSwitch) < c.cfg.SwitchDebounce && c.state != StateDisconnected {
		return
	}
	c.state = StateSwitching
	c.reason = reason
	c.target = target
	c.fallbacks = fallbacks
	c.attempt = 0
	c.connectStarted = false
	c.nextAttemptAt = now
	zap.L().Info("switching link",
		zap.Stringer("target", target.Kind),
		zap.String("network", target.ID),
		zap.String("reason", string(reason)))
}

// NextDeadline reports the earliest instant at which Process has work to
// do, so the host loop can sleep precisely.
func (c *Coordinator) NextDeadline() (time.Time, bool) {
	now := c.clk.Now()
	switch c.state {
	case StateSwitching:
		if !c.connectStarted {
			return c.nextAttemptAt, true
		}
		return c.attemptDeadline, true
	case StateDisconnected:
		return c.lastRescan.Add(c.cfg.RescanInterval), true
	default:
		next := c.lastOptimize.Add(c.cfg.OptimizeInterval)
		if d := c.lastSwitch.Add(c.cfg.SwitchDebounce); d.After(now) && d.Before(next) {
			next = d
		}
		return next, true
	}
}

// remainder returns candidates other than chosen, best score first, to use
// as the fallback order when the chosen link cannot be brought up.
func remainder(cands []link.Candidate, chosen link.Candidate, sel *selector.Selector) []link.Candidate {
	rest := exclude(cands, chosen.ID)
	sort.Slice(rest, func(i, j int) bool {
		return sel.Score(rest[i], protocol.PriorityNormal) > sel.Score(rest[j], protocol.PriorityNormal)
	})
	return rest
}

func exclude(cands []link.Candidate, id string) []link.Candidate {
	out := make([]link.Candidate, 0, len(cands))
	for _, c := range cands {
		if c.ID != id {
			out = append(out, c)
		}
	}
	return out
}
