// Package health turns raw transmission outcomes and signal readings into
// rolling link statistics, active issues, and advisory recommendations for
// field operators. The fallback coordinator reads the raw metrics; the
// recommendations never gate transport behavior.
package health

import (
	"fmt"
	"sort"
	"time"

	"github.com/benbjohnson/clock"
)

// Severity ranks an active issue.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityWarning:
		return "warning"
	case SeverityCritical:
		return "critical"
	default:
		return "info"
	}
}

// Issue is one active problem detected on the link.
type Issue struct {
	Component     string    `json:"component"`
	Description   string    `json:"description"`
	Severity      Severity  `json:"severity"`
	FirstDetected time.Time `json:"first_detected"`
}

// Metrics is a copy-on-read snapshot of the rolling link statistics.
type Metrics struct {
	UptimePct      float64       `json:"uptime_pct"`
	PacketLossRate float64       `json:"packet_loss_rate"`
	AvgLatency     time.Duration `json:"avg_latency"`
	ThroughputBps  float64       `json:"throughput_bps"`
	RSSI           float64       `json:"rssi"`
	LastUpdated    time.Time     `json:"last_updated"`
	// Stale marks metrics computed from missing or aged-out data; callers
	// get a flagged snapshot instead of an error.
	Stale   bool `json:"stale"`
	Samples int  `json:"samples"`
}

// Config holds monitor thresholds and window sizes.
type Config struct {
	WindowSize int // sliding window of send outcomes, default 50

	MaxLossRate float64       // healthy iff loss below this
	MaxLatency  time.Duration // healthy iff average latency below this
	MinRSSI     float64       // dBm floor

	// Trend prediction: fit a slope over the last TrendWindows loss-rate
	// windows; raise a pre-emptive issue when the projection crosses
	// CriticalLossRate within Lookahead.
	TrendWindows     int
	Lookahead        time.Duration
	CriticalLossRate float64

	// StaleAfter flags metrics when no sample arrived for this long.
	StaleAfter time.Duration

	// Interval is the health-check period; throughput is bytes/Interval.
	Interval time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.WindowSize <= 0 {
		out.WindowSize = 50
	}
	if out.MaxLossRate <= 0 {
		out.MaxLossRate = 0.25
	}
	if out.MaxLatency <= 0 {
		out.MaxLatency = 5 * time.Second
	}
	if out.MinRSSI == 0 {
		out.MinRSSI = -90
	}
	if out.TrendWindows <= 0 {
		out.TrendWindows = 6
	}
	if out.Lookahead <= 0 {
		out.Lookahead = 5 * time.Minute
	}
	if out.CriticalLossRate <= 0 {
		out.CriticalLossRate = 0.5
	}
	if out.StaleAfter <= 0 {
		out.StaleAfter = 2 * time.Minute
	}
	if out.Interval <= 0 {
		out.Interval = 30 * time.Second
	}
	return out
}

type sample struct {
	success bool
	bytes   int
	latency time.Duration
	at      time.Time
}

// Monitor computes rolling link health. It is not goroutine-safe on its
// own; the owning facade serializes access.
type Monitor struct {
	clk clock.Clock
	cfg Config

	ring  []sample
	next  int
	count int

	lastSample  time.Time
	windowBytes int // bytes since last UpdateMetrics

	rssi    float64
	hasRSSI bool

	metrics     Metrics
	issues      map[string]Issue
	lossHistory []float64

	startedAt  time.Time
	healthyDur time.Duration
	lastCheck  time.Time

	consecAckTimeouts int
}

// NewMonitor builds a monitor using clk for all time arithmetic.
func NewMonitor(clk clock.Clock, cfg Config) *Monitor {
	c := cfg.withDefaults()
	now := clk.Now()
	return &Monitor{
		clk:       clk,
		cfg:       c,
		ring:      make([]sample, c.WindowSize),
		issues:    make(map[string]Issue),
		startedAt: now,
		lastCheck: now,
	}
}

// RecordOutcome notes one send attempt. It never blocks and never fails;
// a monitor fed garbage degrades to stale metrics, not a crash.
func (m *Monitor) RecordOutcome(success bool, bytes int, latency time.Duration) {
	if bytes < 0 {
		bytes = 0
	}
	if latency < 0 {
		latency = 0
	}
	now := m.clk.Now()
	m.ring[m.next] = sample{success: success, bytes: bytes, latency: latency, at: now}
	m.next = (m.next + 1) % len(m.ring)
	if m.count < len(m.ring) {
		m.count++
	}
	m.lastSample = now
	m.windowBytes += bytes
	if success {
		m.consecAckTimeouts = 0
	}
}

// NoteAckTimeout counts a consecutive acknowledgment timeout; any success
// recorded via RecordOutcome resets the streak.
func (m *Monitor) NoteAckTimeout() {
	m.consecAckTimeouts++
}

// ConsecutiveAckTimeouts returns the current timeout streak.
func (m *Monitor) ConsecutiveAckTimeouts() int { return m.consecAckTimeouts }

// ObserveSignal records the latest RSSI reading in dBm.
func (m *Monitor) ObserveSignal(rssi float64) {
	m.rssi = rssi
	m.hasRSSI = true
}

// UpdateMetrics recomputes the sliding-window statistics. Called once per
// health-check interval by the facade. O(window size).
func (m *Monitor) UpdateMetrics() Metrics {
	now := m.clk.Now()

	var lost int
	var latSum time.Duration
	for i := 0; i < m.count; i++ {
		s := m.ring[i]
		if !s.success {
			lost++
		}
		latSum += s.latency
	}

	mt := Metrics{
		RSSI:        m.rssi,
		LastUpdated: now,
		Samples:     m.count,
	}
	if m.count > 0 {
		mt.PacketLossRate = float64(lost) / float64(m.count)
		mt.AvgLatency = latSum / time.Duration(m.count)
	}
	mt.ThroughputBps = float64(m.windowBytes) / m.cfg.Interval.Seconds()
	m.windowBytes = 0

	if m.count == 0 || now.Sub(m.lastSample) > m.cfg.StaleAfter {
		mt.Stale = true
	}

	// Uptime accounting: interval counts as healthy when thresholds held.
	elapsed := now.Sub(m.lastCheck)
	if elapsed > 0 {
		if m.healthyNow(mt) {
			m.healthyDur += elapsed
		}
		m.lastCheck = now
	}
	total := now.Sub(m.startedAt)
	if total > 0 {
		mt.UptimePct = 100 * float64(m.healthyDur) / float64(total)
	}

	m.metrics = mt
	m.pushLossWindow(mt.PacketLossRate)
	m.evaluateIssues(mt, now)
	return mt
}

// Snapshot returns the last computed metrics without recomputation.
func (m *Monitor) Snapshot() Metrics { return m.metrics }

// Healthy reports whether loss, latency, and RSSI are all within thresholds.
func (m *Monitor) Healthy() bool { return m.healthyNow(m.metrics) }

func (m *Monitor) healthyNow(mt Metrics) bool {
	if mt.Stale {
		return false
	}
	if mt.PacketLossRate > m.cfg.MaxLossRate {
		return false
	}
	if mt.AvgLatency > m.cfg.MaxLatency {
		return false
	}
	if m.hasRSSI && mt.RSSI < m.cfg.MinRSSI {
		return false
	}
	return true
}

func (m *Monitor) pushLossWindow(loss float64) {
	m.lossHistory = append(m.lossHistory, loss)
	if len(m.lossHistory) > m.cfg.TrendWindows {
		m.lossHistory = m.lossHistory[len(m.lossHistory)-m.cfg.TrendWindows:]
	}
}

// projectedLoss fits a least-squares slope over the recent loss windows and
// extrapolates Lookahead ahead. Returns current loss when history is short.
func (m *Monitor) projectedLoss() float64 {
	n := len(m.lossHistory)
	if n < 2 {
		if n == 1 {
			return m.lossHistory[0]
		}
		return 0
	}
	var sumX, sumY, sumXY, sumXX float64
	for i, y := range m.lossHistory {
		x := float64(i)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	fn := float64(n)
	denom := fn*sumXX - sumX*sumX
	if denom == 0 {
		return m.lossHistory[n-1]
	}
	slope := (fn*sumXY - sumX*sumY) / denom
	stepsAhead := m.cfg.Lookahead.Seconds() / m.cfg.Interval.Seconds()
	proj := m.lossHistory[n-1] + slope*stepsAhead
	if proj < 0 {
		proj = 0
	}
	return proj
}

func (m *Monitor) evaluateIssues(mt Metrics, now time.Time) {
	m.setIssue("loss", mt.PacketLossRate > m.cfg.MaxLossRate,
		fmt.Sprintf("packet loss %.0f%% exceeds %.0f%% ceiling", mt.PacketLossRate*100, m.cfg.MaxLossRate*100),
		SeverityCritical, now)
	m.setIssue("latency", mt.AvgLatency > m.cfg.MaxLatency,
		fmt.Sprintf("average latency %s exceeds %s", mt.AvgLatency, m.cfg.MaxLatency),
		SeverityWarning, now)
	m.setIssue("rssi", m.hasRSSI && mt.RSSI < m.cfg.MinRSSI,
		fmt.Sprintf("signal %.0f dBm below %.0f dBm floor", mt.RSSI, m.cfg.MinRSSI),
		SeverityWarning, now)
	m.setIssue("stale", mt.Stale,
		"no transmission outcomes recorded recently; metrics are stale",
		SeverityInfo, now)

	// Pre-emptive trend issue fires before the hard loss ceiling is hit.
	proj := m.projectedLoss()
	m.setIssue("loss-trend",
		mt.PacketLossRate <= m.cfg.MaxLossRate && proj >= m.cfg.CriticalLossRate,
		fmt.Sprintf("loss rate trending toward %.0f%% within %s", proj*100, m.cfg.Lookahead),
		SeverityWarning, now)
}

func (m *Monitor) setIssue(key string, active bool, desc string, sev Severity, now time.Time) {
	if !active {
		delete(m.issues, key)
		return
	}
	if old, ok := m.issues[key]; ok {
		old.Description = desc
		m.issues[key] = old
		return
	}
	m.issues[key] = Issue{Component: key, Description: desc, Severity: sev, FirstDetected: now}
}

// ActiveIssues returns current issues ordered by severity, worst first.
func (m *Monitor) ActiveIssues() []Issue {
	out := make([]Issue, 0, len(m.issues))
	for _, is := range m.issues {
		out = append(out, is)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Severity != out[j].Severity {
			return out[i].Severity > out[j].Severity
		}
		return out[i].Component < out[j].Component
	})
	return out
}

// Recommendations returns advisory text for field operators. Purely
// informational; nothing in the transport reads it.
func (m *Monitor) Recommendations() []string {
	var recs []string
	for _, is := range m.ActiveIssues() {
		switch is.Component {
		case "loss":
			recs = append(recs, "high packet loss: check antenna orientation and nearby obstructions")
		case "latency":
			recs = append(recs, "high latency: link may be congested, consider scheduling bulk uploads at night")
		case "rssi":
			recs = append(recs, "weak signal: reposition the node or add a higher-gain antenna")
		case "stale":
			recs = append(recs, "no recent traffic: verify the host loop is calling process()")
		case "loss-trend":
			recs = append(recs, "loss rate is degrading: a link switch is likely soon, verify fallback links are provisioned")
		}
	}
	return recs
}

// Report bundles issues and recommendations for diagnostics export.
type Report struct {
	Metrics         Metrics  `json:"metrics"`
	Issues          []Issue  `json:"issues"`
	Recommendations []string `json:"recommendations"`
}

// DiagnosticReport returns the full advisory report.
func (m *Monitor) DiagnosticReport() Report {
	return Report{
		Metrics:         m.metrics,
		Issues:          m.ActiveIssues(),
		Recommendations: m.Recommendations(),
	}
}

// ResetStatistics clears all counters and the sample window.
func (m *Monitor) ResetStatistics() {
	now := m.clk.Now()
	m.ring = make([]sample, m.cfg.WindowSize)
	m.next, m.count = 0, 0
	m.windowBytes = 0
	m.lossHistory = nil
	m.issues = make(map[string]Issue)
	m.metrics = Metrics{}
	m.startedAt = now
	m.lastCheck = now
	m.healthyDur = 0
	m.consecAckTimeouts = 0
	m.lastSample = time.Time{}
}
