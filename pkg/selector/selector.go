// Package selector ranks the currently known link candidates for a given
// priority class and payload size and picks the best one. Scoring follows
// a weighted sum of normalized signal strength, historical success rate,
// congestion, preference, and cost; a hysteresis margin protects the
// active link from marginal challengers.
package selector

import (
	"sort"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/thewriterben/WildCAM-ESP32-sub003/pkg/link"
	"github.com/thewriterben/WildCAM-ESP32-sub003/pkg/linkstore"
	"github.com/thewriterben/WildCAM-ESP32-sub003/pkg/protocol"
)

// Config holds scoring weights and selection policy.
type Config struct {
	// Weights on each score term. Zero values take defaults.
	RSSIWeight       float64
	HistoryWeight    float64
	CongestionWeight float64
	CostWeight       float64

	// PreferenceBonus is added when the candidate matches Preferred.
	Preferred       link.Kind
	PreferenceBonus float64

	// HysteresisMargin is the score advantage a challenger must exceed
	// over the active link before displacing it.
	HysteresisMargin float64

	// MinRSSI holds per-kind signal floors in dBm; an adapter reading
	// below its kind's floor is not a candidate. Kinds without an entry
	// are unfiltered.
	MinRSSI map[link.Kind]float64

	// MaxCandidateAge drops candidates not refreshed by a scan.
	MaxCandidateAge time.Duration

	// ScanTimeout bounds one scan pass.
	ScanTimeout time.Duration

	// CostNormalizer scales cost-per-message into the 0..1 penalty range.
	CostNormalizer float64
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.RSSIWeight == 0 {
		out.RSSIWeight = 0.35
	}
	if out.HistoryWeight == 0 {
		out.HistoryWeight = 0.35
	}
	if out.CongestionWeight == 0 {
		out.CongestionWeight = 0.15
	}
	if out.CostWeight == 0 {
		out.CostWeight = 0.15
	}
	if out.PreferenceBonus == 0 {
		out.PreferenceBonus = 0.1
	}
	if out.HysteresisMargin == 0 {
		out.HysteresisMargin = 0.1
	}
	if out.MaxCandidateAge <= 0 {
		out.MaxCandidateAge = 5 * time.Minute
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = 10 * time.Second
	}
	if out.CostNormalizer <= 0 {
		out.CostNormalizer = 1.0
	}
	return out
}

// Selector scores and picks link candidates.
type Selector struct {
	clk   clock.Clock
	cfg   Config
	store *linkstore.Store
}

// New builds a selector backed by the persisted network history store.
func New(clk clock.Clock, cfg Config, store *linkstore.Store) *Selector {
	return &Selector{clk: clk, cfg: cfg.withDefaults(), store: store}
}

// ScanCandidates polls every adapter for visibility and merges stored
// history into fresh candidates. Bounded by ScanTimeout; returns whatever
// was found by the deadline, possibly an empty list.
func (s *Selector) ScanCandidates(adapters map[link.Kind]link.Adapter) []link.Candidate {
	now := s.clk.Now()
	deadline := now.Add(s.cfg.ScanTimeout)
	var out []link.Candidate

	// Deterministic order so logs and tests are stable.
	kinds := make([]link.Kind, 0, len(adapters))
	for k := range adapters {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })

	for _, k := range kinds {
		if s.clk.Now().After(deadline) {
			zap.L().Warn("scan timeout, returning partial candidate list",
				zap.Int("found", len(out)))
			break
		}
		ad := adapters[k]
		if !ad.IsAvailable() {
			continue
		}
		if floor, ok := s.cfg.MinRSSI[k]; ok && ad.RSSI() < floor {
			zap.L().Debug("candidate below signal floor",
				zap.Stringer("link", k),
				zap.Float64("rssi", ad.RSSI()),
				zap.Float64("floor", floor))
			continue
		}
		c := link.Candidate{
			ID:             k.String(),
			Kind:           k,
			RSSI:           ad.RSSI(),
			LastSeen:       s.clk.Now(),
			CostPerMessage: ad.CostPerMessage(),
			SuccessRate:    0.5, // neutral prior until history exists
		}
		if k == link.KindSatellite {
			// SBD-class links carry a hard per-message ceiling.
			c.MaxMessageBytes = ad.MTU()
		}
		if h, ok := s.store.History(c.ID); ok {
			c.SuccessRate = h.SuccessEMA
			c.CongestionPenalty = h.CongestionPenalty
		}
		s.store.Seen(c.ID, c.CongestionPenalty)
		out = append(out, c)
	}
	return out
}

// Score computes the weighted score for one candidate. The cost penalty is
// ignored for CRITICAL traffic.
func (s *Selector) Score(c link.Candidate, prio protocol.Priority) float64 {
	score := s.cfg.RSSIWeight*normalizeRSSI(c.RSSI) +
		s.cfg.HistoryWeight*c.SuccessRate -
		s.cfg.CongestionWeight*c.CongestionPenalty
	if c.Kind == s.cfg.Preferred {
		score += s.cfg.PreferenceBonus
	}
	if prio != protocol.PriorityCritical {
		score -= s.cfg.CostWeight * costPenalty(c.CostPerMessage, s.cfg.CostNormalizer)
	}
	return score
}

// SelectBest picks the highest-scoring eligible candidate. active, when
// non-nil, is protected by the hysteresis margin: a challenger wins only
// when its score exceeds the active link's by more than the margin.
// Returns false when no candidate qualifies; callers treat that as "no
// link available", not as an error.
func (s *Selector) SelectBest(candidates []link.Candidate, prio protocol.Priority, payloadSize int, active *link.Candidate) (link.Candidate, bool) {
	now := s.clk.Now()
	best := link.Candidate{}
	bestScore := 0.0
	found := false

	for _, c := range candidates {
		if c.Expired(now, s.cfg.MaxCandidateAge) {
			continue
		}
		// Hard per-message ceilings exclude single-shot candidacy for
		// oversized payloads; chunking makes this rare, but the rule
		// still governs the first chunk's transport choice.
		if c.MaxMessageBytes > 0 && payloadSize > c.MaxMessageBytes {
			continue
		}
		sc := s.Score(c, prio)
		if !found || sc > bestScore {
			best, bestScore, found = c, sc, true
		}
	}
	if !found {
		return link.Candidate{}, false
	}
	if active != nil && active.ID != best.ID {
		activeScore := s.Score(*active, prio)
		if bestScore <= activeScore+s.cfg.HysteresisMargin {
			return *active, true
		}
	}
	return best, true
}

// normalizeRSSI maps dBm readings onto 0..1 across the usable radio range
// (-100 dBm unusable, -40 dBm excellent).
func normalizeRSSI(rssi float64) float64 {
	v := (rssi + 100) / 60
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func costPenalty(cost, normalizer float64) float64 {
	v := cost / normalizer
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
