// Package linkstore keeps per-network delivery history (EMA success rate,
// congestion, last-seen) so the selector can rank candidates on more than
// instantaneous RSSI. The store snapshots to a CBOR file under the data
// directory so history survives node restarts.
package linkstore

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/thewriterben/WildCAM-ESP32-sub003/pkg/protocol/codec"
)

// emaAlpha weights the newest attempt in the success-rate EMA.
const emaAlpha = 0.2

// NetworkHistory is the stored record for one network identity.
type NetworkHistory struct {
	ID                string    `cbor:"id" json:"id"`
	SuccessEMA        float64   `cbor:"success_ema" json:"success_ema"`
	Attempts          uint64    `cbor:"attempts" json:"attempts"`
	CongestionPenalty float64   `cbor:"congestion" json:"congestion"`
	LastSeen          time.Time `cbor:"last_seen" json:"last_seen"`
}

type snapshot struct {
	Version  int              `cbor:"version"`
	SavedAt  time.Time        `cbor:"saved_at"`
	Networks []NetworkHistory `cbor:"networks"`
}

// Store holds network histories in memory and snapshots them to disk.
// Not goroutine-safe on its own; the facade serializes access.
type Store struct {
	clk  clock.Clock
	path string
	cod  codec.Codec
	nets map[string]NetworkHistory
}

// Open loads the snapshot at dir/link_history.cbor when present and returns
// a ready store. A missing or corrupt snapshot starts empty rather than
// failing; history is an optimization, not a requirement.
func Open(dir string, clk clock.Clock) (*Store, error) {
	cod, err := codec.CBOR()
	if err != nil {
		return nil, fmt.Errorf("linkstore: codec: %w", err)
	}
	s := &Store{
		clk:  clk,
		path: filepath.Join(dir, "link_history.cbor"),
		cod:  cod,
		nets: make(map[string]NetworkHistory),
	}
	b, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			zap.L().Warn("link history unreadable, starting empty", zap.Error(err))
		}
		return s, nil
	}
	var snap snapshot
	if err := s.cod.Unmarshal(b, &snap); err != nil {
		zap.L().Warn("link history corrupt, starting empty", zap.Error(err))
		return s, nil
	}
	for _, n := range snap.Networks {
		s.nets[n.ID] = n
	}
	zap.L().Info("link history loaded", zap.Int("networks", len(s.nets)))
	return s, nil
}

// RecordAttempt folds one delivery outcome into the network's EMA.
func (s *Store) RecordAttempt(id string, success bool) {
	if id == "" {
		return
	}
	h, ok := s.nets[id]
	if !ok {
		h = NetworkHistory{ID: id, SuccessEMA: 0.5}
	}
	v := 0.0
	if success {
		v = 1.0
	}
	h.SuccessEMA = emaAlpha*v + (1-emaAlpha)*h.SuccessEMA
	h.Attempts++
	h.LastSeen = s.clk.Now()
	s.nets[id] = h
}

// Seen refreshes last-seen and the observed congestion penalty for a
// network that showed up in a scan.
func (s *Store) Seen(id string, congestion float64) {
	if id == "" {
		return
	}
	h, ok := s.nets[id]
	if !ok {
		h = NetworkHistory{ID: id, SuccessEMA: 0.5}
	}
	h.CongestionPenalty = congestion
	h.LastSeen = s.clk.Now()
	s.nets[id] = h
}

// History returns the stored record for a network identity.
func (s *Store) History(id string) (NetworkHistory, bool) {
	h, ok := s.nets[id]
	return h, ok
}

// Prune removes networks not seen within maxAge and returns how many.
func (s *Store) Prune(maxAge time.Duration) int {
	if maxAge <= 0 {
		return 0
	}
	now := s.clk.Now()
	n := 0
	for id, h := range s.nets {
		if now.Sub(h.LastSeen) > maxAge {
			delete(s.nets, id)
			n++
		}
	}
	return n
}

// Len returns the number of tracked networks.
func (s *Store) Len() int { return len(s.nets) }

// Save writes the snapshot atomically (temp file + rename).
func (s *Store) Save() error {
	snap := snapshot{Version: 1, SavedAt: s.clk.Now()}
	for _, h := range s.nets {
		snap.Networks = append(snap.Networks, h)
	}
	sort.Slice(snap.Networks, func(i, j int) bool { return snap.Networks[i].ID < snap.Networks[j].ID })
	b, err := s.cod.Marshal(snap)
	if err != nil {
		return fmt.Errorf("linkstore: encode: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("linkstore: mkdir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("linkstore: write: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("linkstore: rename: %w", err)
	}
	return nil
}
