// Package link defines the adapter contract and candidate model for the
// physical communication links available to a node (WiFi, LoRa, cellular,
// satellite). Radio and modem drivers implement Adapter outside this core;
// the transport layer only ever sees the poll-based non-blocking surface.
package link

import (
	"time"
)

// Kind identifies a link type for policy decisions.
type Kind int

const (
	KindNone Kind = iota
	KindWiFi
	KindLoRa
	KindCellular
	KindSatellite
)

func (k Kind) String() string {
	switch k {
	case KindWiFi:
		return "wifi"
	case KindLoRa:
		return "lora"
	case KindCellular:
		return "cellular"
	case KindSatellite:
		return "satellite"
	default:
		return "none"
	}
}

// MarshalText renders the kind name in JSON diagnostics exports.
func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// UnmarshalText parses the kind name; unknown names map to KindNone.
func (k *Kind) UnmarshalText(text []byte) error {
	*k = ParseKind(string(text))
	return nil
}

// ParseKind maps a config string to a Kind. Unknown strings map to KindNone.
func ParseKind(s string) Kind {
	switch s {
	case "wifi":
		return KindWiFi
	case "lora":
		return KindLoRa
	case "cellular":
		return KindCellular
	case "satellite":
		return KindSatellite
	default:
		return KindNone
	}
}

// Candidate describes one reachable network as seen by a scan, merged with
// stored per-network history. Candidates expire after MaxAge without being
// re-seen.
type Candidate struct {
	// ID is the network identity: SSID for WiFi, frequency label for LoRa,
	// APN/operator for cellular, constellation name for satellite.
	ID   string
	Kind Kind

	RSSI              float64 // dBm
	SuccessRate       float64 // EMA of historical delivery success, 0..1
	CongestionPenalty float64 // 0..1, higher means busier
	LastSeen          time.Time
	CostPerMessage    float64

	// MaxMessageBytes is a hard per-message size ceiling for the link
	// (e.g., satellite SBD). Zero means no ceiling.
	MaxMessageBytes int
}

// Expired reports whether the candidate is older than maxAge at now.
func (c Candidate) Expired(now time.Time, maxAge time.Duration) bool {
	if maxAge <= 0 {
		return false
	}
	return now.Sub(c.LastSeen) > maxAge
}

// PollResult reports adapter progress since the previous Poll call.
type PollResult struct {
	// Received holds complete inbound frames, oldest first.
	Received [][]byte
	// SendsCompleted counts frames fully handed to the medium since last poll.
	SendsCompleted int
	// Err carries a driver fault; the transport layer degrades to retry,
	// it never propagates this as a crash.
	Err error
}

// Adapter is the per-link driver contract. All methods are non-blocking:
// Connect starts association and Connected reports completion on later
// polls, Send enqueues at most one frame, Poll drains driver progress.
type Adapter interface {
	Kind() Kind

	// IsAvailable reports whether the medium is currently usable at all
	// (radio powered, network visible).
	IsAvailable() bool

	// SignalQuality returns the current normalized signal level 0.0..1.0.
	SignalQuality() float64

	// RSSI returns the raw signal strength in dBm.
	RSSI() float64

	// Connect begins association with the candidate network. It returns
	// false when the attempt could not even be started.
	Connect(c Candidate) bool

	// Connected reports whether a previously started Connect has finished.
	Connected() bool

	// Disconnect tears down the current association.
	Disconnect()

	// Send enqueues one frame for transmission. False means the driver
	// queue is full; the caller retries on a later cycle.
	Send(frame []byte) bool

	// Poll returns everything that happened since the previous Poll.
	Poll() PollResult

	// MTU returns the largest frame the link carries per physical message.
	MTU() int

	// CostPerMessage returns the metered cost of one physical message,
	// zero for unmetered links.
	CostPerMessage() float64
}
