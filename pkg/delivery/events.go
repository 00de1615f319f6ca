package delivery

import (
	"time"

	"github.com/thewriterben/WildCAM-ESP32-sub003/pkg/link"
)

// EventKind labels a transport event.
type EventKind int

const (
	// EventCompleted: the transmission was fully delivered (and
	// acknowledged when requireAck was set).
	EventCompleted EventKind = iota
	// EventProgress: a chunk was acknowledged; Progress is 0..100.
	EventProgress
	// EventError: a terminal error; fired exactly once per transmission.
	EventError
	// EventPacketReceived: a complete inbound payload was reassembled.
	EventPacketReceived
	// EventLinkSwitched: the coordinator promoted a different link.
	EventLinkSwitched
	// EventLinkLost: every candidate was exhausted.
	EventLinkLost
)

func (k EventKind) String() string {
	switch k {
	case EventCompleted:
		return "completed"
	case EventProgress:
		return "progress"
	case EventError:
		return "error"
	case EventPacketReceived:
		return "packet_received"
	case EventLinkSwitched:
		return "link_switched"
	case EventLinkLost:
		return "link_lost"
	default:
		return "unknown"
	}
}

// Event is the typed completion/progress value delivered to the
// application through the facade's bounded channel, in completion order.
type Event struct {
	Kind           EventKind
	TransmissionID uint32
	Error          ErrorKind
	Progress       float64 // percent, EventProgress only
	Sender         string  // EventPacketReceived only
	Payload        []byte  // EventPacketReceived only
	Link           link.Kind
	Reason         string // EventLinkSwitched only
	At             time.Time
}
