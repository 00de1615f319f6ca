package protocol

// Priority is the wire priority of a transmission. Higher values preempt
// lower ones in the send queue; the byte value is carried in every chunk
// header so relays can honor it.
type Priority uint8

const (
	PriorityBackground Priority = iota
	PriorityLow
	PriorityNormal
	PriorityHigh
	PriorityCritical

	NumPriorities = 5
)

func (p Priority) String() string {
	switch p {
	case PriorityBackground:
		return "background"
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Valid reports whether p is one of the five defined levels.
func (p Priority) Valid() bool { return p < NumPriorities }
