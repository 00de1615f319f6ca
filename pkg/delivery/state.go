package delivery

// TxState is a transmission's lifecycle state. With requireAck the state
// progresses monotonically QUEUED→SENDING→AWAITING_ACK→…→COMPLETED|FAILED
// and never revisits QUEUED (RETRYING loops back only to SENDING).
type TxState int

const (
	StateQueued TxState = iota
	StateSending
	StateAwaitingAck
	StateRetrying
	StateCompleted
	StateFailed
	StateCancelled
)

func (s TxState) String() string {
	switch s {
	case StateQueued:
		return "queued"
	case StateSending:
		return "sending"
	case StateAwaitingAck:
		return "awaiting_ack"
	case StateRetrying:
		return "retrying"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state is final. Terminal transmissions are
// garbage-collected shortly after being reached.
func (s TxState) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}
