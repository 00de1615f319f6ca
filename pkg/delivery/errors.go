package delivery

import "errors"

// ErrorKind is the transport error taxonomy surfaced to applications.
// Transient kinds are retried internally and never reach the event stream;
// terminal kinds fire exactly one error event per transmission.
type ErrorKind int

const (
	ErrKindNone ErrorKind = iota
	ErrKindLinkUnavailable
	ErrKindConnectFailed
	ErrKindAckTimeout
	ErrKindMaxRetriesExceeded
	ErrKindQueueFull
	ErrKindCostLimitExceeded
	ErrKindChecksumMismatch
	ErrKindCancelled
)

func (k ErrorKind) String() string {
	switch k {
	case ErrKindLinkUnavailable:
		return "LINK_UNAVAILABLE"
	case ErrKindConnectFailed:
		return "CONNECT_FAILED"
	case ErrKindAckTimeout:
		return "ACK_TIMEOUT"
	case ErrKindMaxRetriesExceeded:
		return "MAX_RETRIES_EXCEEDED"
	case ErrKindQueueFull:
		return "QUEUE_FULL"
	case ErrKindCostLimitExceeded:
		return "COST_LIMIT_EXCEEDED"
	case ErrKindChecksumMismatch:
		return "CHECKSUM_MISMATCH"
	case ErrKindCancelled:
		return "CANCELLED"
	default:
		return "NONE"
	}
}

var (
	// ErrQueueFull is returned synchronously from Submit so callers can
	// apply backpressure immediately.
	ErrQueueFull = errors.New("delivery: send queue full")
	// ErrUnknownTransmission is returned for operations on unknown ids.
	ErrUnknownTransmission = errors.New("delivery: unknown transmission")
	// ErrTerminalState rejects cancel/retry calls that no longer apply.
	ErrTerminalState = errors.New("delivery: transmission already terminal")
	// ErrNotRetryable rejects Retry on a transmission that has not failed.
	ErrNotRetryable = errors.New("delivery: transmission is not in a failed state")
	// ErrEmptyPayload rejects zero-length submissions.
	ErrEmptyPayload = errors.New("delivery: empty payload")
	// ErrBadPriority rejects out-of-range priorities.
	ErrBadPriority = errors.New("delivery: invalid priority")
)
