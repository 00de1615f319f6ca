package protocol

import (
	"time"
)

// Assembler reassembles chunked payloads that may arrive out of order or
// duplicated. Completed payloads are byte-for-byte identical to the
// original regardless of arrival order.
type Assembler struct {
	partials map[uint32]*partial
}

type partial struct {
	total     int
	parts     map[uint16][]byte
	bytes     int
	priority  Priority
	firstSeen time.Time
}

func NewAssembler() *Assembler {
	return &Assembler{partials: make(map[uint32]*partial)}
}

// Add feeds one verified chunk in. When the last missing piece arrives it
// returns the full payload and true; duplicates are ignored. A checksum
// does not protect against a forged or miscut header, so chunks whose
// Seq/Total geometry is impossible, or disagrees with the partial already
// being assembled, are rejected with ErrChunkBounds.
func (a *Assembler) Add(c Chunk, now time.Time) ([]byte, bool, error) {
	if c.Total == 0 || c.Seq >= c.Total {
		return nil, false, ErrChunkBounds
	}
	p := a.partials[c.TransmissionID]
	if p != nil && int(c.Total) != p.total {
		return nil, false, ErrChunkBounds
	}
	if p == nil {
		p = &partial{
			total:     int(c.Total),
			parts:     make(map[uint16][]byte, c.Total),
			priority:  c.Priority,
			firstSeen: now,
		}
		a.partials[c.TransmissionID] = p
	}
	if _, dup := p.parts[c.Seq]; dup {
		return nil, false, nil
	}
	p.parts[c.Seq] = c.Payload
	p.bytes += len(c.Payload)

	if len(p.parts) < p.total {
		return nil, false, nil
	}
	out := make([]byte, 0, p.bytes)
	for i := 0; i < p.total; i++ {
		out = append(out, p.parts[uint16(i)]...)
	}
	delete(a.partials, c.TransmissionID)
	return out, true, nil
}

// Prune drops partial reassemblies older than maxAge; the peer will have
// given up on them long before.
func (a *Assembler) Prune(now time.Time, maxAge time.Duration) int {
	n := 0
	for id, p := range a.partials {
		if now.Sub(p.firstSeen) > maxAge {
			delete(a.partials, id)
			n++
		}
	}
	return n
}

// Pending returns the number of incomplete transmissions held.
func (a *Assembler) Pending() int { return len(a.partials) }
