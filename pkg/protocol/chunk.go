// Package protocol implements the wire chunk format used on every link and
// the reassembly of fragmented payloads. All integer fields are big-endian.
//
// Frame layout:
//
//	0 ..3   TransmissionID u32
//	4 ..5   Seq            u16
//	6 ..7   TotalChunks    u16
//	8       Priority       u8
//	9       Flags          u8
//	10..11  PayloadLen     u16
//	12..    Payload        N bytes
//	last 2  Checksum       u16 (CRC-16/CCITT over header+payload)
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	headerSize  = 12
	trailerSize = 2

	// Overhead is the per-chunk framing cost; a link with MTU m carries at
	// most m-Overhead payload bytes per chunk.
	Overhead = headerSize + trailerSize

	// MaxChunkPayload is bounded by the u16 PayloadLen field.
	MaxChunkPayload = 0xFFFF
)

// Chunk flags.
const (
	// FlagRequireAck asks the receiver to acknowledge this chunk.
	FlagRequireAck uint8 = 1 << 0
	// FlagAck marks the frame as an acknowledgment for (TransmissionID, Seq).
	FlagAck uint8 = 1 << 1
)

var (
	ErrShortFrame       = errors.New("protocol: frame shorter than header")
	ErrChecksumMismatch = errors.New("protocol: checksum mismatch")
	ErrLengthMismatch   = errors.New("protocol: payload length mismatch")
	ErrTooLarge         = errors.New("protocol: payload exceeds chunk limit")
	ErrChunkBounds      = errors.New("protocol: chunk sequence outside total")
)

// Chunk is one wire frame of a transmission.
type Chunk struct {
	TransmissionID uint32
	Seq            uint16
	Total          uint16
	Priority       Priority
	Flags          uint8
	Payload        []byte
}

// IsAck reports whether the chunk is an acknowledgment frame.
func (c *Chunk) IsAck() bool { return c.Flags&FlagAck != 0 }

// WantsAck reports whether the sender asked for an acknowledgment.
func (c *Chunk) WantsAck() bool { return c.Flags&FlagRequireAck != 0 }

// MarshalBinary encodes the chunk including the CRC trailer.
func (c *Chunk) MarshalBinary() ([]byte, error) {
	if len(c.Payload) > MaxChunkPayload {
		return nil, ErrTooLarge
	}
	buf := make([]byte, headerSize+len(c.Payload)+trailerSize)
	binary.BigEndian.PutUint32(buf[0:4], c.TransmissionID)
	binary.BigEndian.PutUint16(buf[4:6], c.Seq)
	binary.BigEndian.PutUint16(buf[6:8], c.Total)
	buf[8] = byte(c.Priority)
	buf[9] = c.Flags
	binary.BigEndian.PutUint16(buf[10:12], uint16(len(c.Payload)))
	copy(buf[headerSize:], c.Payload)
	crc := Checksum16(buf[:headerSize+len(c.Payload)])
	binary.BigEndian.PutUint16(buf[headerSize+len(c.Payload):], crc)
	return buf, nil
}

// UnmarshalBinary decodes and verifies one frame.
func (c *Chunk) UnmarshalBinary(buf []byte) error {
	if len(buf) < headerSize+trailerSize {
		return ErrShortFrame
	}
	plen := int(binary.BigEndian.Uint16(buf[10:12]))
	if len(buf) != headerSize+plen+trailerSize {
		return ErrLengthMismatch
	}
	want := binary.BigEndian.Uint16(buf[headerSize+plen:])
	if Checksum16(buf[:headerSize+plen]) != want {
		return ErrChecksumMismatch
	}
	c.TransmissionID = binary.BigEndian.Uint32(buf[0:4])
	c.Seq = binary.BigEndian.Uint16(buf[4:6])
	c.Total = binary.BigEndian.Uint16(buf[6:8])
	c.Priority = Priority(buf[8])
	c.Flags = buf[9]
	c.Payload = append([]byte(nil), buf[headerSize:headerSize+plen]...)
	return nil
}

// WireSize returns the encoded frame length.
func (c *Chunk) WireSize() int { return Overhead + len(c.Payload) }

// Split fragments payload into contiguous chunks sized to mtu. requireAck
// sets FlagRequireAck on every chunk. An empty payload still produces one
// zero-length chunk so the transmission has something to acknowledge.
func Split(id uint32, prio Priority, requireAck bool, payload []byte, mtu int) ([]Chunk, error) {
	room := mtu - Overhead
	if room <= 0 {
		return nil, fmt.Errorf("protocol: mtu %d leaves no payload room", mtu)
	}
	if room > MaxChunkPayload {
		room = MaxChunkPayload
	}
	total := (len(payload) + room - 1) / room
	if total == 0 {
		total = 1
	}
	if total > 0xFFFF {
		return nil, ErrTooLarge
	}
	var flags uint8
	if requireAck {
		flags |= FlagRequireAck
	}
	chunks := make([]Chunk, 0, total)
	for i := 0; i < total; i++ {
		lo := i * room
		hi := lo + room
		if hi > len(payload) {
			hi = len(payload)
		}
		chunks = append(chunks, Chunk{
			TransmissionID: id,
			Seq:            uint16(i),
			Total:          uint16(total),
			Priority:       prio,
			Flags:          flags,
			Payload:        payload[lo:hi],
		})
	}
	return chunks, nil
}

// Ack builds an acknowledgment frame for (id, seq).
func Ack(id uint32, seq uint16, prio Priority) Chunk {
	return Chunk{TransmissionID: id, Seq: seq, Total: 1, Priority: prio, Flags: FlagAck}
}
