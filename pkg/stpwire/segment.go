// Package stpwire implements the on-the-wire segment format for the
// Simple Transport Protocol: a fixed 4-byte header optionally followed by
// a data payload.
package stpwire

import (
	"encoding/binary"
	"fmt"
)

// Type identifies the kind of segment carried by a header.
type Type uint16

const (
	DATA Type = iota
	ACK
	SYN
	FIN
	RESET
)

func (t Type) String() string {
	switch t {
	case DATA:
		return "DATA"
	case ACK:
		return "ACK"
	case SYN:
		return "SYN"
	case FIN:
		return "FIN"
	case RESET:
		return "RESET"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint16(t))
	}
}

// MSS is the maximum number of payload bytes carried by a single DATA
// segment.
const MSS = 1000

// HeaderLen is the fixed size, in bytes, of a segment header.
const HeaderLen = 4

// MaxDatagram is the largest number of bytes either peer may read from or
// write to the underlying datagram socket in a single operation.
const MaxDatagram = HeaderLen + MSS

// Segment is a decoded protocol message: a 4-byte header plus, for DATA
// segments, 1..MSS bytes of payload.
type Segment struct {
	Type    Type
	Seqno   uint16
	Payload []byte
}

// Encode packs the segment into its wire representation. The header is
// written in big-endian order; this is an internal implementation detail
// of this codec and is not otherwise observable, but both peers must agree
// on it since they are independent processes.
func (s Segment) Encode() []byte {
	buf := make([]byte, HeaderLen+len(s.Payload))
	binary.BigEndian.PutUint16(buf[0:2], uint16(s.Type))
	binary.BigEndian.PutUint16(buf[2:4], s.Seqno)
	copy(buf[HeaderLen:], s.Payload)
	return buf
}

// Decode parses a raw datagram into a Segment. It returns an error if the
// datagram is shorter than HeaderLen; this is the "malformed datagram"
// protocol violation from the error taxonomy.
func Decode(raw []byte) (Segment, error) {
	if len(raw) < HeaderLen {
		return Segment{}, fmt.Errorf("stpwire: short datagram: %d bytes", len(raw))
	}
	s := Segment{
		Type:  Type(binary.BigEndian.Uint16(raw[0:2])),
		Seqno: binary.BigEndian.Uint16(raw[2:4]),
	}
	if len(raw) > HeaderLen {
		s.Payload = append([]byte(nil), raw[HeaderLen:]...)
	}
	return s, nil
}

// Size returns the number of bytes this segment occupies on the wire.
func (s Segment) Size() int {
	return HeaderLen + len(s.Payload)
}
