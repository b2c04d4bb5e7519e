package rtp

import (
	"encoding/binary"
	"errors"
	"fmt"

	pionrtp "github.com/pion/rtp"
)

// Constants for RTP
const (
	HeaderSize       = 12   // Fixed RTP header size in bytes
	MaxRTPPacketSize = 1500 // Maximum RTP packet size (MTU)
	RTPVersion       = 2

	csrcSize            = 4
	extensionHeaderSize = 4
)

var (
	ErrTooShort           = errors.New("rtp: packet too short")
	ErrInvalidVersion     = errors.New("rtp: invalid version")
	ErrTruncatedExtension = errors.New("rtp: truncated header extension")
	ErrInvalidPadding     = errors.New("rtp: invalid padding")
)

// Packet is a validated, read-only view over a raw RTP datagram.
// It references the buffer it was parsed from; use Clone to keep it.
type Packet struct {
	raw           []byte
	csrcCount     uint8
	extProfile    uint16
	extension     []byte
	payloadOffset int
	payloadEnd    int
}

// Parse validates buf as an RTP packet and returns a view over it.
func Parse(buf []byte) (Packet, error) {
	if len(buf) < HeaderSize {
		return Packet{}, fmt.Errorf("%w: %d bytes (min: %d)", ErrTooShort, len(buf), HeaderSize)
	}

	if v := buf[0] >> 6; v != RTPVersion {
		return Packet{}, fmt.Errorf("%w: %d", ErrInvalidVersion, v)
	}

	p := Packet{raw: buf, csrcCount: buf[0] & 0x0F}

	offset := HeaderSize + int(p.csrcCount)*csrcSize
	if len(buf) < offset {
		return Packet{}, fmt.Errorf("%w: %d bytes for %d CSRCs", ErrTooShort, len(buf), p.csrcCount)
	}

	if p.HasExtension() {
		if len(buf) < offset+extensionHeaderSize {
			return Packet{}, fmt.Errorf("%w: missing extension header", ErrTruncatedExtension)
		}
		p.extProfile = binary.BigEndian.Uint16(buf[offset : offset+2])
		extLen := int(binary.BigEndian.Uint16(buf[offset+2:offset+4])) * 4
		offset += extensionHeaderSize
		if len(buf) < offset+extLen {
			return Packet{}, fmt.Errorf("%w: declared %d bytes, %d available", ErrTruncatedExtension, extLen, len(buf)-offset)
		}
		p.extension = buf[offset : offset+extLen]
		offset += extLen
	}

	end := len(buf)
	if p.HasPadding() {
		if end == offset {
			return Packet{}, fmt.Errorf("%w: padding flag set on empty payload", ErrInvalidPadding)
		}
		padding := int(buf[end-1])
		if padding == 0 || padding > end-offset {
			return Packet{}, fmt.Errorf("%w: %d padding bytes, %d payload bytes", ErrInvalidPadding, padding, end-offset)
		}
		end -= padding
	}

	p.payloadOffset = offset
	p.payloadEnd = end
	return p, nil
}

func (p Packet) Version() uint8         { return p.raw[0] >> 6 }
func (p Packet) HasPadding() bool       { return p.raw[0]&0x20 != 0 }
func (p Packet) HasExtension() bool     { return p.raw[0]&0x10 != 0 }
func (p Packet) Marker() bool           { return p.raw[1]&0x80 != 0 }
func (p Packet) PayloadType() uint8     { return p.raw[1] & 0x7F }
func (p Packet) SequenceNumber() uint16 { return binary.BigEndian.Uint16(p.raw[2:4]) }
func (p Packet) Timestamp() uint32      { return binary.BigEndian.Uint32(p.raw[4:8]) }
func (p Packet) SSRC() uint32           { return binary.BigEndian.Uint32(p.raw[8:12]) }
func (p Packet) CSRCCount() int         { return int(p.csrcCount) }

// CSRC returns the i-th contributing source identifier.
func (p Packet) CSRC(i int) uint32 {
	off := HeaderSize + i*csrcSize
	return binary.BigEndian.Uint32(p.raw[off : off+csrcSize])
}

// ExtensionProfile returns the "defined by profile" field of the header extension.
func (p Packet) ExtensionProfile() uint16 { return p.extProfile }

// Extension returns the header extension body, or nil when absent.
func (p Packet) Extension() []byte { return p.extension }

// Payload returns the payload without header, extension or padding.
func (p Packet) Payload() []byte { return p.raw[p.payloadOffset:p.payloadEnd] }

// Raw returns the complete datagram the packet was parsed from.
func (p Packet) Raw() []byte { return p.raw }

// Len returns the size of the datagram in bytes.
func (p Packet) Len() int { return len(p.raw) }

// Clone copies the packet into an owned pion/rtp packet.
func (p Packet) Clone() *pionrtp.Packet {
	out := &pionrtp.Packet{}
	if err := out.Unmarshal(append([]byte(nil), p.raw...)); err == nil {
		return out
	}

	// pion rejects some RFC 8285 extension element layouts that are structurally
	// fine here; keep the fixed header and the payload.
	out = &pionrtp.Packet{
		Header: pionrtp.Header{
			Version:        p.Version(),
			Marker:         p.Marker(),
			PayloadType:    p.PayloadType(),
			SequenceNumber: p.SequenceNumber(),
			Timestamp:      p.Timestamp(),
			SSRC:           p.SSRC(),
		},
		Payload: append([]byte(nil), p.Payload()...),
	}
	if n := p.CSRCCount(); n > 0 {
		out.CSRC = make([]uint32, n)
		for i := range out.CSRC {
			out.CSRC[i] = p.CSRC(i)
		}
	}
	return out
}

// String returns a string representation of the RTP packet
func (p Packet) String() string {
	return fmt.Sprintf("RTP{V:%d PT:%d Seq:%d TS:%d SSRC:%d PayloadLen:%d}",
		p.Version(),
		p.PayloadType(),
		p.SequenceNumber(),
		p.Timestamp(),
		p.SSRC(),
		len(p.Payload()))
}
