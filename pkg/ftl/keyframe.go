package ftl

import (
	"encoding/binary"

	"github.com/pion/rtp/codecs"
)

// H.264 NAL unit types (RFC 6184)
const (
	naluTypeIDR   = 5
	naluTypeSPS   = 7
	naluTypeSTAPA = 24
	naluTypeFUA   = 28
)

// IsKeyframe is the default KeyframeDetector. It recognises H.264 IDR and
// SPS units, including inside STAP-A and at the start of FU-A fragments,
// and VP8 key frames.
func IsKeyframe(codec string, payload []byte) bool {
	switch codec {
	case CodecH264:
		return isH264Keyframe(payload)
	case CodecVP8:
		return isVP8Keyframe(payload)
	default:
		return false
	}
}

func isH264Keyframe(payload []byte) bool {
	if len(payload) == 0 {
		return false
	}

	switch nalu := payload[0] & 0x1F; nalu {
	case naluTypeIDR, naluTypeSPS:
		return true

	case naluTypeSTAPA:
		for offset := 1; offset+2 < len(payload); {
			size := int(binary.BigEndian.Uint16(payload[offset : offset+2]))
			offset += 2
			if size == 0 || offset+size > len(payload) {
				return false
			}
			if t := payload[offset] & 0x1F; t == naluTypeIDR || t == naluTypeSPS {
				return true
			}
			offset += size
		}
		return false

	case naluTypeFUA:
		if len(payload) < 2 {
			return false
		}
		start := payload[1]&0x80 != 0
		t := payload[1] & 0x1F
		return start && (t == naluTypeIDR || t == naluTypeSPS)

	default:
		return false
	}
}

func isVP8Keyframe(payload []byte) bool {
	var vp8 codecs.VP8Packet
	frame, err := vp8.Unmarshal(payload)
	if err != nil || len(frame) == 0 {
		return false
	}
	// Only the first partition of a frame carries the frame header; P bit 0 is a key frame.
	return vp8.S == 1 && vp8.PID == 0 && frame[0]&0x01 == 0
}
