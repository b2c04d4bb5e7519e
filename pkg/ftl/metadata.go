package ftl

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrInvalidAttributes  = errors.New("ftl: invalid media attributes")
	ErrUnsupportedVersion = errors.New("ftl: unsupported protocol version")
)

// ChannelID identifies a broadcaster's channel.
type ChannelID uint32

// StreamID identifies one ingest session of a channel, assigned by the control plane.
type StreamID uint32

// TrackKind tags a media track or the socket it arrives on.
type TrackKind int

const (
	TrackShared TrackKind = iota
	TrackAudio
	TrackVideo
)

// String returns the string representation of the track kind
func (k TrackKind) String() string {
	switch k {
	case TrackShared:
		return "shared"
	case TrackAudio:
		return "audio"
	case TrackVideo:
		return "video"
	default:
		return "unknown"
	}
}

// MediaMetadata is the validated result of attribute negotiation.
type MediaMetadata struct {
	ChannelID     ChannelID
	ProtocolMajor int
	ProtocolMinor int
	VendorName    string
	VendorVersion string

	HasVideo         bool
	VideoCodec       string
	VideoPayloadType uint8
	VideoSSRC        uint32
	VideoWidth       uint32
	VideoHeight      uint32

	HasAudio         bool
	AudioCodec       string
	AudioPayloadType uint8
	AudioSSRC        uint32
}

// ProtocolVersion returns the version string, e.g. "0.9".
func (m MediaMetadata) ProtocolVersion() string {
	return fmt.Sprintf("%d.%d", m.ProtocolMajor, m.ProtocolMinor)
}

var knownAttributes = map[string]struct{}{
	AttrProtocolVersion:  {},
	AttrVendorName:       {},
	AttrVendorVersion:    {},
	AttrVideo:            {},
	AttrVideoCodec:       {},
	AttrVideoHeight:      {},
	AttrVideoWidth:       {},
	AttrVideoPayloadType: {},
	AttrVideoIngestSSRC:  {},
	AttrAudio:            {},
	AttrAudioCodec:       {},
	AttrAudioPayloadType: {},
	AttrAudioIngestSSRC:  {},
}

// MetadataBuilder collects "Key: value" attributes until the terminator and
// validates them as a whole. Later values for the same key win, so an
// encoder can correct a rejected block and send the terminator again.
type MetadataBuilder struct {
	attrs map[string]string
}

// NewMetadataBuilder creates an empty builder
func NewMetadataBuilder() *MetadataBuilder {
	return &MetadataBuilder{attrs: make(map[string]string)}
}

// Set records an attribute. It reports false for keys the bridge does not
// understand; those are ignored.
func (b *MetadataBuilder) Set(key, value string) bool {
	if _, ok := knownAttributes[key]; !ok {
		return false
	}
	b.attrs[key] = value
	return true
}

// Build validates the collected attributes.
func (b *MetadataBuilder) Build() (MediaMetadata, error) {
	var m MediaMetadata
	var errs []error

	version, ok := b.attrs[AttrProtocolVersion]
	if !ok {
		errs = append(errs, fmt.Errorf("%s is required", AttrProtocolVersion))
	} else {
		major, minor, err := parseVersion(version)
		if err != nil {
			errs = append(errs, err)
		} else if major < ProtocolVersionMajor || (major == ProtocolVersionMajor && minor < ProtocolVersionMinor) {
			return MediaMetadata{}, fmt.Errorf("%w: %s (min: %d.%d)", ErrUnsupportedVersion, version, ProtocolVersionMajor, ProtocolVersionMinor)
		}
		m.ProtocolMajor, m.ProtocolMinor = major, minor
	}

	m.VendorName = b.attrs[AttrVendorName]
	m.VendorVersion = b.attrs[AttrVendorVersion]

	var err error
	if m.HasVideo, err = b.flag(AttrVideo); err != nil {
		errs = append(errs, err)
	}
	if m.HasAudio, err = b.flag(AttrAudio); err != nil {
		errs = append(errs, err)
	}

	if m.HasVideo {
		m.VideoCodec = strings.ToUpper(b.attrs[AttrVideoCodec])
		if m.VideoCodec != CodecH264 && m.VideoCodec != CodecVP8 {
			errs = append(errs, fmt.Errorf("unsupported video codec %q", b.attrs[AttrVideoCodec]))
		}
		if m.VideoPayloadType, err = b.payloadType(AttrVideoPayloadType); err != nil {
			errs = append(errs, err)
		}
		if m.VideoSSRC, err = b.uint32(AttrVideoIngestSSRC); err != nil {
			errs = append(errs, err)
		}
		if m.VideoWidth, err = b.uint32(AttrVideoWidth); err != nil {
			errs = append(errs, err)
		}
		if m.VideoHeight, err = b.uint32(AttrVideoHeight); err != nil {
			errs = append(errs, err)
		}
	}

	if m.HasAudio {
		m.AudioCodec = strings.ToUpper(b.attrs[AttrAudioCodec])
		if m.AudioCodec != CodecOpus {
			errs = append(errs, fmt.Errorf("unsupported audio codec %q", b.attrs[AttrAudioCodec]))
		}
		if m.AudioPayloadType, err = b.payloadType(AttrAudioPayloadType); err != nil {
			errs = append(errs, err)
		}
		if m.AudioSSRC, err = b.uint32(AttrAudioIngestSSRC); err != nil {
			errs = append(errs, err)
		}
	}

	if !m.HasVideo && !m.HasAudio {
		errs = append(errs, errors.New("neither audio nor video declared"))
	}

	if m.HasVideo && m.HasAudio {
		if m.VideoPayloadType == m.AudioPayloadType {
			errs = append(errs, fmt.Errorf("audio and video share payload type %d", m.VideoPayloadType))
		}
		if m.VideoSSRC != 0 && m.VideoSSRC == m.AudioSSRC {
			errs = append(errs, fmt.Errorf("audio and video share SSRC %d", m.VideoSSRC))
		}
	}

	if len(errs) > 0 {
		return MediaMetadata{}, fmt.Errorf("%w: %w", ErrInvalidAttributes, errors.Join(errs...))
	}
	return m, nil
}

func (b *MetadataBuilder) flag(key string) (bool, error) {
	v, ok := b.attrs[key]
	if !ok {
		return false, nil
	}
	on, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s: %q is not a boolean", key, v)
	}
	return on, nil
}

func (b *MetadataBuilder) payloadType(key string) (uint8, error) {
	v, ok := b.attrs[key]
	if !ok {
		return 0, fmt.Errorf("%s is required", key)
	}
	pt, err := strconv.ParseUint(v, 10, 8)
	if err != nil || pt > 127 {
		return 0, fmt.Errorf("%s: %q is not a payload type (0-127)", key, v)
	}
	// With the marker bit set these collide with RTCP and ping datagrams.
	if marked := uint8(pt) | 0x80; (marked >= rtcpTypeMin && marked <= rtcpTypeMax) || marked == pingPacketType {
		return 0, fmt.Errorf("%s: payload type %d is reserved", key, pt)
	}
	return uint8(pt), nil
}

func (b *MetadataBuilder) uint32(key string) (uint32, error) {
	v, ok := b.attrs[key]
	if !ok {
		return 0, nil
	}
	n, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%s: %q is not a number", key, v)
	}
	return uint32(n), nil
}

func parseVersion(v string) (int, int, error) {
	majorStr, minorStr, ok := strings.Cut(v, ".")
	if !ok {
		minorStr = "0"
	}
	major, err := strconv.Atoi(majorStr)
	if err != nil || major < 0 {
		return 0, 0, fmt.Errorf("%s: %q is not a version", AttrProtocolVersion, v)
	}
	minor, err := strconv.Atoi(minorStr)
	if err != nil || minor < 0 {
		return 0, 0, fmt.Errorf("%s: %q is not a version", AttrProtocolVersion, v)
	}
	return major, minor, nil
}
