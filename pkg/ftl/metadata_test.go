package ftl

import (
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func builderWith(attrs ...string) *MetadataBuilder {
	b := NewMetadataBuilder()
	for _, a := range attrs {
		key, value, _ := strings.Cut(a, ": ")
		b.Set(key, value)
	}
	return b
}

func TestMetadataBuilderValid(t *testing.T) {
	md, err := builderWith(validAttributes...).Build()
	require.NoError(t, err)

	assert.Equal(t, "0.9", md.ProtocolVersion())
	assert.Equal(t, "OBS Studio", md.VendorName)
	assert.Equal(t, "27.0.1", md.VendorVersion)
	assert.True(t, md.HasVideo)
	assert.Equal(t, CodecH264, md.VideoCodec)
	assert.Equal(t, uint8(96), md.VideoPayloadType)
	assert.Equal(t, uint32(124), md.VideoSSRC)
	assert.Equal(t, uint32(1280), md.VideoWidth)
	assert.Equal(t, uint32(720), md.VideoHeight)
	assert.True(t, md.HasAudio)
	assert.Equal(t, CodecOpus, md.AudioCodec)
	assert.Equal(t, uint8(97), md.AudioPayloadType)
	assert.Equal(t, uint32(123), md.AudioSSRC)
}

func TestMetadataBuilderAudioOnly(t *testing.T) {
	md, err := builderWith("ProtocolVersion: 0.9", "Audio: true", "AudioCodec: opus", "AudioPayloadType: 97").Build()
	require.NoError(t, err)
	assert.False(t, md.HasVideo)
	assert.Equal(t, CodecOpus, md.AudioCodec)
}

func TestMetadataBuilderVP8(t *testing.T) {
	md, err := builderWith("ProtocolVersion: 1.0", "Video: true", "VideoCodec: VP8", "VideoPayloadType: 100").Build()
	require.NoError(t, err)
	assert.Equal(t, CodecVP8, md.VideoCodec)
	assert.Equal(t, 1, md.ProtocolMajor)
}

func TestMetadataBuilderRejects(t *testing.T) {
	tests := []struct {
		name  string
		attrs []string
	}{
		{"no version", []string{"Audio: true", "AudioCodec: OPUS", "AudioPayloadType: 97"}},
		{"bad version", []string{"ProtocolVersion: nine", "Audio: true", "AudioCodec: OPUS", "AudioPayloadType: 97"}},
		{"no tracks", []string{"ProtocolVersion: 0.9"}},
		{"tracks disabled", []string{"ProtocolVersion: 0.9", "Video: false", "Audio: false"}},
		{"unsupported video codec", []string{"ProtocolVersion: 0.9", "Video: true", "VideoCodec: HEVC", "VideoPayloadType: 96"}},
		{"unsupported audio codec", []string{"ProtocolVersion: 0.9", "Audio: true", "AudioCodec: AAC", "AudioPayloadType: 97"}},
		{"missing payload type", []string{"ProtocolVersion: 0.9", "Video: true", "VideoCodec: H264"}},
		{"payload type out of range", []string{"ProtocolVersion: 0.9", "Video: true", "VideoCodec: H264", "VideoPayloadType: 128"}},
		{"payload type in rtcp range", []string{"ProtocolVersion: 0.9", "Video: true", "VideoCodec: H264", "VideoPayloadType: 72"}},
		{"payload type of ping", []string{"ProtocolVersion: 0.9", "Audio: true", "AudioCodec: OPUS", "AudioPayloadType: 122"}},
		{"non-numeric width", []string{"ProtocolVersion: 0.9", "Video: true", "VideoCodec: H264", "VideoPayloadType: 96", "VideoWidth: wide"}},
		{"non-boolean flag", []string{"ProtocolVersion: 0.9", "Video: yes", "VideoCodec: H264", "VideoPayloadType: 96"}},
		{"shared payload type", []string{"ProtocolVersion: 0.9",
			"Video: true", "VideoCodec: H264", "VideoPayloadType: 96",
			"Audio: true", "AudioCodec: OPUS", "AudioPayloadType: 96"}},
		{"shared ssrc", []string{"ProtocolVersion: 0.9",
			"Video: true", "VideoCodec: H264", "VideoPayloadType: 96", "VideoIngestSSRC: 5",
			"Audio: true", "AudioCodec: OPUS", "AudioPayloadType: 97", "AudioIngestSSRC: 5"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := builderWith(tt.attrs...).Build()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidAttributes)
			assert.NotErrorIs(t, err, ErrUnsupportedVersion)
		})
	}
}

func TestMetadataBuilderPayloadTypeBounds(t *testing.T) {
	for _, pt := range []string{"0", "63", "96", "121", "123", "127"} {
		_, err := builderWith("ProtocolVersion: 0.9", "Video: true", "VideoCodec: H264", "VideoPayloadType: "+pt).Build()
		assert.NoError(t, err, pt)
	}
	for _, pt := range []string{"64", "95", "122"} {
		_, err := builderWith("ProtocolVersion: 0.9", "Video: true", "VideoCodec: H264", "VideoPayloadType: "+pt).Build()
		assert.ErrorIs(t, err, ErrInvalidAttributes, pt)
	}
}

func TestAcceptedPayloadTypesClassifyAsRTP(t *testing.T) {
	for pt := 0; pt <= 127; pt++ {
		_, err := builderWith("ProtocolVersion: 0.9", "Video: true", "VideoCodec: H264", "VideoPayloadType: "+strconv.Itoa(pt)).Build()
		if err != nil {
			continue
		}
		marked := byte(pt) | 0x80
		assert.False(t, marked >= rtcpTypeMin && marked <= rtcpTypeMax, "payload type %d", pt)
		assert.NotEqual(t, byte(pingPacketType), marked, "payload type %d", pt)
	}
}

func TestMetadataBuilderOldVersion(t *testing.T) {
	_, err := builderWith("ProtocolVersion: 0.8", "Video: true", "VideoCodec: H264", "VideoPayloadType: 96").Build()
	assert.ErrorIs(t, err, ErrUnsupportedVersion)
}

func TestMetadataBuilderLastValueWins(t *testing.T) {
	b := builderWith("ProtocolVersion: 0.9", "Video: true", "VideoCodec: HEVC", "VideoPayloadType: 96")
	_, err := b.Build()
	require.Error(t, err)

	b.Set(AttrVideoCodec, "H264")
	md, err := b.Build()
	require.NoError(t, err)
	assert.Equal(t, CodecH264, md.VideoCodec)
}

func TestMetadataBuilderUnknownKeys(t *testing.T) {
	b := NewMetadataBuilder()
	assert.False(t, b.Set("Colour", "blue"))
	assert.True(t, b.Set(AttrVendorName, "x"))
	assert.Len(t, b.attrs, 1)
}

func TestTrackKindString(t *testing.T) {
	assert.Equal(t, "video", TrackVideo.String())
	assert.Equal(t, "audio", TrackAudio.String())
	assert.Equal(t, "shared", TrackShared.String())
}
