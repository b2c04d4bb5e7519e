package ftl

import (
	"net"
	"testing"
	"time"

	"github.com/pion/rtcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	videoPT   = 96
	audioPT   = 97
	videoSSRC = 124
	audioSSRC = 123
)

var (
	idrPayload   = []byte{0x65, 0x88, 0x84, 0x00}
	deltaPayload = []byte{0x41, 0x9A, 0x02}
)

func testMetadata() MediaMetadata {
	return MediaMetadata{
		ChannelID:        123,
		ProtocolMajor:    0,
		ProtocolMinor:    9,
		HasVideo:         true,
		VideoCodec:       CodecH264,
		VideoPayloadType: videoPT,
		VideoSSRC:        videoSSRC,
		HasAudio:         true,
		AudioCodec:       CodecOpus,
		AudioPayloadType: audioPT,
		AudioSSRC:        audioSSRC,
	}
}

func newTestStream(sink *recordingSink, media MediaConfig, sockets ...MediaSocket) *MediaStream {
	return NewMediaStream(MediaStreamConfig{
		ChannelID:    123,
		StreamID:     1001,
		Metadata:     testMetadata(),
		Media:        media,
		PacketSink:   sink,
		KeyframeSink: sink,
	}, sockets...)
}

func feedVideo(t *testing.T, s *MediaStream, seq uint16, ts uint32, marker bool, payload []byte) {
	t.Helper()
	s.OnDatagram(TrackShared, rtpPacket(t, videoPT, seq, ts, videoSSRC, marker, payload), nil, time.Now())
}

func TestMediaStreamCachesCompleteKeyframe(t *testing.T) {
	sink := &recordingSink{}
	s := newTestStream(sink, MediaConfig{})

	feedVideo(t, s, 10, 1000, false, idrPayload)
	feedVideo(t, s, 11, 1000, false, []byte{0x7C, 0x05, 0x01})
	feedVideo(t, s, 12, 1000, true, []byte{0x7C, 0x45, 0x02})
	require.Nil(t, s.Keyframe())

	feedVideo(t, s, 13, 4000, false, deltaPayload)

	kf := s.Keyframe()
	require.Len(t, kf, 3)
	for i, p := range kf {
		assert.Equal(t, uint16(10+i), p.SequenceNumber)
		assert.Equal(t, uint32(1000), p.Timestamp)
	}
	assert.Equal(t, 1, sink.keyframeCount())
	assert.Equal(t, 4, sink.packetCount())
	assert.Equal(t, uint64(1), s.Stats().KeyframesCached)
}

func TestMediaStreamDiscardsIncompleteKeyframe(t *testing.T) {
	sink := &recordingSink{}
	s := newTestStream(sink, MediaConfig{})

	feedVideo(t, s, 10, 1000, false, idrPayload)
	feedVideo(t, s, 12, 1000, true, []byte{0x7C, 0x45, 0x02})
	feedVideo(t, s, 13, 4000, false, deltaPayload)

	assert.Nil(t, s.Keyframe())
	assert.Zero(t, sink.keyframeCount())
	assert.Equal(t, 3, sink.packetCount())
}

func TestMediaStreamKeepsPreviousKeyframe(t *testing.T) {
	sink := &recordingSink{}
	s := newTestStream(sink, MediaConfig{})

	feedVideo(t, s, 10, 1000, true, idrPayload)
	feedVideo(t, s, 11, 4000, true, deltaPayload)
	require.Len(t, s.Keyframe(), 1)

	// incomplete keyframe at 7000
	feedVideo(t, s, 12, 7000, false, idrPayload)
	feedVideo(t, s, 14, 7000, true, []byte{0x7C, 0x45, 0x02})
	feedVideo(t, s, 15, 10000, true, deltaPayload)

	kf := s.Keyframe()
	require.Len(t, kf, 1)
	assert.Equal(t, uint32(1000), kf[0].Timestamp)
	assert.Equal(t, 1, sink.keyframeCount())
}

func TestMediaStreamReorderedKeyframe(t *testing.T) {
	sink := &recordingSink{}
	s := newTestStream(sink, MediaConfig{})

	feedVideo(t, s, 10, 1000, false, idrPayload)
	feedVideo(t, s, 12, 1000, true, []byte{0x7C, 0x45, 0x02})
	feedVideo(t, s, 11, 1000, false, []byte{0x7C, 0x05, 0x01})
	feedVideo(t, s, 13, 4000, false, deltaPayload)

	kf := s.Keyframe()
	require.Len(t, kf, 3)
	assert.Equal(t, uint16(11), kf[1].SequenceNumber)

	stats := s.Stats()
	require.Len(t, stats.Tracks, 2)
	video := stats.Tracks[0]
	assert.Equal(t, TrackVideo, video.Kind)
	assert.Equal(t, uint64(1), video.Lost)
	assert.Equal(t, uint64(1), video.Recovered)
	assert.Equal(t, uint64(1), video.OutOfOrder)
}

func TestMediaStreamDiscardsKeyframeMissingLeadingPackets(t *testing.T) {
	sink := &recordingSink{}
	s := newTestStream(sink, MediaConfig{})

	feedVideo(t, s, 8, 500, false, deltaPayload)
	feedVideo(t, s, 9, 500, true, deltaPayload)
	// seq 10 (SPS/PPS STAP-A) is lost
	feedVideo(t, s, 11, 1000, false, []byte{0x7C, 0x85, 0x01})
	feedVideo(t, s, 12, 1000, true, []byte{0x7C, 0x45, 0x02})
	feedVideo(t, s, 13, 4000, false, deltaPayload)

	assert.Nil(t, s.Keyframe())
	assert.Zero(t, sink.keyframeCount())
}

func TestMediaStreamKeyframeLeadingPacketArrivesLate(t *testing.T) {
	s := newTestStream(&recordingSink{}, MediaConfig{})

	feedVideo(t, s, 8, 500, false, deltaPayload)
	feedVideo(t, s, 9, 500, true, deltaPayload)
	feedVideo(t, s, 11, 1000, false, []byte{0x7C, 0x85, 0x01})
	feedVideo(t, s, 10, 1000, false, []byte{0x78, 0x00, 0x02, 0x67, 0x42})
	feedVideo(t, s, 12, 1000, true, []byte{0x7C, 0x45, 0x02})
	feedVideo(t, s, 13, 4000, false, deltaPayload)

	kf := s.Keyframe()
	require.Len(t, kf, 3)
	assert.Equal(t, uint16(10), kf[0].SequenceNumber)
	assert.Equal(t, uint16(12), kf[2].SequenceNumber)
}

func TestMediaStreamKeyframeWithoutMarker(t *testing.T) {
	s := newTestStream(&recordingSink{}, MediaConfig{})

	// no marker, but the next frame starts right after the last packet
	feedVideo(t, s, 10, 1000, false, idrPayload)
	feedVideo(t, s, 11, 4000, false, deltaPayload)
	assert.Len(t, s.Keyframe(), 1)

	// no marker and a gap before the next frame: the end is unknown
	feedVideo(t, s, 20, 7000, false, idrPayload)
	feedVideo(t, s, 22, 10000, false, deltaPayload)
	kf := s.Keyframe()
	require.Len(t, kf, 1)
	assert.Equal(t, uint16(10), kf[0].SequenceNumber)
}

func TestMediaStreamIgnoresDeltaFrames(t *testing.T) {
	s := newTestStream(&recordingSink{}, MediaConfig{})

	feedVideo(t, s, 1, 1000, true, deltaPayload)
	feedVideo(t, s, 2, 4000, true, deltaPayload)
	assert.Nil(t, s.Keyframe())
}

func TestMediaStreamAudioNeverCached(t *testing.T) {
	sink := &recordingSink{}
	s := newTestStream(sink, MediaConfig{})

	s.OnDatagram(TrackShared, rtpPacket(t, audioPT, 1, 960, audioSSRC, true, idrPayload), nil, time.Now())
	s.OnDatagram(TrackShared, rtpPacket(t, audioPT, 2, 1920, audioSSRC, true, idrPayload), nil, time.Now())

	assert.Nil(t, s.Keyframe())
	require.Equal(t, 2, sink.packetCount())
	assert.Equal(t, TrackAudio, sink.kinds[0])
}

func TestMediaStreamMalformedAndUnrouted(t *testing.T) {
	sink := &recordingSink{}
	s := newTestStream(sink, MediaConfig{})

	s.OnDatagram(TrackShared, []byte{0x80, videoPT, 0, 1, 0}, nil, time.Now())
	s.OnDatagram(TrackShared, []byte{0x80}, nil, time.Now())
	s.OnDatagram(TrackShared, rtpPacket(t, 50, 1, 1, 1, false, []byte{1}), nil, time.Now())

	stats := s.Stats()
	assert.Equal(t, uint64(2), stats.Malformed)
	assert.Equal(t, uint64(1), stats.Unrouted)
	assert.Zero(t, sink.packetCount())
	assert.NoError(t, s.Err())

	select {
	case <-s.Faulted():
		t.Fatal("malformed input faulted the stream")
	default:
	}
}

func TestMediaStreamLossAndDuplicates(t *testing.T) {
	s := newTestStream(&recordingSink{}, MediaConfig{})

	for _, seq := range []uint16{1, 2, 6, 6, 4} {
		feedVideo(t, s, seq, uint32(seq)*3000, true, deltaPayload)
	}

	video := s.Stats().Tracks[0]
	assert.Equal(t, uint64(5), video.Packets)
	assert.Equal(t, uint64(3), video.Lost)
	assert.Equal(t, uint64(1), video.Recovered)
	assert.Equal(t, uint64(1), video.Duplicates)
	assert.Equal(t, uint64(1), video.OutOfOrder)
	assert.Equal(t, uint64(6), video.HighestSequence)
}

func TestMediaStreamSourceChange(t *testing.T) {
	s := newTestStream(&recordingSink{}, MediaConfig{})

	feedVideo(t, s, 100, 1000, true, deltaPayload)
	s.OnDatagram(TrackShared, rtpPacket(t, videoPT, 5, 1000, 999, true, deltaPayload), nil, time.Now())

	video := s.Stats().Tracks[0]
	assert.Equal(t, uint32(999), video.SSRC)
	assert.Equal(t, uint64(1), video.Restarts)
	assert.Equal(t, uint64(5), video.HighestSequence)
	assert.Zero(t, video.Lost)
}

func TestMediaStreamSenderReport(t *testing.T) {
	s := newTestStream(&recordingSink{}, MediaConfig{})
	feedVideo(t, s, 1, 1000, true, deltaPayload)

	sr, err := (&rtcp.SenderReport{SSRC: videoSSRC, NTPTime: 0xDEADBEEF, RTPTime: 1000}).Marshal()
	require.NoError(t, err)
	s.OnDatagram(TrackShared, sr, nil, time.Now())

	stats := s.Stats()
	assert.Equal(t, uint64(1), stats.RTCPPackets)
	assert.Equal(t, uint64(1), stats.Tracks[0].SenderReports)
	assert.Equal(t, uint64(0xDEADBEEF), stats.Tracks[0].LastSenderReportNTP)
}

func TestMediaStreamCheckIdle(t *testing.T) {
	s := newTestStream(&recordingSink{}, MediaConfig{IdleTimeout: time.Second})
	created := s.Stats().Created

	assert.False(t, s.CheckIdle(created.Add(500*time.Millisecond)))
	assert.True(t, s.CheckIdle(created.Add(1500*time.Millisecond)))

	arrival := created.Add(2 * time.Second)
	s.OnDatagram(TrackShared, rtpPacket(t, videoPT, 1, 1, videoSSRC, true, deltaPayload), nil, arrival)
	assert.False(t, s.CheckIdle(arrival.Add(500*time.Millisecond)))
	assert.True(t, s.CheckIdle(arrival.Add(1500*time.Millisecond)))
}

func TestMediaStreamOverUDP(t *testing.T) {
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	sink := &recordingSink{}
	s := newTestStream(sink, MediaConfig{NackEnabled: true, PingEcho: true}, MediaSocket{Conn: conn, Track: TrackShared})
	s.Start()
	defer s.Close()

	client, err := net.Dial("udp", conn.LocalAddr().String())
	require.NoError(t, err)
	defer client.Close()

	send := func(data []byte) {
		_, err := client.Write(data)
		require.NoError(t, err)
	}
	recv := func() []byte {
		client.SetReadDeadline(time.Now().Add(2 * time.Second))
		buf := make([]byte, 1500)
		n, err := client.Read(buf)
		require.NoError(t, err)
		return buf[:n]
	}

	send(rtpPacket(t, videoPT, 1, 1000, videoSSRC, true, deltaPayload))
	send(rtpPacket(t, videoPT, 4, 4000, videoSSRC, true, deltaPayload))

	packets, err := rtcp.Unmarshal(recv())
	require.NoError(t, err)
	require.Len(t, packets, 1)
	nack, ok := packets[0].(*rtcp.TransportLayerNack)
	require.True(t, ok, "got %T", packets[0])
	assert.Equal(t, uint32(videoSSRC), nack.MediaSSRC)
	require.Len(t, nack.Nacks, 1)
	assert.Equal(t, []uint16{2, 3}, nack.Nacks[0].PacketList())

	ping := []byte{0x80, pingPacketType, 0, 1, 0, 0, 0, 0, 0, 0, 0, 0}
	send(ping)
	assert.Equal(t, ping, recv())

	require.Eventually(t, func() bool { return sink.packetCount() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(2), s.Stats().Tracks[0].NacksSent)

	s.Close()
	client.Write(rtpPacket(t, videoPT, 5, 7000, videoSSRC, true, deltaPayload))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 2, sink.packetCount())
	assert.NoError(t, s.Err())
}
