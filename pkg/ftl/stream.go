package ftl

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/pion/rtcp"
	pionrtp "github.com/pion/rtp"

	"ftlbridge/pkg/rtp"
)

const mediaReadBufferSize = 1 << 16

// MediaConfig holds the tunables of media ingest.
type MediaConfig struct {
	IdleTimeout    time.Duration
	ReorderWindow  int
	NackEnabled    bool
	MaxNacksPerGap int
	PingEcho       bool
}

func (c MediaConfig) withDefaults() MediaConfig {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.ReorderWindow <= 0 {
		c.ReorderWindow = rtp.DefaultReorderWindow
	}
	if c.MaxNacksPerGap <= 0 {
		c.MaxNacksPerGap = DefaultMaxNacksPerGap
	}
	return c
}

// MediaStreamConfig describes one negotiated stream.
type MediaStreamConfig struct {
	ChannelID ChannelID
	StreamID  StreamID
	Metadata  MediaMetadata
	Media     MediaConfig

	KeyframeDetector KeyframeDetector
	PacketSink       PacketSink
	KeyframeSink     KeyframeSink
	Observer         Observer
	Logger           *slog.Logger
}

// MediaSocket is a bound UDP socket and the track it carries.
type MediaSocket struct {
	Conn  net.PacketConn
	Track TrackKind
}

// TrackStats is a snapshot of one track's counters.
type TrackStats struct {
	Kind                TrackKind
	Codec               string
	PayloadType         uint8
	SSRC                uint32
	Packets             uint64
	Bytes               uint64
	OutOfOrder          uint64
	Lost                uint64
	Recovered           uint64
	Duplicates          uint64
	Restarts            uint64
	NacksSent           uint64
	SenderReports       uint64
	LastSenderReportNTP uint64
	HighestSequence     uint64
	LastPacket          time.Time
}

// StreamStats is a snapshot of a MediaStream's counters.
type StreamStats struct {
	ChannelID         ChannelID
	StreamID          StreamID
	Created           time.Time
	LastActivity      time.Time
	Malformed         uint64
	Unrouted          uint64
	RTCPPackets       uint64
	Pings             uint64
	KeyframesCached   uint64
	KeyframeTimestamp uint32
	KeyframePackets   int
	Tracks            []TrackStats
}

type trackState struct {
	kind        TrackKind
	codec       string
	payloadType uint8
	ssrc        uint32
	hasSSRC     bool
	counter     *rtp.SequenceCounter
	missing     map[uint64]struct{}
	lastPacket  time.Time
	replyTo     net.Addr

	packets       uint64
	bytes         uint64
	outOfOrder    uint64
	lost          uint64
	recovered     uint64
	duplicates    uint64
	restarts      uint64
	nacksSent     uint64
	senderReports uint64
	lastSRNTP     uint64
}

// frameGroup accumulates the packets of one RTP timestamp.
type frameGroup struct {
	active    bool
	timestamp uint32
	keyframe  bool
	after     uint64 // high-water mark before the group's first packet
	seqs      []uint64
	packets   []*pionrtp.Packet
}

func (g *frameGroup) reset() {
	g.active = false
	g.keyframe = false
	g.seqs = g.seqs[:0]
	g.packets = nil
}

func (g *frameGroup) insert(ext uint64, pkt *pionrtp.Packet) {
	i := sort.Search(len(g.seqs), func(i int) bool { return g.seqs[i] >= ext })
	if i < len(g.seqs) && g.seqs[i] == ext {
		return
	}
	g.seqs = append(g.seqs, 0)
	copy(g.seqs[i+1:], g.seqs[i:])
	g.seqs[i] = ext
	g.packets = append(g.packets, nil)
	copy(g.packets[i+1:], g.packets[i:])
	g.packets[i] = pkt
}

// complete reports whether the group has no holes, starts right after the
// packet that preceded it and is known to end: either its last packet
// carries the marker bit or next directly follows it.
func (g *frameGroup) complete(next uint64) bool {
	if len(g.seqs) == 0 || g.seqs[0] != g.after+1 {
		return false
	}
	for i := 1; i < len(g.seqs); i++ {
		if g.seqs[i] != g.seqs[i-1]+1 {
			return false
		}
	}
	last := len(g.seqs) - 1
	return g.packets[last].Marker || next == g.seqs[last]+1
}

// MediaStream ingests the RTP/RTCP datagrams of one FTL stream. All state
// is guarded by a single mutex; socket read loops and the owner's periodic
// checks may run concurrently.
type MediaStream struct {
	mu sync.Mutex

	cfg      MediaStreamConfig
	logger   *slog.Logger
	observer Observer
	detector KeyframeDetector

	sockets []MediaSocket
	tracks  map[TrackKind]*trackState
	byPT    map[uint8]*trackState

	created       time.Time
	lastActivity  time.Time
	receivedMedia bool

	malformed   uint64
	unrouted    uint64
	rtcpPackets uint64
	pings       uint64

	building        frameGroup
	keyframe        []*pionrtp.Packet
	keyframeTS      uint32
	keyframesCached uint64

	closed    bool
	err       error
	faulted   chan struct{}
	faultOnce sync.Once
	wg        sync.WaitGroup
}

// NewMediaStream creates a stream for the negotiated tracks. Sockets are
// read once Start is called.
func NewMediaStream(cfg MediaStreamConfig, sockets ...MediaSocket) *MediaStream {
	cfg.Media = cfg.Media.withDefaults()

	s := &MediaStream{
		cfg:      cfg,
		logger:   cfg.Logger,
		observer: cfg.Observer,
		detector: cfg.KeyframeDetector,
		sockets:  sockets,
		tracks:   make(map[TrackKind]*trackState),
		byPT:     make(map[uint8]*trackState),
		created:  time.Now(),
		faulted:  make(chan struct{}),
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.observer == nil {
		s.observer = noopObserver{}
	}
	if s.detector == nil {
		s.detector = IsKeyframe
	}
	s.lastActivity = s.created

	md := cfg.Metadata
	if md.HasVideo {
		s.addTrack(TrackVideo, md.VideoCodec, md.VideoPayloadType, md.VideoSSRC)
	}
	if md.HasAudio {
		s.addTrack(TrackAudio, md.AudioCodec, md.AudioPayloadType, md.AudioSSRC)
	}

	return s
}

func (s *MediaStream) addTrack(kind TrackKind, codec string, pt uint8, ssrc uint32) {
	t := &trackState{
		kind:        kind,
		codec:       codec,
		payloadType: pt,
		ssrc:        ssrc,
		missing:     make(map[uint64]struct{}),
	}
	s.tracks[kind] = t
	s.byPT[pt] = t
}

// Start launches one read goroutine per socket.
func (s *MediaStream) Start() {
	for _, sock := range s.sockets {
		s.wg.Add(1)
		go s.readLoop(sock)
	}
}

// Close stops the read loops and waits for them; no datagram is routed
// after Close returns. It is safe to call more than once.
func (s *MediaStream) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.wg.Wait()
		return
	}
	s.closed = true
	s.mu.Unlock()

	for _, sock := range s.sockets {
		if err := sock.Conn.Close(); err != nil {
			s.logger.Debug("Error closing media socket", "track", sock.Track, "err", err)
		}
	}
	s.wg.Wait()
}

// Err returns the error that faulted the stream, if any.
func (s *MediaStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Faulted is closed when a socket read fails.
func (s *MediaStream) Faulted() <-chan struct{} {
	return s.faulted
}

func (s *MediaStream) fault(err error) {
	s.faultOnce.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.faulted)
	})
}

func (s *MediaStream) readLoop(sock MediaSocket) {
	defer s.wg.Done()

	buf := make([]byte, mediaReadBufferSize)
	for {
		n, from, err := sock.Conn.ReadFrom(buf)
		if err != nil {
			if s.isClosed() {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			s.logger.Error("Media socket read failed", "track", sock.Track, "err", err)
			s.fault(fmt.Errorf("media socket read: %w", err))
			return
		}

		s.OnDatagram(sock.Track, buf[:n], from, time.Now())
	}
}

func (s *MediaStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// OnDatagram routes one datagram received on the socket tagged socketTrack.
// from may be nil when no reply path exists.
func (s *MediaStream) OnDatagram(socketTrack TrackKind, buf []byte, from net.Addr, arrival time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	if len(buf) < 2 {
		s.dropMalformed(len(buf), errors.New("datagram too short"))
		return
	}

	switch kind := buf[1]; {
	case kind >= rtcpTypeMin && kind <= rtcpTypeMax:
		s.handleRTCP(buf, arrival)
	case kind == pingPacketType:
		s.handlePing(socketTrack, buf, from, arrival)
	default:
		s.handleRTP(socketTrack, buf, from, arrival)
	}
}

func (s *MediaStream) dropMalformed(size int, err error) {
	s.malformed++
	s.observer.PacketMalformed()
	s.logger.Debug("Dropping malformed datagram", "size", size, "err", err)
}

func (s *MediaStream) handleRTP(socketTrack TrackKind, buf []byte, from net.Addr, arrival time.Time) {
	pkt, err := rtp.Parse(buf)
	if err != nil {
		s.dropMalformed(len(buf), err)
		return
	}

	t, ok := s.byPT[pkt.PayloadType()]
	if !ok {
		s.unrouted++
		return
	}

	if !t.hasSSRC || t.counter == nil || t.ssrc != pkt.SSRC() {
		if t.counter != nil {
			t.restarts++
			s.logger.Info("Media source changed", "track", t.kind, "oldSsrc", t.ssrc, "newSsrc", pkt.SSRC())
		}
		t.ssrc = pkt.SSRC()
		t.hasSSRC = true
		t.counter = rtp.NewSequenceCounter(s.cfg.Media.ReorderWindow)
		clear(t.missing)
		if t.kind == TrackVideo {
			s.building.reset()
		}
	}

	obs := t.counter.Observe(pkt.SequenceNumber())

	t.packets++
	t.bytes += uint64(len(buf))
	t.lastPacket = arrival
	if from != nil {
		t.replyTo = from
	}
	s.lastActivity = arrival
	s.receivedMedia = true
	s.observer.PacketReceived(t.kind, len(buf))

	switch {
	case obs.Restart:
		t.restarts++
		clear(t.missing)
		if t.kind == TrackVideo {
			s.building.reset()
		}
	case obs.Duplicate:
		t.duplicates++
	case obs.Late:
		t.outOfOrder++
		if _, ok := t.missing[obs.Extended]; ok {
			delete(t.missing, obs.Extended)
			t.recovered++
		}
	case obs.Gap > 0:
		s.recordGap(socketTrack, t, obs)
	}

	if t.kind == TrackVideo && !obs.Duplicate {
		s.updateKeyframe(t, pkt, obs)
	}

	if s.cfg.PacketSink != nil {
		s.cfg.PacketSink.OnMediaPacket(s.cfg.StreamID, t.kind, pkt, obs.Extended)
	}
}

func (s *MediaStream) recordGap(socketTrack TrackKind, t *trackState, obs rtp.Observation) {
	t.lost += uint64(obs.Gap)
	s.observer.PacketsLost(t.kind, obs.Gap)

	// Only the newest MaxNacksPerGap sequence numbers of a gap are tracked
	// and requested again; older ones are unlikely to arrive in time.
	n := min(obs.Gap, s.cfg.Media.MaxNacksPerGap)
	seqs := make([]uint16, 0, n)
	for ext := obs.Extended - uint64(n); ext < obs.Extended; ext++ {
		t.missing[ext] = struct{}{}
		seqs = append(seqs, uint16(ext))
	}
	s.pruneMissing(t)

	if s.cfg.Media.NackEnabled {
		s.sendNack(socketTrack, t, seqs)
	}
}

func (s *MediaStream) pruneMissing(t *trackState) {
	limit := 2 * s.cfg.Media.ReorderWindow
	if len(t.missing) <= limit {
		return
	}
	highest := t.counter.Highest()
	for ext := range t.missing {
		if ext+uint64(s.cfg.Media.ReorderWindow) < highest {
			delete(t.missing, ext)
		}
	}
}

func (s *MediaStream) sendNack(socketTrack TrackKind, t *trackState, seqs []uint16) {
	conn := s.socketFor(socketTrack)
	if conn == nil || t.replyTo == nil || len(seqs) == 0 {
		return
	}

	nack := &rtcp.TransportLayerNack{
		SenderSSRC: uint32(s.cfg.StreamID),
		MediaSSRC:  t.ssrc,
		Nacks:      rtcp.NackPairsFromSequenceNumbers(seqs),
	}
	data, err := nack.Marshal()
	if err != nil {
		s.logger.Warn("Failed to marshal NACK", "track", t.kind, "err", err)
		return
	}
	if _, err := conn.WriteTo(data, t.replyTo); err != nil {
		s.logger.Debug("Failed to send NACK", "track", t.kind, "err", err)
		return
	}

	t.nacksSent += uint64(len(seqs))
	s.observer.NacksSent(t.kind, len(seqs))
}

func (s *MediaStream) socketFor(track TrackKind) net.PacketConn {
	for _, sock := range s.sockets {
		if sock.Track == track {
			return sock.Conn
		}
	}
	for _, sock := range s.sockets {
		if sock.Track == TrackShared {
			return sock.Conn
		}
	}
	return nil
}

func (s *MediaStream) updateKeyframe(t *trackState, pkt rtp.Packet, obs rtp.Observation) {
	g := &s.building
	ts := pkt.Timestamp()

	switch {
	case !g.active:
		if obs.Late {
			return
		}
		g.active = true
		g.timestamp = ts
		g.after = obs.Extended - uint64(obs.Gap) - 1

	case ts != g.timestamp:
		// A late packet of an earlier frame must not close the current one.
		if obs.Late {
			return
		}
		s.finishGroup(obs.Extended)
		g.reset()
		g.active = true
		g.timestamp = ts
		g.after = obs.Extended - uint64(obs.Gap) - 1
	}

	if s.detector(t.codec, pkt.Payload()) {
		g.keyframe = true
	}
	g.insert(obs.Extended, pkt.Clone())
}

func (s *MediaStream) finishGroup(next uint64) {
	g := &s.building
	if !g.keyframe || !g.complete(next) {
		return
	}

	packets := make([]*pionrtp.Packet, len(g.packets))
	copy(packets, g.packets)
	s.keyframe = packets
	s.keyframeTS = g.timestamp
	s.keyframesCached++
	s.observer.KeyframeCached(s.cfg.ChannelID)
	s.logger.Debug("Keyframe cached", "timestamp", g.timestamp, "packets", len(packets))

	if s.cfg.KeyframeSink != nil {
		out := make([]*pionrtp.Packet, len(packets))
		copy(out, packets)
		s.cfg.KeyframeSink.OnKeyframe(s.cfg.ChannelID, s.cfg.StreamID, out)
	}
}

func (s *MediaStream) handleRTCP(buf []byte, arrival time.Time) {
	packets, err := rtcp.Unmarshal(buf)
	if err != nil {
		s.dropMalformed(len(buf), err)
		return
	}

	s.rtcpPackets++
	s.lastActivity = arrival

	for _, p := range packets {
		sr, ok := p.(*rtcp.SenderReport)
		if !ok {
			continue
		}
		for _, t := range s.tracks {
			if t.hasSSRC && t.ssrc == sr.SSRC {
				t.senderReports++
				t.lastSRNTP = sr.NTPTime
			}
		}
	}
}

func (s *MediaStream) handlePing(socketTrack TrackKind, buf []byte, from net.Addr, arrival time.Time) {
	s.pings++
	s.lastActivity = arrival

	if !s.cfg.Media.PingEcho || from == nil {
		return
	}
	conn := s.socketFor(socketTrack)
	if conn == nil {
		return
	}
	if _, err := conn.WriteTo(buf, from); err != nil {
		s.logger.Debug("Failed to echo ping", "err", err)
	}
}

// CheckIdle reports whether nothing has been received for longer than the
// idle timeout, counting from creation if nothing ever arrived. The caller
// tears the stream down.
func (s *MediaStream) CheckIdle(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastActivity) > s.cfg.Media.IdleTimeout
}

// HasReceivedMedia reports whether any RTP packet has been accepted.
func (s *MediaStream) HasReceivedMedia() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.receivedMedia
}

// LastActivity returns the arrival time of the latest valid datagram.
func (s *MediaStream) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Keyframe returns the cached keyframe packets, or nil.
func (s *MediaStream) Keyframe() []*pionrtp.Packet {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.keyframe == nil {
		return nil
	}
	out := make([]*pionrtp.Packet, len(s.keyframe))
	copy(out, s.keyframe)
	return out
}

// Stats returns a snapshot of the stream counters.
func (s *MediaStream) Stats() StreamStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := StreamStats{
		ChannelID:         s.cfg.ChannelID,
		StreamID:          s.cfg.StreamID,
		Created:           s.created,
		LastActivity:      s.lastActivity,
		Malformed:         s.malformed,
		Unrouted:          s.unrouted,
		RTCPPackets:       s.rtcpPackets,
		Pings:             s.pings,
		KeyframesCached:   s.keyframesCached,
		KeyframeTimestamp: s.keyframeTS,
		KeyframePackets:   len(s.keyframe),
	}

	for _, kind := range []TrackKind{TrackVideo, TrackAudio} {
		t, ok := s.tracks[kind]
		if !ok {
			continue
		}
		ts := TrackStats{
			Kind:                t.kind,
			Codec:               t.codec,
			PayloadType:         t.payloadType,
			SSRC:                t.ssrc,
			Packets:             t.packets,
			Bytes:               t.bytes,
			OutOfOrder:          t.outOfOrder,
			Lost:                t.lost,
			Recovered:           t.recovered,
			Duplicates:          t.duplicates,
			Restarts:            t.restarts,
			NacksSent:           t.nacksSent,
			SenderReports:       t.senderReports,
			LastSenderReportNTP: t.lastSRNTP,
			LastPacket:          t.lastPacket,
		}
		if t.counter != nil {
			ts.HighestSequence = t.counter.Highest()
		}
		stats.Tracks = append(stats.Tracks, ts)
	}

	return stats
}
