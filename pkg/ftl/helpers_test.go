package ftl

import (
	"bufio"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	pionrtp "github.com/pion/rtp"
	"github.com/stretchr/testify/require"

	"ftlbridge/pkg/rtp"
)

type fakeControlPlane struct {
	mu        sync.Mutex
	secrets   map[ChannelID][]byte
	reject    bool
	endStream bool
	nextID    StreamID
	starts    []MediaMetadata
	updates   []StreamMetadata
	ends      []StreamID
}

func newFakeControlPlane() *fakeControlPlane {
	return &fakeControlPlane{
		secrets: map[ChannelID][]byte{123: []byte("aBcDeFgHiJkLmNoPqRsTuVwXyZ123456")},
		nextID:  1000,
	}
}

func (f *fakeControlPlane) AuthorizeChannel(_ context.Context, channel ChannelID) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	secret, ok := f.secrets[channel]
	if !ok {
		return nil, ErrChannelNotFound
	}
	return secret, nil
}

func (f *fakeControlPlane) RegisterStreamStart(_ context.Context, _ ChannelID, md MediaMetadata) (StreamID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reject {
		return 0, ErrStreamRejected
	}
	f.starts = append(f.starts, md)
	f.nextID++
	return f.nextID, nil
}

func (f *fakeControlPlane) UpdateStreamMetadata(_ context.Context, _ StreamID, md StreamMetadata) (ServiceResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, md)
	return ServiceResponse{EndStream: f.endStream}, nil
}

func (f *fakeControlPlane) RegisterStreamEnd(_ context.Context, stream StreamID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ends = append(f.ends, stream)
	return nil
}

func (f *fakeControlPlane) counts() (starts, updates, ends int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.starts), len(f.updates), len(f.ends)
}

// fakePorts lets the OS choose the media port.
type fakePorts struct {
	mu        sync.Mutex
	err       error
	allocated int
	released  int
}

func (p *fakePorts) Allocate(TrackKind) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return 0, p.err
	}
	p.allocated++
	return 0, nil
}

func (p *fakePorts) Release(int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.released++
}

func (p *fakePorts) counts() (allocated, released int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.allocated, p.released
}

type recordingSink struct {
	mu        sync.Mutex
	packets   []uint64
	kinds     []TrackKind
	keyframes [][]*pionrtp.Packet
}

func (r *recordingSink) OnMediaPacket(_ StreamID, kind TrackKind, _ rtp.Packet, ext uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.packets = append(r.packets, ext)
	r.kinds = append(r.kinds, kind)
}

func (r *recordingSink) OnKeyframe(_ ChannelID, _ StreamID, packets []*pionrtp.Packet) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keyframes = append(r.keyframes, packets)
}

func (r *recordingSink) packetCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.packets)
}

func (r *recordingSink) keyframeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.keyframes)
}

func rtpPacket(t testing.TB, pt uint8, seq uint16, ts uint32, ssrc uint32, marker bool, payload []byte) []byte {
	t.Helper()
	data, err := (&pionrtp.Packet{
		Header: pionrtp.Header{
			Version:        2,
			Marker:         marker,
			PayloadType:    pt,
			SequenceNumber: seq,
			Timestamp:      ts,
			SSRC:           ssrc,
		},
		Payload: payload,
	}).Marshal()
	require.NoError(t, err)
	return data
}

// encoder drives the client side of a control connection.
type encoder struct {
	conn net.Conn
	r    *bufio.Reader
}

func newEncoder(conn net.Conn) *encoder {
	return &encoder{conn: conn, r: bufio.NewReader(conn)}
}

func (e *encoder) send(t *testing.T, cmd string) {
	t.Helper()
	e.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	_, err := e.conn.Write([]byte(cmd + "\r\n\r\n"))
	require.NoError(t, err)
}

func (e *encoder) readReply(t *testing.T) string {
	t.Helper()
	e.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := e.r.ReadString('\n')
	require.NoError(t, err)
	return strings.TrimSuffix(line, "\n")
}

func (e *encoder) expect(t *testing.T, cmd, want string) {
	t.Helper()
	e.send(t, cmd)
	require.Equal(t, want, e.readReply(t), "reply to %q", cmd)
}

func (e *encoder) expectClosed(t *testing.T) {
	t.Helper()
	e.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := e.r.ReadByte()
	require.Error(t, err)
	var ne net.Error
	if errors.As(err, &ne) {
		require.False(t, ne.Timeout(), "connection still open")
	}
}

// authenticate runs HMAC and CONNECT for channel with secret.
func (e *encoder) authenticate(t *testing.T, channel string, secret []byte) string {
	t.Helper()
	e.send(t, CommandHMAC)
	reply := e.readReply(t)
	require.True(t, strings.HasPrefix(reply, "200 "), "HMAC reply %q", reply)

	nonce, err := hex.DecodeString(strings.TrimPrefix(reply, "200 "))
	require.NoError(t, err)
	require.Len(t, nonce, HmacPayloadSize)

	mac := hmac.New(sha512.New, secret)
	mac.Write(nonce)
	e.send(t, "CONNECT "+channel+" $"+hex.EncodeToString(mac.Sum(nil)))
	return e.readReply(t)
}

func (e *encoder) sendAttributes(t *testing.T, attrs ...string) {
	t.Helper()
	for _, a := range attrs {
		e.send(t, a)
	}
}

var validAttributes = []string{
	"ProtocolVersion: 0.9",
	"VendorName: OBS Studio",
	"VendorVersion: 27.0.1",
	"Video: true",
	"VideoCodec: H264",
	"VideoHeight: 720",
	"VideoWidth: 1280",
	"VideoPayloadType: 96",
	"VideoIngestSSRC: 124",
	"Audio: true",
	"AudioCodec: OPUS",
	"AudioPayloadType: 97",
	"AudioIngestSSRC: 123",
}

func testConfig() Config {
	return Config{
		IngestServerName:        "test-ingest",
		MediaBindAddress:        "127.0.0.1",
		HandshakeTimeout:        time.Minute,
		WriteTimeout:            2 * time.Second,
		KeepaliveInterval:       time.Minute,
		KeepaliveMultiplier:     3,
		MetadataReportInterval:  time.Hour,
		RegistryRefreshInterval: time.Hour,
		ServiceTimeout:          time.Second,
		TickInterval:            10 * time.Millisecond,
		Media: MediaConfig{
			IdleTimeout: time.Minute,
		},
	}
}

type harness struct {
	server *Server
	cp     *fakeControlPlane
	ports  *fakePorts
	sink   *recordingSink
	ctx    context.Context
	cancel context.CancelFunc
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		cp:    newFakeControlPlane(),
		ports: &fakePorts{},
		sink:  &recordingSink{},
	}
	srv, err := NewServer(cfg, Dependencies{
		ControlPlane: h.cp,
		Ports:        h.ports,
		Registry:     newFakeRegistry(),
		PacketSink:   h.sink,
		KeyframeSink: h.sink,
	})
	require.NoError(t, err)
	h.server = srv
	h.ctx, h.cancel = context.WithCancel(context.Background())
	t.Cleanup(func() {
		h.cancel()
		h.server.Wait()
	})
	return h
}

func (h *harness) connect(t *testing.T) (*encoder, *ControlConnection) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close() })
	c := h.server.Handle(h.ctx, server)
	return newEncoder(client), c
}

func waitDone(t *testing.T, c *ControlConnection) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(3 * time.Second):
		t.Fatalf("connection %s not closed (state %s)", c.ID(), c.State())
	}
}

// fakeRegistry guards channels within the test process.
type fakeRegistry struct {
	mu     sync.Mutex
	owners map[ChannelID]string
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{owners: make(map[ChannelID]string)}
}

func (r *fakeRegistry) Claim(_ context.Context, channel ChannelID, owner string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.owners[channel]; ok && current != owner {
		return ErrChannelInUse
	}
	r.owners[channel] = owner
	return nil
}

func (r *fakeRegistry) Refresh(_ context.Context, channel ChannelID, owner string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.owners[channel] != owner {
		return ErrChannelInUse
	}
	return nil
}

func (r *fakeRegistry) Release(_ context.Context, channel ChannelID, owner string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.owners[channel] == owner {
		delete(r.owners, channel)
	}
	return nil
}
