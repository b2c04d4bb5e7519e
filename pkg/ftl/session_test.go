package ftl

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("aBcDeFgHiJkLmNoPqRsTuVwXyZ123456")

func negotiate(t *testing.T, e *encoder) int {
	t.Helper()
	require.Equal(t, "200", e.authenticate(t, "123", testSecret))
	e.sendAttributes(t, validAttributes...)
	e.send(t, AttributeTerminator)

	reply := e.readReply(t)
	portStr, ok := strings.CutPrefix(reply, "200 hi. Use UDP port ")
	require.True(t, ok, "negotiation reply %q", reply)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	require.Greater(t, port, 0)
	return port
}

func TestControlHappyPath(t *testing.T) {
	h := newHarness(t, testConfig())
	e, c := h.connect(t)

	port := negotiate(t, e)
	assert.Equal(t, StateMediaNegotiated, c.State())

	starts, _, _ := h.cp.counts()
	assert.Equal(t, 1, starts)
	allocated, _ := h.ports.counts()
	assert.Equal(t, 1, allocated)

	md := h.cp.starts[0]
	assert.Equal(t, ChannelID(123), md.ChannelID)
	assert.Equal(t, CodecH264, md.VideoCodec)
	assert.Equal(t, uint8(96), md.VideoPayloadType)
	assert.Equal(t, uint32(1280), md.VideoWidth)
	assert.Equal(t, CodecOpus, md.AudioCodec)
	assert.Equal(t, "OBS Studio", md.VendorName)

	info := c.Info()
	assert.Equal(t, port, info.MediaPort)
	assert.Equal(t, StreamID(1001), info.StreamID)

	media, err := net.Dial("udp", fmt.Sprintf("127.0.0.1:%d", port))
	require.NoError(t, err)
	defer media.Close()
	_, err = media.Write(rtpPacket(t, 96, 1, 3000, 124, true, []byte{0x41, 0x9A}))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return c.State() == StateStreaming }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, h.sink.packetCount())

	e.expect(t, "PING 123", "201")

	e.send(t, CommandDisconnect)
	waitDone(t, c)

	_, _, ends := h.cp.counts()
	assert.Equal(t, 1, ends)
	_, released := h.ports.counts()
	assert.Equal(t, 1, released)
	assert.Empty(t, h.server.Snapshot())
	assert.Equal(t, StateClosed, c.State())
}

func TestControlBadDigest(t *testing.T) {
	h := newHarness(t, testConfig())
	e, c := h.connect(t)

	assert.Equal(t, "401", e.authenticate(t, "123", []byte("wrong secret")))
	e.expectClosed(t)
	waitDone(t, c)

	starts, _, ends := h.cp.counts()
	assert.Zero(t, starts)
	assert.Zero(t, ends)
	allocated, _ := h.ports.counts()
	assert.Zero(t, allocated)
}

func TestControlUnknownChannel(t *testing.T) {
	h := newHarness(t, testConfig())
	e, c := h.connect(t)

	assert.Equal(t, "401", e.authenticate(t, "999", testSecret))
	e.expectClosed(t)
	waitDone(t, c)
}

func TestControlProtocolViolations(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T, e *encoder)
		cmd   string
	}{
		{"unknown command", nil, "HELLO"},
		{"connect before hmac", nil, "CONNECT 123 $00"},
		{"ping before negotiation", nil, "PING 123"},
		{"malformed connect", func(t *testing.T, e *encoder) {
			e.send(t, CommandHMAC)
			e.readReply(t)
		}, "CONNECT 123"},
		{"non-numeric channel", func(t *testing.T, e *encoder) {
			e.send(t, CommandHMAC)
			e.readReply(t)
		}, "CONNECT abc $00"},
		{"non-hex digest", func(t *testing.T, e *encoder) {
			e.send(t, CommandHMAC)
			e.readReply(t)
		}, "CONNECT 123 $zz"},
		{"malformed attribute", func(t *testing.T, e *encoder) {
			require.Equal(t, "200", e.authenticate(t, "123", testSecret))
		}, "Video true"},
		{"multi-line command", nil, "HMAC\r\nHMAC"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, testConfig())
			e, c := h.connect(t)
			if tt.setup != nil {
				tt.setup(t, e)
			}

			e.expect(t, tt.cmd, "400")
			e.expectClosed(t)
			waitDone(t, c)

			starts, _, _ := h.cp.counts()
			assert.Zero(t, starts)
		})
	}
}

func TestControlCommandTooLong(t *testing.T) {
	cfg := testConfig()
	cfg.MaxCommandLength = 64
	h := newHarness(t, cfg)
	e, c := h.connect(t)

	e.expect(t, strings.Repeat("A", 100), "400")
	e.expectClosed(t)
	waitDone(t, c)
}

func TestControlAttributeRetry(t *testing.T) {
	h := newHarness(t, testConfig())
	e, c := h.connect(t)

	require.Equal(t, "200", e.authenticate(t, "123", testSecret))
	e.sendAttributes(t, "ProtocolVersion: 0.9", "Video: true", "SomethingNew: 1")
	e.expect(t, AttributeTerminator, "400")
	assert.Equal(t, StateAuthenticated, c.State())

	e.sendAttributes(t, "VideoCodec: H264", "VideoPayloadType: 96")
	e.send(t, AttributeTerminator)
	assert.True(t, strings.HasPrefix(e.readReply(t), "200 hi. Use UDP port "))
	assert.Equal(t, StateMediaNegotiated, c.State())
}

func TestControlOldProtocolVersion(t *testing.T) {
	h := newHarness(t, testConfig())
	e, c := h.connect(t)

	require.Equal(t, "200", e.authenticate(t, "123", testSecret))
	e.sendAttributes(t, "ProtocolVersion: 0.8", "Audio: true", "AudioCodec: OPUS", "AudioPayloadType: 97")
	e.expect(t, AttributeTerminator, "402")
	assert.Equal(t, StateAuthenticated, c.State())
}

func TestControlStreamRejected(t *testing.T) {
	h := newHarness(t, testConfig())
	h.cp.reject = true
	e, c := h.connect(t)

	require.Equal(t, "200", e.authenticate(t, "123", testSecret))
	e.sendAttributes(t, validAttributes...)
	e.expect(t, AttributeTerminator, "500")
	e.expectClosed(t)
	waitDone(t, c)

	allocated, _ := h.ports.counts()
	assert.Zero(t, allocated)
}

func TestControlPortsExhausted(t *testing.T) {
	h := newHarness(t, testConfig())
	h.ports.err = ErrPortsExhausted
	e, c := h.connect(t)

	require.Equal(t, "200", e.authenticate(t, "123", testSecret))
	e.sendAttributes(t, validAttributes...)
	e.expect(t, AttributeTerminator, "500")
	e.expectClosed(t)
	waitDone(t, c)

	// the stream was registered before allocation failed
	_, _, ends := h.cp.counts()
	assert.Equal(t, 1, ends)
}

func TestControlChannelInUse(t *testing.T) {
	h := newHarness(t, testConfig())

	first, _ := h.connect(t)
	negotiate(t, first)

	second, c := h.connect(t)
	require.Equal(t, "200", second.authenticate(t, "123", testSecret))
	second.sendAttributes(t, validAttributes...)
	second.expect(t, AttributeTerminator, "406")
	second.expectClosed(t)
	waitDone(t, c)

	starts, _, _ := h.cp.counts()
	assert.Equal(t, 1, starts)
}

func TestControlMediaIdle(t *testing.T) {
	cfg := testConfig()
	cfg.Media.IdleTimeout = 100 * time.Millisecond
	h := newHarness(t, cfg)
	e, c := h.connect(t)

	negotiate(t, e)
	assert.Equal(t, "408", e.readReply(t))
	waitDone(t, c)

	_, released := h.ports.counts()
	assert.Equal(t, 1, released)
}

func TestControlKeepaliveTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.KeepaliveInterval = 30 * time.Millisecond
	cfg.KeepaliveMultiplier = 2
	h := newHarness(t, cfg)
	e, c := h.connect(t)

	negotiate(t, e)
	e.expectClosed(t)
	waitDone(t, c)
}

func TestControlHandshakeTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.HandshakeTimeout = 50 * time.Millisecond
	h := newHarness(t, cfg)
	e, c := h.connect(t)

	e.send(t, CommandHMAC)
	e.readReply(t)
	e.expectClosed(t)
	waitDone(t, c)
}

func TestControlMetadataReportEndsStream(t *testing.T) {
	cfg := testConfig()
	cfg.MetadataReportInterval = 20 * time.Millisecond
	h := newHarness(t, cfg)
	h.cp.endStream = true
	e, c := h.connect(t)

	negotiate(t, e)
	e.expectClosed(t)
	waitDone(t, c)

	_, updates, ends := h.cp.counts()
	assert.GreaterOrEqual(t, updates, 1)
	assert.Equal(t, 1, ends)
	assert.Equal(t, "test-ingest", h.cp.updates[0].IngestServer)
	assert.Equal(t, CodecH264, h.cp.updates[0].VideoCodec)
}

func TestControlShutdown(t *testing.T) {
	h := newHarness(t, testConfig())
	e, c := h.connect(t)

	negotiate(t, e)
	h.cancel()

	assert.Equal(t, "410", e.readReply(t))
	waitDone(t, c)

	_, _, ends := h.cp.counts()
	assert.Equal(t, 1, ends)
}

func TestServeAcceptsTCP(t *testing.T) {
	h := newHarness(t, testConfig())
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	served := make(chan error, 1)
	go func() { served <- h.server.Serve(h.ctx, ln) }()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	e := newEncoder(conn)

	negotiate(t, e)
	require.Eventually(t, func() bool {
		_, ok := h.server.Lookup(123)
		return ok
	}, time.Second, 10*time.Millisecond)

	h.cancel()
	assert.Equal(t, "410", e.readReply(t))

	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not return")
	}
	assert.Empty(t, h.server.Snapshot())
}

func TestNewServerRequiresDependencies(t *testing.T) {
	_, err := NewServer(Config{}, Dependencies{Ports: &fakePorts{}, Registry: newFakeRegistry()})
	assert.Error(t, err)

	_, err = NewServer(Config{}, Dependencies{ControlPlane: newFakeControlPlane(), Registry: newFakeRegistry()})
	assert.Error(t, err)

	_, err = NewServer(Config{}, Dependencies{ControlPlane: newFakeControlPlane(), Ports: &fakePorts{}})
	assert.Error(t, err)

	_, err = NewServer(Config{}, Dependencies{ControlPlane: newFakeControlPlane(), Ports: &fakePorts{}, Registry: newFakeRegistry()})
	assert.NoError(t, err)
}

func TestRedactHidesDigest(t *testing.T) {
	assert.Equal(t, "CONNECT 123 $...", redact("CONNECT 123 $abcdef"))
	assert.Equal(t, "PING 123", redact("PING 123"))
}
