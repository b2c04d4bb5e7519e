package ftl

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State represents the current state of a control connection
type State int

const (
	StateAwaitingCommand State = iota
	StateAuthenticating
	StateAuthenticated
	StateMediaNegotiated
	StateStreaming
	StateClosed
)

// String returns the string representation of the connection state
func (s State) String() string {
	switch s {
	case StateAwaitingCommand:
		return "AwaitingCommand"
	case StateAuthenticating:
		return "Authenticating"
	case StateAuthenticated:
		return "Authenticated"
	case StateMediaNegotiated:
		return "MediaNegotiated"
	case StateStreaming:
		return "Streaming"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// ConnectionInfo is a point-in-time view of a control connection.
type ConnectionInfo struct {
	ID         string
	RemoteAddr string
	State      State
	ChannelID  ChannelID
	StreamID   StreamID
	MediaPort  int
	Metadata   MediaMetadata
	Connected  time.Time
	Stats      *StreamStats
}

// ControlConnection runs the FTL handshake for one encoder and owns the
// resulting MediaStream.
type ControlConnection struct {
	id     string
	conn   net.Conn
	reader *MessageReader
	writer *MessageWriter
	cfg    Config
	deps   Dependencies
	logger *slog.Logger

	nonce   []byte
	builder *MetadataBuilder
	started time.Time

	lastKeepalive time.Time
	lastReport    time.Time
	lastRefresh   time.Time
	reportedBytes uint64

	claimed          bool
	streamRegistered bool
	portAllocated    bool
	allocatedPort    int
	closeReason      string

	// guarded by mu, read by Info from other goroutines
	mu        sync.Mutex
	state     State
	channelID ChannelID
	streamID  StreamID
	metadata  MediaMetadata
	mediaPort int
	stream    *MediaStream

	done     chan struct{}
	onClosed func(*ControlConnection)
}

func newControlConnection(conn net.Conn, cfg Config, deps Dependencies, onClosed func(*ControlConnection)) *ControlConnection {
	id := uuid.NewString()
	return &ControlConnection{
		id:       id,
		conn:     conn,
		reader:   NewMessageReader(conn, cfg.MaxCommandLength),
		writer:   NewMessageWriter(conn),
		cfg:      cfg,
		deps:     deps,
		logger:   deps.Logger.With("connId", id, "remoteAddr", conn.RemoteAddr().String()),
		builder:  NewMetadataBuilder(),
		started:  time.Now(),
		state:    StateAwaitingCommand,
		done:     make(chan struct{}),
		onClosed: onClosed,
	}
}

// ID returns the connection id.
func (c *ControlConnection) ID() string {
	return c.id
}

// Done is closed once the connection is fully torn down.
func (c *ControlConnection) Done() <-chan struct{} {
	return c.done
}

// State returns the current protocol state.
func (c *ControlConnection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *ControlConnection) setState(state State) {
	c.mu.Lock()
	prev := c.state
	c.state = state
	c.mu.Unlock()
	c.logger.Debug("FTL state changed", "from", prev, "to", state)
}

// Info returns a snapshot of the connection.
func (c *ControlConnection) Info() ConnectionInfo {
	c.mu.Lock()
	info := ConnectionInfo{
		ID:         c.id,
		RemoteAddr: c.conn.RemoteAddr().String(),
		State:      c.state,
		ChannelID:  c.channelID,
		StreamID:   c.streamID,
		MediaPort:  c.mediaPort,
		Metadata:   c.metadata,
		Connected:  c.started,
	}
	stream := c.stream
	c.mu.Unlock()

	if stream != nil {
		stats := stream.Stats()
		info.Stats = &stats
	}
	return info
}

// Run serves the connection until it closes. Cancelling ctx replies 410
// and tears the connection down.
func (c *ControlConnection) Run(ctx context.Context) {
	c.logger.Info("FTL connection opened")
	c.deps.Observer.ConnectionOpened()
	defer c.teardown(ctx)

	stop := context.AfterFunc(ctx, func() {
		c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		if ctx.Err() != nil {
			c.replyBestEffort(StatusServerTerminate, "")
			c.closeReason = ReasonShutdown
			return
		}

		c.conn.SetReadDeadline(time.Now().Add(c.cfg.TickInterval))
		cmd, err := c.reader.ReadCommand()
		if err != nil {
			if isTimeout(err) {
				if !c.onTick(ctx, time.Now()) {
					return
				}
				continue
			}
			if errors.Is(err, ErrCommandTooLong) {
				c.logger.Warn("FTL command too long", "err", err)
				c.replyBestEffort(StatusBadRequest, "")
				c.closeReason = ReasonProtocolError
				return
			}
			c.logger.Info("FTL connection read ended", "err", err)
			c.closeReason = ReasonTransport
			return
		}

		if !c.handleCommand(ctx, cmd) {
			return
		}
		if !c.onTick(ctx, time.Now()) {
			return
		}
	}
}

// handleCommand dispatches one command and reports whether the connection stays open.
func (c *ControlConnection) handleCommand(ctx context.Context, cmd string) bool {
	state := c.State()
	c.logger.Debug("FTL command received", "state", state, "command", redact(cmd))

	if cmd == CommandDisconnect {
		c.logger.Info("FTL encoder disconnected")
		c.closeReason = ReasonDisconnect
		return false
	}
	if strings.Contains(cmd, "\n") {
		return c.violation("multi-line command", cmd)
	}

	switch state {
	case StateAwaitingCommand:
		if cmd == CommandHMAC {
			return c.handleHMAC()
		}
	case StateAuthenticating:
		if strings.HasPrefix(cmd, CommandConnect+" ") {
			return c.handleConnect(ctx, cmd)
		}
	case StateAuthenticated:
		if cmd == AttributeTerminator {
			return c.handleAttributesDone(ctx)
		}
		return c.handleAttribute(cmd)
	case StateMediaNegotiated, StateStreaming:
		if cmd == CommandPing || strings.HasPrefix(cmd, CommandPing+" ") {
			return c.handlePing(cmd)
		}
	}

	return c.violation("unexpected command", cmd)
}

func (c *ControlConnection) violation(what, cmd string) bool {
	c.logger.Warn("FTL protocol violation", "reason", what, "state", c.State(), "command", redact(cmd))
	c.replyBestEffort(StatusBadRequest, "")
	c.closeReason = ReasonProtocolError
	return false
}

// handleHMAC issues the authentication challenge
func (c *ControlConnection) handleHMAC() bool {
	c.nonce = make([]byte, HmacPayloadSize)
	if _, err := rand.Read(c.nonce); err != nil {
		c.logger.Error("Failed to generate HMAC nonce", "err", err)
		c.replyBestEffort(StatusInternalServerError, "")
		c.closeReason = ReasonNegotiation
		return false
	}

	if !c.reply(StatusOK, hex.EncodeToString(c.nonce)) {
		return false
	}
	c.setState(StateAuthenticating)
	return true
}

// handleConnect verifies "CONNECT <channel> $<hex digest>"
func (c *ControlConnection) handleConnect(ctx context.Context, cmd string) bool {
	parts := strings.Fields(cmd)
	if len(parts) != 3 || !strings.HasPrefix(parts[2], "$") {
		return c.violation("malformed CONNECT", cmd)
	}

	channel, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return c.violation("invalid channel id", cmd)
	}
	digest, err := hex.DecodeString(parts[2][1:])
	if err != nil {
		return c.violation("invalid HMAC digest", cmd)
	}

	channelID := ChannelID(channel)
	logger := c.logger.With("channelId", channelID)

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.ServiceTimeout)
	secret, err := c.deps.ControlPlane.AuthorizeChannel(callCtx, channelID)
	cancel()
	if err != nil {
		if errors.Is(err, ErrChannelNotFound) {
			logger.Warn("FTL authentication failed: unknown channel")
			return c.authFailed()
		}
		logger.Error("Channel authorization failed", "err", err)
		c.replyBestEffort(StatusInternalServerError, "")
		c.closeReason = ReasonNegotiation
		return false
	}

	mac := hmac.New(sha512.New, secret)
	mac.Write(c.nonce)
	if !hmac.Equal(mac.Sum(nil), digest) {
		logger.Warn("FTL authentication failed: digest mismatch")
		return c.authFailed()
	}

	c.mu.Lock()
	c.channelID = channelID
	c.mu.Unlock()
	c.logger = logger

	if !c.reply(StatusOK, "") {
		return false
	}
	logger.Info("FTL channel authenticated")
	c.setState(StateAuthenticated)
	return true
}

func (c *ControlConnection) authFailed() bool {
	c.deps.Observer.AuthenticationFailed()
	c.replyBestEffort(StatusUnauthorized, "")
	c.closeReason = ReasonAuthFailed
	return false
}

// handleAttribute records a "Key: value" line
func (c *ControlConnection) handleAttribute(cmd string) bool {
	key, value, ok := strings.Cut(cmd, ":")
	key = strings.TrimSpace(key)
	if !ok || key == "" || strings.ContainsAny(key, " \t") {
		return c.violation("malformed attribute", cmd)
	}

	value = strings.TrimSpace(value)
	if !c.builder.Set(key, value) {
		c.logger.Debug("Ignoring unknown FTL attribute", "key", key, "value", value)
	}
	return true
}

// handleAttributesDone validates the attributes and starts media ingest
func (c *ControlConnection) handleAttributesDone(ctx context.Context) bool {
	md, err := c.builder.Build()
	if err != nil {
		c.logger.Warn("FTL media attributes rejected", "err", err)
		code := StatusBadRequest
		if errors.Is(err, ErrUnsupportedVersion) {
			code = StatusOldVersion
		}
		return c.reply(code, "")
	}

	c.mu.Lock()
	channelID := c.channelID
	c.mu.Unlock()
	md.ChannelID = channelID

	claimCtx, cancel := context.WithTimeout(ctx, c.cfg.ServiceTimeout)
	err = c.deps.Registry.Claim(claimCtx, channelID, c.id)
	cancel()
	if err != nil {
		if errors.Is(err, ErrChannelInUse) {
			c.logger.Warn("FTL channel already streaming")
			c.replyBestEffort(StatusChannelInUse, "")
		} else {
			c.logger.Error("Failed to claim channel", "err", err)
			c.replyBestEffort(StatusInternalServerError, "")
		}
		c.closeReason = ReasonNegotiation
		return false
	}
	c.claimed = true
	c.lastRefresh = time.Now()

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.ServiceTimeout)
	streamID, err := c.deps.ControlPlane.RegisterStreamStart(callCtx, channelID, md)
	cancel()
	if err != nil {
		c.logger.Warn("Stream start rejected", "err", err)
		c.replyBestEffort(StatusInternalServerError, "")
		c.closeReason = ReasonNegotiation
		return false
	}
	c.streamRegistered = true
	c.logger = c.logger.With("streamId", streamID)

	kind := TrackAudio
	if md.HasVideo {
		kind = TrackVideo
	}
	port, err := c.deps.Ports.Allocate(kind)
	if err != nil {
		c.logger.Error("Failed to allocate media port", "err", err)
		c.replyBestEffort(StatusInternalServerError, "")
		c.closeReason = ReasonNegotiation
		return false
	}
	c.portAllocated = true
	c.allocatedPort = port

	udp, err := net.ListenPacket("udp", net.JoinHostPort(c.cfg.MediaBindAddress, strconv.Itoa(port)))
	if err != nil {
		c.logger.Error("Failed to bind media socket", "port", port, "err", err)
		c.replyBestEffort(StatusInternalServerError, "")
		c.closeReason = ReasonNegotiation
		return false
	}
	boundPort := port
	if addr, ok := udp.LocalAddr().(*net.UDPAddr); ok {
		boundPort = addr.Port
	}

	stream := NewMediaStream(MediaStreamConfig{
		ChannelID:        channelID,
		StreamID:         streamID,
		Metadata:         md,
		Media:            c.cfg.Media,
		KeyframeDetector: c.deps.KeyframeDetector,
		PacketSink:       c.deps.PacketSink,
		KeyframeSink:     c.deps.KeyframeSink,
		Observer:         c.deps.Observer,
		Logger:           c.logger,
	}, MediaSocket{Conn: udp, Track: TrackShared})

	c.mu.Lock()
	c.streamID = streamID
	c.metadata = md
	c.mediaPort = boundPort
	c.stream = stream
	c.mu.Unlock()

	stream.Start()
	c.deps.Observer.StreamStarted(channelID)

	now := time.Now()
	c.lastKeepalive = now
	c.lastReport = now
	c.setState(StateMediaNegotiated)

	c.logger.Info("FTL stream negotiated",
		"mediaPort", boundPort,
		"vendor", md.VendorName,
		"videoCodec", md.VideoCodec,
		"audioCodec", md.AudioCodec)

	return c.reply(StatusOK, fmt.Sprintf("hi. Use UDP port %d", boundPort))
}

// handlePing answers a keep-alive
func (c *ControlConnection) handlePing(cmd string) bool {
	if arg, ok := strings.CutPrefix(cmd, CommandPing+" "); ok {
		c.mu.Lock()
		channelID := c.channelID
		c.mu.Unlock()
		if arg != strconv.FormatUint(uint64(channelID), 10) {
			c.logger.Debug("PING for a different channel", "arg", arg)
		}
	}

	c.lastKeepalive = time.Now()
	return c.reply(StatusPong, "")
}

// onTick runs the periodic checks and reports whether the connection stays open.
func (c *ControlConnection) onTick(ctx context.Context, now time.Time) bool {
	state := c.State()

	if state < StateMediaNegotiated {
		if now.Sub(c.started) > c.cfg.HandshakeTimeout {
			c.logger.Warn("FTL handshake timed out", "state", state)
			c.closeReason = ReasonHandshakeTimeout
			return false
		}
		return true
	}

	c.mu.Lock()
	stream := c.stream
	c.mu.Unlock()
	if stream == nil {
		return true
	}

	select {
	case <-stream.Faulted():
		c.logger.Error("Media stream faulted", "err", stream.Err())
		c.closeReason = ReasonMediaFault
		return false
	default:
	}

	if stream.CheckIdle(now) {
		c.logger.Warn("No media received, closing", "idleTimeout", c.cfg.Media.IdleTimeout)
		c.replyBestEffort(StatusNoMediaTimeout, "")
		c.closeReason = ReasonMediaIdle
		return false
	}

	if state == StateMediaNegotiated && stream.HasReceivedMedia() {
		c.setState(StateStreaming)
		c.logger.Info("FTL media flowing")
	}

	alive := c.lastKeepalive
	if last := stream.LastActivity(); last.After(alive) {
		alive = last
	}
	if now.Sub(alive) > c.cfg.KeepaliveInterval*time.Duration(c.cfg.KeepaliveMultiplier) {
		c.logger.Warn("FTL keep-alive timed out", "lastSeen", alive)
		c.closeReason = ReasonKeepalive
		return false
	}

	if now.Sub(c.lastReport) >= c.cfg.MetadataReportInterval {
		if !c.reportMetadata(ctx, stream, now) {
			return false
		}
	}

	if now.Sub(c.lastRefresh) >= c.cfg.RegistryRefreshInterval {
		c.lastRefresh = now
		refreshCtx, cancel := context.WithTimeout(ctx, c.cfg.ServiceTimeout)
		err := c.deps.Registry.Refresh(refreshCtx, c.channelID, c.id)
		cancel()
		if err != nil {
			if errors.Is(err, ErrChannelInUse) {
				c.logger.Warn("Channel claim lost")
				c.closeReason = ReasonRegistryLost
				return false
			}
			c.logger.Warn("Failed to refresh channel claim", "err", err)
		}
	}

	return true
}

func (c *ControlConnection) reportMetadata(ctx context.Context, stream *MediaStream, now time.Time) bool {
	stats := stream.Stats()
	elapsed := now.Sub(c.lastReport)
	c.lastReport = now

	c.mu.Lock()
	md := c.metadata
	streamID := c.streamID
	c.mu.Unlock()

	report := StreamMetadata{
		IngestServer:      c.cfg.IngestServerName,
		StreamTimeSeconds: uint32(now.Sub(stats.Created).Seconds()),
		VendorName:        md.VendorName,
		VendorVersion:     md.VendorVersion,
		VideoCodec:        md.VideoCodec,
		VideoWidth:        md.VideoWidth,
		VideoHeight:       md.VideoHeight,
		AudioCodec:        md.AudioCodec,
	}

	var bytes uint64
	for _, t := range stats.Tracks {
		bytes += t.Bytes
		report.PacketsReceived += t.Packets
		if t.Lost > t.Recovered {
			report.PacketsLost += t.Lost - t.Recovered
		}
		report.PacketsNacked += t.NacksSent
	}
	if elapsed > 0 && bytes >= c.reportedBytes {
		report.IngestBitrateBps = uint64(float64(bytes-c.reportedBytes) * 8 / elapsed.Seconds())
	}
	c.reportedBytes = bytes

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.ServiceTimeout)
	resp, err := c.deps.ControlPlane.UpdateStreamMetadata(callCtx, streamID, report)
	cancel()
	if err != nil {
		c.logger.Warn("Failed to report stream metadata", "err", err)
		return true
	}
	if resp.EndStream {
		c.logger.Info("Control plane ended the stream")
		c.closeReason = ReasonServiceEnded
		return false
	}
	return true
}

// teardown releases everything the connection owns, media first.
func (c *ControlConnection) teardown(ctx context.Context) {
	c.mu.Lock()
	stream := c.stream
	channelID := c.channelID
	streamID := c.streamID
	c.mu.Unlock()

	if stream != nil {
		stream.Close()
		c.deps.Observer.StreamEnded(channelID)
	}
	if c.portAllocated {
		c.deps.Ports.Release(c.allocatedPort)
	}

	bg := context.WithoutCancel(ctx)
	if c.claimed {
		releaseCtx, cancel := context.WithTimeout(bg, c.cfg.ServiceTimeout)
		if err := c.deps.Registry.Release(releaseCtx, channelID, c.id); err != nil {
			c.logger.Warn("Failed to release channel claim", "err", err)
		}
		cancel()
	}
	if c.streamRegistered {
		endCtx, cancel := context.WithTimeout(bg, c.cfg.ServiceTimeout)
		if err := c.deps.ControlPlane.RegisterStreamEnd(endCtx, streamID); err != nil {
			c.logger.Warn("Failed to register stream end", "err", err)
		}
		cancel()
	}

	closeWithLog(c.conn)
	c.setState(StateClosed)

	if c.closeReason == "" {
		c.closeReason = ReasonTransport
	}
	lifetime := time.Since(c.started)
	c.deps.Observer.ConnectionClosed(c.closeReason, lifetime)
	c.logger.Info("FTL connection closed", "reason", c.closeReason, "lifetime", lifetime)

	if c.onClosed != nil {
		c.onClosed(c)
	}
	close(c.done)
}

// reply writes a reply and reports whether it was delivered
func (c *ControlConnection) reply(code int, message string) bool {
	c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := c.writer.WriteReply(code, message); err != nil {
		c.logger.Info("Failed to write FTL reply", "code", code, "err", err)
		c.closeReason = ReasonTransport
		return false
	}
	return true
}

func (c *ControlConnection) replyBestEffort(code int, message string) {
	c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := c.writer.WriteReply(code, message); err != nil {
		c.logger.Debug("Failed to write FTL reply", "code", code, "err", err)
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// redact hides HMAC digests from logs
func redact(cmd string) string {
	if strings.HasPrefix(cmd, CommandConnect+" ") {
		if i := strings.IndexByte(cmd, '$'); i >= 0 {
			return cmd[:i+1] + "..."
		}
	}
	return cmd
}
