package ftl

import (
	"context"
	"errors"
	"time"

	pionrtp "github.com/pion/rtp"

	"ftlbridge/pkg/rtp"
)

var (
	ErrChannelNotFound = errors.New("ftl: channel not found")
	ErrStreamRejected  = errors.New("ftl: stream rejected")
	ErrPortsExhausted  = errors.New("ftl: media ports exhausted")
	ErrChannelInUse    = errors.New("ftl: channel already streaming")
)

// StreamMetadata is the periodic ingest report sent to the control plane.
type StreamMetadata struct {
	IngestServer      string
	StreamTimeSeconds uint32
	VendorName        string
	VendorVersion     string
	VideoCodec        string
	VideoWidth        uint32
	VideoHeight       uint32
	AudioCodec        string
	IngestBitrateBps  uint64
	PacketsReceived   uint64
	PacketsLost       uint64
	PacketsNacked     uint64
}

// ServiceResponse is the control plane's answer to a metadata report.
type ServiceResponse struct {
	EndStream bool
}

// ControlPlane looks up channel secrets and tracks stream lifetimes.
type ControlPlane interface {
	// AuthorizeChannel returns the shared HMAC secret, or ErrChannelNotFound.
	AuthorizeChannel(ctx context.Context, channel ChannelID) ([]byte, error)
	// RegisterStreamStart returns a new stream id, or ErrStreamRejected.
	RegisterStreamStart(ctx context.Context, channel ChannelID, md MediaMetadata) (StreamID, error)
	UpdateStreamMetadata(ctx context.Context, stream StreamID, md StreamMetadata) (ServiceResponse, error)
	RegisterStreamEnd(ctx context.Context, stream StreamID) error
}

// PortAllocator reserves UDP ports for media. A returned port of 0 asks the
// OS to pick one.
type PortAllocator interface {
	Allocate(kind TrackKind) (int, error)
	Release(port int)
}

// ChannelRegistry prevents two connections from ingesting the same channel.
type ChannelRegistry interface {
	// Claim returns ErrChannelInUse if another owner holds the channel.
	Claim(ctx context.Context, channel ChannelID, owner string) error
	// Refresh extends a claim; ErrChannelInUse means it was lost.
	Refresh(ctx context.Context, channel ChannelID, owner string) error
	Release(ctx context.Context, channel ChannelID, owner string) error
}

// KeyframeDetector reports whether an RTP payload starts or carries a keyframe.
type KeyframeDetector func(codec string, payload []byte) bool

// PacketSink receives every structurally valid media packet. The packet
// references the socket read buffer and is only valid during the call.
// Implementations must not call back into the MediaStream.
type PacketSink interface {
	OnMediaPacket(stream StreamID, kind TrackKind, pkt rtp.Packet, extendedSeq uint64)
}

// KeyframeSink is notified when a stream's keyframe cache is replaced. The
// packets are owned by the receiver.
type KeyframeSink interface {
	OnKeyframe(channel ChannelID, stream StreamID, packets []*pionrtp.Packet)
}

// Observer receives ingest events, typically to update metrics.
type Observer interface {
	ConnectionOpened()
	ConnectionClosed(reason string, lifetime time.Duration)
	AuthenticationFailed()
	StreamStarted(channel ChannelID)
	StreamEnded(channel ChannelID)
	PacketReceived(kind TrackKind, bytes int)
	PacketsLost(kind TrackKind, n int)
	PacketMalformed()
	NacksSent(kind TrackKind, n int)
	KeyframeCached(channel ChannelID)
}

type noopObserver struct{}

func (noopObserver) ConnectionOpened()                      {}
func (noopObserver) ConnectionClosed(string, time.Duration) {}
func (noopObserver) AuthenticationFailed()                  {}
func (noopObserver) StreamStarted(ChannelID)                {}
func (noopObserver) StreamEnded(ChannelID)                  {}
func (noopObserver) PacketReceived(TrackKind, int)          {}
func (noopObserver) PacketsLost(TrackKind, int)             {}
func (noopObserver) PacketMalformed()                       {}
func (noopObserver) NacksSent(TrackKind, int)               {}
func (noopObserver) KeyframeCached(ChannelID)               {}
