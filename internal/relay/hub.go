// Package relay is the host side of ingest: it receives every accepted media
// packet and every completed keyframe from the FTL streams.
package relay

import (
	"log/slog"
	"sync"
	"time"

	pionrtp "github.com/pion/rtp"

	"ftlbridge/pkg/ftl"
	"ftlbridge/pkg/rtp"
)

// Keyframe is the latest complete keyframe of a channel.
type Keyframe struct {
	ChannelID ftl.ChannelID
	StreamID  ftl.StreamID
	Timestamp uint32
	Received  time.Time
	Packets   []*pionrtp.Packet
}

// Bytes returns the total size of the keyframe payloads.
func (k Keyframe) Bytes() int {
	n := 0
	for _, p := range k.Packets {
		n += len(p.Payload)
	}
	return n
}

// Stats summarizes what the hub has seen.
type Stats struct {
	Packets       uint64
	Bytes         uint64
	Keyframes     uint64
	Forwarded     uint64
	ForwardErrors uint64
	ForwardTarget string // empty when forwarding is off
}

// Hub implements ftl.PacketSink and ftl.KeyframeSink.
type Hub struct {
	mu        sync.RWMutex
	keyframes map[ftl.ChannelID]Keyframe
	stats     Stats

	forwarder *Forwarder
	logger    *slog.Logger
	now       func() time.Time
}

// NewHub creates a hub. forwarder may be nil.
func NewHub(forwarder *Forwarder, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		keyframes: make(map[ftl.ChannelID]Keyframe),
		forwarder: forwarder,
		logger:    logger.With("component", "relay"),
		now:       time.Now,
	}
}

func (h *Hub) OnMediaPacket(stream ftl.StreamID, kind ftl.TrackKind, pkt rtp.Packet, extendedSeq uint64) {
	h.mu.Lock()
	h.stats.Packets++
	h.stats.Bytes += uint64(pkt.Len())
	h.mu.Unlock()

	if h.forwarder == nil {
		return
	}
	// pkt aliases the socket buffer; WriteTo copies before returning.
	if err := h.forwarder.Forward(pkt.Raw()); err != nil {
		h.mu.Lock()
		h.stats.ForwardErrors++
		first := h.stats.ForwardErrors == 1
		h.mu.Unlock()
		if first {
			h.logger.Warn("Relay forward failed", "streamId", stream, "kind", kind, "seq", extendedSeq, "err", err)
		}
		return
	}

	h.mu.Lock()
	h.stats.Forwarded++
	h.mu.Unlock()
}

func (h *Hub) OnKeyframe(channel ftl.ChannelID, stream ftl.StreamID, packets []*pionrtp.Packet) {
	if len(packets) == 0 {
		return
	}

	kf := Keyframe{
		ChannelID: channel,
		StreamID:  stream,
		Timestamp: packets[0].Timestamp,
		Received:  h.now(),
		Packets:   packets,
	}

	h.mu.Lock()
	h.keyframes[channel] = kf
	h.stats.Keyframes++
	h.mu.Unlock()

	h.logger.Debug("Keyframe updated", "channelId", channel, "streamId", stream, "packets", len(packets), "timestamp", kf.Timestamp)
}

// Keyframe returns a copy of the latest keyframe for channel.
func (h *Hub) Keyframe(channel ftl.ChannelID) (Keyframe, bool) {
	h.mu.RLock()
	kf, ok := h.keyframes[channel]
	h.mu.RUnlock()
	if !ok {
		return Keyframe{}, false
	}

	packets := make([]*pionrtp.Packet, len(kf.Packets))
	for i, p := range kf.Packets {
		packets[i] = p.Clone()
	}
	kf.Packets = packets
	return kf, true
}

// Forget drops the keyframe cached for channel.
func (h *Hub) Forget(channel ftl.ChannelID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.keyframes, channel)
}

type forgettingObserver struct {
	ftl.Observer
	hub *Hub
}

func (o forgettingObserver) StreamEnded(channel ftl.ChannelID) {
	o.hub.Forget(channel)
	o.Observer.StreamEnded(channel)
}

// WrapObserver returns an observer that forwards to next and drops a
// channel's keyframe when its stream ends.
func (h *Hub) WrapObserver(next ftl.Observer) ftl.Observer {
	return forgettingObserver{Observer: next, hub: h}
}

// Stats returns a snapshot of the counters.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	stats := h.stats
	h.mu.RUnlock()

	if h.forwarder != nil {
		stats.ForwardTarget = h.forwarder.Target()
	}
	return stats
}
