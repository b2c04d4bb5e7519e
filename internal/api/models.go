package api

import (
	"time"

	"ftlbridge/internal/relay"
	"ftlbridge/pkg/ftl"
)

// StreamInfo is one open connection as shown by the admin API.
type StreamInfo struct {
	ConnectionID    string        `json:"connectionId"`
	RemoteAddr      string        `json:"remoteAddr"`
	State           string        `json:"state"`
	ChannelID       uint32        `json:"channelId,omitempty"`
	StreamID        uint32        `json:"streamId,omitempty"`
	MediaPort       int           `json:"mediaPort,omitempty"`
	Connected       time.Time     `json:"connected"`
	ProtocolVersion string        `json:"protocolVersion,omitempty"`
	Vendor          string        `json:"vendor,omitempty"`
	VendorVersion   string        `json:"vendorVersion,omitempty"`
	Media           *MediaInfo    `json:"media,omitempty"`
	Keyframe        *KeyframeInfo `json:"keyframe,omitempty"`
}

// MediaInfo carries the MediaStream counters.
type MediaInfo struct {
	LastActivity    time.Time   `json:"lastActivity"`
	Malformed       uint64      `json:"malformed"`
	Unrouted        uint64      `json:"unrouted"`
	RTCPPackets     uint64      `json:"rtcpPackets"`
	Pings           uint64      `json:"pings"`
	KeyframesCached uint64      `json:"keyframesCached"`
	Tracks          []TrackInfo `json:"tracks"`
}

// TrackInfo is one audio or video track.
type TrackInfo struct {
	Kind            string    `json:"kind"`
	Codec           string    `json:"codec"`
	PayloadType     uint8     `json:"payloadType"`
	SSRC            uint32    `json:"ssrc"`
	Packets         uint64    `json:"packets"`
	Bytes           uint64    `json:"bytes"`
	OutOfOrder      uint64    `json:"outOfOrder"`
	Lost            uint64    `json:"lost"`
	Recovered       uint64    `json:"recovered"`
	Duplicates      uint64    `json:"duplicates"`
	Restarts        uint64    `json:"restarts"`
	NacksSent       uint64    `json:"nacksSent"`
	SenderReports   uint64    `json:"senderReports"`
	HighestSequence uint64    `json:"highestSequence"`
	LastPacket      time.Time `json:"lastPacket,omitempty"`
}

// KeyframeInfo describes the latest cached keyframe of a channel.
type KeyframeInfo struct {
	StreamID  uint32    `json:"streamId"`
	Timestamp uint32    `json:"timestamp"`
	Packets   int       `json:"packets"`
	Bytes     int       `json:"bytes"`
	Received  time.Time `json:"received"`
}

// RelayInfo is the body of GET /relay.
type RelayInfo struct {
	Packets       uint64 `json:"packets"`
	Bytes         uint64 `json:"bytes"`
	Keyframes     uint64 `json:"keyframes"`
	Forwarding    bool   `json:"forwarding"`
	ForwardTarget string `json:"forwardTarget,omitempty"`
	Forwarded     uint64 `json:"forwarded"`
	ForwardErrors uint64 `json:"forwardErrors"`
}

// StreamListResponse is the body of GET /streams.
type StreamListResponse struct {
	Streams []StreamInfo `json:"streams"`
	Total   int          `json:"total"`
}

func toStreamInfo(info ftl.ConnectionInfo) StreamInfo {
	out := StreamInfo{
		ConnectionID: info.ID,
		RemoteAddr:   info.RemoteAddr,
		State:        info.State.String(),
		ChannelID:    uint32(info.ChannelID),
		StreamID:     uint32(info.StreamID),
		MediaPort:    info.MediaPort,
		Connected:    info.Connected,
	}
	if info.State >= ftl.StateMediaNegotiated {
		out.ProtocolVersion = info.Metadata.ProtocolVersion()
		out.Vendor = info.Metadata.VendorName
		out.VendorVersion = info.Metadata.VendorVersion
	}
	if info.Stats != nil {
		out.Media = toMediaInfo(*info.Stats)
	}
	return out
}

func toMediaInfo(s ftl.StreamStats) *MediaInfo {
	m := &MediaInfo{
		LastActivity:    s.LastActivity,
		Malformed:       s.Malformed,
		Unrouted:        s.Unrouted,
		RTCPPackets:     s.RTCPPackets,
		Pings:           s.Pings,
		KeyframesCached: s.KeyframesCached,
		Tracks:          make([]TrackInfo, 0, len(s.Tracks)),
	}
	for _, t := range s.Tracks {
		m.Tracks = append(m.Tracks, TrackInfo{
			Kind:            t.Kind.String(),
			Codec:           t.Codec,
			PayloadType:     t.PayloadType,
			SSRC:            t.SSRC,
			Packets:         t.Packets,
			Bytes:           t.Bytes,
			OutOfOrder:      t.OutOfOrder,
			Lost:            t.Lost,
			Recovered:       t.Recovered,
			Duplicates:      t.Duplicates,
			Restarts:        t.Restarts,
			NacksSent:       t.NacksSent,
			SenderReports:   t.SenderReports,
			HighestSequence: t.HighestSequence,
			LastPacket:      t.LastPacket,
		})
	}
	return m
}

func toKeyframeInfo(kf relay.Keyframe) *KeyframeInfo {
	return &KeyframeInfo{
		StreamID:  uint32(kf.StreamID),
		Timestamp: kf.Timestamp,
		Packets:   len(kf.Packets),
		Bytes:     kf.Bytes(),
		Received:  kf.Received,
	}
}

func toRelayInfo(st relay.Stats) RelayInfo {
	return RelayInfo{
		Packets:       st.Packets,
		Bytes:         st.Bytes,
		Keyframes:     st.Keyframes,
		Forwarding:    st.ForwardTarget != "",
		ForwardTarget: st.ForwardTarget,
		Forwarded:     st.Forwarded,
		ForwardErrors: st.ForwardErrors,
	}
}
