package ftl

import "time"

// FTL control commands
const (
	CommandHMAC         = "HMAC"
	CommandConnect      = "CONNECT"
	CommandPing         = "PING"
	CommandDisconnect   = "DISCONNECT"
	AttributeTerminator = "."
)

// FTL reply codes
const (
	StatusOK                  = 200
	StatusPong                = 201
	StatusBadRequest          = 400
	StatusUnauthorized        = 401
	StatusOldVersion          = 402
	StatusAudioSSRCCollision  = 403
	StatusVideoSSRCCollision  = 404
	StatusInvalidStreamKey    = 405
	StatusChannelInUse        = 406
	StatusRegionUnsupported   = 407
	StatusNoMediaTimeout      = 408
	StatusGameBlocked         = 409
	StatusServerTerminate     = 410
	StatusInternalServerError = 500
)

// Attribute keys sent between CONNECT and the terminator
const (
	AttrProtocolVersion  = "ProtocolVersion"
	AttrVendorName       = "VendorName"
	AttrVendorVersion    = "VendorVersion"
	AttrVideo            = "Video"
	AttrVideoCodec       = "VideoCodec"
	AttrVideoHeight      = "VideoHeight"
	AttrVideoWidth       = "VideoWidth"
	AttrVideoPayloadType = "VideoPayloadType"
	AttrVideoIngestSSRC  = "VideoIngestSSRC"
	AttrAudio            = "Audio"
	AttrAudioCodec       = "AudioCodec"
	AttrAudioPayloadType = "AudioPayloadType"
	AttrAudioIngestSSRC  = "AudioIngestSSRC"
)

// Codec names as announced by encoders
const (
	CodecH264 = "H264"
	CodecVP8  = "VP8"
	CodecOpus = "OPUS"
)

// Minimum protocol version accepted
const (
	ProtocolVersionMajor = 0
	ProtocolVersionMinor = 9
)

// Media datagram classification by the second byte of the packet
const (
	rtcpTypeMin    = 192
	rtcpTypeMax    = 223
	pingPacketType = 250
)

// HmacPayloadSize is the number of random bytes in the HMAC challenge.
const HmacPayloadSize = 128

// Default Values
const (
	DefaultControlPort             = 8084
	DefaultMaxCommandLength        = 1024
	DefaultHandshakeTimeout        = 10 * time.Second
	DefaultWriteTimeout            = 5 * time.Second
	DefaultKeepaliveInterval       = 5 * time.Second
	DefaultKeepaliveMultiplier     = 3
	DefaultMetadataReportInterval  = 4 * time.Second
	DefaultRegistryRefreshInterval = 10 * time.Second
	DefaultServiceTimeout          = 10 * time.Second
	DefaultTickInterval            = time.Second
	DefaultIdleTimeout             = 10 * time.Second
	DefaultMaxNacksPerGap          = 32
)

// Reasons a control connection was closed, used for logs and metrics.
const (
	ReasonDisconnect       = "disconnect"
	ReasonProtocolError    = "protocol_error"
	ReasonAuthFailed       = "auth_failed"
	ReasonNegotiation      = "negotiation_failed"
	ReasonHandshakeTimeout = "handshake_timeout"
	ReasonKeepalive        = "keepalive_timeout"
	ReasonMediaIdle        = "media_idle"
	ReasonMediaFault       = "media_fault"
	ReasonServiceEnded     = "service_ended"
	ReasonRegistryLost     = "registry_lost"
	ReasonShutdown         = "shutdown"
	ReasonTransport        = "transport_error"
)
