package proto

// EnvelopeType: 1-byte type on wire.
type EnvelopeType uint8

const (
	TypeVideo            EnvelopeType = 0x01
	TypeKeyframeRequest  EnvelopeType = 0x02
	TypeStats            EnvelopeType = 0x03
	TypeMonitorList      EnvelopeType = 0x04
	TypeMonitorSelect    EnvelopeType = 0x05
	TypeMouseInput       EnvelopeType = 0x06
	TypeKeyboardInput    EnvelopeType = 0x07
	TypeEncodingSettings EnvelopeType = 0x08
	TypePing             EnvelopeType = 0x10
	TypePong             EnvelopeType = 0x11
)

// Flag bits (byte 1 of the header).
const (
	FlagKeyframe   uint8 = 0x01
	FlagEndOfFrame uint8 = 0x02
)

// HeaderSize: type(1) + flags(1) + sequence(4) + reserved(4) + length(4) + reserved(2).
const HeaderSize = 16

// MaxPayloadSize 64MiB; a declared length above this fails the channel.
const MaxPayloadSize = 64 * 1024 * 1024

// ChunkHeaderSize: total(4) + offset(4), prepended to realtime-peer inbound units.
const ChunkHeaderSize = 8

// Envelope: one complete application-level message (header + opt payload).
type Envelope struct {
	Type     EnvelopeType
	Flags    uint8
	Sequence uint32
	Payload  []byte
}

// Keyframe reports whether the keyframe marker bit is set.
func (e *Envelope) Keyframe() bool {
	return e.Flags&FlagKeyframe != 0
}

// Monitor: one entry of the inbound monitor-list payload.
type Monitor struct {
	Index   uint32 `json:"index"`
	Name    string `json:"name"`
	Width   uint32 `json:"width"`
	Height  uint32 `json:"height"`
	Primary bool   `json:"primary"`
}

// MonitorSelect payload (outbound).
type MonitorSelect struct {
	Index uint32 `json:"index"`
}

// MouseInput payload: kind is "move", "button" or "wheel".
// Coordinates are fractional [0,1] within the drawing rect.
type MouseInput struct {
	Kind   string  `json:"kind"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Button uint8   `json:"button,omitempty"`
	Down   bool    `json:"down,omitempty"`
	DeltaX int32   `json:"delta_x,omitempty"`
	DeltaY int32   `json:"delta_y,omitempty"`
}

// KeyboardInput payload.
type KeyboardInput struct {
	KeyCode uint16 `json:"key_code"`
	Code    string `json:"code,omitempty"`
	Down    bool   `json:"down"`
}

// EncodingSettings payload (bidirectional); bitrate in bits/second.
type EncodingSettings struct {
	Codec            string `json:"codec"`
	FPS              uint32 `json:"fps"`
	Bitrate          uint32 `json:"bitrate"`
	KeyframeInterval uint32 `json:"keyframe_interval"`
}

// StreamStats payload (inbound, type 3): host-side encode timing.
type StreamStats struct {
	EncodeTimeUS    uint64 `json:"encode_time_us"`
	CaptureToSendUS uint64 `json:"capture_to_send_us"`
	FrameSeq        uint32 `json:"frame_seq"`
	ServerTimeUS    uint64 `json:"server_timestamp_us"`
}
