package proto

import (
	"encoding/binary"
	"encoding/json"
	"errors"
)

var ErrShortEnvelope = errors.New("envelope shorter than header")
var ErrInvalidEnvelope = errors.New("invalid envelope")
var ErrOversizedUnit = errors.New("unit exceeds max payload size")

// EncodeEnvelope serializes e as one packet: 16-byte header + payload.
// Reserved header bytes are zeroed.
func EncodeEnvelope(e *Envelope) []byte {
	b := make([]byte, HeaderSize+len(e.Payload))
	b[0] = byte(e.Type)
	b[1] = e.Flags
	binary.LittleEndian.PutUint32(b[2:6], e.Sequence)
	binary.LittleEndian.PutUint32(b[10:14], uint32(len(e.Payload)))
	copy(b[HeaderSize:], e.Payload)
	return b
}

// DecodeEnvelope parses one complete packet. The payload slice aliases b.
// Reserved bytes (6-9, 14-15) are ignored.
func DecodeEnvelope(b []byte) (*Envelope, error) {
	if len(b) < HeaderSize {
		return nil, ErrShortEnvelope
	}
	length := binary.LittleEndian.Uint32(b[10:14])
	if length > MaxPayloadSize {
		return nil, ErrOversizedUnit
	}
	if int(length) > len(b)-HeaderSize {
		return nil, ErrInvalidEnvelope
	}
	return &Envelope{
		Type:     EnvelopeType(b[0]),
		Flags:    b[1],
		Sequence: binary.LittleEndian.Uint32(b[2:6]),
		Payload:  b[HeaderSize : HeaderSize+length],
	}, nil
}

// NewJSONEnvelope marshals v and wraps it in an envelope of type t.
func NewJSONEnvelope(t EnvelopeType, v any) (*Envelope, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return &Envelope{Type: t, Payload: payload}, nil
}

// DecodeMonitorList parses a monitor-list payload.
func DecodeMonitorList(payload []byte) ([]Monitor, error) {
	var list []Monitor
	if err := json.Unmarshal(payload, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// DecodeEncodingSettings parses an encoding-settings payload.
func DecodeEncodingSettings(payload []byte) (*EncodingSettings, error) {
	var s EncodingSettings
	if err := json.Unmarshal(payload, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// DecodeStreamStats parses a stats payload.
func DecodeStreamStats(payload []byte) (*StreamStats, error) {
	var s StreamStats
	if err := json.Unmarshal(payload, &s); err != nil {
		return nil, err
	}
	return &s, nil
}
