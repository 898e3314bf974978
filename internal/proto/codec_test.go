package proto

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func TestEncodeDecodeEnvelope(t *testing.T) {
	e := &Envelope{Type: TypeVideo, Flags: FlagKeyframe, Sequence: 5, Payload: []byte("picture!")}
	b := EncodeEnvelope(e)
	if len(b) != HeaderSize+8 {
		t.Fatalf("packet size: got %d", len(b))
	}
	dec, err := DecodeEnvelope(b)
	if err != nil {
		t.Fatal(err)
	}
	if dec.Type != e.Type || dec.Flags != e.Flags || dec.Sequence != e.Sequence || !bytes.Equal(dec.Payload, e.Payload) {
		t.Fatalf("roundtrip: got %+v", dec)
	}
	if !dec.Keyframe() {
		t.Fatal("keyframe flag lost")
	}
}

func TestEncodeEnvelopeReservedZeroed(t *testing.T) {
	b := EncodeEnvelope(&Envelope{Type: TypePing, Sequence: 9})
	for _, i := range []int{6, 7, 8, 9, 14, 15} {
		if b[i] != 0 {
			t.Fatalf("reserved byte %d not zero", i)
		}
	}
}

func TestDecodeEnvelopeEmptyPayload(t *testing.T) {
	b := EncodeEnvelope(&Envelope{Type: TypeKeyframeRequest})
	dec, err := DecodeEnvelope(b)
	if err != nil {
		t.Fatal(err)
	}
	if dec.Type != TypeKeyframeRequest || len(dec.Payload) != 0 {
		t.Fatalf("roundtrip empty: got %+v", dec)
	}
}

func TestDecodeEnvelopeShort(t *testing.T) {
	if _, err := DecodeEnvelope(make([]byte, HeaderSize-1)); !errors.Is(err, ErrShortEnvelope) {
		t.Fatalf("expected ErrShortEnvelope, got %v", err)
	}
}

func TestDecodeEnvelopeDeclaredLengthBeyondPacket(t *testing.T) {
	b := make([]byte, HeaderSize+4)
	b[0] = byte(TypeVideo)
	binary.LittleEndian.PutUint32(b[10:14], 8) // only 4 bytes follow
	if _, err := DecodeEnvelope(b); !errors.Is(err, ErrInvalidEnvelope) {
		t.Fatalf("expected ErrInvalidEnvelope, got %v", err)
	}
}

func TestDecodeEnvelopeOversized(t *testing.T) {
	b := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(b[10:14], MaxPayloadSize+1)
	if _, err := DecodeEnvelope(b); !errors.Is(err, ErrOversizedUnit) {
		t.Fatalf("expected ErrOversizedUnit, got %v", err)
	}
}

func TestMonitorListRoundtrip(t *testing.T) {
	in := []Monitor{
		{Index: 0, Name: "DISPLAY1", Width: 2560, Height: 1440, Primary: true},
		{Index: 1, Name: "DISPLAY2", Width: 1920, Height: 1080},
	}
	env, err := NewJSONEnvelope(TypeMonitorList, in)
	if err != nil {
		t.Fatal(err)
	}
	out, err := DecodeMonitorList(env.Payload)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 2 || out[0].Name != "DISPLAY1" || !out[0].Primary || out[1].Width != 1920 {
		t.Fatalf("roundtrip: got %+v", out)
	}
}

func TestDecodeEncodingSettings(t *testing.T) {
	s, err := DecodeEncodingSettings([]byte(`{"codec":"av1","fps":60,"bitrate":20000000,"keyframe_interval":2}`))
	if err != nil {
		t.Fatal(err)
	}
	if s.Codec != "av1" || s.FPS != 60 || s.Bitrate != 20_000_000 || s.KeyframeInterval != 2 {
		t.Fatalf("got %+v", s)
	}
}
