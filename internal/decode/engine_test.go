package decode

import (
	"testing"
)

func TestNullEngineAcceptsAnyCodec(t *testing.T) {
	factory := NewNull()
	for _, codec := range []string{"av1", "h264", "hevc", "made-up"} {
		eng, err := factory(Config{Codec: codec})
		if err != nil {
			t.Fatalf("codec %q: %v", codec, err)
		}
		if err := eng.Feed(Unit{Data: []byte{1}, PTS: 1}); err != nil {
			t.Fatalf("feed: %v", err)
		}
		if depth := eng.QueueDepth(); depth != 0 {
			t.Fatalf("queue depth = %d, want 0", depth)
		}
		if err := eng.Close(); err != nil {
			t.Fatalf("close: %v", err)
		}
	}
}

func TestNullEngineRejectsFeedAfterClose(t *testing.T) {
	eng, err := NewNull()(Config{Codec: "av1"})
	if err != nil {
		t.Fatal(err)
	}
	if err := eng.Close(); err != nil {
		t.Fatal(err)
	}
	if err := eng.Feed(Unit{}); err == nil {
		t.Fatal("feed after close succeeded")
	}
}
