package session

import (
	"strconv"
	"strings"

	"github.com/farview/farview/internal/proto"
)

// Encoding bounds; out-of-range values clamp, malformed ones fall back to
// the previous active value.
const (
	minFPS = 24
	maxFPS = 120

	minBitrateMbps = 2
	maxBitrateMbps = 80

	minKeyframeIntervalSec = 1
	maxKeyframeIntervalSec = 10
)

// Settings: the client-side encoding request. Two copies exist per session:
// active (last sent/acknowledged) and draft (user-edited, unapplied).
type Settings struct {
	Codec               string
	FPS                 int
	BitrateMbps         int
	KeyframeIntervalSec int
}

// SettingsDraft carries user-edited text fields; normalization parses and
// clamps them against the active settings.
type SettingsDraft struct {
	Codec               string
	FPS                 string
	BitrateMbps         string
	KeyframeIntervalSec string
}

func defaultSettings() Settings {
	return Settings{Codec: "av1", FPS: 60, BitrateMbps: 20, KeyframeIntervalSec: 2}
}

// resolveCodec maps client codec aliases to canonical names; "" means
// unsupported.
func resolveCodec(name string) string {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "av1", "av01":
		return "av1"
	case "h264", "avc", "avc1":
		return "h264"
	case "hevc", "h265", "hvc1":
		return "hevc"
	}
	return ""
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// parseField parses a draft field, falling back to the active value when the
// input is missing or non-numeric.
func parseField(raw string, active int) int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return active
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return active
	}
	return n
}

// normalizeDraft resolves a draft against the active settings: per-field
// numeric fallback, bound clamping, codec alias resolution with fallback to
// the active codec.
func normalizeDraft(draft SettingsDraft, active Settings) Settings {
	next := Settings{
		FPS:                 clampInt(parseField(draft.FPS, active.FPS), minFPS, maxFPS),
		BitrateMbps:         clampInt(parseField(draft.BitrateMbps, active.BitrateMbps), minBitrateMbps, maxBitrateMbps),
		KeyframeIntervalSec: clampInt(parseField(draft.KeyframeIntervalSec, active.KeyframeIntervalSec), minKeyframeIntervalSec, maxKeyframeIntervalSec),
	}
	if codec := resolveCodec(draft.Codec); codec != "" {
		next.Codec = codec
	} else {
		next.Codec = active.Codec
	}
	return next
}

// normalizeRemote applies the same discipline to host-pushed settings
// (bitrate arrives in bits/second).
func normalizeRemote(p *proto.EncodingSettings, active Settings) Settings {
	next := active
	if p.FPS != 0 {
		next.FPS = clampInt(int(p.FPS), minFPS, maxFPS)
	}
	if p.Bitrate != 0 {
		next.BitrateMbps = clampInt(int(p.Bitrate/1_000_000), minBitrateMbps, maxBitrateMbps)
	}
	if p.KeyframeInterval != 0 {
		next.KeyframeIntervalSec = clampInt(int(p.KeyframeInterval), minKeyframeIntervalSec, maxKeyframeIntervalSec)
	}
	if codec := resolveCodec(p.Codec); codec != "" {
		next.Codec = codec
	}
	return next
}

// wireSettings converts to the on-wire payload (bitrate in bits/second).
func wireSettings(s Settings) proto.EncodingSettings {
	return proto.EncodingSettings{
		Codec:            s.Codec,
		FPS:              uint32(s.FPS),
		Bitrate:          uint32(s.BitrateMbps) * 1_000_000,
		KeyframeInterval: uint32(s.KeyframeIntervalSec),
	}
}
