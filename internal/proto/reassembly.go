package proto

import (
	"encoding/binary"
	"fmt"
)

// StreamReassembler extracts length-prefixed packets from a raw byte stream
// (stream-multiplexed channel). Each packet is preceded by a 4-byte LE length.
// Delivery is chunk-boundary independent: pushing the same bytes in any
// split yields the same packets.
type StreamReassembler struct {
	buf []byte
}

// Push appends b and returns every complete packet now available.
// A declared length above MaxPayloadSize is fatal to the channel.
func (r *StreamReassembler) Push(b []byte) ([][]byte, error) {
	r.buf = append(r.buf, b...)
	var packets [][]byte
	for {
		if len(r.buf) < 4 {
			return packets, nil
		}
		length := binary.LittleEndian.Uint32(r.buf[:4])
		if length > MaxPayloadSize {
			return packets, fmt.Errorf("%w: declared length %d", ErrOversizedUnit, length)
		}
		framed := 4 + int(length)
		if len(r.buf) < framed {
			return packets, nil
		}
		packet := make([]byte, length)
		copy(packet, r.buf[4:framed])
		r.buf = r.buf[framed:]
		packets = append(packets, packet)
	}
}

// Pending returns the number of buffered, not-yet-extracted bytes.
func (r *StreamReassembler) Pending() int {
	return len(r.buf)
}

// ChunkReassembler rebuilds packets split into units carrying an 8-byte
// sub-header [total:u32 LE][offset:u32 LE] (realtime-peer channel). At most
// one packet is in flight; a new offset=0 unit discards an incomplete one.
type ChunkReassembler struct {
	buf   []byte
	total int
	got   int
}

// Push consumes one inbound unit and returns the completed packet, or nil if
// more chunks are needed.
func (r *ChunkReassembler) Push(unit []byte) ([]byte, error) {
	if len(unit) < ChunkHeaderSize {
		return nil, fmt.Errorf("%w: chunk of %d bytes", ErrInvalidEnvelope, len(unit))
	}
	total := binary.LittleEndian.Uint32(unit[:4])
	offset := binary.LittleEndian.Uint32(unit[4:8])
	body := unit[ChunkHeaderSize:]
	if total > MaxPayloadSize {
		return nil, fmt.Errorf("%w: declared total %d", ErrOversizedUnit, total)
	}
	if offset == 0 {
		if int(total) == len(body) {
			// Complete in a single unit; bypass the buffer.
			r.reset()
			out := make([]byte, len(body))
			copy(out, body)
			return out, nil
		}
		r.buf = make([]byte, total)
		r.total = int(total)
		r.got = 0
	}
	if r.buf == nil || int(total) != r.total {
		return nil, fmt.Errorf("%w: chunk without reassembly in flight", ErrInvalidEnvelope)
	}
	if int(offset)+len(body) > r.total {
		r.reset()
		return nil, fmt.Errorf("%w: chunk overruns total", ErrInvalidEnvelope)
	}
	copy(r.buf[offset:], body)
	r.got += len(body)
	if r.got < r.total {
		return nil, nil
	}
	out := r.buf
	r.reset()
	return out, nil
}

func (r *ChunkReassembler) reset() {
	r.buf = nil
	r.total = 0
	r.got = 0
}
