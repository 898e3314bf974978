package transport

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"
)

// Kind: one of the three concrete delivery mechanisms.
type Kind int

const (
	KindRealtimePeer Kind = iota
	KindStreamMux
	KindMessageSocket
)

func (k Kind) String() string {
	switch k {
	case KindRealtimePeer:
		return "realtime-peer"
	case KindStreamMux:
		return "stream-mux"
	case KindMessageSocket:
		return "message-socket"
	}
	return "unknown"
}

// Negotiation bounds (per handshake step).
const (
	PeerHandshakeTimeout = 3000 * time.Millisecond
	HashFetchTimeout     = 1200 * time.Millisecond
	StreamOpenTimeout    = 1500 * time.Millisecond
)

var ErrChannelClosed = errors.New("channel closed")

// Channel: uniform send/receive/close over one delivery mechanism.
// Recv returns one complete envelope packet, post-reassembly; the caller
// never sees transport framing.
type Channel interface {
	Kind() Kind
	Send(ctx context.Context, packet []byte) error
	Recv(ctx context.Context) ([]byte, error)
	Close() error
	IsOpen() bool
}

// recvQueue decouples a channel's read loop from Recv. fail latches the
// first error and wins over buffered packets still in flight.
type recvQueue struct {
	packets chan []byte
	done    chan struct{}
	once    sync.Once
	err     error
}

func newRecvQueue(depth int) *recvQueue {
	return &recvQueue{
		packets: make(chan []byte, depth),
		done:    make(chan struct{}),
	}
}

func (q *recvQueue) push(packet []byte) {
	select {
	case q.packets <- packet:
	case <-q.done:
	}
}

func (q *recvQueue) fail(err error) {
	q.once.Do(func() {
		q.err = err
		close(q.done)
	})
}

func (q *recvQueue) recv(ctx context.Context) ([]byte, error) {
	select {
	case p := <-q.packets:
		return p, nil
	default:
	}
	select {
	case p := <-q.packets:
		return p, nil
	case <-q.done:
		return nil, q.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// httpClient for signaling endpoints (offer exchange, hash prefetch).
func httpClient() *http.Client {
	return &http.Client{
		Timeout:   10 * time.Second,
		Transport: &http.Transport{},
	}
}
