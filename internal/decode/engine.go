// Package decode defines the narrow contract to the client's decode
// capability. The engines themselves are external; this core only
// configures, feeds, and reacts to completions and faults.
package decode

import (
	"errors"
	"sync/atomic"
)

// ErrUnsupportedCodec: no usable decode capability for the requested codec.
// Fatal and user-visible; there is no retry path.
var ErrUnsupportedCodec = errors.New("no decode capability for codec")

// Unit: one coded picture handed to the engine.
type Unit struct {
	Data     []byte
	Keyframe bool
	// PTS in microseconds; strictly increasing across the feed.
	PTS int64
}

// Picture: one decoded, not-yet-presented picture. Release must be called
// exactly once, by whoever displaces or presents it.
type Picture struct {
	Width   int
	Height  int
	Release func()
}

// Config carries the codec and the completion callbacks. Callbacks may fire
// from an engine-owned goroutine; implementations deliver them back onto the
// session control loop.
type Config struct {
	Codec     string
	OnPicture func(Picture)
	OnFault   func(error)
}

// Engine: opaque decode capability. Feed never blocks on decode completion;
// QueueDepth reports pending work for backpressure decisions.
type Engine interface {
	Feed(u Unit) error
	QueueDepth() int
	Close() error
}

// Factory constructs an engine for cfg.Codec or returns ErrUnsupportedCodec.
type Factory func(cfg Config) (Engine, error)

// nullEngine counts fed units and produces no pictures; it backs headless
// runs where no presentation surface exists.
type nullEngine struct {
	fed    atomic.Int64
	closed atomic.Bool
}

// NewNull returns a Factory for the null engine. It accepts every codec.
func NewNull() Factory {
	return func(cfg Config) (Engine, error) {
		return &nullEngine{}, nil
	}
}

func (e *nullEngine) Feed(u Unit) error {
	if e.closed.Load() {
		return errors.New("engine closed")
	}
	e.fed.Add(1)
	return nil
}

func (e *nullEngine) QueueDepth() int { return 0 }

func (e *nullEngine) Close() error {
	e.closed.Store(true)
	return nil
}
