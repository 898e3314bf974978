package session

import "time"

// timerHandle: cancellable one-shot timer with a single owner. The owner
// invalidates it on every state transition before scheduling a replacement,
// so a stale fire can never race a fresh one.
type timerHandle struct {
	t *time.Timer
}

func afterFunc(d time.Duration, fn func()) *timerHandle {
	return &timerHandle{t: time.AfterFunc(d, fn)}
}

// Invalidate stops the timer; the callback will not fire afterwards unless
// it was already in flight. Safe on nil.
func (h *timerHandle) Invalidate() {
	if h != nil {
		h.t.Stop()
	}
}
