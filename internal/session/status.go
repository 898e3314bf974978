package session

import (
	"github.com/sirupsen/logrus"

	"github.com/farview/farview/internal/proto"
)

// Status: the read-mostly snapshot the presentation layer consumes.
// Published on every 200 ms statistics tick and on state transitions.
type Status struct {
	State         State
	Channel       string
	AutoReconnect bool

	Settings      Settings
	Monitors      []proto.Monitor
	ActiveMonitor uint32

	Fed          int64
	Decoded      int64
	Dropped      int64
	Rendered     int64
	Discarded    int64
	Faults       int64
	FramingDrops int64

	ServerStats *proto.StreamStats
	Err         string
}

// Status returns the latest published snapshot; safe from any goroutine.
func (s *Session) Status() *Status {
	return s.status.Load()
}

func (s *Session) publishStatus() {
	st := &Status{
		State:         s.state,
		AutoReconnect: s.autoReconnect,
		Settings:      s.active,
		Monitors:      append([]proto.Monitor(nil), s.ctrl.monitors...),
		ActiveMonitor: s.ctrl.activeMonitor,
		Fed:           s.pipe.fed,
		Decoded:       s.pipe.decoded,
		Dropped:       s.pipe.dropped,
		Rendered:      s.pipe.rendered,
		Discarded:     s.pipe.discarded,
		Faults:        s.pipe.faults,
		FramingDrops:  s.framingDrops,
		ServerStats:   s.serverStats,
	}
	if s.channel != nil {
		st.Channel = s.channel.Kind().String()
	}
	if s.fatal != nil {
		st.Err = s.fatal.Error()
	}
	s.status.Store(st)
	s.log.WithFields(logrus.Fields{
		"state":    st.State.String(),
		"channel":  st.Channel,
		"fed":      st.Fed,
		"decoded":  st.Decoded,
		"dropped":  st.Dropped,
		"rendered": st.Rendered,
	}).Trace("status")
}
