package session

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/farview/farview/internal/decode"
	"github.com/farview/farview/internal/proto"
	"github.com/farview/farview/internal/store"
	"github.com/farview/farview/internal/transport"
)

// State of the connection supervisor.
type State int

const (
	StateIdle State = iota
	StateNegotiating
	StateConnected
	StateDisconnecting
	StateReconnectPending
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateReconnectPending:
		return "reconnect-pending"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

const (
	reconnectDelay  = 3000 * time.Millisecond
	statsInterval   = 200 * time.Millisecond
	defaultRenderHz = 60
	sendTimeout     = time.Second
)

// Config for one session.
type Config struct {
	ServerURL string
	// StreamMuxAddr: host:port for the stream-multiplexed dial; derived
	// from ServerURL when empty.
	StreamMuxAddr      string
	EnableRealtimePeer bool
	EnableStreamMux    bool
	// Insecure permits the stream-multiplexed attempt without a pinned
	// certificate hash.
	Insecure bool

	Engine    decode.Factory
	Presenter Presenter
	Prefs     *store.DB
	RenderHz  int
}

type dialStep struct {
	name string
	dial func(ctx context.Context) (transport.Channel, error)
}

type evPicture struct{ pic decode.Picture }
type evFault struct{ err error }
type evClosed struct{ ch transport.Channel }
type evNegotiated struct {
	ch  transport.Channel
	err error
}
type inbound struct {
	ch     transport.Channel
	packet []byte
}

// Session drives one remote-display connection: channel lifecycle, envelope
// dispatch, decode pipeline and control protocol, all on a single control
// loop. Exactly one session may drive the shared input and presentation
// resources; construct replacements through Registry.
type Session struct {
	cfg   Config
	log   *logrus.Entry
	steps []dialStep

	cmds    chan func()
	events  chan any
	packets chan inbound

	// control-loop owned
	state         State
	channel       transport.Channel
	autoReconnect bool
	closeHandled  bool
	reconnect     *timerHandle
	outSeq        uint32
	fatal         error

	ctrl         *control
	pipe         *pipeline
	active       Settings
	serverStats  *proto.StreamStats
	framingDrops int64

	status atomic.Pointer[Status]

	runCtx  context.Context
	cancel  context.CancelFunc
	started atomic.Bool
	done    chan struct{}
	stopped sync.Once
}

// New builds a session. Fails fast when the stored codec has no decode
// capability on this client (no retry path exists for that).
func New(cfg Config) (*Session, error) {
	if cfg.ServerURL == "" {
		return nil, errors.New("server URL required")
	}
	if cfg.Engine == nil {
		cfg.Engine = decode.NewNull()
	}
	if cfg.Presenter == nil {
		cfg.Presenter = noopPresenter{}
	}
	if cfg.RenderHz <= 0 {
		cfg.RenderHz = defaultRenderHz
	}
	if cfg.StreamMuxAddr == "" {
		if u, err := url.Parse(cfg.ServerURL); err == nil {
			cfg.StreamMuxAddr = u.Host
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:           cfg,
		log:           logrus.WithField("component", "session"),
		cmds:          make(chan func(), 32),
		events:        make(chan any, 32),
		packets:       make(chan inbound, 64),
		autoReconnect: true,
		ctrl:          newControl(),
		active:        defaultSettings(),
		runCtx:        ctx,
		cancel:        cancel,
		done:          make(chan struct{}),
	}
	if cfg.Prefs != nil {
		if saved, monitor, err := cfg.Prefs.Load(); err != nil {
			s.log.WithError(err).Warn("prefs load failed, using defaults")
		} else if saved != nil {
			s.active = Settings{
				Codec:               saved.Codec,
				FPS:                 saved.FPS,
				BitrateMbps:         saved.BitrateMbps,
				KeyframeIntervalSec: saved.KeyframeIntervalSec,
			}
			s.ctrl.activeMonitor = monitor
		}
	}
	s.pipe = newPipeline(cfg.Engine, cfg.Presenter,
		func() { s.sendKeyframeRequest() },
		func(pic decode.Picture) { s.postEvent(evPicture{pic}) },
		func(err error) { s.postEvent(evFault{err}) },
	)
	s.pipe.setFPS(s.active.FPS)
	if err := s.pipe.init(s.active.Codec); err != nil {
		cancel()
		return nil, fmt.Errorf("decode capability: %w", err)
	}
	s.steps = s.buildSteps()
	s.publishStatus()
	return s, nil
}

// buildSteps assembles the ordered negotiation chain; each step is attempted
// only after the prior one fails or is unavailable.
func (s *Session) buildSteps() []dialStep {
	var steps []dialStep
	if s.cfg.EnableRealtimePeer {
		steps = append(steps, dialStep{
			name: transport.KindRealtimePeer.String(),
			dial: func(ctx context.Context) (transport.Channel, error) {
				dialCtx, cancel := context.WithTimeout(ctx, transport.PeerHandshakeTimeout)
				defer cancel()
				return transport.DialRealtimePeer(dialCtx, s.cfg.ServerURL)
			},
		})
	}
	if s.cfg.EnableStreamMux {
		steps = append(steps, dialStep{
			name: transport.KindStreamMux.String(),
			dial: func(ctx context.Context) (transport.Channel, error) {
				hashCtx, cancel := context.WithTimeout(ctx, transport.HashFetchTimeout)
				pinned, err := transport.FetchPinnedHash(hashCtx, s.cfg.ServerURL)
				cancel()
				if err != nil {
					// Pinning is best-effort, but without it the
					// handshake needs an explicit insecure opt-in.
					if !s.cfg.Insecure {
						return nil, fmt.Errorf("no pinned hash and insecure mode disabled: %w", err)
					}
					s.log.WithError(err).Debug("hash prefetch failed, proceeding unpinned")
					pinned = nil
				}
				return transport.DialStreamMux(ctx, s.cfg.StreamMuxAddr, pinned)
			},
		})
	}
	steps = append(steps, dialStep{
		name: transport.KindMessageSocket.String(),
		dial: func(ctx context.Context) (transport.Channel, error) {
			return transport.DialMessageSocket(ctx, s.cfg.ServerURL)
		},
	})
	return steps
}

// Start launches the control loop.
func (s *Session) Start() {
	if s.started.Swap(true) {
		return
	}
	go s.run()
}

// Stop tears the session down and waits for the loop to exit.
func (s *Session) Stop() {
	s.stopped.Do(func() {
		s.cancel()
		if s.started.Load() {
			<-s.done
		}
	})
}

func (s *Session) run() {
	defer close(s.done)
	renderTick := time.NewTicker(time.Second / time.Duration(s.cfg.RenderHz))
	defer renderTick.Stop()
	statsTick := time.NewTicker(statsInterval)
	defer statsTick.Stop()
	defer s.teardown()
	for {
		select {
		case <-s.runCtx.Done():
			return
		case fn := <-s.cmds:
			fn()
		case ev := <-s.events:
			s.handleEvent(ev)
		case in := <-s.packets:
			if in.ch == s.channel {
				s.handlePacket(in.packet)
			}
		case <-renderTick.C:
			s.onRenderTick()
		case <-statsTick.C:
			s.publishStatus()
		}
	}
}

func (s *Session) teardown() {
	s.state = StateDisconnecting
	s.reconnect.Invalidate()
	if s.channel != nil {
		_ = s.channel.Close()
		s.channel = nil
	}
	s.pipe.close()
	s.state = StateStopped
	s.publishStatus()
}

func (s *Session) postCmd(fn func()) {
	select {
	case s.cmds <- fn:
	case <-s.runCtx.Done():
	}
}

func (s *Session) postEvent(ev any) {
	select {
	case s.events <- ev:
	case <-s.runCtx.Done():
	}
}

func (s *Session) handleEvent(ev any) {
	switch e := ev.(type) {
	case evPicture:
		s.pipe.storePicture(e.pic)
	case evFault:
		if err := s.pipe.handleFault(e.err); err != nil {
			s.fatalCapability(err)
		}
	case evClosed:
		s.onChannelClosed(e.ch)
	case evNegotiated:
		s.onNegotiated(e)
	}
}

// Connect requests negotiation; a no-op while a channel is open or
// negotiating.
func (s *Session) Connect() {
	s.postCmd(s.startNegotiation)
}

func (s *Session) startNegotiation() {
	if s.state == StateNegotiating || s.state == StateConnected || s.channel != nil {
		return
	}
	s.state = StateNegotiating
	s.closeHandled = false
	s.publishStatus()
	steps := s.steps
	log := s.log
	ctx := s.runCtx
	go func() {
		ch, err := negotiate(ctx, steps, log)
		s.postEvent(evNegotiated{ch: ch, err: err})
	}()
}

// negotiate walks the fallback chain in order; a per-channel failure is
// non-fatal and advances to the next step.
func negotiate(ctx context.Context, steps []dialStep, log *logrus.Entry) (transport.Channel, error) {
	var lastErr error
	for _, step := range steps {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		ch, err := step.dial(ctx)
		if err != nil {
			log.WithError(err).WithField("channel", step.name).Info("channel attempt failed")
			lastErr = err
			continue
		}
		log.WithField("channel", step.name).Info("channel open")
		return ch, nil
	}
	return nil, fmt.Errorf("all channels failed: %w", lastErr)
}

func (s *Session) onNegotiated(ev evNegotiated) {
	if s.state != StateNegotiating {
		// Session stopped or toggled while the dial was in flight.
		if ev.ch != nil {
			_ = ev.ch.Close()
		}
		return
	}
	if ev.err != nil {
		s.log.WithError(ev.err).Warn("negotiation failed")
		if s.autoReconnect {
			s.scheduleReconnect()
		} else {
			s.state = StateStopped
		}
		s.publishStatus()
		return
	}
	s.channel = ev.ch
	s.state = StateConnected
	s.autoReconnect = true
	s.publishStatus()
	go s.recvLoop(ev.ch)
	// Push the active settings without forcing a keyframe, then ask for
	// one explicitly.
	s.sendSettings()
	s.sendKeyframeRequest()
}

func (s *Session) recvLoop(ch transport.Channel) {
	for {
		packet, err := ch.Recv(s.runCtx)
		if err != nil {
			s.postEvent(evClosed{ch: ch})
			return
		}
		select {
		case s.packets <- inbound{ch: ch, packet: packet}:
		case <-s.runCtx.Done():
			return
		}
	}
}

// onChannelClosed funnels every channel-level fault; the closeHandled latch
// dedupes multiple notifications from the same channel.
func (s *Session) onChannelClosed(ch transport.Channel) {
	if ch != s.channel || s.closeHandled {
		return
	}
	s.closeHandled = true
	s.handleDisconnect()
}

func (s *Session) handleDisconnect() {
	ch := s.channel
	s.channel = nil
	s.syntheticReleases(ch)
	if ch != nil {
		_ = ch.Close()
	}
	if s.autoReconnect {
		s.scheduleReconnect()
	} else {
		s.state = StateStopped
	}
	s.publishStatus()
}

// syntheticReleases emits one release envelope per pressed key/button before
// clearing local state; sends are best-effort on a failing channel.
func (s *Session) syntheticReleases(ch transport.Channel) {
	keys, buttons := s.ctrl.releaseAll()
	if ch == nil || !ch.IsOpen() {
		return
	}
	for _, k := range keys {
		s.sendJSONOn(ch, proto.TypeKeyboardInput, k)
	}
	for _, b := range buttons {
		s.sendJSONOn(ch, proto.TypeMouseInput, b)
	}
}

func (s *Session) scheduleReconnect() {
	s.state = StateReconnectPending
	s.reconnect.Invalidate()
	s.reconnect = afterFunc(reconnectDelay, func() {
		s.postCmd(s.onReconnectFire)
	})
}

func (s *Session) onReconnectFire() {
	if s.state != StateReconnectPending {
		return
	}
	s.closeHandled = false
	s.state = StateIdle
	s.startNegotiation()
}

// ToggleReconnect: while connected or negotiating, disables auto-reconnect
// and force-closes (terminal until the user reconnects); otherwise re-enables
// it and restarts negotiation from the first channel.
func (s *Session) ToggleReconnect() {
	s.postCmd(func() {
		if s.state == StateConnected || s.state == StateNegotiating || s.channel != nil {
			s.autoReconnect = false
			s.closeHandled = true
			ch := s.channel
			s.channel = nil
			s.syntheticReleases(ch)
			if ch != nil {
				_ = ch.Close()
			}
			s.reconnect.Invalidate()
			s.state = StateStopped
			s.publishStatus()
			return
		}
		s.autoReconnect = true
		s.reconnect.Invalidate()
		s.state = StateIdle
		s.startNegotiation()
	})
}

func (s *Session) handlePacket(packet []byte) {
	env, err := proto.DecodeEnvelope(packet)
	if err != nil {
		s.framingDrops++
		return
	}
	switch env.Type {
	case proto.TypeVideo:
		if err := s.pipe.feedVideo(env); err != nil {
			s.fatalCapability(err)
		}
	case proto.TypeMonitorList:
		list, err := proto.DecodeMonitorList(env.Payload)
		if err != nil {
			s.framingDrops++
			return
		}
		s.ctrl.applyMonitorList(list)
	case proto.TypeEncodingSettings:
		p, err := proto.DecodeEncodingSettings(env.Payload)
		if err != nil {
			s.framingDrops++
			return
		}
		s.applyRemoteSettings(p)
	case proto.TypeStats:
		st, err := proto.DecodeStreamStats(env.Payload)
		if err != nil {
			s.framingDrops++
			return
		}
		s.serverStats = st
	case proto.TypePing:
		s.sendPong(env.Sequence)
	}
}

func (s *Session) applyRemoteSettings(p *proto.EncodingSettings) {
	next := normalizeRemote(p, s.active)
	codecChanged := next.Codec != s.active.Codec
	s.active = next
	s.pipe.setFPS(next.FPS)
	if err := s.pipe.setCodec(next.Codec); err != nil {
		s.fatalCapability(err)
		return
	}
	if codecChanged {
		s.sendKeyframeRequest()
	}
	s.persistPrefs()
}

// ApplySettings normalizes the draft against the active settings, stores the
// result, sends it, and always follows with a keyframe request. With no
// channel open the settings are retained and pushed by the next connect.
func (s *Session) ApplySettings(draft SettingsDraft) {
	s.postCmd(func() {
		next := normalizeDraft(draft, s.active)
		s.active = next
		s.pipe.setFPS(next.FPS)
		if err := s.pipe.setCodec(next.Codec); err != nil {
			s.fatalCapability(err)
			return
		}
		s.persistPrefs()
		s.sendSettings()
		s.sendKeyframeRequest()
	})
}

// SelectMonitor optimistically updates the local active monitor, informs the
// host, and requests a keyframe.
func (s *Session) SelectMonitor(index uint32) {
	s.postCmd(func() {
		s.ctrl.activeMonitor = index
		s.sendJSON(proto.TypeMonitorSelect, proto.MonitorSelect{Index: index})
		s.persistPrefs()
		s.sendKeyframeRequest()
	})
}

// SetSurfaceSize informs the core of the presentation surface dimensions
// used for pointer mapping.
func (s *Session) SetSurfaceSize(width, height int) {
	s.postCmd(func() {
		s.ctrl.surfaceW, s.ctrl.surfaceH = width, height
	})
}

// PointerMove records an absolute move (surface coordinates); coalesced to
// one envelope per render tick.
func (s *Session) PointerMove(x, y float64) {
	s.postCmd(func() { s.ctrl.pointerMove(x, y) })
}

// PointerDelta accumulates a capture-mode movement delta.
func (s *Session) PointerDelta(dx, dy float64) {
	s.postCmd(func() { s.ctrl.pointerDelta(dx, dy) })
}

// PointerButton sends a button transition immediately.
func (s *Session) PointerButton(button uint8, down bool, x, y float64) {
	s.postCmd(func() {
		s.sendJSON(proto.TypeMouseInput, s.ctrl.pointerButton(button, down, x, y))
	})
}

// PointerWheel sends a wheel transition immediately.
func (s *Session) PointerWheel(deltaX, deltaY int32) {
	s.postCmd(func() {
		s.sendJSON(proto.TypeMouseInput, s.ctrl.pointerWheel(deltaX, deltaY))
	})
}

// KeyEvent sends a key transition immediately and tracks the pressed set.
func (s *Session) KeyEvent(keyCode uint16, code string, down bool) {
	s.postCmd(func() {
		s.sendJSON(proto.TypeKeyboardInput, s.ctrl.keyEvent(keyCode, code, down))
	})
}

// SetPointerCapture toggles relative-delta pointer reporting.
func (s *Session) SetPointerCapture(on bool) {
	s.postCmd(func() { s.ctrl.captured = on })
}

// DeactivateControl releases every tracked key and button (one envelope
// each) and clears local input state.
func (s *Session) DeactivateControl() {
	s.postCmd(func() {
		keys, buttons := s.ctrl.releaseAll()
		for _, k := range keys {
			s.sendJSON(proto.TypeKeyboardInput, k)
		}
		for _, b := range buttons {
			s.sendJSON(proto.TypeMouseInput, b)
		}
	})
}

func (s *Session) fatalCapability(err error) {
	s.log.WithError(err).Error("decode capability lost")
	s.fatal = err
	s.autoReconnect = false
	s.reconnect.Invalidate()
	if s.channel != nil {
		_ = s.channel.Close()
		s.channel = nil
	}
	s.state = StateStopped
	s.publishStatus()
}

func (s *Session) persistPrefs() {
	if s.cfg.Prefs == nil {
		return
	}
	err := s.cfg.Prefs.Save(store.Settings{
		Codec:               s.active.Codec,
		FPS:                 s.active.FPS,
		BitrateMbps:         s.active.BitrateMbps,
		KeyframeIntervalSec: s.active.KeyframeIntervalSec,
	}, s.ctrl.activeMonitor)
	if err != nil {
		s.log.WithError(err).Warn("prefs save failed")
	}
}

func (s *Session) sendSettings() {
	s.sendJSON(proto.TypeEncodingSettings, wireSettings(s.active))
}

func (s *Session) sendKeyframeRequest() {
	s.sendEnvelope(&proto.Envelope{Type: proto.TypeKeyframeRequest})
}

// sendPong echoes the ping sequence verbatim instead of stamping the
// outbound counter.
func (s *Session) sendPong(seq uint32) {
	ch := s.channel
	if ch == nil || !ch.IsOpen() {
		return
	}
	ctx, cancel := context.WithTimeout(s.runCtx, sendTimeout)
	defer cancel()
	if err := ch.Send(ctx, proto.EncodeEnvelope(&proto.Envelope{Type: proto.TypePong, Sequence: seq})); err != nil {
		s.log.WithError(err).Debug("pong send failed")
	}
}

func (s *Session) sendJSON(t proto.EnvelopeType, v any) {
	s.sendJSONOn(s.channel, t, v)
}

func (s *Session) sendJSONOn(ch transport.Channel, t proto.EnvelopeType, v any) {
	env, err := proto.NewJSONEnvelope(t, v)
	if err != nil {
		s.log.WithError(err).Warn("payload marshal failed")
		return
	}
	s.sendEnvelopeOn(ch, env)
}

func (s *Session) sendEnvelope(env *proto.Envelope) {
	s.sendEnvelopeOn(s.channel, env)
}

func (s *Session) sendEnvelopeOn(ch transport.Channel, env *proto.Envelope) {
	if ch == nil || !ch.IsOpen() {
		return
	}
	env.Sequence = s.outSeq
	s.outSeq++
	ctx, cancel := context.WithTimeout(s.runCtx, sendTimeout)
	defer cancel()
	if err := ch.Send(ctx, proto.EncodeEnvelope(env)); err != nil {
		s.log.WithError(err).Debug("send failed")
	}
}

func (s *Session) onRenderTick() {
	if m := s.ctrl.takePendingMove(); m != nil {
		s.sendJSON(proto.TypeMouseInput, m)
	}
	if w, h := s.pipe.renderTick(); w > 0 {
		s.ctrl.videoW, s.ctrl.videoH = w, h
	}
}

type noopPresenter struct{}

func (noopPresenter) Resize(int, int)     {}
func (noopPresenter) Draw(decode.Picture) {}
