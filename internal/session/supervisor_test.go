package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/farview/farview/internal/proto"
	"github.com/farview/farview/internal/transport"
)

// fakeChannel is an in-memory transport.Channel; inbound packets are pushed
// onto in, outbound sends are recorded.
type fakeChannel struct {
	kind transport.Kind
	in   chan []byte

	mu     sync.Mutex
	out    [][]byte
	closed chan struct{}
	once   sync.Once
}

func newFakeChannel(kind transport.Kind) *fakeChannel {
	return &fakeChannel{
		kind:   kind,
		in:     make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (c *fakeChannel) Kind() transport.Kind { return c.kind }

func (c *fakeChannel) Send(ctx context.Context, packet []byte) error {
	if !c.IsOpen() {
		return transport.ErrChannelClosed
	}
	c.mu.Lock()
	c.out = append(c.out, append([]byte(nil), packet...))
	c.mu.Unlock()
	return nil
}

func (c *fakeChannel) Recv(ctx context.Context) ([]byte, error) {
	select {
	case p := <-c.in:
		return p, nil
	case <-c.closed:
		return nil, transport.ErrChannelClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeChannel) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeChannel) IsOpen() bool {
	select {
	case <-c.closed:
		return false
	default:
		return true
	}
}

func (c *fakeChannel) sent(t *testing.T) []*proto.Envelope {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	envs := make([]*proto.Envelope, 0, len(c.out))
	for _, p := range c.out {
		env, err := proto.DecodeEnvelope(p)
		require.NoError(t, err)
		envs = append(envs, env)
	}
	return envs
}

func (c *fakeChannel) sentOfType(t *testing.T, typ proto.EnvelopeType) []*proto.Envelope {
	t.Helper()
	var out []*proto.Envelope
	for _, env := range c.sent(t) {
		if env.Type == typ {
			out = append(out, env)
		}
	}
	return out
}

type attemptLog struct {
	mu    sync.Mutex
	names []string
}

func (a *attemptLog) add(name string) {
	a.mu.Lock()
	a.names = append(a.names, name)
	a.mu.Unlock()
}

func (a *attemptLog) list() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.names...)
}

func failStep(name string, log *attemptLog) dialStep {
	return dialStep{name: name, dial: func(ctx context.Context) (transport.Channel, error) {
		log.add(name)
		return nil, errors.New(name + " unreachable")
	}}
}

func okStep(name string, log *attemptLog, ch transport.Channel) dialStep {
	return dialStep{name: name, dial: func(ctx context.Context) (transport.Channel, error) {
		log.add(name)
		return ch, nil
	}}
}

func newTestSession(t *testing.T, rec *engineRecorder, steps []dialStep) *Session {
	t.Helper()
	if rec == nil {
		rec = &engineRecorder{}
	}
	s, err := New(Config{
		ServerURL: "https://example.invalid:8443",
		Engine:    rec.factory,
	})
	require.NoError(t, err)
	s.steps = steps
	t.Cleanup(s.Stop)
	return s
}

// waitState pumps posted events through the handler until the session reaches
// want, standing in for the control loop in synchronous tests.
func waitState(t *testing.T, s *Session, want State) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for s.state != want {
		select {
		case ev := <-s.events:
			s.handleEvent(ev)
		case <-deadline:
			t.Fatalf("state %v, want %v", s.state, want)
		}
	}
}

// stepCmd runs one posted command on the test goroutine.
func stepCmd(t *testing.T, s *Session) {
	t.Helper()
	select {
	case fn := <-s.cmds:
		fn()
	case <-time.After(2 * time.Second):
		t.Fatal("no command posted")
	}
}

func connectSession(t *testing.T, s *Session, ch *fakeChannel) {
	t.Helper()
	s.startNegotiation()
	waitState(t, s, StateConnected)
	require.Same(t, transport.Channel(ch), s.channel)
}

func TestNegotiationWalksFallbackChain(t *testing.T) {
	log := &attemptLog{}
	ws := newFakeChannel(transport.KindMessageSocket)
	s := newTestSession(t, nil, []dialStep{
		failStep("realtime-peer", log),
		failStep("stream-mux", log),
		okStep("message-socket", log, ws),
	})

	connectSession(t, s, ws)
	assert.Equal(t, []string{"realtime-peer", "stream-mux", "message-socket"}, log.list())

	// On connect the active settings go out first, then a keyframe request.
	envs := ws.sent(t)
	require.Len(t, envs, 2)
	assert.Equal(t, proto.TypeEncodingSettings, envs[0].Type)
	assert.Equal(t, proto.TypeKeyframeRequest, envs[1].Type)
	assert.Equal(t, uint32(0), envs[0].Sequence)
	assert.Equal(t, uint32(1), envs[1].Sequence)

	st := s.Status()
	assert.Equal(t, StateConnected, st.State)
	assert.Equal(t, "message-socket", st.Channel)
}

func TestNegotiationFailureSchedulesReconnect(t *testing.T) {
	log := &attemptLog{}
	s := newTestSession(t, nil, []dialStep{failStep("realtime-peer", log)})

	s.startNegotiation()
	waitState(t, s, StateReconnectPending)
	require.NotNil(t, s.reconnect)
}

func TestNegotiationFailureWithoutAutoReconnectStops(t *testing.T) {
	log := &attemptLog{}
	s := newTestSession(t, nil, []dialStep{failStep("realtime-peer", log)})
	s.autoReconnect = false

	s.startNegotiation()
	waitState(t, s, StateStopped)
	assert.Nil(t, s.reconnect)
}

func TestReconnectRestartsAtFirstChannel(t *testing.T) {
	log := &attemptLog{}
	ws := newFakeChannel(transport.KindMessageSocket)
	s := newTestSession(t, nil, []dialStep{
		failStep("realtime-peer", log),
		okStep("message-socket", log, ws),
	})

	s.startNegotiation()
	waitState(t, s, StateConnected)

	s.onChannelClosed(ws)
	require.Equal(t, StateReconnectPending, s.state)

	// Fire the reconnect timer body directly instead of waiting it out.
	ws2 := newFakeChannel(transport.KindMessageSocket)
	s.steps = []dialStep{
		failStep("realtime-peer", log),
		okStep("message-socket", log, ws2),
	}
	s.onReconnectFire()
	waitState(t, s, StateConnected)

	// Both rounds start from the first step.
	assert.Equal(t, []string{"realtime-peer", "message-socket", "realtime-peer", "message-socket"}, log.list())
}

func TestChannelCloseHandledOnce(t *testing.T) {
	log := &attemptLog{}
	ws := newFakeChannel(transport.KindMessageSocket)
	s := newTestSession(t, nil, []dialStep{okStep("message-socket", log, ws)})
	connectSession(t, s, ws)

	s.ctrl.keyEvent(65, "KeyA", true)
	s.onChannelClosed(ws)
	s.onChannelClosed(ws)

	assert.Equal(t, StateReconnectPending, s.state)
	assert.Nil(t, s.channel)
	assert.False(t, ws.IsOpen())

	// Exactly one synthetic release went out before the close.
	releases := ws.sentOfType(t, proto.TypeKeyboardInput)
	require.Len(t, releases, 1)
	assert.Empty(t, s.ctrl.pressedKeys)
}

func TestStaleNegotiationResultClosed(t *testing.T) {
	s := newTestSession(t, nil, nil)
	s.state = StateStopped

	late := newFakeChannel(transport.KindRealtimePeer)
	s.handleEvent(evNegotiated{ch: late})
	assert.False(t, late.IsOpen())
	assert.Nil(t, s.channel)
}

func TestToggleReconnectWhileConnectedStops(t *testing.T) {
	log := &attemptLog{}
	ws := newFakeChannel(transport.KindMessageSocket)
	s := newTestSession(t, nil, []dialStep{okStep("message-socket", log, ws)})
	connectSession(t, s, ws)
	s.ctrl.keyEvent(65, "KeyA", true)

	s.ToggleReconnect()
	stepCmd(t, s)
	assert.Equal(t, StateStopped, s.state)
	assert.False(t, s.autoReconnect)
	assert.Nil(t, s.channel)
	assert.False(t, ws.IsOpen())
	require.Len(t, ws.sentOfType(t, proto.TypeKeyboardInput), 1)

	// Toggling again re-enables auto-reconnect and renegotiates.
	ws2 := newFakeChannel(transport.KindMessageSocket)
	s.steps = []dialStep{okStep("message-socket", log, ws2)}
	s.ToggleReconnect()
	stepCmd(t, s)
	assert.True(t, s.autoReconnect)
	assert.Equal(t, StateNegotiating, s.state)
	waitState(t, s, StateConnected)
}

func TestConnectIsNoOpWhileConnected(t *testing.T) {
	log := &attemptLog{}
	ws := newFakeChannel(transport.KindMessageSocket)
	s := newTestSession(t, nil, []dialStep{okStep("message-socket", log, ws)})
	connectSession(t, s, ws)

	s.startNegotiation()
	assert.Equal(t, StateConnected, s.state)
	assert.Equal(t, []string{"message-socket"}, log.list())
}

func TestHandlePacketVideoFeedsPipeline(t *testing.T) {
	rec := &engineRecorder{}
	ws := newFakeChannel(transport.KindMessageSocket)
	s := newTestSession(t, rec, []dialStep{okStep("ws", &attemptLog{}, ws)})
	connectSession(t, s, ws)

	s.handlePacket(proto.EncodeEnvelope(videoEnv(5, true)))
	units := rec.engines()[0].fed()
	require.Len(t, units, 1)
	assert.True(t, units[0].Keyframe)
	assert.Equal(t, int64(5*16666), units[0].PTS)
}

func TestHandlePacketMalformedCountsFramingDrop(t *testing.T) {
	s := newTestSession(t, nil, nil)
	s.handlePacket([]byte{0x01, 0x02})
	assert.Equal(t, int64(1), s.framingDrops)
}

func TestHandlePacketPingEchoesSequence(t *testing.T) {
	ws := newFakeChannel(transport.KindMessageSocket)
	s := newTestSession(t, nil, []dialStep{okStep("ws", &attemptLog{}, ws)})
	connectSession(t, s, ws)

	s.handlePacket(proto.EncodeEnvelope(&proto.Envelope{Type: proto.TypePing, Sequence: 42}))
	pongs := ws.sentOfType(t, proto.TypePong)
	require.Len(t, pongs, 1)
	assert.Equal(t, uint32(42), pongs[0].Sequence)
}

func TestHandlePacketMonitorListReconciles(t *testing.T) {
	s := newTestSession(t, nil, nil)
	s.ctrl.activeMonitor = 9

	env, err := proto.NewJSONEnvelope(proto.TypeMonitorList, []proto.Monitor{
		{Index: 0, Name: "DP-1"},
		{Index: 1, Name: "DP-2", Primary: true},
	})
	require.NoError(t, err)
	s.handlePacket(proto.EncodeEnvelope(env))
	assert.Len(t, s.ctrl.monitors, 2)
	assert.Equal(t, uint32(1), s.ctrl.activeMonitor)
}

func TestRemoteSettingsAppliedAndKeyframeOnCodecChange(t *testing.T) {
	rec := &engineRecorder{}
	ws := newFakeChannel(transport.KindMessageSocket)
	s := newTestSession(t, rec, []dialStep{okStep("ws", &attemptLog{}, ws)})
	connectSession(t, s, ws)
	before := len(ws.sentOfType(t, proto.TypeKeyframeRequest))

	env, err := proto.NewJSONEnvelope(proto.TypeEncodingSettings, proto.EncodingSettings{
		Codec: "h264", FPS: 30, Bitrate: 10_000_000, KeyframeInterval: 4,
	})
	require.NoError(t, err)
	s.handlePacket(proto.EncodeEnvelope(env))

	assert.Equal(t, Settings{Codec: "h264", FPS: 30, BitrateMbps: 10, KeyframeIntervalSec: 4}, s.active)
	assert.Len(t, rec.engines(), 2)
	assert.Len(t, ws.sentOfType(t, proto.TypeKeyframeRequest), before+1)
}

func TestApplySettingsSendsAndRequestsKeyframe(t *testing.T) {
	ws := newFakeChannel(transport.KindMessageSocket)
	s := newTestSession(t, nil, []dialStep{okStep("ws", &attemptLog{}, ws)})
	connectSession(t, s, ws)

	s.ApplySettings(SettingsDraft{FPS: "90", BitrateMbps: "999"})
	stepCmd(t, s)

	assert.Equal(t, 90, s.active.FPS)
	assert.Equal(t, 80, s.active.BitrateMbps)

	settings := ws.sentOfType(t, proto.TypeEncodingSettings)
	require.Len(t, settings, 2)
	sent, err := proto.DecodeEncodingSettings(settings[1].Payload)
	require.NoError(t, err)
	assert.Equal(t, uint32(90), sent.FPS)
	assert.Equal(t, uint32(80_000_000), sent.Bitrate)
	assert.Len(t, ws.sentOfType(t, proto.TypeKeyframeRequest), 2)
}

func TestSelectMonitorSendsAndRequestsKeyframe(t *testing.T) {
	ws := newFakeChannel(transport.KindMessageSocket)
	s := newTestSession(t, nil, []dialStep{okStep("ws", &attemptLog{}, ws)})
	connectSession(t, s, ws)

	s.SelectMonitor(3)
	stepCmd(t, s)

	assert.Equal(t, uint32(3), s.ctrl.activeMonitor)
	require.Len(t, ws.sentOfType(t, proto.TypeMonitorSelect), 1)
	assert.Len(t, ws.sentOfType(t, proto.TypeKeyframeRequest), 2)
}

func TestDeactivateControlReleasesEverything(t *testing.T) {
	ws := newFakeChannel(transport.KindMessageSocket)
	s := newTestSession(t, nil, []dialStep{okStep("ws", &attemptLog{}, ws)})
	connectSession(t, s, ws)

	s.ctrl.surfaceW, s.ctrl.surfaceH = 100, 100
	s.ctrl.videoW, s.ctrl.videoH = 100, 100
	s.ctrl.keyEvent(65, "KeyA", true)
	s.ctrl.keyEvent(16, "ShiftLeft", true)
	s.ctrl.pointerButton(0, true, 50, 50)
	s.ctrl.captured = true

	s.DeactivateControl()
	stepCmd(t, s)

	assert.Len(t, ws.sentOfType(t, proto.TypeKeyboardInput), 2)
	assert.Len(t, ws.sentOfType(t, proto.TypeMouseInput), 1)
	assert.Empty(t, s.ctrl.pressedKeys)
	assert.Empty(t, s.ctrl.pressedButtons)
	assert.False(t, s.ctrl.captured)
	assert.Equal(t, StateConnected, s.state)
}

func TestUnsupportedRemoteCodecIsFatal(t *testing.T) {
	rec := &engineRecorder{unsupported: map[string]bool{"hevc": true}}
	ws := newFakeChannel(transport.KindMessageSocket)
	s := newTestSession(t, rec, []dialStep{okStep("ws", &attemptLog{}, ws)})
	connectSession(t, s, ws)

	env, err := proto.NewJSONEnvelope(proto.TypeEncodingSettings, proto.EncodingSettings{
		Codec: "hevc", FPS: 60, Bitrate: 20_000_000, KeyframeInterval: 2,
	})
	require.NoError(t, err)
	s.handlePacket(proto.EncodeEnvelope(env))

	assert.Equal(t, StateStopped, s.state)
	assert.False(t, s.autoReconnect)
	assert.False(t, ws.IsOpen())
	st := s.Status()
	assert.Contains(t, st.Err, "decode capability")
}

func TestRenderTickFlushesCoalescedMove(t *testing.T) {
	ws := newFakeChannel(transport.KindMessageSocket)
	s := newTestSession(t, nil, []dialStep{okStep("ws", &attemptLog{}, ws)})
	connectSession(t, s, ws)

	s.ctrl.surfaceW, s.ctrl.surfaceH = 100, 100
	s.ctrl.videoW, s.ctrl.videoH = 100, 100
	s.ctrl.pointerMove(10, 10)
	s.ctrl.pointerMove(20, 20)

	s.onRenderTick()
	moves := ws.sentOfType(t, proto.TypeMouseInput)
	require.Len(t, moves, 1)

	s.onRenderTick()
	assert.Len(t, ws.sentOfType(t, proto.TypeMouseInput), 1)
}

func TestSessionLoopEndToEnd(t *testing.T) {
	rec := &engineRecorder{}
	ws := newFakeChannel(transport.KindMessageSocket)
	s := newTestSession(t, rec, []dialStep{okStep("ws", &attemptLog{}, ws)})

	s.Start()
	s.Connect()

	require.Eventually(t, func() bool {
		return s.Status().State == StateConnected
	}, 2*time.Second, 10*time.Millisecond)

	ws.in <- proto.EncodeEnvelope(videoEnv(1, true))
	require.Eventually(t, func() bool {
		return len(rec.engines()[0].fed()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	ws.in <- proto.EncodeEnvelope(&proto.Envelope{Type: proto.TypePing, Sequence: 7})
	require.Eventually(t, func() bool {
		return len(ws.sentOfType(t, proto.TypePong)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	s.Stop()
	assert.Equal(t, StateStopped, s.Status().State)
}

func TestMain(m *testing.M) {
	logrus.SetLevel(logrus.PanicLevel)
	m.Run()
}
