package session

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/farview/farview/internal/decode"
	"github.com/farview/farview/internal/proto"
)

// backpressureDepth: pending decode work above this reinitializes the engine
// instead of feeding more data.
const backpressureDepth = 10

// Presenter: the presentation surface. Draw must not retain the picture
// beyond the call; Release stays with the pipeline.
type Presenter interface {
	Resize(width, height int)
	Draw(p decode.Picture)
}

// pipeline: admission control, timestamp assignment, single-slot picture
// buffering and recovery in front of the decode engine. All methods except
// storePicture run on the session control loop; storePicture and renderTick
// both mutate the slot and stay atomic with respect to it.
type pipeline struct {
	factory         decode.Factory
	presenter       Presenter
	requestKeyframe func()
	onPicture       func(decode.Picture)
	onFault         func(error)
	log             *logrus.Entry

	engine decode.Engine
	codec  string
	fps    int

	awaitingKeyframe bool
	lastPTS          int64
	hasPTS           bool

	slotMu  sync.Mutex
	pending *decode.Picture

	surfaceW, surfaceH int

	fed       int64
	decoded   int64
	dropped   int64
	rendered  int64
	discarded int64
	faults    int64
}

func newPipeline(factory decode.Factory, presenter Presenter, requestKeyframe func(), onPicture func(decode.Picture), onFault func(error)) *pipeline {
	return &pipeline{
		factory:         factory,
		presenter:       presenter,
		requestKeyframe: requestKeyframe,
		onPicture:       onPicture,
		onFault:         onFault,
		log:             logrus.WithField("component", "pipeline"),
		fps:             defaultSettings().FPS,
	}
}

// init (re)creates the engine for the current codec and arms the admission
// gate. Returns decode.ErrUnsupportedCodec when no capability exists.
func (p *pipeline) init(codec string) error {
	if p.engine != nil {
		_ = p.engine.Close()
		p.engine = nil
	}
	eng, err := p.factory(decode.Config{
		Codec:     codec,
		OnPicture: p.onPicture,
		OnFault:   p.onFault,
	})
	if err != nil {
		return err
	}
	p.engine = eng
	p.codec = codec
	p.awaitingKeyframe = true
	return nil
}

// setCodec reinitializes the engine when the negotiated codec differs.
// Callers follow up with a keyframe request to clear the admission gate.
func (p *pipeline) setCodec(codec string) error {
	if p.engine != nil && codec == p.codec {
		return nil
	}
	return p.init(codec)
}

func (p *pipeline) setFPS(fps int) {
	if fps > 0 {
		p.fps = fps
	}
}

// nextPTS assigns sequence×interval microseconds, substituting
// last+interval when the result would not advance. The sequence fed to the
// engine is strictly increasing regardless of fps changes or reordering.
func (p *pipeline) nextPTS(sequence uint32) int64 {
	interval := int64(1_000_000 / p.fps)
	pts := int64(sequence) * interval
	if p.hasPTS && pts <= p.lastPTS {
		pts = p.lastPTS + interval
	}
	p.lastPTS = pts
	p.hasPTS = true
	return pts
}

// feedVideo admits one video envelope: pre-keyframe payloads are silently
// discarded, excessive queue depth triggers recovery instead of feeding.
func (p *pipeline) feedVideo(env *proto.Envelope) error {
	if p.engine == nil {
		return nil
	}
	key := env.Keyframe()
	if p.awaitingKeyframe && !key {
		p.discarded++
		return nil
	}
	if p.engine.QueueDepth() > backpressureDepth {
		p.log.WithField("depth", p.engine.QueueDepth()).Warn("decode backpressure, reinitializing")
		return p.recover()
	}
	pts := p.nextPTS(env.Sequence)
	if key {
		p.awaitingKeyframe = false
	}
	if err := p.engine.Feed(decode.Unit{Data: env.Payload, Keyframe: key, PTS: pts}); err != nil {
		p.log.WithError(err).Warn("engine feed failed")
		return p.recover()
	}
	p.fed++
	return nil
}

// handleFault: engine-reported decode fault; reinitialize and resynchronize.
func (p *pipeline) handleFault(err error) error {
	p.faults++
	p.log.WithError(err).Warn("decode fault, reinitializing")
	return p.recover()
}

func (p *pipeline) recover() error {
	if err := p.init(p.codec); err != nil {
		return err
	}
	p.requestKeyframe()
	return nil
}

// storePicture replaces the single pending slot, releasing and counting the
// displaced picture as dropped. Never more than one live undisplayed picture
// exists.
func (p *pipeline) storePicture(pic decode.Picture) {
	p.slotMu.Lock()
	displaced := p.pending
	p.pending = &pic
	p.slotMu.Unlock()
	p.decoded++
	if displaced != nil {
		p.dropped++
		if displaced.Release != nil {
			displaced.Release()
		}
	}
}

// renderTick presents the pending picture, if any; an empty tick is a no-op
// and never blocks waiting for data. Returns the presented dimensions, or
// zero when nothing was drawn.
func (p *pipeline) renderTick() (width, height int) {
	p.slotMu.Lock()
	pic := p.pending
	p.pending = nil
	p.slotMu.Unlock()
	if pic == nil {
		return 0, 0
	}
	if pic.Width != p.surfaceW || pic.Height != p.surfaceH {
		p.presenter.Resize(pic.Width, pic.Height)
		p.surfaceW, p.surfaceH = pic.Width, pic.Height
	}
	p.presenter.Draw(*pic)
	if pic.Release != nil {
		pic.Release()
	}
	p.rendered++
	return pic.Width, pic.Height
}

func (p *pipeline) close() {
	p.slotMu.Lock()
	pic := p.pending
	p.pending = nil
	p.slotMu.Unlock()
	if pic != nil && pic.Release != nil {
		pic.Release()
	}
	if p.engine != nil {
		_ = p.engine.Close()
		p.engine = nil
	}
}
