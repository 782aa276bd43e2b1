package rtc

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/averev/huddle/internal/domain"
)

// Producer wraps an RTPReceiver and relays its packets to every attached
// consumer out-track. Pausing keeps the read loop draining so RTCP and
// sequence state stay sane, but forwards nothing.
type Producer struct {
	transport *Transport
	id        string
	kind      domain.Kind
	receiver  *webrtc.RTPReceiver

	paused atomic.Bool
	closed atomic.Bool

	mu               sync.Mutex
	outs             map[string]*Consumer
	onTransportClose []func()
}

func newProducer(t *Transport, kind domain.Kind, receiver *webrtc.RTPReceiver) *Producer {
	return &Producer{
		transport: t,
		id:        uuid.NewString(),
		kind:      kind,
		receiver:  receiver,
		outs:      make(map[string]*Consumer),
	}
}

func (p *Producer) ID() string        { return p.id }
func (p *Producer) Kind() domain.Kind { return p.kind }

func (p *Producer) codec() webrtc.RTPCodecCapability {
	return codecForKind(p.kind)
}

func (p *Producer) Pause(context.Context) error {
	p.paused.Store(true)
	return nil
}

func (p *Producer) Resume(context.Context) error {
	p.paused.Store(false)
	return nil
}

func (p *Producer) OnTransportClose(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onTransportClose = append(p.onTransportClose, fn)
}

func (p *Producer) attachConsumer(c *Consumer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.outs[c.id] = c
}

func (p *Producer) detachConsumer(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.outs, id)
}

// relayLoop reads RTP from the receiver track and fans it out. Audio
// packets additionally feed the router's level observer. The loop ends
// when the receiver stops.
func (p *Producer) relayLoop() {
	track := p.receiver.Track()
	if track == nil {
		return
	}
	extID := p.transport.router.engine.opts.AudioLevelExtensionID

	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			log.Debug().Err(err).Str("module", "rtc").Str("producer", p.id).Msg("relay read ended")
			p.notifyTransportGone()
			return
		}
		if p.kind == domain.KindAudio {
			p.reportAudioLevel(pkt, extID)
		}
		if p.paused.Load() {
			continue
		}
		p.forward(pkt)
	}
}

func (p *Producer) reportAudioLevel(pkt *rtp.Packet, extID uint8) {
	raw := pkt.GetExtension(extID)
	if raw == nil {
		return
	}
	var ext rtp.AudioLevelExtension
	if err := ext.Unmarshal(raw); err != nil {
		return
	}
	p.transport.router.reportLevel(p.id, ext.Level, ext.Voice)
}

func (p *Producer) forward(pkt *rtp.Packet) {
	p.mu.Lock()
	outs := make([]*Consumer, 0, len(p.outs))
	for _, c := range p.outs {
		outs = append(outs, c)
	}
	p.mu.Unlock()

	for _, c := range outs {
		if err := c.writeRTP(pkt); err != nil {
			log.Debug().Err(err).Str("module", "rtc").Str("producer", p.id).Str("consumer", c.id).Msg("relay write, detaching consumer")
			p.detachConsumer(c.id)
		}
	}
}

// notifyTransportGone fires the engine-driven cascade when the underlying
// track died without an explicit Close (transport torn down or ICE lost).
func (p *Producer) notifyTransportGone() {
	if p.closed.Swap(true) {
		return
	}
	p.mu.Lock()
	callbacks := append([]func(){}, p.onTransportClose...)
	p.mu.Unlock()
	for _, fn := range callbacks {
		fn()
	}
	p.finish()
}

// Close is the explicit engine-side producer shutdown.
func (p *Producer) Close() {
	if p.closed.Swap(true) {
		return
	}
	if err := p.receiver.Stop(); err != nil {
		log.Debug().Err(err).Str("module", "rtc").Str("producer", p.id).Msg("receiver stop")
	}
	p.finish()
}

// closeFromTransport is the teardown path for a dying transport. The
// transport-close callbacks fire before the receiver stops so bookkeeping
// runs exactly once; the relay loop's own error path then finds the
// producer already closed.
func (p *Producer) closeFromTransport() {
	if p.closed.Swap(true) {
		return
	}
	p.mu.Lock()
	callbacks := append([]func(){}, p.onTransportClose...)
	p.mu.Unlock()
	for _, fn := range callbacks {
		fn()
	}
	if err := p.receiver.Stop(); err != nil {
		log.Debug().Err(err).Str("module", "rtc").Str("producer", p.id).Msg("receiver stop")
	}
	p.finish()
}

// finish unregisters the producer and tells every consumer its upstream is
// gone.
func (p *Producer) finish() {
	p.transport.router.unregisterProducer(p.id)

	p.mu.Lock()
	outs := make([]*Consumer, 0, len(p.outs))
	for _, c := range p.outs {
		outs = append(outs, c)
	}
	p.outs = make(map[string]*Consumer)
	p.mu.Unlock()

	for _, c := range outs {
		c.fireProducerClose()
	}
	log.Info().Str("module", "rtc").Str("producer", p.id).Msg("producer closed")
}
