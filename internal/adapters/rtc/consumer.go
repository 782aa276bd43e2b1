package rtc

import (
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/averev/huddle/internal/domain"
)

// Consumer wraps an RTPSender fed by its producer's relay loop.
type Consumer struct {
	id         string
	producerID string
	kind       domain.Kind
	sender     *webrtc.RTPSender
	local      *webrtc.TrackLocalStaticRTP
	rtpParams  json.RawMessage

	producer *Producer
	closed   atomic.Bool

	mu              sync.Mutex
	onProducerClose []func()
}

func newConsumer(prod *Producer, sender *webrtc.RTPSender, local *webrtc.TrackLocalStaticRTP, rtpParams json.RawMessage) *Consumer {
	return &Consumer{
		id:         uuid.NewString(),
		producerID: prod.id,
		kind:       prod.kind,
		sender:     sender,
		local:      local,
		rtpParams:  rtpParams,
		producer:   prod,
	}
}

func (c *Consumer) ID() string                     { return c.id }
func (c *Consumer) ProducerID() string             { return c.producerID }
func (c *Consumer) Kind() domain.Kind              { return c.kind }
func (c *Consumer) RTPParameters() json.RawMessage { return c.rtpParams }

func (c *Consumer) OnProducerClose(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onProducerClose = append(c.onProducerClose, fn)
}

func (c *Consumer) writeRTP(pkt *rtp.Packet) error {
	if c.closed.Load() {
		return nil
	}
	return c.local.WriteRTP(pkt)
}

func (c *Consumer) fireProducerClose() {
	c.mu.Lock()
	callbacks := append([]func(){}, c.onProducerClose...)
	c.mu.Unlock()
	for _, fn := range callbacks {
		fn()
	}
	c.Close()
}

func (c *Consumer) Close() {
	if c.closed.Swap(true) {
		return
	}
	c.producer.detachConsumer(c.id)
	if err := c.sender.Stop(); err != nil {
		log.Debug().Err(err).Str("module", "rtc").Str("consumer", c.id).Msg("sender stop")
	}
	log.Info().Str("module", "rtc").Str("consumer", c.id).Msg("consumer closed")
}
