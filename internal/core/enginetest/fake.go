// Package enginetest provides a scriptable in-memory media engine for
// tests: engine-driven close cascades can be fired by hand and every
// failure point can be injected.
package enginetest

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"

	"github.com/averev/huddle/internal/core"
	"github.com/averev/huddle/internal/domain"
)

type Engine struct {
	mu               sync.Mutex
	routers          []*Router
	FailCreateRouter error
}

func New() *Engine { return &Engine{} }

func (e *Engine) CreateRouter(context.Context) (core.Router, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.FailCreateRouter != nil {
		return nil, e.FailCreateRouter
	}
	r := &Router{
		engine:   e,
		caps:     json.RawMessage(`{"codecs":["opus","VP8"]}`),
		levels:   make(chan core.AudioLevelEvent, 16),
		observed: make(map[string]bool),
	}
	e.routers = append(e.routers, r)
	return r, nil
}

// Routers returns every router created so far.
func (e *Engine) Routers() []*Router {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Router(nil), e.routers...)
}

type Router struct {
	engine *Engine
	caps   json.RawMessage
	levels chan core.AudioLevelEvent

	mu         sync.Mutex
	observed   map[string]bool
	transports []*Transport
	producers  map[string]*Producer
	consumers  []*Consumer
	closed     bool

	FailCreateTransport error
	// CanConsumeFn overrides the capability check; nil allows everything.
	CanConsumeFn func(producerID string, rtpCapabilities json.RawMessage) bool

	closeOnce sync.Once
}

func (r *Router) Capabilities() json.RawMessage { return r.caps }

func (r *Router) CreateTransport(_ context.Context, dir core.Direction) (core.Transport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FailCreateTransport != nil {
		return nil, r.FailCreateTransport
	}
	t := &Transport{router: r, id: uuid.NewString(), dir: dir}
	r.transports = append(r.transports, t)
	return t, nil
}

func (r *Router) CanConsume(producerID string, rtpCapabilities json.RawMessage) bool {
	if r.CanConsumeFn != nil {
		return r.CanConsumeFn(producerID, rtpCapabilities)
	}
	return true
}

func (r *Router) AudioLevels() <-chan core.AudioLevelEvent { return r.levels }

func (r *Router) ObserveProducer(producerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observed[producerID] = true
}

func (r *Router) UnobserveProducer(producerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.observed, producerID)
}

func (r *Router) Observed(producerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.observed[producerID]
}

func (r *Router) Close() {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		r.mu.Unlock()
		close(r.levels)
	})
}

func (r *Router) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// EmitVolume pushes a volume sample naming a producer.
func (r *Router) EmitVolume(producerID string) {
	r.levels <- core.AudioLevelEvent{ProducerID: producerID}
}

// EmitSilence pushes a silence sample.
func (r *Router) EmitSilence() {
	r.levels <- core.AudioLevelEvent{}
}

// Transports returns every transport created on this router.
func (r *Router) Transports() []*Transport {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Transport(nil), r.transports...)
}

// Producer returns the registered producer by id, nil when absent.
func (r *Router) Producer(id string) *Producer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.producers[id]
}

func (r *Router) registerProducer(p *Producer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.producers == nil {
		r.producers = make(map[string]*Producer)
	}
	r.producers[p.id] = p
}

func (r *Router) registerConsumer(c *Consumer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.consumers = append(r.consumers, c)
}

func (r *Router) producerKind(id string) (domain.Kind, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.producers[id]
	if !ok {
		return "", false
	}
	return p.kind, true
}

// closeProducerCascade fires OnProducerClose on every consumer of the
// producer, mimicking the engine-driven notification.
func (r *Router) closeProducerCascade(producerID string) {
	r.mu.Lock()
	delete(r.producers, producerID)
	var affected []*Consumer
	for _, c := range r.consumers {
		if c.producerID == producerID {
			affected = append(affected, c)
		}
	}
	r.mu.Unlock()

	for _, c := range affected {
		c.fireProducerClose()
	}
}

type Transport struct {
	router *Router
	id     string
	dir    core.Direction

	mu        sync.Mutex
	onClose   []func()
	producers []*Producer
	closed    bool

	Connected     bool
	ConnectedDTLS json.RawMessage
	FailConnect   error
	FailProduce   error
	FailConsume   error

	// ProduceHook runs at the start of Produce, before any state changes.
	// Tests use it to interleave work with an in-flight engine call.
	ProduceHook func()
}

func (t *Transport) ID() string { return t.id }

func (t *Transport) Descriptor() core.TransportDescriptor {
	return core.TransportDescriptor{
		ID:             t.id,
		ICEParameters:  json.RawMessage(`{"usernameFragment":"fake"}`),
		ICECandidates:  json.RawMessage(`[]`),
		DTLSParameters: json.RawMessage(`{"role":"auto"}`),
	}
}

func (t *Transport) Connect(_ context.Context, dtlsParameters json.RawMessage) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.FailConnect != nil {
		return t.FailConnect
	}
	t.Connected = true
	t.ConnectedDTLS = dtlsParameters
	return nil
}

func (t *Transport) Produce(_ context.Context, kind domain.Kind, rtpParameters json.RawMessage) (core.Producer, error) {
	if t.ProduceHook != nil {
		t.ProduceHook()
	}
	t.mu.Lock()
	if t.FailProduce != nil {
		err := t.FailProduce
		t.mu.Unlock()
		return nil, err
	}
	p := &Producer{transport: t, id: uuid.NewString(), kind: kind, rtp: rtpParameters}
	t.producers = append(t.producers, p)
	t.mu.Unlock()

	t.router.registerProducer(p)
	return p, nil
}

func (t *Transport) Consume(_ context.Context, producerID string, rtpCapabilities json.RawMessage) (core.Consumer, error) {
	t.mu.Lock()
	if t.FailConsume != nil {
		err := t.FailConsume
		t.mu.Unlock()
		return nil, err
	}
	t.mu.Unlock()

	kind, ok := t.router.producerKind(producerID)
	if !ok {
		kind = domain.KindVideo
	}
	c := &Consumer{
		id:         uuid.NewString(),
		producerID: producerID,
		kind:       kind,
		rtp:        json.RawMessage(`{"codecs":[]}`),
	}
	t.router.registerConsumer(c)
	return c, nil
}

func (t *Transport) OnClose(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onClose = append(t.onClose, fn)
}

// Close mimics the engine cascade: the transport's close callbacks fire,
// then every producer on it goes away, notifying its consumers.
func (t *Transport) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	callbacks := append([]func(){}, t.onClose...)
	producers := append([]*Producer(nil), t.producers...)
	t.mu.Unlock()

	for _, fn := range callbacks {
		fn()
	}
	for _, p := range producers {
		p.closeFromTransport()
	}
}

func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

type Producer struct {
	transport *Transport
	id        string
	kind      domain.Kind
	rtp       json.RawMessage

	mu               sync.Mutex
	paused           bool
	closed           bool
	onTransportClose []func()

	FailPause error
}

func (p *Producer) ID() string        { return p.id }
func (p *Producer) Kind() domain.Kind { return p.kind }

func (p *Producer) Pause(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.FailPause != nil {
		return p.FailPause
	}
	p.paused = true
	return nil
}

func (p *Producer) Resume(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.FailPause != nil {
		return p.FailPause
	}
	p.paused = false
	return nil
}

func (p *Producer) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

func (p *Producer) OnTransportClose(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onTransportClose = append(p.onTransportClose, fn)
}

func (p *Producer) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()
	p.transport.router.closeProducerCascade(p.id)
}

func (p *Producer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Producer) closeFromTransport() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	callbacks := append([]func(){}, p.onTransportClose...)
	p.mu.Unlock()

	for _, fn := range callbacks {
		fn()
	}
	p.transport.router.closeProducerCascade(p.id)
}

type Consumer struct {
	id         string
	producerID string
	kind       domain.Kind
	rtp        json.RawMessage

	mu              sync.Mutex
	closed          bool
	onProducerClose []func()
}

func (c *Consumer) ID() string                     { return c.id }
func (c *Consumer) ProducerID() string             { return c.producerID }
func (c *Consumer) Kind() domain.Kind              { return c.kind }
func (c *Consumer) RTPParameters() json.RawMessage { return c.rtp }

func (c *Consumer) OnProducerClose(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onProducerClose = append(c.onProducerClose, fn)
}

func (c *Consumer) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *Consumer) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Consumer) fireProducerClose() {
	c.mu.Lock()
	callbacks := append([]func(){}, c.onProducerClose...)
	c.mu.Unlock()
	for _, fn := range callbacks {
		fn()
	}
}
