package core

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/averev/huddle/internal/domain"
)

// producerRecord is a committed or in-flight producer slot. A nil producer
// marks a reservation: the engine call is still in flight, but the kind is
// already taken so a concurrent produce for the same kind fails fast.
type producerRecord struct {
	producer Producer
	paused   bool
}

// Peer owns one connected participant's media resources: its transports,
// at most one producer per kind, and its consumers. The room owns the peer;
// the peer never reaches back into room state.
type Peer struct {
	UUID         domain.PeerID
	ConnectionID string
	Name         string

	sink EventSink

	mu         sync.RWMutex
	transports map[string]Transport
	producers  map[domain.Kind]*producerRecord
	consumers  map[string]Consumer
	closed     bool
}

func NewPeer(connectionID, name string, sink EventSink) *Peer {
	return &Peer{
		UUID:         domain.NewPeerID(),
		ConnectionID: connectionID,
		Name:         name,
		sink:         sink,
		transports:   make(map[string]Transport),
		producers:    make(map[domain.Kind]*producerRecord),
		consumers:    make(map[string]Consumer),
	}
}

func (p *Peer) Sink() EventSink { return p.sink }

// AddTransport registers a transport handle. Re-adding an existing id is a
// no-op. The engine-driven close callback unregisters the handle when the
// engine reports closure.
func (p *Peer) AddTransport(t Transport) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		t.Close()
		return
	}
	if _, ok := p.transports[t.ID()]; ok {
		log.Info().Str("module", "core.peer").Str("peer", string(p.UUID)).Str("transport", t.ID()).Msg("transport already assigned")
		return
	}
	p.transports[t.ID()] = t
	t.OnClose(func() {
		p.removeTransport(t.ID())
	})
}

func (p *Peer) removeTransport(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.transports, id)
	log.Info().Str("module", "core.peer").Str("peer", string(p.UUID)).Str("transport", id).Msg("transport removed")
}

func (p *Peer) Transport(id string) (Transport, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	t, ok := p.transports[id]
	return t, ok
}

// ReserveProducer claims the kind slot before the engine call so that two
// concurrent produces for the same kind cannot both succeed. The caller
// must later CommitProducer or AbortProducer.
func (p *Peer) ReserveProducer(kind domain.Kind) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPeerNotFound
	}
	if _, ok := p.producers[kind]; ok {
		return ErrProducerKindBusy
	}
	p.producers[kind] = &producerRecord{}
	return nil
}

// CommitProducer fills a reserved slot with the engine-confirmed producer
// and reports whether the commit landed. If the peer was torn down while
// the engine call was in flight, the producer is closed instead and the
// caller must roll back its own reservation side effects.
func (p *Peer) CommitProducer(kind domain.Kind, prod Producer) bool {
	p.mu.Lock()
	rec, ok := p.producers[kind]
	if !ok || p.closed || rec.producer != nil {
		p.mu.Unlock()
		prod.Close()
		return false
	}
	rec.producer = prod
	p.mu.Unlock()
	return true
}

// AbortProducer releases a reservation after a failed engine call.
func (p *Peer) AbortProducer(kind domain.Kind) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if rec, ok := p.producers[kind]; ok && rec.producer == nil {
		delete(p.producers, kind)
	}
}

// RemoveProducer drops the record for kind and returns the handle, if a
// committed one exists.
func (p *Peer) RemoveProducer(kind domain.Kind) (Producer, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.producers[kind]
	if !ok || rec.producer == nil {
		return nil, false
	}
	delete(p.producers, kind)
	return rec.producer, true
}

// RemoveProducerByID drops a committed producer record by engine id.
func (p *Peer) RemoveProducerByID(id string) (Producer, domain.Kind, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for kind, rec := range p.producers {
		if rec.producer != nil && rec.producer.ID() == id {
			delete(p.producers, kind)
			return rec.producer, kind, true
		}
	}
	return nil, "", false
}

// ProducerByID finds a committed producer record by engine id.
func (p *Peer) ProducerByID(id string) (Producer, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, rec := range p.producers {
		if rec.producer != nil && rec.producer.ID() == id {
			return rec.producer, true
		}
	}
	return nil, false
}

// SetPaused records the pause state of a producer.
func (p *Peer) SetPaused(id string, paused bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, rec := range p.producers {
		if rec.producer != nil && rec.producer.ID() == id {
			rec.paused = paused
			return true
		}
	}
	return false
}

func (p *Peer) AddConsumer(c Consumer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		c.Close()
		return
	}
	p.consumers[c.ID()] = c
}

func (p *Peer) RemoveConsumer(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.consumers[id]; ok {
		c.Close()
		delete(p.consumers, id)
	}
}

// Producers returns the public view of this peer's committed producers.
func (p *Peer) Producers() PeerProducers {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := PeerProducers{PeerID: p.UUID, Name: p.Name, Producers: []ProducerInfo{}}
	for kind, rec := range p.producers {
		if rec.producer == nil {
			continue
		}
		out.Producers = append(out.Producers, ProducerInfo{ID: rec.producer.ID(), Kind: kind})
	}
	return out
}

// ProducerIDs lists committed producer ids, used for room-side index
// cleanup when the peer goes away.
func (p *Peer) ProducerIDs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.producers))
	for _, rec := range p.producers {
		if rec.producer != nil {
			out = append(out, rec.producer.ID())
		}
	}
	return out
}

// Close releases every transport; the engine cascades closure to the
// transport's producers and consumers. Idempotent.
func (p *Peer) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	transports := make([]Transport, 0, len(p.transports))
	for _, t := range p.transports {
		transports = append(transports, t)
	}
	p.transports = make(map[string]Transport)
	p.producers = make(map[domain.Kind]*producerRecord)
	p.consumers = make(map[string]Consumer)
	p.mu.Unlock()

	for _, t := range transports {
		t.Close()
	}
	log.Info().Str("module", "core.peer").Str("peer", string(p.UUID)).Msg("peer closed")
}
