package core

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/averev/huddle/internal/domain"
)

type producerOwner struct {
	peerID domain.PeerID
	kind   domain.Kind
}

// Room owns its peer set, the lazily created shared router, the
// screen-share exclusivity flag and the active-speaker monitor. All media
// calls are delegated to the engine; the room only sequences them and keeps
// the bookkeeping consistent.
type Room struct {
	Name   domain.RoomName
	engine Engine

	mu            sync.RWMutex
	peers         map[domain.PeerID]*Peer
	owners        map[string]producerOwner
	screenSharing bool
	closed        bool

	// routerMu is held across router creation so concurrent first
	// capability requests cannot create two routers.
	routerMu sync.Mutex
	router   Router
	speaker  *speakerMonitor
}

func NewRoom(name domain.RoomName, engine Engine) *Room {
	return &Room{
		Name:   name,
		engine: engine,
		peers:  make(map[domain.PeerID]*Peer),
		owners: make(map[string]producerOwner),
	}
}

// AddPeer admits a peer. Admission fails once the registry has collected
// the room, so a join racing with empty-room collection resolves the name
// again instead of landing in a dead room.
func (r *Room) AddPeer(p *Peer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRoomClosed
	}
	r.peers[p.UUID] = p
	log.Info().Str("module", "core.room").Str("room", string(r.Name)).Str("peer", string(p.UUID)).Str("name", p.Name).Msg("peer added")
	return nil
}

// closeIfEmpty marks the room closed when no peer is left; once it reports
// true the room takes no new peers.
func (r *Room) closeIfEmpty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.peers) > 0 {
		return false
	}
	r.closed = true
	return true
}

func (r *Room) Peer(id domain.PeerID) (*Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[id]
	return p, ok
}

func (r *Room) PeerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// RemovePeer closes all of the peer's resources and drops it from the set.
// Removing an unknown peer is a no-op. The caller broadcasts
// participant_left and asks the registry to collect the room if empty.
func (r *Room) RemovePeer(id domain.PeerID) (*Peer, bool) {
	r.mu.Lock()
	p, ok := r.peers[id]
	if !ok {
		r.mu.Unlock()
		log.Info().Str("module", "core.room").Str("room", string(r.Name)).Str("peer", string(id)).Msg("remove: peer not found")
		return nil, false
	}
	delete(r.peers, id)
	for _, pid := range p.ProducerIDs() {
		owner, ok := r.owners[pid]
		if !ok {
			continue
		}
		delete(r.owners, pid)
		if owner.kind == domain.KindScreen {
			r.screenSharing = false
		}
		if owner.kind == domain.KindAudio && r.router != nil {
			r.router.UnobserveProducer(pid)
		}
	}
	r.mu.Unlock()

	p.Close()
	log.Info().Str("module", "core.room").Str("room", string(r.Name)).Str("peer", string(id)).Msg("peer removed")
	return p, true
}

// Capabilities creates the shared router on first call and returns its RTP
// capabilities. Subsequent calls return the cached value.
func (r *Room) Capabilities(ctx context.Context) (json.RawMessage, error) {
	r.routerMu.Lock()
	defer r.routerMu.Unlock()
	if r.router == nil {
		router, err := r.engine.CreateRouter(ctx)
		if err != nil {
			return nil, engineErr("create router", err)
		}
		r.mu.Lock()
		r.router = router
		r.mu.Unlock()
		r.speaker = newSpeakerMonitor(r)
		go r.speaker.run(router.AudioLevels())
		log.Info().Str("module", "core.room").Str("room", string(r.Name)).Msg("router created")
	}
	return r.router.Capabilities(), nil
}

func (r *Room) routerHandle() (Router, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.router == nil {
		return nil, ErrNotActive
	}
	return r.router, nil
}

func (r *Room) CreateTransport(ctx context.Context, peerID domain.PeerID, dir Direction) (TransportDescriptor, error) {
	p, ok := r.Peer(peerID)
	if !ok {
		return TransportDescriptor{}, ErrPeerNotFound
	}
	router, err := r.routerHandle()
	if err != nil {
		return TransportDescriptor{}, err
	}
	t, err := router.CreateTransport(ctx, dir)
	if err != nil {
		return TransportDescriptor{}, engineErr("create transport", err)
	}
	p.AddTransport(t)
	return t.Descriptor(), nil
}

func (r *Room) ConnectTransport(ctx context.Context, peerID domain.PeerID, transportID string, dtlsParameters json.RawMessage) error {
	p, ok := r.Peer(peerID)
	if !ok {
		return ErrPeerNotFound
	}
	t, ok := p.Transport(transportID)
	if !ok {
		return ErrTransportNotFound
	}
	if err := t.Connect(ctx, dtlsParameters); err != nil {
		return engineErr("connect transport", err)
	}
	return nil
}

// Produce creates a producer for the peer. The screen-share flag and the
// peer's kind slot are both reserved before the engine call and rolled back
// on failure, so a concurrent produce cannot slip past either check while
// an engine call is in flight.
func (r *Room) Produce(ctx context.Context, peerID domain.PeerID, transportID string, kind domain.Kind, rtpParameters json.RawMessage) (string, error) {
	p, ok := r.Peer(peerID)
	if !ok {
		return "", ErrPeerNotFound
	}

	if kind == domain.KindScreen {
		r.mu.Lock()
		if r.screenSharing {
			r.mu.Unlock()
			return "", ErrScreenShareBusy
		}
		r.screenSharing = true
		r.mu.Unlock()
	}
	rollbackScreen := func() {
		if kind == domain.KindScreen {
			r.mu.Lock()
			r.screenSharing = false
			r.mu.Unlock()
		}
	}

	if err := p.ReserveProducer(kind); err != nil {
		rollbackScreen()
		return "", err
	}

	t, ok := p.Transport(transportID)
	if !ok {
		p.AbortProducer(kind)
		rollbackScreen()
		return "", ErrTransportNotFound
	}

	prod, err := t.Produce(ctx, kind, rtpParameters)
	if err != nil {
		p.AbortProducer(kind)
		rollbackScreen()
		return "", engineErr("produce", err)
	}

	// The peer may have been torn down while the engine call was in
	// flight; the discarded producer must not leave owner or screen state
	// behind.
	if !p.CommitProducer(kind, prod) {
		rollbackScreen()
		return "", ErrPeerNotFound
	}
	r.mu.Lock()
	r.owners[prod.ID()] = producerOwner{peerID: peerID, kind: kind}
	router := r.router
	r.mu.Unlock()

	prod.OnTransportClose(func() {
		r.dropProducer(peerID, prod.ID())
	})
	if kind == domain.KindAudio && router != nil {
		router.ObserveProducer(prod.ID())
	}

	log.Info().Str("module", "core.room").Str("room", string(r.Name)).Str("peer", string(peerID)).Str("producer", prod.ID()).Str("kind", string(kind)).Msg("producer created")
	return prod.ID(), nil
}

// dropProducer is the engine-driven cascade: the transport under a producer
// closed, so the record and the room-side index go away without an explicit
// close_producer request.
func (r *Room) dropProducer(peerID domain.PeerID, producerID string) {
	p, ok := r.Peer(peerID)
	if ok {
		p.RemoveProducerByID(producerID)
	}
	r.forgetProducer(producerID)
	log.Info().Str("module", "core.room").Str("room", string(r.Name)).Str("producer", producerID).Msg("producer gone with its transport")
}

func (r *Room) forgetProducer(producerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	owner, ok := r.owners[producerID]
	if !ok {
		return
	}
	delete(r.owners, producerID)
	if owner.kind == domain.KindScreen {
		r.screenSharing = false
	}
	if owner.kind == domain.KindAudio && r.router != nil {
		r.router.UnobserveProducer(producerID)
	}
}

// CloseProducer closes the peer's producer of the given kind. Closing an
// absent kind is acknowledged as a no-op; consuming peers learn about the
// closure through the engine's producer-close cascade.
func (r *Room) CloseProducer(ctx context.Context, peerID domain.PeerID, kind domain.Kind) error {
	p, ok := r.Peer(peerID)
	if !ok {
		return ErrPeerNotFound
	}
	prod, ok := p.RemoveProducer(kind)
	if !ok {
		log.Info().Str("module", "core.room").Str("room", string(r.Name)).Str("peer", string(peerID)).Str("kind", string(kind)).Msg("close: no producer of kind")
		return nil
	}
	r.forgetProducer(prod.ID())
	prod.Close()
	return nil
}

func (r *Room) Consume(ctx context.Context, peerID domain.PeerID, transportID, producerID string, rtpCapabilities json.RawMessage) (ConsumerDescriptor, error) {
	p, ok := r.Peer(peerID)
	if !ok {
		return ConsumerDescriptor{}, ErrPeerNotFound
	}
	router, err := r.routerHandle()
	if err != nil {
		return ConsumerDescriptor{}, err
	}
	// Resolve the owner before the engine call; a producer that closes
	// mid-consume must not wire a zero-valued producer_closed event.
	owner, ok := r.ownerOf(producerID)
	if !ok {
		return ConsumerDescriptor{}, ErrProducerNotFound
	}
	if !router.CanConsume(producerID, rtpCapabilities) {
		return ConsumerDescriptor{}, ErrCannotConsume
	}
	t, ok := p.Transport(transportID)
	if !ok {
		return ConsumerDescriptor{}, ErrTransportNotFound
	}

	cons, err := t.Consume(ctx, producerID, rtpCapabilities)
	if err != nil {
		return ConsumerDescriptor{}, engineErr("consume", err)
	}
	p.AddConsumer(cons)

	cons.OnProducerClose(func() {
		p.RemoveConsumer(cons.ID())
		p.Sink().Event(EventProducerClosed, ProducerClosed{
			PeerID:     owner.peerID,
			Kind:       owner.kind,
			ConsumerID: cons.ID(),
		})
	})

	return ConsumerDescriptor{
		ConsumerID:    cons.ID(),
		ProducerID:    producerID,
		Kind:          cons.Kind(),
		RTPParameters: cons.RTPParameters(),
	}, nil
}

// SetProducerPaused toggles engine-side pause and returns the mutation
// event for room-wide broadcast.
func (r *Room) SetProducerPaused(ctx context.Context, peerID domain.PeerID, producerID string, paused bool) (ParticipantMutation, error) {
	p, ok := r.Peer(peerID)
	if !ok {
		return ParticipantMutation{}, ErrPeerNotFound
	}
	prod, ok := p.ProducerByID(producerID)
	if !ok {
		return ParticipantMutation{}, ErrProducerNotFound
	}
	var err error
	if paused {
		err = prod.Pause(ctx)
	} else {
		err = prod.Resume(ctx)
	}
	if err != nil {
		return ParticipantMutation{}, engineErr("pause producer", err)
	}
	p.SetPaused(producerID, paused)
	return ParticipantMutation{PeerID: peerID, Paused: paused}, nil
}

// ProducerSnapshot lists the committed producers of every peer except the
// excluded one. Used to answer a late joiner's get_producers.
func (r *Room) ProducerSnapshot(exclude domain.PeerID) []PeerProducers {
	r.mu.RLock()
	peers := make([]*Peer, 0, len(r.peers))
	for id, p := range r.peers {
		if id == exclude {
			continue
		}
		peers = append(peers, p)
	}
	r.mu.RUnlock()

	out := make([]PeerProducers, 0, len(peers))
	for _, p := range peers {
		pp := p.Producers()
		if len(pp.Producers) == 0 {
			continue
		}
		out = append(out, pp)
	}
	return out
}

// Broadcast fans an event out to every peer in the room except one. Room
// sizes are conferencing scale, direct O(peers) fan-out is fine.
func (r *Room) Broadcast(except domain.PeerID, event string, data any) {
	r.mu.RLock()
	sinks := make([]EventSink, 0, len(r.peers))
	for id, p := range r.peers {
		if id == except {
			continue
		}
		sinks = append(sinks, p.Sink())
	}
	r.mu.RUnlock()

	for _, s := range sinks {
		s.Event(event, data)
	}
}

// ScreenSharing reports whether some peer currently produces a screen track.
func (r *Room) ScreenSharing() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.screenSharing
}

func (r *Room) ownerOf(producerID string) (producerOwner, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	owner, ok := r.owners[producerID]
	return owner, ok
}

// Close releases the shared router; the engine closes the audio-level
// stream, which stops the speaker monitor.
func (r *Room) Close() {
	r.routerMu.Lock()
	defer r.routerMu.Unlock()
	if r.router != nil {
		r.router.Close()
	}
}
