package rtc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/averev/huddle/internal/core"
	"github.com/averev/huddle/internal/domain"
)

// Transport is one ICE+DTLS stack built through the ORTC API. The server
// side is always the controlled ICE agent; the client initiates
// connectivity checks.
type Transport struct {
	router *Router
	id     string
	dir    core.Direction

	gatherer *webrtc.ICEGatherer
	ice      *webrtc.ICETransport
	dtls     *webrtc.DTLSTransport

	descriptor core.TransportDescriptor

	mu        sync.Mutex
	onClose   []func()
	producers []*Producer
	consumers []*Consumer
	closed    bool
}

func (r *Router) CreateTransport(ctx context.Context, dir core.Direction) (core.Transport, error) {
	servers := make([]webrtc.ICEServer, 0, len(r.engine.opts.STUNServers))
	for _, u := range r.engine.opts.STUNServers {
		servers = append(servers, webrtc.ICEServer{URLs: []string{u}})
	}

	gatherer, err := r.engine.api.NewICEGatherer(webrtc.ICEGatherOptions{ICEServers: servers})
	if err != nil {
		return nil, fmt.Errorf("new ice gatherer: %w", err)
	}
	ice := r.engine.api.NewICETransport(gatherer)
	dtls, err := r.engine.api.NewDTLSTransport(ice, nil)
	if err != nil {
		return nil, fmt.Errorf("new dtls transport: %w", err)
	}

	t := &Transport{
		router:   r,
		id:       uuid.NewString(),
		dir:      dir,
		gatherer: gatherer,
		ice:      ice,
		dtls:     dtls,
	}

	gatherDone := make(chan struct{})
	gatherer.OnLocalCandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			close(gatherDone)
		}
	})
	if err := gatherer.Gather(); err != nil {
		return nil, fmt.Errorf("ice gather: %w", err)
	}
	select {
	case <-gatherDone:
	case <-ctx.Done():
		_ = gatherer.Close()
		return nil, ctx.Err()
	}

	iceParams, err := gatherer.GetLocalParameters()
	if err != nil {
		return nil, fmt.Errorf("ice parameters: %w", err)
	}
	candidates, err := gatherer.GetLocalCandidates()
	if err != nil {
		return nil, fmt.Errorf("ice candidates: %w", err)
	}
	dtlsParams, err := dtls.GetLocalParameters()
	if err != nil {
		return nil, fmt.Errorf("dtls parameters: %w", err)
	}

	rawICE, err := json.Marshal(iceParams)
	if err != nil {
		return nil, err
	}
	rawCand, err := json.Marshal(candidates)
	if err != nil {
		return nil, err
	}
	rawDTLS, err := json.Marshal(dtlsParams)
	if err != nil {
		return nil, err
	}
	t.descriptor = core.TransportDescriptor{
		ID:             t.id,
		ICEParameters:  rawICE,
		ICECandidates:  rawCand,
		DTLSParameters: rawDTLS,
	}

	ice.OnConnectionStateChange(func(s webrtc.ICETransportState) {
		log.Info().Str("module", "rtc").Str("transport", t.id).Str("ice_state", s.String()).Msg("ICE state")
		if s == webrtc.ICETransportStateFailed || s == webrtc.ICETransportStateClosed || s == webrtc.ICETransportStateDisconnected {
			t.Close()
		}
	})

	r.registerTransport(t)
	log.Info().Str("module", "rtc").Str("transport", t.id).Str("direction", string(dir)).Msg("transport created")
	return t, nil
}

func (t *Transport) ID() string { return t.id }

func (t *Transport) Descriptor() core.TransportDescriptor { return t.descriptor }

// connectParams is the blob the client library sends on connect_transport:
// its DTLS parameters plus its ICE parameters and candidates, which ORTC
// needs to start the controlled agent.
type connectParams struct {
	DTLSParameters webrtc.DTLSParameters `json:"dtlsParameters"`
	ICEParameters  webrtc.ICEParameters  `json:"iceParameters"`
	ICECandidates  []webrtc.ICECandidate `json:"iceCandidates"`
}

func (t *Transport) Connect(_ context.Context, raw json.RawMessage) error {
	var p connectParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("bad connect parameters: %w", err)
	}

	if len(p.ICECandidates) > 0 {
		if err := t.ice.SetRemoteCandidates(p.ICECandidates); err != nil {
			return fmt.Errorf("set remote candidates: %w", err)
		}
	}
	role := webrtc.ICERoleControlled
	if err := t.ice.Start(nil, p.ICEParameters, &role); err != nil {
		return fmt.Errorf("ice start: %w", err)
	}
	if err := t.dtls.Start(p.DTLSParameters); err != nil {
		return fmt.Errorf("dtls start: %w", err)
	}
	log.Info().Str("module", "rtc").Str("transport", t.id).Msg("transport connected")
	return nil
}

// produceParams is the subset of the client's rtpParameters the receiver
// needs; the rest is codec negotiation already fixed by the router
// capabilities.
type produceParams struct {
	Encodings []struct {
		SSRC uint32 `json:"ssrc"`
	} `json:"encodings"`
}

func (t *Transport) Produce(_ context.Context, kind domain.Kind, rtpParameters json.RawMessage) (core.Producer, error) {
	var p produceParams
	if err := json.Unmarshal(rtpParameters, &p); err != nil {
		return nil, fmt.Errorf("bad rtp parameters: %w", err)
	}
	if len(p.Encodings) == 0 {
		return nil, fmt.Errorf("rtp parameters carry no encodings")
	}

	codecType := webrtc.RTPCodecTypeVideo
	if kind == domain.KindAudio {
		codecType = webrtc.RTPCodecTypeAudio
	}
	receiver, err := t.router.engine.api.NewRTPReceiver(codecType, t.dtls)
	if err != nil {
		return nil, fmt.Errorf("new rtp receiver: %w", err)
	}

	recvParams := webrtc.RTPReceiveParameters{
		Encodings: []webrtc.RTPDecodingParameters{{
			RTPCodingParameters: webrtc.RTPCodingParameters{SSRC: webrtc.SSRC(p.Encodings[0].SSRC)},
		}},
	}
	if err := receiver.Receive(recvParams); err != nil {
		return nil, fmt.Errorf("rtp receive: %w", err)
	}

	prod := newProducer(t, kind, receiver)
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		prod.Close()
		return nil, fmt.Errorf("transport %s closed", t.id)
	}
	t.producers = append(t.producers, prod)
	t.mu.Unlock()

	t.router.registerProducer(prod)
	go prod.relayLoop()

	log.Info().Str("module", "rtc").Str("transport", t.id).Str("producer", prod.id).Str("kind", string(kind)).Msg("producer created")
	return prod, nil
}

func (t *Transport) Consume(_ context.Context, producerID string, _ json.RawMessage) (core.Consumer, error) {
	prod, ok := t.router.producer(producerID)
	if !ok {
		return nil, fmt.Errorf("producer %s not found", producerID)
	}

	local, err := webrtc.NewTrackLocalStaticRTP(prod.codec(), uuid.NewString(), "huddle")
	if err != nil {
		return nil, fmt.Errorf("new local track: %w", err)
	}
	sender, err := t.router.engine.api.NewRTPSender(local, t.dtls)
	if err != nil {
		return nil, fmt.Errorf("new rtp sender: %w", err)
	}
	params := sender.GetParameters()
	if err := sender.Send(params); err != nil {
		return nil, fmt.Errorf("rtp send: %w", err)
	}
	rawParams, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}

	cons := newConsumer(prod, sender, local, rawParams)
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		cons.Close()
		return nil, fmt.Errorf("transport %s closed", t.id)
	}
	t.consumers = append(t.consumers, cons)
	t.mu.Unlock()

	prod.attachConsumer(cons)
	log.Info().Str("module", "rtc").Str("transport", t.id).Str("consumer", cons.id).Str("producer", producerID).Msg("consumer created")
	return cons, nil
}

func (t *Transport) OnClose(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onClose = append(t.onClose, fn)
}

// Close tears the stack down and cascades to everything riding on it.
// Idempotent; also triggered by the engine on ICE failure.
func (t *Transport) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	callbacks := append([]func(){}, t.onClose...)
	producers := append([]*Producer(nil), t.producers...)
	consumers := append([]*Consumer(nil), t.consumers...)
	t.mu.Unlock()

	for _, fn := range callbacks {
		fn()
	}
	for _, p := range producers {
		p.closeFromTransport()
	}
	for _, c := range consumers {
		c.Close()
	}

	if err := t.dtls.Stop(); err != nil {
		log.Debug().Err(err).Str("module", "rtc").Str("transport", t.id).Msg("dtls stop")
	}
	if err := t.ice.Stop(); err != nil {
		log.Debug().Err(err).Str("module", "rtc").Str("transport", t.id).Msg("ice stop")
	}
	log.Info().Str("module", "rtc").Str("transport", t.id).Msg("transport closed")
}
