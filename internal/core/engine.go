package core

import (
	"context"
	"encoding/json"

	"github.com/averev/huddle/internal/domain"
)

// Direction of a transport relative to the client.
type Direction string

const (
	DirectionSend Direction = "send"
	DirectionRecv Direction = "recv"
)

// TransportDescriptor carries everything a client needs to connect a
// transport. The parameter blobs are opaque to the core; only the engine
// and the client interpret them.
type TransportDescriptor struct {
	ID             string          `json:"id"`
	ICEParameters  json.RawMessage `json:"iceParameters"`
	ICECandidates  json.RawMessage `json:"iceCandidates"`
	DTLSParameters json.RawMessage `json:"dtlsParameters"`
}

// AudioLevelEvent is one sample from the router's audio observer. An empty
// ProducerID reports silence.
type AudioLevelEvent struct {
	ProducerID string
}

// Engine is the media-engine facade. The coordination core never touches
// ICE, DTLS or RTP itself; every media operation goes through here and may
// fail or block, so blocking calls take a context.
type Engine interface {
	CreateRouter(ctx context.Context) (Router, error)
}

// Router is the per-room shared negotiation context.
type Router interface {
	// Capabilities returns the router RTP capabilities handed to joining
	// clients.
	Capabilities() json.RawMessage
	CreateTransport(ctx context.Context, dir Direction) (Transport, error)
	CanConsume(producerID string, rtpCapabilities json.RawMessage) bool
	// AudioLevels streams speaker activity for observed producers. The
	// channel is closed when the router closes.
	AudioLevels() <-chan AudioLevelEvent
	ObserveProducer(producerID string)
	UnobserveProducer(producerID string)
	Close()
}

// Transport is one negotiated network channel owned by a peer.
//
// OnClose callbacks fire from engine goroutines and may race with core
// calls; handlers must take their own locks.
type Transport interface {
	ID() string
	Descriptor() TransportDescriptor
	Connect(ctx context.Context, dtlsParameters json.RawMessage) error
	Produce(ctx context.Context, kind domain.Kind, rtpParameters json.RawMessage) (Producer, error)
	Consume(ctx context.Context, producerID string, rtpCapabilities json.RawMessage) (Consumer, error)
	OnClose(fn func())
	Close()
}

// Producer is a peer's outbound stream of one kind.
type Producer interface {
	ID() string
	Kind() domain.Kind
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	OnTransportClose(fn func())
	Close()
}

// Consumer is a peer's subscription to another peer's producer.
type Consumer interface {
	ID() string
	ProducerID() string
	Kind() domain.Kind
	RTPParameters() json.RawMessage
	OnProducerClose(fn func())
	Close()
}
