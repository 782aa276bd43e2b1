package signal

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/averev/huddle/internal/core"
	"github.com/averev/huddle/internal/domain"
)

func (cl *client) handleCreateTransport(ctx context.Context, data []byte) (any, error) {
	room, peer, err := cl.active()
	if err != nil {
		return nil, err
	}
	var p struct {
		Direction string `json:"direction"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("bad create_transport payload: %w", err)
	}
	dir := core.Direction(p.Direction)
	if dir != core.DirectionSend && dir != core.DirectionRecv {
		return nil, fmt.Errorf("unknown transport direction %q", p.Direction)
	}
	return room.CreateTransport(ctx, peer.UUID, dir)
}

func (cl *client) handleConnectTransport(ctx context.Context, data []byte) (any, error) {
	room, peer, err := cl.active()
	if err != nil {
		return nil, err
	}
	var p struct {
		TransportID    string          `json:"transportId"`
		DTLSParameters json.RawMessage `json:"dtlsParameters"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("bad connect_transport payload: %w", err)
	}
	if err := room.ConnectTransport(ctx, peer.UUID, p.TransportID, p.DTLSParameters); err != nil {
		return nil, err
	}
	return ack{}, nil
}

func (cl *client) handleProduce(ctx context.Context, data []byte) (any, error) {
	room, peer, err := cl.active()
	if err != nil {
		return nil, err
	}
	var p struct {
		TransportID   string          `json:"transportId"`
		Kind          string          `json:"kind"`
		RTPParameters json.RawMessage `json:"rtpParameters"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("bad produce payload: %w", err)
	}
	kind, err := domain.ParseKind(p.Kind)
	if err != nil {
		return nil, err
	}

	producerID, err := room.Produce(ctx, peer.UUID, p.TransportID, kind, p.RTPParameters)
	if err != nil {
		return nil, err
	}

	// The engine has confirmed the producer; only now may other peers
	// learn about it.
	room.Broadcast(peer.UUID, core.EventNewProducers, []core.PeerProducers{{
		PeerID:    peer.UUID,
		Name:      peer.Name,
		Producers: []core.ProducerInfo{{ID: producerID, Kind: kind}},
	}})

	return map[string]string{"producerId": producerID}, nil
}

func (cl *client) handleConsume(ctx context.Context, data []byte) (any, error) {
	room, peer, err := cl.active()
	if err != nil {
		return nil, err
	}
	var p struct {
		ProducerID      string          `json:"producerId"`
		TransportID     string          `json:"transportId"`
		RTPCapabilities json.RawMessage `json:"rtpCapabilities"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("bad consume payload: %w", err)
	}
	return room.Consume(ctx, peer.UUID, p.TransportID, p.ProducerID, p.RTPCapabilities)
}

func (cl *client) handlePauseProducer(ctx context.Context, data []byte) (any, error) {
	room, peer, err := cl.active()
	if err != nil {
		return nil, err
	}
	var p struct {
		ProducerID string `json:"producerId"`
		Paused     bool   `json:"paused"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("bad pause_producer payload: %w", err)
	}
	mutation, err := room.SetProducerPaused(ctx, peer.UUID, p.ProducerID, p.Paused)
	if err != nil {
		return nil, err
	}
	room.Broadcast(peer.UUID, core.EventParticipantMutation, mutation)
	return ack{}, nil
}

func (cl *client) handleCloseProducer(ctx context.Context, data []byte) (any, error) {
	room, peer, err := cl.active()
	if err != nil {
		return nil, err
	}
	var p struct {
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("bad close_producer payload: %w", err)
	}
	kind, err := domain.ParseKind(p.Kind)
	if err != nil {
		return nil, err
	}
	if err := room.CloseProducer(ctx, peer.UUID, kind); err != nil {
		return nil, err
	}
	return ack{}, nil
}
