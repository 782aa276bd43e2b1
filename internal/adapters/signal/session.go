package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/averev/huddle/internal/core"
	"github.com/averev/huddle/internal/domain"
)

func (cl *client) handleJoin(ctx context.Context, data []byte) (any, error) {
	cl.mu.Lock()
	if cl.state != stateConnected {
		cl.mu.Unlock()
		return nil, errAlreadyJoined
	}
	cl.state = stateJoining
	cl.mu.Unlock()

	rollback := func() {
		cl.mu.Lock()
		cl.state = stateConnected
		cl.room = nil
		cl.peer = nil
		cl.mu.Unlock()
	}

	var p struct {
		Username   string `json:"username"`
		RoomName   string `json:"roomName"`
		CreateRoom bool   `json:"createRoom"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		rollback()
		return nil, fmt.Errorf("bad join payload: %w", err)
	}
	name, err := domain.CleanDisplayName(p.Username)
	if err != nil {
		rollback()
		return nil, err
	}
	if p.RoomName == "" {
		rollback()
		return nil, fmt.Errorf("room name empty")
	}

	peer := core.NewPeer(string(cl.sid), name, cl.conn)

	// Admission can race with empty-room collection: the resolved room may
	// be closed before AddPeer runs. Resolve again until the peer lands.
	var room *core.Room
	for {
		room, err = cl.ctl.Registry.CreateOrJoin(domain.RoomName(p.RoomName), p.CreateRoom)
		if err != nil {
			rollback()
			return nil, err
		}
		if err = room.AddPeer(peer); err == nil {
			break
		}
		if !errors.Is(err, core.ErrRoomClosed) {
			rollback()
			return nil, err
		}
	}

	caps, err := room.Capabilities(ctx)
	if err != nil {
		room.RemovePeer(peer.UUID)
		cl.ctl.Registry.RemoveIfEmpty(room.Name)
		rollback()
		return nil, err
	}

	cl.mu.Lock()
	cl.state = stateActive
	cl.room = room
	cl.peer = peer
	cl.mu.Unlock()

	log.Info().Str("module", "signal").Str("sid", string(cl.sid)).Str("room", p.RoomName).Str("peer", string(peer.UUID)).Msg("joined")
	return json.RawMessage(caps), nil
}

func (cl *client) handleGetProducers() (any, error) {
	room, peer, err := cl.active()
	if err != nil {
		return nil, err
	}
	return room.ProducerSnapshot(peer.UUID), nil
}

// handleExit detaches the peer from its room but keeps the connection; the
// client may join again afterwards.
func (cl *client) handleExit() (any, error) {
	cl.leaveRoom()
	return ack{}, nil
}

// leaveRoom releases the peer's room membership and resources, broadcasts
// participant_left and lets the registry collect the room. Safe to call in
// any state.
func (cl *client) leaveRoom() {
	cl.mu.Lock()
	room, peer := cl.room, cl.peer
	cl.room, cl.peer = nil, nil
	if cl.state == stateActive || cl.state == stateJoining {
		cl.state = stateConnected
	}
	cl.mu.Unlock()

	if room == nil || peer == nil {
		return
	}
	if _, ok := room.RemovePeer(peer.UUID); ok {
		room.Broadcast(peer.UUID, core.EventParticipantLeft, peer.UUID)
	}
	cl.ctl.Registry.RemoveIfEmpty(room.Name)
	log.Info().Str("module", "signal").Str("sid", string(cl.sid)).Str("room", string(room.Name)).Str("peer", string(peer.UUID)).Msg("left room")
}

// onDisconnect is the implicit exit: connection loss must release
// everything the explicit exit would.
func (cl *client) onDisconnect() {
	cl.ctl.Registry.Unbind(cl.sid)
	cl.leaveRoom()

	cl.mu.Lock()
	cl.state = stateClosed
	cl.mu.Unlock()

	if cl.cancel != nil {
		cl.cancel()
	}
	cl.conn.Close()
}
