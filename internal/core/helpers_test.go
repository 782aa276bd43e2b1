package core_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/averev/huddle/internal/core"
	"github.com/averev/huddle/internal/core/enginetest"
	"github.com/averev/huddle/internal/domain"
)

var rtpParams = json.RawMessage(`{"encodings":[{"ssrc":1111}]}`)

type sinkEvent struct {
	Name string
	Data any
}

// recordSink captures broadcast events for assertions.
type recordSink struct {
	mu     sync.Mutex
	events []sinkEvent
}

func (s *recordSink) Event(name string, data any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, sinkEvent{Name: name, Data: data})
}

func (s *recordSink) named(name string) []sinkEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]sinkEvent, 0)
	for _, ev := range s.events {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

func (s *recordSink) count(name string) int {
	return len(s.named(name))
}

func newRegistry(t *testing.T) (*enginetest.Engine, *core.Registry) {
	t.Helper()
	engine := enginetest.New()
	return engine, core.NewRegistry(engine)
}

func createRoom(t *testing.T, reg *core.Registry, name string) *core.Room {
	t.Helper()
	room, err := reg.CreateOrJoin(domain.RoomName(name), true)
	require.NoError(t, err)
	return room
}

func joinPeer(t *testing.T, room *core.Room, name string) (*core.Peer, *recordSink) {
	t.Helper()
	sink := &recordSink{}
	peer := core.NewPeer("conn-"+name, name, sink)
	require.NoError(t, room.AddPeer(peer))
	return peer, sink
}

// readyTransport obtains capabilities (creating the router if needed) and
// registers one transport for the peer.
func readyTransport(t *testing.T, room *core.Room, peer *core.Peer) string {
	t.Helper()
	_, err := room.Capabilities(context.Background())
	require.NoError(t, err)
	desc, err := room.CreateTransport(context.Background(), peer.UUID, core.DirectionSend)
	require.NoError(t, err)
	return desc.ID
}

func produce(t *testing.T, room *core.Room, peer *core.Peer, transportID string, kind domain.Kind) string {
	t.Helper()
	id, err := room.Produce(context.Background(), peer.UUID, transportID, kind, rtpParams)
	require.NoError(t, err)
	return id
}
