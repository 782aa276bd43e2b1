package core_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/averev/huddle/internal/core"
	"github.com/averev/huddle/internal/domain"
)

func TestBindPushesRoomList(t *testing.T) {
	_, reg := newRegistry(t)
	createRoom(t, reg, "standup")

	sink := &recordSink{}
	reg.Bind("sid-1", sink)

	events := sink.named(core.EventRooms)
	require.Len(t, events, 1)
	require.Equal(t, []string{"standup"}, events[0].Data)
}

func TestCreateOrJoinDuplicateCreate(t *testing.T) {
	_, reg := newRegistry(t)
	createRoom(t, reg, "standup")

	_, err := reg.CreateOrJoin("standup", true)
	require.ErrorIs(t, err, core.ErrRoomExists)
	require.Equal(t, []string{"standup"}, reg.ListNames())
}

func TestCreateOrJoinCreatesOnMiss(t *testing.T) {
	_, reg := newRegistry(t)

	// A plain join still creates a missing room.
	room, err := reg.CreateOrJoin("standup", false)
	require.NoError(t, err)
	require.NotNil(t, room)

	// And a second join resolves to the same instance.
	again, err := reg.CreateOrJoin("standup", false)
	require.NoError(t, err)
	require.Same(t, room, again)
}

func TestRoomCreationBroadcastsToBoundConnections(t *testing.T) {
	_, reg := newRegistry(t)
	sink := &recordSink{}
	reg.Bind("sid-1", sink)

	createRoom(t, reg, "standup")
	createRoom(t, reg, "retro")

	events := sink.named(core.EventRooms)
	require.Len(t, events, 3)
	require.Equal(t, []string{"retro", "standup"}, events[2].Data)
}

func TestRemoveIfEmpty(t *testing.T) {
	engine, reg := newRegistry(t)
	sink := &recordSink{}
	reg.Bind("sid-1", sink)

	room := createRoom(t, reg, "standup")
	alice, _ := joinPeer(t, room, "alice")
	bob, _ := joinPeer(t, room, "bob")
	_, err := room.Capabilities(context.Background())
	require.NoError(t, err)

	room.RemovePeer(alice.UUID)
	reg.RemoveIfEmpty(room.Name)
	_, ok := reg.Room("standup")
	require.True(t, ok)

	room.RemovePeer(bob.UUID)
	reg.RemoveIfEmpty(room.Name)
	_, ok = reg.Room("standup")
	require.False(t, ok)
	require.True(t, engine.Routers()[0].Closed())

	events := sink.named(core.EventRooms)
	require.Equal(t, []string{}, events[len(events)-1].Data)
}

func TestUnbindStopsRoomBroadcasts(t *testing.T) {
	_, reg := newRegistry(t)
	sink := &recordSink{}
	reg.Bind("sid-1", sink)
	reg.Unbind("sid-1")

	createRoom(t, reg, "standup")
	require.Equal(t, 1, sink.count(core.EventRooms))
}

func TestListNamesSorted(t *testing.T) {
	_, reg := newRegistry(t)
	createRoom(t, reg, "zulu")
	createRoom(t, reg, "alpha")
	createRoom(t, reg, "mike")

	require.Equal(t, []string{"alpha", "mike", "zulu"}, reg.ListNames())
}

func TestRemoveIfEmptyUnknownRoom(t *testing.T) {
	_, reg := newRegistry(t)
	reg.RemoveIfEmpty(domain.RoomName("ghost"))
}

func TestJoinRacingWithCollection(t *testing.T) {
	_, reg := newRegistry(t)
	room, err := reg.CreateOrJoin("standup", false)
	require.NoError(t, err)
	alice, _ := joinPeer(t, room, "alice")

	// The last member leaves and the room is collected while a joiner
	// still holds the resolved handle.
	room.RemovePeer(alice.UUID)
	reg.RemoveIfEmpty(room.Name)

	bob := core.NewPeer("conn-bob", "bob", &recordSink{})
	require.ErrorIs(t, room.AddPeer(bob), core.ErrRoomClosed)

	// Resolving the name again lands in a room the registry knows.
	fresh, err := reg.CreateOrJoin("standup", false)
	require.NoError(t, err)
	require.NotSame(t, room, fresh)
	require.NoError(t, fresh.AddPeer(bob))

	got, ok := reg.Room("standup")
	require.True(t, ok)
	require.Same(t, fresh, got)
}
