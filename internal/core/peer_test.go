package core_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/averev/huddle/internal/core"
	"github.com/averev/huddle/internal/core/enginetest"
	"github.com/averev/huddle/internal/domain"
)

func fakeRouter(t *testing.T) *enginetest.Router {
	t.Helper()
	engine := enginetest.New()
	router, err := engine.CreateRouter(context.Background())
	require.NoError(t, err)
	return router.(*enginetest.Router)
}

func fakeTransport(t *testing.T, router *enginetest.Router) core.Transport {
	t.Helper()
	tr, err := router.CreateTransport(context.Background(), core.DirectionSend)
	require.NoError(t, err)
	return tr
}

func TestPeerTransportDedup(t *testing.T) {
	router := fakeRouter(t)
	peer := core.NewPeer("conn", "alice", &recordSink{})
	tr := fakeTransport(t, router)

	peer.AddTransport(tr)
	peer.AddTransport(tr)

	got, ok := peer.Transport(tr.ID())
	require.True(t, ok)
	require.Equal(t, tr.ID(), got.ID())
}

func TestPeerTransportRemovedOnEngineClose(t *testing.T) {
	router := fakeRouter(t)
	peer := core.NewPeer("conn", "alice", &recordSink{})
	tr := fakeTransport(t, router)
	peer.AddTransport(tr)

	tr.Close()

	_, ok := peer.Transport(tr.ID())
	require.False(t, ok)
}

func TestPeerProducerReservation(t *testing.T) {
	router := fakeRouter(t)
	peer := core.NewPeer("conn", "alice", &recordSink{})
	tr := fakeTransport(t, router)
	peer.AddTransport(tr)

	require.NoError(t, peer.ReserveProducer(domain.KindVideo))

	// The slot is taken while the engine call is in flight.
	require.ErrorIs(t, peer.ReserveProducer(domain.KindVideo), core.ErrProducerKindBusy)

	// A reservation is invisible to readers until committed.
	require.Empty(t, peer.Producers().Producers)
	require.Empty(t, peer.ProducerIDs())

	prod, err := tr.Produce(context.Background(), domain.KindVideo, rtpParams)
	require.NoError(t, err)
	require.True(t, peer.CommitProducer(domain.KindVideo, prod))

	require.Len(t, peer.Producers().Producers, 1)
	got, ok := peer.ProducerByID(prod.ID())
	require.True(t, ok)
	require.Equal(t, prod.ID(), got.ID())
}

func TestPeerAbortProducerFreesSlot(t *testing.T) {
	peer := core.NewPeer("conn", "alice", &recordSink{})

	require.NoError(t, peer.ReserveProducer(domain.KindAudio))
	peer.AbortProducer(domain.KindAudio)
	require.NoError(t, peer.ReserveProducer(domain.KindAudio))
}

func TestPeerCommitAfterCloseDiscardsProducer(t *testing.T) {
	router := fakeRouter(t)
	peer := core.NewPeer("conn", "alice", &recordSink{})
	tr := fakeTransport(t, router)
	peer.AddTransport(tr)

	require.NoError(t, peer.ReserveProducer(domain.KindVideo))
	prod, err := tr.Produce(context.Background(), domain.KindVideo, rtpParams)
	require.NoError(t, err)

	// The peer went away while the engine call was in flight.
	peer.Close()
	require.False(t, peer.CommitProducer(domain.KindVideo, prod))

	require.True(t, prod.(*enginetest.Producer).Closed())
	require.Empty(t, peer.Producers().Producers)
}

func TestPeerRemoveProducer(t *testing.T) {
	router := fakeRouter(t)
	peer := core.NewPeer("conn", "alice", &recordSink{})
	tr := fakeTransport(t, router)
	peer.AddTransport(tr)

	_, ok := peer.RemoveProducer(domain.KindVideo)
	require.False(t, ok)

	require.NoError(t, peer.ReserveProducer(domain.KindVideo))
	prod, err := tr.Produce(context.Background(), domain.KindVideo, rtpParams)
	require.NoError(t, err)
	require.True(t, peer.CommitProducer(domain.KindVideo, prod))

	removed, ok := peer.RemoveProducer(domain.KindVideo)
	require.True(t, ok)
	require.Equal(t, prod.ID(), removed.ID())
	require.Empty(t, peer.Producers().Producers)
}

func TestPeerCloseIdempotent(t *testing.T) {
	router := fakeRouter(t)
	peer := core.NewPeer("conn", "alice", &recordSink{})
	tr := fakeTransport(t, router)
	peer.AddTransport(tr)

	peer.Close()
	peer.Close()

	require.True(t, tr.(*enginetest.Transport).Closed())

	// Resources arriving after close are shut down immediately.
	late := fakeTransport(t, router)
	peer.AddTransport(late)
	require.True(t, late.(*enginetest.Transport).Closed())
}
