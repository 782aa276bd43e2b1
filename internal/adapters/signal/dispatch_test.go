package signal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/averev/huddle/internal/core"
	"github.com/averev/huddle/internal/core/enginetest"
)

var (
	nextReqID int64
	errTest   = errors.New("worker down")
)

func newTestEnv(t *testing.T) (*Controller, *enginetest.Engine) {
	t.Helper()
	engine := enginetest.New()
	return NewController(core.NewRegistry(engine)), engine
}

// wsServerConn returns the server side of a real WebSocket pair so that
// connection teardown behaves like production.
func wsServerConn(t *testing.T) *websocket.Conn {
	t.Helper()
	accepted := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		accepted <- c
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientSide, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = clientSide.Close() })

	c := <-accepted
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func newTestClient(t *testing.T, ctl *Controller, sid string) *client {
	t.Helper()
	conn := &wsConn{conn: wsServerConn(t), send: make(chan []byte, 32)}
	return &client{
		sid:    core.SessionID(sid),
		conn:   conn,
		ctl:    ctl,
		state:  stateConnected,
		cancel: func() {},
	}
}

type testResponse struct {
	ID      int64           `json:"id"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Message string          `json:"message"`
}

// do runs one request through the dispatcher and returns the queued
// response. The caller must have drained pending broadcasts first.
func do(t *testing.T, cl *client, action string, payload any) testResponse {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	id := atomic.AddInt64(&nextReqID, 1)
	env, err := json.Marshal(request{ID: id, Action: action, Data: raw})
	require.NoError(t, err)

	cl.handleRequest(context.Background(), env)

	var resp testResponse
	require.NoError(t, json.Unmarshal(nextMessage(t, cl.conn), &resp))
	require.Equal(t, id, resp.ID)
	return resp
}

func nextMessage(t *testing.T, conn *wsConn) []byte {
	t.Helper()
	select {
	case b := <-conn.send:
		return b
	case <-time.After(time.Second):
		t.Fatal("no message queued on connection")
		return nil
	}
}

func nextEvent(t *testing.T, conn *wsConn) (string, json.RawMessage) {
	t.Helper()
	var ev struct {
		Event string          `json:"event"`
		Data  json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(nextMessage(t, conn), &ev))
	return ev.Event, ev.Data
}

func assertNoMessage(t *testing.T, conn *wsConn) {
	t.Helper()
	select {
	case b := <-conn.send:
		t.Fatalf("unexpected message queued: %s", b)
	default:
	}
}

func join(t *testing.T, cl *client, username, roomName string, create bool) {
	t.Helper()
	resp := do(t, cl, "join", map[string]any{
		"username":   username,
		"roomName":   roomName,
		"createRoom": create,
	})
	require.Empty(t, resp.Error)
	require.NotEmpty(t, resp.Data)
}

func createTransport(t *testing.T, cl *client) string {
	t.Helper()
	resp := do(t, cl, "create_transport", map[string]any{"direction": "send"})
	require.Empty(t, resp.Error)
	var desc struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &desc))
	require.NotEmpty(t, desc.ID)
	return desc.ID
}

func produceKind(t *testing.T, cl *client, transportID, kind string) string {
	t.Helper()
	resp := do(t, cl, "produce", map[string]any{
		"transportId":   transportID,
		"kind":          kind,
		"rtpParameters": map[string]any{"encodings": []map[string]any{{"ssrc": 1111}}},
	})
	require.Empty(t, resp.Error)
	var out struct {
		ProducerID string `json:"producerId"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &out))
	require.NotEmpty(t, out.ProducerID)
	return out.ProducerID
}

func TestJoinExitRejoin(t *testing.T) {
	ctl, _ := newTestEnv(t)
	cl := newTestClient(t, ctl, "sid-a")

	join(t, cl, "alice", "standup", true)

	resp := do(t, cl, "join", map[string]any{"username": "alice", "roomName": "retro", "createRoom": true})
	require.Equal(t, "already_joined", resp.Error)

	resp = do(t, cl, "exit", nil)
	require.Empty(t, resp.Error)
	_, ok := ctl.Registry.Room("standup")
	require.False(t, ok)

	// Exit returns the connection to its pre-join state.
	join(t, cl, "alice", "retro", true)
}

func TestMediaActionsGatedUntilJoin(t *testing.T) {
	ctl, _ := newTestEnv(t)
	cl := newTestClient(t, ctl, "sid-a")

	actions := map[string]any{
		"create_transport":  map[string]any{"direction": "send"},
		"connect_transport": map[string]any{"transportId": "t"},
		"produce":           map[string]any{"transportId": "t", "kind": "video"},
		"consume":           map[string]any{"transportId": "t", "producerId": "p"},
		"pause_producer":    map[string]any{"producerId": "p", "paused": true},
		"close_producer":    map[string]any{"kind": "video"},
		"get_producers":     nil,
	}
	for action, payload := range actions {
		resp := do(t, cl, action, payload)
		require.Equalf(t, "not_active", resp.Error, "action %s", action)
	}
}

func TestGetRooms(t *testing.T) {
	ctl, _ := newTestEnv(t)
	alice := newTestClient(t, ctl, "sid-a")
	join(t, alice, "alice", "standup", true)

	bob := newTestClient(t, ctl, "sid-b")
	resp := do(t, bob, "get_rooms", nil)
	require.Empty(t, resp.Error)
	var out struct {
		Rooms []string `json:"rooms"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &out))
	require.Equal(t, []string{"standup"}, out.Rooms)
}

func TestErrorTranslation(t *testing.T) {
	ctl, engine := newTestEnv(t)
	alice := newTestClient(t, ctl, "sid-a")
	join(t, alice, "alice", "standup", true)

	// Creating a room that exists.
	bob := newTestClient(t, ctl, "sid-b")
	resp := do(t, bob, "join", map[string]any{"username": "bob", "roomName": "standup", "createRoom": true})
	require.Equal(t, "room_exists", resp.Error)
	require.NotEmpty(t, resp.Message)

	// Sentinel translation for media bookkeeping errors.
	resp = do(t, alice, "connect_transport", map[string]any{"transportId": "missing"})
	require.Equal(t, "transport_not_found", resp.Error)

	// Unknown actions and malformed parameters are bad requests.
	resp = do(t, alice, "dance", nil)
	require.Equal(t, "bad_request", resp.Error)
	tid := createTransport(t, alice)
	resp = do(t, alice, "produce", map[string]any{"transportId": tid, "kind": "banana"})
	require.Equal(t, "bad_request", resp.Error)

	// Engine failures surface generically; the detail stays server-side.
	engine.FailCreateRouter = errTest
	carol := newTestClient(t, ctl, "sid-c")
	resp = do(t, carol, "join", map[string]any{"username": "carol", "roomName": "retro", "createRoom": true})
	require.Equal(t, "engine_failure", resp.Error)
	require.Equal(t, "internal media error", resp.Message)

	// The failed join must roll back so the connection can retry.
	engine.FailCreateRouter = nil
	join(t, carol, "carol", "retro2", true)
}

func TestProduceBroadcastTargets(t *testing.T) {
	ctl, _ := newTestEnv(t)
	alice := newTestClient(t, ctl, "sid-a")
	bob := newTestClient(t, ctl, "sid-b")
	join(t, alice, "alice", "standup", true)
	join(t, bob, "bob", "standup", false)

	tid := createTransport(t, alice)
	resp := do(t, alice, "connect_transport", map[string]any{
		"transportId":    tid,
		"dtlsParameters": map[string]any{"role": "client"},
	})
	require.Empty(t, resp.Error)

	producerID := produceKind(t, alice, tid, "video")

	// Only the other participant hears about the new producer.
	event, data := nextEvent(t, bob.conn)
	require.Equal(t, core.EventNewProducers, event)
	var announced []core.PeerProducers
	require.NoError(t, json.Unmarshal(data, &announced))
	require.Len(t, announced, 1)
	require.Equal(t, alice.peer.UUID, announced[0].PeerID)
	require.Equal(t, "alice", announced[0].Name)
	require.Len(t, announced[0].Producers, 1)
	require.Equal(t, producerID, announced[0].Producers[0].ID)
	assertNoMessage(t, alice.conn)

	// A late snapshot shows the producer too.
	resp = do(t, bob, "get_producers", nil)
	require.Empty(t, resp.Error)
	var snapshot []core.PeerProducers
	require.NoError(t, json.Unmarshal(resp.Data, &snapshot))
	require.Len(t, snapshot, 1)
	require.Equal(t, producerID, snapshot[0].Producers[0].ID)
}

func TestPauseBroadcastExcludesSender(t *testing.T) {
	ctl, _ := newTestEnv(t)
	alice := newTestClient(t, ctl, "sid-a")
	bob := newTestClient(t, ctl, "sid-b")
	join(t, alice, "alice", "standup", true)
	join(t, bob, "bob", "standup", false)

	tid := createTransport(t, alice)
	producerID := produceKind(t, alice, tid, "audio")
	nextEvent(t, bob.conn) // new_producers

	resp := do(t, alice, "pause_producer", map[string]any{"producerId": producerID, "paused": true})
	require.Empty(t, resp.Error)

	event, data := nextEvent(t, bob.conn)
	require.Equal(t, core.EventParticipantMutation, event)
	var mut core.ParticipantMutation
	require.NoError(t, json.Unmarshal(data, &mut))
	require.Equal(t, alice.peer.UUID, mut.PeerID)
	require.True(t, mut.Paused)
	assertNoMessage(t, alice.conn)
}

func TestProducerClosedReachesOnlyConsumer(t *testing.T) {
	ctl, _ := newTestEnv(t)
	alice := newTestClient(t, ctl, "sid-a")
	bob := newTestClient(t, ctl, "sid-b")
	join(t, alice, "alice", "standup", true)
	join(t, bob, "bob", "standup", false)

	atid := createTransport(t, alice)
	producerID := produceKind(t, alice, atid, "video")
	nextEvent(t, bob.conn) // new_producers

	btid := createTransport(t, bob)
	resp := do(t, bob, "consume", map[string]any{
		"transportId":     btid,
		"producerId":      producerID,
		"rtpCapabilities": map[string]any{},
	})
	require.Empty(t, resp.Error)
	var desc core.ConsumerDescriptor
	require.NoError(t, json.Unmarshal(resp.Data, &desc))
	require.Equal(t, producerID, desc.ProducerID)

	resp = do(t, alice, "close_producer", map[string]any{"kind": "video"})
	require.Empty(t, resp.Error)

	event, data := nextEvent(t, bob.conn)
	require.Equal(t, core.EventProducerClosed, event)
	var closed core.ProducerClosed
	require.NoError(t, json.Unmarshal(data, &closed))
	require.Equal(t, alice.peer.UUID, closed.PeerID)
	require.Equal(t, desc.ConsumerID, closed.ConsumerID)
	assertNoMessage(t, alice.conn)
}

func TestExitBroadcastsParticipantLeft(t *testing.T) {
	ctl, _ := newTestEnv(t)
	alice := newTestClient(t, ctl, "sid-a")
	bob := newTestClient(t, ctl, "sid-b")
	join(t, alice, "alice", "standup", true)
	join(t, bob, "bob", "standup", false)
	bobPeer := bob.peer.UUID

	resp := do(t, bob, "exit", nil)
	require.Empty(t, resp.Error)

	event, data := nextEvent(t, alice.conn)
	require.Equal(t, core.EventParticipantLeft, event)
	var left string
	require.NoError(t, json.Unmarshal(data, &left))
	require.Equal(t, string(bobPeer), left)

	// Alice still holds the room open.
	_, ok := ctl.Registry.Room("standup")
	require.True(t, ok)
}

func TestDisconnectReleasesEverything(t *testing.T) {
	ctl, _ := newTestEnv(t)
	alice := newTestClient(t, ctl, "sid-a")
	join(t, alice, "alice", "standup", true)
	tid := createTransport(t, alice)
	produceKind(t, alice, tid, "screen")

	alice.onDisconnect()

	_, ok := ctl.Registry.Room("standup")
	require.False(t, ok)
	require.Error(t, alice.conn.TrySend([]byte("x")))

	alice.mu.Lock()
	defer alice.mu.Unlock()
	require.Equal(t, stateClosed, alice.state)
}

func TestJoinValidation(t *testing.T) {
	ctl, _ := newTestEnv(t)
	cl := newTestClient(t, ctl, "sid-a")

	resp := do(t, cl, "join", map[string]any{"username": "", "roomName": "standup"})
	require.Equal(t, "bad_request", resp.Error)

	resp = do(t, cl, "join", map[string]any{"username": "alice", "roomName": ""})
	require.Equal(t, "bad_request", resp.Error)

	// Failed joins leave the connection able to try again.
	join(t, cl, "alice", "standup", true)
}
