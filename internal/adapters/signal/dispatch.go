package signal

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/averev/huddle/internal/core"
)

// connState is the per-connection lifecycle. Media requests are rejected
// until join has completed and router capabilities were handed out.
type connState int

const (
	stateConnected connState = iota
	stateJoining
	stateActive
	stateClosed
)

type client struct {
	sid    core.SessionID
	conn   *wsConn
	ctl    *Controller
	cancel context.CancelFunc

	mu    sync.Mutex
	state connState
	room  *core.Room
	peer  *core.Peer
}

// request is the inbound envelope; id correlates the response.
type request struct {
	ID     int64           `json:"id"`
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data"`
}

type response struct {
	ID      int64  `json:"id"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

type broadcast struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

type ack struct{}

var errAlreadyJoined = errors.New("already joined a room")

func (cl *client) handleRequest(ctx context.Context, raw []byte) {
	var req request
	if err := json.Unmarshal(raw, &req); err != nil {
		log.Debug().Err(err).Str("module", "signal").Str("sid", string(cl.sid)).Msg("bad request envelope")
		cl.fail(0, errors.New("bad request payload"))
		return
	}

	var (
		data any
		err  error
	)
	switch req.Action {
	case "join":
		data, err = cl.handleJoin(ctx, req.Data)
	case "get_rooms":
		data = map[string][]string{"rooms": cl.ctl.Registry.ListNames()}
	case "create_transport":
		data, err = cl.handleCreateTransport(ctx, req.Data)
	case "connect_transport":
		data, err = cl.handleConnectTransport(ctx, req.Data)
	case "produce":
		data, err = cl.handleProduce(ctx, req.Data)
	case "consume":
		data, err = cl.handleConsume(ctx, req.Data)
	case "pause_producer":
		data, err = cl.handlePauseProducer(ctx, req.Data)
	case "close_producer":
		data, err = cl.handleCloseProducer(ctx, req.Data)
	case "get_producers":
		data, err = cl.handleGetProducers()
	case "exit":
		data, err = cl.handleExit()
	default:
		log.Debug().Str("module", "signal").Str("sid", string(cl.sid)).Str("action", req.Action).Msg("unknown action")
		err = errors.New("unknown action")
	}

	if err != nil {
		cl.fail(req.ID, err)
		return
	}
	cl.respond(response{ID: req.ID, Data: data})
}

func (cl *client) respond(resp response) {
	b, err := json.Marshal(resp)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Str("sid", string(cl.sid)).Msg("marshal response")
		return
	}
	if err := cl.conn.TrySend(b); err != nil {
		log.Debug().Err(err).Str("module", "signal").Str("sid", string(cl.sid)).Msg("response dropped")
	}
}

// fail translates a domain error into the structured {error, message}
// response. Engine failures are logged in full but surfaced generically.
func (cl *client) fail(id int64, err error) {
	code := "bad_request"
	msg := err.Error()

	var engErr *core.EngineError
	switch {
	case errors.As(err, &engErr):
		log.Error().Err(engErr).Str("module", "signal").Str("sid", string(cl.sid)).Msg("media engine failure")
		code, msg = "engine_failure", "internal media error"
	case errors.Is(err, core.ErrRoomNotFound):
		code = "room_not_found"
	case errors.Is(err, core.ErrRoomExists):
		code = "room_exists"
	case errors.Is(err, core.ErrPeerNotFound):
		code = "peer_not_found"
	case errors.Is(err, core.ErrNotActive):
		code = "not_active"
	case errors.Is(err, core.ErrTransportNotFound):
		code = "transport_not_found"
	case errors.Is(err, core.ErrProducerKindBusy):
		code = "producer_kind_exists"
	case errors.Is(err, core.ErrProducerNotFound):
		code = "producer_not_found"
	case errors.Is(err, core.ErrScreenShareBusy):
		code = "screen_share_conflict"
	case errors.Is(err, core.ErrCannotConsume):
		code = "cannot_consume"
	case errors.Is(err, errAlreadyJoined):
		code = "already_joined"
	}

	cl.respond(response{ID: id, Error: code, Message: msg})
}

// active returns the joined room and peer, or ErrNotActive.
func (cl *client) active() (*core.Room, *core.Peer, error) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if cl.state != stateActive || cl.room == nil || cl.peer == nil {
		return nil, nil, core.ErrNotActive
	}
	return cl.room, cl.peer, nil
}
