package core

import (
	"errors"
	"fmt"
)

var (
	ErrRoomNotFound      = errors.New("room not found")
	ErrRoomExists        = errors.New("room already exists")
	ErrRoomClosed        = errors.New("room closed")
	ErrPeerNotFound      = errors.New("peer not found")
	ErrNotActive         = errors.New("session not active")
	ErrTransportNotFound = errors.New("transport not found")
	ErrProducerNotFound  = errors.New("producer not found")
	ErrProducerKindBusy  = errors.New("producer of this kind already exists")
	ErrScreenShareBusy   = errors.New("screen is already being shared")
	ErrCannotConsume     = errors.New("cannot consume producer")
)

// EngineError wraps a media-engine failure with the operation that hit it.
// The dispatcher logs it in full but never forwards engine internals to
// clients.
type EngineError struct {
	Op  string
	Err error
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("media engine: %s: %v", e.Op, e.Err)
}

func (e *EngineError) Unwrap() error { return e.Err }

func engineErr(op string, err error) error {
	return &EngineError{Op: op, Err: err}
}
