package ws

import "errors"

// Sentinel errors for the websocket transport.
var (
	ErrClosed         = errors.New("connection closed")
	ErrBadHello       = errors.New("invalid hello frame")
	ErrConnectionLost = errors.New("connection to coordinator lost")
	ErrUnexpectedKind = errors.New("unexpected reply kind")
)
