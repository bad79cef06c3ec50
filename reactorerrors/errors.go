package reactorerrors

import "errors"

var (
	ErrWouldBlock   = errors.New("operation would block")
	ErrCancelled    = errors.New("operation cancelled")
	ErrTimeout      = errors.New("operation timed out")
	ErrDisconnected = errors.New("connection is disconnected")
	ErrNeedMore     = errors.New("need to read/write more bytes")
)
