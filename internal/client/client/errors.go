package client

import "errors"

var (
	ErrNotConnected = errors.New("not connected")
	ErrClosed       = errors.New("connection closed")
	ErrTimeout      = errors.New("request timed out")
)

// ServerError is an error frame returned by the realtime server for a
// request.
type ServerError struct {
	Ref     string
	Message string
}

func (e *ServerError) Error() string {
	return "realtime: " + e.Message
}
