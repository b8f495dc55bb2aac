package chat

import "errors"

var (
	ErrConnectionFailed     = errors.New("connection failed")
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrInvalidMessage       = errors.New("invalid message")
	ErrEncodingFailed       = errors.New("encoding failed")
	ErrDecodingFailed       = errors.New("decoding failed")
	ErrNetworkUnavailable   = errors.New("network unavailable")
	ErrTimeout              = errors.New("timeout")
)

// ServerError is a transport-level failure reported by the socket.
type ServerError struct {
	Detail string
}

func (e *ServerError) Error() string {
	return "server error: " + e.Detail
}
