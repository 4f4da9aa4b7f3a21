package libmux

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrConnectionClosed = errors.New("connection has been closed")
	ErrCannotConnect    = errors.New("connection cannot be established")
	ErrTerminated       = errors.New("program exit")
	ErrRateLimit        = errors.New("rate limit exceeded")

	ErrConnectTimeout   = errors.New("connect timeout")
	ErrRequestTimeout   = errors.New("request timeout")
	ErrConnectionLost   = errors.New("connection lost")
	ErrQueueOverflow    = errors.New("dispatch queue overflow")
	ErrProtocol         = errors.New("protocol error")
	ErrRetriesExhausted = errors.New("reconnect retries exhausted")
	ErrHeartbeatMissed  = errors.New("heartbeat missed")
	ErrNoTransport      = errors.New("no transport available")
)

// ErrorKind classifies errors surfaced by the layer so that callers can
// react (and notify) without inspecting concrete error values.
type ErrorKind uint8

const (
	KindUnknown ErrorKind = iota
	KindConnectTimeout
	KindRequestTimeout
	KindConnectionLost
	KindQueueOverflow
	KindProtocol
	KindRetriesExhausted
	KindConnectionClosed
	KindRemote
	KindCanceled
)

func (k ErrorKind) String() string {
	switch k {
	case KindConnectTimeout:
		return "ConnectTimeout"
	case KindRequestTimeout:
		return "RequestTimeout"
	case KindConnectionLost:
		return "ConnectionLost"
	case KindQueueOverflow:
		return "QueueOverflow"
	case KindProtocol:
		return "ProtocolError"
	case KindRetriesExhausted:
		return "RetriesExhausted"
	case KindConnectionClosed:
		return "ConnectionClosed"
	case KindRemote:
		return "RemoteError"
	case KindCanceled:
		return "Canceled"
	default:
		return "Unknown"
	}
}

// KindOf maps err to its ErrorKind. Nil maps to KindUnknown.
func KindOf(err error) ErrorKind {
	var remote *RemoteError

	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrRetriesExhausted):
		return KindRetriesExhausted
	case errors.Is(err, ErrConnectTimeout), errors.Is(err, ErrCannotConnect), errors.Is(err, ErrRateLimit):
		return KindConnectTimeout
	case errors.Is(err, ErrRequestTimeout):
		return KindRequestTimeout
	case errors.Is(err, ErrQueueOverflow):
		return KindQueueOverflow
	case errors.Is(err, ErrProtocol):
		return KindProtocol
	case errors.Is(err, ErrConnectionClosed), errors.Is(err, ErrTerminated):
		return KindConnectionClosed
	case errors.Is(err, ErrConnectionLost), errors.Is(err, ErrHeartbeatMissed):
		return KindConnectionLost
	case errors.As(err, &remote):
		return KindRemote
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	default:
		return KindUnknown
	}
}

// RemoteError is an error reported by the backend in a correlated reply,
// or by the legacy endpoint as a non-2xx response.
type RemoteError struct {
	Code    int    `json:"code" cbor:"code"`
	Message string `json:"message" cbor:"message"`
	Method  string `json:"-" cbor:"-"`
}

func (e *RemoteError) Error() string {
	if e.Method == "" {
		return fmt.Sprintf("remote error %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("remote error %d on %s: %s", e.Code, e.Method, e.Message)
}
