package libmux

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

type transportKind uint8

const (
	transportEnhanced transportKind = iota + 1
	transportLegacy
)

func (k transportKind) String() string {
	switch k {
	case transportEnhanced:
		return "enhanced"
	case transportLegacy:
		return "legacy"
	default:
		return "none"
	}
}

// transport is the path one logical call runs on: the multiplexed
// connection or the legacy request-per-call endpoint. It is chosen once
// per call by selectTransport.
type transport interface {
	kind() transportKind
	roundTrip(ctx context.Context, env *Envelope) ([]byte, Codec, error)
}

type enhancedTransport struct {
	conn *Connection
}

func (enhancedTransport) kind() transportKind { return transportEnhanced }

func (t enhancedTransport) roundTrip(ctx context.Context, env *Envelope) ([]byte, Codec, error) {
	res, err := t.conn.Request(ctx, env)
	return res, t.conn.codec, err
}

type legacyTransport struct {
	requester LegacyRequester
}

func (legacyTransport) kind() transportKind { return transportLegacy }

func (t legacyTransport) roundTrip(ctx context.Context, env *Envelope) ([]byte, Codec, error) {
	res, err := t.requester.Do(ctx, env.Method, env.Params, env.Timeout)
	return res, JSONCodec, err
}

// selectTransport picks the path for env. An open connection always wins.
// Otherwise the connection is (re)connected lazily, and the legacy path
// takes over when it cannot open in time, is reconnecting or gave up.
func (s *Service) selectTransport(ctx context.Context, env *Envelope) (transport, error) {
	if s.destroyed.Load() {
		return nil, ErrConnectionClosed
	}

	switch state := s.conn.State(); state {
	case StateOpen:
		return s.useEnhanced(), nil
	case StateReconnecting:
		if s.legacy != nil {
			return s.useLegacy(env, errors.Wrap(ErrConnectionLost, "connection is reconnecting")), nil
		}
		// queued until the socket is back
		return s.useEnhanced(), nil
	case StateFailed:
		err := errors.Wrapf(ErrRetriesExhausted, "%v", s.conn.LastError())
		if s.legacy != nil {
			return s.useLegacy(env, err), nil
		}
		return nil, err
	case StateClosing:
		return nil, ErrConnectionClosed
	}

	err := s.conn.Connect(ctx)
	switch {
	case err == nil:
		return s.useEnhanced(), nil
	case s.legacy != nil && isConnectFailure(err):
		return s.useLegacy(env, err), nil
	default:
		return nil, err
	}
}

func isConnectFailure(err error) bool {
	return errors.Is(err, ErrConnectTimeout) ||
		errors.Is(err, ErrCannotConnect) ||
		errors.Is(err, ErrRateLimit) ||
		errors.Is(err, ErrRetriesExhausted)
}

func (s *Service) useEnhanced() transport {
	if s.mode.Swap(uint32(transportEnhanced)) == uint32(transportLegacy) {
		s.logger.Infof("connection is open again, leaving legacy transport")
	}
	return enhancedTransport{conn: s.conn}
}

// useLegacy switches to the legacy path, announcing it once per switch.
func (s *Service) useLegacy(env *Envelope, cause error) transport {
	if s.mode.Swap(uint32(transportLegacy)) != uint32(transportLegacy) {
		s.logger.Warnf("falling back to legacy transport: %s", cause)
		s.emitter.Emit(EventFallback, Event{
			Type:         EventFallback,
			ConnectionID: s.conn.ID(),
			At:           time.Now(),
			State:        s.conn.State(),
			Method:       env.Method,
			Kind:         KindOf(cause),
			Err:          cause,
		})
	}
	return legacyTransport{requester: s.legacy}
}
