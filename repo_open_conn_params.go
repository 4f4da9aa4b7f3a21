package libmux

import (
	"context"
	"net/http"
	"net/url"
)

type (
	// OpenConnectionParams is what a socket needs to dial.
	OpenConnectionParams struct {
		URL    url.URL
		Header http.Header
	}

	OpenConnectionParamsGetter func(ctx context.Context) (OpenConnectionParams, error)

	// OpenConnectionParamsRepo resolves dial parameters right before each
	// dial, so that reconnects pick up fresh credentials and carry the
	// session id.
	OpenConnectionParamsRepo struct {
		logger logger
		getter OpenConnectionParamsGetter
	}
)

const (
	sessionHeader     = "X-Session-Id"
	sessionQueryParam = "session"
	serviceQueryParam = "service"
)

func (r OpenConnectionParamsRepo) Get(
	ctx context.Context,
) (params OpenConnectionParams, err error) {
	params, err = r.getter(ctx)
	if err != nil {
		r.logger.Errorf("cannot fetch open connection params: %s", err)
	}
	return
}

func NewOpenConnectionParamsRepo(
	logger logger,
	getter OpenConnectionParamsGetter,
) OpenConnectionParamsRepo {
	return OpenConnectionParamsRepo{getter: getter, logger: logger}
}

// StaticOpenConnectionParams always dials u with a copy of header.
func StaticOpenConnectionParams(u url.URL, header http.Header) OpenConnectionParamsGetter {
	return func(context.Context) (OpenConnectionParams, error) {
		return OpenConnectionParams{URL: u, Header: header.Clone()}, nil
	}
}

// withSession decorates a getter so every dial carries the connection's
// service type and session id, letting the backend resume server-side
// session state across reconnects.
func withSession(getter OpenConnectionParamsGetter, serviceType, sessionID string) OpenConnectionParamsGetter {
	return func(ctx context.Context) (OpenConnectionParams, error) {
		p, err := getter(ctx)
		if err != nil {
			return p, err
		}
		if p.Header == nil {
			p.Header = http.Header{}
		}
		p.Header.Set(sessionHeader, sessionID)

		q := p.URL.Query()
		q.Set(sessionQueryParam, sessionID)
		if serviceType != "" {
			q.Set(serviceQueryParam, serviceType)
		}
		p.URL.RawQuery = q.Encode()
		return p, nil
	}
}
