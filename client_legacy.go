package libmux

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/valyala/fasthttp"
)

type (
	// LegacyRequester performs one stateless request-per-call. The returned
	// bytes have the same shape as the result of a correlated reply.
	LegacyRequester interface {
		Do(ctx context.Context, method string, params any, timeout time.Duration) ([]byte, error)
	}

	// RequestFunc adapts a plain function to LegacyRequester.
	RequestFunc func(ctx context.Context, method string, params any, timeout time.Duration) ([]byte, error)

	// RESTRequester maps every method to POST {baseURL}/{method with dots
	// as slashes} with a JSON body.
	RESTRequester struct {
		baseURL        string
		header         http.Header
		client         *fasthttp.Client
		defaultTimeout time.Duration
		logger         logger
	}

	RESTOption func(*RESTRequester)
)

func (f RequestFunc) Do(ctx context.Context, method string, params any, timeout time.Duration) ([]byte, error) {
	return f(ctx, method, params, timeout)
}

func NewRESTRequester(baseURL string, opts ...RESTOption) *RESTRequester {
	r := &RESTRequester{
		baseURL: strings.TrimRight(baseURL, "/"),
		header:  http.Header{},
		client: &fasthttp.Client{
			Name:                "libmux",
			MaxIdleConnDuration: 30 * time.Second,
		},
		defaultTimeout: DefaultRequestTimeout,
		logger:         NopLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func WithRESTHeader(key, value string) RESTOption {
	return func(r *RESTRequester) {
		r.header.Set(key, value)
	}
}

func WithRESTClient(c *fasthttp.Client) RESTOption {
	return func(r *RESTRequester) {
		if c != nil {
			r.client = c
		}
	}
}

// WithRESTTimeout sets the timeout used when a call carries none.
func WithRESTTimeout(d time.Duration) RESTOption {
	return func(r *RESTRequester) {
		if d > 0 {
			r.defaultTimeout = d
		}
	}
}

func WithRESTLogger(l logger) RESTOption {
	return func(r *RESTRequester) {
		if l != nil {
			r.logger = l.WithField("component", "legacy")
		}
	}
}

func (r *RESTRequester) endpoint(method string) string {
	return r.baseURL + "/" + strings.ReplaceAll(method, ".", "/")
}

func (r *RESTRequester) Do(ctx context.Context, method string, params any, timeout time.Duration) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	body := []byte("{}")
	if params != nil {
		var err error
		if body, err = json.Marshal(params); err != nil {
			return nil, errors.Wrapf(ErrProtocol, "encode %s params: %s", method, err)
		}
	}

	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	uri := r.endpoint(method)
	req.SetRequestURI(uri)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.Header.Set("Accept", "application/json")
	for key, values := range r.header {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	req.SetBody(body)

	r.logger.Debugf("=> POST %s", uri)

	if err := r.client.DoDeadline(req, resp, deadline); err != nil {
		if errors.Is(err, fasthttp.ErrTimeout) || errors.Is(err, fasthttp.ErrDialTimeout) {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, errors.Wrapf(ErrRequestTimeout, "legacy %s got no response within %s", method, timeout)
		}
		return nil, errors.Wrapf(ErrConnectionLost, "legacy %s: %s", method, err)
	}

	status := resp.StatusCode()
	// the response is released on return
	out := append([]byte(nil), resp.Body()...)

	r.logger.Debugf("<= %d %s (%d bytes)", status, uri, len(out))

	if status >= fasthttp.StatusBadRequest {
		return nil, decodeRemoteError(method, status, out)
	}
	return out, nil
}

// decodeRemoteError accepts {"code","message"}, {"error":{...}} or any
// other body, which becomes the message as is.
func decodeRemoteError(method string, status int, body []byte) *RemoteError {
	remote := &RemoteError{Code: status, Method: method}

	var wrapped struct {
		Error *RemoteError `json:"error"`
	}
	var flat RemoteError

	switch {
	case json.Unmarshal(body, &wrapped) == nil && wrapped.Error != nil:
		remote.Message = wrapped.Error.Message
		if wrapped.Error.Code != 0 {
			remote.Code = wrapped.Error.Code
		}
	case json.Unmarshal(body, &flat) == nil && flat.Message != "":
		remote.Message = flat.Message
		if flat.Code != 0 {
			remote.Code = flat.Code
		}
	default:
		remote.Message = strings.TrimSpace(string(body))
	}
	if remote.Message == "" {
		remote.Message = http.StatusText(status)
	}
	return remote
}
