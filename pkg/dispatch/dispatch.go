// Package dispatch issues proxied requests to the upstream API on behalf of
// one inbound request. It attaches the caller's credentials and identity to
// every attempt and retries once with refreshed credentials when upstream
// answers 401.
package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/middleware"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/oauth2"

	"github.com/openshift/portal-gateway/pkg/identity"
	"github.com/openshift/portal-gateway/pkg/refresh"
	"github.com/openshift/portal-gateway/pkg/runutil"
	"github.com/openshift/portal-gateway/pkg/session"
)

const (
	// MaxRetries is the number of times a request is re-issued after a 401.
	MaxRetries = 1

	// maxBufferedBytes bounds request bodies kept for replay and 401 bodies
	// kept for the caller.
	maxBufferedBytes = 10 << 20
)

// DefaultSkipBearer lists the paths that must never carry a bearer token:
// the credential issuance and refresh endpoints.
var DefaultSkipBearer = []string{"/auth/token", "/auth/refresh"}

// RetryState tracks the 401 retries of one dispatched request.
// Values are never modified; Next returns the following state.
type RetryState struct {
	Attempted bool
	Count     int
}

// Exhausted reports whether another retry is forbidden.
func (s RetryState) Exhausted() bool {
	return s.Attempted || s.Count >= MaxRetries
}

func (s RetryState) Next() RetryState {
	return RetryState{Attempted: true, Count: s.Count + 1}
}

// Coordinator is the part of refresh.Coordinator the dispatcher uses.
type Coordinator interface {
	Refresh(ctx context.Context, req *http.Request, caller identity.CallerContext, sessions refresh.SessionLookup, refresher refresh.Refresher) refresh.Outcome
}

type Config struct {
	// Transport carries every upstream attempt, usually the ordinary pool.
	Transport   http.RoundTripper
	Coordinator Coordinator
	Sessions    session.Store
	Refresher   refresh.Refresher
	// SkipBearer holds path prefixes for which no Authorization header is sent.
	SkipBearer []string
	// Timeout bounds a single upstream attempt. Zero means no limit.
	Timeout    time.Duration
	Logger     log.Logger
	Registerer prometheus.Registerer
}

// Factory holds the collaborators shared by all dispatching clients.
type Factory struct {
	cfg     Config
	client  *http.Client
	logger  log.Logger
	retries *prometheus.CounterVec
}

// NewFactory returns a Factory and registers its metrics with cfg.Registerer, if not nil.
func NewFactory(cfg Config) *Factory {
	if cfg.Transport == nil {
		cfg.Transport = http.DefaultTransport
	}
	if cfg.SkipBearer == nil {
		cfg.SkipBearer = DefaultSkipBearer
	}
	if cfg.Logger == nil {
		cfg.Logger = log.NewNopLogger()
	}

	return &Factory{
		cfg: cfg,
		client: &http.Client{
			Transport: cfg.Transport,
			Timeout:   cfg.Timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger: log.With(cfg.Logger, "component", "dispatch"),
		retries: promauto.With(cfg.Registerer).NewCounterVec(prometheus.CounterOpts{
			Name: "portal_gateway_dispatch_unauthorized_total",
			Help: "Upstream 401 responses by how they were handled.",
		}, []string{"result"}),
	}
}

// New returns a client for one inbound request. The inbound request
// provides the session cookies; caller provides the identity headers.
func (f *Factory) New(inbound *http.Request, caller identity.CallerContext) *Client {
	logger := f.logger
	if id := middleware.GetReqID(inbound.Context()); id != "" {
		logger = log.With(logger, "request", id)
	}
	return &Client{f: f, inbound: inbound, caller: caller, logger: logger}
}

// Client dispatches the upstream calls of a single inbound request.
// It is not safe for concurrent use.
type Client struct {
	f       *Factory
	inbound *http.Request
	caller  identity.CallerContext
	logger  log.Logger

	// token overrides the session store once a refresh has succeeded.
	token *oauth2.Token
}

// Dispatch sends req upstream. Non-401 responses are returned as is and the
// caller must close their body. A 401 that cannot be recovered from yields an
// *Error of KindUnauthorized carrying the first 401 response, fully buffered.
func (c *Client) Dispatch(req *http.Request) (*http.Response, error) {
	if err := replayable(req); err != nil {
		return nil, &Error{Kind: KindTransport, Err: err}
	}

	var (
		state RetryState
		first *http.Response
	)
	for {
		c.prepare(req)

		resp, err := c.f.client.Do(req)
		if err != nil {
			return nil, &Error{Kind: KindTransport, Err: err}
		}
		if resp.StatusCode != http.StatusUnauthorized {
			return resp, nil
		}

		if first == nil {
			if first, err = buffered(c.logger, resp); err != nil {
				return nil, &Error{Kind: KindTransport, Err: err}
			}
		} else {
			runutil.ExhaustCloseWithLogOnErr(c.logger, resp.Body, "close repeated unauthorized response")
		}

		if state.Exhausted() {
			c.f.retries.WithLabelValues("exhausted").Inc()
			level.Debug(c.logger).Log("msg", "unauthorized after retry", "path", req.URL.Path, "retries", state.Count)
			return nil, &Error{Kind: KindUnauthorized, Response: first}
		}
		state = state.Next()

		o := c.f.cfg.Coordinator.Refresh(req.Context(), c.inbound, c.caller, c.f.cfg.Sessions, c.f.cfg.Refresher)
		if !o.Success {
			c.f.retries.WithLabelValues("refresh_failed").Inc()
			level.Debug(c.logger).Log("msg", "refresh failed", "path", req.URL.Path, "reason", o.Reason)
			return nil, &Error{Kind: KindUnauthorized, Response: first}
		}

		c.token = o.Token()
		if s, ok := c.f.cfg.Sessions.(session.Saver); ok {
			if err := s.Save(c.inbound, c.token); err != nil {
				level.Warn(c.logger).Log("msg", "unable to store refreshed credentials", "err", err)
			}
		}
		if err := rewind(req); err != nil {
			return nil, &Error{Kind: KindTransport, Err: err}
		}
		c.f.retries.WithLabelValues("retried").Inc()
	}
}

// prepare runs before every attempt and writes into req.Header directly,
// so anything set here survives into the retry.
func (c *Client) prepare(req *http.Request) {
	if req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	if c.skipBearer(req.URL.Path) {
		req.Header.Del("Authorization")
	} else if tok := c.currentToken(); tok != nil && tok.AccessToken != "" {
		tok.SetAuthHeader(req)
	}

	c.caller.Apply(req.Header)
}

func (c *Client) currentToken() *oauth2.Token {
	if c.token != nil {
		return c.token
	}
	if c.f.cfg.Sessions == nil {
		return nil
	}
	tok, err := c.f.cfg.Sessions.Lookup(c.inbound)
	if err != nil {
		level.Warn(c.logger).Log("msg", "session lookup failed", "err", err)
		return nil
	}
	return tok
}

func (c *Client) skipBearer(path string) bool {
	for _, p := range c.f.cfg.SkipBearer {
		if p != "" && strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// replayable makes sure the body of req can be sent a second time.
func replayable(req *http.Request) error {
	if req.Body == nil || req.Body == http.NoBody || req.GetBody != nil {
		return nil
	}
	data, err := io.ReadAll(io.LimitReader(req.Body, maxBufferedBytes+1))
	req.Body.Close()
	if err != nil {
		return fmt.Errorf("read request body: %w", err)
	}
	if len(data) > maxBufferedBytes {
		return fmt.Errorf("request body exceeds %d bytes", maxBufferedBytes)
	}
	req.ContentLength = int64(len(data))
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
	req.Body, _ = req.GetBody()
	return nil
}

func rewind(req *http.Request) error {
	if req.GetBody == nil {
		return nil
	}
	body, err := req.GetBody()
	if err != nil {
		return fmt.Errorf("rewind request body: %w", err)
	}
	req.Body = body
	return nil
}

// buffered reads the body of resp into memory so the connection goes back
// to the pool before the refresh starts.
func buffered(logger log.Logger, resp *http.Response) (*http.Response, error) {
	body, data, err := runutil.ReadAllAndClose(logger, resp.Body, maxBufferedBytes)
	if err != nil {
		return nil, err
	}
	resp.Body = body
	resp.ContentLength = int64(len(data))
	return resp, nil
}
