// Package proxy exposes the upstream API to browsers. Inbound requests under
// the mount prefix are dispatched upstream on behalf of the caller and the
// upstream answer is written back, cookies included.
package proxy

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/middleware"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/openshift/portal-gateway/pkg/dispatch"
	"github.com/openshift/portal-gateway/pkg/identity"
	"github.com/openshift/portal-gateway/pkg/runutil"
)

const DefaultPrefix = "/api"

// forwardedRequestHeaders are the inbound headers passed upstream as is.
// Identity and credentials are set by the dispatcher.
var forwardedRequestHeaders = []string{
	"Accept",
	"Accept-Language",
	"Content-Type",
	"Cookie",
	"If-Modified-Since",
	"If-None-Match",
}

// forwardedResponseHeaders are copied back to the caller besides Set-Cookie.
var forwardedResponseHeaders = []string{
	"Cache-Control",
	"Content-Disposition",
	"Content-Language",
	"Content-Type",
	"ETag",
	"Last-Modified",
	"Location",
}

// Dispatcher builds a dispatching client for one inbound request.
type Dispatcher interface {
	New(inbound *http.Request, caller identity.CallerContext) *dispatch.Client
}

type Handler struct {
	upstream  *url.URL
	prefix    string
	factory   Dispatcher
	extractor *identity.Extractor
	logger    log.Logger
}

// NewHandler returns a handler proxying everything below prefix to upstream.
func NewHandler(upstream *url.URL, prefix string, factory Dispatcher, extractor *identity.Extractor, logger log.Logger) *Handler {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if extractor == nil {
		extractor = identity.NewExtractor(logger, nil)
	}
	return &Handler{
		upstream:  upstream,
		prefix:    strings.TrimSuffix(prefix, "/"),
		factory:   factory,
		extractor: extractor,
		logger:    log.With(logger, "component", "proxy"),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := log.With(h.logger, "request", middleware.GetReqID(r.Context()))

	caller, ok := identity.FromContext(r.Context())
	if !ok {
		caller = h.extractor.Extract(r)
	}

	req, err := h.outbound(r)
	if err != nil {
		level.Error(logger).Log("msg", "unable to build upstream request", "err", err)
		writeFailure(w, http.StatusInternalServerError, "invalid request")
		return
	}

	resp, err := h.factory.New(r, caller).Dispatch(req)
	if err != nil {
		var derr *dispatch.Error
		if !errors.As(err, &derr) || derr.Kind != dispatch.KindUnauthorized {
			level.Warn(logger).Log("msg", "upstream request failed", "path", req.URL.Path, "err", err)
			writeFailure(w, http.StatusBadGateway, "upstream unavailable")
			return
		}
		resp = derr.Response
	}
	defer runutil.ExhaustCloseWithLogOnErr(logger, resp.Body, "close upstream response")

	CopyCookies(w.Header(), resp.Header)
	for _, k := range forwardedResponseHeaders {
		if v := resp.Header.Get(k); v != "" {
			w.Header().Set(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		level.Debug(logger).Log("msg", "failed to write response body", "err", err)
	}
}

// outbound maps r onto the upstream URL, dropping the mount prefix.
func (h *Handler) outbound(r *http.Request) (*http.Request, error) {
	path := strings.TrimPrefix(r.URL.Path, h.prefix)
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	u := *h.upstream
	u.Path = strings.TrimSuffix(h.upstream.Path, "/") + path
	u.RawPath = ""
	u.RawQuery = r.URL.RawQuery

	var body io.Reader
	if r.ContentLength != 0 && r.Body != nil && r.Body != http.NoBody {
		body = r.Body
	}
	req, err := http.NewRequestWithContext(r.Context(), r.Method, u.String(), body)
	if err != nil {
		return nil, err
	}
	req.ContentLength = r.ContentLength
	if body == nil {
		req.ContentLength = 0
	}

	for _, k := range forwardedRequestHeaders {
		for _, v := range r.Header.Values(k) {
			req.Header.Add(k, v)
		}
	}
	if id := middleware.GetReqID(r.Context()); id != "" {
		req.Header.Set(middleware.RequestIDHeader, id)
	}
	return req, nil
}

// CopyCookies appends every Set-Cookie value of src to dst.
func CopyCookies(dst, src http.Header) {
	for _, v := range src.Values("Set-Cookie") {
		dst.Add("Set-Cookie", v)
	}
}

type failure struct {
	IsSuccess bool   `json:"isSuccess"`
	Message   string `json:"message"`
}

func writeFailure(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(failure{Message: msg})
}
