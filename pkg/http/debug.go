package http

import (
	"net/http"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

type debugRoundTripper struct {
	logger log.Logger
	next   http.RoundTripper
}

// NewDebugRoundTripper logs every outbound exchange at debug level.
// Credentials are never logged.
func NewDebugRoundTripper(logger log.Logger, next http.RoundTripper) http.RoundTripper {
	return &debugRoundTripper{logger: log.With(logger, "component", "outbound"), next: next}
}

func (rt *debugRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	begin := time.Now()
	resp, err := rt.next.RoundTrip(req)
	if err != nil {
		level.Debug(rt.logger).Log("msg", "outbound request failed", "method", req.Method, "url", req.URL.Redacted(), "duration", time.Since(begin), "err", err)
		return resp, err
	}
	level.Debug(rt.logger).Log(
		"msg", "outbound request",
		"method", req.Method,
		"url", req.URL.Redacted(),
		"bearer", req.Header.Get("Authorization") != "",
		"status", resp.StatusCode,
		"set_cookies", len(resp.Header.Values("Set-Cookie")),
		"duration", time.Since(begin),
	)
	return resp, nil
}
