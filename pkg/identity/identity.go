// Package identity derives the caller identity a proxied request is made on
// behalf of: the device identifier, user agent and source address reported
// by the browser, validated before anything is forwarded upstream.
package identity

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

const (
	HeaderDeviceID      = "X-Device-Id"
	HeaderUserAgent     = "User-Agent"
	HeaderRealIP        = "X-Real-Ip"
	HeaderForwardedFor  = "X-Forwarded-For"
	MinDeviceIDLength   = 10
	deviceIDPatternExpr = `^device-.+$`
)

var deviceIDPattern = regexp.MustCompile(deviceIDPatternExpr)

type key int

const callerKey key = iota

// CallerContext is the identity of the browser a request is proxied for.
// It is derived once per inbound request and never modified afterwards.
type CallerContext struct {
	Host      string
	DeviceID  string
	UserAgent string
	SourceIP  string
}

// Apply sets the outbound identity headers for every non-empty field.
func (c CallerContext) Apply(h http.Header) {
	if c.DeviceID != "" {
		h.Set(HeaderDeviceID, c.DeviceID)
	}
	if c.UserAgent != "" {
		h.Set(HeaderUserAgent, c.UserAgent)
	}
	if c.SourceIP != "" {
		h.Set(HeaderRealIP, c.SourceIP)
	}
}

// ValidDeviceID reports whether id has the device prefix and the minimum length.
func ValidDeviceID(id string) bool {
	return len(id) >= MinDeviceIDLength && deviceIDPattern.MatchString(id)
}

// Extractor reads caller identity from inbound requests.
type Extractor struct {
	logger  log.Logger
	trusted []*net.IPNet
}

// NewExtractor returns an Extractor. Forwarding headers are only honoured
// when the socket peer is inside one of the trusted networks.
func NewExtractor(logger log.Logger, trusted []*net.IPNet) *Extractor {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Extractor{
		logger:  log.With(logger, "component", "identity"),
		trusted: trusted,
	}
}

// Extract never fails; fields that are missing or malformed are left empty.
func (e *Extractor) Extract(r *http.Request) CallerContext {
	c := CallerContext{
		Host:      r.Host,
		UserAgent: strings.TrimSpace(r.Header.Get(HeaderUserAgent)),
		SourceIP:  ClientIP(r, e.trusted),
	}

	if id := strings.TrimSpace(r.Header.Get(HeaderDeviceID)); id != "" {
		if ValidDeviceID(id) {
			c.DeviceID = id
		} else {
			level.Warn(e.logger).Log("msg", "ignoring malformed device id", "device_id", id, "source_ip", c.SourceIP)
		}
	}

	return c
}

// ClientIP returns the address of the client that originated r.
func ClientIP(r *http.Request, trusted []*net.IPNet) string {
	peer := r.RemoteAddr
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		peer = host
	}

	ip := net.ParseIP(peer)
	if ip == nil || !contains(trusted, ip) {
		return peer
	}

	if fwd := r.Header.Get(HeaderForwardedFor); fwd != "" {
		if first := strings.TrimSpace(strings.Split(fwd, ",")[0]); first != "" {
			return first
		}
	}
	if rip := strings.TrimSpace(r.Header.Get(HeaderRealIP)); rip != "" {
		return rip
	}
	return peer
}

func contains(nets []*net.IPNet, ip net.IP) bool {
	for _, n := range nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// ParseTrustedCIDRs parses proxy networks given in CIDR notation, skipping blanks.
func ParseTrustedCIDRs(cidrs []string) ([]*net.IPNet, error) {
	var nets []*net.IPNet
	for _, s := range cidrs {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		_, n, err := net.ParseCIDR(s)
		if err != nil {
			return nil, fmt.Errorf("invalid CIDR %q: %w", s, err)
		}
		nets = append(nets, n)
	}
	return nets, nil
}

func WithCaller(ctx context.Context, c CallerContext) context.Context {
	return context.WithValue(ctx, callerKey, c)
}

func FromContext(ctx context.Context) (CallerContext, bool) {
	c, ok := ctx.Value(callerKey).(CallerContext)
	return c, ok
}
