package refresh

import (
	"context"
	"net/http"

	"golang.org/x/oauth2"

	"github.com/openshift/portal-gateway/pkg/identity"
)

// UnknownDevice stands in for the device id of callers that did not send a
// valid one. All such callers on the same host share a refresh slot.
const UnknownDevice = "unknown"

// Key returns the deduplication key for a caller.
func Key(c identity.CallerContext) string {
	device := c.DeviceID
	if device == "" {
		device = UnknownDevice
	}
	return c.Host + "|" + device
}

// Reason tells why a refresh did not produce credentials.
type Reason string

const (
	ReasonNone      Reason = ""
	ReasonNoSession Reason = "no_session"
	ReasonNetwork   Reason = "network"
	ReasonRejected  Reason = "rejected"
	ReasonTimeout   Reason = "timeout"
	ReasonEvicted   Reason = "evicted"
	ReasonCanceled  Reason = "canceled"
)

// Outcome is the result of one refresh operation, shared by every caller
// that waited on it.
type Outcome struct {
	Success      bool
	AccessToken  string
	RefreshToken string
	Reason       Reason
}

func failed(r Reason) Outcome {
	return Outcome{Reason: r}
}

// Token returns the credentials of a successful outcome, or nil.
func (o Outcome) Token() *oauth2.Token {
	if !o.Success {
		return nil
	}
	return &oauth2.Token{AccessToken: o.AccessToken, RefreshToken: o.RefreshToken, TokenType: "Bearer"}
}

// SessionLookup returns the stored credentials for the session of r,
// or nil when the caller is logged out.
type SessionLookup interface {
	Lookup(r *http.Request) (*oauth2.Token, error)
}

// Body is the JSON document posted to the refresh endpoint.
type Body struct {
	DeviceID  string `json:"deviceId"`
	UserAgent string `json:"userAgent"`
	IPAddress string `json:"ipAddress"`
}

// Request is everything a refresh call forwards on behalf of the caller.
type Request struct {
	Body    Body
	Cookies []*http.Cookie
	Header  http.Header
}

type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

type ResponseBody struct {
	IsSuccess bool       `json:"isSuccess"`
	Data      *TokenPair `json:"data,omitempty"`
}

// Response is the decoded answer of the refresh endpoint.
type Response struct {
	StatusCode int
	Body       ResponseBody
}

// Refresher performs the network call to the refresh endpoint.
type Refresher interface {
	Refresh(ctx context.Context, r Request) (*Response, error)
}

// RefresherFunc adapts a function to the Refresher interface.
type RefresherFunc func(ctx context.Context, r Request) (*Response, error)

func (f RefresherFunc) Refresh(ctx context.Context, r Request) (*Response, error) {
	return f(ctx, r)
}
