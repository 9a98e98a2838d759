// Package session looks up the credentials the identity provider stored for
// a browser session. Sessions are keyed by the session cookie; the gateway
// never creates them, it only reads them and writes refreshed tokens back.
package session

import (
	"net/http"

	"golang.org/x/oauth2"
)

const DefaultCookieName = "portal_session"

// Store returns the credentials of the session r belongs to.
// A logged out caller yields a nil token and a nil error.
type Store interface {
	Lookup(r *http.Request) (*oauth2.Token, error)
}

// Saver is implemented by stores that accept refreshed credentials.
type Saver interface {
	Save(r *http.Request, tok *oauth2.Token) error
}

// ID returns the session identifier carried by r.
func ID(r *http.Request, cookieName string) (string, bool) {
	c, err := r.Cookie(cookieName)
	if err != nil || c.Value == "" {
		return "", false
	}
	return c.Value, true
}

// HasRefreshToken reports whether tok can be used to mint a new access token.
func HasRefreshToken(tok *oauth2.Token) bool {
	return tok != nil && tok.RefreshToken != ""
}
