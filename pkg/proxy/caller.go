package proxy

import (
	"net/http"

	"github.com/openshift/portal-gateway/pkg/identity"
)

// Caller derives the caller identity once and stores it in the request context.
func Caller(ex *identity.Extractor) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(identity.WithCaller(r.Context(), ex.Extract(r))))
		})
	}
}
