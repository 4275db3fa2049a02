package shared

import (
	"context"
	"net/http"

	"github.com/batasku/erpgate/internal/erpnext"
)

type credentialsContextKey struct{}

// ContextWithCredentials stores the request credentials in context.
func ContextWithCredentials(ctx context.Context, creds erpnext.Credentials) context.Context {
	return context.WithValue(ctx, credentialsContextKey{}, creds)
}

// CredentialsFromContext extracts the request credentials from context. The
// zero value is unauthenticated.
func CredentialsFromContext(ctx context.Context) erpnext.Credentials {
	creds, _ := ctx.Value(credentialsContextKey{}).(erpnext.Credentials)
	return creds
}

// CredentialsMiddleware combines the gateway's service credentials with the
// ERP session cookie the browser sent.
func CredentialsMiddleware(service erpnext.Credentials) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			creds := erpnext.Credentials{APIKey: service.APIKey, APISecret: service.APISecret}
			if cookie, err := r.Cookie(erpnext.SessionCookie); err == nil && cookie.Value != "" && cookie.Value != "Guest" {
				creds.SessionToken = cookie.Value
			}
			next.ServeHTTP(w, r.WithContext(ContextWithCredentials(r.Context(), creds)))
		})
	}
}
