// Package erpnext talks to the ERPNext/Frappe REST API on behalf of the gateway.
package erpnext

import (
	"errors"
	"net/http"
)

// ErrUnauthorized is returned before any outbound call when no credential
// form is available.
var ErrUnauthorized = errors.New("erpnext: no credentials available")

// SessionCookie is the Frappe session cookie name.
const SessionCookie = "sid"

// AuthScheme names the credential form presented to the ERP.
type AuthScheme string

const (
	AuthSchemeToken   AuthScheme = "token"
	AuthSchemeSession AuthScheme = "session"
	AuthSchemeNone    AuthScheme = "none"
)

// Credentials is the read-only credential context of one outbound call.
type Credentials struct {
	APIKey       string
	APISecret    string
	SessionToken string
}

// Scheme reports which credential form ResolveHeaders will use.
// Token credentials always win over a session token.
func (c Credentials) Scheme() AuthScheme {
	switch {
	case c.APIKey != "" && c.APISecret != "":
		return AuthSchemeToken
	case c.SessionToken != "":
		return AuthSchemeSession
	default:
		return AuthSchemeNone
	}
}

// Authenticated reports whether any credential form is available.
func (c Credentials) Authenticated() bool {
	return c.Scheme() != AuthSchemeNone
}

// ResolveHeaders produces the single auth header set for an outbound request.
// At most one of Authorization or Cookie is set.
func ResolveHeaders(c Credentials) http.Header {
	h := make(http.Header)
	switch c.Scheme() {
	case AuthSchemeToken:
		h.Set("Authorization", "token "+c.APIKey+":"+c.APISecret)
	case AuthSchemeSession:
		h.Set("Cookie", SessionCookie+"="+c.SessionToken)
	}
	return h
}
