package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"trustcase-svc/internal/trust"
)

const (
	// SessionCookie carries the credential for browser clients.
	SessionCookie = "trust_session"
	// SystemKeyHeader carries the static key of machine callers.
	SystemKeyHeader = "X-System-Key"
)

// CredentialSource extracts a raw credential from a request.
type CredentialSource interface {
	Name() string
	Extract(r *http.Request) (string, bool)
}

// CookieSource reads a credential from a named cookie.
type CookieSource struct {
	Cookie string
}

func (c CookieSource) Name() string { return "cookie" }

func (c CookieSource) Extract(r *http.Request) (string, bool) {
	ck, err := r.Cookie(c.Cookie)
	if err != nil || strings.TrimSpace(ck.Value) == "" {
		return "", false
	}
	return strings.TrimSpace(ck.Value), true
}

// BearerSource reads an Authorization: Bearer header.
type BearerSource struct{}

func (BearerSource) Name() string { return "bearer" }

func (BearerSource) Extract(r *http.Request) (string, bool) {
	return parseBearer(r.Header.Get("Authorization"))
}

func parseBearer(header string) (string, bool) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	if token == "" {
		return "", false
	}
	return token, true
}

// Chain tries each source in order; the first that yields a credential wins.
type Chain []CredentialSource

// DefaultChain gives the session cookie priority over the header.
func DefaultChain() Chain {
	return Chain{CookieSource{Cookie: SessionCookie}, BearerSource{}}
}

// Extract returns the first credential found and the name of its source.
func (c Chain) Extract(r *http.Request) (token, source string, ok bool) {
	for _, src := range c {
		if tok, found := src.Extract(r); found {
			return tok, src.Name(), true
		}
	}
	return "", "", false
}

// Authenticator turns requests into principals.
type Authenticator struct {
	chain     Chain
	signer    *Signer
	systemKey []byte
}

// NewAuthenticator returns an Authenticator. An empty systemKey disables
// system-key authentication.
func NewAuthenticator(signer *Signer, systemKey string, chain Chain) *Authenticator {
	if chain == nil {
		chain = DefaultChain()
	}
	return &Authenticator{chain: chain, signer: signer, systemKey: []byte(systemKey)}
}

// Principal verifies the request's credential. Request metadata (ip,
// user agent) is left for the caller to fill in.
func (a *Authenticator) Principal(r *http.Request) (trust.Principal, error) {
	token, _, ok := a.chain.Extract(r)
	if !ok {
		return trust.Principal{}, trust.NewError(trust.CodeUnauthorized, "missing credential")
	}
	claims, err := a.signer.Verify(token)
	if err != nil {
		return trust.Principal{}, &trust.Error{Code: trust.CodeUnauthorized, Message: "invalid or expired credential", Err: err}
	}
	return trust.Principal{Role: claims.Role, CaseID: claims.CaseID, Subject: claims.Subject}, nil
}

// HasSystemKey reports whether the request presents the configured system key.
func (a *Authenticator) HasSystemKey(r *http.Request) bool {
	got := r.Header.Get(SystemKeyHeader)
	if len(a.systemKey) == 0 || got == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), a.systemKey) == 1
}

// Signer exposes the credential signer for issuing session cookies.
func (a *Authenticator) Signer() *Signer { return a.signer }
