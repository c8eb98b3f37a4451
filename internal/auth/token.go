package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"trustcase-svc/internal/trust"
)

// Claims is the signed body of a session credential.
type Claims struct {
	Role      trust.Role `json:"role"`
	CaseID    string     `json:"caseId,omitempty"`
	Subject   string     `json:"sub,omitempty"`
	IssuedAt  int64      `json:"iat"`
	ExpiresAt int64      `json:"exp"`
}

var (
	errMalformed = errors.New("malformed credential")
	errSignature = errors.New("credential signature mismatch")
	errExpired   = errors.New("credential expired")
)

var b64 = base64.RawURLEncoding

// Signer issues and verifies HMAC-SHA256 signed credentials of the form
// base64url(claims).base64url(mac).
type Signer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewSigner returns a Signer. Credentials it issues live for ttl.
func NewSigner(secret []byte, ttl time.Duration) *Signer {
	return &Signer{secret: secret, ttl: ttl, now: time.Now}
}

// WithClock replaces the signer's time source.
func (s *Signer) WithClock(now func() time.Time) *Signer {
	s.now = now
	return s
}

// TTL reports how long issued credentials stay valid.
func (s *Signer) TTL() time.Duration { return s.ttl }

// Issue signs a credential for p. System principals are never issued
// credentials; they authenticate with the system key. Agent credentials
// always name the agent.
func (s *Signer) Issue(p trust.Principal) (string, error) {
	if !p.Role.Valid() || p.Role == trust.RoleSystem {
		return "", fmt.Errorf("cannot issue a credential for role %q", p.Role)
	}
	if p.Role == trust.RoleAgent && p.Subject == "" {
		return "", errors.New("agent credentials need an agent id")
	}
	if len(s.secret) == 0 {
		return "", errors.New("signer has no secret")
	}
	now := s.now()
	body, err := json.Marshal(Claims{
		Role:      p.Role,
		CaseID:    p.CaseID,
		Subject:   p.Subject,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(s.ttl).Unix(),
	})
	if err != nil {
		return "", err
	}
	payload := b64.EncodeToString(body)
	return payload + "." + b64.EncodeToString(s.mac(payload)), nil
}

// Verify checks the signature and expiry and returns the claims.
func (s *Signer) Verify(token string) (*Claims, error) {
	payload, sig, ok := strings.Cut(token, ".")
	if !ok || payload == "" || sig == "" {
		return nil, errMalformed
	}
	provided, err := b64.DecodeString(sig)
	if err != nil {
		return nil, errMalformed
	}
	if len(s.secret) == 0 || !hmac.Equal(s.mac(payload), provided) {
		return nil, errSignature
	}

	body, err := b64.DecodeString(payload)
	if err != nil {
		return nil, errMalformed
	}
	var c Claims
	if err := json.Unmarshal(body, &c); err != nil {
		return nil, errMalformed
	}
	if !c.Role.Valid() || c.Role == trust.RoleSystem {
		return nil, errMalformed
	}
	if !s.now().Before(time.Unix(c.ExpiresAt, 0)) {
		return nil, errExpired
	}
	return &c, nil
}

func (s *Signer) mac(payload string) []byte {
	m := hmac.New(sha256.New, s.secret)
	_, _ = m.Write([]byte(payload))
	return m.Sum(nil)
}
