package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trustcase-svc/internal/audit"
	"trustcase-svc/internal/auth"
	"trustcase-svc/internal/engine"
	"trustcase-svc/internal/lifecycle"
	"trustcase-svc/internal/notify"
	"trustcase-svc/internal/store"
	"trustcase-svc/internal/trust"
	"trustcase-svc/internal/upgrade"
)

const (
	systemKey = "test-system-key"
	origin    = "https://app.example.com"
)

var t0 = time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)

type harness struct {
	store   *store.MemoryStore
	signer  *auth.Signer
	upgrade *upgrade.Service
	router  *gin.Engine
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	now := func() time.Time { return t0 }
	s := store.NewMemoryStore()
	auditLog := audit.NewLogger(s, now)
	signer := auth.NewSigner([]byte("0123456789abcdef0123456789abcdef"), time.Hour).WithClock(now)
	up := upgrade.NewService(s, auditLog, now)

	srv := NewServer(Deps{
		Engine:    engine.New(s, auditLog, engine.WithClock(now), engine.WithLogger(quiet)),
		Lifecycle: lifecycle.NewManager(s, auditLog, lifecycle.WithClock(now), lifecycle.WithLogger(quiet)),
		Upgrade:   up,
		Resolver:  notify.NewResolver(s),
		Auth:      auth.NewAuthenticator(signer, systemKey, nil),
		Logger:    quiet,
	}, Options{AllowedOrigins: []string{origin}, CookieSecure: true})

	return &harness{store: s, signer: signer, upgrade: up, router: srv.Router()}
}

func (h *harness) token(t *testing.T, p trust.Principal) string {
	t.Helper()
	tok, err := h.signer.Issue(p)
	require.NoError(t, err)
	return tok
}

func (h *harness) do(method, path, body string, header http.Header) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	for k, v := range header {
		req.Header[k] = v
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	return w
}

func bearer(tok string) http.Header {
	return http.Header{"Authorization": {"Bearer " + tok}}
}

func sysKey(key string) http.Header {
	return http.Header{auth.SystemKeyHeader: {key}}
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorEnvelope {
	t.Helper()
	var env errorEnvelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return env
}

func decodeView(t *testing.T, w *httptest.ResponseRecorder) engine.CaseView {
	t.Helper()
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var v engine.CaseView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	return v
}

var (
	agentP = trust.Principal{Role: trust.RoleAgent, CaseID: "case-1", Subject: "agent-1"}
	buyerP = trust.Principal{Role: trust.RoleBuyer, CaseID: "case-1"}
)

func TestHealth(t *testing.T) {
	h := newHarness(t)
	w := h.do(http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestCORS(t *testing.T) {
	h := newHarness(t)

	w := h.do(http.MethodGet, "/health", "", http.Header{"Origin": {origin}})
	assert.Equal(t, origin, w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", w.Header().Get("Access-Control-Allow-Credentials"))

	w = h.do(http.MethodGet, "/health", "", http.Header{"Origin": {"https://evil.example.com"}})
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", w.Header().Get("Access-Control-Allow-Credentials"))

	w = h.do(http.MethodOptions, "/api/trust/cases/case-1/submit", "", http.Header{"Origin": {origin}})
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "Authorization")
}

func TestErrorEnvelope(t *testing.T) {
	h := newHarness(t)

	w := h.do(http.MethodGet, "/api/trust/cases/case-1", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	env := decodeError(t, w)
	assert.Equal(t, trust.CodeUnauthorized, env.Error.Code)
	assert.True(t, strings.HasPrefix(env.RequestID, "req_"))
	assert.Equal(t, env.RequestID, w.Header().Get(requestIDHeader))

	w = h.do(http.MethodGet, "/api/trust/cases/case-1", "", bearer("forged.token"))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = h.do(http.MethodGet, "/nowhere", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, trust.CodeNotFound, decodeError(t, w).Error.Code)
}

func TestStepFlow(t *testing.T) {
	h := newHarness(t)
	agent := bearer(h.token(t, agentP))
	buyer := bearer(h.token(t, buyerP))

	w := h.do(http.MethodPost, "/api/trust/cases/case-1/confirm", `{"step":1}`, buyer)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, trust.CodeAgentNotSubmitted, decodeError(t, w).Error.Code)

	v := decodeView(t, h.do(http.MethodPost, "/api/trust/cases/case-1/submit", `{"step":1,"data":{"note":"已電聯"}}`, agent))
	assert.Equal(t, trust.AgentSubmitted, v.State.Step(1).AgentStatus)
	assert.Equal(t, 1, v.State.CurrentStep)

	w = h.do(http.MethodPost, "/api/trust/cases/case-1/submit", `{"step":1}`, buyer)
	assert.Equal(t, http.StatusForbidden, w.Code)

	v = decodeView(t, h.do(http.MethodPost, "/api/trust/cases/case-1/confirm", `{"step":1,"note":"收到"}`, buyer))
	assert.Equal(t, 2, v.State.CurrentStep)
	assert.True(t, v.State.Step(1).Locked)

	v = decodeView(t, h.do(http.MethodGet, "/api/trust/cases/case-1", "", buyer))
	assert.Equal(t, 2, v.State.CurrentStep)
	assert.Equal(t, trust.CaseActive, v.Status)

	w = h.do(http.MethodPost, "/api/trust/cases/case-1/submit", `{"step":1}`, agent)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, trust.CodeInvalidStep, decodeError(t, w).Error.Code)

	w = h.do(http.MethodPost, "/api/trust/cases/case-1/payment", "", buyer)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	v = decodeView(t, h.do(http.MethodPost, "/api/trust/cases/case-1/supplements", `{"content":"  想再看一次  "}`, buyer))
	require.Len(t, v.State.Supplements, 1)
	assert.Equal(t, "想再看一次", v.State.Supplements[0].Content)

	entries, err := h.store.ListAudit(context.Background(), "case-1")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "192.0.2.1", entries[0].IP, "httptest requests come from 192.0.2.1")
}

func TestRequestValidation(t *testing.T) {
	h := newHarness(t)
	agent := bearer(h.token(t, agentP))
	buyer := bearer(h.token(t, buyerP))

	tests := []struct {
		name   string
		path   string
		body   string
		header http.Header
	}{
		{"unknown top-level field", "submit", `{"step":1,"extra":true}`, agent},
		{"unknown payload field", "submit", `{"step":1,"data":{"foo":1}}`, agent},
		{"missing step", "submit", `{"data":{}}`, agent},
		{"empty body", "confirm", ``, buyer},
		{"trailing data", "confirm", `{"step":1} {"step":2}`, buyer},
		{"checklist without index", "checklist", `{"checked":true}`, buyer},
		{"blank supplement", "supplements", `{"content":"   "}`, buyer},
		{"oversized body", "supplements", `{"content":"` + strings.Repeat("a", 1<<20) + `"}`, buyer},
		{"not json", "confirm", `step=1`, buyer},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := h.do(http.MethodPost, "/api/trust/cases/case-1/"+tt.path, tt.body, tt.header)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
			assert.Equal(t, trust.CodeInvalidInput, decodeError(t, w).Error.Code)
		})
	}
}

func TestCredentialScopedToAnotherCase(t *testing.T) {
	h := newHarness(t)
	buyer := bearer(h.token(t, buyerP))

	w := h.do(http.MethodGet, "/api/trust/cases/case-2", "", buyer)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, trust.CodeForbidden, decodeError(t, w).Error.Code)
}

func TestUpgradeSetsSessionCookie(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.store.GetOrInit(ctx, "case-1", t0)
	require.NoError(t, err)
	tok, err := h.upgrade.IssueToken(ctx, "case-1", time.Hour)
	require.NoError(t, err)

	user := bearer(h.token(t, trust.Principal{Role: trust.RoleBuyer, Subject: "user-a"}))

	w := h.do(http.MethodPost, "/api/trust/upgrade", `{"token":"not-a-uuid"}`, user)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = h.do(http.MethodPost, "/api/trust/upgrade", `{"token":"`+tok.Token+`"}`, user)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"caseId":"case-1","replay":false}`, w.Body.String())

	var session *http.Cookie
	for _, ck := range w.Result().Cookies() {
		if ck.Name == auth.SessionCookie {
			session = ck
		}
	}
	require.NotNil(t, session)
	assert.True(t, session.HttpOnly)
	assert.True(t, session.Secure)
	assert.Equal(t, http.SameSiteLaxMode, session.SameSite)
	assert.Equal(t, 3600, session.MaxAge)

	claims, err := h.signer.Verify(session.Value)
	require.NoError(t, err)
	assert.Equal(t, "case-1", claims.CaseID)
	assert.Equal(t, "user-a", claims.Subject)

	withCookie := http.Header{"Cookie": {session.Name + "=" + session.Value}}
	decodeView(t, h.do(http.MethodGet, "/api/trust/cases/case-1", "", withCookie))

	other := bearer(h.token(t, trust.Principal{Role: trust.RoleBuyer, Subject: "user-b"}))
	w = h.do(http.MethodPost, "/api/trust/upgrade", `{"token":"`+tok.Token+`"}`, other)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, upgrade.MsgTokenRejected, decodeError(t, w).Error.Message)
}

func TestWakeAndClose(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.store.GetOrInit(ctx, "case-1", t0.Add(-48*time.Hour))
	require.NoError(t, err)
	_, err = h.store.MarkIdleDormant(ctx, t0.Add(-time.Hour), t0)
	require.NoError(t, err)

	w := h.do(http.MethodPost, "/api/trust/cases/case-1/wake", "", sysKey("wrong"))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = h.do(http.MethodPost, "/api/trust/cases/case-1/submit", `{"step":1}`, bearer(h.token(t, agentP)))
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, trust.CodeInvalidState, decodeError(t, w).Error.Code)

	w = h.do(http.MethodPost, "/api/trust/cases/case-1/wake", "", sysKey(systemKey))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var lv lifecycleView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &lv))
	assert.Equal(t, trust.CaseActive, lv.Status)

	w = h.do(http.MethodPost, "/api/trust/cases/case-1/wake", "", sysKey(systemKey))
	assert.Equal(t, http.StatusConflict, w.Code)

	w = h.do(http.MethodPost, "/api/trust/cases/case-1/close", `{"reason":"bored"}`, sysKey(systemKey))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = h.do(http.MethodPost, "/api/trust/cases/case-1/close", `{"reason":"delisted"}`, sysKey(systemKey))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &lv))
	assert.Equal(t, trust.CaseClosed, lv.Status)
	assert.Equal(t, trust.CloseDelisted, lv.CloseReason)

	w = h.do(http.MethodPost, "/api/trust/cases/case-1/close", `{"reason":"delisted"}`, sysKey(systemKey))
	assert.Equal(t, http.StatusConflict, w.Code)

	w = h.do(http.MethodPost, "/api/trust/cases/missing/wake", "", sysKey(systemKey))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestReset(t *testing.T) {
	h := newHarness(t)
	agent := bearer(h.token(t, agentP))
	decodeView(t, h.do(http.MethodPost, "/api/trust/cases/case-1/submit", `{"step":1}`, agent))

	w := h.do(http.MethodPost, "/api/trust/cases/case-1/reset", "", bearer(h.token(t, buyerP)))
	assert.Equal(t, http.StatusForbidden, w.Code)

	v := decodeView(t, h.do(http.MethodPost, "/api/trust/cases/case-1/reset", "", sysKey(systemKey)))
	assert.Equal(t, trust.AgentPending, v.State.Step(1).AgentStatus)
}

func TestNotifyTargetRequiresSystemKey(t *testing.T) {
	h := newHarness(t)
	_, err := h.store.GetOrInit(context.Background(), "case-1", t0)
	require.NoError(t, err)

	w := h.do(http.MethodGet, "/internal/trust/cases/case-1/notify-target", "", bearer(h.token(t, agentP)))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = h.do(http.MethodGet, "/internal/trust/cases/case-1/notify-target", "", sysKey(systemKey))
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"type":"none"}`, w.Body.String())

	w = h.do(http.MethodGet, "/internal/trust/cases/missing/notify-target", "", sysKey(systemKey))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStatusFor(t *testing.T) {
	tests := map[trust.Code]int{
		trust.CodeUnauthorized:        401,
		trust.CodeForbidden:           403,
		trust.CodeInvalidStep:         400,
		trust.CodeLocked:              409,
		trust.CodeAgentNotSubmitted:   409,
		trust.CodeUnpaid:              402,
		trust.CodeChecklistIncomplete: 409,
		trust.CodeExpired:             410,
		trust.CodeInvalidInput:        400,
		trust.CodeAlreadyBound:        409,
		trust.CodeNotFound:            404,
		trust.CodeInvalidState:        409,
		trust.CodeConflict:            409,
		trust.CodeInternal:            500,
		trust.Code("SOMETHING_NEW"):   500,
	}
	for code, want := range tests {
		assert.Equal(t, want, StatusFor(code), code)
	}
}
