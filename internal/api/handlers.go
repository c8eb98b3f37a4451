package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"trustcase-svc/internal/auth"
	"trustcase-svc/internal/store"
	"trustcase-svc/internal/trust"
)

type submitRequest struct {
	Step *int            `json:"step"`
	Data json.RawMessage `json:"data"`
}

type confirmRequest struct {
	Step *int   `json:"step"`
	Note string `json:"note"`
}

type checklistRequest struct {
	Index   *int  `json:"index"`
	Checked *bool `json:"checked"`
}

type supplementRequest struct {
	Content string `json:"content"`
}

type upgradeRequest struct {
	Token string `json:"token"`
}

type closeRequest struct {
	Reason string `json:"reason"`
}

// lifecycleView is the response of wake and close.
type lifecycleView struct {
	CaseID      string            `json:"caseId"`
	Status      trust.CaseStatus  `json:"status"`
	CloseReason trust.CloseReason `json:"closeReason,omitempty"`
	ClosedAt    *time.Time        `json:"closedAt,omitempty"`
	UpdatedAt   time.Time         `json:"updatedAt"`
}

func lifecycleViewOf(rec *store.CaseRecord) lifecycleView {
	return lifecycleView{
		CaseID:      rec.CaseID,
		Status:      rec.Status,
		CloseReason: rec.CloseReason,
		ClosedAt:    rec.ClosedAt,
		UpdatedAt:   rec.UpdatedAt,
	}
}

func (s *Server) respond(c *gin.Context, v any, err error) {
	if err != nil {
		writeError(c, s.log, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

func (s *Server) handleStatus(c *gin.Context) {
	view, err := s.engine.GetStatus(c.Request.Context(), c.Param("caseId"), principal(c))
	s.respond(c, view, err)
}

func (s *Server) handleSubmit(c *gin.Context) {
	var req submitRequest
	if err := bindJSON(c, &req); err != nil {
		writeError(c, s.log, err)
		return
	}
	if req.Step == nil {
		writeError(c, s.log, trust.NewError(trust.CodeInvalidInput, "step is required"))
		return
	}
	view, err := s.engine.Submit(c.Request.Context(), c.Param("caseId"), *req.Step, req.Data, principal(c))
	s.respond(c, view, err)
}

func (s *Server) handleConfirm(c *gin.Context) {
	var req confirmRequest
	if err := bindJSON(c, &req); err != nil {
		writeError(c, s.log, err)
		return
	}
	if req.Step == nil {
		writeError(c, s.log, trust.NewError(trust.CodeInvalidInput, "step is required"))
		return
	}
	view, err := s.engine.Confirm(c.Request.Context(), c.Param("caseId"), *req.Step, req.Note, principal(c))
	s.respond(c, view, err)
}

func (s *Server) handleChecklist(c *gin.Context) {
	var req checklistRequest
	if err := bindJSON(c, &req); err != nil {
		writeError(c, s.log, err)
		return
	}
	if req.Index == nil || req.Checked == nil {
		writeError(c, s.log, trust.NewError(trust.CodeInvalidInput, "index and checked are required"))
		return
	}
	view, err := s.engine.ToggleChecklistItem(c.Request.Context(), c.Param("caseId"), *req.Index, *req.Checked, principal(c))
	s.respond(c, view, err)
}

func (s *Server) handlePayment(c *gin.Context) {
	view, err := s.engine.PayStep(c.Request.Context(), c.Param("caseId"), principal(c))
	s.respond(c, view, err)
}

func (s *Server) handleSupplement(c *gin.Context) {
	var req supplementRequest
	if err := bindJSON(c, &req); err != nil {
		writeError(c, s.log, err)
		return
	}
	view, err := s.engine.AddSupplement(c.Request.Context(), c.Param("caseId"), req.Content, principal(c))
	s.respond(c, view, err)
}

func (s *Server) handleReset(c *gin.Context) {
	view, err := s.engine.Reset(c.Request.Context(), c.Param("caseId"), principal(c))
	s.respond(c, view, err)
}

func (s *Server) handleWake(c *gin.Context) {
	rec, err := s.lifecycle.Wake(c.Request.Context(), c.Param("caseId"), principal(c))
	if err != nil {
		writeError(c, s.log, err)
		return
	}
	c.JSON(http.StatusOK, lifecycleViewOf(rec))
}

func (s *Server) handleClose(c *gin.Context) {
	var req closeRequest
	if err := bindJSON(c, &req); err != nil {
		writeError(c, s.log, err)
		return
	}
	rec, err := s.lifecycle.Close(c.Request.Context(), c.Param("caseId"), trust.CloseReason(req.Reason), principal(c))
	if err != nil {
		writeError(c, s.log, err)
		return
	}
	c.JSON(http.StatusOK, lifecycleViewOf(rec))
}

// handleUpgrade redeems the token and swaps the caller's credential for a
// session scoped to the claimed case.
func (s *Server) handleUpgrade(c *gin.Context) {
	var req upgradeRequest
	if err := bindJSON(c, &req); err != nil {
		writeError(c, s.log, err)
		return
	}
	p := principal(c)
	res, err := s.upgrade.Upgrade(c.Request.Context(), req.Token, p)
	if err != nil {
		writeError(c, s.log, err)
		return
	}

	signer := s.auth.Signer()
	session, err := signer.Issue(trust.Principal{Role: trust.RoleBuyer, CaseID: res.CaseID, Subject: p.Subject})
	if err != nil {
		writeError(c, s.log, trust.Internal(err))
		return
	}
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(auth.SessionCookie, session, int(signer.TTL().Seconds()), "/", s.opts.CookieDomain, s.opts.CookieSecure, true)
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleNotifyTarget(c *gin.Context) {
	target, err := s.resolver.Resolve(c.Request.Context(), c.Param("caseId"))
	s.respond(c, target, err)
}
