package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"

	"trustcase-svc/internal/trust"
)

var statusByCode = map[trust.Code]int{
	trust.CodeUnauthorized:        http.StatusUnauthorized,
	trust.CodeForbidden:           http.StatusForbidden,
	trust.CodeInvalidStep:         http.StatusBadRequest,
	trust.CodeLocked:              http.StatusConflict,
	trust.CodeAgentNotSubmitted:   http.StatusConflict,
	trust.CodeUnpaid:              http.StatusPaymentRequired,
	trust.CodeChecklistIncomplete: http.StatusConflict,
	trust.CodeExpired:             http.StatusGone,
	trust.CodeInvalidInput:        http.StatusBadRequest,
	trust.CodeAlreadyBound:        http.StatusConflict,
	trust.CodeNotFound:            http.StatusNotFound,
	trust.CodeInvalidState:        http.StatusConflict,
	trust.CodeConflict:            http.StatusConflict,
	trust.CodeInternal:            http.StatusInternalServerError,
}

// StatusFor maps an error code to its HTTP status.
func StatusFor(code trust.Code) int {
	if st, ok := statusByCode[code]; ok {
		return st
	}
	return http.StatusInternalServerError
}

type errorBody struct {
	Code    trust.Code `json:"code"`
	Message string     `json:"message"`
}

type errorEnvelope struct {
	RequestID string    `json:"request_id"`
	Error     errorBody `json:"error"`
}

// writeError renders err in the error envelope. Causes of internal errors are
// logged and never sent.
func writeError(c *gin.Context, log *slog.Logger, err error) {
	var te *trust.Error
	if !errors.As(err, &te) {
		te = trust.Internal(err)
	}
	status := StatusFor(te.Code)

	reqID := c.GetString(ctxRequestID)
	if reqID == "" {
		reqID = newRequestID()
	}
	if status >= http.StatusInternalServerError {
		log.Error("request failed", "request_id", reqID, "route", c.FullPath(), "error", err)
	} else {
		log.Debug("request rejected", "request_id", reqID, "code", te.Code, "message", te.Message)
	}

	c.JSON(status, errorEnvelope{
		RequestID: reqID,
		Error:     errorBody{Code: te.Code, Message: te.Message},
	})
}

func notFoundRoute(c *gin.Context) error {
	return trust.Errorf(trust.CodeNotFound, "no route for %s %s", c.Request.Method, c.Request.URL.Path)
}

func panicError(rec any) error {
	return trust.Internal(fmt.Errorf("panic: %v", rec))
}

// maxBodyBytes bounds every JSON request body.
const maxBodyBytes = 1 << 20

func init() {
	binding.EnableDecoderDisallowUnknownFields = true
}

// bindJSON decodes the request body into dst with gin's JSON binding,
// rejecting unknown fields and trailing data.
func bindJSON(c *gin.Context, dst any) error {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes)
	body, err := c.GetRawData()
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return trust.Errorf(trust.CodeInvalidInput, "request body exceeds %d bytes", maxBodyBytes)
		}
		return trust.NewError(trust.CodeInvalidInput, "could not read request body")
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return trust.NewError(trust.CodeInvalidInput, "request body is required")
	}
	if !json.Valid(body) {
		return trust.NewError(trust.CodeInvalidInput, "invalid request body: malformed JSON or trailing data")
	}
	if err := binding.JSON.BindBody(body, dst); err != nil {
		return trust.Errorf(trust.CodeInvalidInput, "invalid request body: %v", err)
	}
	return nil
}
