package api

import (
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"trustcase-svc/internal/auth"
	"trustcase-svc/internal/trust"
)

const (
	ctxRequestID = "request_id"
	ctxPrincipal = "principal"

	requestIDHeader = "X-Request-ID"
	systemKeySource = "system-key"
)

func newRequestID() string { return "req_" + uuid.NewString() }

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := newRequestID()
		c.Set(ctxRequestID, id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

func accessLog(log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		log.Info("http request",
			"method", c.Request.Method,
			"route", route,
			"status", c.Writer.Status(),
			"latency", time.Since(start),
			"request_id", c.GetString(ctxRequestID),
		)
	}
}

// corsMiddleware echoes allowlisted origins and always allows credentials,
// since browsers send the session cookie.
func corsMiddleware(allowed []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && slices.Contains(allowed, origin) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
		}
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, X-System-Key")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

type authMode int

const (
	credentialOnly authMode = iota
	credentialOrSystemKey
	systemKeyOnly
)

// authenticate resolves the caller into a Principal stored on the context.
// A presented but wrong system key is rejected rather than ignored.
func (s *Server) authenticate(mode authMode) gin.HandlerFunc {
	return func(c *gin.Context) {
		var (
			p   trust.Principal
			err error
		)
		keyPresented := c.GetHeader(auth.SystemKeyHeader) != ""

		switch {
		case mode != credentialOnly && keyPresented:
			if !s.auth.HasSystemKey(c.Request) {
				err = trust.NewError(trust.CodeUnauthorized, "invalid system key")
				break
			}
			p = trust.SystemPrincipal(systemKeySource)
		case mode == systemKeyOnly:
			err = trust.NewError(trust.CodeUnauthorized, "system key required")
		default:
			p, err = s.auth.Principal(c.Request)
		}
		if err != nil {
			writeError(c, s.log, err)
			c.Abort()
			return
		}

		p.IP = c.ClientIP()
		p.UserAgent = c.Request.UserAgent()
		c.Set(ctxPrincipal, p)
		c.Next()
	}
}

func principal(c *gin.Context) trust.Principal {
	p, _ := c.Get(ctxPrincipal)
	pr, _ := p.(trust.Principal)
	return pr
}
