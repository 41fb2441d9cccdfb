package httpapi

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/xraph/tally/session"
)

const headerRequestID = "X-Request-Id"

// requestID propagates or assigns a request identifier.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		reqID := strings.TrimSpace(c.GetHeader(headerRequestID))
		if reqID == "" {
			reqID = uuid.New().String()
		}
		c.Set("request_id", reqID)
		c.Writer.Header().Set(headerRequestID, reqID)
		c.Next()
	}
}

// requestLogger logs one line per request, at a level chosen by status.
func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", c.GetString("request_id"),
		}
		if claims, ok := session.ClaimsFromContext(c.Request.Context()); ok {
			attrs = append(attrs, "subject", claims.Subject)
		}

		switch {
		case status >= 500:
			logger.Error("http request", attrs...)
		case status >= 400:
			logger.Warn("http request", attrs...)
		default:
			logger.Debug("http request", attrs...)
		}
	}
}

// requireSession rejects requests without a valid, unrevoked session and
// puts the session's claims on the request context.
func (s *Server) requireSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		value, _ := session.Read(c.Request)
		claims, err := s.sessions.Verify(c.Request.Context(), value, true)
		if err != nil {
			p := printerFor(c.Request)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": p.Sprintf(msgSignInAgain)})
			return
		}
		c.Request = c.Request.WithContext(session.WithClaims(c.Request.Context(), claims))
		c.Next()
	}
}
