package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/xraph/tally"
	"github.com/xraph/tally/billing"
	"github.com/xraph/tally/quota"
	"github.com/xraph/tally/session"
	"github.com/xraph/tally/usage"
)

const maxBodyBytes = int64(65536)

// ──────────────────────────────────────────────────
// Sessions
// ──────────────────────────────────────────────────

type createSessionRequest struct {
	IDToken string `json:"idToken"`
}

func (s *Server) handleCreateSession(c *gin.Context) {
	p := printerFor(c.Request)

	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.IDToken) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": p.Sprintf(msgMissingToken)})
		return
	}

	sess, cookie, err := s.sessions.Exchange(c.Request.Context(), req.IDToken)
	if err != nil {
		s.logger.Warn("session exchange failed", "error", err)
		c.JSON(http.StatusUnauthorized, gin.H{"status": "error", "message": p.Sprintf(msgAuthFailed)})
		return
	}

	// Fire-and-forget: the record write never delays or fails sign-in.
	s.queue.Upsert(c.Request.Context(), usage.Path(sess.SubjectID), usage.SignInFields(s.now().UTC()))

	http.SetCookie(c.Writer, cookie)
	c.JSON(http.StatusOK, gin.H{"status": "success"})
}

func (s *Server) handleDeleteSession(c *gin.Context) {
	value, _ := session.Read(c.Request)
	cookie, err := s.sessions.Destroy(c.Request.Context(), value)
	http.SetCookie(c.Writer, cookie)
	if err != nil {
		p := printerFor(c.Request)
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "message": p.Sprintf(msgSignOutFailed)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success"})
}

// ──────────────────────────────────────────────────
// Gated actions
// ──────────────────────────────────────────────────

type actionResponse struct {
	Message   string            `json:"message"`
	Data      any               `json:"data,omitempty"`
	Errors    map[string]string `json:"errors,omitempty"`
	Remaining int64             `json:"remaining"`
}

func (s *Server) handleGated(feature string, gen Generator) gin.HandlerFunc {
	return func(c *gin.Context) {
		p := printerFor(c.Request)

		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
		if err != nil || (len(body) > 0 && !json.Valid(body)) {
			c.JSON(http.StatusBadRequest, actionResponse{Message: p.Sprintf(msgInvalidInput)})
			return
		}
		input := json.RawMessage(body)

		value, _ := session.Read(c.Request)
		res := s.gate.Run(c.Request.Context(), value, feature, func(ctx context.Context, claims *session.Claims) (any, error) {
			if s.validator != nil {
				if err := s.validator.Validate(feature, input); err != nil {
					return nil, err
				}
			}
			return gen.Generate(ctx, claims.Subject, input)
		})

		switch res.Outcome {
		case quota.OutcomeSuccess:
			c.JSON(http.StatusOK, actionResponse{Message: p.Sprintf(msgCompleted), Data: res.Data, Remaining: res.Remaining})
		case quota.OutcomeUnauthorized:
			c.JSON(http.StatusUnauthorized, actionResponse{Message: p.Sprintf(msgSignInAgain)})
		case quota.OutcomeQuotaExceeded:
			c.JSON(http.StatusTooManyRequests, actionResponse{Message: p.Sprintf(msgQuotaExceeded, featureLabel(p, feature))})
		case quota.OutcomeWorkFailed:
			if errors.Is(res.Err, tally.ErrValidationFailed) {
				c.JSON(http.StatusBadRequest, actionResponse{
					Message:   p.Sprintf(msgInvalidFields),
					Errors:    fieldErrors(res.Err),
					Remaining: res.Remaining,
				})
				return
			}
			s.logger.Error("gated work failed", "feature", feature, "subject", res.Subject, "error", res.Err)
			c.JSON(http.StatusBadGateway, actionResponse{Message: p.Sprintf(msgWorkFailed), Remaining: res.Remaining})
		default:
			c.JSON(http.StatusServiceUnavailable, actionResponse{Message: p.Sprintf(msgUnavailable)})
		}
	}
}

// fieldErrors collects the ValidationErrors in err by field.
func fieldErrors(err error) map[string]string {
	out := make(map[string]string)
	var collect func(error)
	collect = func(err error) {
		var multi tally.MultiError
		if errors.As(err, &multi) {
			for _, e := range multi.Errors {
				collect(e)
			}
			return
		}
		var ve tally.ValidationError
		if errors.As(err, &ve) {
			out[ve.Field] = ve.Message
		}
	}
	collect(err)
	return out
}

// ──────────────────────────────────────────────────
// Account
// ──────────────────────────────────────────────────

func (s *Server) handleMe(c *gin.Context) {
	claims, _ := session.ClaimsFromContext(c.Request.Context())

	rec, statuses, err := s.gate.Overview(c.Request.Context(), claims.Subject)
	if err != nil {
		s.logger.Error("usage read failed", "subject", claims.Subject, "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"message": printerFor(c.Request).Sprintf(msgUnavailable)})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"subject":   claims.Subject,
		"email":     claims.Email,
		"plan":      rec.Plan,
		"ownerName": rec.OwnerName,
		"dogName":   rec.DogName,
		"features":  statuses,
	})
}

type profileRequest struct {
	OwnerName string `json:"ownerName"`
	DogName   string `json:"dogName"`
}

func (s *Server) handleProfile(c *gin.Context) {
	p := printerFor(c.Request)
	claims, _ := session.ClaimsFromContext(c.Request.Context())

	var req profileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": p.Sprintf(msgInvalidInput)})
		return
	}

	var verr tally.MultiError
	req.OwnerName = strings.TrimSpace(req.OwnerName)
	req.DogName = strings.TrimSpace(req.DogName)
	if req.OwnerName == "" {
		verr.Add(tally.ValidationError{Field: "ownerName", Message: "required"})
	}
	if req.DogName == "" {
		verr.Add(tally.ValidationError{Field: "dogName", Message: "required"})
	}
	if verr.HasErrors() {
		c.JSON(http.StatusBadRequest, gin.H{"message": p.Sprintf(msgInvalidFields), "errors": fieldErrors(verr)})
		return
	}

	s.queue.Update(c.Request.Context(), usage.Path(claims.Subject), usage.ProfileFields(req.OwnerName, req.DogName, s.now().UTC()))
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

func (s *Server) handleCheckout(c *gin.Context) {
	p := printerFor(c.Request)
	claims, _ := session.ClaimsFromContext(c.Request.Context())

	if s.checkout == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"message": p.Sprintf(msgNoBilling)})
		return
	}

	url, err := s.checkout.Create(c.Request.Context(), claims.Subject, claims.Email)
	if err != nil {
		s.logger.Error("checkout failed", "subject", claims.Subject, "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"message": p.Sprintf(msgCheckoutError)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": url})
}

// ──────────────────────────────────────────────────
// Webhooks and health
// ──────────────────────────────────────────────────

func (s *Server) handleStripeWebhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	status, err := s.webhooks.Handle(c.Request.Context(), body, c.GetHeader(billing.SignatureHeader))
	if err != nil {
		c.JSON(status, gin.H{"error": http.StatusText(status)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true})
}

func (s *Server) handleHealth(c *gin.Context) {
	if s.health != nil {
		if err := s.health.Ping(c.Request.Context()); err != nil {
			s.logger.Warn("health check failed", "error", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
