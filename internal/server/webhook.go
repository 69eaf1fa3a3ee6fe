package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	obsmetrics "github.com/smallbiznis/billsync/internal/observability/metrics"
	billingdomain "github.com/smallbiznis/billsync/internal/providers/billing/domain"
	webhookdomain "github.com/smallbiznis/billsync/internal/webhook/domain"
	"go.uber.org/zap"
)

// headerWebhookVerified is stamped by the trusted edge proxy after it checks
// the provider signature. The application never sees raw signatures.
const headerWebhookVerified = "X-Webhook-Verified"

func (s *Server) HandleBillingWebhook(c *gin.Context) {
	var req webhookdomain.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	// Verified comes from the edge marker only, never from the body.
	req.Verified = c.GetHeader(headerWebhookVerified) == "true"

	res, err := s.webhookSvc.Dispatch(c.Request.Context(), req)
	obsmetrics.Sync().IncWebhookEvent(req.EventType, webhookOutcomeLabel(res, err))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": res})
}

func webhookOutcomeLabel(res webhookdomain.Result, err error) string {
	if err == nil {
		return string(res.Outcome)
	}
	switch {
	case errors.Is(err, webhookdomain.ErrUnverified):
		return "unverified"
	case errors.Is(err, webhookdomain.ErrTamper):
		return "tamper"
	case errors.Is(err, webhookdomain.ErrValidation):
		return "validation_error"
	case billingdomain.IsTransient(err):
		return "transient_error"
	default:
		return "error"
	}
}

// WebhookRateLimit throttles provider deliveries with the shared redis token
// bucket. A redis outage must not drop deliveries, so limiter failures let
// the request through.
func (s *Server) WebhookRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.limiter == nil {
			c.Next()
			return
		}

		res, err := s.limiter.Allow(
			c.Request.Context(),
			"webhook:"+webhookdomain.Provider,
			s.cfg.RateLimit.WebhookRate,
			s.cfg.RateLimit.WebhookBurst,
		)
		if err != nil {
			s.log.Warn("webhook rate limit check failed", zap.Error(err))
			c.Next()
			return
		}
		if !res.Allowed {
			retryAfter := int64(res.RetryAfter.Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			c.Header("Retry-After", strconv.FormatInt(retryAfter, 10))
			AbortWithError(c, ErrRateLimited)
			return
		}
		c.Next()
	}
}
