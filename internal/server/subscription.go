package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	subscriptiondomain "github.com/smallbiznis/billsync/internal/subscription/domain"
	"github.com/smallbiznis/billsync/pkg/db/pagination"
)

func (s *Server) GetEntitlement(c *gin.Context) {
	userID, err := parseAccountID(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	ent, err := s.subscriptionSvc.GetEntitlement(c.Request.Context(), userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": ent})
}

func (s *Server) ActivateTrial(c *gin.Context) {
	userID, err := parseAccountID(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	sub, err := s.subscriptionSvc.ActivateTrial(c.Request.Context(), userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": sub})
}

func (s *Server) GrantReferralBonus(c *gin.Context) {
	userID, err := parseAccountID(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	sub, err := s.subscriptionSvc.GrantReferralBonus(c.Request.Context(), userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": sub})
}

func (s *Server) SyncAccountSubscription(c *gin.Context) {
	userID, err := parseAccountID(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	sub, err := s.scheduler.SyncSubscription(c.Request.Context(), userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if sub == nil {
		AbortWithError(c, subscriptiondomain.ErrSubscriptionNotFound)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": sub})
}

func (s *Server) CancelSubscription(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	subscriptionID, err := snowflake.ParseString(id)
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_id", "invalid id"))
		return
	}

	var req struct {
		Immediately bool `json:"immediately"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
	}

	if err := s.subscriptionSvc.CancelOnProvider(c.Request.Context(), subscriptionID, req.Immediately); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{"cancelled": true, "immediately": req.Immediately}})
}

func (s *Server) IssuePaymentToken(c *gin.Context) {
	invoiceID := strings.TrimSpace(c.Param("id"))
	if invoiceID == "" {
		AbortWithError(c, newValidationError("id", "invalid_invoice_id", "invalid invoice id"))
		return
	}

	var req struct {
		ExpiresIn string `json:"expires_in"`
	}
	expiry := 24 * time.Hour
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
		if req.ExpiresIn != "" {
			parsed, err := time.ParseDuration(req.ExpiresIn)
			if err != nil || parsed <= 0 {
				AbortWithError(c, newValidationError("expires_in", "invalid_expires_in", "invalid expires_in"))
				return
			}
			expiry = parsed
		}
	}

	token, err := s.tokenSvc.IssueToken(c.Request.Context(), invoiceID, expiry)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{"token": token, "invoice_id": invoiceID}})
}

func (s *Server) RunSweep(c *gin.Context) {
	summary := s.scheduler.RunOnce(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"data": summary})
}

func (s *Server) SyncStats(c *gin.Context) {
	stats, err := s.scheduler.Stats(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": stats})
}

func (s *Server) ListSubscriptions(c *gin.Context) {
	var query struct {
		pagination.Pagination
		Status string `form:"status"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if query.PageSize <= 0 || query.PageSize > 250 {
		query.PageSize = 50
	}

	var afterID snowflake.ID
	if query.PageToken != "" {
		cursor, err := pagination.DecodeCursor(query.PageToken)
		if err != nil {
			AbortWithError(c, newValidationError("page_token", "invalid_page_token", "invalid page_token"))
			return
		}
		parsed, err := snowflake.ParseString(cursor.ID)
		if err != nil {
			AbortWithError(c, newValidationError("page_token", "invalid_page_token", "invalid page_token"))
			return
		}
		afterID = parsed
	}

	subs, err := s.subscriptionSvc.ListSubscriptions(
		c.Request.Context(),
		subscriptiondomain.SubscriptionStatus(strings.TrimSpace(query.Status)),
		afterID,
		query.PageSize+1,
	)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	subs, pageInfo := pagination.BuildCursorPageInfo(subs, query.PageSize, func(sub *subscriptiondomain.Subscription) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{ID: sub.ID.String()})
		if err != nil {
			return ""
		}
		return token
	})

	c.JSON(http.StatusOK, gin.H{"data": subs, "page_info": pageInfo})
}

func parseAccountID(c *gin.Context) (snowflake.ID, error) {
	raw := strings.TrimSpace(c.Param("id"))
	parsed, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || parsed <= 0 {
		return 0, newValidationError("id", "invalid_account_id", "invalid account id")
	}
	return snowflake.ID(parsed), nil
}
