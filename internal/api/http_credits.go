package api

import (
	"atelier/internal/credits"
	"atelier/internal/entity"
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// GetCredits handles GET /api/credits.
func (h *HTTPHandler) GetCredits(c *gin.Context) {
	user := CurrentUser(c)
	if user == nil {
		Unauthorized(c, "authentication required")
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	row, err := h.ledger.Snapshot(ctx, user.ID)
	if err != nil {
		logrus.WithError(err).WithField("user_id", user.ID).Error("failed to load credits")
		InternalError(c, "failed to load credits")
		return
	}
	c.JSON(http.StatusOK, entity.CreditsResponse{
		Balance:          row.Balance,
		LastDailyClaimAt: row.LastDailyClaimAt,
	})
}

// ClaimDailyCredits handles POST /api/credits/claim: grants the daily
// allowance once per rolling 24 hours.
func (h *HTTPHandler) ClaimDailyCredits(c *gin.Context) {
	user := CurrentUser(c)
	if user == nil {
		Unauthorized(c, "authentication required")
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	row, err := h.ledger.ClaimDaily(ctx, user.ID, h.cfg.DailyCredits)
	if err != nil {
		if errors.Is(err, credits.ErrDailyAlreadyClaimed) {
			BadRequest(c, ErrCodeDailyAlreadyClaimed, "daily credits already claimed")
			return
		}
		logrus.WithError(err).WithField("user_id", user.ID).Error("failed to claim daily credits")
		InternalError(c, "failed to claim daily credits")
		return
	}
	c.JSON(http.StatusOK, entity.CreditsResponse{
		Balance:          row.Balance,
		LastDailyClaimAt: row.LastDailyClaimAt,
	})
}
