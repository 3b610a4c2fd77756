package httpapi

import (
	"errors"
	"net/http"

	"practice-dialer/internal/calls"
	"practice-dialer/internal/credits"
	"practice-dialer/internal/directory"
	"practice-dialer/internal/dispatch"
	"practice-dialer/internal/pricing"
	"practice-dialer/internal/reporting"
	"practice-dialer/internal/scheduler"
	"practice-dialer/internal/telephony"
	"practice-dialer/pkg/logger"

	"github.com/gin-gonic/gin"
)

type apiError struct {
	status int
	reason string
}

// errorTable is checked in order; the first match wins.
var errorTable = []struct {
	err error
	apiError
}{
	{credits.ErrNoCredits, apiError{http.StatusPaymentRequired, "no_credits"}},
	{credits.ErrContention, apiError{http.StatusConflict, "contention"}},
	{credits.ErrTierRequired, apiError{http.StatusForbidden, "tier_required"}},
	{pricing.ErrUnknownTier, apiError{http.StatusForbidden, "tier_required"}},
	{scheduler.ErrPracticeBlocked, apiError{http.StatusConflict, "therapist_blocked"}},
	{scheduler.ErrCallAlreadyScheduled, apiError{http.StatusConflict, "call_already_scheduled"}},
	{scheduler.ErrNoSlotFound, apiError{http.StatusUnprocessableEntity, "no_slot_found"}},
	{scheduler.ErrMaxAttempts, apiError{http.StatusUnprocessableEntity, "max_attempts"}},
	{dispatch.ErrInvalidPhone, apiError{http.StatusUnprocessableEntity, "invalid_phone"}},
	{telephony.ErrProvider, apiError{http.StatusBadGateway, "provider_error"}},
	{directory.ErrNotFound, apiError{http.StatusNotFound, "practice_not_found"}},
	{directory.ErrUnavailable, apiError{http.StatusServiceUnavailable, "directory_unavailable"}},
	{calls.ErrNotFound, apiError{http.StatusNotFound, "call_not_found"}},
	{credits.ErrNotFound, apiError{http.StatusNotFound, "account_not_found"}},
	{calls.ErrInvalidTransition, apiError{http.StatusConflict, "invalid_transition"}},
	{credits.ErrCallNotActive, apiError{http.StatusConflict, "invalid_transition"}},
	{credits.ErrRefundExceeded, apiError{http.StatusConflict, "refund_exceeds_charge"}},
	{calls.ErrInvalidArgument, apiError{http.StatusBadRequest, "invalid_argument"}},
	{credits.ErrInvalidArgument, apiError{http.StatusBadRequest, "invalid_argument"}},
	{reporting.ErrInvalidRequest, apiError{http.StatusBadRequest, "invalid_argument"}},
}

func classify(err error) apiError {
	for _, e := range errorTable {
		if errors.Is(err, e.err) {
			return e.apiError
		}
	}
	return apiError{http.StatusInternalServerError, "internal"}
}

// writeError maps a domain error to its status and a stable reason code.
func writeError(c *gin.Context, err error) {
	ae := classify(err)
	body := gin.H{"error": ae.reason, "reason": ae.reason}

	var nc *credits.NoCreditsError
	if errors.As(err, &nc) {
		body["available"] = nc.Available
		body["projected"] = nc.Projected
	}
	var rl *credits.RefundLimitError
	if errors.As(err, &rl) {
		body["charged"] = rl.Charged
		body["refunded"] = rl.Refunded
	}
	if ae.status >= http.StatusInternalServerError {
		logger.FromGin(c).Error("request failed", "path", c.FullPath(), "err", err)
		body["error"] = http.StatusText(ae.status)
	}
	c.AbortWithStatusJSON(ae.status, body)
}
