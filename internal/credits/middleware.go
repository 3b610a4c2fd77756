package credits

import (
	"context"
	"errors"
	"net/http"

	"practice-dialer/internal/auth"
	"practice-dialer/internal/rbac"

	"github.com/gin-gonic/gin"
)

// BalanceService is the minimal ledger interface needed by middleware.
type BalanceService interface {
	GetBalance(ctx context.Context, userID string) (Balance, error)
}

// RequireAvailableSeconds rejects a request early when the caller's free
// balance (available minus what active calls hold) is below minSeconds.
// Reserve re-checks under the version lock; this only saves a directory
// lookup and a slot computation for users who are clearly out of credit.
//
// Admin override:
// - admin and super_admin bypass
func RequireAvailableSeconds(svc BalanceService, minSeconds int) gin.HandlerFunc {
	return func(c *gin.Context) {
		role, _ := auth.Role(c.Request.Context())
		if rbac.IsAdmin(role) {
			c.Next()
			return
		}

		userID, err := auth.UserID(c.Request.Context())
		if err != nil || userID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "user_id required"})
			return
		}

		bal, err := svc.GetBalance(c.Request.Context(), userID)
		if errors.Is(err, ErrNotFound) {
			c.AbortWithStatusJSON(http.StatusPaymentRequired, gin.H{"error": "no credit account", "reason": "no_credits"})
			return
		}
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "balance lookup failed"})
			return
		}
		if bal.Available-bal.Projected < minSeconds {
			// 402 Payment Required is semantically appropriate.
			c.AbortWithStatusJSON(http.StatusPaymentRequired, gin.H{
				"error":     "insufficient call seconds",
				"reason":    "no_credits",
				"available": bal.Available,
				"projected": bal.Projected,
			})
			return
		}

		c.Next()
	}
}
