package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"practice-dialer/internal/audit"
	"practice-dialer/internal/auth"
	"practice-dialer/internal/calls"
	"practice-dialer/internal/credits"
	"practice-dialer/internal/pricing"
	"practice-dialer/internal/rbac"
	"practice-dialer/internal/reporting"
	"practice-dialer/internal/scheduler"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Auth      *auth.Manager
	Credits   *credits.Service
	Pricing   *pricing.Service
	Scheduler *scheduler.Scheduler
	Calls     calls.Repository
	Audit     *audit.Service
	Reporting *reporting.Service

	Now func() time.Time
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func (h Handlers) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

// bindJSON decodes the body and runs the validate tags.
func bindJSON(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return false
	}
	if err := validate.Struct(dst); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "validation failed", "details": err.Error()})
		return false
	}
	return true
}

// --- Auth ---

type loginRequest struct {
	UserID string `json:"user_id" validate:"required"`
	Tier   string `json:"tier" validate:"omitempty,oneof=none starter standard premium"`
	Role   string `json:"role" validate:"required,oneof=user admin super_admin support"`
}

// Login issues a JWT token pair.
//
// NOTE: development only. Real deployments get tokens from the identity provider.
func (h Handlers) Login(c *gin.Context) {
	if h.Auth == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth not configured"})
		return
	}
	var req loginRequest
	if !bindJSON(c, &req) {
		return
	}
	pair, err := h.Auth.IssuePair(h.now(), req.UserID, req.Tier, req.Role)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": pair.AccessToken, "refresh_token": pair.RefreshToken})
}

// --- Credits ---

// EnsureAccount creates the caller's account on first use and applies a due
// monthly refill. Admins without a tier pass through untouched.
func (h Handlers) EnsureAccount() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		userID, err := auth.UserID(ctx)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "user_id required"})
			return
		}
		tier, err := pricing.ParseTier(auth.Tier(ctx))
		if err != nil {
			writeError(c, err)
			return
		}
		role, _ := auth.Role(ctx)
		if tier == pricing.TierNone && rbac.IsAdmin(role) {
			c.Next()
			return
		}
		seconds, err := h.Pricing.TierSeconds(ctx, tier)
		if err != nil {
			writeError(c, err)
			return
		}
		if _, err := h.Credits.GetOrInitAccount(ctx, userID, seconds); err != nil {
			writeError(c, err)
			return
		}
		c.Next()
	}
}

func (h Handlers) GetCredits(c *gin.Context) {
	userID, _ := auth.UserID(c.Request.Context())
	bal, err := h.Credits.GetBalance(c.Request.Context(), userID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, bal)
}

// GetUsage summarises calls and credit movements. from/to are RFC 3339 and
// default to the last 30 days.
func (h Handlers) GetUsage(c *gin.Context) {
	userID, _ := auth.UserID(c.Request.Context())
	to := h.now().UTC()
	from := to.AddDate(0, 0, -30)
	var err error
	if v := c.Query("from"); v != "" {
		if from, err = time.Parse(time.RFC3339, v); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "from must be RFC 3339"})
			return
		}
	}
	if v := c.Query("to"); v != "" {
		if to, err = time.Parse(time.RFC3339, v); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "to must be RFC 3339"})
			return
		}
	}
	out, err := h.Reporting.Usage(c.Request.Context(), reporting.UsageRequest{
		UserID: userID,
		Range:  reporting.TimeRange{From: from, To: to},
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// --- Calls ---

func (h Handlers) ListCalls(c *gin.Context) {
	userID, _ := auth.UserID(c.Request.Context())
	limit := 50
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "limit must be 1..500"})
			return
		}
		limit = n
	}
	var statuses []calls.Status
	if v := c.Query("status"); v != "" {
		for _, s := range strings.Split(v, ",") {
			statuses = append(statuses, calls.Status(strings.TrimSpace(s)))
		}
	}
	rows, err := h.Calls.ListByUser(c.Request.Context(), userID, limit, statuses...)
	if err != nil {
		writeError(c, err)
		return
	}
	if rows == nil {
		rows = []calls.Call{}
	}
	c.JSON(http.StatusOK, gin.H{"calls": rows})
}

func (h Handlers) Preflight(c *gin.Context) {
	userID, _ := auth.UserID(c.Request.Context())
	eID := strings.TrimSpace(c.Query("e_id"))
	if eID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "e_id required"})
		return
	}
	if err := h.Scheduler.CanScheduleCall(c.Request.Context(), userID, eID); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"can_schedule": true})
}

type scheduleCallRequest struct {
	EID           string `json:"e_id" validate:"required"`
	PatientName   string `json:"patient_name" validate:"required"`
	Insurance     string `json:"insurance"`
	TherapyType   string `json:"therapy_type"`
	CallbackPhone string `json:"callback_phone" validate:"omitempty,e164"`
	Urgency       string `json:"urgency" validate:"omitempty,oneof=low normal high"`
	Pronoun       string `json:"pronoun"`
	PracticeName  string `json:"practice_name"`
}

func (h Handlers) ScheduleCall(c *gin.Context) {
	userID, _ := auth.UserID(c.Request.Context())
	var req scheduleCallRequest
	if !bindJSON(c, &req) {
		return
	}
	call, err := h.Scheduler.ScheduleCall(c.Request.Context(), scheduler.ScheduleRequest{
		UserID: userID,
		EID:    strings.TrimSpace(req.EID),
		Metadata: calls.DispatchMetadata{
			PatientName:   req.PatientName,
			Insurance:     req.Insurance,
			TherapyType:   req.TherapyType,
			CallbackPhone: req.CallbackPhone,
			Urgency:       req.Urgency,
			Pronoun:       req.Pronoun,
			PracticeName:  req.PracticeName,
		},
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, call)
}

func (h Handlers) CancelCall(c *gin.Context) {
	userID, _ := auth.UserID(c.Request.Context())
	call, err := h.Scheduler.CancelCall(c.Request.Context(), userID, c.Param("call_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, call)
}

// --- Admin ---

type adminCreditRequest struct {
	UserID  string `json:"user_id" validate:"required"`
	Seconds int    `json:"seconds" validate:"required,gt=0"`
	Reason  string `json:"reason" validate:"required"`
}

// AdminAward grants seconds. RBAC: admin or super_admin.
func (h Handlers) AdminAward(c *gin.Context) {
	actor, _ := auth.UserID(c.Request.Context())
	var req adminCreditRequest
	if !bindJSON(c, &req) {
		return
	}
	acct, err := h.Credits.AdminAward(c.Request.Context(), req.UserID, req.Seconds, actor, req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, acct)
}

func (h Handlers) AdminDeduct(c *gin.Context) {
	actor, _ := auth.UserID(c.Request.Context())
	var req adminCreditRequest
	if !bindJSON(c, &req) {
		return
	}
	acct, err := h.Credits.AdminDeduct(c.Request.Context(), req.UserID, req.Seconds, actor, req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, acct)
}

type adminRefundRequest struct {
	UserID  string `json:"user_id" validate:"required"`
	Seconds int    `json:"seconds" validate:"required,gt=0"`
	CallID  string `json:"call_id" validate:"required"`
}

// AdminRefund returns seconds charged for a call. The ledger caps the total
// refunded per call at what the call was charged.
func (h Handlers) AdminRefund(c *gin.Context) {
	var req adminRefundRequest
	if !bindJSON(c, &req) {
		return
	}
	call, err := h.Calls.Get(c.Request.Context(), req.CallID)
	if err != nil {
		writeError(c, err)
		return
	}
	if call.UserID != req.UserID {
		writeError(c, calls.ErrNotFound)
		return
	}
	acct, err := h.Credits.Refund(c.Request.Context(), req.UserID, req.Seconds, req.CallID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, acct)
}

// Reconcile is readable by support as well.
func (h Handlers) Reconcile(c *gin.Context) {
	rec, err := h.Credits.Reconcile(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h Handlers) AuditHistory(c *gin.Context) {
	entries, err := h.Audit.History(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

type blockPracticeRequest struct {
	EID    string `json:"e_id" validate:"required"`
	Reason string `json:"reason" validate:"required"`
}

// BlockPractice records a practice's opt-out; no new calls will be scheduled to it.
func (h Handlers) BlockPractice(c *gin.Context) {
	var req blockPracticeRequest
	if !bindJSON(c, &req) {
		return
	}
	if err := h.Calls.Block(c.Request.Context(), strings.TrimSpace(req.EID), req.Reason, h.now().UTC()); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"e_id": req.EID, "blocked": true})
}

// Convenience middleware bundles.

func RequireUserAndAnyRole(roles ...string) []gin.HandlerFunc {
	return []gin.HandlerFunc{rbac.RequireUser(), rbac.RequireAnyRole(roles...)}
}
