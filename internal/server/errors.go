package server

import (
	"errors"
	"net/http"

	decisiondomain "github.com/User159951/intellipm/internal/decision/domain"
	"github.com/User159951/intellipm/internal/events"
	quotadomain "github.com/User159951/intellipm/internal/quota/domain"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

type errorPayload struct {
	Type    string         `json:"type"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrInvalidRequest = errors.New("invalid_request")
	ErrNotFound       = errors.New("not_found")
)

// ErrorHandlingMiddleware converts errors attached to the gin context into a
// JSON error response with a stable shape.
func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func mapError(err error) (int, errorPayload) {
	var disabledErr *quotadomain.AIDisabledError
	if errors.As(err, &disabledErr) {
		details := map[string]any{"global": disabledErr.Global}
		if !disabledErr.Global {
			details["org_id"] = disabledErr.OrgID.String()
		}
		return http.StatusForbidden, errorPayload{
			Type:    "ai_disabled",
			Message: disabledErr.Error(),
			Details: details,
		}
	}

	var quotaErr *quotadomain.QuotaExceededError
	if errors.As(err, &quotaErr) {
		return http.StatusTooManyRequests, errorPayload{
			Type:    "quota_exceeded",
			Message: quotaErr.Error(),
			Details: map[string]any{
				"quota_type":    string(quotaErr.QuotaType),
				"current_usage": quotaErr.CurrentUsage,
				"limit":         quotaErr.Limit,
				"tier_name":     quotaErr.TierName,
			},
		}
	}

	var transitionErr *decisiondomain.InvalidTransitionError
	if errors.As(err, &transitionErr) {
		return http.StatusConflict, errorPayload{
			Type:    "invalid_transition",
			Message: transitionErr.Error(),
			Details: map[string]any{
				"decision_id":    transitionErr.DecisionID.String(),
				"current_status": string(transitionErr.From),
			},
		}
	}

	var notApprovedErr *decisiondomain.DecisionNotApprovedError
	if errors.As(err, &notApprovedErr) {
		return http.StatusConflict, errorPayload{
			Type:    "decision_not_approved",
			Message: notApprovedErr.Error(),
			Details: map[string]any{
				"decision_id":    notApprovedErr.DecisionID.String(),
				"current_status": string(notApprovedErr.Status),
			},
		}
	}

	switch {
	case errors.Is(err, quotadomain.ErrTierNotFound),
		errors.Is(err, quotadomain.ErrOverrideNotFound),
		errors.Is(err, decisiondomain.ErrDecisionNotFound),
		errors.Is(err, events.ErrDeadLetterNotFound),
		errors.Is(err, gorm.ErrRecordNotFound),
		errors.Is(err, ErrNotFound):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: err.Error(),
		}

	case errors.Is(err, quotadomain.ErrTierInUse):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: err.Error(),
		}

	case errors.Is(err, quotadomain.ErrInvalidOrganization),
		errors.Is(err, quotadomain.ErrInvalidUser),
		errors.Is(err, quotadomain.ErrInvalidQuotaType),
		errors.Is(err, quotadomain.ErrInvalidAmount),
		errors.Is(err, quotadomain.ErrInvalidTier),
		errors.Is(err, quotadomain.ErrQuotaNotConfigured),
		errors.Is(err, decisiondomain.ErrMissingApprover),
		errors.Is(err, decisiondomain.ErrMissingReason),
		errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest, errorPayload{
			Type:    "invalid_request",
			Message: err.Error(),
		}
	}

	return http.StatusInternalServerError, errorPayload{
		Type:    "internal_error",
		Message: "internal server error",
	}
}
