package middleware

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/pavitra93/go-trade-spend-platform/shared/models"
	"github.com/pavitra93/go-trade-spend-platform/shared/utils"
)

// Rejection codes returned in the "code" field of tenant error bodies
const (
	CodeTenantRequired        = "TENANT_REQUIRED"
	CodeTenantNotFound        = "TENANT_NOT_FOUND"
	CodeTenantInactive        = "TENANT_INACTIVE"
	CodeTenantSuspended       = "TENANT_SUSPENDED"
	CodeTrialExpired          = "TRIAL_EXPIRED"
	CodeDirectoryUnavailable  = "TENANT_DIRECTORY_UNAVAILABLE"
	CodeFeatureNotAvailable   = "FEATURE_NOT_AVAILABLE"
	CodeUsageLimitExceeded    = "USAGE_LIMIT_EXCEEDED"
	CodeTenantMismatch        = "TENANT_MISMATCH"
	CodeTenantContextRequired = "TENANT_CONTEXT_REQUIRED"
	CodeMembershipRequired    = "TENANT_MEMBERSHIP_REQUIRED"
)

// TenantError is a terminal rejection produced by tenant resolution, the
// feature/usage gate or the body tenant guard
type TenantError struct {
	Status  int
	Code    string
	Message string
	Details map[string]interface{}
}

func (e *TenantError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Respond aborts the request with the error's JSON body
func (e *TenantError) Respond(c *gin.Context) {
	utils.TenantErrorResponse(c, e.Status, e.Code, e.Message, e.Details)
}

func errTenantRequired() *TenantError {
	return &TenantError{
		Status:  http.StatusBadRequest,
		Code:    CodeTenantRequired,
		Message: "Tenant identification required. Provide an X-Tenant-Id header, a tenant subdomain, a token tenant claim or a tenantId/tenantSlug query parameter.",
	}
}

func errTenantNotFound(identifier string) *TenantError {
	return &TenantError{
		Status:  http.StatusNotFound,
		Code:    CodeTenantNotFound,
		Message: fmt.Sprintf("Tenant %q not found", identifier),
	}
}

func errTenantInactive(t *models.Tenant) *TenantError {
	return &TenantError{
		Status:  http.StatusForbidden,
		Code:    CodeTenantInactive,
		Message: "Tenant account is inactive. Contact support to restore access.",
		Details: map[string]interface{}{"status": t.Status},
	}
}

func errTenantSuspended(t *models.Tenant) *TenantError {
	details := map[string]interface{}{"status": t.Status}
	if t.SuspendedReason != "" {
		details["reason"] = t.SuspendedReason
	}
	return &TenantError{
		Status:  http.StatusForbidden,
		Code:    CodeTenantSuspended,
		Message: "Tenant account is suspended. Contact support.",
		Details: details,
	}
}

func errTrialExpired(t *models.Tenant) *TenantError {
	return &TenantError{
		Status:  http.StatusPaymentRequired,
		Code:    CodeTrialExpired,
		Message: "Trial period has ended. Upgrade your plan to continue.",
		Details: map[string]interface{}{"trialEndDate": t.TrialEndsAt.UTC().Format(time.RFC3339)},
	}
}

func errDirectoryUnavailable() *TenantError {
	return &TenantError{
		Status:  http.StatusServiceUnavailable,
		Code:    CodeDirectoryUnavailable,
		Message: "Tenant directory is temporarily unavailable. Retry later.",
	}
}

func errMembershipRequired() *TenantError {
	return &TenantError{
		Status:  http.StatusForbidden,
		Code:    CodeMembershipRequired,
		Message: "User is not a member of any tenant",
	}
}

func errTenantContextRequired() *TenantError {
	return &TenantError{
		Status:  http.StatusBadRequest,
		Code:    CodeTenantContextRequired,
		Message: "This route requires a resolved tenant",
	}
}
