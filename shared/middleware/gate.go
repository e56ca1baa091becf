package middleware

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/pavitra93/go-trade-spend-platform/shared/models"
	"github.com/pavitra93/go-trade-spend-platform/shared/tenancy"
	"github.com/pavitra93/go-trade-spend-platform/shared/utils"
)

// UsageStore is the directory's atomic usage counter
type UsageStore interface {
	IncrementUsage(ctx context.Context, id uuid.UUID, resource models.UsageResource, n int64) (int64, error)
	CurrentUsage(ctx context.Context, id uuid.UUID, resource models.UsageResource) (int64, error)
}

// Gate rejects requests whose tenant lacks a feature or has used up a quota
type Gate struct {
	usage UsageStore
	log   *logrus.Entry
}

// NewGate creates a gate. usage may be nil, in which case quotas are
// checked against the resolution-time snapshot and Increment fails.
func NewGate(usage UsageStore, log *logrus.Entry) *Gate {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Gate{usage: usage, log: log.WithField("component", "tenant.gate")}
}

// RequireFeature middleware admits tenants with feature f switched on
func (g *Gate) RequireFeature(f models.Feature) gin.HandlerFunc {
	return func(c *gin.Context) {
		tc, ok := TenantFromGin(c)
		if !ok {
			errTenantContextRequired().Respond(c)
			return
		}
		if !tc.HasFeature(f) {
			g.log.WithFields(logrus.Fields{
				"tenant_id": tc.TenantID,
				"feature":   f,
				"plan":      tc.Plan,
			}).Info("Feature gate rejected request")
			(&TenantError{
				Status:  http.StatusForbidden,
				Code:    CodeFeatureNotAvailable,
				Message: fmt.Sprintf("Feature %q is not available on the %s plan", f, tc.Plan),
				Details: map[string]interface{}{
					"feature":     f,
					"currentPlan": tc.Plan,
				},
			}).Respond(c)
			return
		}
		c.Next()
	}
}

// RequireUsage middleware admits tenants with room for one more unit of
// action. The directory's current count is preferred over the snapshot.
func (g *Gate) RequireUsage(action tenancy.Action) gin.HandlerFunc {
	return func(c *gin.Context) {
		tc, ok := TenantFromGin(c)
		if !ok {
			errTenantContextRequired().Respond(c)
			return
		}
		res, ok := action.Resource()
		if !ok {
			g.log.WithField("action", action).Error("Usage gate configured with unknown action")
			utils.InternalServerErrorResponse(c, "Usage check misconfigured")
			c.Abort()
			return
		}

		current := g.currentUsage(c.Request.Context(), tc, res)
		q := tc.Quota(action, current)
		if !q.Allows() {
			g.log.WithFields(logrus.Fields{
				"tenant_id": tc.TenantID,
				"action":    action,
				"current":   q.Current,
				"limit":     q.Limit,
			}).Info("Usage gate rejected request")
			(&TenantError{
				Status:  http.StatusTooManyRequests,
				Code:    CodeUsageLimitExceeded,
				Message: fmt.Sprintf("Usage limit reached for %s. Upgrade your plan to continue.", action),
				Details: map[string]interface{}{
					"action": action,
					"limits": tc.Limits,
					"usage":  tc.Usage.WithCount(res, current),
					"quota": gin.H{
						"current":   q.Current,
						"limit":     q.Limit,
						"remaining": q.Remaining,
					},
				},
			}).Respond(c)
			return
		}
		c.Next()
	}
}

func (g *Gate) currentUsage(ctx context.Context, tc tenancy.Context, res models.UsageResource) int64 {
	snapshot := tc.Usage.Count(res)
	if g.usage == nil {
		return snapshot
	}
	v, err := g.usage.CurrentUsage(ctx, tc.TenantID, res)
	if err != nil {
		g.log.WithError(err).WithField("tenant_id", tc.TenantID).Warn("Falling back to usage snapshot")
		return snapshot
	}
	return v
}

// Increment adds n to the usage counter behind action for the tenant on ctx
// and returns the new count. Negative n releases units.
func (g *Gate) Increment(ctx context.Context, action tenancy.Action, n int64) (int64, error) {
	tc, ok := tenancy.FromContext(ctx)
	if !ok {
		return 0, tenancy.ErrNoTenantScope
	}
	res, ok := action.Resource()
	if !ok {
		return 0, fmt.Errorf("unknown action %q", action)
	}
	if g.usage == nil {
		return 0, fmt.Errorf("usage store not configured")
	}
	return g.usage.IncrementUsage(ctx, tc.TenantID, res, n)
}

// CountOnSuccess middleware counts one unit of action after the handler
// answers with a 2xx status
func (g *Gate) CountOnSuccess(action tenancy.Action) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		status := c.Writer.Status()
		if status < 200 || status >= 300 {
			return
		}
		if _, err := g.Increment(c.Request.Context(), action, 1); err != nil {
			g.log.WithError(err).WithField("action", action).Error("Failed to count usage")
		}
	}
}
