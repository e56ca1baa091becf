package tenancy

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/pavitra93/go-trade-spend-platform/shared/models"
)

// Action is a logical operation that consumes a metered resource
type Action string

const (
	ActionAddUser      Action = "add_user"
	ActionAddCustomer  Action = "add_customer"
	ActionAddProduct   Action = "add_product"
	ActionAddPromotion Action = "add_promotion"
	ActionAPICall      Action = "api_call"
)

// Resource returns the metered resource an action consumes
func (a Action) Resource() (models.UsageResource, bool) {
	switch a {
	case ActionAddUser:
		return models.ResourceUsers, true
	case ActionAddCustomer:
		return models.ResourceCustomers, true
	case ActionAddProduct:
		return models.ResourceProducts, true
	case ActionAddPromotion:
		return models.ResourcePromotions, true
	case ActionAPICall:
		return models.ResourceAPICalls, true
	}
	return "", false
}

// Quota is the limit/usage pair for one action
type Quota struct {
	Action    Action `json:"action"`
	Limit     int64  `json:"limit"`
	Current   int64  `json:"current"`
	Remaining int64  `json:"remaining"`
	Unlimited bool   `json:"unlimited"`
}

// Allows reports whether one more unit fits in the quota
func (q Quota) Allows() bool {
	return q.Unlimited || q.Current < q.Limit
}

// Context is the per-request snapshot of the resolved tenant. It is built
// once by the resolver and never written back; usage changes go through the
// usage gate's increment against the directory.
type Context struct {
	TenantID    uuid.UUID
	Slug        string
	Name        string
	Plan        models.Plan
	Status      models.TenantStatus
	Limits      models.TenantLimits
	Usage       models.TenantUsage
	Settings    models.TenantSettings
	TrialEndsAt *time.Time
	ResolvedAt  time.Time

	features models.FeatureSet
}

// NewContext snapshots t as of now
func NewContext(t *models.Tenant, now time.Time) Context {
	c := Context{
		TenantID:   t.ID,
		Slug:       t.Slug,
		Name:       t.Name,
		Plan:       t.Plan,
		Status:     t.EffectiveStatus(now),
		Limits:     t.Limits,
		Usage:      t.Usage,
		Settings:   t.Settings,
		ResolvedAt: now,
		features:   t.Features.Clone(),
	}
	if t.TrialEndsAt != nil {
		end := *t.TrialEndsAt
		c.TrialEndsAt = &end
	}
	return c
}

// HasFeature reports whether the tenant has feature f switched on
func (c Context) HasFeature(f models.Feature) bool {
	return c.features.Enabled(f)
}

// Features returns a copy of the tenant's feature flags
func (c Context) Features() models.FeatureSet {
	return c.features.Clone()
}

// Quota returns the limit and usage behind action. A currentUsage argument
// replaces the snapshot's count, for callers holding a fresher reading.
func (c Context) Quota(action Action, currentUsage ...int64) Quota {
	q := Quota{Action: action}
	res, ok := action.Resource()
	if !ok {
		return q
	}
	q.Limit = c.Limits.Limit(res)
	q.Current = c.Usage.Count(res)
	if len(currentUsage) > 0 {
		q.Current = currentUsage[0]
	}
	if q.Limit == models.Unlimited {
		q.Unlimited = true
		q.Remaining = models.Unlimited
		return q
	}
	q.Remaining = q.Limit - q.Current
	if q.Remaining < 0 {
		q.Remaining = 0
	}
	return q
}

// CanPerformAction reports whether the tenant may perform action given its
// usage. Unknown actions are refused.
func (c Context) CanPerformAction(action Action, currentUsage ...int64) bool {
	if _, ok := action.Resource(); !ok {
		return false
	}
	return c.Quota(action, currentUsage...).Allows()
}

type contextKey struct{}

// WithTenant attaches tc to ctx and arms the tenant scope for tc's tenant
func WithTenant(ctx context.Context, tc Context) context.Context {
	ctx = context.WithValue(ctx, contextKey{}, tc)
	return WithScope(ctx, TenantScope(tc.TenantID))
}

// FromContext returns the tenant context attached by WithTenant
func FromContext(ctx context.Context) (Context, bool) {
	if ctx == nil {
		return Context{}, false
	}
	tc, ok := ctx.Value(contextKey{}).(Context)
	return tc, ok
}
