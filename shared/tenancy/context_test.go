package tenancy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pavitra93/go-trade-spend-platform/shared/models"
)

func newSnapshot(limits models.TenantLimits, usage models.TenantUsage) Context {
	now := time.Now()
	tenant := models.NewTenant("Acme", "acme", models.PlanStarter, now)
	tenant.Limits = limits
	tenant.Usage = usage
	return NewContext(tenant, now)
}

func TestQuotaBoundary(t *testing.T) {
	tests := []struct {
		name      string
		limit     int64
		used      int64
		allowed   bool
		remaining int64
	}{
		{name: "below limit", limit: 5, used: 4, allowed: true, remaining: 1},
		{name: "at limit", limit: 5, used: 5, allowed: false, remaining: 0},
		{name: "over limit", limit: 5, used: 7, allowed: false, remaining: 0},
		{name: "unlimited", limit: models.Unlimited, used: 1_000_000, allowed: true, remaining: models.Unlimited},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tc := newSnapshot(models.TenantLimits{MaxUsers: tt.limit}, models.TenantUsage{Users: tt.used})

			q := tc.Quota(ActionAddUser)
			assert.Equal(t, tt.allowed, q.Allows())
			assert.Equal(t, tt.remaining, q.Remaining)
			assert.Equal(t, tt.used, q.Current)
			assert.Equal(t, tt.allowed, tc.CanPerformAction(ActionAddUser))
		})
	}
}

func TestQuotaUsesFresherReading(t *testing.T) {
	tc := newSnapshot(models.TenantLimits{MaxPromotions: 10}, models.TenantUsage{Promotions: 2})

	assert.True(t, tc.CanPerformAction(ActionAddPromotion))
	assert.False(t, tc.CanPerformAction(ActionAddPromotion, 10))

	q := tc.Quota(ActionAddPromotion, 9)
	assert.Equal(t, int64(9), q.Current)
	assert.Equal(t, int64(1), q.Remaining)
}

func TestUnknownActionIsRefused(t *testing.T) {
	tc := newSnapshot(models.DefaultLimits(models.PlanEnterprise), models.TenantUsage{})
	assert.False(t, tc.CanPerformAction(Action("export_everything")))
}

func TestActionResources(t *testing.T) {
	for action, want := range map[Action]models.UsageResource{
		ActionAddUser:      models.ResourceUsers,
		ActionAddCustomer:  models.ResourceCustomers,
		ActionAddProduct:   models.ResourceProducts,
		ActionAddPromotion: models.ResourcePromotions,
		ActionAPICall:      models.ResourceAPICalls,
	} {
		got, ok := action.Resource()
		assert.True(t, ok, action)
		assert.Equal(t, want, got, action)
	}
}

func TestNewContextDerivesExpiredTrial(t *testing.T) {
	now := time.Now()
	tenant := models.NewTenant("Trial Co", "trial-co", models.PlanTrial, now.Add(-15*24*time.Hour))
	require.NotNil(t, tenant.TrialEndsAt)

	tc := NewContext(tenant, now)
	assert.Equal(t, models.TenantStatusExpired, tc.Status)
	assert.Equal(t, models.TenantStatusActive, tenant.Status)
}

func TestContextFeaturesAreACopy(t *testing.T) {
	now := time.Now()
	tenant := models.NewTenant("Pro", "pro", models.PlanProfessional, now)
	tc := NewContext(tenant, now)
	require.True(t, tc.HasFeature(models.FeatureAdvancedAnalytics))

	tenant.Features[models.FeatureAdvancedAnalytics] = false
	assert.True(t, tc.HasFeature(models.FeatureAdvancedAnalytics))

	fs := tc.Features()
	fs[models.FeatureAIInsights] = true
	assert.False(t, tc.HasFeature(models.FeatureAIInsights))
}

func TestWithTenantArmsScope(t *testing.T) {
	tc := newSnapshot(models.DefaultLimits(models.PlanStarter), models.TenantUsage{})
	ctx := WithTenant(context.Background(), tc)

	got, ok := FromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, tc.TenantID, got.TenantID)

	id, ok := TenantIDFrom(ctx)
	require.True(t, ok)
	assert.Equal(t, tc.TenantID, id)

	_, ok = FromContext(context.Background())
	assert.False(t, ok)
}
