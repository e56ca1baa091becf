package models

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var day0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func TestNewTenantTrial(t *testing.T) {
	tenant := NewTenant("Acme", "acme", PlanTrial, day0)
	require.NotNil(t, tenant.TrialEndsAt)
	assert.Equal(t, day0.Add(TrialPeriod), *tenant.TrialEndsAt)
	assert.Equal(t, TenantStatusActive, tenant.Status)
	assert.True(t, tenant.IsActive)
	assert.Equal(t, DefaultLimits(PlanTrial), tenant.Limits)
	assert.True(t, tenant.Features.Enabled(FeatureAdvancedAnalytics))
	assert.Equal(t, "USD", tenant.Settings.Currency)

	paid := NewTenant("Globex", "globex", PlanStarter, day0)
	assert.Nil(t, paid.TrialEndsAt)
	assert.False(t, paid.TrialExpired(day0.AddDate(1, 0, 0)))
}

func TestEffectiveStatus(t *testing.T) {
	tenant := NewTenant("Acme", "acme", PlanTrial, day0)
	end := *tenant.TrialEndsAt

	assert.Equal(t, TenantStatusActive, tenant.EffectiveStatus(end))
	assert.Equal(t, TenantStatusExpired, tenant.EffectiveStatus(end.Add(time.Second)))

	// a suspension outranks the lapsed trial
	tenant.Suspend("unpaid")
	assert.Equal(t, TenantStatusSuspended, tenant.EffectiveStatus(end.Add(time.Second)))
}

func TestLifecycleKeepsFlagsConsistent(t *testing.T) {
	tenant := NewTenant("Acme", "acme", PlanStarter, day0)

	tenant.Suspend("chargeback")
	assert.Equal(t, TenantStatusSuspended, tenant.Status)
	assert.False(t, tenant.IsActive)
	assert.True(t, tenant.IsSuspended)
	assert.Equal(t, "chargeback", tenant.SuspendedReason)

	tenant.Reactivate()
	assert.Equal(t, TenantStatusActive, tenant.Status)
	assert.True(t, tenant.IsActive)
	assert.False(t, tenant.IsSuspended)
	assert.Empty(t, tenant.SuspendedReason)

	tenant.Cancel()
	assert.Equal(t, TenantStatusCancelled, tenant.Status)
	assert.False(t, tenant.IsActive)

	stale := &Tenant{Status: TenantStatusExpired, IsActive: true}
	require.NoError(t, stale.BeforeSave(nil))
	assert.False(t, stale.IsActive)
}

func TestPlanDefaults(t *testing.T) {
	assert.True(t, IsValidPlan(PlanProfessional))
	assert.False(t, IsValidPlan("platinum"))

	enterprise := DefaultFeatures(PlanEnterprise)
	for _, f := range AllFeatures {
		assert.True(t, enterprise.Enabled(f), f)
	}
	assert.Equal(t, Unlimited, DefaultLimits(PlanEnterprise).Limit(ResourceCustomers))

	starter := DefaultFeatures(PlanStarter)
	assert.Len(t, starter, len(AllFeatures))
	assert.False(t, starter.Enabled(FeatureAdvancedAnalytics))
	assert.True(t, starter.Enabled(FeatureClaimsManagement))

	clone := starter.Clone()
	clone[FeatureAIInsights] = true
	assert.False(t, starter.Enabled(FeatureAIInsights))
}

func TestUsageResources(t *testing.T) {
	limits := DefaultLimits(PlanStarter)
	usage := TenantUsage{Users: 1, Customers: 2, Products: 3, Promotions: 4, APICalls: 5, StorageMB: 6}

	cases := []struct {
		r     UsageResource
		limit int64
		count int64
	}{
		{ResourceUsers, limits.MaxUsers, 1},
		{ResourceCustomers, limits.MaxCustomers, 2},
		{ResourceProducts, limits.MaxProducts, 3},
		{ResourcePromotions, limits.MaxPromotions, 4},
		{ResourceAPICalls, limits.MaxAPICallsPerMonth, 5},
		{ResourceStorageMB, limits.MaxStorageMB, 6},
	}
	for _, tc := range cases {
		assert.True(t, tc.r.Valid())
		assert.Equal(t, tc.limit, limits.Limit(tc.r), tc.r)
		assert.Equal(t, tc.count, usage.Count(tc.r), tc.r)
		assert.Equal(t, int64(99), usage.WithCount(tc.r, 99).Count(tc.r), tc.r)
	}
	assert.Equal(t, int64(4), usage.Promotions)
	assert.Equal(t, usage, usage.WithCount("widgets", 99))
	assert.Equal(t, "usage_api_calls", ResourceAPICalls.UsageColumn())
	assert.False(t, UsageResource("widgets").Valid())
	assert.Zero(t, usage.Count("widgets"))
	assert.True(t, IsKnownFeature("sap_integration"))
	assert.False(t, IsKnownFeature("teleport"))
}

func TestPromotionIsRunning(t *testing.T) {
	p := &Promotion{Status: PromotionStatusActive, StartDate: day0, EndDate: day0.AddDate(0, 0, 7)}
	assert.True(t, p.IsRunning(day0))
	assert.False(t, p.IsRunning(day0.AddDate(0, 0, 7)))
	assert.False(t, p.IsRunning(day0.Add(-time.Second)))

	p.Status = PromotionStatusApproved
	assert.False(t, p.IsRunning(day0.AddDate(0, 0, 1)))
}

func TestUserInfoTenantAccess(t *testing.T) {
	tenantID := uuid.New()
	kam := &UserInfo{UserID: "u1", Role: RoleKAM, TenantID: tenantID.String()}
	assert.True(t, kam.CanAccessTenant(tenantID))
	assert.False(t, kam.CanAccessTenant(uuid.New()))
	assert.False(t, (&UserInfo{Role: RoleUser}).CanAccessTenant(tenantID))

	root := &UserInfo{Role: RoleSystemAdmin}
	assert.True(t, root.CanAccessTenant(uuid.New()))
	assert.False(t, root.IsTenantAdmin())
}
