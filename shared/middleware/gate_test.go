package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pavitra93/go-trade-spend-platform/shared/directory"
	"github.com/pavitra93/go-trade-spend-platform/shared/models"
	"github.com/pavitra93/go-trade-spend-platform/shared/tenancy"
	"github.com/pavitra93/go-trade-spend-platform/shared/testutil"
)

// withTenant stands in for the resolver
func withTenant(t *models.Tenant) gin.HandlerFunc {
	return func(c *gin.Context) {
		tc := tenancy.NewContext(t, time.Now())
		c.Request = c.Request.WithContext(tenancy.WithTenant(c.Request.Context(), tc))
		c.Next()
	}
}

func okHandler(c *gin.Context) {
	c.Status(http.StatusOK)
}

func TestRequireFeature(t *testing.T) {
	gate := NewGate(nil, testutil.QuietLogger())
	starter := models.NewTenant("Acme", "acme", models.PlanStarter, time.Now())
	pro := models.NewTenant("Globex", "globex", models.PlanProfessional, time.Now())

	for _, tenant := range []*models.Tenant{starter, pro} {
		r := gin.New()
		r.GET("/api/analytics", withTenant(tenant), gate.RequireFeature(models.FeatureAdvancedAnalytics), okHandler)
		w, body := serve(r, httptest.NewRequest(http.MethodGet, "/api/analytics", nil))

		if tenant == pro {
			assert.Equal(t, http.StatusOK, w.Code)
			continue
		}
		assert.Equal(t, http.StatusForbidden, w.Code)
		assert.Equal(t, CodeFeatureNotAvailable, body["code"])
		assert.Equal(t, "advanced_analytics", body["feature"])
		assert.Equal(t, "starter", body["currentPlan"])
	}
}

func TestGateWithoutTenant(t *testing.T) {
	gate := NewGate(nil, testutil.QuietLogger())
	r := gin.New()
	r.GET("/f", gate.RequireFeature(models.FeatureAPIAccess), okHandler)
	r.GET("/u", gate.RequireUsage(tenancy.ActionAddUser), okHandler)

	for _, path := range []string{"/f", "/u"} {
		w, body := serve(r, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, CodeTenantContextRequired, body["code"])
	}

	_, err := gate.Increment(context.Background(), tenancy.ActionAddUser, 1)
	assert.ErrorIs(t, err, tenancy.ErrNoTenantScope)
}

func TestUsageGateBoundary(t *testing.T) {
	db := testutil.NewDB(t)
	store := directory.NewStore(db)
	tenant := testutil.CreateTenant(t, db, "acme", models.PlanStarter)
	limit := tenant.Limits.MaxPromotions
	gate := NewGate(store, testutil.QuietLogger())

	r := gin.New()
	r.POST("/api/promotions", withTenant(tenant), gate.RequireUsage(tenancy.ActionAddPromotion), okHandler)
	ctx := context.Background()

	require.NoError(t, store.SetResourceCounts(ctx, tenant.ID, models.TenantUsage{Promotions: limit - 1}))
	w, _ := serve(r, httptest.NewRequest(http.MethodPost, "/api/promotions", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	require.NoError(t, store.SetResourceCounts(ctx, tenant.ID, models.TenantUsage{Promotions: limit}))
	w, body := serve(r, httptest.NewRequest(http.MethodPost, "/api/promotions", nil))
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, CodeUsageLimitExceeded, body["code"])
	assert.Equal(t, "add_promotion", body["action"])
	assert.Contains(t, body, "limits")

	usage, isMap := body["usage"].(map[string]interface{})
	require.True(t, isMap)
	assert.Equal(t, float64(limit), usage["promotions"])

	quota, isMap := body["quota"].(map[string]interface{})
	require.True(t, isMap)
	assert.Equal(t, float64(limit), quota["current"])
	assert.Equal(t, float64(limit), quota["limit"])
	assert.Equal(t, float64(0), quota["remaining"])
}

func TestUsageGateFallsBackToSnapshot(t *testing.T) {
	gate := NewGate(nil, testutil.QuietLogger())
	tenant := models.NewTenant("Acme", "acme", models.PlanTrial, time.Now())
	tenant.Usage.Users = tenant.Limits.MaxUsers

	r := gin.New()
	r.POST("/api/users", withTenant(tenant), gate.RequireUsage(tenancy.ActionAddUser), okHandler)
	r.POST("/api/customers", withTenant(tenant), gate.RequireUsage(tenancy.ActionAddCustomer), okHandler)

	w, _ := serve(r, httptest.NewRequest(http.MethodPost, "/api/users", nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	w, _ = serve(r, httptest.NewRequest(http.MethodPost, "/api/customers", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestUnlimitedPlanPassesUsageGate(t *testing.T) {
	gate := NewGate(nil, testutil.QuietLogger())
	tenant := models.NewTenant("Acme", "acme", models.PlanEnterprise, time.Now())
	tenant.Usage.Promotions = 1_000_000

	r := gin.New()
	r.POST("/api/promotions", withTenant(tenant), gate.RequireUsage(tenancy.ActionAddPromotion), okHandler)
	w, _ := serve(r, httptest.NewRequest(http.MethodPost, "/api/promotions", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCountOnSuccess(t *testing.T) {
	db := testutil.NewDB(t)
	store := directory.NewStore(db)
	tenant := testutil.CreateTenant(t, db, "acme", models.PlanStarter)
	gate := NewGate(store, testutil.QuietLogger())

	r := gin.New()
	count := gate.CountOnSuccess(tenancy.ActionAddCustomer)
	r.POST("/created", withTenant(tenant), count, func(c *gin.Context) {
		c.Status(http.StatusCreated)
	})
	r.POST("/rejected", withTenant(tenant), count, func(c *gin.Context) {
		c.AbortWithStatus(http.StatusBadRequest)
	})

	serve(r, httptest.NewRequest(http.MethodPost, "/created", nil))
	serve(r, httptest.NewRequest(http.MethodPost, "/created", nil))
	serve(r, httptest.NewRequest(http.MethodPost, "/rejected", nil))

	v, err := store.CurrentUsage(context.Background(), tenant.ID, models.ResourceCustomers)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)

	ctx := tenancy.WithTenant(context.Background(), tenancy.NewContext(tenant, time.Now()))
	v, err = gate.Increment(ctx, tenancy.ActionAddCustomer, -1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
}
