package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pavitra93/go-trade-spend-platform/shared/directory"
	"github.com/pavitra93/go-trade-spend-platform/shared/middleware"
	"github.com/pavitra93/go-trade-spend-platform/shared/models"
	"github.com/pavitra93/go-trade-spend-platform/shared/testutil"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const secret = "promotion-service-secret"

var now = time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)

type harness struct {
	t      *testing.T
	router *gin.Engine
	deps   *deps
	dir    *directory.Cached
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	db := testutil.NewDB(t)
	quiet := testutil.QuietLogger()
	dir := directory.NewCached(directory.NewStore(db), directory.WithCacheLogger(quiet))
	auth := middleware.NewAuthMiddleware(middleware.NewSecretVerifier(secret), middleware.WithAuthLogger(quiet))

	s := &server{
		auth: auth,
		resolver: middleware.NewTenantResolver(middleware.ResolverConfig{
			PublicPrefixes: []string{"/health"},
			AdminPrefixes:  []string{"/api/admin"},
			IdlePrefixes:   []string{"/api/heartbeat"},
		}, dir,
			middleware.WithActivityRecorder(dir),
			middleware.WithClaimsSource(auth),
			middleware.WithResolverLogger(quiet),
		),
		guard: middleware.NewTenantGuard(nil, quiet),
	}
	d := &deps{
		db:   db,
		gate: middleware.NewGate(dir, quiet),
		log:  quiet,
		now:  func() time.Time { return now },
	}
	return &harness{t: t, router: setupRouter(d, s), deps: d, dir: dir}
}

// token signs an access token bound to tenant
func (h *harness) token(tenant *models.Tenant, role models.UserRole) string {
	return h.sign(jwt.MapClaims{
		"sub":        uuid.NewString(),
		"email":      "user@" + tenant.Slug + ".test",
		"tenantId":   tenant.ID.String(),
		"tenantSlug": tenant.Slug,
		"role":       string(role),
		"exp":        time.Now().Add(time.Hour).Unix(),
	})
}

func (h *harness) sign(claims jwt.MapClaims) string {
	h.t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(h.t, err)
	return signed
}

func (h *harness) do(method, path, token string, body interface{}, headers ...string) (*httptest.ResponseRecorder, map[string]interface{}) {
	var raw []byte
	if body != nil {
		raw, _ = json.Marshal(body)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)

	var out map[string]interface{}
	_ = json.Unmarshal(w.Body.Bytes(), &out)
	return w, out
}

func (h *harness) createCustomer(token, code string) string {
	h.t.Helper()
	w, body := h.do(http.MethodPost, "/api/customers", token, CreateCustomerRequest{Code: code, Name: code + " Stores"})
	require.Equal(h.t, http.StatusCreated, w.Code, w.Body.String())
	return body["data"].(map[string]interface{})["id"].(string)
}

func TestCustomersAreIsolatedPerTenant(t *testing.T) {
	h := newHarness(t)
	acme := testutil.CreateTenant(t, h.deps.db, "acme", models.PlanStarter)
	globex := testutil.CreateTenant(t, h.deps.db, "globex", models.PlanStarter)
	acmeToken := h.token(acme, models.RoleKAM)
	globexToken := h.token(globex, models.RoleKAM)

	acmeCustomer := h.createCustomer(acmeToken, "c1")
	globexCustomer := h.createCustomer(globexToken, "C1")

	w, _ := h.do(http.MethodPost, "/api/customers", acmeToken, CreateCustomerRequest{Code: "C1", Name: "dup"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w, body := h.do(http.MethodGet, "/api/customers", acmeToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := body["data"].([]interface{})
	require.Len(t, list, 1)
	assert.Equal(t, acmeCustomer, list[0].(map[string]interface{})["id"])
	assert.Equal(t, acme.ID.String(), list[0].(map[string]interface{})["tenant_id"])

	w, _ = h.do(http.MethodGet, "/api/customers/"+globexCustomer, acmeToken, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	name := "hijacked"
	w, _ = h.do(http.MethodPut, "/api/customers/"+globexCustomer, acmeToken, UpdateCustomerRequest{Name: &name})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, _ = h.do(http.MethodDelete, "/api/customers/"+globexCustomer, acmeToken, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, body = h.do(http.MethodGet, "/api/customers/"+globexCustomer, globexToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "C1 Stores", body["data"].(map[string]interface{})["name"])

	w, body = h.do(http.MethodPut, "/api/customers/"+acmeCustomer, acmeToken, UpdateCustomerRequest{Name: &name})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "hijacked", body["data"].(map[string]interface{})["name"])
}

func TestHeaderCannotSwitchTenantForBoundToken(t *testing.T) {
	h := newHarness(t)
	acme := testutil.CreateTenant(t, h.deps.db, "acme", models.PlanStarter)
	globex := testutil.CreateTenant(t, h.deps.db, "globex", models.PlanStarter)

	w, body := h.do(http.MethodGet, "/api/customers", h.token(acme, models.RoleKAM), nil, "X-Tenant-Id", globex.ID.String())
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, middleware.CodeTenantMismatch, body["code"])
}

func TestSlugBoundTokenCannotSwitchTenant(t *testing.T) {
	h := newHarness(t)
	acme := testutil.CreateTenant(t, h.deps.db, "acme", models.PlanStarter)
	globex := testutil.CreateTenant(t, h.deps.db, "globex", models.PlanStarter)
	token := h.sign(jwt.MapClaims{
		"sub":        uuid.NewString(),
		"email":      "kam@acme.test",
		"tenantSlug": "acme",
		"role":       string(models.RoleKAM),
		"exp":        time.Now().Add(time.Hour).Unix(),
	})

	w, body := h.do(http.MethodGet, "/api/customers", token, nil, "X-Tenant-Id", globex.ID.String())
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, middleware.CodeTenantMismatch, body["code"])
	assert.Equal(t, "token.tenant_slug", body["field"])

	w, _ = h.do(http.MethodGet, "/api/customers", token, nil, "X-Tenant-Id", acme.ID.String())
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestTokenWithoutTenantClaimIsRefused(t *testing.T) {
	h := newHarness(t)
	acme := testutil.CreateTenant(t, h.deps.db, "acme", models.PlanStarter)
	token := h.sign(jwt.MapClaims{
		"sub":   uuid.NewString(),
		"email": "drifter@example.test",
		"role":  string(models.RoleKAM),
		"exp":   time.Now().Add(time.Hour).Unix(),
	})

	w, body := h.do(http.MethodGet, "/api/customers", token, nil, "X-Tenant-Id", acme.ID.String())
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, middleware.CodeMembershipRequired, body["code"])
}

func TestRejectedTokenLeavesTenantActivityAlone(t *testing.T) {
	h := newHarness(t)
	acme := testutil.CreateTenant(t, h.deps.db, "acme", models.PlanStarter)

	for _, token := range []string{"not-a-jwt", ""} {
		w, _ := h.do(http.MethodGet, "/api/customers", token, nil, "X-Tenant-Id", acme.ID.String())
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	}

	var stored models.Tenant
	require.NoError(t, h.deps.db.WithContext(testutil.Admin()).First(&stored, "id = ?", acme.ID).Error)
	assert.Zero(t, stored.Usage.APICalls)
	assert.Nil(t, stored.LastActivityAt)
}

func TestBodyNamingForeignTenantIsRejected(t *testing.T) {
	h := newHarness(t)
	acme := testutil.CreateTenant(t, h.deps.db, "acme", models.PlanStarter)
	globex := testutil.CreateTenant(t, h.deps.db, "globex", models.PlanStarter)
	token := h.token(acme, models.RoleKAM)

	w, body := h.do(http.MethodPost, "/api/customers", token, map[string]interface{}{
		"code": "C9", "name": "Sneaky", "tenant_id": globex.ID.String(),
	})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, middleware.CodeTenantMismatch, body["code"])

	var n int64
	require.NoError(t, h.deps.db.WithContext(testutil.Admin()).Model(&models.Customer{}).Count(&n).Error)
	assert.Zero(t, n)
}

func TestCustomerQuotaBoundary(t *testing.T) {
	h := newHarness(t)
	acme := testutil.CreateTenant(t, h.deps.db, "acme", models.PlanStarter)
	require.NoError(t, h.deps.db.WithContext(testutil.Admin()).
		Model(&models.Tenant{}).Where("id = ?", acme.ID).
		Update("limit_customers", 2).Error)
	token := h.token(acme, models.RoleKAM)

	first := h.createCustomer(token, "C1")
	h.createCustomer(token, "C2")

	w, body := h.do(http.MethodPost, "/api/customers", token, CreateCustomerRequest{Code: "C3", Name: "Third"})
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, middleware.CodeUsageLimitExceeded, body["code"])
	quota := body["quota"].(map[string]interface{})
	assert.Equal(t, float64(2), quota["current"])
	assert.Equal(t, float64(0), quota["remaining"])

	w, _ = h.do(http.MethodDelete, "/api/customers/"+first, token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	used, err := h.dir.CurrentUsage(context.Background(), acme.ID, models.ResourceCustomers)
	require.NoError(t, err)
	assert.Equal(t, int64(1), used)

	h.createCustomer(token, "C3")
	used, err = h.dir.CurrentUsage(context.Background(), acme.ID, models.ResourceCustomers)
	require.NoError(t, err)
	assert.Equal(t, int64(2), used)
}

func TestAPICallsAreCountedExceptHeartbeat(t *testing.T) {
	h := newHarness(t)
	acme := testutil.CreateTenant(t, h.deps.db, "acme", models.PlanStarter)
	token := h.token(acme, models.RoleKAM)

	for i := 0; i < 2; i++ {
		w, _ := h.do(http.MethodGet, "/api/products", token, nil)
		require.Equal(t, http.StatusOK, w.Code)
	}
	w, _ := h.do(http.MethodGet, "/api/heartbeat", token, nil)
	require.Equal(t, http.StatusOK, w.Code)

	used, err := h.dir.CurrentUsage(context.Background(), acme.ID, models.ResourceAPICalls)
	require.NoError(t, err)
	assert.Equal(t, int64(2), used)
}

func TestAnalyticsRequiresFeature(t *testing.T) {
	h := newHarness(t)
	starter := testutil.CreateTenant(t, h.deps.db, "acme", models.PlanStarter)
	pro := testutil.CreateTenant(t, h.deps.db, "globex", models.PlanProfessional)

	w, body := h.do(http.MethodGet, "/api/analytics/summary", h.token(starter, models.RoleKAM), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, middleware.CodeFeatureNotAvailable, body["code"])
	assert.Equal(t, "starter", body["currentPlan"])

	token := h.token(pro, models.RoleKAM)
	customer := h.createCustomer(token, "C1")
	for _, budget := range []int64{100_00, 250_00} {
		w, _ = h.do(http.MethodPost, "/api/promotions", token, CreatePromotionRequest{
			CustomerID:  uuid.MustParse(customer),
			Name:        "summer",
			BudgetCents: budget,
			StartDate:   now,
			EndDate:     now.AddDate(0, 1, 0),
		})
		require.Equal(t, http.StatusCreated, w.Code)
	}

	w, body = h.do(http.MethodGet, "/api/analytics/summary", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	summary := body["data"].(map[string]interface{})
	assert.Equal(t, float64(2), summary["total"])
	assert.Equal(t, float64(350_00), summary["total_budget_cents"])
	byStatus := summary["by_status"].([]interface{})
	require.Len(t, byStatus, 1)
	assert.Equal(t, "draft", byStatus[0].(map[string]interface{})["status"])
}

func TestPromotionWorkflow(t *testing.T) {
	h := newHarness(t)
	acme := testutil.CreateTenant(t, h.deps.db, "acme", models.PlanStarter)
	globex := testutil.CreateTenant(t, h.deps.db, "globex", models.PlanStarter)
	token := h.token(acme, models.RoleKAM)
	customer := h.createCustomer(token, "C1")
	foreignCustomer := h.createCustomer(h.token(globex, models.RoleKAM), "C1")

	req := CreatePromotionRequest{
		CustomerID: uuid.MustParse(foreignCustomer),
		Name:       "back to school",
		StartDate:  now,
		EndDate:    now.AddDate(0, 0, 21),
	}
	w, _ := h.do(http.MethodPost, "/api/promotions", token, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	req.CustomerID = uuid.MustParse(customer)
	req.EndDate = now.AddDate(0, 0, -1)
	w, _ = h.do(http.MethodPost, "/api/promotions", token, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	req.EndDate = now.AddDate(0, 0, 21)
	w, body := h.do(http.MethodPost, "/api/promotions", token, req)
	require.Equal(t, http.StatusCreated, w.Code)
	id := body["data"].(map[string]interface{})["id"].(string)
	assert.Equal(t, "draft", body["data"].(map[string]interface{})["status"])

	w, _ = h.do(http.MethodPut, "/api/promotions/"+id+"/status", token, UpdateStatusRequest{Status: models.PromotionStatusActive})
	assert.Equal(t, http.StatusConflict, w.Code)

	for _, status := range []models.PromotionStatus{
		models.PromotionStatusPlanned,
		models.PromotionStatusApproved,
		models.PromotionStatusActive,
	} {
		w, body = h.do(http.MethodPut, "/api/promotions/"+id+"/status", token, UpdateStatusRequest{Status: status})
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, string(status), body["data"].(map[string]interface{})["status"])
	}

	w, body = h.do(http.MethodGet, "/api/promotions/"+id, token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["data"].(map[string]interface{})["running"])

	w, _ = h.do(http.MethodDelete, "/api/promotions/"+id, token, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w, _ = h.do(http.MethodDelete, "/api/customers/"+customer, token, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w, _ = h.do(http.MethodGet, "/api/promotions/"+id, h.token(globex, models.RoleKAM), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestUserManagementNeedsTenantAdmin(t *testing.T) {
	h := newHarness(t)
	acme := testutil.CreateTenant(t, h.deps.db, "acme", models.PlanStarter)

	w, _ := h.do(http.MethodGet, "/api/users", h.token(acme, models.RoleKAM), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	admin := h.token(acme, models.RoleTenantAdmin)
	w, _ = h.do(http.MethodPost, "/api/users", admin, CreateUserRequest{Email: "root@acme.test", Role: models.RoleSystemAdmin})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, body := h.do(http.MethodPost, "/api/users", admin, CreateUserRequest{Email: "KAM@acme.test", Role: models.RoleKAM})
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "kam@acme.test", body["data"].(map[string]interface{})["email"])

	w, body = h.do(http.MethodGet, "/api/users", admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, body["data"].([]interface{}), 1)
}

func TestCurrentTenant(t *testing.T) {
	h := newHarness(t)
	acme := testutil.CreateTenant(t, h.deps.db, "acme", models.PlanProfessional)

	w, body := h.do(http.MethodGet, "/api/tenant", h.token(acme, models.RoleKAM), nil)
	require.Equal(t, http.StatusOK, w.Code)
	info := body["data"].(map[string]interface{})
	assert.Equal(t, "acme", info["slug"])
	assert.Equal(t, true, info["features"].(map[string]interface{})["advanced_analytics"])
	assert.Len(t, info["quotas"], 5)
}
