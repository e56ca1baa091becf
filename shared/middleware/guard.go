package middleware

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/pavitra93/go-trade-spend-platform/shared/models"
	"github.com/pavitra93/go-trade-spend-platform/shared/tenancy"
)

const maxGuardedBody = 1 << 20

// tenantFields are the body keys that may name a tenant
var tenantFields = []string{"tenant_id", "tenantId"}

// TenantGuard rejects requests that name a tenant other than the resolved
// one. Mismatches are never corrected, only refused.
type TenantGuard struct {
	auditor tenancy.ViolationAuditor
	log     *logrus.Entry
	now     func() time.Time
}

// NewTenantGuard creates a guard. auditor may be nil.
func NewTenantGuard(auditor tenancy.ViolationAuditor, log *logrus.Entry) *TenantGuard {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &TenantGuard{
		auditor: auditor,
		log:     log.WithField("component", "tenant.guard"),
		now:     time.Now,
	}
}

// RejectForeignTenant middleware inspects JSON bodies of write requests for
// a tenant id. The body is restored for the handler.
func (g *TenantGuard) RejectForeignTenant() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !hasJSONBody(c.Request) {
			c.Next()
			return
		}

		raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxGuardedBody+1))
		_ = c.Request.Body.Close()
		if err != nil {
			(&TenantError{Status: http.StatusBadRequest, Code: "INVALID_BODY", Message: "Failed to read request body"}).Respond(c)
			return
		}
		if len(raw) > maxGuardedBody {
			(&TenantError{Status: http.StatusRequestEntityTooLarge, Code: "BODY_TOO_LARGE", Message: "Request body too large"}).Respond(c)
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(raw))

		for _, claimed := range claimedTenants(raw) {
			if !g.CheckTenant(c, claimed.field, claimed.value) {
				return
			}
		}
		c.Next()
	}
}

// RequireMembership admits an authenticated caller only to the tenant their
// token is bound to, by id or else by slug. A token with neither claim is
// refused. System admins pass. Run it after RequireAuth and the resolver.
func (g *TenantGuard) RequireMembership() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetString("role") == string(models.RoleSystemAdmin) {
			c.Next()
			return
		}

		if claimed := c.GetString("tenant_id"); claimed != "" {
			if !g.CheckTenant(c, "token.tenant_id", claimed) {
				return
			}
			c.Next()
			return
		}
		if slug := c.GetString("tenant_slug"); slug != "" {
			if !g.checkSlug(c, "token.tenant_slug", slug) {
				return
			}
			c.Next()
			return
		}
		errMembershipRequired().Respond(c)
	}
}

// checkSlug is CheckTenant for a tenant named by slug
func (g *TenantGuard) checkSlug(c *gin.Context, field, slug string) bool {
	ctx := c.Request.Context()
	if tenancy.ScopeFrom(ctx).IsWithoutTenant() {
		return true
	}
	tc, ok := tenancy.FromContext(ctx)
	if !ok {
		errTenantContextRequired().Respond(c)
		return false
	}
	if strings.EqualFold(strings.TrimSpace(slug), tc.Slug) {
		return true
	}
	g.refuse(c, field, slug)
	return false
}

// CheckTenant compares a tenant id taken from the request against the
// resolved tenant. On mismatch it aborts with 403 TENANT_MISMATCH and
// returns false.
func (g *TenantGuard) CheckTenant(c *gin.Context, field, claimed string) bool {
	ctx := c.Request.Context()
	err := tenancy.CheckTenant(ctx, claimed)
	if err == nil {
		return true
	}
	if errors.Is(err, tenancy.ErrNoTenantScope) {
		errTenantContextRequired().Respond(c)
		return false
	}
	g.refuse(c, field, claimed)
	return false
}

// refuse records a tenant mismatch and aborts with 403 TENANT_MISMATCH
func (g *TenantGuard) refuse(c *gin.Context, field, claimed string) {
	ctx := c.Request.Context()
	scope := tenancy.ScopeFrom(ctx)
	ev := tenancy.ViolationEvent{
		TenantID: scope.String(),
		Claimed:  claimed,
		Field:    field,
		Method:   c.Request.Method,
		Path:     c.Request.URL.Path,
		Actor:    tenancy.ActorFrom(ctx),
		At:       g.now().UTC(),
	}
	if id, ok := scope.TenantID(); ok {
		ev.TenantID = id.String()
	}

	g.log.WithFields(logrus.Fields{
		"tenant_id": ev.TenantID,
		"claimed":   ev.Claimed,
		"field":     ev.Field,
		"method":    ev.Method,
		"path":      ev.Path,
		"actor":     ev.Actor,
	}).Warn("Tenant mismatch rejected")
	if g.auditor != nil {
		g.auditor.RecordViolation(ctx, ev)
	}

	(&TenantError{
		Status:  http.StatusForbidden,
		Code:    CodeTenantMismatch,
		Message: "Request names a tenant other than the authenticated tenant",
		Details: map[string]interface{}{"field": field},
	}).Respond(c)
}

func hasJSONBody(r *http.Request) bool {
	switch r.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
	default:
		return false
	}
	return r.Body != nil && strings.Contains(r.Header.Get("Content-Type"), "application/json")
}

type claimedTenant struct {
	field string
	value string
}

// claimedTenants reads tenant ids from a JSON object or an array of objects.
// Bodies of any other shape name no tenant.
func isTenantField(key string) bool {
	for _, f := range tenantFields {
		if strings.EqualFold(key, f) {
			return true
		}
	}
	return false
}

func claimedTenants(raw []byte) []claimedTenant {
	var objects []map[string]json.RawMessage
	var one map[string]json.RawMessage
	if err := json.Unmarshal(raw, &one); err == nil {
		objects = append(objects, one)
	} else if err := json.Unmarshal(raw, &objects); err != nil {
		return nil
	}

	var out []claimedTenant
	for _, obj := range objects {
		// keys match case-insensitively, as encoding/json binds them
		for field, v := range obj {
			if !isTenantField(field) {
				continue
			}
			var s string
			if err := json.Unmarshal(v, &s); err != nil {
				// a non-string tenant id can never match
				s = string(v)
			}
			if s != "" && s != "null" {
				out = append(out, claimedTenant{field: field, value: s})
			}
		}
	}
	return out
}
