package middleware

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/pavitra93/go-trade-spend-platform/shared/config"
	"github.com/pavitra93/go-trade-spend-platform/shared/directory"
	"github.com/pavitra93/go-trade-spend-platform/shared/models"
	"github.com/pavitra93/go-trade-spend-platform/shared/tenancy"
)

// TenantHeader carries an explicit tenant id or slug
const TenantHeader = "X-Tenant-Id"

// TenantContextKey is the gin key holding the request's tenancy.Context
const TenantContextKey = "tenant_context"

// RouteClass tells the resolver whether a path needs a tenant
type RouteClass int

const (
	RouteTenant RouteClass = iota
	RoutePublic
	RouteAdmin
)

func (rc RouteClass) String() string {
	switch rc {
	case RoutePublic:
		return "public"
	case RouteAdmin:
		return "admin"
	}
	return "tenant"
}

// IdentifierSource is where a tenant identifier was found
type IdentifierSource string

const (
	SourceHeader    IdentifierSource = "header"
	SourceSubdomain IdentifierSource = "subdomain"
	SourceDomain    IdentifierSource = "domain"
	SourceToken     IdentifierSource = "token"
	SourceQuery     IdentifierSource = "query"
)

// Identifier is the raw tenant reference taken from a request. Host is set
// for subdomain identifiers so a custom domain can be tried when no slug
// matches.
type Identifier struct {
	Source IdentifierSource
	Value  string
	Host   string
}

// ResolverConfig holds the static route lists and host rules
type ResolverConfig struct {
	PublicPrefixes     []string
	AdminPrefixes      []string
	IdlePrefixes       []string
	ReservedSubdomains []string
	BaseDomain         string
}

// ResolverConfigFrom copies the resolution settings out of cfg
func ResolverConfigFrom(cfg *config.AppConfig) ResolverConfig {
	return ResolverConfig{
		PublicPrefixes:     cfg.PublicPrefixes,
		AdminPrefixes:      cfg.AdminPrefixes,
		IdlePrefixes:       cfg.IdlePrefixes,
		ReservedSubdomains: cfg.ReservedSubdomains,
		BaseDomain:         cfg.BaseDomain,
	}
}

// TenantLookup finds directory records
type TenantLookup interface {
	FindByID(ctx context.Context, id uuid.UUID) (*models.Tenant, error)
	FindBySlug(ctx context.Context, slug string) (*models.Tenant, error)
	FindByDomain(ctx context.Context, domain string) (*models.Tenant, error)
}

// ActivityRecorder receives the resolver's per-request side effects
type ActivityRecorder interface {
	TouchActivity(ctx context.Context, id uuid.UUID, at time.Time) error
	IncrementUsage(ctx context.Context, id uuid.UUID, resource models.UsageResource, n int64) (int64, error)
}

// ClaimsSource yields the verified claims of a request's bearer token
type ClaimsSource interface {
	VerifiedClaims(r *http.Request) (*Claims, bool)
}

// TenantResolver identifies, loads and validates the tenant of a request
type TenantResolver struct {
	cfg      ResolverConfig
	tenants  TenantLookup
	activity ActivityRecorder
	claims   ClaimsSource
	log      *logrus.Entry
	now      func() time.Time
}

// ResolverOption configures a TenantResolver
type ResolverOption func(*TenantResolver)

func WithActivityRecorder(a ActivityRecorder) ResolverOption {
	return func(r *TenantResolver) { r.activity = a }
}

func WithClaimsSource(cs ClaimsSource) ResolverOption {
	return func(r *TenantResolver) { r.claims = cs }
}

func WithResolverLogger(log *logrus.Entry) ResolverOption {
	return func(r *TenantResolver) { r.log = log }
}

func WithResolverClock(now func() time.Time) ResolverOption {
	return func(r *TenantResolver) { r.now = now }
}

// NewTenantResolver creates a resolver over tenants
func NewTenantResolver(cfg ResolverConfig, tenants TenantLookup, opts ...ResolverOption) *TenantResolver {
	r := &TenantResolver{
		cfg:     cfg,
		tenants: tenants,
		log:     logrus.NewEntry(logrus.StandardLogger()),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.WithField("component", "tenant.resolver")
	return r
}

// Classify reports whether path is public, admin-only or tenant-scoped
func (r *TenantResolver) Classify(path string) RouteClass {
	if matchPrefix(path, r.cfg.PublicPrefixes) {
		return RoutePublic
	}
	if matchPrefix(path, r.cfg.AdminPrefixes) {
		return RouteAdmin
	}
	return RouteTenant
}

// matchPrefix matches whole path segments, so /api/authz is not under /api/auth
func matchPrefix(path string, prefixes []string) bool {
	for _, p := range prefixes {
		p = strings.TrimSuffix(p, "/")
		if p == "" {
			continue
		}
		if path == p || strings.HasPrefix(path, p+"/") {
			return true
		}
	}
	return false
}

// Identify extracts the tenant identifier in fixed priority order: header,
// host, bearer token claim, query parameter
func (r *TenantResolver) Identify(req *http.Request) (Identifier, bool) {
	if v := strings.TrimSpace(req.Header.Get(TenantHeader)); v != "" {
		return Identifier{Source: SourceHeader, Value: v}, true
	}
	if id, ok := r.identifyHost(req.Host); ok {
		return id, true
	}
	if r.claims != nil {
		if claims, ok := r.claims.VerifiedClaims(req); ok {
			if claims.TenantID != "" {
				return Identifier{Source: SourceToken, Value: claims.TenantID}, true
			}
			if claims.TenantSlug != "" {
				return Identifier{Source: SourceToken, Value: claims.TenantSlug}, true
			}
		}
	}
	q := req.URL.Query()
	if v := strings.TrimSpace(q.Get("tenantId")); v != "" {
		return Identifier{Source: SourceQuery, Value: v}, true
	}
	if v := strings.TrimSpace(q.Get("tenantSlug")); v != "" {
		return Identifier{Source: SourceQuery, Value: v}, true
	}
	return Identifier{}, false
}

func (r *TenantResolver) identifyHost(hostport string) (Identifier, bool) {
	host := strings.ToLower(hostport)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.TrimSuffix(host, ".")
	if host == "" || host == "localhost" || net.ParseIP(host) != nil {
		return Identifier{}, false
	}

	base := strings.ToLower(strings.Trim(r.cfg.BaseDomain, "."))
	if base != "" {
		if host == base {
			return Identifier{}, false
		}
		if !strings.HasSuffix(host, "."+base) {
			// a host outside the platform domain can only be a custom domain
			return Identifier{Source: SourceDomain, Value: host}, true
		}
		label := strings.TrimSuffix(host, "."+base)
		if i := strings.LastIndex(label, "."); i >= 0 {
			label = label[i+1:]
		}
		if r.reserved(label) {
			return Identifier{}, false
		}
		return Identifier{Source: SourceSubdomain, Value: label}, true
	}

	labels := strings.Split(host, ".")
	if len(labels) < 3 || r.reserved(labels[0]) {
		return Identifier{}, false
	}
	return Identifier{Source: SourceSubdomain, Value: labels[0], Host: host}, true
}

func (r *TenantResolver) reserved(label string) bool {
	for _, s := range r.cfg.ReservedSubdomains {
		if strings.EqualFold(label, s) {
			return true
		}
	}
	return false
}

// Resolve loads the tenant named by id and validates its state. Failures
// are *TenantError values ready to be sent.
func (r *TenantResolver) Resolve(ctx context.Context, id Identifier) (*models.Tenant, error) {
	tenant, err := r.lookup(ctx, id)
	if err != nil {
		if errors.Is(err, directory.ErrTenantNotFound) {
			return nil, errTenantNotFound(id.Value)
		}
		r.log.WithError(err).WithFields(logrus.Fields{
			"source":     id.Source,
			"identifier": id.Value,
		}).Error("Tenant lookup failed")
		return nil, errDirectoryUnavailable()
	}
	if err := r.Validate(tenant); err != nil {
		return nil, err
	}
	return tenant, nil
}

func (r *TenantResolver) lookup(ctx context.Context, id Identifier) (*models.Tenant, error) {
	if id.Source == SourceDomain {
		return r.tenants.FindByDomain(ctx, id.Value)
	}
	if tid, err := uuid.Parse(id.Value); err == nil {
		return r.tenants.FindByID(ctx, tid)
	}
	tenant, err := r.tenants.FindBySlug(ctx, id.Value)
	if errors.Is(err, directory.ErrTenantNotFound) && id.Host != "" {
		return r.tenants.FindByDomain(ctx, id.Host)
	}
	return tenant, err
}

// Validate applies the state checks in order: inactive, suspended, trial
// lapsed
func (r *TenantResolver) Validate(t *models.Tenant) *TenantError {
	if !t.IsActive {
		return errTenantInactive(t)
	}
	if t.IsSuspended {
		return errTenantSuspended(t)
	}
	if t.TrialExpired(r.now()) {
		return errTrialExpired(t)
	}
	return nil
}

// ResolveTenant middleware resolves the tenant, arms the tenant scope on the
// request context and records activity
func (r *TenantResolver) ResolveTenant() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.Request.URL.Path
		if r.Classify(path) != RouteTenant {
			c.Next()
			return
		}

		id, ok := r.Identify(c.Request)
		if !ok {
			errTenantRequired().Respond(c)
			return
		}

		tenant, err := r.Resolve(c.Request.Context(), id)
		if err != nil {
			var te *TenantError
			if !errors.As(err, &te) {
				te = errDirectoryUnavailable()
			}
			r.log.WithFields(logrus.Fields{
				"code":       te.Code,
				"source":     id.Source,
				"identifier": id.Value,
				"path":       path,
			}).Info("Tenant resolution rejected")
			te.Respond(c)
			return
		}

		now := r.now()
		tc := tenancy.NewContext(tenant, now)
		ctx := tenancy.WithTenant(c.Request.Context(), tc)
		c.Request = c.Request.WithContext(ctx)
		c.Set(TenantContextKey, tc)

		r.recordActivity(ctx, tenant.ID, path, now)
		c.Next()
	}
}

// recordActivity never fails the request
func (r *TenantResolver) recordActivity(ctx context.Context, id uuid.UUID, path string, now time.Time) {
	if r.activity == nil {
		return
	}
	log := r.log.WithField("tenant_id", id)
	if err := r.activity.TouchActivity(ctx, id, now); err != nil {
		log.WithError(err).Warn("Failed to record tenant activity")
	}
	if matchPrefix(path, r.cfg.IdlePrefixes) {
		return
	}
	if _, err := r.activity.IncrementUsage(ctx, id, models.ResourceAPICalls, 1); err != nil {
		log.WithError(err).Warn("Failed to count API call")
	}
}

// TenantFromGin returns the tenant resolved for c
func TenantFromGin(c *gin.Context) (tenancy.Context, bool) {
	return tenancy.FromContext(c.Request.Context())
}
