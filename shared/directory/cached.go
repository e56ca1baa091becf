package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/pavitra93/go-trade-spend-platform/shared/models"
	"github.com/pavitra93/go-trade-spend-platform/shared/utils"
)

// Backend is the store Cached fronts
type Backend interface {
	FindByID(ctx context.Context, id uuid.UUID) (*models.Tenant, error)
	FindBySlug(ctx context.Context, slug string) (*models.Tenant, error)
	FindByDomain(ctx context.Context, domain string) (*models.Tenant, error)
	List(ctx context.Context, opts ListOptions) ([]models.Tenant, int64, error)
	SlugAvailable(ctx context.Context, slug string) (bool, error)
	Create(ctx context.Context, t *models.Tenant) error
	IncrementUsage(ctx context.Context, id uuid.UUID, resource models.UsageResource, n int64) (int64, error)
	CurrentUsage(ctx context.Context, id uuid.UUID, resource models.UsageResource) (int64, error)
	SetResourceCounts(ctx context.Context, id uuid.UUID, counts models.TenantUsage) error
	ResetMonthlyUsage(ctx context.Context, id uuid.UUID) error
	TouchActivity(ctx context.Context, id uuid.UUID, at time.Time) error
	Suspend(ctx context.Context, id uuid.UUID, reason string) (*models.Tenant, error)
	Reactivate(ctx context.Context, id uuid.UUID) (*models.Tenant, error)
	Cancel(ctx context.Context, id uuid.UUID) (*models.Tenant, error)
	ChangePlan(ctx context.Context, id uuid.UUID, plan models.Plan) (*models.Tenant, error)
	ExpireTrials(ctx context.Context, now time.Time) ([]uuid.UUID, error)
}

// Cached fronts a Backend with a Redis read-through cache and a circuit
// breaker. Lookups fail closed: when the backend is down or the breaker is
// open they return ErrDirectoryUnavailable, never a stand-in tenant.
//
// Cached tenants carry a usage snapshot that may trail the counters by up to
// the TTL; quota checks read CurrentUsage, which bypasses the cache.
type Cached struct {
	backend Backend
	redis   *redis.Client
	breaker *utils.CircuitBreaker
	ttl     time.Duration
	log     *logrus.Entry
}

// CachedOption configures Cached
type CachedOption func(*Cached)

// WithRedis enables the cache. Without it every lookup goes to the backend.
func WithRedis(client *redis.Client, ttl time.Duration) CachedOption {
	return func(c *Cached) {
		c.redis = client
		c.ttl = ttl
	}
}

// WithBreaker replaces the default breaker
func WithBreaker(b *utils.CircuitBreaker) CachedOption {
	return func(c *Cached) {
		c.breaker = b
	}
}

// WithCacheLogger sets the logger
func WithCacheLogger(log *logrus.Entry) CachedOption {
	return func(c *Cached) {
		c.log = log
	}
}

// NewCached wraps backend
func NewCached(backend Backend, opts ...CachedOption) *Cached {
	c := &Cached{
		backend: backend,
		ttl:     time.Minute,
		log:     logrus.NewEntry(logrus.StandardLogger()),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.breaker == nil {
		c.breaker = NewBreaker(5, 30*time.Second)
	}
	c.log = c.log.WithField("component", "directory")
	return c
}

// NewBreaker returns a breaker that ignores not-found and invalid-input
// outcomes, which say nothing about the directory's health
func NewBreaker(maxFailures int, resetTimeout time.Duration) *utils.CircuitBreaker {
	return utils.NewCircuitBreaker(maxFailures, resetTimeout, utils.WithSuccessfulErrors(func(err error) bool {
		return errors.Is(err, ErrTenantNotFound) ||
			errors.Is(err, ErrSlugTaken) ||
			errors.Is(err, ErrInvalidPlan) ||
			errors.Is(err, ErrInvalidResource) ||
			errors.Is(err, context.Canceled)
	}))
}

func idKey(id uuid.UUID) string { return "tenant:id:" + id.String() }

func slugKey(slug string) string { return "tenant:slug:" + NormalizeSlug(slug) }

func domainKey(domain string) string { return "tenant:domain:" + NormalizeSlug(domain) }

func keysFor(t *models.Tenant) []string {
	keys := []string{idKey(t.ID), slugKey(t.Slug)}
	if t.CustomDomain != nil && *t.CustomDomain != "" {
		keys = append(keys, domainKey(*t.CustomDomain))
	}
	return keys
}

// guard runs fn through the breaker and maps outages to
// ErrDirectoryUnavailable
func (c *Cached) guard(op string, fn func() error) error {
	err := c.breaker.Call(fn)
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, utils.ErrCircuitOpen), errors.Is(err, utils.ErrTooManyRequests):
		c.log.WithField("operation", op).Warn("Tenant directory breaker open")
		return fmt.Errorf("%w: %v", ErrDirectoryUnavailable, err)
	case c.breaker.IsSuccessful(err):
		return err
	}
	c.log.WithField("operation", op).WithError(err).Error("Tenant directory call failed")
	return fmt.Errorf("%w: %v", ErrDirectoryUnavailable, err)
}

func (c *Cached) lookup(ctx context.Context, key string, load func() (*models.Tenant, error)) (*models.Tenant, error) {
	if t, ok := c.cacheGet(ctx, key); ok {
		return t, nil
	}

	var t *models.Tenant
	err := c.guard("lookup", func() error {
		var err error
		t, err = load()
		return err
	})
	if err != nil {
		return nil, err
	}
	c.cachePut(ctx, t)
	return t, nil
}

// FindByID looks a tenant up by id
func (c *Cached) FindByID(ctx context.Context, id uuid.UUID) (*models.Tenant, error) {
	return c.lookup(ctx, idKey(id), func() (*models.Tenant, error) { return c.backend.FindByID(ctx, id) })
}

// FindBySlug looks a tenant up by slug
func (c *Cached) FindBySlug(ctx context.Context, slug string) (*models.Tenant, error) {
	return c.lookup(ctx, slugKey(slug), func() (*models.Tenant, error) { return c.backend.FindBySlug(ctx, slug) })
}

// FindByDomain looks a tenant up by custom domain
func (c *Cached) FindByDomain(ctx context.Context, domain string) (*models.Tenant, error) {
	return c.lookup(ctx, domainKey(domain), func() (*models.Tenant, error) { return c.backend.FindByDomain(ctx, domain) })
}

// List is never cached
func (c *Cached) List(ctx context.Context, opts ListOptions) ([]models.Tenant, int64, error) {
	var (
		tenants []models.Tenant
		total   int64
	)
	err := c.guard("list", func() error {
		var err error
		tenants, total, err = c.backend.List(ctx, opts)
		return err
	})
	return tenants, total, err
}

func (c *Cached) SlugAvailable(ctx context.Context, slug string) (bool, error) {
	var ok bool
	err := c.guard("slug_available", func() error {
		var err error
		ok, err = c.backend.SlugAvailable(ctx, slug)
		return err
	})
	return ok, err
}

func (c *Cached) Create(ctx context.Context, t *models.Tenant) error {
	return c.guard("create", func() error { return c.backend.Create(ctx, t) })
}

// IncrementUsage goes straight to the backend; cached snapshots are not
// invalidated for usage changes
func (c *Cached) IncrementUsage(ctx context.Context, id uuid.UUID, resource models.UsageResource, n int64) (int64, error) {
	var v int64
	err := c.guard("increment_usage", func() error {
		var err error
		v, err = c.backend.IncrementUsage(ctx, id, resource, n)
		return err
	})
	return v, err
}

func (c *Cached) CurrentUsage(ctx context.Context, id uuid.UUID, resource models.UsageResource) (int64, error) {
	var v int64
	err := c.guard("current_usage", func() error {
		var err error
		v, err = c.backend.CurrentUsage(ctx, id, resource)
		return err
	})
	return v, err
}

func (c *Cached) SetResourceCounts(ctx context.Context, id uuid.UUID, counts models.TenantUsage) error {
	err := c.guard("set_resource_counts", func() error { return c.backend.SetResourceCounts(ctx, id, counts) })
	if err == nil {
		c.invalidateID(ctx, id)
	}
	return err
}

func (c *Cached) ResetMonthlyUsage(ctx context.Context, id uuid.UUID) error {
	err := c.guard("reset_monthly_usage", func() error { return c.backend.ResetMonthlyUsage(ctx, id) })
	if err == nil {
		c.invalidateID(ctx, id)
	}
	return err
}

func (c *Cached) TouchActivity(ctx context.Context, id uuid.UUID, at time.Time) error {
	return c.guard("touch_activity", func() error { return c.backend.TouchActivity(ctx, id, at) })
}

func (c *Cached) Suspend(ctx context.Context, id uuid.UUID, reason string) (*models.Tenant, error) {
	return c.mutate(ctx, "suspend", func() (*models.Tenant, error) { return c.backend.Suspend(ctx, id, reason) })
}

func (c *Cached) Reactivate(ctx context.Context, id uuid.UUID) (*models.Tenant, error) {
	return c.mutate(ctx, "reactivate", func() (*models.Tenant, error) { return c.backend.Reactivate(ctx, id) })
}

func (c *Cached) Cancel(ctx context.Context, id uuid.UUID) (*models.Tenant, error) {
	return c.mutate(ctx, "cancel", func() (*models.Tenant, error) { return c.backend.Cancel(ctx, id) })
}

func (c *Cached) ChangePlan(ctx context.Context, id uuid.UUID, plan models.Plan) (*models.Tenant, error) {
	return c.mutate(ctx, "change_plan", func() (*models.Tenant, error) { return c.backend.ChangePlan(ctx, id, plan) })
}

func (c *Cached) ExpireTrials(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := c.guard("expire_trials", func() error {
		var err error
		ids, err = c.backend.ExpireTrials(ctx, now)
		return err
	})
	for _, id := range ids {
		c.invalidateID(ctx, id)
	}
	return ids, err
}

func (c *Cached) mutate(ctx context.Context, op string, fn func() (*models.Tenant, error)) (*models.Tenant, error) {
	var t *models.Tenant
	err := c.guard(op, func() error {
		var err error
		t, err = fn()
		return err
	})
	if err != nil {
		return nil, err
	}
	c.invalidate(ctx, t)
	return t, nil
}

func (c *Cached) cacheGet(ctx context.Context, key string) (*models.Tenant, bool) {
	if c.redis == nil {
		return nil, false
	}
	data, err := c.redis.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.log.WithError(err).WithField("key", key).Warn("Tenant cache read failed")
		}
		return nil, false
	}

	var t models.Tenant
	if err := json.Unmarshal(data, &t); err != nil {
		c.log.WithError(err).WithField("key", key).Warn("Dropping undecodable tenant cache entry")
		c.redis.Del(ctx, key)
		return nil, false
	}
	return &t, true
}

func (c *Cached) cachePut(ctx context.Context, t *models.Tenant) {
	if c.redis == nil || t == nil {
		return
	}
	data, err := json.Marshal(t)
	if err != nil {
		return
	}
	pipe := c.redis.TxPipeline()
	for _, key := range keysFor(t) {
		pipe.Set(ctx, key, data, c.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		c.log.WithError(err).WithField("tenant_id", t.ID).Warn("Tenant cache write failed")
	}
}

func (c *Cached) invalidate(ctx context.Context, t *models.Tenant) {
	if c.redis == nil || t == nil {
		return
	}
	if err := c.redis.Del(ctx, keysFor(t)...).Err(); err != nil {
		c.log.WithError(err).WithField("tenant_id", t.ID).Warn("Tenant cache invalidation failed")
	}
}

// invalidateID drops the id entry and, when it is cached, the slug and
// domain entries it points at
func (c *Cached) invalidateID(ctx context.Context, id uuid.UUID) {
	if c.redis == nil {
		return
	}
	if t, ok := c.cacheGet(ctx, idKey(id)); ok {
		c.invalidate(ctx, t)
		return
	}
	if err := c.redis.Del(ctx, idKey(id)).Err(); err != nil {
		c.log.WithError(err).WithField("tenant_id", id).Warn("Tenant cache invalidation failed")
	}
}
