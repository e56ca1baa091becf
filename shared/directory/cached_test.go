package directory

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pavitra93/go-trade-spend-platform/shared/models"
	"github.com/pavitra93/go-trade-spend-platform/shared/testutil"
	"github.com/pavitra93/go-trade-spend-platform/shared/utils"
)

// countingBackend counts lookups that reach the store and can be switched
// into a failing mode
type countingBackend struct {
	*Store
	lookups atomic.Int32
	down    atomic.Bool
}

var errConnRefused = errors.New("dial tcp 10.0.0.5:5432: connection refused")

func (b *countingBackend) FindByID(ctx context.Context, id uuid.UUID) (*models.Tenant, error) {
	b.lookups.Add(1)
	if b.down.Load() {
		return nil, errConnRefused
	}
	return b.Store.FindByID(ctx, id)
}

func (b *countingBackend) FindBySlug(ctx context.Context, slug string) (*models.Tenant, error) {
	b.lookups.Add(1)
	if b.down.Load() {
		return nil, errConnRefused
	}
	return b.Store.FindBySlug(ctx, slug)
}

func newCached(t *testing.T, opts ...CachedOption) (*Cached, *countingBackend, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	backend := &countingBackend{Store: NewStore(testutil.NewDB(t))}
	opts = append([]CachedOption{
		WithRedis(client, time.Minute),
		WithCacheLogger(testutil.QuietLogger()),
	}, opts...)
	return NewCached(backend, opts...), backend, mr
}

func TestCachedLookupIsReadThrough(t *testing.T) {
	c, backend, mr := newCached(t)
	ctx := context.Background()
	tenant := createTenant(t, backend.Store, "acme", models.PlanProfessional, time.Now())

	first, err := c.FindBySlug(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, tenant.ID, first.ID)

	second, err := c.FindBySlug(ctx, "ACME")
	require.NoError(t, err)
	assert.Equal(t, tenant.ID, second.ID)
	assert.True(t, second.Features.Enabled(models.FeatureAdvancedAnalytics))

	byID, err := c.FindByID(ctx, tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, "acme", byID.Slug)

	assert.Equal(t, int32(1), backend.lookups.Load())
	assert.True(t, mr.Exists(idKey(tenant.ID)))
	assert.Equal(t, time.Minute, mr.TTL(slugKey("acme")))
}

func TestCachedMutationsInvalidate(t *testing.T) {
	c, backend, mr := newCached(t)
	ctx := context.Background()
	tenant := createTenant(t, backend.Store, "acme", models.PlanStarter, time.Now())

	_, err := c.FindByID(ctx, tenant.ID)
	require.NoError(t, err)
	require.True(t, mr.Exists(slugKey("acme")))

	_, err = c.Suspend(ctx, tenant.ID, "chargeback")
	require.NoError(t, err)
	assert.False(t, mr.Exists(idKey(tenant.ID)))
	assert.False(t, mr.Exists(slugKey("acme")))

	got, err := c.FindBySlug(ctx, "acme")
	require.NoError(t, err)
	assert.True(t, got.IsSuspended)
}

func TestCachedNotFoundDoesNotTripBreaker(t *testing.T) {
	breaker := NewBreaker(2, time.Minute)
	c, _, _ := newCached(t, WithBreaker(breaker))

	for i := 0; i < 5; i++ {
		_, err := c.FindBySlug(context.Background(), "ghost")
		assert.ErrorIs(t, err, ErrTenantNotFound)
		assert.NotErrorIs(t, err, ErrDirectoryUnavailable)
	}
	assert.Equal(t, utils.StateClosed, breaker.GetState())
}

func TestCachedFailsClosedWhenStoreIsDown(t *testing.T) {
	breaker := NewBreaker(2, time.Minute)
	c, backend, _ := newCached(t, WithBreaker(breaker))
	ctx := context.Background()
	tenant := createTenant(t, backend.Store, "acme", models.PlanStarter, time.Now())
	backend.down.Store(true)

	for i := 0; i < 2; i++ {
		got, err := c.FindByID(ctx, tenant.ID)
		assert.ErrorIs(t, err, ErrDirectoryUnavailable)
		assert.Nil(t, got)
	}
	assert.Equal(t, utils.StateOpen, breaker.GetState())

	before := backend.lookups.Load()
	_, err := c.FindByID(ctx, tenant.ID)
	assert.ErrorIs(t, err, ErrDirectoryUnavailable)
	assert.Equal(t, before, backend.lookups.Load())
}

func TestCachedSurvivesRedisOutage(t *testing.T) {
	c, backend, mr := newCached(t)
	tenant := createTenant(t, backend.Store, "acme", models.PlanStarter, time.Now())
	mr.Close()

	got, err := c.FindByID(context.Background(), tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, tenant.ID, got.ID)
}

func TestCachedWithoutRedis(t *testing.T) {
	backend := &countingBackend{Store: NewStore(testutil.NewDB(t))}
	c := NewCached(backend, WithCacheLogger(testutil.QuietLogger()))
	tenant := createTenant(t, backend.Store, "acme", models.PlanStarter, time.Now())

	for i := 0; i < 3; i++ {
		_, err := c.FindByID(context.Background(), tenant.ID)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(3), backend.lookups.Load())

	v, err := c.IncrementUsage(context.Background(), tenant.ID, models.ResourceUsers, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)
}
