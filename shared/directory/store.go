// Package directory is the system of record for tenants: identity,
// lifecycle, plan, limits, features and usage counters.
package directory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/pavitra93/go-trade-spend-platform/shared/models"
)

var (
	// ErrTenantNotFound is returned when no tenant matches the lookup
	ErrTenantNotFound = errors.New("tenant not found")
	// ErrDirectoryUnavailable is returned when the directory cannot answer
	ErrDirectoryUnavailable = errors.New("tenant directory unavailable")
	// ErrSlugTaken is returned when creating a tenant with an existing slug
	ErrSlugTaken = errors.New("tenant slug already taken")
	// ErrInvalidResource is returned for an unknown usage resource
	ErrInvalidResource = errors.New("unknown usage resource")
	// ErrInvalidPlan is returned for an unknown plan
	ErrInvalidPlan = errors.New("unknown plan")
)

var lifecycleColumns = []string{"status", "is_active", "is_suspended", "suspended_reason"}

var planColumns = []string{
	"plan", "trial_ends_at", "features",
	"limit_users", "limit_customers", "limit_products",
	"limit_promotions", "limit_api_calls", "limit_storage_mb",
}

// ListOptions filters List
type ListOptions struct {
	Status models.TenantStatus
	Plan   models.Plan
	Search string
	Limit  int
	Offset int
}

// Store reads and writes the tenants table. The table is not tenant-scoped,
// so Store works with any context.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// NewStore creates a directory store on db
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db, now: time.Now}
}

func (s *Store) first(ctx context.Context, query string, args ...interface{}) (*models.Tenant, error) {
	var t models.Tenant
	err := s.db.WithContext(ctx).Where(query, args...).First(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrTenantNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load tenant: %w", err)
	}
	return &t, nil
}

// FindByID looks a tenant up by id
func (s *Store) FindByID(ctx context.Context, id uuid.UUID) (*models.Tenant, error) {
	if id == uuid.Nil {
		return nil, ErrTenantNotFound
	}
	return s.first(ctx, "id = ?", id)
}

// FindBySlug looks a tenant up by slug, case-insensitively
func (s *Store) FindBySlug(ctx context.Context, slug string) (*models.Tenant, error) {
	slug = NormalizeSlug(slug)
	if slug == "" {
		return nil, ErrTenantNotFound
	}
	return s.first(ctx, "slug = ?", slug)
}

// FindByDomain looks a tenant up by its custom domain
func (s *Store) FindByDomain(ctx context.Context, domain string) (*models.Tenant, error) {
	domain = strings.ToLower(strings.TrimSpace(domain))
	if domain == "" {
		return nil, ErrTenantNotFound
	}
	return s.first(ctx, "custom_domain = ?", domain)
}

// List returns a page of tenants and the total matching count
func (s *Store) List(ctx context.Context, opts ListOptions) ([]models.Tenant, int64, error) {
	q := s.db.WithContext(ctx).Model(&models.Tenant{})
	if opts.Status != "" {
		q = q.Where("status = ?", opts.Status)
	}
	if opts.Plan != "" {
		q = q.Where("plan = ?", opts.Plan)
	}
	if opts.Search != "" {
		like := "%" + strings.ToLower(opts.Search) + "%"
		q = q.Where("LOWER(name) LIKE ? OR slug LIKE ?", like, like)
	}

	var total int64
	if err := q.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count tenants: %w", err)
	}

	if opts.Limit <= 0 || opts.Limit > 100 {
		opts.Limit = 50
	}
	var tenants []models.Tenant
	err := q.Order("created_at DESC").Limit(opts.Limit).Offset(opts.Offset).Find(&tenants).Error
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list tenants: %w", err)
	}
	return tenants, total, nil
}

// SlugAvailable reports whether no tenant, live or deleted, holds slug
func (s *Store) SlugAvailable(ctx context.Context, slug string) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Unscoped().Model(&models.Tenant{}).
		Where("slug = ?", NormalizeSlug(slug)).Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("failed to check slug: %w", err)
	}
	return n == 0, nil
}

// Create inserts a tenant
func (s *Store) Create(ctx context.Context, t *models.Tenant) error {
	if !models.IsValidPlan(t.Plan) {
		return ErrInvalidPlan
	}
	t.Slug = NormalizeSlug(t.Slug)
	if t.CustomDomain != nil {
		domain := strings.ToLower(strings.TrimSpace(*t.CustomDomain))
		t.CustomDomain = &domain
	}

	ok, err := s.SlugAvailable(ctx, t.Slug)
	if err != nil {
		return err
	}
	if !ok {
		return ErrSlugTaken
	}

	if err := s.db.WithContext(ctx).Create(t).Error; err != nil {
		return fmt.Errorf("failed to create tenant: %w", err)
	}
	return nil
}

// IncrementUsage adds n (which may be negative) to a usage counter and
// returns the new value. The add is a single UPDATE, so concurrent callers
// never lose increments. Counters do not go below zero.
func (s *Store) IncrementUsage(ctx context.Context, id uuid.UUID, resource models.UsageResource, n int64) (int64, error) {
	if !resource.Valid() {
		return 0, ErrInvalidResource
	}
	col := resource.UsageColumn()
	expr := gorm.Expr("CASE WHEN "+col+" + ? < 0 THEN 0 ELSE "+col+" + ? END", n, n)

	var value int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Tenant{}).Where("id = ?", id).UpdateColumn(col, expr)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrTenantNotFound
		}

		var t models.Tenant
		if err := tx.Select("id", col).Where("id = ?", id).First(&t).Error; err != nil {
			return err
		}
		value = t.Usage.Count(resource)
		return nil
	})
	if errors.Is(err, ErrTenantNotFound) {
		return 0, err
	}
	if err != nil {
		return 0, fmt.Errorf("failed to increment %s usage: %w", resource, err)
	}
	return value, nil
}

// CurrentUsage reads one usage counter
func (s *Store) CurrentUsage(ctx context.Context, id uuid.UUID, resource models.UsageResource) (int64, error) {
	if !resource.Valid() {
		return 0, ErrInvalidResource
	}
	var t models.Tenant
	err := s.db.WithContext(ctx).Select("id", resource.UsageColumn()).Where("id = ?", id).First(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, ErrTenantNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read %s usage: %w", resource, err)
	}
	return t.Usage.Count(resource), nil
}

// SetResourceCounts overwrites the counters a recount can derive from rows:
// users, customers, products and promotions. Metered counters (api calls,
// storage) are only ever changed by IncrementUsage and ResetMonthlyUsage.
func (s *Store) SetResourceCounts(ctx context.Context, id uuid.UUID, counts models.TenantUsage) error {
	res := s.db.WithContext(ctx).Model(&models.Tenant{}).Where("id = ?", id).UpdateColumns(map[string]interface{}{
		models.ResourceUsers.UsageColumn():      counts.Users,
		models.ResourceCustomers.UsageColumn():  counts.Customers,
		models.ResourceProducts.UsageColumn():   counts.Products,
		models.ResourcePromotions.UsageColumn(): counts.Promotions,
	})
	return rowsOrNotFound(res, "failed to set resource counts")
}

// ResetMonthlyUsage zeroes the monthly api call counter
func (s *Store) ResetMonthlyUsage(ctx context.Context, id uuid.UUID) error {
	res := s.db.WithContext(ctx).Model(&models.Tenant{}).Where("id = ?", id).
		UpdateColumn(models.ResourceAPICalls.UsageColumn(), 0)
	return rowsOrNotFound(res, "failed to reset monthly usage")
}

// TouchActivity records the tenant's last request time
func (s *Store) TouchActivity(ctx context.Context, id uuid.UUID, at time.Time) error {
	res := s.db.WithContext(ctx).Model(&models.Tenant{}).Where("id = ?", id).UpdateColumn("last_activity_at", at)
	return rowsOrNotFound(res, "failed to touch tenant activity")
}

// Suspend moves a tenant to suspended
func (s *Store) Suspend(ctx context.Context, id uuid.UUID, reason string) (*models.Tenant, error) {
	return s.transition(ctx, id, lifecycleColumns, func(t *models.Tenant) { t.Suspend(reason) })
}

// Reactivate moves a tenant back to active
func (s *Store) Reactivate(ctx context.Context, id uuid.UUID) (*models.Tenant, error) {
	return s.transition(ctx, id, lifecycleColumns, func(t *models.Tenant) { t.Reactivate() })
}

// Cancel moves a tenant to cancelled
func (s *Store) Cancel(ctx context.Context, id uuid.UUID) (*models.Tenant, error) {
	return s.transition(ctx, id, lifecycleColumns, func(t *models.Tenant) { t.Cancel() })
}

// ChangePlan moves a tenant to plan with that plan's limits and features.
// Leaving the trial clears the trial end.
func (s *Store) ChangePlan(ctx context.Context, id uuid.UUID, plan models.Plan) (*models.Tenant, error) {
	if !models.IsValidPlan(plan) {
		return nil, ErrInvalidPlan
	}
	now := s.now()
	return s.transition(ctx, id, planColumns, func(t *models.Tenant) {
		if t.Plan != plan {
			t.TrialEndsAt = nil
			if plan == models.PlanTrial {
				end := now.Add(models.TrialPeriod)
				t.TrialEndsAt = &end
			}
		}
		t.Plan = plan
		t.Limits = models.DefaultLimits(plan)
		t.Features = models.DefaultFeatures(plan)
	})
}

// ExpireTrials marks every active trial tenant whose trial ended before now
// as expired, and returns their ids
func (s *Store) ExpireTrials(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Model(&models.Tenant{}).
			Where("plan = ? AND status = ? AND trial_ends_at IS NOT NULL AND trial_ends_at < ?",
				models.PlanTrial, models.TenantStatusActive, now).
			Pluck("id", &ids).Error
		if err != nil || len(ids) == 0 {
			return err
		}
		return tx.Model(&models.Tenant{}).Where("id IN ?", ids).UpdateColumns(map[string]interface{}{
			"status":    models.TenantStatusExpired,
			"is_active": false,
		}).Error
	})
	if err != nil {
		return nil, fmt.Errorf("failed to expire trials: %w", err)
	}
	return ids, nil
}

// transition loads a tenant, applies fn and writes back only columns, so a
// lifecycle change never overwrites concurrently incremented usage
func (s *Store) transition(ctx context.Context, id uuid.UUID, columns []string, fn func(*models.Tenant)) (*models.Tenant, error) {
	t, err := s.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	fn(t)

	cols := append(append([]string{}, columns...), "updated_at")
	if err := s.db.WithContext(ctx).Model(t).Select(cols).Updates(t).Error; err != nil {
		return nil, fmt.Errorf("failed to update tenant: %w", err)
	}
	return t, nil
}

func rowsOrNotFound(res *gorm.DB, msg string) error {
	if res.Error != nil {
		return fmt.Errorf("%s: %w", msg, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrTenantNotFound
	}
	return nil
}

// NormalizeSlug lower-cases and trims a slug
func NormalizeSlug(slug string) string {
	return strings.ToLower(strings.TrimSpace(slug))
}
