package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// TenantStatus is the stored lifecycle state of a tenant
type TenantStatus string

const (
	TenantStatusActive    TenantStatus = "active"
	TenantStatusSuspended TenantStatus = "suspended"
	TenantStatusCancelled TenantStatus = "cancelled"
	TenantStatusExpired   TenantStatus = "expired"
)

// Plan is the subscription tier of a tenant
type Plan string

const (
	PlanTrial        Plan = "trial"
	PlanStarter      Plan = "starter"
	PlanProfessional Plan = "professional"
	PlanEnterprise   Plan = "enterprise"
)

// Unlimited disables limit checking for a resource
const Unlimited int64 = -1

// Tenant represents an isolated customer organization
type Tenant struct {
	ID              uuid.UUID      `json:"id" gorm:"type:uuid;primaryKey"`
	Name            string         `json:"name" gorm:"type:varchar(255);not null"`
	Slug            string         `json:"slug" gorm:"type:varchar(100);uniqueIndex;not null"`
	CustomDomain    *string        `json:"custom_domain,omitempty" gorm:"type:varchar(255);uniqueIndex"`
	Status          TenantStatus   `json:"status" gorm:"type:varchar(20);not null;default:'active'"`
	IsActive        bool           `json:"is_active" gorm:"not null"`
	IsSuspended     bool           `json:"is_suspended" gorm:"not null;default:false"`
	SuspendedReason string         `json:"suspended_reason,omitempty" gorm:"type:varchar(255)"`
	Plan            Plan           `json:"plan" gorm:"type:varchar(20);not null;default:'trial'"`
	TrialEndsAt     *time.Time     `json:"trial_ends_at,omitempty"`
	Limits          TenantLimits   `json:"limits" gorm:"embedded;embeddedPrefix:limit_"`
	Usage           TenantUsage    `json:"usage" gorm:"embedded;embeddedPrefix:usage_"`
	Features        FeatureSet     `json:"features" gorm:"type:jsonb;serializer:json"`
	Settings        TenantSettings `json:"settings" gorm:"type:jsonb;serializer:json"`
	LastActivityAt  *time.Time     `json:"last_activity_at,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	DeletedAt       gorm.DeletedAt `json:"-" gorm:"index"`
}

// TenantLimits holds per-resource maximums. Unlimited disables a check.
type TenantLimits struct {
	MaxUsers            int64 `json:"max_users" gorm:"column:users;not null"`
	MaxCustomers        int64 `json:"max_customers" gorm:"column:customers;not null"`
	MaxProducts         int64 `json:"max_products" gorm:"column:products;not null"`
	MaxPromotions       int64 `json:"max_promotions" gorm:"column:promotions;not null"`
	MaxAPICallsPerMonth int64 `json:"max_api_calls_per_month" gorm:"column:api_calls;not null"`
	MaxStorageMB        int64 `json:"max_storage_mb" gorm:"column:storage_mb;not null"`
}

// TenantUsage holds the current per-resource counts
type TenantUsage struct {
	Users      int64 `json:"users" gorm:"column:users;not null;default:0"`
	Customers  int64 `json:"customers" gorm:"column:customers;not null;default:0"`
	Products   int64 `json:"products" gorm:"column:products;not null;default:0"`
	Promotions int64 `json:"promotions" gorm:"column:promotions;not null;default:0"`
	APICalls   int64 `json:"api_calls" gorm:"column:api_calls;not null;default:0"`
	StorageMB  int64 `json:"storage_mb" gorm:"column:storage_mb;not null;default:0"`
}

// TenantSettings are tenant-level preferences
type TenantSettings struct {
	Currency         string `json:"currency,omitempty"`
	Timezone         string `json:"timezone,omitempty"`
	Locale           string `json:"locale,omitempty"`
	FiscalYearStarts int    `json:"fiscal_year_starts,omitempty"`
}

// TableName returns the table name for the Tenant model
func (Tenant) TableName() string {
	return "tenants"
}

// BeforeCreate assigns an id when the caller did not
func (t *Tenant) BeforeCreate(tx *gorm.DB) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	return nil
}

// BeforeSave keeps the is_active/is_suspended pair consistent with Status
func (t *Tenant) BeforeSave(tx *gorm.DB) error {
	t.normalizeFlags()
	return nil
}

func (t *Tenant) normalizeFlags() {
	switch t.Status {
	case TenantStatusSuspended:
		t.IsActive = false
		t.IsSuspended = true
	case TenantStatusCancelled, TenantStatusExpired:
		t.IsActive = false
	case TenantStatusActive:
		t.IsSuspended = false
	}
}

// TrialExpired reports whether a trial tenant's trial end has passed
func (t *Tenant) TrialExpired(now time.Time) bool {
	return t.Plan == PlanTrial && t.TrialEndsAt != nil && now.After(*t.TrialEndsAt)
}

// EffectiveStatus derives the lifecycle state, treating a lapsed trial as expired
func (t *Tenant) EffectiveStatus(now time.Time) TenantStatus {
	if t.Status == TenantStatusActive && t.TrialExpired(now) {
		return TenantStatusExpired
	}
	return t.Status
}

// Suspend moves the tenant to the suspended state
func (t *Tenant) Suspend(reason string) {
	t.Status = TenantStatusSuspended
	t.SuspendedReason = reason
	t.normalizeFlags()
}

// Reactivate moves the tenant back to the active state
func (t *Tenant) Reactivate() {
	t.Status = TenantStatusActive
	t.IsActive = true
	t.SuspendedReason = ""
	t.normalizeFlags()
}

// Cancel moves the tenant to the cancelled state
func (t *Tenant) Cancel() {
	t.Status = TenantStatusCancelled
	t.normalizeFlags()
}

// NewTenant builds an active tenant on the given plan with the plan's
// default limits and features
func NewTenant(name, slug string, plan Plan, now time.Time) *Tenant {
	t := &Tenant{
		ID:       uuid.New(),
		Name:     name,
		Slug:     slug,
		Status:   TenantStatusActive,
		IsActive: true,
		Plan:     plan,
		Limits:   DefaultLimits(plan),
		Features: DefaultFeatures(plan),
		Settings: TenantSettings{Currency: "USD", Timezone: "UTC", Locale: "en-US", FiscalYearStarts: 1},
	}
	if plan == PlanTrial {
		end := now.Add(TrialPeriod)
		t.TrialEndsAt = &end
	}
	return t
}
