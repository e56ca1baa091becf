package models

import "time"

// Feature names a subscription-gated capability
type Feature string

const (
	FeatureAdvancedAnalytics      Feature = "advanced_analytics"
	FeatureTradeSpendOptimization Feature = "trade_spend_optimization"
	FeatureClaimsManagement       Feature = "claims_management"
	FeatureDeductions             Feature = "deductions"
	FeatureSAPIntegration         Feature = "sap_integration"
	FeatureCustomReports          Feature = "custom_reports"
	FeatureAPIAccess              Feature = "api_access"
	FeatureMultiCurrency          Feature = "multi_currency"
	FeatureAIInsights             Feature = "ai_insights"
)

// AllFeatures is the fixed set of features a tenant can hold
var AllFeatures = []Feature{
	FeatureAdvancedAnalytics,
	FeatureTradeSpendOptimization,
	FeatureClaimsManagement,
	FeatureDeductions,
	FeatureSAPIntegration,
	FeatureCustomReports,
	FeatureAPIAccess,
	FeatureMultiCurrency,
	FeatureAIInsights,
}

// FeatureSet maps a feature to whether it is enabled
type FeatureSet map[Feature]bool

// Enabled reports whether f is set true
func (fs FeatureSet) Enabled(f Feature) bool {
	return fs[f]
}

// Clone returns an independent copy
func (fs FeatureSet) Clone() FeatureSet {
	out := make(FeatureSet, len(fs))
	for k, v := range fs {
		out[k] = v
	}
	return out
}

// IsKnownFeature reports whether name is one of AllFeatures
func IsKnownFeature(name string) bool {
	for _, f := range AllFeatures {
		if string(f) == name {
			return true
		}
	}
	return false
}

// TrialPeriod is the length of a new trial subscription
const TrialPeriod = 14 * 24 * time.Hour

// IsValidPlan reports whether p is a known plan
func IsValidPlan(p Plan) bool {
	switch p {
	case PlanTrial, PlanStarter, PlanProfessional, PlanEnterprise:
		return true
	}
	return false
}

// DefaultLimits returns the resource limits that come with a plan
func DefaultLimits(p Plan) TenantLimits {
	switch p {
	case PlanStarter:
		return TenantLimits{MaxUsers: 10, MaxCustomers: 200, MaxProducts: 500, MaxPromotions: 100, MaxAPICallsPerMonth: 50000, MaxStorageMB: 5120}
	case PlanProfessional:
		return TenantLimits{MaxUsers: 50, MaxCustomers: 2000, MaxProducts: 5000, MaxPromotions: 1000, MaxAPICallsPerMonth: 500000, MaxStorageMB: 51200}
	case PlanEnterprise:
		return TenantLimits{MaxUsers: Unlimited, MaxCustomers: Unlimited, MaxProducts: Unlimited, MaxPromotions: Unlimited, MaxAPICallsPerMonth: Unlimited, MaxStorageMB: Unlimited}
	default:
		return TenantLimits{MaxUsers: 5, MaxCustomers: 50, MaxProducts: 100, MaxPromotions: 25, MaxAPICallsPerMonth: 10000, MaxStorageMB: 1024}
	}
}

// DefaultFeatures returns the feature flags that come with a plan
func DefaultFeatures(p Plan) FeatureSet {
	fs := make(FeatureSet, len(AllFeatures))
	for _, f := range AllFeatures {
		fs[f] = false
	}
	switch p {
	case PlanEnterprise:
		for _, f := range AllFeatures {
			fs[f] = true
		}
	case PlanProfessional:
		fs[FeatureAdvancedAnalytics] = true
		fs[FeatureTradeSpendOptimization] = true
		fs[FeatureClaimsManagement] = true
		fs[FeatureDeductions] = true
		fs[FeatureCustomReports] = true
		fs[FeatureAPIAccess] = true
		fs[FeatureMultiCurrency] = true
	case PlanStarter:
		fs[FeatureClaimsManagement] = true
		fs[FeatureCustomReports] = true
	case PlanTrial:
		// trials preview analytics so the upgrade path is visible
		fs[FeatureAdvancedAnalytics] = true
	}
	return fs
}

// UsageResource names a metered tenant resource. The value is the suffix of
// both its limit_ and usage_ columns.
type UsageResource string

const (
	ResourceUsers      UsageResource = "users"
	ResourceCustomers  UsageResource = "customers"
	ResourceProducts   UsageResource = "products"
	ResourcePromotions UsageResource = "promotions"
	ResourceAPICalls   UsageResource = "api_calls"
	ResourceStorageMB  UsageResource = "storage_mb"
)

// UsageColumn returns the usage_ column for r
func (r UsageResource) UsageColumn() string {
	return "usage_" + string(r)
}

// Valid reports whether r is a known resource
func (r UsageResource) Valid() bool {
	switch r {
	case ResourceUsers, ResourceCustomers, ResourceProducts, ResourcePromotions, ResourceAPICalls, ResourceStorageMB:
		return true
	}
	return false
}

// Limit returns the limit for r
func (l TenantLimits) Limit(r UsageResource) int64 {
	switch r {
	case ResourceUsers:
		return l.MaxUsers
	case ResourceCustomers:
		return l.MaxCustomers
	case ResourceProducts:
		return l.MaxProducts
	case ResourcePromotions:
		return l.MaxPromotions
	case ResourceAPICalls:
		return l.MaxAPICallsPerMonth
	case ResourceStorageMB:
		return l.MaxStorageMB
	}
	return 0
}

// Count returns the usage for r
func (u TenantUsage) Count(r UsageResource) int64 {
	switch r {
	case ResourceUsers:
		return u.Users
	case ResourceCustomers:
		return u.Customers
	case ResourceProducts:
		return u.Products
	case ResourcePromotions:
		return u.Promotions
	case ResourceAPICalls:
		return u.APICalls
	case ResourceStorageMB:
		return u.StorageMB
	}
	return 0
}

// WithCount returns a copy of u with the usage for r set to n
func (u TenantUsage) WithCount(r UsageResource, n int64) TenantUsage {
	switch r {
	case ResourceUsers:
		u.Users = n
	case ResourceCustomers:
		u.Customers = n
	case ResourceProducts:
		u.Products = n
	case ResourcePromotions:
		u.Promotions = n
	case ResourceAPICalls:
		u.APICalls = n
	case ResourceStorageMB:
		u.StorageMB = n
	}
	return u
}
