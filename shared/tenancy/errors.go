package tenancy

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrNoTenantScope is returned for a tenant-scoped statement issued
	// with no scope armed on its context
	ErrNoTenantScope = errors.New("tenancy: no tenant scope on context")
	// ErrTenantMismatch is returned when a record names a tenant other than
	// the armed one
	ErrTenantMismatch = errors.New("tenancy: tenant id does not match scope")
	// ErrMissingTenantID is returned when a tenant-scoped record is written
	// without a tenant id outside a tenant scope
	ErrMissingTenantID = errors.New("tenancy: tenant-scoped record has no tenant id")
	// ErrRawQueryScoped is returned under a tenant scope for raw SQL, or for
	// a table expression the enforcer cannot read, since neither can be
	// predicated automatically
	ErrRawQueryScoped = errors.New("tenancy: raw SQL or table expression requires an explicit without-tenant scope")
)

// ScopeViolationError describes a record or request that names a tenant
// other than the one in scope
type ScopeViolationError struct {
	Table    string
	Expected uuid.UUID
	Actual   string
}

func (e *ScopeViolationError) Error() string {
	if e.Table == "" {
		return fmt.Sprintf("tenancy: tenant %s does not match scope %s", e.Actual, e.Expected)
	}
	return fmt.Sprintf("tenancy: %s row for tenant %s does not match scope %s", e.Table, e.Actual, e.Expected)
}

func (e *ScopeViolationError) Unwrap() error {
	return ErrTenantMismatch
}

// IsScopingError reports whether err came from the scoping layer
func IsScopingError(err error) bool {
	return errors.Is(err, ErrNoTenantScope) ||
		errors.Is(err, ErrTenantMismatch) ||
		errors.Is(err, ErrMissingTenantID) ||
		errors.Is(err, ErrRawQueryScoped)
}

// CheckTenant compares a tenant id named by a caller, e.g. in a request
// body, against the scope on ctx. An empty claim passes.
func CheckTenant(ctx context.Context, claimed string) error {
	if claimed == "" {
		return nil
	}
	s := ScopeFrom(ctx)
	if s.IsWithoutTenant() {
		return nil
	}
	id, ok := s.TenantID()
	if !ok {
		return ErrNoTenantScope
	}
	if parsed, err := uuid.Parse(claimed); err != nil || parsed != id {
		return &ScopeViolationError{Expected: id, Actual: claimed}
	}
	return nil
}
