// Package tenancy confines data access to a single tenant.
//
// The scope a statement runs under travels in its context.Context. A request
// arms a tenant scope once, after the tenant is resolved, and every gorm call
// made with that context (db.WithContext(ctx)) is predicated on the tenant id
// by the Enforcer plugin. Nothing is stored at package level, so concurrent
// requests cannot observe each other's scope, and a scope ends when the
// request's context is dropped.
package tenancy

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Mode describes how statements issued under a Scope are treated
type Mode uint8

const (
	// ModeUnarmed is the zero Mode: nothing resolved, scoped statements fail
	ModeUnarmed Mode = iota
	// ModeTenant predicates scoped statements on one tenant id
	ModeTenant
	// ModeWithoutTenant lets statements through unpredicated
	ModeWithoutTenant
)

func (m Mode) String() string {
	switch m {
	case ModeTenant:
		return "tenant"
	case ModeWithoutTenant:
		return "without_tenant"
	default:
		return "unarmed"
	}
}

// Scope is an immutable scoping decision. The zero value is unarmed.
type Scope struct {
	mode     Mode
	tenantID uuid.UUID
}

// TenantScope returns a scope armed for tenantID. A nil id yields the
// unarmed scope so that a missing id can never widen access.
func TenantScope(tenantID uuid.UUID) Scope {
	if tenantID == uuid.Nil {
		return Scope{}
	}
	return Scope{mode: ModeTenant, tenantID: tenantID}
}

// WithoutTenantScope returns the scope used by privileged cross-tenant work
func WithoutTenantScope() Scope {
	return Scope{mode: ModeWithoutTenant}
}

func (s Scope) Mode() Mode { return s.mode }

// TenantID returns the armed tenant id and true when s is a tenant scope
func (s Scope) TenantID() (uuid.UUID, bool) {
	return s.tenantID, s.mode == ModeTenant
}

func (s Scope) IsArmed() bool { return s.mode != ModeUnarmed }

func (s Scope) IsWithoutTenant() bool { return s.mode == ModeWithoutTenant }

func (s Scope) String() string {
	if s.mode == ModeTenant {
		return fmt.Sprintf("tenant:%s", s.tenantID)
	}
	return s.mode.String()
}

type scopeKey struct{}

// WithScope returns a child of ctx whose statements run under exactly s.
// ctx itself is unchanged, so the parent's scope is back in force for
// anything still holding it once the child is dropped. An unarmed s disarms
// the child.
func WithScope(ctx context.Context, s Scope) context.Context {
	return context.WithValue(ctx, scopeKey{}, s)
}

// ScopeFrom returns the scope carried by ctx, or the unarmed scope
func ScopeFrom(ctx context.Context) Scope {
	if ctx == nil {
		return Scope{}
	}
	if s, ok := ctx.Value(scopeKey{}).(Scope); ok {
		return s
	}
	return Scope{}
}

// TenantIDFrom returns the tenant id ctx is scoped to
func TenantIDFrom(ctx context.Context) (uuid.UUID, bool) {
	return ScopeFrom(ctx).TenantID()
}
