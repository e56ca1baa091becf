package tenancy

import (
	"context"
	"time"
)

// ViolationEvent records a request that named a tenant other than its own
type ViolationEvent struct {
	TenantID string    `json:"tenant_id"`
	Claimed  string    `json:"claimed"`
	Field    string    `json:"field"`
	Method   string    `json:"method"`
	Path     string    `json:"path"`
	Actor    string    `json:"actor,omitempty"`
	At       time.Time `json:"at"`
}

// ViolationAuditor receives scoping violations. Implementations must not
// block.
type ViolationAuditor interface {
	RecordViolation(ctx context.Context, ev ViolationEvent)
}
