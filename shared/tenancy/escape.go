package tenancy

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// EscapeKind names the two ways of leaving the request's default scope
type EscapeKind string

const (
	EscapeWithoutTenant EscapeKind = "without_tenant"
	EscapeAsTenant      EscapeKind = "as_tenant"
)

// EscapeEvent records one use of the escape hatch
type EscapeEvent struct {
	Kind   EscapeKind `json:"kind"`
	Reason string     `json:"reason"`
	From   string     `json:"from"`
	To     string     `json:"to"`
	Actor  string     `json:"actor,omitempty"`
	At     time.Time  `json:"at"`
}

// Auditor receives escape hatch events. Implementations must not block.
type Auditor interface {
	RecordEscape(ctx context.Context, ev EscapeEvent)
}

type actorKey struct{}

// WithActor records who is acting, for escape hatch audit records
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFrom returns the actor recorded by WithActor
func ActorFrom(ctx context.Context) string {
	actor, _ := ctx.Value(actorKey{}).(string)
	return actor
}

// Executor derives child contexts that leave the default scope. It does not
// authorize: callers must have checked the caller's role before asking.
type Executor struct {
	auditor Auditor
	log     *logrus.Entry
	now     func() time.Time
}

// NewExecutor creates an executor. auditor may be nil.
func NewExecutor(auditor Auditor, log *logrus.Entry) *Executor {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Executor{
		auditor: auditor,
		log:     log.WithField("component", "tenancy.executor"),
		now:     time.Now,
	}
}

// WithoutTenant returns a child of ctx whose statements are not predicated
func (e *Executor) WithoutTenant(ctx context.Context, reason string) context.Context {
	return e.derive(ctx, EscapeWithoutTenant, WithoutTenantScope(), reason)
}

// AsTenant returns a child of ctx scoped to tenantID
func (e *Executor) AsTenant(ctx context.Context, tenantID uuid.UUID, reason string) context.Context {
	return e.derive(ctx, EscapeAsTenant, TenantScope(tenantID), reason)
}

// RunWithoutTenant runs fn with a without-tenant child of ctx. The caller's
// ctx keeps its scope whatever fn does.
func (e *Executor) RunWithoutTenant(ctx context.Context, reason string, fn func(ctx context.Context) error) error {
	return fn(e.WithoutTenant(ctx, reason))
}

// RunAsTenant runs fn with a child of ctx scoped to tenantID
func (e *Executor) RunAsTenant(ctx context.Context, tenantID uuid.UUID, reason string, fn func(ctx context.Context) error) error {
	if tenantID == uuid.Nil {
		return ErrNoTenantScope
	}
	return fn(e.AsTenant(ctx, tenantID, reason))
}

func (e *Executor) derive(ctx context.Context, kind EscapeKind, to Scope, reason string) context.Context {
	from := ScopeFrom(ctx)
	ev := EscapeEvent{
		Kind:   kind,
		Reason: reason,
		From:   from.String(),
		To:     to.String(),
		Actor:  ActorFrom(ctx),
		At:     e.now().UTC(),
	}

	e.log.WithFields(logrus.Fields{
		"kind":   ev.Kind,
		"reason": ev.Reason,
		"from":   ev.From,
		"to":     ev.To,
		"actor":  ev.Actor,
	}).Info("Scope escape")

	if e.auditor != nil {
		e.auditor.RecordEscape(ctx, ev)
	}
	return WithScope(ctx, to)
}
