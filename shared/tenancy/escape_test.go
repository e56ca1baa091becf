package tenancy

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingAuditor struct {
	mu     sync.Mutex
	events []EscapeEvent
}

func (r *recordingAuditor) RecordEscape(_ context.Context, ev EscapeEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func newTestExecutor(a Auditor) *Executor {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	e := NewExecutor(a, logrus.NewEntry(l))
	e.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return e
}

func TestRunWithoutTenantRestoresOnReturn(t *testing.T) {
	a := uuid.New()
	ctx := WithScope(context.Background(), TenantScope(a))
	exec := newTestExecutor(nil)

	var inner Scope
	err := exec.RunWithoutTenant(ctx, "stats", func(ctx context.Context) error {
		inner = ScopeFrom(ctx)
		return nil
	})
	require.NoError(t, err)

	assert.True(t, inner.IsWithoutTenant())
	id, ok := TenantIDFrom(ctx)
	require.True(t, ok)
	assert.Equal(t, a, id)
}

func TestRunWithoutTenantRestoresOnError(t *testing.T) {
	a := uuid.New()
	ctx := WithScope(context.Background(), TenantScope(a))
	boom := errors.New("boom")

	err := newTestExecutor(nil).RunWithoutTenant(ctx, "stats", func(context.Context) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)

	id, _ := TenantIDFrom(ctx)
	assert.Equal(t, a, id)
}

func TestRunWithoutTenantRestoresOnPanic(t *testing.T) {
	a := uuid.New()
	ctx := WithScope(context.Background(), TenantScope(a))
	exec := newTestExecutor(nil)

	func() {
		defer func() {
			assert.NotNil(t, recover())
		}()
		_ = exec.RunWithoutTenant(ctx, "stats", func(context.Context) error {
			panic("handler blew up")
		})
	}()

	id, ok := TenantIDFrom(ctx)
	require.True(t, ok)
	assert.Equal(t, a, id)
}

func TestNestedEscapes(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	ctx := WithScope(context.Background(), TenantScope(a))
	exec := newTestExecutor(nil)

	err := exec.RunWithoutTenant(ctx, "outer", func(outer context.Context) error {
		err := exec.RunAsTenant(outer, b, "inner", func(inner context.Context) error {
			id, ok := TenantIDFrom(inner)
			assert.True(t, ok)
			assert.Equal(t, b, id)
			return nil
		})
		assert.True(t, ScopeFrom(outer).IsWithoutTenant())
		return err
	})
	require.NoError(t, err)

	id, _ := TenantIDFrom(ctx)
	assert.Equal(t, a, id)
}

func TestRunAsTenantRejectsNilID(t *testing.T) {
	called := false
	err := newTestExecutor(nil).RunAsTenant(context.Background(), uuid.Nil, "job", func(context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrNoTenantScope)
	assert.False(t, called)
}

func TestEscapesAreAudited(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	auditor := &recordingAuditor{}
	exec := newTestExecutor(auditor)

	ctx := WithActor(WithScope(context.Background(), TenantScope(a)), "admin-1")
	_ = exec.WithoutTenant(ctx, "cross-tenant stats")
	_ = exec.AsTenant(ctx, b, "support session")

	require.Len(t, auditor.events, 2)

	first := auditor.events[0]
	assert.Equal(t, EscapeWithoutTenant, first.Kind)
	assert.Equal(t, "cross-tenant stats", first.Reason)
	assert.Equal(t, TenantScope(a).String(), first.From)
	assert.Equal(t, "without_tenant", first.To)
	assert.Equal(t, "admin-1", first.Actor)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), first.At)

	second := auditor.events[1]
	assert.Equal(t, EscapeAsTenant, second.Kind)
	assert.Equal(t, TenantScope(b).String(), second.To)
}
