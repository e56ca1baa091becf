package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pavitra93/go-trade-spend-platform/shared/tenancy"
)

func quiet() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

// memoryWriter records written messages
type memoryWriter struct {
	mu       sync.Mutex
	messages []kafka.Message
	block    chan struct{}
	err      error
	closed   bool
}

func (w *memoryWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if w.block != nil {
		select {
		case <-w.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *memoryWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func (w *memoryWriter) snapshot() []kafka.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]kafka.Message(nil), w.messages...)
}

func header(msg kafka.Message, key string) string {
	for _, h := range msg.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func TestPublisherWritesAuditRecords(t *testing.T) {
	w := &memoryWriter{}
	p := NewPublisher(w, PublisherConfig{AuditTopic: "tenant-audit", WorkerCount: 2}, quiet())

	tenantID := uuid.New()
	p.RecordEscape(context.Background(), tenancy.EscapeEvent{
		Kind:   tenancy.EscapeAsTenant,
		Reason: "recount",
		From:   "without_tenant",
		To:     "tenant:" + tenantID.String(),
	})
	p.RecordViolation(context.Background(), tenancy.ViolationEvent{
		TenantID: tenantID.String(),
		Claimed:  uuid.NewString(),
		Path:     "/api/promotions",
	})
	require.NoError(t, p.Close())
	assert.True(t, w.closed)

	msgs := w.snapshot()
	require.Len(t, msgs, 2)
	byType := map[string]AuditRecord{}
	for _, m := range msgs {
		assert.Equal(t, "tenant-audit", m.Topic)
		var rec AuditRecord
		require.NoError(t, json.Unmarshal(m.Value, &rec))
		assert.Equal(t, rec.Type, header(m, "event_type"))
		byType[rec.Type] = rec
	}

	escape := byType[AuditEscape]
	require.NotNil(t, escape.Escape)
	assert.Equal(t, "recount", escape.Escape.Reason)
	assert.Equal(t, "tenant:"+tenantID.String(), escape.TenantID)

	violation := byType[AuditViolation]
	require.NotNil(t, violation.Violation)
	assert.Equal(t, tenantID.String(), violation.TenantID)
}

func TestPublisherDropsWhenQueueFull(t *testing.T) {
	w := &memoryWriter{block: make(chan struct{})}
	p := NewPublisher(w, PublisherConfig{AuditTopic: "a", QueueSize: 1, WorkerCount: 1}, quiet())

	for i := 0; i < 10; i++ {
		p.RecordViolation(context.Background(), tenancy.ViolationEvent{TenantID: "t"})
	}
	assert.Eventually(t, func() bool { return p.Dropped() >= 8 }, time.Second, 5*time.Millisecond)

	close(w.block)
	require.NoError(t, p.Close())
	assert.Equal(t, int64(10), p.Dropped()+int64(len(w.snapshot())))
}

func TestPublishJob(t *testing.T) {
	w := &memoryWriter{}
	p := NewPublisher(w, PublisherConfig{JobsTopic: "tenant-jobs"}, quiet())
	defer p.Close()

	tenantID := uuid.New()
	job := NewJob(JobRecountUsage, tenantID, "admin-1", time.Now())
	require.NoError(t, p.PublishJob(context.Background(), job))

	msgs := w.snapshot()
	require.Len(t, msgs, 1)
	assert.Equal(t, "tenant-jobs", msgs[0].Topic)
	assert.Equal(t, tenantID.String(), string(msgs[0].Key))

	decoded, err := DecodeJob(msgs[0])
	require.NoError(t, err)
	assert.Equal(t, job.ID, decoded.ID)
	assert.Equal(t, JobRecountUsage, decoded.Type)

	err = p.PublishJob(context.Background(), TenantJob{Type: "rebuild_world", TenantID: tenantID})
	assert.ErrorIs(t, err, ErrInvalidJob)

	w.err = errors.New("broker down")
	assert.Error(t, p.PublishJob(context.Background(), job))
}

// sliceReader serves fixed messages, then blocks until ctx is done
type sliceReader struct {
	mu        sync.Mutex
	messages  []kafka.Message
	committed []int64
}

func (r *sliceReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.messages) > 0 {
		msg := r.messages[0]
		r.messages = r.messages[1:]
		r.mu.Unlock()
		return msg, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *sliceReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *sliceReader) Close() error { return nil }

func TestJobConsumer(t *testing.T) {
	good, err := EncodeJob("jobs", NewJob(JobResetMonthlyUsage, uuid.New(), "", time.Now()))
	require.NoError(t, err)
	good.Offset = 1
	failing, err := EncodeJob("jobs", NewJob(JobRecountUsage, uuid.New(), "", time.Now()))
	require.NoError(t, err)
	failing.Offset = 2
	garbage := kafka.Message{Offset: 3, Value: []byte("{not json")}

	reader := &sliceReader{messages: []kafka.Message{good, failing, garbage}}
	var handled []JobType
	var mu sync.Mutex
	consumer := NewJobConsumer(reader, func(ctx context.Context, job TenantJob) error {
		mu.Lock()
		handled = append(handled, job.Type)
		mu.Unlock()
		if job.Type == JobRecountUsage {
			return errors.New("database unavailable")
		}
		return nil
	}, quiet())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- consumer.Run(ctx) }()

	assert.Eventually(t, func() bool {
		reader.mu.Lock()
		defer reader.mu.Unlock()
		return len(reader.committed) == 3
	}, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []JobType{JobResetMonthlyUsage, JobRecountUsage}, handled)
	assert.Equal(t, []int64{1, 2, 3}, reader.committed)
}
