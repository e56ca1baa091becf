package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

// JobType names work done on behalf of one tenant outside a request
type JobType string

const (
	JobRecountUsage      JobType = "recount_usage"
	JobResetMonthlyUsage JobType = "reset_monthly_usage"
)

// Valid reports whether t is a known job type
func (t JobType) Valid() bool {
	return t == JobRecountUsage || t == JobResetMonthlyUsage
}

// TenantJob is a unit of background work for one tenant
type TenantJob struct {
	ID          string    `json:"id"`
	Type        JobType   `json:"type"`
	TenantID    uuid.UUID `json:"tenant_id"`
	RequestedBy string    `json:"requested_by,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
}

// NewJob builds a job with a fresh id
func NewJob(t JobType, tenantID uuid.UUID, requestedBy string, now time.Time) TenantJob {
	return TenantJob{
		ID:          uuid.NewString(),
		Type:        t,
		TenantID:    tenantID,
		RequestedBy: requestedBy,
		RequestedAt: now.UTC(),
	}
}

var ErrInvalidJob = errors.New("invalid tenant job")

// EncodeJob builds the Kafka message for job, keyed by tenant
func EncodeJob(topic string, job TenantJob) (kafka.Message, error) {
	if !job.Type.Valid() || job.TenantID == uuid.Nil {
		return kafka.Message{}, fmt.Errorf("%w: type %q tenant %s", ErrInvalidJob, job.Type, job.TenantID)
	}
	value, err := json.Marshal(job)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("failed to marshal job: %w", err)
	}
	return kafka.Message{
		Topic: topic,
		Key:   []byte(job.TenantID.String()),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(job.Type)},
			{Key: "tenant_id", Value: []byte(job.TenantID.String())},
		},
	}, nil
}

// DecodeJob parses and validates a job message
func DecodeJob(msg kafka.Message) (TenantJob, error) {
	var job TenantJob
	if err := json.Unmarshal(msg.Value, &job); err != nil {
		return TenantJob{}, fmt.Errorf("%w: %v", ErrInvalidJob, err)
	}
	if !job.Type.Valid() || job.TenantID == uuid.Nil {
		return TenantJob{}, fmt.Errorf("%w: type %q tenant %s", ErrInvalidJob, job.Type, job.TenantID)
	}
	return job, nil
}

// MessageReader is the part of *kafka.Reader the consumer uses
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewKafkaReader creates a consumer-group reader for topic
func NewKafkaReader(brokers []string, topic, groupID string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       10e6, // 10MB
		CommitInterval: time.Second,
	})
}

// JobHandler performs one job
type JobHandler func(ctx context.Context, job TenantJob) error

// JobConsumer feeds jobs from a reader to a handler
type JobConsumer struct {
	reader     MessageReader
	handler    JobHandler
	retryDelay time.Duration
	log        *logrus.Entry
}

func NewJobConsumer(reader MessageReader, handler JobHandler, log *logrus.Entry) *JobConsumer {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &JobConsumer{
		reader:     reader,
		handler:    handler,
		retryDelay: time.Second,
		log:        log.WithField("component", "events.consumer"),
	}
}

// Run consumes until ctx is done. Undecodable messages and failed jobs are
// logged and committed; jobs are idempotent and can be enqueued again.
func (c *JobConsumer) Run(ctx context.Context) error {
	c.log.Info("Starting tenant job consumer")
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.log.WithError(err).Error("Error reading job message")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(c.retryDelay):
			}
			continue
		}

		c.handle(ctx, msg)

		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			c.log.WithError(err).WithField("offset", msg.Offset).Error("Failed to commit job message")
		}
	}
}

func (c *JobConsumer) handle(ctx context.Context, msg kafka.Message) {
	job, err := DecodeJob(msg)
	if err != nil {
		c.log.WithError(err).WithField("offset", msg.Offset).Warn("Skipping invalid job message")
		return
	}

	log := c.log.WithFields(logrus.Fields{
		"job_id":    job.ID,
		"job_type":  job.Type,
		"tenant_id": job.TenantID,
	})
	start := time.Now()
	if err := c.handler(ctx, job); err != nil {
		log.WithError(err).Error("Tenant job failed")
		return
	}
	log.WithField("duration", time.Since(start)).Info("Tenant job done")
}
