// Package events carries tenancy audit records and tenant jobs over Kafka.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"github.com/pavitra93/go-trade-spend-platform/shared/tenancy"
)

// Audit record types
const (
	AuditEscape    = "scope_escape"
	AuditViolation = "tenant_mismatch"
)

// MessageWriter is the part of *kafka.Writer the publisher uses
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewKafkaWriter creates a writer for brokers. Topics are set per message.
func NewKafkaWriter(brokers []string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.LeastBytes{},
		BatchTimeout:           10 * time.Millisecond,
		BatchSize:              100,
		AllowAutoTopicCreation: true,
	}
}

// AuditRecord is the message written to the audit topic
type AuditRecord struct {
	Type      string                  `json:"type"`
	TenantID  string                  `json:"tenant_id,omitempty"`
	Escape    *tenancy.EscapeEvent    `json:"escape,omitempty"`
	Violation *tenancy.ViolationEvent `json:"violation,omitempty"`
}

// PublisherConfig sizes the publisher's queue and worker pool
type PublisherConfig struct {
	AuditTopic   string
	JobsTopic    string
	QueueSize    int
	WorkerCount  int
	WriteTimeout time.Duration
}

// Publisher writes audit records asynchronously through a worker pool and
// jobs synchronously
type Publisher struct {
	writer       MessageWriter
	cfg          PublisherConfig
	auditChan    chan kafka.Message
	shutdownChan chan struct{}
	closeOnce    sync.Once
	wg           sync.WaitGroup
	dropped      atomic.Int64
	log          *logrus.Entry
}

// NewPublisher creates a publisher and starts its workers
func NewPublisher(writer MessageWriter, cfg PublisherConfig, log *logrus.Entry) *Publisher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 4
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	p := &Publisher{
		writer:       writer,
		cfg:          cfg,
		auditChan:    make(chan kafka.Message, cfg.QueueSize),
		shutdownChan: make(chan struct{}),
		log:          log.WithField("component", "events.publisher"),
	}
	for i := 0; i < cfg.WorkerCount; i++ {
		p.wg.Add(1)
		go p.auditWorker(i)
	}
	p.log.WithField("workers", cfg.WorkerCount).Info("Started audit workers")
	return p
}

func (p *Publisher) auditWorker(id int) {
	defer p.wg.Done()

	for {
		select {
		case msg := <-p.auditChan:
			p.write(id, msg)
		case <-p.shutdownChan:
			// drain what was queued before shutdown
			for {
				select {
				case msg := <-p.auditChan:
					p.write(id, msg)
				default:
					return
				}
			}
		}
	}
}

func (p *Publisher) write(worker int, msg kafka.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.WriteTimeout)
	defer cancel()

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.log.WithError(err).WithFields(logrus.Fields{
			"worker": worker,
			"topic":  msg.Topic,
		}).Error("Failed to write audit record")
	}
}

// RecordEscape queues an escape hatch event. It never blocks.
func (p *Publisher) RecordEscape(_ context.Context, ev tenancy.EscapeEvent) {
	tenantID := ev.To
	if ev.Kind == tenancy.EscapeWithoutTenant {
		tenantID = ev.From
	}
	p.enqueue(AuditRecord{Type: AuditEscape, TenantID: tenantID, Escape: &ev})
}

// RecordViolation queues a tenant mismatch. It never blocks.
func (p *Publisher) RecordViolation(_ context.Context, ev tenancy.ViolationEvent) {
	p.enqueue(AuditRecord{Type: AuditViolation, TenantID: ev.TenantID, Violation: &ev})
}

func (p *Publisher) enqueue(rec AuditRecord) {
	value, err := json.Marshal(rec)
	if err != nil {
		p.log.WithError(err).Error("Failed to marshal audit record")
		return
	}

	msg := kafka.Message{
		Topic: p.cfg.AuditTopic,
		Key:   []byte(rec.TenantID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(rec.Type)},
			{Key: "tenant_id", Value: []byte(rec.TenantID)},
		},
	}

	select {
	case p.auditChan <- msg:
	default:
		p.dropped.Add(1)
		p.log.WithField("type", rec.Type).Warn("Audit queue full, record dropped")
	}
}

// Dropped returns how many audit records were dropped on a full queue
func (p *Publisher) Dropped() int64 {
	return p.dropped.Load()
}

// PublishJob writes job to the jobs topic and waits for the broker
func (p *Publisher) PublishJob(ctx context.Context, job TenantJob) error {
	msg, err := EncodeJob(p.cfg.JobsTopic, job)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.WriteTimeout)
	defer cancel()
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish %s job: %w", job.Type, err)
	}
	return nil
}

// Close drains queued audit records and closes the writer
func (p *Publisher) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.shutdownChan)
		p.wg.Wait()
		if cerr := p.writer.Close(); cerr != nil {
			err = fmt.Errorf("failed to close Kafka writer: %w", cerr)
		}
		p.log.Info("Publisher shut down")
	})
	return err
}
