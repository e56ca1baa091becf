package main

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/pavitra93/go-trade-spend-platform/shared/events"
	"github.com/pavitra93/go-trade-spend-platform/shared/models"
	"github.com/pavitra93/go-trade-spend-platform/shared/tenancy"
)

// UsageDirectory is the part of the tenant directory the worker writes
type UsageDirectory interface {
	FindByID(ctx context.Context, id uuid.UUID) (*models.Tenant, error)
	SetResourceCounts(ctx context.Context, id uuid.UUID, counts models.TenantUsage) error
	ResetMonthlyUsage(ctx context.Context, id uuid.UUID) error
	ExpireTrials(ctx context.Context, now time.Time) ([]uuid.UUID, error)
}

// TenantWorker performs tenant jobs and periodic sweeps. It runs outside any
// request, so every read of tenant data goes through the executor.
type TenantWorker struct {
	db            *gorm.DB
	directory     UsageDirectory
	executor      *tenancy.Executor
	sweepInterval time.Duration
	log           *logrus.Entry
	now           func() time.Time

	processed     atomic.Int64
	failed        atomic.Int64
	trialsExpired atomic.Int64
	lastSweep     atomic.Int64
}

// NewTenantWorker creates a worker
func NewTenantWorker(db *gorm.DB, dir UsageDirectory, executor *tenancy.Executor, sweepInterval time.Duration, log *logrus.Entry) *TenantWorker {
	if sweepInterval <= 0 {
		sweepInterval = 15 * time.Minute
	}
	return &TenantWorker{
		db:            db,
		directory:     dir,
		executor:      executor,
		sweepInterval: sweepInterval,
		log:           log.WithField("component", "worker"),
		now:           time.Now,
	}
}

// HandleJob is the events.JobHandler for tenant jobs
func (w *TenantWorker) HandleJob(ctx context.Context, job events.TenantJob) error {
	var err error
	switch job.Type {
	case events.JobRecountUsage:
		_, err = w.RecountUsage(ctx, job.TenantID)
	case events.JobResetMonthlyUsage:
		err = w.directory.ResetMonthlyUsage(ctx, job.TenantID)
	default:
		err = fmt.Errorf("%w: %s", events.ErrInvalidJob, job.Type)
	}

	if err != nil {
		w.failed.Add(1)
		return err
	}
	w.processed.Add(1)
	return nil
}

// RecountUsage counts the tenant's rows and writes the counts back to the
// directory. The returned usage holds only the counted resources; metered
// API calls and storage are left untouched in the directory.
func (w *TenantWorker) RecountUsage(ctx context.Context, tenantID uuid.UUID) (models.TenantUsage, error) {
	if _, err := w.directory.FindByID(ctx, tenantID); err != nil {
		return models.TenantUsage{}, err
	}

	var usage models.TenantUsage
	err := w.executor.RunAsTenant(ctx, tenantID, "usage recount", func(ctx context.Context) error {
		db := w.db.WithContext(ctx)
		counts := []struct {
			model interface{}
			dest  *int64
		}{
			{&models.User{}, &usage.Users},
			{&models.Customer{}, &usage.Customers},
			{&models.Product{}, &usage.Products},
			{&models.Promotion{}, &usage.Promotions},
		}
		for _, n := range counts {
			if err := db.Model(n.model).Count(n.dest).Error; err != nil {
				return fmt.Errorf("failed to count %T: %w", n.model, err)
			}
		}
		return nil
	})
	if err != nil {
		return models.TenantUsage{}, err
	}

	if err := w.directory.SetResourceCounts(ctx, tenantID, usage); err != nil {
		return models.TenantUsage{}, err
	}

	w.log.WithFields(logrus.Fields{
		"tenant_id":  tenantID,
		"users":      usage.Users,
		"customers":  usage.Customers,
		"products":   usage.Products,
		"promotions": usage.Promotions,
	}).Info("Usage recounted")
	return usage, nil
}

// SweepTrials expires every lapsed trial
func (w *TenantWorker) SweepTrials(ctx context.Context) ([]uuid.UUID, error) {
	ids, err := w.directory.ExpireTrials(ctx, w.now())
	w.lastSweep.Store(w.now().Unix())
	if err != nil {
		return nil, err
	}
	if len(ids) > 0 {
		w.trialsExpired.Add(int64(len(ids)))
		w.log.WithField("tenants", ids).Info("Expired lapsed trials")
	}
	return ids, nil
}

// RunSweeps sweeps trials every interval until ctx is done
func (w *TenantWorker) RunSweeps(ctx context.Context) {
	w.log.WithField("interval", w.sweepInterval.String()).Info("Starting trial sweeps")

	ticker := time.NewTicker(w.sweepInterval)
	defer ticker.Stop()
	for {
		if _, err := w.SweepTrials(ctx); err != nil {
			w.log.WithError(err).Error("Trial sweep failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Stats returns job and sweep counters
func (w *TenantWorker) Stats() map[string]interface{} {
	var lastSweep *time.Time
	if ts := w.lastSweep.Load(); ts > 0 {
		t := time.Unix(ts, 0).UTC()
		lastSweep = &t
	}
	return map[string]interface{}{
		"jobs": map[string]int64{
			"processed": w.processed.Load(),
			"failed":    w.failed.Load(),
		},
		"sweeps": map[string]interface{}{
			"trials_expired": w.trialsExpired.Load(),
			"last_sweep":     lastSweep,
		},
		"config": map[string]interface{}{
			"sweep_interval": w.sweepInterval.String(),
		},
	}
}
