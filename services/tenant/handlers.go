package main

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/pavitra93/go-trade-spend-platform/shared/directory"
	"github.com/pavitra93/go-trade-spend-platform/shared/events"
	"github.com/pavitra93/go-trade-spend-platform/shared/middleware"
	"github.com/pavitra93/go-trade-spend-platform/shared/models"
	"github.com/pavitra93/go-trade-spend-platform/shared/tenancy"
	"github.com/pavitra93/go-trade-spend-platform/shared/utils"
)

// JobPublisher enqueues tenant jobs for the worker
type JobPublisher interface {
	PublishJob(ctx context.Context, job events.TenantJob) error
}

// deps are what the tenant service handlers share
type deps struct {
	db        *gorm.DB
	directory directory.Backend
	executor  *tenancy.Executor
	jobs      JobPublisher
	log       *logrus.Entry
	now       func() time.Time
}

// CreateTenantRequest represents the create tenant request
type CreateTenantRequest struct {
	Name         string      `json:"name" binding:"required"`
	Slug         string      `json:"slug" binding:"required"`
	Plan         models.Plan `json:"plan"`
	CustomDomain string      `json:"custom_domain"`
}

// SignupRequest represents the public trial signup request
type SignupRequest struct {
	CompanyName string `json:"company_name" binding:"required"`
	Slug        string `json:"slug" binding:"required"`
	AdminEmail  string `json:"admin_email" binding:"required,email"`
}

// SuspendRequest represents the suspend tenant request
type SuspendRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// ChangePlanRequest represents the change plan request
type ChangePlanRequest struct {
	Plan models.Plan `json:"plan" binding:"required"`
}

// EnqueueJobRequest represents the enqueue job request
type EnqueueJobRequest struct {
	Type events.JobType `json:"type" binding:"required"`
}

// PlatformStats is the cross-tenant summary shown to system admins
type PlatformStats struct {
	TenantsByStatus  map[models.TenantStatus]int64 `json:"tenants_by_status"`
	TenantsByPlan    map[models.Plan]int64         `json:"tenants_by_plan"`
	Users            int64                         `json:"users"`
	Customers        int64                         `json:"customers"`
	Products         int64                         `json:"products"`
	Promotions       int64                         `json:"promotions"`
	ActivePromotions int64                         `json:"active_promotions"`
}

func parseTenantID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		utils.BadRequestResponse(c, "Invalid tenant ID")
		return uuid.Nil, false
	}
	return id, true
}

// directoryError maps a directory error to a response
func directoryError(c *gin.Context, log *logrus.Entry, err error, msg string) {
	switch {
	case errors.Is(err, directory.ErrTenantNotFound):
		utils.NotFoundResponse(c, "Tenant not found")
	case errors.Is(err, directory.ErrSlugTaken):
		utils.ErrorResponse(c, http.StatusConflict, "Slug already taken")
	case errors.Is(err, directory.ErrInvalidPlan):
		utils.BadRequestResponse(c, "Unknown plan")
	case errors.Is(err, directory.ErrDirectoryUnavailable):
		utils.ServiceUnavailableResponse(c, "Tenant directory unavailable")
	default:
		log.WithError(err).Error(msg)
		utils.InternalServerErrorResponse(c, msg)
	}
}

// handleGetTenants lists tenants with optional status, plan and search filters
func handleGetTenants(d *deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
		offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

		tenants, total, err := d.directory.List(c.Request.Context(), directory.ListOptions{
			Status: models.TenantStatus(c.Query("status")),
			Plan:   models.Plan(c.Query("plan")),
			Search: c.Query("search"),
			Limit:  limit,
			Offset: offset,
		})
		if err != nil {
			directoryError(c, d.log, err, "Failed to fetch tenants")
			return
		}

		utils.OKResponse(c, "Tenants retrieved successfully", gin.H{
			"tenants": tenants,
			"total":   total,
		})
	}
}

// handleGetTenant returns one tenant
func handleGetTenant(d *deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseTenantID(c)
		if !ok {
			return
		}

		tenant, err := d.directory.FindByID(c.Request.Context(), id)
		if err != nil {
			directoryError(c, d.log, err, "Failed to fetch tenant")
			return
		}

		utils.OKResponse(c, "Tenant retrieved successfully", gin.H{
			"tenant":           tenant,
			"effective_status": tenant.EffectiveStatus(d.now()),
		})
	}
}

// handleCreateTenant creates a tenant on any plan (admin only)
func handleCreateTenant(d *deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CreateTenantRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			utils.BadRequestResponse(c, "Invalid request format")
			return
		}
		if req.Plan == "" {
			req.Plan = models.PlanTrial
		}

		tenant := models.NewTenant(req.Name, req.Slug, req.Plan, d.now())
		if req.CustomDomain != "" {
			domain := req.CustomDomain
			tenant.CustomDomain = &domain
		}

		if err := d.directory.Create(c.Request.Context(), tenant); err != nil {
			directoryError(c, d.log, err, "Failed to create tenant")
			return
		}

		d.log.WithFields(logrus.Fields{
			"tenant_id": tenant.ID,
			"slug":      tenant.Slug,
			"plan":      tenant.Plan,
		}).Info("Tenant created")
		utils.CreatedResponse(c, "Tenant created successfully", tenant)
	}
}

// handleSuspendTenant suspends a tenant with a reason
func handleSuspendTenant(d *deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseTenantID(c)
		if !ok {
			return
		}
		var req SuspendRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			utils.BadRequestResponse(c, "Suspension reason is required")
			return
		}

		tenant, err := d.directory.Suspend(c.Request.Context(), id, req.Reason)
		if err != nil {
			directoryError(c, d.log, err, "Failed to suspend tenant")
			return
		}

		d.log.WithFields(logrus.Fields{
			"tenant_id": id,
			"reason":    req.Reason,
			"actor":     currentAdmin(c),
		}).Warn("Tenant suspended")
		utils.OKResponse(c, "Tenant suspended", tenant)
	}
}

// handleReactivateTenant returns a suspended or cancelled tenant to active
func handleReactivateTenant(d *deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseTenantID(c)
		if !ok {
			return
		}

		tenant, err := d.directory.Reactivate(c.Request.Context(), id)
		if err != nil {
			directoryError(c, d.log, err, "Failed to reactivate tenant")
			return
		}

		d.log.WithField("tenant_id", id).Info("Tenant reactivated")
		utils.OKResponse(c, "Tenant reactivated", tenant)
	}
}

func handleCancelTenant(d *deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseTenantID(c)
		if !ok {
			return
		}

		tenant, err := d.directory.Cancel(c.Request.Context(), id)
		if err != nil {
			directoryError(c, d.log, err, "Failed to cancel tenant")
			return
		}

		d.log.WithField("tenant_id", id).Warn("Tenant cancelled")
		utils.OKResponse(c, "Tenant cancelled", tenant)
	}
}

// handleChangePlan moves a tenant to another plan with that plan's defaults
func handleChangePlan(d *deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseTenantID(c)
		if !ok {
			return
		}
		var req ChangePlanRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			utils.BadRequestResponse(c, "Invalid request format")
			return
		}

		tenant, err := d.directory.ChangePlan(c.Request.Context(), id, req.Plan)
		if err != nil {
			directoryError(c, d.log, err, "Failed to change plan")
			return
		}

		d.log.WithFields(logrus.Fields{
			"tenant_id": id,
			"plan":      req.Plan,
		}).Info("Tenant plan changed")
		utils.OKResponse(c, "Plan changed", tenant)
	}
}

// handlePlatformStats counts tenants and business rows across every tenant
func handlePlatformStats(d *deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		stats := PlatformStats{
			TenantsByStatus: map[models.TenantStatus]int64{},
			TenantsByPlan:   map[models.Plan]int64{},
		}

		err := d.executor.RunWithoutTenant(c.Request.Context(), "platform statistics", func(ctx context.Context) error {
			db := d.db.WithContext(ctx)

			var byStatus []struct {
				Status models.TenantStatus
				Count  int64
			}
			if err := db.Model(&models.Tenant{}).Select("status, count(*) as count").Group("status").Scan(&byStatus).Error; err != nil {
				return err
			}
			for _, row := range byStatus {
				stats.TenantsByStatus[row.Status] = row.Count
			}

			var byPlan []struct {
				Plan  models.Plan
				Count int64
			}
			if err := db.Model(&models.Tenant{}).Select("plan, count(*) as count").Group("plan").Scan(&byPlan).Error; err != nil {
				return err
			}
			for _, row := range byPlan {
				stats.TenantsByPlan[row.Plan] = row.Count
			}

			counts := []struct {
				model interface{}
				dest  *int64
			}{
				{&models.User{}, &stats.Users},
				{&models.Customer{}, &stats.Customers},
				{&models.Product{}, &stats.Products},
				{&models.Promotion{}, &stats.Promotions},
			}
			for _, n := range counts {
				if err := db.Model(n.model).Count(n.dest).Error; err != nil {
					return err
				}
			}
			return db.Model(&models.Promotion{}).
				Where("status = ?", models.PromotionStatusActive).
				Count(&stats.ActivePromotions).Error
		})
		if err != nil {
			d.log.WithError(err).Error("Failed to compute platform statistics")
			utils.InternalServerErrorResponse(c, "Failed to compute statistics")
			return
		}

		utils.OKResponse(c, "Statistics retrieved successfully", stats)
	}
}

// handleTenantPromotions lets support inspect one tenant's promotions
func handleTenantPromotions(d *deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseTenantID(c)
		if !ok {
			return
		}
		if _, err := d.directory.FindByID(c.Request.Context(), id); err != nil {
			directoryError(c, d.log, err, "Failed to fetch tenant")
			return
		}

		var promotions []models.Promotion
		err := d.executor.RunAsTenant(c.Request.Context(), id, "support inspection", func(ctx context.Context) error {
			q := d.db.WithContext(ctx).Preload("Customer").Order("created_at DESC")
			if status := c.Query("status"); status != "" {
				q = q.Where("status = ?", status)
			}
			return q.Find(&promotions).Error
		})
		if err != nil {
			d.log.WithError(err).WithField("tenant_id", id).Error("Failed to fetch tenant promotions")
			utils.InternalServerErrorResponse(c, "Failed to fetch promotions")
			return
		}

		utils.OKResponse(c, "Promotions retrieved successfully", promotions)
	}
}

// handleEnqueueJob hands a usage job for one tenant to the worker
func handleEnqueueJob(d *deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseTenantID(c)
		if !ok {
			return
		}
		var req EnqueueJobRequest
		if err := c.ShouldBindJSON(&req); err != nil || !req.Type.Valid() {
			utils.BadRequestResponse(c, "Unknown job type")
			return
		}
		if _, err := d.directory.FindByID(c.Request.Context(), id); err != nil {
			directoryError(c, d.log, err, "Failed to fetch tenant")
			return
		}

		job := events.NewJob(req.Type, id, c.GetString("user_id"), d.now())
		if err := d.jobs.PublishJob(c.Request.Context(), job); err != nil {
			d.log.WithError(err).WithField("tenant_id", id).Error("Failed to enqueue job")
			utils.ServiceUnavailableResponse(c, "Failed to enqueue job")
			return
		}

		c.JSON(http.StatusAccepted, gin.H{
			"success": true,
			"message": "Job enqueued",
			"data":    job,
		})
	}
}

// handleSignup creates a trial tenant and its first admin user
func handleSignup(d *deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req SignupRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			utils.BadRequestResponse(c, "Invalid request format")
			return
		}

		tenant := models.NewTenant(req.CompanyName, req.Slug, models.PlanTrial, d.now())
		if err := d.directory.Create(c.Request.Context(), tenant); err != nil {
			directoryError(c, d.log, err, "Failed to create tenant")
			return
		}

		admin := models.User{
			Email: strings.ToLower(req.AdminEmail),
			Role:  models.RoleTenantAdmin,
		}
		err := d.executor.RunAsTenant(c.Request.Context(), tenant.ID, "signup admin user", func(ctx context.Context) error {
			return d.db.WithContext(ctx).Create(&admin).Error
		})
		if err != nil {
			d.log.WithError(err).WithField("tenant_id", tenant.ID).Error("Failed to create tenant admin")
			utils.InternalServerErrorResponse(c, "Failed to create tenant admin")
			return
		}
		if _, err := d.directory.IncrementUsage(c.Request.Context(), tenant.ID, models.ResourceUsers, 1); err != nil {
			d.log.WithError(err).WithField("tenant_id", tenant.ID).Warn("Failed to count signup admin")
		}

		d.log.WithFields(logrus.Fields{
			"tenant_id": tenant.ID,
			"slug":      tenant.Slug,
		}).Info("Trial signup")
		utils.CreatedResponse(c, "Trial started", gin.H{
			"tenant": tenant,
			"admin":  admin,
		})
	}
}

// handleVerifySlug reports whether a slug can still be claimed
func handleVerifySlug(d *deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		slug := directory.NormalizeSlug(c.Param("slug"))
		if slug == "" {
			utils.BadRequestResponse(c, "Slug is required")
			return
		}

		available, err := d.directory.SlugAvailable(c.Request.Context(), slug)
		if err != nil {
			directoryError(c, d.log, err, "Failed to check slug")
			return
		}

		utils.OKResponse(c, "Slug checked", gin.H{
			"slug":      slug,
			"available": available,
		})
	}
}

func currentAdmin(c *gin.Context) string {
	info, err := middleware.GetUserInfoFromContext(c)
	if err != nil {
		return ""
	}
	return info.UserID
}

// recordAdmin upserts the calling system admin with their last access time.
// A failed write is logged and the request continues.
func recordAdmin(d *deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		now := d.now()
		admin := models.Admin{
			CognitoID:   c.GetString("user_id"),
			Email:       c.GetString("email"),
			CreatedAt:   now,
			LastLoginAt: &now,
		}
		err := d.db.WithContext(c.Request.Context()).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "cognito_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"email", "last_login_at"}),
		}).Create(&admin).Error
		if err != nil {
			d.log.WithError(err).WithField("admin", admin.CognitoID).Warn("Failed to record admin access")
		}
		c.Next()
	}
}
