package main

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/pavitra93/go-trade-spend-platform/shared/middleware"
	"github.com/pavitra93/go-trade-spend-platform/shared/models"
	"github.com/pavitra93/go-trade-spend-platform/shared/tenancy"
	"github.com/pavitra93/go-trade-spend-platform/shared/utils"
)

// CreatePromotionRequest represents the create promotion request
type CreatePromotionRequest struct {
	CustomerID  uuid.UUID  `json:"customer_id" binding:"required"`
	ProductID   *uuid.UUID `json:"product_id"`
	Name        string     `json:"name" binding:"required"`
	Mechanic    string     `json:"mechanic"`
	BudgetCents int64      `json:"budget_cents"`
	StartDate   time.Time  `json:"start_date" binding:"required"`
	EndDate     time.Time  `json:"end_date" binding:"required"`
}

// UpdateStatusRequest represents the promotion status change request
type UpdateStatusRequest struct {
	Status models.PromotionStatus `json:"status" binding:"required"`
}

// statusTransitions lists the workflow moves allowed from each status
var statusTransitions = map[models.PromotionStatus][]models.PromotionStatus{
	models.PromotionStatusDraft:    {models.PromotionStatusPlanned, models.PromotionStatusCancelled},
	models.PromotionStatusPlanned:  {models.PromotionStatusDraft, models.PromotionStatusApproved, models.PromotionStatusCancelled},
	models.PromotionStatusApproved: {models.PromotionStatusActive, models.PromotionStatusCancelled},
	models.PromotionStatusActive:   {models.PromotionStatusCompleted, models.PromotionStatusCancelled},
}

func canTransition(from, to models.PromotionStatus) bool {
	for _, s := range statusTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// StatusSummary is one row of the analytics summary
type StatusSummary struct {
	Status      models.PromotionStatus `json:"status"`
	Total       int64                  `json:"total"`
	BudgetCents int64                  `json:"budget_cents"`
}

func handleGetPromotions(d *deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		q := d.db.WithContext(c.Request.Context()).
			Preload("Customer").
			Preload("Product").
			Order("start_date DESC")
		if status := c.Query("status"); status != "" {
			q = q.Where("status = ?", status)
		}
		if customerID := c.Query("customer_id"); customerID != "" {
			q = q.Where("customer_id = ?", customerID)
		}

		var promotions []models.Promotion
		if err := q.Find(&promotions).Error; err != nil {
			dbError(c, d.log, err, "", "Failed to fetch promotions")
			return
		}

		utils.OKResponse(c, "Promotions retrieved successfully", promotions)
	}
}

// handleCreatePromotion creates a draft promotion. The customer and product
// must belong to the calling tenant; a foreign id is reported as unknown.
func handleCreatePromotion(d *deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CreatePromotionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			utils.BadRequestResponse(c, "Invalid request format")
			return
		}
		if !req.EndDate.After(req.StartDate) {
			utils.BadRequestResponse(c, "End date must be after start date")
			return
		}
		if req.BudgetCents < 0 {
			utils.BadRequestResponse(c, "Budget cannot be negative")
			return
		}
		db := d.db.WithContext(c.Request.Context())

		if err := db.Select("id").First(&models.Customer{}, "id = ?", req.CustomerID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				utils.BadRequestResponse(c, "Unknown customer")
				return
			}
			dbError(c, d.log, err, "", "Failed to create promotion")
			return
		}
		if req.ProductID != nil {
			if err := db.Select("id").First(&models.Product{}, "id = ?", *req.ProductID).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					utils.BadRequestResponse(c, "Unknown product")
					return
				}
				dbError(c, d.log, err, "", "Failed to create promotion")
				return
			}
		}

		promotion := models.Promotion{
			CustomerID:  req.CustomerID,
			ProductID:   req.ProductID,
			Name:        req.Name,
			Mechanic:    req.Mechanic,
			Status:      models.PromotionStatusDraft,
			BudgetCents: req.BudgetCents,
			StartDate:   req.StartDate.UTC(),
			EndDate:     req.EndDate.UTC(),
		}
		if err := db.Create(&promotion).Error; err != nil {
			dbError(c, d.log, err, "", "Failed to create promotion")
			return
		}

		utils.CreatedResponse(c, "Promotion created successfully", promotion)
	}
}

func handleGetPromotion(d *deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseID(c)
		if !ok {
			return
		}

		var promotion models.Promotion
		err := d.db.WithContext(c.Request.Context()).
			Preload("Customer").
			Preload("Product").
			First(&promotion, "id = ?", id).Error
		if err != nil {
			dbError(c, d.log, err, "Promotion not found", "Failed to fetch promotion")
			return
		}

		utils.OKResponse(c, "Promotion retrieved successfully", gin.H{
			"promotion": promotion,
			"running":   promotion.IsRunning(d.now()),
		})
	}
}

// handleUpdatePromotionStatus moves a promotion along its workflow
func handleUpdatePromotionStatus(d *deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseID(c)
		if !ok {
			return
		}
		var req UpdateStatusRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			utils.BadRequestResponse(c, "Invalid request format")
			return
		}
		db := d.db.WithContext(c.Request.Context())

		var promotion models.Promotion
		if err := db.First(&promotion, "id = ?", id).Error; err != nil {
			dbError(c, d.log, err, "Promotion not found", "Failed to fetch promotion")
			return
		}
		if !canTransition(promotion.Status, req.Status) {
			c.JSON(http.StatusConflict, gin.H{
				"success": false,
				"error":   "Invalid status transition",
				"from":    promotion.Status,
				"to":      req.Status,
			})
			return
		}

		if err := db.Model(&promotion).Update("status", req.Status).Error; err != nil {
			dbError(c, d.log, err, "Promotion not found", "Failed to update promotion")
			return
		}

		utils.OKResponse(c, "Promotion updated successfully", promotion)
	}
}

// handleDeletePromotion deletes draft and cancelled promotions
func handleDeletePromotion(d *deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseID(c)
		if !ok {
			return
		}
		db := d.db.WithContext(c.Request.Context())

		var promotion models.Promotion
		if err := db.First(&promotion, "id = ?", id).Error; err != nil {
			dbError(c, d.log, err, "Promotion not found", "Failed to fetch promotion")
			return
		}
		if promotion.Status != models.PromotionStatusDraft && promotion.Status != models.PromotionStatusCancelled {
			utils.ErrorResponse(c, http.StatusConflict, "Only draft or cancelled promotions can be deleted")
			return
		}

		if err := db.Delete(&promotion).Error; err != nil {
			dbError(c, d.log, err, "Promotion not found", "Failed to delete promotion")
			return
		}
		d.release(c, tenancy.ActionAddPromotion)

		utils.OKResponse(c, "Promotion deleted successfully", nil)
	}
}

// handleAnalyticsSummary aggregates promotions by status for the tenant
func handleAnalyticsSummary(d *deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		db := d.db.WithContext(c.Request.Context())

		var rows []StatusSummary
		err := db.Model(&models.Promotion{}).
			Select("status, count(*) as total, coalesce(sum(budget_cents), 0) as budget_cents").
			Group("status").
			Order("status").
			Scan(&rows).Error
		if err != nil {
			dbError(c, d.log, err, "", "Failed to compute summary")
			return
		}

		var total, budget int64
		for _, r := range rows {
			total += r.Total
			budget += r.BudgetCents
		}

		now := d.now()
		var running int64
		err = db.Model(&models.Promotion{}).
			Where("status = ? AND start_date <= ? AND end_date > ?", models.PromotionStatusActive, now, now).
			Count(&running).Error
		if err != nil {
			dbError(c, d.log, err, "", "Failed to compute summary")
			return
		}

		utils.OKResponse(c, "Summary computed successfully", gin.H{
			"by_status":          rows,
			"total":              total,
			"total_budget_cents": budget,
			"running":            running,
		})
	}
}

// handleCurrentTenant describes the resolved tenant, its features and quotas
func handleCurrentTenant(d *deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		tc, ok := middleware.TenantFromGin(c)
		if !ok {
			utils.BadRequestResponse(c, "Tenant context required")
			return
		}

		actions := []tenancy.Action{
			tenancy.ActionAddUser,
			tenancy.ActionAddCustomer,
			tenancy.ActionAddProduct,
			tenancy.ActionAddPromotion,
			tenancy.ActionAPICall,
		}
		quotas := make([]tenancy.Quota, 0, len(actions))
		for _, a := range actions {
			quotas = append(quotas, tc.Quota(a))
		}

		utils.OKResponse(c, "Tenant retrieved successfully", gin.H{
			"id":            tc.TenantID,
			"slug":          tc.Slug,
			"name":          tc.Name,
			"plan":          tc.Plan,
			"status":        tc.Status,
			"trial_ends_at": tc.TrialEndsAt,
			"features":      tc.Features(),
			"settings":      tc.Settings,
			"quotas":        quotas,
		})
	}
}

func handleHeartbeat(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
