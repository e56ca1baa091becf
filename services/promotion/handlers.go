package main

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/pavitra93/go-trade-spend-platform/shared/middleware"
	"github.com/pavitra93/go-trade-spend-platform/shared/models"
	"github.com/pavitra93/go-trade-spend-platform/shared/tenancy"
	"github.com/pavitra93/go-trade-spend-platform/shared/utils"
)

// deps are what the promotion service handlers share. Every query runs on
// db.WithContext(c.Request.Context()), which carries the resolved tenant.
type deps struct {
	db   *gorm.DB
	gate *middleware.Gate
	log  *logrus.Entry
	now  func() time.Time
}

// CreateCustomerRequest represents the create customer request
type CreateCustomerRequest struct {
	Code    string `json:"code" binding:"required"`
	Name    string `json:"name" binding:"required"`
	Channel string `json:"channel"`
	Region  string `json:"region"`
}

// UpdateCustomerRequest represents the update customer request
type UpdateCustomerRequest struct {
	Name    *string `json:"name"`
	Channel *string `json:"channel"`
	Region  *string `json:"region"`
}

// CreateProductRequest represents the create product request
type CreateProductRequest struct {
	SKU       string `json:"sku" binding:"required"`
	Name      string `json:"name" binding:"required"`
	Brand     string `json:"brand"`
	Category  string `json:"category"`
	ListPrice int64  `json:"list_price_cents"`
}

// CreateUserRequest represents the invite user request
type CreateUserRequest struct {
	Email     string          `json:"email" binding:"required,email"`
	Role      models.UserRole `json:"role"`
	CognitoID string          `json:"cognito_id"`
}

func parseID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		utils.BadRequestResponse(c, "Invalid ID")
		return uuid.Nil, false
	}
	return id, true
}

// dbError maps a query error to a response. Scoping errors mean the request
// reached a handler without a tenant and are server faults.
func dbError(c *gin.Context, log *logrus.Entry, err error, notFound, msg string) {
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		utils.NotFoundResponse(c, notFound)
	case tenancy.IsScopingError(err):
		log.WithError(err).WithField("path", c.Request.URL.Path).Error("Tenant scoping rejected query")
		utils.InternalServerErrorResponse(c, msg)
	default:
		log.WithError(err).Error(msg)
		utils.InternalServerErrorResponse(c, msg)
	}
}

// release gives back one unit of quota after a delete
func (d *deps) release(c *gin.Context, action tenancy.Action) {
	if _, err := d.gate.Increment(c.Request.Context(), action, -1); err != nil {
		d.log.WithError(err).WithField("action", action).Warn("Failed to release usage")
	}
}

func handleGetCustomers(d *deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		q := d.db.WithContext(c.Request.Context()).Order("code")
		if region := c.Query("region"); region != "" {
			q = q.Where("region = ?", region)
		}
		if channel := c.Query("channel"); channel != "" {
			q = q.Where("channel = ?", channel)
		}

		var customers []models.Customer
		if err := q.Find(&customers).Error; err != nil {
			dbError(c, d.log, err, "", "Failed to fetch customers")
			return
		}

		utils.OKResponse(c, "Customers retrieved successfully", customers)
	}
}

// handleCreateCustomer creates a customer; codes are unique per tenant
func handleCreateCustomer(d *deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CreateCustomerRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			utils.BadRequestResponse(c, "Invalid request format")
			return
		}
		db := d.db.WithContext(c.Request.Context())
		code := strings.ToUpper(strings.TrimSpace(req.Code))

		var n int64
		if err := db.Model(&models.Customer{}).Where("code = ?", code).Count(&n).Error; err != nil {
			dbError(c, d.log, err, "", "Failed to create customer")
			return
		}
		if n > 0 {
			utils.ErrorResponse(c, http.StatusConflict, "Customer code already exists")
			return
		}

		customer := models.Customer{
			Code:    code,
			Name:    req.Name,
			Channel: req.Channel,
			Region:  req.Region,
		}
		if err := db.Create(&customer).Error; err != nil {
			dbError(c, d.log, err, "", "Failed to create customer")
			return
		}

		utils.CreatedResponse(c, "Customer created successfully", customer)
	}
}

func handleGetCustomer(d *deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseID(c)
		if !ok {
			return
		}

		var customer models.Customer
		if err := d.db.WithContext(c.Request.Context()).First(&customer, "id = ?", id).Error; err != nil {
			dbError(c, d.log, err, "Customer not found", "Failed to fetch customer")
			return
		}

		utils.OKResponse(c, "Customer retrieved successfully", customer)
	}
}

func handleUpdateCustomer(d *deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseID(c)
		if !ok {
			return
		}
		var req UpdateCustomerRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			utils.BadRequestResponse(c, "Invalid request format")
			return
		}
		db := d.db.WithContext(c.Request.Context())

		var customer models.Customer
		if err := db.First(&customer, "id = ?", id).Error; err != nil {
			dbError(c, d.log, err, "Customer not found", "Failed to fetch customer")
			return
		}

		updates := map[string]interface{}{}
		if req.Name != nil {
			updates["name"] = *req.Name
		}
		if req.Channel != nil {
			updates["channel"] = *req.Channel
		}
		if req.Region != nil {
			updates["region"] = *req.Region
		}
		if len(updates) > 0 {
			if err := db.Model(&customer).Updates(updates).Error; err != nil {
				dbError(c, d.log, err, "Customer not found", "Failed to update customer")
				return
			}
		}

		utils.OKResponse(c, "Customer updated successfully", customer)
	}
}

// handleDeleteCustomer refuses to delete customers that still have promotions
func handleDeleteCustomer(d *deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseID(c)
		if !ok {
			return
		}
		db := d.db.WithContext(c.Request.Context())

		var n int64
		if err := db.Model(&models.Promotion{}).Where("customer_id = ?", id).Count(&n).Error; err != nil {
			dbError(c, d.log, err, "", "Failed to delete customer")
			return
		}
		if n > 0 {
			utils.ErrorResponse(c, http.StatusConflict, "Customer has promotions")
			return
		}

		res := db.Delete(&models.Customer{}, "id = ?", id)
		if res.Error != nil {
			dbError(c, d.log, res.Error, "", "Failed to delete customer")
			return
		}
		if res.RowsAffected == 0 {
			utils.NotFoundResponse(c, "Customer not found")
			return
		}
		d.release(c, tenancy.ActionAddCustomer)

		utils.OKResponse(c, "Customer deleted successfully", nil)
	}
}

func handleGetProducts(d *deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		q := d.db.WithContext(c.Request.Context()).Order("sku")
		if brand := c.Query("brand"); brand != "" {
			q = q.Where("brand = ?", brand)
		}

		var products []models.Product
		if err := q.Find(&products).Error; err != nil {
			dbError(c, d.log, err, "", "Failed to fetch products")
			return
		}

		utils.OKResponse(c, "Products retrieved successfully", products)
	}
}

func handleCreateProduct(d *deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CreateProductRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			utils.BadRequestResponse(c, "Invalid request format")
			return
		}
		if req.ListPrice < 0 {
			utils.BadRequestResponse(c, "List price cannot be negative")
			return
		}
		db := d.db.WithContext(c.Request.Context())

		var n int64
		if err := db.Model(&models.Product{}).Where("sku = ?", req.SKU).Count(&n).Error; err != nil {
			dbError(c, d.log, err, "", "Failed to create product")
			return
		}
		if n > 0 {
			utils.ErrorResponse(c, http.StatusConflict, "SKU already exists")
			return
		}

		product := models.Product{
			SKU:       req.SKU,
			Name:      req.Name,
			Brand:     req.Brand,
			Category:  req.Category,
			ListPrice: req.ListPrice,
		}
		if err := db.Create(&product).Error; err != nil {
			dbError(c, d.log, err, "", "Failed to create product")
			return
		}

		utils.CreatedResponse(c, "Product created successfully", product)
	}
}

func handleDeleteProduct(d *deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseID(c)
		if !ok {
			return
		}

		res := d.db.WithContext(c.Request.Context()).Delete(&models.Product{}, "id = ?", id)
		if res.Error != nil {
			dbError(c, d.log, res.Error, "", "Failed to delete product")
			return
		}
		if res.RowsAffected == 0 {
			utils.NotFoundResponse(c, "Product not found")
			return
		}
		d.release(c, tenancy.ActionAddProduct)

		utils.OKResponse(c, "Product deleted successfully", nil)
	}
}

func handleGetUsers(d *deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var users []models.User
		if err := d.db.WithContext(c.Request.Context()).Order("email").Find(&users).Error; err != nil {
			dbError(c, d.log, err, "", "Failed to fetch users")
			return
		}

		utils.OKResponse(c, "Users retrieved successfully", users)
	}
}

// handleCreateUser adds a user record to the tenant. Platform roles cannot
// be granted from here.
func handleCreateUser(d *deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CreateUserRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			utils.BadRequestResponse(c, "Invalid request format")
			return
		}
		if req.Role == "" {
			req.Role = models.RoleUser
		}
		switch req.Role {
		case models.RoleUser, models.RoleKAM, models.RoleTenantAdmin:
		default:
			utils.BadRequestResponse(c, "Invalid role")
			return
		}
		db := d.db.WithContext(c.Request.Context())
		email := strings.ToLower(req.Email)

		var n int64
		if err := db.Model(&models.User{}).Where("email = ?", email).Count(&n).Error; err != nil {
			dbError(c, d.log, err, "", "Failed to create user")
			return
		}
		if n > 0 {
			utils.ErrorResponse(c, http.StatusConflict, "User already exists")
			return
		}

		user := models.User{
			Email:     email,
			Role:      req.Role,
			CognitoID: req.CognitoID,
		}
		if err := db.Create(&user).Error; err != nil {
			dbError(c, d.log, err, "", "Failed to create user")
			return
		}

		utils.CreatedResponse(c, "User created successfully", user)
	}
}

func handleDeleteUser(d *deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseID(c)
		if !ok {
			return
		}

		res := d.db.WithContext(c.Request.Context()).Delete(&models.User{}, "id = ?", id)
		if res.Error != nil {
			dbError(c, d.log, res.Error, "", "Failed to delete user")
			return
		}
		if res.RowsAffected == 0 {
			utils.NotFoundResponse(c, "User not found")
			return
		}
		d.release(c, tenancy.ActionAddUser)

		utils.OKResponse(c, "User deleted successfully", nil)
	}
}
