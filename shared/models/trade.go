package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Customer is a retailer or distributor a tenant runs promotions with
type Customer struct {
	ID        uuid.UUID      `json:"id" gorm:"type:uuid;primaryKey"`
	TenantID  uuid.UUID      `json:"tenant_id" gorm:"type:uuid;not null;index"`
	Code      string         `json:"code" gorm:"type:varchar(50);not null;index"`
	Name      string         `json:"name" gorm:"type:varchar(255);not null"`
	Channel   string         `json:"channel" gorm:"type:varchar(50)"`
	Region    string         `json:"region" gorm:"type:varchar(50)"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-" gorm:"index"`
}

// Product is a sellable item a promotion funds
type Product struct {
	ID        uuid.UUID      `json:"id" gorm:"type:uuid;primaryKey"`
	TenantID  uuid.UUID      `json:"tenant_id" gorm:"type:uuid;not null;index"`
	SKU       string         `json:"sku" gorm:"type:varchar(64);not null;index"`
	Name      string         `json:"name" gorm:"type:varchar(255);not null"`
	Brand     string         `json:"brand" gorm:"type:varchar(100)"`
	Category  string         `json:"category" gorm:"type:varchar(100)"`
	ListPrice int64          `json:"list_price_cents"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-" gorm:"index"`
}

// PromotionStatus is the workflow state of a promotion
type PromotionStatus string

const (
	PromotionStatusDraft     PromotionStatus = "draft"
	PromotionStatusPlanned   PromotionStatus = "planned"
	PromotionStatusApproved  PromotionStatus = "approved"
	PromotionStatusActive    PromotionStatus = "active"
	PromotionStatusCompleted PromotionStatus = "completed"
	PromotionStatusCancelled PromotionStatus = "cancelled"
)

// Promotion is a funded trade promotion for one customer
type Promotion struct {
	ID          uuid.UUID       `json:"id" gorm:"type:uuid;primaryKey"`
	TenantID    uuid.UUID       `json:"tenant_id" gorm:"type:uuid;not null;index"`
	CustomerID  uuid.UUID       `json:"customer_id" gorm:"type:uuid;not null;index"`
	ProductID   *uuid.UUID      `json:"product_id,omitempty" gorm:"type:uuid;index"`
	Name        string          `json:"name" gorm:"type:varchar(255);not null"`
	Mechanic    string          `json:"mechanic" gorm:"type:varchar(50)"`
	Status      PromotionStatus `json:"status" gorm:"type:varchar(20);not null"`
	BudgetCents int64           `json:"budget_cents"`
	StartDate   time.Time       `json:"start_date"`
	EndDate     time.Time       `json:"end_date"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	DeletedAt   gorm.DeletedAt  `json:"-" gorm:"index"`

	Customer *Customer `json:"customer,omitempty" gorm:"foreignKey:CustomerID"`
	Product  *Product  `json:"product,omitempty" gorm:"foreignKey:ProductID"`
}

// TableName returns the table name for the Customer model
func (Customer) TableName() string {
	return "customers"
}

// TableName returns the table name for the Product model
func (Product) TableName() string {
	return "products"
}

// TableName returns the table name for the Promotion model
func (Promotion) TableName() string {
	return "promotions"
}

func (c *Customer) BeforeCreate(tx *gorm.DB) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	return nil
}

func (p *Product) BeforeCreate(tx *gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return nil
}

func (p *Promotion) BeforeCreate(tx *gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.Status == "" {
		p.Status = PromotionStatusDraft
	}
	return nil
}

// IsRunning reports whether the promotion is live at t
func (p *Promotion) IsRunning(t time.Time) bool {
	return p.Status == PromotionStatusActive && !t.Before(p.StartDate) && t.Before(p.EndDate)
}
