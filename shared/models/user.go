package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// User represents a tenant user record
type User struct {
	ID          uuid.UUID  `json:"id" gorm:"type:uuid;primaryKey"`
	TenantID    uuid.UUID  `json:"tenant_id" gorm:"type:uuid;not null;index"`
	CognitoID   string     `json:"cognito_id,omitempty" gorm:"type:varchar(255);index"`
	Email       string     `json:"email" gorm:"type:varchar(255);not null"`
	Role        UserRole   `json:"role" gorm:"type:varchar(32);not null"`
	CreatedAt   time.Time  `json:"created_at"`
	LastLoginAt *time.Time `json:"last_login_at,omitempty"`
}

type UserRole string

const (
	RoleTenantAdmin UserRole = "tenant_admin"
	RoleKAM         UserRole = "key_account_manager"
	RoleUser        UserRole = "user"
	RoleSystemAdmin UserRole = "system_admin"
)

func (User) TableName() string {
	return "users"
}

func (u *User) BeforeCreate(tx *gorm.DB) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	return nil
}

// Admin represents a platform administrator. Admins are not tenant-scoped.
type Admin struct {
	CognitoID   string     `json:"cognito_id" gorm:"type:varchar(255);primaryKey"`
	Email       string     `json:"email" gorm:"type:varchar(255)"`
	CreatedAt   time.Time  `json:"created_at"`
	LastLoginAt *time.Time `json:"last_login_at,omitempty"`
}

func (Admin) TableName() string {
	return "admins"
}

// UserInfo represents user information from verified token claims
type UserInfo struct {
	UserID     string   `json:"user_id"`
	Email      string   `json:"email"`
	Role       UserRole `json:"role"`
	TenantID   string   `json:"tenant_id,omitempty"`
	TenantSlug string   `json:"tenant_slug,omitempty"`
}

func (ui *UserInfo) IsSystemAdmin() bool {
	return ui.Role == RoleSystemAdmin
}

func (ui *UserInfo) IsTenantAdmin() bool {
	return ui.Role == RoleTenantAdmin
}

// CanAccessTenant reports whether the caller's token binds them to tenantID
func (ui *UserInfo) CanAccessTenant(tenantID uuid.UUID) bool {
	if ui.IsSystemAdmin() {
		return true
	}
	return ui.TenantID != "" && ui.TenantID == tenantID.String()
}
