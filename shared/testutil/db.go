// Package testutil provides fixtures shared by package tests.
package testutil

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/pavitra93/go-trade-spend-platform/shared/config"
	"github.com/pavitra93/go-trade-spend-platform/shared/models"
	"github.com/pavitra93/go-trade-spend-platform/shared/tenancy"
)

// NewDB opens a private in-memory sqlite database with tenant scoping
// installed and the platform schema migrated
func NewDB(t testing.TB) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	// one connection keeps the in-memory database alive and serialises writers
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, config.InstallEnforcer(db, tenancy.NewEnforcer(tenancy.WithLogger(QuietLogger()))))
	require.NoError(t, config.Migrate(context.Background(), db))
	return db
}

// QuietLogger returns a logger that discards below error level
func QuietLogger() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return logrus.NewEntry(l)
}

// Admin returns a context that bypasses tenant scoping, for fixtures
func Admin() context.Context {
	return tenancy.WithScope(context.Background(), tenancy.WithoutTenantScope())
}

// As returns a context scoped to tenantID
func As(tenantID uuid.UUID) context.Context {
	return tenancy.WithScope(context.Background(), tenancy.TenantScope(tenantID))
}

// CreateTenant inserts an active tenant on plan
func CreateTenant(t testing.TB, db *gorm.DB, slug string, plan models.Plan) *models.Tenant {
	t.Helper()

	tenant := models.NewTenant(slug+" Inc", slug, plan, time.Now())
	require.NoError(t, db.WithContext(Admin()).Create(tenant).Error)
	return tenant
}
