package config

import (
	"context"
	"fmt"
	"time"

	"github.com/pavitra93/go-trade-spend-platform/shared/models"
	"github.com/pavitra93/go-trade-spend-platform/shared/tenancy"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// GetDatabaseConfig returns database configuration from environment variables
func GetDatabaseConfig() *DatabaseConfig {
	return &DatabaseConfig{
		Host:     getEnv("DB_HOST", "localhost"),
		Port:     getEnv("DB_PORT", "5432"),
		User:     getEnv("DB_USER", "postgres"),
		Password: getEnv("DB_PASSWORD", "password"),
		DBName:   getEnv("DB_NAME", "trade_spend_db"),
		SSLMode:  getEnv("DB_SSL_MODE", "disable"),
	}
}

// GetDSN returns the database connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}

// Models lists every table the platform owns, directory first
func Models() []interface{} {
	return []interface{}{
		&models.Tenant{},
		&models.Admin{},
		&models.User{},
		&models.Customer{},
		&models.Product{},
		&models.Promotion{},
	}
}

// ConnectDatabase opens the postgres pool and installs the tenant scoping
// plugin. Every statement made through the returned handle is scoped by the
// context it is given.
func ConnectDatabase(enforcer *tenancy.Enforcer) (*gorm.DB, error) {
	config := GetDatabaseConfig()

	db, err := gorm.Open(postgres.Open(config.GetDSN()), &gorm.Config{
		PrepareStmt: true,
		Logger:      logger.Default.LogMode(logger.Error),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying SQL DB: %w", err)
	}

	// 3 services x 25 stays under the postgres default of 100
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)
	sqlDB.SetConnMaxIdleTime(10 * time.Minute)

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := InstallEnforcer(db, enforcer); err != nil {
		return nil, err
	}
	return db, nil
}

// InstallEnforcer registers the scoping plugin on db and teaches it the
// platform's tenant-scoped tables
func InstallEnforcer(db *gorm.DB, enforcer *tenancy.Enforcer) error {
	if err := db.Use(enforcer); err != nil {
		return fmt.Errorf("failed to install tenant scoping: %w", err)
	}
	if err := enforcer.Register(db, Models()...); err != nil {
		return fmt.Errorf("failed to register tenant-scoped models: %w", err)
	}
	return nil
}

// Migrate creates or updates the schema. Migrations inspect every table, so
// they run outside any tenant scope.
func Migrate(ctx context.Context, db *gorm.DB) error {
	ctx = tenancy.WithScope(ctx, tenancy.WithoutTenantScope())
	if err := db.WithContext(ctx).AutoMigrate(Models()...); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	return nil
}
