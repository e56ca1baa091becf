package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/pavitra93/go-trade-spend-platform/shared/config"
	"github.com/pavitra93/go-trade-spend-platform/shared/directory"
	"github.com/pavitra93/go-trade-spend-platform/shared/events"
	"github.com/pavitra93/go-trade-spend-platform/shared/middleware"
	"github.com/pavitra93/go-trade-spend-platform/shared/tenancy"
	"github.com/pavitra93/go-trade-spend-platform/shared/utils"
)

func setupRouter(d *deps, auth *middleware.AuthMiddleware) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	// Health check endpoint
	router.GET("/health", func(c *gin.Context) {
		utils.OKResponse(c, "Tenant service is healthy", nil)
	})

	// Public signup
	public := router.Group("/api/tenants")
	{
		public.POST("/signup", handleSignup(d))
		public.GET("/verify/:slug", handleVerifySlug(d))
	}

	// Platform management, system admins only
	admin := router.Group("/api/admin")
	admin.Use(auth.RequireAuth(), auth.RequireSystemAdmin(), recordAdmin(d))
	{
		admin.GET("/stats", handlePlatformStats(d))

		admin.GET("/tenants", handleGetTenants(d))
		admin.POST("/tenants", handleCreateTenant(d))
		admin.GET("/tenants/:id", handleGetTenant(d))
		admin.POST("/tenants/:id/suspend", handleSuspendTenant(d))
		admin.POST("/tenants/:id/reactivate", handleReactivateTenant(d))
		admin.POST("/tenants/:id/cancel", handleCancelTenant(d))
		admin.PUT("/tenants/:id/plan", handleChangePlan(d))
		admin.GET("/tenants/:id/promotions", handleTenantPromotions(d))
		admin.POST("/tenants/:id/jobs", handleEnqueueJob(d))
	}

	return router
}

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		logrus.Warn("No .env file found, using environment variables")
	}

	cfg := config.Load()
	logger := config.NewLogger()
	entry := logger.WithField("service", "tenant")

	rdb, err := utils.NewRedisClient(context.Background(), cfg.RedisHost, cfg.RedisPort, cfg.RedisPassword)
	if err != nil {
		entry.WithError(err).Warn("Redis unavailable, running without caches")
		rdb = nil
	} else {
		defer rdb.Close()
	}

	publisher := events.NewPublisher(events.NewKafkaWriter(cfg.KafkaBrokers), events.PublisherConfig{
		AuditTopic: cfg.AuditTopic,
		JobsTopic:  cfg.JobsTopic,
	}, entry)
	defer publisher.Close()

	db, err := config.ConnectDatabase(tenancy.NewEnforcer(tenancy.WithLogger(entry)))
	if err != nil {
		log.Fatal("Failed to connect to database:", err)
	}
	if err := config.Migrate(context.Background(), db); err != nil {
		log.Fatal("Failed to migrate database:", err)
	}

	auth, err := middleware.NewAuthFromConfig(cfg, rdb, entry)
	if err != nil {
		log.Fatal("Failed to initialize auth middleware:", err)
	}

	d := &deps{
		db: db,
		directory: directory.NewCached(directory.NewStore(db),
			directory.WithRedis(rdb, cfg.DirectoryCacheTTL),
			directory.WithBreaker(directory.NewBreaker(cfg.BreakerMaxFailures, cfg.BreakerResetAfter)),
			directory.WithCacheLogger(entry),
		),
		executor: tenancy.NewExecutor(publisher, entry),
		jobs:     publisher,
		log:      entry,
		now:      time.Now,
	}

	router := setupRouter(d, auth)

	// Start server
	port := os.Getenv("TENANT_SERVICE_PORT")
	if port == "" {
		port = "8002"
	}

	logrus.Infof("Tenant service starting on port %s", port)
	if err := router.Run(":" + port); err != nil {
		log.Fatal("Failed to start tenant service:", err)
	}
}
