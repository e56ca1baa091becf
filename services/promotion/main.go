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
	"github.com/pavitra93/go-trade-spend-platform/shared/models"
	"github.com/pavitra93/go-trade-spend-platform/shared/tenancy"
	"github.com/pavitra93/go-trade-spend-platform/shared/utils"
)

// server bundles the middleware the routes are built from
type server struct {
	auth     *middleware.AuthMiddleware
	resolver *middleware.TenantResolver
	guard    *middleware.TenantGuard
}

func setupRouter(d *deps, s *server) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	// Health check endpoint
	router.GET("/health", func(c *gin.Context) {
		utils.OKResponse(c, "Promotion service is healthy", nil)
	})

	api := router.Group("/api")
	// Tenants are resolved only for authenticated callers, so a rejected token
	// never counts against the tenant it names
	api.Use(s.auth.RequireAuth(), s.resolver.ResolveTenant(), s.guard.RequireMembership(), s.guard.RejectForeignTenant())
	{
		api.GET("/heartbeat", handleHeartbeat)
		api.GET("/tenant", handleCurrentTenant(d))

		customers := api.Group("/customers")
		{
			customers.GET("", handleGetCustomers(d))
			customers.POST("",
				d.gate.RequireUsage(tenancy.ActionAddCustomer),
				d.gate.CountOnSuccess(tenancy.ActionAddCustomer),
				handleCreateCustomer(d))
			customers.GET("/:id", handleGetCustomer(d))
			customers.PUT("/:id", handleUpdateCustomer(d))
			customers.DELETE("/:id", handleDeleteCustomer(d))
		}

		products := api.Group("/products")
		{
			products.GET("", handleGetProducts(d))
			products.POST("",
				d.gate.RequireUsage(tenancy.ActionAddProduct),
				d.gate.CountOnSuccess(tenancy.ActionAddProduct),
				handleCreateProduct(d))
			products.DELETE("/:id", handleDeleteProduct(d))
		}

		promotions := api.Group("/promotions")
		{
			promotions.GET("", handleGetPromotions(d))
			promotions.POST("",
				d.gate.RequireUsage(tenancy.ActionAddPromotion),
				d.gate.CountOnSuccess(tenancy.ActionAddPromotion),
				handleCreatePromotion(d))
			promotions.GET("/:id", handleGetPromotion(d))
			promotions.PUT("/:id/status", handleUpdatePromotionStatus(d))
			promotions.DELETE("/:id", handleDeletePromotion(d))
		}

		// User management is for tenant admins
		users := api.Group("/users")
		users.Use(s.auth.RequireRole(models.RoleTenantAdmin, models.RoleSystemAdmin))
		{
			users.GET("", handleGetUsers(d))
			users.POST("",
				d.gate.RequireUsage(tenancy.ActionAddUser),
				d.gate.CountOnSuccess(tenancy.ActionAddUser),
				handleCreateUser(d))
			users.DELETE("/:id", handleDeleteUser(d))
		}

		api.GET("/analytics/summary",
			d.gate.RequireFeature(models.FeatureAdvancedAnalytics),
			handleAnalyticsSummary(d))
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
	entry := logger.WithField("service", "promotion")

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

	dir := directory.NewCached(directory.NewStore(db),
		directory.WithRedis(rdb, cfg.DirectoryCacheTTL),
		directory.WithBreaker(directory.NewBreaker(cfg.BreakerMaxFailures, cfg.BreakerResetAfter)),
		directory.WithCacheLogger(entry),
	)

	s := &server{
		auth: auth,
		resolver: middleware.NewTenantResolver(middleware.ResolverConfigFrom(cfg), dir,
			middleware.WithActivityRecorder(dir),
			middleware.WithClaimsSource(auth),
			middleware.WithResolverLogger(entry),
		),
		guard: middleware.NewTenantGuard(publisher, entry),
	}
	d := &deps{
		db:   db,
		gate: middleware.NewGate(dir, entry),
		log:  entry,
		now:  time.Now,
	}

	router := setupRouter(d, s)

	// Start server
	port := os.Getenv("PROMOTION_SERVICE_PORT")
	if port == "" {
		port = "8003"
	}

	logrus.Infof("Promotion service starting on port %s", port)
	if err := router.Run(":" + port); err != nil {
		log.Fatal("Failed to start promotion service:", err)
	}
}
