package main

import (
	"context"
	"log"
	"net/http"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/pavitra93/go-trade-spend-platform/shared/config"
	"github.com/pavitra93/go-trade-spend-platform/shared/middleware"
	"github.com/pavitra93/go-trade-spend-platform/shared/utils"
)

// promotionPrefixes are the tenant data routes served by the promotion service
var promotionPrefixes = []string{"customers", "products", "promotions", "users", "analytics"}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-Tenant-Id, X-Tenant-Slug")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// setupRouter wires the edge routes. Tokens are verified here and again by
// each service, which shares the claims cache.
func setupRouter(clients *ServiceClients, auth *middleware.AuthMiddleware) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), corsMiddleware())

	// Health check endpoint
	router.GET("/health", func(c *gin.Context) {
		utils.OKResponse(c, "API Gateway is healthy", nil)
	})
	router.GET("/health/services", func(c *gin.Context) {
		status, healthy := clients.GetServiceStatus()
		if !healthy {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"success": false,
				"error":   "One or more services are unhealthy",
				"data":    status,
			})
			return
		}
		utils.OKResponse(c, "All services are healthy", status)
	})

	// Public onboarding
	router.POST("/api/tenants/signup", clients.TenantService.ProxyRequest)
	router.GET("/api/tenants/verify/:slug", clients.TenantService.ProxyRequest)

	// Platform administration
	admin := router.Group("/api/admin")
	admin.Use(auth.RequireAuth(), auth.RequireSystemAdmin())
	{
		admin.Any("/*path", clients.TenantService.ProxyRequest)
	}

	// Worker statistics
	router.GET("/api/worker/stats", auth.RequireAuth(), auth.RequireSystemAdmin(), func(c *gin.Context) {
		c.Request.URL.Path = "/stats"
		clients.WorkerService.ProxyRequest(c)
	})

	// Tenant data
	api := router.Group("/api")
	api.Use(auth.RequireAuth())
	{
		api.GET("/heartbeat", clients.PromotionService.ProxyRequest)
		api.GET("/tenant", clients.PromotionService.ProxyRequest)
		for _, prefix := range promotionPrefixes {
			api.Any("/"+prefix, clients.PromotionService.ProxyRequest)
			api.Any("/"+prefix+"/*path", clients.PromotionService.ProxyRequest)
		}
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
	entry := logger.WithField("service", "gateway")

	rdb, err := utils.NewRedisClient(context.Background(), cfg.RedisHost, cfg.RedisPort, cfg.RedisPassword)
	if err != nil {
		entry.WithError(err).Warn("Failed to connect to Redis, claims caching disabled")
		rdb = nil
	} else {
		defer rdb.Close()
	}

	authMiddleware, err := middleware.NewAuthFromConfig(cfg, rdb, entry)
	if err != nil {
		log.Fatal("Failed to initialize auth middleware:", err)
	}

	// Initialize service clients
	serviceClients := &ServiceClients{
		TenantService:    NewServiceClient("tenant-service", getEnv("TENANT_SERVICE_URL", "http://localhost:8002"), entry),
		PromotionService: NewServiceClient("promotion-service", getEnv("PROMOTION_SERVICE_URL", "http://localhost:8003"), entry),
		WorkerService:    NewServiceClient("worker", getEnv("WORKER_SERVICE_URL", "http://localhost:8085"), entry),
	}
	entry.WithField("upstreams", serviceClients.serviceNames()).Info("Configured upstream services")

	port := getEnv("API_GATEWAY_PORT", "8080")
	logrus.Infof("API Gateway starting on port %s", port)
	if err := setupRouter(serviceClients, authMiddleware).Run(":" + port); err != nil {
		log.Fatal("Failed to start API Gateway:", err)
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
