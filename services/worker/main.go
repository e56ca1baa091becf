package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/pavitra93/go-trade-spend-platform/shared/config"
	"github.com/pavitra93/go-trade-spend-platform/shared/directory"
	"github.com/pavitra93/go-trade-spend-platform/shared/events"
	"github.com/pavitra93/go-trade-spend-platform/shared/tenancy"
	"github.com/pavitra93/go-trade-spend-platform/shared/utils"
)

func setupRouter(w *TenantWorker) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	// Health check endpoint
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "worker",
		})
	})

	// Job and sweep statistics endpoint
	router.GET("/stats", func(c *gin.Context) {
		utils.OKResponse(c, "Worker statistics", w.Stats())
	})

	return router
}

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		logrus.Warn("No .env file found, using environment variables")
	}

	cfg := config.Load()
	logger := config.NewLogger()
	entry := logger.WithField("service", "worker")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb, err := utils.NewRedisClient(ctx, cfg.RedisHost, cfg.RedisPort, cfg.RedisPassword)
	if err != nil {
		entry.WithError(err).Warn("Redis unavailable, directory cache invalidation disabled")
		rdb = nil
	} else {
		defer rdb.Close()
	}

	publisher := events.NewPublisher(events.NewKafkaWriter(cfg.KafkaBrokers), events.PublisherConfig{
		AuditTopic: cfg.AuditTopic,
	}, entry)
	defer publisher.Close()

	db, err := config.ConnectDatabase(tenancy.NewEnforcer(tenancy.WithLogger(entry)))
	if err != nil {
		log.Fatal("Failed to connect to database:", err)
	}

	dir := directory.NewCached(directory.NewStore(db),
		directory.WithRedis(rdb, cfg.DirectoryCacheTTL),
		directory.WithBreaker(directory.NewBreaker(cfg.BreakerMaxFailures, cfg.BreakerResetAfter)),
		directory.WithCacheLogger(entry),
	)
	worker := NewTenantWorker(db, dir, tenancy.NewExecutor(publisher, entry), cfg.TrialSweepInterval, entry)

	reader := events.NewKafkaReader(cfg.KafkaBrokers, cfg.JobsTopic, cfg.JobsGroupID)
	defer reader.Close()
	consumer := events.NewJobConsumer(reader, worker.HandleJob, entry)

	go func() {
		if err := consumer.Run(ctx); err != nil {
			entry.WithError(err).Error("Job consumer stopped")
		}
	}()
	go worker.RunSweeps(ctx)

	// Start HTTP server
	port := os.Getenv("WORKER_PORT")
	if port == "" {
		port = "8085"
	}
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: setupRouter(worker),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			entry.WithError(err).Error("Worker HTTP shutdown failed")
		}
	}()

	logrus.Infof("Worker starting on port %s", port)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal("Failed to start worker:", err)
	}
	entry.Info("Worker stopped")
}
