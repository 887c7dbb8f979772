package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"marketdata_backend/config"
	"marketdata_backend/models"
	"marketdata_backend/routes"
	"marketdata_backend/scheduler"
	"marketdata_backend/services/advisor"
	"marketdata_backend/services/aggregation"
	"marketdata_backend/services/archive"
	"marketdata_backend/services/breaker"
	"marketdata_backend/services/broadcast"
	"marketdata_backend/services/cache"
	"marketdata_backend/services/partition"
	"marketdata_backend/services/provider"
	"marketdata_backend/services/retrieval"
)

func main() {
	log.Println("==============================================")
	log.Println("  Market Data Engine - Starting...")
	log.Println("==============================================")

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Config load failed: %v", err)
	}

	// Set Gin mode based on environment
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	// Initialize database connection
	db, err := config.InitDB(cfg)
	if err != nil {
		log.Fatalf("Database connection failed: %v", err)
	}

	// Run database migrations
	log.Println("Running database migrations...")
	if err := runMigrations(db); err != nil {
		log.Fatalf("Migration failed: %v", err)
	}
	log.Println("Database migrations completed successfully")

	// Seed the default data source
	if err := models.SeedDefaultDataSource(db); err != nil {
		log.Printf("Warning: Could not seed default data source: %v", err)
	}

	// Durable cache tier is optional; the in-process tier works without it
	var durable *cache.DurableStore
	if cfg.Cache.DurablePath != "" {
		durable, err = cache.OpenDurableStore(cfg.Cache.DurablePath)
		if err != nil {
			log.Printf("Warning: Durable cache unavailable, continuing without it: %v", err)
			durable = nil
		}
	}
	store := cache.NewStore(cfg.Cache, durable)

	// Cold-storage archiver is optional; without it archived partitions keep
	// their rows in place
	mongoArchiver, err := archive.Connect(context.Background(), cfg.MongoURI)
	if err != nil {
		log.Printf("Warning: Archive storage unavailable: %v", err)
		mongoArchiver = nil
	}
	var archiver partition.Archiver
	if mongoArchiver != nil {
		archiver = mongoArchiver
	}

	parts := partition.NewManager(db, cfg.Partition, archiver)
	brk := breaker.New(cfg.Breaker)
	agg := aggregation.NewEngine()
	adv := advisor.New(parts)

	// The provider is configured by its registry row; base URL and rate limit
	// fall back to config defaults when the row is missing
	source := loadDataSource(db)
	prov := provider.NewVNDirectProvider(cfg.Provider, source)

	hub := broadcast.NewHub()

	svc := retrieval.NewService(db, store, parts, agg, brk, prov, hub, adv, cfg.Retrieval)

	// Create Gin router
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(requestLogger())

	setupHealthEndpoints(router, db)
	routes.SetupRoutes(router, routes.Deps{
		DB:        db,
		Retrieval: svc,
		Parts:     parts,
		Store:     store,
		Breaker:   brk,
		Advisor:   adv,
		Hub:       hub,
	})

	// Start background scheduler
	jobScheduler := scheduler.New(cfg, parts, store, svc, adv)
	jobScheduler.Start()

	server := &http.Server{
		Addr:              "0.0.0.0:" + cfg.Port,
		Handler:           router,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
	}

	go func() {
		log.Printf("Server listening on 0.0.0.0:%s", cfg.Port)
		log.Println("==============================================")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	gracefulShutdown(server, jobScheduler, hub, durable, mongoArchiver, db)
}

// runMigrations runs all database migrations
func runMigrations(db *gorm.DB) error {
	if err := models.MigratePartitionModels(db); err != nil {
		return err
	}
	if err := models.MigrateMarketDataModels(db); err != nil {
		return err
	}
	if err := models.MigrateQueryModels(db); err != nil {
		return err
	}
	return nil
}

// loadDataSource fetches the default provider registry row.
func loadDataSource(db *gorm.DB) *models.DataSource {
	var source models.DataSource
	if err := db.Where("name = ?", "vndirect").First(&source).Error; err != nil {
		log.Printf("Warning: Data source registry row missing, using config defaults: %v", err)
		return nil
	}
	return &source
}

// setupHealthEndpoints sets up liveness and readiness probes.
func setupHealthEndpoints(router *gin.Engine, db *gorm.DB) {
	router.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"message": "Market Data Engine API",
			"version": "1.0.0",
		})
	})

	// Liveness probe - always returns OK if server is running
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
		})
	})

	// Readiness probe - checks if service is ready to receive traffic
	router.GET("/ready", func(c *gin.Context) {
		sqlDB, err := db.DB()
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":  "not_ready",
				"message": "Database connection error",
			})
			return
		}
		if err := sqlDB.Ping(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":  "not_ready",
				"message": "Database ping failed",
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status": "ready",
		})
	})
}

// corsMiddleware returns a CORS middleware handler
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-Requested-With")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// requestLogger returns a request logging middleware
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Skip logging for health checks to reduce noise
		path := c.Request.URL.Path
		if path == "/health" || path == "/ready" {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()
		duration := time.Since(start)

		// Only log errors or slow requests
		if c.Writer.Status() >= 400 || duration > 1*time.Second {
			log.Printf("%s %s %d %v", c.Request.Method, path, c.Writer.Status(), duration)
		}
	}
}

// gracefulShutdown handles graceful shutdown of the server and all components.
func gracefulShutdown(server *http.Server, jobScheduler *scheduler.Scheduler,
	hub *broadcast.Hub, durable *cache.DurableStore,
	mongoArchiver *archive.MongoArchiver, db *gorm.DB) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	sig := <-quit
	log.Printf("Received signal %v, shutting down gracefully...", sig)

	// Stop accepting new work first
	jobScheduler.Stop()
	hub.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	if durable != nil {
		if err := durable.Close(); err != nil {
			log.Printf("Durable cache close failed: %v", err)
		}
	}
	if err := mongoArchiver.Close(ctx); err != nil {
		log.Printf("Archive storage disconnect failed: %v", err)
	}

	if sqlDB, err := db.DB(); err == nil {
		sqlDB.Close()
		log.Println("Database connection closed")
	}

	log.Println("Server shutdown completed")
}
