package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"anidex/internal/accounting"
	"anidex/internal/admin"
	"anidex/internal/admission"
	"anidex/internal/config"
	"anidex/internal/counter"
	"anidex/internal/db"
	"anidex/internal/logger"
	"anidex/internal/ratelimit"
	"anidex/internal/scheduler"
	"anidex/internal/stats"

	"github.com/gin-gonic/gin"
)

// customRecovery is a middleware that recovers from panics and handles http.ErrAbortHandler gracefully.
func customRecovery(log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if recovered := recover(); recovered != nil {
				if recovered == http.ErrAbortHandler {
					log.Warn("Client connection aborted", "path", c.Request.URL.Path)
					c.Abort()
					return
				}

				log.Error("Panic recovered",
					"error", recovered,
					"path", c.Request.URL.Path,
					"stack", string(debug.Stack()),
				)
				c.AbortWithStatus(http.StatusInternalServerError)
			}
		}()
		c.Next()
	}
}

// contentHandler fronts the upstream content provider, or reports the
// gateway as unconfigured when no upstream is set.
func contentHandler(upstream string) (http.Handler, error) {
	if upstream == "" {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprint(w, `{"error":"no content provider configured"}`)
		}), nil
	}
	target, err := url.Parse(upstream)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream url %q: %w", upstream, err)
	}
	return httputil.NewSingleHostReverseProxy(target), nil
}

func main() {
	// Load configuration
	cfg, warning, err := config.LoadConfig("config.yaml")
	if err != nil {
		slog.Error("Error loading configuration", "error", err)
		os.Exit(1)
	}

	// Setup logger
	log := logger.New(cfg.Debug)
	log.Info("Logger initialized", "debug_mode", cfg.Debug)
	if warning != "" {
		log.Warn(warning)
	}

	// Initialize database
	database, err := db.NewService(db.Config{Type: cfg.Database.Type, DSN: cfg.Database.DSN})
	if err != nil {
		log.Error("Error initializing database", "error", err)
		os.Exit(1)
	}
	log.Info("Database initialized", "type", cfg.Database.Type)

	// Counter store: Redis when configured, in-process otherwise.
	ctx := context.Background()
	var counterStore counter.Store
	if cfg.Redis.Addr != "" {
		counterStore, err = counter.NewRedisStore(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.Error("Error connecting to redis", "error", err)
			os.Exit(1)
		}
		log.Info("Connected to redis", "addr", cfg.Redis.Addr)
	} else {
		counterStore = counter.NewMemoryStore()
		log.Warn("No redis address configured, using in-process rate limit counters")
	}

	failMode, err := ratelimit.ParseFailMode(cfg.RateLimit.FailMode)
	if err != nil {
		log.Error("Invalid rate limit configuration", "error", err)
		os.Exit(1)
	}
	limiter := ratelimit.NewLimiter(counterStore, failMode, log)

	// Load the key cache and keep it fresh.
	keyCache := admission.NewKeyCache(database, log)
	if err := keyCache.Refresh(); err != nil {
		log.Error("Error loading api keys", "error", err)
		os.Exit(1)
	}
	if keyCache.Len() == 0 {
		log.Warn("No API keys found in the database. Provision one through the admin API before serving clients.")
	} else {
		log.Info("Loaded API keys", "count", keyCache.Len())
	}

	sched := scheduler.NewScheduler(keyCache, log)
	if err := sched.Start(cfg.Cache.RefreshInterval); err != nil {
		log.Error("Error starting scheduler", "error", err)
		os.Exit(1)
	}
	log.Info("Scheduler started", "refresh", cfg.Cache.RefreshInterval)

	controller := admission.NewController(keyCache, limiter, cfg.RateLimit.DefaultLimit, log)
	accountant := accounting.NewAccountant(database, log)
	reporter := stats.NewReporter(database)

	provider, err := contentHandler(cfg.Upstream)
	if err != nil {
		log.Error("Error configuring content provider", "error", err)
		os.Exit(1)
	}

	// Create a Gin router
	router := gin.New()
	router.Use(customRecovery(log))
	if cfg.Debug {
		router.Use(gin.Logger())
	}

	router.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"message": "Welcome to Anidex!",
			"version": "1.0.0",
		})
	})

	// Content routes are gated by admission; every served request is
	// handed to the accountant.
	contentGroup := router.Group("/v1")
	contentGroup.Use(admission.Middleware(controller, accountant))
	contentGroup.Any("/*path", func(c *gin.Context) {
		http.StripPrefix("/v1", provider).ServeHTTP(c.Writer, c.Request)
	})

	admin.SetupRoutes(router, database, keyCache, reporter, cfg.Admin.Password, log)

	// Create and start the main server
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: router,
	}

	// Graceful shutdown
	go func() {
		log.Info("Starting server", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("Failed to start server", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal to gracefully shut down the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down server...")

	// The context is used to inform the server it has 5 seconds to finish
	// the request it is currently handling
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sched.Stop()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", "error", err)
	}

	// Drain queued usage events before exiting so accounting stays accurate.
	accountant.Close()
	if err := counterStore.Close(); err != nil {
		log.Warn("Error closing counter store", "error", err)
	}

	log.Info("Server exiting")
}
