package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/recon_backend/config"
	"github.com/mmdatafocus/recon_backend/ingest"
	"github.com/mmdatafocus/recon_backend/middlewares"
	"github.com/mmdatafocus/recon_backend/models"
	"github.com/mmdatafocus/recon_backend/utils"
	"github.com/mmdatafocus/recon_backend/workflow"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const defaultPort = "8080"

var (
	writers = []models.UserRole{models.UserRoleAdmin, models.UserRoleAnalyst}
	readers = []models.UserRole{models.UserRoleAdmin, models.UserRoleAnalyst, models.UserRoleViewer}
	admins  = []models.UserRole{models.UserRoleAdmin}
)

// app is what the HTTP handlers need. The engine is published once dependencies connect.
type app struct {
	engine atomic.Pointer[workflow.Engine]
	logger *logrus.Logger
}

func (a *app) ready() bool {
	return a.engine.Load() != nil
}

func (a *app) eng() *workflow.Engine {
	return a.engine.Load()
}

func (a *app) db() *gorm.DB {
	return a.eng().DB
}

func newRouter(a *app) *gin.Engine {
	r := gin.New()
	r.Use(middlewares.CorrelationMiddleware())
	r.Use(middlewares.ReadinessMiddleware(a.ready))
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	r.Use(cors.New(corsConfig()))
	r.Use(middlewares.SessionMiddleware())
	if limiter := rateLimiterFromEnv(); limiter != nil {
		r.Use(limiter.RateLimitMiddleware)
	}
	r.Use(middlewares.LoaderMiddleware(a.db))
	r.Use(middlewares.ErrorLogger(a.logger))
	r.Use(gin.Recovery())

	r.POST("/pubsub", a.pubSubPushHandler())

	api := r.Group("/api")
	upload := api.Group("/upload")
	upload.POST("", middlewares.RequireRoles(writers...), a.uploadHandler())
	upload.GET("", middlewares.RequireRoles(), a.listBatchesHandler())
	upload.PATCH("/:batchId/mapping", middlewares.RequireRoles(writers...), a.remapHandler())
	upload.GET("/:batchId/job", middlewares.RequireRoles(writers...), a.batchJobStatusHandler())

	reconcile := api.Group("/reconcile")
	reconcile.GET("/summary", middlewares.RequireRoles(readers...), a.summaryHandler())
	reconcile.GET("/:batchId", middlewares.RequireRoles(writers...), a.batchResultsHandler())
	reconcile.GET("/:batchId/export", middlewares.RequireRoles(writers...), a.exportResultsHandler())
	reconcile.POST("/:batchId", middlewares.RequireRoles(writers...), a.triggerReconcileHandler())
	reconcile.PUT("/correct/:resultId", middlewares.RequireRoles(writers...), a.correctHandler())

	audit := api.Group("/audit", middlewares.RequireRoles(admins...))
	audit.GET("", a.auditListHandler())
	audit.GET("/:recordId", a.recordAuditHandler())

	// Ops tooling: replay batch jobs the dispatcher gave up on.
	r.POST("/internal/ops/outbox/replay", middlewares.RequireRoles(admins...), a.outboxReplayHandler())

	r.NoRoute(customNotFoundHandler)
	return r
}

// corsConfig requires an explicit allowlist in production and allows all origins otherwise.
func corsConfig() cors.Config {
	corsConfig := cors.DefaultConfig()
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if config.IsProduction() {
		corsConfig.AllowOrigins = utils.SplitAndTrim(allowedOrigins)
		if len(corsConfig.AllowOrigins) == 0 {
			// deny all
			corsConfig.AllowOriginFunc = func(string) bool { return false }
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS")
	corsConfig.AddAllowHeaders("token", "Origin", "Content-Type", "Authorization", middlewares.CorrelationHeader)
	corsConfig.AddExposeHeaders("Content-Length", middlewares.CorrelationHeader)
	corsConfig.AllowCredentials = !corsConfig.AllowAllOrigins
	return corsConfig
}

// Env:
// - RATE_LIMIT_ENABLED=true
// - RATE_LIMIT_WINDOW_SECONDS=60
// - RATE_LIMIT_MAX_REQUESTS=600
func rateLimiterFromEnv() *middlewares.RateLimiter {
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("RATE_LIMIT_ENABLED")), "true") {
		return nil
	}
	limit := int64(600)
	if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_MAX_REQUESTS")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			limit = n
		}
	}
	windowSec := int64(60)
	if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_WINDOW_SECONDS")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			windowSec = n
		}
	}
	client := func() redis.UniversalClient {
		if rdb := config.GetRedisDB(); rdb != nil {
			return rdb
		}
		return nil
	}
	return middlewares.NewRateLimiter(client, limit, time.Duration(windowSec)*time.Second)
}

func customNotFoundHandler(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
}

func main() {
	port := os.Getenv("API_PORT")
	if port == "" {
		// Cloud Run standard env var.
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()
	if config.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	// Cloud Run sends SIGTERM on revision shutdown; handle it for graceful drain.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// Start the HTTP server ASAP so Cloud Run considers the revision healthy.
	// Until the DB is ready, app endpoints return 503.
	a := &app{logger: logger}
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           newRouter(a),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()

	// Connect dependencies after the port is open.
	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()

	// AutoMigrate can block tables; run it as a separate job when SKIP_MIGRATIONS=true.
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		if err := models.MigrateTable(db); err != nil {
			logger.WithFields(logrus.Fields{"field": "migrations"}).Fatal(err.Error())
		}
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	files, err := ingest.NewFileStoreFromEnv(sigCtx)
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "storage"}).Fatal(err.Error())
	}

	engine := workflow.NewEngine(db, logger, config.GetRedisLock(), config.PubSubPublisher{}, files)
	engine.StartDispatcher(context.Background())
	a.engine.Store(engine)

	if config.PullWorkerEnabled() {
		if err := runBatchWorker(sigCtx, engine); err != nil {
			config.LogError(logger, "server.go", "main", "starting pull worker", nil, err)
		}
	}

	logger.WithFields(logrus.Fields{
		"info": "Connection Established",
	}).Info("listening on port ", port)
	log.Println("Server started successfully")

	select {
	case <-sigCtx.Done():
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	// Stop background workers first so they don't start new work while we're draining.
	engine.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}

	config.CloseClient()
	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
}
