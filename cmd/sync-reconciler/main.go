// sync-reconciler serves the offline sync surface on its own port and runs
// the scheduled sweep: stale queued runs are replayed directly and artisans
// with recorded commands but no run in flight get one queued. Deploy it
// alongside the API server as the Pub/Sub push target for sync runs, or
// standalone with DIRECT_SYNC_WORKER=true.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/artisanhq/atelier_backend/config"
	"github.com/artisanhq/atelier_backend/middlewares"
	"github.com/artisanhq/atelier_backend/models"
	"github.com/artisanhq/atelier_backend/sync"
	"github.com/artisanhq/atelier_backend/utils"
)

const defaultPort = "8080"

func main() {
	port := os.Getenv("SYNC_RECONCILER_PORT")
	if port == "" {
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	r := gin.New()
	r.Use(func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Next()
	})
	r.Use(func(c *gin.Context) {
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		if config.GetDB() == nil || config.GetRedisDB() == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	corsConfig := cors.DefaultConfig()
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = splitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PUT", "DELETE", "OPTIONS")
	corsConfig.AddAllowHeaders("token", "Origin", "Content-Type", "Authorization", "X-Device-Id", "X-Artisan-Id")
	corsConfig.AddExposeHeaders("Content-Length")
	corsConfig.AllowCredentials = true

	r.Use(cors.New(corsConfig))
	r.Use(middlewares.AuthMiddleware())
	r.Use(middlewares.SessionMiddleware())
	r.Use(middlewares.ArtisanContextMiddleware())
	r.Use(customErrorLogger(logger))
	r.Use(gin.Recovery())

	// Same paths as the API server so a device can point at either.
	r.POST("/sync/commands", sync.UploadCommandsHandler())
	r.GET("/sync/commands", sync.ListCommandsHandler())
	r.GET("/sync/commands/:id", sync.GetCommandHandler())
	r.POST("/sync/commands/:id/requeue", sync.RequeueCommandHandler())
	r.POST("/sync/commands/:id/discard", sync.DiscardCommandHandler())
	r.GET("/sync/status", sync.SyncStatusHandler())
	r.GET("/sync/attention", sync.AttentionCommandsHandler())
	r.POST("/sync/runs", sync.TriggerSyncHandler())
	r.GET("/sync/runs", sync.SyncHistoryHandler())
	r.GET("/sync/runs/:id", sync.SyncRunDetailHandler())
	r.POST("/sync/runs/:id/retry", sync.RetrySyncRunHandler())

	// Pub/Sub push endpoint for sync runs.
	r.POST("/pubsub/sync", sync.PubSubPushHandler())

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
	})

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()

	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		models.MigrateTable()
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()

	scheduler := sync.NewScheduler(db, logger)
	scheduler.PollInterval = time.Duration(config.IntFromEnv("SYNC_SWEEP_SECONDS", 30)) * time.Second
	go scheduler.Run(workerCtx)

	logger.WithFields(logrus.Fields{"field": "server"}).Info("sync reconciler listening on :", port)

	select {
	case <-sigCtx.Done():
		cancelWorkers()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	case err := <-serverErrCh:
		if err != nil && err != http.ErrServerClosed {
			logger.WithFields(logrus.Fields{"field": "server"}).Error(err)
		}
	}
}

func splitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)
		cid, _ := utils.GetCorrelationIdFromContext(c.Request.Context())
		logger.WithFields(logrus.Fields{
			"status":         c.Writer.Status(),
			"method":         c.Request.Method,
			"path":           c.Request.URL.Path,
			"latency":        latency.String(),
			"correlation_id": cid,
		}).Info("request")
	}
}

