package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/artisanhq/atelier_backend/config"
	"github.com/artisanhq/atelier_backend/middlewares"
	"github.com/artisanhq/atelier_backend/models"
	"github.com/artisanhq/atelier_backend/sync"
	"github.com/artisanhq/atelier_backend/utils"
	"github.com/artisanhq/atelier_backend/workflow"
	"github.com/bsm/redislock"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const defaultPort = "8080"

// Define a struct to represent the rate limiter.
type RateLimiter struct {
	client *redis.Client
	limit  int64
	window time.Duration
}

// PubSubMessage is the push delivery envelope Cloud Pub/Sub wraps around the
// published payload.
type PubSubMessage struct {
	Message struct {
		Data []byte `json:"data,omitempty"`
		ID   string `json:"id"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func getRedisClient(redisAddress string) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddress,
	})
	return client
}

func inventoryPubSubHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var msg PubSubMessage
		logger := config.GetLogger()

		// Redis lock is a best-effort optimization.
		// Reliability must not depend on Redis: we also serialize event handling via MySQL advisory locks in ProcessMessage().
		redisLock := config.GetRedisLock()

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			config.LogError(logger, "server.go", "inventoryPubSubHandler", "io.ReadAll", nil, err)
			// Malformed request body: ack/drop to avoid infinite retries.
			c.Status(http.StatusNoContent)
			return
		}

		// byte slice unmarshalling handles base64 decoding.
		if err := json.Unmarshal(body, &msg); err != nil {
			config.LogError(logger, "server.go", "inventoryPubSubHandler", "Unmarshal body", body, err)
			// Malformed request: ack/drop to avoid infinite retries.
			c.Status(http.StatusNoContent)
			return
		}

		var m config.PubSubMessage
		if err := json.Unmarshal(msg.Message.Data, &m); err != nil {
			config.LogError(logger, "server.go", "inventoryPubSubHandler", "Unmarshal pubsub message", msg.Message.Data, err)
			// Malformed Pub/Sub payload: ack/drop to avoid infinite retries.
			c.Status(http.StatusNoContent)
			return
		}

		// Basic validation to avoid retry loops on poisoned messages.
		if m.ArtisanId == "" || m.ReferenceType == "" {
			config.LogError(logger, "server.go", "inventoryPubSubHandler", "Invalid pubsub message (missing required fields)", m, fmt.Errorf("artisan_id/reference_type required"))
			c.Status(http.StatusNoContent)
			return
		}

		// Correlation ID propagation: prefer payload correlation_id; fall back to Pub/Sub message ID.
		correlationID := m.CorrelationId
		if correlationID == "" {
			correlationID = msg.Message.ID
		}

		// Best-effort: try to obtain a lock for the artisan to avoid long in-request blocking.
		// If Redis is unavailable / lock cannot be obtained, continue anyway; ProcessMessage() will serialize safely.
		var lock *redislock.Lock
		if redisLock == nil {
			logger.WithFields(logrus.Fields{
				"field":          "inventoryPubSubHandler",
				"artisan_id":     m.ArtisanId,
				"reference_type": m.ReferenceType,
				"reference_id":   m.ReferenceId,
				"message_id":     msg.Message.ID,
			}).Warn("redis lock not ready; proceeding without redis lock")
		} else {
			lock, err = redisLock.Obtain(c.Request.Context(), fmt.Sprintf("lock:%s", m.ArtisanId), 30*time.Second, nil)
			if err == redislock.ErrNotObtained {
				logger.WithFields(logrus.Fields{
					"field":          "inventoryPubSubHandler",
					"artisan_id":     m.ArtisanId,
					"reference_type": m.ReferenceType,
					"reference_id":   m.ReferenceId,
					"message_id":     msg.Message.ID,
				}).Warn("could not obtain redis lock; proceeding without redis lock")
				lock = nil
			} else if err != nil {
				logger.WithFields(logrus.Fields{
					"field":          "inventoryPubSubHandler",
					"artisan_id":     m.ArtisanId,
					"reference_type": m.ReferenceType,
					"reference_id":   m.ReferenceId,
					"message_id":     msg.Message.ID,
				}).Warn("error obtaining redis lock; proceeding without redis lock: " + err.Error())
				lock = nil
			}
		}
		defer func() {
			if lock == nil {
				return
			}
			if releaseErr := lock.Release(c.Request.Context()); releaseErr != nil {
				logger.WithFields(logrus.Fields{
					"field":        "inventoryPubSubHandler",
					"artisan_id":   m.ArtisanId,
					"reference_id": m.ReferenceId,
					"message_id":   msg.Message.ID,
				}).Warn("failed to release redis lock: " + releaseErr.Error())
			}
		}()

		// Process the message
		ctx := utils.SetArtisanIdInContext(c.Request.Context(), m.ArtisanId)
		ctx = utils.SetUserIdInContext(ctx, 0)
		ctx = utils.SetUserNameInContext(ctx, "System")
		ctx = utils.SetCorrelationIdInContext(ctx, correlationID)

		markOutboxProcessing(ctx, m.ID)
		if err := ProcessMessage(ctx, logger, m); err != nil {
			dead := markOutboxProcessFailure(ctx, logger, m, err)
			if dead {
				invalidateFeasibilityOnDead(ctx, logger, m)
			}
			logger.WithFields(logrus.Fields{
				"field":          "inventoryPubSubHandler",
				"artisan_id":     m.ArtisanId,
				"reference_type": m.ReferenceType,
				"reference_id":   m.ReferenceId,
				"message_id":     msg.Message.ID,
				"correlation_id": correlationID,
			}).Error("pubsub processing failed: " + err.Error())
			// Non-2xx tells Pub/Sub to retry (and potentially route to DLQ).
			c.Status(http.StatusInternalServerError)
			return
		}
		markOutboxProcessSuccess(ctx, logger, m)

		// Success: ack.
		c.Status(http.StatusNoContent)
	}
}

/*
	shared REST plumbing
*/

// artisanFromRequest rejects requests that carry no tenant identity. The
// artisan id is stamped by ArtisanContextMiddleware from the session user.
func artisanFromRequest(c *gin.Context) (string, bool) {
	artisanId, ok := utils.GetArtisanIdFromContext(c.Request.Context())
	if !ok || artisanId == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return "", false
	}
	return artisanId, true
}

func idParam(c *gin.Context) (int, bool) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || id < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return id, true
}

// writeBindError reports a failed JSON bind. When the failure comes from the
// binding tags, the response carries a field to rule map so the client can
// point at the offending inputs.
func writeBindError(c *gin.Context, err error) {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":  "validation failed",
			"fields": utils.ProcessValidationErrors(validationErrors),
		})
		return
	}
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
}

// writeModelError maps the model layer's sentinel errors onto HTTP statuses
// and stable error codes. Conflicts are retryable by re-reading the version;
// the 422 family is not.
func writeModelError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, utils.ErrorRecordNotFound), errors.Is(err, gorm.ErrRecordNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, utils.ErrorVersionConflict), errors.Is(err, utils.ErrorRetryExhausted):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "error_code": "CONFLICT"})
	case errors.Is(err, utils.ErrorInsufficientStock):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error(), "error_code": "INSUFFICIENT_STOCK"})
	case errors.Is(err, utils.ErrorMissingSpecification):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error(), "error_code": "MISSING_SPECIFICATION"})
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	}
}

func authorizeAdminOnly(ctx context.Context) error {
	// ArtisanContextMiddleware already verified the role for session users.
	if isAdmin, ok := utils.GetIsAdminFromContext(ctx); ok && isAdmin {
		return nil
	}

	username, ok := utils.GetUsernameFromContext(ctx)
	if !ok || username == "" {
		return errors.New("unauthorized")
	}

	var user models.User
	exists, err := config.GetRedisObject("User:"+username, &user)
	if err != nil {
		return err
	}
	if !exists {
		db := config.GetDB()
		if db == nil {
			return errors.New("db is nil")
		}
		if err := db.WithContext(ctx).Model(&models.User{}).Where("username = ?", username).Take(&user).Error; err != nil {
			return errors.New("unauthorized")
		}
	}
	if user.Role != models.UserRoleAdmin {
		return errors.New("unauthorized")
	}
	return nil
}

/*
	ops tooling (admin only)
*/

type outboxReplayRequest struct {
	ArtisanId string `json:"artisan_id"`
	RecordId  int    `json:"record_id"`
}

// outboxReplayHandler resets a DEAD or stuck outbox row so the dispatcher
// picks it up again on the next poll.
func outboxReplayHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Require auth token (SessionMiddleware puts username in context).
		if _, ok := utils.GetUsernameFromContext(c.Request.Context()); !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		if err := authorizeAdminOnly(c.Request.Context()); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		var req outboxReplayRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if req.ArtisanId == "" || req.RecordId <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "artisan_id and record_id are required"})
			return
		}

		db := config.GetDB()
		if db == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "db is nil"})
			return
		}
		now := time.Now().UTC()
		if err := db.WithContext(c.Request.Context()).
			Model(&models.PubSubMessageRecord{}).
			Where("id = ? AND artisan_id = ?", req.RecordId, req.ArtisanId).
			Updates(map[string]interface{}{
				"publish_status":     models.OutboxPublishStatusFailed,
				"next_attempt_at":    &now,
				"locked_at":          nil,
				"locked_by":          nil,
				"last_publish_error": nil,
			}).Error; err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"artisan_id":      req.ArtisanId,
			"record_id":       req.RecordId,
			"publish_status":  models.OutboxPublishStatusFailed,
			"next_attempt_at": now.Format(time.RFC3339Nano),
		})
	}
}

func outboxStatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := artisanFromRequest(c); !ok {
			return
		}
		referenceType := models.InventoryReferenceType(strings.TrimSpace(c.Query("reference_type")))
		referenceId, err := strconv.Atoi(strings.TrimSpace(c.Query("reference_id")))
		if referenceType == "" || err != nil || referenceId < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "reference_type and reference_id are required"})
			return
		}
		status, err := models.GetOutboxStatus(c.Request.Context(), referenceType, referenceId)
		if err != nil {
			writeModelError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": status})
	}
}

type outboxReprocessRequest struct {
	ReferenceType string `json:"reference_type" binding:"required"`
	ReferenceId   int    `json:"reference_id" binding:"required"`
}

// outboxReprocessHandler re-emits the latest outbox record for a document so
// downstream consumers rebuild their projections.
func outboxReprocessHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := artisanFromRequest(c); !ok {
			return
		}
		var req outboxReprocessRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "reference_type and reference_id are required"})
			return
		}
		status, err := models.ReprocessOutbox(c.Request.Context(),
			models.InventoryReferenceType(req.ReferenceType), req.ReferenceId)
		if err != nil {
			writeModelError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": status})
	}
}

// commandsGcHandler runs the retention sweep on demand, the HTTP twin of the
// command-log-gc job.
func commandsGcHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := utils.GetUsernameFromContext(c.Request.Context()); !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		if err := authorizeAdminOnly(c.Request.Context()); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		db := config.GetDB()
		if db == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "db is nil"})
			return
		}
		result, err := runRetentionSweep(c.Request.Context(), db)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": result})
	}
}

func clearRedisHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := authorizeAdminOnly(c.Request.Context()); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		result, err := models.ClearRedis(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": result})
	}
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

	// Shutdown coordination.
	// Cloud Run sends SIGTERM on revision shutdown; handle it for graceful drain.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// Start the HTTP server ASAP so Cloud Run considers the revision healthy.
	// Until DB/Redis are ready, we return 503 for app endpoints.
	r := gin.New()
	// Correlation IDs: generate once per request and attach to context.
	r.Use(func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Next()
	})
	r.Use(func(c *gin.Context) {
		// Always allow Cloud Run startup probe.
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		// Gate critical endpoints on dependency readiness.
		if config.GetDB() == nil || config.GetRedisDB() == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	corsConfig := cors.DefaultConfig()
	// Production-safe CORS:
	// - In production, require explicit allowlist via CORS_ALLOWED_ORIGINS (comma-separated).
	// - In non-production, allow all (developer convenience).
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			// Safer default: deny all if not configured in production.
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = splitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PUT", "DELETE", "OPTIONS")
	corsConfig.AddAllowHeaders("token", "Origin", "Content-Type", "Authorization", "X-Device-Id", "X-Artisan-Id")
	corsConfig.AddExposeHeaders("Content-Length", "Content-Disposition")
	corsConfig.AllowCredentials = true

	r.Use(cors.New(corsConfig))

	// Optional rate limiting (recommended for production).
	// Env:
	// - RATE_LIMIT_ENABLED=true
	// - RATE_LIMIT_WINDOW_SECONDS=60
	// - RATE_LIMIT_MAX_REQUESTS=600
	if strings.EqualFold(strings.TrimSpace(os.Getenv("RATE_LIMIT_ENABLED")), "true") {
		client := getRedisClient(os.Getenv("REDIS_ADDRESS"))
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
		rateLimiter := NewRateLimiter(client, limit, time.Duration(windowSec)*time.Second)
		r.Use(rateLimiter.RateLimitMiddleware)
	}

	r.Use(middlewares.AuthMiddleware())
	r.Use(middlewares.SessionMiddleware())
	r.Use(middlewares.ArtisanContextMiddleware())
	r.Use(customErrorLogger(logger))
	r.Use(gin.Recovery())

	// auth and profile
	r.POST("/auth/signin", signinHandler())
	r.POST("/auth/admin/signin", adminSigninHandler())
	r.POST("/auth/signout", signoutHandler())
	r.POST("/auth/change-password", changePasswordHandler())
	r.GET("/me", meHandler())
	r.GET("/artisan", getArtisanHandler())
	r.PUT("/artisan", updateArtisanHandler())
	r.POST("/users", createUserHandler())
	r.PUT("/users/:id", updateUserHandler())
	r.DELETE("/users/:id", deleteUserHandler())

	// materials and stock
	r.GET("/materials", listMaterialsHandler())
	r.POST("/materials", createMaterialHandler())
	r.GET("/materials/all", listAllMaterialsHandler())
	r.GET("/materials/overview", stockOverviewHandler())
	r.GET("/materials/export", exportMaterialsHandler())
	r.POST("/materials/import", importMaterialsHandler())
	r.POST("/materials/adjust", adjustMaterialHandler())
	r.GET("/materials/:id", getMaterialHandler())
	r.PUT("/materials/:id", updateMaterialHandler())
	r.DELETE("/materials/:id", deleteMaterialHandler())
	r.POST("/materials/:id/active", toggleActiveMaterialHandler())
	r.GET("/materials/:id/ledger", materialLedgerHandler())

	// orders and feasibility
	r.GET("/orders", listOrdersHandler())
	r.POST("/orders", createOrderHandler())
	r.GET("/orders/all", listAllOrdersHandler())
	r.GET("/orders/feasibility", feasibilityHandler())
	r.GET("/orders/:id", getOrderHandler())
	r.PUT("/orders/:id", updateOrderHandler())
	r.DELETE("/orders/:id", deleteOrderHandler())
	r.POST("/orders/:id/start", startOrderHandler())
	r.POST("/orders/:id/cancel", cancelOrderHandler())
	r.POST("/orders/:id/complete", completeOrderHandler())
	r.GET("/orders/:id/deductions", orderDeductionsHandler())
	r.GET("/orders/:id/requirements", orderRequirementsHandler())
	r.GET("/orders/:id/feasibility", orderFeasibilityHandler())
	r.GET("/orders/:id/history", orderHistoryHandler())

	// products
	r.GET("/products", listProductsHandler())
	r.POST("/products", createProductHandler())
	r.GET("/products/all", listAllProductsHandler())
	r.GET("/products/:id", getProductHandler())
	r.PUT("/products/:id", updateProductHandler())
	r.DELETE("/products/:id", deleteProductHandler())
	r.POST("/products/:id/active", toggleActiveProductHandler())

	// low stock alerts
	r.GET("/alerts", listAlertsHandler())
	r.GET("/alerts/open/count", openAlertCountHandler())
	r.GET("/alerts/:id", getAlertHandler())

	// audit trail
	r.GET("/history", listHistoryHandler())
	r.GET("/history/:id", getHistoryHandler())

	// offline command log and sync
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

	// uploads (product photos, import files)
	r.POST("/uploads/sign", signUploadHandler())
	r.POST("/uploads/complete", completeUploadHandler())
	r.GET("/uploads/object", uploadObjectHandler())

	// pubsub push delivery
	r.POST("/pubsub", inventoryPubSubHandler())
	r.POST("/pubsub/sync", sync.PubSubPushHandler())

	// Ops tooling (admin only): replay outbox messages that were marked DEAD/FAILED.
	r.POST("/internal/ops/outbox/replay", outboxReplayHandler())
	r.GET("/internal/ops/outbox/status", outboxStatusHandler())
	r.POST("/internal/ops/outbox/reprocess", outboxReprocessHandler())
	r.POST("/internal/ops/artisans", registerArtisanHandler())
	r.GET("/internal/ops/artisans", listArtisansHandler())
	r.GET("/internal/ops/artisans/all", listAllArtisansHandler())
	r.POST("/internal/ops/artisans/:id/active", toggleActiveArtisanHandler())
	r.GET("/internal/ops/users", listUsersHandler())
	r.POST("/internal/ops/commands/gc", commandsGcHandler())
	r.POST("/internal/ops/redis/flush", clearRedisHandler())

	r.NoRoute(customNotFoundHandler)

	// Start listening immediately (Cloud Run startup probe is TCP based).
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		// ListenAndServe returns http.ErrServerClosed on graceful shutdown.
		serverErrCh <- srv.ListenAndServe()
	}()

	// Connect dependencies after the port is open.
	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	// Now DB is ready; run migrations.
	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()
	// IMPORTANT: AutoMigrate can run DDL that blocks tables and causes 504/502 timeouts.
	// Allow disabling migrations on startup (run them as a separate job instead).
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		models.MigrateTable()
		if err := models.EnsureInventoryLedgerSchema(); err != nil {
			logger.WithFields(logrus.Fields{"field": "migrations"}).Fatal("inventory schema check failed: " + err.Error())
		}
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	// Start outbox dispatcher (publishes AFTER commit).
	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()
	go workflow.NewOutboxDispatcher(db, logger).Run(workerCtx)

	// Process outbox rows in-process when no push subscription is configured.
	if shouldRunDirectOutboxProcessor() {
		go NewOutboxDirectProcessor(db, logger).Run(workerCtx)
	}

	// Daily retention sweep (applied commands, processed outbox rows,
	// finished idempotency keys).
	if shouldRunRetentionSweeper() {
		go NewRetentionSweeper(db, logger).Run(workerCtx)
	}

	// Optional streaming pull consumer (one instance per deployment).
	if strings.EqualFold(strings.TrimSpace(os.Getenv("PUBSUB_PULL_ENABLED")), "true") {
		go func() {
			if err := RunInventoryWorkflow(); err != nil {
				logger.WithFields(logrus.Fields{"field": "InventoryWorkflow"}).Error("pull consumer stopped: " + err.Error())
			}
		}()
	}

	// Set the session isolation level to READ COMMITTED
	for attempt := 1; ; attempt++ {
		err := db.Exec("SET SESSION TRANSACTION ISOLATION LEVEL READ COMMITTED").Error
		if err == nil {
			break
		}
		sleep := time.Second * time.Duration(1<<min(attempt, 5))
		if sleep > 30*time.Second {
			sleep = 30 * time.Second
		}
		logger.WithFields(logrus.Fields{
			"field":   "database",
			"attempt": attempt,
		}).Warn("failed to set isolation level; retrying in " + sleep.String() + ": " + err.Error())
		time.Sleep(sleep)
	}

	logger.WithFields(logrus.Fields{
		"info": "Connection Established",
	}).Info("listening on http://localhost:", port, "/")
	log.Println("Server started successfully")

	// Block until shutdown or server error.
	select {
	case <-sigCtx.Done():
		// graceful shutdown below
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	// Stop background workers first so they don't start new work while we're draining.
	cancelWorkers()

	// Drain HTTP requests.
	shutdownTimeout := 30 * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}

	// Close Redis (best-effort).
	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
}

// customErrorLogger is a custom Gin middleware that logs only errors
func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		// Only log when there are errors
		if len(c.Errors) > 0 {
			logger.Error(c.Errors.String())
		}
	}
}

// Initialize a new RateLimiter instance.
func NewRateLimiter(client *redis.Client, limit int64, window time.Duration) *RateLimiter {
	return &RateLimiter{
		client: client,
		limit:  limit,
		window: window,
	}
}

// Middleware function to check rate limits.
func (rl *RateLimiter) RateLimitMiddleware(c *gin.Context) {
	// Get the IP address or user identifier from the request.
	key := c.ClientIP() // Assuming IP-based rate limiting

	// Check if the key exists in Redis.
	exists, err := rl.client.Exists(c.Request.Context(), key).Result()
	if err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	// If the key doesn't exist, create it and set expiry.
	if exists == 0 {
		err := rl.client.Set(c.Request.Context(), key, 1, rl.window).Err()
		if err != nil {
			c.AbortWithError(http.StatusInternalServerError, err)
			return
		}
		c.Next()
		return
	}

	// If the key exists, get the current count.
	count, err := rl.client.Incr(c.Request.Context(), key).Result()
	if err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	// If the count exceeds the limit, return an error response.
	if count > rl.limit {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error": fmt.Sprintf("Rate limit exceeded. Try again in %d seconds", int(rl.window.Seconds())),
		})
		return
	}

	c.Next()
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
