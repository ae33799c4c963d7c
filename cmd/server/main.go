package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/user/pii-airlock/internal/admin"
	"github.com/user/pii-airlock/internal/allowlist"
	"github.com/user/pii-airlock/internal/anonymize"
	"github.com/user/pii-airlock/internal/audit"
	"github.com/user/pii-airlock/internal/cache"
	"github.com/user/pii-airlock/internal/config"
	"github.com/user/pii-airlock/internal/deanonymize"
	"github.com/user/pii-airlock/internal/intent"
	"github.com/user/pii-airlock/internal/mapping"
	"github.com/user/pii-airlock/internal/middleware"
	"github.com/user/pii-airlock/internal/ner"
	"github.com/user/pii-airlock/internal/proxy"
	"github.com/user/pii-airlock/internal/quota"
	"github.com/user/pii-airlock/internal/secret"
	"github.com/user/pii-airlock/internal/store"
	"github.com/user/pii-airlock/internal/telemetry"
)

func main() {
	// Load Configuration
	cfg := config.LoadConfig()

	// Initialize Gin
	r := gin.Default()

	// Initialize Stores
	tenantStore, err := store.NewDynamoDBTenantStore(context.Background(), cfg.AWSRegion, cfg.DynamoDBTableName)
	if err != nil {
		log.Fatalf("Failed to init DynamoDB: %v", err)
	}

	modelStore, err := store.NewDynamoDBModelStore(context.Background(), cfg.AWSRegion, "LLMGateway_Models")
	if err != nil {
		log.Fatalf("Failed to init DynamoDB Models: %v", err)
	}

	usageStore, err := store.NewDynamoDBUsageStore(context.Background(), cfg.AWSRegion, "LLMGateway_UsageLogs")
	if err != nil {
		log.Fatalf("Failed to init Usage Store: %v", err)
	}

	rlStore := store.NewRedisRateLimitStore(cfg.RedisAddr, cfg.RedisPassword)

	if presets, err := config.LoadTenantPresets(cfg.TenantConfigPath); err != nil {
		slog.Error("Failed to load tenant presets", "error", err)
	} else {
		for _, p := range presets {
			if err := tenantStore.CreateTenant(context.Background(), &store.Tenant{
				TenantID:      p.TenantID,
				Name:          p.Name,
				APIKey:        p.APIKey,
				RPMLimit:      p.RPMLimit,
				TPMLimit:      p.TPMLimit,
				AllowedModels: p.AllowedModels,
				IsActive:      true,
			}); err != nil {
				slog.Error("Failed to seed tenant preset", "tenant_id", p.TenantID, "error", err)
			}
		}
	}

	// Initialize Telemetry (OpenTelemetry)
	tpShutdown, err := telemetry.InitTracer()
	if err != nil {
		slog.Error("Failed to init telemetry", "error", err)
	} else {
		defer func() {
			if err := tpShutdown(context.Background()); err != nil {
				slog.Error("Failed to shutdown telemetry", "error", err)
			}
		}()
	}

	// mapping store's reaper sweeps every 60s regardless of entry TTL,
	// which is supplied per-request at Save() time via cfg.MappingTTL.
	mappingStore := mapping.NewStore(60*time.Second, cfg.DefaultTenant)

	respCache := cache.New(cfg.CacheTTL, cfg.CacheMaxSize, 5*time.Minute)

	allowlistRegistry := allowlist.NewRegistry()
	intentDetector := intent.NewDetector()
	strategies := anonymize.NewStrategyConfig()
	for entityType, strategyName := range cfg.StrategyOverrides {
		strategies.Set(entityType, anonymize.Strategy(strategyName))
	}
	anonymizer := anonymize.New(anonymize.Config{
		Recognizer: ner.NewBuiltin(),
		Strategies: strategies,
		Allowlist:  allowlistRegistry,
		Intent:     intentDetector,
	})

	scanner := secret.New(secret.RiskHigh)

	quotaLimits, err := config.LoadQuotaPresets(cfg.QuotaConfigPath)
	if err != nil {
		slog.Error("Failed to load quota presets", "error", err)
		quotaLimits = make(map[string]quota.TenantLimits)
	}
	quotaEnf := quota.NewEnforcer(quotaLimits)

	auditSink := newAuditSink(cfg)

	// Initialize Handler
	proxyHandler := proxy.NewHandler(rlStore, modelStore, usageStore, cfg.LLMTimeout, proxy.Deps{
		MappingStore: mappingStore,
		Anonymizer:   anonymizer,
		Scanner:      scanner,
		Cache:        respCache,
		Quota:        quotaEnf,
		Audit:        auditSink,
		Options: proxy.Options{
			MappingTTL:        cfg.MappingTTL,
			CacheTTL:          cfg.CacheTTL,
			CacheEnabled:      cfg.CacheEnabled,
			FuzzyDeanonymize:  cfg.FuzzyDeanonymize,
			AntiHallucination: cfg.AntiHallucination,
			DefaultTenant:     cfg.DefaultTenant,
		},
	})

	// Register Middleware
	r.Use(otelgin.Middleware("pii-airlock"))
	r.Use(middleware.MetricsMiddleware()) // Prometheus Metrics (First to capture all)
	r.Use(sensitivePathGate(cfg))
	r.Use(middleware.AuthMiddleware(tenantStore))
	r.Use(middleware.RateLimitMiddleware(rlStore)) // Check RPM

	// Admin Routes (Protected)
	adminHandler := admin.NewAdminHandler(tenantStore, quotaEnf, respCache, auditSink, cfg.AdminAPIKey)
	adminGroup := r.Group("/api/v1")
	adminGroup.Use(adminHandler.AuthMiddleware())
	adminGroup.POST("/tenants", adminHandler.CreateTenant)
	adminGroup.POST("/keys", adminHandler.RotateKey)
	adminGroup.GET("/quota/usage", adminHandler.QuotaUsage)
	adminGroup.GET("/cache/stats", adminHandler.CacheStats)
	adminGroup.GET("/compliance/presets", adminHandler.CompliancePresets)
	adminGroup.GET("/compliance/status", adminHandler.ComplianceStatus)
	adminGroup.POST("/compliance/activate", adminHandler.ComplianceActivate)
	adminGroup.POST("/compliance/deactivate", adminHandler.ComplianceDeactivate)
	adminGroup.POST("/compliance/reload", adminHandler.ComplianceReload)
	adminGroup.GET("/audit/events", adminHandler.AuditRecent)

	// Routes
	r.POST("/v1/chat/completions", proxyHandler.CreateCompletion)
	r.GET("/v1/models", listModels())
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
	r.GET("/live", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "alive"})
	})
	r.GET("/ready", readinessProbe(tenantStore, rlStore))

	r.POST("/api/test/anonymize", testAnonymizeHandler(anonymizer))
	r.POST("/api/test/deanonymize", testDeanonymizeHandler(mappingStore, cfg))

	// Metrics Endpoint
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Initialize Structured Logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// Graceful Shutdown Setup
	srv := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: r,
	}

	// Start Server in Goroutine
	go func() {
		slog.Info("Starting server", "port", cfg.ServerPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Server init failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for Interrupt Signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("Shutting down server...")

	// Context with 10s timeout for active requests and cleanup
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	// Wait for async tasks (Usage Logs, mapping/cache reapers, audit sink)
	slog.Info("Waiting for async tasks to complete...")
	if err := proxyHandler.Shutdown(ctx); err != nil {
		slog.Error("Failed to complete async tasks", "error", err)
	}
	if err := mappingStore.Shutdown(5 * time.Second); err != nil {
		slog.Error("Failed to shut down mapping store", "error", err)
	}
	respCache.Shutdown(5 * time.Second)
	if err := auditSink.Close(); err != nil {
		slog.Error("Failed to close audit sink", "error", err)
	}

	slog.Info("Server exiting")
}

// newAuditSink dispatches PII_AIRLOCK_AUDIT_STORE=database to a
// DynamoDBSink, since audit.NewSink deliberately only builds the
// memory and file stores (it has no AWS region/table configuration to
// construct one with).
func newAuditSink(cfg *config.Config) audit.Sink {
	if cfg.AuditEnabled && strings.EqualFold(cfg.AuditStore, "database") {
		sink, err := audit.NewDynamoDBSink(context.Background(), cfg.AWSRegion, "PIIAirlock_AuditEvents")
		if err != nil {
			slog.Error("Failed to init DynamoDB audit sink, falling back to memory", "error", err)
			return audit.NewSink(true, "memory", "", cfg.AuditBatchSize)
		}
		return sink
	}
	return audit.NewSink(cfg.AuditEnabled, cfg.AuditStore, cfg.AuditPath, cfg.AuditBatchSize)
}

// sensitivePathGate refuses requests to spec §6's sensitive paths
// (/ui, /debug, /admin, /api/v1, /metrics, /api/test/*) lacking a
// Bearer key when PII_AIRLOCK_SECURE_ENDPOINTS is set. It runs ahead of
// AuthMiddleware, so such a request is refused here before any tenant
// lookup.
func sensitivePathGate(cfg *config.Config) gin.HandlerFunc {
	sensitivePrefixes := []string{"/ui", "/debug", "/admin", "/api/v1", "/metrics", "/api/test/"}
	return func(c *gin.Context) {
		if !cfg.SecureEndpoints {
			c.Next()
			return
		}
		path := c.Request.URL.Path
		sensitive := false
		for _, p := range sensitivePrefixes {
			if strings.HasPrefix(path, p) {
				sensitive = true
				break
			}
		}
		if !sensitive {
			c.Next()
			return
		}
		if !strings.HasPrefix(c.GetHeader("Authorization"), "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Bearer authentication required for this path"})
			return
		}
		c.Next()
	}
}

// listModels reports the static catalog spec §6 asks for; per-tenant
// routing decisions still consult the live model store at request time
// in the proxy handler.
func listModels() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"object": "list",
			"data": []gin.H{
				{"id": "gpt-4", "object": "model"},
				{"id": "gpt-3.5-turbo", "object": "model"},
			},
		})
	}
}

// readinessProbe reports HTTP 503 the moment any downstream dependency
// (DynamoDB, Redis) fails to answer, per spec §6.
func readinessProbe(tenantStore store.TenantStore, rlStore *store.RedisRateLimitStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		failures := gin.H{}
		if _, err := tenantStore.GetTenant(ctx, "__readiness_probe__"); err != nil {
			failures["dynamodb"] = err.Error()
		}
		if err := rlStore.Ping(ctx); err != nil {
			failures["redis"] = err.Error()
		}

		if len(failures) > 0 {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "failures": failures})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	}
}

type testAnonymizeRequest struct {
	Text string `json:"text" binding:"required"`
}

// testAnonymizeHandler exposes the anonymization engine directly for
// manual verification, per spec §6's /api/test/anonymize. It builds a
// throwaway mapping since the result is inspected once and discarded,
// not persisted to the mapping store.
func testAnonymizeHandler(anonymizer *anonymize.Anonymizer) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req testAnonymizeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		m := mapping.NewRequestMapping("test")
		outcome := anonymizer.AnonymizeMessage(req.Text, m, anonymize.NewCounter(), "test-salt")
		c.JSON(http.StatusOK, gin.H{
			"anonymized_text": outcome.Text,
			"pii_count":       outcome.PIICount,
			"entity_count":    len(outcome.Entities),
		})
	}
}

type testDeanonymizeRequest struct {
	RequestID string `json:"request_id" binding:"required"`
	Text      string `json:"text" binding:"required"`
}

// testDeanonymizeHandler exposes de-anonymization against a live
// mapping-store entry, per spec §6's /api/test/deanonymize.
func testDeanonymizeHandler(mappingStore *mapping.Store, cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req testDeanonymizeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		m, ok := mappingStore.Get(req.RequestID, cfg.DefaultTenant)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "mapping not found or expired for request_id"})
			return
		}
		result := deanonymize.Deanonymize(req.Text, m, cfg.FuzzyDeanonymize)
		c.JSON(http.StatusOK, gin.H{
			"deanonymized_text": result.Text,
			"replaced_count":    result.ReplacedCount,
			"complete":          result.IsComplete(),
		})
	}
}
