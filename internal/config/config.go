// Package config loads PII-airlock's configuration the way the
// teacher's own config package does: plain os.LookupEnv reads with
// fallbacks, no third-party env-file loader.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	ServerPort        string
	AWSRegion         string
	DynamoDBTableName string
	RedisAddr         string
	RedisPassword     string
	LLMTimeout        time.Duration

	// Multi-tenancy and auth surface (spec §6).
	SecureEndpoints    bool
	MultiTenantEnabled bool
	AllowHeaderTenant  bool
	DefaultTenant      string
	AdminAPIKey        string

	// Response cache (§4.H).
	CacheEnabled bool
	CacheTTL     time.Duration
	CacheMaxSize int

	// Config file paths for tenant/quota presets (§4.I).
	QuotaConfigPath  string
	TenantConfigPath string

	// Per-entity-type strategy overrides (§4.C), entity type -> strategy
	// name ("placeholder", "hash", "mask", "redact", "synthetic").
	StrategyOverrides map[string]string

	// Audit subsystem (supplemented feature, §7 "audit keeps the most
	// recent 1000 events").
	AuditEnabled         bool
	AuditBatchSize       int
	AuditFlushIntervalMS int
	AuditStore           string
	AuditPath            string

	// Intent detector entity types that favor question-context
	// preservation (§4.E).
	QuestionFavoringTypes []string

	// Mapping store TTL and pipeline toggles (§4.A, §4.F); not
	// independently named in spec §6 but needed to construct the
	// orchestrator's dependencies.
	MappingTTL        time.Duration
	FuzzyDeanonymize  bool
	AntiHallucination bool
}

func LoadConfig() *Config {
	timeoutStr := getEnv("LLM_TIMEOUT", "120s")
	timeout, err := time.ParseDuration(timeoutStr)
	if err != nil {
		timeout = 120 * time.Second
	}

	cacheTTL, err := time.ParseDuration(getEnv("PII_AIRLOCK_CACHE_TTL", "300s"))
	if err != nil {
		cacheTTL = 300 * time.Second
	}

	mappingTTL, err := time.ParseDuration(getEnv("PII_AIRLOCK_MAPPING_TTL", "3600s"))
	if err != nil {
		mappingTTL = time.Hour
	}

	return &Config{
		ServerPort:        getEnv("SERVER_PORT", "8080"),
		AWSRegion:         getEnv("AWS_REGION", "us-east-1"),
		DynamoDBTableName: getEnv("DYNAMODB_TABLE_NAME", "LLMGateway_Tenants"),
		RedisAddr:         getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:     getEnv("REDIS_PASSWORD", ""),
		LLMTimeout:        timeout,

		SecureEndpoints:    getBool("PII_AIRLOCK_SECURE_ENDPOINTS", false),
		MultiTenantEnabled: getBool("PII_AIRLOCK_MULTI_TENANT_ENABLED", true),
		AllowHeaderTenant:  getBool("PII_AIRLOCK_ALLOW_HEADER_TENANT", false),
		DefaultTenant:      getEnv("PII_AIRLOCK_DEFAULT_TENANT", "default"),
		AdminAPIKey:        getEnv("ADMIN_API_KEY", ""),

		CacheEnabled: getBool("PII_AIRLOCK_CACHE_ENABLED", false),
		CacheTTL:     cacheTTL,
		CacheMaxSize: getInt("PII_AIRLOCK_CACHE_MAX_SIZE", 10000),

		QuotaConfigPath:  getEnv("PII_AIRLOCK_QUOTA_CONFIG_PATH", ""),
		TenantConfigPath: getEnv("PII_AIRLOCK_TENANT_CONFIG_PATH", ""),

		StrategyOverrides: loadStrategyOverrides(),

		AuditEnabled:         getBool("PII_AIRLOCK_AUDIT_ENABLED", false),
		AuditBatchSize:       getInt("PII_AIRLOCK_AUDIT_BATCH_SIZE", 50),
		AuditFlushIntervalMS: getInt("PII_AIRLOCK_AUDIT_FLUSH_INTERVAL_MS", 5000),
		AuditStore:           getEnv("PII_AIRLOCK_AUDIT_STORE", "memory"),
		AuditPath:            getEnv("PII_AIRLOCK_AUDIT_PATH", "./audit"),

		QuestionFavoringTypes: splitCSV(os.Getenv("PII_AIRLOCK_QUESTION_FAVORING_TYPES")),

		MappingTTL:        mappingTTL,
		FuzzyDeanonymize:  getBool("PII_AIRLOCK_FUZZY_DEANONYMIZE", true),
		AntiHallucination: getBool("PII_AIRLOCK_ANTI_HALLUCINATION", true),
	}
}

// strategyEntityTypes lists the entity types spec §6 names an override
// variable for: PII_AIRLOCK_STRATEGY_{PERSON,PHONE,EMAIL,CREDIT_CARD,
// ID_CARD,IP}.
var strategyEntityTypes = []string{"PERSON", "PHONE", "EMAIL", "CREDIT_CARD", "ID_CARD", "IP"}

func loadStrategyOverrides() map[string]string {
	overrides := make(map[string]string)
	for _, entityType := range strategyEntityTypes {
		v := strings.TrimSpace(os.Getenv("PII_AIRLOCK_STRATEGY_" + entityType))
		if v != "" {
			overrides[entityType] = strings.ToLower(v)
		}
	}
	return overrides
}

func splitCSV(v string) []string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	v = strings.ToLower(strings.TrimSpace(v))
	return v == "1" || v == "true" || v == "yes"
}

func getInt(key string, fallback int) int {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return fallback
	}
	return n
}
