package proxy

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"io/ioutil"
	"log/slog"
	"math"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"github.com/user/pii-airlock/internal/anonymize"
	"github.com/user/pii-airlock/internal/apierr"
	"github.com/user/pii-airlock/internal/audit"
	"github.com/user/pii-airlock/internal/cache"
	"github.com/user/pii-airlock/internal/deanonymize"
	"github.com/user/pii-airlock/internal/mapping"
	"github.com/user/pii-airlock/internal/middleware"
	"github.com/user/pii-airlock/internal/quota"
	"github.com/user/pii-airlock/internal/secret"
	"github.com/user/pii-airlock/internal/store"
	"github.com/user/pii-airlock/internal/streambuf"
	"github.com/user/pii-airlock/internal/telemetry"
)

// antiHallucinationPrompt is injected as (or appended to) the system
// message whenever a request's mapping is non-empty, so the upstream
// model is told to preserve placeholder tokens verbatim.
const antiHallucinationPrompt = `IMPORTANT: This text contains placeholders in the format <TYPE_N> (e.g., <PERSON_1>, <PHONE_2>).
You MUST preserve these placeholders exactly as they appear. Do not modify, translate, or explain them.
Return them exactly in your response when referring to the same entities.`

type ChatRequest struct {
	Model            string    `json:"model"`
	Messages         []Message `json:"messages"`
	Stream           bool      `json:"stream"`
	Temperature      *float64  `json:"temperature,omitempty"`
	TopP             *float64  `json:"top_p,omitempty"`
	N                *int      `json:"n,omitempty"`
	MaxTokens        *int      `json:"max_tokens,omitempty"`
	PresencePenalty  *float64  `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64  `json:"frequency_penalty,omitempty"`
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type chatChoice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason *string `json:"finish_reason"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   *chatUsage   `json:"usage,omitempty"`
}

type chatDelta struct {
	Content string `json:"content,omitempty"`
}

type chatChunkChoice struct {
	Index        int       `json:"index"`
	Delta        chatDelta `json:"delta"`
	FinishReason *string   `json:"finish_reason"`
}

type chatChunk struct {
	ID      string            `json:"id"`
	Created int64             `json:"created"`
	Model   string            `json:"model"`
	Choices []chatChunkChoice `json:"choices"`
}

// Options tunes the PII pipeline steps the orchestrator runs, sourced
// from PII_AIRLOCK_* configuration.
type Options struct {
	MappingTTL        time.Duration
	CacheTTL          time.Duration
	CacheEnabled      bool
	FuzzyDeanonymize  bool
	AntiHallucination bool
	DefaultTenant     string
}

// Deps bundles the PII-airlock collaborators layered onto the teacher's
// pass-through proxy: the mapping store, anonymizer, secret scanner,
// response cache, quota enforcer and audit sink.
type Deps struct {
	MappingStore *mapping.Store
	Anonymizer   *anonymize.Anonymizer
	Scanner      *secret.Scanner
	Cache        *cache.Cache
	Quota        *quota.Enforcer
	Audit        audit.Sink
	Options      Options
}

type Handler struct {
	rlStore    store.RateLimitStore
	modelStore store.ModelStore
	usageStore store.UsageStore
	httpClient *http.Client
	cb         *gobreaker.CircuitBreaker
	wg         sync.WaitGroup

	mappingStore *mapping.Store
	anonymizer   *anonymize.Anonymizer
	scanner      *secret.Scanner
	respCache    *cache.Cache
	quotaEnf     *quota.Enforcer
	auditSink    audit.Sink
	opts         Options
}

func NewHandler(rlStore store.RateLimitStore, modelStore store.ModelStore, usageStore store.UsageStore, timeout time.Duration, deps Deps) *Handler {
	st := gobreaker.Settings{
		Name:        "LLM-Proxy-CB",
		MaxRequests: 5,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 10 && failureRatio >= 0.6
		},
	}

	if deps.Audit == nil {
		deps.Audit = audit.NewSink(false, "", "", 0)
	}
	if deps.Options.DefaultTenant == "" {
		deps.Options.DefaultTenant = "default"
	}
	if deps.Options.MappingTTL <= 0 {
		deps.Options.MappingTTL = 10 * time.Minute
	}

	return &Handler{
		rlStore:    rlStore,
		modelStore: modelStore,
		usageStore: usageStore,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 100,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		cb:           gobreaker.NewCircuitBreaker(st),
		mappingStore: deps.MappingStore,
		anonymizer:   deps.Anonymizer,
		scanner:      deps.Scanner,
		respCache:    deps.Cache,
		quotaEnf:     deps.Quota,
		auditSink:    deps.Audit,
		opts:         deps.Options,
	}
}

// Shutdown waits for all async tasks to complete
func (h *Handler) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// tenantQuotaLimits converts a tenant's quota fields into the shape the
// quota enforcer wants. A tenant with every field zero has no limits
// registered for either type and is unconditionally allowed.
func tenantQuotaLimits(t *store.Tenant) quota.TenantLimits {
	limits := quota.TenantLimits{}

	var requests []quota.Limit
	if t.QuotaRequestsHourly > 0 {
		requests = append(requests, quota.Limit{Period: quota.PeriodHourly, HardLimit: t.QuotaRequestsHourly, SoftLimitPercent: t.QuotaSoftLimitPct})
	}
	if t.QuotaRequestsDaily > 0 {
		requests = append(requests, quota.Limit{Period: quota.PeriodDaily, HardLimit: t.QuotaRequestsDaily, SoftLimitPercent: t.QuotaSoftLimitPct})
	}
	if t.QuotaRequestsMonthly > 0 {
		requests = append(requests, quota.Limit{Period: quota.PeriodMonthly, HardLimit: t.QuotaRequestsMonthly, SoftLimitPercent: t.QuotaSoftLimitPct})
	}
	if len(requests) > 0 {
		limits[quota.TypeRequests] = requests
	}

	var tokens []quota.Limit
	if t.QuotaTokensHourly > 0 {
		tokens = append(tokens, quota.Limit{Period: quota.PeriodHourly, HardLimit: t.QuotaTokensHourly, SoftLimitPercent: t.QuotaSoftLimitPct})
	}
	if t.QuotaTokensDaily > 0 {
		tokens = append(tokens, quota.Limit{Period: quota.PeriodDaily, HardLimit: t.QuotaTokensDaily, SoftLimitPercent: t.QuotaSoftLimitPct})
	}
	if t.QuotaTokensMonthly > 0 {
		tokens = append(tokens, quota.Limit{Period: quota.PeriodMonthly, HardLimit: t.QuotaTokensMonthly, SoftLimitPercent: t.QuotaSoftLimitPct})
	}
	if len(tokens) > 0 {
		limits[quota.TypeTokens] = tokens
	}

	return limits
}

func sessionSalt(c *gin.Context, requestID string) string {
	if v := c.GetHeader("X-Session-ID"); v != "" {
		return v
	}
	return requestID
}

func (h *Handler) writeAPIError(c *gin.Context, err *apierr.Error) {
	c.JSON(err.Status, err.ToEnvelope())
}

func (h *Handler) CreateCompletion(c *gin.Context) {
	start := time.Now()
	ctx, span := telemetry.Tracer.Start(c.Request.Context(), "proxy.create_completion")
	defer span.End()

	tenantCtx, exists := c.Get("tenant")
	if !exists {
		slog.Error("Tenant context missing", "path", c.Request.URL.Path)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Tenant context missing"})
		return
	}
	tenant := tenantCtx.(*store.Tenant)
	requestID := uuid.New().String()

	// 1. Read and buffer body to inspect model
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, 10*1024*1024)
	bodyBytes, err := ioutil.ReadAll(c.Request.Body)
	if err != nil {
		if err.Error() == "http: request body too large" {
			slog.Warn("Request body too large", "tenant_id", tenant.TenantID)
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "Request body too large (limit: 10MB)"})
			return
		}
		slog.Error("Failed to read body", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read request body"})
		return
	}
	c.Request.Body = ioutil.NopCloser(bytes.NewBuffer(bodyBytes))

	var chatReq ChatRequest
	if err := json.Unmarshal(bodyBytes, &chatReq); err != nil {
		slog.Warn("Invalid JSON body", "error", err, "tenant_id", tenant.TenantID)
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid JSON body"})
		return
	}

	if len(chatReq.Messages) > 50 {
		slog.Warn("Too many messages", "count", len(chatReq.Messages), "tenant_id", tenant.TenantID)
		c.JSON(http.StatusBadRequest, gin.H{"error": "Too many messages in conversation (max: 50)"})
		return
	}

	logger := slog.With("tenant_id", tenant.TenantID, "model", chatReq.Model, "request_id", requestID)

	allowed := false
	for _, m := range tenant.AllowedModels {
		if m == "*" || m == chatReq.Model {
			allowed = true
			break
		}
	}
	if !allowed {
		logger.Warn("Model not allowed for this tenant")
		c.JSON(http.StatusForbidden, gin.H{"error": "Model not allowed for this tenant"})
		return
	}

	modelConfig, err := h.modelStore.GetModel(ctx, chatReq.Model)
	if err != nil {
		logger.Error("Failed to resolve model config", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to resolve model config"})
		return
	}
	if modelConfig == nil {
		logger.Warn("Model configuration not found")
		c.JSON(http.StatusNotFound, gin.H{"error": "Model configuration not found"})
		return
	}

	// Step 0: quota admission (requests dimension). Register the
	// tenant's configured limits every call; cheap map writes, and
	// picks up admin-side limit changes without a restart.
	if h.quotaEnf != nil {
		h.quotaEnf.SetTenantLimits(tenant.TenantID, tenantQuotaLimits(tenant))
		decision := h.quotaEnf.CheckAndReserve(tenant.TenantID, quota.TypeRequests, 1)
		if !decision.Allowed {
			logger.Warn("Request quota exceeded", "period", decision.Period)
			h.auditSink.Record(ctx, audit.Event{
				RequestID: requestID, TenantID: tenant.TenantID, EventType: audit.EventQuotaExceeded,
				Timestamp: time.Now(), Detail: map[string]any{"quota_type": "requests", "period": string(decision.Period)},
			})
			h.writeAPIError(c, apierr.New(apierr.KindQuotaExceeded, "request quota exceeded", nil))
			return
		}
	}

	// Step 1: secret scan of the raw user/assistant content, before
	// anonymization touches it. Scanning first means a credential never
	// survives long enough to reach NER or the upstream, matching regexes
	// while they're still in their native form (anonymization can split or
	// rewrite a token and hide it from the scanner's patterns).
	if h.scanner != nil {
		_, secSpan := telemetry.Tracer.Start(ctx, "proxy.secret_scan")
		for _, msg := range chatReq.Messages {
			if msg.Role == "system" {
				continue
			}
			result := h.scanner.Scan(msg.Content)
			if result.Blocked {
				secSpan.End()
				logger.Warn("Secret detected in request, blocking", "matches", len(result.Matches))
				blocking := result.BlockingMatch()
				h.auditSink.Record(ctx, audit.Event{
					RequestID: requestID, TenantID: tenant.TenantID, EventType: audit.EventSecretDetected,
					Timestamp: time.Now(), Detail: map[string]any{"secret_type": blocking.Type, "redacted_preview": blocking.Redacted},
				})
				h.writeAPIError(c, apierr.New(apierr.KindSecretDetected, "request blocked: secret detected", nil))
				return
			}
		}
		secSpan.End()
	}

	// Step 2: anonymize. System messages pass through untouched so
	// instructions to the model are never rewritten.
	_, anonSpan := telemetry.Tracer.Start(ctx, "proxy.anonymize")
	reqMapping := mapping.NewRequestMapping(requestID)
	counter := anonymize.NewCounter()
	salt := sessionSalt(c, requestID)
	anonymized := make([]Message, len(chatReq.Messages))
	piiCounts := make(map[string]int)

	for i, msg := range chatReq.Messages {
		if msg.Role == "system" {
			anonymized[i] = msg
			continue
		}
		outcome := h.anonymizer.AnonymizeMessage(msg.Content, reqMapping, counter, salt)
		anonymized[i] = Message{Role: msg.Role, Content: outcome.Text, Name: msg.Name}
		for _, span := range outcome.Entities {
			piiCounts[span.EntityType]++
		}
	}
	anonSpan.End()

	if len(piiCounts) > 0 {
		total := 0
		for _, n := range piiCounts {
			total += n
		}
		logger.Info("PII anonymization completed", "pii_counts", piiCounts, "total_entities", total)
	}

	// Step 3: anti-hallucination system prompt.
	finalMessages := anonymized
	if h.opts.AntiHallucination && reqMapping.Len() > 0 {
		finalMessages = injectSystemPrompt(anonymized)
	}

	if chatReq.Stream {
		h.handleStreaming(c, ctx, tenant, requestID, chatReq, finalMessages, reqMapping, modelConfig, logger, start)
		return
	}
	h.handleUnary(c, ctx, tenant, requestID, chatReq, finalMessages, reqMapping, modelConfig, logger, start)
}

func injectSystemPrompt(messages []Message) []Message {
	if len(messages) > 0 && messages[0].Role == "system" {
		updated := make([]Message, len(messages))
		copy(updated, messages)
		updated[0].Content = updated[0].Content + "\n\n" + antiHallucinationPrompt
		return updated
	}
	out := make([]Message, 0, len(messages)+1)
	out = append(out, Message{Role: "system", Content: antiHallucinationPrompt})
	return append(out, messages...)
}

func anonymizedMessagesAsMaps(messages []Message) []map[string]any {
	out := make([]map[string]any, len(messages))
	for i, m := range messages {
		out[i] = map[string]any{"role": m.Role, "content": m.Content}
	}
	return out
}

func samplingParams(req ChatRequest) map[string]any {
	params := make(map[string]any)
	if req.Temperature != nil {
		params["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		params["top_p"] = *req.TopP
	}
	if req.MaxTokens != nil {
		params["max_tokens"] = *req.MaxTokens
	}
	if req.PresencePenalty != nil {
		params["presence_penalty"] = *req.PresencePenalty
	}
	if req.FrequencyPenalty != nil {
		params["frequency_penalty"] = *req.FrequencyPenalty
	}
	return params
}

func (h *Handler) handleUnary(c *gin.Context, ctx context.Context, tenant *store.Tenant, requestID string, chatReq ChatRequest, finalMessages []Message, reqMapping *mapping.RequestMapping, modelConfig *store.Model, logger *slog.Logger, start time.Time) {
	cacheEnabled := h.opts.CacheEnabled && h.respCache != nil
	var fingerprint string
	if cacheEnabled {
		fingerprint = cache.Fingerprint(tenant.TenantID, chatReq.Model, anonymizedMessagesAsMaps(finalMessages), samplingParams(chatReq))
		if entry := h.respCache.Get(fingerprint, tenant.TenantID); entry != nil {
			h.respondFromCache(c, ctx, tenant, requestID, chatReq, entry, reqMapping, logger, start)
			return
		}
	}

	h.mappingStore.Save(requestID, reqMapping, h.opts.MappingTTL, tenant.TenantID)
	defer h.mappingStore.Delete(requestID, tenant.TenantID)

	payload, err := buildUpstreamPayload(chatReq, finalMessages, false)
	if err != nil {
		logger.Error("Failed to build upstream payload", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to build upstream request"})
		return
	}

	resp, err := h.forwardWithRetry(c, ctx, modelConfig, payload, logger)
	if err != nil {
		logger.Error("Upstream provider failed after retries", "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "Upstream provider failed", "details": err.Error()})
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := ioutil.ReadAll(resp.Body)
		c.Data(resp.StatusCode, resp.Header.Get("Content-Type"), body)
		return
	}

	bodyBytes, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		logger.Error("Failed to read upstream response", "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "Failed to read upstream response"})
		return
	}

	var upstream chatResponse
	if err := json.Unmarshal(bodyBytes, &upstream); err != nil {
		logger.Error("Failed to parse upstream response", "error", err)
		c.Data(http.StatusOK, "application/json", bodyBytes)
		return
	}

	if cacheEnabled {
		h.respCache.Put(fingerprint, rawResponseMap(bodyBytes), tenant.TenantID, chatReq.Model, h.opts.CacheTTL)
	}

	_, deanonSpan := telemetry.Tracer.Start(ctx, "proxy.deanonymize")
	for i := range upstream.Choices {
		result := deanonymize.Deanonymize(upstream.Choices[i].Message.Content, reqMapping, h.opts.FuzzyDeanonymize)
		upstream.Choices[i].Message.Content = result.Text
	}
	deanonSpan.End()

	inputTokens := len(bodyBytes) / 4
	outputTokens := 0
	if upstream.Usage != nil {
		outputTokens = upstream.Usage.CompletionTokens
		if h.quotaEnf != nil {
			h.quotaEnf.CheckAndReserve(tenant.TenantID, quota.TypeTokens, int64(upstream.Usage.TotalTokens))
		}
	}

	c.JSON(http.StatusOK, upstream)

	h.finishRequest(tenant, chatReq.Model, requestID, reqMapping.Len(), false, inputTokens, outputTokens, start, logger, ctx)
}

func (h *Handler) respondFromCache(c *gin.Context, ctx context.Context, tenant *store.Tenant, requestID string, chatReq ChatRequest, entry *cache.Entry, reqMapping *mapping.RequestMapping, logger *slog.Logger, start time.Time) {
	logger.Info("Returning cached response")
	h.auditSink.Record(ctx, audit.Event{
		RequestID: requestID, TenantID: tenant.TenantID, EventType: audit.EventCacheHit,
		Timestamp: time.Now(), Detail: map[string]any{"model": chatReq.Model},
	})

	b, _ := json.Marshal(entry.ResponseData)
	var cached chatResponse
	_ = json.Unmarshal(b, &cached)

	for i := range cached.Choices {
		result := deanonymize.Deanonymize(cached.Choices[i].Message.Content, reqMapping, h.opts.FuzzyDeanonymize)
		cached.Choices[i].Message.Content = result.Text
	}
	if cached.ID == "" {
		cached.ID = "chatcmpl-" + requestID
	}

	c.JSON(http.StatusOK, cached)
	h.finishRequest(tenant, chatReq.Model, requestID, reqMapping.Len(), true, 0, 0, start, logger, ctx)
}

func rawResponseMap(body []byte) map[string]any {
	var m map[string]any
	_ = json.Unmarshal(body, &m)
	return m
}

func (h *Handler) finishRequest(tenant *store.Tenant, model, requestID string, piiEntities int, cached bool, inputTokens, outputTokens int, start time.Time, logger *slog.Logger, ctx context.Context) {
	latency := time.Since(start)
	logger.Info("Proxy request completed", "latency_ms", latency.Milliseconds(), "pii_entities", piiEntities, "cached", cached)

	h.auditSink.Record(ctx, audit.Event{
		RequestID: requestID, TenantID: tenant.TenantID, EventType: audit.EventRequestCompleted,
		Timestamp: time.Now(),
		Detail:    map[string]any{"model": model, "pii_entities": piiEntities, "cached": cached},
	})

	middleware.RecordTokenUsage(tenant.TenantID, model, inputTokens, outputTokens)

	h.wg.Add(1)
	go func(tid, mid string, in, out int) {
		defer h.wg.Done()
		if _, err := h.rlStore.IncrementTPM(context.Background(), tid, in+out); err != nil {
			slog.Error("Failed to increment TPM", "error", err)
		}
		usageRec := &store.UsageRecord{
			TenantID: tid, Timestamp: start.Format(time.RFC3339Nano), RequestID: uuid.New().String(),
			ModelID: mid, InputTokens: in, OutputTokens: out,
		}
		for i := 0; i < 3; i++ {
			if err := h.usageStore.LogUsage(context.Background(), usageRec); err != nil {
				slog.Error("Failed to log usage, retrying", "attempt", i+1, "error", err)
				time.Sleep(time.Duration(100*(i+1)) * time.Millisecond)
				continue
			}
			break
		}
	}(tenant.TenantID, model, inputTokens, outputTokens)
}

func (h *Handler) handleStreaming(c *gin.Context, ctx context.Context, tenant *store.Tenant, requestID string, chatReq ChatRequest, finalMessages []Message, reqMapping *mapping.RequestMapping, modelConfig *store.Model, logger *slog.Logger, start time.Time) {
	h.mappingStore.Save(requestID, reqMapping, h.opts.MappingTTL, tenant.TenantID)
	defer h.mappingStore.Delete(requestID, tenant.TenantID)

	payload, err := buildUpstreamPayload(chatReq, finalMessages, true)
	if err != nil {
		logger.Error("Failed to build upstream payload", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to build upstream request"})
		return
	}

	resp, err := h.forwardWithRetry(c, ctx, modelConfig, payload, logger)
	if err != nil {
		logger.Error("Upstream provider failed after retries", "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "Upstream provider failed", "details": err.Error()})
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := ioutil.ReadAll(resp.Body)
		c.Data(resp.StatusCode, resp.Header.Get("Content-Type"), body)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Status(http.StatusOK)

	outputTokens := h.streamResponse(c, ctx, resp.Body, reqMapping, tenant.TenantID, chatReq.Model, requestID, start, logger)

	inputLen := 0
	for _, m := range finalMessages {
		inputLen += len(m.Content)
	}
	h.finishRequest(tenant, chatReq.Model, requestID, reqMapping.Len(), false, inputLen/4, outputTokens, start, logger, ctx)
}

func buildUpstreamPayload(req ChatRequest, messages []Message, stream bool) ([]byte, error) {
	payload := map[string]any{
		"model":    req.Model,
		"messages": messages,
		"stream":   stream,
	}
	if req.Temperature != nil {
		payload["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		payload["top_p"] = *req.TopP
	}
	if req.N != nil {
		payload["n"] = *req.N
	}
	if req.MaxTokens != nil {
		payload["max_tokens"] = *req.MaxTokens
	}
	if req.PresencePenalty != nil {
		payload["presence_penalty"] = *req.PresencePenalty
	}
	if req.FrequencyPenalty != nil {
		payload["frequency_penalty"] = *req.FrequencyPenalty
	}
	return json.Marshal(payload)
}

// forwardWithRetry executes payload against modelConfig's BaseURLs with
// the teacher's retry/failover/circuit-breaker policy.
func (h *Handler) forwardWithRetry(c *gin.Context, ctx context.Context, modelConfig *store.Model, payload []byte, logger *slog.Logger) (*http.Response, error) {
	ctx, upstreamSpan := telemetry.Tracer.Start(ctx, "proxy.upstream_call")
	defer upstreamSpan.End()

	baseURLs := modelConfig.BaseURLs
	if len(baseURLs) == 0 {
		return nil, apierr.New(apierr.KindUpstreamTransport, "misconfigured model: no base URLs", nil)
	}
	apiKey := os.Getenv(modelConfig.APIKeyEnv)
	if apiKey == "" {
		logger.Warn("API Key env var not set for model", "env_var", modelConfig.APIKeyEnv)
	}

	retryMax := 3
	backoffMs := 100
	retryFactor := 2.0
	if hVal := c.GetHeader("X-LLM-Retry-Max"); hVal != "" {
		if val, err := strconv.Atoi(hVal); err == nil && val >= 0 && val <= 10 {
			retryMax = val
		}
	}
	if hVal := c.GetHeader("X-LLM-Retry-Backoff-Ms"); hVal != "" {
		if val, err := strconv.Atoi(hVal); err == nil && val >= 0 {
			backoffMs = val
		}
	}

	var resp *http.Response
	var lastErr error
	attempt := 0
	urlIndex := 0

	for attempt <= retryMax {
		currentURL := baseURLs[urlIndex%len(baseURLs)]

		proxyReq, err := http.NewRequestWithContext(ctx, http.MethodPost, currentURL, bytes.NewBuffer(payload))
		if err != nil {
			return nil, err
		}
		proxyReq.Header.Set("Content-Type", "application/json")
		proxyReq.Header.Set("Authorization", "Bearer "+apiKey)

		respInterface, cbErr := h.cb.Execute(func() (interface{}, error) {
			return h.httpClient.Do(proxyReq)
		})

		if cbErr != nil {
			lastErr = cbErr
			if cbErr == gobreaker.ErrOpenState {
				logger.Warn("Circuit breaker open")
				break
			}
		} else {
			resp = respInterface.(*http.Response)
			lastErr = nil
		}

		if lastErr == nil && resp.StatusCode < 500 && resp.StatusCode != 429 {
			break
		}

		attempt++
		shouldFailover := lastErr != nil || (resp != nil && (resp.StatusCode >= 500 || resp.StatusCode == 429))
		if shouldFailover {
			urlIndex++
		}

		if attempt <= retryMax {
			if resp != nil && resp.StatusCode == 429 && shouldFailover {
				continue
			}
			sleepTime := time.Duration(backoffMs) * time.Millisecond * time.Duration(math.Pow(retryFactor, float64(attempt-1)))
			time.Sleep(sleepTime)
		}
	}

	if lastErr != nil {
		return nil, lastErr
	}
	return resp, nil
}

// streamResponse reads upstream SSE lines, routes delta content through
// a placeholder-boundary-safe buffer before deanonymizing and
// re-emitting, and counts output tokens.
func (h *Handler) streamResponse(c *gin.Context, ctx context.Context, body io.Reader, reqMapping *mapping.RequestMapping, tenantID, model, requestID string, start time.Time, logger *slog.Logger) int {
	scanner := bufio.NewScanner(body)
	buffer := streambuf.New(reqMapping, h.opts.FuzzyDeanonymize)
	outputTokens := 0
	firstByte := true
	chunkID := "chatcmpl-" + requestID
	chunkCreated := time.Now().Unix()
	chunkModel := model

	// A long-running generation can outlive the mapping's fixed TTL, so
	// the entry is kept alive on-demand as chunks arrive rather than
	// betting the whole stream finishes within one fixed window.
	const extendEveryLines = 20
	lineCount := 0

	c.Writer.Flush()

	emit := func(content string, finishReason *string) {
		delta := chatDelta{}
		if content != "" {
			delta.Content = content
		}
		out := chatChunk{
			ID: chunkID, Created: chunkCreated, Model: chunkModel,
			Choices: []chatChunkChoice{{Index: 0, Delta: delta, FinishReason: finishReason}},
		}
		b, _ := json.Marshal(out)
		c.Writer.WriteString("data: " + string(b) + "\n\n")
		c.Writer.Flush()
	}

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")

		lineCount++
		if lineCount%extendEveryLines == 0 {
			h.mappingStore.ExtendTTL(requestID, tenantID, h.opts.MappingTTL)
		}

		if firstByte {
			middleware.RecordTTFT(tenantID, model, time.Since(start).Seconds())
			firstByte = false
		}

		if data == "[DONE]" {
			if final := buffer.Flush(); final != "" {
				emit(final, nil)
				outputTokens += len(final) / 4
			}
			c.Writer.WriteString("data: [DONE]\n\n")
			c.Writer.Flush()
			break
		}

		var partial struct {
			ID      string `json:"id"`
			Created int64  `json:"created"`
			Model   string `json:"model"`
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
				FinishReason *string `json:"finish_reason"`
			} `json:"choices"`
		}
		if err := json.Unmarshal([]byte(data), &partial); err != nil {
			continue
		}
		if partial.ID != "" {
			chunkID = partial.ID
		}
		if partial.Created != 0 {
			chunkCreated = partial.Created
		}
		if partial.Model != "" {
			chunkModel = partial.Model
		}
		if len(partial.Choices) == 0 {
			continue
		}

		content := partial.Choices[0].Delta.Content
		finishReason := partial.Choices[0].FinishReason

		if content != "" {
			if safe := buffer.Write(content); safe != "" {
				emit(safe, nil)
				outputTokens += len(safe) / 4
			}
		}

		if finishReason != nil {
			if final := buffer.Flush(); final != "" {
				emit(final, nil)
				outputTokens += len(final) / 4
			}
			emit("", finishReason)
		}
	}

	logger.Info("Streaming chat completion completed", "output_tokens", outputTokens)
	return outputTokens
}
