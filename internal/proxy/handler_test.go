package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/user/pii-airlock/internal/anonymize"
	"github.com/user/pii-airlock/internal/apierr"
	"github.com/user/pii-airlock/internal/audit"
	"github.com/user/pii-airlock/internal/mapping"
	"github.com/user/pii-airlock/internal/ner"
	"github.com/user/pii-airlock/internal/secret"
	"github.com/user/pii-airlock/internal/store"
)

func testDeps() Deps {
	return Deps{
		MappingStore: mapping.NewStore(time.Minute, "default"),
		Anonymizer: anonymize.New(anonymize.Config{
			Recognizer: ner.NewBuiltin(),
			Strategies: anonymize.NewStrategyConfig(),
		}),
		Scanner: secret.New(secret.RiskHigh),
		Audit:   audit.NewSink(false, "", "", 0),
		Options: Options{
			MappingTTL:        time.Minute,
			FuzzyDeanonymize:  true,
			AntiHallucination: true,
			DefaultTenant:     "default",
		},
	}
}

func TestCreateCompletion_Validation(t *testing.T) {
	gin.SetMode(gin.TestMode)

	mockRL := store.NewMockRateLimitStore()
	mockUsage := &store.MockUsageStore{}
	mockModel := &store.MockModelStore{
		Models: map[string]*store.Model{
			"gpt-4": {ModelID: "gpt-4", BaseURLs: []string{"http://mock-llm.invalid"}},
		},
	}

	h := NewHandler(mockRL, mockModel, mockUsage, 1*time.Second, testDeps())

	tests := []struct {
		name           string
		requestBody    string
		tenant         *store.Tenant
		expectedStatus int
	}{
		{
			name:        "Valid Request",
			requestBody: `{"model": "gpt-4", "messages": [{"role": "user", "content": "hi"}]}`,
			tenant: &store.Tenant{
				TenantID:      "t1",
				AllowedModels: []string{"gpt-4"},
			},
			expectedStatus: http.StatusBadGateway,
		},
		{
			name:        "Model Not Allowed",
			requestBody: `{"model": "gpt-4", "messages": []}`,
			tenant: &store.Tenant{
				TenantID:      "t1",
				AllowedModels: []string{"claude-2"},
			},
			expectedStatus: http.StatusForbidden,
		},
		{
			name:        "Too Many Messages",
			requestBody: `{"model": "gpt-4", "messages": ` + makeLargeMessageList(60) + `}`,
			tenant: &store.Tenant{
				TenantID:      "t1",
				AllowedModels: []string{"gpt-4"},
			},
			expectedStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)
			c.Request, _ = http.NewRequest("POST", "/chat/completions", bytes.NewBufferString(tt.requestBody))
			c.Set("tenant", tt.tenant)

			h.CreateCompletion(c)

			assert.Equal(t, tt.expectedStatus, w.Code)
		})
	}
}

func TestCreateCompletion_Streaming(t *testing.T) {
	gin.SetMode(gin.TestMode)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)

		flusher, ok := w.(http.Flusher)
		if !ok {
			panic("expected http.ResponseWriter to be an http.Flusher")
		}

		chunks := []string{
			`data: {"choices":[{"delta":{"content":"Hello"}}]}`,
			`data: {"choices":[{"delta":{"content":" World"}}]}`,
			`data: [DONE]`,
		}

		for _, chunk := range chunks {
			fmt.Fprintf(w, "%s\n\n", chunk)
			flusher.Flush()
			time.Sleep(10 * time.Millisecond)
		}
	}))
	defer upstream.Close()

	mockRL := store.NewMockRateLimitStore()
	mockUsage := &store.MockUsageStore{}
	mockModel := &store.MockModelStore{
		Models: map[string]*store.Model{
			"gpt-4-stream": {ModelID: "gpt-4-stream", BaseURLs: []string{upstream.URL}, APIKeyEnv: "OPENAI_API_KEY"},
		},
	}

	h := NewHandler(mockRL, mockModel, mockUsage, 1*time.Second, testDeps())

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	reqBody := `{"model": "gpt-4-stream", "messages": [{"role": "user", "content": "hi"}], "stream": true}`
	c.Request, _ = http.NewRequest("POST", "/v1/chat/completions", bytes.NewBufferString(reqBody))

	tenant := &store.Tenant{
		TenantID:      "t-stream",
		AllowedModels: []string{"*"},
	}
	c.Set("tenant", tenant)

	h.CreateCompletion(c)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "data: ")
	assert.Contains(t, w.Body.String(), "Hello")

	time.Sleep(100 * time.Millisecond)

	assert.Len(t, mockUsage.Records, 1)
	if len(mockUsage.Records) > 0 {
		rec := mockUsage.Records[0]
		assert.Equal(t, "t-stream", rec.TenantID)
		assert.True(t, rec.OutputTokens > 0, "Should count output tokens")
	}
}

func TestCreateCompletion_AnonymizesRequestAndDeanonymizesResponse(t *testing.T) {
	gin.SetMode(gin.TestMode)

	var mu sync.Mutex
	var capturedBody []byte

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		capturedBody = body
		mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		resp := chatResponse{
			ID:      "chatcmpl-1",
			Choices: []chatChoice{{Index: 0, Message: Message{Role: "assistant", Content: "Sure, I'll email <EMAIL_1>"}}},
		}
		b, _ := json.Marshal(resp)
		w.Write(b)
	}))
	defer upstream.Close()

	mockRL := store.NewMockRateLimitStore()
	mockUsage := &store.MockUsageStore{}
	mockModel := &store.MockModelStore{
		Models: map[string]*store.Model{
			"gpt-4": {ModelID: "gpt-4", BaseURLs: []string{upstream.URL}},
		},
	}

	h := NewHandler(mockRL, mockModel, mockUsage, 2*time.Second, testDeps())

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	reqBody := `{"model": "gpt-4", "messages": [{"role": "user", "content": "email me at john@example.com"}]}`
	c.Request, _ = http.NewRequest("POST", "/v1/chat/completions", bytes.NewBufferString(reqBody))
	c.Set("tenant", &store.Tenant{TenantID: "t1", AllowedModels: []string{"*"}})

	h.CreateCompletion(c)

	assert.Equal(t, http.StatusOK, w.Code)

	mu.Lock()
	sent := string(capturedBody)
	mu.Unlock()
	assert.NotContains(t, sent, "john@example.com", "original email must not reach upstream")
	assert.Contains(t, sent, "EMAIL_1", "anonymized placeholder should be forwarded")

	assert.Contains(t, w.Body.String(), "john@example.com", "response should be deanonymized back to the original")
}

func TestCreateCompletion_SecretBlocksRequest(t *testing.T) {
	gin.SetMode(gin.TestMode)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("upstream should never be called when a secret is detected")
	}))
	defer upstream.Close()

	mockRL := store.NewMockRateLimitStore()
	mockUsage := &store.MockUsageStore{}
	mockModel := &store.MockModelStore{
		Models: map[string]*store.Model{
			"gpt-4": {ModelID: "gpt-4", BaseURLs: []string{upstream.URL}},
		},
	}

	h := NewHandler(mockRL, mockModel, mockUsage, 1*time.Second, testDeps())

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	reqBody := `{"model": "gpt-4", "messages": [{"role": "user", "content": "here is my key sk-abcdefghij1234567890ABCDEFGHIJ"}]}`
	c.Request, _ = http.NewRequest("POST", "/v1/chat/completions", bytes.NewBufferString(reqBody))
	c.Set("tenant", &store.Tenant{TenantID: "t1", AllowedModels: []string{"*"}})

	h.CreateCompletion(c)

	assert.Equal(t, http.StatusBadRequest, w.Code)

	var env apierr.Envelope
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	assert.Equal(t, string(apierr.KindSecretDetected), env.Error.Type)
}

func TestHandler_Shutdown(t *testing.T) {
	mockRL := store.NewMockRateLimitStore()
	mockUsage := &store.MockUsageStore{}
	mockModel := &store.MockModelStore{}
	h := NewHandler(mockRL, mockModel, mockUsage, 1*time.Second, testDeps())

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		time.Sleep(50 * time.Millisecond)
	}()

	start := time.Now()
	err := h.Shutdown(context.Background())
	elapsed := time.Since(start)

	assert.NoError(t, err)
	assert.True(t, elapsed >= 50*time.Millisecond, "Shutdown should wait for async task")
}

func makeLargeMessageList(n int) string {
	s := "["
	for i := 0; i < n; i++ {
		s += `{"role": "user", "content": "msg"},`
	}
	s = s[:len(s)-1] + "]"
	return s
}
