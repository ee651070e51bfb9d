package generation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/agentchain/internal/validation"
	"github.com/rendis/agentchain/pkg/schema"
)

// chatServer is an OpenAI-compatible chat completions endpoint for tests.
type chatServer struct {
	*httptest.Server

	mu       sync.Mutex
	requests []map[string]any
	reply    string
	status   int
	delay    time.Duration
}

func newChatServer(t *testing.T, reply string) *chatServer {
	t.Helper()
	cs := &chatServer{reply: reply, status: http.StatusOK}
	cs.Server = httptest.NewServer(http.HandlerFunc(cs.handle))
	t.Cleanup(cs.Close)
	return cs
}

func (cs *chatServer) handle(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)

	cs.mu.Lock()
	cs.requests = append(cs.requests, body)
	status, reply, delay := cs.status, cs.reply, cs.delay
	cs.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if status != http.StatusOK {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"error":{"message":"rate limited","type":"rate_limit_error","code":"rate_limit"}}`))
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"id":      "chatcmpl-1",
		"object":  "chat.completion",
		"created": 1700000000,
		"model":   "test-model",
		"choices": []map[string]any{{
			"index":         0,
			"finish_reason": "stop",
			"message":       map[string]any{"role": "assistant", "content": reply},
		}},
	})
}

func (cs *chatServer) lastRequest() map[string]any {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if len(cs.requests) == 0 {
		return nil
	}
	return cs.requests[len(cs.requests)-1]
}

func newTestAdapter(t *testing.T, cs *chatServer, timeout time.Duration) *OpenAIAdapter {
	t.Helper()
	v, err := validation.NewJSONSchemaValidator()
	require.NoError(t, err)
	return NewOpenAIAdapter("openai", ProviderConfig{
		APIKey:     "test-key",
		Model:      "test-model",
		BaseURL:    cs.URL + "/",
		Timeout:    timeout,
		MaxRetries: 0,
	}, v)
}

const architectReply = "```json\n" + `{
  "tech_stack": {"backend": "go"},
  "module_breakdown": [{"name": "users"}],
  "architecture_diagram": "api -> db",
  "design_decisions": ["rest"],
  "data_models": [],
  "api_endpoints": [{"method": "POST", "path": "/users"}],
  "dependencies": []
}` + "\n```"

func TestOpenAIAdapter_Generate(t *testing.T) {
	cs := newChatServer(t, "hello there")
	a := newTestAdapter(t, cs, time.Second)

	temp := 0.2
	out, err := a.Generate(context.Background(), "say hi", Options{Temperature: &temp})
	require.NoError(t, err)
	assert.Equal(t, "hello there", out)

	req := cs.lastRequest()
	assert.Equal(t, "test-model", req["model"])
	assert.InDelta(t, 0.2, req["temperature"], 1e-9)
	assert.EqualValues(t, DefaultMaxTokens, req["max_tokens"])
	assert.NotContains(t, req, "response_format")
	msgs := req["messages"].([]any)
	require.Len(t, msgs, 1)
	assert.Equal(t, "user", msgs[0].(map[string]any)["role"])
}

func TestOpenAIAdapter_GenerateStructured(t *testing.T) {
	cs := newChatServer(t, architectReply)
	a := newTestAdapter(t, cs, time.Second)

	out, err := a.GenerateStructured(context.Background(), "design it", schema.StageArchitect, Options{})
	require.NoError(t, err)

	arch, ok := out.(*schema.ArchitectOutput)
	require.True(t, ok)
	assert.Equal(t, "go", arch.TechStack["backend"])
	assert.Equal(t, []string{"rest"}, arch.DesignDecisions)

	req := cs.lastRequest()
	assert.Equal(t, map[string]any{"type": "json_object"}, req["response_format"])
	content := req["messages"].([]any)[0].(map[string]any)["content"].(string)
	assert.Contains(t, content, "design it")
	assert.Contains(t, content, "JSON Schema")
}

func TestOpenAIAdapter_SchemaMismatch(t *testing.T) {
	cs := newChatServer(t, `{"tech_stack": "go"}`)
	a := newTestAdapter(t, cs, time.Second)

	_, err := a.GenerateStructured(context.Background(), "design it", schema.StageArchitect, Options{})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeAdapter))
}

func TestOpenAIAdapter_NoJSON(t *testing.T) {
	cs := newChatServer(t, "I cannot help with that.")
	a := newTestAdapter(t, cs, time.Second)

	_, err := a.GenerateStructured(context.Background(), "test it", schema.StageTester, Options{})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeAdapter))

	var sErr *schema.Error
	require.ErrorAs(t, err, &sErr)
	assert.Equal(t, schema.StageTester, sErr.Stage)
}

func TestOpenAIAdapter_APIError(t *testing.T) {
	cs := newChatServer(t, "")
	cs.status = http.StatusTooManyRequests
	a := newTestAdapter(t, cs, time.Second)

	_, err := a.Generate(context.Background(), "hi", Options{})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeAdapter))

	var sErr *schema.Error
	require.ErrorAs(t, err, &sErr)
	assert.Equal(t, http.StatusTooManyRequests, sErr.Details["status_code"])
}

func TestOpenAIAdapter_Timeout(t *testing.T) {
	cs := newChatServer(t, "late")
	cs.delay = 2 * time.Second
	a := newTestAdapter(t, cs, time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := a.Generate(ctx, "hi", Options{})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeTimeout))
}

func TestOpenAIAdapter_MissingKey(t *testing.T) {
	a := NewOpenAIAdapter(ProviderGLM, ProviderConfig{}, nil)
	_, err := a.Generate(context.Background(), "hi", Options{})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeAdapter))
	assert.Contains(t, err.Error(), "glm API key not configured")
}

func TestOpenAIAdapter_UnknownStage(t *testing.T) {
	cs := newChatServer(t, "{}")
	a := newTestAdapter(t, cs, time.Second)
	_, err := a.GenerateStructured(context.Background(), "x", schema.StageSystem, Options{})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}
