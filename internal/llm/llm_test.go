package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/recapio/recap/internal/taxonomy"
)

func activeRequest() Request {
	return Request{
		TranscriptText: "alice: let's ship friday\nbob: agreed",
		PromptVersion:  "v1",
		SchemaVersion:  "v1",
	}
}

// completionsHandler returns an OpenAI-style completions response wrapping
// the given content.
func completionsHandler(t *testing.T, content string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t.Helper()
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("Authorization = %q", got)
		}
		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if rf, ok := req["response_format"].(map[string]any); !ok || rf["type"] != "json_object" {
			t.Errorf("response_format = %v, want json_object", req["response_format"])
		}

		resp := map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": content}},
			},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}
}

func TestOpenAIAnalyzeParsesStructuredOutput(t *testing.T) {
	srv := httptest.NewServer(completionsHandler(t, `{"summary":"ok","items":[]}`))
	defer srv.Close()

	client := newOpenAI(Config{BaseURL: srv.URL, APIKey: "sk-test", Model: "gpt-5-mini", Timeout: 5 * time.Second})
	res, err := client.Analyze(context.Background(), activeRequest())
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if res.Provider != ProviderOpenAI || res.Model != "gpt-5-mini" {
		t.Errorf("identity = %s/%s", res.Provider, res.Model)
	}
	if res.PromptVersion != "v1" || res.SchemaVersion != "v1" {
		t.Errorf("versions = %s/%s", res.PromptVersion, res.SchemaVersion)
	}
	parsed, ok := res.Parsed.(map[string]any)
	if !ok || parsed["summary"] != "ok" {
		t.Errorf("Parsed = %v", res.Parsed)
	}
	if res.RawText == "" {
		t.Error("RawText should carry the original model output")
	}
}

func TestOpenAIAnalyzeStripsMarkdownFences(t *testing.T) {
	srv := httptest.NewServer(completionsHandler(t, "```json\n{\"summary\":\"ok\",\"items\":[]}\n```"))
	defer srv.Close()

	client := newOpenAI(Config{BaseURL: srv.URL, APIKey: "sk-test", Model: "m", Timeout: 5 * time.Second})
	res, err := client.Analyze(context.Background(), activeRequest())
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if _, ok := res.Parsed.(map[string]any); !ok {
		t.Errorf("Parsed = %v", res.Parsed)
	}
}

func TestOpenAIAnalyzeStatusClassification(t *testing.T) {
	tests := []struct {
		status        int
		wantCode      taxonomy.Code
		wantRetriable bool
	}{
		{429, taxonomy.CodeLLMRateLimited, true},
		{500, taxonomy.CodeLLMTransient, true},
		{503, taxonomy.CodeLLMTransient, true},
		{400, taxonomy.CodeLLMCallFailed, false},
		{401, taxonomy.CodeLLMCallFailed, false},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "upstream says no", tt.status)
		}))

		client := newOpenAI(Config{BaseURL: srv.URL, APIKey: "sk-test", Model: "m", Timeout: 5 * time.Second})
		_, err := client.Analyze(context.Background(), activeRequest())
		srv.Close()

		var ce *CallError
		if !errors.As(err, &ce) {
			t.Fatalf("status %d: want *CallError, got %v", tt.status, err)
		}
		if ce.Code != tt.wantCode || ce.Retriable != tt.wantRetriable {
			t.Errorf("status %d: got (%s, retriable=%v), want (%s, %v)",
				tt.status, ce.Code, ce.Retriable, tt.wantCode, tt.wantRetriable)
		}
	}
}

func TestOpenAIAnalyzeTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	client := newOpenAI(Config{BaseURL: srv.URL, APIKey: "sk-test", Model: "m", Timeout: 20 * time.Millisecond})
	_, err := client.Analyze(context.Background(), activeRequest())

	var ce *CallError
	if !errors.As(err, &ce) {
		t.Fatalf("want *CallError, got %v", err)
	}
	if ce.Code != taxonomy.CodeLLMTimeout || !ce.Retriable {
		t.Errorf("got (%s, retriable=%v), want (llm_timeout, true)", ce.Code, ce.Retriable)
	}
}

func TestOpenAIAnalyzeNonJSONOutputIsFatal(t *testing.T) {
	srv := httptest.NewServer(completionsHandler(t, "I could not analyze this transcript."))
	defer srv.Close()

	client := newOpenAI(Config{BaseURL: srv.URL, APIKey: "sk-test", Model: "m", Timeout: 5 * time.Second})
	_, err := client.Analyze(context.Background(), activeRequest())

	var ce *CallError
	if !errors.As(err, &ce) {
		t.Fatalf("want *CallError, got %v", err)
	}
	if ce.Code != taxonomy.CodeLLMCallFailed || ce.Retriable {
		t.Errorf("got (%s, retriable=%v), want (llm_call_failed, false)", ce.Code, ce.Retriable)
	}
}

func TestClassifyTransportNetworkErrors(t *testing.T) {
	ce := classifyTransport(syscall.ECONNREFUSED)
	if ce.Code != taxonomy.CodeLLMTransient || !ce.Retriable {
		t.Errorf("ECONNREFUSED classified as (%s, %v)", ce.Code, ce.Retriable)
	}

	ce = classifyTransport(context.DeadlineExceeded)
	if ce.Code != taxonomy.CodeLLMTimeout || !ce.Retriable {
		t.Errorf("deadline classified as (%s, %v)", ce.Code, ce.Retriable)
	}
}

func TestNewGuardrails(t *testing.T) {
	ctx := context.Background()

	if _, err := New(ctx, Config{Provider: ProviderFake}); err == nil {
		t.Error("fake provider outside test mode should be rejected")
	}
	if _, err := New(ctx, Config{Provider: ProviderFake, TestMode: true}); err != nil {
		t.Errorf("fake provider in test mode: %v", err)
	}
	if _, err := New(ctx, Config{Provider: ProviderOpenAI, Model: "m"}); err == nil {
		t.Error("openai without API key should be rejected")
	}
	if _, err := New(ctx, Config{Provider: "mystery"}); err == nil {
		t.Error("unknown provider should be rejected")
	}
}

func TestFakeAnalyze(t *testing.T) {
	fake := NewFake()
	res, err := fake.Analyze(context.Background(), activeRequest())
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	parsed, ok := res.Parsed.(map[string]any)
	if !ok || parsed["summary"] != "ok" {
		t.Errorf("Parsed = %v", res.Parsed)
	}
	if fake.Calls != 1 {
		t.Errorf("Calls = %d", fake.Calls)
	}
}

func TestFakeScriptedError(t *testing.T) {
	fake := NewFake()
	fake.Err = callError(taxonomy.CodeLLMTransient, true, "upstream 503")

	_, err := fake.Analyze(context.Background(), activeRequest())
	var ce *CallError
	if !errors.As(err, &ce) || ce.Code != taxonomy.CodeLLMTransient {
		t.Errorf("scripted error = %v", err)
	}
}

func TestSystemPromptNamesVersions(t *testing.T) {
	p := systemPrompt("v1", "v1")
	if !strings.Contains(p, "prompt v1") || !strings.Contains(p, "schema v1") {
		t.Error("system prompt should name the active versions")
	}
}
