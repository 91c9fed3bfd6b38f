// Package llm is the provider-agnostic analyzer adapter. It turns a
// transcript into a structured report payload via one LLM call, classifies
// failures into the shared taxonomy, and never retries: the worker owns all
// retry policy.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/recapio/recap/internal/taxonomy"
)

// DefaultTimeout bounds a single analyzer call unless overridden.
const DefaultTimeout = 60 * time.Second

// Supported providers.
const (
	ProviderOpenAI  = "openai"
	ProviderBedrock = "bedrock"
	ProviderFake    = "fake"
)

// Request is one analyzer invocation.
type Request struct {
	TranscriptText string
	PromptVersion  string
	SchemaVersion  string
}

// Result is the adapter output. Parsed is the decoded JSON payload; schema
// validation happens outside the adapter.
type Result struct {
	Provider      string
	Model         string
	PromptVersion string
	SchemaVersion string
	RawText       string
	Parsed        any
}

// Client is implemented by each provider adapter.
type Client interface {
	Analyze(ctx context.Context, req Request) (*Result, error)
}

// CallError is a classified analyzer failure.
type CallError struct {
	Code      taxonomy.Code
	Retriable bool
	Message   string
}

func (e *CallError) Error() string {
	return string(e.Code) + ": " + e.Message
}

// Taxonomy converts the call error to the shared terminal error type.
func (e *CallError) Taxonomy() *taxonomy.Error {
	return taxonomy.New(e.Code, e.Retriable, e.Message)
}

// callError builds a classified failure with a sanitized message.
func callError(code taxonomy.Code, retriable bool, format string, args ...any) *CallError {
	return &CallError{
		Code:      code,
		Retriable: retriable,
		Message:   taxonomy.Sanitize(fmt.Sprintf(format, args...)),
	}
}

// classifyTransport maps a transport-level error (no HTTP response) to a
// call error. Context timeouts become llm_timeout; transient network errors
// become llm_transient; everything else is fatal.
func classifyTransport(err error) *CallError {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded),
		errors.As(err, &netErr) && netErr.Timeout():
		return callError(taxonomy.CodeLLMTimeout, true, "analyzer call timed out: %v", err)
	case taxonomy.TransientNetErr(err):
		return callError(taxonomy.CodeLLMTransient, true, "analyzer call failed: %v", err)
	default:
		return callError(taxonomy.CodeLLMCallFailed, false, "analyzer call failed: %v", err)
	}
}

// classifyStatus maps an HTTP status from the provider to a call error.
func classifyStatus(status int, detail string) *CallError {
	switch {
	case status == 429:
		return callError(taxonomy.CodeLLMRateLimited, true, "analyzer rate limited: HTTP 429: %s", detail)
	case status >= 500:
		return callError(taxonomy.CodeLLMTransient, true, "analyzer upstream error: HTTP %d: %s", status, detail)
	default:
		return callError(taxonomy.CodeLLMCallFailed, false, "analyzer rejected request: HTTP %d: %s", status, detail)
	}
}

// Config selects and parameterizes a provider.
type Config struct {
	Provider string
	Model    string
	APIKey   string

	// BaseURL overrides the OpenAI-compatible endpoint. Tests point this at
	// an httptest server.
	BaseURL string

	Timeout time.Duration

	// TestMode permits the fake provider. Production wiring leaves it false.
	TestMode bool
}

// New builds a provider client with the production guardrails applied:
// the fake provider is forbidden outside test mode and the openai provider
// requires an API key.
func New(ctx context.Context, cfg Config) (Client, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	switch cfg.Provider {
	case ProviderOpenAI:
		if cfg.APIKey == "" {
			return nil, errors.New("llm: provider openai requires an API key")
		}
		return newOpenAI(cfg), nil
	case ProviderBedrock:
		return newBedrock(ctx, cfg)
	case ProviderFake:
		if !cfg.TestMode {
			return nil, errors.New("llm: provider fake is forbidden outside test mode")
		}
		return NewFake(), nil
	default:
		return nil, fmt.Errorf("llm: unknown provider %q", cfg.Provider)
	}
}

// systemPrompt instructs the model to emit report JSON for the given
// prompt/schema version pair.
func systemPrompt(promptVersion, schemaVersion string) string {
	return fmt.Sprintf(`You are a meeting transcript analyst (prompt %s).
You receive the full text of one transcript and must produce a report.

Return ONLY valid JSON matching report schema %s, no markdown fences, no commentary:
{"summary":"<one-paragraph summary>","items":[{"label":"<decision|action|risk|topic>","detail":"<description>","severity":"<info|low|medium|high>"}]}

Optionally include "participants" (array of speaker names) and "language"
(BCP-47 tag). Report ALL decisions and action items, not just the first one.
If the transcript contains nothing actionable, return {"summary":"<summary>","items":[]}.`,
		promptVersion, schemaVersion)
}

// cleanJSON strips markdown fences and surrounding whitespace from model
// output before decoding.
func cleanJSON(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// decodeResult parses raw model output into a Result. Unparseable output is
// a fatal call failure: without parsed JSON there is nothing to validate or
// retry.
func decodeResult(provider, model string, req Request, raw string) (*Result, error) {
	cleaned := cleanJSON(raw)
	var parsed any
	if err := json.Unmarshal([]byte(cleaned), &parsed); err != nil {
		return nil, callError(taxonomy.CodeLLMCallFailed, false,
			"analyzer returned non-JSON output: %v", err)
	}
	return &Result{
		Provider:      provider,
		Model:         model,
		PromptVersion: req.PromptVersion,
		SchemaVersion: req.SchemaVersion,
		RawText:       raw,
		Parsed:        parsed,
	}, nil
}
