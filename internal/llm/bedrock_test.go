package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/recapio/recap/internal/taxonomy"
)

// fakeConverse scripts the Converse call and records the deadline it saw.
type fakeConverse struct {
	text        string
	err         error
	block       bool
	hadDeadline bool
	deadlineIn  time.Duration
}

func (f *fakeConverse) Converse(ctx context.Context, in *bedrockruntime.ConverseInput, opts ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error) {
	if dl, ok := ctx.Deadline(); ok {
		f.hadDeadline = true
		f.deadlineIn = time.Until(dl)
	}
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	return &bedrockruntime.ConverseOutput{
		Output: &brtypes.ConverseOutputMemberMessage{
			Value: brtypes.Message{
				Role: brtypes.ConversationRoleAssistant,
				Content: []brtypes.ContentBlock{
					&brtypes.ContentBlockMemberText{Value: f.text},
				},
			},
		},
	}, nil
}

func TestBedrockAnalyzeParsesOutput(t *testing.T) {
	api := &fakeConverse{text: `{"summary":"ok","items":[]}`}
	client := newBedrockWithAPI(api, "anthropic.claude-3", 5*time.Second)

	res, err := client.Analyze(context.Background(), activeRequest())
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if res.Provider != ProviderBedrock || res.Model != "anthropic.claude-3" {
		t.Errorf("identity = %s/%s", res.Provider, res.Model)
	}
	parsed, ok := res.Parsed.(map[string]any)
	if !ok || parsed["summary"] != "ok" {
		t.Errorf("Parsed = %v", res.Parsed)
	}
}

func TestBedrockAnalyzeBoundsTheCall(t *testing.T) {
	api := &fakeConverse{text: `{"summary":"ok","items":[]}`}
	client := newBedrockWithAPI(api, "m", 5*time.Second)

	if _, err := client.Analyze(context.Background(), activeRequest()); err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if !api.hadDeadline {
		t.Fatal("Converse saw no deadline; a hung call would block the slot forever")
	}
	if api.deadlineIn > 5*time.Second {
		t.Errorf("deadline %v from now, want <= 5s", api.deadlineIn)
	}
}

func TestBedrockAnalyzeDefaultsTimeout(t *testing.T) {
	api := &fakeConverse{text: `{"summary":"ok","items":[]}`}
	client := newBedrockWithAPI(api, "m", 0)

	if _, err := client.Analyze(context.Background(), activeRequest()); err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if !api.hadDeadline {
		t.Error("zero config timeout should fall back to the default, not run unbounded")
	}
}

func TestBedrockAnalyzeHungCallTimesOut(t *testing.T) {
	api := &fakeConverse{block: true}
	client := newBedrockWithAPI(api, "m", 20*time.Millisecond)

	_, err := client.Analyze(context.Background(), activeRequest())
	var ce *CallError
	if !errors.As(err, &ce) {
		t.Fatalf("want *CallError, got %v", err)
	}
	if ce.Code != taxonomy.CodeLLMTimeout || !ce.Retriable {
		t.Errorf("got (%s, retriable=%v), want (llm_timeout, true)", ce.Code, ce.Retriable)
	}
}

func TestBedrockClassification(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		wantCode      taxonomy.Code
		wantRetriable bool
	}{
		{"throttled", &brtypes.ThrottlingException{Message: aws.String("slow down")}, taxonomy.CodeLLMRateLimited, true},
		{"model timeout", &brtypes.ModelTimeoutException{Message: aws.String("model stalled")}, taxonomy.CodeLLMTimeout, true},
		{"unavailable", &brtypes.ServiceUnavailableException{Message: aws.String("down")}, taxonomy.CodeLLMTransient, true},
		{"internal", &brtypes.InternalServerException{Message: aws.String("oops")}, taxonomy.CodeLLMTransient, true},
		{"validation", &brtypes.ValidationException{Message: aws.String("bad input")}, taxonomy.CodeLLMCallFailed, false},
	}
	for _, tt := range tests {
		api := &fakeConverse{err: tt.err}
		client := newBedrockWithAPI(api, "m", 5*time.Second)

		_, err := client.Analyze(context.Background(), activeRequest())
		var ce *CallError
		if !errors.As(err, &ce) {
			t.Fatalf("%s: want *CallError, got %v", tt.name, err)
		}
		if ce.Code != tt.wantCode || ce.Retriable != tt.wantRetriable {
			t.Errorf("%s: got (%s, retriable=%v), want (%s, %v)",
				tt.name, ce.Code, ce.Retriable, tt.wantCode, tt.wantRetriable)
		}
	}
}
