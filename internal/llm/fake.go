package llm

import (
	"context"
	"encoding/json"
)

// defaultFakePayload matches report schema v1.
const defaultFakePayload = `{"summary":"ok","items":[]}`

// Fake is a deterministic in-process provider for tests and local
// development. It replays a fixed payload or a scripted error.
type Fake struct {
	Payload string
	Err     error

	// Calls counts Analyze invocations; handy for retry assertions.
	Calls int
}

// NewFake returns a fake that emits a minimal valid v1 report.
func NewFake() *Fake {
	return &Fake{Payload: defaultFakePayload}
}

func (f *Fake) Analyze(_ context.Context, req Request) (*Result, error) {
	f.Calls++
	if f.Err != nil {
		return nil, f.Err
	}

	var parsed any
	if err := json.Unmarshal([]byte(f.Payload), &parsed); err != nil {
		// A fake configured with broken JSON mimics a model emitting prose.
		return decodeResult(ProviderFake, "fake", req, f.Payload)
	}
	return &Result{
		Provider:      ProviderFake,
		Model:         "fake",
		PromptVersion: req.PromptVersion,
		SchemaVersion: req.SchemaVersion,
		RawText:       f.Payload,
		Parsed:        parsed,
	}, nil
}
