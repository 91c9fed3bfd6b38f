// Package reportschema validates LLM report payloads against versioned JSON
// Schemas. Validation output is bounded and sanitized: it is safe to persist
// in error columns and to log, and never echoes payload content beyond the
// failing instance paths.
package reportschema

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/recapio/recap/internal/taxonomy"
)

// Active versions accepted by the pipeline.
const (
	ActiveReportPromptVersion = "v1"
	ActiveReportSchemaVersion = "v1"
)

// maxErrors bounds the number of field errors reported per validation.
const maxErrors = 10

//go:embed schema_v1.json
var schemaV1 []byte

// schemaSources maps schema version to its source document.
var schemaSources = map[string][]byte{
	"v1": schemaV1,
}

// FieldError describes a single schema violation.
type FieldError struct {
	InstancePath string `json:"instance_path"`
	Keyword      string `json:"keyword"`
	Message      string `json:"message"`
}

// Result is the outcome of a validation run. When OK is false, Summary is a
// sanitized one-line description and Errors holds at most maxErrors entries.
type Result struct {
	OK      bool
	Summary string
	Errors  []FieldError
}

var (
	compileMu sync.Mutex
	compiled  = map[string]*jsonschema.Schema{}
)

// schemaFor returns the compiled schema for a version, compiling and caching
// it on first use.
func schemaFor(version string) (*jsonschema.Schema, error) {
	compileMu.Lock()
	defer compileMu.Unlock()

	if sch, ok := compiled[version]; ok {
		return sch, nil
	}
	src, ok := schemaSources[version]
	if !ok {
		return nil, fmt.Errorf("reportschema: unknown schema version %q", version)
	}

	name := "report_" + version + ".json"
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, bytes.NewReader(src)); err != nil {
		return nil, fmt.Errorf("reportschema: add resource: %w", err)
	}
	sch, err := compiler.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("reportschema: compile %s: %w", version, err)
	}
	compiled[version] = sch
	return sch, nil
}

// Validate checks a decoded JSON payload against the given schema version.
// The returned error is non-nil only for unknown versions or non-JSON input;
// schema violations come back as a Result with OK=false.
func Validate(payload any, version string) (*Result, error) {
	sch, err := schemaFor(version)
	if err != nil {
		return nil, err
	}

	if err := sch.Validate(payload); err != nil {
		var ve *jsonschema.ValidationError
		if ok := asValidationError(err, &ve); !ok {
			return nil, fmt.Errorf("reportschema: validate: %w", err)
		}
		return failureResult(ve), nil
	}
	return &Result{OK: true}, nil
}

// ValidateBytes decodes raw JSON and validates it.
func ValidateBytes(raw []byte, version string) (*Result, error) {
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("reportschema: decode payload: %w", err)
	}
	return Validate(payload, version)
}

func asValidationError(err error, target **jsonschema.ValidationError) bool {
	ve, ok := err.(*jsonschema.ValidationError)
	if ok {
		*target = ve
	}
	return ok
}

// failureResult flattens a validation error tree into a bounded Result.
func failureResult(ve *jsonschema.ValidationError) *Result {
	var fields []FieldError
	collectLeaves(ve, &fields)
	if len(fields) > maxErrors {
		fields = fields[:maxErrors]
	}

	summary := fmt.Sprintf("report payload failed schema validation (%d violations)", len(fields))
	return &Result{
		OK:      false,
		Summary: taxonomy.Sanitize(summary),
		Errors:  fields,
	}
}

// collectLeaves walks the cause tree depth-first collecting leaf violations.
func collectLeaves(ve *jsonschema.ValidationError, out *[]FieldError) {
	if len(ve.Causes) == 0 {
		*out = append(*out, FieldError{
			InstancePath: ve.InstanceLocation,
			Keyword:      ve.KeywordLocation,
			Message:      taxonomy.Sanitize(ve.Message),
		})
		return
	}
	for _, cause := range ve.Causes {
		if len(*out) >= maxErrors {
			return
		}
		collectLeaves(cause, out)
	}
}
