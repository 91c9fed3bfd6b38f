// Package config loads service configuration from the environment, with an
// optional YAML file supplying defaults for keys the environment leaves
// unset. All missing required keys are reported together in one error so a
// botched deploy fails fast with the full list.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults.
const (
	DefaultHTTPAddr     = ":8080"
	DefaultLLMProvider  = "openai"
	DefaultLLMModel     = "gpt-5-mini"
	DefaultLLMTimeoutMS = 60000
	DefaultConcurrency  = 2
	DefaultPollMS       = 1000
)

// S3 holds object store settings. All fields are required.
type S3 struct {
	Endpoint        string
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
}

// LLM holds analyzer settings.
type LLM struct {
	Provider string
	Model    string
	APIKey   string
	Timeout  time.Duration

	// TestMode permits the fake provider; set via RECAP_TEST_MODE.
	TestMode bool
}

// Worker holds pool settings.
type Worker struct {
	ID           string
	Concurrency  int
	PollInterval time.Duration

	// LLMTimeout overrides the shared analyzer timeout for the worker.
	LLMTimeout time.Duration
}

// Inbox holds local ingestion settings; the watcher is off unless Dir is set.
type Inbox struct {
	Dir   string
	Owner string
}

// Config is the full service configuration.
type Config struct {
	DatabaseURL string
	HTTPAddr    string

	// EventsPath is the JSONL event file; empty discards events.
	EventsPath string

	S3     S3
	LLM    LLM
	Worker Worker
	Inbox  Inbox
}

// StatementTimeout derives the database statement timeout: always longer
// than the analyzer timeout so a finalize racing a slow call is not cut
// short.
func (c *Config) StatementTimeout() time.Duration {
	t := c.LLM.Timeout
	if c.Worker.LLMTimeout > t {
		t = c.Worker.LLMTimeout
	}
	return t + 5*time.Second
}

// source resolves keys env-first, falling back to the YAML file.
type source struct {
	file map[string]string

	missing []string
	invalid []string
}

func (s *source) get(key string) string {
	// An empty environment value counts as unset; the file may still fill it.
	if v := os.Getenv(key); v != "" {
		return v
	}
	return s.file[key]
}

func (s *source) require(key string) string {
	v := s.get(key)
	if v == "" {
		s.missing = append(s.missing, key)
	}
	return v
}

func (s *source) getDefault(key, def string) string {
	if v := s.get(key); v != "" {
		return v
	}
	return def
}

func (s *source) getInt(key string, def int) int {
	v := s.get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		s.invalid = append(s.invalid, key)
		return def
	}
	return n
}

func (s *source) getBool(key string) bool {
	v := strings.ToLower(s.get(key))
	return v == "1" || v == "true" || v == "yes"
}

// Load reads configuration. path names an optional YAML file holding a flat
// map of the same keys the environment uses; environment values win.
func Load(path string) (*Config, error) {
	src := &source{file: map[string]string{}}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &src.file); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg := &Config{
		DatabaseURL: src.require("DATABASE_URL"),
		HTTPAddr:    src.getDefault("HTTP_ADDR", DefaultHTTPAddr),
		EventsPath:  src.get("EVENTS_PATH"),
		S3: S3{
			Endpoint:        src.require("S3_ENDPOINT"),
			Region:          src.require("S3_REGION"),
			Bucket:          src.require("S3_BUCKET"),
			AccessKeyID:     src.require("S3_ACCESS_KEY_ID"),
			SecretAccessKey: src.require("S3_SECRET_ACCESS_KEY"),
		},
		LLM: LLM{
			Provider: src.getDefault("LLM_PROVIDER", DefaultLLMProvider),
			Model:    src.getDefault("LLM_MODEL", DefaultLLMModel),
			APIKey:   src.get("LLM_API_KEY"),
			Timeout:  time.Duration(src.getInt("LLM_TIMEOUT_MS", DefaultLLMTimeoutMS)) * time.Millisecond,
			TestMode: src.getBool("RECAP_TEST_MODE"),
		},
		Worker: Worker{
			ID:           src.get("WORKER_ID"),
			Concurrency:  src.getInt("WORKER_CONCURRENCY", DefaultConcurrency),
			PollInterval: time.Duration(src.getInt("WORKER_POLL_MS", DefaultPollMS)) * time.Millisecond,
		},
		Inbox: Inbox{
			Dir:   src.get("INBOX_DIR"),
			Owner: src.get("INBOX_OWNER"),
		},
	}

	if ms := src.getInt("WORKER_LLM_TIMEOUT_MS", 0); ms > 0 {
		cfg.Worker.LLMTimeout = time.Duration(ms) * time.Millisecond
	}
	if cfg.LLM.Provider == "openai" && cfg.LLM.APIKey == "" {
		src.missing = append(src.missing, "LLM_API_KEY")
	}
	if cfg.Inbox.Dir != "" && cfg.Inbox.Owner == "" {
		src.missing = append(src.missing, "INBOX_OWNER")
	}

	if len(src.missing) > 0 || len(src.invalid) > 0 {
		return nil, configError(src.missing, src.invalid)
	}
	return cfg, nil
}

// Missing returns the required keys absent from the environment (and the
// optional file). Used by the doctor command; never fails.
func Missing(path string) []string {
	_, err := Load(path)
	var ce *Error
	if errors.As(err, &ce) {
		return ce.MissingKeys
	}
	return nil
}

// Error reports every configuration problem at once.
type Error struct {
	MissingKeys []string
	InvalidKeys []string
}

func (e *Error) Error() string {
	var parts []string
	if len(e.MissingKeys) > 0 {
		parts = append(parts, "missing required keys: "+strings.Join(e.MissingKeys, ", "))
	}
	if len(e.InvalidKeys) > 0 {
		parts = append(parts, "invalid values for: "+strings.Join(e.InvalidKeys, ", "))
	}
	return "config: " + strings.Join(parts, "; ")
}

func configError(missing, invalid []string) error {
	sort.Strings(missing)
	sort.Strings(invalid)
	return &Error{MissingKeys: missing, InvalidKeys: invalid}
}
