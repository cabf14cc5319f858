package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Cfg holds all runtime configuration loaded from environment variables.
type Cfg struct {
	// Logging
	LogLevel  slog.Level // LOG_LEVEL=debug|info|warn|error
	LogFormat string     // LOG_FORMAT=text|json

	// PolicyFile is the YAML detector and risk policy; empty means defaults.
	PolicyFile string
	Policy     Policy

	// NER sidecar layer
	NER        bool          // GUARD_NER=true enables the NER sidecar
	NERURL     string        // GUARD_NER_URL=http://guard-ner:8001
	NERTimeout time.Duration // GUARD_NER_TIMEOUT=10s

	// LLM secret classifier layer
	LLM       bool   // GUARD_LLM=true enables the LLM classifier
	LLMURL    string // GUARD_LLM_URL=http://ollama:11434
	LLMModel  string // GUARD_LLM_MODEL=qwen2.5:0.5b
	LLMAPIKey string // GUARD_LLM_API_KEY (optional)

	// Risk classifiers; an empty model name disables that path
	ClassifierURL  string // GUARD_CLASSIFIER_URL=http://guard-classifier:8002
	GibberishModel string // GUARD_GIBBERISH_MODEL
	InjectionModel string // GUARD_INJECTION_MODEL

	// Markov model files; both must be set to enable the Markov scorer
	MarkovAlphabet string // GUARD_MARKOV_ALPHABET=models/alphabet.yaml
	MarkovMatrix   string // GUARD_MARKOV_MATRIX=models/bigram.json

	// Upstream model for /v1/chat/completions; may list several, comma-separated
	UpstreamURLs   []string // GUARD_UPSTREAM_URL=http://vllm:8000/v1
	UpstreamAPIKey string   // GUARD_UPSTREAM_API_KEY

	SessionTTL time.Duration // GUARD_SESSION_TTL=30m

	// Collaborator resilience
	RetryMaxTries   uint          // GUARD_RETRY_MAX_TRIES=3
	BreakerFailures int           // GUARD_BREAKER_FAILURES=5
	BreakerReset    time.Duration // GUARD_BREAKER_RESET=30s

	// Server
	ListenAddr string // e.g. :8080
}

// Load reads .env (if present) then environment variables and returns Cfg.
// The policy file, when set, is loaded and validated as well.
func Load() (*Cfg, error) {
	// Best-effort: load .env from current directory
	_ = godotenv.Load()

	cfg := &Cfg{
		LogFormat:      strings.ToLower(env("LOG_FORMAT", "text")),
		PolicyFile:     env("GUARD_POLICY_FILE", ""),
		NER:            envBool("GUARD_NER"),
		NERURL:         strings.TrimRight(env("GUARD_NER_URL", "http://guard-ner:8001"), "/"),
		LLM:            envBool("GUARD_LLM"),
		LLMURL:         strings.TrimRight(env("GUARD_LLM_URL", "http://ollama:11434"), "/"),
		LLMModel:       env("GUARD_LLM_MODEL", "qwen2.5:0.5b"),
		LLMAPIKey:      env("GUARD_LLM_API_KEY", ""),
		ClassifierURL:  strings.TrimRight(env("GUARD_CLASSIFIER_URL", "http://guard-classifier:8002"), "/"),
		GibberishModel: env("GUARD_GIBBERISH_MODEL", ""),
		InjectionModel: env("GUARD_INJECTION_MODEL", ""),
		MarkovAlphabet: env("GUARD_MARKOV_ALPHABET", ""),
		MarkovMatrix:   env("GUARD_MARKOV_MATRIX", ""),
		UpstreamAPIKey: env("GUARD_UPSTREAM_API_KEY", ""),
		ListenAddr:     ":" + env("PORT", "8080"),
	}

	var err error
	if cfg.LogLevel, err = parseLevel(env("LOG_LEVEL", "info")); err != nil {
		return nil, err
	}
	if cfg.LogFormat != "text" && cfg.LogFormat != "json" {
		return nil, fmt.Errorf("LOG_FORMAT: must be text or json, got %q", cfg.LogFormat)
	}

	for _, u := range strings.Split(env("GUARD_UPSTREAM_URL", ""), ",") {
		if u = strings.TrimSpace(u); u != "" {
			cfg.UpstreamURLs = append(cfg.UpstreamURLs, u)
		}
	}

	if cfg.NERTimeout, err = envDuration("GUARD_NER_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.SessionTTL, err = envDuration("GUARD_SESSION_TTL", 30*time.Minute); err != nil {
		return nil, err
	}
	if cfg.BreakerReset, err = envDuration("GUARD_BREAKER_RESET", 30*time.Second); err != nil {
		return nil, err
	}
	tries, err := envInt("GUARD_RETRY_MAX_TRIES", 3)
	if err != nil {
		return nil, err
	}
	cfg.RetryMaxTries = uint(tries)
	if cfg.BreakerFailures, err = envInt("GUARD_BREAKER_FAILURES", 5); err != nil {
		return nil, err
	}

	if (cfg.MarkovAlphabet == "") != (cfg.MarkovMatrix == "") {
		return nil, fmt.Errorf("GUARD_MARKOV_ALPHABET and GUARD_MARKOV_MATRIX must be set together")
	}

	if cfg.PolicyFile != "" {
		if cfg.Policy, err = LoadPolicy(cfg.PolicyFile); err != nil {
			return nil, err
		}
	} else {
		cfg.Policy = DefaultPolicy()
	}
	return cfg, nil
}

func env(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envBool(key string) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	return raw == "1" || strings.EqualFold(raw, "true")
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%s: invalid duration %q", key, raw)
	}
	return d, nil
}

func envInt(key string, def int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("%s: must be a positive integer, got %q", key, raw)
	}
	return n, nil
}

func parseLevel(raw string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(raw)); err != nil {
		return 0, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	return l, nil
}
