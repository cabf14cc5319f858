package main

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"

	"github.com/gonkalabs/gonka-guard/internal/config"
	"github.com/gonkalabs/gonka-guard/internal/guard"
	"github.com/gonkalabs/gonka-guard/internal/metrics"
	"github.com/gonkalabs/gonka-guard/internal/resilience"
	"github.com/gonkalabs/gonka-guard/internal/risk"
	"github.com/gonkalabs/gonka-guard/internal/sanitize"
	"github.com/gonkalabs/gonka-guard/internal/sanitize/llmclassifier"
	"github.com/gonkalabs/gonka-guard/internal/sanitize/ner"
	"github.com/gonkalabs/gonka-guard/internal/sanitize/profile"
	"github.com/gonkalabs/gonka-guard/internal/session"
	"github.com/gonkalabs/gonka-guard/internal/upstream"
)

// classifierTimeout bounds one call to the risk classifier sidecar.
const classifierTimeout = 10 * time.Second

type app struct {
	orch      *guard.Orchestrator
	store     *session.Store
	client    *upstream.Client // nil without GUARD_UPSTREAM_URL
	metrics   *metrics.Metrics
	gibberish bool
	injection bool
}

// guardFor returns a retry/breaker guard for one collaborator.
func guardFor(cfg *config.Cfg, service string) *resilience.Guard {
	retry := resilience.DefaultRetryConfig()
	retry.MaxTries = cfg.RetryMaxTries
	breaker := resilience.NewBreaker(resilience.BreakerConfig{
		FailureThreshold: cfg.BreakerFailures,
		ResetTimeout:     cfg.BreakerReset,
	})
	return resilience.NewGuard(service, retry, breaker)
}

func buildSanitizer(cfg *config.Cfg) (*sanitize.Sanitizer, error) {
	var deps profile.Deps
	if cfg.NER {
		nerGuard := guardFor(cfg, "ner")
		deps.NER = func(entities []string) sanitize.Detector {
			slog.Info("sanitize: NER layer enabled", "url", cfg.NERURL, "entities", entities)
			return ner.New(cfg.NERURL, entities, cfg.NERTimeout, nerGuard)
		}
	}
	if cfg.LLM {
		deps.LLM = llmclassifier.New(cfg.LLMURL, cfg.LLMModel, cfg.LLMAPIKey, 0, guardFor(cfg, "llm"))
		slog.Info("sanitize: LLM layer enabled", "url", cfg.LLMURL, "model", cfg.LLMModel)
	}

	detectors, err := profile.Build(cfg.Policy.Profile, deps)
	if err != nil {
		return nil, err
	}
	wl, err := sanitize.NewWhitelist(cfg.Policy.Whitelist)
	if err != nil {
		return nil, err
	}
	return sanitize.New(detectors, wl, cfg.Policy.SanitizeOptions())
}

func buildSegmenter(p config.Policy) (risk.Segmenter, error) {
	if p.Segmenter.Kind == config.SegmenterDelimiter {
		return risk.NewDelimiterSegmenter(p.Segmenter.Delimiter)
	}
	return risk.NewPunktSegmenter()
}

// buildRisk returns the configured risk paths. A path with nothing to score
// with is left nil, which disables it.
func buildRisk(cfg *config.Cfg) (*risk.GibberishAggregator, *risk.InjectionAggregator, error) {
	var markov *risk.MarkovScorer
	if cfg.MarkovAlphabet != "" {
		model, err := risk.LoadTransitionModel(cfg.MarkovAlphabet, cfg.MarkovMatrix)
		if err != nil {
			return nil, nil, err
		}
		markov = risk.NewMarkovScorer(model, cfg.Policy.Markov.Threshold)
	}

	var gib *risk.GibberishAggregator
	var gibClf risk.Classifier
	if cfg.GibberishModel != "" {
		gibClf = risk.NewHTTPClassifier(cfg.ClassifierURL, cfg.GibberishModel, classifierTimeout, guardFor(cfg, "gibberish-classifier"))
	}
	if gibClf != nil || markov != nil {
		var err error
		if gib, err = risk.NewGibberishAggregator(gibClf, markov, cfg.Policy.Gibberish); err != nil {
			return nil, nil, err
		}
	}

	var inj *risk.InjectionAggregator
	if cfg.InjectionModel != "" {
		clf := risk.NewHTTPClassifier(cfg.ClassifierURL, cfg.InjectionModel, classifierTimeout, guardFor(cfg, "injection-classifier"))
		var err error
		if inj, err = risk.NewInjectionAggregator(clf, cfg.Policy.Injection); err != nil {
			return nil, nil, err
		}
	}
	return gib, inj, nil
}

// buildRuntime wires every component from cfg. reg may be nil to use the
// default Prometheus registerer.
func buildRuntime(cfg *config.Cfg, reg prometheus.Registerer) (*app, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	san, err := buildSanitizer(cfg)
	if err != nil {
		return nil, err
	}
	gib, inj, err := buildRisk(cfg)
	if err != nil {
		return nil, err
	}
	var seg risk.Segmenter
	if gib != nil || inj != nil {
		if seg, err = buildSegmenter(cfg.Policy); err != nil {
			return nil, err
		}
	}

	m := metrics.New(reg)
	orch, err := guard.New(guard.Config{
		Sanitizer:      san,
		Segmenter:      seg,
		Gibberish:      gib,
		Injection:      inj,
		Metrics:        m,
		TracerProvider: otel.GetTracerProvider(),
	})
	if err != nil {
		return nil, err
	}

	rt := &app{
		orch:      orch,
		store:     session.NewStore(cfg.SessionTTL, m),
		metrics:   m,
		gibberish: gib != nil,
		injection: inj != nil,
	}
	if len(cfg.UpstreamURLs) > 0 {
		rt.client = upstream.New(cfg.UpstreamURLs, cfg.UpstreamAPIKey, 0)
	}
	return rt, nil
}
