package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/ziadkadry99/clarify/internal/answercache"
	"github.com/ziadkadry99/clarify/internal/calibration"
	"github.com/ziadkadry99/clarify/internal/config"
	"github.com/ziadkadry99/clarify/internal/db"
	"github.com/ziadkadry99/clarify/internal/embeddings"
	"github.com/ziadkadry99/clarify/internal/llm"
	"github.com/ziadkadry99/clarify/internal/questions"
	"github.com/ziadkadry99/clarify/internal/session"
)

// loadConfig loads and validates the config, providing a user-friendly error.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w\nRun `clarify init` to create a config file", err)
	}
	return cfg, nil
}

// createEmbedderFromConfig creates an embeddings.Embedder based on config.
func createEmbedderFromConfig(cfg *config.Config) (embeddings.Embedder, error) {
	provider := cfg.EmbeddingProvider
	if provider == "" {
		provider = cfg.Provider
	}
	model := cfg.EmbeddingModel
	if model == "" {
		preset := config.GetPreset(provider, cfg.Quality)
		model = preset.EmbeddingModel
	}

	switch provider {
	case config.ProviderOpenAI:
		apiKey := os.Getenv(config.APIKeyEnvVar(config.ProviderOpenAI))
		if apiKey == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY environment variable is required for OpenAI embeddings")
		}
		return embeddings.NewOpenAIEmbedder(apiKey, embeddings.OpenAIModel(model)), nil
	case config.ProviderOllama:
		return embeddings.NewOllamaEmbedder(model, 768, ""), nil
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s", provider)
	}
}

// createLLMProviderFromConfig creates a rate-limited LLM provider based on
// config settings.
func createLLMProviderFromConfig(cfg *config.Config) (llm.Provider, error) {
	provider, err := llm.NewProvider(string(cfg.Provider), cfg.Model)
	if err != nil {
		return nil, err
	}
	if cfg.LLM.RequestsPerMinute > 0 {
		provider = llm.NewRateLimitedProvider(provider, cfg.LLM.RequestsPerMinute)
	}
	return provider, nil
}

// stack holds the wired dependencies shared by serve, mcp and recalibrate.
type stack struct {
	cfg    *config.Config
	db     *db.DB
	cache  *answercache.Store // nil when the cache is disabled
	calib  *calibration.Store
	engine *session.Engine
	hub    *session.Hub
}

// buildStack opens the database and wires the session engine with its
// dependencies. The answer cache degrades to disabled when no embedder can
// be created; question rendering degrades to templates when no LLM provider
// is available.
func buildStack(ctx context.Context) (*stack, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	database, err := db.Open(cfg.DBPath())
	if err != nil {
		return nil, err
	}

	calib, err := calibration.NewStore(database, calibration.Config{
		WindowSize: cfg.Calibration.WindowSize,
		MaxStep:    cfg.Calibration.MaxStep,
	})
	if err != nil {
		database.Close()
		return nil, fmt.Errorf("creating calibration store: %w", err)
	}

	var cache *answercache.Store
	if cfg.Cache.Enabled {
		embedder, err := createEmbedderFromConfig(cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: answer cache disabled: %v\n", err)
		} else {
			cache, err = answercache.NewStore(database, embedder, answercache.Config{
				SimilarityThreshold: cfg.Cache.SimilarityThreshold,
				DecayFactor:         cfg.Cache.DecayFactor,
				MinWeight:           cfg.Cache.MinWeight,
			})
			if err != nil {
				database.Close()
				return nil, fmt.Errorf("creating answer cache: %w", err)
			}
			if err := cache.Load(ctx, cfg.DataDir); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: could not load answer cache from %s: %v\n", cfg.DataDir, err)
			}
		}
	}

	var renderer questions.Renderer
	provider, err := createLLMProviderFromConfig(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: question rendering degraded to templates: %v\n", err)
	} else {
		renderer = questions.NewGenerator(provider, cfg.Model,
			time.Duration(cfg.LLM.TimeoutSeconds)*time.Second, cfg.LLM.Attempts)
	}

	hub := session.NewHub()
	engine := session.NewEngine(session.NewStore(database), cache, calib, renderer, hub, session.Config{
		ProceedThreshold:  cfg.Session.ProceedThreshold,
		MaxRounds:         cfg.Session.MaxRounds,
		IdleTTL:           time.Duration(cfg.Session.IdleTTLMinutes) * time.Minute,
		AutoApplyOptional: cfg.Cache.AutoApplyOptional,
	})

	return &stack{cfg: cfg, db: database, cache: cache, calib: calib, engine: engine, hub: hub}, nil
}

// close persists the answer cache and closes the database.
func (s *stack) close(ctx context.Context) {
	if s.cache != nil {
		if err := s.cache.Persist(ctx, s.cfg.DataDir); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: persisting answer cache: %v\n", err)
		}
	}
	s.db.Close()
}
