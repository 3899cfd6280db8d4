package config

// QualityPreset describes the models to use for a given quality tier.
type QualityPreset struct {
	Model          string
	EmbeddingModel string
}

// qualityPresets maps each provider+quality combination to its model choices.
var qualityPresets = map[ProviderType]map[QualityTier]QualityPreset{
	ProviderOpenAI: {
		QualityLite:   {Model: "gpt-4o-mini", EmbeddingModel: "text-embedding-3-small"},
		QualityNormal: {Model: "gpt-4o", EmbeddingModel: "text-embedding-3-small"},
		QualityMax:    {Model: "gpt-4", EmbeddingModel: "text-embedding-3-large"},
	},
	ProviderOllama: {
		QualityLite:   {Model: "llama3", EmbeddingModel: "nomic-embed-text"},
		QualityNormal: {Model: "llama3", EmbeddingModel: "nomic-embed-text"},
		QualityMax:    {Model: "llama3:70b", EmbeddingModel: "nomic-embed-text"},
	},
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Provider:          ProviderOpenAI,
		Model:             "gpt-4o-mini",
		EmbeddingProvider: ProviderOpenAI,
		EmbeddingModel:    "text-embedding-3-small",
		Quality:           QualityNormal,
		DataDir:           ".clarify",
		Session: SessionConfig{
			ProceedThreshold: 0.85,
			MaxRounds:        3,
			IdleTTLMinutes:   30,
		},
		Cache: CacheConfig{
			Enabled:             true,
			SimilarityThreshold: 0.75,
			DecayFactor:         0.98,
			MinWeight:           0.1,
			AutoApplyOptional:   true,
			MaxAgeDays:          120,
		},
		Calibration: CalibrationConfig{
			WindowSize:      200,
			MaxStep:         0.05,
			IntervalMinutes: 60,
		},
		LLM: LLMConfig{
			TimeoutSeconds:    30,
			Attempts:          2,
			RequestsPerMinute: 60,
		},
	}
}

// GetPreset returns the quality preset for the given provider and tier.
// Returns the normal OpenAI preset if the combination is not found.
func GetPreset(provider ProviderType, tier QualityTier) QualityPreset {
	if tiers, ok := qualityPresets[provider]; ok {
		if preset, ok := tiers[tier]; ok {
			return preset
		}
	}
	return qualityPresets[ProviderOpenAI][QualityNormal]
}
