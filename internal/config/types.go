package config

// QualityTier controls the model selection and trade-off between speed/cost and quality.
type QualityTier string

const (
	QualityLite   QualityTier = "lite"
	QualityNormal QualityTier = "normal"
	QualityMax    QualityTier = "max"
)

// ProviderType identifies an LLM or embedding provider.
type ProviderType string

const (
	ProviderOpenAI ProviderType = "openai"
	ProviderOllama ProviderType = "ollama"
)

// SessionConfig bounds the clarification state machine.
type SessionConfig struct {
	ProceedThreshold float64 `yaml:"proceed_threshold" koanf:"proceed_threshold"`
	MaxRounds        int     `yaml:"max_rounds" koanf:"max_rounds"`
	IdleTTLMinutes   int     `yaml:"idle_ttl_minutes" koanf:"idle_ttl_minutes"`
}

// CacheConfig controls the semantic answer-reuse cache.
type CacheConfig struct {
	Enabled             bool    `yaml:"enabled" koanf:"enabled"`
	SimilarityThreshold float64 `yaml:"similarity_threshold" koanf:"similarity_threshold"`
	DecayFactor         float64 `yaml:"decay_factor" koanf:"decay_factor"` // per day of record age
	MinWeight           float64 `yaml:"min_weight" koanf:"min_weight"`
	AutoApplyOptional   bool    `yaml:"auto_apply_optional" koanf:"auto_apply_optional"`
	MaxAgeDays          int     `yaml:"max_age_days" koanf:"max_age_days"`
}

// CalibrationConfig controls the feedback-driven weight adjustment loop.
type CalibrationConfig struct {
	WindowSize      int     `yaml:"window_size" koanf:"window_size"`
	MaxStep         float64 `yaml:"max_step" koanf:"max_step"`
	IntervalMinutes int     `yaml:"interval_minutes" koanf:"interval_minutes"`
}

// LLMConfig bounds calls to the external text-generation capability.
type LLMConfig struct {
	TimeoutSeconds    int `yaml:"timeout_seconds" koanf:"timeout_seconds"`
	Attempts          int `yaml:"attempts" koanf:"attempts"`
	RequestsPerMinute int `yaml:"requests_per_minute" koanf:"requests_per_minute"`
}

// Config is the top-level clarify configuration, corresponding to .clarify.yml.
type Config struct {
	Provider          ProviderType      `yaml:"provider" koanf:"provider"`
	Model             string            `yaml:"model" koanf:"model"`
	EmbeddingProvider ProviderType      `yaml:"embedding_provider" koanf:"embedding_provider"`
	EmbeddingModel    string            `yaml:"embedding_model" koanf:"embedding_model"`
	Quality           QualityTier       `yaml:"quality" koanf:"quality"`
	DataDir           string            `yaml:"data_dir" koanf:"data_dir"`
	Session           SessionConfig     `yaml:"session" koanf:"session"`
	Cache             CacheConfig       `yaml:"cache" koanf:"cache"`
	Calibration       CalibrationConfig `yaml:"calibration" koanf:"calibration"`
	LLM               LLMConfig         `yaml:"llm" koanf:"llm"`
}
