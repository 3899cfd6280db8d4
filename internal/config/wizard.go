package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/manifoldco/promptui"
)

// RunWizard runs an interactive configuration wizard and returns the
// resulting Config. It also saves the config to .clarify.yml.
func RunWizard() (*Config, error) {
	fmt.Println("Welcome to clarify! Let's configure the clarification engine.")
	fmt.Println()

	// 1. Provider selection.
	providerPrompt := promptui.Select{
		Label: "Select LLM provider (question wording)",
		Items: []string{"openai", "ollama"},
	}
	_, providerStr, err := providerPrompt.Run()
	if err != nil {
		return nil, fmt.Errorf("provider selection: %w", err)
	}
	provider := ProviderType(providerStr)

	// 2. Quality tier.
	qualityPrompt := promptui.Select{
		Label: "Select quality tier",
		Items: []string{
			"lite   — fast & cheap (gpt-4o-mini / llama3)",
			"normal — balanced (gpt-4o / llama3)",
			"max    — highest quality (gpt-4 / llama3:70b)",
		},
	}
	qualityIdx, _, err := qualityPrompt.Run()
	if err != nil {
		return nil, fmt.Errorf("quality selection: %w", err)
	}
	tiers := []QualityTier{QualityLite, QualityNormal, QualityMax}
	quality := tiers[qualityIdx]

	preset := GetPreset(provider, quality)

	// 3. Data directory.
	dataPrompt := promptui.Prompt{
		Label:   "Data directory (sessions database and answer cache)",
		Default: ".clarify",
	}
	dataDir, err := dataPrompt.Run()
	if err != nil {
		return nil, fmt.Errorf("data dir: %w", err)
	}

	// 4. Proceed threshold.
	thresholdPrompt := promptui.Prompt{
		Label:   "Confidence threshold to resolve a session",
		Default: "0.85",
		Validate: func(s string) error {
			v, err := strconv.ParseFloat(s, 64)
			if err != nil || v <= 0 || v > 1 {
				return fmt.Errorf("must be a number in (0,1]")
			}
			return nil
		},
	}
	thresholdStr, err := thresholdPrompt.Run()
	if err != nil {
		return nil, fmt.Errorf("proceed threshold: %w", err)
	}
	threshold, _ := strconv.ParseFloat(thresholdStr, 64)

	// 5. Max clarification rounds.
	roundsPrompt := promptui.Prompt{
		Label:   "Maximum clarification rounds before escalation",
		Default: "3",
		Validate: func(s string) error {
			n, err := strconv.Atoi(s)
			if err != nil || n < 1 {
				return fmt.Errorf("must be a positive integer")
			}
			return nil
		},
	}
	roundsStr, err := roundsPrompt.Run()
	if err != nil {
		return nil, fmt.Errorf("max rounds: %w", err)
	}
	maxRounds, _ := strconv.Atoi(roundsStr)

	// Build the config on top of defaults.
	cfg := DefaultConfig()
	cfg.Provider = provider
	cfg.Model = preset.Model
	cfg.EmbeddingProvider = embeddingProviderFor(provider)
	cfg.EmbeddingModel = preset.EmbeddingModel
	cfg.Quality = quality
	cfg.DataDir = dataDir
	cfg.Session.ProceedThreshold = threshold
	cfg.Session.MaxRounds = maxRounds

	// Check for API key.
	envVar := APIKeyEnvVar(provider)
	if envVar != "" {
		if os.Getenv(envVar) == "" {
			fmt.Printf("\nNote: Set %s in your environment before running clarify serve.\n", envVar)
		}
	}

	// Save to .clarify.yml.
	configPath := ".clarify.yml"
	if err := cfg.Save(configPath); err != nil {
		return nil, fmt.Errorf("saving config: %w", err)
	}

	fmt.Printf("\nConfiguration saved to %s\n", configPath)
	return cfg, nil
}

// embeddingProviderFor returns the default embedding provider for a given
// LLM provider.
func embeddingProviderFor(p ProviderType) ProviderType {
	if p == ProviderOllama {
		return ProviderOllama
	}
	return ProviderOpenAI
}
