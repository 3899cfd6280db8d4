package questions

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ziadkadry99/clarify/internal/ambiguity"
	"github.com/ziadkadry99/clarify/internal/llm"
)

// Rendered is the wording produced for one ambiguity.
type Rendered struct {
	Text     string   `json:"text"`
	Options  []string `json:"options"`
	Fallback bool     `json:"fallback,omitempty"`
}

// Renderer produces question wording for an ambiguity.
type Renderer interface {
	Render(ctx context.Context, originalQuery string, amb ambiguity.Ambiguity) (Rendered, error)
}

// Generator renders clarification questions through an LLM provider.
// Calls are bounded by a per-attempt timeout and a small retry budget; the
// session layer falls back to a template question when the budget is spent.
type Generator struct {
	provider llm.Provider
	model    string
	timeout  time.Duration
	attempts int
	backoff  time.Duration
}

// NewGenerator creates a question generator. attempts < 1 is treated as 1.
func NewGenerator(provider llm.Provider, model string, timeout time.Duration, attempts int) *Generator {
	if attempts < 1 {
		attempts = 1
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Generator{
		provider: provider,
		model:    model,
		timeout:  timeout,
		attempts: attempts,
		backoff:  500 * time.Millisecond,
	}
}

func (g *Generator) Render(ctx context.Context, originalQuery string, amb ambiguity.Ambiguity) (Rendered, error) {
	var lastErr error
	for attempt := 0; attempt < g.attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return Rendered{}, ctx.Err()
			case <-time.After(g.backoff):
			}
		}

		rendered, err := g.renderOnce(ctx, originalQuery, amb)
		if err == nil {
			return rendered, nil
		}
		lastErr = err
	}
	return Rendered{}, fmt.Errorf("rendering question for ambiguity %s: %w", amb.ID, lastErr)
}

func (g *Generator) renderOnce(ctx context.Context, originalQuery string, amb ambiguity.Ambiguity) (Rendered, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	resp, err := g.provider.Complete(ctx, llm.CompletionRequest{
		Model: g.model,
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: systemPrompt},
			{Role: llm.RoleUser, Content: buildRenderPrompt(originalQuery, amb)},
		},
		MaxTokens:   1024,
		Temperature: 0.3,
		JSONMode:    true,
	})
	if err != nil {
		return Rendered{}, fmt.Errorf("LLM completion: %w", err)
	}

	rendered, err := parseRenderResponse(resp.Content)
	if err != nil {
		return Rendered{}, err
	}
	if strings.TrimSpace(rendered.Text) == "" {
		return Rendered{}, fmt.Errorf("empty question text")
	}
	if len(rendered.Options) == 0 {
		rendered.Options = candidateLabels(amb)
	}
	return rendered, nil
}

// TemplateFallback builds a plain question directly from the candidate list.
// Used when the wording model is unavailable so a single failure never blocks
// the round.
func TemplateFallback(amb ambiguity.Ambiguity) Rendered {
	labels := candidateLabels(amb)

	var subject string
	switch amb.Kind {
	case ambiguity.KindEntity:
		subject = "device or entity"
	case ambiguity.KindAction:
		subject = "action"
	case ambiguity.KindParameter:
		subject = "value"
	default:
		subject = "scope"
	}

	return Rendered{
		Text:     fmt.Sprintf("Which %s did you mean: %s?", subject, strings.Join(labels, ", ")),
		Options:  labels,
		Fallback: true,
	}
}

func candidateLabels(amb ambiguity.Ambiguity) []string {
	labels := make([]string, 0, len(amb.Candidates))
	for _, c := range amb.Candidates {
		label := c.Label
		if label == "" {
			label = c.EntityID
		}
		labels = append(labels, label)
	}
	return labels
}

const systemPrompt = `You are a clarification question writer for a smart-home automation assistant. The user made an automation request that contains an ambiguous reference. Write ONE short, friendly question that helps the user pick the intended interpretation.

You MUST respond with valid JSON matching this schema:
{
  "question": "the question text, one sentence",
  "options": ["one option per candidate, in the given order"]
}

Rules:
- Quote the ambiguous words from the original request in the question
- Offer exactly the provided candidates as options, phrased for a non-technical user
- Never invent candidates that were not provided
- Keep the question under 25 words`

func buildRenderPrompt(originalQuery string, amb ambiguity.Ambiguity) string {
	var b strings.Builder

	fmt.Fprintf(&b, "## Original Request\n%s\n", originalQuery)
	fmt.Fprintf(&b, "\n## Ambiguity\nkind: %s\nseverity: %s\n", amb.Kind, amb.Severity)
	b.WriteString("\n## Candidates\n")
	for _, c := range amb.Candidates {
		fmt.Fprintf(&b, "- %s (%s)\n", c.Label, c.EntityID)
	}
	b.WriteString("\nWrite the clarification question.")

	return b.String()
}

func parseRenderResponse(content string) (Rendered, error) {
	// The response may be wrapped in markdown code fences; extract the JSON body.
	jsonStr := content
	if idx := strings.Index(content, "{"); idx >= 0 {
		jsonStr = content[idx:]
	}
	if idx := strings.LastIndex(jsonStr, "}"); idx >= 0 {
		jsonStr = jsonStr[:idx+1]
	}

	var parsed struct {
		Question string   `json:"question"`
		Options  []string `json:"options"`
	}
	if err := json.Unmarshal([]byte(jsonStr), &parsed); err != nil {
		return Rendered{}, fmt.Errorf("parsing wording response: %w", err)
	}

	return Rendered{Text: parsed.Question, Options: parsed.Options}, nil
}
