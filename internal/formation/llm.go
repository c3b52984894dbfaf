package formation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/fyrsmithlabs/reflexd/internal/config"
	"github.com/fyrsmithlabs/reflexd/internal/heuristic"
)

const extractionPrompt = `You generalize one assistant decision into a reusable rule.

Situation: %s
Reasoning: %s
Action taken: %s

Reply with a single JSON object and nothing else:
{"name": "<short-kebab-case-label>", "condition": "<general description of situations where this action applies>"}
The condition must describe the class of situations, not this specific one: drop exact numbers, times, and names.`

// LLMExtractor asks a language model to generalize the trace. The model only
// writes the name and condition text; the action is carried over verbatim
// and confidence is seeded by the former like any learned heuristic.
type LLMExtractor struct {
	llm   *openai.LLM
	model string
}

// NewLLMExtractor creates an extractor against an OpenAI-compatible endpoint.
func NewLLMExtractor(cfg config.FormationConfig, baseURL string, apiKey config.Secret) (*LLMExtractor, error) {
	token := apiKey.Value()
	if token == "" {
		// The client requires a token even for keyless local endpoints.
		token = "placeholder"
	}
	opts := []openai.Option{
		openai.WithModel(cfg.LLMModel),
		openai.WithToken(token),
	}
	if baseURL != "" {
		opts = append(opts, openai.WithBaseURL(baseURL))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("create llm client: %w", err)
	}
	return &LLMExtractor{llm: llm, model: cfg.LLMModel}, nil
}

type llmExtraction struct {
	Name      string `json:"name"`
	Condition string `json:"condition"`
}

func (e *LLMExtractor) Extract(ctx context.Context, trace Trace) (*heuristic.Heuristic, error) {
	if !trace.Succeeded {
		return nil, nil
	}
	if trace.Action == "" {
		return nil, fmt.Errorf("%w: no action", ErrMalformedTrace)
	}

	prompt := fmt.Sprintf(extractionPrompt, trace.EventText, trace.Reasoning, trace.Action)
	completion, err := llms.GenerateFromSinglePrompt(ctx, e.llm, prompt, llms.WithTemperature(0))
	if err != nil {
		return nil, fmt.Errorf("llm extraction: %w", err)
	}

	var out llmExtraction
	if err := json.Unmarshal([]byte(extractJSON(completion)), &out); err != nil {
		return nil, fmt.Errorf("%w: unparseable completion: %v", ErrMalformedTrace, err)
	}
	if out.Condition == "" {
		return nil, fmt.Errorf("%w: empty condition", ErrMalformedTrace)
	}
	if out.Name == "" {
		out.Name = deriveName(trace.Action, out.Condition)
	}

	h, err := heuristic.New(out.Name, out.Condition,
		heuristic.Effect{Action: trace.Action, Params: trace.Params}, heuristic.OriginLearned)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedTrace, err)
	}
	h.OriginID = trace.EventID
	return h, nil
}

// extractJSON trims prose or code fences the model may wrap around the
// object.
func extractJSON(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return s
	}
	return s[start : end+1]
}
