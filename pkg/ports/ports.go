// Package ports declares the capabilities the evaluation engine consumes
// from the rest of the system. The engine never calls an HTTP client, a
// template renderer, or a provider SDK directly — it only depends on these
// interfaces, satisfied by constructor injection.
package ports

import "context"

// Message is one entry of a chat-shaped LLM request.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// InvokeParams carries model parameters merged from the prompt version's
// defaults and any caller override.
type InvokeParams struct {
	Temperature *float64       `json:"temperature,omitempty"`
	MaxTokens   *int           `json:"max_tokens,omitempty"`
	Extra       map[string]any `json:"extra,omitempty"`
}

// TokenUsage reports token accounting for one LLM call.
type TokenUsage struct {
	Prompt     int
	Completion int
	Total      int
}

// LLMInvoker is the `LLMInvoke` consumed capability: it performs the actual
// HTTP call to a provider and is implemented entirely outside the core.
type LLMInvoker interface {
	Invoke(ctx context.Context, provider, model string, messages []Message, params InvokeParams) (text string, tokens TokenUsage, costStr string, latencyMs int64, err error)
}

// PromptVersion is what RenderPromptVersion resolves for a given prompt ID.
type PromptVersion struct {
	VersionID         int64
	VersionNumber     int
	Messages          []Message
	VariablesDeclared []string
	DefaultParams     InvokeParams
}

// PromptRenderer is the `RenderPromptVersion` consumed capability.
type PromptRenderer interface {
	RenderPromptVersion(ctx context.Context, promptID int64) (PromptVersion, error)
}

// FeatureModelResolver is the `FeatureModelResolve` consumed capability: it
// resolves a project-scoped feature key to the (provider, model) pair that
// should serve it, with these static defaults:
//
//	{translate, test_case_generator, prompt_optimizer, prompt_assistant_chat,
//	 evaluation_llm} → (openai, gpt-4.1)
//	prompt_assistant_mini → (openai, gpt-4.1-mini)
type FeatureModelResolver interface {
	FeatureModelResolve(ctx context.Context, projectID int64, featureKey string) (provider, model string, err error)
}

// FeatureKeyEvaluationLLM is the feature key llm_assertion resolves against
// when a column doesn't pin its own provider/model.
const FeatureKeyEvaluationLLM = "evaluation_llm"

// DefaultFeatureModelResolver implements FeatureModelResolver with a static
// defaults table, for engines that don't plug in a richer per-project
// resolver.
type DefaultFeatureModelResolver struct{}

var defaultFeatureModels = map[string][2]string{
	"translate":             {"openai", "gpt-4.1"},
	"test_case_generator":   {"openai", "gpt-4.1"},
	"prompt_optimizer":      {"openai", "gpt-4.1"},
	"prompt_assistant_chat": {"openai", "gpt-4.1"},
	"evaluation_llm":        {"openai", "gpt-4.1"},
	"prompt_assistant_mini": {"openai", "gpt-4.1-mini"},
}

// FeatureModelResolve implements FeatureModelResolver.
func (DefaultFeatureModelResolver) FeatureModelResolve(_ context.Context, _ int64, featureKey string) (string, string, error) {
	if pm, ok := defaultFeatureModels[featureKey]; ok {
		return pm[0], pm[1], nil
	}
	return "openai", "gpt-4.1", nil
}
