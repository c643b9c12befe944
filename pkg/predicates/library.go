package predicates

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/promptforge/evalengine/pkg/enginerr"
	"github.com/promptforge/evalengine/pkg/models"
	"github.com/promptforge/evalengine/pkg/ports"
)

// Library dispatches to the 15 evaluation strategies. Most strategies are
// pure functions of (config, variables); llm_assertion additionally needs
// an LLM transport and a feature-model resolver, so those are held here as
// constructor-injected dependencies rather than passed as free-function
// parameters.
type Library struct {
	LLM          ports.LLMInvoker
	FeatureModel ports.FeatureModelResolver
}

// NewLibrary builds a Library. llm and featureModel may be nil if the
// pipeline never uses an llm_assertion column; Evaluate returns a
// NonRetryableError in that case rather than panicking.
func NewLibrary(llm ports.LLMInvoker, featureModel ports.FeatureModelResolver) *Library {
	return &Library{LLM: llm, FeatureModel: featureModel}
}

// Evaluate dispatches cfg.Type to its strategy and returns a uniform
// Verdict.
func (l *Library) Evaluate(ctx context.Context, cfg *models.ParsedColumnConfig, variables map[string]any) (Verdict, error) {
	switch cfg.Type {
	case models.ColumnExact:
		return evalExact(cfg.Exact, variables), nil
	case models.ColumnExactMulti:
		return evalExactMulti(cfg.ExactMulti, variables), nil
	case models.ColumnContains:
		return evalContains(cfg.Contains, variables), nil
	case models.ColumnKeywords:
		return evalKeywords(cfg.Keywords, variables), nil
	case models.ColumnRegex:
		return evalRegex(cfg.Regex, variables), nil
	case models.ColumnJSONStructure:
		return evalJSONStructure(cfg.JSONStructure, variables), nil
	case models.ColumnNumericDistance:
		return evalNumericDistance(cfg.NumericDistance, variables), nil
	case models.ColumnTypeValidation:
		return evalTypeValidation(cfg.TypeValidation, variables), nil
	case models.ColumnJSONExtraction:
		return evalJSONExtraction(cfg.JSONExtraction, variables), nil
	case models.ColumnParseValue:
		return evalParseValue(cfg.ParseValue, variables), nil
	case models.ColumnStaticValue:
		return evalStaticValue(cfg.StaticValue), nil
	case models.ColumnCoalesce:
		return evalCoalesce(cfg.Coalesce, variables), nil
	case models.ColumnCount:
		return evalCount(cfg.Count, variables), nil
	case models.ColumnCosineSimilarity:
		return l.evalCosineSimilarity(cfg.CosineSimilarity, variables), nil
	case models.ColumnLLMAssertion:
		return l.evalLLMAssertion(ctx, cfg.LLMAssertion, variables)
	default:
		return Verdict{}, fmt.Errorf("predicates: unsupported strategy %q", cfg.Type)
	}
}

// ─── cosine_similarity ──────────────────────────────────────────────────
//
// No embeddings provider is wired into this engine, so this uses a lexical
// Jaccard-over-word-shingles proxy, clearly flagged via details.warning.

func shingles(s string) map[string]bool {
	words := strings.Fields(strings.ToLower(s))
	set := make(map[string]bool, len(words))
	for _, w := range words {
		set[w] = true
	}
	return set
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	inter := 0
	for w := range a {
		if b[w] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func (l *Library) evalCosineSimilarity(cfg *models.CosineSimilarityConfig, variables map[string]any) Verdict {
	d := newDetails("cosine_similarity")
	output, _ := lookup(variables, cfg.OutputColumn)
	expected, _ := lookup(variables, cfg.ExpectedColumn)
	d["output"] = output
	d["expected_output"] = expected
	d["warning"] = "embeddings unavailable: using lexical Jaccard proxy, not true cosine similarity"

	sim := jaccard(shingles(output), shingles(expected))
	threshold := cfg.Threshold
	if threshold == 0 {
		threshold = 0.7
	}
	passed := sim >= threshold
	d["similarity"] = sim
	d["threshold"] = threshold
	d["match"] = passed
	return Verdict{Passed: passed, Details: d}
}

// ─── llm_assertion ──────────────────────────────────────────────────────

const llmAssertionRubricTemplate = `You are grading whether an AI-generated output satisfies an assertion.

Assertion: %s

Output to grade:
%s

Respond with ONLY a JSON object of the exact shape:
{"passed": true or false, "explanation": "one or two sentences"}`

// llmAssertionVerdict is the JSON shape the rubric prompt asks for.
type llmAssertionVerdict struct {
	Passed      bool   `json:"passed"`
	Explanation string `json:"explanation"`
}

func (l *Library) evalLLMAssertion(ctx context.Context, cfg *models.LLMAssertionConfig, variables map[string]any) (Verdict, error) {
	d := newDetails("llm_assertion")
	output, _ := lookup(variables, cfg.OutputColumn)
	d["output"] = output
	d["assertion"] = cfg.Assertion

	if l.LLM == nil {
		return Verdict{}, enginerr.NewNonRetryable(fmt.Errorf("predicates: llm_assertion requires an LLMInvoker"))
	}

	provider, model := cfg.Provider, cfg.Model
	if model == "" {
		if l.FeatureModel == nil {
			return Verdict{}, enginerr.NewNonRetryable(fmt.Errorf("predicates: llm_assertion requires a FeatureModelResolver when model is unset"))
		}
		resolvedProvider, resolvedModel, err := l.FeatureModel.FeatureModelResolve(ctx, cfg.ProjectID, ports.FeatureKeyEvaluationLLM)
		if err != nil {
			return Verdict{}, fmt.Errorf("predicates: resolving feature model: %w", err)
		}
		if provider == "" {
			provider = resolvedProvider
		}
		model = resolvedModel
	}

	prompt := fmt.Sprintf(llmAssertionRubricTemplate, cfg.Assertion, output)
	text, _, _, _, err := l.LLM.Invoke(ctx, provider, model, []ports.Message{
		{Role: "user", Content: prompt},
	}, ports.InvokeParams{})
	if err != nil {
		return Verdict{}, err
	}

	verdict, parseErr := parseLLMAssertionResponse(text)
	if parseErr != nil {
		// Robust fallback: keyword heuristic over the raw response.
		passed := keywordHeuristicPass(text)
		d["parse_fallback"] = true
		d["raw_response"] = text
		d["match"] = passed
		return Verdict{Passed: passed, Details: d}, nil
	}
	d["explanation"] = verdict.Explanation
	d["match"] = verdict.Passed
	return Verdict{Passed: verdict.Passed, Details: d}, nil
}

// parseLLMAssertionResponse strips a fenced code block (```json ... ```) if
// present, then unmarshals the {passed, explanation} shape.
func parseLLMAssertionResponse(text string) (llmAssertionVerdict, error) {
	s := strings.TrimSpace(text)
	if strings.HasPrefix(s, "```") {
		lines := strings.Split(s, "\n")
		if len(lines) >= 2 {
			lines = lines[1:]
			if len(lines) > 0 && strings.HasPrefix(strings.TrimSpace(lines[len(lines)-1]), "```") {
				lines = lines[:len(lines)-1]
			}
			s = strings.Join(lines, "\n")
		}
	}
	var v llmAssertionVerdict
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return llmAssertionVerdict{}, err
	}
	return v, nil
}

var positiveKeywords = []string{"passed\": true", "pass", "yes", "satisfies", "correct", "true"}
var negativeKeywords = []string{"passed\": false", "fail", "no", "does not satisfy", "incorrect", "false"}

// keywordHeuristicPass is the last-resort fallback when the LLM's response
// doesn't parse as JSON at all: count polarity keywords and take the
// majority signal, biased toward "fail" on a tie (conservative).
func keywordHeuristicPass(text string) bool {
	lower := strings.ToLower(text)
	pos, neg := 0, 0
	for _, k := range positiveKeywords {
		if strings.Contains(lower, k) {
			pos++
		}
	}
	for _, k := range negativeKeywords {
		if strings.Contains(lower, k) {
			neg++
		}
	}
	return pos > neg
}
