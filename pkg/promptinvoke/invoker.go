// Package promptinvoke implements the prompt-column invoker: render a prompt
// version, substitute row variables into its messages, call the LLM, and
// record a best-effort audit Request row.
package promptinvoke

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/promptforge/evalengine/pkg/enginerr"
	"github.com/promptforge/evalengine/pkg/models"
	"github.com/promptforge/evalengine/pkg/ports"
)

// RequestRecorder persists the audit trail of every prompt invocation. It is
// satisfied by pkg/store; the invoker never fails the caller when recording
// fails.
type RequestRecorder interface {
	RecordRequest(ctx context.Context, req models.Request) error
}

// Input is what the caller supplies to Invoke.
type Input struct {
	PromptID       int64
	UserID         *int64
	ProjectID      int64
	InputVariables map[string]any
	ModelOverride  string
	Source         string
}

// Output is the invoker's success shape.
type Output struct {
	Text    string
	Tokens  ports.TokenUsage
	Cost    string
	Latency time.Duration
}

// Invoker wires the prompt-column invoker's dependencies: a prompt renderer
// and an LLM transport, both consumed capabilities injected at construction.
type Invoker struct {
	Renderer ports.PromptRenderer
	LLM      ports.LLMInvoker
	Recorder RequestRecorder
	Logger   *slog.Logger
}

// New builds an Invoker. Recorder and Logger may be nil; a nil Recorder
// skips audit recording, a nil Logger uses slog.Default().
func New(renderer ports.PromptRenderer, llm ports.LLMInvoker, recorder RequestRecorder, logger *slog.Logger) *Invoker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Invoker{Renderer: renderer, LLM: llm, Recorder: recorder, Logger: logger}
}

var placeholderRE = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.]+)\s*\}\}`)

// substitute replaces every {{var}} occurrence in s with input[var]'s string
// form, leaving unresolved placeholders untouched.
func substitute(s string, input map[string]any) string {
	return placeholderRE.ReplaceAllStringFunc(s, func(m string) string {
		matches := placeholderRE.FindStringSubmatch(m)
		key := matches[1]
		v, ok := input[key]
		if !ok {
			return m
		}
		return fmt.Sprintf("%v", v)
	})
}

func mergeParams(base ports.InvokeParams, override string) ports.InvokeParams {
	if override == "" {
		return base
	}
	merged := base
	if merged.Extra == nil {
		merged.Extra = map[string]any{}
	} else {
		extra := make(map[string]any, len(merged.Extra))
		for k, v := range merged.Extra {
			extra[k] = v
		}
		merged.Extra = extra
	}
	merged.Extra["model_override"] = override
	return merged
}

// Invoke renders in.PromptID, substitutes in.InputVariables into its
// messages, calls the LLM, and best-effort records a Request audit row.
func (inv *Invoker) Invoke(ctx context.Context, provider string, in Input) (Output, error) {
	version, err := inv.Renderer.RenderPromptVersion(ctx, in.PromptID)
	if err != nil {
		return Output{}, classifyError(err)
	}

	messages := make([]ports.Message, len(version.Messages))
	for i, m := range version.Messages {
		messages[i] = ports.Message{Role: m.Role, Content: substitute(m.Content, in.InputVariables)}
	}

	params := mergeParams(version.DefaultParams, in.ModelOverride)
	model := in.ModelOverride
	if model == "" {
		model = modelFromVersion(version)
	}

	start := time.Now()
	text, tokens, cost, latencyMs, invokeErr := inv.LLM.Invoke(ctx, provider, model, messages, params)
	elapsed := time.Since(start)
	if latencyMs == 0 {
		latencyMs = elapsed.Milliseconds()
	}

	req := models.Request{
		IdempotencyKey:   uuid.NewString(),
		ProjectID:        in.ProjectID,
		UserID:           in.UserID,
		PromptID:         &in.PromptID,
		PromptVersionID:  &version.VersionID,
		Source:           in.Source,
		Input:            renderedInput(messages),
		VariablesValues:  in.InputVariables,
		Output:           text,
		PromptTokens:     tokens.Prompt,
		CompletionTokens: tokens.Completion,
		TotalTokens:      tokens.Total,
		ExecutionTimeMs:  latencyMs,
		Cost:             cost,
		Success:          invokeErr == nil,
		CreatedAt:        start,
	}
	if invokeErr != nil {
		req.ErrorMessage = invokeErr.Error()
	}
	inv.recordBestEffort(ctx, req)

	if invokeErr != nil {
		return Output{}, classifyError(invokeErr)
	}
	return Output{Text: text, Tokens: tokens, Cost: cost, Latency: elapsed}, nil
}

func (inv *Invoker) recordBestEffort(ctx context.Context, req models.Request) {
	if inv.Recorder == nil {
		return
	}
	if err := inv.Recorder.RecordRequest(ctx, req); err != nil {
		inv.Logger.Warn("promptinvoke: failed to record audit request", "error", err, "prompt_id", req.PromptID)
	}
}

func renderedInput(messages []ports.Message) string {
	var b strings.Builder
	for i, m := range messages {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(m.Content)
	}
	return b.String()
}

func modelFromVersion(v ports.PromptVersion) string {
	if v.DefaultParams.Extra != nil {
		if m, ok := v.DefaultParams.Extra["model"].(string); ok {
			return m
		}
	}
	return ""
}

// classifyError applies the invoker's default classification: transient
// network/timeout failures are retryable, everything else is not.
func classifyError(err error) error {
	if err == nil {
		return nil
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return enginerr.NewRetryable(err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return enginerr.NewRetryable(err)
	}
	var retryable *enginerr.RetryableError
	if errors.As(err, &retryable) {
		return err
	}
	var nonRetryable *enginerr.NonRetryableError
	if errors.As(err, &nonRetryable) {
		return err
	}
	return enginerr.NewNonRetryable(err)
}
