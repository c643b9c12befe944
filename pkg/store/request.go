package store

import (
	"context"

	"github.com/promptforge/evalengine/pkg/models"
)

// RecordRequest persists an audit Request row, satisfying
// pkg/promptinvoke.RequestRecorder. A duplicate idempotency_key is treated
// as already-recorded rather than an error.
func (s *Store) RecordRequest(ctx context.Context, r models.Request) error {
	variables, err := marshalJSON(r.VariablesValues)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO requests (idempotency_key, project_id, user_id, prompt_id, prompt_version_id, source,
			input, variables_values, output, prompt_tokens, completion_tokens, total_tokens,
			execution_time_ms, cost, success, error_message)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9, $10, $11, $12, $13, $14, $15, $16)
		 ON CONFLICT (idempotency_key) DO NOTHING`,
		r.IdempotencyKey, r.ProjectID, r.UserID, r.PromptID, r.PromptVersionID, r.Source,
		r.Input, variables, r.Output, r.PromptTokens, r.CompletionTokens, r.TotalTokens,
		r.ExecutionTimeMs, r.Cost, r.Success, r.ErrorMessage,
	)
	return err
}
