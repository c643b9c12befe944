package store

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"github.com/promptforge/evalengine/pkg/models"
)

func createResult(ctx context.Context, db querier, r models.Result) (int64, error) {
	snapshot, err := marshalJSON(r.PromptVersionsSnapshot)
	if err != nil {
		return 0, err
	}
	var id int64
	err = db.QueryRow(ctx,
		`INSERT INTO results (pipeline_id, run_type, mode, status, total, prompt_versions_snapshot)
		 VALUES ($1, $2, $3, $4, $5, $6::jsonb) RETURNING id`,
		r.PipelineID, string(r.RunType), string(r.Mode), string(r.Status), r.Total, snapshot,
	).Scan(&id)
	if err != nil {
		return 0, err
	}
	return id, nil
}

func scanResult(row pgx.Row) (models.Result, error) {
	var r models.Result
	var runType, mode, status string
	var snapshot []byte
	err := row.Scan(&r.ID, &r.PipelineID, &runType, &mode, &status,
		&r.Total, &r.Passed, &r.Unpassed, &r.Failed, &snapshot, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return models.Result{}, err
	}
	r.RunType = models.RunType(runType)
	r.Mode = models.ExecutionMode(mode)
	r.Status = models.ResultStatus(status)
	if len(snapshot) > 0 {
		if err := json.Unmarshal(snapshot, &r.PromptVersionsSnapshot); err != nil {
			return models.Result{}, err
		}
	}
	return r, nil
}

const resultColumns = `id, pipeline_id, run_type, mode, status, total, passed, unpassed, failed,
	prompt_versions_snapshot, created_at, updated_at`

func getResult(ctx context.Context, db querier, id int64) (models.Result, error) {
	row := db.QueryRow(ctx, `SELECT `+resultColumns+` FROM results WHERE id = $1`, id)
	r, err := scanResult(row)
	if err != nil {
		return models.Result{}, wrapNotFound("result", id, err)
	}
	return r, nil
}

func updateResultStatus(ctx context.Context, db querier, id int64, status models.ResultStatus) error {
	_, err := db.Exec(ctx,
		`UPDATE results SET status = $2, updated_at = now() WHERE id = $1`, id, string(status))
	return err
}

// updateResultCounts recomputes total/passed/unpassed/failed from the
// Result's own RowTasks (row mode) or Cells (column mode).
func updateResultCounts(ctx context.Context, db querier, id int64, total, passed, unpassed, failed int) error {
	_, err := db.Exec(ctx,
		`UPDATE results SET total = $2, passed = $3, unpassed = $4, failed = $5, updated_at = now() WHERE id = $1`,
		id, total, passed, unpassed, failed)
	return err
}

// aggregateRowModeCounts derives Result counts from RowTasks' row_result.
func aggregateRowModeCounts(ctx context.Context, db querier, resultID int64) (total, passed, unpassed, failed int, err error) {
	err = db.QueryRow(ctx,
		`SELECT count(*),
			count(*) FILTER (WHERE row_result = 'passed'),
			count(*) FILTER (WHERE row_result = 'unpassed'),
			count(*) FILTER (WHERE row_result = 'failed')
		 FROM row_tasks WHERE result_id = $1`, resultID,
	).Scan(&total, &passed, &unpassed, &failed)
	return
}

// aggregateColumnModeCounts derives Result counts from the last column's
// Cells (the column whose boolean verdict gates pass/unpassed/failed).
func aggregateColumnModeCounts(ctx context.Context, db querier, resultID, lastColumnID int64) (total, passed, unpassed, failed int, err error) {
	err = db.QueryRow(ctx,
		`SELECT count(*),
			count(*) FILTER (WHERE status = 'completed' AND (value->>'value')::boolean IS TRUE),
			count(*) FILTER (WHERE status = 'completed' AND (value->>'value')::boolean IS FALSE),
			count(*) FILTER (WHERE status = 'failed')
		 FROM cells WHERE result_id = $1 AND column_id = $2`, resultID, lastColumnID,
	).Scan(&total, &passed, &unpassed, &failed)
	return
}

// CreateResult persists a new result row.
func (s *Store) CreateResult(ctx context.Context, r models.Result) (int64, error) {
	return createResult(ctx, s.db(), r)
}

// GetResult loads a result by ID.
func (s *Store) GetResult(ctx context.Context, id int64) (models.Result, error) {
	return getResult(ctx, s.db(), id)
}

// UpdateResultStatus transitions a result's status.
func (s *Store) UpdateResultStatus(ctx context.Context, id int64, status models.ResultStatus) error {
	return updateResultStatus(ctx, s.db(), id, status)
}

// RefreshRowModeCounts recomputes and persists a row-mode result's counts.
func (s *Store) RefreshRowModeCounts(ctx context.Context, resultID int64) error {
	total, passed, unpassed, failed, err := aggregateRowModeCounts(ctx, s.db(), resultID)
	if err != nil {
		return err
	}
	return updateResultCounts(ctx, s.db(), resultID, total, passed, unpassed, failed)
}

// RefreshColumnModeCounts recomputes and persists a column-mode result's
// counts from the pipeline's last (boolean) column.
func (s *Store) RefreshColumnModeCounts(ctx context.Context, resultID, lastColumnID int64) error {
	total, passed, unpassed, failed, err := aggregateColumnModeCounts(ctx, s.db(), resultID, lastColumnID)
	if err != nil {
		return err
	}
	return updateResultCounts(ctx, s.db(), resultID, total, passed, unpassed, failed)
}

// CreateResult on a TxStore, for composite creation flows that insert a
// Result alongside its RowTasks/Cells in one transaction.
func (t *TxStore) CreateResult(ctx context.Context, r models.Result) (int64, error) {
	return createResult(ctx, t.db(), r)
}
