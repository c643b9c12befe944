package store

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/promptforge/evalengine/pkg/models"
)

func configOrEmpty(raw []byte) []byte {
	if len(raw) == 0 {
		return []byte("{}")
	}
	return raw
}

func createColumn(ctx context.Context, db querier, c models.Column) (int64, error) {
	var id int64
	err := db.QueryRow(ctx,
		`INSERT INTO columns (pipeline_id, name, type, position, config)
		 VALUES ($1, $2, $3, $4, $5::jsonb) RETURNING id`,
		c.PipelineID, c.Name, string(c.Type), c.Position, configOrEmpty(c.Config),
	).Scan(&id)
	if err != nil {
		return 0, wrapNotFound("column", c.Name, err)
	}
	return id, nil
}

func scanColumn(row pgx.Row) (models.Column, error) {
	var c models.Column
	var typ string
	err := row.Scan(&c.ID, &c.PipelineID, &c.Name, &typ, &c.Position, &c.Config, &c.CreatedAt, &c.UpdatedAt)
	c.Type = models.ColumnType(typ)
	return c, err
}

func getColumn(ctx context.Context, db querier, id int64) (models.Column, error) {
	row := db.QueryRow(ctx,
		`SELECT id, pipeline_id, name, type, position, config, created_at, updated_at
		 FROM columns WHERE id = $1`, id)
	c, err := scanColumn(row)
	if err != nil {
		return models.Column{}, wrapNotFound("column", id, err)
	}
	return c, nil
}

func listColumnsByPipeline(ctx context.Context, db querier, pipelineID int64) ([]models.Column, error) {
	rows, err := db.Query(ctx,
		`SELECT id, pipeline_id, name, type, position, config, created_at, updated_at
		 FROM columns WHERE pipeline_id = $1 ORDER BY position ASC`, pipelineID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Column
	for rows.Next() {
		c, err := scanColumn(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CreateColumn persists a new column.
func (s *Store) CreateColumn(ctx context.Context, c models.Column) (int64, error) {
	return createColumn(ctx, s.db(), c)
}

// GetColumn loads a column by ID.
func (s *Store) GetColumn(ctx context.Context, id int64) (models.Column, error) {
	return getColumn(ctx, s.db(), id)
}

// ListColumnsByPipeline returns every column of a pipeline in position order.
func (s *Store) ListColumnsByPipeline(ctx context.Context, pipelineID int64) ([]models.Column, error) {
	return listColumnsByPipeline(ctx, s.db(), pipelineID)
}
