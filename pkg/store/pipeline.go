package store

import (
	"context"

	"github.com/promptforge/evalengine/pkg/models"
)

func createPipeline(ctx context.Context, db querier, p models.Pipeline) (int64, error) {
	var id int64
	err := db.QueryRow(ctx,
		`INSERT INTO pipelines (project_id, name, dataset_id) VALUES ($1, $2, $3)
		 RETURNING id`,
		p.ProjectID, p.Name, p.DatasetID,
	).Scan(&id)
	if err != nil {
		return 0, wrapNotFound("pipeline", p.ProjectID, err)
	}
	return id, nil
}

func getPipeline(ctx context.Context, db querier, id int64) (models.Pipeline, error) {
	var p models.Pipeline
	err := db.QueryRow(ctx,
		`SELECT id, project_id, name, dataset_id, created_at, updated_at FROM pipelines WHERE id = $1`,
		id,
	).Scan(&p.ID, &p.ProjectID, &p.Name, &p.DatasetID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return models.Pipeline{}, wrapNotFound("pipeline", id, err)
	}
	return p, nil
}

// CreatePipeline persists a new pipeline.
func (s *Store) CreatePipeline(ctx context.Context, p models.Pipeline) (int64, error) {
	return createPipeline(ctx, s.db(), p)
}

// GetPipeline loads a pipeline by ID.
func (s *Store) GetPipeline(ctx context.Context, id int64) (models.Pipeline, error) {
	return getPipeline(ctx, s.db(), id)
}
