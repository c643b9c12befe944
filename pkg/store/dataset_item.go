package store

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/promptforge/evalengine/pkg/models"
)

func scanDatasetItem(row pgx.Row) (models.DatasetItem, error) {
	var d models.DatasetItem
	var variables []byte
	err := row.Scan(&d.ID, &d.DatasetID, &variables, &d.ExpectedOutput, &d.Enabled)
	if err != nil {
		return models.DatasetItem{}, err
	}
	if err := unmarshalJSONInto(variables, &d.Variables); err != nil {
		return models.DatasetItem{}, err
	}
	return d, nil
}

func getDatasetItem(ctx context.Context, db querier, id int64) (models.DatasetItem, error) {
	row := db.QueryRow(ctx,
		`SELECT id, dataset_id, variables, expected_output, enabled FROM dataset_items WHERE id = $1`, id)
	d, err := scanDatasetItem(row)
	if err != nil {
		return models.DatasetItem{}, wrapNotFound("dataset_item", id, err)
	}
	return d, nil
}

// ListDatasetItems returns every enabled item of dataset by default, or
// every item (enabled and disabled) when includeDisabled is set — used by
// a staging Result mutation that re-selects dataset items after a dataset
// edit.
func listDatasetItems(ctx context.Context, db querier, datasetID int64, includeDisabled bool) ([]models.DatasetItem, error) {
	query := `SELECT id, dataset_id, variables, expected_output, enabled FROM dataset_items WHERE dataset_id = $1`
	if !includeDisabled {
		query += ` AND enabled = true`
	}
	query += ` ORDER BY id ASC`

	rows, err := db.Query(ctx, query, datasetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.DatasetItem
	for rows.Next() {
		d, err := scanDatasetItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// GetDatasetItem loads a dataset item by ID.
func (s *Store) GetDatasetItem(ctx context.Context, id int64) (models.DatasetItem, error) {
	return getDatasetItem(ctx, s.db(), id)
}

// ListDatasetItems returns dataset items, optionally including disabled ones.
func (s *Store) ListDatasetItems(ctx context.Context, datasetID int64, includeDisabled bool) ([]models.DatasetItem, error) {
	return listDatasetItems(ctx, s.db(), datasetID, includeDisabled)
}
