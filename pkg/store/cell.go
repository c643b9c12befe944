package store

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/promptforge/evalengine/pkg/models"
)

func createCell(ctx context.Context, db querier, c models.Cell) (int64, error) {
	var id int64
	err := db.QueryRow(ctx,
		`INSERT INTO cells (result_id, dataset_item_id, column_id, status)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (result_id, dataset_item_id, column_id) DO UPDATE SET status = cells.status
		 RETURNING id`,
		c.ResultID, c.DatasetItemID, c.ColumnID, string(orDefault(c.Status, models.CellStatusNew)),
	).Scan(&id)
	return id, err
}

func orDefault(s models.CellStatus, def models.CellStatus) models.CellStatus {
	if s == "" {
		return def
	}
	return s
}

func scanCell(row pgx.Row) (models.Cell, error) {
	var c models.Cell
	var status string
	err := row.Scan(&c.ID, &c.ResultID, &c.DatasetItemID, &c.ColumnID, &status, &c.Value, &c.DisplayValue, &c.ErrorMessage)
	c.Status = models.CellStatus(status)
	return c, err
}

const cellColumns = `id, result_id, dataset_item_id, column_id, status, value, display_value, error_message`

func getCell(ctx context.Context, db querier, id int64) (models.Cell, error) {
	row := db.QueryRow(ctx, `SELECT `+cellColumns+` FROM cells WHERE id = $1`, id)
	c, err := scanCell(row)
	if err != nil {
		return models.Cell{}, wrapNotFound("cell", id, err)
	}
	return c, nil
}

// listCellsForDatasetItemBeforePosition builds the previous_data context for
// a column executor: every Cell in this Result for the same dataset_item
// whose Column sits at a lower position, paired with the producing Column
// (for type dispatch).
func listCellsForDatasetItemBeforePosition(ctx context.Context, db querier, resultID, datasetItemID int64, position int) ([]models.Cell, []models.Column, error) {
	rows, err := db.Query(ctx,
		`SELECT c.id, c.result_id, c.dataset_item_id, c.column_id, c.status, c.value, c.display_value, c.error_message,
			col.id, col.pipeline_id, col.name, col.type, col.position, col.config, col.created_at, col.updated_at
		 FROM cells c
		 JOIN columns col ON col.id = c.column_id
		 WHERE c.result_id = $1 AND c.dataset_item_id = $2 AND col.position < $3
		 ORDER BY col.position ASC`,
		resultID, datasetItemID, position)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var cells []models.Cell
	var cols []models.Column
	for rows.Next() {
		var c models.Cell
		var col models.Column
		var cellStatus, colType string
		if err := rows.Scan(
			&c.ID, &c.ResultID, &c.DatasetItemID, &c.ColumnID, &cellStatus, &c.Value, &c.DisplayValue, &c.ErrorMessage,
			&col.ID, &col.PipelineID, &col.Name, &colType, &col.Position, &col.Config, &col.CreatedAt, &col.UpdatedAt,
		); err != nil {
			return nil, nil, err
		}
		c.Status = models.CellStatus(cellStatus)
		col.Type = models.ColumnType(colType)
		cells = append(cells, c)
		cols = append(cols, col)
	}
	return cells, cols, rows.Err()
}

func updateCell(ctx context.Context, db querier, id int64, status models.CellStatus, value []byte, displayValue, errMsg string) error {
	_, err := db.Exec(ctx,
		`UPDATE cells SET status = $2, value = $3::jsonb, display_value = $4, error_message = $5 WHERE id = $1`,
		id, string(status), nonEmptyJSONOrNull(value), displayValue, errMsg)
	return err
}

func nonEmptyJSONOrNull(value []byte) any {
	if len(value) == 0 {
		return nil
	}
	return value
}

// CreateCell inserts (or no-ops if already present) the Cell for a
// (result, dataset_item, column) triple.
func (s *Store) CreateCell(ctx context.Context, c models.Cell) (int64, error) {
	return createCell(ctx, s.db(), c)
}

// GetCell loads a cell by ID.
func (s *Store) GetCell(ctx context.Context, id int64) (models.Cell, error) {
	return getCell(ctx, s.db(), id)
}

// PreviousData returns the already-computed cells/columns for one
// (result, dataset_item) pair below a given column position, for predicates
// whose config references an earlier column's output.
func (s *Store) PreviousData(ctx context.Context, resultID, datasetItemID int64, position int) ([]models.Cell, []models.Column, error) {
	return listCellsForDatasetItemBeforePosition(ctx, s.db(), resultID, datasetItemID, position)
}

// UpdateCell writes a cell's terminal (or intermediate) state.
func (s *Store) UpdateCell(ctx context.Context, id int64, status models.CellStatus, value []byte, displayValue, errMsg string) error {
	return updateCell(ctx, s.db(), id, status, value, displayValue, errMsg)
}

// CreateCell on a TxStore, for composite Result-creation flows.
func (t *TxStore) CreateCell(ctx context.Context, c models.Cell) (int64, error) {
	return createCell(ctx, t.db(), c)
}
