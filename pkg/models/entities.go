// Package models defines the persistent entities of the evaluation engine
// as plain structs carrying foreign-key IDs. There is no lazy loading and
// no back-reference graph: relations are always fetched by an explicit
// pkg/store query keyed on the FK.
package models

import "time"

// ColumnType enumerates the supported column kinds.
type ColumnType string

const (
	ColumnDatasetVariable  ColumnType = "dataset_variable"
	ColumnHumanInput       ColumnType = "human_input"
	ColumnPromptTemplate   ColumnType = "prompt_template"
	ColumnExact            ColumnType = "exact"
	ColumnExactMulti       ColumnType = "exact_multi"
	ColumnContains         ColumnType = "contains"
	ColumnRegex            ColumnType = "regex"
	ColumnKeywords         ColumnType = "keywords"
	ColumnJSONStructure    ColumnType = "json_structure"
	ColumnNumericDistance  ColumnType = "numeric_distance"
	ColumnLLMAssertion     ColumnType = "llm_assertion"
	ColumnCosineSimilarity ColumnType = "cosine_similarity"
	ColumnJSONExtraction   ColumnType = "json_extraction"
	ColumnParseValue       ColumnType = "parse_value"
	ColumnStaticValue      ColumnType = "static_value"
	ColumnTypeValidation   ColumnType = "type_validation"
	ColumnCoalesce         ColumnType = "coalesce"
	ColumnCount            ColumnType = "count"
)

// BooleanColumnTypes produce a boolean verdict and are eligible to be the
// last column of a pipeline.
var BooleanColumnTypes = map[ColumnType]bool{
	ColumnExact:      true,
	ColumnExactMulti: true,
	ColumnContains:   true,
	ColumnRegex:      true,
}

// StaticColumnTypes never get a ColumnTask of their own: their cells are
// materialised directly at Result-creation time.
var StaticColumnTypes = map[ColumnType]bool{
	ColumnDatasetVariable: true,
	ColumnHumanInput:      true,
}

// Pipeline owns an ordered set of Columns over one Dataset.
type Pipeline struct {
	ID        int64
	ProjectID int64
	Name      string
	DatasetID int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Column is one typed step of a Pipeline.
type Column struct {
	ID         int64
	PipelineID int64
	Name       string
	Type       ColumnType
	Position   int
	// Config is the raw JSON document for this column's type-specific
	// configuration. Business code never consumes this field directly;
	// it always goes through ParseColumnConfig (pkg/models/column_config.go)
	// at the store boundary.
	Config    []byte
	CreatedAt time.Time
	UpdatedAt time.Time
}

// DatasetItem is one row of input variables plus an optional expected output.
type DatasetItem struct {
	ID             int64
	DatasetID      int64
	Variables      map[string]any
	ExpectedOutput *string
	Enabled        bool
}

// RunType enumerates the kinds of Result.
type RunType string

const (
	RunTypeStaging   RunType = "staging"
	RunTypeRelease   RunType = "release"
	RunTypeScheduled RunType = "scheduled"
)

// ResultStatus enumerates Result lifecycle states.
type ResultStatus string

const (
	ResultStatusNew       ResultStatus = "new"
	ResultStatusRunning   ResultStatus = "running"
	ResultStatusCompleted ResultStatus = "completed"
	ResultStatusFailed    ResultStatus = "failed"
)

// ExecutionMode selects column-wise or row-wise scheduling for a Result.
type ExecutionMode string

const (
	ModeColumn ExecutionMode = "column"
	ModeRow    ExecutionMode = "row"
)

// PromptVersionRef is one entry of a Result's prompt_versions_snapshot.
type PromptVersionRef struct {
	VersionID     int64 `json:"version_id"`
	VersionNumber int   `json:"version_number"`
}

// Result is a single execution of a Pipeline.
type Result struct {
	ID                     int64
	PipelineID             int64
	RunType                RunType
	Mode                   ExecutionMode
	Status                 ResultStatus
	Total                  int
	Passed                 int
	Unpassed               int
	Failed                 int
	PromptVersionsSnapshot map[string]PromptVersionRef // prompt_id (string) -> ref; immutable after creation
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// SuccessRate returns passed/total, or 0 when total is 0.
func (r *Result) SuccessRate() float64 {
	if r.Total == 0 {
		return 0
	}
	return float64(r.Passed) / float64(r.Total)
}

// CellStatus enumerates Cell lifecycle states.
type CellStatus string

const (
	CellStatusNew       CellStatus = "new"
	CellStatusPending   CellStatus = "pending"
	CellStatusRunning   CellStatus = "running"
	CellStatusCompleted CellStatus = "completed"
	CellStatusFailed    CellStatus = "failed"
)

// Cell is the output of one Column for one DatasetItem in one Result.
type Cell struct {
	ID            int64
	ResultID      int64
	DatasetItemID int64
	ColumnID      int64
	Status        CellStatus
	// Value holds {"value": <bool|string|json>} — the canonical cell payload.
	Value []byte
	// DisplayValue is a human-readable rendering of Value, stored separately
	// so business code never re-derives display formatting from raw Value.
	DisplayValue string
	ErrorMessage string
}

// TaskStatus enumerates ColumnTask lifecycle states.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusRetrying  TaskStatus = "retrying"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
	TaskStatusPaused    TaskStatus = "paused"
)

// ActiveTaskStatuses is the set against which the single-flight invariant on
// (result_id, column_id) is enforced.
var ActiveTaskStatuses = map[TaskStatus]bool{
	TaskStatusPending:  true,
	TaskStatusRunning:  true,
	TaskStatusRetrying: true,
}

// ColumnTask is a column-based-mode execution job.
type ColumnTask struct {
	ID             int64
	PipelineID     int64
	ResultID       int64
	ColumnID       int64
	Status         TaskStatus
	Priority       int
	RetriesDone    int
	RetriesMax     int
	TotalItems     int
	CompletedItems int
	FailedItems    int
	ErrorMessage   string
	StartedAt      *time.Time
	CompletedAt    *time.Time
	NextRetryAt    *time.Time
	// Config carries per-task overrides (e.g. max_concurrent_items_per_task).
	Config    []byte
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TaskItemStatus enumerates TaskItem lifecycle states.
type TaskItemStatus string

const (
	TaskItemStatusPending   TaskItemStatus = "pending"
	TaskItemStatusRunning   TaskItemStatus = "running"
	TaskItemStatusCompleted TaskItemStatus = "completed"
	TaskItemStatusFailed    TaskItemStatus = "failed"
)

// TaskItem is a Cell-scoped sub-job of a ColumnTask.
type TaskItem struct {
	ID              int64
	TaskID          int64
	CellID          int64
	DatasetItemID   int64
	Status          TaskItemStatus
	RetryCount      int
	InputData       []byte
	OutputData      []byte
	ErrorMessage    string
	ExecutionTimeMs int64
}

// RowTaskStatus enumerates RowTask lifecycle states.
type RowTaskStatus string

const (
	RowTaskStatusPending   RowTaskStatus = "pending"
	RowTaskStatusRunning   RowTaskStatus = "running"
	RowTaskStatusCompleted RowTaskStatus = "completed"
	RowTaskStatusFailed    RowTaskStatus = "failed"
)

// RowResult enumerates the per-row verdict.
type RowResult string

const (
	RowResultPassed   RowResult = "passed"
	RowResultUnpassed RowResult = "unpassed"
	RowResultFailed   RowResult = "failed"
)

// RowTask is a row-based-mode execution job: all Columns for one DatasetItem.
type RowTask struct {
	ID                    int64
	ResultID              int64
	DatasetItemID         int64
	Status                RowTaskStatus
	RowResult             *RowResult
	CurrentColumnPosition int
	ExecutionVariables    map[string]any
	ExecutionTimeMs       int64
	ErrorMessage          string
	StartedAt             *time.Time
	CompletedAt           *time.Time
}

// LogLevel enumerates TaskLog severities.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// TaskLog is an append-only log line scoped to a task (and optionally a
// single task item).
type TaskLog struct {
	ID         int64
	TaskID     int64
	TaskItemID *int64
	TraceID    string // uuid, correlates logs across a single task-item attempt
	Level      LogLevel
	Message    string
	Details    []byte
	Timestamp  time.Time
}

// Request is an audit row for one LLM invocation.
type Request struct {
	ID               int64
	IdempotencyKey   string // uuid, best-effort dedup key for audit writes
	ProjectID        int64
	UserID           *int64
	PromptID         *int64
	PromptVersionID  *int64
	Source           string
	Input            string
	VariablesValues  map[string]any
	Output           string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	ExecutionTimeMs  int64
	Cost             string
	Success          bool
	ErrorMessage     string
	CreatedAt        time.Time
}
