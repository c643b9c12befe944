package models

import (
	"encoding/json"
	"fmt"
)

// ParsedColumnConfig is the tagged-variant result of parsing a Column's raw
// JSON Config, produced by ParseColumnConfig where pkg/lifecycle,
// pkg/columnexec and pkg/rowexec load a Column. Business code (pkg/predicates,
// pkg/columnexec, pkg/rowexec) only ever sees these typed structs — never
// the untyped map that the wire format carries. At most one of the pointer
// fields is non-nil, matching Column.Type; dataset_variable and human_input
// columns leave all of them nil.
type ParsedColumnConfig struct {
	Type ColumnType

	Exact            *ExactConfig
	ExactMulti       *ExactMultiConfig
	Contains         *ContainsConfig
	Regex            *RegexConfig
	Keywords         *KeywordsConfig
	JSONStructure    *JSONStructureConfig
	NumericDistance  *NumericDistanceConfig
	LLMAssertion     *LLMAssertionConfig
	CosineSimilarity *CosineSimilarityConfig
	JSONExtraction   *JSONExtractionConfig
	ParseValue       *ParseValueConfig
	StaticValue      *StaticValueConfig
	TypeValidation   *TypeValidationConfig
	Coalesce         *CoalesceConfig
	Count            *CountConfig
	PromptTemplate   *PromptTemplateConfig
}

// ExactConfig is the config for the "exact" strategy.
type ExactConfig struct {
	ReferenceColumn  string `json:"reference_column"`
	ExpectedColumn   string `json:"expected_column"`
	IgnoreCase       bool   `json:"ignore_case"`
	IgnoreWhitespace bool   `json:"ignore_whitespace"`
}

// ExpectedValueType enumerates how exact_multi resolves one side of a pair.
type ExpectedValueType string

const (
	ExpectedFromColumn ExpectedValueType = "column"
	ExpectedFixedValue ExpectedValueType = "fixed_value"
)

// MatchPair is one entry of exact_multi's match_pairs list.
type MatchPair struct {
	InputColumn                string            `json:"input_column"`
	ExpectedValueType          ExpectedValueType `json:"expected_value_type"`
	ExpectedColumn             string            `json:"expected_column,omitempty"`
	FixedExpectedValue         string            `json:"fixed_expected_value,omitempty"`
	EnableInputJSONExtraction  bool              `json:"enable_input_json_extraction,omitempty"`
	InputJSONPath              string            `json:"input_json_path,omitempty"`
	EnableExpectedJSONExtraction bool            `json:"enable_expected_json_extraction,omitempty"`
	ExpectedJSONPath           string            `json:"expected_json_path,omitempty"`
}

// ExactMultiConfig is the config for the "exact_multi" strategy.
type ExactMultiConfig struct {
	MatchPairs []MatchPair `json:"match_pairs"`
	Options    []string    `json:"options"`
}

func (c *ExactMultiConfig) HasOption(name string) bool {
	for _, o := range c.Options {
		if o == name {
			return true
		}
	}
	return false
}

// ContainsConfig is the config for the "contains" strategy. OutputColumn
// names the haystack; ExpectedColumn names the needle.
type ContainsConfig struct {
	OutputColumn   string `json:"output_column"`
	ExpectedColumn string `json:"expected_column"`
	IgnoreCase     bool   `json:"ignore_case"`
}

// RegexConfig is the config for the "regex" strategy.
type RegexConfig struct {
	OutputColumn string `json:"output_column"`
	Pattern      string `json:"pattern"`
	IgnoreCase   bool   `json:"ignore_case"`
	Multiline    bool   `json:"multiline"`
	Dotall       bool   `json:"dotall"`
}

// KeywordsConfig is the config for the "keywords" strategy.
type KeywordsConfig struct {
	OutputColumn  string   `json:"output_column"`
	Keywords      []string `json:"keywords"`
	RequiredCount *int     `json:"required_count,omitempty"`
	IgnoreCase    bool     `json:"ignore_case"`
}

// JSONStructureConfig is the config for the "json_structure" strategy.
type JSONStructureConfig struct {
	OutputColumn   string   `json:"output_column"`
	ExpectedColumn string   `json:"expected_column,omitempty"`
	RequiredFields []string `json:"required_fields,omitempty"`
}

// NumericDistanceConfig is the config for the "numeric_distance" strategy.
type NumericDistanceConfig struct {
	OutputColumn        string  `json:"output_column"`
	ExpectedColumn      string  `json:"expected_column"`
	Threshold           float64 `json:"threshold"`
	PercentageThreshold bool    `json:"percentage_threshold"`
	PercentageValue     float64 `json:"percentage_value"`
}

// LLMAssertionConfig is the config for the "llm_assertion" strategy.
type LLMAssertionConfig struct {
	OutputColumn string `json:"output_column"`
	Assertion    string `json:"assertion"`
	ProjectID    int64  `json:"project_id"`
	Provider     string `json:"provider,omitempty"`
	Model        string `json:"model,omitempty"`
}

// CosineSimilarityConfig is the config for the "cosine_similarity" strategy.
type CosineSimilarityConfig struct {
	OutputColumn   string  `json:"output_column"`
	ExpectedColumn string  `json:"expected_column"`
	Threshold      float64 `json:"threshold"`
}

// JSONExtractionConfig is the config for the "json_extraction" strategy.
type JSONExtractionConfig struct {
	OutputColumn   string `json:"output_column"`
	ExpectedColumn string `json:"expected_column,omitempty"`
	JSONPath       string `json:"json_path"`
}

// ValidationType enumerates the type_validation kinds.
type ValidationType string

const (
	ValidationJSON   ValidationType = "json"
	ValidationNumber ValidationType = "number"
	ValidationSQL    ValidationType = "sql"
)

// TargetType enumerates the parse_value target kinds.
type TargetType string

const (
	TargetNumber  TargetType = "number"
	TargetBoolean TargetType = "boolean"
	TargetJSON    TargetType = "json"
	TargetString  TargetType = "string"
)

// ParseValueConfig is the config for the "parse_value" strategy.
type ParseValueConfig struct {
	OutputColumn   string     `json:"output_column"`
	ExpectedColumn string     `json:"expected_column,omitempty"`
	TargetType     TargetType `json:"target_type"`
}

// StaticValueConfig is the config for the "static_value" strategy.
type StaticValueConfig struct {
	StaticValue any `json:"static_value"`
}

// TypeValidationConfig is the config for the "type_validation" strategy.
type TypeValidationConfig struct {
	OutputColumn   string         `json:"output_column"`
	ValidationType ValidationType `json:"validation_type"`
}

// CoalesceConfig is the config for the "coalesce" strategy.
type CoalesceConfig struct {
	OutputColumn   string   `json:"output_column,omitempty"`
	ExpectedColumn string   `json:"expected_column,omitempty"`
	Values         []string `json:"values,omitempty"`
}

// CountType enumerates the count strategy's unit.
type CountType string

const (
	CountCharacters CountType = "characters"
	CountWords      CountType = "words"
	CountParagraphs CountType = "paragraphs"
)

// CountConfig is the config for the "count" strategy.
type CountConfig struct {
	OutputColumn   string    `json:"output_column"`
	ExpectedColumn string    `json:"expected_column,omitempty"`
	CountType      CountType `json:"count_type"`
}

// PromptTemplateConfig is the config for the "prompt_template" column type.
type PromptTemplateConfig struct {
	PromptID      int64  `json:"prompt_id"`
	ModelOverride string `json:"model_override,omitempty"`
}

// ParseColumnConfig parses raw into the variant matching colType, failing
// fast on unknown types or malformed JSON. Nothing downstream of this
// function ever sees an untyped map for a column config.
func ParseColumnConfig(colType ColumnType, raw []byte) (*ParsedColumnConfig, error) {
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	out := &ParsedColumnConfig{Type: colType}
	var err error
	switch colType {
	case ColumnExact:
		out.Exact = &ExactConfig{}
		err = json.Unmarshal(raw, out.Exact)
	case ColumnExactMulti:
		out.ExactMulti = &ExactMultiConfig{}
		err = json.Unmarshal(raw, out.ExactMulti)
	case ColumnContains:
		out.Contains = &ContainsConfig{}
		err = json.Unmarshal(raw, out.Contains)
	case ColumnRegex:
		out.Regex = &RegexConfig{}
		err = json.Unmarshal(raw, out.Regex)
	case ColumnKeywords:
		out.Keywords = &KeywordsConfig{}
		err = json.Unmarshal(raw, out.Keywords)
	case ColumnJSONStructure:
		out.JSONStructure = &JSONStructureConfig{}
		err = json.Unmarshal(raw, out.JSONStructure)
	case ColumnNumericDistance:
		out.NumericDistance = &NumericDistanceConfig{}
		err = json.Unmarshal(raw, out.NumericDistance)
	case ColumnLLMAssertion:
		out.LLMAssertion = &LLMAssertionConfig{}
		err = json.Unmarshal(raw, out.LLMAssertion)
	case ColumnCosineSimilarity:
		out.CosineSimilarity = &CosineSimilarityConfig{Threshold: 0.7}
		err = json.Unmarshal(raw, out.CosineSimilarity)
	case ColumnJSONExtraction:
		out.JSONExtraction = &JSONExtractionConfig{}
		err = json.Unmarshal(raw, out.JSONExtraction)
	case ColumnParseValue:
		out.ParseValue = &ParseValueConfig{}
		err = json.Unmarshal(raw, out.ParseValue)
	case ColumnStaticValue:
		out.StaticValue = &StaticValueConfig{}
		err = json.Unmarshal(raw, out.StaticValue)
	case ColumnTypeValidation:
		out.TypeValidation = &TypeValidationConfig{}
		err = json.Unmarshal(raw, out.TypeValidation)
	case ColumnCoalesce:
		out.Coalesce = &CoalesceConfig{}
		err = json.Unmarshal(raw, out.Coalesce)
	case ColumnCount:
		out.Count = &CountConfig{}
		err = json.Unmarshal(raw, out.Count)
	case ColumnPromptTemplate:
		out.PromptTemplate = &PromptTemplateConfig{}
		err = json.Unmarshal(raw, out.PromptTemplate)
	case ColumnDatasetVariable, ColumnHumanInput:
		// no config to parse; cells are materialised directly at result creation
	default:
		return nil, fmt.Errorf("models: unknown column type %q", colType)
	}
	if err != nil {
		return nil, fmt.Errorf("models: parsing config for column type %q: %w", colType, err)
	}
	return out, nil
}
