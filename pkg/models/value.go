package models

import "encoding/json"

// CellValue is the canonical wrapper stored in Cell.Value. Boolean
// predicates set Value to a bool; extractive/generative columns set it to a
// string or an arbitrary JSON value.
type CellValue struct {
	Value any `json:"value"`
}

// MarshalCellValue wraps v and marshals it to the canonical {"value": ...}
// shape used by Cell.Value.
func MarshalCellValue(v any) []byte {
	b, _ := json.Marshal(CellValue{Value: v})
	return b
}

// UnmarshalCellValue unmarshals the canonical {"value": ...} shape.
func UnmarshalCellValue(raw []byte) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var cv CellValue
	if err := json.Unmarshal(raw, &cv); err != nil {
		return nil, err
	}
	return cv.Value, nil
}
