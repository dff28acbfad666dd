package store

import (
	"encoding/json"
	"fmt"

	"github.com/roach88/lytics/internal/codec"
	"github.com/roach88/lytics/internal/event"
)

// marshalCategories stores the ordered category set as canonical JSON TEXT
// so it stays readable from the sqlite3 shell.
func marshalCategories(categories []string) (string, error) {
	if categories == nil {
		categories = []string{}
	}
	data, err := event.MarshalCanonical(categories)
	if err != nil {
		return "", fmt.Errorf("marshal categories: %w", err)
	}
	return string(data), nil
}

// marshalParameters converts parameters to a deterministic CBOR BLOB.
// CBOR keeps the int64/float64 distinction that JSON would lose.
func marshalParameters(params event.Parameters) ([]byte, error) {
	m := map[string]any(params)
	if m == nil {
		m = map[string]any{}
	}
	data, err := codec.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal parameters: %w", err)
	}
	return data, nil
}

func unmarshalCategories(data string) ([]string, error) {
	var categories []string
	if err := json.Unmarshal([]byte(data), &categories); err != nil {
		return nil, fmt.Errorf("unmarshal categories: %w", err)
	}
	if categories == nil {
		categories = []string{}
	}
	return categories, nil
}

// unmarshalParameters decodes the CBOR BLOB and re-normalizes the values,
// which turns any decoded uint64 back into int64.
func unmarshalParameters(data []byte) (event.Parameters, error) {
	var m map[string]any
	if err := codec.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal parameters: %w", err)
	}
	params, err := event.NormalizeParameters(m)
	if err != nil {
		return nil, fmt.Errorf("unmarshal parameters: %w", err)
	}
	return params, nil
}
