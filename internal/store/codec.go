package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Helpers shared by the SQL stores for columns that do not map directly.

// EncodeJSON marshals v for a text/JSON column, writing "{}" for nil maps.
func EncodeJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if string(b) == "null" {
		return "{}", nil
	}
	return string(b), nil
}

// DecodeConditions parses the release_conditions column.
func DecodeConditions(raw string) (map[string]bool, error) {
	out := map[string]bool{}
	if raw == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("invalid release_conditions: %w", err)
	}
	return out, nil
}

// DecodeConditionTimes parses the condition_set_at column.
func DecodeConditionTimes(raw string) (map[string]time.Time, error) {
	out := map[string]time.Time{}
	if raw == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("invalid condition_set_at: %w", err)
	}
	return out, nil
}

// DecodeMetadata parses a JSON object column.
func DecodeMetadata(raw string) (map[string]any, error) {
	if raw == "" || raw == "{}" {
		return nil, nil
	}
	out := map[string]any{}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("invalid metadata: %w", err)
	}
	return out, nil
}

// Decimals parses several decimal columns at once.
func Decimals(pairs ...any) error {
	if len(pairs)%2 != 0 {
		return fmt.Errorf("decimals: odd argument count")
	}
	for i := 0; i < len(pairs); i += 2 {
		dst, ok := pairs[i].(*decimal.Decimal)
		if !ok {
			return fmt.Errorf("decimals: argument %d is not *decimal.Decimal", i)
		}
		raw, ok := pairs[i+1].(string)
		if !ok {
			return fmt.Errorf("decimals: argument %d is not a string", i+1)
		}
		v, err := decimal.NewFromString(raw)
		if err != nil {
			return fmt.Errorf("invalid decimal %q: %w", raw, err)
		}
		*dst = v
	}
	return nil
}

// OptionalDecimal parses a nullable decimal column.
func OptionalDecimal(raw *string) (*decimal.Decimal, error) {
	if raw == nil {
		return nil, nil
	}
	v, err := decimal.NewFromString(*raw)
	if err != nil {
		return nil, fmt.Errorf("invalid decimal %q: %w", *raw, err)
	}
	return &v, nil
}

// DecimalString formats a nullable decimal for a parameter.
func DecimalString(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}
