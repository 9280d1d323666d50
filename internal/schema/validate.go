package schema

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/seigyo/internal/model"
)

// PrepareInsert validates a candidate row against the definition and returns
// the canonical row ready for storage: values coerced to their declared
// types, defaults filled, generated fields assigned. Unknown columns are a
// validation error on insert (reads stay lenient).
func (d *Definition) PrepareInsert(row model.Row) (model.Row, error) {
	if row == nil {
		row = model.Row{}
	}

	known := make(map[string]bool, len(d.Fields))
	for _, f := range d.Fields {
		known[f.Name] = true
	}
	var unknown []string
	for name := range row {
		if !known[name] {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		return nil, &ValidationError{Table: d.TableName, Fields: unknown, Reason: "unknown columns"}
	}

	out := make(model.Row, len(d.Fields))
	var violations []string
	for _, f := range d.Fields {
		val, present := row[f.Name]
		if !present || val == nil {
			switch {
			case f.Generated:
				out[f.Name] = generateValue(f)
				continue
			case f.Default != nil:
				coerced, err := CoerceValue(f.Type, f.Default)
				if err != nil {
					violations = append(violations, f.Name)
					continue
				}
				out[f.Name] = coerced
				continue
			case f.Required:
				violations = append(violations, f.Name)
				continue
			case f.IsNullable():
				out[f.Name] = nil
				continue
			default:
				violations = append(violations, f.Name)
				continue
			}
		}

		coerced, err := CoerceValue(f.Type, val)
		if err != nil {
			violations = append(violations, f.Name)
			continue
		}
		out[f.Name] = coerced
	}
	if len(violations) > 0 {
		return nil, &ValidationError{Table: d.TableName, Fields: violations, Reason: "constraint violations"}
	}

	if ts, ok := out[model.ColumnTrustScore].(float64); ok {
		out[model.ColumnTrustScore] = model.ClampScore(ts)
	}
	return out, nil
}

// PreparePatch validates a partial update: only the provided columns are
// checked, primary key and generated columns are rejected.
func (d *Definition) PreparePatch(patch model.Row) (model.Row, error) {
	if len(patch) == 0 {
		return nil, &ValidationError{Table: d.TableName, Reason: "empty patch"}
	}
	pk := d.PrimaryKey()
	out := make(model.Row, len(patch))
	var violations []string
	for name, val := range patch {
		f, ok := d.FieldByName(name)
		if !ok {
			violations = append(violations, name)
			continue
		}
		if f.Name == pk.Name || f.Name == model.ColumnCreatedAt {
			violations = append(violations, name)
			continue
		}
		if val == nil {
			if !f.IsNullable() {
				violations = append(violations, name)
				continue
			}
			out[name] = nil
			continue
		}
		coerced, err := CoerceValue(f.Type, val)
		if err != nil {
			violations = append(violations, name)
			continue
		}
		out[name] = coerced
	}
	if len(violations) > 0 {
		return nil, &ValidationError{Table: d.TableName, Fields: violations, Reason: "constraint violations"}
	}
	if ts, ok := out[model.ColumnTrustScore].(float64); ok {
		out[model.ColumnTrustScore] = model.ClampScore(ts)
	}
	return out, nil
}

// CoerceValue converts v to the canonical Go representation of t:
// uuid/string/text -> string, integer -> int64, float -> float64,
// boolean -> bool, datetime -> time.Time, json -> any marshallable value.
func CoerceValue(t FieldType, v any) (any, error) {
	switch t {
	case TypeUUID:
		switch val := v.(type) {
		case string:
			id, err := uuid.Parse(val)
			if err != nil {
				return nil, fmt.Errorf("not a uuid: %w", err)
			}
			return id.String(), nil
		case uuid.UUID:
			return val.String(), nil
		}
		return nil, fmt.Errorf("cannot use %T as uuid", v)

	case TypeString, TypeText:
		if s, ok := v.(string); ok {
			return s, nil
		}
		return nil, fmt.Errorf("cannot use %T as string", v)

	case TypeInteger:
		switch val := v.(type) {
		case int:
			return int64(val), nil
		case int32:
			return int64(val), nil
		case int64:
			return val, nil
		case float64:
			if val != float64(int64(val)) {
				return nil, fmt.Errorf("fractional value for integer column")
			}
			return int64(val), nil
		case json.Number:
			return val.Int64()
		}
		return nil, fmt.Errorf("cannot use %T as integer", v)

	case TypeFloat:
		switch val := v.(type) {
		case float64:
			return val, nil
		case float32:
			return float64(val), nil
		case int:
			return float64(val), nil
		case int64:
			return float64(val), nil
		case json.Number:
			return val.Float64()
		}
		return nil, fmt.Errorf("cannot use %T as float", v)

	case TypeBoolean:
		if b, ok := v.(bool); ok {
			return b, nil
		}
		return nil, fmt.Errorf("cannot use %T as boolean", v)

	case TypeDatetime:
		switch val := v.(type) {
		case time.Time:
			return val.UTC(), nil
		case string:
			if ts, err := time.Parse(time.RFC3339Nano, val); err == nil {
				return ts.UTC(), nil
			}
			if ts, err := time.Parse(time.RFC3339, val); err == nil {
				return ts.UTC(), nil
			}
			return nil, fmt.Errorf("not an RFC3339 timestamp: %q", val)
		}
		return nil, fmt.Errorf("cannot use %T as datetime", v)

	case TypeJSON:
		// Arbitrary structured values, no in-schema shape checking; the only
		// requirement is that the value survives a marshal round trip.
		if _, err := json.Marshal(v); err != nil {
			return nil, fmt.Errorf("not marshallable: %w", err)
		}
		return v, nil
	}
	return nil, fmt.Errorf("unknown field type %q", t)
}

// generateValue produces the runtime value for a generated field.
func generateValue(f Field) any {
	switch f.Type {
	case TypeUUID:
		return uuid.New().String()
	case TypeDatetime:
		return time.Now().UTC()
	default:
		return nil
	}
}

// ParseRowID validates an externally supplied row identifier. Empty strings,
// nil-ish values, and malformed UUIDs are rejected with ErrInvalidID.
func ParseRowID(id string) (string, error) {
	if id == "" {
		return "", ErrInvalidID
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	if parsed == uuid.Nil {
		return "", fmt.Errorf("%w: nil uuid", ErrInvalidID)
	}
	return parsed.String(), nil
}
