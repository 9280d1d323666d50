// Package schema loads declarative table definitions, validates rows against
// them, and exposes the registry used by every component that touches the
// memory store. Definitions are human-authored YAML, one file per table,
// loaded once per process; extending a live table is a governed operation.
package schema

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ashita-ai/seigyo/internal/model"
)

// FieldType enumerates the declarable column types.
type FieldType string

const (
	TypeUUID     FieldType = "uuid"
	TypeString   FieldType = "string"
	TypeText     FieldType = "text"
	TypeInteger  FieldType = "integer"
	TypeFloat    FieldType = "float"
	TypeBoolean  FieldType = "boolean"
	TypeDatetime FieldType = "datetime"
	TypeJSON     FieldType = "json"
)

// Valid reports whether t is a declarable field type.
func (t FieldType) Valid() bool {
	switch t {
	case TypeUUID, TypeString, TypeText, TypeInteger, TypeFloat, TypeBoolean, TypeDatetime, TypeJSON:
		return true
	}
	return false
}

// Field is one declared column.
type Field struct {
	Name       string    `yaml:"name" json:"name"`
	Type       FieldType `yaml:"type" json:"type"`
	Required   bool      `yaml:"required,omitempty" json:"required,omitempty"`
	PrimaryKey bool      `yaml:"primary_key,omitempty" json:"primary_key,omitempty"`
	Nullable   *bool     `yaml:"nullable,omitempty" json:"nullable,omitempty"`
	Default    any       `yaml:"default,omitempty" json:"default,omitempty"`
	Generated  bool      `yaml:"generated,omitempty" json:"generated,omitempty"`
}

// IsNullable returns the effective nullability: non-required fields default
// to nullable, required fields to non-nullable, unless declared explicitly.
func (f Field) IsNullable() bool {
	if f.Nullable != nil {
		return *f.Nullable
	}
	return !f.Required
}

// Definition is one declarative table schema.
type Definition struct {
	TableName        string                `yaml:"table_name" json:"table_name"`
	Description      string                `yaml:"description" json:"description"`
	Category         string                `yaml:"category,omitempty" json:"category,omitempty"`
	FingerprintField string                `yaml:"fingerprint_field,omitempty" json:"fingerprint_field,omitempty"`
	Training         *model.TrainingPolicy `yaml:"training,omitempty" json:"training,omitempty"`
	Fields           []Field               `yaml:"fields" json:"fields"`
}

// Standard columns carried by every table in addition to its declared fields.
// They are appended at load time so definitions never have to repeat them.
func standardFields() []Field {
	nullable := true
	return []Field{
		{Name: model.ColumnTrustScore, Type: TypeFloat, Default: 0.5},
		{Name: model.ColumnGovernanceStamp, Type: TypeJSON, Nullable: &nullable},
		{Name: model.ColumnCreatedAt, Type: TypeDatetime, Generated: true},
	}
}

// ParseDefinition decodes and validates one YAML definition.
func ParseDefinition(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, &ParseError{Reason: fmt.Sprintf("invalid yaml: %v", err)}
	}
	if err := def.normalize(); err != nil {
		return nil, err
	}
	return &def, nil
}

// normalize validates the declaration and appends the standard columns.
func (d *Definition) normalize() error {
	if d.TableName == "" {
		return &ParseError{Reason: "table_name is required"}
	}
	if !validTableName(d.TableName) {
		return &ParseError{Table: d.TableName, Reason: "table_name must be lowercase alphanumeric with underscores"}
	}
	if len(d.Fields) == 0 {
		return &ParseError{Table: d.TableName, Reason: "at least one field is required"}
	}

	seen := make(map[string]bool, len(d.Fields))
	pkCount := 0
	for i := range d.Fields {
		f := &d.Fields[i]
		if f.Name == "" {
			return &ParseError{Table: d.TableName, Reason: fmt.Sprintf("field %d has no name", i)}
		}
		if !validColumnName(f.Name) {
			return &ParseError{Table: d.TableName, Reason: fmt.Sprintf("field %q has an invalid name", f.Name)}
		}
		if seen[f.Name] {
			return &ParseError{Table: d.TableName, Reason: fmt.Sprintf("field %q is declared twice", f.Name)}
		}
		seen[f.Name] = true
		if !f.Type.Valid() {
			return &ParseError{Table: d.TableName, Reason: fmt.Sprintf("field %q has unknown type %q", f.Name, f.Type)}
		}
		if f.PrimaryKey {
			pkCount++
			if f.Type != TypeUUID {
				return &ParseError{Table: d.TableName, Reason: fmt.Sprintf("primary key %q must be of type uuid", f.Name)}
			}
		}
	}
	if pkCount != 1 {
		return &ParseError{Table: d.TableName, Reason: fmt.Sprintf("exactly one primary key required, found %d", pkCount)}
	}

	if d.FingerprintField != "" && !seen[d.FingerprintField] {
		return &ParseError{Table: d.TableName, Reason: fmt.Sprintf("fingerprint_field %q is not a declared field", d.FingerprintField)}
	}

	for _, std := range standardFields() {
		if !seen[std.Name] {
			d.Fields = append(d.Fields, std)
		}
	}
	return nil
}

// FromDefinition validates a programmatically built definition and appends
// the standard columns. The input is not mutated; used by governed
// create_table proposals.
func FromDefinition(d *Definition) (*Definition, error) {
	def := d.Clone()
	if err := def.normalize(); err != nil {
		return nil, err
	}
	return def, nil
}

// PrimaryKey returns the declared primary key field.
func (d *Definition) PrimaryKey() Field {
	for _, f := range d.Fields {
		if f.PrimaryKey {
			return f
		}
	}
	// normalize guarantees one primary key; unreachable on loaded definitions.
	return Field{}
}

// FieldByName returns the named field.
func (d *Definition) FieldByName(name string) (Field, bool) {
	for _, f := range d.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Fingerprint extracts the row's logical fingerprint, or "" when the table
// declares none or the row does not carry it.
func (d *Definition) Fingerprint(row model.Row) string {
	if d.FingerprintField == "" {
		return ""
	}
	return row.String(d.FingerprintField)
}

// Clone returns a deep-enough copy for a registry swap: the fields slice is
// copied so extension never mutates a definition a reader may hold.
func (d *Definition) Clone() *Definition {
	out := *d
	out.Fields = make([]Field, len(d.Fields))
	copy(out.Fields, d.Fields)
	if d.Training != nil {
		tp := *d.Training
		out.Training = &tp
	}
	return &out
}

func validTableName(name string) bool {
	if name == "" || len(name) > 64 {
		return false
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		if i == 0 && (c < 'a' || c > 'z') {
			return false
		}
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') && c != '_' {
			return false
		}
	}
	return true
}

func validColumnName(name string) bool {
	return validTableName(name) && !strings.HasPrefix(name, "sqlite_")
}
