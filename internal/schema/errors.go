package schema

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownTable is returned when a table is not in the registry.
var ErrUnknownTable = errors.New("schema: unknown table")

// ErrInvalidID is returned when a row ID is empty, nil, or not a UUID.
var ErrInvalidID = errors.New("schema: invalid row id")

// ParseError reports one bad definition file. LoadAll collects these and
// continues with the remaining files.
type ParseError struct {
	Path   string
	Table  string
	Reason string
}

func (e *ParseError) Error() string {
	switch {
	case e.Path != "" && e.Table != "":
		return fmt.Sprintf("schema: parse %s (table %s): %s", e.Path, e.Table, e.Reason)
	case e.Path != "":
		return fmt.Sprintf("schema: parse %s: %s", e.Path, e.Reason)
	case e.Table != "":
		return fmt.Sprintf("schema: table %s: %s", e.Table, e.Reason)
	default:
		return "schema: " + e.Reason
	}
}

// ValidationError reports a row that fails its table's schema. Fields names
// the violating columns so callers can surface them.
type ValidationError struct {
	Table  string
	Fields []string
	Reason string
}

func (e *ValidationError) Error() string {
	if len(e.Fields) > 0 {
		return fmt.Sprintf("schema: validate row for %s: %s (fields: %s)", e.Table, e.Reason, strings.Join(e.Fields, ", "))
	}
	return fmt.Sprintf("schema: validate row for %s: %s", e.Table, e.Reason)
}
