package dataset

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrDataSourceMissing means the data directory holds no file matching the pattern.
	ErrDataSourceMissing = errors.New("data source missing")
	// ErrMalformedRecord marks a single row that could not be parsed. It is never fatal.
	ErrMalformedRecord = errors.New("malformed record")
	// ErrSchemaMismatch means required fields are absent after column normalization.
	ErrSchemaMismatch = errors.New("schema mismatch")
)

// MalformedRecordError describes one skipped row.
type MalformedRecordError struct {
	File   string
	Line   int
	Column string
	Reason string
}

func (e *MalformedRecordError) Error() string {
	if e.Column != "" {
		return fmt.Sprintf("%s:%d: column %q: %s", e.File, e.Line, e.Column, e.Reason)
	}
	return fmt.Sprintf("%s:%d: %s", e.File, e.Line, e.Reason)
}

func (e *MalformedRecordError) Unwrap() error {
	return ErrMalformedRecord
}

// SchemaMismatchError lists the canonical fields that no column could provide.
type SchemaMismatchError struct {
	Source  string
	Missing []string
	Columns []string
}

func (e *SchemaMismatchError) Error() string {
	src := e.Source
	if src == "" {
		src = "raw table"
	}
	return fmt.Sprintf("%s: required fields %s not found (columns: %s)",
		src, strings.Join(e.Missing, ", "), strings.Join(e.Columns, ", "))
}

func (e *SchemaMismatchError) Unwrap() error {
	return ErrSchemaMismatch
}
