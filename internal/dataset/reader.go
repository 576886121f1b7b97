package dataset

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

const maxMalformedSamples = 5

var (
	utf8BOM    = []byte{0xEF, 0xBB, 0xBF}
	separators = []rune{';', ',', '\t'}
)

type fileResult struct {
	table     *RawTable
	malformed int
	samples   []*MalformedRecordError
	filtered  int
}

func (fr *fileResult) reject(e *MalformedRecordError) {
	fr.malformed++
	if len(fr.samples) < maxMalformedSamples {
		fr.samples = append(fr.samples, e)
	}
}

// decodeText returns UTF-8 text, falling back to latin1 for legacy exports.
func decodeText(data []byte) ([]byte, string, error) {
	data = bytes.TrimPrefix(data, utf8BOM)
	if utf8.Valid(data) {
		return data, "utf-8", nil
	}
	decoded, err := charmap.ISO8859_1.NewDecoder().Bytes(data)
	if err != nil {
		return nil, "", fmt.Errorf("decode latin1: %w", err)
	}
	return decoded, "latin1", nil
}

// detectSeparator picks the candidate that splits the header into the most fields.
func detectSeparator(data []byte) (rune, bool) {
	header := data
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		header = data[:i]
	}
	header = bytes.TrimRight(header, "\r")

	best, bestFields := rune(0), 1
	for _, sep := range separators {
		r := csv.NewReader(bytes.NewReader(header))
		r.Comma = sep
		r.LazyQuotes = true
		rec, err := r.Read()
		if err != nil {
			continue
		}
		if len(rec) > bestFields {
			best, bestFields = sep, len(rec)
		}
	}
	return best, best != 0
}

func readSourceFile(path string) (*fileResult, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	text, _, err := decodeText(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if len(bytes.TrimSpace(text)) == 0 {
		return nil, fmt.Errorf("%w: %s is empty", ErrSchemaMismatch, path)
	}
	sep, ok := detectSeparator(text)
	if !ok {
		return nil, fmt.Errorf("%w: %s: cannot detect column separator", ErrSchemaMismatch, path)
	}
	return parseRecords(filepath.Base(path), bytes.NewReader(text), sep)
}

func parseRecords(name string, src io.Reader, sep rune) (*fileResult, error) {
	r := csv.NewReader(src)
	r.Comma = sep
	r.LazyQuotes = true
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: read header: %v", ErrSchemaMismatch, name, err)
	}
	columns := make([]string, len(header))
	for i, h := range header {
		columns[i] = NormalizeColumn(h)
	}

	result := &fileResult{table: NewRawTable()}
	for _, c := range columns {
		if c != "" && !result.table.HasColumn(c) {
			result.table.Columns = append(result.table.Columns, c)
		}
	}

	for {
		fields, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				result.reject(&MalformedRecordError{File: name, Line: perr.Line, Reason: perr.Err.Error()})
				continue
			}
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		line, _ := r.FieldPos(0)

		rec, rerr := coerceRecord(name, line, columns, fields)
		if rerr != nil {
			result.reject(rerr)
			continue
		}
		if dep, ok := rec["code_departement"]; ok && dep != "75" {
			result.filtered++
			continue
		}
		result.table.Rows = append(result.table.Rows, rec)
	}
	return result, nil
}

func coerceRecord(name string, line int, columns, fields []string) (RawRecord, *MalformedRecordError) {
	if len(fields) > len(columns) {
		return nil, &MalformedRecordError{
			File:   name,
			Line:   line,
			Reason: fmt.Sprintf("%d fields, header has %d", len(fields), len(columns)),
		}
	}

	rec := make(RawRecord, len(fields))
	for i, v := range fields {
		col := columns[i]
		v = strings.TrimSpace(v)
		if col == "" || v == "" {
			continue
		}
		if _, dup := rec[col]; dup {
			continue
		}
		if _, ok := numericColumns[col]; ok {
			n, ok := ParseNumber(v)
			if !ok {
				return nil, &MalformedRecordError{File: name, Line: line, Column: col, Reason: fmt.Sprintf("not a number: %q", v)}
			}
			v = formatNumber(n)
		} else if _, ok := dateColumns[col]; ok {
			d, ok := ParseDate(v)
			if !ok {
				return nil, &MalformedRecordError{File: name, Line: line, Column: col, Reason: fmt.Sprintf("not a date: %q", v)}
			}
			v = d.Format(dateFormat)
		}
		rec[col] = v
	}
	return rec, nil
}
