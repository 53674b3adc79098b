// Package ingest implements the bulk lead upload pipeline: parsing, row
// normalization, batch planning, tiered inserts, progress, cancellation and
// counter reconciliation.
package ingest

import (
	"bytes"
	"encoding/csv"
	"errors"
	"io"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// ErrEmptyFile is returned when an upload has no header row.
var ErrEmptyFile = eris.New("parser: file has no header row")

// Format identifies the tabular encoding of an upload.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

// DetectFormat picks a format from a file name, defaulting to CSV.
func DetectFormat(fileName string) Format {
	if strings.EqualFold(filepath.Ext(fileName), ".xlsx") {
		return FormatXLSX
	}
	return FormatCSV
}

// RawRow is one data line keyed by normalized header name. Line is the
// 1-based line in the source file (the header is line 1).
type RawRow struct {
	Line   int
	Fields map[string]string
}

// Get returns the first non-blank value among keys, trimmed.
func (r RawRow) Get(keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(r.Fields[k]); v != "" {
			return v
		}
	}
	return ""
}

// Parser turns upload contents into RawRows. It has no state, so the same
// contents can be parsed any number of times.
type Parser struct{}

// Parse reads every data row of contents.
func (p Parser) Parse(contents []byte, format Format) ([]RawRow, error) {
	return p.read(contents, format, 0)
}

// Preview reads at most n data rows of contents.
func (p Parser) Preview(contents []byte, format Format, n int) ([]RawRow, error) {
	if n <= 0 {
		return nil, nil
	}
	return p.read(contents, format, n)
}

func (p Parser) read(contents []byte, format Format, limit int) ([]RawRow, error) {
	if format == FormatXLSX {
		return readXLSX(contents, limit)
	}
	return readCSV(contents, limit)
}

func readCSV(contents []byte, limit int) ([]RawRow, error) {
	r := csv.NewReader(bytes.NewReader(contents))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, ErrEmptyFile
	}
	if err != nil {
		return nil, eris.Wrap(err, "parser: read header")
	}
	keys := headerKeys(header)
	lines := lineCounter{src: contents}
	prevEnd := lines.through(r.InputOffset())

	var rows []RawRow
	full := func() bool { return limit > 0 && len(rows) >= limit }
	for !full() {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}

		var line int
		var perr *csv.ParseError
		switch {
		case errors.As(err, &perr):
			line = perr.StartLine
		case err != nil:
			return nil, eris.Wrap(err, "parser: read csv")
		default:
			line, _ = r.FieldPos(0)
		}

		// encoding/csv skips empty lines. Each one still holds a row number
		// and is rejected later for missing fields. Empty lines after the
		// last record are not rows.
		for blank := prevEnd + 1; blank < line && !full(); blank++ {
			rows = append(rows, RawRow{Line: blank, Fields: map[string]string{}})
		}
		if full() {
			break
		}
		prevEnd = lines.through(r.InputOffset())

		// A malformed line still occupies its row number; normalization
		// rejects it for missing fields.
		if perr != nil {
			rows = append(rows, RawRow{Line: line, Fields: map[string]string{}})
			continue
		}
		rows = append(rows, toRawRow(keys, rec, line))
	}
	return rows, nil
}

// lineCounter counts newlines consumed by a csv.Reader.
type lineCounter struct {
	src   []byte
	off   int
	lines int
}

// through returns the number of complete lines in src[:off]. off must not
// decrease between calls.
func (c *lineCounter) through(off int64) int {
	c.lines += bytes.Count(c.src[c.off:off], []byte{'\n'})
	c.off = int(off)
	return c.lines
}

func readXLSX(contents []byte, limit int) ([]RawRow, error) {
	f, err := xlsx.OpenBinary(contents)
	if err != nil {
		return nil, eris.Wrap(err, "parser: open xlsx")
	}
	if len(f.Sheets) == 0 || len(f.Sheets[0].Rows) == 0 {
		return nil, ErrEmptyFile
	}

	sheet := f.Sheets[0]
	keys := headerKeys(cellStrings(sheet.Rows[0]))

	var rows []RawRow
	for i, row := range sheet.Rows[1:] {
		if limit > 0 && len(rows) >= limit {
			break
		}
		rows = append(rows, toRawRow(keys, cellStrings(row), i+2))
	}
	return rows, nil
}

func cellStrings(row *xlsx.Row) []string {
	if row == nil {
		return nil
	}
	cells := make([]string, len(row.Cells))
	for i, c := range row.Cells {
		cells[i] = c.String()
	}
	return cells
}

func toRawRow(keys []string, rec []string, line int) RawRow {
	fields := make(map[string]string, len(keys))
	for i, k := range keys {
		if k == "" || i >= len(rec) {
			continue
		}
		if _, dup := fields[k]; dup && strings.TrimSpace(fields[k]) != "" {
			continue
		}
		fields[k] = rec[i]
	}
	return RawRow{Line: line, Fields: fields}
}

// headerKeys normalizes header cells: " Client Name" -> "client_name".
func headerKeys(header []string) []string {
	folder := cases.Fold()
	keys := make([]string, len(header))
	for i, h := range header {
		h = strings.TrimPrefix(h, "\ufeff")
		h = norm.NFKC.String(strings.TrimSpace(h))
		h = folder.String(h)
		keys[i] = strings.Join(strings.FieldsFunc(h, func(r rune) bool {
			return r == ' ' || r == '-' || r == '_'
		}), "_")
	}
	return keys
}
