package ingest

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"
)

func createTestXLSX(t *testing.T, rows [][]string) []byte {
	t.Helper()
	f := xlsx.NewFile()
	sheet, err := f.AddSheet("Leads")
	require.NoError(t, err)
	for _, rowData := range rows {
		row := sheet.AddRow()
		for _, cellData := range rowData {
			cell := row.AddCell()
			cell.SetString(cellData)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, f.Write(&buf))
	return buf.Bytes()
}

func TestDetectFormat(t *testing.T) {
	tests := []struct {
		name string
		file string
		want Format
	}{
		{"csv", "leads.csv", FormatCSV},
		{"xlsx", "leads.xlsx", FormatXLSX},
		{"upper xlsx", "LEADS.XLSX", FormatXLSX},
		{"no extension", "leads", FormatCSV},
		{"empty", "", FormatCSV},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DetectFormat(tt.file))
		})
	}
}

func TestParse_CSVHeaderAndLines(t *testing.T) {
	csv := "Client Name,Phone-Number,EMAIL\nAlice,0100,a@x.com\nBob,0101,\n"

	rows, err := Parser{}.Parse([]byte(csv), FormatCSV)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.Equal(t, 2, rows[0].Line)
	assert.Equal(t, "Alice", rows[0].Get("client_name"))
	assert.Equal(t, "0100", rows[0].Get("phone_number"))
	assert.Equal(t, "a@x.com", rows[0].Get("email"))
	assert.Equal(t, 3, rows[1].Line)
	assert.Equal(t, "", rows[1].Get("email"))
}

func TestParse_StripsBOM(t *testing.T) {
	rows, err := Parser{}.Parse([]byte("\ufeffname,phone\nAlice,0100\n"), FormatCSV)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "Alice", rows[0].Get("name"))
}

func TestParse_ShortRowKeepsItsLine(t *testing.T) {
	rows, err := Parser{}.Parse([]byte("name,phone\nAlice,0100\nBob\nCara,0102\n"), FormatCSV)
	require.NoError(t, err)
	require.Len(t, rows, 3)

	assert.Equal(t, 3, rows[1].Line)
	assert.Equal(t, "Bob", rows[1].Get("name"))
	assert.Equal(t, "", rows[1].Get("phone"))
	assert.Equal(t, 4, rows[2].Line)
}

func TestParse_BlankLinesKeepTheirRows(t *testing.T) {
	tests := []struct {
		name      string
		csv       string
		wantLines []int
		wantBlank []int
	}{
		{name: "blank between records", csv: "name,phone\nA,1\n\nB,2\n", wantLines: []int{2, 3, 4}, wantBlank: []int{3}},
		{name: "several blanks", csv: "name,phone\nA,1\n\n\nB,2\n", wantLines: []int{2, 3, 4, 5}, wantBlank: []int{3, 4}},
		{name: "blank before first record", csv: "name,phone\n\nA,1\n", wantLines: []int{2, 3}, wantBlank: []int{2}},
		{name: "crlf", csv: "name,phone\r\nA,1\r\n\r\nB,2\r\n", wantLines: []int{2, 3, 4}, wantBlank: []int{3}},
		{name: "trailing blanks are not rows", csv: "name,phone\nA,1\n\n\n", wantLines: []int{2}},
		{name: "no final newline", csv: "name,phone\nA,1\n\nB,2", wantLines: []int{2, 3, 4}, wantBlank: []int{3}},
		{name: "after multiline field", csv: "name,phone\n\"A\nA\",1\n\nB,2\n", wantLines: []int{2, 4, 5}, wantBlank: []int{4}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rows, err := Parser{}.Parse([]byte(tt.csv), FormatCSV)
			require.NoError(t, err)

			var lines, blank []int
			for _, r := range rows {
				lines = append(lines, r.Line)
				if len(r.Fields) == 0 {
					blank = append(blank, r.Line)
				}
			}
			assert.Equal(t, tt.wantLines, lines)
			assert.Equal(t, tt.wantBlank, blank)
		})
	}
}

func TestParse_BlankLineFailsValidation(t *testing.T) {
	rows, err := Parser{}.Parse([]byte("name,phone\nA,1\n\nB,2\n"), FormatCSV)
	require.NoError(t, err)
	require.Len(t, rows, 3)

	_, err = Normalizer{}.Normalize(rows[1], rows[1].Line, "p1")
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, 3, verr.Row)
	assert.Equal(t, ReasonMissingRequired, verr.Reason)
}

func TestPreview_CountsBlankRows(t *testing.T) {
	rows, err := Parser{}.Preview([]byte("name,phone\nA,1\n\nB,2\nC,3\n"), FormatCSV, 2)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, 3, rows[1].Line)
}

func TestParse_QuotedMultilineField(t *testing.T) {
	rows, err := Parser{}.Parse([]byte("name,feedback,phone\nAlice,\"line one\nline two\",0100\nBob,ok,0101\n"), FormatCSV)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "line one\nline two", rows[0].Fields["feedback"])
	assert.Equal(t, 2, rows[0].Line)
	assert.Equal(t, 4, rows[1].Line)
}

func TestParse_DuplicateHeaderKeepsFirstValue(t *testing.T) {
	rows, err := Parser{}.Parse([]byte("phone,Phone\n0100,0200\n,0300\n"), FormatCSV)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "0100", rows[0].Get("phone"))
	assert.Equal(t, "0300", rows[1].Get("phone"))
}

func TestParse_Empty(t *testing.T) {
	_, err := Parser{}.Parse(nil, FormatCSV)
	assert.ErrorIs(t, err, ErrEmptyFile)
}

func TestParse_HeaderOnly(t *testing.T) {
	rows, err := Parser{}.Parse([]byte("name,phone\n"), FormatCSV)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestParse_Restartable(t *testing.T) {
	contents := []byte("name,phone\nAlice,0100\nBob,0101\n")
	p := Parser{}

	first, err := p.Parse(contents, FormatCSV)
	require.NoError(t, err)
	second, err := p.Parse(contents, FormatCSV)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestPreview(t *testing.T) {
	contents := []byte("name,phone\nA,1\nB,2\nC,3\n")

	rows, err := Parser{}.Preview(contents, FormatCSV, 2)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "B", rows[1].Get("name"))

	rows, err = Parser{}.Preview(contents, FormatCSV, 0)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestParse_XLSX(t *testing.T) {
	data := createTestXLSX(t, [][]string{
		{"Full Name", "Phone", "Platform"},
		{"Alice", "0100", "FB"},
		{"Bob", "0101", ""},
	})

	rows, err := Parser{}.Parse(data, FormatXLSX)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, 2, rows[0].Line)
	assert.Equal(t, "Alice", rows[0].Get("full_name"))
	assert.Equal(t, "FB", rows[0].Get("platform"))
	assert.Equal(t, 3, rows[1].Line)
}

func TestPreview_XLSX(t *testing.T) {
	data := createTestXLSX(t, [][]string{
		{"name", "phone"},
		{"A", "1"},
		{"B", "2"},
		{"C", "3"},
	})

	rows, err := Parser{}.Preview(data, FormatXLSX, 1)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "A", rows[0].Get("name"))
}

func TestParse_XLSXInvalid(t *testing.T) {
	_, err := Parser{}.Parse([]byte("not a zip"), FormatXLSX)
	assert.Error(t, err)
}
