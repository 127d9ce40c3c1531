// Package tabular decodes uploaded spreadsheets (CSV or XLSX) into ordered
// rows keyed by the header line. It knows nothing about what the columns
// mean.
package tabular

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"mime"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/xuri/excelize/v2"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Format identifies a supported input format.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

// ErrUnsupportedFormat is returned for uploads that are neither CSV nor XLSX.
var ErrUnsupportedFormat = errors.New("unsupported file type")

// Field is one cell of a row, named by its column header.
type Field struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Row is one data line in column order.
type Row []Field

// Get returns the value of the first field named name.
func (r Row) Get(name string) (string, bool) {
	for _, f := range r {
		if f.Name == name {
			return f.Value, true
		}
	}
	return "", false
}

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

var csvMediaTypes = map[string]bool{
	"text/csv":                    true,
	"application/csv":             true,
	"text/comma-separated-values": true,
	"application/vnd.ms-excel":    true,
}

const xlsxMediaType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// DetectFormat resolves the format from the part's content type, falling
// back to the file extension when the content type is missing or generic.
func DetectFormat(contentType, filename string) (Format, error) {
	mediaType := ""
	if contentType != "" {
		if mt, _, err := mime.ParseMediaType(contentType); err == nil {
			mediaType = strings.ToLower(mt)
		}
	}

	switch {
	case csvMediaTypes[mediaType]:
		return FormatCSV, nil
	case mediaType == xlsxMediaType:
		return FormatXLSX, nil
	case mediaType != "" && mediaType != "application/octet-stream":
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, mediaType)
	}

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".csv":
		return FormatCSV, nil
	case ".xlsx":
		return FormatXLSX, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, filename)
}

// Decode parses data in the given format. The first non-blank line is the
// header. An empty file or a header-only file yields zero rows.
func Decode(format Format, data []byte) ([]Row, error) {
	switch format {
	case FormatCSV:
		return DecodeCSV(data)
	case FormatXLSX:
		return DecodeXLSX(data)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
}

// DecodeCSV parses comma-separated data. Input that is not valid UTF-8 is
// read as Latin-1 (ISO 8859-1), which is what spreadsheet exports on
// Portuguese-locale systems usually produce.
func DecodeCSV(data []byte) ([]Row, error) {
	data = bytes.TrimPrefix(data, utf8BOM)

	var src io.Reader = bytes.NewReader(data)
	if !utf8.Valid(data) {
		src = transform.NewReader(src, charmap.ISO8859_1.NewDecoder())
	}

	r := csv.NewReader(src)
	r.FieldsPerRecord = -1

	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse csv: %w", err)
	}
	return toRows(records, false), nil
}

// DecodeXLSX reads the first sheet of an Excel workbook. Trailing empty
// cells are dropped by the reader, so short rows are padded with empty
// values up to the header width.
func DecodeXLSX(data []byte) ([]Row, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("open xlsx: %w", err)
	}
	defer f.Close()

	sheet := f.GetSheetName(0)
	if sheet == "" {
		return nil, nil
	}
	records, err := f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("read sheet %q: %w", sheet, err)
	}
	return toRows(records, true), nil
}

// toRows pairs each record with the header. Cells past the header width get
// an empty name. Columns missing from a short record are left out unless
// pad is set.
func toRows(records [][]string, pad bool) []Row {
	var header []string
	var rows []Row
	for _, rec := range records {
		if isBlank(rec) {
			continue
		}
		if header == nil {
			header = make([]string, len(rec))
			for i, h := range rec {
				header[i] = normalizeHeader(h)
			}
			continue
		}

		row := make(Row, 0, len(rec))
		for i, v := range rec {
			name := ""
			if i < len(header) {
				name = header[i]
			}
			row = append(row, Field{Name: name, Value: v})
		}
		if pad {
			for i := len(rec); i < len(header); i++ {
				row = append(row, Field{Name: header[i]})
			}
		}
		rows = append(rows, row)
	}
	return rows
}

// normalizeHeader trims surrounding space and composes accents (NFC) so
// "Gênero" matches however the exporting tool encoded it.
func normalizeHeader(h string) string {
	return norm.NFC.String(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
}

func isBlank(rec []string) bool {
	for _, v := range rec {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
