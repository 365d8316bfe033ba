// Copyright 2026 The guestsync Authors
// SPDX-License-Identifier: Apache-2.0

package guestimport

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/xuri/excelize/v2"
)

// headerAliases maps locale-specific header spellings (case-insensitive,
// accent variants included) to canonical field names. Anything not listed
// here travels through RawRow verbatim and is dropped by the validator.
var headerAliases = map[string]string{
	"name":          FieldFullName,
	"full name":     FieldFullName,
	"full_name":     FieldFullName,
	"guest":         FieldFullName,
	"guest name":    FieldFullName,
	"nome":          FieldFullName,
	"nome completo": FieldFullName,
	"convidado":     FieldFullName,

	"category":  FieldCategory,
	"categoria": FieldCategory,
	"group":     FieldCategory,
	"grupo":     FieldCategory,
	"tipo":      FieldCategory,

	"phone":        FieldPhone,
	"phone number": FieldPhone,
	"tel":          FieldPhone,
	"telefone":     FieldPhone,
	"celular":      FieldPhone,

	"notes":       FieldNotes,
	"note":        FieldNotes,
	"obs":         FieldNotes,
	"observacao":  FieldNotes,
	"observacoes": FieldNotes,
	"observação":  FieldNotes,
	"observações": FieldNotes,
	"comments":    FieldNotes,

	"table":        FieldTableNumber,
	"table number": FieldTableNumber,
	"table_number": FieldTableNumber,
	"table no":     FieldTableNumber,
	"mesa":         FieldTableNumber,
}

var canonicalFields = []string{
	FieldFullName, FieldCategory, FieldPhone, FieldNotes, FieldTableNumber,
}

// ParseUpload turns an uploaded tabular file into an ordered sequence of
// RawRow. Supported content types: delimited text (text/csv and friends)
// and single-sheet XLSX spreadsheets. Rows where every canonical field is
// blank are dropped before return. Returns ErrMalformedFile (wrapped) when
// the file cannot be parsed or has zero data rows.
func ParseUpload(data []byte, contentType string) ([]RawRow, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrMalformedFile)
	}

	ct := strings.ToLower(contentType)
	if idx := strings.Index(ct, ";"); idx >= 0 {
		ct = ct[:idx]
	}
	ct = strings.TrimSpace(ct)

	switch ct {
	case "text/csv", "application/csv", "text/plain", "application/vnd.ms-excel.csv":
		return parseDelimited(data)
	case "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
		"application/vnd.ms-excel":
		return parseSpreadsheet(data)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedContentType, contentType)
	}
}

// parseDelimited reads a header row plus data rows from delimited text.
// Quoted fields containing the delimiter and doubled quote characters are
// handled by encoding/csv. The delimiter is sniffed from the header line
// because semicolon-separated exports are common for the supported locales.
func parseDelimited(data []byte) ([]RawRow, error) {
	reader := csv.NewReader(stripBOM(bytes.NewReader(data)))
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	reader.Comma = sniffDelimiter(data)

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: no header row", ErrMalformedFile)
		}
		return nil, fmt.Errorf("%w: %v", ErrMalformedFile, err)
	}

	columns := mapHeaders(header)

	var rows []RawRow
	rowIndex := 0
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: row %d: %v", ErrMalformedFile, rowIndex+1, err)
		}
		rowIndex++
		row := buildRow(rowIndex, columns, record)
		if rowIsBlank(row) {
			continue
		}
		rows = append(rows, row)
	}

	if len(rows) == 0 {
		return nil, fmt.Errorf("%w", ErrNoRows)
	}
	return rows, nil
}

// parseSpreadsheet reads the first sheet of an XLSX workbook; the first row
// is treated as headers.
func parseSpreadsheet(data []byte) ([]RawRow, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFile, err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("%w: workbook has no sheets", ErrMalformedFile)
	}

	records, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFile, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: no header row", ErrMalformedFile)
	}

	columns := mapHeaders(records[0])

	var rows []RawRow
	rowIndex := 0
	for _, record := range records[1:] {
		rowIndex++
		row := buildRow(rowIndex, columns, record)
		if rowIsBlank(row) {
			continue
		}
		rows = append(rows, row)
	}

	if len(rows) == 0 {
		return nil, fmt.Errorf("%w", ErrNoRows)
	}
	return rows, nil
}

// mapHeaders resolves each header cell to its canonical field name, or keeps
// it verbatim (trimmed, lowercased) when unrecognized.
func mapHeaders(header []string) []string {
	columns := make([]string, len(header))
	for i, h := range header {
		key := strings.ToLower(collapseWhitespace(h))
		if canonical, ok := headerAliases[key]; ok {
			columns[i] = canonical
		} else {
			columns[i] = key
		}
	}
	return columns
}

func buildRow(index int, columns, record []string) RawRow {
	fields := make(map[string]string, len(columns))
	for i, col := range columns {
		if col == "" || i >= len(record) {
			continue
		}
		// First occurrence wins when a file repeats a header.
		if _, exists := fields[col]; exists {
			continue
		}
		fields[col] = record[i]
	}
	return RawRow{Index: index, Fields: fields}
}

func rowIsBlank(row RawRow) bool {
	for _, field := range canonicalFields {
		if strings.TrimSpace(row.Fields[field]) != "" {
			return false
		}
	}
	return true
}

// sniffDelimiter inspects the header line and prefers ';' when it occurs
// more often than ',' outside quotes.
func sniffDelimiter(data []byte) rune {
	line := data
	if idx := bytes.IndexByte(data, '\n'); idx >= 0 {
		line = data[:idx]
	}
	commas, semis := 0, 0
	inQuotes := false
	for _, b := range line {
		switch b {
		case '"':
			inQuotes = !inQuotes
		case ',':
			if !inQuotes {
				commas++
			}
		case ';':
			if !inQuotes {
				semis++
			}
		}
	}
	if semis > commas {
		return ';'
	}
	return ','
}

// stripBOM removes a UTF-8 byte order mark so the first header cell maps
// cleanly.
func stripBOM(r io.Reader) io.Reader {
	buf := make([]byte, 3)
	n, _ := io.ReadFull(r, buf)
	if n == 3 && buf[0] == 0xEF && buf[1] == 0xBB && buf[2] == 0xBF {
		return r
	}
	return io.MultiReader(bytes.NewReader(buf[:n]), r)
}
