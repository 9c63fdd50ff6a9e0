package table

import (
	"encoding/csv"
	"fmt"
	"io"
	"strings"
)

// ParseCSV reads a comma-separated document with a header row into a table.
// All cells are kept as strings; callers that need typed values normalize
// downstream. A UTF-8 BOM on the header is stripped.
func ParseCSV(r io.Reader) (*Table, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("csv: missing header row")
	}
	if err != nil {
		return nil, fmt.Errorf("csv: read header: %w", err)
	}
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\uFEFF")
	}
	for i, h := range header {
		if strings.TrimSpace(h) == "" {
			return nil, fmt.Errorf("csv: empty field name at column %d", i+1)
		}
	}

	t := New(header)
	for {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("csv: read row %d: %w", len(t.Rows)+2, err)
		}
		row := make([]Cell, len(header))
		for i := range header {
			if i < len(record) {
				row[i] = String(record[i])
			} else {
				row[i] = Null()
			}
		}
		t.Rows = append(t.Rows, row)
	}
	return t, nil
}
