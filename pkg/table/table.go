// Package table defines the tabular value model every dataset flows through:
// ordered field names, rows of scalar cells, and the normalization applied at
// the ingest boundary.
package table

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"
)

// Kind enumerates the scalar types a cell may hold.
type Kind int

const (
	KindNull Kind = iota
	KindString
	KindInt
	KindFloat
	KindBool
)

// Cell is a single scalar value. The zero value is null.
type Cell struct {
	kind Kind
	s    string
	i    int64
	f    float64
	b    bool
}

func Null() Cell            { return Cell{} }
func String(s string) Cell  { return Cell{kind: KindString, s: s} }
func Int(i int64) Cell      { return Cell{kind: KindInt, i: i} }
func Float(f float64) Cell  { return Cell{kind: KindFloat, f: f} }
func Bool(b bool) Cell      { return Cell{kind: KindBool, b: b} }

func (c Cell) Kind() Kind      { return c.kind }
func (c Cell) IsNull() bool    { return c.kind == KindNull }
func (c Cell) Str() string     { return c.s }
func (c Cell) Int() int64      { return c.i }
func (c Cell) Float() float64  { return c.f }
func (c Cell) Bool() bool      { return c.b }

// MarshalJSON encodes the cell as its native JSON scalar.
func (c Cell) MarshalJSON() ([]byte, error) {
	switch c.kind {
	case KindNull:
		return []byte("null"), nil
	case KindString:
		return json.Marshal(c.s)
	case KindInt:
		return []byte(strconv.FormatInt(c.i, 10)), nil
	case KindFloat:
		// NaN/Inf were already converted to null at ingest
		return json.Marshal(c.f)
	case KindBool:
		if c.b {
			return []byte("true"), nil
		}
		return []byte("false"), nil
	}
	return nil, fmt.Errorf("table: unknown cell kind %d", c.kind)
}

// UnmarshalJSON decodes a JSON scalar into the cell. Integral numbers become
// KindInt, everything else numeric becomes KindFloat.
func (c *Cell) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return err
	}
	*c = Normalize(v)
	return nil
}

// Normalize converts an arbitrary decoded value into a Cell per the ingest
// rules: scalars pass through, date/times become RFC 3339 text, NaN and Inf
// become null, anything non-scalar is stringified deterministically.
func Normalize(v any) Cell {
	switch t := v.(type) {
	case nil:
		return Null()
	case string:
		return String(t)
	case bool:
		return Bool(t)
	case int:
		return Int(int64(t))
	case int64:
		return Int(t)
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return Null()
		}
		return Float(t)
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return Int(i)
		}
		if f, err := t.Float64(); err == nil {
			if math.IsNaN(f) || math.IsInf(f, 0) {
				return Null()
			}
			return Float(f)
		}
		return String(t.String())
	case time.Time:
		return String(t.Format(time.RFC3339))
	default:
		// Non-scalar cell: deterministic compact JSON stringification.
		b, err := json.Marshal(t)
		if err != nil {
			return String(fmt.Sprintf("%v", t))
		}
		return String(string(b))
	}
}

// Table is an ordered sequence of records sharing one ordered field set.
type Table struct {
	Fields []string
	Rows   [][]Cell
}

// New creates an empty table with the given field order.
func New(fields []string) *Table {
	return &Table{Fields: fields}
}

// Append adds a row. The row length must match the field count.
func (t *Table) Append(row []Cell) error {
	if len(row) != len(t.Fields) {
		return fmt.Errorf("table: row has %d cells, want %d", len(row), len(t.Fields))
	}
	t.Rows = append(t.Rows, row)
	return nil
}

// Len returns the record count.
func (t *Table) Len() int { return len(t.Rows) }

// MarshalJSON encodes the table as an array of objects with keys emitted in
// field order. encoding/json maps would sort keys, so the writer is manual.
func (t *Table) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for ri, row := range t.Rows {
		if ri > 0 {
			buf.WriteByte(',')
		}
		buf.WriteByte('{')
		for fi, field := range t.Fields {
			if fi > 0 {
				buf.WriteByte(',')
			}
			key, err := json.Marshal(field)
			if err != nil {
				return nil, err
			}
			buf.Write(key)
			buf.WriteByte(':')
			val, err := row[fi].MarshalJSON()
			if err != nil {
				return nil, err
			}
			buf.Write(val)
		}
		buf.WriteByte('}')
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

// envelope is the on-disk serialization of a table.
type envelope struct {
	Fields []string `json:"fields"`
	Rows   [][]Cell `json:"rows"`
}

// Encode serializes the table to its storage form. The encoding is
// deterministic: equal tables produce byte-equal output.
func (t *Table) Encode() ([]byte, error) {
	return json.Marshal(envelope{Fields: t.Fields, Rows: t.Rows})
}

// Decode deserializes a table from its storage form.
func Decode(data []byte) (*Table, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("table: decode: %w", err)
	}
	if len(env.Fields) == 0 {
		return nil, fmt.Errorf("table: decode: empty field set")
	}
	t := &Table{Fields: env.Fields, Rows: env.Rows}
	for i, row := range t.Rows {
		if len(row) != len(t.Fields) {
			return nil, fmt.Errorf("table: decode: row %d has %d cells, want %d", i, len(row), len(t.Fields))
		}
	}
	return t, nil
}

// Slice returns a shallow copy covering rows [from, to).
func (t *Table) Slice(from, to int) *Table {
	if from < 0 {
		from = 0
	}
	if to > len(t.Rows) {
		to = len(t.Rows)
	}
	if from > to {
		from = to
	}
	return &Table{Fields: t.Fields, Rows: t.Rows[from:to]}
}

// FromRecords builds a table from generic decoded records using the given
// field order. Missing keys become null; every cell is normalized.
func FromRecords(fields []string, records []map[string]any) *Table {
	t := New(fields)
	for _, rec := range records {
		row := make([]Cell, len(fields))
		for i, f := range fields {
			row[i] = Normalize(rec[f])
		}
		t.Rows = append(t.Rows, row)
	}
	return t
}
