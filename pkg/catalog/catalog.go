// Package catalog holds the registry of named upstream data interfaces.
// The registry is loaded once at startup from a JSON catalog document and
// is read-only afterwards.
package catalog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
)

// Param is one example parameter of an upstream interface.
type Param struct {
	Name  string
	Value string
}

// ExampleParams preserves the declaration order of the catalog document.
// A plain map would shuffle the parameters, and the order is meaningful
// to clients that render call templates.
type ExampleParams []Param

func (p *ExampleParams) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		*p = nil
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("example_params: expected object, got %v", tok)
	}

	out := ExampleParams{}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key := keyTok.(string)

		var raw any
		if err := dec.Decode(&raw); err != nil {
			return err
		}
		out = append(out, Param{Name: key, Value: stringify(raw)})
	}
	*p = out
	return nil
}

func (p ExampleParams) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, kv := range p {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(kv.Name)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(kv.Value)
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Get returns the value for name and whether it is present.
func (p ExampleParams) Get(name string) (string, bool) {
	for _, kv := range p {
		if kv.Name == name {
			return kv.Value, true
		}
	}
	return "", false
}

func stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case json.Number:
		return x.String()
	case bool:
		if x {
			return "true"
		}
		return "false"
	default:
		b, _ := json.Marshal(x)
		return string(b)
	}
}

// Interface is one callable upstream data source.
type Interface struct {
	Name          string        `json:"name"`
	Description   string        `json:"description"`
	ExampleParams ExampleParams `json:"example_params"`
}

// Category groups interfaces for presentation. Only the interface names
// are semantically significant to the invoker.
type Category struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Interfaces  []Interface `json:"interfaces"`
}

// Document is the raw catalog file shape.
type Document struct {
	Categories []Category `json:"categories"`
}

// Registry is the loaded, immutable interface catalog.
type Registry struct {
	doc    Document
	raw    []byte
	flat   []Interface
	byName map[string]Interface
}

// Load reads and indexes the catalog document at path.
func Load(path string) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: read %s: %w", path, err)
	}
	return Parse(raw)
}

// Parse indexes a catalog document already in memory.
func Parse(raw []byte) (*Registry, error) {
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("catalog: parse: %w", err)
	}
	if len(doc.Categories) == 0 {
		return nil, fmt.Errorf("catalog: no categories")
	}

	reg := &Registry{
		doc:    doc,
		raw:    raw,
		byName: make(map[string]Interface),
	}
	for _, cat := range doc.Categories {
		for _, iface := range cat.Interfaces {
			if iface.Name == "" {
				return nil, fmt.Errorf("catalog: interface with empty name in category %q", cat.Name)
			}
			if _, dup := reg.byName[iface.Name]; dup {
				return nil, fmt.Errorf("catalog: duplicate interface %q", iface.Name)
			}
			reg.byName[iface.Name] = iface
			reg.flat = append(reg.flat, iface)
		}
	}
	return reg, nil
}

// List returns all interfaces in document order.
func (r *Registry) List() []Interface {
	out := make([]Interface, len(r.flat))
	copy(out, r.flat)
	return out
}

// Has reports whether name is a known interface.
func (r *Registry) Has(name string) bool {
	_, ok := r.byName[name]
	return ok
}

// Get returns the interface named name.
func (r *Registry) Get(name string) (Interface, bool) {
	iface, ok := r.byName[name]
	return iface, ok
}

// Document returns the parsed catalog document.
func (r *Registry) Document() Document {
	return r.doc
}

// Raw returns the catalog file bytes as loaded.
func (r *Registry) Raw() []byte {
	return r.raw
}

// Len returns the number of interfaces.
func (r *Registry) Len() int {
	return len(r.flat)
}
