// Package tools exposes the closed set of capabilities the model may call.
// Every tool runs under the calling user's identity; arguments are
// validated against a compiled JSON schema before any work happens.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/akfin/datagate/pkg/catalog"
	"github.com/akfin/datagate/pkg/llm"
	"github.com/akfin/datagate/pkg/table"
)

// Tool names. The set is closed and known at startup.
const (
	ToolFetchMarketData    = "fetch_market_data"
	ToolListMyFiles        = "list_my_files"
	ToolReadMyFile         = "read_my_file"
	ToolDescribeInterfaces = "describe_interfaces"
)

// maxToolRecords bounds how many records a tool result feeds back to the
// model, regardless of the requested page size.
const maxToolRecords = 50

// DataFetcher is the cached market-data read path.
type DataFetcher interface {
	GetOrCompute(ctx context.Context, iface string, params map[string]string) (*table.Table, error)
}

// FileReader is the subset of the user file store tools need.
type FileReader interface {
	List(owner string) ([]string, error)
	Browse(owner, filename string, page, pageSize int) (*table.Page, error)
}

var toolSchemas = map[string]string{
	ToolFetchMarketData: `{
		"type": "object",
		"properties": {
			"interface": {"type": "string", "minLength": 1},
			"params": {
				"type": "object",
				"additionalProperties": {"type": ["string", "number", "boolean"]}
			},
			"page": {"type": "integer", "minimum": 1},
			"page_size": {"type": "integer", "minimum": 1, "maximum": 500}
		},
		"required": ["interface"],
		"additionalProperties": false
	}`,
	ToolListMyFiles: `{
		"type": "object",
		"additionalProperties": false
	}`,
	ToolReadMyFile: `{
		"type": "object",
		"properties": {
			"filename": {"type": "string", "minLength": 1},
			"page": {"type": "integer", "minimum": 1},
			"page_size": {"type": "integer", "minimum": 1, "maximum": 500}
		},
		"required": ["filename"],
		"additionalProperties": false
	}`,
	ToolDescribeInterfaces: `{
		"type": "object",
		"additionalProperties": false
	}`,
}

var toolDescriptions = map[string]string{
	ToolFetchMarketData:    "获取指定数据接口的市场数据。参数 interface 为接口名, params 为该接口的查询参数, 可选 page/page_size 分页。",
	ToolListMyFiles:        "列出当前用户上传的数据文件。",
	ToolReadMyFile:         "读取当前用户上传的 CSV 文件内容, 可选 page/page_size 分页。",
	ToolDescribeInterfaces: "列出所有可用的数据接口及其示例参数。",
}

// Registry holds the compiled tool set.
type Registry struct {
	fetch   DataFetcher
	files   FileReader
	catalog *catalog.Registry

	schemas map[string]*jsonschema.Schema
	defs    []llm.ToolDefinition
}

// NewRegistry compiles all tool schemas up front; a schema that fails to
// compile is a startup error, not a request error.
func NewRegistry(fetch DataFetcher, files FileReader, cat *catalog.Registry) (*Registry, error) {
	r := &Registry{
		fetch:   fetch,
		files:   files,
		catalog: cat,
		schemas: make(map[string]*jsonschema.Schema),
	}
	for _, name := range []string{ToolFetchMarketData, ToolListMyFiles, ToolReadMyFile, ToolDescribeInterfaces} {
		raw := toolSchemas[name]

		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		schemaURL := fmt.Sprintf("https://datagate.akfin.dev/tools/%s.schema.json", name)
		if err := c.AddResource(schemaURL, strings.NewReader(raw)); err != nil {
			return nil, fmt.Errorf("tool %s: schema load failed: %w", name, err)
		}
		compiled, err := c.Compile(schemaURL)
		if err != nil {
			return nil, fmt.Errorf("tool %s: schema compile failed: %w", name, err)
		}
		r.schemas[name] = compiled

		var params map[string]any
		if err := json.Unmarshal([]byte(raw), &params); err != nil {
			return nil, fmt.Errorf("tool %s: schema parse failed: %w", name, err)
		}
		r.defs = append(r.defs, llm.ToolDefinition{
			Name:        name,
			Description: toolDescriptions[name],
			Parameters:  params,
		})
	}
	return r, nil
}

// Definitions returns the tool declarations for the model's system context.
func (r *Registry) Definitions() []llm.ToolDefinition {
	out := make([]llm.ToolDefinition, len(r.defs))
	copy(out, r.defs)
	return out
}

// Execute validates args and runs tool name as caller. The returned string
// is a JSON document for the model. Errors here are tool-level: the
// dispatcher feeds them back to the model rather than aborting the loop.
func (r *Registry) Execute(ctx context.Context, caller, name string, args map[string]any) (string, error) {
	schema, ok := r.schemas[name]
	if !ok {
		return "", fmt.Errorf("unknown tool %q", name)
	}
	if args == nil {
		args = map[string]any{}
	}
	if err := schema.Validate(normalizeArgs(args)); err != nil {
		return "", fmt.Errorf("tool %s: invalid arguments: %w", name, err)
	}

	var result any
	var err error
	switch name {
	case ToolFetchMarketData:
		result, err = r.fetchMarketData(ctx, args)
	case ToolListMyFiles:
		result, err = r.files.List(caller)
	case ToolReadMyFile:
		result, err = r.readMyFile(caller, args)
	case ToolDescribeInterfaces:
		result = r.catalog.List()
	}
	if err != nil {
		return "", err
	}

	out, err := json.Marshal(result)
	if err != nil {
		return "", fmt.Errorf("tool %s: serializing result: %w", name, err)
	}
	return string(out), nil
}

func (r *Registry) fetchMarketData(ctx context.Context, args map[string]any) (any, error) {
	iface, _ := args["interface"].(string)
	params := map[string]string{}
	if raw, ok := args["params"].(map[string]any); ok {
		for k, v := range raw {
			params[k] = argString(v)
		}
	}

	t, err := r.fetch.GetOrCompute(ctx, iface, params)
	if err != nil {
		return nil, err
	}
	page := table.Paginate(t, intArg(args, "page", 1), intArg(args, "page_size", maxToolRecords))
	return truncate(page), nil
}

func (r *Registry) readMyFile(caller string, args map[string]any) (any, error) {
	filename, _ := args["filename"].(string)
	page, err := r.files.Browse(caller, filename,
		intArg(args, "page", 1), intArg(args, "page_size", maxToolRecords))
	if err != nil {
		return nil, err
	}
	return truncate(page), nil
}

// truncate caps the records handed back to the model. Pagination metadata
// is kept so the model can ask for the next page instead.
func truncate(p *table.Page) *table.Page {
	if p.Data != nil && p.Data.Len() > maxToolRecords {
		p.Data = p.Data.Slice(0, maxToolRecords)
	}
	return p
}

// normalizeArgs re-encodes args through JSON so integer-valued floats from
// the wire validate against "integer" schema types.
func normalizeArgs(args map[string]any) any {
	raw, err := json.Marshal(args)
	if err != nil {
		return args
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return args
	}
	return out
}

func intArg(args map[string]any, key string, def int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return int(i)
		}
	}
	return def
}

func argString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case bool:
		if x {
			return "true"
		}
		return "false"
	case float64:
		// Query parameters are text; trim the float form of integers.
		if x == float64(int64(x)) {
			return fmt.Sprintf("%d", int64(x))
		}
		return fmt.Sprintf("%g", x)
	case json.Number:
		return x.String()
	default:
		b, _ := json.Marshal(v)
		return string(b)
	}
}
