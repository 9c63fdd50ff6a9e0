package tools

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akfin/datagate/pkg/catalog"
	"github.com/akfin/datagate/pkg/table"
)

type fakeFetcher struct {
	lastIface  string
	lastParams map[string]string
	calls      int
}

func (f *fakeFetcher) GetOrCompute(ctx context.Context, iface string, params map[string]string) (*table.Table, error) {
	f.calls++
	f.lastIface = iface
	f.lastParams = params
	t := table.New([]string{"日期", "收盘"})
	for i := 0; i < 100; i++ {
		_ = t.Append([]table.Cell{table.String("2023-01-03"), table.Float(1710.5)})
	}
	return t, nil
}

type fakeFiles struct {
	lastOwner string
}

func (f *fakeFiles) List(owner string) ([]string, error) {
	f.lastOwner = owner
	return []string{"mini.csv"}, nil
}

func (f *fakeFiles) Browse(owner, filename string, page, pageSize int) (*table.Page, error) {
	f.lastOwner = owner
	t := table.New([]string{"date", "price"})
	_ = t.Append([]table.Cell{table.String("2024-01-01"), table.String("10")})
	return table.Paginate(t, page, pageSize), nil
}

func newTestRegistry(t *testing.T) (*Registry, *fakeFetcher, *fakeFiles) {
	t.Helper()
	cat, err := catalog.Parse([]byte(`{
		"categories": [{
			"name": "stocks",
			"interfaces": [{"name": "stock_zh_a_hist", "description": "history",
				"example_params": {"symbol": "600519"}}]
		}]
	}`))
	require.NoError(t, err)

	fetch := &fakeFetcher{}
	fs := &fakeFiles{}
	reg, err := NewRegistry(fetch, fs, cat)
	require.NoError(t, err)
	return reg, fetch, fs
}

func TestDefinitions(t *testing.T) {
	reg, _, _ := newTestRegistry(t)

	defs := reg.Definitions()
	require.Len(t, defs, 4)
	var names []string
	for _, d := range defs {
		names = append(names, d.Name)
		assert.NotEmpty(t, d.Description)
		assert.NotNil(t, d.Parameters)
	}
	assert.Contains(t, names, ToolFetchMarketData)
	assert.Contains(t, names, ToolDescribeInterfaces)
}

func TestExecute_FetchMarketData(t *testing.T) {
	reg, fetch, _ := newTestRegistry(t)

	out, err := reg.Execute(context.Background(), "alice", ToolFetchMarketData, map[string]any{
		"interface": "stock_zh_a_hist",
		"params":    map[string]any{"symbol": "600519", "count": float64(30)},
	})
	require.NoError(t, err)

	assert.Equal(t, "stock_zh_a_hist", fetch.lastIface)
	assert.Equal(t, "600519", fetch.lastParams["symbol"])
	assert.Equal(t, "30", fetch.lastParams["count"], "numeric params become query text")

	var page map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &page))
	assert.EqualValues(t, 100, page["total_records"])
	data := page["data"].([]any)
	assert.LessOrEqual(t, len(data), maxToolRecords, "tool results are truncated")
}

func TestExecute_SchemaRejections(t *testing.T) {
	reg, fetch, _ := newTestRegistry(t)

	cases := map[string]map[string]any{
		"missing interface": {},
		"wrong type":        {"interface": 42},
		"extra property":    {"interface": "stock_zh_a_hist", "owner": "bob"},
		"page out of range": {"interface": "stock_zh_a_hist", "page_size": float64(9999)},
		"nested param":      {"interface": "stock_zh_a_hist", "params": map[string]any{"a": map[string]any{}}},
	}
	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := reg.Execute(context.Background(), "alice", ToolFetchMarketData, args)
			assert.Error(t, err)
		})
	}
	assert.Zero(t, fetch.calls, "rejected calls must never reach the fetcher")
}

func TestExecute_UnknownTool(t *testing.T) {
	reg, _, _ := newTestRegistry(t)

	_, err := reg.Execute(context.Background(), "alice", "drop_tables", nil)
	assert.Error(t, err)
}

func TestExecute_IdentityPinning(t *testing.T) {
	reg, _, fs := newTestRegistry(t)

	_, err := reg.Execute(context.Background(), "alice", ToolListMyFiles, nil)
	require.NoError(t, err)
	assert.Equal(t, "alice", fs.lastOwner)

	_, err = reg.Execute(context.Background(), "alice", ToolReadMyFile, map[string]any{"filename": "mini.csv"})
	require.NoError(t, err)
	assert.Equal(t, "alice", fs.lastOwner, "file access is always under the caller")

	// There is no argument through which a caller can name another owner.
	_, err = reg.Execute(context.Background(), "alice", ToolReadMyFile, map[string]any{
		"filename": "mini.csv", "owner": "bob",
	})
	assert.Error(t, err)
}

func TestExecute_DescribeInterfaces(t *testing.T) {
	reg, _, _ := newTestRegistry(t)

	out, err := reg.Execute(context.Background(), "alice", ToolDescribeInterfaces, map[string]any{})
	require.NoError(t, err)

	var ifaces []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &ifaces))
	require.Len(t, ifaces, 1)
	assert.Equal(t, "stock_zh_a_hist", ifaces[0]["name"])
}
