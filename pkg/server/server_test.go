package server_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akfin/datagate/pkg/auth"
	"github.com/akfin/datagate/pkg/cache"
	"github.com/akfin/datagate/pkg/catalog"
	"github.com/akfin/datagate/pkg/dispatch"
	"github.com/akfin/datagate/pkg/files"
	"github.com/akfin/datagate/pkg/llm"
	"github.com/akfin/datagate/pkg/observability"
	"github.com/akfin/datagate/pkg/server"
	"github.com/akfin/datagate/pkg/tools"
	"github.com/akfin/datagate/pkg/upstream"
)

const testCatalog = `{
  "categories": [{
    "name": "股票数据",
    "description": "A-share equities",
    "interfaces": [{
      "name": "stock_zh_a_hist",
      "description": "历史行情数据",
      "example_params": {"symbol": "600519", "period": "daily",
        "start_date": "20230101", "end_date": "20231231"}
    }]
  }]
}`

type testEnv struct {
	gateway       *httptest.Server
	upstreamCalls *atomic.Int32
	lastUpstream  *atomic.Value // url.Values of the last upstream query
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	var upstreamCalls atomic.Int32
	var lastUpstream atomic.Value
	fakeUpstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasPrefix(r.URL.Path, "/api/public/"))
		upstreamCalls.Add(1)
		lastUpstream.Store(r.URL.Query())
		fmt.Fprint(w, `[
			{"日期": "2023-01-03", "收盘": 1710.5, "成交量": 34500},
			{"日期": "2023-01-04", "收盘": 1720.0, "成交量": 31200}
		]`)
	}))
	t.Cleanup(fakeUpstream.Close)

	reg, err := catalog.Parse([]byte(testCatalog))
	require.NoError(t, err)

	creds, err := auth.OpenCredentialStore(filepath.Join(t.TempDir(), "users.db"))
	require.NoError(t, err)
	require.NoError(t, creds.Create(t.Context(), "alice", "correct"))
	require.NoError(t, creds.Create(t.Context(), "bob", "hunter2"))

	tokens := auth.NewTokenService([]byte("test-secret"), 30*time.Minute)

	invoker := upstream.New(reg, fakeUpstream.URL, upstream.Options{
		Timeout:     5 * time.Second,
		Retries:     3,
		BackoffBase: time.Millisecond,
	})
	dataCache, err := cache.New(t.TempDir(), invoker, cache.Options{ServeStaleOnError: true})
	require.NoError(t, err)

	fileStore, err := files.NewStore(t.TempDir(), 1024, nil)
	require.NoError(t, err)

	toolReg, err := tools.NewRegistry(dataCache, fileStore, reg)
	require.NoError(t, err)

	// A model endpoint nothing listens on: every chat turn fails fast and
	// analyze degrades to the rule-based path.
	model := llm.NewOpenAIClient("http://127.0.0.1:1", "", "test-model", nil)
	dispatcher := dispatch.New(model, toolReg, dataCache, dispatch.Options{
		MaxTurns: 6,
		Deadline: 5 * time.Second,
	})

	obs, err := observability.New(t.Context(), &observability.Config{ServiceName: "datagate-test"})
	require.NoError(t, err)

	srv := server.New(server.Options{
		Credentials:    creds,
		Tokens:         tokens,
		Catalog:        reg,
		Cache:          dataCache,
		Files:          fileStore,
		Dispatcher:     dispatcher,
		Observability:  obs,
		CORSOrigins:    []string{"https://app.akfin.dev"},
		MaxUploadBytes: 1024,
	})
	gateway := httptest.NewServer(srv.Handler())
	t.Cleanup(gateway.Close)

	return &testEnv{
		gateway:       gateway,
		upstreamCalls: &upstreamCalls,
		lastUpstream:  &lastUpstream,
	}
}

func (e *testEnv) login(t *testing.T, username, password string) string {
	t.Helper()
	resp, err := http.PostForm(e.gateway.URL+"/api/token", url.Values{
		"username": {username},
		"password": {password},
	})
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "bearer", body["token_type"])
	return body["access_token"]
}

func (e *testEnv) do(t *testing.T, method, path, token string, body io.Reader, contentType string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, e.gateway.URL+path, body)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, raw
}

func multipartFile(t *testing.T, filename, content string) (io.Reader, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = fw.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func TestLoginThenListInterfaces(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t, "alice", "correct")

	resp, raw := env.do(t, "GET", "/api/users/me", token, nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"username": "alice"}`, string(raw))

	resp, raw = env.do(t, "GET", "/api/mcp-data/interfaces", token, nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var ifaces []map[string]any
	require.NoError(t, json.Unmarshal(raw, &ifaces))
	require.Len(t, ifaces, 1)
	assert.Equal(t, "stock_zh_a_hist", ifaces[0]["name"])
}

func TestBadCredentialsRejected(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.PostForm(env.gateway.URL+"/api/token", url.Values{
		"username": {"alice"},
		"password": {"wrong"},
	})
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestProtectedEndpointsRequireToken(t *testing.T) {
	env := newTestEnv(t)

	for _, path := range []string{"/api/users/me", "/api/data/files", "/api/mcp-data/interfaces"} {
		resp, _ := env.do(t, "GET", path, "", nil, "")
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "path %s", path)
	}
}

func TestCachedHistoricalFetch(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t, "alice", "correct")

	body := `{"interface": "stock_zh_a_hist", "params": {"symbol": "600519",
		"period": "daily", "start_date": "20230101", "end_date": "20231231"},
		"request_id": "r1"}`

	resp, first := env.do(t, "POST", "/api/mcp-data", token, strings.NewReader(body), "application/json")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var page map[string]any
	require.NoError(t, json.Unmarshal(first, &page))
	assert.EqualValues(t, 2, page["total_records"])
	assert.EqualValues(t, 1, page["current_page"])

	resp, second := env.do(t, "POST", "/api/mcp-data", token, strings.NewReader(body), "application/json")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, first, second, "repeat request must be byte-identical")
	assert.Equal(t, int32(1), env.upstreamCalls.Load(), "second request must come from cache")
}

func TestMCPData_UnknownInterface(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t, "alice", "correct")

	body := `{"interface": "no_such_iface", "params": {}}`
	resp, _ := env.do(t, "POST", "/api/mcp-data", token, strings.NewReader(body), "application/json")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestUploadAndBrowse(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t, "alice", "correct")

	csv := "date,price\n2024-01-01,10\n2024-01-02,11\n2024-01-03,12"
	body, contentType := multipartFile(t, "mini.csv", csv)
	resp, raw := env.do(t, "POST", "/api/data/upload", token, body, contentType)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))
	assert.JSONEq(t, `{"filename": "mini.csv"}`, string(raw))

	resp, raw = env.do(t, "GET", "/api/data/files", token, nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `["mini.csv"]`, string(raw))

	resp, raw = env.do(t, "POST", "/api/data/explore/mini.csv?page=1&page_size=2", token, nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{
		"data": [
			{"date": "2024-01-01", "price": "10"},
			{"date": "2024-01-02", "price": "11"}
		],
		"current_page": 1,
		"total_pages": 2,
		"total_records": 3
	}`, string(raw))
}

func TestPathTraversalRejected(t *testing.T) {
	env := newTestEnv(t)
	aliceToken := env.login(t, "alice", "correct")
	bobToken := env.login(t, "bob", "hunter2")

	body, contentType := multipartFile(t, "secret.csv", "a\n1")
	resp, _ := env.do(t, "POST", "/api/data/upload", bobToken, body, contentType)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = env.do(t, "DELETE", "/api/data/files/..%2Fbob%2Fsecret.csv", aliceToken, nil, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, raw := env.do(t, "GET", "/api/data/files", bobToken, nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `["secret.csv"]`, string(raw), "bob's file must be unchanged")
}

func TestTooLargeUploadRejected(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t, "alice", "correct")

	body, contentType := multipartFile(t, "big.bin", strings.Repeat("x", 4096))
	resp, _ := env.do(t, "POST", "/api/data/upload", token, body, contentType)
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)

	resp, raw := env.do(t, "GET", "/api/data/files", token, nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `[]`, string(raw))
}

func TestDeleteFile(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t, "alice", "correct")

	body, contentType := multipartFile(t, "gone.csv", "a\n1")
	resp, _ := env.do(t, "POST", "/api/data/upload", token, body, contentType)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = env.do(t, "DELETE", "/api/data/files/gone.csv", token, nil, "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = env.do(t, "DELETE", "/api/data/files/gone.csv", token, nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAnalyzeFallsBackWhenModelUnreachable(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t, "alice", "correct")

	body := `{"query": "分析000001最近表现"}`
	resp, raw := env.do(t, "POST", "/api/llm/analyze", token, strings.NewReader(body), "application/json")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))

	var env2 map[string]any
	require.NoError(t, json.Unmarshal(raw, &env2))
	assert.NotEmpty(t, env2["summary"])
	assert.Nil(t, env2["confidence"])

	assert.LessOrEqual(t, env.upstreamCalls.Load(), int32(1))
	if env.upstreamCalls.Load() == 1 {
		q := env.lastUpstream.Load().(url.Values)
		assert.Equal(t, "000001", q.Get("symbol"))
	}
}

func TestChatSurfacesModelFailure(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t, "alice", "correct")

	body := `{"prompt": "你好"}`
	resp, _ := env.do(t, "POST", "/api/llm/chat", token, strings.NewReader(body), "application/json")
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestHealthIsPublic(t *testing.T) {
	env := newTestEnv(t)

	resp, raw := env.do(t, "GET", "/api/health", "", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status": "ok"}`, string(raw))
}

func TestRawCatalogPassthrough(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t, "alice", "correct")

	resp, raw := env.do(t, "GET", "/api/interfaces", token, nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, testCatalog, string(raw))
}

func TestCORSPreflightBypassesAuth(t *testing.T) {
	env := newTestEnv(t)

	req, err := http.NewRequest(http.MethodOptions, env.gateway.URL+"/api/users/me", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://app.akfin.dev")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "https://app.akfin.dev", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Headers"), "Authorization")
}

func TestCORSUnlistedOriginGetsNoAllowHeader(t *testing.T) {
	env := newTestEnv(t)

	req, err := http.NewRequest(http.MethodGet, env.gateway.URL+"/api/health", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://elsewhere.example.com")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}
