package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/akfin/datagate/pkg/api"
	"github.com/akfin/datagate/pkg/auth"
	"github.com/akfin/datagate/pkg/catalog"
	"github.com/akfin/datagate/pkg/table"
)

// maxJSONBody bounds JSON request bodies. Uploads have their own cap.
const maxJSONBody = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		api.WriteBadRequest(w, "Malformed form body")
		return
	}
	username := r.PostFormValue("username")
	password := r.PostFormValue("password")
	if username == "" || password == "" {
		api.WriteBadRequest(w, "username and password are required")
		return
	}

	ok, err := s.creds.Authenticate(r.Context(), username, password)
	if err != nil {
		s.log.Error("credential backend failure", "error", err)
		api.WriteInternal(w, err)
		return
	}
	if !ok {
		api.WriteUnauthorized(w, "Incorrect username or password")
		return
	}

	token, err := s.tokens.Issue(username)
	if err != nil {
		api.WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"access_token": token,
		"token_type":   "bearer",
	})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"username": auth.MustSubject(r.Context()),
	})
}

func (s *Server) handleRawCatalog(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(s.catalog.Raw())
}

type interfaceSummary struct {
	Name          string                `json:"name"`
	Description   string                `json:"description"`
	ExampleParams catalog.ExampleParams `json:"example_params"`
}

func (s *Server) handleListInterfaces(w http.ResponseWriter, r *http.Request) {
	ifaces := s.catalog.List()
	out := make([]interfaceSummary, 0, len(ifaces))
	for _, iface := range ifaces {
		out = append(out, interfaceSummary{
			Name:          iface.Name,
			Description:   iface.Description,
			ExampleParams: iface.ExampleParams,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type mcpDataRequest struct {
	Interface string         `json:"interface"`
	Params    map[string]any `json:"params"`
	RequestID string         `json:"request_id"`
}

func (s *Server) handleMCPData(w http.ResponseWriter, r *http.Request) {
	var req mcpDataRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody)).Decode(&req); err != nil {
		api.WriteBadRequest(w, "Malformed request body")
		return
	}
	if req.Interface == "" {
		api.WriteBadRequest(w, "interface is required")
		return
	}

	params := make(map[string]string, len(req.Params))
	for k, v := range req.Params {
		params[k] = paramString(v)
	}
	page := queryInt(r, "page", 1)
	pageSize := queryInt(r, "page_size", 50)

	fetch := func() (any, error) {
		t, err := s.cache.GetOrCompute(r.Context(), req.Interface, params)
		if err != nil {
			return nil, err
		}
		return table.Paginate(t, page, pageSize), nil
	}

	var result any
	var err error
	if req.RequestID != "" {
		// Concurrent duplicates of the same request id share one
		// computation; the key includes paging so distinct views never
		// collide.
		key := fmt.Sprintf("%s|%s|%d|%d", req.RequestID, req.Interface, page, pageSize)
		result, err, _ = s.replay.Do(key, fetch)
	} else {
		result, err = fetch()
	}
	if err != nil {
		api.WriteProblem(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	owner := auth.MustSubject(r.Context())

	// Leave headroom over the file cap for multipart framing.
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes+(1<<16))
	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLargeErr *http.MaxBytesError
		if errors.As(err, &tooLargeErr) {
			api.WriteProblem(w, r, fmt.Errorf("%w: request body too large", api.ErrTooLarge))
			return
		}
		api.WriteBadRequest(w, "multipart field 'file' is required")
		return
	}
	defer func() { _ = file.Close() }()

	name, err := s.files.Upload(owner, header.Filename, file)
	if err != nil {
		api.WriteProblem(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"filename": name})
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	owner := auth.MustSubject(r.Context())
	names, err := s.files.List(owner)
	if err != nil {
		api.WriteProblem(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, names)
}

func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	owner := auth.MustSubject(r.Context())
	if err := s.files.Delete(owner, r.PathValue("filename")); err != nil {
		api.WriteProblem(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleExploreFile(w http.ResponseWriter, r *http.Request) {
	owner := auth.MustSubject(r.Context())
	page, err := s.files.Browse(owner, r.PathValue("filename"),
		queryInt(r, "page", 1), queryInt(r, "page_size", 50))
	if err != nil {
		api.WriteProblem(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

type chatRequest struct {
	Prompt string `json:"prompt"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody)).Decode(&req); err != nil {
		api.WriteBadRequest(w, "Malformed request body")
		return
	}
	if req.Prompt == "" {
		api.WriteBadRequest(w, "prompt is required")
		return
	}

	out, err := s.dispatcher.Chat(r.Context(), req.Prompt)
	if err != nil {
		api.WriteProblem(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"response": out})
}

type analyzeRequest struct {
	Query string `json:"query"`
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var req analyzeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody)).Decode(&req); err != nil {
		api.WriteBadRequest(w, "Malformed request body")
		return
	}
	if req.Query == "" {
		api.WriteBadRequest(w, "query is required")
		return
	}

	useLLM := true
	if raw := r.URL.Query().Get("use_llm"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			useLLM = v
		}
	}

	caller := auth.MustSubject(r.Context())
	env, err := s.dispatcher.Analyze(r.Context(), caller, req.Query, useLLM)
	if err != nil {
		api.WriteProblem(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, env)
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

func paramString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case float64:
		if x == float64(int64(x)) {
			return strconv.FormatInt(int64(x), 10)
		}
		return strconv.FormatFloat(x, 'g', -1, 64)
	case nil:
		return ""
	default:
		b, _ := json.Marshal(v)
		return string(b)
	}
}
