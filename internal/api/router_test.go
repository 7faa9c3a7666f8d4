package api

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OSM-es/CatAtomApi/internal/api/middleware"
	"github.com/OSM-es/CatAtomApi/internal/domain"
	"github.com/OSM-es/CatAtomApi/internal/engine"
	"github.com/OSM-es/CatAtomApi/internal/notify"
	"github.com/OSM-es/CatAtomApi/internal/repository"
	"github.com/OSM-es/CatAtomApi/internal/service"
)

// gatedLauncher runs nothing; each run ends when released.
type gatedLauncher struct {
	mu    sync.Mutex
	gates []chan struct{}
}

func (l *gatedLauncher) Launch(context.Context, engine.Spec) (*engine.Run, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	gate := make(chan struct{})
	l.gates = append(l.gates, gate)
	return engine.NewRun(0, func() error { <-gate; return nil }), nil
}

func (l *gatedLauncher) release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, g := range l.gates {
		close(g)
	}
	l.gates = nil
}

type testServer struct {
	repo   *repository.JobRepository
	router http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	root := t.TempDir()
	repo := repository.NewJobRepository(filepath.Join(root, "work"), filepath.Join(root, "backup"))
	deriver := service.NewStatusDeriver(service.DefaultLayout())
	sink := &notify.Recorder{}
	launcher := &gatedLauncher{}
	ctrl := service.NewController(service.ControllerConfig{Deriver: deriver, Launcher: launcher, Sink: sink})
	t.Cleanup(func() {
		launcher.release()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = ctrl.Shutdown(ctx)
	})

	router := SetupRouter(Services{
		Repo:       repo,
		Deriver:    deriver,
		Controller: ctrl,
		Tailer:     service.NewTailer(deriver, sink, 0, 0),
		Review:     service.NewReviewWorkflow(deriver, sink, nil),
		Highway:    service.NewHighwayEditor(deriver, sink, nil),
		Chat:       service.NewChatLog(sink),
	}, "test", middleware.CORSConfig{AllowAllOrigins: true})
	return &testServer{repo: repo, router: router}
}

func (s *testServer) do(t *testing.T, method, url, user string, body []byte, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, url, bytes.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if user != "" {
		req.Header.Set(middleware.UserIDHeader, user)
		req.Header.Set(middleware.UserNameHeader, "user "+user)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *testServer) job(code string) *repository.Job {
	return s.repo.Get(domain.JobKey{Code: code})
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	w := s.do(t, http.MethodGet, "/health", "", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get(middleware.RequestIDHeader))
}

func TestGetJob(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodGet, "/api/v1/jobs/28900", "", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "AVAILABLE", body["status"])
	assert.Equal(t, "Not processed", body["message"])

	w = s.do(t, http.MethodGet, "/api/v1/jobs/2890X", "", nil, "")
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "not_valid", decode(t, w)["code"])

	w = s.do(t, http.MethodGet, "/api/v1/jobs/28900?split=../x", "", nil, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStartAndConflicts(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodPost, "/api/v1/jobs/28900", "", nil, "")
	require.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "unauthorized", decode(t, w)["code"])

	w = s.do(t, http.MethodPost, "/api/v1/jobs/28900", "1", []byte(`{"building":true}`), "application/json")
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, "RUNNING", body["status"])
	assert.Equal(t, "1", body["owner"].(map[string]interface{})["id"])

	w = s.do(t, http.MethodPost, "/api/v1/jobs/28900", "1", nil, "")
	require.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "conflict", decode(t, w)["code"])

	w = s.do(t, http.MethodDelete, "/api/v1/jobs/28900", "1", nil, "")
	assert.Equal(t, http.StatusConflict, w.Code)

	w = s.do(t, http.MethodPost, "/api/v1/jobs/28900", "1", []byte(`{"building":`), "application/json")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodGet, "/api/v1/jobs", "", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decode(t, w)["total"])
}

func TestLog(t *testing.T) {
	s := newTestServer(t)
	require.NoError(t, s.job("28900").Dir.WriteFile("catatom2osm.log", []byte("a\nb\nc\n")))

	w := s.do(t, http.MethodGet, "/api/v1/jobs/28900/log?from=1", "", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, []interface{}{"b", "c"}, body["lines"])
	assert.EqualValues(t, 3, body["cursor"])

	w = s.do(t, http.MethodGet, "/api/v1/jobs/28900/log?from=-1", "", nil, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestExport(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodGet, "/api/v1/jobs/28900/export", "", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", decode(t, w)["code"])

	require.NoError(t, s.job("28900").Dir.WriteFile("tasks/a.osm.gz", []byte("x")))
	w = s.do(t, http.MethodGet, "/api/v1/jobs/28900/export", "", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/zip", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), "28900.zip")
	assert.Equal(t, "PK", w.Body.String()[:2])
}

func gzipped(t *testing.T, s string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(s))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func multipartFile(t *testing.T, name string, content []byte) ([]byte, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", name)
	require.NoError(t, err)
	_, err = fw.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return buf.Bytes(), mw.FormDataContentType()
}

func TestFixmeReview(t *testing.T) {
	s := newTestServer(t)
	job := s.job("28900")
	const item = "A0000000000000"
	require.NoError(t, job.Dir.WriteJSON(service.OwnerFile, domain.User{ID: "1", DisplayName: "user 1"}))
	require.NoError(t, job.Dir.WriteFile(service.ReportText, []byte("r")))
	require.NoError(t, job.Dir.WriteFile("tasks/"+item+".osm.gz", gzipped(t, `<osm><node id="1"><tag k="fixme" v="x"/></node></osm>`)))
	require.NoError(t, job.Dir.WriteJSON(service.RegistryFile, domain.Registry{
		item: {ItemID: item, Path: "tasks/" + item + ".osm.gz", FixmeCount: 1},
	}))

	w := s.do(t, http.MethodGet, "/api/v1/jobs/28900/fixmes", "", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decode(t, w)["total"])

	body, ct := multipartFile(t, item+".osm.gz", []byte("not gzip"))
	w = s.do(t, http.MethodPost, "/api/v1/jobs/28900/fixmes", "1", body, ct)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPut, "/api/v1/jobs/28900/fixmes/"+item, "2", nil, "")
	assert.Equal(t, http.StatusConflict, w.Code)

	w = s.do(t, http.MethodPut, "/api/v1/jobs/28900/fixmes/"+item, "1", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["locked"])

	w = s.do(t, http.MethodDelete, "/api/v1/jobs/28900/fixmes", "1", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, decode(t, w)["cleared"])

	body, ct = multipartFile(t, item+".osm.gz", gzipped(t, `<osm><node id="1"/></osm>`))
	w = s.do(t, http.MethodPost, "/api/v1/jobs/28900/fixmes", "1", body, ct)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.EqualValues(t, 0, decode(t, w)["fixme_count"])

	w = s.do(t, http.MethodDelete, "/api/v1/jobs/28900/fixmes", "1", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["cleared"])

	w = s.do(t, http.MethodGet, "/api/v1/jobs/28900", "", nil, "")
	assert.Equal(t, "DONE", decode(t, w)["status"])
}

func TestHighwaysRequireReview(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodGet, "/api/v1/jobs/28900/highways", "", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 0, decode(t, w)["total"])

	w = s.do(t, http.MethodPut, "/api/v1/jobs/28900/highways", "1", []byte(`{"source":"CL MAYOR","converted":"Calle Mayor"}`), "application/json")
	assert.Equal(t, http.StatusConflict, w.Code)

	w = s.do(t, http.MethodPut, "/api/v1/jobs/28900/highways", "1", []byte(`{}`), "application/json")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodGet, "/api/v1/jobs/28900/highways?source=CL+MAYOR", "", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestChatAndAudit(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodPost, "/api/v1/jobs/28900/chat", "1", []byte(`{"text":"hola"}`), "application/json")
	require.Equal(t, http.StatusCreated, w.Code)

	w = s.do(t, http.MethodPost, "/api/v1/jobs/28900/chat", "1", []byte(`{"text":""}`), "application/json")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodGet, "/api/v1/jobs/28900/chat", "", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	msgs := decode(t, w)["messages"].([]interface{})
	require.Len(t, msgs, 1)
	assert.Equal(t, "hola", msgs[0].(map[string]interface{})["text"])

	w = s.do(t, http.MethodGet, "/api/v1/jobs/28900/audit", "", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decode(t, w)["entries"])

	w = s.do(t, http.MethodGet, "/api/v1/jobs/28900/splits", "", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decode(t, w)["splits"])
}

func TestCORSPreflight(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/jobs/28900", nil)
	req.Header.Set("Origin", "https://example.org")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}
