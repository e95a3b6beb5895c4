package httpapi

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"labportal/internal/auth"
	"labportal/internal/blob"
	"labportal/internal/catalog"
	"labportal/internal/core"
	"labportal/internal/infra/persistence/memory"
	"labportal/internal/ingest"
	"labportal/pkg/domain"
)

type fixture struct {
	server *httptest.Server
	client *http.Client
	store  *memory.Store
}

func newFixture(t *testing.T, mutate ...func(*Dependencies)) *fixture {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	metrics, err := core.NewPrometheusMetricsRecorder(reg)
	require.NoError(t, err)

	store := memory.NewStore()
	walker := ingest.NewWalker(store, blob.NewMemory(), ingest.WithMetrics(metrics))
	deps := Dependencies{
		Sessions: auth.NewSessionManager(auth.Credentials{Username: "lab", PasswordHash: string(hash)}, time.Hour),
		Uploads:  ingest.NewService(walker, memfs.New()),
		Tables:   catalog.New(store, catalog.WithMetrics(metrics)),
		Metrics:  promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	}
	for _, m := range mutate {
		m(&deps)
	}
	srv := httptest.NewServer(NewRouter(deps))
	t.Cleanup(srv.Close)

	client := srv.Client()
	jar := &cookieJar{cookies: map[string]*http.Cookie{}}
	client.Jar = jar
	return &fixture{server: srv, client: client, store: store}
}

// cookieJar keeps the latest value of each cookie regardless of host.
type cookieJar struct {
	cookies map[string]*http.Cookie
}

func (j *cookieJar) SetCookies(_ *url.URL, cookies []*http.Cookie) {
	for _, c := range cookies {
		if c.MaxAge < 0 {
			delete(j.cookies, c.Name)
			continue
		}
		j.cookies[c.Name] = c
	}
}

func (j *cookieJar) Cookies(*url.URL) []*http.Cookie {
	out := make([]*http.Cookie, 0, len(j.cookies))
	for _, c := range j.cookies {
		out = append(out, c)
	}
	return out
}

func (f *fixture) do(t *testing.T, method, path, contentType string, body []byte) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, f.server.URL+path, bytes.NewReader(body))
	require.NoError(t, err)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := f.client.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	var payload map[string]any
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	}
	return resp, payload
}

func (f *fixture) login(t *testing.T) {
	t.Helper()
	resp, _ := f.do(t, http.MethodPost, "/api/v1/login", "application/json", []byte(`{"username":"lab","password":"s3cret"}`))
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func uploadBody(t *testing.T, fields map[string]string, archiveName string, archive []byte) ([]byte, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if archive != nil {
		part, err := mw.CreateFormFile("archive", archiveName)
		require.NoError(t, err)
		_, err = part.Write(archive)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return buf.Bytes(), mw.FormDataContentType()
}

func experimentArchive(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range map[string]string{
		"Exp1/RigA/GroupX/train1/03102023/m1.txt": "Animal ID,M1",
		"Exp1/RigA/GroupX/train1/03152023/m1.txt": "Animal ID,M1",
		"__MACOSX/Exp1/._m1.txt":                  "junk",
	} {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

func TestProtectedRoutesRequireSession(t *testing.T) {
	f := newFixture(t)
	for _, path := range []string{"/api/v1/session", "/api/v1/tables", "/api/v1/tables/files"} {
		resp, body := f.do(t, http.MethodGet, path, "", nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, path)
		assert.Equal(t, "login required", body["error"])
	}
	resp, _ := f.do(t, http.MethodPost, "/api/v1/uploads", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestLoginFlow(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodPost, "/api/v1/login", "application/json", []byte(`{"username":"lab","password":"bad"}`))
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "invalid credentials", body["error"])

	resp, _ = f.do(t, http.MethodPost, "/api/v1/login", "application/json", []byte(`{not json`))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	form := url.Values{"username": {" lab "}, "password": {"s3cret"}}
	resp, body = f.do(t, http.MethodPost, "/api/v1/login", "application/x-www-form-urlencoded", []byte(form.Encode()))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	session := body["session"].(map[string]any)
	assert.Equal(t, "lab", session["username"])
	assert.NotContains(t, session, "token")

	resp, body = f.do(t, http.MethodGet, "/api/v1/session", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "lab", body["session"].(map[string]any)["username"])

	resp, _ = f.do(t, http.MethodPost, "/api/v1/logout", "", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/api/v1/session", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestStaleCookieIsRejected(t *testing.T) {
	f := newFixture(t)
	f.client.Jar.SetCookies(nil, []*http.Cookie{{Name: sessionCookieName, Value: "forged"}})
	resp, _ := f.do(t, http.MethodGet, "/api/v1/tables", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestUploadAndBrowse(t *testing.T) {
	f := newFixture(t)
	f.login(t)

	body, ct := uploadBody(t, map[string]string{"uploader": "alice", "description": "pilot"}, "exp1.zip", experimentArchive(t))
	resp, payload := f.do(t, http.MethodPost, "/api/v1/uploads", ct, body)
	require.Equal(t, http.StatusCreated, resp.StatusCode, payload)
	report := payload["report"].(map[string]any)
	assert.Equal(t, "Exp1", report["experiment"])
	assert.Equal(t, float64(2), report["files_stored"])

	resp, payload = f.do(t, http.MethodGet, "/api/v1/tables", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, payload["tables"], len(domain.Tables))

	resp, payload = f.do(t, http.MethodGet, "/api/v1/tables/days?limit=1", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "days", payload["table"])
	rows := payload["rows"].([]any)
	require.Len(t, rows, 1)
	assert.Equal(t, "03152023", rows[0].([]any)[4])

	resp, payload = f.do(t, http.MethodGet, "/api/v1/tables/files", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, payload["rows"], 2)

	resp, _ = f.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestUploadValidation(t *testing.T) {
	f := newFixture(t)
	f.login(t)

	cases := map[string]struct {
		fields  map[string]string
		name    string
		archive []byte
	}{
		"missing description": {fields: map[string]string{"uploader": "alice"}, name: "a.zip", archive: experimentArchive(t)},
		"missing archive":     {fields: map[string]string{"uploader": "alice", "description": "d"}},
		"wrong extension":     {fields: map[string]string{"uploader": "alice", "description": "d"}, name: "a.rar", archive: []byte("x")},
		"corrupt zip":         {fields: map[string]string{"uploader": "alice", "description": "d"}, name: "a.zip", archive: []byte("x")},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			body, ct := uploadBody(t, tc.fields, tc.name, tc.archive)
			resp, payload := f.do(t, http.MethodPost, "/api/v1/uploads", ct, body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.NotEmpty(t, payload["error"])
		})
	}

	resp, _ := f.do(t, http.MethodPost, "/api/v1/uploads", "text/plain", []byte("hello"))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Empty(t, f.store.ExportState().Experiments)
}

type failingUploads struct{}

func (failingUploads) Upload(context.Context, ingest.Request) (ingest.Report, error) {
	return ingest.Report{}, errors.New("ingest Exp1: begin transaction: connection refused")
}

func TestUploadWalkFailure(t *testing.T) {
	f := newFixture(t, func(d *Dependencies) { d.Uploads = failingUploads{} })
	f.login(t)
	body, ct := uploadBody(t, map[string]string{"uploader": "alice", "description": "d"}, "a.zip", experimentArchive(t))
	resp, payload := f.do(t, http.MethodPost, "/api/v1/uploads", ct, body)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Contains(t, payload["error"], "connection refused")
}

func TestBrowseErrors(t *testing.T) {
	f := newFixture(t)
	f.login(t)

	resp, payload := f.do(t, http.MethodGet, "/api/v1/tables/users", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "table not found", payload["error"])

	resp, _ = f.do(t, http.MethodGet, "/api/v1/tables/files?limit=abc", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMetricsOptional(t *testing.T) {
	f := newFixture(t, func(d *Dependencies) { d.Metrics = nil })
	resp, _ := f.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
