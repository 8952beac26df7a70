package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"webprotect/pkg/blueprint"
	"webprotect/pkg/metrics"
	"webprotect/services/installer"
	"webprotect/services/ledger"
	"webprotect/services/protect"
)

const fakeToolEnv = "WEBPROTECT_FAKE_TOOL"

func TestMain(m *testing.M) {
	if os.Getenv(fakeToolEnv) == "1" {
		os.Exit(runFakeTool(os.Args[1:]))
	}
	os.Exit(m.Run())
}

// runFakeTool behaves like the protection tool: it copies the blueprint's
// input directory into its output directory, upper-casing nothing but
// prefixing every file.
func runFakeTool(args []string) int {
	if len(args) < 2 || args[0] != "--blueprint" {
		fmt.Fprintln(os.Stderr, "usage: --blueprint <file>")
		return 2
	}
	bp, err := blueprint.Load(args[1])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	_, target, ok := bp.Target()
	if !ok {
		fmt.Fprintln(os.Stderr, "no target")
		return 1
	}
	input, _ := target.StringFold(blueprint.KeyInput)
	output, _ := target.StringFold(blueprint.KeyOutputDirectory)
	err = filepath.WalkDir(input, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, _ := filepath.Rel(input, path)
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		dest := filepath.Join(output, rel)
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return err
		}
		return os.WriteFile(dest, append([]byte("protected:"), data...), 0o644)
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	fmt.Println("protection complete")
	return 0
}

type noSource struct{}

func (noSource) Name() string { return "none" }

func (noSource) Fetch(context.Context, string, string) (installer.Package, error) {
	return installer.Package{}, errors.New("no source configured")
}

func newProtector(t *testing.T) *protect.Protector {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake tool wrapper is a shell script")
	}
	cache, err := installer.NewCache(t.TempDir())
	require.NoError(t, err)

	self, err := os.Executable()
	require.NoError(t, err)
	script := fmt.Sprintf("#!/bin/sh\n%s=1 exec %q \"$@\"\n", fakeToolEnv, self)
	require.NoError(t, os.WriteFile(cache.BinaryPath(), []byte(script), 0o755))
	require.NoError(t, cache.WriteMetadata(installer.Metadata{Version: "7.9.0"}))

	inst, err := installer.New(installer.Options{Cache: cache, Source: noSource{}, Logger: zerolog.Nop()})
	require.NoError(t, err)
	p, err := protect.NewProtector(protect.ProtectorConfig{
		Installer:   inst,
		Env:         blueprint.Env{LicenseToken: "TOKEN"},
		ToolVersion: "7.9.0",
		TempDir:     t.TempDir(),
		Logger:      zerolog.Nop(),
	})
	require.NoError(t, err)
	return p
}

type fakeRuns struct {
	runs  []ledger.Run
	limit int
}

func (f *fakeRuns) Recent(_ context.Context, limit int) ([]ledger.Run, error) {
	f.limit = limit
	return f.runs, nil
}

func newServer(t *testing.T, opts Options) http.Handler {
	t.Helper()
	if opts.Protector == nil {
		opts.Protector = newProtector(t)
	}
	opts.Logger = zerolog.Nop()
	opts.TempDir = t.TempDir()
	s, err := New(opts)
	require.NoError(t, err)
	return s.Routes()
}

func postJSON(t *testing.T, h http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestProtectEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	require.NoError(t, err)
	h := newServer(t, Options{Metrics: m, Gatherer: reg})

	rec := postJSON(t, h, "/v1/protect", map[string]any{
		"blueprint": map[string]any{"targets": map[string]any{"web": map[string]any{}}},
		"assets": map[string][]byte{
			"main.js":   []byte("main"),
			"style.css": []byte("css"),
		},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp protectResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "done", resp.Status)
	assert.NotEqual(t, uuid.Nil, resp.RunID)
	assert.Equal(t, map[string][]byte{"main.js": []byte("protected:main")}, resp.Assets)
	assert.Equal(t, "protection complete\n", resp.Stdout)

	metricsRec := httptest.NewRecorder()
	h.ServeHTTP(metricsRec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, metricsRec.Body.String(), `webprotect_runs_total{status="success"} 1`)
}

func TestProtectEndpointUserError(t *testing.T) {
	h := newServer(t, Options{})
	rec := postJSON(t, h, "/v1/protect", map[string]any{
		"blueprint": map[string]any{"targets": map[string]any{"a": map[string]any{}, "b": map[string]any{}}},
		"assets":    map[string][]byte{"main.js": []byte("main")},
	})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	var resp protectResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "failed", resp.Status)
	assert.Equal(t, "normalizing", resp.FailedIn)
	assert.False(t, resp.Internal)
	assert.Contains(t, resp.Error, "multiple targets")
}

func TestProtectEndpointBadRequest(t *testing.T) {
	h := newServer(t, Options{})

	rec := postJSON(t, h, "/v1/protect", map[string]any{"unknown": true})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = postJSON(t, h, "/v1/protect", map[string]any{"buffer_size": -1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = postJSON(t, h, "/v1/protect", map[string]any{"blueprint": "not a mapping"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestProtectEndpointBodyLimit(t *testing.T) {
	h := newServer(t, Options{MaxBody: 64})

	rec := postJSON(t, h, "/v1/protect", map[string]any{
		"assets": map[string][]byte{"main.js": bytes.Repeat([]byte("x"), 256)},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var body errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body.Error, "exceeds 64 bytes")
	assert.NotEmpty(t, body.RequestID)
}

func TestToolEndpoint(t *testing.T) {
	h := newServer(t, Options{})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/tool", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var status toolStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.True(t, status.Installed)
	assert.True(t, status.UpToDate)
	assert.Equal(t, "7.9.0", status.InstalledVersion)
	assert.Equal(t, "7.9.0", status.RequiredVersion)
}

func TestRunsEndpoint(t *testing.T) {
	rec := httptest.NewRecorder()
	newServer(t, Options{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/runs", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	runs := &fakeRuns{runs: []ledger.Run{{ID: uuid.New(), App: "shop", Status: ledger.StatusSuccess, StartedAt: time.Now().UTC()}}}
	h := newServer(t, Options{Runs: runs})

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/runs?limit=5", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 5, runs.limit)

	var body struct {
		Runs []ledger.Run `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Runs, 1)
	assert.Equal(t, "shop", body.Runs[0].App)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/runs?limit=x", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthz(t *testing.T) {
	rec := httptest.NewRecorder()
	newServer(t, Options{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestNewRequiresProtector(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
}
