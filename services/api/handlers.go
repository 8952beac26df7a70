package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"webprotect/pkg/blueprint"
	"webprotect/services/plugin"
	"webprotect/services/protect"
)

type protectRequest struct {
	// Blueprint is optional; the default blueprint is used when absent.
	Blueprint  json.RawMessage   `json:"blueprint,omitempty"`
	Assets     map[string][]byte `json:"assets"`
	Verbose    bool              `json:"verbose,omitempty"`
	BufferSize int               `json:"buffer_size,omitempty"`
}

type protectResponse struct {
	RunID    uuid.UUID         `json:"run_id"`
	Status   string            `json:"status"`
	Assets   map[string][]byte `json:"assets,omitempty"`
	Stdout   string            `json:"stdout,omitempty"`
	Stderr   string            `json:"stderr,omitempty"`
	Error    string            `json:"error,omitempty"`
	FailedIn string            `json:"failed_in,omitempty"`
	Internal bool              `json:"internal,omitempty"`
}

func (s *Server) handleProtect(w http.ResponseWriter, r *http.Request) {
	var req protectRequest
	if err := decodeJSON(w, r, s.opts.MaxBody, &req); err != nil {
		respondError(w, r, http.StatusBadRequest, err)
		return
	}
	if req.BufferSize < 0 {
		respondError(w, r, http.StatusBadRequest, errors.New("buffer_size must not be negative"))
		return
	}

	var bp *blueprint.Blueprint
	if len(req.Blueprint) > 0 && string(req.Blueprint) != "null" {
		parsed, err := blueprint.Parse(req.Blueprint)
		if err != nil {
			respondError(w, r, http.StatusBadRequest, err)
			return
		}
		bp = parsed
	}

	p, err := plugin.New(plugin.Config{
		Blueprint: bp,
		Runner:    s.opts.Protector,
		Options:   protect.Options{Verbose: req.Verbose, BufferSize: req.BufferSize},
		TempDir:   s.opts.TempDir,
		Host:      s.opts.Host,
		Logger:    s.opts.Logger,
		Metrics:   s.opts.Metrics,
		Events:    s.opts.Events,
		Recorder:  s.opts.Recorder,
	})
	if err != nil {
		respondError(w, r, http.StatusInternalServerError, err)
		return
	}

	comp := plugin.NewMemoryCompilation(req.Assets, s.opts.Logger)
	res, err := p.Process(r.Context(), "", comp)
	resp := protectResponse{RunID: res.RunID, Status: res.State.String(), Stdout: res.Output.Stdout, Stderr: res.Output.Stderr}
	if err != nil {
		resp.Error = err.Error()
		resp.FailedIn = res.FailedIn.String()
		resp.Internal = protect.IsInternal(err)
		status := http.StatusUnprocessableEntity
		if resp.Internal {
			status = http.StatusInternalServerError
		}
		respondJSON(w, status, resp)
		return
	}

	all := comp.Assets()
	resp.Assets = make(map[string][]byte, len(res.Applied))
	for _, name := range comp.Updated() {
		resp.Assets[name] = all[name]
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if s.opts.Runs == nil {
		respondError(w, r, http.StatusServiceUnavailable, errors.New("run ledger is not configured"))
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			respondError(w, r, http.StatusBadRequest, errors.New("limit must be an integer"))
			return
		}
		limit = n
	}
	runs, err := s.opts.Runs.Recent(r.Context(), limit)
	if err != nil {
		respondError(w, r, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

type toolStatus struct {
	InstallLocation  string `json:"install_location"`
	Installed        bool   `json:"installed"`
	InstalledVersion string `json:"installed_version,omitempty"`
	RequiredVersion  string `json:"required_version"`
	UpToDate         bool   `json:"up_to_date"`
}

func (s *Server) handleTool(w http.ResponseWriter, _ *http.Request) {
	cache := s.opts.Protector.Cache()
	version := s.opts.Protector.ToolVersion()
	respondJSON(w, http.StatusOK, toolStatus{
		InstallLocation:  cache.Dir,
		Installed:        cache.Installed(),
		InstalledVersion: cache.ReadMetadata().Version,
		RequiredVersion:  version,
		UpToDate:         cache.IsUpToDate(version),
	})
}
