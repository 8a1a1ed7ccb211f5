package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/bitool/internal/runlog"
)

const maxListLimit = 500

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
	}
	if s.tools != nil {
		resp.ToolsLoaded = len(s.tools.Names())
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleListTools handles GET /tools.
func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	names := []string{}
	if s.tools != nil {
		names = s.tools.Names()
	}
	respondJSON(w, http.StatusOK, ToolsResponse{Tools: names})
}

// handleListRuns handles GET /runs?limit=N.
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = min(n, maxListLimit)
	}

	runs, err := s.runs.List(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to list runs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	if runs == nil {
		runs = []*runlog.Run{}
	}
	respondJSON(w, http.StatusOK, RunsResponse{Runs: runs})
}

// handleGetRun handles GET /runs/{runID}.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookupRun(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, run)
}

// handleGetArtifact handles GET /runs/{runID}/artifact and streams the
// delivered archive.
func (s *Server) handleGetArtifact(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookupRun(w, r)
	if !ok {
		return
	}
	if run.ArchivePath == "" {
		s.writeError(w, http.StatusNotFound, "run has no archive")
		return
	}

	f, err := os.Open(run.ArchivePath)
	if errors.Is(err, os.ErrNotExist) {
		s.writeError(w, http.StatusGone, "archive no longer on disk")
		return
	}
	if err != nil {
		s.logger.Error("failed to open archive", "run_id", run.ID, "path", run.ArchivePath, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to open archive")
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to stat archive")
		return
	}

	name := filepath.Base(run.ArchivePath)
	w.Header().Set("Content-Type", "application/gzip")
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	if run.ArchiveChecksum != "" {
		w.Header().Set("X-Checksum-Blake3", run.ArchiveChecksum)
	}
	http.ServeContent(w, r, name, info.ModTime(), f)
}

func (s *Server) lookupRun(w http.ResponseWriter, r *http.Request) (*runlog.Run, bool) {
	runID := chi.URLParam(r, "runID")
	run, err := s.runs.Get(r.Context(), runID)
	if errors.Is(err, runlog.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "run not found")
		return nil, false
	}
	if err != nil {
		s.logger.Error("failed to read run", "run_id", runID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read run")
		return nil, false
	}
	return run, true
}

// respondJSON is a helper to write JSON responses
func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
