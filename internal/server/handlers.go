package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/sells-group/websets/internal/dataset"
	"github.com/sells-group/websets/internal/enrich"
	"github.com/sells-group/websets/internal/export"
	"github.com/sells-group/websets/internal/model"
	"github.com/sells-group/websets/internal/store"
)

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleEnrich(w http.ResponseWriter, r *http.Request) {
	var req enrich.Request
	if !decode(w, r, &req) {
		return
	}
	req.UserID = userID(r)

	job, err := s.enrich.Submit(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"jobId": job.ID})
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	job, err := s.enrich.GetStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleJobCancel(w http.ResponseWriter, r *http.Request) {
	job, err := s.enrich.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.enrich.ListJobs(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(jobs))
}

func (s *Server) handleStartExport(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Format   model.ExportFormat `json:"format"`
		FileName string             `json:"fileName"`
		Version  int                `json:"version"`
	}
	if !decode(w, r, &body) {
		return
	}

	job, err := s.exports.StartExport(r.Context(), export.Request{
		WebsetID:    chi.URLParam(r, "id"),
		Version:     body.Version,
		Format:      body.Format,
		FileName:    body.FileName,
		RequestedBy: userID(r),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": job.ID})
}

func (s *Server) handleExportStatus(w http.ResponseWriter, r *http.Request) {
	job, err := s.exports.GetStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Status    model.JobStatus `json:"status"`
		ExportURL string          `json:"exportUrl,omitempty"`
		Error     string          `json:"error,omitempty"`
	}{job.Status, job.ExportURL, job.Error})
}

func (s *Server) handleCreateWebset(w http.ResponseWriter, r *http.Request) {
	var in dataset.NewWebset
	if !decode(w, r, &in) {
		return
	}
	in.CreatedBy = userID(r)

	ws, err := s.data.CreateWebset(r.Context(), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ws)
}

func (s *Server) handleListWebsets(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, r, model.Invalid("limit", "must be a non-negative integer"))
			return
		}
		limit = n
	}

	websets, err := s.data.ListWebsets(r.Context(), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(websets))
}

func (s *Server) handleGetWebset(w http.ResponseWriter, r *http.Request) {
	ws, err := s.data.GetWebset(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ws)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	version := 0
	if v := r.URL.Query().Get("version"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, r, model.Invalid("version", "must be a positive integer"))
			return
		}
		version = n
	}

	v, err := s.data.GetSnapshot(r.Context(), chi.URLParam(r, "id"), version)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleListVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := s.data.ListVersions(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(versions))
}

func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	var body struct {
		VersionID string `json:"versionId"`
		Version   int    `json:"version"`
	}
	if !decode(w, r, &body) {
		return
	}

	var (
		v   *model.WebsetVersion
		err error
	)
	websetID := chi.URLParam(r, "id")
	switch {
	case body.VersionID != "":
		v, err = s.data.Restore(r.Context(), websetID, body.VersionID, userID(r))
	case body.Version > 0:
		v, err = s.data.RestoreVersion(r.Context(), websetID, body.Version, userID(r))
	default:
		err = model.Invalid("versionId", "is required")
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

func (s *Server) handleGetCell(w http.ResponseWriter, r *http.Request) {
	row, err := strconv.Atoi(chi.URLParam(r, "row"))
	if err != nil {
		writeError(w, r, model.Invalid("row", "must be an integer"))
		return
	}

	cell, err := s.data.GetCell(r.Context(), chi.URLParam(r, "id"), row, chi.URLParam(r, "column"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cell)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("server: encode response", zap.Error(err))
	}
}

// writeError maps err to a status code. Internal errors are logged and not
// echoed to the caller.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		zap.L().Error("server: request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

func statusOf(err error) int {
	switch {
	case model.IsValidation(err):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, enrich.ErrShuttingDown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
