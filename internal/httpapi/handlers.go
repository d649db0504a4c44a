package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"os"

	"github.com/go-chi/chi/v5"

	"github.com/CZERTAINLY/Camelia/internal/imgconv"
	"github.com/CZERTAINLY/Camelia/internal/model"
	"github.com/CZERTAINLY/Camelia/internal/registry"
	"github.com/CZERTAINLY/Camelia/internal/service"
	"github.com/CZERTAINLY/Camelia/internal/staging"
)

type processResponse struct {
	Success   bool   `json:"success"`
	JobID     string `json:"jobId"`
	SessionID string `json:"session_id"`
}

type statusResponse struct {
	Status  model.Status     `json:"status"`
	Results []model.Artifact `json:"results"`
	Error   string           `json:"error,omitempty"`
}

type cancelResponse struct {
	Success bool         `json:"success"`
	Status  model.Status `json:"status"`
	Error   string       `json:"error,omitempty"`
}

type reinpaintResponse struct {
	Success  bool   `json:"success"`
	Filename string `json:"filename"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResponse{Error: msg})
}

// pathParam returns an URL parameter which must be a plain file name.
func pathParam(r *http.Request, key string) (string, error) {
	raw := chi.URLParam(r, key)
	v, err := url.PathUnescape(raw)
	if err != nil {
		return "", fmt.Errorf("%q: %w", raw, staging.ErrInvalidName)
	}
	return staging.SafeName(v)
}

// fileError maps errors of the file lookups to a response.
func fileError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, staging.ErrInvalidName):
		writeError(w, http.StatusBadRequest, "Invalid path")
	case errors.Is(err, registry.ErrNotFound):
		writeError(w, http.StatusNotFound, "Job not found")
	case errors.Is(err, os.ErrNotExist):
		writeError(w, http.StatusNotFound, "File not found")
	default:
		writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) process(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if s.cfg.MaxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	}
	if err := r.ParseMultipartForm(maxMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "Upload too large")
			return
		}
		writeError(w, http.StatusBadRequest, "No files provided")
		return
	}
	defer func() {
		_ = r.MultipartForm.RemoveAll()
	}()

	headers := r.MultipartForm.File["files"]
	if len(headers) == 0 {
		writeError(w, http.StatusBadRequest, "No files provided")
		return
	}
	variant, err := model.ParseVariant(r.FormValue("model_type"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid model type")
		return
	}

	dir, err := s.runner.NewUploadDir()
	if err != nil {
		slog.ErrorContext(ctx, "creating upload directory", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	files, err := saveUploads(ctx, dir, headers)
	if err != nil || len(files) == 0 {
		_ = os.RemoveAll(dir)
		if err != nil {
			slog.ErrorContext(ctx, "saving uploads", "error", err)
			writeError(w, http.StatusInternalServerError, "Internal server error")
			return
		}
		writeError(w, http.StatusBadRequest, model.ErrNoValidFiles.Error())
		return
	}

	id, err := s.runner.Submit(ctx, variant, dir, files)
	if err != nil {
		_ = os.RemoveAll(dir)
		switch {
		case errors.Is(err, service.ErrQueueFull), errors.Is(err, service.ErrStopped):
			w.Header().Set("Retry-After", "10")
			writeError(w, http.StatusServiceUnavailable, err.Error())
		default:
			slog.ErrorContext(ctx, "submitting job", "error", err)
			writeError(w, http.StatusInternalServerError, "Internal server error")
		}
		return
	}
	writeJSON(w, http.StatusOK, processResponse{Success: true, JobID: id, SessionID: id})
}

func (s *Server) jobs(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.reg.List())
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	job, err := s.reg.Get(chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, http.StatusNotFound, "Job not found")
		return
	}
	if job.Results == nil {
		job.Results = []model.Artifact{}
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Status:  job.Status,
		Results: job.Results,
		Error:   job.Error,
	})
}

func (s *Server) cancel(w http.ResponseWriter, r *http.Request) {
	status, err := s.runner.Cancel(r.Context(), chi.URLParam(r, "jobID"))
	switch {
	case errors.Is(err, registry.ErrNotFound):
		writeError(w, http.StatusNotFound, "Job not found")
	case errors.Is(err, service.ErrNotCancellable):
		writeJSON(w, http.StatusBadRequest, cancelResponse{
			Status: status,
			Error:  fmt.Sprintf("Job is %s and cannot be cancelled", status),
		})
	case err != nil:
		writeError(w, http.StatusInternalServerError, "Internal server error")
	default:
		writeJSON(w, http.StatusOK, cancelResponse{Success: true, Status: status})
	}
}

// result serves a collected result, optionally converted to the format
// given by the format query parameter.
func (s *Server) result(w http.ResponseWriter, r *http.Request) {
	id, err := pathParam(r, "jobID")
	if err != nil {
		fileError(w, err)
		return
	}
	filename, err := pathParam(r, "filename")
	if err != nil {
		fileError(w, err)
		return
	}
	path, err := s.runner.Result(id, filename)
	if err != nil {
		fileError(w, err)
		return
	}

	format := r.URL.Query().Get("format")
	if format == "" {
		http.ServeFile(w, r, path)
		return
	}
	to, err := imgconv.ParseFormat(format)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Unsupported format")
		return
	}
	f, err := os.Open(path)
	if err != nil {
		fileError(w, err)
		return
	}
	defer func() {
		_ = f.Close()
	}()
	out, err := imgconv.Convert(f, to)
	if err != nil {
		slog.ErrorContext(r.Context(), "converting result", "file", filename, "format", to, "error", err)
		writeError(w, http.StatusInternalServerError, "Conversion failed")
		return
	}
	w.Header().Set("Content-Type", to.ContentType())
	w.Header().Set("Content-Disposition", mime.FormatMediaType("inline", map[string]string{
		"filename": imgconv.ReplaceExt(filename, to),
	}))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out)
}

// original serves a staged original looked up across all known jobs, the
// newest job first.
func (s *Server) original(w http.ResponseWriter, r *http.Request) {
	filename, err := pathParam(r, "filename")
	if err != nil {
		fileError(w, err)
		return
	}
	path, err := s.runner.FindOriginal(filename)
	if err != nil {
		fileError(w, err)
		return
	}
	http.ServeFile(w, r, path)
}

func (s *Server) jobOriginal(w http.ResponseWriter, r *http.Request) {
	id, err := pathParam(r, "jobID")
	if err != nil {
		fileError(w, err)
		return
	}
	filename, err := pathParam(r, "filename")
	if err != nil {
		fileError(w, err)
		return
	}
	path, err := s.runner.Original(id, filename)
	if err != nil {
		fileError(w, err)
		return
	}
	http.ServeFile(w, r, path)
}

func (s *Server) reinpaint(w http.ResponseWriter, r *http.Request) {
	id, err := pathParam(r, "jobID")
	if err != nil {
		fileError(w, err)
		return
	}
	filename, err := pathParam(r, "filename")
	if err != nil {
		fileError(w, err)
		return
	}
	if s.cfg.MaxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	}
	mask, _, err := r.FormFile("mask")
	if err != nil {
		writeError(w, http.StatusBadRequest, "No mask provided")
		return
	}
	defer func() {
		_ = mask.Close()
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	a, err := s.runner.Reinpaint(r.Context(), id, filename, mask)
	switch {
	case errors.Is(err, service.ErrNotCompleted):
		writeError(w, http.StatusConflict, "Job is not completed")
	case errors.Is(err, staging.ErrInvalidName), errors.Is(err, registry.ErrNotFound), errors.Is(err, os.ErrNotExist):
		fileError(w, err)
	case err != nil:
		slog.ErrorContext(r.Context(), "reinpaint failed", "job_id", id, "file", filename, "error", err)
		writeError(w, http.StatusInternalServerError, "Reinpaint failed")
	default:
		writeJSON(w, http.StatusOK, reinpaintResponse{Success: true, Filename: a.Filename})
	}
}
