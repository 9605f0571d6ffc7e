package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/itstheanurag/playground/internal/executor"
	"github.com/itstheanurag/playground/internal/templates"
	"github.com/itstheanurag/playground/internal/toolchain"
	"github.com/itstheanurag/playground/internal/workspace"
	"github.com/rs/zerolog"
)

type BuildRequest struct {
	Files    workspace.FileSet `json:"files"`
	Template string            `json:"template,omitempty"`
}

type GenerateRequest struct {
	Name string `json:"name"`
}

type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// Runner executes toolchain operations in isolated sessions.
type Runner interface {
	Execute(ctx context.Context, op toolchain.Operation, files workspace.FileSet) (*executor.ExecutionResult, error)
	Generate(ctx context.Context, name string) (*executor.GenerateResult, error)
}

type Handler struct {
	runner       Runner
	catalog      *templates.Catalog
	maxBodyBytes int64
	logger       *zerolog.Logger
}

func NewHandler(runner Runner, catalog *templates.Catalog, maxBodyBytes int64, logger *zerolog.Logger) *Handler {
	return &Handler{
		runner:       runner,
		catalog:      catalog,
		maxBodyBytes: maxBodyBytes,
		logger:       logger,
	}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"message": "Contract playground server is running",
	})
}

func (h *Handler) Build(w http.ResponseWriter, r *http.Request) {
	h.execute(w, r, toolchain.OpBuild)
}

func (h *Handler) Test(w http.ResponseWriter, r *http.Request) {
	h.execute(w, r, toolchain.OpTest)
}

func (h *Handler) execute(w http.ResponseWriter, r *http.Request, op toolchain.Operation) {
	var req BuildRequest
	if !h.decode(w, r, &req) {
		return
	}

	h.logger.Info().
		Str("operation", string(op)).
		Str("template", req.Template).
		Int("files", len(req.Files)).
		Msg("session requested")

	files, err := h.seed(req)
	if err != nil {
		h.writeError(w, err)
		return
	}

	res, err := h.runner.Execute(r.Context(), op, files)
	if err != nil {
		h.writeError(w, err)
		return
	}

	status := http.StatusOK
	if !res.Success {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, res)
}

// seed layers the submitted files over the named template's files.
func (h *Handler) seed(req BuildRequest) (workspace.FileSet, error) {
	if req.Template == "" {
		return req.Files, nil
	}

	t, err := h.catalog.Get(req.Template)
	if err != nil {
		return nil, err
	}

	files := make(workspace.FileSet, len(t.Files)+len(req.Files))
	for path, content := range t.Files {
		files[path] = content
	}
	for path, content := range req.Files {
		files[path] = content
	}
	return files, nil
}

func (h *Handler) ListTemplates(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"templates": h.catalog.List(),
	})
}

func (h *Handler) GetTemplate(w http.ResponseWriter, r *http.Request) {
	t, err := h.catalog.Get(r.PathValue("name"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// CreateTemplate runs the toolchain's project generator and returns the
// generated files.
func (h *Handler) CreateTemplate(w http.ResponseWriter, r *http.Request) {
	var req GenerateRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.runner.Generate(r.Context(), req.Name)
	if err != nil {
		h.writeError(w, err)
		return
	}

	status := http.StatusOK
	if !res.Success {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, res)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeJSON(w, http.StatusRequestEntityTooLarge, ErrorResponse{Error: "Request body too large"})
			return false
		}
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Invalid request body"})
		return false
	}
	return true
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, workspace.ErrValidation):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
	case errors.Is(err, templates.ErrTemplateNotFound):
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: err.Error()})
	default:
		h.logger.Error().Err(err).Msg("request failed")
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "Internal server error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
