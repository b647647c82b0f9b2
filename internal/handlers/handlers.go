// Package handlers exposes the analysis service over HTTP.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/ayush6447/Embyro/internal/analysis"
)

const (
	serviceName          = "embryo-grading"
	defaultMaxUploadSize = 32 << 20
	filesField           = "files"
)

// Analyzer is the part of analysis.Analyzer the handlers need.
type Analyzer interface {
	AnalyzeBatch(ctx context.Context, images [][]byte, meta analysis.Metadata) ([]analysis.Result, error)
}

type Handler struct {
	analyzer      Analyzer
	maxUploadSize int64
	log           *slog.Logger
}

// NewHandler wraps a. maxUploadSize caps the multipart body in bytes; zero
// selects the default.
func NewHandler(a Analyzer, maxUploadSize int64, logger *slog.Logger) *Handler {
	if maxUploadSize <= 0 {
		maxUploadSize = defaultMaxUploadSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{analyzer: a, maxUploadSize: maxUploadSize, log: logger}
}

// Routes registers the API on mux.
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/health", h.Health)
	mux.HandleFunc("POST /api/v1/analyze", h.Analyze)
	mux.HandleFunc("GET /api/v1/risk-indicators", h.RiskIndicators)
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": serviceName})
}

// RiskIndicators lists every flag the scorer can emit.
func (h *Handler) RiskIndicators(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, analysis.Catalog())
}

// Analyze accepts a multipart upload with one or more "files" parts and
// optional maternal_age and fertilization_method fields.
func (h *Handler) Analyze(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadSize)
	if err := r.ParseMultipartForm(h.maxUploadSize); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "upload too large")
			return
		}
		writeError(w, http.StatusBadRequest, "failed to parse multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	headers := r.MultipartForm.File[filesField]
	if len(headers) == 0 {
		writeError(w, http.StatusBadRequest, analysis.ErrEmptyBatch.Error())
		return
	}

	images := make([][]byte, 0, len(headers))
	for _, fh := range headers {
		b, err := readPart(fh)
		if err != nil {
			h.log.Warn("failed to read upload", "file", fh.Filename, "error", err)
			writeError(w, http.StatusBadRequest, fmt.Sprintf("failed to read file %s", fh.Filename))
			return
		}
		if len(b) == 0 {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("file %s is empty", fh.Filename))
			return
		}
		images = append(images, b)
	}

	meta, err := parseMetadata(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.log.Info("analyzing batch", "images", len(images))
	results, err := h.analyzer.AnalyzeBatch(r.Context(), images, meta)
	if err != nil {
		if errors.Is(err, analysis.ErrEmptyBatch) || errors.Is(err, analysis.ErrEmptyImage) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.log.Error("analysis failed", "error", err)
		writeError(w, http.StatusInternalServerError, "analysis failed")
		return
	}
	if results == nil {
		results = []analysis.Result{}
	}
	writeJSON(w, http.StatusOK, results)
}

func readPart(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func parseMetadata(r *http.Request) (analysis.Metadata, error) {
	var meta analysis.Metadata
	if v := strings.TrimSpace(r.FormValue("maternal_age")); v != "" {
		age, err := strconv.Atoi(v)
		if err != nil {
			return meta, fmt.Errorf("maternal_age must be an integer, got %q", v)
		}
		meta.MaternalAge = &age
	}
	meta.FertilizationMethod = strings.TrimSpace(r.FormValue("fertilization_method"))
	return meta, nil
}

// CORS allows any origin, as browser frontends call the API directly.
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
