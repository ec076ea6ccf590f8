package ingestion

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/your-org/healthflow/internal/metadata"
)

// HTTPHandler exposes the API front door.
type HTTPHandler struct {
	service        *Service
	logger         *zap.Logger
	maxSizeBytes   int64
	validateSyntax bool
	router         chi.Router
}

// NewHTTPHandler constructs the HTTP handler and wires routes.
func NewHTTPHandler(service *Service, logger *zap.Logger, maxSizeBytes int64, validateSyntax bool) *HTTPHandler {
	h := &HTTPHandler{
		service:        service,
		logger:         logger,
		maxSizeBytes:   maxSizeBytes,
		validateSyntax: validateSyntax,
	}
	h.buildRouter()
	return h
}

func (h *HTTPHandler) buildRouter() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(2 * time.Minute))

	r.Get("/healthz", h.handleHealth)
	r.Post("/ingest/{format}/{content_type}/{version}/{subtype}", h.handleIngest)

	h.router = r
}

// Router exposes the configured chi router.
func (h *HTTPHandler) Router() http.Handler {
	return h.router
}

func (h *HTTPHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

func (h *HTTPHandler) handleIngest(w http.ResponseWriter, r *http.Request) {
	if r.ContentLength > 0 && r.ContentLength > h.maxSizeBytes {
		h.writeTooLarge(w, r.ContentLength)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, h.maxSizeBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "could not read request body")
		return
	}
	if int64(len(body)) > h.maxSizeBytes {
		h.writeTooLarge(w, int64(len(body)))
		return
	}

	format := chi.URLParam(r, "format")
	if h.validateSyntax {
		if err := CheckSyntax(format, body); err != nil {
			h.logger.Info("payload rejected", zap.String("format", format), zap.Error(err))
			writeError(w, http.StatusUnprocessableEntity, "malformed payload")
			return
		}
	}

	req := AcceptRequest{
		Source:      metadata.SourceAPI,
		Format:      format,
		ContentType: chi.URLParam(r, "content_type"),
		Subtype:     chi.URLParam(r, "subtype"),
		DataVersion: chi.URLParam(r, "version"),
		SourceMetadata: map[string]string{
			"ingestion_method": "api",
			"endpoint":         r.URL.Path,
			"request_id":       middleware.GetReqID(r.Context()),
		},
	}

	receipt, err := h.service.Accept(r.Context(), bytes.NewReader(body), int64(len(body)), req)
	switch {
	case errors.Is(err, ErrTooLarge):
		h.writeTooLarge(w, int64(len(body)))
		return
	case errors.Is(err, ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		h.logger.Error("ingestion failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "ingestion failed")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":    "queued",
		"object_id": receipt.ObjectID,
		"timestamp": receipt.AcceptedAt.Format(time.RFC3339Nano),
	})
}

func (h *HTTPHandler) writeTooLarge(w http.ResponseWriter, size int64) {
	writeJSON(w, http.StatusRequestEntityTooLarge, map[string]any{
		"error": "payload too large",
		"detail": map[string]any{
			"message":         fmt.Sprintf("payload of %d bytes exceeds the %d byte limit", size, h.maxSizeBytes),
			"file_size_bytes": size,
			"max_size_bytes":  h.maxSizeBytes,
			"recommendation":  "upload large files over SFTP instead",
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{
		"error": msg,
	})
}
