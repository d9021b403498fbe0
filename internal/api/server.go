package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"media-publisher/internal/media"
	"media-publisher/internal/models"
	"media-publisher/internal/ratelimit"
	"media-publisher/internal/store"
	"media-publisher/internal/telemetry"
	"media-publisher/internal/worker"
)

// Ledger is the read side of the store the API exposes.
type Ledger interface {
	Ping(ctx context.Context) error
	GetJob(ctx context.Context, id string) (models.PublishJob, error)
	GetFileByID(ctx context.Context, id string) (models.AuctionFile, bool, error)
}

// Publisher publishes a direct upload synchronously.
type Publisher interface {
	Publish(ctx context.Context, in worker.PublishInput) (map[string]string, error)
}

// Limiter throttles uploads per lot. A nil Limiter disables throttling.
type Limiter interface {
	Allow(ctx context.Context, key string) (ratelimit.Decision, error)
}

// Server wires HTTP handlers for direct uploads and ledger inspection.
type Server struct {
	ledger         Ledger
	publisher      Publisher
	limiter        Limiter
	maxUploadBytes int64
	logger         *slog.Logger
}

// Options configures a Server.
type Options struct {
	Limiter        Limiter
	MaxUploadBytes int64
	Logger         *slog.Logger
}

// New constructs the API server.
func New(ledger Ledger, publisher Publisher, opts Options) *Server {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 256 << 20
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Server{
		ledger:         ledger,
		publisher:      publisher,
		limiter:        opts.Limiter,
		maxUploadBytes: opts.MaxUploadBytes,
		logger:         opts.Logger,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/uploads", s.handleUpload)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Get("/files/{id}", s.handleGetFile)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.ledger.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type uploadResponse struct {
	AssetGroupID string            `json:"asset_group_id"`
	LotID        string            `json:"lot_id"`
	URLs         map[string]string `json:"urls"`
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.ContentLength > s.maxUploadBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "upload too large")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "upload too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	lotID := strings.TrimSpace(r.FormValue("lot_id"))
	if lotID == "" {
		writeError(w, http.StatusBadRequest, "lot_id is required")
		return
	}

	if s.limiter != nil {
		d, err := s.limiter.Allow(r.Context(), lotID)
		if err != nil {
			s.logger.Error("rate limiter", "error", err)
			writeError(w, http.StatusInternalServerError, "rate limit error")
			return
		}
		if !d.Allowed {
			telemetry.RateLimitRejects.Inc()
			telemetry.DirectUploads.WithLabelValues("rate_limited").Inc()
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "read upload")
		return
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" || media.NormalizeMIME(contentType) == "application/octet-stream" {
		contentType = http.DetectContentType(data)
	}

	groupID := uuid.NewString()
	log := s.logger.With("asset_group_id", groupID, "lot_id", lotID, "content_type", contentType)
	urls, err := s.publisher.Publish(r.Context(), worker.PublishInput{
		AssetGroupID: groupID,
		LotID:        &lotID,
		Data:         data,
		ContentType:  contentType,
	})
	if err != nil {
		if worker.IsPrecondition(err) {
			telemetry.DirectUploads.WithLabelValues("rejected").Inc()
			writeError(w, http.StatusUnsupportedMediaType, err.Error())
			return
		}
		telemetry.DirectUploads.WithLabelValues("error").Inc()
		log.Error("direct upload failed", "error", err)
		writeError(w, http.StatusBadGateway, "publish failed")
		return
	}

	telemetry.DirectUploads.WithLabelValues("published").Inc()
	log.Info("direct upload published", "bytes", len(data))
	writeJSON(w, http.StatusCreated, uploadResponse{AssetGroupID: groupID, LotID: lotID, URLs: urls})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := uuid.Parse(id); err != nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	job, err := s.ledger.GetJob(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.logger.Error("get job", "job_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleGetFile(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := uuid.Parse(id); err != nil {
		writeError(w, http.StatusNotFound, "file not found")
		return
	}
	file, found, err := s.ledger.GetFileByID(r.Context(), id)
	if err != nil {
		s.logger.Error("get file", "file_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "file not found")
		return
	}
	writeJSON(w, http.StatusOK, file)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
