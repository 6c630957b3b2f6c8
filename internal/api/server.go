package api

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-chi/chi/v5"
	"github.com/rs/cors"

	"video-feed-pipeline/internal/blob"
	"video-feed-pipeline/internal/config"
	"video-feed-pipeline/internal/ingest"
	"video-feed-pipeline/internal/models"
	"video-feed-pipeline/internal/ratelimit"
	"video-feed-pipeline/internal/store"
	"video-feed-pipeline/internal/telemetry"
)

// multipart parts above this size spill to temp files
const formMemory = 32 << 20

// Server wires HTTP handlers for uploads and the read-only feed.
type Server struct {
	cfg     config.Config
	videos  store.VideoStore
	blobs   blob.Store
	ingest  *ingest.Service
	limiter *ratelimit.TokenBucket
	log     *slog.Logger
}

// New constructs the API server. limiter may be nil to disable rate limiting.
func New(cfg config.Config, videos store.VideoStore, blobs blob.Store, svc *ingest.Service, limiter *ratelimit.TokenBucket, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		videos:  videos,
		blobs:   blobs,
		ingest:  svc,
		limiter: limiter,
		log:     logger,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Get("/videos", s.handleFeed)
	r.Get("/videos/{id}", s.handleGetVideo)
	r.Get("/blobs/*", s.handleBlob)

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Post("/videos", s.handleUpload)
	})

	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
		ExposedHeaders: []string{"Retry-After"},
	})
	return c.Handler(r)
}

type uploadResponse struct {
	ID        string        `json:"id"`
	CreatedAt time.Time     `json:"createdAt"`
	Status    models.Status `json:"status"`
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	owner := ownerFromContext(r.Context())

	if s.limiter != nil {
		d, err := s.limiter.Allow(r.Context(), "rl:upload:"+owner)
		if err != nil {
			s.log.Error("rate limiter unavailable", "error", err, "owner_id", owner)
			writeError(w, http.StatusServiceUnavailable, "rate limiter unavailable")
			return
		}
		if !d.Allowed {
			telemetry.RateLimitRejects.Inc()
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.RetryAfter.Seconds()))))
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes+formMemory)
	if err := r.ParseMultipartForm(formMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "upload too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("video")
	if err != nil {
		writeError(w, http.StatusBadRequest, "video file is required")
		return
	}
	defer file.Close()

	v, err := s.ingest.Ingest(r.Context(), ingest.Upload{
		OwnerID:     owner,
		Filename:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Body:        file,
		Title:       r.FormValue("title"),
		Description: r.FormValue("description"),
		IsReel:      r.FormValue("isReel") == "true",
	})
	if err != nil {
		s.writeIngestError(w, err, owner)
		return
	}
	writeJSON(w, http.StatusCreated, uploadResponse{ID: v.ID, CreatedAt: v.CreatedAt, Status: v.Status})
}

func (s *Server) writeIngestError(w http.ResponseWriter, err error, owner string) {
	switch models.KindOf(err) {
	case models.KindInput:
		writeError(w, http.StatusBadRequest, err.Error())
	case models.KindStorage:
		s.log.Error("upload storage failure", "error", err, "owner_id", owner)
		writeError(w, http.StatusServiceUnavailable, "storage unavailable, retry later")
	default:
		s.log.Error("upload failed", "error", err, "owner_id", owner)
		writeError(w, http.StatusInternalServerError, "upload failed")
	}
}

// videoView is a catalog entry plus display URLs for feed readers.
type videoView struct {
	models.Video
	StreamURL    string `json:"stream_url"`
	ThumbnailURL string `json:"thumbnail_url,omitempty"`
}

func (s *Server) view(v models.Video) videoView {
	out := videoView{Video: v, StreamURL: s.blobURL(v.BlobKey)}
	if v.Status == models.StatusReady {
		out.ThumbnailURL = s.blobURL(v.ThumbnailKey)
	}
	// lease details are worker bookkeeping
	out.ClaimedBy = ""
	out.ClaimedUntil = nil
	return out
}

func (s *Server) blobURL(key string) string {
	return s.cfg.PublicBaseURL + "/blobs/" + key
}

func (s *Server) handleGetVideo(w http.ResponseWriter, r *http.Request) {
	v, err := s.videos.GetVideo(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "video not found")
		return
	}
	if err != nil {
		s.log.Error("get video failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "metadata store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, s.view(v))
}

type feedResponse struct {
	Videos []videoView `json:"videos"`
	Limit  int         `json:"limit"`
	Offset int         `json:"offset"`
}

func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	params := store.ListParams{
		Limit:     queryInt(q.Get("limit")),
		Offset:    queryInt(q.Get("offset")),
		ReelsOnly: q.Get("reelsOnly") == "true",
		OwnerID:   q.Get("owner"),
	}
	params = params.Normalized()

	videos, err := s.videos.ListVideos(r.Context(), params)
	if err != nil {
		s.log.Error("list videos failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "metadata store unavailable")
		return
	}
	out := feedResponse{Videos: make([]videoView, 0, len(videos)), Limit: params.Limit, Offset: params.Offset}
	for _, v := range videos {
		out.Videos = append(out.Videos, s.view(v))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleBlob(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "*")
	if key == "" || hasDotSegment(key) {
		writeError(w, http.StatusNotFound, "blob not found")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.IOTimeout)
	defer cancel()

	data, err := s.blobs.Get(ctx, key)
	if errors.Is(err, blob.ErrNotFound) {
		writeError(w, http.StatusNotFound, "blob not found")
		return
	}
	if err != nil {
		s.log.Error("blob read failed", "error", err, "key", key)
		writeError(w, http.StatusServiceUnavailable, "blob store unavailable")
		return
	}
	w.Header().Set("Content-Type", mimetype.Detect(data).String())
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func hasDotSegment(key string) bool {
	for _, seg := range strings.Split(key, "/") {
		if seg == "." || seg == ".." {
			return true
		}
	}
	return false
}

func queryInt(raw string) int {
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return n
}
