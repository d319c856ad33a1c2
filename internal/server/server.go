// Package server exposes enrichment, export and webset operations over HTTP.
package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/websets/internal/dataset"
	"github.com/sells-group/websets/internal/enrich"
	"github.com/sells-group/websets/internal/export"
	"github.com/sells-group/websets/internal/model"
)

// UserHeader carries the caller identity set by the upstream auth layer.
const UserHeader = "X-User-ID"

// Enricher runs enrichment jobs.
type Enricher interface {
	Submit(ctx context.Context, req enrich.Request) (*model.EnrichmentJob, error)
	GetStatus(ctx context.Context, id string) (*model.EnrichmentJob, error)
	Cancel(ctx context.Context, id string) (*model.EnrichmentJob, error)
	ListJobs(ctx context.Context, websetID string) ([]model.EnrichmentJob, error)
}

// Exporter runs export jobs.
type Exporter interface {
	StartExport(ctx context.Context, req export.Request) (*model.ExportJob, error)
	GetStatus(ctx context.Context, id string) (*model.ExportJob, error)
}

// Datasets reads and versions websets.
type Datasets interface {
	CreateWebset(ctx context.Context, in dataset.NewWebset) (*model.Webset, error)
	GetWebset(ctx context.Context, id string) (*model.Webset, error)
	ListWebsets(ctx context.Context, limit int) ([]model.Webset, error)
	ListVersions(ctx context.Context, websetID string) ([]model.WebsetVersion, error)
	GetSnapshot(ctx context.Context, websetID string, version int) (*model.WebsetVersion, error)
	GetCell(ctx context.Context, websetID string, row int, column string) (*model.Cell, error)
	Restore(ctx context.Context, websetID, versionID, changedBy string) (*model.WebsetVersion, error)
	RestoreVersion(ctx context.Context, websetID string, version int, changedBy string) (*model.WebsetVersion, error)
}

// Options configures the router.
type Options struct {
	AllowedOrigins []string
	// ExportDir, when set, is served read-only under /exports/.
	ExportDir string
}

// Server holds the HTTP handlers.
type Server struct {
	enrich  Enricher
	exports Exporter
	data    Datasets
}

// New creates the router.
func New(enr Enricher, exp Exporter, data Datasets, opts Options) *chi.Mux {
	s := &Server{enrich: enr, exports: exp, data: data}

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", UserHeader},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)

	r.Post("/enrich", s.handleEnrich)
	r.Get("/job/{id}", s.handleJobStatus)
	r.Post("/job/{id}/cancel", s.handleJobCancel)

	r.Post("/export/websets/{id}", s.handleStartExport)
	r.Get("/export/{id}", s.handleExportStatus)

	r.Route("/websets", func(r chi.Router) {
		r.Post("/", s.handleCreateWebset)
		r.Get("/", s.handleListWebsets)
		r.Get("/{id}", s.handleGetWebset)
		r.Get("/{id}/snapshot", s.handleSnapshot)
		r.Get("/{id}/versions", s.handleListVersions)
		r.Post("/{id}/restore", s.handleRestore)
		r.Get("/{id}/jobs", s.handleListJobs)
		r.Get("/{id}/cells/{row}/{column}", s.handleGetCell)
	})

	if opts.ExportDir != "" {
		r.Handle("/exports/*", http.StripPrefix("/exports/", http.FileServer(http.Dir(opts.ExportDir))))
	}

	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		if r.URL.Path == "/health" {
			return
		}
		zap.L().Debug("server: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func userID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(UserHeader))
}
