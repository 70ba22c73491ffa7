package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/camden-git/radsync/logging"
	"github.com/camden-git/radsync/services"
)

// RouterDeps are the collaborators NewRouter wires into routes. Events may
// be nil, which leaves /ws unregistered.
type RouterDeps struct {
	Sync        *services.SyncService
	Sessions    *services.SessionService
	Stats       *services.StatsService
	Viewer      *services.ViewerService
	Events      http.HandlerFunc
	DB          *gorm.DB
	Logger      *zap.Logger
	CORSOrigins []string
}

func NewRouter(deps RouterDeps) http.Handler {
	r := chi.NewRouter()

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   deps.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", CallerHeader},
		ExposedHeaders:   []string{"Link", "ETag"},
		AllowCredentials: true,
		MaxAge:           300,
	})

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.RequestLogger(deps.Logger.Named("http")))
	r.Use(middleware.Recoverer)
	r.Use(Metrics)
	r.Use(corsHandler.Handler)
	r.Use(CallerMiddleware)

	syncHandler := NewSyncHandler(deps.Sync, deps.Stats, deps.Logger)
	sessionHandler := NewSessionHandler(deps.Sessions, deps.Sync, deps.Logger)
	viewerHandler := NewViewerHandler(deps.Viewer, deps.Logger)
	healthHandler := &HealthHandler{DB: deps.DB, Logger: deps.Logger.Named("health")}

	r.Route("/api", func(r chi.Router) {
		r.Use(RequireCaller)

		r.Route("/sync", func(r chi.Router) {
			// binary uploads stream for as long as the body does
			r.Put("/images/{image_id}/binary", syncHandler.UploadBinary)

			r.Group(func(r chi.Router) {
				r.Use(middleware.Timeout(60 * time.Second))

				r.Route("/sessions", func(r chi.Router) {
					r.Post("/", sessionHandler.CreateSession)
					r.Route("/{session_id}", func(r chi.Router) {
						r.Get("/", sessionHandler.GetSession)
						r.Post("/retry", sessionHandler.RetrySession)
						r.Post("/cancel", sessionHandler.CancelSession)
					})
				})

				r.Post("/images/metadata", syncHandler.UploadMetadata)
				r.Get("/images/{image_id}", syncHandler.GetImage)
				r.Post("/images/{image_id}/ack", syncHandler.Acknowledge)
				r.Post("/images/{image_id}/retry", syncHandler.RetryImage)
				r.Post("/images/{image_id}/cancel", syncHandler.CancelImage)

				r.Get("/pending", syncHandler.ListPending)
				r.Get("/failed", syncHandler.ListFailed)
				r.Get("/stats", syncHandler.Stats)
			})
		})

		r.Route("/viewer", func(r chi.Router) {
			r.Use(middleware.Timeout(60 * time.Second))
			r.Get("/studies/{study_uid}/url", viewerHandler.StudyURL)
			r.Get("/images/{image_uid}/url", viewerHandler.ImageURL)
		})
	})

	// token protected, no caller header needed
	r.Route("/view", func(r chi.Router) {
		r.Get("/studies/{study_uid}", viewerHandler.ViewStudy)
		r.Get("/images/{image_uid}/content", viewerHandler.ViewImageContent)
		r.Get("/images/{image_uid}/preview", viewerHandler.ViewImagePreview)
	})

	if deps.Events != nil {
		r.With(RequireCaller).Get("/ws", deps.Events)
	}
	r.Get("/health", healthHandler.Health)
	r.Handle("/metrics", promhttp.Handler())

	return r
}
