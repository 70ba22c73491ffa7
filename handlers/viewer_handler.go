package handlers

import (
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/camden-git/radsync/services"
)

type ViewerHandler struct {
	Viewer *services.ViewerService
	Logger *zap.Logger
}

func NewViewerHandler(viewer *services.ViewerService, logger *zap.Logger) *ViewerHandler {
	return &ViewerHandler{Viewer: viewer, Logger: logger.Named("http.viewer")}
}

// StudyURL handles GET /api/viewer/studies/{study_uid}/url
func (h *ViewerHandler) StudyURL(w http.ResponseWriter, r *http.Request) {
	signed, err := h.Viewer.GetViewerURL(r.Context(), chi.URLParam(r, "study_uid"), CallerFromContext(r.Context()))
	if err != nil {
		writeServiceError(w, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, signed)
}

// ImageURL handles GET /api/viewer/images/{image_uid}/url
func (h *ViewerHandler) ImageURL(w http.ResponseWriter, r *http.Request) {
	signed, err := h.Viewer.GetImageURL(r.Context(), chi.URLParam(r, "image_uid"), CallerFromContext(r.Context()))
	if err != nil {
		writeServiceError(w, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, signed)
}

// ViewStudy handles GET /view/studies/{study_uid}?token=
func (h *ViewerHandler) ViewStudy(w http.ResponseWriter, r *http.Request) {
	view, err := h.Viewer.StudyListing(r.Context(), r.URL.Query().Get("token"), chi.URLParam(r, "study_uid"))
	if err != nil {
		writeServiceError(w, h.Logger, err)
		return
	}
	w.Header().Set("Cache-Control", "private, no-store")
	writeJSON(w, http.StatusOK, view)
}

// ViewImageContent handles GET /view/images/{image_uid}/content?token=
func (h *ViewerHandler) ViewImageContent(w http.ResponseWriter, r *http.Request) {
	content, err := h.Viewer.OpenImage(r.Context(), r.URL.Query().Get("token"), chi.URLParam(r, "image_uid"))
	if err != nil {
		writeServiceError(w, h.Logger, err)
		return
	}
	h.serveContent(w, r, content)
}

// ViewImagePreview handles GET /view/images/{image_uid}/preview?token=
func (h *ViewerHandler) ViewImagePreview(w http.ResponseWriter, r *http.Request) {
	content, err := h.Viewer.OpenPreview(r.Context(), r.URL.Query().Get("token"), chi.URLParam(r, "image_uid"))
	if err != nil {
		writeServiceError(w, h.Logger, err)
		return
	}
	h.serveContent(w, r, content)
}

func (h *ViewerHandler) serveContent(w http.ResponseWriter, r *http.Request, content *services.ImageContent) {
	if content.RedirectURL != "" {
		w.Header().Set("Cache-Control", "private, no-store")
		http.Redirect(w, r, content.RedirectURL, http.StatusFound)
		return
	}
	defer content.Body.Close()

	if content.ContentType != "" {
		w.Header().Set("Content-Type", content.ContentType)
	}
	if content.Size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(content.Size, 10))
	}
	if content.Checksum != "" {
		w.Header().Set("ETag", fmt.Sprintf("%q", content.Checksum))
	}
	if content.Filename != "" {
		w.Header().Set("Content-Disposition", mime.FormatMediaType("inline", map[string]string{"filename": content.Filename}))
	}
	// tokens are per caller, so shared caches must not keep the body
	w.Header().Set("Cache-Control", "private, max-age=300")
	w.WriteHeader(http.StatusOK)

	if _, err := io.Copy(w, content.Body); err != nil {
		h.Logger.Warn("error streaming image content", zap.Error(err))
	}
}
