package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/camden-git/radsync/services"
)

type SessionHandler struct {
	Sessions *services.SessionService
	Sync     *services.SyncService
	Logger   *zap.Logger
}

func NewSessionHandler(sessions *services.SessionService, sync *services.SyncService, logger *zap.Logger) *SessionHandler {
	return &SessionHandler{Sessions: sessions, Sync: sync, Logger: logger.Named("http.sessions")}
}

type SessionCreatePayload struct {
	SessionID   string                 `json:"session_id"`
	OrderRef    string                 `json:"order_ref"`
	DeviceInfo  map[string]interface{} `json:"device_info,omitempty"`
	TotalImages int                    `json:"total_images"`
}

// CreateSession handles POST /api/sync/sessions. The caller becomes the
// session's creator.
func (h *SessionHandler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req SessionCreatePayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteAPIError(w, http.StatusBadRequest, services.CodeInvalidInput, "Invalid request body: "+err.Error())
		return
	}
	session, err := h.Sessions.CreateSession(r.Context(), services.CreateSessionInput{
		SessionID:   req.SessionID,
		OrderRef:    req.OrderRef,
		DeviceInfo:  req.DeviceInfo,
		TotalImages: req.TotalImages,
		CreatedBy:   CallerFromContext(r.Context()),
	})
	if err != nil {
		writeServiceError(w, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

func (h *SessionHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	session, err := h.Sessions.GetSession(r.Context(), chi.URLParam(r, "session_id"))
	if err != nil {
		writeServiceError(w, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (h *SessionHandler) RetrySession(w http.ResponseWriter, r *http.Request) {
	requeued, err := h.Sync.RetrySession(r.Context(), chi.URLParam(r, "session_id"))
	if err != nil {
		writeServiceError(w, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"images": requeued, "count": len(requeued)})
}

func (h *SessionHandler) CancelSession(w http.ResponseWriter, r *http.Request) {
	session, err := h.Sync.CancelSession(r.Context(), chi.URLParam(r, "session_id"))
	if err != nil {
		writeServiceError(w, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}
