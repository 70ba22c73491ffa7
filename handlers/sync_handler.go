package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/camden-git/radsync/services"
)

type SyncHandler struct {
	Sync     *services.SyncService
	StatsSvc *services.StatsService
	Logger   *zap.Logger
}

func NewSyncHandler(sync *services.SyncService, stats *services.StatsService, logger *zap.Logger) *SyncHandler {
	return &SyncHandler{Sync: sync, StatsSvc: stats, Logger: logger.Named("http.sync")}
}

// MetadataPayload is the body of the metadata phase.
type MetadataPayload struct {
	ImageID        string                 `json:"image_id"`
	OrderRef       string                 `json:"order_ref"`
	Filename       string                 `json:"filename"`
	FileSize       int64                  `json:"file_size"`
	ContentType    string                 `json:"content_type"`
	Checksum       string                 `json:"checksum"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	SessionID      string                 `json:"session_id,omitempty"`
	SequenceNumber *int                   `json:"sequence_number,omitempty"`
}

type AckPayload struct {
	ServerImageID string `json:"server_image_id"`
}

// UploadMetadata handles POST /api/sync/images/metadata
func (h *SyncHandler) UploadMetadata(w http.ResponseWriter, r *http.Request) {
	var req MetadataPayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteAPIError(w, http.StatusBadRequest, services.CodeInvalidInput, "Invalid request body: "+err.Error())
		return
	}
	rec, err := h.Sync.UploadMetadata(r.Context(), services.MetadataInput{
		ImageID:        req.ImageID,
		OrderRef:       req.OrderRef,
		Filename:       req.Filename,
		FileSize:       req.FileSize,
		ContentType:    req.ContentType,
		Checksum:       req.Checksum,
		Metadata:       req.Metadata,
		SessionID:      req.SessionID,
		SequenceNumber: req.SequenceNumber,
	})
	if err != nil {
		writeServiceError(w, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// UploadBinary handles PUT /api/sync/images/{image_id}/binary. The request
// body is the content starting at resume_from.
func (h *SyncHandler) UploadBinary(w http.ResponseWriter, r *http.Request) {
	imageID := chi.URLParam(r, "image_id")
	q := r.URL.Query()

	var resumeFrom int64
	if v := q.Get("resume_from"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			WriteAPIError(w, http.StatusBadRequest, services.CodeInvalidInput, "resume_from must be a non-negative integer")
			return
		}
		resumeFrom = n
	}
	var chunkSize int
	if v := q.Get("chunk_size"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			WriteAPIError(w, http.StatusBadRequest, services.CodeInvalidInput, "chunk_size must be a positive integer")
			return
		}
		chunkSize = n
	}

	res, err := h.Sync.UploadBinary(r.Context(), services.BinaryInput{
		ImageID:    imageID,
		Content:    r.Body,
		ResumeFrom: resumeFrom,
		ChunkSize:  chunkSize,
	})
	if err != nil {
		writeServiceError(w, h.Logger, err)
		return
	}
	status := http.StatusOK
	if !res.Complete {
		status = http.StatusAccepted
	}
	writeJSON(w, status, res)
}

// Acknowledge handles POST /api/sync/images/{image_id}/ack
func (h *SyncHandler) Acknowledge(w http.ResponseWriter, r *http.Request) {
	var req AckPayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteAPIError(w, http.StatusBadRequest, services.CodeInvalidInput, "Invalid request body: "+err.Error())
		return
	}
	res, err := h.Sync.Acknowledge(r.Context(), chi.URLParam(r, "image_id"), req.ServerImageID)
	if err != nil {
		writeServiceError(w, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *SyncHandler) GetImage(w http.ResponseWriter, r *http.Request) {
	rec, err := h.Sync.GetRecord(r.Context(), chi.URLParam(r, "image_id"))
	if err != nil {
		writeServiceError(w, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *SyncHandler) RetryImage(w http.ResponseWriter, r *http.Request) {
	rec, err := h.Sync.RetryImage(r.Context(), chi.URLParam(r, "image_id"))
	if err != nil {
		writeServiceError(w, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *SyncHandler) CancelImage(w http.ResponseWriter, r *http.Request) {
	rec, err := h.Sync.CancelImage(r.Context(), chi.URLParam(r, "image_id"))
	if err != nil {
		writeServiceError(w, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *SyncHandler) ListPending(w http.ResponseWriter, r *http.Request) {
	recs, err := h.Sync.ListPending(r.Context(), r.URL.Query().Get("order_ref"))
	if err != nil {
		writeServiceError(w, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"images": recs, "count": len(recs)})
}

func (h *SyncHandler) ListFailed(w http.ResponseWriter, r *http.Request) {
	recs, err := h.Sync.ListFailed(r.Context(), r.URL.Query().Get("order_ref"))
	if err != nil {
		writeServiceError(w, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"images": recs, "count": len(recs)})
}

func (h *SyncHandler) Stats(w http.ResponseWriter, r *http.Request) {
	orderRef := r.URL.Query().Get("order_ref")
	counts, err := h.StatsSvc.StatusCounts(r.Context(), orderRef)
	if err != nil {
		writeServiceError(w, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"order_ref": orderRef, "counts": counts})
}
