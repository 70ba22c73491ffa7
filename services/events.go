package services

import (
	"github.com/camden-git/radsync/models"
	"github.com/camden-git/radsync/realtime"
)

// Broadcaster receives pipeline events. The realtime hub implements it.
type Broadcaster interface {
	Broadcast(event realtime.Event)
}

// PreviewQueue accepts catalog image ids for preview generation. Enqueue
// reports false when the id was not accepted.
type PreviewQueue interface {
	Enqueue(imageID string) bool
}

func publish(b Broadcaster, event realtime.Event) {
	if b == nil {
		return
	}
	b.Broadcast(event)
}

func recordEvent(rec *models.ImageRecord) realtime.Event {
	ev := realtime.Event{
		Type:     realtime.EventImageStatus,
		ImageID:  rec.ID,
		OrderRef: rec.OrderRef,
		Status:   string(rec.Status),
	}
	if rec.SessionID != nil {
		ev.SessionID = *rec.SessionID
	}
	if rec.Status == models.ImageStatusFailed && rec.LastErrorCode != nil {
		ev.Error = *rec.LastErrorCode
	}
	return ev
}

func progressEvent(rec *models.ImageRecord) realtime.Event {
	progress := rec.Progress
	ev := realtime.Event{
		Type:     realtime.EventImageProgress,
		ImageID:  rec.ID,
		OrderRef: rec.OrderRef,
		Status:   string(rec.Status),
		Progress: &progress,
		Extra:    map[string]interface{}{"bytes_uploaded": rec.BytesUploaded, "file_size": rec.FileSize},
	}
	if rec.SessionID != nil {
		ev.SessionID = *rec.SessionID
	}
	return ev
}

func sessionEvent(s *models.UploadSession) realtime.Event {
	return realtime.Event{
		Type:      realtime.EventSessionStatus,
		SessionID: s.ID,
		OrderRef:  s.OrderRef,
		Status:    string(s.Status),
		Extra: map[string]interface{}{
			"total_images":    s.TotalImages,
			"images_uploaded": s.ImagesUploaded,
			"images_failed":   s.ImagesFailed,
		},
	}
}
