package models

import "gorm.io/datatypes"

// SessionStatus is derived from item outcomes, never set directly except
// for CANCELLED.
type SessionStatus string

const (
	SessionStatusPending   SessionStatus = "PENDING"
	SessionStatusUploading SessionStatus = "UPLOADING"
	SessionStatusSynced    SessionStatus = "SYNCED"
	SessionStatusPartial   SessionStatus = "PARTIAL"
	SessionStatusFailed    SessionStatus = "FAILED"
	SessionStatusCancelled SessionStatus = "CANCELLED"
)

// IsSettled is true once no more item outcomes can change the session.
func (s SessionStatus) IsSettled() bool {
	switch s {
	case SessionStatusSynced, SessionStatusPartial, SessionStatusFailed, SessionStatusCancelled:
		return true
	}
	return false
}

// ItemOutcome is the per-item settlement used to recompute session counters.
type ItemOutcome string

const (
	ItemOutcomePending  ItemOutcome = "pending"
	ItemOutcomeUploaded ItemOutcome = "uploaded"
	ItemOutcomeFailed   ItemOutcome = "failed"
)

// UploadSession groups the images a capture device uploads for one order.
// It corresponds to the 'upload_sessions' table.
type UploadSession struct {
	ID             string            `gorm:"primaryKey;size:36" json:"session_id"`
	OrderRef       string            `gorm:"not null;index" json:"order_ref"`
	DeviceInfo     datatypes.JSONMap `json:"device_info,omitempty"`
	TotalImages    int               `gorm:"not null" json:"total_images"`
	ImagesUploaded int               `gorm:"not null;default:0" json:"images_uploaded"`
	ImagesFailed   int               `gorm:"not null;default:0" json:"images_failed"`
	Status         SessionStatus     `gorm:"size:32;not null;index;default:PENDING" json:"status"`
	CreatedBy      string            `gorm:"" json:"created_by,omitempty"`
	StartedAt      int64             `gorm:"not null" json:"started_at"`             // Unix timestamp
	CompletedAt    *int64            `gorm:"index" json:"completed_at,omitempty"`    // Nullable, Unix timestamp
	CancelledAt    *int64            `gorm:"" json:"cancelled_at,omitempty"`         // Nullable, Unix timestamp
	CreatedAt      int64             `gorm:"not null" json:"created_at"`
	UpdatedAt      int64             `gorm:"not null" json:"updated_at"`

	Items []SessionItem `gorm:"foreignKey:SessionID;references:ID;constraint:OnDelete:CASCADE" json:"items,omitempty"`
}

// TableName explicitly sets the table name for GORM.
func (UploadSession) TableName() string {
	return "upload_sessions"
}

// SessionItem binds a sequence number within a session to one ImageRecord.
type SessionItem struct {
	ID             uint        `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionID      string      `gorm:"size:36;not null;uniqueIndex:idx_session_sequence" json:"session_id"`
	SequenceNumber int         `gorm:"not null;uniqueIndex:idx_session_sequence" json:"sequence_number"`
	ImageID        string      `gorm:"size:36;not null;index" json:"image_id"`
	Outcome        ItemOutcome `gorm:"size:16;not null;default:pending" json:"outcome"`
	CreatedAt      int64       `gorm:"not null" json:"created_at"`
	UpdatedAt      int64       `gorm:"not null" json:"updated_at"`
}

// TableName explicitly sets the table name for GORM.
func (SessionItem) TableName() string {
	return "upload_session_items"
}

// Recompute derives counters and status from item outcomes. Sessions bind
// at most TotalImages items; the cap below only guards rows written before
// that rule. A cancelled session keeps its status.
func (s *UploadSession) Recompute(items []SessionItem) {
	uploaded, failed := 0, 0
	for _, it := range items {
		switch it.Outcome {
		case ItemOutcomeUploaded:
			if uploaded+failed < s.TotalImages {
				uploaded++
			}
		case ItemOutcomeFailed:
			if uploaded+failed < s.TotalImages {
				failed++
			}
		}
	}
	s.ImagesUploaded = uploaded
	s.ImagesFailed = failed

	if s.Status == SessionStatusCancelled {
		return
	}

	settled := uploaded+failed == s.TotalImages
	switch {
	case settled && failed == 0:
		s.Status = SessionStatusSynced
	case settled && uploaded == 0:
		s.Status = SessionStatusFailed
	case settled:
		s.Status = SessionStatusPartial
	case len(items) > 0 || uploaded+failed > 0:
		s.Status = SessionStatusUploading
	default:
		s.Status = SessionStatusPending
	}

	if settled {
		if s.CompletedAt == nil {
			s.CompletedAt = nowUnix()
		}
	} else {
		s.CompletedAt = nil
	}
}
