package models

import (
	"math"
	"regexp"
	"strings"
	"time"

	"gorm.io/datatypes"
)

// DefaultMaxRetries bounds how many failures a record may accumulate before
// it needs manual intervention.
const DefaultMaxRetries = 5

var checksumPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// NormalizeChecksum lowercases and trims a hex digest.
func NormalizeChecksum(checksum string) string {
	return strings.ToLower(strings.TrimSpace(checksum))
}

// ValidChecksum reports whether checksum is exactly 64 lowercase hex characters.
func ValidChecksum(checksum string) bool {
	return checksumPattern.MatchString(checksum)
}

// ImageRecord is the transient, per-file pipeline entry. Its ID is generated
// by the capture client so every phase can be resent safely.
// It corresponds to the 'image_records' table.
type ImageRecord struct {
	ID          string            `gorm:"primaryKey;size:36" json:"image_id"`
	OrderRef    string            `gorm:"not null;index" json:"order_ref"`
	SessionID   *string           `gorm:"size:36;index" json:"session_id,omitempty"`
	Filename    string            `gorm:"not null" json:"filename"`
	FileSize    int64             `gorm:"not null" json:"file_size"`
	ContentType string            `gorm:"not null" json:"content_type"`
	Checksum    string            `gorm:"size:64;not null;index" json:"checksum"`
	Metadata    datatypes.JSONMap `json:"metadata,omitempty"`

	Status        ImageStatus `gorm:"size:32;not null;index;default:PENDING" json:"status"`
	BytesUploaded int64       `gorm:"not null;default:0" json:"bytes_uploaded"`
	Progress      float64     `gorm:"not null;default:0" json:"progress"`

	RetryCount       int     `gorm:"not null;default:0" json:"retry_count"`
	MaxRetries       int     `gorm:"not null;default:5" json:"max_retries"`
	ResendCount      int     `gorm:"not null;default:0" json:"resend_count"`
	LastErrorMessage *string `json:"last_error_message,omitempty"`
	LastErrorCode    *string `gorm:"size:64" json:"last_error_code,omitempty"`

	CatalogImageID *string `gorm:"size:36;index" json:"catalog_image_id,omitempty"`

	MetadataUploadedAt *int64 `json:"metadata_uploaded_at,omitempty"` // Unix timestamp
	BinaryStartedAt    *int64 `json:"binary_started_at,omitempty"`
	BinaryUploadedAt   *int64 `json:"binary_uploaded_at,omitempty"`
	SyncedAt           *int64 `json:"synced_at,omitempty"`
	AckReceivedAt      *int64 `json:"ack_received_at,omitempty"`
	FailedAt           *int64 `json:"failed_at,omitempty"`
	CancelledAt        *int64 `json:"cancelled_at,omitempty"`
	CreatedAt          int64  `gorm:"not null" json:"created_at"`
	UpdatedAt          int64  `gorm:"not null;index" json:"updated_at"`
}

// TableName explicitly sets the table name for GORM.
func (ImageRecord) TableName() string {
	return "image_records"
}

func nowUnix() *int64 {
	ts := time.Now().Unix()
	return &ts
}

func (r *ImageRecord) transition(to ImageStatus, reason string) error {
	if !r.Status.CanTransitionTo(to) {
		return &TransitionError{From: r.Status, To: to, Reason: reason}
	}
	r.Status = to
	return nil
}

// RetryLimit is the effective retry budget of the record.
func (r *ImageRecord) RetryLimit() int {
	if r.MaxRetries <= 0 {
		return DefaultMaxRetries
	}
	return r.MaxRetries
}

// MarkMetadataUploading starts the metadata phase.
func (r *ImageRecord) MarkMetadataUploading() error {
	return r.transition(ImageStatusMetadataUploading, "")
}

// MarkMetadataUploaded accepts the metadata phase. Every descriptive field
// must be populated and the checksum well formed.
func (r *ImageRecord) MarkMetadataUploaded() error {
	switch {
	case r.OrderRef == "":
		return &TransitionError{From: r.Status, To: ImageStatusMetadataUploaded, Reason: "order reference missing"}
	case r.Filename == "":
		return &TransitionError{From: r.Status, To: ImageStatusMetadataUploaded, Reason: "filename missing"}
	case r.FileSize <= 0:
		return &TransitionError{From: r.Status, To: ImageStatusMetadataUploaded, Reason: "file size must be positive"}
	case r.ContentType == "":
		return &TransitionError{From: r.Status, To: ImageStatusMetadataUploaded, Reason: "content type missing"}
	case !ValidChecksum(r.Checksum):
		return &TransitionError{From: r.Status, To: ImageStatusMetadataUploaded, Reason: "checksum malformed"}
	}
	if err := r.transition(ImageStatusMetadataUploaded, ""); err != nil {
		return err
	}
	r.MetadataUploadedAt = nowUnix()
	return nil
}

// MarkBinaryUploading records the resume cursor and recomputes progress.
func (r *ImageRecord) MarkBinaryUploading(bytesUploaded int64) error {
	if bytesUploaded < 0 || bytesUploaded > r.FileSize {
		return &TransitionError{From: r.Status, To: ImageStatusBinaryUploading, Reason: "byte count outside declared size"}
	}
	if err := r.transition(ImageStatusBinaryUploading, ""); err != nil {
		return err
	}
	if r.BinaryStartedAt == nil {
		r.BinaryStartedAt = nowUnix()
	}
	r.BytesUploaded = bytesUploaded
	r.Progress = progressPercent(bytesUploaded, r.FileSize)
	return nil
}

// MarkBinaryUploaded closes the transfer once every declared byte is in.
func (r *ImageRecord) MarkBinaryUploaded() error {
	if r.BytesUploaded != r.FileSize {
		return &TransitionError{From: r.Status, To: ImageStatusBinaryUploaded, Reason: "binary not fully transferred"}
	}
	if err := r.transition(ImageStatusBinaryUploaded, ""); err != nil {
		return err
	}
	r.BinaryUploadedAt = nowUnix()
	return nil
}

// MarkSynced links the record to its catalog image.
func (r *ImageRecord) MarkSynced(catalogImageID string) error {
	if catalogImageID == "" {
		return &TransitionError{From: r.Status, To: ImageStatusSynced, Reason: "catalog image id missing"}
	}
	if err := r.transition(ImageStatusSynced, ""); err != nil {
		return err
	}
	r.Progress = 100
	r.CatalogImageID = &catalogImageID
	r.SyncedAt = nowUnix()
	return nil
}

// MarkAckReceived is terminal success; the client may now delete its copy.
func (r *ImageRecord) MarkAckReceived(serverImageID string) error {
	if serverImageID == "" {
		return &TransitionError{From: r.Status, To: ImageStatusAckReceived, Reason: "server image id missing"}
	}
	if r.CatalogImageID != nil && *r.CatalogImageID != serverImageID {
		return &TransitionError{From: r.Status, To: ImageStatusAckReceived, Reason: "server image id does not match catalog link"}
	}
	if err := r.transition(ImageStatusAckReceived, ""); err != nil {
		return err
	}
	r.CatalogImageID = &serverImageID
	r.Progress = 100
	r.AckReceivedAt = nowUnix()
	return nil
}

// MarkFailed records the error and bumps the retry counter, never past
// MaxRetries.
func (r *ImageRecord) MarkFailed(message, code string) error {
	if r.Status.IsTerminal() {
		return &TransitionError{From: r.Status, To: ImageStatusFailed, Reason: "record is terminal"}
	}
	if err := r.transition(ImageStatusFailed, ""); err != nil {
		return err
	}
	if r.RetryCount < r.RetryLimit() {
		r.RetryCount++
	}
	r.LastErrorMessage = &message
	r.LastErrorCode = &code
	r.FailedAt = nowUnix()
	return nil
}

// CanRetry is true iff the record failed and still has retries left.
func (r *ImageRecord) CanRetry() bool {
	return r.Status == ImageStatusFailed && r.RetryCount < r.RetryLimit()
}

// Exhausted is true for failed records that need manual intervention.
func (r *ImageRecord) Exhausted() bool {
	return r.Status == ImageStatusFailed && r.RetryCount >= r.RetryLimit()
}

// Requeue moves a retryable failure back to PENDING.
func (r *ImageRecord) Requeue() error {
	if !r.CanRetry() {
		return &TransitionError{From: r.Status, To: ImageStatusPending, Reason: "retry not allowed"}
	}
	return r.transition(ImageStatusPending, "")
}

// Cancel stops further retries. Stored binaries are left in place.
func (r *ImageRecord) Cancel() error {
	if err := r.transition(ImageStatusCancelled, ""); err != nil {
		return err
	}
	r.CancelledAt = nowUnix()
	return nil
}

// ResetBinaryProgress rewinds the resume cursor after staged bytes were
// discarded.
func (r *ImageRecord) ResetBinaryProgress() {
	r.BytesUploaded = 0
	r.Progress = 0
}

func progressPercent(done, total int64) float64 {
	if total <= 0 {
		return 0
	}
	p := float64(done) / float64(total) * 100
	return math.Round(p*100) / 100
}
