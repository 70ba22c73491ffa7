package models

import (
	"errors"
	"fmt"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ErrImageImmutable is returned for any attempt to modify or remove a
// catalog Image. It indicates a programming error, never a transient one.
var ErrImageImmutable = errors.New("catalog image is immutable")

// ImagingOrder is the local projection of the clinical order images are
// attached to. The pipeline only reads it.
type ImagingOrder struct {
	Ref         string  `gorm:"primaryKey" json:"order_ref"`
	PatientID   string  `gorm:"not null" json:"patient_id"`
	PatientName string  `gorm:"not null" json:"patient_name"`
	Modality    *string `gorm:"" json:"modality,omitempty"`
	Description *string `gorm:"" json:"description,omitempty"`
	CreatedAt   int64   `gorm:"not null" json:"created_at"`
}

// TableName explicitly sets the table name for GORM.
func (ImagingOrder) TableName() string {
	return "imaging_orders"
}

// Study is one per imaging order. Patient fields are a display snapshot
// taken when the study was created.
type Study struct {
	ID          uint    `gorm:"primaryKey;autoIncrement" json:"id"`
	OrderRef    string  `gorm:"not null;uniqueIndex:idx_order_study" json:"order_ref"`
	StudyUID    string  `gorm:"not null;uniqueIndex:idx_order_study;uniqueIndex:idx_study_uid" json:"study_uid"`
	PatientID   string  `gorm:"not null" json:"patient_id"`
	PatientName string  `gorm:"not null" json:"patient_name"`
	Description *string `gorm:"" json:"description,omitempty"`
	CreatedAt   int64   `gorm:"not null" json:"created_at"`

	Series []Series `gorm:"foreignKey:StudyID;references:ID" json:"series,omitempty"`
}

// TableName explicitly sets the table name for GORM.
func (Study) TableName() string {
	return "studies"
}

// Series groups the images of one modality acquisition within a study.
type Series struct {
	ID             uint   `gorm:"primaryKey;autoIncrement" json:"id"`
	StudyID        uint   `gorm:"not null;uniqueIndex:idx_study_series" json:"study_id"`
	SeriesUID      string `gorm:"not null;uniqueIndex:idx_study_series" json:"series_uid"`
	Modality       string `gorm:"not null" json:"modality"`
	SequenceNumber int    `gorm:"not null" json:"sequence_number"`
	CreatedAt      int64  `gorm:"not null" json:"created_at"`

	Images []Image `gorm:"foreignKey:SeriesID;references:ID" json:"images,omitempty"`
}

// TableName explicitly sets the table name for GORM.
func (Series) TableName() string {
	return "series"
}

// Image is the finalized, write-once catalog entry. Checksum is globally
// unique: identical content is stored once and shared.
type Image struct {
	ID          string            `gorm:"primaryKey;size:36" json:"id"`
	ImageUID    string            `gorm:"not null;uniqueIndex" json:"image_uid"`
	SeriesID    uint              `gorm:"not null;index" json:"series_id"`
	RecordID    string            `gorm:"size:36;not null;index" json:"record_id"` // record that promoted it
	StorageKey  string            `gorm:"not null" json:"storage_key"`
	Filename    string            `gorm:"not null" json:"filename"`
	FileSize    int64             `gorm:"not null" json:"file_size"`
	ContentType string            `gorm:"not null" json:"content_type"`
	Checksum    string            `gorm:"size:64;not null;uniqueIndex" json:"checksum"`
	Metadata    datatypes.JSONMap `json:"metadata,omitempty"`
	CreatedAt   int64             `gorm:"not null" json:"created_at"`
}

// TableName explicitly sets the table name for GORM.
func (Image) TableName() string {
	return "catalog_images"
}

// Validate checks the fields required to create a catalog image.
func (i *Image) Validate() error {
	switch {
	case i.SeriesID == 0:
		return fmt.Errorf("catalog image: series is required")
	case i.StorageKey == "":
		return fmt.Errorf("catalog image: storage key is required")
	case i.Filename == "":
		return fmt.Errorf("catalog image: filename is required")
	case i.FileSize <= 0:
		return fmt.Errorf("catalog image: file size must be positive")
	case i.ContentType == "":
		return fmt.Errorf("catalog image: content type is required")
	case !ValidChecksum(i.Checksum):
		return fmt.Errorf("catalog image: checksum malformed")
	}
	return nil
}

// BeforeCreate validates the row.
func (i *Image) BeforeCreate(tx *gorm.DB) error {
	return i.Validate()
}

// BeforeUpdate rejects every update, including gorm Save on an existing key.
func (i *Image) BeforeUpdate(tx *gorm.DB) error {
	return ErrImageImmutable
}

// BeforeDelete rejects deletes.
func (i *Image) BeforeDelete(tx *gorm.DB) error {
	return ErrImageImmutable
}

// PreviewStatus values mirror the task status columns used by the workers.
const (
	PreviewStatusPending    = "pending"
	PreviewStatusProcessing = "processing"
	PreviewStatusDone       = "done"
	PreviewStatusError      = "error"
	PreviewStatusSkipped    = "skipped"
)

// ImagePreview holds the mutable rendition state of an immutable Image.
type ImagePreview struct {
	ImageID     string  `gorm:"primaryKey;size:36" json:"image_id"`
	StorageKey  *string `gorm:"" json:"storage_key,omitempty"`
	Status      string  `gorm:"not null;default:pending;index" json:"status"`
	Error       *string `gorm:"" json:"error,omitempty"`
	ProcessedAt *int64  `gorm:"" json:"processed_at,omitempty"`
	CreatedAt   int64   `gorm:"not null" json:"created_at"`
	UpdatedAt   int64   `gorm:"not null" json:"updated_at"`
}

// TableName explicitly sets the table name for GORM.
func (ImagePreview) TableName() string {
	return "image_previews"
}
