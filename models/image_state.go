package models

import "fmt"

// ImageStatus is the lifecycle state of an ImageRecord.
type ImageStatus string

const (
	ImageStatusPending           ImageStatus = "PENDING"
	ImageStatusMetadataUploading ImageStatus = "METADATA_UPLOADING"
	ImageStatusMetadataUploaded  ImageStatus = "METADATA_UPLOADED"
	ImageStatusBinaryUploading   ImageStatus = "BINARY_UPLOADING"
	ImageStatusBinaryUploaded    ImageStatus = "BINARY_UPLOADED"
	ImageStatusSynced            ImageStatus = "SYNCED"
	ImageStatusAckReceived       ImageStatus = "ACK_RECEIVED"
	ImageStatusFailed            ImageStatus = "FAILED"
	ImageStatusCancelled         ImageStatus = "CANCELLED"
)

// AllImageStatuses lists every state, in lifecycle order.
var AllImageStatuses = []ImageStatus{
	ImageStatusPending,
	ImageStatusMetadataUploading,
	ImageStatusMetadataUploaded,
	ImageStatusBinaryUploading,
	ImageStatusBinaryUploaded,
	ImageStatusSynced,
	ImageStatusAckReceived,
	ImageStatusFailed,
	ImageStatusCancelled,
}

// imageTransitions is the complete set of legal moves. Anything absent is
// rejected with a TransitionError.
var imageTransitions = map[ImageStatus]map[ImageStatus]bool{
	ImageStatusPending: {
		ImageStatusMetadataUploading: true,
		ImageStatusFailed:            true,
		ImageStatusCancelled:         true,
	},
	ImageStatusMetadataUploading: {
		ImageStatusMetadataUploaded: true,
		ImageStatusFailed:           true,
		ImageStatusCancelled:        true,
	},
	ImageStatusMetadataUploaded: {
		ImageStatusBinaryUploading: true,
		ImageStatusFailed:          true,
		ImageStatusCancelled:       true,
	},
	ImageStatusBinaryUploading: {
		ImageStatusBinaryUploading: true, // progress
		ImageStatusBinaryUploaded:  true,
		ImageStatusFailed:          true,
		ImageStatusCancelled:       true,
	},
	ImageStatusBinaryUploaded: {
		ImageStatusSynced:      true,
		ImageStatusAckReceived: true,
		ImageStatusFailed:      true,
		ImageStatusCancelled:   true,
	},
	ImageStatusSynced: {
		ImageStatusAckReceived: true,
		ImageStatusFailed:      true,
		ImageStatusCancelled:   true,
	},
	ImageStatusFailed: {
		ImageStatusPending:   true, // retry, guarded by CanRetry
		ImageStatusCancelled: true,
	},
	ImageStatusAckReceived: {},
	ImageStatusCancelled:   {},
}

// IsValid reports whether s is a known state.
func (s ImageStatus) IsValid() bool {
	_, ok := imageTransitions[s]
	return ok
}

// IsTerminal is true for ACK_RECEIVED and CANCELLED.
func (s ImageStatus) IsTerminal() bool {
	return s == ImageStatusAckReceived || s == ImageStatusCancelled
}

// IsInFlight is true for every state between PENDING and SYNCED inclusive.
func (s ImageStatus) IsInFlight() bool {
	switch s {
	case ImageStatusPending, ImageStatusMetadataUploading, ImageStatusMetadataUploaded,
		ImageStatusBinaryUploading, ImageStatusBinaryUploaded, ImageStatusSynced:
		return true
	}
	return false
}

// MetadataComplete is true once the metadata phase has been accepted.
func (s ImageStatus) MetadataComplete() bool {
	switch s {
	case ImageStatusMetadataUploaded, ImageStatusBinaryUploading, ImageStatusBinaryUploaded,
		ImageStatusSynced, ImageStatusAckReceived:
		return true
	}
	return false
}

// BinaryComplete is true once the binary has been verified and stored.
func (s ImageStatus) BinaryComplete() bool {
	switch s {
	case ImageStatusBinaryUploaded, ImageStatusSynced, ImageStatusAckReceived:
		return true
	}
	return false
}

// CanTransitionTo consults the transition table.
func (s ImageStatus) CanTransitionTo(target ImageStatus) bool {
	return imageTransitions[s][target]
}

// TransitionError is returned for any move the table does not allow.
type TransitionError struct {
	From   ImageStatus
	To     ImageStatus
	Reason string
}

func (e *TransitionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("invalid transition %s -> %s: %s", e.From, e.To, e.Reason)
	}
	return fmt.Sprintf("invalid transition %s -> %s", e.From, e.To)
}

// ParseImageStatus converts user input (query strings) into an ImageStatus.
func ParseImageStatus(s string) (ImageStatus, error) {
	st := ImageStatus(s)
	if !st.IsValid() {
		return "", fmt.Errorf("unknown image status %q", s)
	}
	return st, nil
}
