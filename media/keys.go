package media

import (
	"path"
	"regexp"
	"strings"
)

const (
	RadiologyPrefix = "radiology"
	PreviewPrefix   = "previews"

	maxFilenameLength = 128
)

var unsafeFilenameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// SanitizeFilename reduces a client supplied filename to a safe single path
// segment. It never returns an empty string.
func SanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = path.Base(name)
	name = unsafeFilenameChars.ReplaceAllString(name, "_")
	name = strings.Trim(name, "._-")
	if len(name) > maxFilenameLength {
		ext := path.Ext(name)
		if len(ext) > 16 {
			ext = ""
		}
		name = name[:maxFilenameLength-len(ext)] + ext
	}
	if name == "" {
		return "image"
	}
	return name
}

// StorageKey is the deterministic location of an image binary:
// radiology/{study_uid}/{series_uid}/{image_id}/{filename}.
func StorageKey(studyUID, seriesUID, imageID, filename string) string {
	return path.Join(RadiologyPrefix, studyUID, seriesUID, imageID, SanitizeFilename(filename))
}

// PreviewKey is where the rendition of the content with checksum lives.
func PreviewKey(checksum string) string {
	return path.Join(PreviewPrefix, checksum+PreviewFileExtension)
}
