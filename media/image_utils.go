package media

import (
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"mime"
	"path/filepath"
	"strings"
)

const ContentTypeDICOM = "application/dicom"

var supportedImageExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".bmp": true, ".tif": true, ".tiff": true,
}

var previewableContentTypes = map[string]bool{
	"image/jpeg": true, "image/png": true, "image/gif": true, "image/bmp": true, "image/tiff": true,
}

// IsRasterImage checks if the filename has a common raster image extension
func IsRasterImage(filename string) bool {
	ext := strings.ToLower(filepath.Ext(filename))
	return supportedImageExtensions[ext]
}

func baseContentType(contentType string) string {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(contentType))
	}
	return mt
}

// IsPreviewable reports whether a preview can be rendered for the content.
func IsPreviewable(contentType, filename string) bool {
	return previewableContentTypes[baseContentType(contentType)] || IsRasterImage(filename)
}

// IsDICOM matches the DICOM media type or a .dcm filename.
func IsDICOM(contentType, filename string) bool {
	return baseContentType(contentType) == ContentTypeDICOM || strings.EqualFold(filepath.Ext(filename), ".dcm")
}

// IsJPEG matches content that may carry EXIF.
func IsJPEG(contentType, filename string) bool {
	if baseContentType(contentType) == "image/jpeg" {
		return true
	}
	ext := strings.ToLower(filepath.Ext(filename))
	return ext == ".jpg" || ext == ".jpeg"
}
