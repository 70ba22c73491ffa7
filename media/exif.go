package media

import (
	"fmt"
	"image"
	"io"
	"strings"

	"github.com/rwcarlsen/goexif/exif"
)

// helper to safely get and convert a rational tag (like FNumber, XResolution)
func getRational(exifData *exif.Exif, tagName exif.FieldName) (float64, bool) {
	tag, err := exifData.Get(tagName)
	if err != nil || tag == nil {
		return 0, false // Tag not found
	}
	num, den, err := tag.Rat2(0)
	if err != nil || den == 0 {
		// sometimes stored as Int instead
		valInt, errInt := tag.Int(0)
		if errInt == nil {
			return float64(valInt), true
		}
		return 0, false
	}
	return float64(num) / float64(den), true
}

func getInt(exifData *exif.Exif, tagName exif.FieldName) (int, bool) {
	tag, err := exifData.Get(tagName)
	if err != nil || tag == nil {
		return 0, false
	}
	val, err := tag.Int(0)
	if err != nil {
		return 0, false
	}
	return val, true
}

// helper to safely get a string tag, trimming quotes and null terminators
func getString(exifData *exif.Exif, tagName exif.FieldName) (string, bool) {
	tag, err := exifData.Get(tagName)
	if err != nil || tag == nil {
		return "", false
	}
	val, err := tag.StringVal()
	if err != nil {
		val = tag.String()
	}
	val = strings.Trim(strings.TrimRight(val, "\x00"), `"`)
	if val == "" {
		return "", false
	}
	return val, true
}

// ExtractEXIF reads image dimensions and the capture tags relevant to clinical
// photos. Keys are prefixed with "exif.". A file without EXIF yields only the
// dimensions; it is not an error.
func ExtractEXIF(r io.ReadSeeker) (map[string]interface{}, error) {
	out := make(map[string]interface{})

	config, format, err := image.DecodeConfig(r)
	if err == nil {
		out["exif.width"] = config.Width
		out["exif.height"] = config.Height
		out["exif.format"] = format
	}

	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("exif: failed to seek: %w", err)
	}

	exifData, err := exif.Decode(r)
	if err != nil {
		return out, nil
	}

	for key, field := range map[string]exif.FieldName{
		"exif.camera_make":  exif.Make,
		"exif.camera_model": exif.Model,
		"exif.software":     exif.Software,
		"exif.description":  exif.ImageDescription,
	} {
		if v, ok := getString(exifData, field); ok {
			out[key] = v
		}
	}
	if v, ok := getInt(exifData, exif.Orientation); ok {
		out["exif.orientation"] = v
	}
	if v, ok := getRational(exifData, exif.XResolution); ok {
		out["exif.x_resolution"] = v
	}
	if v, ok := getRational(exifData, exif.YResolution); ok {
		out["exif.y_resolution"] = v
	}
	if dt, err := exifData.DateTime(); err == nil {
		out["exif.taken_at"] = dt.Unix()
	}
	return out, nil
}
