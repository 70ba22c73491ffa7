package media

import (
	"fmt"
	"strings"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// DICOMHeader is the subset of header attributes the catalog cares about.
type DICOMHeader struct {
	Modality          string
	SOPInstanceUID    string
	StudyInstanceUID  string
	SeriesInstanceUID string
	StudyDescription  string
	BodyPartExamined  string
	Rows              int
	Columns           int
}

var dicomStringTags = map[tag.Tag]func(h *DICOMHeader, v string){
	tag.Modality:          func(h *DICOMHeader, v string) { h.Modality = v },
	tag.SOPInstanceUID:    func(h *DICOMHeader, v string) { h.SOPInstanceUID = v },
	tag.StudyInstanceUID:  func(h *DICOMHeader, v string) { h.StudyInstanceUID = v },
	tag.SeriesInstanceUID: func(h *DICOMHeader, v string) { h.SeriesInstanceUID = v },
	tag.StudyDescription:  func(h *DICOMHeader, v string) { h.StudyDescription = v },
	tag.BodyPartExamined:  func(h *DICOMHeader, v string) { h.BodyPartExamined = v },
}

// ReadDICOMHeader parses the header of a DICOM file, skipping pixel data.
func ReadDICOMHeader(path string) (*DICOMHeader, error) {
	ds, err := dicom.ParseFile(path, nil, dicom.SkipPixelData())
	if err != nil {
		return nil, fmt.Errorf("dicom: failed to parse %s: %w", path, err)
	}

	h := &DICOMHeader{}
	for t, set := range dicomStringTags {
		el, err := ds.FindElementByTag(t)
		if err != nil {
			continue
		}
		if vals, ok := el.Value.GetValue().([]string); ok && len(vals) > 0 {
			set(h, strings.TrimSpace(strings.TrimRight(vals[0], "\x00")))
		}
	}
	if el, err := ds.FindElementByTag(tag.Rows); err == nil {
		if vals, ok := el.Value.GetValue().([]int); ok && len(vals) > 0 {
			h.Rows = vals[0]
		}
	}
	if el, err := ds.FindElementByTag(tag.Columns); err == nil {
		if vals, ok := el.Value.GetValue().([]int); ok && len(vals) > 0 {
			h.Columns = vals[0]
		}
	}
	return h, nil
}

// Metadata flattens the header into "dicom." prefixed keys, skipping blanks.
func (h *DICOMHeader) Metadata() map[string]interface{} {
	out := make(map[string]interface{})
	put := func(k, v string) {
		if v != "" {
			out[k] = v
		}
	}
	put("dicom.modality", h.Modality)
	put("dicom.sop_instance_uid", h.SOPInstanceUID)
	put("dicom.study_instance_uid", h.StudyInstanceUID)
	put("dicom.series_instance_uid", h.SeriesInstanceUID)
	put("dicom.study_description", h.StudyDescription)
	put("dicom.body_part_examined", h.BodyPartExamined)
	if h.Rows > 0 {
		out["dicom.rows"] = h.Rows
	}
	if h.Columns > 0 {
		out["dicom.columns"] = h.Columns
	}
	return out
}
