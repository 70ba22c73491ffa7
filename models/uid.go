package models

import (
	"math/big"
	"strings"

	"github.com/google/uuid"
)

// uidNamespace seeds the name based UUIDs behind study and series UIDs so the
// same order always maps to the same study.
var uidNamespace = uuid.MustParse("6f1c1b52-3c4e-5a0d-9d7b-2b8f4a1e7c55")

// DefaultModality is used when neither the record nor the file names one.
const DefaultModality = "OT"

// UIDFromUUID renders u as a DICOM UID under the 2.25 arc.
func UIDFromUUID(u uuid.UUID) string {
	n := new(big.Int).SetBytes(u[:])
	return "2.25." + n.String()
}

// StudyUIDForOrder derives the stable study UID of an imaging order.
func StudyUIDForOrder(orderRef string) string {
	return UIDFromUUID(uuid.NewSHA1(uidNamespace, []byte("study:"+orderRef)))
}

// SeriesUIDFor derives the stable series UID for one modality of a study.
func SeriesUIDFor(studyUID, modality string) string {
	return UIDFromUUID(uuid.NewSHA1(uidNamespace, []byte("series:"+studyUID+":"+NormalizeModality(modality))))
}

// NormalizeModality uppercases a modality code, falling back to OT.
func NormalizeModality(modality string) string {
	m := strings.ToUpper(strings.TrimSpace(modality))
	if m == "" {
		return DefaultModality
	}
	return m
}
