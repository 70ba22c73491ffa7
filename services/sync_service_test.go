package services

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/camden-git/radsync/locks"
	"github.com/camden-git/radsync/media"
	"github.com/camden-git/radsync/models"
	"github.com/camden-git/radsync/realtime"
	"github.com/camden-git/radsync/repository"
)

func TestEndToEndSessionUpload(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	session := h.createSession(t, 1)
	if session.Status != models.SessionStatusPending {
		t.Fatalf("new session status = %s", session.Status)
	}

	data, checksum := randomContent(t, 1000)
	imageID := uuid.NewString()
	rec, err := h.sync.UploadMetadata(ctx, MetadataInput{
		ImageID:        imageID,
		OrderRef:       testOrder,
		Filename:       "chest-pa.jpg",
		FileSize:       1000,
		ContentType:    "image/jpeg",
		Checksum:       checksum,
		SessionID:      session.ID,
		SequenceNumber: intPtr(1),
	})
	if err != nil {
		t.Fatalf("UploadMetadata: %v", err)
	}
	if rec.Status != models.ImageStatusMetadataUploaded || rec.MetadataUploadedAt == nil {
		t.Fatalf("after metadata: status %s, stamped %v", rec.Status, rec.MetadataUploadedAt != nil)
	}
	if s := h.session(t, session.ID); s.Status != models.SessionStatusUploading {
		t.Fatalf("session status after metadata = %s, want UPLOADING", s.Status)
	}

	res, err := h.binary(imageID, data, 0)
	if err != nil {
		t.Fatalf("UploadBinary: %v", err)
	}
	if !res.Complete || res.Status != models.ImageStatusSynced || res.Progress != 100 {
		t.Fatalf("unexpected binary result %+v", res)
	}
	if res.CatalogImageID == "" || res.Deduplicated {
		t.Fatalf("expected a fresh catalog image, got %+v", res)
	}

	img, err := h.store.Catalog.GetImageByID(ctx, res.CatalogImageID)
	if err != nil {
		t.Fatalf("catalog image missing: %v", err)
	}
	study := models.StudyUIDForOrder(testOrder)
	series := models.SeriesUIDFor(study, "CR")
	if want := media.StorageKey(study, series, imageID, "chest-pa.jpg"); img.StorageKey != want {
		t.Fatalf("storage key = %s, want %s", img.StorageKey, want)
	}
	if img.Checksum != checksum || img.FileSize != 1000 || img.RecordID != imageID {
		t.Fatalf("catalog image does not describe the upload: %+v", img)
	}

	s := h.session(t, session.ID)
	if s.ImagesUploaded != 1 || s.ImagesFailed != 0 {
		t.Fatalf("session counters = %d/%d", s.ImagesUploaded, s.ImagesFailed)
	}
	requireAggregate(t, s)

	ack, err := h.sync.Acknowledge(ctx, imageID, res.CatalogImageID)
	if err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}
	if !ack.SafeToDelete || ack.Status != models.ImageStatusAckReceived {
		t.Fatalf("unexpected ack %+v", ack)
	}
	if s := h.session(t, session.ID); s.Status != models.SessionStatusSynced {
		t.Fatalf("session status = %s, want SYNCED", s.Status)
	}

	// staged bytes are gone once the image is cataloged
	if n, _ := h.staging.Size(imageID); n != 0 {
		t.Fatalf("staged bytes left behind: %d", n)
	}
	if len(h.previews.ids) != 1 || h.previews.ids[0] != res.CatalogImageID {
		t.Fatalf("preview not queued: %v", h.previews.ids)
	}
	if h.events.count(realtime.EventImageStatus) == 0 || h.events.count(realtime.EventSessionStatus) == 0 {
		t.Fatal("expected status events")
	}
}

func TestUploadMetadataIsIdempotent(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	data, checksum := randomContent(t, 64)
	imageID := uuid.NewString()

	first := h.metadata(t, imageID, data, checksum)
	second := h.metadata(t, imageID, data, checksum)
	if first.ID != second.ID || second.Status != models.ImageStatusMetadataUploaded {
		t.Fatalf("second upload diverged: %+v", second)
	}
	if second.ResendCount != 1 {
		t.Fatalf("resend count = %d, want 1", second.ResendCount)
	}
	pending, err := h.sync.ListPending(ctx, testOrder)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected one record, found %d", len(pending))
	}

	// a resend during the binary phase keeps transfer progress
	if _, err := h.binary(imageID, data[:32], 0); err != nil {
		t.Fatalf("partial binary: %v", err)
	}
	third := h.metadata(t, imageID, data, checksum)
	if third.Status != models.ImageStatusBinaryUploading || third.BytesUploaded != 32 {
		t.Fatalf("resend reset progress: %s %d", third.Status, third.BytesUploaded)
	}

	res, err := h.binary(imageID, data[32:], 32)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.sync.Acknowledge(ctx, imageID, res.CatalogImageID); err != nil {
		t.Fatal(err)
	}
	acked := h.record(t, imageID)

	again := h.metadata(t, imageID, data, checksum)
	if again.Status != models.ImageStatusAckReceived || again.ResendCount != acked.ResendCount || again.UpdatedAt != acked.UpdatedAt {
		t.Fatalf("acknowledged record changed on resend: %+v", again)
	}
}

func TestUploadMetadataValidation(t *testing.T) {
	h := newHarness(t, 0)
	_, checksum := randomContent(t, 10)
	valid := func() MetadataInput {
		return MetadataInput{
			ImageID:     uuid.NewString(),
			OrderRef:    testOrder,
			Filename:    "a.jpg",
			FileSize:    10,
			ContentType: "image/jpeg",
			Checksum:    checksum,
		}
	}

	tests := []struct {
		name   string
		mutate func(in *MetadataInput)
		code   string
	}{
		{"short checksum", func(in *MetadataInput) { in.Checksum = checksum[:63] }, CodeInvalidChecksum},
		{"non hex checksum", func(in *MetadataInput) { in.Checksum = "z" + checksum[1:] }, CodeInvalidChecksum},
		{"zero size", func(in *MetadataInput) { in.FileSize = 0 }, CodeInvalidSize},
		{"negative size", func(in *MetadataInput) { in.FileSize = -5 }, CodeInvalidSize},
		{"too large", func(in *MetadataInput) { in.FileSize = 2 << 20 }, CodeInvalidSize},
		{"unknown order", func(in *MetadataInput) { in.OrderRef = "ORD-missing" }, CodeOrderNotFound},
		{"bad image id", func(in *MetadataInput) { in.ImageID = "not-a-uuid" }, CodeInvalidImageID},
		{"missing filename", func(in *MetadataInput) { in.Filename = "" }, CodeInvalidInput},
		{"sequence without session", func(in *MetadataInput) { in.SequenceNumber = intPtr(1) }, CodeInvalidInput},
		{"session without sequence", func(in *MetadataInput) { in.SessionID = uuid.NewString() }, CodeInvalidInput},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			in := valid()
			tc.mutate(&in)
			_, err := h.sync.UploadMetadata(context.Background(), in)
			requireCode(t, err, tc.code)
			se, _ := AsSyncError(err)
			if se.Kind != KindValidation {
				t.Fatalf("kind = %s, want validation", se.Kind)
			}
			if _, err := h.store.Records.GetByID(context.Background(), in.ImageID); !errors.Is(err, repository.ErrNotFound) {
				t.Fatalf("record persisted despite validation failure: %v", err)
			}
		})
	}

	// uppercase digests are normalized rather than rejected
	in := valid()
	in.Checksum = strings.ToUpper(checksum)
	rec, err := h.sync.UploadMetadata(context.Background(), in)
	if err != nil {
		t.Fatalf("uppercase checksum rejected: %v", err)
	}
	if rec.Checksum != checksum {
		t.Fatalf("checksum not normalized: %s", rec.Checksum)
	}
}

func TestUploadMetadataRejectsChangedIdentity(t *testing.T) {
	h := newHarness(t, 0)
	data, checksum := randomContent(t, 100)
	imageID := uuid.NewString()
	h.metadata(t, imageID, data, checksum)

	_, other := randomContent(t, 100)
	_, err := h.sync.UploadMetadata(context.Background(), MetadataInput{
		ImageID: imageID, OrderRef: testOrder, Filename: "chest-pa.jpg",
		FileSize: 100, ContentType: "image/jpeg", Checksum: other,
	})
	requireCode(t, err, CodeImmutableField)

	_, err = h.sync.UploadMetadata(context.Background(), MetadataInput{
		ImageID: imageID, OrderRef: testOrder, Filename: "chest-pa.jpg",
		FileSize: 101, ContentType: "image/jpeg", Checksum: checksum,
	})
	requireCode(t, err, CodeImmutableField)

	if rec := h.record(t, imageID); rec.Checksum != checksum || rec.FileSize != 100 {
		t.Fatalf("immutable fields changed: %s %d", rec.Checksum, rec.FileSize)
	}
}

func TestChecksumGate(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	data, checksum := randomContent(t, 500)
	imageID := uuid.NewString()
	h.metadata(t, imageID, data, checksum)

	tampered := append([]byte(nil), data...)
	tampered[100] ^= 0xff
	_, err := h.binary(imageID, tampered, 0)
	requireCode(t, err, CodeChecksumMismatch)

	if _, err := h.store.Catalog.FindImageByChecksum(ctx, checksum); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("catalog image created despite mismatch: %v", err)
	}
	if _, err := h.store.Catalog.FindImageByChecksum(ctx, sha256Hex(tampered)); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("tampered content cataloged: %v", err)
	}
	rec := h.record(t, imageID)
	if rec.Status != models.ImageStatusFailed || rec.RetryCount != 1 {
		t.Fatalf("record not failed: %s retry=%d", rec.Status, rec.RetryCount)
	}
	if rec.LastErrorCode == nil || *rec.LastErrorCode != CodeChecksumMismatch {
		t.Fatalf("last error code = %v", rec.LastErrorCode)
	}
	if rec.BytesUploaded != 0 {
		t.Fatalf("resume cursor kept after discard: %d", rec.BytesUploaded)
	}
	if n, _ := h.staging.Size(imageID); n != 0 {
		t.Fatalf("tampered bytes still staged: %d", n)
	}

	failed, err := h.sync.ListFailed(ctx, testOrder)
	if err != nil || len(failed) != 1 {
		t.Fatalf("ListFailed = %d, %v", len(failed), err)
	}

	// binary on a failed record needs an explicit retry first
	_, err = h.binary(imageID, data, 0)
	requireCode(t, err, CodeInvalidTransition)

	retried, err := h.sync.RetryImage(ctx, imageID)
	if err != nil {
		t.Fatalf("RetryImage: %v", err)
	}
	if retried.Status != models.ImageStatusMetadataUploaded {
		t.Fatalf("retried status = %s", retried.Status)
	}
	res, err := h.binary(imageID, data, 0)
	if err != nil {
		t.Fatalf("upload after retry: %v", err)
	}
	if res.Status != models.ImageStatusSynced {
		t.Fatalf("status after retry = %s", res.Status)
	}
}

func TestPhaseOrdering(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	data, checksum := randomContent(t, 50)
	imageID := uuid.NewString()

	_, err := h.binary(imageID, data, 0)
	requireCode(t, err, CodeMetadataNotUploaded)
	if _, err := h.store.Records.GetByID(ctx, imageID); !errors.Is(err, repository.ErrNotFound) {
		t.Fatal("binary upload created a record")
	}

	_, err = h.sync.Acknowledge(ctx, imageID, uuid.NewString())
	requireCode(t, err, CodeNotFound)

	h.metadata(t, imageID, data, checksum)
	_, err = h.sync.Acknowledge(ctx, imageID, uuid.NewString())
	requireCode(t, err, CodeBinaryNotUploaded)

	if _, err := h.binary(imageID, data[:10], 0); err != nil {
		t.Fatal(err)
	}
	_, err = h.sync.Acknowledge(ctx, imageID, uuid.NewString())
	requireCode(t, err, CodeBinaryNotUploaded)

	res, err := h.binary(imageID, data[10:], 10)
	if err != nil {
		t.Fatal(err)
	}
	_, err = h.sync.Acknowledge(ctx, imageID, uuid.NewString())
	requireCode(t, err, CodeServerImageMismatch)
	if rec := h.record(t, imageID); rec.Status != models.ImageStatusSynced {
		t.Fatalf("mismatched ack changed status to %s", rec.Status)
	}

	first, err := h.sync.Acknowledge(ctx, imageID, res.CatalogImageID)
	if err != nil {
		t.Fatal(err)
	}
	second, err := h.sync.Acknowledge(ctx, imageID, res.CatalogImageID)
	if err != nil {
		t.Fatalf("repeated ack: %v", err)
	}
	if !second.SafeToDelete || *second.AcknowledgedAt != *first.AcknowledgedAt {
		t.Fatalf("repeated ack diverged: %+v vs %+v", second, first)
	}
}

// Records are deduplicated purely by SHA-256. Two distinct files with
// colliding digests would be merged as well; that is accepted for a 256 bit
// hash and not guarded against.
func TestDeduplicationByChecksum(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	data, checksum := randomContent(t, 300)
	first, second := uuid.NewString(), uuid.NewString()
	h.metadata(t, first, data, checksum)
	h.metadata(t, second, data, checksum)

	r1, err := h.binary(first, data, 0)
	if err != nil {
		t.Fatal(err)
	}
	r2, err := h.binary(second, data, 0)
	if err != nil {
		t.Fatal(err)
	}
	if r1.CatalogImageID != r2.CatalogImageID {
		t.Fatalf("expected shared catalog image, got %s and %s", r1.CatalogImageID, r2.CatalogImageID)
	}
	if r1.Deduplicated || !r2.Deduplicated {
		t.Fatalf("dedup flags = %v/%v", r1.Deduplicated, r2.Deduplicated)
	}

	img, err := h.store.Catalog.GetImageByID(ctx, r1.CatalogImageID)
	if err != nil {
		t.Fatal(err)
	}
	images, err := h.store.Catalog.ListImages(ctx, img.SeriesID)
	if err != nil {
		t.Fatal(err)
	}
	if len(images) != 1 {
		t.Fatalf("expected exactly one catalog image, got %d", len(images))
	}

	study := models.StudyUIDForOrder(testOrder)
	secondKey := media.StorageKey(study, models.SeriesUIDFor(study, "CR"), second, "chest-pa.jpg")
	if ok, _ := h.media.Exists(ctx, secondKey); ok {
		t.Fatal("duplicate bytes were stored")
	}

	for _, id := range []string{first, second} {
		ack, err := h.sync.Acknowledge(ctx, id, r1.CatalogImageID)
		if err != nil {
			t.Fatalf("ack %s: %v", id, err)
		}
		if ack.Status != models.ImageStatusAckReceived {
			t.Fatalf("ack %s status = %s", id, ack.Status)
		}
	}
	if len(h.previews.ids) != 1 {
		t.Fatalf("previews queued = %d, want 1", len(h.previews.ids))
	}
}

func TestConcurrentDuplicateUploads(t *testing.T) {
	h := newHarness(t, 0)
	data, checksum := randomContent(t, 200)
	ids := make([]string, 4)
	for i := range ids {
		ids[i] = uuid.NewString()
		h.metadata(t, ids[i], data, checksum)
	}

	results := make(chan string, len(ids))
	errs := make(chan error, len(ids))
	for _, id := range ids {
		go func(id string) {
			res, err := h.binary(id, data, 0)
			if err != nil {
				errs <- err
				return
			}
			results <- res.CatalogImageID
		}(id)
	}
	seen := map[string]bool{}
	for range ids {
		select {
		case err := <-errs:
			t.Fatalf("concurrent upload failed: %v", err)
		case id := <-results:
			seen[id] = true
		}
	}
	if len(seen) != 1 {
		t.Fatalf("concurrent uploads produced %d catalog images", len(seen))
	}
}

func TestResumableUpload(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	data, checksum := randomContent(t, 1000)
	imageID := uuid.NewString()
	h.metadata(t, imageID, data, checksum)

	_, err := h.sync.UploadBinary(ctx, BinaryInput{
		ImageID: imageID,
		Content: &interruptedReader{data: data, failAt: 400},
	})
	requireCode(t, err, CodeTransferInterrupted)

	rec := h.record(t, imageID)
	if rec.Status != models.ImageStatusBinaryUploading || rec.BytesUploaded != 400 || rec.Progress != 40 {
		t.Fatalf("after interruption: %s %d %.2f", rec.Status, rec.BytesUploaded, rec.Progress)
	}
	if rec.RetryCount != 0 {
		t.Fatalf("interruption consumed a retry")
	}

	_, err = h.binary(imageID, data[500:], 500)
	requireCode(t, err, CodeResumeOffsetMismatch)

	res, err := h.binary(imageID, data[400:], 400)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if res.Status != models.ImageStatusSynced {
		t.Fatalf("status after resume = %s", res.Status)
	}

	img, err := h.store.Catalog.GetImageByID(ctx, res.CatalogImageID)
	if err != nil {
		t.Fatal(err)
	}
	body, _, err := h.media.Open(ctx, img.StorageKey)
	if err != nil {
		t.Fatal(err)
	}
	defer body.Close()
	stored, _ := io.ReadAll(body)
	if sha256Hex(stored) != checksum {
		t.Fatal("stored object does not match the declared checksum")
	}

	// resending after success touches nothing
	again, err := h.binary(imageID, data, 0)
	if err != nil || again.CatalogImageID != res.CatalogImageID {
		t.Fatalf("resend after sync: %+v %v", again, err)
	}
}

func TestOverlappingResendTruncates(t *testing.T) {
	h := newHarness(t, 0)
	data, checksum := randomContent(t, 600)
	imageID := uuid.NewString()
	h.metadata(t, imageID, data, checksum)

	if _, err := h.binary(imageID, data[:450], 0); err != nil {
		t.Fatal(err)
	}
	// the client only saw 300 bytes confirmed and starts over from there
	res, err := h.binary(imageID, data[300:], 300)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != models.ImageStatusSynced {
		t.Fatalf("status = %s", res.Status)
	}
}

func TestOversizedContentFails(t *testing.T) {
	h := newHarness(t, 0)
	data, checksum := randomContent(t, 100)
	imageID := uuid.NewString()
	h.metadata(t, imageID, data, checksum)

	_, err := h.binary(imageID, append(data, 1, 2, 3), 0)
	requireCode(t, err, CodeSizeMismatch)
	rec := h.record(t, imageID)
	if rec.Status != models.ImageStatusFailed || rec.BytesUploaded != 0 {
		t.Fatalf("after overflow: %s %d", rec.Status, rec.BytesUploaded)
	}
}

func TestRetryBudgetIsBounded(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()
	data, checksum := randomContent(t, 80)
	bad := append([]byte(nil), data...)
	bad[0] ^= 1
	imageID := uuid.NewString()
	h.metadata(t, imageID, data, checksum)

	_, err := h.binary(imageID, bad, 0)
	requireCode(t, err, CodeChecksumMismatch)
	if _, err := h.sync.RetryImage(ctx, imageID); err != nil {
		t.Fatalf("first retry: %v", err)
	}
	_, err = h.binary(imageID, bad, 0)
	requireCode(t, err, CodeChecksumMismatch)

	rec := h.record(t, imageID)
	if !rec.Exhausted() || rec.CanRetry() || rec.RetryCount != 2 {
		t.Fatalf("expected exhausted record, got retry=%d status=%s", rec.RetryCount, rec.Status)
	}
	_, err = h.sync.RetryImage(ctx, imageID)
	requireCode(t, err, CodeRetryExhausted)

	_, err = h.sync.UploadMetadata(ctx, MetadataInput{
		ImageID: imageID, OrderRef: testOrder, Filename: "chest-pa.jpg",
		FileSize: int64(len(data)), ContentType: "image/jpeg", Checksum: checksum,
	})
	requireCode(t, err, CodeRetryExhausted)

	_, err = h.sync.RetryImage(ctx, uuid.NewString())
	requireCode(t, err, CodeNotFound)
}

func TestCancelImage(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	data, checksum := randomContent(t, 400)
	imageID := uuid.NewString()
	h.metadata(t, imageID, data, checksum)
	if _, err := h.binary(imageID, data[:100], 0); err != nil {
		t.Fatal(err)
	}

	rec, err := h.sync.CancelImage(ctx, imageID)
	if err != nil {
		t.Fatalf("CancelImage: %v", err)
	}
	if rec.Status != models.ImageStatusCancelled || rec.CancelledAt == nil {
		t.Fatalf("status = %s", rec.Status)
	}
	if n, _ := h.staging.Size(imageID); n != 0 {
		t.Fatalf("staged bytes kept after cancel: %d", n)
	}
	if _, err := h.sync.CancelImage(ctx, imageID); err != nil {
		t.Fatalf("second cancel: %v", err)
	}

	_, err = h.binary(imageID, data[100:], 100)
	requireCode(t, err, CodeCancelled)
	_, err = h.sync.UploadMetadata(ctx, MetadataInput{
		ImageID: imageID, OrderRef: testOrder, Filename: "chest-pa.jpg",
		FileSize: 400, ContentType: "image/jpeg", Checksum: checksum,
	})
	requireCode(t, err, CodeCancelled)
	_, err = h.sync.RetryImage(ctx, imageID)
	requireCode(t, err, CodeInvalidTransition)
}

func TestCancelKeepsStoredBinaries(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	data, checksum := randomContent(t, 120)
	imageID := uuid.NewString()
	h.metadata(t, imageID, data, checksum)
	res, err := h.binary(imageID, data, 0)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := h.sync.CancelImage(ctx, imageID); err != nil {
		t.Fatalf("cancel synced image: %v", err)
	}
	img, err := h.store.Catalog.FindImageByChecksum(ctx, checksum)
	if err != nil || img.ID != res.CatalogImageID {
		t.Fatalf("catalog image lost on cancel: %v", err)
	}
	if ok, _ := h.media.Exists(ctx, img.StorageKey); !ok {
		t.Fatal("stored object removed on cancel")
	}
	_, err = h.sync.Acknowledge(ctx, imageID, res.CatalogImageID)
	requireCode(t, err, CodeCancelled)
}

func TestStatusCounts(t *testing.T) {
	h := newHarness(t, 0)
	data, checksum := randomContent(t, 40)
	for i := 0; i < 3; i++ {
		h.metadata(t, uuid.NewString(), data, checksum)
	}
	counts, err := NewStatsService(h.raw).StatusCounts(context.Background(), testOrder)
	if err != nil {
		t.Fatal(err)
	}
	if counts[models.ImageStatusMetadataUploaded] != 3 || counts[models.ImageStatusSynced] != 0 {
		t.Fatalf("unexpected counts %v", counts)
	}
	if len(counts) != len(models.AllImageStatuses) {
		t.Fatalf("missing statuses in %v", counts)
	}
}

func TestRetryExhaustedReportsEffectiveLimit(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()
	data, checksum := randomContent(t, 60)
	bad := append([]byte(nil), data...)
	bad[5] ^= 1
	imageID := uuid.NewString()
	h.metadata(t, imageID, data, checksum)
	_, err := h.binary(imageID, bad, 0)
	requireCode(t, err, CodeChecksumMismatch)

	// rows that predate the column carry no limit of their own
	if _, err := h.raw.DB.ExecContext(ctx, "UPDATE image_records SET max_retries = 0, retry_count = ? WHERE id = ?", models.DefaultMaxRetries, imageID); err != nil {
		t.Fatal(err)
	}
	_, err = h.sync.RetryImage(ctx, imageID)
	requireCode(t, err, CodeRetryExhausted)
	var syncErr *SyncError
	if !errors.As(err, &syncErr) || !strings.Contains(syncErr.Message, "exhausted its 5 retries") {
		t.Fatalf("unexpected message: %v", err)
	}

	_, err = h.sync.UploadMetadata(ctx, MetadataInput{
		ImageID: imageID, OrderRef: testOrder, Filename: "chest-pa.jpg",
		FileSize: int64(len(data)), ContentType: "image/jpeg", Checksum: checksum,
	})
	requireCode(t, err, CodeRetryExhausted)
	if !errors.As(err, &syncErr) || !strings.Contains(syncErr.Message, "exhausted its 5 retries") {
		t.Fatalf("unexpected message: %v", err)
	}
}

func TestConcurrentTransferIsReported(t *testing.T) {
	h := newHarness(t, 0)
	data, checksum := randomContent(t, 120)
	imageID := uuid.NewString()
	h.metadata(t, imageID, data, checksum)

	release, err := h.sync.transfers.Lock(context.Background(), imageID)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = h.sync.UploadBinary(ctx, BinaryInput{ImageID: imageID, Content: strings.NewReader(string(data))})
	requireCode(t, err, CodeTransferInProgress)
	if rec := h.record(t, imageID); rec.Status != models.ImageStatusMetadataUploaded || rec.RetryCount != 0 {
		t.Fatalf("busy transfer touched the record: %s retries=%d", rec.Status, rec.RetryCount)
	}

	release()
	if _, err := h.binary(imageID, data, 0); err != nil {
		t.Fatalf("UploadBinary after release: %v", err)
	}
}

type keyRecordingLocker struct {
	inner *locks.KeyedMutex
	mu    sync.Mutex
	keys  []string
}

func (l *keyRecordingLocker) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	l.keys = append(l.keys, key)
	l.mu.Unlock()
	return l.inner.Lock(ctx, key)
}

func TestSharedLockerOnlyGuardsChecksums(t *testing.T) {
	h := newHarness(t, 0)
	shared := &keyRecordingLocker{inner: locks.NewKeyedMutex()}
	svc := NewSyncService(SyncDeps{
		Store:   h.store,
		Media:   h.media,
		Staging: h.staging,
		Locker:  shared,
	}, SyncConfig{ChunkSize: 64, MaxImageSize: 1 << 20}, zap.NewNop())

	data, checksum := randomContent(t, 300)
	imageID := uuid.NewString()
	h.metadata(t, imageID, data, checksum)
	for _, off := range []int64{0, 100} {
		end := off + 100
		if off == 100 {
			end = int64(len(data))
		}
		if _, err := svc.UploadBinary(context.Background(), BinaryInput{
			ImageID:    imageID,
			Content:    strings.NewReader(string(data[off:end])),
			ResumeFrom: off,
		}); err != nil {
			t.Fatalf("UploadBinary at %d: %v", off, err)
		}
	}

	if len(shared.keys) != 1 || shared.keys[0] != "checksum:"+checksum {
		t.Fatalf("shared locker saw keys %v", shared.keys)
	}
}
