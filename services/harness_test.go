package services

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm/logger"

	"github.com/camden-git/radsync/database"
	"github.com/camden-git/radsync/locks"
	"github.com/camden-git/radsync/media"
	"github.com/camden-git/radsync/models"
	"github.com/camden-git/radsync/realtime"
	"github.com/camden-git/radsync/repository"
)

const testOrder = "ORD-1001"

type recordingBroadcaster struct {
	mu     sync.Mutex
	events []realtime.Event
}

func (b *recordingBroadcaster) Broadcast(ev realtime.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
}

func (b *recordingBroadcaster) count(eventType string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, ev := range b.events {
		if ev.Type == eventType {
			n++
		}
	}
	return n
}

type recordingQueue struct {
	mu  sync.Mutex
	ids []string
}

func (q *recordingQueue) Enqueue(imageID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ids = append(q.ids, imageID)
	return true
}

type harness struct {
	store    *repository.Store
	raw      *database.Raw
	media    *media.LocalStorage
	staging  *media.Staging
	sessions *SessionService
	sync     *SyncService
	events   *recordingBroadcaster
	previews *recordingQueue
}

func newHarness(t *testing.T, maxRetries int) *harness {
	t.Helper()
	dir := t.TempDir()
	db, err := database.InitGormDB(database.Options{
		Driver:   database.DriverSQLite,
		DSN:      database.SQLiteDSN(filepath.Join(dir, "test.db")),
		LogLevel: logger.Silent,
		MaxOpen:  1,
	})
	if err != nil {
		t.Fatalf("InitGormDB: %v", err)
	}
	if err := database.AutoMigrateModels(db); err != nil {
		t.Fatalf("AutoMigrateModels: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	raw, err := database.NewRaw(db)
	if err != nil {
		t.Fatalf("NewRaw: %v", err)
	}

	store := repository.NewStore(db)
	local, err := media.NewLocalStorage(filepath.Join(dir, "media"), "", zap.NewNop())
	if err != nil {
		t.Fatalf("NewLocalStorage: %v", err)
	}
	staging, err := media.NewStaging(filepath.Join(dir, "staging"))
	if err != nil {
		t.Fatalf("NewStaging: %v", err)
	}

	modality := "CR"
	if err := store.Orders.Upsert(context.Background(), &models.ImagingOrder{
		Ref: testOrder, PatientID: "P-77", PatientName: "Doe^Jane", Modality: &modality,
	}); err != nil {
		t.Fatalf("seed order: %v", err)
	}

	events := &recordingBroadcaster{}
	previews := &recordingQueue{}
	sessions := NewSessionService(store, events, zap.NewNop())
	svc := NewSyncService(SyncDeps{
		Store:    store,
		Media:    local,
		Staging:  staging,
		Locker:   locks.NewKeyedMutex(),
		Previews: previews,
		Events:   events,
	}, SyncConfig{MaxRetries: maxRetries, ChunkSize: 256, MaxImageSize: 1 << 20}, zap.NewNop())

	return &harness{
		store:    store,
		raw:      raw,
		media:    local,
		staging:  staging,
		sessions: sessions,
		sync:     svc,
		events:   events,
		previews: previews,
	}
}

func randomContent(t *testing.T, n int) ([]byte, string) {
	t.Helper()
	data := make([]byte, n)
	if _, err := rand.Read(data); err != nil {
		t.Fatal(err)
	}
	return data, sha256Hex(data)
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func intPtr(i int) *int { return &i }

func (h *harness) metadata(t *testing.T, imageID string, data []byte, checksum string) *models.ImageRecord {
	t.Helper()
	rec, err := h.sync.UploadMetadata(context.Background(), MetadataInput{
		ImageID:     imageID,
		OrderRef:    testOrder,
		Filename:    "chest-pa.jpg",
		FileSize:    int64(len(data)),
		ContentType: "image/jpeg",
		Checksum:    checksum,
		Metadata:    map[string]interface{}{"view": "PA"},
	})
	if err != nil {
		t.Fatalf("UploadMetadata(%s): %v", imageID, err)
	}
	return rec
}

func (h *harness) binary(imageID string, data []byte, resumeFrom int64) (*BinaryResult, error) {
	return h.sync.UploadBinary(context.Background(), BinaryInput{
		ImageID:    imageID,
		Content:    bytes.NewReader(data),
		ResumeFrom: resumeFrom,
	})
}

func (h *harness) createSession(t *testing.T, total int) *models.UploadSession {
	t.Helper()
	s, err := h.sessions.CreateSession(context.Background(), CreateSessionInput{
		SessionID:   uuid.NewString(),
		OrderRef:    testOrder,
		TotalImages: total,
		DeviceInfo:  map[string]interface{}{"model": "portable-dr"},
		CreatedBy:   "tech-1",
	})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	return s
}

func (h *harness) record(t *testing.T, imageID string) *models.ImageRecord {
	t.Helper()
	rec, err := h.store.Records.GetByID(context.Background(), imageID)
	if err != nil {
		t.Fatalf("GetByID(%s): %v", imageID, err)
	}
	return rec
}

func (h *harness) session(t *testing.T, sessionID string) *models.UploadSession {
	t.Helper()
	s, err := h.store.Sessions.GetByID(context.Background(), sessionID, false)
	if err != nil {
		t.Fatalf("session %s: %v", sessionID, err)
	}
	return s
}

func requireCode(t *testing.T, err error, code string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s, got nil", code)
	}
	if got := ErrorCode(err); got != code {
		t.Fatalf("expected %s, got %s (%v)", code, got, err)
	}
}

func requireAggregate(t *testing.T, s *models.UploadSession) {
	t.Helper()
	if s.ImagesUploaded+s.ImagesFailed > s.TotalImages {
		t.Fatalf("session %s: uploaded %d + failed %d > total %d", s.ID, s.ImagesUploaded, s.ImagesFailed, s.TotalImages)
	}
	settled := s.ImagesUploaded+s.ImagesFailed == s.TotalImages
	if (s.Status == models.SessionStatusSynced) != (settled && s.ImagesFailed == 0) {
		t.Fatalf("session %s: status %s with uploaded=%d failed=%d total=%d", s.ID, s.Status, s.ImagesUploaded, s.ImagesFailed, s.TotalImages)
	}
}

// interruptedReader yields data up to failAt and then fails like a dropped
// connection.
type interruptedReader struct {
	data   []byte
	pos    int
	failAt int
}

func (r *interruptedReader) Read(p []byte) (int, error) {
	if r.pos >= r.failAt {
		return 0, errors.New("connection reset by peer")
	}
	n := copy(p, r.data[r.pos:r.failAt])
	r.pos += n
	return n, nil
}
