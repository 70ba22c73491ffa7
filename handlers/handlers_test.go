package handlers

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm/logger"

	"github.com/camden-git/radsync/database"
	"github.com/camden-git/radsync/media"
	"github.com/camden-git/radsync/models"
	"github.com/camden-git/radsync/repository"
	"github.com/camden-git/radsync/services"
)

const testOrder = "ORD-2002"

func newTestServer(t *testing.T) *httptest.Server {
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
	raw, err := database.NewRaw(db)
	if err != nil {
		t.Fatalf("NewRaw: %v", err)
	}
	store := repository.NewStore(db)
	if err := store.Orders.Upsert(context.Background(), &models.ImagingOrder{
		Ref: testOrder, PatientID: "P-2", PatientName: "Poe^Edgar",
	}); err != nil {
		t.Fatalf("seed order: %v", err)
	}
	local, err := media.NewLocalStorage(filepath.Join(dir, "media"), "", zap.NewNop())
	if err != nil {
		t.Fatalf("NewLocalStorage: %v", err)
	}
	staging, err := media.NewStaging(filepath.Join(dir, "staging"))
	if err != nil {
		t.Fatalf("NewStaging: %v", err)
	}

	log := zap.NewNop()
	syncSvc := services.NewSyncService(services.SyncDeps{Store: store, Media: local, Staging: staging}, services.SyncConfig{}, log)
	viewer, err := services.NewViewerService(store, local, services.ViewerConfig{Secret: []byte("handler-secret"), TTL: time.Minute}, log)
	if err != nil {
		t.Fatalf("NewViewerService: %v", err)
	}
	srv := httptest.NewServer(NewRouter(RouterDeps{
		Sync:     syncSvc,
		Sessions: services.NewSessionService(store, nil, log),
		Stats:    services.NewStatsService(raw),
		Viewer:   viewer,
		DB:       db,
		Logger:   log,
	}))
	t.Cleanup(func() {
		srv.Close()
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return srv
}

func do(t *testing.T, srv *httptest.Server, method, path string, body io.Reader, caller string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, srv.URL+path, body)
	if err != nil {
		t.Fatal(err)
	}
	if caller != "" {
		req.Header.Set(CallerHeader, caller)
	}
	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func jsonBody(t *testing.T, v interface{}) io.Reader {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return bytes.NewReader(b)
}

func decode(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func errorCode(t *testing.T, resp *http.Response) string {
	t.Helper()
	var body APIErrorResponse
	decode(t, resp, &body)
	if len(body.Errors) != 1 {
		t.Fatalf("malformed error body %+v", body)
	}
	return body.Errors[0].Code
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		b, _ := io.ReadAll(resp.Body)
		t.Fatalf("%s %s: status %d, want %d: %s", resp.Request.Method, resp.Request.URL.Path, resp.StatusCode, want, b)
	}
}

func TestUploadFlowOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	const caller = "tech-7"

	sessionID := uuid.NewString()
	resp := do(t, srv, http.MethodPost, "/api/sync/sessions", jsonBody(t, SessionCreatePayload{
		SessionID: sessionID, OrderRef: testOrder, TotalImages: 1,
	}), caller)
	expectStatus(t, resp, http.StatusCreated)
	var session models.UploadSession
	decode(t, resp, &session)
	if session.CreatedBy != caller {
		t.Fatalf("created_by = %q", session.CreatedBy)
	}

	data := make([]byte, 4096)
	if _, err := rand.Read(data); err != nil {
		t.Fatal(err)
	}
	sum := sha256.Sum256(data)
	imageID := uuid.NewString()
	seq := 1
	resp = do(t, srv, http.MethodPost, "/api/sync/images/metadata", jsonBody(t, MetadataPayload{
		ImageID: imageID, OrderRef: testOrder, Filename: "ap.jpg", FileSize: int64(len(data)),
		ContentType: "image/jpeg", Checksum: hex.EncodeToString(sum[:]), SessionID: sessionID, SequenceNumber: &seq,
	}), caller)
	expectStatus(t, resp, http.StatusOK)

	// first half, then resume
	resp = do(t, srv, http.MethodPut, "/api/sync/images/"+imageID+"/binary", bytes.NewReader(data[:2048]), caller)
	expectStatus(t, resp, http.StatusAccepted)
	var partial services.BinaryResult
	decode(t, resp, &partial)
	if partial.Complete || partial.BytesUploaded != 2048 {
		t.Fatalf("unexpected partial result %+v", partial)
	}

	resp = do(t, srv, http.MethodPut, "/api/sync/images/"+imageID+"/binary?resume_from=2048", bytes.NewReader(data[2048:]), caller)
	expectStatus(t, resp, http.StatusOK)
	var done services.BinaryResult
	decode(t, resp, &done)
	if !done.Complete || done.CatalogImageID == "" || done.ImageUID == "" {
		t.Fatalf("unexpected binary result %+v", done)
	}

	resp = do(t, srv, http.MethodPost, "/api/sync/images/"+imageID+"/ack", jsonBody(t, AckPayload{ServerImageID: done.CatalogImageID}), caller)
	expectStatus(t, resp, http.StatusOK)
	var ack services.AckResult
	decode(t, resp, &ack)
	if !ack.SafeToDelete {
		t.Fatalf("ack not safe to delete: %+v", ack)
	}

	resp = do(t, srv, http.MethodGet, "/api/sync/sessions/"+sessionID, nil, caller)
	expectStatus(t, resp, http.StatusOK)
	decode(t, resp, &session)
	if session.Status != models.SessionStatusSynced || len(session.Items) != 1 {
		t.Fatalf("session after upload: %s with %d items", session.Status, len(session.Items))
	}

	resp = do(t, srv, http.MethodGet, "/api/sync/stats?order_ref="+testOrder, nil, caller)
	expectStatus(t, resp, http.StatusOK)
	var stats struct {
		Counts map[string]int64 `json:"counts"`
	}
	decode(t, resp, &stats)
	if stats.Counts[string(models.ImageStatusAckReceived)] != 1 {
		t.Fatalf("stats = %v", stats.Counts)
	}

	studyUID := models.StudyUIDForOrder(testOrder)
	resp = do(t, srv, http.MethodGet, "/api/viewer/studies/"+studyUID+"/url", nil, "dr-who")
	expectStatus(t, resp, http.StatusOK)
	var signed services.SignedURL
	decode(t, resp, &signed)
	u, err := url.Parse(signed.URL)
	if err != nil {
		t.Fatal(err)
	}

	resp = do(t, srv, http.MethodGet, u.RequestURI(), nil, "")
	expectStatus(t, resp, http.StatusOK)
	var view services.StudyView
	decode(t, resp, &view)
	if len(view.Series) != 1 || len(view.Series[0].Images) != 1 {
		t.Fatalf("unexpected study view %+v", view)
	}
	content, err := url.Parse(view.Series[0].Images[0].ContentURL)
	if err != nil {
		t.Fatal(err)
	}

	resp = do(t, srv, http.MethodGet, content.RequestURI(), nil, "")
	expectStatus(t, resp, http.StatusOK)
	got, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("viewer returned different bytes")
	}
	if resp.Header.Get("Content-Length") != strconv.Itoa(len(data)) || resp.Header.Get("Content-Type") != "image/jpeg" {
		t.Fatalf("unexpected headers %v", resp.Header)
	}

	// a study token does not open image content
	resp = do(t, srv, http.MethodGet, "/view/images/"+done.ImageUID+"/content?"+u.RawQuery, nil, "")
	expectStatus(t, resp, http.StatusUnauthorized)
}

func TestErrorResponses(t *testing.T) {
	srv := newTestServer(t)
	imageID := uuid.NewString()

	tests := []struct {
		name   string
		method string
		path   string
		body   interface{}
		caller string
		status int
		code   string
	}{
		{"missing caller", http.MethodGet, "/api/sync/pending", nil, "", http.StatusUnauthorized, "CALLER_REQUIRED"},
		{"unknown image", http.MethodGet, "/api/sync/images/" + imageID, nil, "tech", http.StatusNotFound, services.CodeNotFound},
		{"binary before metadata", http.MethodPut, "/api/sync/images/" + imageID + "/binary", nil, "tech", http.StatusConflict, services.CodeMetadataNotUploaded},
		{"bad resume offset", http.MethodPut, "/api/sync/images/" + imageID + "/binary?resume_from=-1", nil, "tech", http.StatusBadRequest, services.CodeInvalidInput},
		{"bad checksum", http.MethodPost, "/api/sync/images/metadata", MetadataPayload{
			ImageID: imageID, OrderRef: testOrder, Filename: "a.jpg", FileSize: 10, ContentType: "image/jpeg", Checksum: "abc",
		}, "tech", http.StatusBadRequest, services.CodeInvalidChecksum},
		{"unknown order", http.MethodPost, "/api/sync/images/metadata", MetadataPayload{
			ImageID: imageID, OrderRef: "ORD-0", Filename: "a.jpg", FileSize: 10, ContentType: "image/jpeg",
			Checksum: "0000000000000000000000000000000000000000000000000000000000000000",
		}, "tech", http.StatusUnprocessableEntity, services.CodeOrderNotFound},
		{"ack unknown image", http.MethodPost, "/api/sync/images/" + imageID + "/ack", AckPayload{ServerImageID: uuid.NewString()}, "tech", http.StatusNotFound, services.CodeNotFound},
		{"unknown study url", http.MethodGet, "/api/viewer/studies/2.25.9/url", nil, "dr", http.StatusNotFound, services.CodeNotFound},
		{"bad view token", http.MethodGet, "/view/studies/2.25.9?token=nope", nil, "", http.StatusUnauthorized, "INVALID_TOKEN"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body io.Reader
			if tt.body != nil {
				body = jsonBody(t, tt.body)
			}
			resp := do(t, srv, tt.method, tt.path, body, tt.caller)
			expectStatus(t, resp, tt.status)
			if code := errorCode(t, resp); code != tt.code {
				t.Fatalf("code = %s, want %s", code, tt.code)
			}
		})
	}
}

func TestStatusForError(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&services.SyncError{Kind: services.KindValidation, Code: services.CodeInvalidSize}, http.StatusBadRequest},
		{&services.SyncError{Kind: services.KindIntegrity, Code: services.CodeChecksumMismatch}, http.StatusUnprocessableEntity},
		{&services.SyncError{Kind: services.KindPrecondition, Code: services.CodeRetryExhausted}, http.StatusConflict},
		{&services.SyncError{Kind: services.KindConflict, Code: services.CodeImmutableField}, http.StatusConflict},
		{&services.SyncError{Kind: services.KindConflict, Code: services.CodeTransferInProgress}, http.StatusConflict},
		{&services.SyncError{Kind: services.KindInfrastructure, Code: services.CodeStorageError}, http.StatusBadGateway},
		{&services.SyncError{Kind: services.KindInfrastructure, Code: services.CodeInternal}, http.StatusInternalServerError},
		{services.ErrInvalidViewerToken, http.StatusUnauthorized},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := StatusForError(tt.err); got != tt.want {
			t.Errorf("StatusForError(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestHealthAndMetrics(t *testing.T) {
	srv := newTestServer(t)
	resp := do(t, srv, http.MethodGet, "/health", nil, "")
	expectStatus(t, resp, http.StatusOK)

	do(t, srv, http.MethodGet, "/api/sync/failed", nil, "tech")
	resp = do(t, srv, http.MethodGet, "/metrics", nil, "")
	expectStatus(t, resp, http.StatusOK)
	b, _ := io.ReadAll(resp.Body)
	if !bytes.Contains(b, []byte(`radsync_http_requests_total{method="GET",route="/api/sync/failed",status="200"}`)) {
		t.Fatal("request metric missing or not labelled by route pattern")
	}
}
