package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/HexHive/privacyshield/internal/advert"
	"github.com/HexHive/privacyshield/internal/feed"
	"github.com/HexHive/privacyshield/internal/metrics"
	"github.com/HexHive/privacyshield/internal/tags"
)

// tickingClock advances one second per reading so freshly stored tags
// become valid on the next read.
type tickingClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *tickingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type recordingPublisher struct {
	mu        sync.Mutex
	sightings []feed.Sighting
}

func (p *recordingPublisher) Publish(_ context.Context, sighting feed.Sighting) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sightings = append(p.sightings, sighting)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

type failingStore struct{}

func (failingStore) Upsert(context.Context, tags.UpsertRequest) (tags.UpsertResult, error) {
	return tags.UpsertResult{}, errors.New("disk full")
}

func (failingStore) Get(context.Context, uint64) (tags.Tag, error) {
	return tags.Tag{}, errors.New("disk full")
}

func (failingStore) Query(context.Context, tags.QueryOptions) ([]tags.Tag, error) {
	return nil, errors.New("disk full")
}

func TestHandleUpsertAcceptsOctetStream(testContext *testing.T) {
	router, publisher := newTestRouter(testContext)
	payload := testPayload(1)

	recorder := performRequest(router, http.MethodPost, "/api/v1/airtag", contentTypeBinary, payload)
	if recorder.Code != http.StatusOK {
		testContext.Fatalf("expected ok status, got %d: %s", recorder.Code, recorder.Body.String())
	}
	if recorder.Body.String() != messageAdded {
		testContext.Fatalf("unexpected response body: %s", recorder.Body.String())
	}

	records := listTags(testContext, router, "/api/v1/airtag/")
	if len(records) != 1 {
		testContext.Fatalf("expected one record, got %d", len(records))
	}
	if records[0].Data != base64.StdEncoding.EncodeToString(payload) {
		testContext.Fatalf("expected stored payload to round trip")
	}
	if records[0].ValidFor != "1 day, 0:00:00" {
		testContext.Fatalf("unexpected valid_for %q", records[0].ValidFor)
	}
	if !records[0].Valid {
		testContext.Fatalf("expected fresh record to be valid")
	}

	if len(publisher.sightings) != 1 || !publisher.sightings[0].Created {
		testContext.Fatalf("expected one created sighting to be published, got %+v", publisher.sightings)
	}
}

func TestHandleUpsertAcceptsJSON(testContext *testing.T) {
	router, _ := newTestRouter(testContext)
	payload := testPayload(2)

	testCases := []struct {
		name   string
		method string
		body   string
	}{
		{
			name:   "data-field",
			method: http.MethodPost,
			body:   fmt.Sprintf(`{"data":%q,"valid_from":"2023-11-14T22:00:00","valid_to":"2023-11-16T22:00:00Z"}`, base64.StdEncoding.EncodeToString(payload)),
		},
		{
			name:   "payload-alias",
			method: http.MethodPut,
			body:   fmt.Sprintf(`{"payload":%q,"valid_from":"2023-11-14T22:00:00+00:00","valid_to":"2023-11-16T22:00:00"}`, base64.StdEncoding.EncodeToString(payload)),
		},
	}

	for _, testCase := range testCases {
		testContext.Run(testCase.name, func(t *testing.T) {
			recorder := performRequest(router, testCase.method, "/api/v1/airtag", "application/json; charset=utf-8", []byte(testCase.body))
			if recorder.Code != http.StatusOK {
				t.Fatalf("expected ok status, got %d: %s", recorder.Code, recorder.Body.String())
			}
		})
	}

	records := listTags(testContext, router, "/api/v1/airtag")
	if len(records) != 1 {
		testContext.Fatalf("expected deduplicated record, got %d", len(records))
	}
	if records[0].ValidFrom != "2023-11-14T22:00:00Z" || records[0].ValidTo != "2023-11-16T22:00:00Z" {
		testContext.Fatalf("unexpected window %s..%s", records[0].ValidFrom, records[0].ValidTo)
	}
	if records[0].ValidFor != "2 days, 0:00:00" {
		testContext.Fatalf("unexpected valid_for %q", records[0].ValidFor)
	}
}

func TestHandleUpsertRejectsInvalidRequests(testContext *testing.T) {
	router, publisher := newTestRouter(testContext)

	testCases := []struct {
		name         string
		contentType  string
		body         []byte
		expectedBody string
	}{
		{name: "text-plain", contentType: "text/plain", body: testPayload(3), expectedBody: messageNotSupported},
		{name: "missing-content-type", contentType: "", body: testPayload(3), expectedBody: messageNotSupported},
		{name: "malformed-binary", contentType: contentTypeBinary, body: []byte{0x01, 0x02, 0x03}, expectedBody: `{"error":"malformed_advertisement"}`},
		{name: "invalid-json", contentType: contentTypeJSON, body: []byte(`{"data":`), expectedBody: `{"error":"invalid_request"}`},
		{name: "invalid-base64", contentType: contentTypeJSON, body: []byte(`{"data":"***"}`), expectedBody: `{"error":"invalid_request"}`},
		{name: "invalid-timestamp", contentType: contentTypeJSON, body: []byte(`{"data":"AQID","valid_from":"yesterday"}`), expectedBody: `{"error":"invalid_request"}`},
		{
			name:         "inverted-window",
			contentType:  contentTypeJSON,
			body:         []byte(fmt.Sprintf(`{"data":%q,"valid_from":"2023-11-16T00:00:00Z","valid_to":"2023-11-15T00:00:00Z"}`, base64.StdEncoding.EncodeToString(testPayload(4)))),
			expectedBody: `{"error":"invalid_window"}`,
		},
	}

	for _, testCase := range testCases {
		testContext.Run(testCase.name, func(t *testing.T) {
			recorder := performRequest(router, http.MethodPost, "/api/v1/airtag", testCase.contentType, testCase.body)
			if recorder.Code != http.StatusBadRequest {
				t.Fatalf("expected bad request status, got %d", recorder.Code)
			}
			if recorder.Body.String() != testCase.expectedBody {
				t.Fatalf("unexpected response body: %s", recorder.Body.String())
			}
		})
	}

	if records := listTags(testContext, router, "/api/v1/airtag/"); len(records) != 0 {
		testContext.Fatalf("expected rejected requests to leave storage untouched, got %d records", len(records))
	}
	if len(publisher.sightings) != 0 {
		testContext.Fatalf("expected no sightings for rejected requests")
	}

	metricsRecorder := performRequest(router, http.MethodGet, "/metrics", "", nil)
	expectedLine := fmt.Sprintf(`privacyshield_api_upserts_total{outcome="rejected"} %d`, len(testCases))
	if !strings.Contains(metricsRecorder.Body.String(), expectedLine) {
		testContext.Fatalf("expected every rejection to be counted as %q, got:\n%s", expectedLine, metricsRecorder.Body.String())
	}
}

func TestHandleUpsertAcceptsEmptyWindow(testContext *testing.T) {
	router, _ := newTestRouter(testContext)
	body := []byte(fmt.Sprintf(`{"data":%q,"valid_from":"2023-11-15T00:00:00Z","valid_to":"2023-11-15T00:00:00Z"}`, base64.StdEncoding.EncodeToString(testPayload(6))))

	recorder := performRequest(router, http.MethodPost, "/api/v1/airtag", contentTypeJSON, body)
	if recorder.Code != http.StatusOK {
		testContext.Fatalf("expected ok status, got %d: %s", recorder.Code, recorder.Body.String())
	}
	if records := listTags(testContext, router, "/api/v1/airtag/"); len(records) != 1 || records[0].Valid {
		testContext.Fatalf("expected one stored tag that is never valid, got %+v", records)
	}
	if records := listTags(testContext, router, "/api/v1/airtag/?valid=1"); len(records) != 0 {
		testContext.Fatalf("expected no valid tags, got %+v", records)
	}
}

func TestHandleGet(testContext *testing.T) {
	router, _ := newTestRouter(testContext)
	performRequest(router, http.MethodPost, "/api/v1/airtag", contentTypeBinary, testPayload(5))

	recorder := performRequest(router, http.MethodGet, "/api/v1/airtag/1", "", nil)
	if recorder.Code != http.StatusOK {
		testContext.Fatalf("expected ok status, got %d", recorder.Code)
	}
	var record tagResponsePayload
	if err := json.Unmarshal(recorder.Body.Bytes(), &record); err != nil {
		testContext.Fatalf("failed to decode record: %v", err)
	}
	if record.ID != 1 {
		testContext.Fatalf("expected id 1, got %d", record.ID)
	}

	for _, path := range []string{"/api/v1/airtag/42", "/api/v1/airtag/not-a-number"} {
		recorder := performRequest(router, http.MethodGet, path, "", nil)
		if recorder.Code != http.StatusNotFound {
			testContext.Fatalf("%s: expected not found status, got %d", path, recorder.Code)
		}
		if recorder.Body.String() != messageAirTagNotFound {
			testContext.Fatalf("%s: unexpected response body: %s", path, recorder.Body.String())
		}
	}
}

func TestHandleListRotatesValidTags(testContext *testing.T) {
	router, _ := newTestRouter(testContext)
	for seed := byte(10); seed < 15; seed++ {
		performRequest(router, http.MethodPost, "/api/v1/airtag", contentTypeBinary, testPayload(seed))
	}

	seen := map[uint64]int{}
	for call := 0; call < 3; call++ {
		records := listTags(testContext, router, "/api/v1/airtag/?valid=Yes&num=2&offset=T")
		if len(records) != 2 {
			testContext.Fatalf("call %d: expected two records, got %d", call, len(records))
		}
		for _, record := range records {
			seen[record.ID]++
		}
	}
	if len(seen) != 5 {
		testContext.Fatalf("expected all five tags within three calls, saw %v", seen)
	}

	fixed := listTags(testContext, router, "/api/v1/airtag/?valid=1&num=2&offset=no")
	again := listTags(testContext, router, "/api/v1/airtag/?valid=1&num=2")
	if fixed[0].ID != again[0].ID || fixed[1].ID != again[1].ID {
		testContext.Fatalf("expected non-rotating reads to return the same page")
	}
}

func TestHandleListRejectsInvalidNum(testContext *testing.T) {
	router, _ := newTestRouter(testContext)
	for _, query := range []string{"num=abc", "num=-1", "num=1.5"} {
		recorder := performRequest(router, http.MethodGet, "/api/v1/airtag/?"+query, "", nil)
		if recorder.Code != http.StatusBadRequest {
			testContext.Fatalf("%s: expected bad request status, got %d", query, recorder.Code)
		}
	}
}

func TestHandlersMapStorageFailures(testContext *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	context, _ := gin.CreateTestContext(recorder)
	request := httptest.NewRequest(http.MethodPost, "/api/v1/airtag", bytes.NewReader(testPayload(6)))
	request.Header.Set("Content-Type", contentTypeBinary)
	context.Request = request

	handler := &httpHandler{
		tagService: failingStore{},
		publisher:  feed.NopPublisher{},
		clock:      time.Now,
		logger:     zap.NewNop(),
	}

	handler.handleUpsert(context)

	if recorder.Code != http.StatusInternalServerError {
		testContext.Fatalf("expected internal error status, got %d", recorder.Code)
	}
	expected := `{"error":"upsert_failed"}`
	if recorder.Body.String() != expected {
		testContext.Fatalf("unexpected response body: %s", recorder.Body.String())
	}
}

func TestHealthMetricsAndRequestID(testContext *testing.T) {
	router, _ := newTestRouter(testContext)

	recorder := performRequest(router, http.MethodGet, "/healthz", "", nil)
	if recorder.Code != http.StatusOK || recorder.Body.String() != `{"status":"ok"}` {
		testContext.Fatalf("unexpected health response %d %s", recorder.Code, recorder.Body.String())
	}
	if recorder.Header().Get(requestIDHeader) == "" {
		testContext.Fatalf("expected generated request id")
	}

	request := httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody)
	request.Header.Set(requestIDHeader, "req-123")
	recorder = httptest.NewRecorder()
	router.ServeHTTP(recorder, request)
	if recorder.Header().Get(requestIDHeader) != "req-123" {
		testContext.Fatalf("expected request id to be echoed, got %q", recorder.Header().Get(requestIDHeader))
	}

	performRequest(router, http.MethodPost, "/api/v1/airtag", contentTypeBinary, testPayload(7))
	recorder = performRequest(router, http.MethodGet, "/metrics", "", nil)
	if recorder.Code != http.StatusOK {
		testContext.Fatalf("expected metrics endpoint, got %d", recorder.Code)
	}
	if !strings.Contains(recorder.Body.String(), `privacyshield_api_upserts_total{outcome="created"} 1`) {
		testContext.Fatalf("expected upsert counter in exposition:\n%s", recorder.Body.String())
	}
}

func TestNewHTTPHandlerRequiresTagService(testContext *testing.T) {
	if _, err := NewHTTPHandler(Dependencies{}); !errors.Is(err, errMissingTagService) {
		testContext.Fatalf("expected missing tag service error, got %v", err)
	}
}

func TestParseTruthy(testContext *testing.T) {
	for _, value := range []string{"yes", "Y", "true", "T", "1", " TRUE "} {
		if !parseTruthy(value) {
			testContext.Fatalf("expected %q to be truthy", value)
		}
	}
	for _, value := range []string{"", "no", "0", "false", "on"} {
		if parseTruthy(value) {
			testContext.Fatalf("expected %q to be falsy", value)
		}
	}
}

func newTestRouter(testContext *testing.T) (http.Handler, *recordingPublisher) {
	testContext.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:privacyshield_server_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		testContext.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	testContext.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(&tags.Tag{}); err != nil {
		testContext.Fatalf("failed to migrate: %v", err)
	}

	clock := &tickingClock{now: time.Unix(1700000000, 0).UTC()}
	tagService, err := tags.NewService(tags.ServiceConfig{Database: db, Clock: clock.Now})
	if err != nil {
		testContext.Fatalf("failed to construct tags service: %v", err)
	}

	registry := prometheus.NewRegistry()
	publisher := &recordingPublisher{}
	handler, err := NewHTTPHandler(Dependencies{
		TagService:     tagService,
		Publisher:      publisher,
		Sightings:      NewSightingDispatcher(),
		Metrics:        metrics.New(registry),
		MetricsHandler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		Clock:          clock.Now,
		Logger:         zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to construct http handler: %v", err)
	}
	return handler, publisher
}

func performRequest(router http.Handler, method, path, contentType string, body []byte) *httptest.ResponseRecorder {
	request := httptest.NewRequest(method, path, bytes.NewReader(body))
	if contentType != "" {
		request.Header.Set("Content-Type", contentType)
	}
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)
	return recorder
}

func listTags(testContext *testing.T, router http.Handler, path string) []tagResponsePayload {
	testContext.Helper()
	recorder := performRequest(router, http.MethodGet, path, "", nil)
	if recorder.Code != http.StatusOK {
		testContext.Fatalf("expected ok status listing %s, got %d: %s", path, recorder.Code, recorder.Body.String())
	}
	var records []tagResponsePayload
	if err := json.Unmarshal(recorder.Body.Bytes(), &records); err != nil {
		testContext.Fatalf("failed to decode records: %v", err)
	}
	return records
}

func testPayload(seed byte) []byte {
	var key advert.Key
	key[0] = seed
	key[4] = seed ^ 0x33
	key[27] = seed
	return advert.Compose(key.Body(), key.Address())
}
