package relayclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestClientUpsertPostsOctetStream(t *testing.T) {
	var gotContentType string
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v1/airtag" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		gotContentType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		_, _ = w.Write([]byte("Successfully added AirTag"))
	}))
	t.Cleanup(server.Close)

	client := newTestClient(t, server.URL+"/")
	if err := client.Upsert(context.Background(), []byte{0x01, 0x02}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotContentType != "application/octet-stream" {
		t.Fatalf("unexpected content type %q", gotContentType)
	}
	if len(gotBody) != 2 || gotBody[1] != 0x02 {
		t.Fatalf("unexpected body % x", gotBody)
	}
}

func TestClientUpsertWindowPostsJSON(t *testing.T) {
	var decoded map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("unexpected content type %q", r.Header.Get("Content-Type"))
		}
		_ = json.NewDecoder(r.Body).Decode(&decoded)
		_, _ = w.Write([]byte("Successfully added AirTag"))
	}))
	t.Cleanup(server.Close)

	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	client := newTestClient(t, server.URL)
	if err := client.UpsertWindow(context.Background(), []byte{0x01, 0x02, 0x03}, &from, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decoded["data"] != "AQID" {
		t.Fatalf("expected base64 payload, got %v", decoded["data"])
	}
	if decoded["valid_from"] != "2024-01-01T00:00:00Z" {
		t.Fatalf("unexpected valid_from %v", decoded["valid_from"])
	}
	if _, present := decoded["valid_to"]; present {
		t.Fatalf("expected valid_to to be omitted")
	}
}

func TestClientRotatingSendsRotationQuery(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		if r.URL.Path != "/api/v1/airtag/" || query.Get("valid") != "true" || query.Get("num") != "5" || query.Get("offset") != "true" {
			t.Errorf("unexpected request %s", r.URL.String())
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"id":1,"data":"AQID","valid_from":"2024-01-01T00:00:00Z","valid_to":"2024-01-02T00:00:00Z","valid_for":"1 day, 0:00:00","valid":true}]`))
	}))
	t.Cleanup(server.Close)

	records, err := newTestClient(t, server.URL).Rotating(context.Background(), 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(records) != 1 || records[0].ID != 1 || len(records[0].Data) != 3 || !records[0].Valid {
		t.Fatalf("unexpected records %+v", records)
	}
}

func TestClientErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/airtag/9":
			http.Error(w, "AirTag not found", http.StatusNotFound)
		default:
			_, _ = w.Write([]byte("not json"))
		}
	}))
	t.Cleanup(server.Close)
	client := newTestClient(t, server.URL)

	_, err := client.Get(context.Background(), 9)
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusNotFound || statusErr.Body != "AirTag not found" {
		t.Fatalf("expected not found status error, got %v", err)
	}

	if _, err := client.Rotating(context.Background(), 5); !errors.Is(err, ErrDecode) {
		t.Fatalf("expected decode error, got %v", err)
	}

	server.Close()
	if err := client.Upsert(context.Background(), []byte{0x01}); !errors.Is(err, ErrTransport) {
		t.Fatalf("expected transport error, got %v", err)
	}
}

func TestNewRequiresBaseURL(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatalf("expected missing url to be rejected")
	}
}

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	client, err := New(Config{BaseURL: baseURL, Timeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("failed to construct client: %v", err)
	}
	return client
}
