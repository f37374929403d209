package relayclient

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	airtagPath       = "/api/v1/airtag"
	defaultTimeout   = 10 * time.Second
	maxResponseBytes = 4 << 20
	maxErrorBodyLen  = 256
)

var (
	// ErrTransport indicates that the relay server could not be reached.
	ErrTransport = errors.New("relayclient: transport failure")
	// ErrDecode indicates that the relay server answered with an unreadable body.
	ErrDecode = errors.New("relayclient: undecodable response")

	errMissingBaseURL = errors.New("relay server url is required")
)

// StatusError reports a non-success HTTP status from the relay server.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("relayclient: unexpected status %d: %s", e.StatusCode, e.Body)
}

// Record is a tag as served by the relay API.
type Record struct {
	ID        uint64    `json:"id"`
	Data      []byte    `json:"data"`
	ValidFrom time.Time `json:"valid_from"`
	ValidTo   time.Time `json:"valid_to"`
	ValidFor  string    `json:"valid_for"`
	Valid     bool      `json:"valid"`
}

type Config struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
	Logger     *zap.Logger
}

// Client talks to the relay API on behalf of sniffers and broadcasters.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

func New(cfg Config) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errMissingBaseURL
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("relay server url: %w", err)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{baseURL: baseURL, httpClient: httpClient, logger: logger}, nil
}

// BaseURL returns the relay server address the client targets.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Upsert posts a raw captured advertisement.
func (c *Client) Upsert(ctx context.Context, payload []byte) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+airtagPath, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	request.Header.Set("Content-Type", "application/octet-stream")
	_, err = c.do(request)
	return err
}

type upsertWindowPayload struct {
	Data      string     `json:"data"`
	ValidFrom *time.Time `json:"valid_from,omitempty"`
	ValidTo   *time.Time `json:"valid_to,omitempty"`
}

// UpsertWindow posts an advertisement with an explicit validity window.
func (c *Client) UpsertWindow(ctx context.Context, payload []byte, validFrom, validTo *time.Time) error {
	body, err := json.Marshal(upsertWindowPayload{
		Data:      base64.StdEncoding.EncodeToString(payload),
		ValidFrom: validFrom,
		ValidTo:   validTo,
	})
	if err != nil {
		return err
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+airtagPath, bytes.NewReader(body))
	if err != nil {
		return err
	}
	request.Header.Set("Content-Type", "application/json")
	_, err = c.do(request)
	return err
}

// Rotating reads the next window of at most limit valid tags and advances
// the server's rotation cursor.
func (c *Client) Rotating(ctx context.Context, limit int) ([]Record, error) {
	query := url.Values{}
	query.Set("valid", "true")
	query.Set("num", strconv.Itoa(limit))
	query.Set("offset", "true")
	return c.list(ctx, query)
}

// List reads tags without touching the rotation cursor.
func (c *Client) List(ctx context.Context, onlyValid bool, limit int) ([]Record, error) {
	query := url.Values{}
	query.Set("valid", strconv.FormatBool(onlyValid))
	query.Set("num", strconv.Itoa(limit))
	return c.list(ctx, query)
}

// Get reads one tag by identifier.
func (c *Client) Get(ctx context.Context, id uint64) (Record, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+airtagPath+"/"+strconv.FormatUint(id, 10), http.NoBody)
	if err != nil {
		return Record{}, err
	}
	body, err := c.do(request)
	if err != nil {
		return Record{}, err
	}
	var record Record
	if err := json.Unmarshal(body, &record); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return record, nil
}

func (c *Client) list(ctx context.Context, query url.Values) ([]Record, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+airtagPath+"/?"+query.Encode(), http.NoBody)
	if err != nil {
		return nil, err
	}
	body, err := c.do(request)
	if err != nil {
		return nil, err
	}
	var records []Record
	if err := json.Unmarshal(body, &records); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return records, nil
}

func (c *Client) do(request *http.Request) ([]byte, error) {
	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer response.Body.Close()

	body, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	if response.StatusCode != http.StatusOK {
		text := strings.TrimSpace(string(body))
		if len(text) > maxErrorBodyLen {
			text = text[:maxErrorBodyLen]
		}
		c.logger.Debug("relay server rejected request",
			zap.String("method", request.Method),
			zap.String("path", request.URL.Path),
			zap.Int("status", response.StatusCode))
		return nil, &StatusError{StatusCode: response.StatusCode, Body: text}
	}
	return body, nil
}
