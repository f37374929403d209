package server

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/HexHive/privacyshield/internal/advert"
	"github.com/HexHive/privacyshield/internal/feed"
	"github.com/HexHive/privacyshield/internal/metrics"
	"github.com/HexHive/privacyshield/internal/tags"
)

const (
	requestIDHeader     = "X-Request-ID"
	requestIDContextKey = "privacyshield_request_id"

	contentTypeJSON   = "application/json"
	contentTypeBinary = "application/octet-stream"

	messageAdded          = "Successfully added AirTag"
	messageNotSupported   = "Not supported"
	messageAirTagNotFound = "AirTag not found"

	maxUpsertBodyBytes = 64 << 10
)

var (
	errMissingTagService = errors.New("tag service dependency required")
	errInvalidTimestamp  = errors.New("timestamp is not ISO 8601")
)

// TagStore is the repository surface the HTTP layer depends on.
type TagStore interface {
	Upsert(ctx context.Context, request tags.UpsertRequest) (tags.UpsertResult, error)
	Get(ctx context.Context, id uint64) (tags.Tag, error)
	Query(ctx context.Context, options tags.QueryOptions) ([]tags.Tag, error)
}

type Dependencies struct {
	TagService     TagStore
	Publisher      feed.Publisher
	Sightings      *SightingDispatcher
	Metrics        *metrics.Metrics
	MetricsHandler http.Handler
	AllowedOrigins []string
	Clock          func() time.Time
	Logger         *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TagService == nil {
		return nil, errMissingTagService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	publisher := deps.Publisher
	if publisher == nil {
		publisher = feed.NopPublisher{}
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestIDMiddleware())
	router.Use(accessLogMiddleware(logger))
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		tagService:        deps.TagService,
		publisher:         publisher,
		sightings:         deps.Sightings,
		metrics:           deps.Metrics,
		clock:             clock,
		logger:            logger,
		heartbeatInterval: defaultHeartbeatInterval,
	}

	router.GET("/healthz", handler.handleHealth)
	if deps.MetricsHandler != nil {
		router.GET("/metrics", gin.WrapH(deps.MetricsHandler))
	}

	api := router.Group("/api/v1")
	api.POST("/airtag", handler.handleUpsert)
	api.PUT("/airtag", handler.handleUpsert)
	api.GET("/airtag", handler.handleList)
	api.GET("/airtag/", handler.handleList)
	api.GET("/airtag/:id", handler.handleGet)
	if deps.Sightings != nil {
		api.GET("/airtag/stream", handler.handleStream)
	}

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowHeaders:  []string{"Content-Type", requestIDHeader},
		ExposeHeaders: []string{requestIDHeader},
		MaxAge:        12 * time.Hour,
	}
	if len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*") {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = allowedOrigins
	}
	return cors.New(config)
}

func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := strings.TrimSpace(c.GetHeader(requestIDHeader))
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set(requestIDContextKey, requestID)
		c.Header(requestIDHeader, requestID)
		c.Next()
	}
}

func accessLogMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		logger.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(started)),
			zap.String("request_id", c.GetString(requestIDContextKey)))
	}
}

type httpHandler struct {
	tagService        TagStore
	publisher         feed.Publisher
	sightings         *SightingDispatcher
	metrics           *metrics.Metrics
	clock             func() time.Time
	logger            *zap.Logger
	heartbeatInterval time.Duration
}

type upsertRequestPayload struct {
	Data      string  `json:"data"`
	Payload   string  `json:"payload"`
	ValidFrom *string `json:"valid_from"`
	ValidTo   *string `json:"valid_to"`
}

type tagResponsePayload struct {
	ID        uint64 `json:"id"`
	Data      string `json:"data"`
	ValidFrom string `json:"valid_from"`
	ValidTo   string `json:"valid_to"`
	ValidFor  string `json:"valid_for"`
	Valid     bool   `json:"valid"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleUpsert(c *gin.Context) {
	var request tags.UpsertRequest

	switch c.ContentType() {
	case contentTypeJSON:
		var payload upsertRequestPayload
		if err := c.ShouldBindJSON(&payload); err != nil {
			h.metrics.IncUpserts(metrics.OutcomeRejected)
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
		decoded, err := decodeRequestPayload(payload)
		if err != nil {
			h.metrics.IncUpserts(metrics.OutcomeRejected)
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
		request = decoded
	case contentTypeBinary:
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxUpsertBodyBytes))
		if err != nil {
			h.metrics.IncUpserts(metrics.OutcomeRejected)
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
		request = tags.UpsertRequest{Payload: body}
	default:
		h.metrics.IncUpserts(metrics.OutcomeRejected)
		c.String(http.StatusBadRequest, messageNotSupported)
		return
	}

	result, err := h.tagService.Upsert(c.Request.Context(), request)
	if err != nil {
		switch {
		case errors.Is(err, advert.ErrMalformedAdvertisement):
			h.metrics.IncUpserts(metrics.OutcomeRejected)
			c.JSON(http.StatusBadRequest, gin.H{"error": "malformed_advertisement"})
		case errors.Is(err, tags.ErrInvalidWindow):
			h.metrics.IncUpserts(metrics.OutcomeRejected)
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_window"})
		default:
			h.logger.Error("failed to upsert tag", zap.Error(err), zap.String("request_id", c.GetString(requestIDContextKey)))
			c.JSON(http.StatusInternalServerError, gin.H{"error": serviceErrorCode(err, "upsert_failed")})
		}
		return
	}

	if result.Created {
		h.metrics.IncUpserts(metrics.OutcomeCreated)
	} else {
		h.metrics.IncUpserts(metrics.OutcomeUpdated)
	}
	h.announce(c.Request.Context(), result)

	c.String(http.StatusOK, messageAdded)
}

func (h *httpHandler) announce(ctx context.Context, result tags.UpsertResult) {
	sighting, err := feed.NewSighting(result, h.clock())
	if err != nil {
		h.logger.Warn("failed to describe sighting", zap.Uint64("tag_id", result.Tag.ID), zap.Error(err))
		return
	}
	if err := h.publisher.Publish(ctx, sighting); err != nil {
		h.logger.Warn("failed to publish sighting", zap.Uint64("tag_id", result.Tag.ID), zap.Error(err))
	}
	if h.sightings != nil {
		h.sightings.Publish(sighting)
	}
}

func (h *httpHandler) handleList(c *gin.Context) {
	options := tags.QueryOptions{
		OnlyValid: parseTruthy(c.Query("valid")),
		Rotate:    parseTruthy(c.Query("offset")),
	}
	if raw := strings.TrimSpace(c.Query("num")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_num"})
			return
		}
		options.Limit = limit
	}

	found, err := h.tagService.Query(c.Request.Context(), options)
	if err != nil {
		h.logger.Error("failed to query tags", zap.Error(err), zap.String("request_id", c.GetString(requestIDContextKey)))
		c.JSON(http.StatusInternalServerError, gin.H{"error": serviceErrorCode(err, "query_failed")})
		return
	}

	now := h.clock()
	response := make([]tagResponsePayload, 0, len(found))
	for _, tag := range found {
		response = append(response, newTagResponse(tag, now))
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleGet(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.String(http.StatusNotFound, messageAirTagNotFound)
		return
	}

	tag, err := h.tagService.Get(c.Request.Context(), id)
	if errors.Is(err, tags.ErrNotFound) {
		c.String(http.StatusNotFound, messageAirTagNotFound)
		return
	}
	if err != nil {
		h.logger.Error("failed to load tag", zap.Uint64("tag_id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": serviceErrorCode(err, "get_failed")})
		return
	}

	c.JSON(http.StatusOK, newTagResponse(tag, h.clock()))
}

func newTagResponse(tag tags.Tag, now time.Time) tagResponsePayload {
	return tagResponsePayload{
		ID:        tag.ID,
		Data:      tag.Data,
		ValidFrom: tag.ValidFrom().Format(time.RFC3339Nano),
		ValidTo:   tag.ValidTo().Format(time.RFC3339Nano),
		ValidFor:  tags.FormatValidFor(tag.ValidFor()),
		Valid:     tag.IsValidAt(now),
	}
}

func decodeRequestPayload(payload upsertRequestPayload) (tags.UpsertRequest, error) {
	encoded := payload.Data
	if encoded == "" {
		encoded = payload.Payload
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return tags.UpsertRequest{}, err
	}

	request := tags.UpsertRequest{Payload: raw}
	if payload.ValidFrom != nil {
		parsed, err := parseTimestamp(*payload.ValidFrom)
		if err != nil {
			return tags.UpsertRequest{}, err
		}
		request.ValidFrom = &parsed
	}
	if payload.ValidTo != nil {
		parsed, err := parseTimestamp(*payload.ValidTo)
		if err != nil {
			return tags.UpsertRequest{}, err
		}
		request.ValidTo = &parsed
	}
	return request, nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// parseTimestamp accepts ISO 8601 forms; values without an offset are UTC.
func parseTimestamp(value string) (time.Time, error) {
	trimmed := strings.TrimSpace(value)
	for _, layout := range timestampLayouts {
		if parsed, err := time.Parse(layout, trimmed); err == nil {
			return parsed.UTC(), nil
		}
	}
	return time.Time{}, errInvalidTimestamp
}

func parseTruthy(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "yes", "y", "true", "t", "1":
		return true
	default:
		return false
	}
}

func serviceErrorCode(err error, fallback string) string {
	var serviceErr *tags.ServiceError
	if errors.As(err, &serviceErr) && serviceErr.Code() != "" {
		return serviceErr.Code()
	}
	return fallback
}
