package server

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/HexHive/privacyshield/internal/feed"
)

const (
	SightingEventName      = "sighting"
	sightingEventHeartbeat = "heartbeat"
	sightingSourceRelay    = "privacyshield-relay"

	// allAddresses subscribes to sightings of every tag.
	allAddresses = ""

	defaultHeartbeatInterval = 25 * time.Second
)

// SightingDispatcher fans accepted upserts out to live stream subscribers.
// Subscribers that fall behind miss messages rather than blocking upserts.
type SightingDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*sightingSubscriber
	nextID      int64
	bufferSize  int
}

type sightingSubscriber struct {
	id     int64
	stream chan feed.Sighting
}

func NewSightingDispatcher() *SightingDispatcher {
	return &SightingDispatcher{
		subscribers: make(map[string]map[int64]*sightingSubscriber),
		bufferSize:  16,
	}
}

// Subscribe registers a stream for one broadcast address, or for every
// address when address is empty. The subscription ends with ctx.
func (d *SightingDispatcher) Subscribe(ctx context.Context, address string) (<-chan feed.Sighting, func()) {
	address = strings.ToLower(strings.TrimSpace(address))
	subscriber := &sightingSubscriber{
		id:     d.nextSequence(),
		stream: make(chan feed.Sighting, d.bufferSize),
	}
	d.registerSubscriber(address, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregisterSubscriber(address, subscriber.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

func (d *SightingDispatcher) Publish(sighting feed.Sighting) {
	address := strings.ToLower(sighting.Address)
	d.mu.RLock()
	copies := make([]*sightingSubscriber, 0, len(d.subscribers[address])+len(d.subscribers[allAddresses]))
	for _, subscriber := range d.subscribers[address] {
		copies = append(copies, subscriber)
	}
	if address != allAddresses {
		for _, subscriber := range d.subscribers[allAddresses] {
			copies = append(copies, subscriber)
		}
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- sighting:
		default:
		}
	}
}

// SubscriberCount reports the number of open subscriptions.
func (d *SightingDispatcher) SubscriberCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	total := 0
	for _, subscribers := range d.subscribers {
		total += len(subscribers)
	}
	return total
}

func (d *SightingDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *SightingDispatcher) registerSubscriber(address string, subscriber *sightingSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[address]; !ok {
		d.subscribers[address] = make(map[int64]*sightingSubscriber)
	}
	d.subscribers[address][subscriber.id] = subscriber
}

func (d *SightingDispatcher) unregisterSubscriber(address string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[address]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, address)
		}
	}
	d.mu.Unlock()
}

type heartbeatPayload struct {
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
}

func (h *httpHandler) handleStream(c *gin.Context) {
	ctx := c.Request.Context()
	stream, cleanup := h.sightings.Subscribe(ctx, c.Query("address"))
	defer cleanup()

	heartbeat := time.NewTicker(h.heartbeatInterval)
	defer heartbeat.Stop()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.SSEvent(sightingEventHeartbeat, heartbeatPayload{Source: sightingSourceRelay, Timestamp: h.clock().UTC()})
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case sighting := <-stream:
			c.SSEvent(SightingEventName, sighting)
			return true
		case <-heartbeat.C:
			c.SSEvent(sightingEventHeartbeat, heartbeatPayload{Source: sightingSourceRelay, Timestamp: h.clock().UTC()})
			return true
		}
	})
	h.logger.Debug("sighting stream closed", zap.String("request_id", c.GetString(requestIDContextKey)))
}
