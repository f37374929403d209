package integration_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/gopacket/gopacket/pcapgo"
	"go.uber.org/zap"

	"github.com/HexHive/privacyshield/internal/advert"
	"github.com/HexHive/privacyshield/internal/broadcast"
	"github.com/HexHive/privacyshield/internal/capture"
	"github.com/HexHive/privacyshield/internal/database"
	"github.com/HexHive/privacyshield/internal/radio"
	"github.com/HexHive/privacyshield/internal/radio/pcapfile"
	"github.com/HexHive/privacyshield/internal/relayclient"
	"github.com/HexHive/privacyshield/internal/server"
	"github.com/HexHive/privacyshield/internal/tags"
)

const trackedTags = 5

// steppingClock advances one second per reading so that a sighting recorded
// at one reading is strictly inside its window at the next.
type steppingClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type advertiserRadio struct {
	mu         sync.Mutex
	current    advert.Address
	advertised map[advert.Address][]byte
	want       int
	done       context.CancelFunc
}

func (r *advertiserRadio) Configure(context.Context, radio.Config) error { return nil }

func (r *advertiserRadio) Receive(ctx context.Context) (radio.Message, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (r *advertiserRadio) SetAddress(_ context.Context, addr advert.Address, _ bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.current = addr
	return nil
}

func (r *advertiserRadio) Broadcast(_ context.Context, body, _ []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.advertised[r.current] = append([]byte(nil), body...)
	if len(r.advertised) >= r.want {
		r.done()
	}
	return nil
}

func (r *advertiserRadio) Stop(context.Context) error { return nil }

func TestCaptureToBroadcastFlow(testContext *testing.T) {
	gin.SetMode(gin.TestMode)

	db, err := database.OpenSQLite(filepath.Join(testContext.TempDir(), "relay.db"), zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		testContext.Fatalf("failed to access sql db: %v", err)
	}
	defer sqlDB.Close()

	clock := &steppingClock{now: time.Now().UTC()}
	tagService, err := tags.NewService(tags.ServiceConfig{
		Database: db,
		Clock:    clock.Now,
		Logger:   zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build tag service: %v", err)
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TagService: tagService,
		Clock:      clock.Now,
		Logger:     zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build handler: %v", err)
	}
	testServer := httptest.NewServer(handler)
	defer testServer.Close()

	client, err := relayclient.New(relayclient.Config{BaseURL: testServer.URL, Timeout: 5 * time.Second})
	if err != nil {
		testContext.Fatalf("failed to build client: %v", err)
	}

	keys := make([]advert.Key, 0, trackedTags)
	for index := 0; index < trackedTags; index++ {
		var key advert.Key
		for i := range key {
			key[i] = byte(index*31 + i)
		}
		keys = append(keys, key)
	}

	capturePath := writeCapture(testContext, keys)
	device, err := pcapfile.Open(capturePath, pcapfile.Options{})
	if err != nil {
		testContext.Fatalf("failed to open capture: %v", err)
	}
	pipeline, err := capture.New(capture.Config{Device: device, Sink: client, QueueSize: 16, MinimumRSSI: -128})
	if err != nil {
		testContext.Fatalf("failed to build capture pipeline: %v", err)
	}
	if err := pipeline.Run(context.Background()); err != nil {
		testContext.Fatalf("capture pipeline failed: %v", err)
	}

	stored, err := client.List(context.Background(), false, 0)
	if err != nil {
		testContext.Fatalf("failed to list tags: %v", err)
	}
	if len(stored) != trackedTags {
		testContext.Fatalf("expected %d deduplicated tags, got %d", trackedTags, len(stored))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	advertiser := &advertiserRadio{advertised: make(map[advert.Address][]byte), want: trackedTags, done: cancel}
	broadcaster, err := broadcast.New(broadcast.Config{
		Device:    advertiser,
		Source:    client,
		Interval:  time.Millisecond,
		BatchSize: 2,
	})
	if err != nil {
		testContext.Fatalf("failed to build broadcaster: %v", err)
	}
	if err := broadcaster.Run(ctx); err != nil {
		testContext.Fatalf("broadcaster failed: %v", err)
	}

	advertiser.mu.Lock()
	defer advertiser.mu.Unlock()
	if len(advertiser.advertised) != trackedTags {
		testContext.Fatalf("expected every tag to be advertised, got %d", len(advertiser.advertised))
	}
	for _, key := range keys {
		body, ok := advertiser.advertised[key.Address()]
		if !ok {
			testContext.Fatalf("tag %s was never advertised", key.Address())
		}
		expected := key.Body()
		if !bytes.Equal(body, expected[:]) {
			testContext.Fatalf("tag %s advertised with unexpected body", key.Address())
		}
	}
}

// writeCapture stores every tag twice, interleaved with a foreign
// advertisement, as LINKTYPE_BLUETOOTH_LE_LL frames.
func writeCapture(testContext *testing.T, keys []advert.Key) string {
	testContext.Helper()

	var buffer bytes.Buffer
	writer := pcapgo.NewWriter(&buffer)
	if err := writer.WriteFileHeader(65535, layers.LinkType(pcapfile.LinkTypeBluetoothLELL)); err != nil {
		testContext.Fatalf("failed to write pcap header: %v", err)
	}

	frames := make([][]byte, 0, 2*len(keys)+1)
	for pass := 0; pass < 2; pass++ {
		for _, key := range keys {
			payload := advert.Compose(key.Body(), key.Address())
			frames = append(frames, llFrame(radio.EncodePDU(radio.PDUAdvNonconnInd, true, payload)))
		}
	}
	frames = append(frames, llFrame(radio.EncodePDU(radio.PDUAdvInd, false, bytes.Repeat([]byte{0x05}, 24))))

	start := time.Now()
	for index, frame := range frames {
		info := gopacket.CaptureInfo{
			Timestamp:     start.Add(time.Duration(index) * time.Millisecond),
			CaptureLength: len(frame),
			Length:        len(frame),
		}
		if err := writer.WritePacket(info, frame); err != nil {
			testContext.Fatalf("failed to write pcap packet: %v", err)
		}
	}

	path := filepath.Join(testContext.TempDir(), "capture.pcap")
	if err := os.WriteFile(path, buffer.Bytes(), 0o600); err != nil {
		testContext.Fatalf("failed to store capture: %v", err)
	}
	return path
}

func llFrame(pdu []byte) []byte {
	frame := make([]byte, 4, 4+len(pdu)+3)
	binary.LittleEndian.PutUint32(frame, radio.AdvertisingAccessAddress)
	frame = append(frame, pdu...)
	return append(frame, 0x00, 0x00, 0x00)
}
