// Package capture moves tracker advertisements from a scanning radio to the
// relay server: a capture stage filters and enqueues, a forward stage
// dequeues and posts.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/HexHive/privacyshield/internal/advert"
	"github.com/HexHive/privacyshield/internal/logging"
	"github.com/HexHive/privacyshield/internal/metrics"
	"github.com/HexHive/privacyshield/internal/radio"
)

const (
	DefaultQueueSize   = 1024
	DefaultMinimumRSSI = -128

	receiveRetryDelay = 100 * time.Millisecond
	stopTimeout       = 2 * time.Second
)

var (
	errMissingDevice = errors.New("capture: radio device is required")
	errMissingSink   = errors.New("capture: sink is required")
)

// Sink receives captured payloads; relayclient.Client is the production sink.
type Sink interface {
	Upsert(ctx context.Context, payload []byte) error
}

type Config struct {
	Device      radio.Device
	Sink        Sink
	QueueSize   int
	MinimumRSSI int
	Metrics     *metrics.Metrics
	Logger      *zap.Logger
}

// Pipeline runs the capture and forward stages.
type Pipeline struct {
	device      radio.Device
	sink        Sink
	queue       *Queue
	minimumRSSI int
	metrics     *metrics.Metrics
	logger      *zap.Logger
	retryDelay  time.Duration
}

func New(cfg Config) (*Pipeline, error) {
	if cfg.Device == nil {
		return nil, errMissingDevice
	}
	if cfg.Sink == nil {
		return nil, errMissingSink
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Pipeline{
		device:      cfg.Device,
		sink:        cfg.Sink,
		queue:       NewQueue(queueSize),
		minimumRSSI: cfg.MinimumRSSI,
		metrics:     cfg.Metrics,
		logger:      logging.Serialized(cfg.Logger),
		retryDelay:  receiveRetryDelay,
	}, nil
}

// Run configures the radio for scanning and runs both stages until ctx ends
// or the radio reports the end of its capture. The radio is stopped on return.
func (p *Pipeline) Run(ctx context.Context) error {
	scanConfig := radio.Config{
		Mode:                radio.ModeScan,
		MinimumRSSI:         p.minimumRSSI,
		FollowConnections:   false,
		ExtendedAdvertising: false,
	}
	if err := p.device.Configure(ctx, scanConfig); err != nil {
		return fmt.Errorf("capture: configure radio: %w", err)
	}
	defer p.stopDevice()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		defer p.queue.Close()
		return p.capture(groupCtx)
	})
	group.Go(func() error {
		return p.forward(groupCtx)
	})

	err := group.Wait()
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return nil
	}
	return err
}

func (p *Pipeline) stopDevice() {
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := p.device.Stop(ctx); err != nil {
		p.logger.Warn("radio stop failed", zap.Error(err))
	}
}

func (p *Pipeline) capture(ctx context.Context) error {
	for {
		message, err := p.device.Receive(ctx)
		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			p.logger.Info("capture finished")
			return nil
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, radio.ErrClosed):
			return err
		default:
			p.logger.Error("radio receive failed", zap.Error(err))
			if err := sleep(ctx, p.retryDelay); err != nil {
				return err
			}
			continue
		}
		p.handle(message)
	}
}

func (p *Pipeline) handle(message radio.Message) {
	switch msg := message.(type) {
	case radio.Packet:
		if !msg.PDUType.IsAdvertisement() {
			return
		}
		payload := advert.StripHeader(msg.Body)
		if len(payload) != advert.PayloadLength || !advert.IsTrackerSignature(payload) {
			p.metrics.IncCaptured(metrics.CaptureForeign)
			p.logger.Debug("recorded advertisement not originating from a tracker", zap.Stringer("pdu", msg.PDUType))
			return
		}
		queued := make([]byte, len(payload))
		copy(queued, payload)
		if err := p.queue.Offer(queued); err != nil {
			p.metrics.IncCaptured(metrics.CaptureDropped)
			p.logger.Warn("queue full, discarding packet", zap.Int("capacity", p.queue.Cap()))
			return
		}
		p.metrics.IncCaptured(metrics.CaptureQueued)
		p.metrics.SetQueueBacklog(p.queue.Len())
	case radio.Debug:
		p.logger.Debug("radio debug", zap.String("text", msg.Text))
	case radio.State:
		p.logger.Debug("radio state", zap.String("state", msg.State))
	case radio.Measurement:
		p.logger.Debug("radio measurement", zap.String("name", msg.Name), zap.Float64("value", msg.Value))
	}
}

func (p *Pipeline) forward(ctx context.Context) error {
	for {
		payload, err := p.queue.Take(ctx)
		if errors.Is(err, ErrQueueClosed) {
			return nil
		}
		if err != nil {
			return err
		}
		p.metrics.SetQueueBacklog(p.queue.Len())
		p.logger.Debug("posting payload", zap.Binary("payload", payload))
		if err := p.sink.Upsert(ctx, payload); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.metrics.IncForwarded(metrics.OutcomeError)
			p.logger.Error("tag could not be sent to the api", zap.Error(err))
			continue
		}
		p.metrics.IncForwarded(metrics.OutcomeOk)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
