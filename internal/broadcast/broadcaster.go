// Package broadcast re-advertises the tags held by the relay server,
// cycling through the valid set a batch at a time.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/HexHive/privacyshield/internal/advert"
	"github.com/HexHive/privacyshield/internal/metrics"
	"github.com/HexHive/privacyshield/internal/radio"
	"github.com/HexHive/privacyshield/internal/relayclient"
)

const (
	DefaultInterval  = 500 * time.Millisecond
	DefaultBatchSize = 5
	// HoldFactor is how many advertising intervals each tag is held for.
	HoldFactor = 5

	// scanning is disabled while advertising by an unreachable threshold.
	advertiserMinimumRSSI = -1
	stopTimeout           = 2 * time.Second
)

var (
	errMissingDevice = errors.New("broadcast: radio device is required")
	errMissingSource = errors.New("broadcast: tag source is required")
)

// Source serves the rotating subset of valid tags; relayclient.Client is the
// production source.
type Source interface {
	Rotating(ctx context.Context, limit int) ([]relayclient.Record, error)
}

type Config struct {
	Device    radio.Device
	Source    Source
	Interval  time.Duration
	BatchSize int
	ScanName  string
	// IdleDelay is waited after an empty batch or a failed fetch. Defaults to Interval.
	IdleDelay time.Duration
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
}

type Broadcaster struct {
	device       radio.Device
	source       Source
	interval     time.Duration
	batchSize    int
	idleDelay    time.Duration
	scanResponse []byte
	metrics      *metrics.Metrics
	logger       *zap.Logger
	sleep        func(ctx context.Context, d time.Duration) error
}

func New(cfg Config) (*Broadcaster, error) {
	if cfg.Device == nil {
		return nil, errMissingDevice
	}
	if cfg.Source == nil {
		return nil, errMissingSource
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	idleDelay := cfg.IdleDelay
	if idleDelay <= 0 {
		idleDelay = interval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broadcaster{
		device:       cfg.Device,
		source:       cfg.Source,
		interval:     interval,
		batchSize:    batchSize,
		idleDelay:    idleDelay,
		scanResponse: advert.ScanResponse(cfg.ScanName),
		metrics:      cfg.Metrics,
		logger:       logger,
		sleep:        sleepContext,
	}, nil
}

// Hold is how long each tag stays on air before the next one.
func (b *Broadcaster) Hold() time.Duration {
	return b.interval * HoldFactor
}

// Run configures the radio once and advertises until ctx ends. Fetch and
// radio failures are logged and skipped. The radio is stopped on return.
func (b *Broadcaster) Run(ctx context.Context) error {
	advertiseConfig := radio.Config{
		Mode:                radio.ModeAdvertise,
		MinimumRSSI:         advertiserMinimumRSSI,
		AdvertisingInterval: b.interval,
	}
	if err := b.device.Configure(ctx, advertiseConfig); err != nil {
		return fmt.Errorf("broadcast: configure radio: %w", err)
	}
	defer b.stopDevice()

	for ctx.Err() == nil {
		if err := b.round(ctx); err != nil {
			break
		}
	}
	return nil
}

// round fetches one batch and advertises it. It returns an error only when
// ctx ended.
func (b *Broadcaster) round(ctx context.Context) error {
	records, err := b.source.Rotating(ctx, b.batchSize)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b.metrics.IncFetchErrors()
		b.logger.Warn("fetching tags failed", zap.Error(err))
		return b.sleep(ctx, b.idleDelay)
	}
	if len(records) == 0 {
		b.logger.Debug("no valid tags to advertise")
		return b.sleep(ctx, b.idleDelay)
	}

	onAir := 0
	for _, record := range records {
		if !b.advertise(ctx, record) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}
		onAir++
		if err := b.sleep(ctx, b.Hold()); err != nil {
			return err
		}
	}
	if onAir == 0 {
		b.logger.Debug("no tag in batch went on air", zap.Int("batch", len(records)))
		return b.sleep(ctx, b.idleDelay)
	}
	return nil
}

func (b *Broadcaster) advertise(ctx context.Context, record relayclient.Record) bool {
	key, err := advert.ExtractKey(record.Data)
	if err != nil {
		b.metrics.IncBroadcasts(metrics.OutcomeSkipped)
		b.logger.Warn("skipping undecodable tag", zap.Uint64("id", record.ID), zap.Error(err))
		return false
	}
	address := key.Address()
	body := key.Body()

	b.logger.Debug("advertising tag",
		zap.Uint64("id", record.ID),
		zap.String("address", address.String()),
		zap.String("body", body.String()),
	)
	if err := b.device.SetAddress(ctx, address, true); err != nil {
		b.metrics.IncBroadcasts(metrics.OutcomeError)
		b.logger.Error("setting advertising address failed", zap.String("address", address.String()), zap.Error(err))
		return false
	}
	if err := b.device.Broadcast(ctx, body[:], b.scanResponse); err != nil {
		b.metrics.IncBroadcasts(metrics.OutcomeError)
		b.logger.Error("starting advertisement failed", zap.String("address", address.String()), zap.Error(err))
		return false
	}
	b.metrics.IncBroadcasts(metrics.OutcomeOk)
	return true
}

func (b *Broadcaster) stopDevice() {
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := b.device.Stop(ctx); err != nil {
		b.logger.Warn("radio stop failed", zap.Error(err))
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
