// Package driver builds the radio device selected in configuration.
package driver

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/HexHive/privacyshield/internal/config"
	"github.com/HexHive/privacyshield/internal/radio"
	"github.com/HexHive/privacyshield/internal/radio/mqttradio"
	"github.com/HexHive/privacyshield/internal/radio/pcapfile"
)

// Open returns the configured device. role distinguishes MQTT client ids of
// processes sharing one broker.
func Open(ctx context.Context, cfg config.RadioConfig, role string, logger *zap.Logger) (radio.Device, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch cfg.Driver {
	case config.RadioDriverPcap:
		return pcapfile.Open(cfg.PcapPath, pcapfile.Options{Pace: cfg.Pace, Logger: logger.Named("pcap")})
	case config.RadioDriverMQTT:
		return mqttradio.Dial(ctx, mqttradio.Config{
			Broker:      cfg.MQTT.Broker,
			ClientID:    clientID(cfg.MQTT.ClientID, role),
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			Node:        cfg.MQTT.Node,
			Logger:      logger.Named("mqtt"),
		})
	default:
		return nil, fmt.Errorf("radio driver %q: %w", cfg.Driver, radio.ErrUnsupported)
	}
}

func clientID(configured, role string) string {
	if configured != "" {
		return configured
	}
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "relay"
	}
	return fmt.Sprintf("privacyshield-%s-%s-%d", role, hostname, os.Getpid())
}
