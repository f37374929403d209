package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/HexHive/privacyshield/internal/capture"
	"github.com/HexHive/privacyshield/internal/config"
	"github.com/HexHive/privacyshield/internal/discovery"
	"github.com/HexHive/privacyshield/internal/logging"
	"github.com/HexHive/privacyshield/internal/metrics"
	"github.com/HexHive/privacyshield/internal/radio/driver"
	"github.com/HexHive/privacyshield/internal/relayclient"
)

var (
	cfgFile   string
	verbosity int
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "relay-sniffer",
		Short: "Captures tracker advertisements and posts them to the relay server",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSniffer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().CountVarP(&verbosity, "verbose", "v", "Verbose output; overrides --log-level with debug")
	cmd.PersistentFlags().StringP("url", "u", defaults.GetString("server.url"), "Base URL (<host[:port]>) of the relay API")
	cmd.PersistentFlags().IntP("rssi", "r", defaults.GetInt("sniffer.rssi"), "Filter packets by minimum RSSI")
	cmd.PersistentFlags().Int("queue-size", defaults.GetInt("sniffer.queue_size"), "Capacity of the capture queue")
	cmd.PersistentFlags().Duration("timeout", defaults.GetDuration("server.timeout"), "Relay API request timeout")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("metrics-address", defaults.GetString("metrics.address"), "Prometheus listen address (disabled when empty)")
	cmd.PersistentFlags().String("radio", defaults.GetString("radio.driver"), "Radio driver (mqtt, pcap)")
	cmd.PersistentFlags().String("pcap", defaults.GetString("radio.pcap_path"), "Capture file replayed by the pcap driver")
	cmd.PersistentFlags().Bool("pace", defaults.GetBool("radio.pcap_pace"), "Replay captures at their recorded speed")
	cmd.PersistentFlags().String("mqtt-broker", defaults.GetString("mqtt.broker"), "MQTT broker of the radio bridge")
	cmd.PersistentFlags().String("mqtt-prefix", defaults.GetString("mqtt.topic_prefix"), "MQTT topic prefix of the radio bridge")
	cmd.PersistentFlags().Bool("discovery", defaults.GetBool("discovery.enabled"), "Find the relay API over mDNS")

	bindFlag(cmd, "server.url", "url")
	bindFlag(cmd, "sniffer.rssi", "rssi")
	bindFlag(cmd, "sniffer.queue_size", "queue-size")
	bindFlag(cmd, "server.timeout", "timeout")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "metrics.address", "metrics-address")
	bindFlag(cmd, "radio.driver", "radio")
	bindFlag(cmd, "radio.pcap_path", "pcap")
	bindFlag(cmd, "radio.pcap_pace", "pace")
	bindFlag(cmd, "mqtt.broker", "mqtt-broker")
	bindFlag(cmd, "mqtt.topic_prefix", "mqtt-prefix")
	bindFlag(cmd, "discovery.enabled", "discovery")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runSniffer(ctx context.Context) error {
	snifferConfig, err := config.LoadSniffer(viper.GetViper())
	if err != nil {
		return err
	}

	logLevel := snifferConfig.LogLevel
	if verbosity > 0 {
		logLevel = logging.VerbosityLevel(verbosity)
	}
	logger, err := logging.NewLogger(logLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serverURL, err := discovery.ResolveServerURL(signalCtx, snifferConfig.ServerURL, snifferConfig.DiscoveryEnabled, snifferConfig.ServiceName, logger)
	if err != nil {
		return err
	}
	client, err := relayclient.New(relayclient.Config{
		BaseURL: serverURL,
		Timeout: snifferConfig.Timeout,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	device, err := driver.Open(signalCtx, snifferConfig.Radio, "sniffer", logger)
	if err != nil {
		return err
	}

	registry := metrics.NewRegistry()
	pipeline, err := capture.New(capture.Config{
		Device:      device,
		Sink:        client,
		QueueSize:   snifferConfig.QueueSize,
		MinimumRSSI: snifferConfig.MinimumRSSI,
		Metrics:     metrics.New(registry),
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	logger.Info("sniffer starting",
		zap.String("server", client.BaseURL()),
		zap.String("radio", snifferConfig.Radio.Driver),
		zap.Int("minimum_rssi", snifferConfig.MinimumRSSI),
	)

	group, groupCtx := errgroup.WithContext(signalCtx)
	runCtx, cancelRun := context.WithCancel(groupCtx)
	defer cancelRun()
	group.Go(func() error {
		// A finished replay ends the process.
		defer cancelRun()
		return pipeline.Run(groupCtx)
	})
	if snifferConfig.MetricsAddress != "" {
		group.Go(func() error {
			return metrics.Serve(runCtx, snifferConfig.MetricsAddress, registry, logger)
		})
	}
	return group.Wait()
}
