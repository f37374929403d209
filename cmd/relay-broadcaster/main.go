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

	"github.com/HexHive/privacyshield/internal/broadcast"
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
		Use:   "relay-broadcaster",
		Short: "Re-advertises the valid tags held by the relay server",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBroadcaster(cmd.Context())
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
	cmd.PersistentFlags().IntP("frequency", "f", defaults.GetInt("broadcaster.frequency_ms"), "Interval (in ms) in which to send out advertisements")
	cmd.PersistentFlags().IntP("num", "n", defaults.GetInt("broadcaster.num"), "Tags fetched per rotating read")
	cmd.PersistentFlags().String("scan-name", defaults.GetString("broadcaster.scan_name"), "Local name sent in scan responses")
	cmd.PersistentFlags().Duration("timeout", defaults.GetDuration("server.timeout"), "Relay API request timeout")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("metrics-address", defaults.GetString("metrics.address"), "Prometheus listen address (disabled when empty)")
	cmd.PersistentFlags().String("mqtt-broker", defaults.GetString("mqtt.broker"), "MQTT broker of the radio bridge")
	cmd.PersistentFlags().String("mqtt-prefix", defaults.GetString("mqtt.topic_prefix"), "MQTT topic prefix of the radio bridge")
	cmd.PersistentFlags().String("mqtt-node", defaults.GetString("mqtt.node"), "Advertiser node receiving commands")
	cmd.PersistentFlags().Bool("discovery", defaults.GetBool("discovery.enabled"), "Find the relay API over mDNS")

	bindFlag(cmd, "server.url", "url")
	bindFlag(cmd, "broadcaster.frequency_ms", "frequency")
	bindFlag(cmd, "broadcaster.num", "num")
	bindFlag(cmd, "broadcaster.scan_name", "scan-name")
	bindFlag(cmd, "server.timeout", "timeout")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "metrics.address", "metrics-address")
	bindFlag(cmd, "mqtt.broker", "mqtt-broker")
	bindFlag(cmd, "mqtt.topic_prefix", "mqtt-prefix")
	bindFlag(cmd, "mqtt.node", "mqtt-node")
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

func runBroadcaster(ctx context.Context) error {
	broadcasterConfig, err := config.LoadBroadcaster(viper.GetViper())
	if err != nil {
		return err
	}

	logLevel := broadcasterConfig.LogLevel
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

	serverURL, err := discovery.ResolveServerURL(signalCtx, broadcasterConfig.ServerURL, broadcasterConfig.DiscoveryEnabled, broadcasterConfig.ServiceName, logger)
	if err != nil {
		return err
	}
	client, err := relayclient.New(relayclient.Config{
		BaseURL: serverURL,
		Timeout: broadcasterConfig.Timeout,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	device, err := driver.Open(signalCtx, broadcasterConfig.Radio, "broadcaster", logger)
	if err != nil {
		return err
	}

	registry := metrics.NewRegistry()
	broadcaster, err := broadcast.New(broadcast.Config{
		Device:    device,
		Source:    client,
		Interval:  broadcasterConfig.Interval,
		BatchSize: broadcasterConfig.BatchSize,
		ScanName:  broadcasterConfig.ScanName,
		Metrics:   metrics.New(registry),
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	logger.Info("broadcaster starting",
		zap.String("server", client.BaseURL()),
		zap.Duration("interval", broadcasterConfig.Interval),
		zap.Duration("hold", broadcaster.Hold()),
		zap.Int("batch_size", broadcasterConfig.BatchSize),
	)

	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error {
		return broadcaster.Run(groupCtx)
	})
	if broadcasterConfig.MetricsAddress != "" {
		group.Go(func() error {
			return metrics.Serve(groupCtx, broadcasterConfig.MetricsAddress, registry, logger)
		})
	}
	return group.Wait()
}
