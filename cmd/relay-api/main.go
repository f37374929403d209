package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/HexHive/privacyshield/internal/config"
	"github.com/HexHive/privacyshield/internal/database"
	"github.com/HexHive/privacyshield/internal/discovery"
	"github.com/HexHive/privacyshield/internal/feed"
	"github.com/HexHive/privacyshield/internal/logging"
	"github.com/HexHive/privacyshield/internal/metrics"
	"github.com/HexHive/privacyshield/internal/server"
	"github.com/HexHive/privacyshield/internal/tags"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "relay-api",
		Short: "Tracker advertisement relay server",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
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
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().Duration("validity", defaults.GetDuration("tags.validity"), "Default validity window of a sighting")
	cmd.PersistentFlags().StringSlice("allowed-origins", defaults.GetStringSlice("http.allowed_origins"), "CORS allowed origins")
	cmd.PersistentFlags().StringSlice("feed-brokers", defaults.GetStringSlice("feed.brokers"), "Kafka brokers receiving sightings (disabled when empty)")
	cmd.PersistentFlags().String("feed-topic", defaults.GetString("feed.topic"), "Kafka topic for sightings")
	cmd.PersistentFlags().Bool("discovery", defaults.GetBool("discovery.enabled"), "Advertise the API over mDNS")
	cmd.PersistentFlags().String("discovery-service", defaults.GetString("discovery.service"), "mDNS service name")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "tags.validity", "validity")
	bindFlag(cmd, "http.allowed_origins", "allowed-origins")
	bindFlag(cmd, "feed.brokers", "feed-brokers")
	bindFlag(cmd, "feed.topic", "feed-topic")
	bindFlag(cmd, "discovery.enabled", "discovery")
	bindFlag(cmd, "discovery.service", "discovery-service")
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

func runServer(ctx context.Context) error {
	appConfig, err := config.LoadAPI(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	tagService, err := tags.NewService(tags.ServiceConfig{
		Database: db,
		Clock:    time.Now,
		Validity: appConfig.Validity,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	registry := metrics.NewRegistry()
	relayMetrics := metrics.New(registry)

	var publisher feed.Publisher = feed.NopPublisher{}
	if len(appConfig.FeedBrokers) > 0 {
		kafkaPublisher, err := feed.NewKafkaPublisher(feed.KafkaConfig{
			Brokers: appConfig.FeedBrokers,
			Topic:   appConfig.FeedTopic,
			Logger:  logger,
		})
		if err != nil {
			return err
		}
		publisher = kafkaPublisher
		logger.Info("sighting feed enabled", zap.Strings("brokers", appConfig.FeedBrokers), zap.String("topic", appConfig.FeedTopic))
	}
	defer publisher.Close() //nolint:errcheck

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TagService:     tagService,
		Publisher:      publisher,
		Sightings:      server.NewSightingDispatcher(),
		Metrics:        relayMetrics,
		MetricsHandler: metrics.Handler(registry),
		AllowedOrigins: appConfig.AllowedOrigins,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	listener, err := net.Listen("tcp", appConfig.HTTPAddress)
	if err != nil {
		return err
	}

	if appConfig.DiscoveryEnabled {
		port, err := listenerPort(listener)
		if err != nil {
			_ = listener.Close()
			return err
		}
		announcer, err := discovery.Announce(appConfig.ServiceName, port, logger)
		if err != nil {
			_ = listener.Close()
			return err
		}
		defer announcer.Shutdown()
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", listener.Addr().String()))
		err := httpServer.Serve(listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func listenerPort(listener net.Listener) (int, error) {
	_, portText, err := net.SplitHostPort(listener.Addr().String())
	if err != nil {
		return 0, err
	}
	port, err := strconv.Atoi(portText)
	if err != nil {
		return 0, fmt.Errorf("listener port %q: %w", portText, err)
	}
	return port, nil
}
