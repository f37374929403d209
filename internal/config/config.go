package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix           = "PRIVACYSHIELD"
	defaultHTTPAddress  = "0.0.0.0:8080"
	defaultDatabasePath = "privacyshield.db"
	defaultLogLevel     = "info"
	defaultValidity     = 24 * time.Hour
	defaultServerURL    = "http://localhost:8080"
	defaultHTTPTimeout  = 10 * time.Second
	defaultQueueSize    = 1024
	defaultMinimumRSSI  = -128
	defaultFrequencyMS  = 500
	defaultBatchSize    = 5
	defaultScanName     = "RelayTag"
	defaultFeedTopic    = "airtag-sightings"
	defaultMQTTPrefix   = "privacyshield"
	defaultMQTTNode     = "advertiser"
	defaultServiceName  = "privacyshield"

	// RadioDriverPcap replays a BLE link-layer capture file.
	RadioDriverPcap = "pcap"
	// RadioDriverMQTT bridges to remote radios over MQTT.
	RadioDriverMQTT = "mqtt"
)

// MQTTConfig describes the broker used by the MQTT radio bridge.
type MQTTConfig struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	Node        string
}

// RadioConfig selects and configures the radio collaborator.
type RadioConfig struct {
	Driver   string
	PcapPath string
	// Pace replays a capture at its recorded speed.
	Pace bool
	MQTT MQTTConfig
}

// APIConfig captures runtime configuration for the relay API server.
type APIConfig struct {
	HTTPAddress      string
	DatabasePath     string
	LogLevel         string
	Validity         time.Duration
	AllowedOrigins   []string
	FeedBrokers      []string
	FeedTopic        string
	DiscoveryEnabled bool
	ServiceName      string
}

// SnifferConfig captures runtime configuration for the capture pipeline.
type SnifferConfig struct {
	ServerURL        string
	LogLevel         string
	MetricsAddress   string
	Timeout          time.Duration
	QueueSize        int
	MinimumRSSI      int
	DiscoveryEnabled bool
	ServiceName      string
	Radio            RadioConfig
}

// BroadcasterConfig captures runtime configuration for the broadcast loop.
type BroadcasterConfig struct {
	ServerURL        string
	LogLevel         string
	MetricsAddress   string
	Timeout          time.Duration
	Interval         time.Duration
	BatchSize        int
	ScanName         string
	DiscoveryEnabled bool
	ServiceName      string
	Radio            RadioConfig
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", []string{"*"})
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("tags.validity", defaultValidity)
	configViper.SetDefault("feed.brokers", []string{})
	configViper.SetDefault("feed.topic", defaultFeedTopic)
	configViper.SetDefault("discovery.enabled", false)
	configViper.SetDefault("discovery.service", defaultServiceName)

	configViper.SetDefault("server.url", defaultServerURL)
	configViper.SetDefault("server.timeout", defaultHTTPTimeout)
	configViper.SetDefault("metrics.address", "")

	configViper.SetDefault("sniffer.queue_size", defaultQueueSize)
	configViper.SetDefault("sniffer.rssi", defaultMinimumRSSI)

	configViper.SetDefault("broadcaster.frequency_ms", defaultFrequencyMS)
	configViper.SetDefault("broadcaster.num", defaultBatchSize)
	configViper.SetDefault("broadcaster.scan_name", defaultScanName)

	configViper.SetDefault("radio.driver", RadioDriverMQTT)
	configViper.SetDefault("radio.pcap_path", "")
	configViper.SetDefault("radio.pcap_pace", false)
	configViper.SetDefault("mqtt.broker", "tcp://localhost:1883")
	configViper.SetDefault("mqtt.client_id", "")
	configViper.SetDefault("mqtt.username", "")
	configViper.SetDefault("mqtt.password", "")
	configViper.SetDefault("mqtt.topic_prefix", defaultMQTTPrefix)
	configViper.SetDefault("mqtt.node", defaultMQTTNode)
}

// LoadAPI parses API server configuration from viper.
func LoadAPI(configViper *viper.Viper) (APIConfig, error) {
	cfg := APIConfig{
		HTTPAddress:      configViper.GetString("http.address"),
		DatabasePath:     configViper.GetString("database.path"),
		LogLevel:         configViper.GetString("log.level"),
		Validity:         configViper.GetDuration("tags.validity"),
		AllowedOrigins:   configViper.GetStringSlice("http.allowed_origins"),
		FeedBrokers:      configViper.GetStringSlice("feed.brokers"),
		FeedTopic:        configViper.GetString("feed.topic"),
		DiscoveryEnabled: configViper.GetBool("discovery.enabled"),
		ServiceName:      configViper.GetString("discovery.service"),
	}

	if err := cfg.validate(); err != nil {
		return APIConfig{}, err
	}

	return cfg, nil
}

// LoadSniffer parses capture pipeline configuration from viper.
func LoadSniffer(configViper *viper.Viper) (SnifferConfig, error) {
	cfg := SnifferConfig{
		ServerURL:        NormalizeServerURL(configViper.GetString("server.url")),
		LogLevel:         configViper.GetString("log.level"),
		MetricsAddress:   configViper.GetString("metrics.address"),
		Timeout:          configViper.GetDuration("server.timeout"),
		QueueSize:        configViper.GetInt("sniffer.queue_size"),
		MinimumRSSI:      configViper.GetInt("sniffer.rssi"),
		DiscoveryEnabled: configViper.GetBool("discovery.enabled"),
		ServiceName:      configViper.GetString("discovery.service"),
		Radio:            loadRadio(configViper),
	}

	if err := cfg.validate(); err != nil {
		return SnifferConfig{}, err
	}

	return cfg, nil
}

// LoadBroadcaster parses broadcast loop configuration from viper.
func LoadBroadcaster(configViper *viper.Viper) (BroadcasterConfig, error) {
	cfg := BroadcasterConfig{
		ServerURL:        NormalizeServerURL(configViper.GetString("server.url")),
		LogLevel:         configViper.GetString("log.level"),
		MetricsAddress:   configViper.GetString("metrics.address"),
		Timeout:          configViper.GetDuration("server.timeout"),
		Interval:         time.Duration(configViper.GetInt("broadcaster.frequency_ms")) * time.Millisecond,
		BatchSize:        configViper.GetInt("broadcaster.num"),
		ScanName:         configViper.GetString("broadcaster.scan_name"),
		DiscoveryEnabled: configViper.GetBool("discovery.enabled"),
		ServiceName:      configViper.GetString("discovery.service"),
		Radio:            loadRadio(configViper),
	}

	if err := cfg.validate(); err != nil {
		return BroadcasterConfig{}, err
	}

	return cfg, nil
}

// NormalizeServerURL prepends http:// when the address carries no scheme
// and drops trailing slashes.
func NormalizeServerURL(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ""
	}
	if !strings.Contains(trimmed, "://") {
		trimmed = "http://" + trimmed
	}
	return strings.TrimRight(trimmed, "/")
}

func loadRadio(configViper *viper.Viper) RadioConfig {
	return RadioConfig{
		Driver:   strings.ToLower(strings.TrimSpace(configViper.GetString("radio.driver"))),
		PcapPath: configViper.GetString("radio.pcap_path"),
		Pace:     configViper.GetBool("radio.pcap_pace"),
		MQTT: MQTTConfig{
			Broker:      configViper.GetString("mqtt.broker"),
			ClientID:    configViper.GetString("mqtt.client_id"),
			Username:    configViper.GetString("mqtt.username"),
			Password:    configViper.GetString("mqtt.password"),
			TopicPrefix: configViper.GetString("mqtt.topic_prefix"),
			Node:        configViper.GetString("mqtt.node"),
		},
	}
}

func (c APIConfig) validate() error {
	if strings.TrimSpace(c.HTTPAddress) == "" {
		return fmt.Errorf("http.address is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Validity <= 0 {
		return fmt.Errorf("tags.validity must be positive")
	}
	if len(c.FeedBrokers) > 0 && strings.TrimSpace(c.FeedTopic) == "" {
		return fmt.Errorf("feed.topic is required when feed.brokers is set")
	}
	return nil
}

func (c SnifferConfig) validate() error {
	if err := validateServerURL(c.ServerURL, c.DiscoveryEnabled); err != nil {
		return err
	}
	if c.QueueSize <= 0 {
		return fmt.Errorf("sniffer.queue_size must be positive")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("server.timeout must be positive")
	}
	switch c.Radio.Driver {
	case RadioDriverPcap:
		if strings.TrimSpace(c.Radio.PcapPath) == "" {
			return fmt.Errorf("radio.pcap_path is required for the pcap driver")
		}
	case RadioDriverMQTT:
		return c.Radio.MQTT.validate()
	default:
		return fmt.Errorf("unsupported radio.driver %q", c.Radio.Driver)
	}
	return nil
}

func (c BroadcasterConfig) validate() error {
	if err := validateServerURL(c.ServerURL, c.DiscoveryEnabled); err != nil {
		return err
	}
	if c.Interval <= 0 {
		return fmt.Errorf("broadcaster.frequency_ms must be positive")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("broadcaster.num must be positive")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("server.timeout must be positive")
	}
	if len(c.ScanName) > 29 {
		return fmt.Errorf("broadcaster.scan_name must fit a scan response")
	}
	if c.Radio.Driver != RadioDriverMQTT {
		return fmt.Errorf("radio.driver %q cannot advertise", c.Radio.Driver)
	}
	return c.Radio.MQTT.validate()
}

func (c MQTTConfig) validate() error {
	if strings.TrimSpace(c.Broker) == "" {
		return fmt.Errorf("mqtt.broker is required")
	}
	if strings.TrimSpace(c.TopicPrefix) == "" {
		return fmt.Errorf("mqtt.topic_prefix is required")
	}
	if strings.TrimSpace(c.Node) == "" {
		return fmt.Errorf("mqtt.node is required")
	}
	return nil
}

func validateServerURL(raw string, discoveryEnabled bool) error {
	if raw == "" {
		if discoveryEnabled {
			return nil
		}
		return fmt.Errorf("server.url is required unless discovery is enabled")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("server.url is invalid: %w", err)
	}
	if parsed.Host == "" {
		return fmt.Errorf("server.url %q has no host", raw)
	}
	return nil
}
