// Package mqttradio bridges a remote BLE radio over MQTT. Scanner nodes
// publish the advertising PDUs they capture; advertiser nodes execute the
// commands published for them.
package mqttradio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/HexHive/privacyshield/internal/advert"
	"github.com/HexHive/privacyshield/internal/radio"
)

const (
	defaultTopicPrefix = "privacyshield"
	defaultNode        = "advertiser"
	defaultQueueSize   = 256
	disconnectQuiesce  = 250

	scanQoS    byte = 0
	commandQoS byte = 1

	reportTypePacket = "packet"
	reportTypeDebug  = "debug"
	reportTypeState  = "state"

	CommandConfigure  = "configure"
	CommandSetAddress = "set_address"
	CommandAdvertise  = "advertise"
	CommandStop       = "stop"
)

var errMissingBroker = errors.New("mqttradio: broker is required")

// Config describes the broker connection and topic layout.
type Config struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	// Node names the remote advertiser commands are addressed to.
	Node      string
	QueueSize int
	Logger    *zap.Logger
}

// ScanReport is what scanner nodes publish on <prefix>/scan/<node>.
type ScanReport struct {
	Type      string    `json:"type,omitempty"`
	PDU       []byte    `json:"pdu,omitempty"`
	RSSI      int       `json:"rssi"`
	Channel   int       `json:"channel"`
	Timestamp time.Time `json:"ts"`
	Text      string    `json:"text,omitempty"`
}

// Command is what the bridge publishes on <prefix>/advertise/<node>.
type Command struct {
	Command      string `json:"command"`
	IntervalMS   int64  `json:"interval_ms,omitempty"`
	Address      string `json:"address,omitempty"`
	Random       bool   `json:"random,omitempty"`
	Body         []byte `json:"body,omitempty"`
	ScanResponse []byte `json:"scan_response,omitempty"`
}

// publisherSubscriber is the part of mqtt.Client the bridge uses.
type publisherSubscriber interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Unsubscribe(topics ...string) mqtt.Token
	Disconnect(quiesce uint)
}

// Radio is a radio.Device backed by MQTT topics.
type Radio struct {
	client      publisherSubscriber
	prefix      string
	node        string
	logger      *zap.Logger
	messages    chan radio.Message
	done        chan struct{}
	dropped     atomic.Int64
	minimumRSSI atomic.Int64

	mu       sync.Mutex
	mode     radio.Mode
	scanning bool
	stopped  bool
}

// Dial connects to the broker. The connection retries until ctx ends and
// scan subscriptions are restored after every reconnect.
func Dial(ctx context.Context, cfg Config) (*Radio, error) {
	if strings.TrimSpace(cfg.Broker) == "" {
		return nil, errMissingBroker
	}

	var bridge *Radio
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetOrderMatters(false).
		SetCleanSession(true).
		SetKeepAlive(30 * time.Second).
		SetPingTimeout(10 * time.Second).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.OnConnect = func(mqtt.Client) {
		bridge.logger.Info("mqtt connected", zap.String("broker", cfg.Broker))
		bridge.resubscribe()
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		bridge.logger.Warn("mqtt connection lost", zap.Error(err))
	}

	client := mqtt.NewClient(opts)
	bridge = newRadio(client, cfg)
	if err := waitToken(ctx, client.Connect()); err != nil {
		client.Disconnect(0)
		return nil, fmt.Errorf("mqttradio: connect %s: %w", cfg.Broker, err)
	}
	return bridge, nil
}

func newRadio(client publisherSubscriber, cfg Config) *Radio {
	prefix := strings.Trim(strings.TrimSpace(cfg.TopicPrefix), "/")
	if prefix == "" {
		prefix = defaultTopicPrefix
	}
	node := strings.TrimSpace(cfg.Node)
	if node == "" {
		node = defaultNode
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Radio{
		client:   client,
		prefix:   prefix,
		node:     node,
		logger:   logger,
		messages: make(chan radio.Message, queueSize),
		done:     make(chan struct{}),
	}
	r.minimumRSSI.Store(-128)
	return r
}

// ScanTopic is the wildcard subscription covering every scanner node.
func (r *Radio) ScanTopic() string {
	return r.prefix + "/scan/+"
}

// CommandTopic is where advertiser commands are published.
func (r *Radio) CommandTopic() string {
	return r.prefix + "/advertise/" + r.node
}

// Dropped reports scan reports discarded because Receive fell behind.
func (r *Radio) Dropped() int64 {
	return r.dropped.Load()
}

func (r *Radio) Configure(ctx context.Context, cfg radio.Config) error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return radio.ErrClosed
	}
	r.mode = cfg.Mode
	r.mu.Unlock()

	switch cfg.Mode {
	case radio.ModeScan:
		r.minimumRSSI.Store(int64(cfg.MinimumRSSI))
		if err := waitToken(ctx, r.client.Subscribe(r.ScanTopic(), scanQoS, r.handleScan)); err != nil {
			return fmt.Errorf("mqttradio: subscribe %s: %w", r.ScanTopic(), err)
		}
		r.mu.Lock()
		r.scanning = true
		r.mu.Unlock()
		r.logger.Info("scanning", zap.String("topic", r.ScanTopic()), zap.Int("minimum_rssi", cfg.MinimumRSSI))
		return nil
	case radio.ModeAdvertise:
		return r.send(ctx, Command{Command: CommandConfigure, IntervalMS: cfg.AdvertisingInterval.Milliseconds()})
	default:
		return fmt.Errorf("mqttradio: %s mode: %w", cfg.Mode, radio.ErrUnsupported)
	}
}

func (r *Radio) Receive(ctx context.Context) (radio.Message, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-r.done:
		return nil, radio.ErrClosed
	case message := <-r.messages:
		return message, nil
	}
}

func (r *Radio) SetAddress(ctx context.Context, addr advert.Address, random bool) error {
	return r.send(ctx, Command{Command: CommandSetAddress, Address: addr.String(), Random: random})
}

func (r *Radio) Broadcast(ctx context.Context, body, scanResponse []byte) error {
	return r.send(ctx, Command{Command: CommandAdvertise, Body: body, ScanResponse: scanResponse})
}

// Stop ends the scan subscription or tells the advertiser to go quiet, then
// disconnects.
func (r *Radio) Stop(ctx context.Context) error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return nil
	}
	r.stopped = true
	scanning := r.scanning
	mode := r.mode
	r.mu.Unlock()

	var stopErr error
	if scanning {
		stopErr = waitToken(ctx, r.client.Unsubscribe(r.ScanTopic()))
	} else if mode == radio.ModeAdvertise {
		stopErr = r.publish(ctx, Command{Command: CommandStop})
	}
	close(r.done)
	r.client.Disconnect(disconnectQuiesce)
	return stopErr
}

func (r *Radio) send(ctx context.Context, command Command) error {
	r.mu.Lock()
	stopped := r.stopped
	r.mu.Unlock()
	if stopped {
		return radio.ErrClosed
	}
	return r.publish(ctx, command)
}

func (r *Radio) publish(ctx context.Context, command Command) error {
	payload, err := json.Marshal(command)
	if err != nil {
		return fmt.Errorf("mqttradio: encode %s: %w", command.Command, err)
	}
	if err := waitToken(ctx, r.client.Publish(r.CommandTopic(), commandQoS, false, payload)); err != nil {
		return fmt.Errorf("mqttradio: publish %s: %w", command.Command, err)
	}
	return nil
}

func (r *Radio) resubscribe() {
	r.mu.Lock()
	scanning := r.scanning && !r.stopped
	r.mu.Unlock()
	if !scanning {
		return
	}
	token := r.client.Subscribe(r.ScanTopic(), scanQoS, r.handleScan)
	if token.Wait() && token.Error() != nil {
		r.logger.Error("mqtt resubscribe failed", zap.String("topic", r.ScanTopic()), zap.Error(token.Error()))
	}
}

func (r *Radio) handleScan(_ mqtt.Client, msg mqtt.Message) {
	message, ok := r.decodeReport(msg)
	if !ok {
		return
	}
	select {
	case <-r.done:
	case r.messages <- message:
	default:
		r.dropped.Add(1)
		r.logger.Debug("scan report dropped", zap.String("topic", msg.Topic()))
	}
}

func (r *Radio) decodeReport(msg mqtt.Message) (radio.Message, bool) {
	var report ScanReport
	if err := json.Unmarshal(msg.Payload(), &report); err != nil {
		return radio.Debug{Text: fmt.Sprintf("undecodable scan report on %s: %v", msg.Topic(), err)}, true
	}
	switch report.Type {
	case reportTypeDebug:
		return radio.Debug{Text: report.Text}, true
	case reportTypeState:
		return radio.State{State: report.Text}, true
	case "", reportTypePacket:
	default:
		return radio.Debug{Text: fmt.Sprintf("unknown report type %q", report.Type)}, true
	}

	if int64(report.RSSI) < r.minimumRSSI.Load() {
		return nil, false
	}
	packet, err := radio.ParsePDU(report.PDU)
	if err != nil {
		return radio.Debug{Text: err.Error()}, true
	}
	packet.RSSI = report.RSSI
	packet.Channel = report.Channel
	packet.Timestamp = report.Timestamp
	return packet, true
}

func waitToken(ctx context.Context, token mqtt.Token) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-token.Done():
		return token.Error()
	}
}
