// Package discovery advertises the relay API over mDNS and lets sniffers and
// broadcasters find it without a configured URL.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"
)

const (
	DefaultService = "privacyshield"
	Domain         = "local."

	defaultResolveTimeout = 5 * time.Second
	maxLabelLength        = 63
	txtProtocol           = "proto=v1"
)

// ErrNotFound is returned when no relay API answered before the deadline.
var ErrNotFound = errors.New("discovery: no relay server found")

// ServiceType returns the DNS-SD service type for a service name.
func ServiceType(service string) string {
	service = sanitizeHost(service)
	if service == "" {
		service = DefaultService
	}
	return "_" + service + "._tcp"
}

// Announcer keeps an mDNS registration alive until Shutdown.
type Announcer struct {
	server  *zeroconf.Server
	logger  *zap.Logger
	service string
}

// Announce registers the relay API listening on port.
func Announce(service string, port int, logger *zap.Logger) (*Announcer, error) {
	if port <= 0 {
		return nil, fmt.Errorf("discovery: invalid port %d", port)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = DefaultService
	}
	instance := sanitizeInstance(fmt.Sprintf("Relay Server (%s)", hostname))
	serviceType := ServiceType(service)
	txt := []string{
		fmt.Sprintf("http_port=%d", port),
		txtProtocol,
		fmt.Sprintf("host=%s.local", sanitizeHost(hostname)),
	}

	server, err := zeroconf.Register(instance, serviceType, Domain, port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("discovery: register %s: %w", serviceType, err)
	}
	logger.Info("mDNS advertisement started", zap.String("instance", instance), zap.String("service", serviceType), zap.Int("port", port))
	return &Announcer{server: server, logger: logger, service: serviceType}, nil
}

func (a *Announcer) Shutdown() {
	if a == nil || a.server == nil {
		return
	}
	a.server.Shutdown()
	a.logger.Info("mDNS advertisement stopped", zap.String("service", a.service))
	a.server = nil
}

// Resolve browses for the relay API and returns the base URL of the first
// instance that reports an address.
func Resolve(ctx context.Context, service string, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = defaultResolveTimeout
	}
	resolver, err := zeroconf.NewResolver()
	if err != nil {
		return "", fmt.Errorf("discovery: construct resolver: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(ctx, ServiceType(service), Domain, entries); err != nil {
		return "", fmt.Errorf("discovery: browse: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return "", ErrNotFound
		case entry, ok := <-entries:
			if !ok {
				return "", ErrNotFound
			}
			if url, found := ServerURL(entry); found {
				return url, nil
			}
		}
	}
}

// ServerURL derives the API base URL from a browse result, preferring IPv4.
func ServerURL(entry *zeroconf.ServiceEntry) (string, bool) {
	if entry == nil || entry.Port <= 0 {
		return "", false
	}
	var host string
	switch {
	case len(entry.AddrIPv4) > 0:
		host = entry.AddrIPv4[0].String()
	case len(entry.AddrIPv6) > 0:
		host = entry.AddrIPv6[0].String()
	case entry.HostName != "":
		host = strings.TrimSuffix(entry.HostName, ".")
	default:
		return "", false
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(entry.Port)), true
}

func sanitizeInstance(name string) string {
	cleaned := strings.TrimSpace(name)
	cleaned = strings.NewReplacer("\n", " ", "\r", " ", ".", " ", "_", " ").Replace(cleaned)
	if cleaned == "" {
		cleaned = "Relay Server"
	}
	runes := []rune(cleaned)
	if len(runes) > maxLabelLength {
		cleaned = string(runes[:maxLabelLength])
	}
	return cleaned
}

func sanitizeHost(name string) string {
	cleaned := strings.TrimSpace(strings.ToLower(name))
	cleaned = strings.NewReplacer(" ", "-", "_", "-", ".", "-", "\n", "", "\r", "").Replace(cleaned)
	cleaned = strings.Trim(cleaned, "-")
	runes := []rune(cleaned)
	if len(runes) > maxLabelLength {
		cleaned = string(runes[:maxLabelLength])
	}
	return cleaned
}

// ResolveServerURL returns the configured relay URL, or browses for one when
// discovery is enabled. A configured URL is the fallback when nothing answers.
func ResolveServerURL(ctx context.Context, configured string, enabled bool, service string, logger *zap.Logger) (string, error) {
	if !enabled {
		return configured, nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	discovered, err := Resolve(ctx, service, defaultResolveTimeout)
	if err == nil {
		logger.Info("relay server discovered", zap.String("url", discovered))
		return discovered, nil
	}
	if configured != "" {
		logger.Warn("relay server discovery failed, using configured url", zap.String("url", configured), zap.Error(err))
		return configured, nil
	}
	return "", err
}
