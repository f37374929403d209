// Package pcapfile replays BLE link-layer captures as a scan-only radio.
package pcapfile

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/pcapgo"
	"go.uber.org/zap"

	"github.com/HexHive/privacyshield/internal/advert"
	"github.com/HexHive/privacyshield/internal/radio"
)

const (
	// LinkTypeBluetoothLELL is LINKTYPE_BLUETOOTH_LE_LL.
	LinkTypeBluetoothLELL         = 251
	// LinkTypeBluetoothLELLWithPHDR is LINKTYPE_BLUETOOTH_LE_LL_WITH_PHDR.
	LinkTypeBluetoothLELLWithPHDR = 256

	accessAddressLength = 4
	crcLength           = 3
	pseudoHeaderLength  = 10
	phdrFlagSignalValid = 0x0002
	minimumFrameLength  = accessAddressLength + 2 + crcLength
	defaultMinimumRSSI  = -128
	pcapngSectionMagic  = "\x0a\x0d\x0d\x0a"
	unknownChannel      = -1
	signalUnknown       = 0
)

var errUnsupportedLinkType = errors.New("pcapfile: unsupported link type")

type packetSource interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
}

// Options tunes a replay.
type Options struct {
	// Pace sleeps between packets according to their capture timestamps.
	Pace   bool
	Logger *zap.Logger
}

// Device is a radio.Device backed by a pcap or pcapng file.
type Device struct {
	mu       sync.Mutex
	source   packetSource
	closer   io.Closer
	linkType int
	cfg      radio.Config
	closed   bool
	pace     bool
	previous time.Time
	logger   *zap.Logger
}

// Open replays the capture stored at path.
func Open(path string, opts Options) (*Device, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	device, err := newDevice(file, file, opts)
	if err != nil {
		_ = file.Close()
		return nil, err
	}
	return device, nil
}

// NewDevice replays a capture read from r.
func NewDevice(r io.Reader, opts Options) (*Device, error) {
	return newDevice(r, nil, opts)
}

func newDevice(r io.Reader, closer io.Closer, opts Options) (*Device, error) {
	buffered := bufio.NewReader(r)
	magic, err := buffered.Peek(len(pcapngSectionMagic))
	if err != nil {
		return nil, fmt.Errorf("pcapfile: read header: %w", err)
	}

	var source packetSource
	var linkType int
	if bytes.Equal(magic, []byte(pcapngSectionMagic)) {
		reader, err := pcapgo.NewNgReader(buffered, pcapgo.DefaultNgReaderOptions)
		if err != nil {
			return nil, fmt.Errorf("pcapfile: open pcapng: %w", err)
		}
		source, linkType = reader, int(reader.LinkType())
	} else {
		reader, err := pcapgo.NewReader(buffered)
		if err != nil {
			return nil, fmt.Errorf("pcapfile: open pcap: %w", err)
		}
		source, linkType = reader, int(reader.LinkType())
	}

	if linkType != LinkTypeBluetoothLELL && linkType != LinkTypeBluetoothLELLWithPHDR {
		return nil, fmt.Errorf("%w: %d", errUnsupportedLinkType, linkType)
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Device{
		source:   source,
		closer:   closer,
		linkType: linkType,
		cfg:      radio.Config{Mode: radio.ModeScan, MinimumRSSI: defaultMinimumRSSI},
		pace:     opts.Pace,
		logger:   logger,
	}, nil
}

// Configure accepts scan configurations only.
func (d *Device) Configure(_ context.Context, cfg radio.Config) error {
	if cfg.Mode != radio.ModeScan {
		return fmt.Errorf("pcapfile: %s mode: %w", cfg.Mode, radio.ErrUnsupported)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cfg = cfg
	d.logger.Debug("replay configured", zap.Int("minimum_rssi", cfg.MinimumRSSI), zap.Int("link_type", d.linkType))
	return nil
}

// Receive returns the next advertising channel packet in file order, or
// io.EOF once the capture is exhausted.
func (d *Device) Receive(ctx context.Context) (radio.Message, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		d.mu.Lock()
		if d.closed {
			d.mu.Unlock()
			return nil, radio.ErrClosed
		}
		data, info, err := d.source.ReadPacketData()
		minimumRSSI := d.cfg.MinimumRSSI
		d.mu.Unlock()

		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		if err != nil {
			return nil, fmt.Errorf("pcapfile: read packet: %w", err)
		}

		packet, ok, err := decodeFrame(d.linkType, data)
		if err != nil {
			return radio.Debug{Text: err.Error()}, nil
		}
		if !ok {
			continue
		}
		if packet.RSSI != signalUnknown && packet.RSSI < minimumRSSI {
			continue
		}
		packet.Timestamp = info.Timestamp

		if err := d.wait(ctx, info.Timestamp); err != nil {
			return nil, err
		}
		return packet, nil
	}
}

func (d *Device) wait(ctx context.Context, timestamp time.Time) error {
	previous := d.previous
	d.previous = timestamp
	if !d.pace || previous.IsZero() || !timestamp.After(previous) {
		return nil
	}
	timer := time.NewTimer(timestamp.Sub(previous))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (d *Device) SetAddress(context.Context, advert.Address, bool) error {
	return fmt.Errorf("pcapfile: set address: %w", radio.ErrUnsupported)
}

func (d *Device) Broadcast(context.Context, []byte, []byte) error {
	return fmt.Errorf("pcapfile: broadcast: %w", radio.ErrUnsupported)
}

// Stop closes the underlying file. Further reads return radio.ErrClosed.
func (d *Device) Stop(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	if d.closer != nil {
		return d.closer.Close()
	}
	return nil
}

// decodeFrame extracts the advertising PDU from a captured frame. It reports
// false for frames captured off the advertising access address.
func decodeFrame(linkType int, data []byte) (radio.Packet, bool, error) {
	channel := unknownChannel
	rssi := signalUnknown

	if linkType == LinkTypeBluetoothLELLWithPHDR {
		if len(data) < pseudoHeaderLength {
			return radio.Packet{}, false, fmt.Errorf("pcapfile: short pseudo header: %d bytes", len(data))
		}
		channel = int(data[0])
		flags := binary.LittleEndian.Uint16(data[8:10])
		if flags&phdrFlagSignalValid != 0 {
			rssi = int(int8(data[1]))
		}
		data = data[pseudoHeaderLength:]
	}

	if len(data) < minimumFrameLength {
		return radio.Packet{}, false, fmt.Errorf("pcapfile: short frame: %d bytes", len(data))
	}
	if binary.LittleEndian.Uint32(data[:accessAddressLength]) != radio.AdvertisingAccessAddress {
		return radio.Packet{}, false, nil
	}

	packet, err := radio.ParsePDU(data[accessAddressLength : len(data)-crcLength])
	if err != nil {
		return radio.Packet{}, false, err
	}
	packet.Channel = channel
	packet.RSSI = rssi
	return packet, true, nil
}
