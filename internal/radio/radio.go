// Package radio describes the BLE capture and advertising collaborator the
// relay pipelines drive, along with the link-layer types it reports.
package radio

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/HexHive/privacyshield/internal/advert"
)

var (
	// ErrUnsupported is returned by devices that cannot perform an operation,
	// e.g. advertising from a capture replay.
	ErrUnsupported = errors.New("radio: operation not supported")
	// ErrClosed is returned once a device has been stopped.
	ErrClosed = errors.New("radio: device closed")
	// ErrShortPDU indicates a PDU shorter than its header claims.
	ErrShortPDU = errors.New("radio: short pdu")
)

// AdvertisingAccessAddress is the access address used on advertising channels.
const AdvertisingAccessAddress uint32 = 0x8E89BED6

// Mode selects what a device is configured for.
type Mode int

const (
	ModeScan Mode = iota
	ModeAdvertise
)

func (m Mode) String() string {
	switch m {
	case ModeScan:
		return "scan"
	case ModeAdvertise:
		return "advertise"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Config is applied once before a device is used.
type Config struct {
	Mode Mode
	// MinimumRSSI drops packets received below this strength, in dBm.
	MinimumRSSI int
	// AdvertisingInterval is the advertising event interval in advertise mode.
	AdvertisingInterval time.Duration
	// FollowConnections is always false for the relay; only advertisements matter.
	FollowConnections bool
	// ExtendedAdvertising enables BT5 auxiliary advertising capture.
	ExtendedAdvertising bool
}

// Device is a BLE radio able to capture advertisements and to advertise on
// behalf of another device.
type Device interface {
	Configure(ctx context.Context, cfg Config) error
	// Receive blocks until the next message, ctx cancellation, or the end of
	// the capture (io.EOF).
	Receive(ctx context.Context) (Message, error)
	SetAddress(ctx context.Context, addr advert.Address, random bool) error
	Broadcast(ctx context.Context, body, scanResponse []byte) error
	Stop(ctx context.Context) error
}

// Message is anything a device reports: captured packets or diagnostics.
type Message interface {
	isMessage()
}

// Packet is a captured link-layer advertising PDU.
type Packet struct {
	PDUType   PDUType
	Channel   int
	RSSI      int
	Timestamp time.Time
	// Body holds the PDU header followed by its payload.
	Body []byte
}

// Debug carries free-form diagnostic text from the device.
type Debug struct {
	Text string
}

// State reports a device state transition.
type State struct {
	State string
}

// Measurement reports a device-side metric.
type Measurement struct {
	Name  string
	Value float64
}

func (Packet) isMessage()      {}
func (Debug) isMessage()       {}
func (State) isMessage()       {}
func (Measurement) isMessage() {}

// PDUType is the advertising channel PDU type from the PDU header.
type PDUType uint8

const (
	PDUAdvInd        PDUType = 0x0
	PDUAdvDirectInd  PDUType = 0x1
	PDUAdvNonconnInd PDUType = 0x2
	PDUScanReq       PDUType = 0x3
	PDUScanRsp       PDUType = 0x4
	PDUConnectInd    PDUType = 0x5
	PDUAdvScanInd    PDUType = 0x6
)

// IsAdvertisement reports whether the PDU type carries advertising data
// from a peripheral.
func (t PDUType) IsAdvertisement() bool {
	switch t {
	case PDUAdvInd, PDUAdvDirectInd, PDUAdvNonconnInd, PDUAdvScanInd:
		return true
	default:
		return false
	}
}

func (t PDUType) String() string {
	switch t {
	case PDUAdvInd:
		return "ADV_IND"
	case PDUAdvDirectInd:
		return "ADV_DIRECT_IND"
	case PDUAdvNonconnInd:
		return "ADV_NONCONN_IND"
	case PDUScanReq:
		return "SCAN_REQ"
	case PDUScanRsp:
		return "SCAN_RSP"
	case PDUConnectInd:
		return "CONNECT_IND"
	case PDUAdvScanInd:
		return "ADV_SCAN_IND"
	default:
		return fmt.Sprintf("PDU(%#x)", uint8(t))
	}
}

// ParsePDU decodes an advertising channel PDU (2-byte header plus payload).
// Trailing bytes beyond the header's length field are discarded.
func ParsePDU(raw []byte) (Packet, error) {
	if len(raw) < 2 {
		return Packet{}, fmt.Errorf("%w: %d bytes", ErrShortPDU, len(raw))
	}
	length := int(raw[1])
	if len(raw) < 2+length {
		return Packet{}, fmt.Errorf("%w: header declares %d bytes, have %d", ErrShortPDU, length, len(raw)-2)
	}
	body := make([]byte, 2+length)
	copy(body, raw[:2+length])
	return Packet{
		PDUType: PDUType(raw[0] & 0x0F),
		Body:    body,
	}, nil
}

// EncodePDU builds an advertising channel PDU around a payload.
func EncodePDU(pduType PDUType, randomAddress bool, payload []byte) []byte {
	header := byte(pduType) & 0x0F
	if randomAddress {
		header |= 0x40
	}
	out := make([]byte, 0, 2+len(payload))
	out = append(out, header, byte(len(payload)))
	return append(out, payload...)
}
