package advert

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const (
	// KeyLength is the size of a P-224 public key in its compact 28-byte form.
	KeyLength = 28
	// AddressLength is the size of a BLE link layer address.
	AddressLength = 6
	// BodyLength is the size of a legacy advertisement payload.
	BodyLength = 31
	// PayloadLength is the size of a captured advertisement: AdvA followed by the body.
	PayloadLength = AddressLength + BodyLength
	// HeaderLength is the size of the PDU header some capture devices keep in front of the payload.
	HeaderLength = 2
	// PayloadWithHeaderLength is the size of a captured advertisement that still carries its PDU header.
	PayloadWithHeaderLength = HeaderLength + PayloadLength

	// DefaultStatus is the status byte emitted in synthesized bodies.
	DefaultStatus byte = 0x10
	// DefaultScanResponseName is the local name advertised in scan responses.
	DefaultScanResponseName = "RelayTag"

	randomAddressMask byte = 0b11000000
	lowBitsMask       byte = 0b00111111

	bodyKeyOffset    = 7
	bodyKeyBitsIndex = 29
	bodyHintIndex    = 30

	payloadSignatureOffset = AddressLength
	payloadKeyOffset       = AddressLength + bodyKeyOffset
	payloadKeyBitsIndex    = AddressLength + bodyKeyBitsIndex
)

// Signature is the fixed AD prefix of an offline-finding advertisement:
// length 30, manufacturer data, Apple company id, offline-finding type and length.
var Signature = [6]byte{0x1E, 0xFF, 0x4C, 0x00, 0x12, 0x19}

// ErrMalformedAdvertisement indicates that a payload is not a tracker advertisement.
var ErrMalformedAdvertisement = errors.New("advert: malformed advertisement")

// Key is a compact public key carried by a tracker advertisement.
type Key [KeyLength]byte

// Address is a BLE address in controller order, most significant byte first.
type Address [AddressLength]byte

// Body is a legacy advertisement payload ready to be handed to a radio.
type Body [BodyLength]byte

// StripHeader removes the PDU header when the payload still carries one.
// Payloads of any other length are returned as is.
func StripHeader(adv []byte) []byte {
	if len(adv) == PayloadWithHeaderLength {
		return adv[HeaderLength:]
	}
	return adv
}

// IsTrackerSignature reports whether the advertisement carries the offline-finding signature.
func IsTrackerSignature(adv []byte) bool {
	adv = StripHeader(adv)
	if len(adv) < payloadSignatureOffset+len(Signature) {
		return false
	}
	for i, b := range Signature {
		if adv[payloadSignatureOffset+i] != b {
			return false
		}
	}
	return true
}

// Normalize strips the PDU header and validates length and signature.
// The returned slice is a copy that callers may retain.
func Normalize(adv []byte) ([]byte, error) {
	stripped := StripHeader(adv)
	if len(stripped) != PayloadLength {
		return nil, fmt.Errorf("%w: length %d", ErrMalformedAdvertisement, len(adv))
	}
	if !IsTrackerSignature(stripped) {
		return nil, fmt.Errorf("%w: signature mismatch", ErrMalformedAdvertisement)
	}
	out := make([]byte, PayloadLength)
	copy(out, stripped)
	return out, nil
}

// ExtractKey recovers the public key from a captured advertisement.
func ExtractKey(adv []byte) (Key, error) {
	var key Key
	adv = StripHeader(adv)
	if len(adv) != PayloadLength {
		return key, fmt.Errorf("%w: length %d", ErrMalformedAdvertisement, len(adv))
	}

	// AdvA is transmitted least significant byte first.
	var addr Address
	for i := 0; i < AddressLength; i++ {
		addr[i] = adv[AddressLength-1-i]
	}

	key[0] = ((adv[payloadKeyBitsIndex] << 6) & randomAddressMask) | (addr[0] & lowBitsMask)
	copy(key[1:AddressLength], addr[1:])
	copy(key[AddressLength:], adv[payloadKeyOffset:payloadKeyBitsIndex])
	return key, nil
}

// DeriveAddress returns the random static address a tag uses for the key.
func DeriveAddress(key Key) Address {
	var addr Address
	copy(addr[:], key[:AddressLength])
	addr[0] |= randomAddressMask
	return addr
}

// DeriveBody returns the advertisement payload a tag broadcasts for the key.
func DeriveBody(key Key) Body {
	body := template()
	copy(body[bodyKeyOffset:bodyKeyBitsIndex], key[AddressLength:])
	body[bodyKeyBitsIndex] = (key[0] >> 6) & 0b11
	return body
}

// Compose assembles the captured form of an advertisement from a body and an address.
func Compose(body Body, addr Address) []byte {
	out := make([]byte, 0, PayloadLength)
	air := addr.AirOrder()
	out = append(out, air[:]...)
	out = append(out, body[:]...)
	return out
}

// ScanResponse builds a complete-local-name AD structure for scan responses.
func ScanResponse(name string) []byte {
	if name == "" {
		name = DefaultScanResponseName
	}
	out := make([]byte, 0, len(name)+2)
	out = append(out, byte(len(name)+1), 0x09)
	return append(out, name...)
}

func template() Body {
	var body Body
	copy(body[:], Signature[:])
	body[len(Signature)] = DefaultStatus
	body[bodyHintIndex] = 0x00
	return body
}

// Address returns the broadcast address derived from the key.
func (k Key) Address() Address {
	return DeriveAddress(k)
}

// Body returns the broadcast payload derived from the key.
func (k Key) Body() Body {
	return DeriveBody(k)
}

// String returns the key as lowercase hex.
func (k Key) String() string {
	return hex.EncodeToString(k[:])
}

// AirOrder returns the address as transmitted, least significant byte first.
func (a Address) AirOrder() Address {
	var out Address
	for i := range a {
		out[i] = a[AddressLength-1-i]
	}
	return out
}

// String formats the address as colon separated hex octets.
func (a Address) String() string {
	parts := make([]string, len(a))
	for i, b := range a {
		parts[i] = fmt.Sprintf("%02x", b)
	}
	return strings.Join(parts, ":")
}

// String returns the body as space separated hex octets.
func (b Body) String() string {
	parts := make([]string, len(b))
	for i, v := range b {
		parts[i] = fmt.Sprintf("%02x", v)
	}
	return strings.Join(parts, " ")
}
