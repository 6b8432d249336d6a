package types

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// AddressSize is the length of an address in bytes: a 160-bit public key
// hash, the same truncation for secp256k1 wallet keys and Ed25519 mesh keys.
const AddressSize = 20

// Bech32 human-readable parts for the two networks.
const (
	MainnetHRP = "lrc"
	TestnetHRP = "tlrc"
)

// activeHRP is the HRP used when rendering addresses. Selected once at
// startup from the configured network; mainnet until then.
var activeHRP = MainnetHRP

// SetAddressHRP selects the rendering HRP (call once at startup).
func SetAddressHRP(hrp string) {
	activeHRP = hrp
}

// GetAddressHRP returns the HRP addresses currently render with.
func GetAddressHRP() string {
	return activeHRP
}

// Address is a 160-bit public key hash.
type Address [AddressSize]byte

// IsZero returns true if the address is all zeros.
func (a Address) IsZero() bool {
	return a == Address{}
}

// String renders the address as bech32 (e.g. "lrc1...").
func (a Address) String() string {
	s, err := Bech32Encode(activeHRP, a[:])
	if err != nil {
		// Unreachable with a fixed-size payload; keep the address legible
		// anyway.
		return activeHRP + ":" + hex.EncodeToString(a[:])
	}
	return s
}

// Hex returns the raw hex form without any network tag.
func (a Address) Hex() string {
	return hex.EncodeToString(a[:])
}

// Bytes returns a copy of the address as a byte slice.
func (a Address) Bytes() []byte {
	b := make([]byte, AddressSize)
	copy(b, a[:])
	return b
}

// MarshalJSON encodes the address as its bech32 string.
func (a Address) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON accepts anything ParseAddress does; an empty string decodes
// to the zero address.
func (a *Address) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*a = Address{}
		return nil
	}
	parsed, err := ParseAddress(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// ParseAddress parses an address in either supported form:
// bech32 ("lrc1...", "tlrc1...") for anything user-facing, or raw 40-char
// hex for genesis files and internal tooling. The bech32 HRP is not checked
// against the active network — the checksum already binds it, and genesis
// validation runs before the network HRP is selected.
func ParseAddress(s string) (Address, error) {
	if s == "" {
		return Address{}, fmt.Errorf("empty address")
	}

	if isHexAddress(s) {
		return HexToAddress(s)
	}

	if !strings.Contains(s, "1") {
		return Address{}, fmt.Errorf("address %q is neither bech32 nor 40-char hex", s)
	}

	_, payload, err := Bech32Decode(s)
	if err != nil {
		return Address{}, fmt.Errorf("invalid bech32 address: %w", err)
	}
	return addressFromBytes(payload)
}

// HexToAddress converts a raw hex string to an Address.
// For user-facing input, use ParseAddress instead.
func HexToAddress(s string) (Address, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Address{}, fmt.Errorf("invalid hex: %w", err)
	}
	return addressFromBytes(b)
}

func addressFromBytes(b []byte) (Address, error) {
	if len(b) != AddressSize {
		return Address{}, fmt.Errorf("address must be %d bytes, got %d", AddressSize, len(b))
	}
	var a Address
	copy(a[:], b)
	return a, nil
}

// isHexAddress reports whether s is exactly 40 hex characters.
func isHexAddress(s string) bool {
	if len(s) != 2*AddressSize {
		return false
	}
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}
