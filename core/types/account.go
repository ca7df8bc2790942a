package types

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// Address identifies a participant account. The market does not custody keys;
// addresses are opaque 20-byte identifiers supplied by the caller.
type Address [20]byte

// Hex renders the address as a 0x-prefixed hex string.
func (a Address) Hex() string {
	return "0x" + hex.EncodeToString(a[:])
}

// IsZero reports whether every byte of the address is zero.
func (a Address) IsZero() bool {
	for _, b := range a {
		if b != 0 {
			return false
		}
	}
	return true
}

// ParseAddress decodes a 0x-prefixed or bare hex string into an Address.
func ParseAddress(s string) (Address, error) {
	var addr Address
	trimmed := strings.TrimPrefix(strings.TrimSpace(s), "0x")
	raw, err := hex.DecodeString(trimmed)
	if err != nil {
		return addr, fmt.Errorf("types: invalid address %q: %w", s, err)
	}
	if len(raw) != len(addr) {
		return addr, fmt.Errorf("types: invalid address length %d", len(raw))
	}
	copy(addr[:], raw)
	return addr, nil
}

// Currency is the symbol of a collateral currency, e.g. "USDC". The system's
// base currency is configured; free-collateral figures are reported in it.
type Currency string
