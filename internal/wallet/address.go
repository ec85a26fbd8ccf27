// Package wallet validates the receiving addresses campaign owners attach to
// their campaigns.
package wallet

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/nspcc-dev/neo-go/pkg/encoding/address"
)

// Network identifies the address family of a wallet.
type Network string

const (
	NetworkEVM Network = "evm"
	NetworkNeo Network = "neo"
)

var evmAddress = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// Detect returns the network an address belongs to.
func Detect(addr string) (Network, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "", fmt.Errorf("wallet address is required")
	}
	if evmAddress.MatchString(addr) {
		return NetworkEVM, nil
	}
	if _, err := address.StringToUint160(addr); err == nil {
		return NetworkNeo, nil
	}
	return "", fmt.Errorf("unsupported wallet address %q", addr)
}

// Validate reports whether addr is a supported wallet address.
func Validate(addr string) error {
	_, err := Detect(addr)
	return err
}

// Normalize returns the canonical comparison form of addr. EVM addresses are
// case-insensitive; Neo addresses are base58 and therefore kept verbatim.
func Normalize(addr string) string {
	addr = strings.TrimSpace(addr)
	if evmAddress.MatchString(addr) {
		return strings.ToLower(addr)
	}
	return addr
}

// Equal compares two addresses in canonical form.
func Equal(a, b string) bool {
	return Normalize(a) == Normalize(b)
}
