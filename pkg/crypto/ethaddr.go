package crypto

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"
)

var ErrBadChecksum = errors.New("address checksum mismatch")

// EIP55 renders a 20-byte address with its mixed-case checksum.
func EIP55(addr common.Address) string {
	lower := hex.EncodeToString(addr[:])
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(lower))
	sum := h.Sum(nil)

	out := []byte("0x" + lower)
	for i := range lower {
		c := lower[i]
		if c < 'a' {
			continue
		}
		// high nibble for even positions, low nibble for odd
		nibble := sum[i/2] >> 4
		if i%2 == 1 {
			nibble = sum[i/2] & 0x0f
		}
		if nibble >= 8 {
			out[2+i] = c - 'a' + 'A'
		}
	}
	return string(out)
}

// ParseAddress parses a hex identity. All-lowercase and all-uppercase input
// is accepted as is; mixed case must carry a valid EIP-55 checksum.
func ParseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid address %q", s)
	}
	addr := common.HexToAddress(s)
	body := strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if body == strings.ToLower(body) || body == strings.ToUpper(body) {
		return addr, nil
	}
	if EIP55(addr)[2:] != body {
		return common.Address{}, fmt.Errorf("%w: %s", ErrBadChecksum, s)
	}
	return addr, nil
}
