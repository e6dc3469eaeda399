// Package address canonicalizes chain addresses used as agent identities.
//
// Addresses are compared case-insensitively and stored lowercase. Mixed-case
// input is treated as EIP-55 checksummed and rejected when the checksum does
// not match, which catches typos before they become registry records.
package address

import (
	"encoding/hex"
	"errors"
	"strings"

	"golang.org/x/crypto/sha3"
)

var (
	ErrEmpty       = errors.New("address is empty")
	ErrFormat      = errors.New("address must be 0x followed by 40 hex characters")
	ErrBadChecksum = errors.New("address checksum mismatch")
)

// Canonicalize validates s and returns its lowercase 0x-prefixed form.
func Canonicalize(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", ErrEmpty
	}
	if len(s) != 42 || (s[:2] != "0x" && s[:2] != "0X") {
		return "", ErrFormat
	}
	body := s[2:]
	if _, err := hex.DecodeString(body); err != nil {
		return "", ErrFormat
	}
	lower := strings.ToLower(body)
	if body != lower && body != strings.ToUpper(body) {
		if Checksum("0x"+lower) != "0x"+body {
			return "", ErrBadChecksum
		}
	}
	return "0x" + lower, nil
}

// Checksum returns the EIP-55 mixed-case encoding of a valid address.
func Checksum(addr string) string {
	lower := strings.ToLower(strings.TrimPrefix(strings.TrimPrefix(addr, "0x"), "0X"))
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(lower))
	digest := h.Sum(nil)

	out := []byte(lower)
	for i, c := range out {
		if c < 'a' || c > 'f' {
			continue
		}
		nibble := digest[i/2]
		if i%2 == 0 {
			nibble >>= 4
		} else {
			nibble &= 0x0f
		}
		if nibble >= 8 {
			out[i] = c - 'a' + 'A'
		}
	}
	return "0x" + string(out)
}

// Short renders an address as 0x1234…abcd for human-readable messages.
func Short(addr string) string {
	if len(addr) < 10 {
		return addr
	}
	return addr[:6] + "…" + addr[len(addr)-4:]
}
