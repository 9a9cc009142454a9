package evm

import (
	"bytes"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mr-tron/base58"
	"golang.org/x/crypto/blake2b"
)

// SubstrateNetworkPrefix is the generic ss58 prefix used by Bittensor.
const SubstrateNetworkPrefix = 42

var ss58Context = []byte("SS58PRE")

// DecodeSS58 returns the 32-byte public key encoded in a substrate address.
func DecodeSS58(address string) ([32]byte, error) {
	var key [32]byte
	raw, err := base58.Decode(address)
	if err != nil {
		return key, fmt.Errorf("decode ss58 %q: %w", address, err)
	}
	if len(raw) == 0 {
		return key, fmt.Errorf("decode ss58 %q: empty", address)
	}
	prefixLen := 1
	if raw[0]&0b0100_0000 != 0 {
		prefixLen = 2
	}
	if len(raw) != prefixLen+32+2 {
		return key, fmt.Errorf("decode ss58 %q: unexpected length %d", address, len(raw))
	}
	body := raw[:prefixLen+32]
	sum := ss58Checksum(body)
	if !bytes.Equal(sum[:2], raw[prefixLen+32:]) {
		return key, fmt.Errorf("decode ss58 %q: checksum mismatch", address)
	}
	copy(key[:], raw[prefixLen:prefixLen+32])
	return key, nil
}

// EncodeSS58 renders a public key with a single-byte network prefix.
func EncodeSS58(key [32]byte, prefix byte) string {
	body := append([]byte{prefix}, key[:]...)
	sum := ss58Checksum(body)
	return base58.Encode(append(body, sum[:2]...))
}

// IsSS58 reports whether address decodes with a valid checksum.
func IsSS58(address string) bool {
	_, err := DecodeSS58(address)
	return err == nil
}

// MirrorColdkey is the substrate account that owns stake made from an EVM
// address.
func MirrorColdkey(addr common.Address) [32]byte {
	return blake2b.Sum256(append([]byte("evm:"), addr.Bytes()...))
}

func ss58Checksum(body []byte) [64]byte {
	return blake2b.Sum512(append(append([]byte{}, ss58Context...), body...))
}
