// Package capability implements the CHK-style immutable-file capability
// (the "URI") and the URI-extension block it points to. Both are encoded
// canonically via the rlp package: a struct's exported fields encode in a
// fixed order with no ambiguity, so the same logical value always produces
// the same bytes and therefore the same tagged hash.
package capability

import (
	"encoding/base32"
	"fmt"

	"github.com/gridstore/gridstore/rlp"
	"github.com/gridstore/gridstore/thash"
)

// version is the capability wire-format version tag.
const version = 1

// Capability identifies and authorizes read access to one immutable file.
// Given access to any K of N shares, the plaintext is reconstructible;
// without Key, no peer can read plaintext.
type Capability struct {
	Key              []byte
	URIExtensionHash [32]byte
	NeededShares     uint32
	TotalShares      uint32
	Size             uint64
}

// capabilityWire is the canonical on-the-wire field order for a Capability.
type capabilityWire struct {
	Key              []byte
	URIExtensionHash [32]byte
	NeededShares     uint64
	TotalShares      uint64
	Size             uint64
}

// String renders the capability as a compact, self-delimiting base32 token.
func (c Capability) String() string {
	wire := capabilityWire{
		Key:              c.Key,
		URIExtensionHash: c.URIExtensionHash,
		NeededShares:     uint64(c.NeededShares),
		TotalShares:      uint64(c.TotalShares),
		Size:             c.Size,
	}
	body, err := rlp.EncodeToBytes(wire)
	if err != nil {
		// capabilityWire contains only encodable field kinds; this cannot fail.
		panic(fmt.Sprintf("capability: encode: %v", err))
	}
	buf := make([]byte, 1+len(body))
	buf[0] = version
	copy(buf[1:], body)
	return base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(buf)
}

// Parse decodes a capability token produced by String.
func Parse(s string) (Capability, error) {
	raw, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(s)
	if err != nil {
		return Capability{}, fmt.Errorf("capability: base32 decode: %w", err)
	}
	if len(raw) < 1 {
		return Capability{}, fmt.Errorf("capability: empty token")
	}
	if raw[0] != version {
		return Capability{}, fmt.Errorf("capability: unsupported version %d", raw[0])
	}

	var wire capabilityWire
	if err := rlp.DecodeBytes(raw[1:], &wire); err != nil {
		return Capability{}, fmt.Errorf("capability: decode: %w", err)
	}
	return Capability{
		Key:              wire.Key,
		URIExtensionHash: wire.URIExtensionHash,
		NeededShares:     uint32(wire.NeededShares),
		TotalShares:      uint32(wire.TotalShares),
		Size:             wire.Size,
	}, nil
}

// URIExtension is the self-describing summary block from which all
// integrity of a file transitively derives. Field order here IS the wire
// format: adding, removing, or reordering fields changes the canonical
// encoding and therefore every hash derived from it.
type URIExtension struct {
	Size              uint64
	SegmentSize       uint64
	NumSegments       uint64
	NeededShares      uint64
	TotalShares       uint64
	ShareRootHash     [32]byte
	PlaintextRootHash [32]byte
	CrypttextRootHash [32]byte
}

// Encode returns the canonical byte encoding of the URI-extension block.
func (u URIExtension) Encode() ([]byte, error) {
	return rlp.EncodeToBytes(u)
}

// Hash returns the tagged hash of the canonical encoding, i.e. the value
// embedded in a Capability's URIExtensionHash.
func (u URIExtension) Hash() ([32]byte, error) {
	b, err := u.Encode()
	if err != nil {
		return [32]byte{}, err
	}
	return thash.Sum(thash.TagURIExtension, b), nil
}

// DecodeURIExtension parses a canonical URI-extension block.
func DecodeURIExtension(b []byte) (URIExtension, error) {
	var u URIExtension
	if err := rlp.DecodeBytes(b, &u); err != nil {
		return URIExtension{}, fmt.Errorf("capability: decode uri-extension: %w", err)
	}
	return u, nil
}
