// Package radio holds small helpers for working with Meshtastic channel
// keys. Channel payload decryption is explicitly out of scope for this
// bridge — inbound MeshPackets arrive already decoded
// or are recorded as encrypted and skipped; this package only deals with
// the PSK representation used when persisting a channel.
package radio

import (
	"encoding/base64"
)

// DefaultKey is the Meshtastic "AQ==" default channel key, commonly seen on
// the LongFast/LongSlow/VLongSlow presets.
// as base64: 1PG7OiApB1nwvP+rz05pAQ==
var DefaultKey = []byte{0xd4, 0xf1, 0xbb, 0x3a, 0x20, 0x29, 0x07, 0x59, 0xf0, 0xbc, 0xff, 0xab, 0xcf, 0x4e, 0x69, 0x01}

// ParseKey converts the most common representation of a channel key (URL
// encoded base64, as used in Meshtastic channel QR/URL exports) to bytes.
func ParseKey(key string) ([]byte, error) {
	return base64.URLEncoding.DecodeString(key)
}

// EncodePSK renders a channel PSK the way it is persisted to the store
// (standard base64, not the URL-safe variant used for QR export).
func EncodePSK(psk []byte) string {
	if len(psk) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(psk)
}

// LowEntropyPublicKeys is the static set spec.md §3/§4.3.1 calls for:
// node public keys known to come from a broken or pre-keygen default
// path rather than a genuinely random identity. The bridge only flags a
// match (spec.md's Non-goals explicitly exclude validating mesh
// cryptographic identities beyond this); it never rejects or alters
// traffic based on it.
var LowEntropyPublicKeys = map[string]struct{}{
	// all-zero key: several early firmware builds shipped this as the
	// public key value before the node's first real keygen ran.
	base64.StdEncoding.EncodeToString(make([]byte, 32)): {},
}

// IsLowEntropyKey reports whether a base64-encoded public key, as stored on
// a node row, matches a known low-entropy key.
func IsLowEntropyKey(publicKeyB64 string) bool {
	if publicKeyB64 == "" {
		return false
	}
	_, known := LowEntropyPublicKeys[publicKeyB64]
	return known
}

// EncodePublicKey renders a node's public key bytes the way they are
// persisted to the store (standard base64).
func EncodePublicKey(key []byte) string {
	if len(key) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(key)
}
