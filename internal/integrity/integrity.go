// Package integrity provides tamper-evident hashing and Merkle tree construction
// for the function registry audit trail. All functions are pure and deterministic.
package integrity

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"strings"
	"time"
)

// Hash version prefix. Length-prefixed encoding; bump on any field or
// encoding change so stored hashes stay verifiable.
const hashV1Prefix = "v1:"

// ContentHash produces a versioned SHA-256 hex digest over the canonical
// fields of a registered function: name, source, creator, and the added
// timestamp. Each field is encoded with a 4-byte big-endian length prefix,
// so freeform source text cannot collide across field boundaries.
func ContentHash(name, source, creator string, added time.Time) string {
	h := sha256.New()
	writeField := func(s string) {
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(s)))
		h.Write(lenBuf[:])
		h.Write([]byte(s))
	}
	writeField(name)
	writeField(source)
	writeField(creator)
	writeField(added.UTC().Format(time.RFC3339Nano))
	return hashV1Prefix + hex.EncodeToString(h.Sum(nil))
}

// VerifyContentHash checks whether a stored hash matches the recomputed hash.
// Unknown version prefixes fail verification rather than falling through to
// a guessed encoding.
func VerifyContentHash(stored, name, source, creator string, added time.Time) bool {
	if !strings.HasPrefix(stored, hashV1Prefix) {
		return false
	}
	return stored == ContentHash(name, source, creator, added)
}

// hashPair produces SHA-256(0x01 || a || b) as a hex string.
// The 0x01 prefix is a domain separator for internal Merkle tree nodes (per
// RFC 6962), so internal node hashes can never collide with leaf hashes.
func hashPair(a, b string) string {
	h := sha256.New()
	h.Write([]byte{0x01})
	h.Write([]byte(a))
	h.Write([]byte(b))
	return hex.EncodeToString(h.Sum(nil))
}

// BuildMerkleRoot constructs a Merkle tree from leaf hashes and returns the
// root. Callers pass leaves in audit-trail order (insertion order), which
// fixes the tree shape. Empty input returns ""; a single leaf is its own
// root. Odd-length levels hash the last node with itself so the node stays
// bound to its tree position.
func BuildMerkleRoot(leaves []string) string {
	if len(leaves) == 0 {
		return ""
	}
	if len(leaves) == 1 {
		return leaves[0]
	}

	level := make([]string, len(leaves))
	copy(level, leaves)

	for len(level) > 1 {
		var next []string
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, hashPair(level[i], level[i+1]))
			} else {
				next = append(next, hashPair(level[i], level[i]))
			}
		}
		level = next
	}

	return level[0]
}
