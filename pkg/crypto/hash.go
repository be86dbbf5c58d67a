// Package crypto provides content hashing for the chain.
package crypto

import (
	"github.com/zeebo/blake3"

	"github.com/nervoscommunity/ckb-miner-opt/pkg/types"
)

// Hash computes a BLAKE3-256 hash of the input data.
func Hash(data []byte) types.Hash {
	return blake3.Sum256(data)
}

// ScriptHash computes a script's lock fingerprint.
func ScriptHash(s types.Script) types.Hash {
	return Hash(s.SerializeBytes())
}

// HashConcat hashes the concatenation of two hashes.
// Used for building merkle trees.
func HashConcat(a, b types.Hash) types.Hash {
	var buf [64]byte
	copy(buf[:32], a[:])
	copy(buf[32:], b[:])
	return Hash(buf[:])
}
