package block

import (
	"encoding/binary"

	"github.com/holiman/uint256"

	"github.com/nervoscommunity/ckb-miner-opt/pkg/crypto"
	"github.com/nervoscommunity/ckb-miner-opt/pkg/types"
)

// Header contains block metadata. The block hash is derived from the
// serialized header bytes.
type Header struct {
	Version       uint32            `json:"version"`
	ParentHash    types.Hash        `json:"parent_hash"`
	Number        types.BlockNumber `json:"number"`
	Timestamp     uint64            `json:"timestamp"`
	Difficulty    *uint256.Int      `json:"difficulty"`
	Nonce         uint64            `json:"nonce"`
	TxsRoot       types.Hash        `json:"txs_root"`
	ProposalsRoot types.Hash        `json:"proposals_root"`
	UnclesRoot    types.Hash        `json:"uncles_root"`
	UnclesCount   uint32            `json:"uncles_count"`
}

// DifficultyOrZero returns the header difficulty, treating nil as zero.
func (h *Header) DifficultyOrZero() *uint256.Int {
	if h.Difficulty == nil {
		return uint256.NewInt(0)
	}
	return h.Difficulty
}

// Hash computes the block hash (BLAKE3 of the serialized header).
func (h *Header) Hash() types.Hash {
	return crypto.Hash(h.SerializeBytes())
}

// SerializeBytes returns the canonical byte representation used for
// hashing. Format: version(4) | parent(32) | number(8) | timestamp(8) |
// difficulty(32) | nonce(8) | txs_root(32) | proposals_root(32) |
// uncles_root(32) | uncles_count(4)
func (h *Header) SerializeBytes() []byte {
	buf := make([]byte, 0, 192)
	buf = binary.LittleEndian.AppendUint32(buf, h.Version)
	buf = append(buf, h.ParentHash[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, h.Number)
	buf = binary.LittleEndian.AppendUint64(buf, h.Timestamp)
	diff := h.DifficultyOrZero().Bytes32()
	buf = append(buf, diff[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, h.Nonce)
	buf = append(buf, h.TxsRoot[:]...)
	buf = append(buf, h.ProposalsRoot[:]...)
	buf = append(buf, h.UnclesRoot[:]...)
	buf = binary.LittleEndian.AppendUint32(buf, h.UnclesCount)
	return buf
}
