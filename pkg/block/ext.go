package block

import (
	"github.com/holiman/uint256"

	"github.com/nervoscommunity/ckb-miner-opt/pkg/types"
)

// BlockExt is per-block derived metadata, persisted alongside each
// stored block. Exactly one BlockExt exists for every stored block.
type BlockExt struct {
	TotalDifficulty  *uint256.Int `json:"total_difficulty"`
	TotalUnclesCount uint64       `json:"total_uncles_count"`
	ReceivedAt       uint64       `json:"received_at"`
}

// EpochExt records one subsidy epoch: its position on the chain and the
// base reward paid per block inside it.
type EpochExt struct {
	Number      uint64            `json:"number"`
	StartNumber types.BlockNumber `json:"start_number"`
	Length      uint64            `json:"length"`
	BaseReward  types.Capacity    `json:"base_reward"`
}
