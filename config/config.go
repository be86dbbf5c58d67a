// Package config holds the consensus parameters and their file loading.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/holiman/uint256"

	"github.com/nervoscommunity/ckb-miner-opt/pkg/block"
	"github.com/nervoscommunity/ckb-miner-opt/pkg/tx"
	"github.com/nervoscommunity/ckb-miner-opt/pkg/types"
)

// ProposalWindow bounds where a transaction's proposal must appear
// relative to the block that commits it: a transaction committed in
// block N must have been proposed in [N-Far, N-Close].
type ProposalWindow struct {
	Close uint64 `json:"close"`
	Far   uint64 `json:"far"`
}

// FinalizationDelay is the gap between a block and the block whose
// cellbase pays its reward.
func (w ProposalWindow) FinalizationDelay() uint64 {
	return w.Far + 1
}

// Consensus holds the protocol rules read by the chain provider.
// These are immutable after chain launch — changes require a hard fork.
type Consensus struct {
	ID string `json:"id"`

	GenesisTimestamp  uint64       `json:"genesis_timestamp"`
	InitialDifficulty *uint256.Int `json:"initial_difficulty"`

	InitialBlockReward types.Capacity `json:"initial_block_reward"`
	EpochLength        uint64         `json:"epoch_length"`
	EpochsPerHalving   uint64         `json:"epochs_per_halving"`

	DifficultyAdjustmentInterval uint64       `json:"difficulty_adjustment_interval"`
	OrphanRateTarget             types.Ratio  `json:"orphan_rate_target"`
	MinDifficulty                *uint256.Int `json:"min_difficulty"`

	ProposerRewardRatio types.Ratio    `json:"proposer_reward_ratio"`
	ProposalWindow      ProposalWindow `json:"proposal_window"`
	CellbaseMaturity    uint64         `json:"cellbase_maturity"`

	// BootstrapLock receives the base subsidy while the chain is younger
	// than the finalization delay and no target block exists yet.
	BootstrapLock types.Script `json:"bootstrap_lock"`

	genesis *block.Block
}

// Default returns the consensus parameters used by tests and dev chains.
func Default() *Consensus {
	return &Consensus{
		ID:                 "dev",
		GenesisTimestamp:   1700000000,
		InitialDifficulty:  uint256.NewInt(0x100),
		InitialBlockReward: 5_000_000_000,
		EpochLength:        1000,
		EpochsPerHalving:   4,
		DifficultyAdjustmentInterval: 720,
		OrphanRateTarget:             types.Ratio{Num: 1, Den: 5},
		MinDifficulty:                uint256.NewInt(0x100),
		ProposerRewardRatio:          types.Ratio{Num: 4, Den: 10},
		ProposalWindow:               ProposalWindow{Close: 2, Far: 10},
		CellbaseMaturity:             100,
	}
}

// Load reads consensus parameters from a JSON file.
func Load(path string) (*Consensus, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read consensus config: %w", err)
	}
	var c Consensus
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse consensus config %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid consensus config %s: %w", path, err)
	}
	return &c, nil
}

// Validate checks parameter ranges that the rest of the system relies on.
func (c *Consensus) Validate() error {
	if c.DifficultyAdjustmentInterval == 0 {
		return fmt.Errorf("difficulty_adjustment_interval must be > 0")
	}
	if c.OrphanRateTarget.Den == 0 || c.OrphanRateTarget.Num == 0 || c.OrphanRateTarget.Num >= c.OrphanRateTarget.Den {
		return fmt.Errorf("orphan_rate_target must be in (0, 1)")
	}
	if c.ProposerRewardRatio.Den == 0 || c.ProposerRewardRatio.Num > c.ProposerRewardRatio.Den {
		return fmt.Errorf("proposer_reward_ratio must be in [0, 1]")
	}
	if c.ProposalWindow.Close == 0 || c.ProposalWindow.Far < c.ProposalWindow.Close {
		return fmt.Errorf("proposal_window must satisfy 0 < close <= far")
	}
	if c.MinDifficulty == nil || c.MinDifficulty.IsZero() {
		return fmt.Errorf("min_difficulty must be > 0")
	}
	if c.InitialDifficulty == nil || c.InitialDifficulty.IsZero() {
		return fmt.Errorf("initial_difficulty must be > 0")
	}
	return nil
}

// GenesisBlock builds the deterministic genesis block for these
// parameters. The result is cached; callers share one instance.
func (c *Consensus) GenesisBlock() (*block.Block, error) {
	if c.genesis != nil {
		return c.genesis, nil
	}

	cellbase, err := tx.NewCellbase(0, c.BootstrapLock, c.BootstrapLock, c.InitialBlockReward)
	if err != nil {
		return nil, fmt.Errorf("build genesis cellbase: %w", err)
	}

	txs := []*tx.Transaction{cellbase}
	header := &block.Header{
		Version:    0,
		Number:     0,
		Timestamp:  c.GenesisTimestamp,
		Difficulty: c.InitialDifficulty,
		TxsRoot:    block.ComputeMerkleRoot([]types.Hash{cellbase.Hash()}),
	}
	c.genesis = block.NewBlock(header, txs)
	return c.genesis, nil
}

// BlockReward returns the base subsidy for the block at the given
// number. The subsidy halves every EpochsPerHalving epochs; a zero
// EpochLength or EpochsPerHalving disables halving.
func (c *Consensus) BlockReward(number types.BlockNumber) types.Capacity {
	if c.EpochLength == 0 || c.EpochsPerHalving == 0 {
		return c.InitialBlockReward
	}
	halvings := (number / c.EpochLength) / c.EpochsPerHalving
	if halvings >= 64 {
		return 0
	}
	return c.InitialBlockReward >> halvings
}

// EpochNumber returns the subsidy epoch containing the given block.
func (c *Consensus) EpochNumber(number types.BlockNumber) uint64 {
	if c.EpochLength == 0 {
		return 0
	}
	return number / c.EpochLength
}

// EpochExtAt builds the epoch record for the epoch containing number.
func (c *Consensus) EpochExtAt(number types.BlockNumber) block.EpochExt {
	epoch := c.EpochNumber(number)
	return block.EpochExt{
		Number:      epoch,
		StartNumber: epoch * c.EpochLength,
		Length:      c.EpochLength,
		BaseReward:  c.BlockReward(epoch * c.EpochLength),
	}
}
