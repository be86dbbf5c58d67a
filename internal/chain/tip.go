package chain

import (
	"sync"

	"github.com/holiman/uint256"

	"github.com/nervoscommunity/ckb-miner-opt/pkg/block"
	"github.com/nervoscommunity/ckb-miner-opt/pkg/types"
)

// TipHeader is the triple every reader shares: the current tip header,
// the cumulative difficulty up to it, and its output-root commitment.
type TipHeader struct {
	Header          *block.Header
	TotalDifficulty *uint256.Int
	OutputRoot      types.Hash
}

// Hash returns the tip block's hash.
func (t TipHeader) Hash() types.Hash {
	return t.Header.Hash()
}

// Number returns the tip block's number.
func (t TipHeader) Number() types.BlockNumber {
	return t.Header.Number
}

// TipState is the shared, lock-protected tip cursor. Writes come only
// from the block-processing pipeline after a successful commit; reads
// are concurrent and see a consistent triple.
type TipState struct {
	mu  sync.RWMutex
	tip TipHeader
}

// NewTipState creates a tip state holding the given tip.
func NewTipState(tip TipHeader) *TipState {
	return &TipState{tip: tip}
}

// Tip returns the whole triple atomically.
func (s *TipState) Tip() TipHeader {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tip
}

// SetTip replaces the triple atomically.
func (s *TipState) SetTip(tip TipHeader) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tip = tip
}

// TipHash returns the tip block hash alone.
func (s *TipState) TipHash() types.Hash {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tip.Header.Hash()
}

// TipNumber returns the tip block number alone.
func (s *TipState) TipNumber() types.BlockNumber {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tip.Header.Number
}
