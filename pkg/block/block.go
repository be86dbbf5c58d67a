// Package block defines block types and per-block derived metadata.
package block

import (
	"github.com/nervoscommunity/ckb-miner-opt/pkg/tx"
	"github.com/nervoscommunity/ckb-miner-opt/pkg/types"
)

// UncleBlock is a competing block referenced by a canonical block. Its
// proposals count toward the referencing block's proposal set.
type UncleBlock struct {
	Header    *Header              `json:"header"`
	Cellbase  *tx.Transaction      `json:"cellbase,omitempty"`
	Proposals []tx.ProposalShortID `json:"proposals"`
}

// Block represents a block in the chain. The first transaction is the
// cellbase.
type Block struct {
	Header       *Header              `json:"header"`
	Transactions []*tx.Transaction    `json:"transactions"`
	Proposals    []tx.ProposalShortID `json:"proposals"`
	Uncles       []UncleBlock         `json:"uncles"`
}

// NewBlock creates a block with the given header and transactions.
func NewBlock(header *Header, txs []*tx.Transaction) *Block {
	return &Block{
		Header:       header,
		Transactions: txs,
	}
}

// Hash returns the block's header hash.
func (b *Block) Hash() types.Hash {
	return b.Header.Hash()
}

// Cellbase returns the block's coinbase transaction, or nil if the
// block has none (genesis may carry bootstrap transactions only).
func (b *Block) Cellbase() *tx.Transaction {
	if len(b.Transactions) == 0 || !b.Transactions[0].IsCellbase() {
		return nil
	}
	return b.Transactions[0]
}
