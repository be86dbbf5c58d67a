package chain

import (
	"sort"

	"github.com/nervoscommunity/ckb-miner-opt/internal/storage"
	"github.com/nervoscommunity/ckb-miner-opt/pkg/block"
	"github.com/nervoscommunity/ckb-miner-opt/pkg/crypto"
	"github.com/nervoscommunity/ckb-miner-opt/pkg/tx"
	"github.com/nervoscommunity/ckb-miner-opt/pkg/types"
)

// CellSet is the in-memory UTXO-meta tree the block-processing pipeline
// folds blocks into. Its root is the output-root commitment persisted
// per block; the metas are persisted under that root so "as of block B"
// queries stay answerable after the tip moves on.
type CellSet struct {
	metas map[types.Hash]*tx.TransactionMeta
}

// NewCellSet creates an empty cell set.
func NewCellSet() *CellSet {
	return &CellSet{metas: make(map[types.Hash]*tx.TransactionMeta)}
}

// Meta returns the meta for a transaction, or nil if unknown.
func (s *CellSet) Meta(txHash types.Hash) *tx.TransactionMeta {
	return s.metas[txHash]
}

// ApplyBlock folds a block into the set: every transaction gains a
// fresh all-unspent meta, and every non-cellbase input marks its
// previous output spent. Fully spent transactions stay in the set so
// lookups can still distinguish "spent" from "never existed".
func (s *CellSet) ApplyBlock(blk *block.Block) error {
	for _, t := range blk.Transactions {
		s.metas[t.Hash()] = tx.NewTransactionMeta(uint32(len(t.Outputs)))
		if t.IsCellbase() {
			continue
		}
		for _, in := range t.Inputs {
			prev := in.PreviousOutput
			meta, ok := s.metas[prev.TxHash]
			if !ok {
				continue
			}
			if err := meta.SetSpent(prev.Index); err != nil {
				return err
			}
		}
	}
	return nil
}

// Root computes the output-root commitment: a merkle root over the
// sorted per-transaction meta hashes.
func (s *CellSet) Root() (types.Hash, error) {
	hashes := make([]types.Hash, 0, len(s.metas))
	for txHash, meta := range s.metas {
		data, err := meta.MarshalJSON()
		if err != nil {
			return types.Hash{}, err
		}
		buf := make([]byte, 0, types.HashSize+len(data))
		buf = append(buf, txHash[:]...)
		buf = append(buf, data...)
		hashes = append(hashes, crypto.Hash(buf))
	}
	sort.Slice(hashes, func(i, j int) bool {
		return hashes[i].Less(hashes[j])
	})
	return block.ComputeMerkleRoot(hashes), nil
}

// CommitTo writes the whole set under the given root, so historical
// queries keyed by this root resolve deterministically.
func (s *CellSet) CommitTo(b storage.Batch, cs *ChainStore, root types.Hash) error {
	for txHash, meta := range s.metas {
		if err := cs.InsertTransactionMeta(b, root, txHash, meta); err != nil {
			return err
		}
	}
	return nil
}

// Metas returns the underlying meta map. Init uses it to seed the
// genesis cell set.
func (s *CellSet) Metas() map[types.Hash]*tx.TransactionMeta {
	return s.metas
}
