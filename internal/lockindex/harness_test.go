package lockindex

import (
	"testing"

	"github.com/holiman/uint256"

	"github.com/nervoscommunity/ckb-miner-opt/config"
	"github.com/nervoscommunity/ckb-miner-opt/internal/chain"
	"github.com/nervoscommunity/ckb-miner-opt/internal/storage"
	"github.com/nervoscommunity/ckb-miner-opt/pkg/block"
	"github.com/nervoscommunity/ckb-miner-opt/pkg/crypto"
	"github.com/nervoscommunity/ckb-miner-opt/pkg/tx"
	"github.com/nervoscommunity/ckb-miner-opt/pkg/types"
)

// testSetup bundles a chain provider, its writer-side state, and the
// lock index under test.
type testSetup struct {
	t         *testing.T
	chainDB   *storage.MemoryDB
	indexDB   *storage.MemoryDB
	store     *chain.ChainStore
	provider  *chain.Provider
	consensus *config.Consensus
	set       *chain.CellSet
	index     *Index
}

func newTestSetup(t *testing.T) *testSetup {
	t.Helper()

	consensus := &config.Consensus{
		ID:                           "test",
		GenesisTimestamp:             1700000000,
		InitialDifficulty:            uint256.NewInt(0x20),
		InitialBlockReward:           5000,
		DifficultyAdjustmentInterval: 1000,
		OrphanRateTarget:             types.Ratio{Num: 1, Den: 5},
		MinDifficulty:                uint256.NewInt(1),
		ProposerRewardRatio:          types.Ratio{Num: 4, Den: 10},
		ProposalWindow:               config.ProposalWindow{Close: 2, Far: 10},
		CellbaseMaturity:             10,
	}

	chainDB := storage.NewMemory(storage.ChainColumns)
	store := chain.NewChainStore(chainDB)
	provider, err := chain.NewProvider(store, consensus)
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}

	genesis, err := consensus.GenesisBlock()
	if err != nil {
		t.Fatalf("GenesisBlock: %v", err)
	}
	set := chain.NewCellSet()
	if err := set.ApplyBlock(genesis); err != nil {
		t.Fatalf("seed cell set: %v", err)
	}

	indexDB := storage.NewMemory(storage.LockIndexColumns)
	index, err := NewIndex(indexDB, provider)
	if err != nil {
		t.Fatalf("NewIndex: %v", err)
	}

	return &testSetup{
		t:         t,
		chainDB:   chainDB,
		indexDB:   indexDB,
		store:     store,
		provider:  provider,
		consensus: consensus,
		set:       set,
		index:     index,
	}
}

// commit plays the external pipeline for one block extending the tip.
func (ts *testSetup) commit(blk *block.Block) {
	ts.t.Helper()

	hash := blk.Hash()
	parentExt, err := ts.store.GetBlockExt(blk.Header.ParentHash)
	if err != nil || parentExt == nil {
		ts.t.Fatalf("parent ext: %v", err)
	}
	ext := &block.BlockExt{
		TotalDifficulty:  new(uint256.Int).Add(parentExt.TotalDifficulty, blk.Header.DifficultyOrZero()),
		TotalUnclesCount: parentExt.TotalUnclesCount + uint64(len(blk.Uncles)),
		ReceivedAt:       blk.Header.Timestamp,
	}
	if err := ts.set.ApplyBlock(blk); err != nil {
		ts.t.Fatalf("apply block: %v", err)
	}
	root, err := ts.set.Root()
	if err != nil {
		ts.t.Fatalf("cell set root: %v", err)
	}

	batch := ts.chainDB.NewBatch()
	if err := ts.store.InsertBlock(batch, blk); err != nil {
		ts.t.Fatalf("insert block: %v", err)
	}
	if err := ts.store.InsertBlockExt(batch, hash, ext); err != nil {
		ts.t.Fatalf("insert ext: %v", err)
	}
	if err := ts.store.AttachBlock(batch, blk); err != nil {
		ts.t.Fatalf("attach block: %v", err)
	}
	if err := ts.store.InsertOutputRoot(batch, hash, root); err != nil {
		ts.t.Fatalf("insert output root: %v", err)
	}
	if err := ts.set.CommitTo(batch, ts.store, root); err != nil {
		ts.t.Fatalf("commit cell set: %v", err)
	}
	if err := ts.store.SetTipHash(batch, hash); err != nil {
		ts.t.Fatalf("set tip: %v", err)
	}
	if err := batch.Commit(); err != nil {
		ts.t.Fatalf("commit batch: %v", err)
	}

	ts.provider.TipState().SetTip(chain.TipHeader{
		Header:          blk.Header,
		TotalDifficulty: ext.TotalDifficulty,
		OutputRoot:      root,
	})
}

// reorg switches the canonical chain: old blocks are detached (tip
// first), new ones stored and attached, and the tip moved.
func (ts *testSetup) reorg(detached, attached []*block.Block) {
	ts.t.Helper()

	batch := ts.chainDB.NewBatch()
	for _, blk := range detached {
		if err := ts.store.DetachBlock(batch, blk); err != nil {
			ts.t.Fatalf("detach block: %v", err)
		}
	}
	var lastExt *block.BlockExt
	for _, blk := range attached {
		parentExt, err := ts.store.GetBlockExt(blk.Header.ParentHash)
		if err != nil || parentExt == nil {
			// The immediate parent may still be sitting in this
			// reorg's uncommitted batch rather than in storage.
			if lastExt == nil {
				ts.t.Fatalf("fork parent ext: %v", err)
			}
			parentExt = lastExt
		}
		lastExt = &block.BlockExt{
			TotalDifficulty:  new(uint256.Int).Add(parentExt.TotalDifficulty, blk.Header.DifficultyOrZero()),
			TotalUnclesCount: parentExt.TotalUnclesCount + uint64(len(blk.Uncles)),
			ReceivedAt:       blk.Header.Timestamp,
		}
		if err := ts.store.InsertBlock(batch, blk); err != nil {
			ts.t.Fatalf("insert block: %v", err)
		}
		if err := ts.store.InsertBlockExt(batch, blk.Hash(), lastExt); err != nil {
			ts.t.Fatalf("insert ext: %v", err)
		}
		if err := ts.store.AttachBlock(batch, blk); err != nil {
			ts.t.Fatalf("attach block: %v", err)
		}
	}
	last := attached[len(attached)-1]
	if err := ts.store.SetTipHash(batch, last.Hash()); err != nil {
		ts.t.Fatalf("set tip: %v", err)
	}
	if err := batch.Commit(); err != nil {
		ts.t.Fatalf("commit reorg: %v", err)
	}

	ts.provider.TipState().SetTip(chain.TipHeader{
		Header:          last.Header,
		TotalDifficulty: lastExt.TotalDifficulty,
	})
}

// genBlock builds the next block on parent carrying the given
// transactions after a cellbase.
func (ts *testSetup) genBlock(parent *block.Header, txs []*tx.Transaction, miner types.Script) *block.Block {
	ts.t.Helper()

	number := parent.Number + 1
	cellbase, err := tx.NewCellbase(number, miner, miner, ts.consensus.BlockReward(number))
	if err != nil {
		ts.t.Fatalf("NewCellbase: %v", err)
	}
	all := append([]*tx.Transaction{cellbase}, txs...)
	hashes := make([]types.Hash, 0, len(all))
	for _, txn := range all {
		hashes = append(hashes, txn.Hash())
	}
	return block.NewBlock(&block.Header{
		ParentHash: parent.Hash(),
		Number:     number,
		Timestamp:  parent.Timestamp + 20_000,
		Difficulty: parent.DifficultyOrZero(),
		TxsRoot:    block.ComputeMerkleRoot(hashes),
	}, all)
}

// tipHeader returns the current tip header.
func (ts *testSetup) tipHeader() *block.Header {
	return ts.provider.TipState().Tip().Header
}

// createOutput builds a transaction with one output under the given
// lock, spending nothing the index tracks.
func createOutput(tag string, capacity types.Capacity, lock types.Script) *tx.Transaction {
	return &tx.Transaction{
		Inputs: []tx.CellInput{{
			PreviousOutput: types.OutPoint{TxHash: crypto.Hash([]byte(tag)), Index: 0},
			Args:           [][]byte{[]byte(tag)},
		}},
		Outputs: []tx.CellOutput{{Capacity: capacity, Lock: lock}},
	}
}

// spendOutput builds a transaction consuming prev's output 0 and
// creating one output under the given lock.
func spendOutput(prev *tx.Transaction, capacity types.Capacity, lock types.Script) *tx.Transaction {
	return &tx.Transaction{
		Inputs: []tx.CellInput{{
			PreviousOutput: types.OutPoint{TxHash: prev.Hash(), Index: 0},
		}},
		Outputs: []tx.CellOutput{{Capacity: capacity, Lock: lock}},
	}
}

// neutralMiner returns a miner lock no test registers, so cellbase
// outputs stay out of the index.
func neutralMiner() types.Script {
	return types.Script{Args: [][]byte{[]byte("miner")}}
}

// lockAndHash returns a lock script and its fingerprint.
func lockAndHash(tag string) (types.Script, types.Hash) {
	lock := types.Script{Args: [][]byte{[]byte(tag)}}
	return lock, crypto.ScriptHash(lock)
}

// columnDump captures every row of the index store for byte-level
// comparison.
func (ts *testSetup) columnDump() map[string]string {
	ts.t.Helper()
	dump := make(map[string]string)
	for col := storage.Column(0); col < storage.LockIndexColumns; col++ {
		err := ts.indexDB.ForEach(col, nil, func(key, value []byte) error {
			dump[string(append([]byte{byte(col)}, key...))] = string(value)
			return nil
		})
		if err != nil {
			ts.t.Fatalf("dump column %d: %v", col, err)
		}
	}
	return dump
}

func sameDump(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}
