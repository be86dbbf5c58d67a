package chain

import (
	"testing"

	"github.com/holiman/uint256"

	"github.com/nervoscommunity/ckb-miner-opt/config"
	"github.com/nervoscommunity/ckb-miner-opt/internal/storage"
	"github.com/nervoscommunity/ckb-miner-opt/pkg/block"
	"github.com/nervoscommunity/ckb-miner-opt/pkg/crypto"
	"github.com/nervoscommunity/ckb-miner-opt/pkg/tx"
	"github.com/nervoscommunity/ckb-miner-opt/pkg/types"
)

// testConsensus returns small parameters for exercising the provider.
func testConsensus() *config.Consensus {
	return &config.Consensus{
		ID:                           "test",
		GenesisTimestamp:             1700000000,
		InitialDifficulty:            uint256.NewInt(0x20),
		InitialBlockReward:           1000,
		EpochLength:                  5,
		EpochsPerHalving:             1000,
		DifficultyAdjustmentInterval: 1000,
		OrphanRateTarget:             types.Ratio{Num: 1, Den: 5},
		MinDifficulty:                uint256.NewInt(1),
		ProposerRewardRatio:          types.Ratio{Num: 4, Den: 10},
		ProposalWindow:               config.ProposalWindow{Close: 2, Far: 10},
		CellbaseMaturity:             10,
	}
}

// lockFor builds a distinct lock script for a named miner.
func lockFor(tag string) types.Script {
	return types.Script{Args: [][]byte{[]byte(tag)}}
}

// testChain bundles a provider with the writer-side state the external
// pipeline would normally hold.
type testChain struct {
	t         *testing.T
	db        *storage.MemoryDB
	store     *ChainStore
	provider  *Provider
	consensus *config.Consensus
	set       *CellSet
}

func newTestChain(t *testing.T, consensus *config.Consensus) *testChain {
	t.Helper()

	db := storage.NewMemory(storage.ChainColumns)
	store := NewChainStore(db)
	provider, err := NewProvider(store, consensus)
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}

	genesis, err := consensus.GenesisBlock()
	if err != nil {
		t.Fatalf("GenesisBlock: %v", err)
	}
	set := NewCellSet()
	if err := set.ApplyBlock(genesis); err != nil {
		t.Fatalf("seed cell set: %v", err)
	}

	return &testChain{
		t:         t,
		db:        db,
		store:     store,
		provider:  provider,
		consensus: consensus,
		set:       set,
	}
}

// tipHeader returns the current tip header.
func (tc *testChain) tipHeader() *block.Header {
	return tc.provider.TipState().Tip().Header
}

// commit plays the external pipeline for one block: store it, extend
// the ext chain, attach it, persist the new cell metas under the new
// output root, and move the tip.
func (tc *testChain) commit(blk *block.Block) {
	tc.t.Helper()

	hash := blk.Hash()
	parentExt, err := tc.store.GetBlockExt(blk.Header.ParentHash)
	if err != nil {
		tc.t.Fatalf("parent ext: %v", err)
	}
	if parentExt == nil {
		tc.t.Fatalf("parent ext missing for %s", blk.Header.ParentHash)
	}
	ext := &block.BlockExt{
		TotalDifficulty:  new(uint256.Int).Add(parentExt.TotalDifficulty, blk.Header.DifficultyOrZero()),
		TotalUnclesCount: parentExt.TotalUnclesCount + uint64(len(blk.Uncles)),
		ReceivedAt:       blk.Header.Timestamp,
	}

	if err := tc.set.ApplyBlock(blk); err != nil {
		tc.t.Fatalf("apply block to cell set: %v", err)
	}
	root, err := tc.set.Root()
	if err != nil {
		tc.t.Fatalf("cell set root: %v", err)
	}

	batch := tc.db.NewBatch()
	if err := tc.store.InsertBlock(batch, blk); err != nil {
		tc.t.Fatalf("insert block: %v", err)
	}
	if err := tc.store.InsertBlockExt(batch, hash, ext); err != nil {
		tc.t.Fatalf("insert ext: %v", err)
	}
	if err := tc.store.AttachBlock(batch, blk); err != nil {
		tc.t.Fatalf("attach block: %v", err)
	}
	if err := tc.store.InsertEpoch(batch, hash, tc.consensus.EpochExtAt(blk.Header.Number)); err != nil {
		tc.t.Fatalf("insert epoch: %v", err)
	}
	if err := tc.store.InsertOutputRoot(batch, hash, root); err != nil {
		tc.t.Fatalf("insert output root: %v", err)
	}
	if err := tc.set.CommitTo(batch, tc.store, root); err != nil {
		tc.t.Fatalf("commit cell set: %v", err)
	}
	if err := tc.store.SetTipHash(batch, hash); err != nil {
		tc.t.Fatalf("set tip: %v", err)
	}
	if err := batch.Commit(); err != nil {
		tc.t.Fatalf("commit batch: %v", err)
	}

	tc.provider.TipState().SetTip(TipHeader{
		Header:          blk.Header,
		TotalDifficulty: ext.TotalDifficulty,
		OutputRoot:      root,
	})
}

// storeFork stores a block (with ext) without attaching it, as the
// pipeline does for blocks on a losing branch.
func (tc *testChain) storeFork(blk *block.Block) {
	tc.t.Helper()

	parentExt, err := tc.store.GetBlockExt(blk.Header.ParentHash)
	if err != nil || parentExt == nil {
		tc.t.Fatalf("fork parent ext: %v", err)
	}
	ext := &block.BlockExt{
		TotalDifficulty:  new(uint256.Int).Add(parentExt.TotalDifficulty, blk.Header.DifficultyOrZero()),
		TotalUnclesCount: parentExt.TotalUnclesCount + uint64(len(blk.Uncles)),
		ReceivedAt:       blk.Header.Timestamp,
	}

	batch := tc.db.NewBatch()
	if err := tc.store.InsertBlock(batch, blk); err != nil {
		tc.t.Fatalf("insert fork block: %v", err)
	}
	if err := tc.store.InsertBlockExt(batch, blk.Hash(), ext); err != nil {
		tc.t.Fatalf("insert fork ext: %v", err)
	}
	if err := batch.Commit(); err != nil {
		tc.t.Fatalf("commit fork batch: %v", err)
	}
}

// genBlock builds the next block on parent, mirroring what the sealing
// pipeline produces: a cellbase crediting rewardLock with the miner
// identity in the witness, then the committed transactions.
func genBlock(
	t *testing.T,
	consensus *config.Consensus,
	parent *block.Header,
	txs []*tx.Transaction,
	proposals []tx.ProposalShortID,
	uncles []block.UncleBlock,
	minerLock, rewardLock types.Script,
) *block.Block {
	t.Helper()

	number := parent.Number + 1
	cellbase, err := tx.NewCellbase(number, minerLock, rewardLock, consensus.BlockReward(number))
	if err != nil {
		t.Fatalf("NewCellbase: %v", err)
	}

	all := append([]*tx.Transaction{cellbase}, txs...)
	hashes := make([]types.Hash, 0, len(all))
	for _, txn := range all {
		hashes = append(hashes, txn.Hash())
	}

	header := &block.Header{
		ParentHash:  parent.Hash(),
		Number:      number,
		Timestamp:   parent.Timestamp + 20_000,
		Difficulty:  parent.DifficultyOrZero(),
		TxsRoot:     block.ComputeMerkleRoot(hashes),
		UnclesCount: uint32(len(uncles)),
	}
	blk := block.NewBlock(header, all)
	blk.Proposals = proposals
	blk.Uncles = uncles
	return blk
}

// emptyBlock builds a cellbase-only block on parent.
func emptyBlock(t *testing.T, consensus *config.Consensus, parent *block.Header, minerLock types.Script) *block.Block {
	t.Helper()
	return genBlock(t, consensus, parent, nil, nil, nil, minerLock, minerLock)
}

// createTransaction spends output 0 of parent, paying the given fee.
func createTransaction(t *testing.T, parent *tx.Transaction, fee types.Capacity) *tx.Transaction {
	t.Helper()

	capacity, err := parent.Outputs[0].Capacity.SafeSub(fee)
	if err != nil {
		t.Fatalf("fee exceeds parent output: %v", err)
	}
	return &tx.Transaction{
		Inputs: []tx.CellInput{{
			PreviousOutput: types.OutPoint{TxHash: parent.Hash(), Index: 0},
		}},
		Outputs: []tx.CellOutput{{
			Capacity: capacity,
			Lock:     lockFor("always"),
		}},
	}
}

// dummyUncle fabricates an uncle block at the given number.
func dummyUncle(number types.BlockNumber, tag string, proposals []tx.ProposalShortID) block.UncleBlock {
	return block.UncleBlock{
		Header: &block.Header{
			ParentHash: crypto.Hash([]byte(tag)),
			Number:     number,
			Timestamp:  1700000000 + number,
			Difficulty: uint256.NewInt(0x20),
		},
		Proposals: proposals,
	}
}
