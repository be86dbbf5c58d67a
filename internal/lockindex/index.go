// Package lockindex maintains a secondary index of live cells and
// transaction history per registered lock fingerprint, kept consistent
// with the canonical chain across reorganizations.
package lockindex

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/nervoscommunity/ckb-miner-opt/internal/chain"
	"github.com/nervoscommunity/ckb-miner-opt/internal/storage"
	"github.com/nervoscommunity/ckb-miner-opt/pkg/block"
	"github.com/nervoscommunity/ckb-miner-opt/pkg/tx"
	"github.com/nervoscommunity/ckb-miner-opt/pkg/types"
)

// TransactionPoint is one coordinate on the canonical chain: the block,
// transaction, and input/output position an event happened at.
type TransactionPoint struct {
	BlockNumber types.BlockNumber `json:"block_number"`
	TxHash      types.Hash        `json:"tx_hash"`
	Index       uint32            `json:"index"`
}

// LiveCell is an unspent output matching a registered lock.
type LiveCell struct {
	CreatedBy TransactionPoint `json:"created_by"`
	Output    tx.CellOutput    `json:"output"`
}

// CellTransaction is one row of a lock's history: where an output was
// created and, if spent, where it was consumed.
type CellTransaction struct {
	CreatedBy  TransactionPoint  `json:"created_by"`
	ConsumedBy *TransactionPoint `json:"consumed_by,omitempty"`
}

// IndexState is a lock's checkpoint: the index reflects all canonical
// blocks up to and including this one and nothing beyond.
type IndexState struct {
	BlockNumber types.BlockNumber `json:"block_number"`
	BlockHash   types.Hash        `json:"block_hash"`
}

// cellOutPointRow is the reverse-mapping value: which lock an outpoint
// belongs to and where it was created. Spent outpoints cache the output
// so a detach can restore the live cell.
type cellOutPointRow struct {
	LockHash    types.Hash        `json:"lock_hash"`
	BlockNumber types.BlockNumber `json:"block_number"`
	Output      *tx.CellOutput    `json:"output,omitempty"`
}

// indexKeySize is lock(32) | block_number(be8) | tx_hash(32) | index(be4).
const indexKeySize = 2*types.HashSize + 12

// indexKey builds the composite key for the live-cell and transaction
// columns. The big-endian block number keeps prefix scans in
// block-number order, oldest first.
func indexKey(lock types.Hash, number types.BlockNumber, txHash types.Hash, index uint32) []byte {
	key := make([]byte, indexKeySize)
	copy(key, lock[:])
	binary.BigEndian.PutUint64(key[types.HashSize:], number)
	copy(key[types.HashSize+8:], txHash[:])
	binary.BigEndian.PutUint32(key[2*types.HashSize+8:], index)
	return key
}

// parseIndexKey recovers the creation coordinate from a composite key.
func parseIndexKey(key []byte) (TransactionPoint, error) {
	if len(key) != indexKeySize {
		return TransactionPoint{}, fmt.Errorf("index key must be %d bytes, got %d", indexKeySize, len(key))
	}
	var point TransactionPoint
	point.BlockNumber = binary.BigEndian.Uint64(key[types.HashSize:])
	copy(point.TxHash[:], key[types.HashSize+8:2*types.HashSize+8])
	point.Index = binary.BigEndian.Uint32(key[2*types.HashSize+8:])
	return point, nil
}

// errStopIteration aborts a prefix scan early once a page is full.
var errStopIteration = errors.New("stop iteration")

// Index is the lock-hash index. A single update goroutine owns the
// writes; readers run concurrently and see the state as of the last
// committed batch.
type Index struct {
	db       storage.DB
	provider *chain.Provider

	mu         sync.RWMutex
	registered map[types.Hash]struct{}

	done chan struct{}
}

// NewIndex creates a lock-hash index over its own column store. The
// registered-lock set is recovered from the state column.
func NewIndex(db storage.DB, provider *chain.Provider) (*Index, error) {
	idx := &Index{
		db:         db,
		provider:   provider,
		registered: make(map[types.Hash]struct{}),
		done:       make(chan struct{}),
	}
	states, err := idx.IndexStates()
	if err != nil {
		return nil, fmt.Errorf("recover registered locks: %w", err)
	}
	for lock := range states {
		idx.registered[lock] = struct{}{}
	}
	return idx, nil
}

// registeredLocks snapshots the registered set.
func (idx *Index) registeredLocks() map[types.Hash]struct{} {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	locks := make(map[types.Hash]struct{}, len(idx.registered))
	for lock := range idx.registered {
		locks[lock] = struct{}{}
	}
	return locks
}

// LiveCells returns a page of a lock's unspent outputs in block-number
// order, oldest first.
func (idx *Index) LiveCells(lock types.Hash, skip, take int) ([]LiveCell, error) {
	cells := make([]LiveCell, 0, take)
	seen := 0
	err := idx.db.ForEach(storage.ColumnLockHashLiveCell, lock[:], func(key, value []byte) error {
		if seen < skip {
			seen++
			return nil
		}
		if len(cells) >= take {
			return errStopIteration
		}
		point, err := parseIndexKey(key)
		if err != nil {
			return err
		}
		var output tx.CellOutput
		if err := json.Unmarshal(value, &output); err != nil {
			return fmt.Errorf("live cell unmarshal: %w", err)
		}
		cells = append(cells, LiveCell{CreatedBy: point, Output: output})
		return nil
	})
	if err != nil && !errors.Is(err, errStopIteration) {
		return nil, err
	}
	return cells, nil
}

// Transactions returns a page of a lock's history in block-number
// order, oldest first.
func (idx *Index) Transactions(lock types.Hash, skip, take int) ([]CellTransaction, error) {
	txs := make([]CellTransaction, 0, take)
	seen := 0
	err := idx.db.ForEach(storage.ColumnLockHashTransaction, lock[:], func(key, value []byte) error {
		if seen < skip {
			seen++
			return nil
		}
		if len(txs) >= take {
			return errStopIteration
		}
		point, err := parseIndexKey(key)
		if err != nil {
			return err
		}
		var consumedBy *TransactionPoint
		if err := json.Unmarshal(value, &consumedBy); err != nil {
			return fmt.Errorf("cell transaction unmarshal: %w", err)
		}
		txs = append(txs, CellTransaction{CreatedBy: point, ConsumedBy: consumedBy})
		return nil
	})
	if err != nil && !errors.Is(err, errStopIteration) {
		return nil, err
	}
	return txs, nil
}

// IndexStates returns every registered lock's checkpoint.
func (idx *Index) IndexStates() (map[types.Hash]IndexState, error) {
	states := make(map[types.Hash]IndexState)
	err := idx.db.ForEach(storage.ColumnLockHashIndexState, nil, func(key, value []byte) error {
		lock, err := types.BytesToHash(key)
		if err != nil {
			return fmt.Errorf("corrupt index state key: %w", err)
		}
		var state IndexState
		if err := json.Unmarshal(value, &state); err != nil {
			return fmt.Errorf("index state unmarshal: %w", err)
		}
		states[lock] = state
		return nil
	})
	if err != nil {
		return nil, err
	}
	return states, nil
}

// InsertLockHash registers a lock and checkpoints it at the current
// tip. With indexFrom set, every canonical block in [from, tip] is
// replayed so historical outputs matching the lock are indexed.
func (idx *Index) InsertLockHash(lock types.Hash, indexFrom *types.BlockNumber) (IndexState, error) {
	tip := idx.provider.TipState().Tip()
	state := IndexState{
		BlockNumber: tip.Number(),
		BlockHash:   tip.Hash(),
	}

	batch := idx.db.NewBatch()
	if indexFrom != nil {
		locks := map[types.Hash]struct{}{lock: {}}
		buffer := make(map[types.OutPoint]cellOutPointRow)
		for number := *indexFrom; number <= state.BlockNumber; number++ {
			blk, err := idx.canonicalBlock(number)
			if err != nil {
				return IndexState{}, err
			}
			if err := idx.attachBlock(batch, buffer, locks, blk); err != nil {
				return IndexState{}, err
			}
		}
	}
	if err := idx.putIndexState(batch, lock, state); err != nil {
		return IndexState{}, err
	}
	if err := batch.Commit(); err != nil {
		return IndexState{}, fmt.Errorf("insert lock hash commit: %w", err)
	}

	idx.mu.Lock()
	idx.registered[lock] = struct{}{}
	idx.mu.Unlock()
	return state, nil
}

// RemoveLockHash tears a lock's index down: every row in the three
// per-lock columns, the reverse mappings of its live cells, and its
// checkpoint, deleted in one atomic batch.
func (idx *Index) RemoveLockHash(lock types.Hash) error {
	batch := idx.db.NewBatch()

	err := idx.db.ForEach(storage.ColumnLockHashLiveCell, lock[:], func(key, _ []byte) error {
		point, err := parseIndexKey(key)
		if err != nil {
			return err
		}
		if err := batch.Delete(storage.ColumnLockHashLiveCell, key); err != nil {
			return err
		}
		op := types.OutPoint{TxHash: point.TxHash, Index: point.Index}
		return batch.Delete(storage.ColumnCellOutPointLockHash, op.Bytes())
	})
	if err != nil {
		return err
	}

	err = idx.db.ForEach(storage.ColumnLockHashTransaction, lock[:], func(key, _ []byte) error {
		return batch.Delete(storage.ColumnLockHashTransaction, key)
	})
	if err != nil {
		return err
	}

	if err := batch.Delete(storage.ColumnLockHashIndexState, lock[:]); err != nil {
		return err
	}
	if err := batch.Commit(); err != nil {
		return fmt.Errorf("remove lock hash commit: %w", err)
	}

	idx.mu.Lock()
	delete(idx.registered, lock)
	idx.mu.Unlock()
	return nil
}

// putIndexState writes a lock's checkpoint into a batch.
func (idx *Index) putIndexState(batch storage.Batch, lock types.Hash, state IndexState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("index state marshal: %w", err)
	}
	return batch.Put(storage.ColumnLockHashIndexState, lock[:], data)
}

// canonicalBlock loads the canonical block at a number.
func (idx *Index) canonicalBlock(number types.BlockNumber) (*block.Block, error) {
	hash, found, err := idx.provider.BlockHash(number)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("canonical block %d missing from index", number)
	}
	blk, err := idx.provider.Block(hash)
	if err != nil {
		return nil, err
	}
	if blk == nil {
		return nil, fmt.Errorf("canonical block %s not stored", hash)
	}
	return blk, nil
}

// getCellOutPointRow reads a reverse-mapping row, consulting the
// in-batch buffer first: the store does not support read-your-writes
// inside an uncommitted batch, and same-batch spends of same-batch
// creations must still resolve.
func (idx *Index) getCellOutPointRow(buffer map[types.OutPoint]cellOutPointRow, op types.OutPoint) (*cellOutPointRow, error) {
	if row, ok := buffer[op]; ok {
		return &row, nil
	}
	data, err := idx.db.Get(storage.ColumnCellOutPointLockHash, op.Bytes())
	if err != nil {
		return nil, fmt.Errorf("cell outpoint row get: %w", err)
	}
	if data == nil {
		return nil, nil
	}
	var row cellOutPointRow
	if err := json.Unmarshal(data, &row); err != nil {
		return nil, fmt.Errorf("cell outpoint row unmarshal: %w", err)
	}
	return &row, nil
}

// Done is closed when the update loop has terminated.
func (idx *Index) Done() <-chan struct{} {
	return idx.done
}
