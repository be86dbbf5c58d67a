package lockindex

import (
	"encoding/json"
	"fmt"

	"github.com/nervoscommunity/ckb-miner-opt/internal/log"
	"github.com/nervoscommunity/ckb-miner-opt/internal/notify"
	"github.com/nervoscommunity/ckb-miner-opt/internal/storage"
	"github.com/nervoscommunity/ckb-miner-opt/pkg/block"
	"github.com/nervoscommunity/ckb-miner-opt/pkg/types"
)

// Start launches the update goroutine. It applies one atomic batch per
// tip-change event and terminates cleanly when the channel closes.
func (idx *Index) Start(events <-chan notify.TipChange) {
	go func() {
		defer close(idx.done)
		for change := range events {
			idx.Update(change.DetachedBlocks, change.AttachedBlocks)
		}
		log.Index.Info().Msg("tip change channel closed, lock index loop stopping")
	}()
}

// Update applies one tip change: all detaches, then all attaches, in a
// single atomic batch, finishing with every registered lock's
// checkpoint moved to the last attached block. A store failure is
// logged and the batch dropped; the checkpoint then does not advance,
// so the next resync replays the window.
func (idx *Index) Update(detached, attached []*block.Block) {
	locks := idx.registeredLocks()
	if len(locks) == 0 {
		return
	}

	batch := idx.db.NewBatch()
	for _, blk := range detached {
		if err := idx.detachBlock(batch, locks, blk); err != nil {
			log.Index.Error().Err(err).Str("block", blk.Hash().String()).Msg("detach block failed, batch dropped")
			return
		}
	}
	buffer := make(map[types.OutPoint]cellOutPointRow)
	for _, blk := range attached {
		if err := idx.attachBlock(batch, buffer, locks, blk); err != nil {
			log.Index.Error().Err(err).Str("block", blk.Hash().String()).Msg("attach block failed, batch dropped")
			return
		}
	}
	var state *IndexState
	if last := lastBlock(attached); last != nil {
		state = &IndexState{
			BlockNumber: last.Header.Number,
			BlockHash:   last.Hash(),
		}
	} else if len(detached) > 0 {
		// Detach-only event: the checkpoint falls back to the fork
		// point, the parent of the oldest detached block.
		oldest := detached[len(detached)-1]
		state = &IndexState{
			BlockNumber: oldest.Header.Number - 1,
			BlockHash:   oldest.Header.ParentHash,
		}
	}
	if state != nil {
		for lock := range locks {
			if err := idx.putIndexState(batch, lock, *state); err != nil {
				log.Index.Error().Err(err).Msg("index state write failed, batch dropped")
				return
			}
		}
	}
	if err := batch.Commit(); err != nil {
		log.Index.Error().Err(err).Msg("lock index batch commit failed, batch dropped")
	}
}

func lastBlock(blocks []*block.Block) *block.Block {
	if len(blocks) == 0 {
		return nil
	}
	return blocks[len(blocks)-1]
}

// attachBlock indexes one attached block: every output whose lock is
// registered becomes a live cell and a history row, and every consumed
// registered output is marked spent. The buffer carries same-batch
// creations so same-batch spends resolve without read-your-writes
// support in the store.
func (idx *Index) attachBlock(
	batch storage.Batch,
	buffer map[types.OutPoint]cellOutPointRow,
	locks map[types.Hash]struct{},
	blk *block.Block,
) error {
	number := blk.Header.Number
	for _, t := range blk.Transactions {
		txHash := t.Hash()

		for i, out := range t.Outputs {
			index := uint32(i)
			lock := out.LockHash()
			if _, ok := locks[lock]; !ok {
				continue
			}
			key := indexKey(lock, number, txHash, index)
			cellData, err := json.Marshal(out)
			if err != nil {
				return fmt.Errorf("live cell marshal: %w", err)
			}
			if err := batch.Put(storage.ColumnLockHashLiveCell, key, cellData); err != nil {
				return err
			}
			if err := putConsumedBy(batch, key, nil); err != nil {
				return err
			}

			op := types.OutPoint{TxHash: txHash, Index: index}
			row := cellOutPointRow{LockHash: lock, BlockNumber: number}
			if err := putCellOutPointRow(batch, op, row); err != nil {
				return err
			}
			// The buffer keeps the full output so a spend later in this
			// same batch can still restore-proof it.
			row.Output = &t.Outputs[i]
			buffer[op] = row
		}

		if t.IsCellbase() {
			continue
		}
		for i, in := range t.Inputs {
			index := uint32(i)
			op := in.PreviousOutput
			row, err := idx.getCellOutPointRow(buffer, op)
			if err != nil {
				return err
			}
			if row == nil {
				continue
			}
			if _, ok := locks[row.LockHash]; !ok {
				continue
			}
			if row.Output == nil {
				// The output was not in the buffer; load it from the
				// chain so the spent row can restore the live cell on a
				// later detach.
				prev, err := idx.provider.GetTransaction(op.TxHash)
				if err != nil {
					return err
				}
				if prev == nil || int(op.Index) >= len(prev.Outputs) {
					return fmt.Errorf("spent outpoint %s not resolvable", op)
				}
				row.Output = &prev.Outputs[op.Index]
			}

			createdKey := indexKey(row.LockHash, row.BlockNumber, op.TxHash, op.Index)
			if err := batch.Delete(storage.ColumnLockHashLiveCell, createdKey); err != nil {
				return err
			}
			consumedBy := &TransactionPoint{
				BlockNumber: number,
				TxHash:      txHash,
				Index:       index,
			}
			if err := putConsumedBy(batch, createdKey, consumedBy); err != nil {
				return err
			}
			if err := putCellOutPointRow(batch, op, *row); err != nil {
				return err
			}
			delete(buffer, op)
		}
	}
	return nil
}

// detachBlock is the inverse of attachBlock. Transactions are undone in
// reverse order so an output both created and spent inside the block
// nets out to no trace at all.
func (idx *Index) detachBlock(
	batch storage.Batch,
	locks map[types.Hash]struct{},
	blk *block.Block,
) error {
	number := blk.Header.Number
	for ti := len(blk.Transactions) - 1; ti >= 0; ti-- {
		t := blk.Transactions[ti]
		txHash := t.Hash()

		if !t.IsCellbase() {
			for _, in := range t.Inputs {
				op := in.PreviousOutput
				row, err := idx.getCellOutPointRow(nil, op)
				if err != nil {
					return err
				}
				if row == nil {
					continue
				}
				if _, ok := locks[row.LockHash]; !ok {
					continue
				}
				if row.Output == nil {
					return fmt.Errorf("spent outpoint %s has no cached output to restore", op)
				}
				// Restore the live cell at its creating coordinate so
				// it stays addressable exactly as before the spend.
				createdKey := indexKey(row.LockHash, row.BlockNumber, op.TxHash, op.Index)
				cellData, err := json.Marshal(row.Output)
				if err != nil {
					return fmt.Errorf("restored cell marshal: %w", err)
				}
				if err := batch.Put(storage.ColumnLockHashLiveCell, createdKey, cellData); err != nil {
					return err
				}
				if err := putConsumedBy(batch, createdKey, nil); err != nil {
					return err
				}
				restored := cellOutPointRow{LockHash: row.LockHash, BlockNumber: row.BlockNumber}
				if err := putCellOutPointRow(batch, op, restored); err != nil {
					return err
				}
			}
		}

		for i, out := range t.Outputs {
			index := uint32(i)
			lock := out.LockHash()
			if _, ok := locks[lock]; !ok {
				continue
			}
			key := indexKey(lock, number, txHash, index)
			if err := batch.Delete(storage.ColumnLockHashLiveCell, key); err != nil {
				return err
			}
			if err := batch.Delete(storage.ColumnLockHashTransaction, key); err != nil {
				return err
			}
			op := types.OutPoint{TxHash: txHash, Index: index}
			if err := batch.Delete(storage.ColumnCellOutPointLockHash, op.Bytes()); err != nil {
				return err
			}
		}
	}
	return nil
}

// SyncIndexStates repairs locks whose checkpoint sits on a dead fork:
// their indexed blocks are detached back to the canonical chain, then
// every registered lock is caught up to the tip in one batch.
func (idx *Index) SyncIndexStates() error {
	states, err := idx.IndexStates()
	if err != nil {
		return err
	}
	if len(states) == 0 {
		return nil
	}

	for lock, state := range states {
		number, ok, err := idx.provider.BlockNumber(state.BlockHash)
		if err != nil {
			return err
		}
		if ok && number == state.BlockNumber {
			continue // Checkpoint is canonical.
		}
		if err := idx.rollBackToCanonical(lock, state); err != nil {
			return err
		}
	}

	states, err = idx.IndexStates()
	if err != nil {
		return err
	}
	tip := idx.provider.TipState().Tip()
	minNumber := tip.Number()
	for _, state := range states {
		if state.BlockNumber < minNumber {
			minNumber = state.BlockNumber
		}
	}

	locks := idx.registeredLocks()
	batch := idx.db.NewBatch()
	buffer := make(map[types.OutPoint]cellOutPointRow)
	for number := minNumber + 1; number <= tip.Number(); number++ {
		blk, err := idx.canonicalBlock(number)
		if err != nil {
			return err
		}
		if err := idx.attachBlock(batch, buffer, locks, blk); err != nil {
			return err
		}
	}
	tipState := IndexState{BlockNumber: tip.Number(), BlockHash: tip.Hash()}
	for lock := range locks {
		if err := idx.putIndexState(batch, lock, tipState); err != nil {
			return err
		}
	}
	if err := batch.Commit(); err != nil {
		return fmt.Errorf("sync index states commit: %w", err)
	}
	return nil
}

// rollBackToCanonical detaches a single lock's view block by block,
// following parent pointers from its stale checkpoint until a canonical
// block is reached, then moves the checkpoint there.
func (idx *Index) rollBackToCanonical(lock types.Hash, state IndexState) error {
	locks := map[types.Hash]struct{}{lock: {}}
	batch := idx.db.NewBatch()

	blk, err := idx.provider.Block(state.BlockHash)
	if err != nil {
		return err
	}
	if blk == nil {
		return fmt.Errorf("checkpoint block %s not stored", state.BlockHash)
	}
	for {
		if err := idx.detachBlock(batch, locks, blk); err != nil {
			return err
		}
		parentNumber := blk.Header.Number - 1
		canonical, found, err := idx.provider.BlockHash(parentNumber)
		if err != nil {
			return err
		}
		if found && canonical == blk.Header.ParentHash {
			newState := IndexState{BlockNumber: parentNumber, BlockHash: blk.Header.ParentHash}
			if err := idx.putIndexState(batch, lock, newState); err != nil {
				return err
			}
			break
		}
		blk, err = idx.provider.Block(blk.Header.ParentHash)
		if err != nil {
			return err
		}
		if blk == nil {
			return fmt.Errorf("fork block %s not stored during rollback", state.BlockHash)
		}
	}

	if err := batch.Commit(); err != nil {
		return fmt.Errorf("rollback commit: %w", err)
	}
	return nil
}

// putConsumedBy writes a history row's consumption marker (nil means
// the output is unspent).
func putConsumedBy(batch storage.Batch, key []byte, consumedBy *TransactionPoint) error {
	data, err := json.Marshal(consumedBy)
	if err != nil {
		return fmt.Errorf("consumed-by marshal: %w", err)
	}
	return batch.Put(storage.ColumnLockHashTransaction, key, data)
}

// putCellOutPointRow writes the reverse mapping for an outpoint.
func putCellOutPointRow(batch storage.Batch, op types.OutPoint, row cellOutPointRow) error {
	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("cell outpoint row marshal: %w", err)
	}
	return batch.Put(storage.ColumnCellOutPointLockHash, op.Bytes(), data)
}
