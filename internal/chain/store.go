// Package chain implements the chain store, the shared tip state, and
// the read-side provider facade.
package chain

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/nervoscommunity/ckb-miner-opt/internal/storage"
	"github.com/nervoscommunity/ckb-miner-opt/pkg/block"
	"github.com/nervoscommunity/ckb-miner-opt/pkg/tx"
	"github.com/nervoscommunity/ckb-miner-opt/pkg/types"
)

// Meta column keys.
var (
	metaTipKey     = []byte("TIP_HASH")
	metaVersionKey = []byte("VERSION")
)

// schemaVersion is written to the meta column on init.
const schemaVersion = "1"

// TransactionAddress locates one transaction inside a stored block body.
type TransactionAddress struct {
	BlockHash types.Hash `json:"block_hash"`
	Offset    uint32     `json:"offset"`
	Length    uint32     `json:"length"`
}

// blockTxAddress pairs a transaction hash with its body slice, stored
// per block so the whole address list can be rebuilt without decoding
// the body.
type blockTxAddress struct {
	TxHash types.Hash `json:"tx_hash"`
	Offset uint32     `json:"offset"`
	Length uint32     `json:"length"`
}

// ChainStore is the typed facade over the multi-column store. Accessors
// treat absence as a valid answer, not an error.
type ChainStore struct {
	db storage.DB
}

// NewChainStore creates a chain store backed by the given database.
func NewChainStore(db storage.DB) *ChainStore {
	return &ChainStore{db: db}
}

// DB exposes the underlying column store for batch creation.
func (cs *ChainStore) DB() storage.DB {
	return cs.db
}

func numberKey(number types.BlockNumber) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], number)
	return buf[:]
}

func metaKey(root, txHash types.Hash) []byte {
	key := make([]byte, 2*types.HashSize)
	copy(key, root[:])
	copy(key[types.HashSize:], txHash[:])
	return key
}

// Init writes the genesis block into an empty store: the block itself,
// its ext, the canonical index entry for number 0, the initial cell
// metas under the genesis output root, and the tip pointer.
func (cs *ChainStore) Init(genesis *block.Block, root types.Hash, metas map[types.Hash]*tx.TransactionMeta) error {
	hash := genesis.Hash()
	batch := cs.db.NewBatch()

	if err := cs.InsertBlock(batch, genesis); err != nil {
		return fmt.Errorf("init genesis block: %w", err)
	}
	ext := &block.BlockExt{
		TotalDifficulty:  genesis.Header.DifficultyOrZero(),
		TotalUnclesCount: 0,
		ReceivedAt:       genesis.Header.Timestamp,
	}
	if err := cs.InsertBlockExt(batch, hash, ext); err != nil {
		return fmt.Errorf("init genesis ext: %w", err)
	}
	if err := cs.AttachBlock(batch, genesis); err != nil {
		return fmt.Errorf("init genesis index: %w", err)
	}
	if err := cs.InsertOutputRoot(batch, hash, root); err != nil {
		return fmt.Errorf("init genesis output root: %w", err)
	}
	for txHash, meta := range metas {
		if err := cs.InsertTransactionMeta(batch, root, txHash, meta); err != nil {
			return fmt.Errorf("init genesis meta: %w", err)
		}
	}
	if err := cs.SetTipHash(batch, hash); err != nil {
		return fmt.Errorf("init tip: %w", err)
	}
	if err := batch.Put(storage.ColumnMeta, metaVersionKey, []byte(schemaVersion)); err != nil {
		return err
	}

	if err := batch.Commit(); err != nil {
		return fmt.Errorf("init commit: %w", err)
	}
	return nil
}

// flatBody builds the flat body encoding: per-transaction JSON
// concatenated back to back, with (offset, length) recorded so a single
// transaction can be fetched without decoding the whole body.
func flatBody(blk *block.Block) ([]byte, []blockTxAddress, error) {
	var body []byte
	addresses := make([]blockTxAddress, 0, len(blk.Transactions))
	for _, t := range blk.Transactions {
		data, err := json.Marshal(t)
		if err != nil {
			return nil, nil, fmt.Errorf("tx marshal: %w", err)
		}
		addresses = append(addresses, blockTxAddress{
			TxHash: t.Hash(),
			Offset: uint32(len(body)),
			Length: uint32(len(data)),
		})
		body = append(body, data...)
	}
	return body, addresses, nil
}

// InsertBlock writes a block's header, flat body, per-transaction
// addresses, uncles, and proposal ids. It does not touch the canonical
// index; a stored block may sit on a fork.
func (cs *ChainStore) InsertBlock(b storage.Batch, blk *block.Block) error {
	hash := blk.Hash()

	header, err := json.Marshal(blk.Header)
	if err != nil {
		return fmt.Errorf("header marshal: %w", err)
	}
	if err := b.Put(storage.ColumnBlockHeader, hash[:], header); err != nil {
		return err
	}

	body, addresses, err := flatBody(blk)
	if err != nil {
		return err
	}
	if err := b.Put(storage.ColumnBlockBody, hash[:], body); err != nil {
		return err
	}
	addrData, err := json.Marshal(addresses)
	if err != nil {
		return fmt.Errorf("tx addresses marshal: %w", err)
	}
	if err := b.Put(storage.ColumnBlockTransactionAddresses, hash[:], addrData); err != nil {
		return err
	}

	if len(blk.Uncles) > 0 {
		uncles, err := json.Marshal(blk.Uncles)
		if err != nil {
			return fmt.Errorf("uncles marshal: %w", err)
		}
		if err := b.Put(storage.ColumnBlockUncle, hash[:], uncles); err != nil {
			return err
		}
		// Uncle headers are also addressable by their own hash.
		for _, u := range blk.Uncles {
			uh := u.Header.Hash()
			data, err := json.Marshal(u.Header)
			if err != nil {
				return fmt.Errorf("uncle header marshal: %w", err)
			}
			if err := b.Put(storage.ColumnUncles, uh[:], data); err != nil {
				return err
			}
		}
	}

	proposals, err := json.Marshal(blk.Proposals)
	if err != nil {
		return fmt.Errorf("proposals marshal: %w", err)
	}
	if err := b.Put(storage.ColumnBlockProposalIDs, hash[:], proposals); err != nil {
		return err
	}

	return nil
}

// InsertBlockExt writes a block's derived metadata.
func (cs *ChainStore) InsertBlockExt(b storage.Batch, hash types.Hash, ext *block.BlockExt) error {
	data, err := json.Marshal(ext)
	if err != nil {
		return fmt.Errorf("block ext marshal: %w", err)
	}
	return b.Put(storage.ColumnExt, hash[:], data)
}

// AttachBlock makes a stored block canonical: it writes both directions
// of the chain index (number to hash, hash to number) and the global
// transaction address rows.
func (cs *ChainStore) AttachBlock(b storage.Batch, blk *block.Block) error {
	hash := blk.Hash()
	number := blk.Header.Number

	if err := b.Put(storage.ColumnIndex, numberKey(number), hash[:]); err != nil {
		return err
	}
	if err := b.Put(storage.ColumnIndex, hash[:], numberKey(number)); err != nil {
		return err
	}

	// Addresses are recomputed from the block rather than read back:
	// the body row may still sit uncommitted in this same batch.
	_, addresses, err := flatBody(blk)
	if err != nil {
		return err
	}
	for _, addr := range addresses {
		data, err := json.Marshal(TransactionAddress{
			BlockHash: hash,
			Offset:    addr.Offset,
			Length:    addr.Length,
		})
		if err != nil {
			return fmt.Errorf("tx address marshal: %w", err)
		}
		if err := b.Put(storage.ColumnTransactionAddr, addr.TxHash[:], data); err != nil {
			return err
		}
	}
	return nil
}

// DetachBlock removes a block from the canonical index. The block data
// itself stays stored and addressable by hash.
func (cs *ChainStore) DetachBlock(b storage.Batch, blk *block.Block) error {
	hash := blk.Hash()

	if err := b.Delete(storage.ColumnIndex, numberKey(blk.Header.Number)); err != nil {
		return err
	}
	if err := b.Delete(storage.ColumnIndex, hash[:]); err != nil {
		return err
	}
	for _, t := range blk.Transactions {
		txHash := t.Hash()
		if err := b.Delete(storage.ColumnTransactionAddr, txHash[:]); err != nil {
			return err
		}
	}
	return b.Delete(storage.ColumnBlockEpoch, hash[:])
}

// InsertEpoch records the epoch a block belongs to and the epoch's
// rollover data.
func (cs *ChainStore) InsertEpoch(b storage.Batch, blockHash types.Hash, epoch block.EpochExt) error {
	if err := b.Put(storage.ColumnBlockEpoch, blockHash[:], numberKey(epoch.Number)); err != nil {
		return err
	}
	data, err := json.Marshal(epoch)
	if err != nil {
		return fmt.Errorf("epoch marshal: %w", err)
	}
	return b.Put(storage.ColumnEpoch, numberKey(epoch.Number), data)
}

// SetTipHash points the meta tip row at the given block hash.
func (cs *ChainStore) SetTipHash(b storage.Batch, hash types.Hash) error {
	return b.Put(storage.ColumnMeta, metaTipKey, hash[:])
}

// InsertOutputRoot records a block's output-root commitment.
func (cs *ChainStore) InsertOutputRoot(b storage.Batch, blockHash, root types.Hash) error {
	return b.Put(storage.ColumnCellMeta, blockHash[:], root[:])
}

// InsertTransactionMeta writes a transaction's spent-bit set under the
// given output root.
func (cs *ChainStore) InsertTransactionMeta(b storage.Batch, root, txHash types.Hash, meta *tx.TransactionMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("transaction meta marshal: %w", err)
	}
	return b.Put(storage.ColumnCellSet, metaKey(root, txHash), data)
}

// DeleteTransactionMeta removes a transaction's meta under a root.
func (cs *ChainStore) DeleteTransactionMeta(b storage.Batch, root, txHash types.Hash) error {
	return b.Delete(storage.ColumnCellSet, metaKey(root, txHash))
}

// GetTipHash returns the current tip pointer. ok is false on a fresh
// store.
func (cs *ChainStore) GetTipHash() (types.Hash, bool, error) {
	data, err := cs.db.Get(storage.ColumnMeta, metaTipKey)
	if err != nil {
		return types.Hash{}, false, fmt.Errorf("tip get: %w", err)
	}
	if data == nil {
		return types.Hash{}, false, nil
	}
	hash, err := types.BytesToHash(data)
	if err != nil {
		return types.Hash{}, false, fmt.Errorf("corrupt tip hash: %w", err)
	}
	return hash, true, nil
}

// GetBlockHash returns the canonical hash at the given number.
func (cs *ChainStore) GetBlockHash(number types.BlockNumber) (types.Hash, bool, error) {
	data, err := cs.db.Get(storage.ColumnIndex, numberKey(number))
	if err != nil {
		return types.Hash{}, false, fmt.Errorf("index get: %w", err)
	}
	if data == nil {
		return types.Hash{}, false, nil
	}
	hash, err := types.BytesToHash(data)
	if err != nil {
		return types.Hash{}, false, fmt.Errorf("corrupt index entry: %w", err)
	}
	return hash, true, nil
}

// GetBlockNumber returns the number of a canonical block. Detached
// blocks have no number entry.
func (cs *ChainStore) GetBlockNumber(hash types.Hash) (types.BlockNumber, bool, error) {
	data, err := cs.db.Get(storage.ColumnIndex, hash[:])
	if err != nil {
		return 0, false, fmt.Errorf("index get: %w", err)
	}
	if data == nil {
		return 0, false, nil
	}
	if len(data) != 8 {
		return 0, false, fmt.Errorf("corrupt number entry: got %d bytes", len(data))
	}
	return binary.BigEndian.Uint64(data), true, nil
}

// GetHeader retrieves a block header by hash. Returns nil if absent.
func (cs *ChainStore) GetHeader(hash types.Hash) (*block.Header, error) {
	data, err := cs.db.Get(storage.ColumnBlockHeader, hash[:])
	if err != nil {
		return nil, fmt.Errorf("header get: %w", err)
	}
	if data == nil {
		return nil, nil
	}
	var h block.Header
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("header unmarshal: %w", err)
	}
	return &h, nil
}

// blockTxAddresses returns the per-block address list, or nil if absent.
func (cs *ChainStore) blockTxAddresses(hash types.Hash) ([]blockTxAddress, error) {
	data, err := cs.db.Get(storage.ColumnBlockTransactionAddresses, hash[:])
	if err != nil {
		return nil, fmt.Errorf("block tx addresses get: %w", err)
	}
	if data == nil {
		return nil, nil
	}
	var addresses []blockTxAddress
	if err := json.Unmarshal(data, &addresses); err != nil {
		return nil, fmt.Errorf("block tx addresses unmarshal: %w", err)
	}
	return addresses, nil
}

// GetBlockBody retrieves a block's transactions by hash. Returns nil if
// absent.
func (cs *ChainStore) GetBlockBody(hash types.Hash) ([]*tx.Transaction, error) {
	body, err := cs.db.Get(storage.ColumnBlockBody, hash[:])
	if err != nil {
		return nil, fmt.Errorf("body get: %w", err)
	}
	if body == nil {
		return nil, nil
	}
	addresses, err := cs.blockTxAddresses(hash)
	if err != nil {
		return nil, err
	}
	txs := make([]*tx.Transaction, 0, len(addresses))
	for _, addr := range addresses {
		end := addr.Offset + addr.Length
		if int(end) > len(body) {
			return nil, fmt.Errorf("corrupt body for block %s: address past end", hash)
		}
		var t tx.Transaction
		if err := json.Unmarshal(body[addr.Offset:end], &t); err != nil {
			return nil, fmt.Errorf("body tx unmarshal: %w", err)
		}
		txs = append(txs, &t)
	}
	return txs, nil
}

// GetBlock retrieves a full block by hash. Returns nil if absent.
func (cs *ChainStore) GetBlock(hash types.Hash) (*block.Block, error) {
	header, err := cs.GetHeader(hash)
	if err != nil || header == nil {
		return nil, err
	}
	txs, err := cs.GetBlockBody(hash)
	if err != nil {
		return nil, err
	}
	uncles, err := cs.GetBlockUncles(hash)
	if err != nil {
		return nil, err
	}
	proposals, err := cs.GetProposalIDs(hash)
	if err != nil {
		return nil, err
	}
	return &block.Block{
		Header:       header,
		Transactions: txs,
		Proposals:    proposals,
		Uncles:       uncles,
	}, nil
}

// GetBlockExt retrieves a block's derived metadata. Returns nil if
// absent.
func (cs *ChainStore) GetBlockExt(hash types.Hash) (*block.BlockExt, error) {
	data, err := cs.db.Get(storage.ColumnExt, hash[:])
	if err != nil {
		return nil, fmt.Errorf("block ext get: %w", err)
	}
	if data == nil {
		return nil, nil
	}
	var ext block.BlockExt
	if err := json.Unmarshal(data, &ext); err != nil {
		return nil, fmt.Errorf("block ext unmarshal: %w", err)
	}
	return &ext, nil
}

// GetBlockUncles retrieves a block's uncle list. Returns nil if absent.
func (cs *ChainStore) GetBlockUncles(hash types.Hash) ([]block.UncleBlock, error) {
	data, err := cs.db.Get(storage.ColumnBlockUncle, hash[:])
	if err != nil {
		return nil, fmt.Errorf("uncles get: %w", err)
	}
	if data == nil {
		return nil, nil
	}
	var uncles []block.UncleBlock
	if err := json.Unmarshal(data, &uncles); err != nil {
		return nil, fmt.Errorf("uncles unmarshal: %w", err)
	}
	return uncles, nil
}

// GetUncleHeader retrieves an accepted uncle header by its own hash.
func (cs *ChainStore) GetUncleHeader(hash types.Hash) (*block.Header, error) {
	data, err := cs.db.Get(storage.ColumnUncles, hash[:])
	if err != nil {
		return nil, fmt.Errorf("uncle header get: %w", err)
	}
	if data == nil {
		return nil, nil
	}
	var h block.Header
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("uncle header unmarshal: %w", err)
	}
	return &h, nil
}

// GetProposalIDs retrieves a block's own proposal short ids.
func (cs *ChainStore) GetProposalIDs(hash types.Hash) ([]tx.ProposalShortID, error) {
	data, err := cs.db.Get(storage.ColumnBlockProposalIDs, hash[:])
	if err != nil {
		return nil, fmt.Errorf("proposal ids get: %w", err)
	}
	if data == nil {
		return nil, nil
	}
	var ids []tx.ProposalShortID
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil, fmt.Errorf("proposal ids unmarshal: %w", err)
	}
	return ids, nil
}

// GetTransactionAddress locates a canonical transaction.
func (cs *ChainStore) GetTransactionAddress(txHash types.Hash) (*TransactionAddress, error) {
	data, err := cs.db.Get(storage.ColumnTransactionAddr, txHash[:])
	if err != nil {
		return nil, fmt.Errorf("tx address get: %w", err)
	}
	if data == nil {
		return nil, nil
	}
	var addr TransactionAddress
	if err := json.Unmarshal(data, &addr); err != nil {
		return nil, fmt.Errorf("tx address unmarshal: %w", err)
	}
	return &addr, nil
}

// GetTransaction retrieves one canonical transaction by slicing it out
// of its block body without decoding the rest.
func (cs *ChainStore) GetTransaction(txHash types.Hash) (*tx.Transaction, error) {
	addr, err := cs.GetTransactionAddress(txHash)
	if err != nil || addr == nil {
		return nil, err
	}
	body, err := cs.db.Get(storage.ColumnBlockBody, addr.BlockHash[:])
	if err != nil {
		return nil, fmt.Errorf("body get: %w", err)
	}
	if body == nil {
		return nil, fmt.Errorf("tx %s addressed into missing body %s", txHash, addr.BlockHash)
	}
	end := addr.Offset + addr.Length
	if int(end) > len(body) {
		return nil, fmt.Errorf("tx %s address past end of body %s", txHash, addr.BlockHash)
	}
	var t tx.Transaction
	if err := json.Unmarshal(body[addr.Offset:end], &t); err != nil {
		return nil, fmt.Errorf("tx unmarshal: %w", err)
	}
	return &t, nil
}

// GetOutputRoot returns a block's output-root commitment.
func (cs *ChainStore) GetOutputRoot(blockHash types.Hash) (types.Hash, bool, error) {
	data, err := cs.db.Get(storage.ColumnCellMeta, blockHash[:])
	if err != nil {
		return types.Hash{}, false, fmt.Errorf("output root get: %w", err)
	}
	if data == nil {
		return types.Hash{}, false, nil
	}
	root, err := types.BytesToHash(data)
	if err != nil {
		return types.Hash{}, false, fmt.Errorf("corrupt output root: %w", err)
	}
	return root, true, nil
}

// GetTransactionMeta retrieves a transaction's spent-bit set as of the
// given output root. Returns nil if absent.
func (cs *ChainStore) GetTransactionMeta(root, txHash types.Hash) (*tx.TransactionMeta, error) {
	data, err := cs.db.Get(storage.ColumnCellSet, metaKey(root, txHash))
	if err != nil {
		return nil, fmt.Errorf("transaction meta get: %w", err)
	}
	if data == nil {
		return nil, nil
	}
	var meta tx.TransactionMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("transaction meta unmarshal: %w", err)
	}
	return &meta, nil
}

// GetEpochExt retrieves an epoch's rollover data. Returns nil if absent.
func (cs *ChainStore) GetEpochExt(number uint64) (*block.EpochExt, error) {
	data, err := cs.db.Get(storage.ColumnEpoch, numberKey(number))
	if err != nil {
		return nil, fmt.Errorf("epoch get: %w", err)
	}
	if data == nil {
		return nil, nil
	}
	var epoch block.EpochExt
	if err := json.Unmarshal(data, &epoch); err != nil {
		return nil, fmt.Errorf("epoch unmarshal: %w", err)
	}
	return &epoch, nil
}

// GetBlockEpoch returns the epoch number a canonical block belongs to.
func (cs *ChainStore) GetBlockEpoch(blockHash types.Hash) (uint64, bool, error) {
	data, err := cs.db.Get(storage.ColumnBlockEpoch, blockHash[:])
	if err != nil {
		return 0, false, fmt.Errorf("block epoch get: %w", err)
	}
	if data == nil {
		return 0, false, nil
	}
	if len(data) != 8 {
		return 0, false, fmt.Errorf("corrupt block epoch entry: got %d bytes", len(data))
	}
	return binary.BigEndian.Uint64(data), true, nil
}
