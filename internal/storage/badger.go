package storage

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"
)

// BadgerDB implements DB using Badger. Columns are mapped onto a single
// Badger keyspace by prefixing every key with a one-byte column tag.
type BadgerDB struct {
	db *badger.DB
}

// NewBadger opens a Badger database at the given path.
func NewBadger(path string) (*BadgerDB, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil // Disable badger's built-in logging.

	db, err := badger.Open(opts)
	if err != nil {
		errMsg := err.Error()
		if strings.Contains(errMsg, "Cannot acquire directory lock") ||
			strings.Contains(errMsg, "resource temporarily unavailable") {
			return nil, fmt.Errorf("database at %s is locked by another process (is another chaind instance running?): %w", path, err)
		}
		return nil, fmt.Errorf("open database at %s: %w", path, err)
	}
	return &BadgerDB{db: db}, nil
}

// colKey prepends the column tag to a key.
func colKey(col Column, key []byte) []byte {
	out := make([]byte, 1+len(key))
	out[0] = byte(col)
	copy(out[1:], key)
	return out
}

// Get retrieves a value by key. Missing keys return (nil, nil).
func (b *BadgerDB) Get(col Column, key []byte) ([]byte, error) {
	var val []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(colKey(col, key))
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("badger get: %w", err)
	}
	return val, nil
}

// ForEach iterates over all keys in col with the given prefix, in
// ascending key order, within a single read transaction (point-in-time
// snapshot).
func (b *BadgerDB) ForEach(col Column, prefix []byte, fn func(key, value []byte) error) error {
	fullPrefix := colKey(col, prefix)
	return b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = fullPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(fullPrefix); it.ValidForPrefix(fullPrefix); it.Next() {
			item := it.Item()
			// Strip the column tag so callers see their logical key.
			key := item.KeyCopy(nil)[1:]
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := fn(key, val); err != nil {
				return err
			}
		}
		return nil
	})
}

// NewBatch creates a buffered batch committed in one update transaction.
func (b *BadgerDB) NewBatch() Batch {
	return &badgerBatch{db: b.db}
}

// Close closes the database.
func (b *BadgerDB) Close() error {
	return b.db.Close()
}

type badgerOp struct {
	key    []byte
	value  []byte
	delete bool
}

type badgerBatch struct {
	db  *badger.DB
	ops []badgerOp
}

func (bb *badgerBatch) Put(col Column, key, value []byte) error {
	v := make([]byte, len(value))
	copy(v, value)
	bb.ops = append(bb.ops, badgerOp{key: colKey(col, key), value: v})
	return nil
}

func (bb *badgerBatch) Delete(col Column, key []byte) error {
	bb.ops = append(bb.ops, badgerOp{key: colKey(col, key), delete: true})
	return nil
}

// Commit applies all buffered operations inside a single Badger update
// transaction. Observers see all of the batch's effects or none.
func (bb *badgerBatch) Commit() error {
	err := bb.db.Update(func(txn *badger.Txn) error {
		for _, op := range bb.ops {
			if op.delete {
				if err := txn.Delete(op.key); err != nil {
					return err
				}
			} else {
				if err := txn.Set(op.key, op.value); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("badger batch commit: %w", err)
	}
	bb.ops = nil
	return nil
}
