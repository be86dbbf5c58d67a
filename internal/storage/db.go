// Package storage provides the multi-column key-value store backing the
// chain state and the lock-hash index.
package storage

// Column identifies one key space of a DB. Column numbering is part of
// the on-disk contract; reordering is a breaking change.
type Column uint8

// Chain store column layout.
const (
	ColumnIndex Column = iota
	ColumnBlockHeader
	ColumnBlockBody
	ColumnBlockUncle
	ColumnMeta
	ColumnTransactionAddr
	ColumnExt
	ColumnBlockTransactionAddresses
	ColumnBlockProposalIDs
	ColumnCellMeta
	ColumnBlockEpoch
	ColumnEpoch
	ColumnCellSet
	ColumnUncles

	// ChainColumns is the number of columns in the chain store layout.
	ChainColumns = 14
)

// Lock-hash index column layout (a separate DB instance).
const (
	ColumnLockHashIndexState Column = iota
	ColumnLockHashLiveCell
	ColumnLockHashTransaction
	ColumnCellOutPointLockHash

	// LockIndexColumns is the number of columns in the lock index layout.
	LockIndexColumns = 4
)

// DB is the interface for multi-column key-value storage.
//
// Get returns (nil, nil) when the key is absent; absence is a valid
// answer, not an error.
type DB interface {
	Get(col Column, key []byte) ([]byte, error)
	// ForEach iterates over all keys in col with the given prefix, in
	// ascending key byte order, over a point-in-time snapshot of the
	// store. The callback receives copies of the key and value.
	// Return a non-nil error from fn to stop iteration early.
	ForEach(col Column, prefix []byte, fn func(key, value []byte) error) error
	// NewBatch creates a write batch. Commit is atomic across columns.
	NewBatch() Batch
	Close() error
}

// Batch accumulates writes that commit atomically: observers see either
// all of a batch's effects or none. A failed Commit leaves the store
// untouched.
type Batch interface {
	Put(col Column, key, value []byte) error
	Delete(col Column, key []byte) error
	Commit() error
}
