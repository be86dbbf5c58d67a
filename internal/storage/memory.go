package storage

import (
	"sort"
	"strings"
	"sync"
)

// MemoryDB implements DB using in-memory maps, one per column.
// Used by tests and ephemeral nodes.
type MemoryDB struct {
	mu   sync.RWMutex
	cols []map[string][]byte
}

// NewMemory creates an in-memory database with the given column count.
func NewMemory(columns int) *MemoryDB {
	cols := make([]map[string][]byte, columns)
	for i := range cols {
		cols[i] = make(map[string][]byte)
	}
	return &MemoryDB{cols: cols}
}

// Get retrieves a value by key. Missing keys return (nil, nil).
func (m *MemoryDB) Get(col Column, key []byte) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.cols[col][string(key)]
	if !ok {
		return nil, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

// ForEach iterates over all keys with the given prefix in ascending key
// order. The snapshot is taken when iteration starts, so the callback
// may write to the store without affecting the sequence.
func (m *MemoryDB) ForEach(col Column, prefix []byte, fn func(key, value []byte) error) error {
	p := string(prefix)

	m.mu.RLock()
	type kv struct {
		key   string
		value []byte
	}
	snapshot := make([]kv, 0)
	for k, v := range m.cols[col] {
		if strings.HasPrefix(k, p) {
			value := make([]byte, len(v))
			copy(value, v)
			snapshot = append(snapshot, kv{key: k, value: value})
		}
	}
	m.mu.RUnlock()

	sort.Slice(snapshot, func(i, j int) bool {
		return snapshot[i].key < snapshot[j].key
	})

	for _, e := range snapshot {
		if err := fn([]byte(e.key), e.value); err != nil {
			return err
		}
	}
	return nil
}

// NewBatch creates a buffered batch applied under one write lock.
func (m *MemoryDB) NewBatch() Batch {
	return &memoryBatch{db: m}
}

// Close closes the database.
func (m *MemoryDB) Close() error {
	return nil
}

type memoryOp struct {
	col    Column
	key    string
	value  []byte // unused when delete is set
	delete bool
}

type memoryBatch struct {
	db  *MemoryDB
	ops []memoryOp
}

func (b *memoryBatch) Put(col Column, key, value []byte) error {
	v := make([]byte, len(value))
	copy(v, value)
	b.ops = append(b.ops, memoryOp{col: col, key: string(key), value: v})
	return nil
}

func (b *memoryBatch) Delete(col Column, key []byte) error {
	b.ops = append(b.ops, memoryOp{col: col, key: string(key), delete: true})
	return nil
}

// Commit applies all buffered operations under a single write lock, so
// readers see either none or all of the batch.
func (b *memoryBatch) Commit() error {
	b.db.mu.Lock()
	defer b.db.mu.Unlock()
	for _, op := range b.ops {
		if op.delete {
			delete(b.db.cols[op.col], op.key)
		} else {
			b.db.cols[op.col][op.key] = op.value
		}
	}
	b.ops = nil
	return nil
}
