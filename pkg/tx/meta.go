package tx

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/bits-and-blooms/bitset"
)

// TransactionMeta tracks which outputs of a transaction are spent. Bit i
// is set iff output i is consumed. Metas are versioned by the output-root
// commitment of the block they describe, so "as of block B" queries stay
// answerable after the tip moves on.
type TransactionMeta struct {
	outputs uint32
	spent   *bitset.BitSet
}

// NewTransactionMeta creates a meta for a transaction with the given
// number of outputs, all unspent.
func NewTransactionMeta(outputs uint32) *TransactionMeta {
	return &TransactionMeta{
		outputs: outputs,
		spent:   bitset.New(uint(outputs)),
	}
}

// Len returns the number of outputs tracked.
func (m *TransactionMeta) Len() uint32 {
	return m.outputs
}

// IsSpent reports whether output i is consumed. Out-of-range indexes
// report false; the caller distinguishes unknown outputs via Len.
func (m *TransactionMeta) IsSpent(i uint32) bool {
	if i >= m.outputs {
		return false
	}
	return m.spent.Test(uint(i))
}

// SetSpent marks output i as consumed.
func (m *TransactionMeta) SetSpent(i uint32) error {
	if i >= m.outputs {
		return fmt.Errorf("output index %d out of range (%d outputs)", i, m.outputs)
	}
	m.spent.Set(uint(i))
	return nil
}

// UnsetSpent marks output i as live again (reorg rollback).
func (m *TransactionMeta) UnsetSpent(i uint32) error {
	if i >= m.outputs {
		return fmt.Errorf("output index %d out of range (%d outputs)", i, m.outputs)
	}
	m.spent.Clear(uint(i))
	return nil
}

// FullySpent reports whether every output is consumed.
func (m *TransactionMeta) FullySpent() bool {
	return m.spent.Count() == uint(m.outputs)
}

// Clone returns an independent copy.
func (m *TransactionMeta) Clone() *TransactionMeta {
	return &TransactionMeta{
		outputs: m.outputs,
		spent:   m.spent.Clone(),
	}
}

// transactionMetaJSON is the serialized form: output count plus the
// hex-encoded bit set.
type transactionMetaJSON struct {
	Outputs uint32 `json:"outputs"`
	Spent   string `json:"spent"`
}

// MarshalJSON encodes the meta with a hex-encoded bit set.
func (m *TransactionMeta) MarshalJSON() ([]byte, error) {
	bits, err := m.spent.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("meta bitset marshal: %w", err)
	}
	return json.Marshal(transactionMetaJSON{
		Outputs: m.outputs,
		Spent:   hex.EncodeToString(bits),
	})
}

// UnmarshalJSON decodes the meta.
func (m *TransactionMeta) UnmarshalJSON(data []byte) error {
	var j transactionMetaJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	bits, err := hex.DecodeString(j.Spent)
	if err != nil {
		return fmt.Errorf("meta bitset hex: %w", err)
	}
	m.outputs = j.Outputs
	m.spent = bitset.New(uint(j.Outputs))
	if err := m.spent.UnmarshalBinary(bits); err != nil {
		return fmt.Errorf("meta bitset unmarshal: %w", err)
	}
	return nil
}
