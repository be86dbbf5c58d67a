package types

import (
	"encoding/binary"
	"fmt"
)

// OutPoint references a specific output of a transaction.
type OutPoint struct {
	TxHash Hash   `json:"tx_hash"`
	Index  uint32 `json:"index"`
}

// IsNull returns true if the outpoint has a zero hash and max index.
// The null outpoint marks the synthetic cellbase input.
func (o OutPoint) IsNull() bool {
	return o.TxHash.IsZero() && o.Index == ^uint32(0)
}

// NullOutPoint returns the outpoint used by cellbase inputs.
func NullOutPoint() OutPoint {
	return OutPoint{Index: ^uint32(0)}
}

// Bytes returns the fixed-width key encoding: tx_hash(32) | index(be4).
func (o OutPoint) Bytes() []byte {
	b := make([]byte, HashSize+4)
	copy(b, o.TxHash[:])
	binary.BigEndian.PutUint32(b[HashSize:], o.Index)
	return b
}

// OutPointFromBytes decodes the fixed-width key encoding.
func OutPointFromBytes(b []byte) (OutPoint, error) {
	if len(b) != HashSize+4 {
		return OutPoint{}, fmt.Errorf("outpoint must be %d bytes, got %d", HashSize+4, len(b))
	}
	var o OutPoint
	copy(o.TxHash[:], b[:HashSize])
	o.Index = binary.BigEndian.Uint32(b[HashSize:])
	return o, nil
}

// String returns "tx_hash:index" in hex.
func (o OutPoint) String() string {
	return fmt.Sprintf("%s:%d", o.TxHash.String(), o.Index)
}
