// Package tx defines transaction types and derived metadata.
package tx

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/nervoscommunity/ckb-miner-opt/pkg/crypto"
	"github.com/nervoscommunity/ckb-miner-opt/pkg/types"
)

// ShortIDSize is the length of a proposal short id in bytes.
const ShortIDSize = 10

// ProposalShortID is a truncated transaction fingerprint used when a
// miner proposes a transaction ahead of its commitment.
type ProposalShortID [ShortIDSize]byte

// String returns the hex-encoded short id.
func (id ProposalShortID) String() string {
	return hex.EncodeToString(id[:])
}

// MarshalJSON encodes the short id as a hex string.
func (id ProposalShortID) MarshalJSON() ([]byte, error) {
	return json.Marshal(id.String())
}

// UnmarshalJSON decodes a hex string into a short id.
func (id *ProposalShortID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("invalid short id hex: %w", err)
	}
	if len(b) != ShortIDSize {
		return fmt.Errorf("short id must be %d bytes, got %d", ShortIDSize, len(b))
	}
	copy(id[:], b)
	return nil
}

// ShortIDFromHash truncates a transaction hash to a proposal short id.
func ShortIDFromHash(h types.Hash) ProposalShortID {
	var id ProposalShortID
	copy(id[:], h[:ShortIDSize])
	return id
}

// CellInput references an output being consumed.
type CellInput struct {
	PreviousOutput types.OutPoint `json:"previous_output"`
	Args           [][]byte       `json:"args"`
}

// cellInputJSON is the JSON representation of CellInput with hex args.
type cellInputJSON struct {
	PreviousOutput types.OutPoint `json:"previous_output"`
	Args           []string       `json:"args"`
}

// MarshalJSON encodes the input with hex-encoded args.
func (in CellInput) MarshalJSON() ([]byte, error) {
	j := cellInputJSON{PreviousOutput: in.PreviousOutput}
	for _, arg := range in.Args {
		j.Args = append(j.Args, hex.EncodeToString(arg))
	}
	return json.Marshal(j)
}

// UnmarshalJSON decodes an input with hex-encoded args.
func (in *CellInput) UnmarshalJSON(data []byte) error {
	var j cellInputJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	in.PreviousOutput = j.PreviousOutput
	in.Args = nil
	for _, arg := range j.Args {
		b, err := hex.DecodeString(arg)
		if err != nil {
			return err
		}
		in.Args = append(in.Args, b)
	}
	return nil
}

// NewCellbaseInput builds the synthetic input of a cellbase transaction.
// The null outpoint marks it as minting; the block number rides in the
// args so each cellbase has a unique hash.
func NewCellbaseInput(number types.BlockNumber) CellInput {
	arg := make([]byte, 8)
	binary.BigEndian.PutUint64(arg, number)
	return CellInput{
		PreviousOutput: types.NullOutPoint(),
		Args:           [][]byte{arg},
	}
}

// CellOutput is a newly created cell.
type CellOutput struct {
	Capacity types.Capacity `json:"capacity"`
	Data     []byte         `json:"data"`
	Lock     types.Script   `json:"lock"`
	Type     *types.Script  `json:"type,omitempty"`
}

// cellOutputJSON is the JSON representation of CellOutput with hex data.
type cellOutputJSON struct {
	Capacity types.Capacity `json:"capacity"`
	Data     string         `json:"data"`
	Lock     types.Script   `json:"lock"`
	Type     *types.Script  `json:"type,omitempty"`
}

// MarshalJSON encodes the output with hex-encoded data.
func (out CellOutput) MarshalJSON() ([]byte, error) {
	return json.Marshal(cellOutputJSON{
		Capacity: out.Capacity,
		Data:     hex.EncodeToString(out.Data),
		Lock:     out.Lock,
		Type:     out.Type,
	})
}

// UnmarshalJSON decodes an output with hex-encoded data.
func (out *CellOutput) UnmarshalJSON(data []byte) error {
	var j cellOutputJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	out.Capacity = j.Capacity
	out.Lock = j.Lock
	out.Type = j.Type
	out.Data = nil
	if j.Data != "" {
		b, err := hex.DecodeString(j.Data)
		if err != nil {
			return err
		}
		out.Data = b
	}
	return nil
}

// LockHash returns the fingerprint of the output's lock script.
func (out CellOutput) LockHash() types.Hash {
	return crypto.ScriptHash(out.Lock)
}

// Transaction moves capacity from consumed cells to new cells.
type Transaction struct {
	Version   uint32           `json:"version"`
	Deps      []types.OutPoint `json:"deps"`
	Inputs    []CellInput      `json:"inputs"`
	Outputs   []CellOutput     `json:"outputs"`
	Witnesses [][]byte         `json:"witnesses"`
}

// transactionJSON is the JSON representation with hex-encoded witnesses.
type transactionJSON struct {
	Version   uint32           `json:"version"`
	Deps      []types.OutPoint `json:"deps"`
	Inputs    []CellInput      `json:"inputs"`
	Outputs   []CellOutput     `json:"outputs"`
	Witnesses []string         `json:"witnesses"`
}

// MarshalJSON encodes the transaction with hex-encoded witnesses.
func (t *Transaction) MarshalJSON() ([]byte, error) {
	j := transactionJSON{
		Version: t.Version,
		Deps:    t.Deps,
		Inputs:  t.Inputs,
		Outputs: t.Outputs,
	}
	for _, w := range t.Witnesses {
		j.Witnesses = append(j.Witnesses, hex.EncodeToString(w))
	}
	return json.Marshal(j)
}

// UnmarshalJSON decodes a transaction with hex-encoded witnesses.
func (t *Transaction) UnmarshalJSON(data []byte) error {
	var j transactionJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	t.Version = j.Version
	t.Deps = j.Deps
	t.Inputs = j.Inputs
	t.Outputs = j.Outputs
	t.Witnesses = nil
	for _, w := range j.Witnesses {
		b, err := hex.DecodeString(w)
		if err != nil {
			return err
		}
		t.Witnesses = append(t.Witnesses, b)
	}
	return nil
}

// Hash computes the transaction fingerprint (BLAKE3 of the serialized
// transaction, excluding witnesses).
func (t *Transaction) Hash() types.Hash {
	return crypto.Hash(t.SerializeBytes())
}

// SerializeBytes returns the canonical byte representation used for
// hashing. Witnesses are excluded so the hash is stable under witness
// substitution.
func (t *Transaction) SerializeBytes() []byte {
	var buf []byte
	buf = binary.LittleEndian.AppendUint32(buf, t.Version)

	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(t.Deps)))
	for _, dep := range t.Deps {
		buf = append(buf, dep.Bytes()...)
	}

	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(t.Inputs)))
	for _, in := range t.Inputs {
		buf = append(buf, in.PreviousOutput.Bytes()...)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(in.Args)))
		for _, arg := range in.Args {
			buf = binary.LittleEndian.AppendUint32(buf, uint32(len(arg)))
			buf = append(buf, arg...)
		}
	}

	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(t.Outputs)))
	for _, out := range t.Outputs {
		buf = binary.LittleEndian.AppendUint64(buf, uint64(out.Capacity))
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(out.Data)))
		buf = append(buf, out.Data...)
		buf = append(buf, out.Lock.SerializeBytes()...)
		if out.Type != nil {
			buf = append(buf, 1)
			buf = append(buf, out.Type.SerializeBytes()...)
		} else {
			buf = append(buf, 0)
		}
	}

	return buf
}

// ProposalShortID returns the truncated fingerprint used in proposals.
func (t *Transaction) ProposalShortID() ProposalShortID {
	return ShortIDFromHash(t.Hash())
}

// IsCellbase reports whether this is the block's coinbase transaction:
// a single input naming the null outpoint.
func (t *Transaction) IsCellbase() bool {
	return len(t.Inputs) == 1 && t.Inputs[0].PreviousOutput.IsNull()
}

// CellbaseBlockNumber returns the block number carried in a cellbase
// input's args.
func (t *Transaction) CellbaseBlockNumber() (types.BlockNumber, error) {
	if !t.IsCellbase() {
		return 0, fmt.Errorf("not a cellbase transaction")
	}
	if len(t.Inputs[0].Args) == 0 || len(t.Inputs[0].Args[0]) != 8 {
		return 0, fmt.Errorf("malformed cellbase input args")
	}
	return binary.BigEndian.Uint64(t.Inputs[0].Args[0]), nil
}

// MinerLock decodes the miner lock script recorded in the cellbase
// witness. Reward finalization uses it to identify the block's miner.
func (t *Transaction) MinerLock() (types.Script, error) {
	if !t.IsCellbase() {
		return types.Script{}, fmt.Errorf("not a cellbase transaction")
	}
	if len(t.Witnesses) == 0 {
		return types.Script{}, fmt.Errorf("cellbase has no witness")
	}
	var lock types.Script
	if err := json.Unmarshal(t.Witnesses[0], &lock); err != nil {
		return types.Script{}, fmt.Errorf("decode miner lock witness: %w", err)
	}
	return lock, nil
}

// NewCellbase builds a block's coinbase transaction: one synthetic input
// carrying the block number, one reward output, and the miner lock in
// the witness.
func NewCellbase(number types.BlockNumber, minerLock, rewardLock types.Script, reward types.Capacity) (*Transaction, error) {
	witness, err := json.Marshal(minerLock)
	if err != nil {
		return nil, fmt.Errorf("encode miner lock witness: %w", err)
	}
	return &Transaction{
		Version: 0,
		Inputs:  []CellInput{NewCellbaseInput(number)},
		Outputs: []CellOutput{{
			Capacity: reward,
			Lock:     rewardLock,
		}},
		Witnesses: [][]byte{witness},
	}, nil
}

// OutputsCapacity returns the checked sum of all output capacities.
func (t *Transaction) OutputsCapacity() (types.Capacity, error) {
	var total types.Capacity
	var err error
	for _, out := range t.Outputs {
		if total, err = total.SafeAdd(out.Capacity); err != nil {
			return 0, err
		}
	}
	return total, nil
}
