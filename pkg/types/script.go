package types

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
)

// Script defines the spending authority of a cell output. The hash of a
// script (its lock fingerprint) identifies who can unlock the output.
type Script struct {
	CodeHash Hash     `json:"code_hash"`
	Args     [][]byte `json:"args"`
}

// scriptJSON is the JSON representation of a Script with hex-encoded args.
type scriptJSON struct {
	CodeHash Hash     `json:"code_hash"`
	Args     []string `json:"args"`
}

// MarshalJSON encodes the script with hex-encoded args.
func (s Script) MarshalJSON() ([]byte, error) {
	j := scriptJSON{CodeHash: s.CodeHash}
	for _, arg := range s.Args {
		j.Args = append(j.Args, hex.EncodeToString(arg))
	}
	return json.Marshal(j)
}

// UnmarshalJSON decodes a script with hex-encoded args.
func (s *Script) UnmarshalJSON(data []byte) error {
	var j scriptJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	s.CodeHash = j.CodeHash
	s.Args = nil
	for _, arg := range j.Args {
		b, err := hex.DecodeString(arg)
		if err != nil {
			return err
		}
		s.Args = append(s.Args, b)
	}
	return nil
}

// SerializeBytes returns the canonical byte representation used for
// hashing. Format: code_hash(32) | arg_count(4) | [arg_len(4) + arg]...
func (s Script) SerializeBytes() []byte {
	buf := make([]byte, 0, HashSize+8)
	buf = append(buf, s.CodeHash[:]...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(s.Args)))
	for _, arg := range s.Args {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(arg)))
		buf = append(buf, arg...)
	}
	return buf
}

// Equal reports whether two scripts are byte-for-byte identical.
func (s Script) Equal(other Script) bool {
	if s.CodeHash != other.CodeHash || len(s.Args) != len(other.Args) {
		return false
	}
	for i := range s.Args {
		if !bytes.Equal(s.Args[i], other.Args[i]) {
			return false
		}
	}
	return true
}
