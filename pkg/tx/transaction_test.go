package tx

import (
	"encoding/json"
	"testing"

	"github.com/nervoscommunity/ckb-miner-opt/pkg/types"
)

func testLock(tag string) types.Script {
	return types.Script{Args: [][]byte{[]byte(tag)}}
}

func TestTransactionHashExcludesWitnesses(t *testing.T) {
	a := &Transaction{
		Inputs:  []CellInput{{PreviousOutput: types.OutPoint{TxHash: types.Hash{1}, Index: 0}}},
		Outputs: []CellOutput{{Capacity: 100, Lock: testLock("alice")}},
	}
	b := &Transaction{
		Inputs:    a.Inputs,
		Outputs:   a.Outputs,
		Witnesses: [][]byte{[]byte("signature")},
	}
	if a.Hash() != b.Hash() {
		t.Error("witness changed the transaction hash")
	}
}

func TestTransactionJSONRoundtrip(t *testing.T) {
	original := &Transaction{
		Version: 1,
		Deps:    []types.OutPoint{{TxHash: types.Hash{9}, Index: 2}},
		Inputs: []CellInput{{
			PreviousOutput: types.OutPoint{TxHash: types.Hash{1}, Index: 3},
			Args:           [][]byte{{0xde, 0xad}},
		}},
		Outputs: []CellOutput{{
			Capacity: 5000,
			Data:     []byte("payload"),
			Lock:     testLock("alice"),
			Type:     &types.Script{CodeHash: types.Hash{7}},
		}},
		Witnesses: [][]byte{[]byte("w0")},
	}

	data, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded Transaction
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Hash() != original.Hash() {
		t.Error("roundtrip changed the transaction hash")
	}
	if len(decoded.Witnesses) != 1 || string(decoded.Witnesses[0]) != "w0" {
		t.Errorf("witnesses lost in roundtrip: %v", decoded.Witnesses)
	}
}

func TestCellbase(t *testing.T) {
	miner := testLock("b0b")
	reward := testLock("treasury")

	cb, err := NewCellbase(42, miner, reward, 1000)
	if err != nil {
		t.Fatalf("NewCellbase: %v", err)
	}
	if !cb.IsCellbase() {
		t.Fatal("cellbase not recognized")
	}

	number, err := cb.CellbaseBlockNumber()
	if err != nil {
		t.Fatalf("CellbaseBlockNumber: %v", err)
	}
	if number != 42 {
		t.Errorf("block number = %d, want 42", number)
	}

	lock, err := cb.MinerLock()
	if err != nil {
		t.Fatalf("MinerLock: %v", err)
	}
	if !lock.Equal(miner) {
		t.Errorf("miner lock = %+v, want %+v", lock, miner)
	}
	if !cb.Outputs[0].Lock.Equal(reward) {
		t.Error("reward output lock mismatch")
	}
}

func TestCellbaseHashUniquePerNumber(t *testing.T) {
	lock := testLock("b0b")
	a, err := NewCellbase(1, lock, lock, 1000)
	if err != nil {
		t.Fatal(err)
	}
	b, err := NewCellbase(2, lock, lock, 1000)
	if err != nil {
		t.Fatal(err)
	}
	if a.Hash() == b.Hash() {
		t.Error("cellbases at different heights share a hash")
	}
}

func TestProposalShortID(t *testing.T) {
	txn := &Transaction{Outputs: []CellOutput{{Capacity: 1, Lock: testLock("x")}}}
	id := txn.ProposalShortID()
	hash := txn.Hash()
	for i := 0; i < ShortIDSize; i++ {
		if id[i] != hash[i] {
			t.Fatalf("short id byte %d = %x, want %x", i, id[i], hash[i])
		}
	}
}

func TestOutputsCapacityOverflow(t *testing.T) {
	txn := &Transaction{Outputs: []CellOutput{
		{Capacity: ^types.Capacity(0), Lock: testLock("x")},
		{Capacity: 1, Lock: testLock("x")},
	}}
	if _, err := txn.OutputsCapacity(); err == nil {
		t.Error("output capacity overflow not detected")
	}
}
