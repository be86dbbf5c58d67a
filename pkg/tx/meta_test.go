package tx

import (
	"encoding/json"
	"testing"
)

func TestTransactionMetaSpentBits(t *testing.T) {
	meta := NewTransactionMeta(3)
	if meta.Len() != 3 {
		t.Fatalf("len = %d, want 3", meta.Len())
	}
	if meta.IsSpent(0) || meta.IsSpent(1) || meta.IsSpent(2) {
		t.Fatal("fresh meta has spent bits")
	}

	if err := meta.SetSpent(1); err != nil {
		t.Fatalf("SetSpent: %v", err)
	}
	if !meta.IsSpent(1) || meta.IsSpent(0) {
		t.Error("spent bit not isolated to output 1")
	}
	if meta.FullySpent() {
		t.Error("partially spent reported as fully spent")
	}

	if err := meta.UnsetSpent(1); err != nil {
		t.Fatalf("UnsetSpent: %v", err)
	}
	if meta.IsSpent(1) {
		t.Error("unset bit still spent")
	}

	if err := meta.SetSpent(3); err == nil {
		t.Error("out-of-range SetSpent did not error")
	}
	if meta.IsSpent(7) {
		t.Error("out-of-range IsSpent reported true")
	}
}

func TestTransactionMetaFullySpent(t *testing.T) {
	meta := NewTransactionMeta(2)
	meta.SetSpent(0)
	meta.SetSpent(1)
	if !meta.FullySpent() {
		t.Error("all bits set but not fully spent")
	}
}

func TestTransactionMetaJSONRoundtrip(t *testing.T) {
	meta := NewTransactionMeta(5)
	meta.SetSpent(0)
	meta.SetSpent(4)

	data, err := json.Marshal(meta)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded TransactionMeta
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Len() != 5 {
		t.Fatalf("len = %d, want 5", decoded.Len())
	}
	for i := uint32(0); i < 5; i++ {
		if decoded.IsSpent(i) != meta.IsSpent(i) {
			t.Errorf("bit %d mismatch after roundtrip", i)
		}
	}
}

func TestTransactionMetaClone(t *testing.T) {
	meta := NewTransactionMeta(2)
	clone := meta.Clone()
	clone.SetSpent(0)
	if meta.IsSpent(0) {
		t.Error("mutating clone changed the original")
	}
}
