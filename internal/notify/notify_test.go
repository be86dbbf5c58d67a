package notify

import (
	"testing"
	"time"

	"github.com/nervoscommunity/ckb-miner-opt/pkg/block"
)

func blockAt(number uint64) *block.Block {
	return block.NewBlock(&block.Header{Number: number}, nil)
}

func TestNotifyFIFO(t *testing.T) {
	n := NewNotifier()
	ch := n.SubscribeNewTip("test")

	for i := uint64(1); i <= 3; i++ {
		n.NotifyNewTip(TipChange{AttachedBlocks: []*block.Block{blockAt(i)}})
	}

	for i := uint64(1); i <= 3; i++ {
		select {
		case change := <-ch:
			if got := change.AttachedBlocks[0].Header.Number; got != i {
				t.Fatalf("event %d carried block %d", i, got)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestCloseClosesSubscribers(t *testing.T) {
	n := NewNotifier()
	ch := n.SubscribeNewTip("test")

	n.NotifyNewTip(TipChange{AttachedBlocks: []*block.Block{blockAt(1)}})
	n.Close()

	// Buffered event drains first, then the close is observable.
	if _, ok := <-ch; !ok {
		t.Fatal("buffered event lost on close")
	}
	if _, ok := <-ch; ok {
		t.Fatal("channel still open after Close")
	}
}

func TestSubscribeAfterClose(t *testing.T) {
	n := NewNotifier()
	n.Close()
	ch := n.SubscribeNewTip("late")
	if _, ok := <-ch; ok {
		t.Fatal("late subscriber channel not closed")
	}
}

func TestMultipleSubscribers(t *testing.T) {
	n := NewNotifier()
	a := n.SubscribeNewTip("a")
	b := n.SubscribeNewTip("b")

	n.NotifyNewTip(TipChange{AttachedBlocks: []*block.Block{blockAt(7)}})

	for _, ch := range []<-chan TipChange{a, b} {
		select {
		case change := <-ch:
			if change.AttachedBlocks[0].Header.Number != 7 {
				t.Fatal("wrong block delivered")
			}
		case <-time.After(time.Second):
			t.Fatal("subscriber missed event")
		}
	}
}
