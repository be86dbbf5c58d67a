// Package notify distributes tip-change events from the block
// processing pipeline to its subscribers.
package notify

import (
	"sync"

	"github.com/nervoscommunity/ckb-miner-opt/internal/log"
	"github.com/nervoscommunity/ckb-miner-opt/pkg/block"
)

// TipChange describes one committed reorganization or extension.
// Detached blocks are listed tip-first, attached blocks in canonical
// order. A pure extension has no detached blocks.
type TipChange struct {
	DetachedBlocks []*block.Block
	AttachedBlocks []*block.Block
}

// defaultBufferSize bounds how far a slow subscriber may fall behind
// before the publisher blocks.
const defaultBufferSize = 128

// Notifier fans tip-change events out to named subscribers in FIFO
// order. Closing the notifier closes every subscriber channel, which is
// the cancellation signal for their loops.
type Notifier struct {
	mu     sync.Mutex
	subs   map[string]chan TipChange
	closed bool
}

// NewNotifier creates an empty notifier.
func NewNotifier() *Notifier {
	return &Notifier{subs: make(map[string]chan TipChange)}
}

// SubscribeNewTip registers a named subscriber and returns its channel.
func (n *Notifier) SubscribeNewTip(name string) <-chan TipChange {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		ch := make(chan TipChange)
		close(ch)
		return ch
	}
	ch := make(chan TipChange, defaultBufferSize)
	n.subs[name] = ch
	return ch
}

// NotifyNewTip publishes an event to every subscriber. Delivery order
// per subscriber matches publish order; the send blocks if a
// subscriber's buffer is full so no event is dropped.
func (n *Notifier) NotifyNewTip(change TipChange) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		log.Notify.Warn().Msg("tip change published after close, dropped")
		return
	}
	for _, ch := range n.subs {
		ch <- change
	}
}

// Close closes every subscriber channel. Subscribers drain buffered
// events first and then observe the close.
func (n *Notifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	n.closed = true
	for _, ch := range n.subs {
		close(ch)
	}
}
