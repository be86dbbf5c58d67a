package chain

import (
	"errors"
	"fmt"
	"sort"

	"github.com/holiman/uint256"

	"github.com/nervoscommunity/ckb-miner-opt/config"
	"github.com/nervoscommunity/ckb-miner-opt/pkg/block"
	"github.com/nervoscommunity/ckb-miner-opt/pkg/tx"
	"github.com/nervoscommunity/ckb-miner-opt/pkg/types"
)

// Core boundary errors.
var (
	// ErrInvalidInput is returned when fee computation references a
	// previous transaction or output that is absent.
	ErrInvalidInput = errors.New("invalid input: previous output not found")
	// ErrInvalidOutput is returned when a transaction's outputs exceed
	// its inputs.
	ErrInvalidOutput = errors.New("invalid output: outputs exceed inputs")
	// ErrInconsistentState marks an invariant violation in the store,
	// e.g. a missing ext for a stored block. Callers should treat it as
	// fatal rather than retry.
	ErrInconsistentState = errors.New("inconsistent chain state")
)

// CellStatus is the answer to a cell lookup.
type CellStatus int

const (
	// CellUnknown means no such output exists.
	CellUnknown CellStatus = iota
	// CellCurrent means the output exists and is unspent.
	CellCurrent
	// CellOld means the output existed but is spent.
	CellOld
)

// String returns a human-readable status name.
func (s CellStatus) String() string {
	switch s {
	case CellCurrent:
		return "current"
	case CellOld:
		return "old"
	default:
		return "unknown"
	}
}

// Provider is the read-side facade over the chain store and the shared
// tip. All methods are safe for concurrent use with the single writer.
type Provider struct {
	store     *ChainStore
	tip       *TipState
	consensus *config.Consensus
}

// NewProvider builds a provider over the given store. On first start
// with an empty store it writes the genesis block.
func NewProvider(store *ChainStore, consensus *config.Consensus) (*Provider, error) {
	genesis, err := consensus.GenesisBlock()
	if err != nil {
		return nil, err
	}

	tipHash, ok, err := store.GetTipHash()
	if err != nil {
		return nil, err
	}
	if !ok {
		set := NewCellSet()
		if err := set.ApplyBlock(genesis); err != nil {
			return nil, fmt.Errorf("genesis cell set: %w", err)
		}
		root, err := set.Root()
		if err != nil {
			return nil, fmt.Errorf("genesis output root: %w", err)
		}
		if err := store.Init(genesis, root, set.Metas()); err != nil {
			return nil, fmt.Errorf("init store: %w", err)
		}
		tipHash = genesis.Hash()
	}

	header, err := store.GetHeader(tipHash)
	if err != nil {
		return nil, err
	}
	if header == nil {
		return nil, fmt.Errorf("%w: tip header %s missing", ErrInconsistentState, tipHash)
	}
	ext, err := store.GetBlockExt(tipHash)
	if err != nil {
		return nil, err
	}
	if ext == nil {
		return nil, fmt.Errorf("%w: ext missing for tip %s", ErrInconsistentState, tipHash)
	}
	root, _, err := store.GetOutputRoot(tipHash)
	if err != nil {
		return nil, err
	}

	return &Provider{
		store: store,
		tip: NewTipState(TipHeader{
			Header:          header,
			TotalDifficulty: ext.TotalDifficulty,
			OutputRoot:      root,
		}),
		consensus: consensus,
	}, nil
}

// Store returns the underlying chain store.
func (p *Provider) Store() *ChainStore {
	return p.store
}

// TipState returns the shared tip cursor.
func (p *Provider) TipState() *TipState {
	return p.tip
}

// Consensus returns the consensus parameters.
func (p *Provider) Consensus() *config.Consensus {
	return p.consensus
}

// GenesisHash returns the hash of the genesis block.
func (p *Provider) GenesisHash() types.Hash {
	genesis, err := p.consensus.GenesisBlock()
	if err != nil {
		return types.Hash{}
	}
	return genesis.Hash()
}

// BlockHeader returns a header by hash. The current tip is served from
// the shared cell so the view is never stale relative to it.
func (p *Provider) BlockHeader(hash types.Hash) (*block.Header, error) {
	tip := p.tip.Tip()
	if tip.Hash() == hash {
		return tip.Header, nil
	}
	return p.store.GetHeader(hash)
}

// Block returns a full block by hash.
func (p *Provider) Block(hash types.Hash) (*block.Block, error) {
	return p.store.GetBlock(hash)
}

// BlockBody returns a block's transactions by hash.
func (p *Provider) BlockBody(hash types.Hash) ([]*tx.Transaction, error) {
	return p.store.GetBlockBody(hash)
}

// BlockProposalIDs returns a block's own proposal short ids.
func (p *Provider) BlockProposalIDs(hash types.Hash) ([]tx.ProposalShortID, error) {
	return p.store.GetProposalIDs(hash)
}

// Uncles returns a block's uncle list.
func (p *Provider) Uncles(hash types.Hash) ([]block.UncleBlock, error) {
	return p.store.GetBlockUncles(hash)
}

// BlockHash returns the canonical hash at a number.
func (p *Provider) BlockHash(number types.BlockNumber) (types.Hash, bool, error) {
	return p.store.GetBlockHash(number)
}

// BlockExt returns a block's derived metadata.
func (p *Provider) BlockExt(hash types.Hash) (*block.BlockExt, error) {
	return p.store.GetBlockExt(hash)
}

// BlockNumber returns a canonical block's number.
func (p *Provider) BlockNumber(hash types.Hash) (types.BlockNumber, bool, error) {
	return p.store.GetBlockNumber(hash)
}

// OutputRoot returns a block's output-root commitment.
func (p *Provider) OutputRoot(hash types.Hash) (types.Hash, bool, error) {
	return p.store.GetOutputRoot(hash)
}

// GetTransaction returns a canonical transaction by hash.
func (p *Provider) GetTransaction(hash types.Hash) (*tx.Transaction, error) {
	return p.store.GetTransaction(hash)
}

// ContainTransaction reports whether a transaction is on the canonical
// chain.
func (p *Provider) ContainTransaction(hash types.Hash) (bool, error) {
	addr, err := p.store.GetTransactionAddress(hash)
	if err != nil {
		return false, err
	}
	return addr != nil, nil
}

// GetTransactionMeta returns a transaction's spent-bit set as of the
// current tip.
func (p *Provider) GetTransactionMeta(hash types.Hash) (*tx.TransactionMeta, error) {
	tip := p.tip.Tip()
	return p.store.GetTransactionMeta(tip.OutputRoot, hash)
}

// GetTransactionMetaAt returns a transaction's spent-bit set as of the
// given ancestor block.
func (p *Provider) GetTransactionMetaAt(hash, parent types.Hash) (*tx.TransactionMeta, error) {
	root, ok, err := p.store.GetOutputRoot(parent)
	if err != nil || !ok {
		return nil, err
	}
	return p.store.GetTransactionMeta(root, hash)
}

// BlockReward returns the base subsidy for a block number.
func (p *Provider) BlockReward(number types.BlockNumber) types.Capacity {
	return p.consensus.BlockReward(number)
}

// GetAncestor returns the ancestor of base at the target number, or nil
// if target is above base or the walk hits an unknown parent. Canonical
// bases resolve through the chain index; fork bases walk parent
// pointers header by header.
func (p *Provider) GetAncestor(base types.Hash, target types.BlockNumber) (*block.Header, error) {
	if number, ok, err := p.store.GetBlockNumber(base); err != nil {
		return nil, err
	} else if ok {
		// Confirm base really is canonical before trusting the index:
		// the number row could be stale mid-reorg.
		canonical, found, err := p.store.GetBlockHash(number)
		if err != nil {
			return nil, err
		}
		if found && canonical == base {
			if target > number {
				return nil, nil
			}
			hash, found, err := p.store.GetBlockHash(target)
			if err != nil || !found {
				return nil, err
			}
			return p.BlockHeader(hash)
		}
	}

	// Fork path: walk parent pointers.
	header, err := p.BlockHeader(base)
	if err != nil || header == nil {
		return nil, err
	}
	if target > header.Number {
		return nil, nil
	}
	walk := header
	for walk.Number > target {
		parent, err := p.BlockHeader(walk.ParentHash)
		if err != nil {
			return nil, err
		}
		if parent == nil {
			return nil, nil
		}
		walk = parent
	}
	return walk, nil
}

// UnionProposalIDsN returns one set per block in the window (bn-n, bn],
// newest first. Each set is the union of the block's own proposal ids
// and the ids carried by its uncles, deduplicated and sorted. A window
// clipped by genesis yields bn sets; an unknown hash at bn yields an
// empty outer slice.
func (p *Provider) UnionProposalIDsN(bn types.BlockNumber, n uint64) ([][]tx.ProposalShortID, error) {
	m := n
	if bn < n {
		m = bn
	}
	ret := make([][]tx.ProposalShortID, 0, m)

	hash, found, err := p.store.GetBlockHash(bn)
	if err != nil || !found {
		return ret, err
	}

	for i := uint64(0); i < m; i++ {
		ids, err := p.unionProposalIDs(hash)
		if err != nil {
			return nil, err
		}
		ret = append(ret, ids)

		header, err := p.BlockHeader(hash)
		if err != nil {
			return nil, err
		}
		if header == nil {
			return nil, fmt.Errorf("%w: header %s missing during proposal walk", ErrInconsistentState, hash)
		}
		hash = header.ParentHash
	}
	return ret, nil
}

// unionProposalIDs collects a block's proposal set: own ids plus the
// ids of every uncle, deduplicated and sorted for deterministic output.
func (p *Provider) unionProposalIDs(hash types.Hash) ([]tx.ProposalShortID, error) {
	set := make(map[tx.ProposalShortID]struct{})

	ids, err := p.store.GetProposalIDs(hash)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		set[id] = struct{}{}
	}

	uncles, err := p.store.GetBlockUncles(hash)
	if err != nil {
		return nil, err
	}
	for _, u := range uncles {
		for _, id := range u.Proposals {
			set[id] = struct{}{}
		}
	}

	out := make([]tx.ProposalShortID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool {
		for k := 0; k < tx.ShortIDSize; k++ {
			if out[i][k] != out[j][k] {
				return out[i][k] < out[j][k]
			}
		}
		return false
	})
	return out, nil
}

// CalculateTransactionFee computes the fee a miner can collect from a
// transaction: inputs minus outputs. Referencing a missing previous
// transaction yields ErrInvalidInput; outputs exceeding inputs yields
// ErrInvalidOutput.
func (p *Provider) CalculateTransactionFee(t *tx.Transaction) (types.Capacity, error) {
	var inputCapacity types.Capacity
	for _, in := range t.Inputs {
		prev, err := p.GetTransaction(in.PreviousOutput.TxHash)
		if err != nil {
			return 0, err
		}
		if prev == nil {
			return 0, fmt.Errorf("%w: %s", ErrInvalidInput, in.PreviousOutput)
		}
		if int(in.PreviousOutput.Index) >= len(prev.Outputs) {
			return 0, fmt.Errorf("%w: %s", ErrInvalidInput, in.PreviousOutput)
		}
		inputCapacity, err = inputCapacity.SafeAdd(prev.Outputs[in.PreviousOutput.Index].Capacity)
		if err != nil {
			return 0, err
		}
	}

	outputCapacity, err := t.OutputsCapacity()
	if err != nil {
		return 0, err
	}
	if outputCapacity > inputCapacity {
		return 0, fmt.Errorf("%w: %d > %d", ErrInvalidOutput, outputCapacity, inputCapacity)
	}
	return inputCapacity - outputCapacity, nil
}

// CalculateDifficulty returns the difficulty for the block following
// last. Off retarget boundaries it is last's difficulty unchanged; on a
// boundary it scales with the observed uncle rate over the window,
// clamped to [min_difficulty, 2 * last.difficulty]. The orphan rate
// target is applied as an exact rational.
func (p *Provider) CalculateDifficulty(last *block.Header) (*uint256.Int, error) {
	interval := p.consensus.DifficultyAdjustmentInterval
	lastDifficulty := last.DifficultyOrZero()

	if (last.Number+1)%interval != 0 {
		return new(uint256.Int).Set(lastDifficulty), nil
	}

	start := uint64(0)
	if last.Number > interval {
		start = last.Number - interval
	}
	lastHash := last.Hash()
	startHeader, err := p.GetAncestor(lastHash, start)
	if err != nil {
		return nil, err
	}
	if startHeader == nil {
		return nil, fmt.Errorf("%w: retarget ancestor %d unreachable from %s", ErrInconsistentState, start, lastHash)
	}

	startHash := startHeader.Hash()
	startExt, err := p.store.GetBlockExt(startHash)
	if err != nil {
		return nil, err
	}
	lastExt, err := p.store.GetBlockExt(lastHash)
	if err != nil {
		return nil, err
	}
	if startExt == nil || lastExt == nil {
		return nil, fmt.Errorf("%w: ext missing in retarget window", ErrInconsistentState)
	}

	uncles := lastExt.TotalUnclesCount - startExt.TotalUnclesCount
	orphan := p.consensus.OrphanRateTarget

	maxDifficulty := new(uint256.Int).Lsh(lastDifficulty, 1)

	// new = last * uncles * orphan.Den / (orphan.Num * interval), exact.
	difficulty := new(uint256.Int)
	if _, overflow := difficulty.MulOverflow(lastDifficulty, uint256.NewInt(uncles)); overflow {
		return maxDifficulty, nil
	}
	if _, overflow := difficulty.MulOverflow(difficulty, uint256.NewInt(orphan.Den)); overflow {
		return maxDifficulty, nil
	}
	divisor := new(uint256.Int).Mul(uint256.NewInt(orphan.Num), uint256.NewInt(interval))
	difficulty.Div(difficulty, divisor)

	if difficulty.Gt(maxDifficulty) {
		return maxDifficulty, nil
	}
	if difficulty.Lt(p.consensus.MinDifficulty) {
		return new(uint256.Int).Set(p.consensus.MinDifficulty), nil
	}
	return difficulty, nil
}

// FinalizeBlockReward computes the reward the cellbase of the block
// being sealed must pay. parent is the parent of the block under
// construction; the block actually being finalized (the target) sits
// one finalization delay below it. The target's miner receives the base
// subsidy plus the proposer share of every transaction the target was
// the first to propose that has since been committed.
func (p *Provider) FinalizeBlockReward(parent *block.Header) (types.Script, types.Capacity, error) {
	window := p.consensus.ProposalWindow
	delay := window.FinalizationDelay()

	// Younger than the delay: no target block exists yet; the bootstrap
	// lock collects the genesis-level subsidy.
	if parent.Number+1 < delay {
		return p.consensus.BootstrapLock, p.consensus.BlockReward(0), nil
	}
	targetNumber := parent.Number + 1 - delay

	parentHash := parent.Hash()
	targetHeader, err := p.GetAncestor(parentHash, targetNumber)
	if err != nil {
		return types.Script{}, 0, err
	}
	if targetHeader == nil {
		return types.Script{}, 0, fmt.Errorf("%w: finalization target %d unreachable from %s", ErrInconsistentState, targetNumber, parentHash)
	}
	targetHash := targetHeader.Hash()

	targetBody, err := p.store.GetBlockBody(targetHash)
	if err != nil {
		return types.Script{}, 0, err
	}
	if targetBody == nil {
		return types.Script{}, 0, fmt.Errorf("%w: body missing for finalization target %s", ErrInconsistentState, targetHash)
	}

	minerLock := p.consensus.BootstrapLock
	if len(targetBody) > 0 && targetBody[0].IsCellbase() {
		minerLock, err = targetBody[0].MinerLock()
		if err != nil {
			return types.Script{}, 0, fmt.Errorf("target cellbase: %w", err)
		}
	}

	proposed, err := p.unionProposalIDSet(targetHash)
	if err != nil {
		return types.Script{}, 0, err
	}

	reward := p.consensus.BlockReward(targetNumber)
	if len(proposed) == 0 {
		return minerLock, reward, nil
	}

	// Proposal sets are re-read per block number while scanning; cache
	// them across committed transactions.
	proposalCache := make(map[types.BlockNumber]map[tx.ProposalShortID]struct{})
	proposalCache[targetNumber] = proposed

	commitEnd := targetNumber + window.Far
	if commitEnd > parent.Number {
		commitEnd = parent.Number
	}
	for commitNumber := targetNumber + window.Close; commitNumber <= commitEnd; commitNumber++ {
		commitHeader, err := p.GetAncestor(parentHash, commitNumber)
		if err != nil {
			return types.Script{}, 0, err
		}
		if commitHeader == nil {
			return types.Script{}, 0, fmt.Errorf("%w: commit block %d unreachable from %s", ErrInconsistentState, commitNumber, parentHash)
		}
		body, err := p.store.GetBlockBody(commitHeader.Hash())
		if err != nil {
			return types.Script{}, 0, err
		}

		for _, t := range body {
			if t.IsCellbase() {
				continue
			}
			sid := t.ProposalShortID()
			if _, ok := proposed[sid]; !ok {
				continue
			}
			first, err := p.firstProposer(parentHash, commitNumber, sid, proposalCache)
			if err != nil {
				return types.Script{}, 0, err
			}
			if first != targetNumber {
				continue
			}
			fee, err := p.CalculateTransactionFee(t)
			if err != nil {
				return types.Script{}, 0, err
			}
			share, err := fee.SafeMulRatio(p.consensus.ProposerRewardRatio)
			if err != nil {
				return types.Script{}, 0, err
			}
			reward, err = reward.SafeAdd(share)
			if err != nil {
				return types.Script{}, 0, err
			}
		}
	}

	return minerLock, reward, nil
}

// firstProposer scans a committed transaction's eligible proposal
// window from its earliest block upward and returns the number of the
// first block whose proposal set contains the short id. A transaction
// proposed multiple times credits only the earliest proposer.
func (p *Provider) firstProposer(
	base types.Hash,
	commitNumber types.BlockNumber,
	sid tx.ProposalShortID,
	cache map[types.BlockNumber]map[tx.ProposalShortID]struct{},
) (types.BlockNumber, error) {
	window := p.consensus.ProposalWindow
	start := uint64(0)
	if commitNumber > window.Far {
		start = commitNumber - window.Far
	}
	for number := start; number+window.Close <= commitNumber; number++ {
		set, ok := cache[number]
		if !ok {
			header, err := p.GetAncestor(base, number)
			if err != nil {
				return 0, err
			}
			if header == nil {
				return 0, fmt.Errorf("%w: proposal block %d unreachable from %s", ErrInconsistentState, number, base)
			}
			set, err = p.unionProposalIDSet(header.Hash())
			if err != nil {
				return 0, err
			}
			cache[number] = set
		}
		if _, found := set[sid]; found {
			return number, nil
		}
	}
	return 0, fmt.Errorf("%w: committed transaction %s has no proposer in window", ErrInconsistentState, sid)
}

// unionProposalIDSet collects a block's own and uncle proposal ids as a
// set.
func (p *Provider) unionProposalIDSet(hash types.Hash) (map[tx.ProposalShortID]struct{}, error) {
	ids, err := p.unionProposalIDs(hash)
	if err != nil {
		return nil, err
	}
	set := make(map[tx.ProposalShortID]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set, nil
}

// Cell resolves an outpoint against the current tip.
func (p *Provider) Cell(op types.OutPoint) (CellStatus, *tx.CellOutput, error) {
	tip := p.tip.Tip()
	return p.cellWithRoot(op, tip.OutputRoot)
}

// CellAt resolves an outpoint as of the given ancestor block, used by
// validation against a specific parent.
func (p *Provider) CellAt(op types.OutPoint, parent types.Hash) (CellStatus, *tx.CellOutput, error) {
	root, ok, err := p.store.GetOutputRoot(parent)
	if err != nil {
		return CellUnknown, nil, err
	}
	if !ok {
		return CellUnknown, nil, nil
	}
	return p.cellWithRoot(op, root)
}

func (p *Provider) cellWithRoot(op types.OutPoint, root types.Hash) (CellStatus, *tx.CellOutput, error) {
	meta, err := p.store.GetTransactionMeta(root, op.TxHash)
	if err != nil {
		return CellUnknown, nil, err
	}
	if meta == nil || op.Index >= meta.Len() {
		return CellUnknown, nil, nil
	}
	if meta.IsSpent(op.Index) {
		return CellOld, nil, nil
	}
	t, err := p.GetTransaction(op.TxHash)
	if err != nil {
		return CellUnknown, nil, err
	}
	if t == nil {
		return CellUnknown, nil, fmt.Errorf("%w: meta present but transaction %s missing", ErrInconsistentState, op.TxHash)
	}
	out := t.Outputs[op.Index]
	return CellCurrent, &out, nil
}
