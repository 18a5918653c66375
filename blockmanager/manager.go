// Package blockmanager implements the paged KV-cache block manager
// (spec.md §4.B): allocation, copy-on-write append, fork-by-reference, and
// GPU<->CPU swap of logical-to-physical block mappings, with explicit
// reference counting. Physical blocks are modeled as an arena of integer
// ids with per-block refcounts — never as shared owning handles embedded in
// a sequence (spec.md §9 design note).
package blockmanager

import "fmt"

// AllocStatus is the outcome of a feasibility check against the GPU pool.
type AllocStatus int

const (
	// OK means the allocation can proceed right now.
	OK AllocStatus = iota
	// Later means the GPU pool is currently too full, but the request
	// could be admitted once other sequences free blocks.
	Later
	// Never means the request can never fit, even against an empty pool
	// (e.g. the prompt is longer than total GPU capacity).
	Never
)

func (s AllocStatus) String() string {
	switch s {
	case OK:
		return "OK"
	case Later:
		return "LATER"
	case Never:
		return "NEVER"
	default:
		return "UNKNOWN"
	}
}

// COWMapping is a copy-on-write directive: the worker must copy the
// contents of Src into Dst before the next write lands in Dst. Emitted
// explicitly by AppendSlot, never as an implicit side effect of a write
// (spec.md §9 design note).
type COWMapping struct {
	Src int
	Dst int
}

// Manager is the paged KV-cache block manager. It is single-writer: the
// step driver and output processor are the only callers, never
// concurrently (spec.md §5), so Manager takes no internal lock.
type Manager struct {
	blockSizeTokens int
	gpu             *pool
	cpu             *pool
	gpuSize         int

	// allocTable mirrors sequence id -> ordered physical block ids. It is
	// authoritative; BlockOwner.LogicalBlockTable is kept in sync on every
	// mutation so callers can read either.
	allocTable map[int][]int
}

// NewManager creates a block manager with the given GPU/CPU pool sizes
// (already the minimum across workers per the fan-out controller's startup
// sequence, spec.md §4.D) and block size in tokens.
func NewManager(numGPUBlocks, numCPUBlocks, blockSizeTokens int) *Manager {
	return &Manager{
		blockSizeTokens: blockSizeTokens,
		gpu:             newPool(numGPUBlocks, 0),
		cpu:             newPool(numCPUBlocks, numGPUBlocks),
		gpuSize:         numGPUBlocks,
		allocTable:      make(map[int][]int),
	}
}

func (m *Manager) BlockSizeTokens() int { return m.blockSizeTokens }

func (m *Manager) numBlocksNeeded(numTokens int) int {
	if numTokens == 0 {
		return 0
	}
	return (numTokens + m.blockSizeTokens - 1) / m.blockSizeTokens
}

func (m *Manager) locate(id int) (*pool, int) {
	if id < m.gpuSize {
		return m.gpu, id
	}
	return m.cpu, id - m.gpuSize
}

// CanAllocate checks whether numTokens worth of blocks fit (spec.md §4.B
// can_allocate). The group-level call in the scheduler passes the prompt
// length of its representative sequence.
func (m *Manager) CanAllocate(numTokens int) AllocStatus {
	needed := m.numBlocksNeeded(numTokens)
	if needed > m.gpu.size() {
		return Never
	}
	if needed > m.gpu.numFree {
		return Later
	}
	return OK
}

// Allocate assigns fresh GPU physical blocks, refcount 1, for all of owner's
// current tokens. Returns an error if the GPU pool cannot satisfy the
// request — callers should have checked CanAllocate first.
func (m *Manager) Allocate(owner BlockOwner) error {
	return m.EnsureCapacity(owner, owner.Len())
}

// EnsureCapacity grows owner's logical block table, if needed, so that it
// has capacity for computedTokens tokens, allocating only the missing
// blocks (fresh, refcount 1 — never shared, since a sequence is never
// forked before it has sampled at least one token, spec.md §4.F). This
// generalizes can_allocate/allocate to the incremental growth chunked
// prefill requires (spec.md §4.C rule 4): the scheduler calls it once per
// prefill chunk with the new cumulative computed-token count, instead of
// looping a single-token primitive.
func (m *Manager) EnsureCapacity(owner BlockOwner, computedTokens int) error {
	needed := m.numBlocksNeeded(computedTokens)
	have := owner.NumLogicalSlots()
	if needed <= have {
		return nil
	}
	delta := needed - have
	if delta > m.gpu.numFree {
		return fmt.Errorf("blockmanager: cannot grow seq %d by %d blocks, %d free", owner.SeqID(), delta, m.gpu.numFree)
	}
	for i := 0; i < delta; i++ {
		local := m.gpu.popFree()
		blk := &m.gpu.blocks[local]
		blk.refCount = 1
		owner.AppendLogicalBlock(blk.id)
	}
	m.allocTable[owner.SeqID()] = append([]int(nil), owner.LogicalBlockTable()...)
	return nil
}

// CanEnsureCapacity reports whether EnsureCapacity(owner, computedTokens)
// would succeed against the GPU pool's current free count.
func (m *Manager) CanEnsureCapacity(owner BlockOwner, computedTokens int) bool {
	needed := m.numBlocksNeeded(computedTokens) - owner.NumLogicalSlots()
	if needed <= 0 {
		return true
	}
	return needed <= m.gpu.numFree
}

// CanAppendSlot reports whether one more token can be appended to owner.
// When owner's current token count is an exact multiple of the block size,
// the next token starts a new logical block and a free GPU block is
// required; otherwise the token lands in the existing last block and the
// answer is always true (spec.md §4.B).
func (m *Manager) CanAppendSlot(owner BlockOwner) bool {
	if owner.Len()%m.blockSizeTokens != 0 {
		return true // appends into the existing, non-full last block
	}
	return m.gpu.numFree > 0
}

// AppendSlot extends owner by one token's worth of block bookkeeping. If
// the token starts a new logical block, a fresh GPU block is allocated. If
// it instead lands in the existing last block and that block is shared
// (refcount > 1), AppendSlot performs copy-on-write: a new block is
// allocated, the old block's refcount is decremented, and a COWMapping is
// returned so the worker can copy before writing.
func (m *Manager) AppendSlot(owner BlockOwner) (*COWMapping, error) {
	n := owner.Len()
	if n%m.blockSizeTokens == 0 {
		// Existing blocks are exactly full (or there are none yet): the
		// next token starts a brand new block.
		local := m.gpu.popFree()
		if local == -1 {
			return nil, fmt.Errorf("blockmanager: no free GPU blocks to extend seq %d", owner.SeqID())
		}
		blk := &m.gpu.blocks[local]
		blk.refCount = 1
		owner.AppendLogicalBlock(blk.id)
		m.allocTable[owner.SeqID()] = append(m.allocTable[owner.SeqID()], blk.id)
		return nil, nil
	}

	table := owner.LogicalBlockTable()
	lastIdx := len(table) - 1
	lastID := table[lastIdx]
	p, local := m.locate(lastID)
	if p.blocks[local].refCount <= 1 {
		return nil, nil // sole owner: write in place, no COW needed
	}

	// Shared last block: copy-on-write.
	newLocal := m.gpu.popFree()
	if newLocal == -1 {
		return nil, fmt.Errorf("blockmanager: no free GPU blocks for copy-on-write on seq %d", owner.SeqID())
	}
	newBlk := &m.gpu.blocks[newLocal]
	newBlk.refCount = 1

	p.blocks[local].refCount--
	if p.blocks[local].refCount == 0 {
		p.pushFree(local)
	}

	newTable := append([]int(nil), table...)
	newTable[lastIdx] = newBlk.id
	owner.SetLogicalBlockTable(newTable)
	m.allocTable[owner.SeqID()] = newTable

	return &COWMapping{Src: lastID, Dst: newBlk.id}, nil
}

// Fork makes child's logical block table a by-reference copy of parent's,
// incrementing every shared physical block's refcount. All fork_seq calls
// for a step must happen before any free_seq calls in that same step so a
// shared block is never released while still referenced (spec.md §4.F, §5).
func (m *Manager) Fork(parent, child BlockOwner) {
	table := append([]int(nil), parent.LogicalBlockTable()...)
	for _, id := range table {
		p, local := m.locate(id)
		p.blocks[local].refCount++
	}
	child.SetLogicalBlockTable(table)
	m.allocTable[child.SeqID()] = table
}

// Free decrements the refcount of every physical block owner references;
// any block that reaches zero returns to its pool's free list.
func (m *Manager) Free(owner BlockOwner) {
	ids := m.allocTable[owner.SeqID()]
	for _, id := range ids {
		p, local := m.locate(id)
		if p.blocks[local].refCount == 0 {
			continue
		}
		p.blocks[local].refCount--
		if p.blocks[local].refCount == 0 {
			p.pushFree(local)
		}
	}
	delete(m.allocTable, owner.SeqID())
	owner.SetLogicalBlockTable(nil)
}

// CanSwapOut reports whether the CPU pool has room for owner's blocks.
func (m *Manager) CanSwapOut(owner BlockOwner) bool {
	return m.cpu.numFree >= owner.NumLogicalSlots()
}

// CanSwapIn reports whether the GPU pool has room for owner's blocks.
func (m *Manager) CanSwapIn(owner BlockOwner) bool {
	return m.gpu.numFree >= owner.NumLogicalSlots()
}

// SwapOut moves owner's blocks from the GPU pool to the CPU pool, one new
// CPU block per logical slot. Returns the source(GPU)->destination(CPU)
// block-id map the scheduler aggregates into SchedulerOutputs.BlocksToSwapOut.
func (m *Manager) SwapOut(owner BlockOwner) (map[int]int, error) {
	return m.swap(owner, m.gpu, m.cpu)
}

// SwapIn moves owner's blocks from the CPU pool back to the GPU pool.
func (m *Manager) SwapIn(owner BlockOwner) (map[int]int, error) {
	return m.swap(owner, m.cpu, m.gpu)
}

func (m *Manager) swap(owner BlockOwner, src, dst *pool) (map[int]int, error) {
	old := owner.LogicalBlockTable()
	if dst.numFree < len(old) {
		return nil, fmt.Errorf("blockmanager: destination pool has %d free, need %d for seq %d", dst.numFree, len(old), owner.SeqID())
	}
	moved := make(map[int]int, len(old))
	newTable := make([]int, len(old))
	for i, oldID := range old {
		srcPool, srcLocal := m.locate(oldID)
		if srcPool != src {
			return nil, fmt.Errorf("blockmanager: seq %d block %d is not in the expected source pool", owner.SeqID(), oldID)
		}
		dstLocal := dst.popFree()
		dstBlk := &dst.blocks[dstLocal]
		dstBlk.refCount = 1
		moved[oldID] = dstBlk.id
		newTable[i] = dstBlk.id

		srcPool.blocks[srcLocal].refCount--
		if srcPool.blocks[srcLocal].refCount == 0 {
			srcPool.pushFree(srcLocal)
		}
	}
	owner.SetLogicalBlockTable(newTable)
	m.allocTable[owner.SeqID()] = newTable
	return moved, nil
}

func (m *Manager) GetNumFreeGPUBlocks() int64 { return int64(m.gpu.numFree) }
func (m *Manager) GetNumFreeCPUBlocks() int64 { return int64(m.cpu.numFree) }
func (m *Manager) NumTotalGPUBlocks() int64   { return int64(m.gpu.size()) }
func (m *Manager) NumTotalCPUBlocks() int64   { return int64(m.cpu.size()) }

// RefCount returns the current refcount of a physical block id, for tests
// and invariant checks.
func (m *Manager) RefCount(blockID int) uint32 {
	p, local := m.locate(blockID)
	return p.blocks[local].refCount
}
