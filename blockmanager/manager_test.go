package blockmanager

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeOwner is a minimal BlockOwner for exercising the manager without the
// sequence package.
type fakeOwner struct {
	seqID  int
	length int
	blocks []int
}

func (f *fakeOwner) SeqID() int                          { return f.seqID }
func (f *fakeOwner) Len() int                            { return f.length }
func (f *fakeOwner) LogicalBlockTable() []int             { return f.blocks }
func (f *fakeOwner) SetLogicalBlockTable(blocks []int)    { f.blocks = blocks }
func (f *fakeOwner) AppendLogicalBlock(blockID int)       { f.blocks = append(f.blocks, blockID) }
func (f *fakeOwner) NumLogicalSlots() int                 { return len(f.blocks) }

func TestEnsureCapacity_AllocatesExactlyEnoughBlocks(t *testing.T) {
	m := NewManager(4, 4, 4) // 4 blocks of 4 tokens each = 16 tokens
	owner := &fakeOwner{seqID: 1, length: 6}

	require.NoError(t, m.EnsureCapacity(owner, 6))
	assert.Equal(t, 2, owner.NumLogicalSlots()) // ceil(6/4) = 2
	assert.Equal(t, int64(2), m.GetNumFreeGPUBlocks())
}

func TestEnsureCapacity_Idempotent_WhenAlreadySufficient(t *testing.T) {
	m := NewManager(4, 4, 4)
	owner := &fakeOwner{seqID: 1, length: 6}
	require.NoError(t, m.EnsureCapacity(owner, 6))
	free := m.GetNumFreeGPUBlocks()

	require.NoError(t, m.EnsureCapacity(owner, 6))
	assert.Equal(t, free, m.GetNumFreeGPUBlocks(), "re-ensuring the same capacity must not allocate again")
}

func TestForkFree_Symmetry_RefcountReturnsToZero(t *testing.T) {
	m := NewManager(4, 4, 4)
	parent := &fakeOwner{seqID: 1, length: 5}
	require.NoError(t, m.EnsureCapacity(parent, 5))

	child := &fakeOwner{seqID: 2}
	m.Fork(parent, child)

	for _, id := range parent.LogicalBlockTable() {
		assert.EqualValues(t, 2, m.RefCount(id))
	}

	m.Free(child)
	for _, id := range parent.LogicalBlockTable() {
		assert.EqualValues(t, 1, m.RefCount(id))
	}

	m.Free(parent)
	assert.Equal(t, m.NumTotalGPUBlocks(), m.GetNumFreeGPUBlocks(), "every block must return to the free pool")
}

func TestAppendSlot_CopyOnWrite_WhenBlockShared(t *testing.T) {
	m := NewManager(4, 0, 4)
	parent := &fakeOwner{seqID: 1, length: 3} // one partially-filled block
	require.NoError(t, m.EnsureCapacity(parent, 3))

	child := &fakeOwner{seqID: 2, length: 3}
	m.Fork(parent, child)
	child.length = 3

	cow, err := m.AppendSlot(child)
	require.NoError(t, err)
	require.NotNil(t, cow, "writing into a shared last block must trigger copy-on-write")
	assert.NotEqual(t, cow.Src, cow.Dst)
	assert.EqualValues(t, 1, m.RefCount(cow.Src), "parent's original block drops back to sole ownership")
	assert.EqualValues(t, 1, m.RefCount(cow.Dst))
}

func TestAppendSlot_NewBlock_WhenExactlyFull(t *testing.T) {
	m := NewManager(4, 0, 4)
	owner := &fakeOwner{seqID: 1, length: 4}
	require.NoError(t, m.EnsureCapacity(owner, 4))
	owner.length = 4

	cow, err := m.AppendSlot(owner)
	require.NoError(t, err)
	assert.Nil(t, cow, "starting a fresh block never needs a copy")
	assert.Equal(t, 2, owner.NumLogicalSlots())
}

func TestCanAllocate_Never_WhenPromptExceedsTotalCapacity(t *testing.T) {
	m := NewManager(2, 0, 4) // 8 tokens total capacity
	assert.Equal(t, Never, m.CanAllocate(9))
}

func TestCanAllocate_Later_WhenPoolTemporarilyFull(t *testing.T) {
	m := NewManager(2, 0, 4)
	owner := &fakeOwner{seqID: 1, length: 8}
	require.NoError(t, m.EnsureCapacity(owner, 8))

	assert.Equal(t, Later, m.CanAllocate(4))
}
