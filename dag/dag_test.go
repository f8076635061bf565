package dag

import (
	"testing"

	"ouro/logs"
	"ouro/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testLogger = logs.Logger{Addr: "test", Role: "Heavy"}

func makeBlock(height uint64, parentHash string, view uint64, qcSigners int) *types.Block {
	b := &types.Block{
		Height:     height,
		ParentHash: parentHash,
		View:       view,
		Proposer:   "ouro1proposer",
	}
	if qcSigners > 0 {
		signers := make([]string, qcSigners)
		for i := range signers {
			signers[i] = string(rune('a' + i))
		}
		b.ParentQC = &types.QuorumCertificate{
			BlockHash: parentHash,
			View:      view - 1,
			Signers:   signers,
		}
	}
	return b
}

func TestInsertAndGet(t *testing.T) {
	d := NewDag("genesis", 0, 16, testLogger)

	b1 := makeBlock(1, "genesis", 1, 3)
	require.NoError(t, d.Insert(b1))
	assert.ErrorIs(t, d.Insert(b1), ErrDuplicateBlock)

	got, ok := d.Get(b1.Hash())
	require.True(t, ok)
	assert.Equal(t, uint64(1), got.Height)
	assert.Equal(t, 1, d.Size())
}

func TestOrphanAdoption(t *testing.T) {
	d := NewDag("genesis", 0, 16, testLogger)

	b1 := makeBlock(1, "genesis", 1, 3)
	b2 := makeBlock(2, b1.Hash(), 2, 3)
	b3 := makeBlock(3, b2.Hash(), 3, 3)

	// 乱序到达：孙辈先到，进孤块缓冲
	assert.ErrorIs(t, d.Insert(b3), ErrUnknownParent)
	assert.ErrorIs(t, d.Insert(b2), ErrUnknownParent)
	assert.Equal(t, 2, d.OrphanCount())
	assert.Equal(t, 0, d.Size())

	// 父块补齐后级联挂接
	require.NoError(t, d.Insert(b1))
	assert.Equal(t, 3, d.Size())
	assert.Equal(t, 0, d.OrphanCount())
	assert.Equal(t, b3.Hash(), d.HeaviestChainTip())
}

func TestOrphanBufferBounded(t *testing.T) {
	d := NewDag("genesis", 0, 2, testLogger)

	assert.ErrorIs(t, d.Insert(makeBlock(2, "unknown1", 2, 1)), ErrUnknownParent)
	assert.ErrorIs(t, d.Insert(makeBlock(2, "unknown2", 2, 1)), ErrUnknownParent)
	assert.ErrorIs(t, d.Insert(makeBlock(2, "unknown3", 2, 1)), ErrOrphanOverflow)
}

func TestHeaviestTipPrefersWeight(t *testing.T) {
	d := NewDag("genesis", 0, 16, testLogger)

	// 两条分叉：长链每环节3票，短链单环节4票
	a1 := makeBlock(1, "genesis", 1, 3)
	a2 := makeBlock(2, a1.Hash(), 2, 3)
	b1 := makeBlock(1, "genesis", 4, 4)

	require.NoError(t, d.Insert(a1))
	require.NoError(t, d.Insert(a2))
	require.NoError(t, d.Insert(b1))

	// a链累计权重 6 > b链 4
	assert.Equal(t, a2.Hash(), d.HeaviestChainTip())
}

func TestHeaviestTipTieBreaksByHash(t *testing.T) {
	d := NewDag("genesis", 0, 16, testLogger)

	x := makeBlock(1, "genesis", 1, 3)
	y := makeBlock(1, "genesis", 2, 3) // 同权重，不同哈希

	require.NoError(t, d.Insert(x))
	require.NoError(t, d.Insert(y))

	want := x.Hash()
	if y.Hash() < want {
		want = y.Hash()
	}
	assert.Equal(t, want, d.HeaviestChainTip())
}

func TestPruneBelowAndSetRoot(t *testing.T) {
	d := NewDag("genesis", 0, 16, testLogger)

	b1 := makeBlock(1, "genesis", 1, 3)
	b2 := makeBlock(2, b1.Hash(), 2, 3)
	b3 := makeBlock(3, b2.Hash(), 3, 3)
	require.NoError(t, d.Insert(b1))
	require.NoError(t, d.Insert(b2))
	require.NoError(t, d.Insert(b3))

	// b1 终局化：根前移并裁剪
	d.SetRoot(b1.Hash(), 1)
	d.PruneBelow(2)

	assert.Equal(t, 2, d.Size())
	_, ok := d.Get(b1.Hash())
	assert.False(t, ok)

	// 低于根高度的新块拒绝
	assert.ErrorIs(t, d.Insert(makeBlock(1, "genesis", 5, 3)), ErrStaleBlock)

	// 直接挂在新根上的块接受
	b2b := makeBlock(2, b1.Hash(), 6, 2)
	require.NoError(t, d.Insert(b2b))
}
