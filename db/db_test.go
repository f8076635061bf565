package db

import (
	"testing"
	"time"

	"ouro/config"
	"ouro/logs"
	"ouro/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Database.Dir = t.TempDir()
	cfg.Database.FlushInterval = 20 * time.Millisecond
	mgr, err := NewManager(cfg, logs.Logger{Addr: "test", Role: "Heavy"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Close() })
	return mgr
}

func TestBlockRoundTrip(t *testing.T) {
	mgr := newTestManager(t)

	block := &types.Block{
		Height:     1,
		ParentHash: "genesis",
		View:       1,
		Proposer:   "ouro1proposer",
		Timestamp:  time.Now().UnixMilli(),
	}
	require.NoError(t, mgr.SaveBlock(block))
	require.NoError(t, mgr.ForceFlush())

	got, err := mgr.GetBlockByHash(block.Hash())
	require.NoError(t, err)
	assert.Equal(t, block.Height, got.Height)
	assert.Equal(t, block.Hash(), got.Hash())

	byHeight, err := mgr.GetBlockByHeight(1)
	require.NoError(t, err)
	assert.Equal(t, block.Hash(), byHeight.Hash())

	latest, err := mgr.GetLatestHeight()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), latest)
}

func TestLatestHeightMonotone(t *testing.T) {
	mgr := newTestManager(t)

	b5 := &types.Block{Height: 5, ParentHash: "p", View: 5}
	b3 := &types.Block{Height: 3, ParentHash: "q", View: 3}
	require.NoError(t, mgr.SaveBlock(b5))
	require.NoError(t, mgr.ForceFlush())
	require.NoError(t, mgr.SaveBlock(b3))
	require.NoError(t, mgr.ForceFlush())

	latest, err := mgr.GetLatestHeight()
	require.NoError(t, err)
	assert.Equal(t, uint64(5), latest)
}

func TestAccountRoundTrip(t *testing.T) {
	mgr := newTestManager(t)

	// 不存在的账户返回零值
	acc, err := mgr.GetAccount("ouro1nobody")
	require.NoError(t, err)
	assert.Equal(t, "0", acc.Balance)
	assert.Equal(t, uint64(0), acc.Nonce)

	acc.Balance = "123456789"
	acc.Nonce = 7
	require.NoError(t, mgr.SaveAccount(acc))
	require.NoError(t, mgr.ForceFlush())

	got, err := mgr.GetAccount("ouro1nobody")
	require.NoError(t, err)
	assert.Equal(t, "123456789", got.Balance)
	assert.Equal(t, uint64(7), got.Nonce)
}

func TestHeightIndex(t *testing.T) {
	mgr := newTestManager(t)

	for h := uint64(1); h <= 4; h++ {
		require.NoError(t, mgr.MarkHeightCommitted(h))
	}
	// 留空洞：6已提交但5没有
	require.NoError(t, mgr.MarkHeightCommitted(6))

	assert.True(t, mgr.IsHeightCommitted(3))
	assert.False(t, mgr.IsHeightCommitted(5))
	assert.Equal(t, uint64(4), mgr.MaxContiguousHeight())
}

func TestHeightIndexBeyond32Bits(t *testing.T) {
	mgr := newTestManager(t)

	// 高度超过 2^32 不得折叠回低位
	high := uint64(1)<<40 | 7
	require.NoError(t, mgr.MarkHeightCommitted(high))
	assert.True(t, mgr.IsHeightCommitted(high))
	assert.False(t, mgr.IsHeightCommitted(high&0xFFFFFFFF))
}

func TestForceFlushAfterStopErrors(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Database.Dir = t.TempDir()
	mgr, err := NewManager(cfg, logs.Logger{Addr: "test", Role: "Heavy"})
	require.NoError(t, err)
	require.NoError(t, mgr.Close())

	// 队列停掉后再报"已落盘"就是谎报持久性
	err = mgr.ForceFlush()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrQueueStopped)
}

func TestHeightIndexSurvivesReopen(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Database.Dir = t.TempDir()
	logger := logs.Logger{Addr: "test", Role: "Heavy"}

	mgr, err := NewManager(cfg, logger)
	require.NoError(t, err)
	require.NoError(t, mgr.MarkHeightCommitted(1))
	require.NoError(t, mgr.MarkHeightCommitted(2))
	require.NoError(t, mgr.Close())

	mgr2, err := NewManager(cfg, logger)
	require.NoError(t, err)
	defer mgr2.Close()
	assert.True(t, mgr2.IsHeightCommitted(2))
	assert.Equal(t, uint64(2), mgr2.MaxContiguousHeight())
}

func TestLockedQCAndVotedView(t *testing.T) {
	mgr := newTestManager(t)

	qc, err := mgr.LoadLockedQC()
	require.NoError(t, err)
	assert.Nil(t, qc)

	locked := &types.QuorumCertificate{
		BlockHash: "abc",
		View:      9,
		Height:    3,
		Signers:   []string{"ouro1a", "ouro1b", "ouro1c"},
	}
	require.NoError(t, mgr.SaveLockedQC(locked))
	got, err := mgr.LoadLockedQC()
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, uint64(9), got.View)

	view, err := mgr.LoadLastVotedView()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), view)
	require.NoError(t, mgr.SaveLastVotedView(10))
	view, err = mgr.LoadLastVotedView()
	require.NoError(t, err)
	assert.Equal(t, uint64(10), view)
}

func TestAnchorLog(t *testing.T) {
	mgr := newTestManager(t)

	_, ok, err := mgr.AnchorHeadSeq()
	require.NoError(t, err)
	assert.False(t, ok)

	a1 := &types.AnchorCommitment{Seq: 1, StateRoot: "root1", PrevHash: ""}
	a2 := &types.AnchorCommitment{Seq: 2, StateRoot: "root2", PrevHash: a1.Hash()}
	require.NoError(t, mgr.AppendAnchor(a1))
	require.NoError(t, mgr.AppendAnchor(a2))

	head, ok, err := mgr.AnchorHeadSeq()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(2), head)

	got, err := mgr.GetAnchor(2)
	require.NoError(t, err)
	assert.Equal(t, a1.Hash(), got.PrevHash)
}

func TestTxAppliedMark(t *testing.T) {
	mgr := newTestManager(t)

	applied, err := mgr.IsTxApplied("deadbeef")
	require.NoError(t, err)
	assert.False(t, applied)

	mgr.MarkTxApplied("deadbeef", "blockhash1")
	require.NoError(t, mgr.ForceFlush())

	applied, err = mgr.IsTxApplied("deadbeef")
	require.NoError(t, err)
	assert.True(t, applied)
}

func TestNodeInfoScan(t *testing.T) {
	mgr := newTestManager(t)

	for _, pk := range []string{"pk1", "pk2", "pk3"} {
		require.NoError(t, mgr.SaveNodeInfo(&types.NodeInfo{
			Address: "ouro1" + pk,
			PubKey:  pk,
			Role:    types.RoleMedium,
		}))
	}
	infos, err := mgr.GetAllNodeInfos()
	require.NoError(t, err)
	assert.Len(t, infos, 3)
}
