package anchor

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"ouro/config"
	"ouro/consensus"
	"ouro/db"
	"ouro/ledger"
	"ouro/logs"
	"ouro/types"
	"ouro/utils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKM(t *testing.T, b byte) *utils.KeyManager {
	t.Helper()
	seed := make([]byte, 32)
	for i := range seed {
		seed[i] = b
	}
	km, err := utils.NewKeyManager(fmt.Sprintf("%x", seed))
	require.NoError(t, err)
	return km
}

// testService 三个承诺人：本节点 + collector 闭包里的另外两个
func testService(t *testing.T) (*Service, *db.Manager, []*utils.KeyManager) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Database.Dir = t.TempDir()
	cfg.Database.FlushInterval = 10 * time.Millisecond
	logger := logs.Logger{Addr: "test", Role: "Medium"}

	mgr, err := db.NewManager(cfg, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Close() })

	store, err := ledger.NewStore(mgr, cfg, logger)
	require.NoError(t, err)

	kms := []*utils.KeyManager{testKM(t, 0x21), testKM(t, 0x22), testKM(t, 0x23)}
	vals := make([]types.Validator, len(kms))
	for i, km := range kms {
		blsPub, err := km.BLSPubKeyBytes()
		require.NoError(t, err)
		vals[i] = types.Validator{Address: km.Address(), PubKey: km.PublicKey, BLSPubKey: blsPub, Stake: 1}
	}
	valSet := types.NewValidatorSet(1, vals)

	collect := func(c *types.AnchorCommitment) map[string][]byte {
		shares := make(map[string][]byte)
		for _, km := range kms[1:] {
			sig, err := km.BLSSign(c.SigningBytes())
			require.NoError(t, err)
			shares[km.Address()] = sig
		}
		return shares
	}

	svc, err := NewService(cfg, mgr, store, valSet, kms[0], consensus.NewBus(), collect, logger)
	require.NoError(t, err)
	return svc, mgr, kms
}

func TestEmitFormsHashChain(t *testing.T) {
	svc, _, _ := testService(t)

	a1, err := svc.EmitAnchor(types.HeightRange{From: 1, To: 16}, "root1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), a1.Seq)
	assert.Empty(t, a1.PrevHash)
	assert.Len(t, a1.Signers, 3)

	a2, err := svc.EmitAnchor(types.HeightRange{From: 17, To: 32}, "root2")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), a2.Seq)
	assert.Equal(t, a1.Hash(), a2.PrevHash)

	head, ok := svc.Head()
	require.True(t, ok)
	assert.Equal(t, uint64(2), head.Seq)
}

func TestEmitNeedsQuorum(t *testing.T) {
	svc, _, _ := testService(t)
	// 只剩自己一份签名：3人集合的2/3是2
	svc.collect = nil
	_, err := svc.EmitAnchor(types.HeightRange{From: 1, To: 16}, "root1")
	assert.ErrorIs(t, err, ErrQuorumInsufficient)
}

func TestVerifyAnchor(t *testing.T) {
	svc, _, _ := testService(t)

	a1, err := svc.EmitAnchor(types.HeightRange{From: 1, To: 16}, "root1")
	require.NoError(t, err)
	require.NoError(t, svc.VerifyAnchor(a1, nil))

	// 砍掉签名人就失去法定人数
	trimmed := *a1
	trimmed.Signers = a1.Signers[:1]
	assert.ErrorIs(t, svc.VerifyAnchor(&trimmed, nil), ErrQuorumInsufficient)

	// 篡改内容后聚合签名失效
	tampered := *a1
	tampered.StateRoot = "forged"
	err = svc.VerifyAnchor(&tampered, nil)
	assert.Error(t, err)
}

func TestVerifyRootAgainstLocalLedger(t *testing.T) {
	svc, mgr, _ := testService(t)

	// 本地记过高度16的状态根
	require.NoError(t, mgr.SaveExecReceipt(&types.ExecReceipt{
		BlockHash: "b16", Height: 16, StateRoot: "localroot",
	}))
	require.NoError(t, mgr.ForceFlush())

	a1, err := svc.EmitAnchor(types.HeightRange{From: 1, To: 16}, "otherroot")
	require.NoError(t, err)
	assert.ErrorIs(t, svc.VerifyAnchor(a1, nil), ErrRootMismatch)
}

func TestRecordTxLifecycle(t *testing.T) {
	svc, _, kms := testService(t)

	a1, err := svc.EmitAnchor(types.HeightRange{From: 1, To: 16}, "root1")
	require.NoError(t, err)

	txs := svc.RecordTxs(3)
	require.Len(t, txs, 1)
	tx := txs[0]
	assert.Equal(t, kms[0].Address(), tx.From)
	assert.Equal(t, uint64(3), tx.Nonce)
	assert.Equal(t, tx.From, tx.To)
	assert.Equal(t, "0", tx.Amount)
	assert.Equal(t, "0", tx.Fee)
	assert.True(t, utils.VerifyEd25519(tx.PublicKey, tx.SigningBytes(), tx.Signature))

	var rec types.AnchorRecordPayload
	require.NoError(t, json.Unmarshal(tx.Payload, &rec))
	assert.Equal(t, types.AnchorRecordKind, rec.Kind)
	assert.Equal(t, a1.Hash(), rec.Commitment.Hash())

	// 记录进块提交后出队，不会重复上链
	svc.clearRecorded(&types.Block{Height: 17, Txs: txs})
	assert.Empty(t, svc.RecordTxs(4))
}

func TestProofChain(t *testing.T) {
	svc, _, _ := testService(t)

	var anchors []*types.AnchorCommitment
	for i := 0; i < 4; i++ {
		a, err := svc.EmitAnchor(types.HeightRange{From: uint64(i*16 + 1), To: uint64((i + 1) * 16)}, fmt.Sprintf("root%d", i))
		require.NoError(t, err)
		anchors = append(anchors, a)
	}

	// 从检查点 seq=1 证到 seq=4
	proof, err := svc.BuildProof(4, 1)
	require.NoError(t, err)
	require.Len(t, proof.Links, 3) // seq 1,2,3
	assert.Equal(t, anchors[0].Hash(), proof.Links[0].Hash())
	require.NoError(t, svc.VerifyAnchor(anchors[3], proof))

	// 链中间抽掉一环
	broken := &types.AnchorProof{
		Target: proof.Target,
		Links:  []*types.AnchorCommitment{proof.Links[0], proof.Links[2]},
	}
	assert.ErrorIs(t, svc.VerifyAnchor(anchors[3], broken), ErrBrokenChain)
}
