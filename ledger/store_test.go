package ledger

import (
	"fmt"
	"testing"
	"time"

	"ouro/config"
	"ouro/db"
	"ouro/logs"
	"ouro/types"
	"ouro/utils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *config.Config) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Database.Dir = t.TempDir()
	cfg.Database.FlushInterval = 20 * time.Millisecond
	logger := logs.Logger{Addr: "test", Role: "Heavy"}
	mgr, err := db.NewManager(cfg, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Close() })
	store, err := NewStore(mgr, cfg, logger)
	require.NoError(t, err)
	return store, cfg
}

func testKeyManager(t *testing.T, b byte) *utils.KeyManager {
	t.Helper()
	seed := make([]byte, 32)
	for i := range seed {
		seed[i] = b
	}
	km, err := utils.NewKeyManager(fmt.Sprintf("%x", seed))
	require.NoError(t, err)
	return km
}

func signedTx(km *utils.KeyManager, to, amount string, nonce uint64, fee string) *types.Transaction {
	tx := &types.Transaction{
		From:      km.Address(),
		To:        to,
		Amount:    amount,
		Nonce:     nonce,
		Fee:       fee,
		ChainID:   "ouro-main",
		PublicKey: km.PublicKey,
	}
	tx.Signature = km.Sign(tx.SigningBytes())
	return tx
}

func TestGenesisAndTransfer(t *testing.T) {
	store, _ := newTestStore(t)
	alice := testKeyManager(t, 1)
	bob := testKeyManager(t, 2)
	proposer := testKeyManager(t, 3)

	require.NoError(t, store.InitGenesis(map[string]string{alice.Address(): "1000"}))
	require.NotEmpty(t, store.StateRoot())

	block := &types.Block{
		Height:     1,
		ParentHash: "",
		View:       1,
		Proposer:   proposer.Address(),
		Timestamp:  time.Now().UnixMilli(),
		Txs:        []*types.Transaction{signedTx(alice, bob.Address(), "100", 0, "1")},
	}
	require.NoError(t, store.PutBlock(block))
	receipt, err := store.ApplyTransactions(block)
	require.NoError(t, err)
	assert.Equal(t, 1, receipt.Applied)
	assert.Empty(t, receipt.Exceptions)

	accA, err := store.GetAccount(alice.Address())
	require.NoError(t, err)
	assert.Equal(t, "899", accA.Balance)
	assert.Equal(t, uint64(1), accA.Nonce)

	accB, err := store.GetAccount(bob.Address())
	require.NoError(t, err)
	assert.Equal(t, "100", accB.Balance)

	accP, err := store.GetAccount(proposer.Address())
	require.NoError(t, err)
	assert.Equal(t, "1", accP.Balance)

	applied, err := store.IsTxApplied(block.Txs[0].TxID())
	require.NoError(t, err)
	assert.True(t, applied)
}

func TestApplySkipsInvalidTxs(t *testing.T) {
	store, _ := newTestStore(t)
	alice := testKeyManager(t, 1)
	bob := testKeyManager(t, 2)
	require.NoError(t, store.InitGenesis(map[string]string{alice.Address(): "50"}))

	badNonce := signedTx(alice, bob.Address(), "10", 5, "0")
	tooBig := signedTx(alice, bob.Address(), "100", 0, "0")
	forged := signedTx(alice, bob.Address(), "10", 0, "0")
	forged.Signature[0] ^= 0xff
	good := signedTx(alice, bob.Address(), "10", 0, "0")

	block := &types.Block{
		Height: 1,
		View:   1,
		Txs:    []*types.Transaction{badNonce, tooBig, forged, good},
	}
	require.NoError(t, store.PutBlock(block))
	receipt, err := store.ApplyTransactions(block)
	require.NoError(t, err)
	assert.Equal(t, 1, receipt.Applied)
	assert.Len(t, receipt.Exceptions, 3)

	accA, err := store.GetAccount(alice.Address())
	require.NoError(t, err)
	assert.Equal(t, "40", accA.Balance)
}

func TestApplyIsIdempotent(t *testing.T) {
	store, _ := newTestStore(t)
	alice := testKeyManager(t, 1)
	bob := testKeyManager(t, 2)
	require.NoError(t, store.InitGenesis(map[string]string{alice.Address(): "1000"}))

	tx := signedTx(alice, bob.Address(), "100", 0, "0")
	b1 := &types.Block{Height: 1, View: 1, Txs: []*types.Transaction{tx}}
	require.NoError(t, store.PutBlock(b1))
	_, err := store.ApplyTransactions(b1)
	require.NoError(t, err)

	// 同一笔交易在后续区块再次出现：跳过且余额不变
	b2 := &types.Block{Height: 2, View: 2, ParentHash: b1.Hash(), Txs: []*types.Transaction{tx}}
	require.NoError(t, store.PutBlock(b2))
	receipt, err := store.ApplyTransactions(b2)
	require.NoError(t, err)
	assert.Equal(t, 0, receipt.Applied)
	require.Len(t, receipt.Exceptions, 1)
	assert.Equal(t, "already applied", receipt.Exceptions[0].Reason)

	accB, err := store.GetAccount(bob.Address())
	require.NoError(t, err)
	assert.Equal(t, "100", accB.Balance)
}

func TestPutBlockContiguity(t *testing.T) {
	store, _ := newTestStore(t)

	b1 := &types.Block{Height: 1, View: 1}
	require.NoError(t, store.PutBlock(b1))

	// 跳高度拒绝
	b3 := &types.Block{Height: 3, View: 3, ParentHash: b1.Hash()}
	assert.Error(t, store.PutBlock(b3))

	// 父哈希不匹配拒绝
	wrongParent := &types.Block{Height: 2, View: 2, ParentHash: "bogus"}
	assert.Error(t, store.PutBlock(wrongParent))

	b2 := &types.Block{Height: 2, View: 2, ParentHash: b1.Hash()}
	require.NoError(t, store.PutBlock(b2))
	assert.Equal(t, uint64(2), store.LatestHeight())
}

func TestStateRootRollsForward(t *testing.T) {
	store, _ := newTestStore(t)
	alice := testKeyManager(t, 1)
	bob := testKeyManager(t, 2)
	require.NoError(t, store.InitGenesis(map[string]string{alice.Address(): "1000"}))
	root0 := store.StateRoot()

	b1 := &types.Block{Height: 1, View: 1, Txs: []*types.Transaction{signedTx(alice, bob.Address(), "1", 0, "0")}}
	require.NoError(t, store.PutBlock(b1))
	r1, err := store.ApplyTransactions(b1)
	require.NoError(t, err)
	assert.NotEqual(t, root0, r1.StateRoot)

	b2 := &types.Block{Height: 2, View: 2, ParentHash: b1.Hash(), Txs: []*types.Transaction{signedTx(alice, bob.Address(), "1", 1, "0")}}
	require.NoError(t, store.PutBlock(b2))
	r2, err := store.ApplyTransactions(b2)
	require.NoError(t, err)
	assert.NotEqual(t, r1.StateRoot, r2.StateRoot)
	assert.Equal(t, r2.StateRoot, store.StateRoot())
}
