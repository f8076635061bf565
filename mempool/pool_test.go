package mempool

import (
	"fmt"
	"testing"

	"ouro/config"
	"ouro/logs"
	"ouro/types"
	"ouro/utils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeLedger 内存账本：只提供交易池需要的 nonce 基线与已上链判定
type fakeLedger struct {
	accounts map[string]*types.Account
	applied  map[string]bool
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		accounts: make(map[string]*types.Account),
		applied:  make(map[string]bool),
	}
}

func (f *fakeLedger) GetAccount(address string) (*types.Account, error) {
	if acc, ok := f.accounts[address]; ok {
		return acc, nil
	}
	return types.NewAccount(address), nil
}
func (f *fakeLedger) IsTxApplied(txID string) (bool, error) { return f.applied[txID], nil }
func (f *fakeLedger) PutBlock(*types.Block) error           { return nil }
func (f *fakeLedger) GetBlockByHash(string) (*types.Block, bool) {
	return nil, false
}
func (f *fakeLedger) GetBlockByHeight(uint64) (*types.Block, bool) { return nil, false }
func (f *fakeLedger) ApplyTransactions(*types.Block) (*types.ExecReceipt, error) {
	return nil, nil
}
func (f *fakeLedger) LatestHeight() uint64 { return 0 }
func (f *fakeLedger) StateRoot() string    { return "" }

func newTestPool(t *testing.T, ledger *fakeLedger, mutate func(*config.Config)) *Pool {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Mempool.MinFeePerByte = "0"
	if mutate != nil {
		mutate(cfg)
	}
	pool, err := NewPool(cfg, ledger, logs.Logger{Addr: "test", Role: "Heavy"})
	require.NoError(t, err)
	return pool
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

func signedTx(km *utils.KeyManager, nonce uint64, fee string) *types.Transaction {
	tx := &types.Transaction{
		From:      km.Address(),
		To:        "ouro1recipient",
		Amount:    "1",
		Nonce:     nonce,
		Fee:       fee,
		ChainID:   "ouro-main",
		PublicKey: km.PublicKey,
	}
	tx.Signature = km.Sign(tx.SigningBytes())
	return tx
}

func TestSubmitRejectsInvalid(t *testing.T) {
	ledger := newFakeLedger()
	pool := newTestPool(t, ledger, nil)
	alice := testKeyManager(t, 1)

	forged := signedTx(alice, 0, "1")
	forged.Signature[0] ^= 0xff
	assert.ErrorIs(t, pool.SubmitTx(forged), ErrInvalidSignature)

	wrongChain := signedTx(alice, 0, "1")
	wrongChain.ChainID = "other-chain"
	wrongChain.Signature = alice.Sign(wrongChain.SigningBytes())
	assert.ErrorIs(t, pool.SubmitTx(wrongChain), ErrWrongChain)

	assert.Equal(t, 0, pool.Size())
}

func TestStaleNonceRejected(t *testing.T) {
	ledger := newFakeLedger()
	alice := testKeyManager(t, 1)
	ledger.accounts[alice.Address()] = &types.Account{Address: alice.Address(), Balance: "1000", Nonce: 5}
	pool := newTestPool(t, ledger, nil)

	assert.ErrorIs(t, pool.SubmitTx(signedTx(alice, 4, "1")), ErrStaleNonce)
	assert.NoError(t, pool.SubmitTx(signedTx(alice, 5, "1")))
	assert.ErrorIs(t, pool.SubmitTx(signedTx(alice, 5+100, "1")), ErrNonceTooFar)
}

func TestDuplicateRejected(t *testing.T) {
	ledger := newFakeLedger()
	pool := newTestPool(t, ledger, nil)
	alice := testKeyManager(t, 1)

	tx := signedTx(alice, 0, "1")
	require.NoError(t, pool.SubmitTx(tx))
	assert.ErrorIs(t, pool.SubmitTx(tx), ErrDuplicateTx)

	// 已上链的交易也拒绝
	tx2 := signedTx(alice, 1, "1")
	ledger.applied[tx2.TxID()] = true
	assert.ErrorIs(t, pool.SubmitTx(tx2), ErrDuplicateTx)
}

func TestPoolFull(t *testing.T) {
	ledger := newFakeLedger()
	pool := newTestPool(t, ledger, func(cfg *config.Config) {
		cfg.Mempool.MaxPoolSize = 2
	})
	alice := testKeyManager(t, 1)

	require.NoError(t, pool.SubmitTx(signedTx(alice, 0, "1")))
	require.NoError(t, pool.SubmitTx(signedTx(alice, 1, "1")))
	assert.ErrorIs(t, pool.SubmitTx(signedTx(alice, 2, "1")), ErrFull)
}

func TestReplacementNeedsHigherFee(t *testing.T) {
	ledger := newFakeLedger()
	pool := newTestPool(t, ledger, nil)
	alice := testKeyManager(t, 1)

	require.NoError(t, pool.SubmitTx(signedTx(alice, 0, "10")))
	// 同 nonce 低价拒绝
	assert.ErrorIs(t, pool.SubmitTx(signedTx(alice, 0, "5")), ErrDuplicateTx)
	// 高价替换成功，池大小不变
	require.NoError(t, pool.SubmitTx(signedTx(alice, 0, "100")))
	assert.Equal(t, 1, pool.Size())

	picked := pool.DrainForProposal(10, 0)
	require.Len(t, picked, 1)
	assert.Equal(t, "100", picked[0].Fee)
}

func TestDrainOrdersByFeeAndKeepsNonceOrder(t *testing.T) {
	ledger := newFakeLedger()
	pool := newTestPool(t, ledger, nil)
	alice := testKeyManager(t, 1)
	bob := testKeyManager(t, 2)

	// bob 单价远高于 alice，但 alice 的两笔之间必须保持 nonce 顺序
	require.NoError(t, pool.SubmitTx(signedTx(alice, 0, "1")))
	require.NoError(t, pool.SubmitTx(signedTx(alice, 1, "1")))
	require.NoError(t, pool.SubmitTx(signedTx(bob, 0, "100000")))

	picked := pool.DrainForProposal(10, 0)
	require.Len(t, picked, 3)
	assert.Equal(t, bob.Address(), picked[0].From)
	assert.Equal(t, alice.Address(), picked[1].From)
	assert.Equal(t, uint64(0), picked[1].Nonce)
	assert.Equal(t, uint64(1), picked[2].Nonce)

	// 非破坏性：池保持原样
	assert.Equal(t, 3, pool.Size())
}

func TestDrainStopsAtNonceGap(t *testing.T) {
	ledger := newFakeLedger()
	pool := newTestPool(t, ledger, nil)
	alice := testKeyManager(t, 1)

	require.NoError(t, pool.SubmitTx(signedTx(alice, 0, "1")))
	require.NoError(t, pool.SubmitTx(signedTx(alice, 2, "1"))) // 缺 nonce 1

	picked := pool.DrainForProposal(10, 0)
	require.Len(t, picked, 1)
	assert.Equal(t, uint64(0), picked[0].Nonce)
}

func TestRemoveCommittedAlsoDropsStale(t *testing.T) {
	ledger := newFakeLedger()
	pool := newTestPool(t, ledger, nil)
	alice := testKeyManager(t, 1)

	tx0 := signedTx(alice, 0, "1")
	tx1 := signedTx(alice, 1, "1")
	require.NoError(t, pool.SubmitTx(tx0))
	require.NoError(t, pool.SubmitTx(tx1))

	// 区块提交：tx0、tx1 上链，账户 nonce 前进到 2
	ledger.accounts[alice.Address()] = &types.Account{Address: alice.Address(), Balance: "0", Nonce: 2}
	pool.RemoveCommitted([]*types.Transaction{tx0})

	// tx1 虽未点名，但 nonce 已失效，应一并清除
	assert.Equal(t, 0, pool.Size())
}

func TestRequeueSkipsAppliedAndStale(t *testing.T) {
	ledger := newFakeLedger()
	pool := newTestPool(t, ledger, nil)
	alice := testKeyManager(t, 1)

	applied := signedTx(alice, 0, "1")
	ledger.applied[applied.TxID()] = true
	fresh := signedTx(alice, 1, "1")

	ledger.accounts[alice.Address()] = &types.Account{Address: alice.Address(), Balance: "10", Nonce: 1}
	pool.Requeue([]*types.Transaction{applied, fresh})

	assert.Equal(t, 1, pool.Size())
	picked := pool.DrainForProposal(10, 0)
	require.Len(t, picked, 1)
	assert.Equal(t, uint64(1), picked[0].Nonce)
}
