package app

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"ouro/config"
	"ouro/types"
	"ouro/utils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func testConfig(t *testing.T, seedByte byte) (*config.Config, *utils.KeyManager) {
	t.Helper()
	seed := make([]byte, 32)
	for i := range seed {
		seed[i] = seedByte
	}
	km, err := utils.NewKeyManager(fmt.Sprintf("%x", seed))
	require.NoError(t, err)

	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Node.PrivateKeyHex = fmt.Sprintf("%x", seed)
	cfg.Node.ListenAddr = "127.0.0.1:0"
	cfg.Server.CertFile = filepath.Join(dir, "node.crt")
	cfg.Server.KeyFile = filepath.Join(dir, "node.key")
	cfg.Database.Dir = filepath.Join(dir, "db")
	cfg.Database.FlushInterval = 10 * time.Millisecond
	cfg.Mempool.MinFeePerByte = "0"
	cfg.Consensus.ProposalInterval = 10 * time.Millisecond
	cfg.Consensus.ViewTimeout = 500 * time.Millisecond
	cfg.Anchor.IntervalBlock = 4
	cfg.Anchor.IntervalTime = 0
	cfg.Shadow.HeavyTimeout = time.Hour
	cfg.Auth.AuthEnabled = false
	return cfg, km
}

func TestSingleNodeLifecycle(t *testing.T) {
	cfg, km := testConfig(t, 0x21)
	other, err := utils.NewKeyManager(fmt.Sprintf("%x", append(make([]byte, 31), 0xff)))
	require.NoError(t, err)
	receiver := other.Address()
	cfg.Genesis.Alloc = map[string]string{km.Address(): "1000"}

	node, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, node.Start(context.Background()))
	defer node.Stop()

	// 单验证人法定人数为1，自己提案自己提交
	waitFor(t, 10*time.Second, func() bool {
		return node.Engine.LastCommittedHeight() >= 2
	}, "first commits")

	tx := &types.Transaction{
		From:      km.Address(),
		To:        receiver,
		Amount:    "100",
		Nonce:     0,
		Fee:       "0",
		ChainID:   cfg.Node.ChainID,
		PublicKey: km.PublicKey,
	}
	tx.Signature = km.Sign(tx.SigningBytes())
	require.NoError(t, node.Pool.SubmitTx(tx))

	waitFor(t, 10*time.Second, func() bool {
		acc, err := node.Store.GetAccount(receiver)
		return err == nil && acc.Balance == "100"
	}, "transfer to commit")

	// 每4个块出一条锚定承诺
	waitFor(t, 10*time.Second, func() bool {
		_, ok := node.AnchorSvc.Head()
		return ok
	}, "first anchor commitment")
	head, _ := node.AnchorSvc.Head()
	assert.GreaterOrEqual(t, head.Covers.To, uint64(4))
	assert.NoError(t, node.AnchorSvc.VerifyAnchor(head, nil))
}

func TestRestartRecoversState(t *testing.T) {
	cfg, km := testConfig(t, 0x22)
	cfg.Genesis.Alloc = map[string]string{km.Address(): "500"}

	node, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, node.Start(context.Background()))
	waitFor(t, 10*time.Second, func() bool {
		return node.Engine.LastCommittedHeight() >= 3
	}, "commits before restart")
	committed := node.Engine.LastCommittedHeight()
	node.Stop()

	node2, err := New(cfg)
	require.NoError(t, err)
	defer node2.Stop()
	assert.GreaterOrEqual(t, node2.Store.LatestHeight(), committed)
	acc, err := node2.Store.GetAccount(km.Address())
	require.NoError(t, err)
	assert.Equal(t, "500", acc.Balance)
}

func TestBuildValidatorSet(t *testing.T) {
	_, km := testConfig(t, 0x23)

	// 空配置：单机自举
	vs, err := buildValidatorSet(nil, km)
	require.NoError(t, err)
	require.Equal(t, 1, vs.Size())
	assert.Equal(t, km.Address(), vs.Validators[0].Address)
	assert.Equal(t, 1, vs.QuorumSize())

	// 显式配置
	blsPub, err := km.BLSPubKeyBytes()
	require.NoError(t, err)
	entries := []config.GenesisValidator{
		{Address: "ouro1zzz", PubKeyHex: fmt.Sprintf("%x", km.PublicKey), BLSPubKeyHex: fmt.Sprintf("%x", blsPub), Stake: 3},
		{Address: "ouro1aaa", PubKeyHex: fmt.Sprintf("%x", km.PublicKey), BLSPubKeyHex: fmt.Sprintf("%x", blsPub), Stake: 2},
	}
	vs, err = buildValidatorSet(entries, km)
	require.NoError(t, err)
	require.Equal(t, 2, vs.Size())
	// 按地址升序
	assert.Equal(t, "ouro1aaa", vs.Validators[0].Address)
	assert.Equal(t, uint64(5), vs.TotalStake())

	// 坏公钥
	bad := []config.GenesisValidator{{Address: "ouro1bad", PubKeyHex: "zz", Stake: 1}}
	_, err = buildValidatorSet(bad, km)
	assert.Error(t, err)
}
