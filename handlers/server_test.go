package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"ouro/config"
	"ouro/db"
	"ouro/ledger"
	"ouro/logs"
	"ouro/mempool"
	"ouro/types"
	"ouro/utils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEngine struct {
	lagging bool
}

func (fakeEngine) Start(context.Context) error                     { return nil }
func (fakeEngine) OnProposal(types.NodeID, *types.Block) error     { return nil }
func (fakeEngine) OnVote(types.NodeID, *types.Vote) error          { return nil }
func (fakeEngine) OnTimeout(types.NodeID, *types.TimeoutMsg) error { return nil }
func (fakeEngine) OnQC(*types.QuorumCertificate) error             { return nil }
func (fakeEngine) CurrentView() uint64                             { return 7 }
func (fakeEngine) CurrentLeader() string                           { return "ouro1leader" }
func (fakeEngine) LastCommittedHeight() uint64                     { return 3 }
func (e fakeEngine) IsSynced() bool                                { return !e.lagging }

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

func testServer(t *testing.T, genesis map[string]string) (*Server, *ledger.Store) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Database.Dir = t.TempDir()
	cfg.Database.FlushInterval = 10 * time.Millisecond
	cfg.Mempool.MinFeePerByte = "0"
	cfg.Auth.AuthEnabled = true
	cfg.Auth.BearerToken = "secret-token"
	logger := logs.Logger{Addr: "test", Role: "Heavy"}

	mgr, err := db.NewManager(cfg, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Close() })

	store, err := ledger.NewStore(mgr, cfg, logger)
	require.NoError(t, err)
	require.NoError(t, store.InitGenesis(genesis))

	pool, err := mempool.NewPool(cfg, store, logger)
	require.NoError(t, err)

	srv := NewServer(cfg, store, pool, fakeEngine{}, nil, nil, nil, logger)
	return srv, store
}

func TestConsensusStatus(t *testing.T) {
	srv, _ := testServer(t, nil)
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/consensus", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var status map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, float64(7), status["view"])
	assert.Equal(t, "ouro1leader", status["leader"])
	assert.Equal(t, float64(3), status["committed_height"])
}

func TestSubmitTxAuthAndValidation(t *testing.T) {
	alice := testKM(t, 1)
	srv, _ := testServer(t, map[string]string{alice.Address(): "1000"})
	routes := srv.Routes()

	tx := &types.Transaction{
		From:      alice.Address(),
		To:        "ouro1bob",
		Amount:    "10",
		Nonce:     0,
		Fee:       "1",
		ChainID:   "ouro-main",
		PublicKey: alice.PublicKey,
	}
	tx.Signature = alice.Sign(tx.SigningBytes())
	body, err := json.Marshal(tx)
	require.NoError(t, err)

	post := func(token string, payload []byte) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/tx/submit", bytes.NewReader(payload))
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		rec := httptest.NewRecorder()
		routes.ServeHTTP(rec, req)
		return rec
	}

	// 没带token
	assert.Equal(t, http.StatusUnauthorized, post("", body).Code)
	// 错token
	assert.Equal(t, http.StatusUnauthorized, post("wrong", body).Code)
	// 正确提交
	rec := post("secret-token", body)
	require.Equal(t, http.StatusOK, rec.Code)
	// 重复提交属于客户端错误，不是资源冲突
	assert.Equal(t, http.StatusBadRequest, post("secret-token", body).Code)

	// 伪造签名
	forged := *tx
	forged.Signature = append([]byte{}, tx.Signature...)
	forged.Signature[0] ^= 0xff
	forgedBody, _ := json.Marshal(&forged)
	assert.Equal(t, http.StatusBadRequest, post("secret-token", forgedBody).Code)

	// 非法JSON
	assert.Equal(t, http.StatusBadRequest, post("secret-token", []byte("{not json")).Code)
}

// 还没追上链头的节点不该受理交易：收下的nonce注定在追平后过期
func TestSubmitTxWhileLagging(t *testing.T) {
	alice := testKM(t, 1)
	srv, _ := testServer(t, map[string]string{alice.Address(): "1000"})
	srv.engine = fakeEngine{lagging: true}
	routes := srv.Routes()

	tx := &types.Transaction{
		From:      alice.Address(),
		To:        "ouro1bob",
		Amount:    "10",
		Fee:       "1",
		ChainID:   "ouro-main",
		PublicKey: alice.PublicKey,
	}
	tx.Signature = alice.Sign(tx.SigningBytes())
	body, err := json.Marshal(tx)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/tx/submit", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer secret-token")
	rec := httptest.NewRecorder()
	routes.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	// 同步状态也要暴露在状态接口里
	rec = httptest.NewRecorder()
	routes.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/consensus", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var status map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, false, status["synced"])
}

func TestAccountAndBlockQueries(t *testing.T) {
	alice := testKM(t, 1)
	srv, store := testServer(t, map[string]string{alice.Address(): "500"})
	routes := srv.Routes()

	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		routes.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	rec := get("/account?address=" + alice.Address())
	require.Equal(t, http.StatusOK, rec.Code)
	var acc types.Account
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &acc))
	assert.Equal(t, "500", acc.Balance)

	assert.Equal(t, http.StatusBadRequest, get("/account").Code)
	assert.Equal(t, http.StatusNotFound, get("/block?height=42").Code)
	assert.Equal(t, http.StatusBadRequest, get("/block").Code)

	// 落一个块再查
	block := &types.Block{Height: 1, View: 1, Timestamp: time.Now().UnixMilli()}
	require.NoError(t, store.PutBlock(block))
	rec = get("/block?height=1")
	require.Equal(t, http.StatusOK, rec.Code)
	rec = get("/block?hash=" + block.Hash())
	require.Equal(t, http.StatusOK, rec.Code)

	// 锚定未启用
	assert.Equal(t, http.StatusServiceUnavailable, get("/anchor/head").Code)
	assert.Equal(t, http.StatusServiceUnavailable, get("/shadow").Code)
}
