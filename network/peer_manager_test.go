package network

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

func testPM(t *testing.T) (*PeerManager, *config.Config) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Database.Dir = t.TempDir()
	cfg.Database.FlushInterval = 10 * time.Millisecond
	logger := logs.Logger{Addr: "test", Role: "Heavy"}
	mgr, err := db.NewManager(cfg, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Close() })
	pm, err := NewPeerManager(cfg, mgr, logger)
	require.NoError(t, err)
	return pm, cfg
}

func handshakeFor(km *utils.KeyManager, cfg *config.Config) *types.Handshake {
	return &types.Handshake{
		Role:            types.RoleMedium,
		Address:         km.Address(),
		PubKey:          km.PublicKey,
		ProtocolVersion: cfg.Node.ProtocolVersion,
		ChainID:         cfg.Node.ChainID,
		ListenAddr:      "127.0.0.1:6001",
	}
}

func TestHandshakeValidation(t *testing.T) {
	pm, cfg := testPM(t)
	km := testKM(t, 1)

	require.NoError(t, pm.ValidateHandshake(handshakeFor(km, cfg)))

	wrongChain := handshakeFor(km, cfg)
	wrongChain.ChainID = "other"
	assert.ErrorIs(t, pm.ValidateHandshake(wrongChain), ErrWrongChain)

	wrongVer := handshakeFor(km, cfg)
	wrongVer.ProtocolVersion = 99
	assert.ErrorIs(t, pm.ValidateHandshake(wrongVer), ErrWrongVersion)

	// 地址与公钥不符：冒名顶替
	forged := handshakeFor(km, cfg)
	forged.Address = testKM(t, 2).Address()
	assert.ErrorIs(t, pm.ValidateHandshake(forged), ErrIdentityForged)
}

func TestRegisterAndLookup(t *testing.T) {
	pm, cfg := testPM(t)
	km := testKM(t, 1)

	hs := handshakeFor(km, cfg)
	require.NoError(t, pm.Register(hs, hs.ListenAddr))

	endpoint, ok := pm.Endpoint(km.Address())
	require.True(t, ok)
	assert.Equal(t, "127.0.0.1:6001", endpoint)

	peers := pm.Peers()
	require.Len(t, peers, 1)
	assert.Equal(t, types.NodeID(km.Address()), peers[0])

	mediums := pm.PeersByRole(types.RoleMedium)
	assert.Len(t, mediums, 1)
	assert.Empty(t, pm.PeersByRole(types.RoleHeavy))

	pm.Remove(km.Address())
	_, ok = pm.Endpoint(km.Address())
	assert.False(t, ok)
}
