// network/peer_manager.go
// 对等节点注册表。握手通过的节点落库，重启后直接恢复节点表。
package network

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"ouro/config"
	"ouro/db"
	"ouro/logs"
	"ouro/types"
	"ouro/utils"
)

var (
	ErrWrongChain      = errors.New("network: peer on different chain")
	ErrWrongVersion    = errors.New("network: incompatible protocol version")
	ErrIdentityForged  = errors.New("network: address does not match public key")
	ErrUnknownPeerRole = errors.New("network: unknown node role")
)

// PeerManager 节点注册表
type PeerManager struct {
	mu     sync.RWMutex
	cfg    *config.Config
	mgr    *db.Manager
	Logger logs.Logger

	peers map[string]*types.NodeInfo // address -> info
}

// NewPeerManager 创建注册表并从库里恢复已知节点
func NewPeerManager(cfg *config.Config, mgr *db.Manager, logger logs.Logger) (*PeerManager, error) {
	pm := &PeerManager{
		cfg:    cfg,
		mgr:    mgr,
		Logger: logger,
		peers:  make(map[string]*types.NodeInfo),
	}
	infos, err := mgr.GetAllNodeInfos()
	if err != nil {
		return nil, err
	}
	for _, info := range infos {
		pm.peers[info.Address] = info
	}
	logger.Info("[Network] peer table restored, %d peers", len(infos))
	return pm, nil
}

// ValidateHandshake 握手校验：链、协议版本、角色、身份自洽
func (pm *PeerManager) ValidateHandshake(hs *types.Handshake) error {
	if hs.ChainID != pm.cfg.Node.ChainID {
		return fmt.Errorf("%w: %q", ErrWrongChain, hs.ChainID)
	}
	if hs.ProtocolVersion != pm.cfg.Node.ProtocolVersion {
		return fmt.Errorf("%w: %d", ErrWrongVersion, hs.ProtocolVersion)
	}
	if _, err := types.ParseRole(hs.Role.String()); err != nil {
		return ErrUnknownPeerRole
	}
	derived, err := utils.DeriveAddress(hs.PubKey)
	if err != nil || derived != hs.Address {
		return ErrIdentityForged
	}
	return nil
}

// Register 握手成功后登记节点
func (pm *PeerManager) Register(hs *types.Handshake, listenAddr string) error {
	if err := pm.ValidateHandshake(hs); err != nil {
		return err
	}
	info := &types.NodeInfo{
		Address:         hs.Address,
		PubKey:          fmt.Sprintf("%x", hs.PubKey),
		Role:            hs.Role,
		ListenAddr:      listenAddr,
		ProtocolVersion: fmt.Sprintf("%d", hs.ProtocolVersion),
		LastSeen:        time.Now().UnixMilli(),
	}
	if err := pm.mgr.SaveNodeInfo(info); err != nil {
		return err
	}
	pm.mu.Lock()
	pm.peers[hs.Address] = info
	pm.mu.Unlock()
	pm.Logger.Info("[Network] peer registered addr=%s role=%s endpoint=%s", hs.Address, hs.Role, listenAddr)
	return nil
}

// Endpoint 节点的网络端点
func (pm *PeerManager) Endpoint(address string) (string, bool) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	info, ok := pm.peers[address]
	if !ok {
		return "", false
	}
	return info.ListenAddr, true
}

// Touch 刷新活跃时间
func (pm *PeerManager) Touch(address string) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if info, ok := pm.peers[address]; ok {
		info.LastSeen = time.Now().UnixMilli()
	}
}

// Remove 移除节点
func (pm *PeerManager) Remove(address string) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	delete(pm.peers, address)
}

// Peers 全部已知节点地址（有序）
func (pm *PeerManager) Peers() []types.NodeID {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	out := make([]types.NodeID, 0, len(pm.peers))
	for addr := range pm.peers {
		out = append(out, types.NodeID(addr))
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// PeersByRole 按角色过滤（影子招集只发给 Medium）
func (pm *PeerManager) PeersByRole(role types.NodeRole) []types.NodeID {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	var out []types.NodeID
	for addr, info := range pm.peers {
		if info.Role == role {
			out = append(out, types.NodeID(addr))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
