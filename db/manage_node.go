package db

import (
	"encoding/json"
	"fmt"

	"ouro/keys"
	"ouro/types"
)

// SaveNodeInfo 保存对等节点档案
func (mgr *Manager) SaveNodeInfo(info *types.NodeInfo) error {
	if info.PubKey == "" {
		return fmt.Errorf("SaveNodeInfo: empty pubkey not allowed")
	}
	data, err := json.Marshal(info)
	if err != nil {
		return err
	}
	return mgr.Set(keys.KeyNodeInfo(info.PubKey), data)
}

// GetNodeInfo 按公钥读节点档案
func (mgr *Manager) GetNodeInfo(pubKey string) (*types.NodeInfo, error) {
	data, err := mgr.Get(keys.KeyNodeInfo(pubKey))
	if err != nil {
		return nil, err
	}
	var info types.NodeInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// GetAllNodeInfos 全量扫描节点表（启动时恢复对等列表）
func (mgr *Manager) GetAllNodeInfos() ([]*types.NodeInfo, error) {
	var infos []*types.NodeInfo
	err := mgr.ScanPrefix(keys.PrefixNodeInfo(), func(_ string, value []byte) error {
		var info types.NodeInfo
		if err := json.Unmarshal(value, &info); err != nil {
			return err
		}
		infos = append(infos, &info)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return infos, nil
}

// SaveShadowCert 影子证书落库（对账时逐张核验用）
func (mgr *Manager) SaveShadowCert(cert *types.ShadowCert) error {
	data, err := json.Marshal(cert)
	if err != nil {
		return err
	}
	return mgr.Set(keys.KeyShadowCert(cert.CertID), data)
}

// GetShadowCert 按ID读影子证书
func (mgr *Manager) GetShadowCert(certID string) (*types.ShadowCert, error) {
	data, err := mgr.Get(keys.KeyShadowCert(certID))
	if err != nil {
		return nil, err
	}
	var cert types.ShadowCert
	if err := json.Unmarshal(data, &cert); err != nil {
		return nil, err
	}
	return &cert, nil
}
