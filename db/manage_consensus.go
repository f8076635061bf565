package db

import (
	"encoding/binary"
	"encoding/json"
	"errors"

	"ouro/keys"
	"ouro/types"
)

// ===================== 共识安全状态 =====================
// 锁定QC与最近投票视图必须同步落盘：重启后若读不到这两条，
// 节点可能对同一视图二次投票，直接破坏安全性。

// SaveLockedQC 持久化锁定QC（同步写，不走队列）
func (mgr *Manager) SaveLockedQC(qc *types.QuorumCertificate) error {
	data, err := json.Marshal(qc)
	if err != nil {
		return err
	}
	return mgr.Set(keys.KeyLockedQC(), data)
}

// LoadLockedQC 读锁定QC；没有记录返回 (nil, nil)
func (mgr *Manager) LoadLockedQC() (*types.QuorumCertificate, error) {
	data, err := mgr.Get(keys.KeyLockedQC())
	if errors.Is(err, ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var qc types.QuorumCertificate
	if err := json.Unmarshal(data, &qc); err != nil {
		return nil, err
	}
	return &qc, nil
}

// SaveLastVotedView 持久化最近投票视图（投票发出前必须先写成功）
func (mgr *Manager) SaveLastVotedView(view uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], view)
	return mgr.Set(keys.KeyLastVotedView(), buf[:])
}

// LoadLastVotedView 读最近投票视图；空库返回0
func (mgr *Manager) LoadLastVotedView() (uint64, error) {
	data, err := mgr.Get(keys.KeyLastVotedView())
	if errors.Is(err, ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(data), nil
}

// SaveSlashingEvidence 记录双投证据（同一voter同一view的两张冲突投票）
func (mgr *Manager) SaveSlashingEvidence(voter string, view uint64, votes []*types.Vote) error {
	data, err := json.Marshal(votes)
	if err != nil {
		return err
	}
	return mgr.Set(keys.KeySlashingEvidence(voter, view), data)
}
