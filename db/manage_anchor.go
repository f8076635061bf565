package db

import (
	"encoding/binary"
	"encoding/json"
	"errors"

	"ouro/keys"
	"ouro/types"
)

// AppendAnchor 追加一条锚定承诺并推进头指针。
// 同步写：锚定链是下层信任的根，不能停留在队列里。
func (mgr *Manager) AppendAnchor(anchor *types.AnchorCommitment) error {
	data, err := json.Marshal(anchor)
	if err != nil {
		return err
	}
	if err := mgr.Set(keys.KeyAnchor(anchor.Seq), data); err != nil {
		return err
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], anchor.Seq)
	return mgr.Set(keys.KeyAnchorHead(), buf[:])
}

// GetAnchor 按序号读锚定承诺
func (mgr *Manager) GetAnchor(seq uint64) (*types.AnchorCommitment, error) {
	data, err := mgr.Get(keys.KeyAnchor(seq))
	if err != nil {
		return nil, err
	}
	var anchor types.AnchorCommitment
	if err := json.Unmarshal(data, &anchor); err != nil {
		return nil, err
	}
	return &anchor, nil
}

// AnchorHeadSeq 最新锚定序号；空链返回 (0, false)
func (mgr *Manager) AnchorHeadSeq() (uint64, bool, error) {
	data, err := mgr.Get(keys.KeyAnchorHead())
	if errors.Is(err, ErrKeyNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return binary.BigEndian.Uint64(data), true, nil
}
