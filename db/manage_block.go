package db

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"ouro/keys"
	"ouro/types"
)

// SaveBlock 保存已提交区块及其全部索引：
// blockdata_<hash>、height_<height>、blockid_<hash>、latest_height。
// 入队后由调用方 ForceFlush 确认落盘，才算提交完成。
func (mgr *Manager) SaveBlock(block *types.Block) error {
	hash := block.Hash()
	data, err := json.Marshal(block)
	if err != nil {
		return err
	}
	mgr.EnqueueSet(keys.KeyBlockData(hash), data)
	mgr.EnqueueSet(keys.KeyHeightBlock(block.Height), []byte(hash))

	var hbuf [8]byte
	binary.BigEndian.PutUint64(hbuf[:], block.Height)
	mgr.EnqueueSet(keys.KeyBlockIDToHeight(hash), hbuf[:])

	latest, err := mgr.GetLatestHeight()
	if err == nil && block.Height <= latest && latest != 0 {
		// 已提交高度只增不减
		return nil
	}
	mgr.EnqueueSet(keys.KeyLatestHeight(), hbuf[:])
	return nil
}

// GetBlockByHash 按哈希读区块
func (mgr *Manager) GetBlockByHash(hash string) (*types.Block, error) {
	data, err := mgr.Get(keys.KeyBlockData(hash))
	if err != nil {
		return nil, err
	}
	var block types.Block
	if err := json.Unmarshal(data, &block); err != nil {
		return nil, fmt.Errorf("unmarshal block %s: %w", hash, err)
	}
	return &block, nil
}

// GetBlockByHeight 按高度读区块（只有已提交高度有记录）
func (mgr *Manager) GetBlockByHeight(height uint64) (*types.Block, error) {
	hash, err := mgr.Get(keys.KeyHeightBlock(height))
	if err != nil {
		return nil, err
	}
	return mgr.GetBlockByHash(string(hash))
}

// GetLatestHeight 最新已提交高度；空库返回0
func (mgr *Manager) GetLatestHeight() (uint64, error) {
	data, err := mgr.Get(keys.KeyLatestHeight())
	if errors.Is(err, ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if len(data) != 8 {
		return 0, fmt.Errorf("corrupt latest_height record")
	}
	return binary.BigEndian.Uint64(data), nil
}

// SaveExecReceipt 保存区块执行回执
func (mgr *Manager) SaveExecReceipt(receipt *types.ExecReceipt) error {
	data, err := json.Marshal(receipt)
	if err != nil {
		return err
	}
	mgr.EnqueueSet(keys.KeyExecReceipt(receipt.BlockHash), data)
	mgr.EnqueueSet(keys.KeyStateRoot(receipt.Height), []byte(receipt.StateRoot))
	return nil
}

// GetExecReceipt 读区块执行回执
func (mgr *Manager) GetExecReceipt(blockHash string) (*types.ExecReceipt, error) {
	data, err := mgr.Get(keys.KeyExecReceipt(blockHash))
	if err != nil {
		return nil, err
	}
	var receipt types.ExecReceipt
	if err := json.Unmarshal(data, &receipt); err != nil {
		return nil, err
	}
	return &receipt, nil
}

// GetStateRoot 某高度执行后的状态根
func (mgr *Manager) GetStateRoot(height uint64) (string, error) {
	data, err := mgr.Get(keys.KeyStateRoot(height))
	if err != nil {
		return "", err
	}
	return string(data), nil
}
