package db

import (
	"encoding/json"
	"errors"
	"fmt"

	"ouro/keys"
	"ouro/types"
)

// SaveTx 交易主存储（提交时与区块同批入队）
func (mgr *Manager) SaveTx(tx *types.Transaction) error {
	txID := tx.TxID()
	if txID == "" {
		return fmt.Errorf("SaveTx: empty txID not allowed")
	}
	data, err := json.Marshal(tx)
	if err != nil {
		return err
	}
	mgr.EnqueueSet(keys.KeyTx(txID), data)
	return nil
}

// GetTx 按ID读交易
func (mgr *Manager) GetTx(txID string) (*types.Transaction, error) {
	data, err := mgr.Get(keys.KeyTx(txID))
	if err != nil {
		return nil, err
	}
	var tx types.Transaction
	if err := json.Unmarshal(data, &tx); err != nil {
		return nil, err
	}
	return &tx, nil
}

// MarkTxApplied 记录交易已上链（值为所在区块哈希）。
// 重复应用检查靠这条记录：同一交易哈希第二次应用是 no-op。
func (mgr *Manager) MarkTxApplied(txID, blockHash string) {
	mgr.EnqueueSet(keys.KeyAppliedTx(txID), []byte(blockHash))
}

// IsTxApplied 交易是否已上链
func (mgr *Manager) IsTxApplied(txID string) (bool, error) {
	_, err := mgr.Get(keys.KeyAppliedTx(txID))
	if errors.Is(err, ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
