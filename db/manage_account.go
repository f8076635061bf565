package db

import (
	"encoding/json"
	"errors"
	"fmt"

	"ouro/keys"
	"ouro/types"
)

// GetAccount 读账户；不存在时返回零值账户（nonce=0，余额0）
func (mgr *Manager) GetAccount(address string) (*types.Account, error) {
	data, err := mgr.Get(keys.KeyAccount(address))
	if errors.Is(err, ErrKeyNotFound) {
		return types.NewAccount(address), nil
	}
	if err != nil {
		return nil, err
	}
	var acc types.Account
	if err := json.Unmarshal(data, &acc); err != nil {
		return nil, fmt.Errorf("unmarshal account %s: %w", address, err)
	}
	return &acc, nil
}

// SaveAccount 账户写入走队列（与区块提交同批落盘）
func (mgr *Manager) SaveAccount(account *types.Account) error {
	if account.Address == "" {
		return fmt.Errorf("SaveAccount: empty address not allowed")
	}
	data, err := json.Marshal(account)
	if err != nil {
		return err
	}
	mgr.EnqueueSet(keys.KeyAccount(account.Address), data)
	return nil
}
