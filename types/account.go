package types

// Account 账户状态。只在已提交交易按 nonce 顺序应用时变更，
// 未确认交易绝不触碰账户。
type Account struct {
	Address string `json:"address"`
	Balance string `json:"balance"` // nanoouro，十进制字符串
	Nonce   uint64 `json:"nonce"`   // 下一笔期望的 nonce
}

// NewAccount 零值账户
func NewAccount(address string) *Account {
	return &Account{Address: address, Balance: "0", Nonce: 0}
}

// ExecException 执行期间被跳过的交易记录
type ExecException struct {
	TxID   string `json:"tx_id"`
	Reason string `json:"reason"`
}

// ExecReceipt 区块执行回执。跳过的交易进异常清单而不是中止整块，
// 但必须留痕。
type ExecReceipt struct {
	BlockHash  string          `json:"block_hash"`
	Height     uint64          `json:"height"`
	StateRoot  string          `json:"state_root"`
	Applied    int             `json:"applied"`
	Exceptions []ExecException `json:"exceptions,omitempty"`
	GasUsed    uint64          `json:"gas_used"`
}
