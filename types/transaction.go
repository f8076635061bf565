package types

import (
	"encoding/binary"
	"encoding/json"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// Transaction 转账交易。创建后不可变，由内容哈希标识。
// 签名覆盖 (sender, recipient, amount, nonce, fee, chain-id, payload,
// gas-limit) 的规范编码。
type Transaction struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Amount    string `json:"amount"` // nanoouro，十进制字符串
	Nonce     uint64 `json:"nonce"`
	Fee       string `json:"fee"` // nanoouro
	ChainID   string `json:"chain_id,omitempty"`
	Payload   []byte `json:"payload,omitempty"` // 原生合约调用数据
	GasLimit  uint64 `json:"gas_limit,omitempty"`
	PublicKey []byte `json:"public_key"` // 发送方 ed25519 公钥
	Signature []byte `json:"signature"`

	// 到达后本地填充，不参与签名与哈希
	ArrivalSeq uint64 `json:"-"`
}

// SigningBytes 构造签名用的规范编码。
// 字段定长/长度前缀拼接，保证各节点重建出完全一致的字节串。
func (tx *Transaction) SigningBytes() []byte {
	out := make([]byte, 0, 128)
	out = appendLenPrefixed(out, []byte(tx.From))
	out = appendLenPrefixed(out, []byte(tx.To))
	out = appendLenPrefixed(out, []byte(tx.Amount))
	var nonceBuf [8]byte
	binary.BigEndian.PutUint64(nonceBuf[:], tx.Nonce)
	out = append(out, nonceBuf[:]...)
	out = appendLenPrefixed(out, []byte(tx.Fee))
	out = appendLenPrefixed(out, []byte(tx.ChainID))
	out = appendLenPrefixed(out, tx.Payload)
	// gas 上限计入回执的 GasUsed，必须在签名覆盖范围内，
	// 否则中继方可以任意改写
	var gasBuf [8]byte
	binary.BigEndian.PutUint64(gasBuf[:], tx.GasLimit)
	out = append(out, gasBuf[:]...)
	return out
}

// TxID 内容哈希（double-SHA256，含签名），十六进制字符串
func (tx *Transaction) TxID() string {
	data := append(tx.SigningBytes(), tx.Signature...)
	h := chainhash.DoubleHashH(data)
	return h.String()
}

// EncodedSize 交易序列化后的字节数，用于 fee-per-byte 排序与块体积限制
func (tx *Transaction) EncodedSize() int {
	b, err := json.Marshal(tx)
	if err != nil {
		return 0
	}
	return len(b)
}

func appendLenPrefixed(dst, b []byte) []byte {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b)))
	dst = append(dst, lenBuf[:]...)
	return append(dst, b...)
}
