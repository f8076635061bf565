package types

import (
	"encoding/binary"
	"encoding/hex"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// QuorumCertificate 对某个 (block, view) 的 ≥2f+1 票聚合证明。
// 签名用 BLS 聚合，Signers 记录参与的验证人地址（去重后计数判定法定人数）。
type QuorumCertificate struct {
	BlockHash    string   `json:"block_hash"`
	View         uint64   `json:"view"`
	Height       uint64   `json:"height"`
	Signers      []string `json:"signers"`
	AggSignature []byte   `json:"agg_signature"`
}

// Block 区块。由视图 leader 创建，签名后不可变；
// 三条连续 QC 链过该块后进入已提交状态，此后归 ledger 独占。
type Block struct {
	Height     uint64             `json:"height"`
	ParentHash string             `json:"parent_hash"`
	View       uint64             `json:"view"`
	Txs        []*Transaction     `json:"txs"`
	TxRoot     string             `json:"tx_root"` // 交易默克尔根
	Proposer   string             `json:"proposer"`
	Timestamp  int64              `json:"timestamp"` // UnixMilli
	ParentQC   *QuorumCertificate `json:"parent_qc,omitempty"`
	Signature  []byte             `json:"signature"` // proposer 对 SigningBytes 的签名
}

// SigningBytes 区块头的规范编码（不含proposer签名本身）
func (b *Block) SigningBytes() []byte {
	out := make([]byte, 0, 256)
	var u64 [8]byte
	binary.BigEndian.PutUint64(u64[:], b.Height)
	out = append(out, u64[:]...)
	out = appendLenPrefixed(out, []byte(b.ParentHash))
	binary.BigEndian.PutUint64(u64[:], b.View)
	out = append(out, u64[:]...)
	out = appendLenPrefixed(out, []byte(b.TxRoot))
	out = appendLenPrefixed(out, []byte(b.Proposer))
	binary.BigEndian.PutUint64(u64[:], uint64(b.Timestamp))
	out = append(out, u64[:]...)
	if b.ParentQC != nil {
		out = appendLenPrefixed(out, b.ParentQC.SigningBytes())
	}
	return out
}

// Hash 区块哈希（double-SHA256），十六进制字符串
func (b *Block) Hash() string {
	h := chainhash.DoubleHashH(b.SigningBytes())
	return h.String()
}

// SigningBytes QC 投票消息的规范编码：所有验证人对同一字节串签名，
// BLS 聚合验证才能成立。
func (qc *QuorumCertificate) SigningBytes() []byte {
	return VoteSigningBytes(qc.BlockHash, qc.View, qc.Height)
}

// Vote 验证人对 (block, view) 的一票。QC 聚合后即丢弃（或留作slashing证据）。
type Vote struct {
	BlockHash string `json:"block_hash"`
	View      uint64 `json:"view"`
	Height    uint64 `json:"height"`
	Voter     string `json:"voter"`
	Signature []byte `json:"signature"` // BLS，对 VoteSigningBytes 的签名
}

// VoteSigningBytes 投票载荷（不含voter，保证同一(block,view)的票可聚合）
func VoteSigningBytes(blockHash string, view, height uint64) []byte {
	out := make([]byte, 0, 96)
	out = appendLenPrefixed(out, []byte("vote"))
	out = appendLenPrefixed(out, []byte(blockHash))
	var u64 [8]byte
	binary.BigEndian.PutUint64(u64[:], view)
	out = append(out, u64[:]...)
	binary.BigEndian.PutUint64(u64[:], height)
	out = append(out, u64[:]...)
	return out
}

// TimeoutMsg 视图超时消息。收集到 2f+1 个同视图超时后全网推进视图。
type TimeoutMsg struct {
	View      uint64             `json:"view"`
	Voter     string             `json:"voter"`
	HighQC    *QuorumCertificate `json:"high_qc,omitempty"` // 发送方已知最高QC
	Signature []byte             `json:"signature"`
}

// TimeoutSigningBytes 超时消息载荷
func TimeoutSigningBytes(view uint64) []byte {
	out := make([]byte, 0, 16)
	out = appendLenPrefixed(out, []byte("timeout"))
	var u64 [8]byte
	binary.BigEndian.PutUint64(u64[:], view)
	return append(out, u64[:]...)
}

// ShortHashHex 工具：短哈希转hex（提案压缩传输用）
func ShortHashHex(b []byte) string {
	return hex.EncodeToString(b)
}
