package types

import (
	"encoding/binary"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// ShadowState 影子仲裁状态机
type ShadowState uint8

const (
	ShadowNormal ShadowState = iota
	ShadowStage1             // Heavy 超时，开始招集 Medium 节点
	ShadowActive             // 2/3 Medium 加入，降级运行
	ShadowReconciling        // Heavy 回归，逐证书核验回锚
)

func (s ShadowState) String() string {
	switch s {
	case ShadowNormal:
		return "Normal"
	case ShadowStage1:
		return "ShadowStage1"
	case ShadowActive:
		return "ShadowActive"
	case ShadowReconciling:
		return "Reconciling"
	}
	return "Unknown"
}

// SettlementRequest 跨子链结算请求（影子期由 Medium 仲裁排序）
type SettlementRequest struct {
	Tx *Transaction `json:"tx"`
}

// ShadowCert Medium 仲裁对一批结算请求的排序签名证书。
// 这是弱于完整 BFT 终局性的降级产物：回归对账完成前一律视为临时。
type ShadowCert struct {
	CertID       string               `json:"cert_id"`
	Batch        []*SettlementRequest `json:"batch"`
	BatchRoot    string               `json:"batch_root"` // 批内交易的默克尔根
	CouncilView  uint64               `json:"council_view"`
	Timestamp    int64                `json:"timestamp"`
	Signers      []string             `json:"signers"`
	AggSignature []byte               `json:"agg_signature"`
}

// SigningBytes 证书载荷的规范编码
func (c *ShadowCert) SigningBytes() []byte {
	out := make([]byte, 0, 96)
	out = appendLenPrefixed(out, []byte("shadowcert"))
	out = appendLenPrefixed(out, []byte(c.BatchRoot))
	var u64 [8]byte
	binary.BigEndian.PutUint64(u64[:], c.CouncilView)
	out = append(out, u64[:]...)
	binary.BigEndian.PutUint64(u64[:], uint64(c.Timestamp))
	out = append(out, u64[:]...)
	return out
}

// Hash 证书标识
func (c *ShadowCert) Hash() string {
	h := chainhash.DoubleHashH(c.SigningBytes())
	return h.String()
}

// Overlaps 两份证书批次是否覆盖了相同交易（独立成团时的冲突判定）
func (c *ShadowCert) Overlaps(other *ShadowCert) bool {
	seen := make(map[string]bool, len(c.Batch))
	for _, r := range c.Batch {
		seen[r.Tx.TxID()] = true
	}
	for _, r := range other.Batch {
		if seen[r.Tx.TxID()] {
			return true
		}
	}
	return false
}

// ShadowRecordKind 影子证书上链记录交易的 payload 标识
const ShadowRecordKind = "shadow_record"

// ShadowRecordPayload 对账裁决后的胜者证书作为交易进入 Heavy 区块，
// 影子期的排序裁决由此获得正规终局性，全网可审计。
type ShadowRecordPayload struct {
	Kind string      `json:"kind"` // ShadowRecordKind
	Cert *ShadowCert `json:"cert"`
}

// ShadowJoin JOIN_SHADOW_QUORUM 消息
type ShadowJoin struct {
	Node      string `json:"node"`
	Stage     uint64 `json:"stage"` // 招集轮次
	Timestamp int64  `json:"timestamp"`
	Signature []byte `json:"signature"`
}

// ShadowJoinSigningBytes JOIN消息载荷
func ShadowJoinSigningBytes(node string, stage uint64) []byte {
	out := make([]byte, 0, 48)
	out = appendLenPrefixed(out, []byte("shadowjoin"))
	out = appendLenPrefixed(out, []byte(node))
	var u64 [8]byte
	binary.BigEndian.PutUint64(u64[:], stage)
	return append(out, u64[:]...)
}
