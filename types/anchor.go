package types

import (
	"encoding/binary"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// HeightRange 锚定覆盖的高度区间 [From, To]
type HeightRange struct {
	From uint64 `json:"from"`
	To   uint64 `json:"to"`
}

// AnchorCommitment 低层级状态根向上层账本的周期性承诺。
// 追加式哈希链：每条必须引用前一条的哈希，给下层一份免重放、
// 无缝隙的可验证历史。进入已提交区块后不可变。
type AnchorCommitment struct {
	Seq          uint64      `json:"seq"`
	SourceTier   string      `json:"source_tier"`
	StateRoot    string      `json:"state_root"`
	Covers       HeightRange `json:"covers"`
	BatchRoot    string      `json:"batch_root"` // 覆盖区间内区块哈希的merkle根
	PrevHash     string      `json:"prev_hash"`  // hash(前一条承诺)，创世条为空
	Timestamp    int64       `json:"timestamp"`
	Signers      []string    `json:"signers"`
	AggSignature []byte      `json:"agg_signature"` // 承诺层quorum的BLS聚合签名
}

// SigningBytes 锚定承诺的规范编码（签名覆盖范围，不含签名字段）
func (a *AnchorCommitment) SigningBytes() []byte {
	out := make([]byte, 0, 160)
	var u64 [8]byte
	binary.BigEndian.PutUint64(u64[:], a.Seq)
	out = append(out, u64[:]...)
	out = appendLenPrefixed(out, []byte(a.SourceTier))
	out = appendLenPrefixed(out, []byte(a.StateRoot))
	binary.BigEndian.PutUint64(u64[:], a.Covers.From)
	out = append(out, u64[:]...)
	binary.BigEndian.PutUint64(u64[:], a.Covers.To)
	out = append(out, u64[:]...)
	out = appendLenPrefixed(out, []byte(a.BatchRoot))
	out = appendLenPrefixed(out, []byte(a.PrevHash))
	binary.BigEndian.PutUint64(u64[:], uint64(a.Timestamp))
	out = append(out, u64[:]...)
	return out
}

// Hash 承诺哈希，下一条承诺的 PrevHash 取该值
func (a *AnchorCommitment) Hash() string {
	h := chainhash.DoubleHashH(a.SigningBytes())
	return h.String()
}

// AnchorProof 轻客户端证明：目标承诺 + 连到可信检查点所需的最小中间链
type AnchorProof struct {
	Target *AnchorCommitment   `json:"target"`
	Links  []*AnchorCommitment `json:"links"` // 从 checkpoint 本身到 target 之前，按 seq 升序
}

// AnchorRecordKind 锚定上链记录交易的 payload 标识
const AnchorRecordKind = "anchor_record"

// AnchorRecordPayload 锚定承诺作为交易进入下一个提交区块，
// 使锚定本身获得与普通状态同级的终局性。
type AnchorRecordPayload struct {
	Kind       string            `json:"kind"` // AnchorRecordKind
	Commitment *AnchorCommitment `json:"commitment"`
}
