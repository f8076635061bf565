package types

// 消息类型
type MessageType string

const (
	MsgHandshake  MessageType = "MsgHandshake"
	MsgProposal   MessageType = "MsgProposal"
	MsgVote       MessageType = "MsgVote"
	MsgTimeout    MessageType = "MsgTimeout"
	MsgQC         MessageType = "MsgQC"
	MsgAnchor     MessageType = "MsgAnchor"
	MsgShadowJoin MessageType = "MsgShadowJoin"
	MsgShadowCert MessageType = "MsgShadowCert"
	MsgTxGossip   MessageType = "MsgTxGossip"

	// 区块补拉：落后节点发现缺父块后向提案来源请求缺口
	MsgBlockRequest  MessageType = "MsgBlockRequest"
	MsgBlockResponse MessageType = "MsgBlockResponse"
)

// BlockRequest 区块补拉请求。Hash 指名缺失的父块；
// [FromHeight, ToHeight] 顺带要已提交缺口，响应按高度升序返回。
type BlockRequest struct {
	Hash       string `json:"hash"`
	FromHeight uint64 `json:"from_height"`
	ToHeight   uint64 `json:"to_height"`
}

// Handshake 握手载荷：角色、身份、协议版本
type Handshake struct {
	Role            NodeRole `json:"role"`
	Address         string   `json:"address"`
	PubKey          []byte   `json:"pub_key"`
	ProtocolVersion uint32   `json:"protocol_version"`
	ChainID         string   `json:"chain_id"`
	ListenAddr      string   `json:"listen_addr"` // 回连端点
}

// 基础消息结构。传输层负责完整性（TLS），消息级完整性靠各载荷内的签名。
type Message struct {
	Type      MessageType
	From      NodeID
	RequestID uint32

	// 共识
	Block   *Block
	Vote    *Vote
	Timeout *TimeoutMsg
	QC      *QuorumCertificate

	// 区块补拉
	BlockRequest *BlockRequest
	Blocks       []*Block

	// 锚定 / 影子仲裁
	Anchor     *AnchorCommitment
	ShadowJoin *ShadowJoin
	ShadowCert *ShadowCert

	// 交易gossip：完整交易或murmur短哈希清单
	Txs      []*Transaction
	ShortTxs []byte

	// 握手
	Handshake *Handshake
}
