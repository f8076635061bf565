// interfaces/iface.go
// 所有跨包接口的定义中心；实现方不回头导入这个包，避免循环依赖。
package interfaces

import (
	"context"

	"ouro/types"
)

// LedgerStore 账本存储（唯一的状态真相来源，写路径独占）
type LedgerStore interface {
	PutBlock(block *types.Block) error
	GetBlockByHash(hash string) (*types.Block, bool)
	GetBlockByHeight(height uint64) (*types.Block, bool)
	ApplyTransactions(block *types.Block) (*types.ExecReceipt, error)
	GetAccount(address string) (*types.Account, error)
	LatestHeight() uint64
	StateRoot() string
	IsTxApplied(txID string) (bool, error)
}

// Mempool 交易池
type Mempool interface {
	SubmitTx(tx *types.Transaction) error
	DrainForProposal(maxCount int, maxBytes int64) []*types.Transaction
	RemoveCommitted(txs []*types.Transaction)
	Requeue(txs []*types.Transaction)
	Size() int
	Start() error
	Stop()
}

// BlockDag 未终局区块图
type BlockDag interface {
	Insert(block *types.Block) error
	Get(hash string) (*types.Block, bool)
	HeaviestChainTip() string
	PruneBelow(height uint64)
	Size() int
}

// ConsensusEngine 共识引擎
type ConsensusEngine interface {
	Start(ctx context.Context) error
	OnProposal(from types.NodeID, block *types.Block) error
	OnVote(from types.NodeID, vote *types.Vote) error
	OnTimeout(from types.NodeID, tm *types.TimeoutMsg) error
	OnQC(qc *types.QuorumCertificate) error
	CurrentView() uint64
	CurrentLeader() string
	LastCommittedHeight() uint64
	IsSynced() bool
}

// Transport 网络传输。发送/接收完全并行，接受与状态变更由引擎内部串行化。
type Transport interface {
	Send(to types.NodeID, msg types.Message) error
	Broadcast(msg types.Message, peers []types.NodeID)
	Receive() <-chan types.Message
	Peers() []types.NodeID
}

// 事件总线
type Event interface {
	Type() types.EventType
	Data() interface{}
}

type EventHandler func(event Event)

type EventBus interface {
	Subscribe(topic types.EventType, handler EventHandler)
	Publish(event Event)
	PublishAsync(event Event)
}

// NodeSigner 节点签名能力（ed25519 + BLS 双键）
type NodeSigner interface {
	Address() string
	Sign(payload []byte) []byte
	BLSSign(payload []byte) ([]byte, error)
	BLSPubKeyBytes() ([]byte, error)
}

// AnchorService 锚定协议
type AnchorService interface {
	EmitAnchor(covers types.HeightRange, root string) (*types.AnchorCommitment, error)
	VerifyAnchor(commitment *types.AnchorCommitment, proof *types.AnchorProof) error
	Head() (*types.AnchorCommitment, bool)
	BuildProof(seq uint64, checkpointSeq uint64) (*types.AnchorProof, error)
}
