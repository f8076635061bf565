package consensus

import (
	"sort"
	"sync"

	"ouro/types"
)

// SimulatedNetwork 进程内仿真网络。多节点共识的集成测试靠它跑通：
// 每个节点一条有界收件信道，支持把节点摘线/复线模拟分区与宕机。
type SimulatedNetwork struct {
	mu      sync.RWMutex
	nodes   map[types.NodeID]*SimulatedTransport
	offline map[types.NodeID]bool
}

// NewSimulatedNetwork 创建仿真网络
func NewSimulatedNetwork() *SimulatedNetwork {
	return &SimulatedNetwork{
		nodes:   make(map[types.NodeID]*SimulatedTransport),
		offline: make(map[types.NodeID]bool),
	}
}

// Join 节点入网，返回其传输端点
func (n *SimulatedNetwork) Join(id types.NodeID) *SimulatedTransport {
	n.mu.Lock()
	defer n.mu.Unlock()
	tr := &SimulatedTransport{
		net:   n,
		id:    id,
		inbox: make(chan types.Message, 4096),
	}
	n.nodes[id] = tr
	return tr
}

// Disconnect 摘线：之后发给它/由它发出的消息全部丢弃
func (n *SimulatedNetwork) Disconnect(id types.NodeID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.offline[id] = true
}

// Reconnect 复线
func (n *SimulatedNetwork) Reconnect(id types.NodeID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.offline, id)
}

func (n *SimulatedNetwork) deliver(from, to types.NodeID, msg types.Message) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.offline[from] || n.offline[to] {
		return
	}
	target, ok := n.nodes[to]
	if !ok {
		return
	}
	select {
	case target.inbox <- msg:
	default:
		// 信道满直接丢，真实网络同样不保证送达
	}
}

// SimulatedTransport 仿真网络端点，实现 interfaces.Transport
type SimulatedTransport struct {
	net   *SimulatedNetwork
	id    types.NodeID
	inbox chan types.Message
}

// Send 单发
func (t *SimulatedTransport) Send(to types.NodeID, msg types.Message) error {
	t.net.deliver(t.id, to, msg)
	return nil
}

// Broadcast 逐个单发给给定对端（不含自己）
func (t *SimulatedTransport) Broadcast(msg types.Message, peers []types.NodeID) {
	for _, peer := range peers {
		if peer == t.id {
			continue
		}
		t.net.deliver(t.id, peer, msg)
	}
}

// Receive 收件信道
func (t *SimulatedTransport) Receive() <-chan types.Message {
	return t.inbox
}

// Peers 网内其他节点（按ID排序，保证确定性）
func (t *SimulatedTransport) Peers() []types.NodeID {
	t.net.mu.RLock()
	defer t.net.mu.RUnlock()
	peers := make([]types.NodeID, 0, len(t.net.nodes))
	for id := range t.net.nodes {
		if id != t.id {
			peers = append(peers, id)
		}
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i] < peers[j] })
	return peers
}
