package types

// NodeInfo 对等节点档案：握手成功后写库，重启后直接恢复节点表
type NodeInfo struct {
	Address         string   `json:"address"`
	PubKey          string   `json:"pub_key"`
	BLSPubKey       string   `json:"bls_pub_key,omitempty"`
	Role            NodeRole `json:"role"`
	ListenAddr      string   `json:"listen_addr"`
	ProtocolVersion string   `json:"protocol_version"`
	Stake           uint64   `json:"stake"`
	LastSeen        int64    `json:"last_seen"`
}
