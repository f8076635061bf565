// config/config.go
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Config 主配置结构
type Config struct {
	Node      NodeConfig
	Server    ServerConfig
	Database  DatabaseConfig
	Mempool   MempoolConfig
	Consensus ConsensusConfig
	Anchor    AnchorConfig
	Shadow    ShadowConfig
	Auth      AuthConfig
	Genesis   GenesisConfig
}

// NodeConfig 节点身份配置
type NodeConfig struct {
	Role            string // "Heavy" / "Medium" / "Light"
	PrivateKeyHex   string // 32字节ed25519种子（hex）
	ChainID         string // 链ID，参与交易签名域
	ListenAddr      string // QUIC监听地址
	ProtocolVersion uint32 // P2P协议版本
}

// ServerConfig HTTP/3服务器配置
type ServerConfig struct {
	// TLS配置
	TLSMinVersion string // "1.3"
	TLSMaxVersion string // "1.3"

	// QUIC配置
	QUICKeepAlivePeriod time.Duration // 10 * time.Second
	QUICMaxIdleTimeout  time.Duration // 5 * time.Minute
	QUICAllow0RTT       bool          // true

	// HTTP配置
	HTTPTimeout        time.Duration // 30 * time.Second
	MaxRequestBodySize int64         // 10 << 20 (10MB)

	// 证书配置
	CertFile            string // 自签证书路径，不存在则自动生成
	KeyFile             string
	CertValidityDays    int // 365
	TLSSessionCacheSize int // 128
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Dir string // badger 数据目录

	// BadgerDB配置
	ValueLogFileSize int64         // 64 << 20 (64MB)
	FlushInterval    time.Duration // 200 * time.Millisecond

	// 写队列配置
	WriteQueueSize      int   // 100000
	WriteBatchSoftLimit int64 // 8 * 1024 * 1024 (8MB)
	MaxCountPerTxn      int   // 500
	PerEntryOverhead    int   // 32

	// 缓存配置
	BlockCacheSize int // 128
}

// MempoolConfig 交易池配置
type MempoolConfig struct {
	// 容量
	MaxPoolSize    int // 10000
	DedupCacheSize int // 100000
	AppliedCache   int // 50000

	// nonce 向前看窗口：允许超前当前 nonce 的最大距离
	NonceLookahead uint64 // 64

	// 打包参数
	MaxTxsPerBlock   int   // 2500
	MaxBytesPerBlock int64 // 4 << 20

	// 准入
	MinFeePerByte string // "0.000001"（decimal）

	// 过期
	TxExpirationTime time.Duration // 24 * time.Hour
	EvictionInterval time.Duration // 1 * time.Minute
}

// ConsensusConfig HotStuff共识配置
type ConsensusConfig struct {
	// 视图节奏
	ViewTimeout      time.Duration // 2 * time.Second
	TimeoutCheckTick time.Duration // 200 * time.Millisecond

	// 连续超时视图数超过该值时打网络健康告警
	LivenessAlertViews int // 10

	// DAG 配置
	OrphanBufferSize int // 256
	MaxPendingBlocks int // 1024

	// 提案
	ProposalInterval time.Duration // 500 * time.Millisecond
	ShortHashSize    int           // 8
}

// AnchorConfig 锚定协议配置
type AnchorConfig struct {
	Enabled       bool
	IntervalBlock uint64        // 每多少个区块出一次锚定
	IntervalTime  time.Duration // 或者每多少时间（取先到者）
	SourceTier    string        // 本节点作为锚定来源的层标识
}

// ShadowConfig 影子仲裁配置
type ShadowConfig struct {
	Enabled      bool
	HeavyTimeout time.Duration // 多久收不到Heavy区块进入ShadowStage1
	JoinTimeout  time.Duration // JOIN轮的等待时间
	MaxBatchSize int           // 单个ShadowCert覆盖的最大请求数
}

// AuthConfig 认证配置
type AuthConfig struct {
	AuthEnabled bool
	BearerToken string // POST /tx/submit 所需的 bearer token
}

// GenesisValidator 创世验证人条目
type GenesisValidator struct {
	Address      string `json:"address"`
	PubKeyHex    string `json:"pub_key_hex"`
	BLSPubKeyHex string `json:"bls_pub_key_hex"`
	Stake        uint64 `json:"stake"`
}

// GenesisConfig 创世与组网配置
type GenesisConfig struct {
	Alloc      map[string]string  `json:"alloc"`      // 地址 -> 初始余额（nanoouro）
	Validators []GenesisValidator `json:"validators"` // 共识验证人；空则本节点单机自举
	Council    []GenesisValidator `json:"council"`    // 影子仲裁委员会；空则复用验证人集合
	Seeds      []string           `json:"seeds"`      // 启动时主动握手的种子节点端点
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Node: NodeConfig{
			Role:            "Heavy",
			ChainID:         "ouro-main",
			ListenAddr:      "0.0.0.0:6000",
			ProtocolVersion: 1,
		},
		Server: ServerConfig{
			TLSMinVersion:       "1.3",
			TLSMaxVersion:       "1.3",
			QUICKeepAlivePeriod: 10 * time.Second,
			QUICMaxIdleTimeout:  5 * time.Minute,
			QUICAllow0RTT:       true,
			HTTPTimeout:         30 * time.Second,
			MaxRequestBodySize:  10 << 20,
			CertFile:            "./data/node.crt",
			KeyFile:             "./data/node.key",
			CertValidityDays:    365,
			TLSSessionCacheSize: 128,
		},
		Database: DatabaseConfig{
			Dir:                 "./data",
			ValueLogFileSize:    64 << 20,
			FlushInterval:       200 * time.Millisecond,
			WriteQueueSize:      100000,
			WriteBatchSoftLimit: 8 * 1024 * 1024,
			MaxCountPerTxn:      500,
			PerEntryOverhead:    32,
			BlockCacheSize:      128,
		},
		Mempool: MempoolConfig{
			MaxPoolSize:      10000,
			DedupCacheSize:   100000,
			AppliedCache:     50000,
			NonceLookahead:   64,
			MaxTxsPerBlock:   2500,
			MaxBytesPerBlock: 4 << 20,
			MinFeePerByte:    "0.000001",
			TxExpirationTime: 24 * time.Hour,
			EvictionInterval: time.Minute,
		},
		Consensus: ConsensusConfig{
			ViewTimeout:        2 * time.Second,
			TimeoutCheckTick:   200 * time.Millisecond,
			LivenessAlertViews: 10,
			OrphanBufferSize:   256,
			MaxPendingBlocks:   1024,
			ProposalInterval:   500 * time.Millisecond,
			ShortHashSize:      8,
		},
		Anchor: AnchorConfig{
			Enabled:       true,
			IntervalBlock: 16,
			IntervalTime:  30 * time.Second,
			SourceTier:    "heavy-main",
		},
		Shadow: ShadowConfig{
			Enabled:      true,
			HeavyTimeout: 30 * time.Second,
			JoinTimeout:  10 * time.Second,
			MaxBatchSize: 512,
		},
		Auth: AuthConfig{
			AuthEnabled: true,
			BearerToken: "",
		},
		Genesis: GenesisConfig{
			Alloc: map[string]string{},
		},
	}
}

// LoadFromFile 在默认配置上叠加 JSON 配置文件。
// path 为空或文件不存在时直接返回默认值。
func LoadFromFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate 验证配置合法性
func (c *Config) Validate() error {
	switch c.Node.Role {
	case "Heavy", "Medium", "Light":
	default:
		return fmt.Errorf("invalid node role: %q", c.Node.Role)
	}
	if c.Mempool.MaxPoolSize <= 0 {
		return fmt.Errorf("MaxPoolSize must be positive")
	}
	if c.Mempool.MaxTxsPerBlock <= 0 {
		return fmt.Errorf("MaxTxsPerBlock must be positive")
	}
	if c.Consensus.ViewTimeout <= 0 {
		return fmt.Errorf("ViewTimeout must be positive")
	}
	if c.Anchor.Enabled && c.Anchor.IntervalBlock == 0 && c.Anchor.IntervalTime == 0 {
		return fmt.Errorf("anchor enabled but no interval configured")
	}
	for i, v := range c.Genesis.Validators {
		if v.Address == "" {
			return fmt.Errorf("genesis validator %d has empty address", i)
		}
		if v.Stake == 0 {
			return fmt.Errorf("genesis validator %s has zero stake", v.Address)
		}
	}
	return nil
}
