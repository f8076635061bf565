// network/transport.go
// QUIC(HTTP/3) 消息传输。每条消息一个 POST：简单、可重试、
// 与 API 服务器共用同一套 TLS 与监听端口。
package network

import (
	"bytes"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"ouro/config"
	"ouro/logs"
	"ouro/types"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
)

const messagePath = "/p2p/message"

// QuicTransport 网络传输，实现 interfaces.Transport
type QuicTransport struct {
	cfg    *config.Config
	Logger logs.Logger
	self   types.NodeID
	pm     *PeerManager
	client *http.Client
	inbox  chan types.Message
}

// NewQuicTransport 创建传输端点
func NewQuicTransport(cfg *config.Config, self string, pm *PeerManager, logger logs.Logger) *QuicTransport {
	tlsCfg := &tls.Config{
		InsecureSkipVerify: true, // 自签证书，身份靠握手里的公钥而不是CA
		MinVersion:         tls.VersionTLS13,
		MaxVersion:         tls.VersionTLS13,
		ClientSessionCache: tls.NewLRUClientSessionCache(cfg.Server.TLSSessionCacheSize),
		NextProtos:         []string{"h3", "h3-29", "h3-28", "h3-27"},
	}
	tr := &http3.Transport{
		TLSClientConfig: tlsCfg,
		QUICConfig: &quic.Config{
			KeepAlivePeriod: cfg.Server.QUICKeepAlivePeriod,
			MaxIdleTimeout:  cfg.Server.QUICMaxIdleTimeout,
			Allow0RTT:       cfg.Server.QUICAllow0RTT,
		},
	}
	return &QuicTransport{
		cfg:    cfg,
		Logger: logger,
		self:   types.NodeID(self),
		pm:     pm,
		client: &http.Client{Transport: tr, Timeout: cfg.Server.HTTPTimeout},
		inbox:  make(chan types.Message, 4096),
	}
}

// Send 单发一条消息
func (t *QuicTransport) Send(to types.NodeID, msg types.Message) error {
	endpoint, ok := t.pm.Endpoint(string(to))
	if !ok {
		return fmt.Errorf("network: no endpoint for peer %s", to)
	}
	msg.From = t.self
	body, err := json.Marshal(&msg)
	if err != nil {
		return err
	}
	url := fmt.Sprintf("https://%s%s", endpoint, messagePath)
	resp, err := t.client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("network: send %s to %s: %w", msg.Type, to, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("network: peer %s replied %d to %s", to, resp.StatusCode, msg.Type)
	}
	t.pm.Touch(string(to))
	return nil
}

// Broadcast 并行发给所有给定对端，失败只记日志
func (t *QuicTransport) Broadcast(msg types.Message, peers []types.NodeID) {
	for _, peer := range peers {
		if peer == t.self {
			continue
		}
		go func(peer types.NodeID) {
			if err := t.Send(peer, msg); err != nil {
				t.Logger.Verbose("[Network] broadcast to %s failed: %v", peer, err)
			}
		}(peer)
	}
}

// Receive 收件信道
func (t *QuicTransport) Receive() <-chan types.Message {
	return t.inbox
}

// Peers 已知对端
func (t *QuicTransport) Peers() []types.NodeID {
	return t.pm.Peers()
}

// HandleMessage POST /p2p/message 的处理器，由 API 服务器挂载
func (t *QuicTransport) HandleMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, t.cfg.Server.MaxRequestBodySize))
	if err != nil {
		http.Error(w, "read body failed", http.StatusBadRequest)
		return
	}
	var msg types.Message
	if err := json.Unmarshal(body, &msg); err != nil {
		http.Error(w, "bad message", http.StatusBadRequest)
		return
	}

	// 握手消息在传输层直接消化
	if msg.Type == types.MsgHandshake && msg.Handshake != nil {
		if err := t.pm.Register(msg.Handshake, remoteEndpoint(r, msg.Handshake)); err != nil {
			t.Logger.Warn("[Network] handshake from %s rejected: %v", msg.From, err)
			http.Error(w, err.Error(), http.StatusForbidden)
			return
		}
		w.WriteHeader(http.StatusOK)
		return
	}

	select {
	case t.inbox <- msg:
		w.WriteHeader(http.StatusOK)
	case <-time.After(time.Second):
		// 入站积压，让对端稍后重试
		http.Error(w, "busy", http.StatusServiceUnavailable)
	}
}

// Handshake 主动向对端握手并登记自己
func (t *QuicTransport) Handshake(endpoint string, hs *types.Handshake) error {
	msg := types.Message{
		Type:      types.MsgHandshake,
		From:      t.self,
		Handshake: hs,
	}
	body, err := json.Marshal(&msg)
	if err != nil {
		return err
	}
	url := fmt.Sprintf("https://%s%s", endpoint, messagePath)
	resp, err := t.client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("network: handshake with %s rejected (%d)", endpoint, resp.StatusCode)
	}
	return nil
}

// remoteEndpoint 对端回连地址：优先握手里声明的监听地址
func remoteEndpoint(r *http.Request, hs *types.Handshake) string {
	if hs.ListenAddr != "" {
		return hs.ListenAddr
	}
	return r.RemoteAddr
}
