// handlers/server.go
// 节点对外 REST API（HTTP/3）。读接口开放，写接口走 bearer 认证。
package handlers

import (
	"crypto/tls"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"ouro/anchor"
	"ouro/config"
	"ouro/crt"
	"ouro/interfaces"
	"ouro/ledger"
	"ouro/logs"
	"ouro/mempool"
	"ouro/middleware"
	"ouro/network"
	"ouro/shadow"
	"ouro/types"
	"ouro/utils"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
)

// Server API 服务器
type Server struct {
	cfg    *config.Config
	Logger logs.Logger

	ledger    *ledger.Store
	pool      interfaces.Mempool
	engine    interfaces.ConsensusEngine
	anchorSvc *anchor.Service
	monitor   *shadow.Monitor
	transport *network.QuicTransport

	http3Srv *http3.Server
}

// NewServer 组装 API 服务器
func NewServer(
	cfg *config.Config,
	store *ledger.Store,
	pool interfaces.Mempool,
	engine interfaces.ConsensusEngine,
	anchorSvc *anchor.Service,
	monitor *shadow.Monitor,
	transport *network.QuicTransport,
	logger logs.Logger,
) *Server {
	return &Server{
		cfg:       cfg,
		Logger:    logger,
		ledger:    store,
		pool:      pool,
		engine:    engine,
		anchorSvc: anchorSvc,
		monitor:   monitor,
		transport: transport,
	}
}

// Routes 挂载全部路由
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/consensus", http.HandlerFunc(s.handleConsensus))
	mux.Handle("/account", http.HandlerFunc(s.handleAccount))
	mux.Handle("/block", http.HandlerFunc(s.handleBlock))
	mux.Handle("/state_proof", http.HandlerFunc(s.handleStateProof))
	mux.Handle("/anchor/head", http.HandlerFunc(s.handleAnchorHead))
	mux.Handle("/shadow", http.HandlerFunc(s.handleShadow))

	mux.Handle("/tx/submit", middleware.Chain(
		http.HandlerFunc(s.handleSubmitTx),
		middleware.BearerAuth(s.cfg),
		middleware.RateLimit(100, 200),
	))

	if s.transport != nil {
		mux.Handle("/p2p/message", http.HandlerFunc(s.transport.HandleMessage))
	}

	return middleware.Chain(mux, middleware.RequestLog(s.Logger))
}

// Start 启动 HTTP/3 监听
func (s *Server) Start(tlsCertPath, tlsKeyPath, nodeAddress string) error {
	tlsCfg, err := loadTLS(tlsCertPath, tlsKeyPath, nodeAddress, s.cfg)
	if err != nil {
		return err
	}
	s.http3Srv = &http3.Server{
		Addr:      s.cfg.Node.ListenAddr,
		Handler:   s.Routes(),
		TLSConfig: tlsCfg,
		QUICConfig: &quic.Config{
			KeepAlivePeriod: s.cfg.Server.QUICKeepAlivePeriod,
			MaxIdleTimeout:  s.cfg.Server.QUICMaxIdleTimeout,
			Allow0RTT:       s.cfg.Server.QUICAllow0RTT,
		},
	}
	s.Logger.Info("[API] HTTP/3 server listening on %s", s.cfg.Node.ListenAddr)
	return s.http3Srv.ListenAndServe()
}

// Stop 关闭监听
func (s *Server) Stop() error {
	if s.http3Srv == nil {
		return nil
	}
	return s.http3Srv.Close()
}

// ============================================
// 读接口
// ============================================

func (s *Server) handleConsensus(w http.ResponseWriter, r *http.Request) {
	type consensusStatus struct {
		View            uint64 `json:"view"`
		Leader          string `json:"leader"`
		CommittedHeight uint64 `json:"committed_height"`
		Synced          bool   `json:"synced"`
		StateRoot       string `json:"state_root"`
		MempoolSize     int    `json:"mempool_size"`
		ShadowState     string `json:"shadow_state"`
	}
	status := consensusStatus{
		View:            s.engine.CurrentView(),
		Leader:          s.engine.CurrentLeader(),
		CommittedHeight: s.engine.LastCommittedHeight(),
		Synced:          s.engine.IsSynced(),
		StateRoot:       s.ledger.StateRoot(),
		MempoolSize:     s.pool.Size(),
	}
	if s.monitor != nil {
		status.ShadowState = s.monitor.State().String()
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	address := r.URL.Query().Get("address")
	if address == "" {
		writeError(w, http.StatusBadRequest, "missing address")
		return
	}
	acc, err := s.ledger.GetAccount(address)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

func (s *Server) handleBlock(w http.ResponseWriter, r *http.Request) {
	if hash := r.URL.Query().Get("hash"); hash != "" {
		block, ok := s.ledger.GetBlockByHash(hash)
		if !ok {
			writeError(w, http.StatusNotFound, "block not found")
			return
		}
		writeJSON(w, http.StatusOK, block)
		return
	}
	heightStr := r.URL.Query().Get("height")
	height, err := strconv.ParseUint(heightStr, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing or bad height")
		return
	}
	block, ok := s.ledger.GetBlockByHeight(height)
	if !ok {
		writeError(w, http.StatusNotFound, "block not found")
		return
	}
	writeJSON(w, http.StatusOK, block)
}

// handleStateProof 锚定链证明：?seq=N&checkpoint=M
func (s *Server) handleStateProof(w http.ResponseWriter, r *http.Request) {
	if s.anchorSvc == nil {
		writeError(w, http.StatusServiceUnavailable, "anchoring disabled")
		return
	}
	seq, err := strconv.ParseUint(r.URL.Query().Get("seq"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing or bad seq")
		return
	}
	checkpoint, err := strconv.ParseUint(r.URL.Query().Get("checkpoint"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing or bad checkpoint")
		return
	}
	proof, err := s.anchorSvc.BuildProof(seq, checkpoint)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, proof)
}

func (s *Server) handleAnchorHead(w http.ResponseWriter, r *http.Request) {
	if s.anchorSvc == nil {
		writeError(w, http.StatusServiceUnavailable, "anchoring disabled")
		return
	}
	head, ok := s.anchorSvc.Head()
	if !ok {
		writeError(w, http.StatusNotFound, "no anchor emitted yet")
		return
	}
	writeJSON(w, http.StatusOK, head)
}

func (s *Server) handleShadow(w http.ResponseWriter, r *http.Request) {
	if s.monitor == nil {
		writeError(w, http.StatusServiceUnavailable, "shadow quorum disabled")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": s.monitor.State().String()})
}

// ============================================
// 写接口
// ============================================

// handleSubmitTx 交易提交。准入失败按类型映射状态码，
// 拒绝必须告知原因。
func (s *Server) handleSubmitTx(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST only")
		return
	}
	if s.engine != nil && !s.engine.IsSynced() {
		writeError(w, http.StatusServiceUnavailable, "node not yet synced")
		return
	}
	var tx types.Transaction
	if err := json.NewDecoder(r.Body).Decode(&tx); err != nil {
		writeError(w, http.StatusBadRequest, "malformed transaction json")
		return
	}

	err := s.pool.SubmitTx(&tx)
	switch {
	case err == nil:
		s.gossipTx(&tx)
		writeJSON(w, http.StatusOK, map[string]string{"tx_id": tx.TxID(), "status": "accepted"})
	case errors.Is(err, mempool.ErrFull):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, mempool.ErrDuplicateTx),
		errors.Is(err, mempool.ErrInvalidSignature),
		errors.Is(err, mempool.ErrStaleNonce),
		errors.Is(err, mempool.ErrNonceTooFar),
		errors.Is(err, mempool.ErrFeeTooLow),
		errors.Is(err, mempool.ErrWrongChain):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// gossipTx 新进池的交易转发给对端。
// ShortTxs 附带murmur短哈希，接收方先过清单再决定解码验签。
func (s *Server) gossipTx(tx *types.Transaction) {
	if s.transport == nil {
		return
	}
	msg := types.Message{
		Type:     types.MsgTxGossip,
		Txs:      []*types.Transaction{tx},
		ShortTxs: utils.MurmurHash([]byte(tx.TxID())),
	}
	s.transport.Broadcast(msg, s.transport.Peers())
}

// ============================================
// 工具
// ============================================

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func loadTLS(certPath, keyPath, nodeAddress string, cfg *config.Config) (*tls.Config, error) {
	return crt.LoadOrCreateTLSConfig(certPath, keyPath, nodeAddress, cfg.Server.CertValidityDays)
}
