// app/app.go
// 节点装配：按依赖顺序把账本、交易池、区块图、共识、
// 锚定、影子仲裁和网络层拼成一个可启停的整体。
package app

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"ouro/anchor"
	"ouro/config"
	"ouro/consensus"
	"ouro/dag"
	"ouro/db"
	"ouro/handlers"
	"ouro/interfaces"
	"ouro/ledger"
	"ouro/logs"
	"ouro/mempool"
	"ouro/network"
	"ouro/shadow"
	"ouro/types"
	"ouro/utils"
)

// App 一个完整的节点实例
type App struct {
	cfg    *config.Config
	Logger logs.Logger

	KM        *utils.KeyManager
	Mgr       *db.Manager
	Store     *ledger.Store
	Pool      *mempool.Pool
	Graph     *dag.Dag
	Bus       *consensus.Bus
	Engine    *consensus.Engine
	AnchorSvc *anchor.Service
	Monitor   *shadow.Monitor
	Peers     *network.PeerManager
	Transport *network.QuicTransport
	API       *handlers.Server

	role   types.NodeRole
	cancel context.CancelFunc
}

// New 组装节点。只建对象不起goroutine，失败时已开的资源自行收尾。
func New(cfg *config.Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config invalid: %w", err)
	}
	role, err := types.ParseRole(cfg.Node.Role)
	if err != nil {
		return nil, err
	}
	km, err := utils.NewKeyManager(cfg.Node.PrivateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("node key: %w", err)
	}
	logger := logs.NewLogger(km.Address(), cfg.Node.Role)

	mgr, err := db.NewManager(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	store, err := ledger.NewStore(mgr, cfg, logger)
	if err != nil {
		_ = mgr.Close()
		return nil, err
	}
	if err := store.InitGenesis(cfg.Genesis.Alloc); err != nil {
		_ = mgr.Close()
		return nil, err
	}

	pool, err := mempool.NewPool(cfg, store, logger)
	if err != nil {
		_ = mgr.Close()
		return nil, err
	}

	vals, err := buildValidatorSet(cfg.Genesis.Validators, km)
	if err != nil {
		_ = mgr.Close()
		return nil, err
	}
	council := vals.Snapshot()
	if len(cfg.Genesis.Council) > 0 {
		if council, err = buildValidatorSet(cfg.Genesis.Council, km); err != nil {
			_ = mgr.Close()
			return nil, err
		}
	}

	// 区块图挂在已提交链头之上
	height := store.LatestHeight()
	var rootHash string
	if height > 0 {
		if block, ok := store.GetBlockByHeight(height); ok {
			rootHash = block.Hash()
		}
	}
	graph := dag.NewDag(rootHash, height, cfg.Consensus.OrphanBufferSize, logger)

	bus := consensus.NewBus()

	peers, err := network.NewPeerManager(cfg, mgr, logger)
	if err != nil {
		_ = mgr.Close()
		return nil, err
	}
	transport := network.NewQuicTransport(cfg, km.Address(), peers, logger)

	engine := consensus.NewEngine(cfg, km, vals, mgr, store, pool, graph, transport, bus, logger)

	// 签名份额征集靠部署侧注入，默认只有本节点自己的份额；
	// 单承诺人集合下 2/3 法定人数恰好是 1，可独立出锚。
	anchorSvc, err := anchor.NewService(cfg, mgr, store, council, km, bus, nil, logger)
	if err != nil {
		_ = mgr.Close()
		return nil, err
	}
	monitor := shadow.NewMonitor(cfg, km, council, mgr, pool, bus, transport, nil, logger)

	rt, err := newRouter(pool, anchorSvc, monitor, logger)
	if err != nil {
		_ = mgr.Close()
		return nil, err
	}
	engine.SetAuxHandler(rt.dispatch)
	// 锚定承诺与影子对账裁决都以协议交易回锚，
	// 共用节点账户的nonce空间，由这里统一编号
	engine.SetProtocolTxProvider(func() []*types.Transaction {
		var nonce uint64
		if acc, err := store.GetAccount(km.Address()); err == nil && acc != nil {
			nonce = acc.Nonce
		}
		txs := anchorSvc.RecordTxs(nonce)
		txs = append(txs, monitor.RecordTxs(nonce+uint64(len(txs)))...)
		return txs
	})

	api := handlers.NewServer(cfg, store, pool, engine, anchorSvc, monitor, transport, logger)

	app := &App{
		cfg:       cfg,
		Logger:    logger,
		KM:        km,
		Mgr:       mgr,
		Store:     store,
		Pool:      pool,
		Graph:     graph,
		Bus:       bus,
		Engine:    engine,
		AnchorSvc: anchorSvc,
		Monitor:   monitor,
		Peers:     peers,
		Transport: transport,
		API:       api,
		role:      role,
	}

	// 持久化致命错误：共识必须立刻停，绝不能在坏盘上继续投票
	mgr.SetFatalHandler(func(err error) {
		logger.Error("[App] persistence failure, halting consensus: %v", err)
		engine.Stop()
	})
	return app, nil
}

// Start 起顺序：池 -> 共识 -> 锚定/影子 -> 组网 -> API
func (a *App) Start(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)

	if err := a.Pool.Start(); err != nil {
		return err
	}
	if err := a.Engine.Start(ctx); err != nil {
		return err
	}
	a.AnchorSvc.Start()
	a.Monitor.Start()

	// 自己出的锚定承诺广播给对端跟随
	a.Bus.Subscribe(types.EventAnchorEmitted, func(event interfaces.Event) {
		c, ok := event.Data().(*types.AnchorCommitment)
		if !ok {
			return
		}
		a.Transport.Broadcast(types.Message{Type: types.MsgAnchor, Anchor: c}, a.Transport.Peers())
	})

	go a.dialSeeds(ctx)
	go func() {
		err := a.API.Start(a.cfg.Server.CertFile, a.cfg.Server.KeyFile, a.KM.Address())
		if err != nil {
			a.Logger.Error("[App] API server exited: %v", err)
		}
	}()

	a.Logger.Info("[App] node started addr=%s role=%s listen=%s",
		a.KM.Address(), a.role, a.cfg.Node.ListenAddr)
	return nil
}

// Stop 逆序停机：先断外部入口，再停内部循环，最后关库
func (a *App) Stop() {
	if a.cancel != nil {
		a.cancel()
	}
	_ = a.API.Stop()
	a.Engine.Stop()
	a.Monitor.Stop()
	a.Pool.Stop()
	if err := a.Mgr.Close(); err != nil {
		a.Logger.Warn("[App] database close: %v", err)
	}
	a.Logger.Info("[App] node stopped")
}

// dialSeeds 向种子节点握手登记自己，失败隔段时间重试
func (a *App) dialSeeds(ctx context.Context) {
	if len(a.cfg.Genesis.Seeds) == 0 {
		return
	}
	hs := &types.Handshake{
		Role:            a.role,
		Address:         a.KM.Address(),
		PubKey:          a.KM.PublicKey,
		ProtocolVersion: a.cfg.Node.ProtocolVersion,
		ChainID:         a.cfg.Node.ChainID,
		ListenAddr:      a.cfg.Node.ListenAddr,
	}
	pending := append([]string{}, a.cfg.Genesis.Seeds...)
	for attempt := 0; attempt < 5 && len(pending) > 0; attempt++ {
		var failed []string
		for _, seed := range pending {
			if err := a.Transport.Handshake(seed, hs); err != nil {
				a.Logger.Verbose("[App] handshake with seed %s failed: %v", seed, err)
				failed = append(failed, seed)
			}
		}
		pending = failed
		if len(pending) == 0 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(3 * time.Second):
		}
	}
	if len(pending) > 0 {
		a.Logger.Warn("[App] %d seed(s) unreachable after retries", len(pending))
	}
}

// buildValidatorSet 创世配置 -> 验证人集合。
// 配置为空时本节点单机自举（法定人数为1，可独立出块）。
func buildValidatorSet(entries []config.GenesisValidator, km *utils.KeyManager) (*types.ValidatorSet, error) {
	if len(entries) == 0 {
		blsPub, err := km.BLSPubKeyBytes()
		if err != nil {
			return nil, err
		}
		return types.NewValidatorSet(0, []types.Validator{{
			Address:   km.Address(),
			PubKey:    km.PublicKey,
			BLSPubKey: blsPub,
			Stake:     1,
		}}), nil
	}
	vals := make([]types.Validator, 0, len(entries))
	for _, e := range entries {
		pub, err := hex.DecodeString(e.PubKeyHex)
		if err != nil {
			return nil, fmt.Errorf("validator %s pubkey: %w", e.Address, err)
		}
		blsPub, err := hex.DecodeString(e.BLSPubKeyHex)
		if err != nil {
			return nil, fmt.Errorf("validator %s bls pubkey: %w", e.Address, err)
		}
		vals = append(vals, types.Validator{
			Address:   e.Address,
			PubKey:    pub,
			BLSPubKey: blsPub,
			Stake:     e.Stake,
		})
	}
	return types.NewValidatorSet(0, vals), nil
}
