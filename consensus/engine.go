// consensus/engine.go
// 链式 HotStuff 共识引擎。
// 单把互斥锁串行化全部状态变更；网络收发在锁外并行。
// 安全关键状态（锁定QC、最近投票视图）先落盘后动作，
// 重启后的节点绝不会对同一视图投出第二票。
package consensus

import (
	"context"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	"ouro/config"
	"ouro/dag"
	"ouro/db"
	"ouro/interfaces"
	"ouro/logs"
	"ouro/types"
	"ouro/utils"

	"go.dedis.ch/kyber/v3"
)

// Engine HotStuff 引擎，实现 interfaces.ConsensusEngine
type Engine struct {
	mu     sync.Mutex
	cfg    *config.Config
	Logger logs.Logger

	km        *utils.KeyManager
	vals      *types.ValidatorSet
	store     *db.Manager
	ledger    interfaces.LedgerStore
	pool      interfaces.Mempool
	graph     *dag.Dag
	transport interfaces.Transport
	bus       interfaces.EventBus

	// 视图状态
	view          uint64
	highQC        *types.QuorumCertificate
	lockedQC      *types.QuorumCertificate
	lastVotedView uint64

	// leader 聚合态
	votes      map[string]map[string]*types.Vote // blockHash -> voter -> vote
	qcFormed   map[string]uint64                 // blockHash -> QC 视图（按视图回收）
	voteRecord map[uint64]map[string]*types.Vote // view -> voter -> 首票（双投检测）
	timeouts   map[uint64]map[string]*types.TimeoutMsg
	proposed   map[uint64]bool
	syncAsked  map[string]time.Time // 已发出补拉请求的父块哈希 -> 发出时间

	committedHeight uint64
	committedHash   string

	consecutiveTO int
	pm            *pacemaker

	blsPubCache map[string]kyber.Point

	// 非共识消息的外部分发出口（锚定、影子仲裁、交易gossip）
	aux func(types.Message)
	// 提案时附带的协议交易来源（锚定上链记录）
	protocolTxs func() []*types.Transaction

	stopChan  chan struct{}
	stopOnce  sync.Once
	startOnce sync.Once
	wg        sync.WaitGroup
}

// NewEngine 组装共识引擎
func NewEngine(
	cfg *config.Config,
	km *utils.KeyManager,
	vals *types.ValidatorSet,
	store *db.Manager,
	ledger interfaces.LedgerStore,
	pool interfaces.Mempool,
	graph *dag.Dag,
	transport interfaces.Transport,
	bus interfaces.EventBus,
	logger logs.Logger,
) *Engine {
	return &Engine{
		cfg:         cfg,
		Logger:      logger,
		km:          km,
		vals:        vals,
		store:       store,
		ledger:      ledger,
		pool:        pool,
		graph:       graph,
		transport:   transport,
		bus:         bus,
		votes:       make(map[string]map[string]*types.Vote),
		qcFormed:    make(map[string]uint64),
		voteRecord:  make(map[uint64]map[string]*types.Vote),
		timeouts:    make(map[uint64]map[string]*types.TimeoutMsg),
		proposed:    make(map[uint64]bool),
		syncAsked:   make(map[string]time.Time),
		blsPubCache: make(map[string]kyber.Point),
		stopChan:    make(chan struct{}),
	}
}

// SetAuxHandler 注册非共识消息的分发出口。必须在 Start 之前调用。
func (e *Engine) SetAuxHandler(fn func(types.Message)) {
	e.aux = fn
}

// SetProtocolTxProvider 注册协议交易来源。必须在 Start 之前调用。
func (e *Engine) SetProtocolTxProvider(fn func() []*types.Transaction) {
	e.protocolTxs = fn
}

// Start 恢复持久化的安全状态并进入事件循环
func (e *Engine) Start(ctx context.Context) error {
	var startErr error
	e.startOnce.Do(func() {
		e.mu.Lock()

		lockedQC, err := e.store.LoadLockedQC()
		if err != nil {
			e.mu.Unlock()
			startErr = err
			return
		}
		lastVoted, err := e.store.LoadLastVotedView()
		if err != nil {
			e.mu.Unlock()
			startErr = err
			return
		}
		e.lockedQC = lockedQC
		e.lastVotedView = lastVoted
		e.highQC = lockedQC

		e.committedHeight = e.ledger.LatestHeight()
		if e.committedHeight > 0 {
			if block, ok := e.ledger.GetBlockByHeight(e.committedHeight); ok {
				e.committedHash = block.Hash()
			}
		}
		e.graph.SetRoot(e.committedHash, e.committedHeight)

		e.view = lastVoted + 1
		if e.highQC != nil && e.highQC.View+1 > e.view {
			e.view = e.highQC.View + 1
		}

		e.pm = newPacemaker(e.cfg.Consensus.ViewTimeout, e.onLocalTimeout)
		e.pm.reset(e.view)

		view := e.view
		leader := e.vals.LeaderForView(view)
		e.mu.Unlock()

		e.Logger.Info("[Consensus] started view=%d leader=%s committed=%d votedView=%d",
			view, leader, e.committedHeight, lastVoted)

		e.wg.Add(1)
		go e.receiveLoop(ctx)

		if leader == e.km.Address() {
			e.scheduleProposal(view)
		}
	})
	return startErr
}

// Stop 停止引擎
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.stopChan)
		if e.pm != nil {
			e.pm.stop()
		}
	})
	e.wg.Wait()
}

// CurrentView 当前视图
func (e *Engine) CurrentView() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.view
}

// CurrentLeader 当前视图的 leader
func (e *Engine) CurrentLeader() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.vals.LeaderForView(e.view)
}

// LastCommittedHeight 最近提交高度
func (e *Engine) LastCommittedHeight() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.committedHeight
}

// syncLagTolerance 正常流水线里最高QC领先提交高度的上限
// （三链提交天然滞后两块，留点余量）
const syncLagTolerance = 8

// IsSynced 本节点是否追上链头：没有待补拉的孤块，
// 且已知最高QC高度与本地提交高度的差在流水线深度内。
// 落后节点对外受理交易只会白收一堆注定过期的nonce。
func (e *Engine) IsSynced() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.graph.OrphanCount() > 0 {
		return false
	}
	if e.highQC != nil && e.highQC.Height > e.committedHeight+syncLagTolerance {
		return false
	}
	return true
}

// HighQC 已知最高QC（影子仲裁对账入口用）
func (e *Engine) HighQC() *types.QuorumCertificate {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.highQC
}

// ============================================
// 消息入口
// ============================================

func (e *Engine) receiveLoop(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopChan:
			return
		case msg, ok := <-e.transport.Receive():
			if !ok {
				return
			}
			e.dispatch(msg)
		}
	}
}

func (e *Engine) dispatch(msg types.Message) {
	var err error
	switch msg.Type {
	case types.MsgProposal:
		err = e.OnProposal(msg.From, msg.Block)
	case types.MsgVote:
		err = e.OnVote(msg.From, msg.Vote)
	case types.MsgTimeout:
		err = e.OnTimeout(msg.From, msg.Timeout)
	case types.MsgQC:
		err = e.OnQC(msg.QC)
	case types.MsgBlockRequest:
		err = e.OnBlockRequest(msg.From, msg.BlockRequest)
	case types.MsgBlockResponse:
		err = e.OnBlockResponse(msg.From, msg.Blocks)
	default:
		if e.aux != nil {
			e.aux(msg)
		}
		return
	}
	if err != nil {
		e.Logger.Debug("[Consensus] %s from %s rejected: %v", msg.Type, msg.From, err)
	}
}

// OnProposal 处理提案
func (e *Engine) OnProposal(from types.NodeID, block *types.Block) error {
	if block == nil {
		return fmt.Errorf("nil block")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.onProposalLocked(from, block)
}

// OnVote 处理投票（本节点为目标视图 leader 时聚合）
func (e *Engine) OnVote(from types.NodeID, vote *types.Vote) error {
	if vote == nil {
		return fmt.Errorf("nil vote")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.onVoteLocked(vote)
}

// OnTimeout 处理视图超时消息
func (e *Engine) OnTimeout(from types.NodeID, tm *types.TimeoutMsg) error {
	if tm == nil {
		return fmt.Errorf("nil timeout")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.onTimeoutMsgLocked(tm)
}

// OnQC 处理单独广播的QC
func (e *Engine) OnQC(qc *types.QuorumCertificate) error {
	if qc == nil {
		return fmt.Errorf("nil qc")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.verifyQCLocked(qc); err != nil {
		return err
	}
	e.processQCLocked(qc)
	return nil
}

// ============================================
// 提案路径
// ============================================

func (e *Engine) scheduleProposal(view uint64) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		select {
		case <-time.After(e.cfg.Consensus.ProposalInterval):
		case <-e.stopChan:
			return
		}
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.view != view || e.proposed[view] {
			return
		}
		e.proposeLocked()
	}()
}

// proposeLocked 组块并广播。调用方持锁且已确认本节点是当前视图 leader。
func (e *Engine) proposeLocked() {
	view := e.view
	e.proposed[view] = true

	// 在最重链末端续块
	tip := e.graph.HeaviestChainTip()
	var parentHeight uint64
	if tip == e.committedHash {
		parentHeight = e.committedHeight
	} else if parent, ok := e.graph.Get(tip); ok {
		parentHeight = parent.Height
	} else {
		e.Logger.Warn("[Consensus] heaviest tip %s missing from graph, extending committed head", tip)
		tip = e.committedHash
		parentHeight = e.committedHeight
	}

	// 协议交易（锚定上链记录）排在用户交易之前
	var txs []*types.Transaction
	if e.protocolTxs != nil {
		txs = e.protocolTxs()
	}
	txs = append(txs, e.pool.DrainForProposal(e.cfg.Mempool.MaxTxsPerBlock, e.cfg.Mempool.MaxBytesPerBlock)...)
	leaves := make([][]byte, 0, len(txs))
	for _, tx := range txs {
		leaves = append(leaves, []byte(tx.TxID()))
	}

	block := &types.Block{
		Height:     parentHeight + 1,
		ParentHash: tip,
		View:       view,
		Txs:        txs,
		TxRoot:     hex.EncodeToString(utils.BuildBlockRoot(leaves)),
		Proposer:   e.km.Address(),
		Timestamp:  time.Now().UnixMilli(),
		ParentQC:   e.highQC,
	}
	block.Signature = e.km.Sign(block.SigningBytes())

	e.Logger.Info("[Consensus] propose view=%d h=%d txs=%d parent=%s",
		view, block.Height, len(txs), shortHash(tip))

	e.transport.Broadcast(types.Message{
		Type:  types.MsgProposal,
		From:  types.NodeID(e.km.Address()),
		Block: block,
	}, e.transport.Peers())
	e.bus.PublishAsync(types.BaseEvent{EventType: types.EventBlockProposed, EventData: block})

	// 本地也按提案流程走一遍（入图 + 给自己投票）
	if err := e.onProposalLocked(types.NodeID(e.km.Address()), block); err != nil {
		e.Logger.Warn("[Consensus] own proposal rejected: %v", err)
	}
}

func (e *Engine) onProposalLocked(from types.NodeID, block *types.Block) error {
	// leader 合法性与提案签名
	expected := e.vals.LeaderForView(block.View)
	if block.Proposer != expected {
		return fmt.Errorf("proposer %s is not leader of view %d (want %s)", block.Proposer, block.View, expected)
	}
	val, ok := e.vals.GetByAddress(block.Proposer)
	if !ok {
		return fmt.Errorf("unknown proposer %s", block.Proposer)
	}
	if !utils.VerifyEd25519(val.PubKey, block.SigningBytes(), block.Signature) {
		return fmt.Errorf("bad proposer signature on block h=%d", block.Height)
	}

	// 携带的父QC先行生效（落后节点靠这个追上视图）
	if block.ParentQC != nil {
		if err := e.verifyQCLocked(block.ParentQC); err != nil {
			return fmt.Errorf("bad parent qc: %w", err)
		}
	}

	if err := e.graph.Insert(block); err != nil {
		switch err {
		case dag.ErrDuplicateBlock, dag.ErrStaleBlock:
			return nil
		case dag.ErrUnknownParent:
			e.Logger.Verbose("[Consensus] orphan block h=%d parent=%s buffered", block.Height, shortHash(block.ParentHash))
			e.requestMissingLocked(from, block)
			return nil
		default:
			return err
		}
	}
	e.bus.PublishAsync(types.BaseEvent{EventType: types.EventBlockReceived, EventData: block})

	if block.ParentQC != nil {
		e.processQCLocked(block.ParentQC)
	}

	return e.maybeVoteLocked(block)
}

// maybeVoteLocked 安全规则：
//  1. 每视图至多一票，且投票视图单调递增（落盘后才发）；
//  2. 锁定规则：父QC视图低于锁定QC视图的提案不投。
func (e *Engine) maybeVoteLocked(block *types.Block) error {
	if block.View != e.view {
		return nil
	}
	if !e.vals.Contains(e.km.Address()) {
		return nil
	}
	if block.View <= e.lastVotedView {
		return nil
	}
	if e.lockedQC != nil {
		if block.ParentQC == nil || block.ParentQC.View < e.lockedQC.View {
			e.Logger.Verbose("[Consensus] lock rule refuses vote view=%d", block.View)
			return nil
		}
	}

	// 先落盘再投票；写失败宁可不投
	if err := e.store.SaveLastVotedView(block.View); err != nil {
		return fmt.Errorf("persist voted view: %w", err)
	}
	e.lastVotedView = block.View

	payload := types.VoteSigningBytes(block.Hash(), block.View, block.Height)
	sig, err := e.km.BLSSign(payload)
	if err != nil {
		return err
	}
	vote := &types.Vote{
		BlockHash: block.Hash(),
		View:      block.View,
		Height:    block.Height,
		Voter:     e.km.Address(),
		Signature: sig,
	}

	if block.Proposer == e.km.Address() {
		return e.onVoteLocked(vote)
	}
	return e.transport.Send(types.NodeID(block.Proposer), types.Message{
		Type: types.MsgVote,
		From: types.NodeID(e.km.Address()),
		Vote: vote,
	})
}

// ============================================
// 区块补拉
// ============================================

const maxSyncBlocks = 512

// requestMissingLocked 缺父块时向提案来源拉缺口。
// 漏掉一个块的节点如果只靠孤块缓冲，永远等不到有人重发父块，
// 从此再也追不上链头——必须主动去要。
// 同一个父块在一个视图超时窗口内只问一次。
func (e *Engine) requestMissingLocked(from types.NodeID, block *types.Block) {
	if e.transport == nil || string(from) == e.km.Address() || string(from) == "" {
		return
	}
	if last, ok := e.syncAsked[block.ParentHash]; ok && time.Since(last) < e.cfg.Consensus.ViewTimeout {
		return
	}
	e.syncAsked[block.ParentHash] = time.Now()

	req := &types.BlockRequest{
		Hash:       block.ParentHash,
		FromHeight: e.committedHeight + 1,
	}
	if block.Height > 0 {
		req.ToHeight = block.Height - 1
	}
	e.Logger.Info("[Consensus] missing parent %s, requesting h=[%d,%d] from %s",
		shortHash(block.ParentHash), req.FromHeight, req.ToHeight, from)
	if err := e.transport.Send(from, types.Message{
		Type:         types.MsgBlockRequest,
		From:         types.NodeID(e.km.Address()),
		BlockRequest: req,
	}); err != nil {
		e.Logger.Warn("[Consensus] block request to %s failed: %v", from, err)
	}
}

// OnBlockRequest 响应补拉：已提交区间读账本，指名的父块
// 可能尚未提交，沿图回溯补上未提交前缀，按高度升序返回。
// 只读已提交数据和图快照，不占引擎锁。
func (e *Engine) OnBlockRequest(from types.NodeID, req *types.BlockRequest) error {
	if req == nil {
		return fmt.Errorf("nil block request")
	}
	seen := make(map[string]bool)
	var out []*types.Block

	lo, hi := req.FromHeight, req.ToHeight
	if hi > lo+maxSyncBlocks {
		hi = lo + maxSyncBlocks
	}
	for h := lo; h >= 1 && h <= hi; h++ {
		block, ok := e.ledger.GetBlockByHeight(h)
		if !ok {
			break
		}
		out = append(out, block)
		seen[block.Hash()] = true
	}

	cursor := req.Hash
	for cursor != "" && !seen[cursor] && len(out) < maxSyncBlocks {
		block, ok := e.graph.Get(cursor)
		if !ok {
			break
		}
		seen[cursor] = true
		out = append(out, block)
		cursor = block.ParentHash
	}

	if len(out) == 0 {
		return nil
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Height < out[j].Height })
	e.Logger.Debug("[Consensus] serving %d blocks to %s", len(out), from)
	return e.transport.Send(from, types.Message{
		Type:   types.MsgBlockResponse,
		From:   types.NodeID(e.km.Address()),
		Blocks: out,
	})
}

// OnBlockResponse 按高度升序消化补拉回来的区块。
// 每个块都走完整的提案校验（历史视图的 leader 与签名照查），
// 来源不可信也没关系；携带的父QC会顺带把可提交的前缀提交掉。
func (e *Engine) OnBlockResponse(from types.NodeID, blocks []*types.Block) error {
	if len(blocks) == 0 {
		return nil
	}
	sorted := make([]*types.Block, 0, len(blocks))
	for _, block := range blocks {
		if block != nil {
			sorted = append(sorted, block)
		}
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Height < sorted[j].Height })

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, block := range sorted {
		if err := e.onProposalLocked(from, block); err != nil {
			e.Logger.Debug("[Consensus] sync block h=%d rejected: %v", block.Height, err)
		}
	}
	return nil
}

// ============================================
// 投票聚合
// ============================================

func (e *Engine) onVoteLocked(vote *types.Vote) error {
	val, ok := e.vals.GetByAddress(vote.Voter)
	if !ok {
		return fmt.Errorf("vote from non-validator %s", vote.Voter)
	}
	pub, err := e.blsPubLocked(val)
	if err != nil {
		return err
	}
	payload := types.VoteSigningBytes(vote.BlockHash, vote.View, vote.Height)
	if err := utils.BLSVerifySignature(pub, payload, vote.Signature); err != nil {
		return fmt.Errorf("bad vote signature from %s: %w", vote.Voter, err)
	}

	// 双投检测：同视图两个不同区块的投票即是罪证
	byVoter := e.voteRecord[vote.View]
	if byVoter == nil {
		byVoter = make(map[string]*types.Vote)
		e.voteRecord[vote.View] = byVoter
	}
	if first, seen := byVoter[vote.Voter]; seen {
		if first.BlockHash != vote.BlockHash {
			e.Logger.Warn("[Consensus] double vote detected voter=%s view=%d", vote.Voter, vote.View)
			_ = e.store.SaveSlashingEvidence(vote.Voter, vote.View, []*types.Vote{first, vote})
			e.bus.PublishAsync(types.BaseEvent{EventType: types.EventSlashEvidence, EventData: []*types.Vote{first, vote}})
		}
		return nil
	}
	byVoter[vote.Voter] = vote

	if _, done := e.qcFormed[vote.BlockHash]; done {
		return nil
	}
	group := e.votes[vote.BlockHash]
	if group == nil {
		group = make(map[string]*types.Vote)
		e.votes[vote.BlockHash] = group
	}
	group[vote.Voter] = vote

	if len(group) < e.vals.QuorumSize() {
		return nil
	}

	// 达到法定人数，聚合成QC
	signers := make([]string, 0, len(group))
	sigs := make([][]byte, 0, len(group))
	for voter, v := range group {
		signers = append(signers, voter)
		sigs = append(sigs, v.Signature)
	}
	aggSig, err := utils.AggregateBLS(sigs)
	if err != nil {
		return err
	}
	qc := &types.QuorumCertificate{
		BlockHash:    vote.BlockHash,
		View:         vote.View,
		Height:       vote.Height,
		Signers:      signers,
		AggSignature: aggSig,
	}
	e.qcFormed[vote.BlockHash] = vote.View
	delete(e.votes, vote.BlockHash)

	e.Logger.Info("[Consensus] QC formed view=%d h=%d signers=%d", qc.View, qc.Height, len(signers))
	e.bus.PublishAsync(types.BaseEvent{EventType: types.EventQCFormed, EventData: qc})
	e.transport.Broadcast(types.Message{
		Type: types.MsgQC,
		From: types.NodeID(e.km.Address()),
		QC:   qc,
	}, e.transport.Peers())

	e.processQCLocked(qc)
	return nil
}

func (e *Engine) blsPubLocked(val types.Validator) (kyber.Point, error) {
	if pub, ok := e.blsPubCache[val.Address]; ok {
		return pub, nil
	}
	pub, err := utils.UnmarshalBLSPubKey(val.BLSPubKey)
	if err != nil {
		return nil, fmt.Errorf("bad bls pubkey for %s: %w", val.Address, err)
	}
	e.blsPubCache[val.Address] = pub
	return pub, nil
}

// verifyQCLocked 校验QC：签名人去重后达到法定人数且聚合签名成立
func (e *Engine) verifyQCLocked(qc *types.QuorumCertificate) error {
	seen := make(map[string]bool, len(qc.Signers))
	pubs := make([]kyber.Point, 0, len(qc.Signers))
	for _, signer := range qc.Signers {
		if seen[signer] {
			continue
		}
		seen[signer] = true
		val, ok := e.vals.GetByAddress(signer)
		if !ok {
			return fmt.Errorf("qc signer %s not a validator", signer)
		}
		pub, err := e.blsPubLocked(val)
		if err != nil {
			return err
		}
		pubs = append(pubs, pub)
	}
	if len(pubs) < e.vals.QuorumSize() {
		return fmt.Errorf("qc has %d signers, quorum is %d", len(pubs), e.vals.QuorumSize())
	}
	if err := utils.VerifyAggregateBLS(pubs, qc.SigningBytes(), qc.AggSignature); err != nil {
		return fmt.Errorf("qc aggregate signature invalid: %w", err)
	}
	return nil
}

// ============================================
// QC 生效：锁定推进、三链提交、视图推进
// ============================================

func (e *Engine) processQCLocked(qc *types.QuorumCertificate) {
	if e.highQC == nil || qc.View > e.highQC.View {
		e.highQC = qc
	}

	// 两链锁定：QC(b2) 生效时锁到 b2 的父QC
	if b2, ok := e.blockByHashLocked(qc.BlockHash); ok && b2.ParentQC != nil {
		if e.lockedQC == nil || b2.ParentQC.View > e.lockedQC.View {
			e.lockedQC = b2.ParentQC
			if err := e.store.SaveLockedQC(e.lockedQC); err != nil {
				e.Logger.Error("[Consensus] persist locked qc failed: %v", err)
			}
		}
	}

	e.tryCommitLocked(qc)

	if qc.View >= e.view {
		e.advanceViewLocked(qc.View+1, "qc")
	}
}

// tryCommitLocked 三链提交规则：连续三个视图的QC穿过连续父链时，
// 最老的那个块终局化。
func (e *Engine) tryCommitLocked(qc2 *types.QuorumCertificate) {
	b2, ok := e.blockByHashLocked(qc2.BlockHash)
	if !ok || b2.ParentQC == nil {
		return
	}
	qc1 := b2.ParentQC
	b1, ok := e.blockByHashLocked(qc1.BlockHash)
	if !ok || b1.ParentQC == nil {
		return
	}
	qc0 := b1.ParentQC
	b0, ok := e.blockByHashLocked(qc0.BlockHash)
	if !ok {
		return
	}

	// 视图连续且父链无断裂
	if qc2.View != qc1.View+1 || qc1.View != qc0.View+1 {
		return
	}
	if b2.ParentHash != b1.Hash() || b1.ParentHash != b0.Hash() {
		return
	}
	if b0.Height <= e.committedHeight {
		return
	}

	// b0 与已提交头之间可能还有未提交的祖先，按高度顺序一起提交
	chain := []*types.Block{b0}
	cursor := b0
	for cursor.ParentHash != e.committedHash {
		parent, ok := e.blockByHashLocked(cursor.ParentHash)
		if !ok {
			e.Logger.Warn("[Consensus] commit chain broken at h=%d, missing %s",
				cursor.Height, shortHash(cursor.ParentHash))
			return
		}
		if parent.Height <= e.committedHeight {
			return
		}
		chain = append([]*types.Block{parent}, chain...)
		cursor = parent
	}

	for _, block := range chain {
		e.commitBlockLocked(block)
	}
}

func (e *Engine) commitBlockLocked(block *types.Block) {
	if err := e.ledger.PutBlock(block); err != nil {
		e.Logger.Error("[Consensus] commit h=%d failed: %v", block.Height, err)
		return
	}
	receipt, err := e.ledger.ApplyTransactions(block)
	if err != nil {
		e.Logger.Error("[Consensus] apply h=%d failed: %v", block.Height, err)
		return
	}
	e.pool.RemoveCommitted(block.Txs)

	e.committedHeight = block.Height
	e.committedHash = block.Hash()
	e.graph.SetRoot(e.committedHash, e.committedHeight)
	e.graph.PruneBelow(block.Height + 1)

	e.Logger.Info("[Consensus] COMMIT h=%d view=%d txs=%d skipped=%d",
		block.Height, block.View, receipt.Applied, len(receipt.Exceptions))
	e.bus.PublishAsync(types.BaseEvent{
		EventType: types.EventBlockCommitted,
		EventData: &types.BlockCommittedData{Block: block, Receipt: receipt},
	})
}

func (e *Engine) blockByHashLocked(hash string) (*types.Block, bool) {
	if block, ok := e.graph.Get(hash); ok {
		return block, true
	}
	return e.ledger.GetBlockByHash(hash)
}

// ============================================
// 视图推进与超时
// ============================================

func (e *Engine) advanceViewLocked(newView uint64, reason string) {
	if newView <= e.view {
		return
	}
	e.view = newView
	if reason == "qc" {
		e.consecutiveTO = 0
	}
	e.pm.reset(newView)
	e.gcLocked(newView)

	leader := e.vals.LeaderForView(newView)
	e.Logger.Debug("[Consensus] view=%d leader=%s reason=%s", newView, leader, reason)
	e.bus.PublishAsync(types.BaseEvent{
		EventType: types.EventViewAdvanced,
		EventData: &types.ViewAdvancedData{View: newView, Leader: leader, Reason: reason},
	})

	if leader == e.km.Address() {
		e.scheduleProposal(newView)
	}
}

// onLocalTimeout 本地视图超时：广播带签名的超时消息并计入自己一票
func (e *Engine) onLocalTimeout(view uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if view != e.view {
		return
	}
	e.consecutiveTO++
	if e.consecutiveTO >= e.cfg.Consensus.LivenessAlertViews {
		e.Logger.Warn("[Consensus] %d consecutive view timeouts, network may be partitioned", e.consecutiveTO)
	}
	e.bus.PublishAsync(types.BaseEvent{EventType: types.EventViewTimeout, EventData: view})

	sig, err := e.km.BLSSign(types.TimeoutSigningBytes(view))
	if err != nil {
		e.Logger.Error("[Consensus] sign timeout failed: %v", err)
		return
	}
	tm := &types.TimeoutMsg{
		View:      view,
		Voter:     e.km.Address(),
		HighQC:    e.highQC,
		Signature: sig,
	}
	e.transport.Broadcast(types.Message{
		Type:    types.MsgTimeout,
		From:    types.NodeID(e.km.Address()),
		Timeout: tm,
	}, e.transport.Peers())
	_ = e.onTimeoutMsgLocked(tm)

	// 视图没推进就继续重播超时消息
	e.pm.reset(view)
}

func (e *Engine) onTimeoutMsgLocked(tm *types.TimeoutMsg) error {
	val, ok := e.vals.GetByAddress(tm.Voter)
	if !ok {
		return fmt.Errorf("timeout from non-validator %s", tm.Voter)
	}
	pub, err := e.blsPubLocked(val)
	if err != nil {
		return err
	}
	if err := utils.BLSVerifySignature(pub, types.TimeoutSigningBytes(tm.View), tm.Signature); err != nil {
		return fmt.Errorf("bad timeout signature from %s: %w", tm.Voter, err)
	}

	// 带上来的最高QC先消化（可能直接推进视图）
	if tm.HighQC != nil {
		if err := e.verifyQCLocked(tm.HighQC); err == nil {
			e.processQCLocked(tm.HighQC)
		}
	}
	if tm.View < e.view {
		return nil
	}

	group := e.timeouts[tm.View]
	if group == nil {
		group = make(map[string]*types.TimeoutMsg)
		e.timeouts[tm.View] = group
	}
	group[tm.Voter] = tm

	// 2f+1 个同视图超时构成超时证书，全网推进
	if len(group) >= e.vals.QuorumSize() {
		e.Logger.Info("[Consensus] timeout certificate view=%d (%d voters)", tm.View, len(group))
		e.advanceViewLocked(tm.View+1, "timeout")
	}
	return nil
}

// gcLocked 清理旧视图的聚合状态
func (e *Engine) gcLocked(view uint64) {
	const keep = 8
	if view <= keep {
		return
	}
	floor := view - keep
	for v := range e.voteRecord {
		if v < floor {
			delete(e.voteRecord, v)
		}
	}
	for v := range e.timeouts {
		if v < floor {
			delete(e.timeouts, v)
		}
	}
	for v := range e.proposed {
		if v < floor {
			delete(e.proposed, v)
		}
	}
	// 没凑齐QC的票组和已成QC的标记同样按视图回收，
	// 否则每个流产提案都永久占一个条目
	for hash, group := range e.votes {
		for _, vote := range group {
			if vote.View < floor {
				delete(e.votes, hash)
			}
			break
		}
	}
	for hash, v := range e.qcFormed {
		if v < floor {
			delete(e.qcFormed, hash)
		}
	}
	for hash, at := range e.syncAsked {
		if time.Since(at) > time.Duration(keep)*e.cfg.Consensus.ViewTimeout {
			delete(e.syncAsked, hash)
		}
	}
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
