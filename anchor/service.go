// anchor/service.go
// 锚定协议：把本层已提交的状态根做成哈希链式承诺，
// 由承诺人集合的 2/3 聚合签名后向下层账本锚定。
package anchor

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"ouro/config"
	"ouro/db"
	"ouro/interfaces"
	"ouro/logs"
	"ouro/types"
	"ouro/utils"

	"go.dedis.ch/kyber/v3"
)

var (
	ErrQuorumInsufficient = errors.New("anchor: signer quorum below two-thirds")
	ErrBadSignature       = errors.New("anchor: aggregate signature invalid")
	ErrRootMismatch       = errors.New("anchor: state root does not match local ledger")
	ErrBrokenChain        = errors.New("anchor: commitment chain broken")
	ErrDisabled           = errors.New("anchor: service disabled")
)

// ShareCollector 向其他承诺人征集对承诺的 BLS 签名份额。
// 网络层注入实现；测试里直接用共享密钥的闭包。
type ShareCollector func(c *types.AnchorCommitment) map[string][]byte

// Service 锚定服务，实现 interfaces.AnchorService
type Service struct {
	mu     sync.Mutex
	cfg    config.AnchorConfig
	Logger logs.Logger

	mgr     *db.Manager
	ledger  interfaces.LedgerStore
	vals    *types.ValidatorSet // 承诺人集合
	km      *utils.KeyManager
	bus     interfaces.EventBus
	collect ShareCollector

	head           *types.AnchorCommitment
	lastAnchoredTo uint64
	lastAnchorTime time.Time

	// 已出锚但还没以交易形式进块的承诺，按 seq 索引
	pending map[uint64]*types.AnchorCommitment
	chainID string

	blsPubCache map[string]kyber.Point
}

// NewService 创建锚定服务并恢复链头
func NewService(
	cfg *config.Config,
	mgr *db.Manager,
	ledger interfaces.LedgerStore,
	vals *types.ValidatorSet,
	km *utils.KeyManager,
	bus interfaces.EventBus,
	collect ShareCollector,
	logger logs.Logger,
) (*Service, error) {
	s := &Service{
		cfg:            cfg.Anchor,
		Logger:         logger,
		mgr:            mgr,
		ledger:         ledger,
		vals:           vals,
		km:             km,
		bus:            bus,
		collect:        collect,
		lastAnchorTime: time.Now(),
		pending:        make(map[uint64]*types.AnchorCommitment),
		chainID:        cfg.Node.ChainID,
		blsPubCache:    make(map[string]kyber.Point),
	}
	seq, ok, err := mgr.AnchorHeadSeq()
	if err != nil {
		return nil, err
	}
	if ok {
		head, err := mgr.GetAnchor(seq)
		if err != nil {
			return nil, err
		}
		s.head = head
		s.lastAnchoredTo = head.Covers.To
	}
	return s, nil
}

// quorum 承诺人 2/3（向上取整）
func (s *Service) quorum() int {
	return (2*s.vals.Size() + 2) / 3
}

// Start 挂到事件总线上：每个提交都检查是否到了锚定点
func (s *Service) Start() {
	if !s.cfg.Enabled {
		return
	}
	s.bus.Subscribe(types.EventBlockCommitted, func(event interfaces.Event) {
		data, ok := event.Data().(*types.BlockCommittedData)
		if !ok {
			return
		}
		s.clearRecorded(data.Block)
		s.onCommit(data.Block.Height, data.Receipt.StateRoot)
	})
}

// onCommit 块间隔或时间间隔先到者触发锚定
func (s *Service) onCommit(height uint64, root string) {
	s.mu.Lock()
	due := false
	if s.cfg.IntervalBlock > 0 && height >= s.lastAnchoredTo+s.cfg.IntervalBlock {
		due = true
	}
	if !due && s.cfg.IntervalTime > 0 && time.Since(s.lastAnchorTime) >= s.cfg.IntervalTime && height > s.lastAnchoredTo {
		due = true
	}
	from := s.lastAnchoredTo + 1
	s.mu.Unlock()
	if !due {
		return
	}
	if _, err := s.EmitAnchor(types.HeightRange{From: from, To: height}, root); err != nil {
		s.Logger.Warn("[Anchor] emit at h=%d failed: %v", height, err)
	}
}

// EmitAnchor 构造、征签并落盘一条锚定承诺
func (s *Service) EmitAnchor(covers types.HeightRange, root string) (*types.AnchorCommitment, error) {
	if !s.cfg.Enabled {
		return nil, ErrDisabled
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var seq uint64 = 1
	var prevHash string
	if s.head != nil {
		seq = s.head.Seq + 1
		prevHash = s.head.Hash()
	}
	batchRoot, _ := s.batchRootLocked(covers)
	c := &types.AnchorCommitment{
		Seq:        seq,
		SourceTier: s.cfg.SourceTier,
		StateRoot:  root,
		Covers:     covers,
		BatchRoot:  batchRoot,
		PrevHash:   prevHash,
		Timestamp:  time.Now().UnixMilli(),
	}

	// 自己的份额 + 征集到的份额
	shares := make(map[string][]byte)
	if s.vals.Contains(s.km.Address()) {
		own, err := s.km.BLSSign(c.SigningBytes())
		if err != nil {
			return nil, err
		}
		shares[s.km.Address()] = own
	}
	if s.collect != nil {
		for signer, sig := range s.collect(c) {
			if s.vals.Contains(signer) {
				shares[signer] = sig
			}
		}
	}
	if len(shares) < s.quorum() {
		return nil, fmt.Errorf("%w: have %d, need %d", ErrQuorumInsufficient, len(shares), s.quorum())
	}

	signers := make([]string, 0, len(shares))
	sigs := make([][]byte, 0, len(shares))
	for signer, sig := range shares {
		signers = append(signers, signer)
		sigs = append(sigs, sig)
	}
	aggSig, err := utils.AggregateBLS(sigs)
	if err != nil {
		return nil, err
	}
	c.Signers = signers
	c.AggSignature = aggSig

	if err := s.mgr.AppendAnchor(c); err != nil {
		return nil, err
	}
	s.head = c
	s.lastAnchoredTo = covers.To
	s.lastAnchorTime = time.Now()

	// 记账交易进不了块之前，承诺留在待上链队列里
	s.pending[c.Seq] = c

	s.Logger.Info("[Anchor] emitted seq=%d covers=[%d,%d] signers=%d", c.Seq, covers.From, covers.To, len(signers))
	s.bus.PublishAsync(types.BaseEvent{EventType: types.EventAnchorEmitted, EventData: c})
	return c, nil
}

// RecordTxs 把待上链的承诺做成协议交易（0金额自转账，payload携带承诺），
// 由当前 leader 在下一个提案里排进块首。锚定由此获得普通状态同级的终局性。
// startNonce 由装配方统一分配，和其他协议记录共用节点账户的nonce空间。
func (s *Service) RecordTxs(startNonce uint64) []*types.Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return nil
	}
	seqs := make([]uint64, 0, len(s.pending))
	for seq := range s.pending {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })

	txs := make([]*types.Transaction, 0, len(seqs))
	for i, seq := range seqs {
		payload, err := json.Marshal(&types.AnchorRecordPayload{
			Kind:       types.AnchorRecordKind,
			Commitment: s.pending[seq],
		})
		if err != nil {
			continue
		}
		tx := &types.Transaction{
			From:      s.km.Address(),
			To:        s.km.Address(),
			Amount:    "0",
			Nonce:     startNonce + uint64(i),
			Fee:       "0",
			ChainID:   s.chainID,
			Payload:   payload,
			PublicKey: s.km.PublicKey,
		}
		tx.Signature = s.km.Sign(tx.SigningBytes())
		txs = append(txs, tx)
	}
	return txs
}

// clearRecorded 已提交区块里出现的锚定记录（不管是谁打包的）出队
func (s *Service) clearRecorded(block *types.Block) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return
	}
	for _, tx := range block.Txs {
		if len(tx.Payload) == 0 {
			continue
		}
		var rec types.AnchorRecordPayload
		if err := json.Unmarshal(tx.Payload, &rec); err != nil {
			continue
		}
		if rec.Kind != types.AnchorRecordKind || rec.Commitment == nil {
			continue
		}
		delete(s.pending, rec.Commitment.Seq)
	}
}

// OnRemoteAnchor 跟随其他承诺人发出的锚定：
// 核验通过且与本地链头连续时采纳为新链头。
func (s *Service) OnRemoteAnchor(c *types.AnchorCommitment) error {
	if !s.cfg.Enabled {
		return ErrDisabled
	}
	if err := s.verifyCommitment(c); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.head != nil {
		if c.Seq <= s.head.Seq {
			return nil // 旧消息，丢弃
		}
		if c.Seq != s.head.Seq+1 || c.PrevHash != s.head.Hash() {
			return fmt.Errorf("%w: remote seq=%d head=%d", ErrBrokenChain, c.Seq, s.head.Seq)
		}
	}
	if err := s.mgr.AppendAnchor(c); err != nil {
		return err
	}
	s.head = c
	if c.Covers.To > s.lastAnchoredTo {
		s.lastAnchoredTo = c.Covers.To
	}
	s.lastAnchorTime = time.Now()
	s.Logger.Info("[Anchor] adopted remote seq=%d covers=[%d,%d]", c.Seq, c.Covers.From, c.Covers.To)
	return nil
}

// Head 最新承诺
func (s *Service) Head() (*types.AnchorCommitment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.head == nil {
		return nil, false
	}
	return s.head, true
}

// VerifyAnchor 核验一条承诺（以及可选的到可信检查点的链证明）。
// 接收方视角：签名人达不到 2/3、聚合签名不成立、或本地能看到
// 同高度状态根却对不上的，一律拒绝。
func (s *Service) VerifyAnchor(c *types.AnchorCommitment, proof *types.AnchorProof) error {
	if err := s.verifyCommitment(c); err != nil {
		return err
	}

	// 本地有对应高度的状态根时交叉核对
	if root, err := s.mgr.GetStateRoot(c.Covers.To); err == nil && root != "" {
		if root != c.StateRoot {
			return ErrRootMismatch
		}
	}
	// 覆盖区间的区块全都在本地时，批次根也要对得上
	s.mu.Lock()
	batchRoot, complete := s.batchRootLocked(c.Covers)
	s.mu.Unlock()
	if complete && batchRoot != c.BatchRoot {
		return ErrRootMismatch
	}

	if proof == nil {
		return nil
	}
	if proof.Target == nil || proof.Target.Hash() != c.Hash() {
		return fmt.Errorf("%w: proof target mismatch", ErrBrokenChain)
	}
	// 链证明按 seq 升序，每环引用前环哈希
	prev := (*types.AnchorCommitment)(nil)
	for _, link := range append(append([]*types.AnchorCommitment{}, proof.Links...), proof.Target) {
		if prev != nil {
			if link.Seq != prev.Seq+1 {
				return fmt.Errorf("%w: gap at seq %d", ErrBrokenChain, link.Seq)
			}
			if link.PrevHash != prev.Hash() {
				return fmt.Errorf("%w: prev hash mismatch at seq %d", ErrBrokenChain, link.Seq)
			}
		}
		if err := s.verifyCommitment(link); err != nil {
			return err
		}
		prev = link
	}
	return nil
}

func (s *Service) verifyCommitment(c *types.AnchorCommitment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]bool, len(c.Signers))
	pubs := make([]kyber.Point, 0, len(c.Signers))
	for _, signer := range c.Signers {
		if seen[signer] {
			continue
		}
		seen[signer] = true
		val, ok := s.vals.GetByAddress(signer)
		if !ok {
			return fmt.Errorf("anchor: signer %s not in committer set", signer)
		}
		pub, err := s.blsPubLocked(val)
		if err != nil {
			return err
		}
		pubs = append(pubs, pub)
	}
	if len(pubs) < s.quorum() {
		return ErrQuorumInsufficient
	}
	if err := utils.VerifyAggregateBLS(pubs, c.SigningBytes(), c.AggSignature); err != nil {
		return ErrBadSignature
	}
	return nil
}

// batchRootLocked 覆盖区间内区块哈希的merkle根。
// 任一区块本地缺失时 complete=false，此时根只供发起方使用，
// 验证方不得据此裁决。
func (s *Service) batchRootLocked(covers types.HeightRange) (string, bool) {
	complete := true
	var leaves [][]byte
	for h := covers.From; h <= covers.To; h++ {
		block, ok := s.ledger.GetBlockByHeight(h)
		if !ok {
			complete = false
			continue
		}
		leaves = append(leaves, []byte(block.Hash()))
	}
	return hex.EncodeToString(utils.BuildMerkleRoot(leaves)), complete
}

func (s *Service) blsPubLocked(val types.Validator) (kyber.Point, error) {
	if pub, ok := s.blsPubCache[val.Address]; ok {
		return pub, nil
	}
	pub, err := utils.UnmarshalBLSPubKey(val.BLSPubKey)
	if err != nil {
		return nil, err
	}
	s.blsPubCache[val.Address] = pub
	return pub, nil
}

// BuildProof 构造 [checkpointSeq, seq] 的链证明。
// Links 以 checkpoint 本身开头：验证方拿自己信任的检查点比对
// Links[0]，之后整条链的连续性就把 target 钉死了。
func (s *Service) BuildProof(seq uint64, checkpointSeq uint64) (*types.AnchorProof, error) {
	if seq <= checkpointSeq {
		return nil, fmt.Errorf("anchor: target seq %d not after checkpoint %d", seq, checkpointSeq)
	}
	target, err := s.mgr.GetAnchor(seq)
	if err != nil {
		return nil, err
	}
	var links []*types.AnchorCommitment
	for i := checkpointSeq; i < seq; i++ {
		link, err := s.mgr.GetAnchor(i)
		if err != nil {
			return nil, fmt.Errorf("anchor: missing link seq %d: %w", i, err)
		}
		links = append(links, link)
	}
	return &types.AnchorProof{Target: target, Links: links}, nil
}
