// shadow/monitor.go
// 影子仲裁：Heavy 层长时间不出块时，Medium 议会临时接管
// 跨子链结算请求的排序，Heavy 回归后逐证书对账回锚。
// 影子期产物的终局性弱于完整 BFT，对账完成前一律视为临时。
package shadow

import (
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
	ErrNotActive     = errors.New("shadow: council not active")
	ErrNotCouncil    = errors.New("shadow: node not a council member")
	ErrBadJoin       = errors.New("shadow: invalid join message")
	ErrBadCert       = errors.New("shadow: invalid shadow certificate")
	ErrBatchOverflow = errors.New("shadow: settlement batch full")
)

// ShareCollector 向其他议会成员征集证书签名份额
type ShareCollector func(cert *types.ShadowCert) map[string][]byte

// Monitor 影子仲裁状态机
type Monitor struct {
	mu     sync.Mutex
	cfg    config.ShadowConfig
	Logger logs.Logger

	km        *utils.KeyManager
	council   *types.ValidatorSet // Medium 议会
	mgr       *db.Manager
	pool      interfaces.Mempool
	bus       interfaces.EventBus
	transport interfaces.Transport
	collect   ShareCollector

	state          types.ShadowState
	stage          uint64
	joins          map[string]*types.ShadowJoin
	lastHeavyBlock time.Time
	councilView    uint64

	pending []*types.SettlementRequest
	certs   []*types.ShadowCert
	// 对账胜出、还没以交易形式进 Heavy 区块的证书，按 CertID 索引
	pendingRecords map[string]*types.ShadowCert
	chainID        string

	blsPubCache map[string]kyber.Point

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewMonitor 创建影子仲裁监视器
func NewMonitor(
	cfg *config.Config,
	km *utils.KeyManager,
	council *types.ValidatorSet,
	mgr *db.Manager,
	pool interfaces.Mempool,
	bus interfaces.EventBus,
	transport interfaces.Transport,
	collect ShareCollector,
	logger logs.Logger,
) *Monitor {
	return &Monitor{
		cfg:            cfg.Shadow,
		Logger:         logger,
		km:             km,
		council:        council,
		mgr:            mgr,
		pool:           pool,
		bus:            bus,
		transport:      transport,
		collect:        collect,
		state:          types.ShadowNormal,
		joins:          make(map[string]*types.ShadowJoin),
		pendingRecords: make(map[string]*types.ShadowCert),
		chainID:        cfg.Node.ChainID,
		lastHeavyBlock: time.Now(),
		blsPubCache:    make(map[string]kyber.Point),
		stopChan:       make(chan struct{}),
	}
}

// quorum 议会 2/3（向上取整）
func (m *Monitor) quorum() int {
	return (2*m.council.Size() + 2) / 3
}

// Start 启动 Heavy 心跳监视
func (m *Monitor) Start() {
	if !m.cfg.Enabled {
		return
	}
	m.bus.Subscribe(types.EventBlockCommitted, func(event interfaces.Event) {
		if data, ok := event.Data().(*types.BlockCommittedData); ok {
			m.clearRecorded(data.Block)
		}
		m.OnHeavyBlock()
	})
	m.wg.Add(1)
	go m.watchLoop()
}

// Stop 停止监视器
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopChan) })
	m.wg.Wait()
}

// State 当前状态
func (m *Monitor) State() types.ShadowState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Monitor) watchLoop() {
	defer m.wg.Done()
	tick := m.cfg.HeavyTimeout / 4
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.checkHeavy()
		case <-m.stopChan:
			return
		}
	}
}

func (m *Monitor) checkHeavy() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != types.ShadowNormal {
		return
	}
	if time.Since(m.lastHeavyBlock) < m.cfg.HeavyTimeout {
		return
	}
	m.enterStage1Locked()
}

// enterStage1Locked Heavy 超时：发起招集轮，广播带签名的 JOIN
func (m *Monitor) enterStage1Locked() {
	m.stage++
	m.joins = make(map[string]*types.ShadowJoin)
	m.setStateLocked(types.ShadowStage1)
	m.Logger.Warn("[Shadow] heavy silent for %s, soliciting council (stage=%d)", m.cfg.HeavyTimeout, m.stage)

	if !m.council.Contains(m.km.Address()) {
		return
	}
	join, err := m.buildJoinLocked()
	if err != nil {
		m.Logger.Error("[Shadow] sign join failed: %v", err)
		return
	}
	if m.transport != nil {
		m.transport.Broadcast(types.Message{
			Type:       types.MsgShadowJoin,
			From:       types.NodeID(m.km.Address()),
			ShadowJoin: join,
		}, m.transport.Peers())
	}
	_ = m.acceptJoinLocked(join)
}

func (m *Monitor) buildJoinLocked() (*types.ShadowJoin, error) {
	sig, err := m.km.BLSSign(types.ShadowJoinSigningBytes(m.km.Address(), m.stage))
	if err != nil {
		return nil, err
	}
	return &types.ShadowJoin{
		Node:      m.km.Address(),
		Stage:     m.stage,
		Timestamp: time.Now().UnixMilli(),
		Signature: sig,
	}, nil
}

// OnJoin 处理议会成员的 JOIN
func (m *Monitor) OnJoin(join *types.ShadowJoin) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != types.ShadowStage1 {
		return nil
	}
	if join.Stage != m.stage {
		return nil
	}
	return m.acceptJoinLocked(join)
}

func (m *Monitor) acceptJoinLocked(join *types.ShadowJoin) error {
	val, ok := m.council.GetByAddress(join.Node)
	if !ok {
		return ErrNotCouncil
	}
	pub, err := m.blsPubLocked(val)
	if err != nil {
		return err
	}
	if err := utils.BLSVerifySignature(pub, types.ShadowJoinSigningBytes(join.Node, join.Stage), join.Signature); err != nil {
		return fmt.Errorf("%w: %v", ErrBadJoin, err)
	}
	m.joins[join.Node] = join

	if len(m.joins) >= m.quorum() {
		m.setStateLocked(types.ShadowActive)
		m.Logger.Warn("[Shadow] council ACTIVE with %d/%d members", len(m.joins), m.council.Size())
	}
	return nil
}

// OnHeavyBlock Heavy 层出块信号。
// 招集期收到则取消招集；影子期收到则转入对账。
func (m *Monitor) OnHeavyBlock() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastHeavyBlock = time.Now()
	switch m.state {
	case types.ShadowStage1:
		m.Logger.Info("[Shadow] heavy resumed during solicitation, standing down")
		m.joins = make(map[string]*types.ShadowJoin)
		m.setStateLocked(types.ShadowNormal)
	case types.ShadowActive:
		m.setStateLocked(types.ShadowReconciling)
		m.reconcileLocked()
	}
}

// SubmitSettlement 影子期受理结算请求
func (m *Monitor) SubmitSettlement(req *types.SettlementRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != types.ShadowActive {
		return ErrNotActive
	}
	if len(m.pending) >= m.cfg.MaxBatchSize {
		return ErrBatchOverflow
	}
	m.pending = append(m.pending, req)
	return nil
}

// IssueCert 把当前批次做成证书：批内默克尔根 + 议会聚合签名
func (m *Monitor) IssueCert() (*types.ShadowCert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != types.ShadowActive {
		return nil, ErrNotActive
	}
	if len(m.pending) == 0 {
		return nil, fmt.Errorf("shadow: empty batch")
	}

	m.councilView++
	leaves := make([][]byte, 0, len(m.pending))
	for _, req := range m.pending {
		leaves = append(leaves, []byte(req.Tx.TxID()))
	}
	cert := &types.ShadowCert{
		Batch:       m.pending,
		BatchRoot:   types.ShortHashHex(utils.BuildMerkleRoot(leaves)),
		CouncilView: m.councilView,
		Timestamp:   time.Now().UnixMilli(),
	}

	shares := make(map[string][]byte)
	if m.council.Contains(m.km.Address()) {
		own, err := m.km.BLSSign(cert.SigningBytes())
		if err != nil {
			return nil, err
		}
		shares[m.km.Address()] = own
	}
	if m.collect != nil {
		for signer, sig := range m.collect(cert) {
			if m.council.Contains(signer) {
				shares[signer] = sig
			}
		}
	}
	if len(shares) < m.quorum() {
		return nil, fmt.Errorf("%w: have %d signers, need %d", ErrBadCert, len(shares), m.quorum())
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
	cert.Signers = signers
	cert.AggSignature = aggSig
	cert.CertID = cert.Hash()

	if err := m.mgr.SaveShadowCert(cert); err != nil {
		return nil, err
	}
	m.certs = append(m.certs, cert)
	m.pending = nil

	if m.transport != nil {
		m.transport.Broadcast(types.Message{
			Type:       types.MsgShadowCert,
			From:       types.NodeID(m.km.Address()),
			ShadowCert: cert,
		}, m.transport.Peers())
	}
	m.Logger.Info("[Shadow] cert issued view=%d batch=%d signers=%d", cert.CouncilView, len(cert.Batch), len(signers))
	return cert, nil
}

// OnCert 收取其他仲裁团发布的证书（对账时统一裁决）
func (m *Monitor) OnCert(cert *types.ShadowCert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != types.ShadowActive && m.state != types.ShadowReconciling {
		return ErrNotActive
	}
	if err := m.verifyCertLocked(cert); err != nil {
		return err
	}
	for _, existing := range m.certs {
		if existing.CertID == cert.CertID {
			return nil
		}
	}
	if err := m.mgr.SaveShadowCert(cert); err != nil {
		return err
	}
	m.certs = append(m.certs, cert)
	return nil
}

func (m *Monitor) verifyCertLocked(cert *types.ShadowCert) error {
	seen := make(map[string]bool, len(cert.Signers))
	pubs := make([]kyber.Point, 0, len(cert.Signers))
	for _, signer := range cert.Signers {
		if seen[signer] {
			continue
		}
		seen[signer] = true
		val, ok := m.council.GetByAddress(signer)
		if !ok {
			return fmt.Errorf("%w: signer %s outside council", ErrBadCert, signer)
		}
		pub, err := m.blsPubLocked(val)
		if err != nil {
			return err
		}
		pubs = append(pubs, pub)
	}
	if len(pubs) < m.quorum() {
		return fmt.Errorf("%w: %d signers below quorum %d", ErrBadCert, len(pubs), m.quorum())
	}
	if err := utils.VerifyAggregateBLS(pubs, cert.SigningBytes(), cert.AggSignature); err != nil {
		return fmt.Errorf("%w: %v", ErrBadCert, err)
	}
	return nil
}

// reconcileLocked Heavy 回归后的对账：
//  1. 逐证书核验签名与法定人数，非法证书整体丢弃；
//  2. 批次重叠的证书冲突，签名人质押权重之和高者胜出；
//  3. 胜者批次按证书顺序回注交易池走正规共识，败者批次同样
//     回注重排（临时排序作废，交易本身不丢）；
//  4. 胜者证书本身进待上链队列，以协议交易回锚进 Heavy 账本，
//     影子期的裁决从此可审计、有终局。
func (m *Monitor) reconcileLocked() {
	m.Logger.Warn("[Shadow] heavy resumed, reconciling %d certs", len(m.certs))

	var valid []*types.ShadowCert
	for _, cert := range m.certs {
		if err := m.verifyCertLocked(cert); err != nil {
			m.Logger.Warn("[Shadow] cert %s discarded: %v", cert.CertID[:12], err)
			continue
		}
		valid = append(valid, cert)
	}
	sort.Slice(valid, func(i, j int) bool { return valid[i].CouncilView < valid[j].CouncilView })

	// 冲突裁决
	losers := make(map[string]bool)
	for i := 0; i < len(valid); i++ {
		for j := i + 1; j < len(valid); j++ {
			a, b := valid[i], valid[j]
			if losers[a.CertID] || losers[b.CertID] || !a.Overlaps(b) {
				continue
			}
			wa := m.council.StakeOf(a.Signers)
			wb := m.council.StakeOf(b.Signers)
			if wa >= wb {
				losers[b.CertID] = true
				m.Logger.Warn("[Shadow] cert conflict: %s (stake %d) beats %s (stake %d)",
					a.CertID[:12], wa, b.CertID[:12], wb)
			} else {
				losers[a.CertID] = true
				m.Logger.Warn("[Shadow] cert conflict: %s (stake %d) beats %s (stake %d)",
					b.CertID[:12], wb, a.CertID[:12], wa)
			}
		}
	}

	// 胜者先回注，保持其排序优先进入后续区块；
	// 胜者证书排队等待回锚
	var winnerTxs, loserTxs []*types.Transaction
	for _, cert := range valid {
		if losers[cert.CertID] {
			for _, req := range cert.Batch {
				loserTxs = append(loserTxs, req.Tx)
			}
			continue
		}
		for _, req := range cert.Batch {
			winnerTxs = append(winnerTxs, req.Tx)
		}
		m.pendingRecords[cert.CertID] = cert
	}
	if m.pool != nil {
		m.pool.Requeue(winnerTxs)
		m.pool.Requeue(loserTxs)
	}

	m.certs = nil
	m.pending = nil
	m.joins = make(map[string]*types.ShadowJoin)
	m.setStateLocked(types.ShadowNormal)
	m.Logger.Info("[Shadow] reconciliation done, back to normal operation")
}

// RecordTxs 把对账胜出的证书做成协议交易（0金额自转账，payload携带证书），
// 排进下一个提案。startNonce 由装配方统一分配，和其他协议记录共用
// 节点账户的nonce空间。
func (m *Monitor) RecordTxs(startNonce uint64) []*types.Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.pendingRecords) == 0 {
		return nil
	}
	ids := make([]string, 0, len(m.pendingRecords))
	for id := range m.pendingRecords {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	txs := make([]*types.Transaction, 0, len(ids))
	for _, id := range ids {
		payload, err := json.Marshal(&types.ShadowRecordPayload{
			Kind: types.ShadowRecordKind,
			Cert: m.pendingRecords[id],
		})
		if err != nil {
			continue
		}
		tx := &types.Transaction{
			From:      m.km.Address(),
			To:        m.km.Address(),
			Amount:    "0",
			Nonce:     startNonce + uint64(len(txs)),
			Fee:       "0",
			ChainID:   m.chainID,
			Payload:   payload,
			PublicKey: m.km.PublicKey,
		}
		tx.Signature = m.km.Sign(tx.SigningBytes())
		txs = append(txs, tx)
	}
	return txs
}

// clearRecorded 已提交区块里出现的证书记录（不管是谁打包的）出队
func (m *Monitor) clearRecorded(block *types.Block) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.pendingRecords) == 0 {
		return
	}
	for _, tx := range block.Txs {
		if len(tx.Payload) == 0 {
			continue
		}
		var rec types.ShadowRecordPayload
		if err := json.Unmarshal(tx.Payload, &rec); err != nil {
			continue
		}
		if rec.Kind != types.ShadowRecordKind || rec.Cert == nil {
			continue
		}
		delete(m.pendingRecords, rec.Cert.CertID)
	}
}

func (m *Monitor) setStateLocked(state types.ShadowState) {
	if m.state == state {
		return
	}
	m.Logger.Info("[Shadow] state %s -> %s", m.state, state)
	m.state = state
	if m.bus != nil {
		m.bus.PublishAsync(types.BaseEvent{EventType: types.EventShadowChanged, EventData: state})
	}
}

func (m *Monitor) blsPubLocked(val types.Validator) (kyber.Point, error) {
	if pub, ok := m.blsPubCache[val.Address]; ok {
		return pub, nil
	}
	pub, err := utils.UnmarshalBLSPubKey(val.BLSPubKey)
	if err != nil {
		return nil, err
	}
	m.blsPubCache[val.Address] = pub
	return pub, nil
}
