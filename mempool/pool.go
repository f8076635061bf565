// mempool/pool.go
// 未确认交易池。按 (sender, nonce) 组织，打包顺序按 fee-per-byte
// 从高到低、同价先到先得；同一发送方的交易始终保持 nonce 升序。
package mempool

import (
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"ouro/config"
	"ouro/interfaces"
	"ouro/logs"
	"ouro/types"
	"ouro/utils"

	"github.com/dchest/siphash"
	lru "github.com/hashicorp/golang-lru"
	"github.com/shopspring/decimal"
)

// 准入失败的类型化错误，API 层据此映射 HTTP 状态
var (
	ErrInvalidSignature = errors.New("mempool: invalid transaction signature")
	ErrStaleNonce       = errors.New("mempool: nonce below account nonce")
	ErrNonceTooFar      = errors.New("mempool: nonce beyond lookahead window")
	ErrDuplicateTx      = errors.New("mempool: duplicate transaction")
	ErrFeeTooLow        = errors.New("mempool: fee per byte below minimum")
	ErrFull             = errors.New("mempool: pool is full")
	ErrWrongChain       = errors.New("mempool: wrong chain id")
)

type txEntry struct {
	tx         *types.Transaction
	feePerByte decimal.Decimal
	size       int64
	addedAt    time.Time
}

// Pool 交易池，实现 interfaces.Mempool
type Pool struct {
	mu     sync.Mutex
	cfg    config.MempoolConfig
	chain  string
	ledger interfaces.LedgerStore
	Logger logs.Logger

	bySender map[string]map[uint64]*txEntry // sender -> nonce -> entry
	byID     map[string]*txEntry

	// 去重：siphash(txID) 进 LRU，池内淘汰后短期仍能挡住重放
	dedup  *lru.Cache
	sipK0  uint64
	sipK1  uint64
	minFee decimal.Decimal

	arrivalSeq uint64
	count      int

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewPool 创建交易池
func NewPool(cfg *config.Config, ledger interfaces.LedgerStore, logger logs.Logger) (*Pool, error) {
	dedup, err := lru.New(cfg.Mempool.DedupCacheSize)
	if err != nil {
		return nil, err
	}
	minFee, err := decimal.NewFromString(cfg.Mempool.MinFeePerByte)
	if err != nil {
		return nil, fmt.Errorf("bad MinFeePerByte %q: %w", cfg.Mempool.MinFeePerByte, err)
	}
	var key [16]byte
	if _, err := rand.Read(key[:]); err != nil {
		return nil, err
	}
	p := &Pool{
		cfg:      cfg.Mempool,
		chain:    cfg.Node.ChainID,
		ledger:   ledger,
		Logger:   logger,
		bySender: make(map[string]map[uint64]*txEntry),
		byID:     make(map[string]*txEntry),
		dedup:    dedup,
		sipK0:    uint64(key[0]) | uint64(key[1])<<8 | uint64(key[2])<<16 | uint64(key[3])<<24 | uint64(key[4])<<32 | uint64(key[5])<<40 | uint64(key[6])<<48 | uint64(key[7])<<56,
		sipK1:    uint64(key[8]) | uint64(key[9])<<8 | uint64(key[10])<<16 | uint64(key[11])<<24 | uint64(key[12])<<32 | uint64(key[13])<<40 | uint64(key[14])<<48 | uint64(key[15])<<56,
		minFee:   minFee,
		stopChan: make(chan struct{}),
	}
	return p, nil
}

// Start 启动过期清理循环
func (p *Pool) Start() error {
	p.wg.Add(1)
	go p.evictionLoop()
	return nil
}

// Stop 停止交易池
func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.stopChan) })
	p.wg.Wait()
}

// Size 当前池内交易数
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.count
}

func (p *Pool) dedupKey(txID string) uint64 {
	return siphash.Hash(p.sipK0, p.sipK1, []byte(txID))
}

// SubmitTx 交易准入。全部校验通过才入池；
// 拒绝必须带类型化错误，提交方据此决定重试还是放弃。
func (p *Pool) SubmitTx(tx *types.Transaction) error {
	if !utils.VerifyEd25519(tx.PublicKey, tx.SigningBytes(), tx.Signature) {
		return ErrInvalidSignature
	}
	fromAddr, err := utils.DeriveAddress(tx.PublicKey)
	if err != nil || fromAddr != tx.From {
		return ErrInvalidSignature
	}
	if tx.ChainID != "" && tx.ChainID != p.chain {
		return ErrWrongChain
	}

	txID := tx.TxID()
	key := p.dedupKey(txID)

	fee, err := decimal.NewFromString(tx.Fee)
	if err != nil || fee.IsNegative() {
		return ErrFeeTooLow
	}
	if _, err := decimal.NewFromString(tx.Amount); err != nil {
		return fmt.Errorf("mempool: bad amount %q", tx.Amount)
	}
	size := int64(tx.EncodedSize())
	if size <= 0 {
		return fmt.Errorf("mempool: unencodable transaction")
	}
	feePerByte := fee.Div(decimal.NewFromInt(size))
	if feePerByte.LessThan(p.minFee) {
		return ErrFeeTooLow
	}

	// nonce 基线来自已提交状态
	acc, err := p.ledger.GetAccount(tx.From)
	if err != nil {
		return err
	}
	if tx.Nonce < acc.Nonce {
		return ErrStaleNonce
	}
	if tx.Nonce > acc.Nonce+p.cfg.NonceLookahead {
		return ErrNonceTooFar
	}

	applied, err := p.ledger.IsTxApplied(txID)
	if err != nil {
		return err
	}
	if applied {
		return ErrDuplicateTx
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, seen := p.byID[txID]; seen {
		return ErrDuplicateTx
	}
	if _, seen := p.dedup.Get(key); seen {
		return ErrDuplicateTx
	}

	entry := &txEntry{
		tx:         tx,
		feePerByte: feePerByte,
		size:       size,
		addedAt:    time.Now(),
	}

	queue := p.bySender[tx.From]
	if queue == nil {
		queue = make(map[uint64]*txEntry)
		p.bySender[tx.From] = queue
	}
	if old, occupied := queue[tx.Nonce]; occupied {
		// 同 (sender, nonce) 替换：只接受更高的单价
		if !entry.feePerByte.GreaterThan(old.feePerByte) {
			return ErrDuplicateTx
		}
		delete(p.byID, old.tx.TxID())
		p.count--
	} else if p.count >= p.cfg.MaxPoolSize {
		return ErrFull
	}

	tx.ArrivalSeq = atomic.AddUint64(&p.arrivalSeq, 1)
	queue[tx.Nonce] = entry
	p.byID[txID] = entry
	p.dedup.Add(key, struct{}{})
	p.count++
	return nil
}

// DrainForProposal 选取下一个提案的交易集合。非破坏性：
// 池内容不变，提案失败无需回滚。
// 只选 nonce 从账户基线起连续的交易；全局按单价降序、到达序升序。
func (p *Pool) DrainForProposal(maxCount int, maxBytes int64) []*types.Transaction {
	p.mu.Lock()
	defer p.mu.Unlock()

	// 每个发送方的就绪队列：从已提交 nonce 起的连续段
	ready := make(map[string][]*txEntry)
	for sender, queue := range p.bySender {
		acc, err := p.ledger.GetAccount(sender)
		if err != nil {
			continue
		}
		var seq []*txEntry
		for n := acc.Nonce; ; n++ {
			entry, ok := queue[n]
			if !ok {
				break
			}
			seq = append(seq, entry)
		}
		if len(seq) > 0 {
			ready[sender] = seq
		}
	}

	heads := make(map[string]int)
	var picked []*types.Transaction
	var pickedBytes int64

	for maxCount <= 0 || len(picked) < maxCount {
		var best *txEntry
		var bestSender string
		for sender, seq := range ready {
			i := heads[sender]
			if i >= len(seq) {
				continue
			}
			cand := seq[i]
			if best == nil ||
				cand.feePerByte.GreaterThan(best.feePerByte) ||
				(cand.feePerByte.Equal(best.feePerByte) && cand.tx.ArrivalSeq < best.tx.ArrivalSeq) {
				best = cand
				bestSender = sender
			}
		}
		if best == nil {
			break
		}
		if maxBytes > 0 && pickedBytes+best.size > maxBytes {
			// 超出块体积则该发送方整条链停住（nonce 不能跳）
			heads[bestSender] = len(ready[bestSender])
			continue
		}
		picked = append(picked, best.tx)
		pickedBytes += best.size
		heads[bestSender]++
	}
	return picked
}

// RemoveCommitted 区块提交后清除已上链交易，
// 并顺带丢弃所有已因账户 nonce 前进而失效的交易。
func (p *Pool) RemoveCommitted(txs []*types.Transaction) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, tx := range txs {
		p.removeLocked(tx)
	}
	for sender, queue := range p.bySender {
		acc, err := p.ledger.GetAccount(sender)
		if err != nil {
			continue
		}
		for nonce, entry := range queue {
			if nonce < acc.Nonce {
				delete(queue, nonce)
				delete(p.byID, entry.tx.TxID())
				p.count--
			}
		}
		if len(queue) == 0 {
			delete(p.bySender, sender)
		}
	}
}

// Requeue 影子对账失败的请求回池重试。
// 曾经通过准入，签名不再复验；已上链或nonce过期的直接丢弃。
func (p *Pool) Requeue(txs []*types.Transaction) {
	for _, tx := range txs {
		txID := tx.TxID()
		applied, err := p.ledger.IsTxApplied(txID)
		if err != nil || applied {
			continue
		}
		acc, err := p.ledger.GetAccount(tx.From)
		if err != nil || tx.Nonce < acc.Nonce {
			continue
		}

		p.mu.Lock()
		if _, seen := p.byID[txID]; seen {
			p.mu.Unlock()
			continue
		}
		if p.count >= p.cfg.MaxPoolSize {
			p.mu.Unlock()
			p.Logger.Warn("[Mempool] requeue dropped, pool full txID=%s", txID[:16])
			continue
		}
		fee, err := decimal.NewFromString(tx.Fee)
		if err != nil {
			p.mu.Unlock()
			continue
		}
		size := int64(tx.EncodedSize())
		entry := &txEntry{
			tx:         tx,
			feePerByte: fee.Div(decimal.NewFromInt(size)),
			size:       size,
			addedAt:    time.Now(),
		}
		queue := p.bySender[tx.From]
		if queue == nil {
			queue = make(map[uint64]*txEntry)
			p.bySender[tx.From] = queue
		}
		if _, occupied := queue[tx.Nonce]; occupied {
			p.mu.Unlock()
			continue
		}
		tx.ArrivalSeq = atomic.AddUint64(&p.arrivalSeq, 1)
		queue[tx.Nonce] = entry
		p.byID[txID] = entry
		p.count++
		p.mu.Unlock()
	}
}

func (p *Pool) removeLocked(tx *types.Transaction) {
	queue, ok := p.bySender[tx.From]
	if !ok {
		return
	}
	entry, ok := queue[tx.Nonce]
	if !ok {
		return
	}
	// 只删同一笔；同 nonce 被更高价替换过的不算
	if entry.tx.TxID() != tx.TxID() {
		return
	}
	delete(queue, tx.Nonce)
	delete(p.byID, tx.TxID())
	p.count--
	if len(queue) == 0 {
		delete(p.bySender, tx.From)
	}
}

// evictionLoop 周期清理过期交易
func (p *Pool) evictionLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.EvictionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.evictExpired()
		case <-p.stopChan:
			return
		}
	}
}

func (p *Pool) evictExpired() {
	p.mu.Lock()
	defer p.mu.Unlock()
	cutoff := time.Now().Add(-p.cfg.TxExpirationTime)
	evicted := 0
	for sender, queue := range p.bySender {
		for nonce, entry := range queue {
			if entry.addedAt.Before(cutoff) {
				delete(queue, nonce)
				delete(p.byID, entry.tx.TxID())
				p.count--
				evicted++
			}
		}
		if len(queue) == 0 {
			delete(p.bySender, sender)
		}
	}
	if evicted > 0 {
		p.Logger.Info("[Mempool] evicted %d expired txs, size=%d", evicted, p.count)
	}
}
