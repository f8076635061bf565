// ledger/store.go
// 已提交状态的唯一真相来源。写路径由共识提交回调独占，
// 读路径（API、锚定、对账）并发访问已提交数据。
package ledger

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"ouro/config"
	"ouro/db"
	"ouro/logs"
	"ouro/types"
	"ouro/utils"

	lru "github.com/hashicorp/golang-lru"
	"github.com/shopspring/decimal"
)

// Store 账本存储，实现 interfaces.LedgerStore
type Store struct {
	mu     sync.RWMutex
	mgr    *db.Manager
	cfg    *config.Config
	Logger logs.Logger

	blockCache *lru.Cache // blockHash -> *types.Block

	latestHeight uint64
	stateRoot    string
}

// NewStore 打开账本并恢复内存态（最新高度、状态根）
func NewStore(mgr *db.Manager, cfg *config.Config, logger logs.Logger) (*Store, error) {
	cache, err := lru.New(cfg.Database.BlockCacheSize)
	if err != nil {
		return nil, err
	}
	s := &Store{
		mgr:        mgr,
		cfg:        cfg,
		Logger:     logger,
		blockCache: cache,
	}
	height, err := mgr.GetLatestHeight()
	if err != nil {
		return nil, err
	}
	s.latestHeight = height
	if height > 0 {
		root, err := mgr.GetStateRoot(height)
		if err != nil {
			return nil, fmt.Errorf("recover state root at height %d: %w", height, err)
		}
		s.stateRoot = root
	}
	logger.Info("[Ledger] opened at height=%d root=%s", height, types.ShortHashHex([]byte(s.stateRoot)))
	return s, nil
}

// InitGenesis 创世分配。只在空库时生效，重复调用是 no-op。
func (s *Store) InitGenesis(alloc map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.latestHeight > 0 || s.stateRoot != "" {
		return nil
	}
	addrs := make([]string, 0, len(alloc))
	for addr := range alloc {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)

	leaves := make([][]byte, 0, len(addrs))
	for _, addr := range addrs {
		bal, err := decimal.NewFromString(alloc[addr])
		if err != nil || bal.IsNegative() {
			return fmt.Errorf("genesis alloc for %s: bad amount %q", addr, alloc[addr])
		}
		acc := &types.Account{Address: addr, Balance: bal.String(), Nonce: 0}
		if err := s.mgr.SaveAccount(acc); err != nil {
			return err
		}
		data, _ := json.Marshal(acc)
		leaves = append(leaves, data)
	}
	s.stateRoot = hex.EncodeToString(utils.BuildMerkleRoot(leaves))
	if err := s.mgr.ForceFlush(); err != nil {
		return err
	}
	s.Logger.Info("[Ledger] genesis initialized accounts=%d root=%s", len(addrs), s.stateRoot[:16])
	return nil
}

// PutBlock 落块。只接受紧接最新高度、且父块已提交的区块——
// 已提交前缀必须连续无空洞。
func (s *Store) PutBlock(block *types.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if block.Height != s.latestHeight+1 {
		return fmt.Errorf("non-contiguous block height %d (latest %d)", block.Height, s.latestHeight)
	}
	if s.latestHeight > 0 {
		parent, err := s.mgr.GetBlockByHeight(s.latestHeight)
		if err != nil {
			return fmt.Errorf("load parent at height %d: %w", s.latestHeight, err)
		}
		if parent.Hash() != block.ParentHash {
			return fmt.Errorf("parent hash mismatch at height %d: have %s want %s",
				block.Height, block.ParentHash, parent.Hash())
		}
	}

	if err := s.mgr.SaveBlock(block); err != nil {
		return err
	}
	for _, tx := range block.Txs {
		if err := s.mgr.SaveTx(tx); err != nil {
			return err
		}
	}
	// 先落盘再宣布提交
	if err := s.mgr.ForceFlush(); err != nil {
		return err
	}
	if err := s.mgr.MarkHeightCommitted(block.Height); err != nil {
		return err
	}
	s.latestHeight = block.Height
	s.blockCache.Add(block.Hash(), block)
	return nil
}

// GetBlockByHash 读已提交区块
func (s *Store) GetBlockByHash(hash string) (*types.Block, bool) {
	if v, ok := s.blockCache.Get(hash); ok {
		return v.(*types.Block), true
	}
	block, err := s.mgr.GetBlockByHash(hash)
	if err != nil {
		return nil, false
	}
	s.blockCache.Add(hash, block)
	return block, true
}

// GetBlockByHeight 按高度读已提交区块
func (s *Store) GetBlockByHeight(height uint64) (*types.Block, bool) {
	block, err := s.mgr.GetBlockByHeight(height)
	if err != nil {
		return nil, false
	}
	return block, true
}

// LatestHeight 最新已提交高度
func (s *Store) LatestHeight() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latestHeight
}

// StateRoot 当前状态根
func (s *Store) StateRoot() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stateRoot
}

// GetAccount 读账户
func (s *Store) GetAccount(address string) (*types.Account, error) {
	return s.mgr.GetAccount(address)
}

// IsTxApplied 交易是否已上链
func (s *Store) IsTxApplied(txID string) (bool, error) {
	return s.mgr.IsTxApplied(txID)
}

// GetExecReceipt 区块执行回执
func (s *Store) GetExecReceipt(blockHash string) (*types.ExecReceipt, error) {
	return s.mgr.GetExecReceipt(blockHash)
}

// ApplyTransactions 按块内顺序应用交易。单笔不合法只进异常清单，
// 不中止整块；同一交易第二次出现是 no-op（留痕）。
// 整块应用完成后状态根与上一根链式滚动，保证可逐高度核验。
func (s *Store) ApplyTransactions(block *types.Block) (*types.ExecReceipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	receipt := &types.ExecReceipt{
		BlockHash: block.Hash(),
		Height:    block.Height,
	}

	// 块内工作集：同一账户多笔交易要看到前面交易的效果
	touched := make(map[string]*types.Account)
	loadAccount := func(addr string) (*types.Account, error) {
		if acc, ok := touched[addr]; ok {
			return acc, nil
		}
		acc, err := s.mgr.GetAccount(addr)
		if err != nil {
			return nil, err
		}
		touched[addr] = acc
		return acc, nil
	}

	skip := func(txID, reason string) {
		receipt.Exceptions = append(receipt.Exceptions, types.ExecException{TxID: txID, Reason: reason})
	}

	for _, tx := range block.Txs {
		txID := tx.TxID()

		applied, err := s.mgr.IsTxApplied(txID)
		if err != nil {
			return nil, err
		}
		if applied {
			skip(txID, "already applied")
			continue
		}
		if !utils.VerifyEd25519(tx.PublicKey, tx.SigningBytes(), tx.Signature) {
			skip(txID, "invalid signature")
			continue
		}
		fromAddr, err := utils.DeriveAddress(tx.PublicKey)
		if err != nil || fromAddr != tx.From {
			skip(txID, "sender address does not match public key")
			continue
		}
		if tx.ChainID != "" && tx.ChainID != s.cfg.Node.ChainID {
			skip(txID, "wrong chain id")
			continue
		}

		amount, err := decimal.NewFromString(tx.Amount)
		if err != nil || amount.IsNegative() {
			skip(txID, "bad amount")
			continue
		}
		fee, err := decimal.NewFromString(tx.Fee)
		if err != nil || fee.IsNegative() {
			skip(txID, "bad fee")
			continue
		}

		sender, err := loadAccount(tx.From)
		if err != nil {
			return nil, err
		}
		if tx.Nonce != sender.Nonce {
			skip(txID, fmt.Sprintf("bad nonce: have %d want %d", tx.Nonce, sender.Nonce))
			continue
		}
		balance, err := decimal.NewFromString(sender.Balance)
		if err != nil {
			return nil, fmt.Errorf("corrupt balance for %s: %w", tx.From, err)
		}
		total := amount.Add(fee)
		if balance.LessThan(total) {
			skip(txID, "insufficient balance")
			continue
		}

		recipient, err := loadAccount(tx.To)
		if err != nil {
			return nil, err
		}

		sender.Balance = balance.Sub(total).String()
		sender.Nonce++
		recBal, err := decimal.NewFromString(recipient.Balance)
		if err != nil {
			return nil, fmt.Errorf("corrupt balance for %s: %w", tx.To, err)
		}
		recipient.Balance = recBal.Add(amount).String()

		// 手续费归提案人
		if !fee.IsZero() && block.Proposer != "" {
			proposer, err := loadAccount(block.Proposer)
			if err != nil {
				return nil, err
			}
			propBal, err := decimal.NewFromString(proposer.Balance)
			if err != nil {
				return nil, fmt.Errorf("corrupt balance for %s: %w", block.Proposer, err)
			}
			proposer.Balance = propBal.Add(fee).String()
		}

		s.mgr.MarkTxApplied(txID, receipt.BlockHash)
		receipt.Applied++
		receipt.GasUsed += tx.GasLimit
	}

	// 滚动状态根：sha256(prevRoot || merkle(touched accounts))
	if len(touched) > 0 {
		addrs := make([]string, 0, len(touched))
		for addr := range touched {
			addrs = append(addrs, addr)
		}
		sort.Strings(addrs)
		leaves := make([][]byte, 0, len(addrs))
		for _, addr := range addrs {
			acc := touched[addr]
			if err := s.mgr.SaveAccount(acc); err != nil {
				return nil, err
			}
			data, _ := json.Marshal(acc)
			leaves = append(leaves, data)
		}
		merkle := utils.BuildMerkleRoot(leaves)
		chained := append([]byte(s.stateRoot), merkle...)
		s.stateRoot = hex.EncodeToString(utils.Sha256Hash(chained))
	}
	receipt.StateRoot = s.stateRoot

	if err := s.mgr.SaveExecReceipt(receipt); err != nil {
		return nil, err
	}
	if err := s.mgr.ForceFlush(); err != nil {
		return nil, err
	}
	s.Logger.Debug("[Ledger] applied block h=%d txs=%d skipped=%d root=%s",
		block.Height, receipt.Applied, len(receipt.Exceptions), receipt.StateRoot)
	return receipt, nil
}
