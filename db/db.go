package db

import (
	"errors"
	"sync"
	"time"

	"ouro/config"
	"ouro/logs"

	"github.com/dgraph-io/badger/v2"
	"github.com/dgraph-io/badger/v2/options"
)

// ErrKeyNotFound 读不到键时统一返回该错误
var ErrKeyNotFound = errors.New("db: key not found")

// WriteTask 写队列任务
type WriteTask struct {
	Key    string
	Value  []byte
	Delete bool
}

// Manager 封装 badger 实例与异步批量写队列。
// 所有组件只通过 Manager 动账，写路径独占；
// 已提交数据的并发读不会被写阻塞（badger MVCC）。
type Manager struct {
	db     *badger.DB
	cfg    *config.Config
	Logger logs.Logger

	// 写队列
	writeQueueChan chan WriteTask
	forceFlushChan chan flushRequest
	stopChan       chan struct{}
	wg             sync.WaitGroup
	maxCountPerTxn int
	flushInterval  time.Duration

	// 持久化失败是致命的：节点宁可退出共识也不能带着陈旧状态投票
	fatalHandler func(error)
	fatalOnce    sync.Once

	// 已提交高度位图（内存态 + 周期落盘）
	heightIndexMu sync.Mutex
	heightIndex   *heightIndex
}

// NewManager 打开badger并启动写队列
func NewManager(cfg *config.Config, logger logs.Logger) (*Manager, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	opts := badger.DefaultOptions(cfg.Database.Dir).
		WithValueLogFileSize(cfg.Database.ValueLogFileSize).
		WithTableLoadingMode(options.FileIO).
		WithLogger(nil)
	bdb, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	mgr := &Manager{
		db:     bdb,
		cfg:    cfg,
		Logger: logger,
	}
	if err := mgr.loadHeightIndex(); err != nil {
		_ = bdb.Close()
		return nil, err
	}
	mgr.InitWriteQueue(cfg.Database.MaxCountPerTxn, cfg.Database.FlushInterval)
	return mgr, nil
}

// SetFatalHandler 注册持久化致命错误的上抛回调
func (mgr *Manager) SetFatalHandler(fn func(error)) {
	mgr.fatalHandler = fn
}

func (mgr *Manager) raiseFatal(err error) {
	mgr.fatalOnce.Do(func() {
		mgr.Logger.Error("[DB] FATAL storage error, node must stop consensus participation: %v", err)
		if mgr.fatalHandler != nil {
			mgr.fatalHandler(err)
		}
	})
}

// Get 同步点查。先 ForceFlush 保证读到已入队的写。
func (mgr *Manager) Get(key string) ([]byte, error) {
	var out []byte
	err := mgr.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrKeyNotFound
			}
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	return out, err
}

// Has 键是否存在
func (mgr *Manager) Has(key string) (bool, error) {
	_, err := mgr.Get(key)
	if errors.Is(err, ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Set 同步写（绕过队列，少量关键路径使用）
func (mgr *Manager) Set(key string, value []byte) error {
	return mgr.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
}

// Delete 同步删
func (mgr *Manager) Delete(key string) error {
	return mgr.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

// ScanPrefix 按前缀遍历（已提交数据只读扫描）
func (mgr *Manager) ScanPrefix(prefix string, fn func(key string, value []byte) error) error {
	return mgr.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		p := []byte(prefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			item := it.Item()
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := fn(string(item.Key()), val); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close 停写队列并关库
func (mgr *Manager) Close() error {
	mgr.stopWriteQueue()
	if err := mgr.saveHeightIndex(); err != nil {
		mgr.Logger.Warn("[DB] save height index on close: %v", err)
	}
	return mgr.db.Close()
}
