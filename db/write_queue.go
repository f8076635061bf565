package db

import (
	"errors"
	"time"

	"ouro/logs"

	"github.com/dgraph-io/badger/v2"
)

var (
	ErrQueueStopped = errors.New("db: write queue stopped")
	ErrFlushTimeout = errors.New("db: force flush timed out")
)

type flushRequest struct {
	done chan error
}

// InitWriteQueue 启动写队列 goroutine。
// 写请求先进有界队列，按 flushInterval 或批量上限合并成一个 badger 事务落盘；
// 上层通过 ForceFlush 获得"落盘完成"确认——写前日志语义：
// 只有 flush 成功返回后才允许对外报告"已提交"。
func (mgr *Manager) InitWriteQueue(maxCountPerTxn int, flushInterval time.Duration) {
	if maxCountPerTxn <= 0 {
		maxCountPerTxn = 500
	}
	if flushInterval <= 0 {
		flushInterval = 200 * time.Millisecond
	}
	mgr.maxCountPerTxn = maxCountPerTxn
	mgr.flushInterval = flushInterval
	mgr.writeQueueChan = make(chan WriteTask, mgr.cfg.Database.WriteQueueSize)
	mgr.forceFlushChan = make(chan flushRequest, 1)
	mgr.stopChan = make(chan struct{})
	mgr.wg.Add(1)
	go mgr.runWriteQueue()
}

// EnqueueSet 入队一个写任务
func (mgr *Manager) EnqueueSet(key string, value []byte) {
	mgr.writeQueueChan <- WriteTask{Key: key, Value: value}
}

// EnqueueDelete 入队一个删除任务
func (mgr *Manager) EnqueueDelete(key string) {
	mgr.writeQueueChan <- WriteTask{Key: key, Delete: true}
}

// ForceFlush 排空队列并同步等待落盘完成。
// 队列已停或超时都必须报错：调用方以返回 nil 作为"已落盘"的唯一依据，
// 这里吞掉错误等于谎报持久性。
func (mgr *Manager) ForceFlush() error {
	req := flushRequest{done: make(chan error, 1)}
	select {
	case mgr.forceFlushChan <- req:
	case <-mgr.stopChan:
		return ErrQueueStopped
	}
	select {
	case err := <-req.done:
		return err
	case <-mgr.stopChan:
		return ErrQueueStopped
	case <-time.After(30 * time.Second):
		logs.Warn("[DBQueue] force flush timed out")
		mgr.raiseFatal(ErrFlushTimeout)
		return ErrFlushTimeout
	}
}

// 写队列的核心 goroutine 逻辑
func (mgr *Manager) runWriteQueue() {
	defer mgr.wg.Done()
	batch := make([]WriteTask, 0, mgr.maxCountPerTxn)
	ticker := time.NewTicker(mgr.flushInterval)
	defer ticker.Stop()

	flushCurrentBatch := func() error {
		if len(batch) == 0 {
			return nil
		}
		count := len(batch)
		start := time.Now()
		err := mgr.flushBatch(batch)
		if dur := time.Since(start); dur >= 2*time.Second {
			mgr.Logger.Warn("[DBQueue] slow flush batch=%d took=%s q=%d/%d",
				count, dur, len(mgr.writeQueueChan), cap(mgr.writeQueueChan))
		}
		batch = batch[:0]
		if err != nil {
			// 落盘失败升级为致命错误
			mgr.raiseFatal(err)
		}
		return err
	}

	for {
		select {
		case task := <-mgr.writeQueueChan:
			batch = append(batch, task)
			// 批满即刷，不等定时器
			if len(batch) >= mgr.maxCountPerTxn {
				_ = flushCurrentBatch()
			}

		case <-ticker.C:
			_ = flushCurrentBatch()

		case req := <-mgr.forceFlushChan:
			// 先把队列里现有的任务都吸进来，再一次性刷
			batch = mgr.drainWriteQueue(batch)
			err := flushCurrentBatch()
			req.done <- err

		case <-mgr.stopChan:
			batch = mgr.drainWriteQueue(batch)
			_ = flushCurrentBatch()
			return
		}
	}
}

func (mgr *Manager) drainWriteQueue(batch []WriteTask) []WriteTask {
	for {
		select {
		case task := <-mgr.writeQueueChan:
			batch = append(batch, task)
		default:
			return batch
		}
	}
}

// flushBatch 把一批任务写进 badger。任务数超过单事务上限时切分提交。
func (mgr *Manager) flushBatch(batch []WriteTask) error {
	for start := 0; start < len(batch); start += mgr.maxCountPerTxn {
		end := start + mgr.maxCountPerTxn
		if end > len(batch) {
			end = len(batch)
		}
		chunk := batch[start:end]
		err := mgr.db.Update(func(txn *badger.Txn) error {
			for _, task := range chunk {
				if task.Delete {
					if err := txn.Delete([]byte(task.Key)); err != nil {
						return err
					}
					continue
				}
				if err := txn.Set([]byte(task.Key), task.Value); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	// badger 事务提交即写入 WAL（vlog），断电后按最后一条可回放
	return nil
}

func (mgr *Manager) stopWriteQueue() {
	close(mgr.stopChan)
	mgr.wg.Wait()
}
