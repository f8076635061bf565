package db

import (
	"errors"

	"ouro/keys"

	"github.com/RoaringBitmap/roaring/roaring64"
)

// heightIndex 已提交高度位图（64位，高度不截断）。
// 区块提交前用它做连续性检查；崩溃恢复时扫一遍位图即可找到
// 最后一个连续高度，从那里继续回放。
type heightIndex struct {
	bitmap *roaring64.Bitmap
	dirty  bool
}

func (mgr *Manager) loadHeightIndex() error {
	mgr.heightIndex = &heightIndex{bitmap: roaring64.New()}
	data, err := mgr.Get(keys.KeyCommittedHeights())
	if errors.Is(err, ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := mgr.heightIndex.bitmap.UnmarshalBinary(data); err != nil {
		return err
	}
	return nil
}

func (mgr *Manager) saveHeightIndex() error {
	mgr.heightIndexMu.Lock()
	defer mgr.heightIndexMu.Unlock()
	if !mgr.heightIndex.dirty {
		return nil
	}
	data, err := mgr.heightIndex.bitmap.MarshalBinary()
	if err != nil {
		return err
	}
	mgr.heightIndex.dirty = false
	return mgr.Set(keys.KeyCommittedHeights(), data)
}

// MarkHeightCommitted 记录高度已提交并落盘位图
func (mgr *Manager) MarkHeightCommitted(height uint64) error {
	mgr.heightIndexMu.Lock()
	mgr.heightIndex.bitmap.Add(height)
	mgr.heightIndex.dirty = true
	mgr.heightIndexMu.Unlock()
	return mgr.saveHeightIndex()
}

// IsHeightCommitted 高度是否已提交
func (mgr *Manager) IsHeightCommitted(height uint64) bool {
	mgr.heightIndexMu.Lock()
	defer mgr.heightIndexMu.Unlock()
	return mgr.heightIndex.bitmap.Contains(height)
}

// MaxContiguousHeight 从0起最后一个连续已提交的高度。
// 位图中存在空洞说明崩溃点之后的写丢了，回放从这里开始。
func (mgr *Manager) MaxContiguousHeight() uint64 {
	mgr.heightIndexMu.Lock()
	defer mgr.heightIndexMu.Unlock()
	var h uint64
	for mgr.heightIndex.bitmap.Contains(h + 1) {
		h++
	}
	return h
}
