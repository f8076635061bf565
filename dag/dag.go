// dag/dag.go
// 未终局区块图。提交点之后的所有候选分叉都挂在这里，
// 终局化后由 PruneBelow 统一回收。
package dag

import (
	"errors"
	"sync"

	"ouro/logs"
	"ouro/types"
)

var (
	ErrDuplicateBlock = errors.New("dag: block already inserted")
	ErrUnknownParent  = errors.New("dag: parent not in graph, block buffered")
	ErrStaleBlock     = errors.New("dag: block at or below pruned height")
	ErrOrphanOverflow = errors.New("dag: orphan buffer full, block dropped")
)

type node struct {
	block     *types.Block
	hash      string
	cumWeight uint64 // 从根到该块沿途 QC 签名者数量之和
}

// Dag 区块图，实现 interfaces.BlockDag
type Dag struct {
	mu     sync.RWMutex
	Logger logs.Logger

	rootHash   string // 最后一个已提交区块的哈希（图的挂载点）
	rootHeight uint64

	arena   map[string]*node
	orphans map[string][]*types.Block // 等待的父哈希 -> 孤块
	orphanN int
	maxOrph int
}

// NewDag 以最后提交点为根创建区块图
func NewDag(rootHash string, rootHeight uint64, orphanBufferSize int, logger logs.Logger) *Dag {
	if orphanBufferSize <= 0 {
		orphanBufferSize = 256
	}
	return &Dag{
		Logger:     logger,
		rootHash:   rootHash,
		rootHeight: rootHeight,
		arena:      make(map[string]*node),
		orphans:    make(map[string][]*types.Block),
		maxOrph:    orphanBufferSize,
	}
}

func qcWeight(block *types.Block) uint64 {
	if block.ParentQC == nil {
		return 0
	}
	return uint64(len(block.ParentQC.Signers))
}

// Insert 挂块。父块未知时进孤块缓冲并返回 ErrUnknownParent，
// 调用方据此去向对端拉取父块；父块补齐后孤块自动级联挂接。
func (d *Dag) Insert(block *types.Block) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.insertLocked(block)
}

func (d *Dag) insertLocked(block *types.Block) error {
	hash := block.Hash()
	if block.Height <= d.rootHeight {
		return ErrStaleBlock
	}
	if _, ok := d.arena[hash]; ok {
		return ErrDuplicateBlock
	}

	var parentWeight uint64
	switch {
	case block.ParentHash == d.rootHash:
		parentWeight = 0
	default:
		parent, ok := d.arena[block.ParentHash]
		if !ok {
			return d.bufferOrphanLocked(block)
		}
		parentWeight = parent.cumWeight
	}

	d.arena[hash] = &node{
		block:     block,
		hash:      hash,
		cumWeight: parentWeight + qcWeight(block),
	}

	// 级联收养等这个块的孤块
	d.adoptOrphansLocked(hash)
	return nil
}

func (d *Dag) bufferOrphanLocked(block *types.Block) error {
	if d.orphanN >= d.maxOrph {
		d.Logger.Warn("[DAG] orphan buffer full (%d), dropping block h=%d", d.maxOrph, block.Height)
		return ErrOrphanOverflow
	}
	hash := block.Hash()
	for _, o := range d.orphans[block.ParentHash] {
		if o.Hash() == hash {
			return ErrDuplicateBlock
		}
	}
	d.orphans[block.ParentHash] = append(d.orphans[block.ParentHash], block)
	d.orphanN++
	return ErrUnknownParent
}

func (d *Dag) adoptOrphansLocked(parentHash string) {
	waiting := d.orphans[parentHash]
	if len(waiting) == 0 {
		return
	}
	delete(d.orphans, parentHash)
	d.orphanN -= len(waiting)
	for _, block := range waiting {
		_ = d.insertLocked(block)
	}
}

// Get 读图内区块
func (d *Dag) Get(hash string) (*types.Block, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	n, ok := d.arena[hash]
	if !ok {
		return nil, false
	}
	return n.block, true
}

// HeaviestChainTip 最重链末端：累计QC权重最大者，
// 同权取哈希最小（字典序）保证全网选择一致。图空时返回根哈希。
func (d *Dag) HeaviestChainTip() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var best *node
	for _, n := range d.arena {
		if best == nil ||
			n.cumWeight > best.cumWeight ||
			(n.cumWeight == best.cumWeight && n.hash < best.hash) {
			best = n
		}
	}
	if best == nil {
		return d.rootHash
	}
	return best.hash
}

// SetRoot 提交发生后把图的根移到新提交点。
// 分叉点可能有同高度的竞争块，根必须指向真正提交的那个。
func (d *Dag) SetRoot(hash string, height uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rootHash = hash
	d.rootHeight = height
}

// PruneBelow 丢弃低于该高度的所有节点与孤块
func (d *Dag) PruneBelow(height uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for hash, n := range d.arena {
		if n.block.Height < height {
			delete(d.arena, hash)
		}
	}
	for parentHash, waiting := range d.orphans {
		kept := waiting[:0]
		for _, block := range waiting {
			if block.Height >= height {
				kept = append(kept, block)
			} else {
				d.orphanN--
			}
		}
		if len(kept) == 0 {
			delete(d.orphans, parentHash)
		} else {
			d.orphans[parentHash] = kept
		}
	}
}

// Size 图内区块数（不含孤块缓冲）
func (d *Dag) Size() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.arena)
}

// OrphanCount 孤块缓冲大小
func (d *Dag) OrphanCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.orphanN
}
