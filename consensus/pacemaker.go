package consensus

import (
	"sync"
	"time"
)

// pacemaker 视图定时器。每个视图一个可取消的计时器：
// 视图因QC推进时取消重置，超时未推进则触发超时回调。
type pacemaker struct {
	mu        sync.Mutex
	timer     *time.Timer
	view      uint64
	timeout   time.Duration
	onTimeout func(view uint64)
	stopped   bool
}

func newPacemaker(timeout time.Duration, onTimeout func(view uint64)) *pacemaker {
	return &pacemaker{timeout: timeout, onTimeout: onTimeout}
}

// reset 取消旧视图计时并为新视图重新计时
func (p *pacemaker) reset(view uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	p.view = view
	p.timer = time.AfterFunc(p.timeout, func() {
		p.mu.Lock()
		current := p.view
		stopped := p.stopped
		p.mu.Unlock()
		// 回调期间视图可能已推进，由回调方复核
		if !stopped && current == view {
			p.onTimeout(view)
		}
	})
}

func (p *pacemaker) stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
	if p.timer != nil {
		p.timer.Stop()
	}
}
