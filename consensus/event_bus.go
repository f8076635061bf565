package consensus

import (
	"sync"

	"ouro/interfaces"
	"ouro/types"
)

// Bus 进程内事件总线，实现 interfaces.EventBus。
// 同步发布在调用方 goroutine 执行；引擎内部一律用异步发布，
// 避免订阅方回调再进引擎造成自锁。
type Bus struct {
	mu       sync.RWMutex
	handlers map[types.EventType][]interfaces.EventHandler
}

// NewBus 创建事件总线
func NewBus() *Bus {
	return &Bus{handlers: make(map[types.EventType][]interfaces.EventHandler)}
}

// Subscribe 订阅某类事件
func (b *Bus) Subscribe(topic types.EventType, handler interfaces.EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = append(b.handlers[topic], handler)
}

// Publish 同步发布
func (b *Bus) Publish(event interfaces.Event) {
	b.mu.RLock()
	hs := b.handlers[event.Type()]
	b.mu.RUnlock()
	for _, h := range hs {
		h(event)
	}
}

// PublishAsync 异步发布
func (b *Bus) PublishAsync(event interfaces.Event) {
	go b.Publish(event)
}
