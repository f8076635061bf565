// app/router.go
// 共识引擎之外的消息分发：锚定跟随、影子仲裁、交易gossip。
package app

import (
	"ouro/anchor"
	"ouro/interfaces"
	"ouro/logs"
	"ouro/shadow"
	"ouro/types"

	lru "github.com/hashicorp/golang-lru"
)

const shortHashLen = 8

type router struct {
	Logger logs.Logger

	pool      interfaces.Mempool
	anchorSvc *anchor.Service
	monitor   *shadow.Monitor

	// gossip预过滤：murmur短哈希 -> struct{}
	seenShort *lru.Cache
}

func newRouter(pool interfaces.Mempool, anchorSvc *anchor.Service, monitor *shadow.Monitor, logger logs.Logger) (*router, error) {
	seen, err := lru.New(65536)
	if err != nil {
		return nil, err
	}
	return &router{
		Logger:    logger,
		pool:      pool,
		anchorSvc: anchorSvc,
		monitor:   monitor,
		seenShort: seen,
	}, nil
}

// dispatch 由共识引擎的收包循环回调，必须快进快出
func (r *router) dispatch(msg types.Message) {
	switch msg.Type {
	case types.MsgAnchor:
		if r.anchorSvc == nil || msg.Anchor == nil {
			return
		}
		if err := r.anchorSvc.OnRemoteAnchor(msg.Anchor); err != nil {
			r.Logger.Debug("[Router] anchor from %s rejected: %v", msg.From, err)
		}
	case types.MsgShadowJoin:
		if r.monitor == nil || msg.ShadowJoin == nil {
			return
		}
		if err := r.monitor.OnJoin(msg.ShadowJoin); err != nil {
			r.Logger.Debug("[Router] shadow join from %s rejected: %v", msg.From, err)
		}
	case types.MsgShadowCert:
		if r.monitor == nil || msg.ShadowCert == nil {
			return
		}
		if err := r.monitor.OnCert(msg.ShadowCert); err != nil {
			r.Logger.Debug("[Router] shadow cert from %s rejected: %v", msg.From, err)
		}
	case types.MsgTxGossip:
		r.onTxGossip(msg)
	}
}

// onTxGossip ShortTxs 是与 Txs 对齐的murmur短哈希清单，
// 见过的条目直接跳过，省掉一次解码验签。
func (r *router) onTxGossip(msg types.Message) {
	for i, tx := range msg.Txs {
		if tx == nil {
			continue
		}
		if len(msg.ShortTxs) >= (i+1)*shortHashLen {
			key := string(msg.ShortTxs[i*shortHashLen : (i+1)*shortHashLen])
			if _, ok := r.seenShort.Get(key); ok {
				continue
			}
			r.seenShort.Add(key, struct{}{})
		}
		if err := r.pool.SubmitTx(tx); err != nil {
			r.Logger.Verbose("[Router] gossip tx %s dropped: %v", tx.TxID(), err)
		}
	}
}
