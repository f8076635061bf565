// middleware/middleware.go
package middleware

import (
	"net"
	"net/http"
	"sync"
	"time"

	"ouro/config"
	"ouro/logs"
	"ouro/utils"

	lru "github.com/hashicorp/golang-lru"
)

// Middleware http.Handler 装饰器
type Middleware func(http.Handler) http.Handler

// Chain 按声明顺序套中间件
func Chain(h http.Handler, mws ...Middleware) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// RequestLog 访问日志
func RequestLog(logger logs.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			logger.Verbose("[API] %s %s from %s took %s", r.Method, r.URL.Path, r.RemoteAddr, time.Since(start))
		})
	}
}

// BearerAuth 写接口的 bearer token 校验
func BearerAuth(cfg *config.Config) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cfg.Auth.AuthEnabled {
				if !utils.CheckBearerAuth(r, cfg.Auth.BearerToken) {
					http.Error(w, "unauthorized", http.StatusUnauthorized)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// tokenBucket 简单令牌桶
type tokenBucket struct {
	mu     sync.Mutex
	tokens float64
	last   time.Time
}

func (b *tokenBucket) allow(rate float64, burst float64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	b.tokens += now.Sub(b.last).Seconds() * rate
	if b.tokens > burst {
		b.tokens = burst
	}
	b.last = now
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// RateLimit 按来源IP限流。桶表用LRU兜底，防止恶意源撑爆内存。
func RateLimit(ratePerSec float64, burst float64) Middleware {
	buckets, _ := lru.New(4096)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			host, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				host = r.RemoteAddr
			}
			var bucket *tokenBucket
			if v, ok := buckets.Get(host); ok {
				bucket = v.(*tokenBucket)
			} else {
				bucket = &tokenBucket{tokens: burst, last: time.Now()}
				buckets.Add(host, bucket)
			}
			if !bucket.allow(ratePerSec, burst) {
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
