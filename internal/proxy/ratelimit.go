package proxy

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/famedly/uia-proxy/internal/apierror"
)

// RateLimiter is a token bucket per remote address (spec.md §4.9), window
// and burst size taken from the endpoint's configured rate limit.
type RateLimiter struct {
	mu    sync.Mutex
	every rate.Limit
	burst int
	peers map[string]*rate.Limiter
}

// NewRateLimiter builds a limiter refilling one token every window/max
// and allowing bursts up to max.
func NewRateLimiter(window time.Duration, max int) *RateLimiter {
	if max <= 0 {
		max = 60
	}
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimiter{
		every: rate.Every(window / time.Duration(max)),
		burst: max,
		peers: make(map[string]*rate.Limiter),
	}
}

func (rl *RateLimiter) limiterFor(addr string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	l, ok := rl.peers[addr]
	if !ok {
		l = rate.NewLimiter(rl.every, rl.burst)
		rl.peers[addr] = l
	}
	return l
}

// Middleware rejects a request with 429 once its remote address exceeds
// its token bucket.
func (rl *RateLimiter) Middleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		addr := clientIP(r)
		if !rl.limiterFor(addr).Allow() {
			writeError(w, apierror.New(http.StatusTooManyRequests, "M_LIMIT_EXCEEDED", "rate limit exceeded"))
			return
		}
		next(w, r)
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
