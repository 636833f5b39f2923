package greenroots

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"time"
)

// RateLimiter counts attempts per key inside a fixed window that opens on
// the first attempt.
type RateLimiter struct {
	windows map[string]*window
	now     func() time.Time
	mutex   sync.RWMutex
}

type window struct {
	opened   time.Time
	attempts int
}

func NewRateLimiter(now func() time.Time) *RateLimiter {
	if now == nil {
		now = time.Now
	}
	return &RateLimiter{
		windows: make(map[string]*window),
		now:     now,
	}
}

// Check records an attempt for key and reports whether it is within limit
// for the current period.
func (rl *RateLimiter) Check(key string, limit int, period time.Duration) bool {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	now := rl.now()
	win, ok := rl.windows[key]
	if !ok || now.Sub(win.opened) >= period {
		rl.windows[key] = &window{opened: now, attempts: 1}
		return true
	}
	if win.attempts >= limit {
		return false
	}
	win.attempts++
	return true
}

// Cleanup forgets windows that opened more than maxAge ago.
func (rl *RateLimiter) Cleanup(maxAge time.Duration) {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	now := rl.now()
	for key, win := range rl.windows {
		if now.Sub(win.opened) > maxAge {
			delete(rl.windows, key)
		}
	}
}

func (rl *RateLimiter) Len() int {
	rl.mutex.RLock()
	defer rl.mutex.RUnlock()
	return len(rl.windows)
}

func (w *Worker) allowLogin(r *http.Request) bool {
	rate := w.security.RateLimit
	if rate.Limit <= 0 || rate.Period <= 0 {
		return true
	}
	return w.rateLimiter.Check(w.ClientIP(r), rate.Limit, rate.Period)
}

// ClientIP returns the first X-Forwarded-For address when the peer is a
// trusted proxy, and the peer address otherwise.
func (w *Worker) ClientIP(r *http.Request) string {
	peer := r.RemoteAddr
	if host, _, err := net.SplitHostPort(peer); err == nil {
		peer = host
	}

	forwarded := r.Header.Get("X-Forwarded-For")
	if forwarded == "" || !w.trustedPeer(peer) {
		return peer
	}
	first, _, _ := strings.Cut(forwarded, ",")
	if first = strings.TrimSpace(first); first != "" {
		return first
	}
	return peer
}

func (w *Worker) trustedPeer(peer string) bool {
	addr, err := netip.ParseAddr(peer)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, prefix := range w.trustedProxies {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// parseTrustedProxies accepts CIDR prefixes and bare addresses; anything else
// is skipped.
func parseTrustedProxies(proxies []string) []netip.Prefix {
	prefixes := make([]netip.Prefix, 0, len(proxies))
	for _, proxy := range proxies {
		if prefix, err := netip.ParsePrefix(proxy); err == nil {
			prefixes = append(prefixes, prefix.Masked())
			continue
		}
		if addr, err := netip.ParseAddr(proxy); err == nil {
			addr = addr.Unmap()
			prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
		}
	}
	return prefixes
}
