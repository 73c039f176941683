package middleware

import (
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mir00r/registry-gateway/internal/domain"
	lberrors "github.com/mir00r/registry-gateway/internal/errors"
	"github.com/mir00r/registry-gateway/internal/handler"
	"github.com/mir00r/registry-gateway/pkg/logger"
	"golang.org/x/time/rate"
)

const (
	defaultIdleTimeout     = 5 * time.Minute
	defaultCleanupInterval = time.Minute
)

// clientLimiter holds the token bucket of one client
type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter applies a token bucket per client address. The address is the
// socket peer unless the peer is a trusted proxy, in which case forwarding
// headers are walked back to the first untrusted hop.
type RateLimiter struct {
	rate    rate.Limit
	burst   int
	idle    time.Duration
	trusted []*net.IPNet
	logger  *logger.Logger
	now     func() time.Time

	mu       sync.Mutex
	clients  map[string]*clientLimiter
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewRateLimiter creates a rate limiter from config. A non-positive burst
// is raised to one so a single request can always pass an idle bucket.
func NewRateLimiter(config domain.RateLimitConfig, log *logger.Logger) *RateLimiter {
	if log == nil {
		log = logger.Discard()
	}
	burst := config.BurstSize
	if burst < 1 {
		burst = 1
	}
	log = log.MiddlewareLogger("rate_limiter")
	return &RateLimiter{
		rate:     rate.Limit(config.RequestsPerSecond),
		burst:    burst,
		idle:     defaultIdleTimeout,
		trusted:  parseTrustedProxies(config.TrustedProxies, log),
		logger:   log,
		now:      time.Now,
		clients:  make(map[string]*clientLimiter),
		stopChan: make(chan struct{}),
	}
}

// parseTrustedProxies accepts CIDRs and bare addresses, skipping bad entries
func parseTrustedProxies(entries []string, log *logger.Logger) []*net.IPNet {
	var nets []*net.IPNet
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if _, n, err := net.ParseCIDR(entry); err == nil {
			nets = append(nets, n)
			continue
		}
		ip := net.ParseIP(entry)
		if ip == nil {
			log.WithField("entry", entry).Warn("Ignoring malformed trusted proxy")
			continue
		}
		bits := 128
		if ip4 := ip.To4(); ip4 != nil {
			ip, bits = ip4, 32
		}
		nets = append(nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
	}
	return nets
}

// getLimiter gets or creates the limiter for a client
func (rl *RateLimiter) getLimiter(client string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	c, exists := rl.clients[client]
	if !exists {
		c = &clientLimiter{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.clients[client] = c
	}
	c.lastSeen = rl.now()
	return c.limiter
}

// Middleware rejects requests over the client's budget with a 429
func (rl *RateLimiter) Middleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientIP := rl.clientIP(r)
			limit := fmt.Sprintf("%.2f", float64(rl.rate))

			if !rl.getLimiter(clientIP).Allow() {
				rl.logger.WithFields(map[string]interface{}{
					"client_ip": clientIP,
					"path":      r.URL.Path,
					"method":    r.Method,
				}).Warn("Rate limit exceeded")

				w.Header().Set("X-RateLimit-Limit", limit)
				w.Header().Set("X-RateLimit-Remaining", "0")
				w.Header().Set("Retry-After", "1")
				handler.WriteErrorResponse(w, r, lberrors.NewRateLimitError(clientIP), nil)
				return
			}

			w.Header().Set("X-RateLimit-Limit", limit)
			next.ServeHTTP(w, r)
		})
	}
}

// Start begins evicting idle clients
func (rl *RateLimiter) Start() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if rl.running {
		return
	}
	rl.running = true

	rl.wg.Add(1)
	go rl.cleanupLoop()
}

// Stop halts eviction and waits for the loop to exit
func (rl *RateLimiter) Stop() {
	rl.mu.Lock()
	if !rl.running {
		rl.mu.Unlock()
		return
	}
	rl.running = false
	close(rl.stopChan)
	rl.mu.Unlock()

	rl.wg.Wait()
}

func (rl *RateLimiter) cleanupLoop() {
	defer rl.wg.Done()

	ticker := time.NewTicker(defaultCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.evictIdle()
		case <-rl.stopChan:
			return
		}
	}
}

// evictIdle drops clients not seen for longer than the idle timeout
func (rl *RateLimiter) evictIdle() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-rl.idle)
	evicted := 0
	for client, c := range rl.clients {
		if c.lastSeen.Before(cutoff) {
			delete(rl.clients, client)
			evicted++
		}
	}
	if evicted > 0 {
		rl.logger.WithFields(map[string]interface{}{
			"evicted": evicted,
			"active":  len(rl.clients),
		}).Debug("Evicted idle rate limit clients")
	}
	return evicted
}

// clientIP keys a request by its socket peer. Forwarding headers only count
// when the peer is a trusted proxy; X-Forwarded-For is then read right to
// left and the first hop outside the trusted set wins.
func (rl *RateLimiter) clientIP(r *http.Request) string {
	peer := remoteHost(r)
	if !rl.isTrusted(peer) {
		return peer
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		client := peer
		hops := strings.Split(xff, ",")
		for i := len(hops) - 1; i >= 0; i-- {
			hop := strings.TrimSpace(hops[i])
			if net.ParseIP(hop) == nil {
				break
			}
			client = hop
			if !rl.isTrusted(hop) {
				break
			}
		}
		return client
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); net.ParseIP(xri) != nil {
		return xri
	}
	return peer
}

func (rl *RateLimiter) isTrusted(addr string) bool {
	ip := net.ParseIP(addr)
	if ip == nil {
		return false
	}
	for _, n := range rl.trusted {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func remoteHost(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// GetStats returns rate limiter statistics
func (rl *RateLimiter) GetStats() map[string]interface{} {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	return map[string]interface{}{
		"rate_limit":     float64(rl.rate),
		"burst_size":     rl.burst,
		"active_clients": len(rl.clients),
	}
}
