// Package middleware provides HTTP middleware components for the trace
// collector's ingress facade.
package middleware

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/agentsight/tracecollector/internal/config"
)

const (
	burstCapacityMultiplier  = 2
	throttleCleanupInterval  = 5 * time.Minute
	throttleIdleTimeout      = 1 * time.Hour
	maxTrackedRemotes        = 10_000
	remoteCountWarnThreshold = 0.8
)

// Throttle enforces a two-tier token-bucket rate limit on ingress traffic
// There is no
// plugin/auth concept here, so the per-tenant tier keys off the request's
// remote address rather than an authenticated plugin id.
type Throttle struct {
	global        *rate.Limiter
	perRemote     map[string]*remoteLimiter
	mu            sync.RWMutex
	cleanupTicker *time.Ticker
	done          chan struct{}

	remoteRPS   int
	remoteBurst int
}

type remoteLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
	mu         sync.Mutex
}

// ThrottleConfig configures the two tiers.
type ThrottleConfig struct {
	GlobalRPS int
	RemoteRPS int
}

const (
	defaultGlobalRPS = 500
	defaultRemoteRPS = 20
)

// LoadThrottleConfigFromEnv loads the ingress throttle's two-tier limits,
// matching the rest of this codebase's Load*Config-from-environment
// convention.
func LoadThrottleConfigFromEnv() ThrottleConfig {
	return ThrottleConfig{
		GlobalRPS: config.GetEnvInt("THROTTLE_GLOBAL_RPS", defaultGlobalRPS),
		RemoteRPS: config.GetEnvInt("THROTTLE_REMOTE_RPS", defaultRemoteRPS),
	}
}

// NewThrottle builds a Throttle from cfg and starts its background cleanup
// goroutine. Callers must Close it on shutdown.
func NewThrottle(cfg ThrottleConfig) *Throttle {
	t := &Throttle{
		global:      rate.NewLimiter(rate.Limit(cfg.GlobalRPS), cfg.GlobalRPS*burstCapacityMultiplier),
		perRemote:   make(map[string]*remoteLimiter),
		done:        make(chan struct{}),
		remoteRPS:   cfg.RemoteRPS,
		remoteBurst: cfg.RemoteRPS * burstCapacityMultiplier,
	}

	t.cleanupTicker = time.NewTicker(throttleCleanupInterval)

	go func() {
		for {
			select {
			case <-t.cleanupTicker.C:
				t.cleanup()
			case <-t.done:
				return
			}
		}
	}()

	return t
}

// Allow reports whether a request from remote should proceed. Checks the
// global bucket first (fail fast), then the per-remote bucket.
func (t *Throttle) Allow(remote string) bool {
	if !t.global.Allow() {
		return false
	}

	t.mu.RLock()
	rl, ok := t.perRemote[remote]
	t.mu.RUnlock()

	if !ok {
		t.mu.Lock()
		if rl, ok = t.perRemote[remote]; !ok {
			rl = &remoteLimiter{limiter: rate.NewLimiter(rate.Limit(t.remoteRPS), t.remoteBurst), lastAccess: time.Now()}
			t.perRemote[remote] = rl

			if len(t.perRemote) >= int(float64(maxTrackedRemotes)*remoteCountWarnThreshold) {
				slog.Warn("ingress throttle approaching tracked-remote limit",
					slog.Int("current_remotes", len(t.perRemote)))
			}
		}
		t.mu.Unlock()
	}

	rl.mu.Lock()
	rl.lastAccess = time.Now()
	rl.mu.Unlock()

	return rl.limiter.Allow()
}

// Close stops the cleanup goroutine.
func (t *Throttle) Close() error {
	t.cleanupTicker.Stop()
	close(t.done)

	return nil
}

func (t *Throttle) cleanup() {
	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	for remote, rl := range t.perRemote {
		rl.mu.Lock()
		idle := now.Sub(rl.lastAccess)
		rl.mu.Unlock()

		if idle > throttleIdleTimeout {
			delete(t.perRemote, remote)
		}
	}
}

// WithThrottle returns a chain Option enforcing t on every request. A nil
// Throttle disables rate limiting entirely.
func WithThrottle(t *Throttle, logger *slog.Logger) Option {
	return func(next http.Handler) http.Handler {
		if t == nil {
			return next
		}

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			remote, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				remote = r.RemoteAddr
			}

			if !t.Allow(remote) {
				correlationID := GetCorrelationID(r.Context())

				if err := writeThrottled(w, r, correlationID); err != nil {
					logger.Error("failed to write throttle response",
						slog.String("correlation_id", correlationID), slog.String("error", err.Error()))
					http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				}

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// writeThrottled writes an RFC 7807 compliant 429 response, matching the
// shape Recovery uses for its own panic-path error body.
func writeThrottled(w http.ResponseWriter, r *http.Request, correlationID string) error {
	problem := struct {
		Type          string `json:"type"`
		Title         string `json:"title"`
		Status        int    `json:"status"`
		Detail        string `json:"detail"`
		Instance      string `json:"instance"`
		CorrelationID string `json:"correlation_id"` //nolint: tagliatelle
	}{
		Type:          fmt.Sprintf("https://tracecollector.dev/problems/%d", http.StatusTooManyRequests),
		Title:         "Too Many Requests",
		Status:        http.StatusTooManyRequests,
		Detail:        "Rate limit exceeded. Please retry after some time.",
		Instance:      r.URL.Path,
		CorrelationID: correlationID,
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(http.StatusTooManyRequests)

	return json.NewEncoder(w).Encode(problem)
}
