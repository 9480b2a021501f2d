package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mir00r/bulu/internal/config"
	"github.com/mir00r/bulu/internal/domain"
	lberrors "github.com/mir00r/bulu/internal/errors"
	"github.com/mir00r/bulu/pkg/logger"
	"golang.org/x/time/rate"
)

// Decision is the outcome of one admission check
type Decision struct {
	Allowed    bool
	Remaining  int64
	RetryAfter time.Duration
}

// FixedWindow admits at most limit requests per window across the whole
// process. Windows are aligned to the construction time and advance in
// whole multiples, so an idle period does not shift the boundaries.
type FixedWindow struct {
	mu     sync.Mutex
	limit  int64
	window time.Duration
	start  time.Time
	count  int64
	now    func() time.Time
}

// NewFixedWindow creates a limiter. now may be nil to use the wall clock.
func NewFixedWindow(limit int64, window time.Duration, now func() time.Time) *FixedWindow {
	if now == nil {
		now = time.Now
	}
	return &FixedWindow{
		limit:  limit,
		window: window,
		start:  now(),
		now:    now,
	}
}

// Take checks and, when allowed, consumes one unit of the current window
func (fw *FixedWindow) Take() Decision {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	now := fw.now()
	if elapsed := now.Sub(fw.start); elapsed >= fw.window {
		fw.start = fw.start.Add(elapsed / fw.window * fw.window)
		fw.count = 0
	}

	if fw.count >= fw.limit {
		return Decision{RetryAfter: fw.start.Add(fw.window).Sub(now)}
	}
	fw.count++
	return Decision{Allowed: true, Remaining: fw.limit - fw.count}
}

// Admit reports whether one more request fits in the current window
func (fw *FixedWindow) Admit() bool {
	return fw.Take().Allowed
}

// Limit returns the configured request limit
func (fw *FixedWindow) Limit() int64 { return fw.limit }

// Window returns the configured window length
func (fw *FixedWindow) Window() time.Duration { return fw.window }

// RateLimiter is the admission middleware. A nil window admits everything.
// The window can be replaced at runtime when the configuration reloads.
type RateLimiter struct {
	window   atomic.Pointer[FixedWindow]
	settings atomic.Pointer[config.RateLimitConfig]
	now      func() time.Time
	recorder ErrorRecorder
	logger   *logger.Logger
	denyLog  rate.Sometimes
}

// RateLimiterOption configures a RateLimiter
type RateLimiterOption func(*RateLimiter)

// WithClock overrides the limiter's time source
func WithClock(now func() time.Time) RateLimiterOption {
	return func(rl *RateLimiter) { rl.now = now }
}

// NewRateLimiter creates the middleware for cfg, which may be nil
func NewRateLimiter(cfg *config.RateLimitConfig, recorder ErrorRecorder, log *logger.Logger, opts ...RateLimiterOption) *RateLimiter {
	rl := &RateLimiter{
		now:      time.Now,
		recorder: recorder,
		logger:   log.MiddlewareLogger("rate_limiter"),
		denyLog:  rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(rl)
	}
	rl.Update(cfg)
	return rl
}

// Update installs a new policy. An unchanged policy keeps the current
// window and its count.
func (rl *RateLimiter) Update(cfg *config.RateLimitConfig) {
	if !cfg.Enabled() {
		rl.settings.Store(nil)
		if rl.window.Swap(nil) != nil {
			rl.logger.Info("Rate limiting disabled")
		}
		return
	}
	if current := rl.settings.Load(); current != nil && *current == *cfg {
		return
	}

	copied := *cfg
	rl.settings.Store(&copied)
	rl.window.Store(NewFixedWindow(cfg.RateLimit, cfg.RateTime.Std(), rl.now))
	rl.logger.WithFields(map[string]interface{}{
		"limit":  cfg.RateLimit,
		"window": cfg.RateTime.String(),
	}).Info("Rate limiting enabled")
}

// Window returns the active window, or nil when limiting is disabled
func (rl *RateLimiter) Window() *FixedWindow {
	return rl.window.Load()
}

// RateLimitMiddleware returns the admission middleware
func (rl *RateLimiter) RateLimitMiddleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rc, r := domain.EnsureRequestContext(r)

			fw := rl.window.Load()
			if fw == nil {
				_ = rc.Transition(domain.StateRateChecked)
				next.ServeHTTP(w, r)
				return
			}

			d := fw.Take()
			w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(fw.Limit(), 10))
			w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(d.Remaining, 10))

			if !d.Allowed {
				rl.denyLog.Do(func() {
					rl.logger.WithFields(map[string]interface{}{
						"limit":       fw.Limit(),
						"window":      fw.Window().String(),
						"retry_after": d.RetryAfter.String(),
					}).Warn("Rate limit exceeded, rejecting requests")
				})
				err := lberrors.NewRateLimitError(fw.Limit(), fw.Window()).
					WithMetadata("retry_after", d.RetryAfter)
				Reject(w, r, rl.recorder, err)
				return
			}

			_ = rc.Transition(domain.StateRateChecked)
			next.ServeHTTP(w, r)
		})
	}
}
