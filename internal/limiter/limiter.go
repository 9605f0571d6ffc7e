package limiter

import (
	"context"
	"encoding/json"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/itstheanurag/playground/internal/metrics"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

type Options struct {
	Window time.Duration
	Max    int
	// GlobalRPS caps admissions across all clients; zero disables it.
	GlobalRPS float64
	// TrustProxy keys clients by the first X-Forwarded-For hop.
	TrustProxy bool
}

type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
	// Scope is "client" or "global" for rejections.
	Scope string
}

// RateLimiter admits at most Max operations per client per fixed Window,
// and at most GlobalRPS operations per second overall.
type RateLimiter struct {
	store         Store
	clock         Clock
	opts          Options
	globalLimiter *rate.Limiter
	logger        *zerolog.Logger
}

func NewRateLimiter(store Store, clock Clock, opts Options, logger *zerolog.Logger) *RateLimiter {
	rl := &RateLimiter{
		store:  store,
		clock:  clock,
		opts:   opts,
		logger: logger,
	}
	if opts.GlobalRPS > 0 {
		burst := int(math.Ceil(opts.GlobalRPS)) * 2
		rl.globalLimiter = rate.NewLimiter(rate.Limit(opts.GlobalRPS), burst)
	}
	return rl
}

// Allow reserves a global token and then records a hit in the client's
// window. A request rejected by one check consumes nothing from the other,
// so an over-quota client cannot drain the shared bucket.
func (rl *RateLimiter) Allow(client string) Decision {
	now := rl.clock.Now()

	// Check global limit
	var reservation *rate.Reservation
	if rl.globalLimiter != nil {
		reservation = rl.globalLimiter.ReserveN(now, 1)
		if !reservation.OK() || reservation.DelayFrom(now) > 0 {
			reservation.CancelAt(now)
			metrics.RateLimitHits.WithLabelValues("global").Inc()
			return Decision{
				Limit:      rl.opts.Max,
				RetryAfter: time.Second,
				Scope:      "global",
			}
		}
	}

	// Check per-client window
	w, ok := rl.store.Hit(client, now, rl.opts.Window, rl.opts.Max)
	d := Decision{
		Allowed:   ok,
		Limit:     rl.opts.Max,
		Remaining: rl.opts.Max - w.Count,
	}
	if !ok {
		if reservation != nil {
			reservation.CancelAt(now)
		}
		metrics.RateLimitHits.WithLabelValues("client").Inc()
		d.Scope = "client"
		d.RetryAfter = w.Start.Add(rl.opts.Window).Sub(now)
	}
	return d
}

func (rl *RateLimiter) Middleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		client := ClientIP(r, rl.opts.TrustProxy)

		d := rl.Allow(client)
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))

		if !d.Allowed {
			retry := int(math.Ceil(d.RetryAfter.Seconds()))
			if retry < 1 {
				retry = 1
			}
			rl.logger.Info().
				Str("client", client).
				Str("scope", d.Scope).
				Int("retry_after", retry).
				Msg("request rate limited")

			w.Header().Set("Retry-After", strconv.Itoa(retry))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"success": false,
				"error":   "Too many requests, please try again later.",
			})
			return
		}

		next(w, r)
	}
}

// StartCleanup prunes expired client windows every interval until ctx is done.
func (rl *RateLimiter) StartCleanup(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := rl.store.Prune(rl.clock.Now(), rl.opts.Window); n > 0 {
					rl.logger.Debug().Int("pruned", n).Msg("expired rate limit windows pruned")
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// ClientIP returns the identity a request is rate limited under.
func ClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
			first, _, _ := strings.Cut(forwarded, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
