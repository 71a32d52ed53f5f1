package middleware

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/httprate"
	"github.com/kiranshivaraju/bastion/internal/api/response"
	"github.com/kiranshivaraju/bastion/internal/cache"
	"github.com/kiranshivaraju/bastion/pkg/models"
)

const (
	defaultTestRequestsPerMinute = 100
	defaultLiveRequestsPerMinute = 60
	rateWindow                   = time.Minute
)

// RateLimit limits requests per token with a per-environment budget. Counters
// live in Redis when a cache is configured and in process memory otherwise.
type RateLimit struct {
	cache    cache.Cache
	limits   map[models.Environment]int
	local    map[models.Environment]func(http.Handler) http.Handler
	problems *response.Problems
	logger   *slog.Logger
	now      func() time.Time
}

// NewRateLimit creates a new RateLimit middleware. A nil cache selects the
// in-memory limiter.
func NewRateLimit(c cache.Cache, testPerMin, livePerMin int, problems *response.Problems, logger *slog.Logger) *RateLimit {
	if logger == nil {
		logger = slog.Default()
	}
	if testPerMin <= 0 {
		testPerMin = defaultTestRequestsPerMinute
	}
	if livePerMin <= 0 {
		livePerMin = defaultLiveRequestsPerMinute
	}
	rl := &RateLimit{
		cache: c,
		limits: map[models.Environment]int{
			models.EnvironmentTest: testPerMin,
			models.EnvironmentLive: livePerMin,
		},
		problems: problems,
		logger:   logger,
		now:      time.Now,
	}
	if c == nil {
		rl.local = map[models.Environment]func(http.Handler) http.Handler{}
		for env, limit := range rl.limits {
			rl.local[env] = httprate.Limit(limit, rateWindow,
				httprate.WithKeyFuncs(tokenKey),
				httprate.WithLimitHandler(rl.reject),
			)
		}
	}
	return rl
}

// Limit applies the budget of the authenticated token. Requests without an
// identity pass through.
func (rl *RateLimit) Limit(next http.Handler) http.Handler {
	var localNext map[models.Environment]http.Handler
	if rl.local != nil {
		localNext = make(map[models.Environment]http.Handler, len(rl.local))
		for env, mw := range rl.local {
			localNext[env] = mw(next)
		}
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := GetIdentity(r)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}
		env := id.Token.Environment
		limit, ok := rl.limits[env]
		if !ok {
			env, limit = models.EnvironmentLive, rl.limits[models.EnvironmentLive]
		}

		if localNext != nil {
			localNext[env].ServeHTTP(w, r)
			return
		}

		now := rl.now()
		window := now.Truncate(rateWindow)
		count, err := rl.cache.IncrWithExpiry(r.Context(), cache.RateLimitKey(id.Token.TokenPrefix, window), rateWindow)
		if err != nil {
			// Fail open on Redis errors.
			rl.logger.Warn("rate limit counter unavailable",
				"request_id", GetRequestID(r.Context()), "error", err)
			next.ServeHTTP(w, r)
			return
		}

		remaining := limit - int(count)
		if remaining < 0 {
			remaining = 0
		}
		reset := window.Add(rateWindow)
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))

		if count > int64(limit) {
			retry := int(reset.Sub(now).Seconds()) + 1
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			rl.reject(w, r)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimit) reject(w http.ResponseWriter, r *http.Request) {
	rl.problems.Write(w, r, response.Problem{
		Code:   response.CodeRateLimited,
		Status: http.StatusTooManyRequests,
		Title:  "Too Many Requests",
		Detail: "Rate limit exceeded for this token",
	})
}

// IPRateLimit limits requests per client address ahead of authentication.
func IPRateLimit(perMinute int, problems *response.Problems) func(http.Handler) http.Handler {
	return httprate.Limit(perMinute, rateWindow,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			problems.Write(w, r, response.Problem{
				Code:   response.CodeRateLimited,
				Status: http.StatusTooManyRequests,
				Title:  "Too Many Requests",
				Detail: "Rate limit exceeded for this address",
			})
		}),
	)
}

func tokenKey(r *http.Request) (string, error) {
	id, _ := GetIdentity(r)
	return id.Token.TokenPrefix, nil
}
