package ratelimit

import (
	"net/http"
	"strconv"

	"golang.org/x/time/rate"

	"github.com/R3E-Network/trigger-pipeline/infrastructure/errors"
	internalhttputil "github.com/R3E-Network/trigger-pipeline/infrastructure/httputil"
)

// Middleware gates inbound HTTP requests through Limiter, resolving scope
// and tier from the bearer token and falling back to per-IP Anonymous
// limits otherwise.
type Middleware struct {
	limiter         *Limiter
	jwtSecret       []byte
	monitoringToken string
	limitForPlan    func(Plan) int
	// bypass is a generic token-bucket fallback exercised only by the
	// monitoring bypass path, so a valid monitoring token still can't
	// generate unbounded load against downstream services.
	bypass *rate.Limiter
}

// NewMiddleware constructs a Middleware. limitForPlan may be nil to use
// DefaultLimit.
func NewMiddleware(limiter *Limiter, jwtSecret []byte, monitoringToken string, limitForPlan func(Plan) int) *Middleware {
	if limitForPlan == nil {
		limitForPlan = DefaultLimit
	}
	return &Middleware{
		limiter:         limiter,
		jwtSecret:       jwtSecret,
		monitoringToken: monitoringToken,
		limitForPlan:    limitForPlan,
		bypass:          rate.NewLimiter(rate.Limit(50), 100),
	}
}

// Handler wraps next with the rate limit gate.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.monitoringToken != "" && r.Header.Get("X-Monitoring-Token") == m.monitoringToken {
			_ = m.bypass.Wait(r.Context())
			next.ServeHTTP(w, r)
			return
		}

		auth := ResolveAuthContext(r, m.jwtSecret)
		limit := m.limitForPlan(auth.Plan)
		cost := auth.Tier.CostMultiplier()

		decision := m.limiter.Check(r.Context(), auth.Scope, auth.Key, limit, cost)
		writeRateLimitHeaders(w, decision)

		if !decision.Allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(decision.RetryAfter.Seconds())))
			serviceErr := errors.RateLimitExceeded(limit, strconv.Itoa(WindowSeconds))
			internalhttputil.WriteErrorResponse(w, r, serviceErr.HTTPStatus, string(serviceErr.Code), serviceErr.Message, serviceErr.Details)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeRateLimitHeaders(w http.ResponseWriter, d Decision) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	remaining := d.Remaining
	if !d.Allowed {
		remaining = 0
	}
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
	w.Header().Set("X-RateLimit-Window", strconv.Itoa(WindowSeconds))
}
