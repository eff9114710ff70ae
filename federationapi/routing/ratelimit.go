package routing

import (
	"net/http"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/time/rate"

	"github.com/matrix-org/fedcore/setup/config"
)

// originLimiter is a token bucket per origin server. Origins are only known
// once the request signature checks out, so unauthenticated requests cannot
// fill it.
type originLimiter struct {
	enabled  bool
	limit    rate.Limit
	burst    int
	limiters *xsync.MapOf[spec.ServerName, *rate.Limiter]
}

func newOriginLimiter(cfg config.RateLimiting) *originLimiter {
	return &originLimiter{
		enabled:  cfg.Enabled,
		limit:    rate.Limit(cfg.PerSecond),
		burst:    cfg.Burst,
		limiters: xsync.NewMapOf[spec.ServerName, *rate.Limiter](),
	}
}

// check returns a 429 response if the origin has run out of requests.
func (l *originLimiter) check(origin spec.ServerName) *util.JSONResponse {
	if l == nil || !l.enabled {
		return nil
	}
	limiter, _ := l.limiters.LoadOrCompute(origin, func() *rate.Limiter {
		return rate.NewLimiter(l.limit, l.burst)
	})
	if limiter.Allow() {
		return nil
	}
	res := util.MatrixErrorResponse(
		http.StatusTooManyRequests, "M_LIMIT_EXCEEDED",
		"You are sending too many requests too quickly!",
	)
	return &res
}
