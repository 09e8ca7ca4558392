package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/time/rate"

	nativecommon "lendbridge/native/common"
	"lendbridge/observability"
)

// RateLimit bounds each caller's request rate.
type RateLimit struct {
	RequestsPerMinute float64
	Burst             int
}

type callerLimits struct {
	rate  RateLimit
	quota nativecommon.Quota
	now   func() time.Time

	mu       sync.Mutex
	limiters map[common.Address]*rate.Limiter
	usage    map[common.Address]nativecommon.QuotaNow
}

func newCallerLimits(limit RateLimit, quota nativecommon.Quota, now func() time.Time) *callerLimits {
	return &callerLimits{
		rate:     limit,
		quota:    quota,
		now:      now,
		limiters: make(map[common.Address]*rate.Limiter),
		usage:    make(map[common.Address]nativecommon.QuotaNow),
	}
}

func (l *callerLimits) limiter(caller common.Address) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if limiter, ok := l.limiters[caller]; ok {
		return limiter
	}
	perSecond := l.rate.RequestsPerMinute / 60.0
	if perSecond <= 0 {
		perSecond = 1
	}
	burst := l.rate.Burst
	if burst <= 0 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(perSecond), burst)
	l.limiters[caller] = limiter
	return limiter
}

// charge counts one mutating request and volume whole base units against the
// caller's quota.
func (l *callerLimits) charge(caller common.Address, volume uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	epoch := l.quota.Epoch(l.now().Unix())
	next, err := nativecommon.CheckQuota(l.quota, epoch, l.usage[caller], 1, volume)
	if err != nil {
		return err
	}
	l.usage[caller] = next
	return nil
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, _ := callerFromContext(r.Context())
		if !s.limits.limiter(caller).AllowN(s.limits.now(), 1) {
			observability.ModuleMetrics().RecordThrottle("adapterd", "rate_limit")
			s.writeError(w, r, errRateLimited)
			return
		}
		next.ServeHTTP(w, r)
	})
}
