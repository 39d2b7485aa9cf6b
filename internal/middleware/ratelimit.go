package middleware

import (
	"net/http"
	"sync"

	"github.com/aima-platform/gpu-orchestrator/internal/checkauth"
	"github.com/aima-platform/gpu-orchestrator/internal/config"
	"golang.org/x/time/rate"
)

// perOwnerLimiters holds one token bucket per owner so a single noisy tenant
// can't starve the submission queue for everyone else (spec §5
// Backpressure).
type perOwnerLimiters struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

var ownerLimiters = &perOwnerLimiters{limiters: make(map[string]*rate.Limiter)}

func (p *perOwnerLimiters) get(owner string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	if l, ok := p.limiters[owner]; ok {
		return l
	}
	snap := config.Current()
	l := rate.NewLimiter(rate.Limit(snap.AdmissionRateLimitPerSecond), snap.AdmissionRateLimitBurst)
	p.limiters[owner] = l
	return l
}

// AdmissionRateLimitMiddleware applies a per-owner token bucket to job
// submission routes, returning 429 once the bucket is exhausted. Must run
// after BearerAuthMiddleware so the owner is in context.
func AdmissionRateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := checkauth.GetUserFromContext(r.Context())
		owner := "anonymous"
		if user != nil {
			owner = user.UserID
		}
		if !ownerLimiters.get(owner).Allow() {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":"rate_limited","message":"submission rate exceeded, retry with backoff"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}
