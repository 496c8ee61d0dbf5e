package handler

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/apistudio/server/internal/audit"
	"github.com/apistudio/server/internal/ratelimit"
	"github.com/apistudio/server/internal/respond"
)

// rateGuard applies route-level rate limiting over one or more
// identifiers (client IP, account email). The limiter is advisory
// defense-in-depth: a limiter backend failure lets the request proceed
// rather than denying service, because the durable per-account lockout
// fields remain the authoritative brake.
type rateGuard struct {
	limiter *ratelimit.Limiter
	audits  *audit.Recorder
	logger  *zap.Logger
}

// allow checks every identifier and writes the 429 itself when one is
// over budget.
func (g *rateGuard) allow(c *gin.Context, endpoint string, identifiers ...string) bool {
	if g.limiter == nil {
		return true
	}
	ctx := c.Request.Context()
	for _, id := range identifiers {
		if id == "" {
			continue
		}
		decision, err := g.limiter.Check(ctx, id, endpoint)
		if err != nil {
			g.logger.Warn("rate limit check failed", zap.String("endpoint", endpoint), zap.Error(err))
			continue
		}
		if !decision.Allowed {
			g.audits.LogSecurity(ctx, nil, audit.ActionRateLimitExceeded, map[string]any{
				"endpoint":   endpoint,
				"identifier": id,
				"reason":     decision.Reason,
			}, audit.FromRequest(c.Request))
			respond.RateLimited(c, decision.RetryAfter)
			return false
		}
	}
	return true
}

func (g *rateGuard) record(c *gin.Context, endpoint string, success bool, identifiers ...string) {
	if g.limiter == nil {
		return
	}
	ctx := c.Request.Context()
	for _, id := range identifiers {
		if id == "" {
			continue
		}
		if err := g.limiter.RecordAttempt(ctx, id, endpoint, success); err != nil {
			g.logger.Warn("rate limit record failed", zap.String("endpoint", endpoint), zap.Error(err))
		}
	}
}
