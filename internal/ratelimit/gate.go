package ratelimit

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/cadenzahq/cadenza/pkg/schema"
)

// Scope names a rate-limited resource class. Limits are keyed by
// (scope, identifier); the identifier is a contact id or "global".
type Scope string

const (
	ScopeContactStarts Scope = "contact_starts"
	ScopeGlobalStarts  Scope = "global_starts"
	ScopeContactEmail  Scope = "contact_email"
	ScopeContactSMS    Scope = "contact_sms"
)

// GlobalIdentifier is the identifier used for system-wide scopes.
const GlobalIdentifier = "global"

// ScopeForChannel maps a sending channel to its per-contact scope. The tag
// channel is not rate limited; it returns an empty scope.
func ScopeForChannel(ch schema.Channel) Scope {
	switch ch {
	case schema.ChannelEmail:
		return ScopeContactEmail
	case schema.ChannelSMS:
		return ScopeContactSMS
	default:
		return ""
	}
}

// Limit configures one scope as a token bucket.
type Limit struct {
	// PerMinute is the sustained refill rate.
	PerMinute float64
	// Burst is the bucket capacity.
	Burst int
}

// DefaultLimits returns the stock limit table.
func DefaultLimits() map[Scope]Limit {
	return map[Scope]Limit{
		ScopeContactStarts: {PerMinute: 10, Burst: 10},
		ScopeGlobalStarts:  {PerMinute: 600, Burst: 100},
		ScopeContactEmail:  {PerMinute: 5, Burst: 5},
		ScopeContactSMS:    {PerMinute: 2, Burst: 2},
	}
}

// Decision is the outcome of an admission check. Ephemeral, never persisted.
type Decision struct {
	Allowed     bool      `json:"allowed"`
	Remaining   int       `json:"remaining"`
	ResetTime   time.Time `json:"reset_time"`
	FailedCheck string    `json:"failed_check,omitempty"`
}

// Check names one (scope, identifier) pair for a composite check.
type Check struct {
	Scope      Scope
	Identifier string
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Gate is the admission controller consulted before starting executions and
// before channel-sending actions. Buckets are created lazily per
// (scope, identifier) and evicted after an idle TTL.
type Gate struct {
	mu        sync.Mutex
	limits    map[Scope]Limit
	buckets   map[string]*bucket
	ttl       time.Duration
	lastSweep time.Time
	logger    *slog.Logger
	now       func() time.Time
}

// NewGate creates a gate with the given limit table. A nil table uses
// DefaultLimits.
func NewGate(limits map[Scope]Limit, logger *slog.Logger) *Gate {
	if limits == nil {
		limits = DefaultLimits()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		limits:  limits,
		buckets: make(map[string]*bucket),
		ttl:     30 * time.Minute,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// CheckOne evaluates a single scope. Unknown scopes deny: the gate fails
// closed rather than letting unconfigured traffic through.
func (g *Gate) CheckOne(scope Scope, identifier string) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.checkLocked(scope, identifier)
}

// CheckMultiple evaluates all checks and reports the first that fails. A
// token is consumed from every scope that passes before the failing one;
// admission is all-or-nothing only in its verdict, not in token accounting.
func (g *Gate) CheckMultiple(checks []Check) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	last := Decision{Allowed: true}
	for _, c := range checks {
		d := g.checkLocked(c.Scope, c.Identifier)
		if !d.Allowed {
			return d
		}
		last = d
	}
	return last
}

func (g *Gate) checkLocked(scope Scope, identifier string) Decision {
	now := g.now()
	g.sweepLocked(now)

	limit, ok := g.limits[scope]
	if !ok || limit.PerMinute <= 0 || limit.Burst <= 0 {
		g.logger.Warn("rate limit check on unconfigured scope, denying",
			"scope", string(scope), "identifier", identifier)
		return Decision{Allowed: false, ResetTime: now, FailedCheck: string(scope)}
	}

	key := string(scope) + ":" + identifier
	b, ok := g.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rate.Limit(limit.PerMinute/60.0), limit.Burst)}
		g.buckets[key] = b
	}
	b.lastSeen = now

	if !b.limiter.AllowN(now, 1) {
		reserve := b.limiter.ReserveN(now, 1)
		reset := now.Add(reserve.DelayFrom(now))
		reserve.CancelAt(now)
		return Decision{Allowed: false, ResetTime: reset, FailedCheck: string(scope)}
	}

	remaining := int(b.limiter.TokensAt(now))
	if remaining < 0 {
		remaining = 0
	}
	return Decision{Allowed: true, Remaining: remaining, ResetTime: now}
}

// sweepLocked evicts buckets idle past the TTL. Runs at most once per TTL.
func (g *Gate) sweepLocked(now time.Time) {
	if now.Sub(g.lastSweep) < g.ttl {
		return
	}
	g.lastSweep = now
	for key, b := range g.buckets {
		if now.Sub(b.lastSeen) > g.ttl {
			delete(g.buckets, key)
		}
	}
}
