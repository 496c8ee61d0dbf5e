package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Guarded endpoints. Identifiers are caller-chosen (client IP, email);
// callers typically check both.
const (
	EndpointLogin         = "login"
	EndpointPasswordReset = "password_reset"
	EndpointOTPRequest    = "otp_request"
	EndpointBootstrap     = "bootstrap"
	EndpointInvitation    = "invitation"
)

// Rule is a fixed attempt budget per rolling window. Lockout zero means
// the caller just waits out the window; CountAll counts every attempt
// rather than only failures.
type Rule struct {
	MaxAttempts int
	Window      time.Duration
	Lockout     time.Duration
	CountAll    bool
}

// DefaultRules mirrors the production limits for each endpoint.
func DefaultRules() map[string]Rule {
	return map[string]Rule{
		EndpointLogin:         {MaxAttempts: 5, Window: 15 * time.Minute, Lockout: 15 * time.Minute},
		EndpointPasswordReset: {MaxAttempts: 3, Window: time.Hour},
		EndpointOTPRequest:    {MaxAttempts: 5, Window: time.Hour, CountAll: true},
		EndpointBootstrap:     {MaxAttempts: 3, Window: time.Hour, Lockout: 30 * time.Minute},
		EndpointInvitation:    {MaxAttempts: 10, Window: time.Hour, CountAll: true},
	}
}

// State is one identifier's counter. Stores persist it opaquely.
type State struct {
	Count       int       `json:"count"`
	WindowStart time.Time `json:"window_start"`
	LockedUntil time.Time `json:"locked_until"`
}

// Store persists limiter state. Implementations need not be atomic
// across processes; the limiter serializes access within one.
type Store interface {
	Get(ctx context.Context, key string) (State, bool, error)
	Put(ctx context.Context, key string, st State, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Decision is the outcome of a Check.
type Decision struct {
	Allowed    bool
	Reason     string
	RetryAfter time.Duration
}

// Limiter enforces per-(identifier, endpoint) attempt budgets. All
// methods are safe for concurrent use.
type Limiter struct {
	mu    sync.Mutex
	rules map[string]Rule
	store Store
	now   func() time.Time
}

func New(store Store, rules map[string]Rule) *Limiter {
	if rules == nil {
		rules = DefaultRules()
	}
	return &Limiter{rules: rules, store: store, now: time.Now}
}

func (l *Limiter) key(identifier, endpoint string) string {
	return fmt.Sprintf("rl:%s:%s", endpoint, identifier)
}

func (l *Limiter) ttl(rule Rule) time.Duration {
	ttl := rule.Window
	if rule.Lockout > ttl {
		ttl = rule.Lockout
	}
	return ttl + time.Minute
}

// Check reports whether another attempt is currently permitted. Hitting
// the budget with a lockout-bearing rule starts the lockout immediately,
// so repeated polling cannot shorten it.
func (l *Limiter) Check(ctx context.Context, identifier, endpoint string) (Decision, error) {
	rule, ok := l.rules[endpoint]
	if !ok {
		return Decision{Allowed: true}, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	key := l.key(identifier, endpoint)

	st, found, err := l.store.Get(ctx, key)
	if err != nil {
		return Decision{}, err
	}
	if !found {
		return Decision{Allowed: true}, nil
	}

	if st.LockedUntil.After(now) {
		return Decision{
			Reason:     "temporarily locked out",
			RetryAfter: st.LockedUntil.Sub(now),
		}, nil
	}

	if now.Sub(st.WindowStart) >= rule.Window {
		if err := l.store.Delete(ctx, key); err != nil {
			return Decision{}, err
		}
		return Decision{Allowed: true}, nil
	}

	if st.Count >= rule.MaxAttempts {
		if rule.Lockout > 0 {
			st.LockedUntil = now.Add(rule.Lockout)
			if err := l.store.Put(ctx, key, st, l.ttl(rule)); err != nil {
				return Decision{}, err
			}
			return Decision{
				Reason:     "too many attempts, locked out",
				RetryAfter: rule.Lockout,
			}, nil
		}
		return Decision{
			Reason:     "too many attempts",
			RetryAfter: st.WindowStart.Add(rule.Window).Sub(now),
		}, nil
	}

	return Decision{Allowed: true}, nil
}

// RecordAttempt updates the counter after a handled request. Failures
// always count; successes count only for CountAll rules, and a
// successful login clears the counter outright.
func (l *Limiter) RecordAttempt(ctx context.Context, identifier, endpoint string, success bool) error {
	rule, ok := l.rules[endpoint]
	if !ok {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	key := l.key(identifier, endpoint)

	if success && !rule.CountAll {
		return l.store.Delete(ctx, key)
	}

	now := l.now()
	st, found, err := l.store.Get(ctx, key)
	if err != nil {
		return err
	}
	if !found || now.Sub(st.WindowStart) >= rule.Window {
		st = State{WindowStart: now}
	}
	st.Count++
	return l.store.Put(ctx, key, st, l.ttl(rule))
}

// ClearAttempts removes any counter and lockout for the identifier, an
// administrative unblock.
func (l *Limiter) ClearAttempts(ctx context.Context, identifier, endpoint string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.store.Delete(ctx, l.key(identifier, endpoint))
}
