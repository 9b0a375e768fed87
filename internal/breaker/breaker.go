// Package breaker implements the per-adapter Circuit Breaker (C7):
// a closed/open/half-open state machine with a bounded, time-retained
// call history. Grounded on the author's own resilience.SimpleCircuitBreaker
// (alt-backend/app/utils/resilience) — the closed/open/half-open
// transitions and the RWMutex-guarded state are the same shape, extended
// here with a per-adapter registry, call-history retention, and
// background cleanup since C7 tracks many adapters rather than one
// dependency.
package breaker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"orbit/internal/domain"
)

// Config configures every breaker a Manager creates.
type Config struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	CleanupInterval  time.Duration
	RetentionPeriod  time.Duration
	MaxHistoryLen    int
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
		CleanupInterval:  3600 * time.Second,
		RetentionPeriod:  86400 * time.Second,
		MaxHistoryLen:    500,
	}
}

type adapterBreaker struct {
	mu                  sync.Mutex
	state               domain.BreakerState
	consecutiveFailures int
	totalFailures       int
	totalSuccesses      int
	openedAt            *time.Time
	lastTransition      time.Time
	halfOpenInFlight    bool
	history             []domain.CallRecord
	transitions         []domain.StateTransitionRecord
}

// Manager owns one adapterBreaker per adapter name and the shared config
// every breaker transitions under.
type Manager struct {
	cfg      Config
	logger   *slog.Logger
	mu       sync.Mutex
	breakers map[string]*adapterBreaker
	limiters map[string]*rate.Limiter
}

func NewManager(cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{cfg: cfg, logger: logger, breakers: map[string]*adapterBreaker{}, limiters: map[string]*rate.Limiter{}}
}

// SetRateLimit installs a per-adapter token-bucket limiter (rps, burst)
// that feeds Allow's admission check, generalizing the per-datasource
// rate limit a datasource config (§6 datasources.yaml) may declare.
// A zero or negative rps removes any existing limiter for the adapter.
func (m *Manager) SetRateLimit(adapterName string, rps float64, burst int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rps <= 0 {
		delete(m.limiters, adapterName)
		return
	}
	m.limiters[adapterName] = rate.NewLimiter(rate.Limit(rps), burst)
}

func (m *Manager) breakerFor(adapterName string) *adapterBreaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.breakers[adapterName]
	if !ok {
		b = &adapterBreaker{state: domain.BreakerClosed, lastTransition: time.Now()}
		m.breakers[adapterName] = b
	}
	return b
}

// Allow reports whether a call against adapterName may proceed, applying
// the recovery_timeout-driven open→half_open transition first.
func (m *Manager) Allow(adapterName string) bool {
	m.mu.Lock()
	limiter := m.limiters[adapterName]
	m.mu.Unlock()
	if limiter != nil && !limiter.Allow() {
		return false
	}

	b := m.breakerFor(adapterName)
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case domain.BreakerClosed:
		return true
	case domain.BreakerOpen:
		if b.openedAt != nil && time.Since(*b.openedAt) >= m.cfg.RecoveryTimeout {
			m.transition(adapterName, b, domain.BreakerHalfOpen, "recovery_timeout_elapsed")
			b.halfOpenInFlight = true
			return true
		}
		return false
	case domain.BreakerHalfOpen:
		if b.halfOpenInFlight {
			return false
		}
		b.halfOpenInFlight = true
		return true
	default:
		return false
	}
}

// RecordSuccess implements the closed/half-open success transitions: a
// successful half-open probe closes the breaker; a closed-state success
// resets the consecutive failure count.
func (m *Manager) RecordSuccess(adapterName string, duration time.Duration) {
	b := m.breakerFor(adapterName)
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalSuccesses++
	b.consecutiveFailures = 0
	b.halfOpenInFlight = false
	b.history = append(b.history, domain.CallRecord{At: time.Now(), Success: true, Duration: duration})
	b.trimHistory(m.cfg.MaxHistoryLen)

	if b.state == domain.BreakerHalfOpen {
		m.transition(adapterName, b, domain.BreakerClosed, "half_open_probe_succeeded")
	}
}

// RecordFailure implements the consecutive_failures >= failure_threshold
// open transition, and the half-open-failure-reopens rule.
func (m *Manager) RecordFailure(adapterName string, duration time.Duration, err error) {
	b := m.breakerFor(adapterName)
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalFailures++
	b.consecutiveFailures++
	b.halfOpenInFlight = false
	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	}
	b.history = append(b.history, domain.CallRecord{At: time.Now(), Success: false, Duration: duration, Err: errMsg})
	b.trimHistory(m.cfg.MaxHistoryLen)

	switch b.state {
	case domain.BreakerClosed:
		if b.consecutiveFailures >= m.cfg.FailureThreshold {
			now := time.Now()
			b.openedAt = &now
			m.transition(adapterName, b, domain.BreakerOpen, "consecutive_failures_exceeded_threshold")
		}
	case domain.BreakerHalfOpen:
		now := time.Now()
		b.openedAt = &now
		m.transition(adapterName, b, domain.BreakerOpen, "half_open_probe_failed")
	}
}

// transition must be called with b.mu held. It records the transition
// into the bounded state_transitions history (spec.md §3, §9 P6) before
// logging it.
func (m *Manager) transition(adapterName string, b *adapterBreaker, to domain.BreakerState, reason string) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	b.lastTransition = time.Now()
	if to == domain.BreakerClosed {
		b.consecutiveFailures = 0
		b.openedAt = nil
	}
	b.transitions = append(b.transitions, domain.StateTransitionRecord{At: b.lastTransition, From: from, To: to, Reason: reason})
	b.trimTransitions(m.cfg.MaxHistoryLen)

	m.logger.Info("circuit_breaker_transition",
		slog.String("adapter", adapterName), slog.String("from", string(from)), slog.String("to", string(to)), slog.String("reason", reason))
}

func (ab *adapterBreaker) trimHistory(maxLen int) {
	if maxLen <= 0 || len(ab.history) <= maxLen {
		return
	}
	ab.history = ab.history[len(ab.history)-maxLen:]
}

func (ab *adapterBreaker) trimTransitions(maxLen int) {
	if maxLen <= 0 || len(ab.transitions) <= maxLen {
		return
	}
	ab.transitions = ab.transitions[len(ab.transitions)-maxLen:]
}

// Stats returns a snapshot of one adapter's breaker state for the
// breaker-status admin surface.
func (m *Manager) Stats(adapterName string) domain.CircuitBreakerStats {
	b := m.breakerFor(adapterName)
	b.mu.Lock()
	defer b.mu.Unlock()

	history := make([]domain.CallRecord, len(b.history))
	copy(history, b.history)
	transitions := make([]domain.StateTransitionRecord, len(b.transitions))
	copy(transitions, b.transitions)

	return domain.CircuitBreakerStats{
		AdapterName:      adapterName,
		State:            b.state,
		Failures:         b.totalFailures,
		Successes:        b.totalSuccesses,
		ConsecutiveFail:  b.consecutiveFailures,
		OpenedAt:         b.openedAt,
		LastTransition:   b.lastTransition,
		CallHistory:      history,
		StateTransitions: transitions,
	}
}

// AllStats returns a snapshot for every adapter with a registered
// breaker, used by the admin CLI's breaker-status command.
func (m *Manager) AllStats() []domain.CircuitBreakerStats {
	m.mu.Lock()
	names := make([]string, 0, len(m.breakers))
	for name := range m.breakers {
		names = append(names, name)
	}
	m.mu.Unlock()

	out := make([]domain.CircuitBreakerStats, 0, len(names))
	for _, name := range names {
		out = append(out, m.Stats(name))
	}
	return out
}

// ForceCleanup discards call-history entries older than RetentionPeriod
// across every tracked breaker, independent of the background loop.
func (m *Manager) ForceCleanup() int {
	cutoff := time.Now().Add(-m.cfg.RetentionPeriod)
	removed := 0

	m.mu.Lock()
	breakers := make([]*adapterBreaker, 0, len(m.breakers))
	for _, b := range m.breakers {
		breakers = append(breakers, b)
	}
	m.mu.Unlock()

	for _, b := range breakers {
		b.mu.Lock()
		kept := b.history[:0]
		for _, rec := range b.history {
			if rec.At.Before(cutoff) {
				removed++
				continue
			}
			kept = append(kept, rec)
		}
		b.history = kept

		keptTransitions := b.transitions[:0]
		for _, rec := range b.transitions {
			if rec.At.Before(cutoff) {
				removed++
				continue
			}
			keptTransitions = append(keptTransitions, rec)
		}
		b.transitions = keptTransitions
		b.mu.Unlock()
	}
	return removed
}

// MemoryUsageSummary reports the call-history footprint the breaker
// registry is currently retaining.
type MemoryUsageSummary struct {
	AdapterCount     int
	TotalCallRecords int
	RecordsByAdapter map[string]int
}

func (m *Manager) GetMemoryUsageSummary() MemoryUsageSummary {
	m.mu.Lock()
	defer m.mu.Unlock()

	summary := MemoryUsageSummary{AdapterCount: len(m.breakers), RecordsByAdapter: map[string]int{}}
	for name, b := range m.breakers {
		b.mu.Lock()
		n := len(b.history)
		b.mu.Unlock()
		summary.RecordsByAdapter[name] = n
		summary.TotalCallRecords += n
	}
	return summary
}

// RunCleanupLoop runs ForceCleanup on CleanupInterval until ctx is
// cancelled. Intended to be started once as a background goroutine from
// server wiring.
func (m *Manager) RunCleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed := m.ForceCleanup()
			if removed > 0 {
				m.logger.Info("circuit_breaker_cleanup", slog.Int("records_removed", removed))
			}
		}
	}
}
