package circuitbreaker

import (
	"errors"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

type Config struct {
	FailureThreshold uint32
	Cooldown         time.Duration
	MaxCooldown      time.Duration
	BackoffFactor    float64
	OnStateChange    func(name string, from State, to State)
	Logger           *zap.Logger
	Now              func() time.Time
}

// Breaker guards a single named downstream dependency. State transitions
// happen only inside the state machine below; callers go through Allow and
// the Record methods.
type Breaker struct {
	name             string
	failureThreshold uint32
	baseCooldown     time.Duration
	maxCooldown      time.Duration
	backoffFactor    float64
	onStateChange    func(name string, from State, to State)
	logger           *zap.Logger
	now              func() time.Time

	mu                  sync.Mutex
	state               State
	consecutiveFailures uint32
	reopenCount         uint32
	trialInFlight       bool
	openedAt            time.Time
	cooldown            time.Duration
}

func New(name string, cfg Config) *Breaker {
	b := &Breaker{
		name:             name,
		failureThreshold: cfg.FailureThreshold,
		baseCooldown:     cfg.Cooldown,
		maxCooldown:      cfg.MaxCooldown,
		backoffFactor:    cfg.BackoffFactor,
		onStateChange:    cfg.OnStateChange,
		logger:           cfg.Logger,
		now:              cfg.Now,
	}

	if b.failureThreshold == 0 {
		b.failureThreshold = 3
	}
	if b.baseCooldown == 0 {
		b.baseCooldown = 30 * time.Second
	}
	if b.maxCooldown == 0 {
		b.maxCooldown = 5 * time.Minute
	}
	if b.backoffFactor < 1 {
		b.backoffFactor = 2.0
	}
	if b.logger == nil {
		b.logger = zap.NewNop()
	}
	if b.now == nil {
		b.now = time.Now
	}
	b.cooldown = b.baseCooldown

	return b
}

// Allow reports whether a call to the dependency may be attempted. In
// half-open state exactly one trial call is admitted until its outcome is
// recorded.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.refreshState() {
	case StateClosed:
		return true
	case StateHalfOpen:
		if b.trialInFlight {
			return false
		}
		b.trialInFlight = true
		return true
	default:
		return false
	}
}

func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	state := b.refreshState()
	b.consecutiveFailures = 0

	if state == StateHalfOpen {
		b.reopenCount = 0
		b.cooldown = b.baseCooldown
		b.setState(StateClosed)
	}
}

func (b *Breaker) RecordFailure(reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state := b.refreshState()
	b.consecutiveFailures++

	b.logger.Debug("Dependency failure recorded",
		zap.String("dependency", b.name),
		zap.String("reason", reason),
		zap.Uint32("consecutive", b.consecutiveFailures),
	)

	switch state {
	case StateClosed:
		if b.consecutiveFailures >= b.failureThreshold {
			b.open()
		}
	case StateHalfOpen:
		b.reopenCount++
		b.cooldown = b.nextCooldown()
		b.open()
	}
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.refreshState()
}

func (b *Breaker) ConsecutiveFailures() uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consecutiveFailures
}

// refreshState promotes open to half-open once the cooldown has elapsed.
// Caller must hold the mutex.
func (b *Breaker) refreshState() State {
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cooldown {
		b.trialInFlight = false
		b.setState(StateHalfOpen)
	}
	return b.state
}

func (b *Breaker) open() {
	b.openedAt = b.now()
	b.trialInFlight = false
	b.setState(StateOpen)
}

func (b *Breaker) nextCooldown() time.Duration {
	grown := time.Duration(float64(b.baseCooldown) * math.Pow(b.backoffFactor, float64(b.reopenCount)))
	if grown > b.maxCooldown || grown <= 0 {
		return b.maxCooldown
	}
	return grown
}

func (b *Breaker) setState(state State) {
	if b.state == state {
		return
	}

	prev := b.state
	b.state = state

	if b.onStateChange != nil {
		b.onStateChange(b.name, prev, state)
	}

	b.logger.Info("Circuit breaker state changed",
		zap.String("dependency", b.name),
		zap.String("from", prev.String()),
		zap.String("to", state.String()),
		zap.Uint32("failures", b.consecutiveFailures),
		zap.Duration("cooldown", b.cooldown),
	)
}
