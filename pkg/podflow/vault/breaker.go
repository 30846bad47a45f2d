package vault

import (
	"sync"
	"time"

	"github.com/podflow/podflow/pkg/podflow/model"
	"github.com/podflow/podflow/pkg/podflow/perrors"
)

// Breaker is a process-local circuit breaker keyed by (workspace,
// provider). It opens after a threshold of consecutive failures and
// auto-resets once the cooldown elapses since the last failure, or
// immediately on the next success. Best-effort only; it is not a
// distributed breaker.
type Breaker struct {
	threshold int
	cooldown  time.Duration

	mu     sync.Mutex
	states map[breakerKey]*breakerState

	// now is swappable for tests.
	now func() time.Time
}

type breakerKey struct {
	workspaceID string
	provider    model.Provider
}

type breakerState struct {
	failures    int
	lastFailure time.Time
}

// NewBreaker creates a Breaker with the given threshold and cooldown.
func NewBreaker(threshold int, cooldown time.Duration) *Breaker {
	return &Breaker{
		threshold: threshold,
		cooldown:  cooldown,
		states:    make(map[breakerKey]*breakerState),
		now:       time.Now,
	}
}

// Allow returns a CircuitOpen error if the circuit for (workspaceID,
// provider) is open, nil otherwise. An expired cooldown resets the
// counter and allows the call.
func (b *Breaker) Allow(workspaceID string, provider model.Provider) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := breakerKey{workspaceID: workspaceID, provider: provider}
	state, ok := b.states[key]
	if !ok || state.failures < b.threshold {
		return nil
	}

	if b.now().Sub(state.lastFailure) >= b.cooldown {
		delete(b.states, key)
		return nil
	}

	return perrors.Newf(perrors.CodeCircuitOpen,
		"circuit open for workspace %s provider %s after %d consecutive failures",
		workspaceID, provider, state.failures)
}

// RecordFailure counts one consecutive failure.
func (b *Breaker) RecordFailure(workspaceID string, provider model.Provider) {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := breakerKey{workspaceID: workspaceID, provider: provider}
	state, ok := b.states[key]
	if !ok {
		state = &breakerState{}
		b.states[key] = state
	}
	state.failures++
	state.lastFailure = b.now()
}

// RecordSuccess closes the circuit immediately.
func (b *Breaker) RecordSuccess(workspaceID string, provider model.Provider) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.states, breakerKey{workspaceID: workspaceID, provider: provider})
}

// Failures returns the current consecutive-failure count, for logging.
func (b *Breaker) Failures(workspaceID string, provider model.Provider) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if state, ok := b.states[breakerKey{workspaceID: workspaceID, provider: provider}]; ok {
		return state.failures
	}
	return 0
}
