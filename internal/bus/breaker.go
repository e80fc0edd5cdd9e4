package bus

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/Clear-Learn-ai/clearlearn-ai-sub000/internal/core"
	"github.com/Clear-Learn-ai/clearlearn-ai-sub000/internal/events"
)

// BreakerStatus is the per-participant snapshot exposed through Stats.
type BreakerStatus struct {
	State               string     `json:"state"`
	ConsecutiveFailures uint32     `json:"consecutiveFailures"`
	LastFailure         *time.Time `json:"lastFailure,omitempty"`
	FailureThreshold    uint32     `json:"failureThreshold"`
	RecoveryMs          int64      `json:"recoveryMs"`
}

// participantBreaker gates deliveries to one participant. Trips open after
// the configured run of consecutive failures, probes a single call after the
// recovery interval, and closes again on probe success.
type participantBreaker struct {
	cb *gobreaker.CircuitBreaker

	mu          sync.Mutex
	lastFailure time.Time
}

// breakerSet owns the breaker lifecycle: created on first subscription of a
// participant, destroyed with its last unsubscribe.
type breakerSet struct {
	threshold uint32
	recovery  time.Duration
	emitter   events.Emitter

	mu       sync.Mutex
	breakers map[string]*participantBreaker
}

func newBreakerSet(threshold uint32, recovery time.Duration, emitter events.Emitter) *breakerSet {
	return &breakerSet{
		threshold: threshold,
		recovery:  recovery,
		emitter:   emitter,
		breakers:  make(map[string]*participantBreaker),
	}
}

func (s *breakerSet) getOrCreate(participant string) *participantBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()

	if pb, ok := s.breakers[participant]; ok {
		return pb
	}

	pb := &participantBreaker{}
	pb.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        participant,
		MaxRequests: 1,
		Timeout:     s.recovery,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Info().Str("participant", name).
				Str("from", from.String()).Str("to", to.String()).
				Msg("delivery breaker state changed")
			s.emitter.Emit("breaker_state_changed", map[string]any{
				"participant": name,
				"from":        from.String(),
				"to":          to.String(),
			})
		},
	})
	s.breakers[participant] = pb
	return pb
}

func (s *breakerSet) drop(participant string) {
	s.mu.Lock()
	delete(s.breakers, participant)
	s.mu.Unlock()
}

// statuses returns an immutable snapshot of every live breaker.
func (s *breakerSet) statuses() map[string]BreakerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]BreakerStatus, len(s.breakers))
	for name, pb := range s.breakers {
		status := BreakerStatus{
			State:               pb.cb.State().String(),
			ConsecutiveFailures: pb.cb.Counts().ConsecutiveFailures,
			FailureThreshold:    s.threshold,
			RecoveryMs:          s.recovery.Milliseconds(),
		}
		pb.mu.Lock()
		if !pb.lastFailure.IsZero() {
			at := pb.lastFailure
			status.LastFailure = &at
		}
		pb.mu.Unlock()
		out[name] = status
	}
	return out
}

// call runs fn through the breaker. An open or saturated half-open breaker
// rejects immediately with a BreakerOpen error and no handler invocation.
func (pb *participantBreaker) call(participant string, fn func() error) error {
	_, err := pb.cb.Execute(func() (any, error) {
		return nil, fn()
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return core.Errorf(core.ErrBreakerOpen, "participant %q is unavailable", participant).
			With("participant", participant).
			WithRecovery("wait for the recovery interval to elapse")
	}
	pb.mu.Lock()
	pb.lastFailure = time.Now()
	pb.mu.Unlock()
	return err
}
