// Package breaker wraps outbound HTTP calls in sony/gobreaker circuit breakers
// that report their state to Prometheus and the log.
package breaker

import (
	"errors"
	"time"

	"github.com/go-resty/resty/v2"
	gobreaker "github.com/sony/gobreaker/v2"
	"github.com/sirupsen/logrus"

	"recapflow/api-gateway/internal/metrics"
)

// ErrOpen is returned when the breaker rejects a call without attempting it.
var ErrOpen = errors.New("circuit breaker open")

// Breaker guards calls to one remote service.
type Breaker struct {
	name string
	cb   *gobreaker.CircuitBreaker[*resty.Response]
	log  *logrus.Logger
}

// Settings tune when the breaker opens.
type Settings struct {
	// MinRequests is the number of calls in an interval before the failure ratio is considered.
	MinRequests uint32
	// FailureRatio opens the breaker once reached.
	FailureRatio float64
	// OpenTimeout is how long the breaker stays open before probing again.
	OpenTimeout time.Duration
}

// DefaultSettings opens after 60% failures over at least 5 calls and probes again after 30 s.
func DefaultSettings() Settings {
	return Settings{MinRequests: 5, FailureRatio: 0.6, OpenTimeout: 30 * time.Second}
}

// New creates a breaker named name.
func New(name string, st Settings, log *logrus.Logger) *Breaker {
	metrics.CircuitBreakerState.WithLabelValues(name).Set(0)

	b := &Breaker{name: name, log: log}
	b.cb = gobreaker.NewCircuitBreaker[*resty.Response](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     st.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < st.MinRequests {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return ratio >= st.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Circuit breaker state changed")
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateValue(to))
		},
	})
	return b
}

// Do runs call through the breaker. call must return an error only for failures
// that say something about the remote's health: transport errors and 5xx replies.
func (b *Breaker) Do(call func() (*resty.Response, error)) (*resty.Response, error) {
	resp, err := b.cb.Execute(call)
	switch {
	case err == nil:
		metrics.CircuitBreakerRequests.WithLabelValues(b.name, "success").Inc()
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		metrics.CircuitBreakerRequests.WithLabelValues(b.name, "rejected").Inc()
		return nil, errors.Join(ErrOpen, err)
	default:
		metrics.CircuitBreakerRequests.WithLabelValues(b.name, "failure").Inc()
	}
	return resp, err
}

// State returns the current breaker state, e.g. "closed".
func (b *Breaker) State() string {
	return b.cb.State().String()
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
