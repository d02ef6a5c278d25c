package llm

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// BreakerCompleter stops calling a failing provider for a while so cycles go straight
// to their fallbacks instead of waiting out every timeout
type BreakerCompleter struct {
	next Completer
	cb   *gobreaker.CircuitBreaker
}

func NewBreakerCompleter(name string, next Completer, logger *logrus.Logger) *BreakerCompleter {
	settings := gobreaker.Settings{
		Name:        "llm-" + name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Language model circuit breaker changed state")
		},
	}
	return &BreakerCompleter{next: next, cb: gobreaker.NewCircuitBreaker(settings)}
}

func (b *BreakerCompleter) Complete(ctx context.Context, p Prompt) (string, error) {
	out, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.Complete(ctx, p)
	})
	if err != nil {
		return "", err
	}
	return out.(string), nil
}

func (b *BreakerCompleter) State() gobreaker.State {
	return b.cb.State()
}
