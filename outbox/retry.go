package outbox

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds how often a single sink is attempted per delivery.
type RetryPolicy struct {
	Attempts int
	Initial  time.Duration
}

// DefaultRetryPolicy makes three attempts, two and four seconds apart.
var DefaultRetryPolicy = RetryPolicy{Attempts: 3, Initial: 2 * time.Second}

// permanent marks an error that retrying cannot fix.
func permanent(err error) error {
	return backoff.Permanent(err)
}

// run calls op until it succeeds, fails permanently or the attempts run out.
// It returns the number of attempts made.
func (p RetryPolicy) run(ctx context.Context, op func(context.Context) error) (int, error) {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Initial
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	var n int
	err := backoff.Retry(func() error {
		n++
		return op(ctx)
	}, backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx))
	return n, err
}
