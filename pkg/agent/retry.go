package agent

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"

	"github.com/3leaps/goscribe/pkg/budget"
	"github.com/3leaps/goscribe/pkg/llm"
)

// Kind tags the outcome of one attempt.
type Kind int

const (
	// OK means the attempt produced a response.
	OK Kind = iota
	// Transient failures are retried with backoff.
	Transient
	// Fatal failures stop the call immediately.
	Fatal
)

func (k Kind) String() string {
	switch k {
	case OK:
		return "ok"
	case Transient:
		return "transient"
	default:
		return "fatal"
	}
}

// Outcome is the tagged result of one attempt.
type Outcome struct {
	Kind Kind
	Resp llm.Response
	Err  error
}

// Ok wraps a successful response.
func Ok(resp llm.Response) Outcome {
	return Outcome{Kind: OK, Resp: resp}
}

// Failed wraps err with its classification.
func Failed(err error) Outcome {
	return Outcome{Kind: Classify(err), Err: err}
}

// Classify maps an error to Transient or Fatal. Budget denials and parent
// cancellation are fatal; timeouts, throttling and 5xx are transient.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return OK
	case budget.IsBudgetExceeded(err):
		return Fatal
	case errors.Is(err, context.Canceled):
		return Fatal
	case llm.IsTransient(err):
		return Transient
	default:
		return Fatal
	}
}

// Backoff computes exponential delays with proportional jitter.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	// Jitter in [0,1] randomizes each delay by up to ±Jitter of its value.
	Jitter float64
}

// Delay returns the wait before retry number attempt (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if b.Initial <= 0 {
		return 0
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = 2
	}
	d := float64(b.Initial) * math.Pow(mult, float64(attempt-1))
	if b.Max > 0 && d > float64(b.Max) {
		d = float64(b.Max)
	}
	if b.Jitter > 0 {
		d += d * b.Jitter * (rand.Float64()*2 - 1)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// RetryPolicy bounds the retry combinator.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     Backoff

	// OnRetry is called before sleeping ahead of attempt+1.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// Retry runs call until it returns OK or Fatal, or MaxAttempts transient
// outcomes have been seen. It returns the last outcome and the number of
// attempts made.
func Retry(ctx context.Context, p RetryPolicy, call func(ctx context.Context, attempt int) Outcome) (Outcome, int) {
	max := p.MaxAttempts
	if max < 1 {
		max = 1
	}
	var last Outcome
	for attempt := 1; attempt <= max; attempt++ {
		last = call(ctx, attempt)
		if last.Kind != Transient || attempt == max {
			return last, attempt
		}
		delay := p.Backoff.Delay(attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt, delay, last.Err)
		}
		if err := sleep(ctx, delay); err != nil {
			return Outcome{Kind: Fatal, Err: err}, attempt
		}
	}
	return last, max
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
