// Package budget implements the per-job spend ledger.
//
// A Ledger is owned by one job run and passed by reference through the call
// chain. Every provider call first reserves its estimated cost with Check and
// then settles the reservation with Commit (actual cost) or Release (call
// failed). Reservations make concurrent fan-out calls see each other's
// in-flight spend. A call whose actual cost exceeds its reservation is an
// overrun; committed spend never exceeds the ceiling by more than the summed
// overruns.
package budget

import (
	"errors"
	"fmt"
	"sync"

	"github.com/3leaps/goscribe/pkg/pipeline"
)

// ErrBudgetExceeded is returned when a call would push spend past the ceiling.
var ErrBudgetExceeded = errors.New("budget exceeded")

// IsBudgetExceeded reports whether err is (or wraps) ErrBudgetExceeded.
func IsBudgetExceeded(err error) bool {
	return errors.Is(err, ErrBudgetExceeded)
}

// Decision is the outcome of a budget check.
type Decision int

const (
	Allow Decision = iota
	Warn
	Deny
)

func (d Decision) String() string {
	switch d {
	case Allow:
		return "allow"
	case Warn:
		return "warn"
	case Deny:
		return "deny"
	default:
		return fmt.Sprintf("decision(%d)", int(d))
	}
}

// Policy is the per-job ceiling and warning fraction.
type Policy struct {
	Ceiling      float64
	WarnFraction float64
}

// Validate checks policy bounds.
func (p Policy) Validate() error {
	if p.Ceiling <= 0 {
		return fmt.Errorf("budget ceiling must be positive, got %.4f", p.Ceiling)
	}
	if p.WarnFraction <= 0 || p.WarnFraction >= 1 {
		return fmt.Errorf("warn fraction must be in (0,1), got %.4f", p.WarnFraction)
	}
	return nil
}

// WarnHook is called once, outside the ledger lock, the first time committed
// spend reaches the warning threshold.
type WarnHook func(status pipeline.BudgetStatus)

// Ledger tracks spend for a single job.
type Ledger struct {
	mu       sync.Mutex
	jobID    string
	policy   Policy
	spent    float64
	tokens   int64
	reserved float64
	overrun  float64
	warned   bool
	onWarn   WarnHook
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithWarnHook installs the warning callback.
func WithWarnHook(h WarnHook) Option {
	return func(l *Ledger) { l.onWarn = h }
}

// WithSpent seeds the ledger with spend from earlier runs of the same job.
func WithSpent(cost float64, tokens int64) Option {
	return func(l *Ledger) {
		l.spent = cost
		l.tokens = tokens
	}
}

// NewLedger creates a ledger for jobID under policy.
func NewLedger(jobID string, policy Policy, opts ...Option) (*Ledger, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	l := &Ledger{jobID: jobID, policy: policy}
	for _, opt := range opts {
		opt(l)
	}
	// Seeded spend that already crossed the line should not warn again.
	l.warned = l.spent >= l.warnLine()
	return l, nil
}

func (l *Ledger) warnLine() float64 {
	return l.policy.Ceiling * l.policy.WarnFraction
}

// Reservation is an in-flight hold on part of the budget.
type Reservation struct {
	ledger *Ledger
	amount float64
	done   bool
}

// Amount returns the reserved estimate.
func (r *Reservation) Amount() float64 {
	return r.amount
}

// Check asks for permission to spend up to estimate. On Allow or Warn the
// estimate is reserved and the caller must settle the returned Reservation.
// On Deny the returned error wraps ErrBudgetExceeded and no reservation is held.
func (l *Ledger) Check(estimate float64) (Decision, *Reservation, error) {
	if estimate < 0 {
		estimate = 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.spent >= l.policy.Ceiling {
		return Deny, nil, fmt.Errorf("%w: job %s spent $%.4f of $%.4f", ErrBudgetExceeded, l.jobID, l.spent, l.policy.Ceiling)
	}
	projected := l.spent + l.reserved + estimate
	if projected > l.policy.Ceiling {
		return Deny, nil, fmt.Errorf("%w: job %s estimate $%.4f would bring spend to $%.4f of $%.4f",
			ErrBudgetExceeded, l.jobID, estimate, projected, l.policy.Ceiling)
	}

	l.reserved += estimate
	r := &Reservation{ledger: l, amount: estimate}
	if projected >= l.warnLine() {
		return Warn, r, nil
	}
	return Allow, r, nil
}

// Commit settles the reservation with the call's actual cost and tokens and
// returns the amount by which cost exceeded the reservation (zero when it fit).
// Commit and Release are idempotent; only the first settlement counts.
func (r *Reservation) Commit(cost float64, tokens int64) float64 {
	if r == nil {
		return 0
	}
	l := r.ledger

	l.mu.Lock()
	if r.done {
		l.mu.Unlock()
		return 0
	}
	r.done = true
	l.reserved -= r.amount
	if l.reserved < 0 {
		l.reserved = 0
	}
	var over float64
	if cost > 0 {
		l.spent += cost
		if cost > r.amount {
			over = cost - r.amount
			l.overrun += over
		}
	}
	if tokens > 0 {
		l.tokens += tokens
	}
	var fire bool
	if !l.warned && l.spent >= l.warnLine() {
		l.warned = true
		fire = l.onWarn != nil
	}
	status := l.statusLocked()
	hook := l.onWarn
	l.mu.Unlock()

	if fire {
		hook(status)
	}
	return over
}

// Release drops the reservation without recording spend.
func (r *Reservation) Release() {
	if r == nil {
		return
	}
	l := r.ledger
	l.mu.Lock()
	defer l.mu.Unlock()
	if r.done {
		return
	}
	r.done = true
	l.reserved -= r.amount
	if l.reserved < 0 {
		l.reserved = 0
	}
}

// Spent returns committed spend and tokens.
func (l *Ledger) Spent() (float64, int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.spent, l.tokens
}

// Overrun returns the total by which committed calls exceeded their
// reservations.
func (l *Ledger) Overrun() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.overrun
}

// Reserved returns the sum of outstanding reservations.
func (l *Ledger) Reserved() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reserved
}

// Ceiling returns the current hard ceiling.
func (l *Ledger) Ceiling() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.policy.Ceiling
}

// Status returns the budget query answer for the job.
func (l *Ledger) Status() pipeline.BudgetStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.statusLocked()
}

func (l *Ledger) statusLocked() pipeline.BudgetStatus {
	return pipeline.NewBudgetStatus(l.jobID, l.policy.Ceiling, l.spent)
}
