package budget

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/goscribe/pkg/pipeline"
)

func newLedger(t *testing.T, ceiling float64, opts ...Option) *Ledger {
	t.Helper()
	l, err := NewLedger("job-1", Policy{Ceiling: ceiling, WarnFraction: 0.8}, opts...)
	require.NoError(t, err)
	return l
}

func TestPolicyValidate(t *testing.T) {
	tests := []struct {
		name    string
		policy  Policy
		wantErr bool
	}{
		{"valid", Policy{Ceiling: 10, WarnFraction: 0.8}, false},
		{"zero ceiling", Policy{Ceiling: 0, WarnFraction: 0.8}, true},
		{"warn at one", Policy{Ceiling: 10, WarnFraction: 1}, true},
		{"warn at zero", Policy{Ceiling: 10, WarnFraction: 0}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.policy.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCheckAllowWarnDeny(t *testing.T) {
	l := newLedger(t, 10)

	d, r, err := l.Check(2)
	require.NoError(t, err)
	assert.Equal(t, Allow, d)
	r.Commit(2, 100)

	d, r, err = l.Check(6)
	require.NoError(t, err)
	assert.Equal(t, Warn, d)
	r.Commit(6, 100)

	d, r, err = l.Check(3)
	assert.Equal(t, Deny, d)
	assert.Nil(t, r)
	assert.ErrorIs(t, err, ErrBudgetExceeded)
	assert.True(t, IsBudgetExceeded(err))

	spent, tokens := l.Spent()
	assert.InDelta(t, 8, spent, 1e-9)
	assert.Equal(t, int64(200), tokens)
}

func TestDenyDoesNotReserve(t *testing.T) {
	l := newLedger(t, 10)
	_, _, err := l.Check(15)
	require.ErrorIs(t, err, ErrBudgetExceeded)
	assert.Zero(t, l.Reserved())

	d, r, err := l.Check(5)
	require.NoError(t, err)
	assert.Equal(t, Allow, d)
	r.Release()
}

func TestReservationsBlockConcurrentOverrun(t *testing.T) {
	l := newLedger(t, 10)

	_, r1, err := l.Check(6)
	require.NoError(t, err)
	_, _, err = l.Check(6)
	assert.ErrorIs(t, err, ErrBudgetExceeded)

	r1.Release()
	_, r2, err := l.Check(6)
	require.NoError(t, err)
	r2.Commit(5, 10)
	assert.Zero(t, l.Reserved())
}

func TestSettleIsIdempotent(t *testing.T) {
	l := newLedger(t, 10)
	_, r, err := l.Check(3)
	require.NoError(t, err)

	r.Commit(2, 10)
	r.Commit(2, 10)
	r.Release()

	spent, tokens := l.Spent()
	assert.InDelta(t, 2, spent, 1e-9)
	assert.Equal(t, int64(10), tokens)
	assert.Zero(t, l.Reserved())
}

func TestCeilingBlocksAfterExceeded(t *testing.T) {
	l := newLedger(t, 10)
	_, r, err := l.Check(9)
	require.NoError(t, err)
	// Actual cost above estimate still lands; the next call is blocked.
	r.Commit(10.5, 1)

	_, _, err = l.Check(0)
	assert.ErrorIs(t, err, ErrBudgetExceeded)
	assert.True(t, l.Status().Exceeded)
}

func TestWarnHookFiresOnce(t *testing.T) {
	var calls int32
	var got pipeline.BudgetStatus
	l := newLedger(t, 10, WithWarnHook(func(s pipeline.BudgetStatus) {
		atomic.AddInt32(&calls, 1)
		got = s
	}))

	for i := 0; i < 5; i++ {
		_, r, err := l.Check(1.9)
		require.NoError(t, err)
		r.Commit(1.9, 1)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Equal(t, "job-1", got.JobID)
	assert.InDelta(t, 9.5, got.Used, 1e-9)
}

func TestSeededSpendSkipsWarn(t *testing.T) {
	var calls int32
	l := newLedger(t, 10, WithSpent(9, 500), WithWarnHook(func(pipeline.BudgetStatus) {
		atomic.AddInt32(&calls, 1)
	}))
	_, r, err := l.Check(0.5)
	require.NoError(t, err)
	r.Commit(0.5, 1)
	assert.Zero(t, atomic.LoadInt32(&calls))

	st := l.Status()
	assert.InDelta(t, 9.5, st.Used, 1e-9)
	assert.InDelta(t, 0.5, st.Remaining, 1e-9)
}

func TestConcurrentCommitsNoLostUpdates(t *testing.T) {
	l := newLedger(t, 1000)
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, r, err := l.Check(1)
			if err != nil {
				return
			}
			r.Commit(1, 2)
		}()
	}
	wg.Wait()

	spent, tokens := l.Spent()
	assert.InDelta(t, 100, spent, 1e-9)
	assert.Equal(t, int64(200), tokens)
	assert.Zero(t, l.Reserved())
}

func TestOverrunIsTrackedAndBoundsSpend(t *testing.T) {
	l := newLedger(t, 10)

	_, r, err := l.Check(4)
	require.NoError(t, err)
	assert.Zero(t, r.Commit(3, 10))
	assert.Zero(t, l.Overrun())

	_, r, err = l.Check(6)
	require.NoError(t, err)
	over := r.Commit(8.5, 10)
	assert.InDelta(t, 2.5, over, 1e-9)
	assert.InDelta(t, 2.5, l.Overrun(), 1e-9)

	// A second settlement is ignored and reports nothing.
	assert.Zero(t, r.Commit(100, 10))

	spent, _ := l.Spent()
	assert.InDelta(t, 11.5, spent, 1e-9)
	assert.LessOrEqual(t, spent, l.Ceiling()+l.Overrun()+1e-9)
	assert.True(t, l.Status().Exceeded)

	d, _, err := l.Check(0)
	assert.Equal(t, Deny, d)
	assert.ErrorIs(t, err, ErrBudgetExceeded)
}

func TestDecisionString(t *testing.T) {
	assert.Equal(t, "allow", Allow.String())
	assert.Equal(t, "warn", Warn.String())
	assert.Equal(t, "deny", Deny.String())
}
