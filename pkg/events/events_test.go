package events

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/goscribe/pkg/pipeline"
)

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingSink) Publish(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingSink) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func TestEmitterStampsSeqAndPercent(t *testing.T) {
	rec := &recordingSink{}
	e := NewEmitter("job-1", 10, nil, rec)
	ctx := context.Background()

	first := e.Emit(ctx, Event{Type: TypeStageCompleted, Stage: pipeline.StageStructure, Percent: 40}, nil)
	second := e.Emit(ctx, Event{Type: TypeCostUpdate, Percent: 0}, CostData{Total: 1.5})
	third := e.Emit(ctx, Event{Type: TypeJobCompleted, Percent: 250}, nil)

	assert.Equal(t, int64(11), first.Seq)
	assert.Equal(t, int64(12), second.Seq)
	assert.Equal(t, int64(13), third.Seq)
	assert.Equal(t, int64(13), e.Seq())

	assert.Equal(t, 40.0, first.Percent)
	assert.Equal(t, 40.0, second.Percent, "percent never decreases")
	assert.Equal(t, 100.0, third.Percent)

	for _, ev := range rec.all() {
		assert.Equal(t, "job-1", ev.JobID)
		assert.NotEmpty(t, ev.ID)
		assert.False(t, ev.TS.IsZero())
	}

	var cost CostData
	require.NoError(t, second.Decode(&cost))
	assert.Equal(t, 1.5, cost.Total)
}

func TestEmitterIgnoresSinkErrors(t *testing.T) {
	failing := SinkFunc(func(context.Context, Event) error { return errors.New("down") })
	rec := &recordingSink{}
	e := NewEmitter("job-1", 0, nil, failing, rec)

	e.Emit(context.Background(), Event{Type: TypeJobStarted}, nil)
	assert.Len(t, rec.all(), 1)
}

func TestEmitterConcurrentSeqIsUniqueAndOrdered(t *testing.T) {
	rec := &recordingSink{}
	e := NewEmitter("job-1", 0, nil, rec)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.Emit(context.Background(), Event{Type: TypeUnitCompleted}, nil)
		}()
	}
	wg.Wait()

	got := rec.all()
	require.Len(t, got, 50)
	for i, ev := range got {
		assert.Equal(t, int64(i+1), ev.Seq, "sink sees events in seq order")
	}
}

func TestBusDeliversPerJob(t *testing.T) {
	b := NewBus(4, nil)
	s1 := b.Subscribe("a")
	s2 := b.Subscribe("b")
	defer s1.Close()
	defer s2.Close()

	require.NoError(t, b.Publish(context.Background(), Event{JobID: "a", Seq: 1}))

	select {
	case ev := <-s1.C():
		assert.Equal(t, int64(1), ev.Seq)
	default:
		t.Fatal("subscriber a got nothing")
	}
	select {
	case <-s2.C():
		t.Fatal("subscriber b got an event for job a")
	default:
	}
}

func TestBusDropsSlowSubscriber(t *testing.T) {
	b := NewBus(2, nil)
	slow := b.Subscribe("a")
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		require.NoError(t, b.Publish(ctx, Event{JobID: "a", Seq: int64(i)}))
	}
	assert.Equal(t, 0, b.Subscribers("a"))

	var seqs []int64
	for ev := range slow.C() {
		seqs = append(seqs, ev.Seq)
	}
	assert.Equal(t, []int64{1, 2}, seqs)

	slow.Close()
}

func TestSubscriptionCloseIsIdempotent(t *testing.T) {
	b := NewBus(1, nil)
	s := b.Subscribe("a")
	s.Close()
	s.Close()
	_, ok := <-s.C()
	assert.False(t, ok)
}

func TestJSONLSinkRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	sink := NewJSONLSink(&buf)
	e := NewEmitter("job-9", 0, nil, sink)

	e.Emit(context.Background(), Event{Type: TypeStageStarted, Stage: pipeline.StagePlan}, nil)
	e.Emit(context.Background(), Event{Type: TypeJobFailed}, FailureData{Failure: &pipeline.JobFailure{Category: pipeline.FailureBudgetExceeded}})

	got, err := ReadJSONL(&buf)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, TypeStageStarted, got[0].Type)
	assert.Equal(t, pipeline.StagePlan, got[0].Stage)

	var fd FailureData
	require.NoError(t, got[1].Decode(&fd))
	assert.Equal(t, pipeline.FailureBudgetExceeded, fd.Failure.Category)

	require.NoError(t, sink.Close())
	assert.ErrorIs(t, sink.Publish(context.Background(), Event{}), ErrSinkClosed)
}

func TestOpenJSONLFileAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "events.jsonl")

	for i := 0; i < 2; i++ {
		sink, err := OpenJSONLFile(path)
		require.NoError(t, err)
		require.NoError(t, sink.Publish(context.Background(), Event{JobID: "j", Seq: int64(i + 1)}))
		require.NoError(t, sink.Close())
	}

	f, err := os.Open(path)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()
	got, err := ReadJSONL(f)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(2), got[1].Seq)
}

func TestTypeTerminal(t *testing.T) {
	assert.True(t, TypeJobCompleted.Terminal())
	assert.True(t, TypeJobCancelled.Terminal())
	assert.False(t, TypeStageCompleted.Terminal())
}
