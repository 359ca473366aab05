package delivery

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

type recorder struct {
	mu   sync.Mutex
	seen []int
}

func (r *recorder) handle(item Item[int]) {
	r.mu.Lock()
	r.seen = append(r.seen, item.Result)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.seen...)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.seen)
}

func TestStoppedQueueNeverDelivers(t *testing.T) {
	rec := &recorder{}
	q := New(rec.handle)
	defer q.Close()

	for i := 0; i < 500; i++ {
		q.Push(i)
	}
	time.Sleep(50 * time.Millisecond)

	if got := rec.count(); got != 0 {
		t.Fatalf("delivered while stopped: got=%d", got)
	}
	if got := q.Len(); got != 500 {
		t.Fatalf("pending mismatch: got=%d want=500", got)
	}
}

func TestStartDeliversInEnqueueOrderExactlyOnce(t *testing.T) {
	rec := &recorder{}
	q := New(rec.handle)
	defer q.Close()

	want := make([]int, 0, 100)
	for i := 0; i < 100; i++ {
		q.Push(i)
		want = append(want, i)
	}
	q.Start()

	require.Eventually(t, func() bool { return rec.count() == len(want) }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, want, rec.snapshot())
}

func TestEnqueueDuringDrainLandsAfterQueuedItems(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []int
	)
	var q *Queue[int]
	q = New(func(item Item[int]) {
		mu.Lock()
		seen = append(seen, item.Result)
		mu.Unlock()
		if item.Result == 1 {
			q.Push(100)
		}
	})
	defer q.Close()

	q.Push(0)
	q.Push(1)
	q.Push(2)
	q.Push(3)
	q.Start()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 5
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []int{0, 1, 2, 3, 100}, seen)
}

func TestStopThenStartResumesFromOldest(t *testing.T) {
	release := make(chan struct{})
	var (
		mu   sync.Mutex
		seen []int
	)
	var q *Queue[int]
	q = New(func(item Item[int]) {
		if item.Result == 0 {
			q.Stop()
			<-release
		}
		mu.Lock()
		seen = append(seen, item.Result)
		mu.Unlock()
	})
	defer q.Close()

	for i := 0; i < 5; i++ {
		q.Push(i)
	}
	q.Start()
	close(release)

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	got := append([]int(nil), seen...)
	mu.Unlock()
	require.Equal(t, []int{0}, got)
	require.Equal(t, 4, q.Len())

	q.Start()
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 5
	}, 2*time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []int{0, 1, 2, 3, 4}, seen)
}

func TestLargeBacklogDrainsCompletely(t *testing.T) {
	const n = 5000
	rec := &recorder{}
	q := New(rec.handle)
	defer q.Close()

	for i := 0; i < n; i++ {
		q.Push(i)
	}
	q.Start()

	require.Eventually(t, func() bool { return rec.count() == n }, 5*time.Second, 10*time.Millisecond)
	seen := rec.snapshot()
	for i, v := range seen {
		if v != i {
			t.Fatalf("order mismatch at %d: got=%d", i, v)
		}
	}
	require.Equal(t, 0, q.Len())
}

func TestSequenceNumbersFollowArrival(t *testing.T) {
	var (
		mu   sync.Mutex
		seqs []uint64
	)
	q := New(func(item Item[string]) {
		mu.Lock()
		seqs = append(seqs, item.Seq)
		mu.Unlock()
	})
	defer q.Close()

	q.Enqueue(Item[string]{Result: "a"})
	q.Enqueue(Item[string]{Result: "b", Err: context.Canceled})
	q.Start()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seqs) == 2
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []uint64{1, 2}, seqs)
}

func TestHandlerPanicDoesNotStopDrain(t *testing.T) {
	rec := &recorder{}
	q := New(func(item Item[int]) {
		if item.Result == 1 {
			panic("boom")
		}
		rec.handle(item)
	})
	defer q.Close()

	q.Push(0)
	q.Push(1)
	q.Push(2)
	q.Start()

	require.Eventually(t, func() bool { return rec.count() == 2 }, time.Second, 5*time.Millisecond)
	require.Equal(t, []int{0, 2}, rec.snapshot())
}

func TestCloseDropsPending(t *testing.T) {
	rec := &recorder{}
	q := New(rec.handle)
	q.Push(1)
	q.Close()
	q.Close()
	q.Push(2)
	q.Start()

	select {
	case <-q.Done():
	case <-time.After(time.Second):
		t.Fatal("drain goroutine did not exit")
	}
	require.Zero(t, rec.count())
	require.Zero(t, q.Len())
}

func TestDeliveredCounter(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	rec := &recorder{}
	q := New(rec.handle, WithMeterProvider(provider), WithName("counted"))
	defer q.Close()

	q.Push(1)
	q.Push(2)
	q.Start()
	require.Eventually(t, func() bool { return rec.count() == 2 }, time.Second, 5*time.Millisecond)

	var rm metricdata.ResourceMetrics
	require.Eventually(t, func() bool {
		if err := reader.Collect(context.Background(), &rm); err != nil {
			return false
		}
		return sumOf(rm, "delivery.delivered") == 2
	}, time.Second, 5*time.Millisecond)
}

func TestSerialRunsInOrder(t *testing.T) {
	s := NewSerial("test", nil)
	defer s.Close()

	var got []int
	for i := 0; i < 10; i++ {
		i := i
		s.Go(func() { got = append(got, i) })
	}
	s.Do(func() {})
	require.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, got)
}

func sumOf(rm metricdata.ResourceMetrics, name string) int64 {
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					total += dp.Value
				}
			}
		}
	}
	return total
}
