package housekeeping

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

type fakeQueue struct {
	purged int64
	calls  int32
}

func (f *fakeQueue) PurgeDeadLetter(ctx context.Context, olderThan time.Duration) (int64, error) {
	atomic.AddInt32(&f.calls, 1)
	return f.purged, nil
}

type fakeScanner struct {
	counts map[string]int64
	calls  int32
}

func (f *fakeScanner) BacklogCounts(ctx context.Context) (map[string]int64, error) {
	atomic.AddInt32(&f.calls, 1)
	return f.counts, nil
}

func TestScheduler_RunsBothJobsOnSchedule(t *testing.T) {
	q := &fakeQueue{purged: 3}
	s := &fakeScanner{counts: map[string]int64{"webhook": 5}}

	sched := New(q, s, Config{
		DeadLetterSweepCron:  "@every 10ms",
		DeadLetterRetention:  time.Hour,
		BacklogScanCron:      "@every 10ms",
		BacklogWarnThreshold: 1000,
	}, nil, nil)

	if err := sched.Start(); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	defer sched.Stop()

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if atomic.LoadInt32(&q.calls) > 0 && atomic.LoadInt32(&s.calls) > 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("expected both housekeeping jobs to have run at least once")
}

func TestScheduler_Start_InvalidCronExpression(t *testing.T) {
	q := &fakeQueue{}
	s := &fakeScanner{counts: map[string]int64{}}

	sched := New(q, s, Config{
		DeadLetterSweepCron: "not a cron expression",
		BacklogScanCron:     "@every 1m",
	}, nil, nil)

	if err := sched.Start(); err == nil {
		t.Fatal("expected error for invalid cron expression")
	}
}
