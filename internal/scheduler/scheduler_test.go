package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/mohammad-safakhou/reasoner/config"
	"github.com/mohammad-safakhou/reasoner/internal/agent/core"
	"github.com/mohammad-safakhou/reasoner/internal/team"
	"github.com/redis/go-redis/v9"
)

type recordingRunner struct {
	mu    sync.Mutex
	reqs  []team.Request
	err   error
	block chan struct{}
}

func (r *recordingRunner) Run(ctx context.Context, req team.Request) (*core.Message, string, error) {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	r.reqs = append(r.reqs, req)
	r.mu.Unlock()
	return &core.Message{Content: "ok"}, "sess_1", r.err
}

func (r *recordingRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.reqs)
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

var hourly = []config.ScheduleConfig{{Name: "digest", Cron: "0 * * * *", Agent: "lead", Query: "summarize"}}

func TestNewRejectsBadCron(t *testing.T) {
	_, err := New([]config.ScheduleConfig{{Name: "x", Cron: "not a cron", Query: "q"}}, &recordingRunner{})
	if err == nil {
		t.Fatalf("expected parse error")
	}
	if _, err := New(hourly, nil); err == nil {
		t.Fatalf("expected runner error")
	}
}

func TestTickRunsWhenDue(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 10, 5, 0, 0, time.UTC)}
	runner := &recordingRunner{}
	s, err := New(hourly, runner, WithClock(clock.now))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	if got := s.Tick(ctx); len(got) != 1 {
		t.Fatalf("never-run schedule should fire, got %v", got)
	}
	s.Wait()
	clock.t = clock.t.Add(30 * time.Minute)
	if got := s.Tick(ctx); len(got) != 0 {
		t.Fatalf("schedule fired before next cron slot: %v", got)
	}
	clock.t = clock.t.Add(30 * time.Minute)
	if got := s.Tick(ctx); len(got) != 1 {
		t.Fatalf("schedule should fire after the next slot, got %v", got)
	}
	s.Wait()
	if runner.count() != 2 {
		t.Fatalf("expected 2 runs, got %d", runner.count())
	}
	req := runner.reqs[0]
	if req.Query != "summarize" || req.Agent != "lead" || req.Context["schedule"] != "digest" {
		t.Fatalf("unexpected request %+v", req)
	}
}

func TestTickSkipsRunningSchedule(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	runner := &recordingRunner{block: make(chan struct{})}
	s, err := New([]config.ScheduleConfig{{Name: "fast", Cron: "* * * * *", Query: "q"}}, runner, WithClock(clock.now))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	s.Tick(ctx)
	clock.t = clock.t.Add(5 * time.Minute)
	if got := s.Tick(ctx); len(got) != 0 {
		t.Fatalf("in-flight schedule started twice: %v", got)
	}
	close(runner.block)
	s.Wait()
}

func TestRedisLockSharedBetweenSchedulers(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	clock := &fakeClock{t: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	runner := &recordingRunner{err: errors.New("llm down")}
	a, err := New(hourly, runner, WithRedis(rdb), WithClock(clock.now))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	b, err := New(hourly, runner, WithRedis(rdb), WithClock(clock.now))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	if err := mr.Set("sched:lock:digest", "1"); err != nil {
		t.Fatalf("seed lock: %v", err)
	}
	if got := a.Tick(ctx); len(got) != 0 {
		t.Fatalf("locked schedule fired: %v", got)
	}
	mr.Del("sched:lock:digest")

	if got := a.Tick(ctx); len(got) != 1 {
		t.Fatalf("expected run, got %v", got)
	}
	a.Wait()
	if got := b.Tick(ctx); len(got) != 0 {
		t.Fatalf("second process should see the shared last run, got %v", got)
	}
	if mr.Exists("sched:lock:digest") {
		t.Fatalf("lock should be released after the run")
	}
	if runner.count() != 1 {
		t.Fatalf("expected one run, got %d", runner.count())
	}
}
