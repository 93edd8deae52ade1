// Package scheduler starts recurring conversations from cron schedules.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/mohammad-safakhou/reasoner/config"
	"github.com/mohammad-safakhou/reasoner/internal/agent/core"
	"github.com/mohammad-safakhou/reasoner/internal/team"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

// Runner executes one conversation round.
type Runner interface {
	Run(ctx context.Context, req team.Request) (*core.Message, string, error)
}

type job struct {
	cfg  config.ScheduleConfig
	expr *cronexpr.Expression
}

// Scheduler fires due schedules on every tick. With a Redis client the last
// run times and a per-schedule lock are shared between processes.
type Scheduler struct {
	jobs     []job
	runner   Runner
	rdb      *redis.Client
	interval time.Duration
	lockTTL  time.Duration
	now      func() time.Time
	logger   *log.Logger

	mu      sync.Mutex
	last    map[string]time.Time
	running map[string]bool
	wg      sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithRedis shares run state through rdb.
func WithRedis(rdb *redis.Client) Option { return func(s *Scheduler) { s.rdb = rdb } }

// WithInterval sets the tick interval.
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(s *Scheduler) { s.now = now } }

// New parses every schedule. Cron strings accept the 5-field form and the
// @hourly/@daily style macros.
func New(schedules []config.ScheduleConfig, runner Runner, opts ...Option) (*Scheduler, error) {
	if runner == nil {
		return nil, errors.New("scheduler: runner required")
	}
	s := &Scheduler{
		runner:   runner,
		interval: time.Minute,
		lockTTL:  2 * time.Minute,
		now:      time.Now,
		logger:   log.New(log.Writer(), "[SCHED] ", log.LstdFlags),
		last:     make(map[string]time.Time),
		running:  make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	for _, sc := range schedules {
		if err := sc.Validate(); err != nil {
			return nil, err
		}
		expr, err := cronexpr.Parse(sc.Cron)
		if err != nil {
			return nil, fmt.Errorf("schedule %s: parse cron %q: %w", sc.Name, sc.Cron, err)
		}
		s.jobs = append(s.jobs, job{cfg: sc, expr: expr})
	}
	return s, nil
}

// Run ticks until ctx is done, then waits for in-flight runs.
func (s *Scheduler) Run(ctx context.Context) error {
	if len(s.jobs) == 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			s.Wait()
			return nil
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick starts every due schedule and returns their names.
func (s *Scheduler) Tick(ctx context.Context) []string {
	now := s.now()
	var started []string
	for _, j := range s.jobs {
		name := j.cfg.Name
		last, ok := s.lastRun(ctx, name)
		if ok && j.expr.Next(last).After(now) {
			continue
		}
		if !s.acquire(ctx, name) {
			continue
		}
		s.setLastRun(ctx, name, now)
		started = append(started, name)
		s.wg.Add(1)
		go func(j job) {
			defer s.wg.Done()
			defer s.release(ctx, j.cfg.Name)
			s.fire(ctx, j)
		}(j)
	}
	return started
}

// Wait blocks until every started run returns.
func (s *Scheduler) Wait() { s.wg.Wait() }

func (s *Scheduler) fire(ctx context.Context, j job) {
	req := team.Request{
		Query:   j.cfg.Query,
		Agent:   j.cfg.Agent,
		Context: map[string]interface{}{"schedule": j.cfg.Name},
	}
	_, convID, err := s.runner.Run(ctx, req)
	recordRun(ctx, j.cfg.Name, err)
	if err != nil {
		s.logger.Printf("schedule %s (%s) failed: %v", j.cfg.Name, convID, err)
		return
	}
	s.logger.Printf("schedule %s finished conversation %s", j.cfg.Name, convID)
}

func (s *Scheduler) acquire(ctx context.Context, name string) bool {
	s.mu.Lock()
	if s.running[name] {
		s.mu.Unlock()
		return false
	}
	s.running[name] = true
	s.mu.Unlock()
	if s.rdb == nil {
		return true
	}
	ok, err := s.rdb.SetNX(ctx, "sched:lock:"+name, "1", s.lockTTL).Result()
	if err != nil || !ok {
		if err != nil {
			s.logger.Printf("schedule %s lock: %v", name, err)
		}
		s.mu.Lock()
		delete(s.running, name)
		s.mu.Unlock()
		return false
	}
	return true
}

func (s *Scheduler) release(ctx context.Context, name string) {
	if s.rdb != nil {
		_ = s.rdb.Del(context.WithoutCancel(ctx), "sched:lock:"+name).Err()
	}
	s.mu.Lock()
	delete(s.running, name)
	s.mu.Unlock()
}

func (s *Scheduler) lastRun(ctx context.Context, name string) (time.Time, bool) {
	if s.rdb != nil {
		v, err := s.rdb.Get(ctx, "sched:last:"+name).Int64()
		if err == nil {
			return time.Unix(v, 0), true
		}
		if !errors.Is(err, redis.Nil) {
			s.logger.Printf("schedule %s last run: %v", name, err)
		}
		return time.Time{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.last[name]
	return t, ok
}

func (s *Scheduler) setLastRun(ctx context.Context, name string, at time.Time) {
	if s.rdb != nil {
		if err := s.rdb.Set(ctx, "sched:last:"+name, at.Unix(), 0).Err(); err != nil {
			s.logger.Printf("schedule %s record run: %v", name, err)
		}
		return
	}
	s.mu.Lock()
	s.last[name] = at
	s.mu.Unlock()
}

var (
	metricsOnce sync.Once
	runCounter  otelmetric.Int64Counter
)

func recordRun(ctx context.Context, name string, err error) {
	metricsOnce.Do(func() {
		var initErr error
		runCounter, initErr = otel.Meter("reasoner/internal/scheduler").Int64Counter("scheduler_runs_total",
			otelmetric.WithDescription("Scheduled conversations by schedule and outcome"))
		if initErr != nil {
			log.Printf("scheduler metrics: %v", initErr)
		}
	})
	if runCounter == nil {
		return
	}
	runCounter.Add(ctx, 1, otelmetric.WithAttributes(
		attribute.String("schedule", name),
		attribute.Bool("success", err == nil),
	))
}
