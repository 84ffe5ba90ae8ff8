// Package cron fires recurring work: ritual kickoffs and store housekeeping.
// Last-fired times are checkpointed so a restart neither repeats a fire nor
// loses one that fell inside the downtime.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/go-steward/internal/actor"
	"github.com/basket/go-steward/internal/ritual"
	"github.com/basket/go-steward/internal/shared"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

const checkpointPrefix = "cron.last."

// Checkpoints persists the last fire time per job.
type Checkpoints interface {
	KVGet(ctx context.Context, key string) (string, error)
	KVSet(ctx context.Context, key, val string) error
}

// Dispatcher queues an event on an entity actor.
type Dispatcher interface {
	Dispatch(ev actor.Event) (<-chan actor.Result, error)
}

// Job is one recurring unit of work. Run receives the scheduled time, not
// the time the tick noticed it.
type Job struct {
	Name string
	Expr string
	Run  func(ctx context.Context, at time.Time) error
}

// RitualJob kicks off a ritual of type t in channel. The event id is
// derived from the scheduled time, so a fire retried after a crash is
// absorbed by the actor's dedup.
func RitualJob(name, expr string, t ritual.Type, channel string, d Dispatcher) Job {
	return Job{
		Name: name,
		Expr: expr,
		Run: func(ctx context.Context, at time.Time) error {
			id := "schedule:" + name + ":" + at.UTC().Format(time.RFC3339)
			ev := actor.Event{
				ID:         id,
				TraceID:    shared.EventTraceID(id),
				EntityKey:  ritual.EntityKey(t, at),
				ChannelID:  channel,
				Text:       string(t),
				ReceivedAt: at,
				Kind:       actor.KindSchedule,
			}
			if _, err := d.Dispatch(ev); err != nil {
				return fmt.Errorf("dispatch %s: %w", ev.EntityKey, err)
			}
			return nil
		},
	}
}

// Config holds the dependencies for the cron scheduler.
type Config struct {
	Jobs        []Job
	Checkpoints Checkpoints
	Location    *time.Location
	Logger      *slog.Logger
	Interval    time.Duration // tick interval; defaults to 1 minute if zero
	Now         func() time.Time
}

// Scheduler checks every job once per tick and fires those that are due.
type Scheduler struct {
	jobs     []Job
	store    Checkpoints
	loc      *time.Location
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler validates every job expression up front.
func NewScheduler(cfg Config) (*Scheduler, error) {
	for _, j := range cfg.Jobs {
		if _, err := cronParser.Parse(j.Expr); err != nil {
			return nil, fmt.Errorf("cron job %q: %w", j.Name, err)
		}
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	store := cfg.Checkpoints
	if store == nil {
		store = &memCheckpoints{m: map[string]string{}}
	}
	return &Scheduler{
		jobs:     cfg.Jobs,
		store:    store,
		loc:      loc,
		logger:   logger.With("component", "cron"),
		interval: interval,
		now:      now,
	}, nil
}

// Start begins the scheduler loop. It runs in a background goroutine
// and respects the provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("cron scheduler started", "interval", s.interval, "jobs", len(s.jobs))
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("cron scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Catch up immediately on startup, then on each tick.
	s.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick fires every due job once. Several missed fires of the same job
// collapse into one, at the latest missed time.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.now().In(s.loc)
	for _, j := range s.jobs {
		s.check(ctx, j, now)
	}
}

func (s *Scheduler) check(ctx context.Context, j Job, now time.Time) {
	last, seen, err := s.lastFired(ctx, j.Name)
	if err != nil {
		s.logger.Error("cron: read checkpoint", "job", j.Name, "error", err)
		return
	}
	if !seen {
		// First sight of a job starts its clock; nothing is owed yet.
		s.checkpoint(ctx, j.Name, now)
		return
	}
	due, ok := latestDue(j.Expr, last.In(s.loc), now)
	if !ok {
		return
	}
	if err := j.Run(ctx, due); err != nil {
		s.logger.Error("cron: job failed", "job", j.Name, "scheduled_at", due, "error", err)
		return
	}
	s.checkpoint(ctx, j.Name, now)
	next, _ := NextRunTime(j.Expr, now)
	s.logger.Info("cron: job fired", "job", j.Name, "scheduled_at", due, "next_run_at", next)
}

func (s *Scheduler) lastFired(ctx context.Context, name string) (time.Time, bool, error) {
	raw, err := s.store.KVGet(ctx, checkpointPrefix+name)
	if err != nil || raw == "" {
		return time.Time{}, false, err
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse checkpoint %q: %w", raw, err)
	}
	return t, true, nil
}

func (s *Scheduler) checkpoint(ctx context.Context, name string, at time.Time) {
	if err := s.store.KVSet(ctx, checkpointPrefix+name, at.UTC().Format(time.RFC3339Nano)); err != nil {
		s.logger.Error("cron: write checkpoint", "job", name, "error", err)
	}
}

// latestDue returns the last scheduled time in (after, now].
func latestDue(expr string, after, now time.Time) (time.Time, bool) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, false
	}
	var due time.Time
	for t := sched.Next(after); !t.IsZero() && !t.After(now); t = sched.Next(t) {
		due = t
	}
	return due, !due.IsZero()
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}

// memCheckpoints keeps checkpoints for the life of the process only.
type memCheckpoints struct {
	mu sync.Mutex
	m  map[string]string
}

func (c *memCheckpoints) KVGet(_ context.Context, key string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.m[key], nil
}

func (c *memCheckpoints) KVSet(_ context.Context, key, val string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[key] = val
	return nil
}
