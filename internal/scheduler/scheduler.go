// Package scheduler triggers the push cycle on a cron or interval schedule.
// Cycles never overlap: when a tick fires while the previous cycle is still
// running, the tick is dropped and counted, never queued.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"alertbot/internal/eventbus"
	"alertbot/pkg/logx"
)

// ErrOverlap is returned when a trigger arrives while a cycle is running.
var ErrOverlap = errors.New("cycle already running")

var (
	ErrAlreadyRunning = errors.New("scheduler already started")
	ErrNotStarted     = errors.New("scheduler not started")
)

// Job is one push cycle.
type Job func(ctx context.Context) error

type Config struct {
	Schedule      string        // cron expression, "@every ..", duration, or HH:MM
	Timezone      string        // IANA TZ for cron evaluation; empty means local
	FirstRunDelay time.Duration // delay before the accelerated startup run; <0 disables it
	RunTimeout    time.Duration // per-cycle deadline; 0 means none
	HistorySize   int
}

// Trigger labels for run history.
const (
	TriggerSchedule = "schedule"
	TriggerManual   = "manual"
	TriggerStartup  = "startup"
)

// Run is one completed (or skipped) cycle.
type Run struct {
	Seq      uint64
	Trigger  string
	Started  time.Time
	Duration time.Duration
	Skipped  bool // dropped by the overlap guard, job never ran
	Err      string
}

type Status struct {
	Running  bool // a cycle is in flight right now
	Schedule string
	Next     time.Time
	Seq      uint64
	Dropped  uint64
	History  []Run // newest first
}

type Service struct {
	cfg Config
	job Job
	log logx.Logger
	bus eventbus.Bus

	parser cron.Parser

	mu    sync.Mutex
	c     *cron.Cron
	entry cron.EntryID
	wg    sync.WaitGroup // in-flight cycle + pending first run

	// overlap guard; manual and scheduled triggers share it
	runMu   sync.Mutex
	running bool

	dropped atomic.Uint64
	seq     atomic.Uint64

	histMu  sync.Mutex
	history []Run

	tmu    sync.Mutex
	timers map[string]*time.Timer
}

// defaultFirstRunDelay keeps startup snappy: the first cycle fires almost
// immediately instead of waiting out a full schedule period.
const defaultFirstRunDelay = time.Second

func New(cfg Config, job Job, bus eventbus.Bus, log logx.Logger) *Service {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 32
	}
	if cfg.FirstRunDelay == 0 {
		cfg.FirstRunDelay = defaultFirstRunDelay
	}
	return &Service{
		cfg: cfg,
		job: job,
		bus: bus,
		log: log,
		// SecondOptional allows both 5-field and 6-field cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		timers: map[string]*time.Timer{},
	}
}

// Start parses the schedule and begins triggering. Starting an already
// started service is an error.
func (s *Service) Start(ctx context.Context) error {
	_ = ctx

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return ErrAlreadyRunning
	}

	spec, err := ParseSchedule(s.cfg.Schedule)
	if err != nil {
		return err
	}
	loc := time.Local
	if tz := s.cfg.Timezone; tz != "" {
		loc, err = time.LoadLocation(tz)
		if err != nil {
			return fmt.Errorf("timezone %q: %w", tz, err)
		}
	}

	c := cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	tick := func() { s.run(TriggerSchedule) }
	switch spec.Kind {
	case SpecCron:
		id, err := c.AddFunc(spec.Cron, tick)
		if err != nil {
			return fmt.Errorf("schedule %q: %w", s.cfg.Schedule, err)
		}
		s.entry = id
	case SpecInterval:
		s.entry = c.Schedule(cron.Every(spec.Every), cron.FuncJob(tick))
	}
	c.Start()
	s.c = c

	if s.cfg.FirstRunDelay >= 0 {
		s.wg.Add(1)
		s.After("startup", s.cfg.FirstRunDelay, func() {
			defer s.wg.Done()
			s.run(TriggerStartup)
		})
	}

	s.log.Info("scheduler started",
		logx.String("schedule", s.cfg.Schedule),
		logx.String("tz", loc.String()))
	return nil
}

// Stop halts triggering and waits for the in-flight cycle to finish, up to
// ctx's deadline. The running cycle is never cancelled by Stop itself.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return nil
	}

	s.tmu.Lock()
	for name, t := range s.timers {
		// Stop reports whether the timer had not fired yet; only then does
		// the startup slot in the wait group need releasing here.
		if t.Stop() && name == "startup" {
			s.wg.Done()
		}
	}
	s.timers = map[string]*time.Timer{}
	s.tmu.Unlock()

	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		return ctx.Err()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.log.Info("scheduler stopped")
	return nil
}

// TriggerManual runs one cycle now, sharing the overlap guard with the
// schedule. If a cycle is already running it returns a Skipped report and
// ErrOverlap without waiting. The cycle runs synchronously; the returned
// error is the job's.
func (s *Service) TriggerManual(ctx context.Context) (Run, error) {
	s.mu.Lock()
	started := s.c != nil
	s.mu.Unlock()
	if !started {
		return Run{}, ErrNotStarted
	}
	if !s.tryBegin() {
		s.dropped.Add(1)
		return Run{Trigger: TriggerManual, Skipped: true}, ErrOverlap
	}
	defer s.end()
	return s.execute(ctx, TriggerManual)
}

// run is the scheduled/startup entry point.
func (s *Service) run(trigger string) {
	if !s.tryBegin() {
		n := s.dropped.Add(1)
		s.log.Warn("cycle tick dropped, previous cycle still running",
			logx.String("trigger", trigger),
			logx.Uint64("dropped_total", n))
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeCycleSkipped, Data: trigger})
		return
	}
	defer s.end()

	s.wg.Add(1)
	defer s.wg.Done()
	_, _ = s.execute(context.Background(), trigger)
}

func (s *Service) execute(ctx context.Context, trigger string) (Run, error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("cycle panic", logx.String("trigger", trigger), logx.Any("panic", r))
		}
	}()

	if s.cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.RunTimeout)
		defer cancel()
	}

	run := Run{
		Seq:     s.seq.Add(1),
		Trigger: trigger,
		Started: time.Now(),
	}
	err := s.job(ctx)
	run.Duration = time.Since(run.Started)
	if err != nil {
		run.Err = err.Error()
	}
	s.record(run)
	return run, err
}

func (s *Service) tryBegin() bool {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.running {
		return false
	}
	s.running = true
	return true
}

func (s *Service) end() {
	s.runMu.Lock()
	s.running = false
	s.runMu.Unlock()
}

func (s *Service) record(run Run) {
	s.histMu.Lock()
	defer s.histMu.Unlock()
	s.history = append(s.history, run)
	if over := len(s.history) - s.cfg.HistorySize; over > 0 {
		s.history = s.history[over:]
	}
}

// After schedules a named cancellable one-shot. Scheduling under an
// existing name replaces the earlier timer.
func (s *Service) After(name string, delay time.Duration, fn func()) {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	if t, ok := s.timers[name]; ok {
		t.Stop()
	}
	s.timers[name] = time.AfterFunc(delay, func() {
		s.tmu.Lock()
		delete(s.timers, name)
		s.tmu.Unlock()
		fn()
	})
}

// Cancel stops a pending one-shot. It reports whether one was pending.
func (s *Service) Cancel(name string) bool {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	t, ok := s.timers[name]
	if !ok {
		return false
	}
	t.Stop()
	delete(s.timers, name)
	return true
}

func (s *Service) Status() Status {
	snap := Status{
		Schedule: s.cfg.Schedule,
		Seq:      s.seq.Load(),
		Dropped:  s.dropped.Load(),
	}

	s.runMu.Lock()
	snap.Running = s.running
	s.runMu.Unlock()

	s.mu.Lock()
	if s.c != nil {
		snap.Next = s.c.Entry(s.entry).Next
	}
	s.mu.Unlock()

	s.histMu.Lock()
	snap.History = make([]Run, 0, len(s.history))
	for i := len(s.history) - 1; i >= 0; i-- {
		snap.History = append(snap.History, s.history[i])
	}
	s.histMu.Unlock()
	return snap
}
