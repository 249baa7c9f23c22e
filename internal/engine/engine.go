// Package engine runs the push cycle: fetch per-recipient content from the
// market source, filter it against the recipient's settings, and fan it out
// to their user chat and bound groups with global send pacing.
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"alertbot/internal/eventbus"
	"alertbot/internal/market"
	"alertbot/internal/source"
	"alertbot/pkg/logx"
)

// Source is the upstream fetch boundary, satisfied by *source.Client.
type Source interface {
	Fetch(ctx context.Context, recipientID string) (market.Settings, market.Batch, error)
}

// CycleReport summarizes one completed cycle.
type CycleReport struct {
	RunID      string
	Started    time.Time
	Duration   time.Duration
	Recipients int
	Fetched    int
	FetchErrs  int
	Sent       int
	SendErrs   int
	StoreErrs  int // dedup store failures that aborted a recipient's delivery
	Suppressed int
	Removed    int // recipients self-healed out of the roster
}

// Totals accumulates report counters across cycles for status reporting.
type Totals struct {
	Cycles     int
	Sent       int
	SendErrs   int
	StoreErrs  int
	FetchErrs  int
	Suppressed int
}

type Engine struct {
	reg     *Registry
	src     Source
	disp    *Dispatcher
	bus     eventbus.Bus
	log     logx.Logger
	workers int

	mu     sync.Mutex
	last   CycleReport
	totals Totals
}

func New(reg *Registry, src Source, disp *Dispatcher, bus eventbus.Bus, workers int, log logx.Logger) *Engine {
	if workers <= 0 {
		workers = 4
	}
	return &Engine{reg: reg, src: src, disp: disp, bus: bus, log: log, workers: workers}
}

// RunCycle executes one full push pass over the current roster snapshot.
// Per-recipient failures are contained: one broken fetch or one dead chat
// never stops the other recipients.
func (e *Engine) RunCycle(ctx context.Context) (CycleReport, error) {
	recs := e.reg.List()
	rep := CycleReport{
		RunID:      uuid.NewString()[:8],
		Started:    time.Now(),
		Recipients: len(recs),
	}
	log := e.log.With(logx.String("run", rep.RunID))
	log.Debug("cycle started", logx.Int("recipients", len(recs)))
	e.bus.Publish(eventbus.Event{Type: eventbus.TypeCycleStarted, Data: CycleStarted{RunID: rep.RunID, Recipients: len(recs)}})

	var (
		mu   sync.Mutex
		wg   sync.WaitGroup
		jobs = make(chan Recipient)
	)
	workers := e.workers
	if workers > len(recs) && len(recs) > 0 {
		workers = len(recs)
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for rec := range jobs {
				res := e.runRecipient(ctx, rep.RunID, rec, log)
				mu.Lock()
				rep.Fetched += res.fetched
				rep.FetchErrs += res.fetchErrs
				rep.Sent += res.stats.Sent
				rep.SendErrs += res.stats.Failed
				rep.StoreErrs += res.storeErrs
				rep.Suppressed += res.stats.Suppressed
				rep.Removed += res.removed
				mu.Unlock()
			}
		}()
	}

feed:
	for _, rec := range recs {
		select {
		case jobs <- rec:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	rep.Duration = time.Since(rep.Started)
	e.recordReport(rep)
	e.bus.Publish(eventbus.Event{Type: eventbus.TypeCycleFinished, Data: rep})
	log.Info("cycle finished",
		logx.Int("fetched", rep.Fetched),
		logx.Int("fetch_errors", rep.FetchErrs),
		logx.Int("sent", rep.Sent),
		logx.Int("send_errors", rep.SendErrs),
		logx.Int("store_errors", rep.StoreErrs),
		logx.Int("suppressed", rep.Suppressed),
		logx.Int("removed", rep.Removed),
		logx.Duration("took", rep.Duration))
	return rep, ctx.Err()
}

type recipientResult struct {
	fetched   int
	fetchErrs int
	storeErrs int
	removed   int
	stats     DeliveryStats
}

func (e *Engine) runRecipient(ctx context.Context, runID string, rec Recipient, log logx.Logger) (res recipientResult) {
	defer func() {
		if r := recover(); r != nil {
			res.fetchErrs++
			log.Error("recipient cycle panic", logx.String("recipient", rec.ID), logx.Any("panic", r))
		}
	}()
	rlog := log.With(logx.String("recipient", rec.ID))

	settings, batch, err := e.src.Fetch(ctx, rec.ID)
	if err != nil {
		res.fetchErrs++
		switch {
		case errors.Is(err, source.ErrAuthExpired):
			rlog.Warn("fetch auth expired after refresh", logx.Err(err))
		case errors.Is(err, source.ErrMalformedContent):
			rlog.Warn("fetch returned malformed content", logx.Err(err))
		default:
			rlog.Warn("fetch failed", logx.Err(err))
		}
		return res
	}
	res.fetched++

	// Upstream settings are authoritative: a recipient who disabled every
	// category elsewhere drops off the roster here.
	if settings.AllDisabled() {
		if e.reg.Remove(rec.ID) {
			res.removed++
			rlog.Info("recipient removed, all categories disabled")
		}
		return res
	}

	// Local toggles narrow what upstream enabled; they never widen it.
	filtered := FilterBatch(market.Intersect(settings, rec.Settings), batch)
	if filtered.Total() == 0 {
		return res
	}

	stats, err := e.disp.Deliver(ctx, rec, filtered, func(f failure) {
		e.bus.Publish(eventbus.Event{Type: eventbus.TypeDeliveryFailed, Data: DeliveryFailed{
			RunID:     runID,
			Recipient: rec.ID,
			Scope:     f.Scope,
			Category:  string(f.Cat),
			Error:     f.Err.Error(),
		}})
	})
	res.stats = stats
	if err != nil && !errors.Is(err, context.Canceled) {
		res.storeErrs++
		rlog.Error("delivery aborted", logx.Err(err))
	}
	return res
}

func (e *Engine) recordReport(rep CycleReport) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.last = rep
	e.totals.Cycles++
	e.totals.Sent += rep.Sent
	e.totals.SendErrs += rep.SendErrs
	e.totals.StoreErrs += rep.StoreErrs
	e.totals.FetchErrs += rep.FetchErrs
	e.totals.Suppressed += rep.Suppressed
}

// LastReport returns the most recent cycle report and lifetime totals.
func (e *Engine) LastReport() (CycleReport, Totals) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last, e.totals
}

// Event payloads published on the bus.
type CycleStarted struct {
	RunID      string
	Recipients int
}

type DeliveryFailed struct {
	RunID     string
	Recipient string
	Scope     string
	Category  string
	Error     string
}
