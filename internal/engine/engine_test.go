package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"alertbot/internal/dedup"
	"alertbot/internal/eventbus"
	"alertbot/internal/kit"
	"alertbot/internal/market"
	"alertbot/internal/source"
	"alertbot/pkg/logx"
)

// fakeSource serves canned per-recipient settings and batches.
type fakeSource struct {
	mu      sync.Mutex
	feeds   map[string]feed
	fetches map[string]int
}

type feed struct {
	settings market.Settings
	batch    market.Batch
	err      error
}

func newFakeSource() *fakeSource {
	return &fakeSource{feeds: map[string]feed{}, fetches: map[string]int{}}
}

func (s *fakeSource) set(id string, settings market.Settings, batch market.Batch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.feeds[id] = feed{settings: settings, batch: batch}
}

func (s *fakeSource) fail(id string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.feeds[id] = feed{err: err}
}

func (s *fakeSource) Fetch(_ context.Context, id string) (market.Settings, market.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetches[id]++
	f, ok := s.feeds[id]
	if !ok {
		return market.Settings{}, market.Batch{}, source.ErrUpstreamUnavailable
	}
	return f.settings, f.batch, f.err
}

func newTestEngine(t *testing.T, src Source) (*Engine, *Registry, *fakeAdapter, eventbus.Bus) {
	t.Helper()
	reg := NewRegistry()
	fa := &fakeAdapter{}
	bus := eventbus.New()
	disp := NewDispatcher(fa, dedup.NewMemory(time.Hour), fastLimiter(), logx.Nop())
	return New(reg, src, disp, bus, 2, logx.Nop()), reg, fa, bus
}

func TestRunCycleFanOut(t *testing.T) {
	t.Parallel()
	src := newFakeSource()
	src.set("u1", market.Settings{News: true, Transfer: true}, market.Batch{
		News: []market.Item{{Category: market.CategoryNews, Title: "headline", Time: time.Unix(1700000000, 0)}},
		Transfers: []market.Item{
			{Category: market.CategoryTransfer, Symbol: "BTC", Amount: "2.5M", From: "a", To: "b", Time: time.Unix(1700000000, 0)},
			{Category: market.CategoryTransfer, Symbol: "ETH", Amount: "500K", From: "a", To: "b", Time: time.Unix(1700000000, 0)},
		},
	})
	eng, reg, fa, _ := newTestEngine(t, src)
	reg.Add(Recipient{
		ID:       "u1",
		User:     kit.ChatTarget{ChatID: 100},
		Groups:   []kit.ChatTarget{{ChatID: -200}},
		Settings: market.AllEnabled(),
	})

	rep, err := eng.RunCycle(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	// 1 news + 1 transfer above the floor, to the user chat and one group.
	if rep.Sent != 4 || rep.SendErrs != 0 || rep.FetchErrs != 0 {
		t.Fatalf("report = %+v", rep)
	}
	if fa.sentTo(100) != 2 || fa.sentTo(-200) != 2 {
		t.Fatalf("user got %d, group got %d, want 2/2", fa.sentTo(100), fa.sentTo(-200))
	}

	// Same upstream content again: fully suppressed.
	rep, err = eng.RunCycle(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if rep.Sent != 0 || rep.Suppressed != 4 {
		t.Fatalf("second cycle report = %+v", rep)
	}
}

func TestRunCycleIsolatesRecipientFailures(t *testing.T) {
	t.Parallel()
	src := newFakeSource()
	batch := market.Batch{News: []market.Item{{Category: market.CategoryNews, Title: "n", Time: time.Unix(1700000000, 0)}}}
	src.set("ok1", market.Settings{News: true}, batch)
	src.fail("broken", source.ErrAuthExpired)
	src.set("ok2", market.Settings{News: true}, batch)

	eng, reg, fa, _ := newTestEngine(t, src)
	reg.Add(Recipient{ID: "ok1", User: kit.ChatTarget{ChatID: 1}, Settings: market.AllEnabled()})
	reg.Add(Recipient{ID: "broken", User: kit.ChatTarget{ChatID: 2}, Settings: market.AllEnabled()})
	reg.Add(Recipient{ID: "ok2", User: kit.ChatTarget{ChatID: 3}, Settings: market.AllEnabled()})

	rep, err := eng.RunCycle(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if rep.FetchErrs != 1 || rep.Fetched != 2 {
		t.Fatalf("report = %+v", rep)
	}
	if fa.sentTo(1) != 1 || fa.sentTo(3) != 1 {
		t.Fatal("healthy recipients were not delivered")
	}
	if fa.sentTo(2) != 0 {
		t.Fatal("broken recipient received sends")
	}
}

func TestRunCycleSelfHealsDisabledRecipient(t *testing.T) {
	t.Parallel()
	src := newFakeSource()
	src.set("gone", market.Settings{}, market.Batch{
		News: []market.Item{{Category: market.CategoryNews, Title: "n"}},
	})
	eng, reg, fa, _ := newTestEngine(t, src)
	reg.Add(Recipient{ID: "gone", User: kit.ChatTarget{ChatID: 9}, Settings: market.AllEnabled()})

	rep, err := eng.RunCycle(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if rep.Removed != 1 {
		t.Fatalf("removed = %d, want 1", rep.Removed)
	}
	if reg.Len() != 0 {
		t.Fatal("recipient still on the roster")
	}
	if len(fa.sent()) != 0 {
		t.Fatal("disabled recipient received sends")
	}

	// Next cycle skips them entirely.
	rep, _ = eng.RunCycle(context.Background())
	if rep.Recipients != 0 {
		t.Fatalf("recipients = %d, want 0", rep.Recipients)
	}
	src.mu.Lock()
	defer src.mu.Unlock()
	if src.fetches["gone"] != 1 {
		t.Fatalf("fetches = %d, want 1", src.fetches["gone"])
	}
}

func TestRunCyclePublishesEvents(t *testing.T) {
	t.Parallel()
	src := newFakeSource()
	src.set("u1", market.Settings{News: true}, market.Batch{
		News: []market.Item{{Category: market.CategoryNews, Title: "n", Time: time.Unix(1700000000, 0)}},
	})
	eng, reg, fa, bus := newTestEngine(t, src)
	fa.failFor = map[int64]error{100: errors.New("blocked by user")}
	reg.Add(Recipient{ID: "u1", User: kit.ChatTarget{ChatID: 100}, Settings: market.AllEnabled()})

	events, unsub := bus.Subscribe(16)
	defer unsub()

	if _, err := eng.RunCycle(context.Background()); err != nil {
		t.Fatal(err)
	}

	seen := map[string]int{}
	for {
		select {
		case e := <-events:
			seen[e.Type]++
			if seen[eventbus.TypeCycleFinished] > 0 {
				if seen[eventbus.TypeCycleStarted] != 1 || seen[eventbus.TypeDeliveryFailed] != 1 {
					t.Fatalf("events = %v", seen)
				}
				return
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for events, saw %v", seen)
		}
	}
}

// flakyStore fails FilterNew for one scope and defers the rest to a real
// in-memory store.
type flakyStore struct {
	dedup.Store
	failScope string
	err       error
}

func (s *flakyStore) FilterNew(ctx context.Context, scope string, cat market.Category, fps []string) ([]string, error) {
	if scope == s.failScope {
		return nil, s.err
	}
	return s.Store.FilterNew(ctx, scope, cat, fps)
}

func TestRunCycleCountsStoreErrors(t *testing.T) {
	t.Parallel()
	src := newFakeSource()
	batch := market.Batch{News: []market.Item{{Category: market.CategoryNews, Title: "n", Time: time.Unix(1700000000, 0)}}}
	src.set("u1", market.Settings{News: true}, batch)
	src.set("u2", market.Settings{News: true}, batch)

	reg := NewRegistry()
	fa := &fakeAdapter{}
	store := &flakyStore{
		Store:     dedup.NewMemory(time.Hour),
		failScope: userScope("u1"),
		err:       errors.New("database is locked"),
	}
	disp := NewDispatcher(fa, store, fastLimiter(), logx.Nop())
	eng := New(reg, src, disp, eventbus.New(), 2, logx.Nop())
	reg.Add(Recipient{ID: "u1", User: kit.ChatTarget{ChatID: 1}, Settings: market.AllEnabled()})
	reg.Add(Recipient{ID: "u2", User: kit.ChatTarget{ChatID: 2}, Settings: market.AllEnabled()})

	rep, err := eng.RunCycle(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if rep.StoreErrs != 1 {
		t.Fatalf("store errors = %d, want 1; report = %+v", rep.StoreErrs, rep)
	}
	if fa.sentTo(2) != 1 || fa.sentTo(1) != 0 {
		t.Fatalf("sent u1=%d u2=%d, want 0/1", fa.sentTo(1), fa.sentTo(2))
	}

	_, totals := eng.LastReport()
	if totals.StoreErrs != 1 {
		t.Fatalf("totals = %+v", totals)
	}
}

func TestRunCycleHonorsLocalToggles(t *testing.T) {
	t.Parallel()
	src := newFakeSource()
	src.set("u1", market.AllEnabled(), market.Batch{
		News:      []market.Item{{Category: market.CategoryNews, Title: "n", Time: time.Unix(1700000000, 0)}},
		FundFlows: []market.Item{{Category: market.CategoryFundFlow, Symbol: "BTC", Amount: "5M", Direction: "in", Time: time.Unix(1700000000, 0)}},
	})
	eng, reg, fa, _ := newTestEngine(t, src)
	// Fund flow muted locally even though upstream has it enabled.
	reg.Add(Recipient{ID: "u1", User: kit.ChatTarget{ChatID: 100}, Settings: market.Settings{News: true}})

	rep, err := eng.RunCycle(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if rep.Sent != 1 {
		t.Fatalf("sent = %d, want 1", rep.Sent)
	}
	if fa.sentTo(100) != 1 {
		t.Fatalf("user got %d messages, want 1", fa.sentTo(100))
	}
}

func TestLastReportAccumulatesTotals(t *testing.T) {
	t.Parallel()
	src := newFakeSource()
	src.set("u1", market.Settings{News: true}, market.Batch{
		News: []market.Item{{Category: market.CategoryNews, Title: "n", Time: time.Unix(1700000000, 0)}},
	})
	eng, reg, _, _ := newTestEngine(t, src)
	reg.Add(Recipient{ID: "u1", User: kit.ChatTarget{ChatID: 100}, Settings: market.AllEnabled()})

	if _, err := eng.RunCycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := eng.RunCycle(context.Background()); err != nil {
		t.Fatal(err)
	}

	last, totals := eng.LastReport()
	if totals.Cycles != 2 || totals.Sent != 1 {
		t.Fatalf("totals = %+v", totals)
	}
	if last.RunID == "" || last.Sent != 0 {
		t.Fatalf("last = %+v", last)
	}
}
