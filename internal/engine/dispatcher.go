package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"alertbot/internal/dedup"
	"alertbot/internal/format"
	"alertbot/internal/kit"
	"alertbot/internal/market"
	"alertbot/pkg/logx"
)

// ErrGatewaySendFailed marks a delivery the messaging gateway rejected.
// Wrapped errors carry the underlying cause.
var ErrGatewaySendFailed = errors.New("gateway send failed")

// Dispatcher fans one filtered batch out to a recipient's user chat and
// bound groups. All dispatchers created from one limiter share the global
// send pace; per-message failures never abort the rest of the batch.
type Dispatcher struct {
	adapter kit.Adapter
	store   dedup.Store
	limiter *rate.Limiter
	log     logx.Logger
}

func NewDispatcher(adapter kit.Adapter, store dedup.Store, limiter *rate.Limiter, log logx.Logger) *Dispatcher {
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Limit(20), 5)
	}
	return &Dispatcher{adapter: adapter, store: store, limiter: limiter, log: log}
}

// DeliveryStats counts outcomes for one recipient across all their targets.
type DeliveryStats struct {
	Sent       int
	Failed     int
	Suppressed int
}

func (s *DeliveryStats) add(o DeliveryStats) {
	s.Sent += o.Sent
	s.Failed += o.Failed
	s.Suppressed += o.Suppressed
}

// failure is reported to the optional callback for each message the
// gateway rejected.
type failure struct {
	Scope string
	Cat   market.Category
	Err   error
}

// Deliver sends the batch to the recipient's user chat and every bound
// group. Each target keeps its own dedup scope, so a group freshly bound
// to a long-running user still receives content the user already saw.
func (d *Dispatcher) Deliver(ctx context.Context, rec Recipient, batch market.Batch, onFail func(failure)) (DeliveryStats, error) {
	var stats DeliveryStats

	type target struct {
		scope string
		chat  kit.ChatTarget
	}
	targets := make([]target, 0, 1+len(rec.Groups))
	targets = append(targets, target{userScope(rec.ID), rec.User})
	for _, grp := range rec.Groups {
		targets = append(targets, target{groupScope(grp), grp})
	}

	for _, tgt := range targets {
		s, err := d.deliverScope(ctx, tgt.scope, tgt.chat, batch, onFail)
		stats.add(s)
		if err != nil {
			return stats, err
		}
	}
	return stats, nil
}

// deliverScope handles one physical target. The only hard errors are
// context cancellation and dedup store failures; gateway rejections are
// counted and skipped so a dead group cannot starve the user's DM.
func (d *Dispatcher) deliverScope(ctx context.Context, scope string, chat kit.ChatTarget, batch market.Batch, onFail func(failure)) (DeliveryStats, error) {
	var stats DeliveryStats
	for _, cat := range market.Categories() {
		items := batch.ByCategory(cat)
		if len(items) == 0 {
			continue
		}

		fps := make([]string, len(items))
		byFP := make(map[string]market.Item, len(items))
		for i, it := range items {
			fps[i] = it.Fingerprint()
			byFP[fps[i]] = it
		}

		fresh, err := d.store.FilterNew(ctx, scope, cat, fps)
		if err != nil {
			return stats, fmt.Errorf("dedup filter %s/%s: %w", scope, cat, err)
		}
		stats.Suppressed += len(fps) - len(fresh)

		confirmed := make([]string, 0, len(fresh))
		for _, fp := range fresh {
			it, ok := byFP[fp]
			if !ok {
				continue
			}
			if err := d.limiter.Wait(ctx); err != nil {
				// Cancelled mid-batch: record what already went out.
				d.mark(scope, cat, confirmed)
				return stats, err
			}
			if _, err := d.adapter.SendText(ctx, chat, format.Render(it), &kit.SendOptions{DisablePreview: true}); err != nil {
				stats.Failed++
				werr := fmt.Errorf("%w: %v", ErrGatewaySendFailed, err)
				d.log.Warn("send failed",
					logx.String("scope", scope),
					logx.String("category", string(cat)),
					logx.Err(werr))
				if onFail != nil {
					onFail(failure{Scope: scope, Cat: cat, Err: werr})
				}
				continue
			}
			stats.Sent++
			confirmed = append(confirmed, fp)
		}

		// Only confirmed sends become dedup records; failed items stay
		// eligible for the next cycle.
		d.mark(scope, cat, confirmed)
	}
	return stats, nil
}

func (d *Dispatcher) mark(scope string, cat market.Category, fps []string) {
	if len(fps) == 0 {
		return
	}
	// Marking runs on a fresh context: a cancelled cycle must still not
	// resend what the gateway already accepted.
	ctx, cancel := context.WithTimeout(context.Background(), markTimeout)
	defer cancel()
	if err := d.store.MarkDelivered(ctx, scope, cat, fps); err != nil {
		d.log.Error("mark delivered failed",
			logx.String("scope", scope),
			logx.String("category", string(cat)),
			logx.Int("count", len(fps)),
			logx.Err(err))
	}
}

const markTimeout = 5 * time.Second

func userScope(id string) string { return "user:" + id }

func groupScope(t kit.ChatTarget) string {
	if t.ThreadID != 0 {
		return fmt.Sprintf("group:%d:%d", t.ChatID, t.ThreadID)
	}
	return fmt.Sprintf("group:%d", t.ChatID)
}
