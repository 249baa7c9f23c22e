package engine

import (
	"sort"
	"sync"

	"alertbot/internal/kit"
	"alertbot/internal/market"
)

// Recipient is one registered user plus the group channels bound to them.
// The user chat and every bound group are separate physical delivery
// targets; they share one upstream fetch but dedup independently.
type Recipient struct {
	ID       string
	User     kit.ChatTarget
	Groups   []kit.ChatTarget
	Settings market.Settings
}

func (r Recipient) clone() Recipient {
	r.Groups = append([]kit.ChatTarget(nil), r.Groups...)
	return r
}

// Registry is the in-memory recipient roster. All methods are safe for
// concurrent use; List returns a snapshot so cycle iteration never races
// with command-driven mutation.
type Registry struct {
	mu   sync.RWMutex
	recs map[string]Recipient
}

func NewRegistry() *Registry {
	return &Registry{recs: map[string]Recipient{}}
}

// Add inserts or replaces a recipient.
func (g *Registry) Add(rec Recipient) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.recs[rec.ID] = rec.clone()
}

// Remove deletes a recipient. Removing an unknown id is a no-op.
func (g *Registry) Remove(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.recs[id]; !ok {
		return false
	}
	delete(g.recs, id)
	return true
}

func (g *Registry) Get(id string) (Recipient, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	rec, ok := g.recs[id]
	if !ok {
		return Recipient{}, false
	}
	return rec.clone(), true
}

// List returns the roster snapshot in stable id order.
func (g *Registry) List() []Recipient {
	g.mu.RLock()
	out := make([]Recipient, 0, len(g.recs))
	for _, rec := range g.recs {
		out = append(out, rec.clone())
	}
	g.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (g *Registry) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.recs)
}

// SetCategory flips one category toggle. The recipient must exist.
func (g *Registry) SetCategory(id string, c market.Category, on bool) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	rec, ok := g.recs[id]
	if !ok {
		return false
	}
	rec.Settings.Set(c, on)
	g.recs[id] = rec
	return true
}

// SetAll enables or disables every category at once.
func (g *Registry) SetAll(id string, on bool) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	rec, ok := g.recs[id]
	if !ok {
		return false
	}
	for _, c := range market.Categories() {
		rec.Settings.Set(c, on)
	}
	g.recs[id] = rec
	return true
}

// BindGroup attaches a group channel to the recipient. Binding an already
// bound chat updates its thread id in place.
func (g *Registry) BindGroup(id string, target kit.ChatTarget) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	rec, ok := g.recs[id]
	if !ok {
		return false
	}
	rec = rec.clone()
	for i, grp := range rec.Groups {
		if grp.ChatID == target.ChatID {
			rec.Groups[i] = target
			g.recs[id] = rec
			return true
		}
	}
	rec.Groups = append(rec.Groups, target)
	g.recs[id] = rec
	return true
}

// UnbindGroup detaches a group channel by chat id.
func (g *Registry) UnbindGroup(id string, chatID int64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	rec, ok := g.recs[id]
	if !ok {
		return false
	}
	rec = rec.clone()
	for i, grp := range rec.Groups {
		if grp.ChatID == chatID {
			rec.Groups = append(rec.Groups[:i], rec.Groups[i+1:]...)
			g.recs[id] = rec
			return true
		}
	}
	return false
}
