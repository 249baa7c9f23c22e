// Package market defines the normalized alert content model: categories,
// per-recipient category settings, content items and their delivery
// fingerprints. Upstream payload quirks (legacy fund-flow shapes, amount
// notations) are resolved into these types at the source boundary so the
// filter, deduplicator and dispatcher all see one shape.
package market

import (
	"fmt"
	"hash/fnv"
	"strings"
	"time"
)

// Category identifies one alert stream a recipient can toggle.
type Category string

const (
	CategoryNews     Category = "news"
	CategoryTransfer Category = "large_transfer"
	CategoryFundFlow Category = "fund_flow"
)

// Categories returns all known categories in a stable order.
func Categories() []Category {
	return []Category{CategoryNews, CategoryTransfer, CategoryFundFlow}
}

func ParseCategory(s string) (Category, bool) {
	switch Category(strings.TrimSpace(strings.ToLower(s))) {
	case CategoryNews:
		return CategoryNews, true
	case CategoryTransfer:
		return CategoryTransfer, true
	case CategoryFundFlow:
		return CategoryFundFlow, true
	}
	return "", false
}

// Settings holds a recipient's per-category toggles.
type Settings struct {
	News     bool `json:"news"`
	Transfer bool `json:"large_transfer"`
	FundFlow bool `json:"fund_flow"`
}

func (s Settings) Enabled(c Category) bool {
	switch c {
	case CategoryNews:
		return s.News
	case CategoryTransfer:
		return s.Transfer
	case CategoryFundFlow:
		return s.FundFlow
	}
	return false
}

func (s Settings) AllDisabled() bool {
	return !s.News && !s.Transfer && !s.FundFlow
}

// AllEnabled is the default for newly registered recipients.
func AllEnabled() Settings {
	return Settings{News: true, Transfer: true, FundFlow: true}
}

// Intersect returns the settings enabled on both sides. Delivery honors
// upstream settings and the recipient's local toggles together.
func Intersect(a, b Settings) Settings {
	return Settings{
		News:     a.News && b.News,
		Transfer: a.Transfer && b.Transfer,
		FundFlow: a.FundFlow && b.FundFlow,
	}
}

func (s *Settings) Set(c Category, on bool) {
	switch c {
	case CategoryNews:
		s.News = on
	case CategoryTransfer:
		s.Transfer = on
	case CategoryFundFlow:
		s.FundFlow = on
	}
}

// Item is one alertable fact, already normalized.
//
// Fields are category-specific: news items carry Title/Body, transfers
// carry Symbol/Amount/From/To, fund flows carry Symbol/Amount/Direction.
type Item struct {
	Category Category

	Title string
	Body  string

	Symbol    string
	Amount    string // amount text as reported upstream ("1.5M", "2,000,000", ...)
	From      string
	To        string
	Direction string // fund flow: "in" or "out"

	Time time.Time // source-reported event time
}

// Fingerprint derives the dedup key from stable payload fields only.
// Two fetches of the same underlying event must produce the same value,
// so volatile fields (fetch time, formatting) are excluded.
func (it Item) Fingerprint() string {
	h := fnv.New64a()
	write := func(parts ...string) {
		for _, p := range parts {
			_, _ = h.Write([]byte(p))
			_, _ = h.Write([]byte{0})
		}
	}
	write(string(it.Category))
	switch it.Category {
	case CategoryNews:
		write(it.Title, it.Body)
	case CategoryTransfer:
		write(it.Symbol, it.Amount, it.From, it.To, it.Time.UTC().Format(time.RFC3339))
	case CategoryFundFlow:
		write(it.Symbol, it.Amount, it.Direction, it.Time.UTC().Format(time.RFC3339))
	default:
		write(it.Title, it.Symbol, it.Amount)
	}
	return fmt.Sprintf("%x", h.Sum64())
}

// Batch is the per-fetch content set, grouped by category.
type Batch struct {
	News      []Item
	Transfers []Item
	FundFlows []Item
}

func (b Batch) ByCategory(c Category) []Item {
	switch c {
	case CategoryNews:
		return b.News
	case CategoryTransfer:
		return b.Transfers
	case CategoryFundFlow:
		return b.FundFlows
	}
	return nil
}

func (b Batch) Total() int {
	return len(b.News) + len(b.Transfers) + len(b.FundFlows)
}
