package format

import (
	"strings"
	"testing"
	"time"

	"alertbot/internal/market"
)

func TestRenderNews(t *testing.T) {
	t.Parallel()
	got := Render(market.Item{
		Category: market.CategoryNews,
		Title:    "ETF approved",
		Body:     "spot ETF goes live",
		Time:     time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	if !strings.Contains(got, "ETF approved") || !strings.Contains(got, "spot ETF goes live") {
		t.Fatalf("news render missing content: %q", got)
	}
	if !strings.Contains(got, "2026-01-01") {
		t.Fatalf("news render missing time: %q", got)
	}
}

func TestRenderTransferShortensAddresses(t *testing.T) {
	t.Parallel()
	got := Render(market.Item{
		Category: market.CategoryTransfer,
		Symbol:   "btc",
		Amount:   "$2,000,000",
		From:     "bc1qxy2kgdygjrsqtzq2n0yrf2493p83kkfjhx0wlh",
		To:       "0xbb",
	})
	if !strings.Contains(got, "BTC") || !strings.Contains(got, "$2,000,000") {
		t.Fatalf("transfer render: %q", got)
	}
	if strings.Contains(got, "bc1qxy2kgdygjrsqtzq2n0yrf2493p83kkfjhx0wlh") {
		t.Fatalf("long address not shortened: %q", got)
	}
	if !strings.Contains(got, "..") {
		t.Fatalf("expected shortened address marker: %q", got)
	}
}

func TestRenderFundFlowDirections(t *testing.T) {
	t.Parallel()
	in := Render(market.Item{Category: market.CategoryFundFlow, Symbol: "ETH", Amount: "1.2M", Direction: "in"})
	out := Render(market.Item{Category: market.CategoryFundFlow, Symbol: "ETH", Amount: "1.2M", Direction: "out"})
	if !strings.Contains(in, "in: 1.2M") {
		t.Fatalf("inflow render: %q", in)
	}
	if !strings.Contains(out, "out: 1.2M") {
		t.Fatalf("outflow render: %q", out)
	}
	if in == out {
		t.Fatal("directions must render differently")
	}
}
