package source

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"alertbot/internal/market"
	"alertbot/pkg/logx"
)

type staticTokens struct {
	token     string
	refreshed atomic.Int32
}

func (s *staticTokens) Token(ctx context.Context, id string) (string, error) { return s.token, nil }
func (s *staticTokens) Refresh(ctx context.Context, id string) (string, error) {
	s.refreshed.Add(1)
	return s.token + "-fresh", nil
}

const feedOK = `{
	"code": 0,
	"data": {
		"settings": {"news": true, "large_transfer": true, "fund_flow": false},
		"content": {
			"news": [{"title": "ETF approved", "content": "spot ETF goes live", "ts": 1767225600}],
			"large_transfers": [{"symbol": "BTC", "amount": "$2,000,000", "from": "0xaa", "to": "0xbb", "ts": 1767225601}],
			"fund_flows": [
				{"symbol": "ETH", "net_flow": "1.2M", "direction": "out", "ts": 1767225602},
				{"symbol": "SOL", "inflow": "900K", "outflow": "2.5M", "ts": 1767225603}
			]
		}
	}
}`

func TestFetchDecodesAndNormalizes(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("auth header = %q", got)
		}
		if got := r.URL.Query().Get("uid"); got != "u1" {
			t.Errorf("uid = %q", got)
		}
		fmt.Fprint(w, feedOK)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, &staticTokens{token: "tok"}, logx.Nop())
	settings, batch, err := c.Fetch(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if !settings.News || !settings.Transfer || settings.FundFlow {
		t.Fatalf("settings = %+v", settings)
	}
	if len(batch.News) != 1 || len(batch.Transfers) != 1 || len(batch.FundFlows) != 2 {
		t.Fatalf("batch sizes = %d/%d/%d", len(batch.News), len(batch.Transfers), len(batch.FundFlows))
	}

	// Current fund-flow shape passes through.
	if ff := batch.FundFlows[0]; ff.Amount != "1.2M" || ff.Direction != "out" {
		t.Fatalf("fund flow[0] = %+v", ff)
	}
	// Legacy shape resolves to the dominant side.
	if ff := batch.FundFlows[1]; ff.Amount != "2.5M" || ff.Direction != "out" {
		t.Fatalf("fund flow[1] = %+v", ff)
	}
	if batch.Transfers[0].Category != market.CategoryTransfer {
		t.Fatalf("transfer category = %s", batch.Transfers[0].Category)
	}
}

func TestFetchAuthRetryOnce(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fmt.Fprint(w, feedOK)
	}))
	defer srv.Close()

	tp := &staticTokens{token: "tok"}
	c := NewClient(srv.URL, time.Second, tp, logx.Nop())
	if _, _, err := c.Fetch(context.Background(), "u1"); err != nil {
		t.Fatalf("Fetch after refresh: %v", err)
	}
	if got := tp.refreshed.Load(); got != 1 {
		t.Fatalf("refresh count = %d, want 1", got)
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("feed calls = %d, want 2", got)
	}
}

func TestFetchAuthRetryGivesUpAfterSecondFailure(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, &staticTokens{token: "tok"}, logx.Nop())
	_, _, err := c.Fetch(context.Background(), "u1")
	if !errors.Is(err, ErrAuthExpired) {
		t.Fatalf("err = %v, want ErrAuthExpired", err)
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("feed calls = %d, want exactly 2 (one retry)", got)
	}
}

func TestFetchInBandAuthCode(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			fmt.Fprint(w, `{"code": 401, "msg": "token expired"}`)
			return
		}
		fmt.Fprint(w, feedOK)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, &staticTokens{token: "tok"}, logx.Nop())
	if _, _, err := c.Fetch(context.Background(), "u1"); err != nil {
		t.Fatalf("in-band auth code not retried: %v", err)
	}
}

func TestFetchErrorTaxonomy(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("uid") {
		case "garbled":
			fmt.Fprint(w, `{"code": 0, "data": {`)
		case "down":
			w.WriteHeader(http.StatusBadGateway)
		default:
			fmt.Fprint(w, `{"code": 7, "msg": "maintenance"}`)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, &staticTokens{token: "tok"}, logx.Nop())

	if _, _, err := c.Fetch(context.Background(), "garbled"); !errors.Is(err, ErrMalformedContent) {
		t.Fatalf("garbled: %v, want ErrMalformedContent", err)
	}
	if _, _, err := c.Fetch(context.Background(), "down"); !errors.Is(err, ErrUpstreamUnavailable) {
		t.Fatalf("down: %v, want ErrUpstreamUnavailable", err)
	}
	if _, _, err := c.Fetch(context.Background(), "other"); !errors.Is(err, ErrUpstreamUnavailable) {
		t.Fatalf("nonzero code: %v, want ErrUpstreamUnavailable", err)
	}
}

func TestLegacyFundFlowAmbiguityRetained(t *testing.T) {
	t.Parallel()
	f := wireFundFlow{Symbol: "DOGE", Inflow: "unknown", TS: 1}
	it, ok := f.normalize()
	if !ok {
		t.Fatal("unparsable inflow must still be retained")
	}
	if it.Amount != "unknown" || it.Direction != "in" {
		t.Fatalf("item = %+v", it)
	}

	if _, ok := (wireFundFlow{Symbol: "X"}).normalize(); ok {
		t.Fatal("empty fund flow should be dropped")
	}
}
