// Package source talks to the upstream market-data API: per-recipient
// settings + content fetches and credential acquisition. All payload
// normalization (legacy fund-flow shapes, timestamps) happens here so the
// rest of the engine sees only market types.
package source

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"alertbot/internal/market"
	"alertbot/pkg/logx"
)

type Client struct {
	baseURL string
	http    *http.Client
	tokens  TokenProvider
	log     logx.Logger
}

func NewClient(baseURL string, timeout time.Duration, tokens TokenProvider, log logx.Logger) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		tokens:  tokens,
		log:     log,
	}
}

// Fetch retrieves the recipient's current settings and content batch,
// handling credential refresh through WithAuthRetry.
func (c *Client) Fetch(ctx context.Context, recipientID string) (market.Settings, market.Batch, error) {
	var (
		settings market.Settings
		batch    market.Batch
	)
	err := WithAuthRetry(ctx, c.tokens, recipientID, func(ctx context.Context, token string) error {
		var ferr error
		settings, batch, ferr = c.fetchOnce(ctx, recipientID, token)
		return ferr
	})
	return settings, batch, err
}

func (c *Client) fetchOnce(ctx context.Context, recipientID, token string) (market.Settings, market.Batch, error) {
	u := c.baseURL + "/v1/push/feed?uid=" + url.QueryEscape(recipientID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return market.Settings{}, market.Batch{}, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return market.Settings{}, market.Batch{}, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return market.Settings{}, market.Batch{}, ErrAuthExpired
	case resp.StatusCode/100 != 2:
		return market.Settings{}, market.Batch{}, fmt.Errorf("%w: feed status %d", ErrUpstreamUnavailable, resp.StatusCode)
	}

	var env feedEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return market.Settings{}, market.Batch{}, fmt.Errorf("%w: %v", ErrMalformedContent, err)
	}
	// Some upstream deployments report auth expiry in-band with HTTP 200.
	if env.Code == codeAuthExpired {
		return market.Settings{}, market.Batch{}, ErrAuthExpired
	}
	if env.Code != 0 {
		return market.Settings{}, market.Batch{}, fmt.Errorf("%w: feed code %d (%s)", ErrUpstreamUnavailable, env.Code, env.Msg)
	}

	return env.Data.Settings, env.Data.Content.normalize(c.log, recipientID), nil
}

const codeAuthExpired = 401

// ---- wire shapes ----

type feedEnvelope struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data struct {
		Settings market.Settings `json:"settings"`
		Content  wireContent     `json:"content"`
	} `json:"data"`
}

type wireContent struct {
	News      []wireNews     `json:"news"`
	Transfers []wireTransfer `json:"large_transfers"`
	FundFlows []wireFundFlow `json:"fund_flows"`
}

type wireNews struct {
	Title string `json:"title"`
	Body  string `json:"content"`
	TS    int64  `json:"ts"`
}

type wireTransfer struct {
	Symbol string `json:"symbol"`
	Amount string `json:"amount"`
	From   string `json:"from"`
	To     string `json:"to"`
	TS     int64  `json:"ts"`
}

// wireFundFlow covers both historical shapes:
//   - current: {"symbol","net_flow","direction","ts"}
//   - legacy:  {"symbol","inflow","outflow","ts"}
//
// The variant is resolved here, once; downstream only sees market.Item.
type wireFundFlow struct {
	Symbol    string `json:"symbol"`
	NetFlow   string `json:"net_flow"`
	Direction string `json:"direction"`
	Inflow    string `json:"inflow"`
	Outflow   string `json:"outflow"`
	TS        int64  `json:"ts"`
}

func (w wireContent) normalize(log logx.Logger, recipientID string) market.Batch {
	var b market.Batch
	for _, n := range w.News {
		if strings.TrimSpace(n.Title) == "" && strings.TrimSpace(n.Body) == "" {
			continue // MalformedContent policy: drop the item, keep the batch
		}
		b.News = append(b.News, market.Item{
			Category: market.CategoryNews,
			Title:    n.Title,
			Body:     n.Body,
			Time:     time.Unix(n.TS, 0).UTC(),
		})
	}
	for _, t := range w.Transfers {
		if strings.TrimSpace(t.Symbol) == "" {
			continue
		}
		b.Transfers = append(b.Transfers, market.Item{
			Category: market.CategoryTransfer,
			Symbol:   t.Symbol,
			Amount:   t.Amount,
			From:     t.From,
			To:       t.To,
			Time:     time.Unix(t.TS, 0).UTC(),
		})
	}
	for _, f := range w.FundFlows {
		it, ok := f.normalize()
		if !ok {
			log.Debug("fund flow item dropped (unrecognized shape)", logx.String("recipient", recipientID), logx.String("symbol", f.Symbol))
			continue
		}
		b.FundFlows = append(b.FundFlows, it)
	}
	return b
}

func (f wireFundFlow) normalize() (market.Item, bool) {
	if strings.TrimSpace(f.Symbol) == "" {
		return market.Item{}, false
	}
	it := market.Item{
		Category: market.CategoryFundFlow,
		Symbol:   f.Symbol,
		Time:     time.Unix(f.TS, 0).UTC(),
	}

	// Current shape wins when present.
	if strings.TrimSpace(f.NetFlow) != "" {
		it.Amount = f.NetFlow
		it.Direction = f.Direction
		if it.Direction == "" {
			it.Direction = "in"
		}
		return it, true
	}

	// Legacy shape: pick the dominant side. If neither amount parses, keep
	// whichever side is present (retain on ambiguity).
	in, inOK := market.ParseAmount(f.Inflow)
	out, outOK := market.ParseAmount(f.Outflow)
	switch {
	case inOK && outOK:
		if in >= out {
			it.Amount, it.Direction = f.Inflow, "in"
		} else {
			it.Amount, it.Direction = f.Outflow, "out"
		}
	case inOK:
		it.Amount, it.Direction = f.Inflow, "in"
	case outOK:
		it.Amount, it.Direction = f.Outflow, "out"
	case strings.TrimSpace(f.Inflow) != "":
		it.Amount, it.Direction = f.Inflow, "in"
	case strings.TrimSpace(f.Outflow) != "":
		it.Amount, it.Direction = f.Outflow, "out"
	default:
		return market.Item{}, false
	}
	return it, true
}
