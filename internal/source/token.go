package source

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"alertbot/pkg/logx"
)

// TokenProvider supplies per-recipient upstream access credentials.
// Token may return a cached value; Refresh must reacquire, bypassing any
// cache, and is invoked after the upstream signals an expired credential.
type TokenProvider interface {
	Token(ctx context.Context, recipientID string) (string, error)
	Refresh(ctx context.Context, recipientID string) (string, error)
}

// WithAuthRetry runs call with a credential from tp. On ErrAuthExpired it
// refreshes once and retries once; any other error (or a second auth
// failure) is returned as-is. This is the single retry-on-expiry path for
// every authenticated upstream call.
func WithAuthRetry(ctx context.Context, tp TokenProvider, recipientID string, call func(ctx context.Context, token string) error) error {
	tok, err := tp.Token(ctx, recipientID)
	if err != nil {
		return fmt.Errorf("acquire token: %w", err)
	}
	err = call(ctx, tok)
	if err == nil || !errors.Is(err, ErrAuthExpired) {
		return err
	}

	tok, rerr := tp.Refresh(ctx, recipientID)
	if rerr != nil {
		return fmt.Errorf("refresh token: %w", rerr)
	}
	return call(ctx, tok)
}

// TokenClient implements TokenProvider against the credential endpoint,
// caching tokens per recipient until shortly before their reported expiry.
type TokenClient struct {
	baseURL      string
	clientID     string
	clientSecret string
	http         *http.Client
	log          logx.Logger

	mu    sync.Mutex
	cache map[string]cachedToken

	now func() time.Time // test hook
}

type cachedToken struct {
	token   string
	expires time.Time
}

// expirySkew is subtracted from the reported lifetime so a token is never
// handed out moments before the upstream considers it dead.
const expirySkew = 30 * time.Second

func NewTokenClient(baseURL, clientID, clientSecret string, timeout time.Duration, log logx.Logger) *TokenClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &TokenClient{
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		clientID:     clientID,
		clientSecret: clientSecret,
		http:         &http.Client{Timeout: timeout},
		log:          log,
		cache:        map[string]cachedToken{},
		now:          time.Now,
	}
}

func (c *TokenClient) Token(ctx context.Context, recipientID string) (string, error) {
	c.mu.Lock()
	ct, ok := c.cache[recipientID]
	now := c.now()
	c.mu.Unlock()
	if ok && ct.token != "" && now.Before(ct.expires) {
		return ct.token, nil
	}
	return c.fetch(ctx, recipientID)
}

func (c *TokenClient) Refresh(ctx context.Context, recipientID string) (string, error) {
	c.mu.Lock()
	delete(c.cache, recipientID)
	c.mu.Unlock()
	c.log.Debug("token refresh forced", logx.String("recipient", recipientID))
	return c.fetch(ctx, recipientID)
}

func (c *TokenClient) fetch(ctx context.Context, recipientID string) (string, error) {
	payload, err := json.Marshal(struct {
		UID          string `json:"uid"`
		ClientID     string `json:"client_id,omitempty"`
		ClientSecret string `json:"client_secret,omitempty"`
	}{UID: recipientID, ClientID: c.clientID, ClientSecret: c.clientSecret})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/token", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return "", fmt.Errorf("%w: token endpoint status %d", ErrUpstreamUnavailable, resp.StatusCode)
	}

	var out struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
		Data struct {
			Token     string `json:"token"`
			ExpiresIn int    `json:"expires_in"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: token response: %v", ErrMalformedContent, err)
	}
	if out.Code != 0 || out.Data.Token == "" {
		return "", fmt.Errorf("%w: token endpoint code %d (%s)", ErrUpstreamUnavailable, out.Code, out.Msg)
	}

	ttl := time.Duration(out.Data.ExpiresIn) * time.Second
	if ttl > expirySkew {
		ttl -= expirySkew
	}
	c.mu.Lock()
	c.cache[recipientID] = cachedToken{token: out.Data.Token, expires: c.now().Add(ttl)}
	c.mu.Unlock()
	return out.Data.Token, nil
}
