// Package explorer reads address activity from an Etherscan-compatible
// block explorer API.
package explorer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/whale-analyst/internal/resilience"
)

const (
	defaultBaseURL    = "https://api.etherscan.io/v2/api"
	defaultRecentSize = 25
	maxErrorBody      = 512
)

// ErrUnsupportedChain is returned for chains without a known chain id.
var ErrUnsupportedChain = eris.New("explorer: unsupported chain")

var chainIDs = map[string]int{
	"ethereum": 1,
	"optimism": 10,
	"bsc":      56,
	"polygon":  137,
	"base":     8453,
	"arbitrum": 42161,
}

// Transfer is one transaction touching an address.
type Transfer struct {
	Hash        string    `json:"hash"`
	From        string    `json:"from"`
	To          string    `json:"to"`
	ValueWei    string    `json:"value_wei"`
	BlockNumber int64     `json:"block_number"`
	Timestamp   time.Time `json:"timestamp"`
	Failed      bool      `json:"failed,omitempty"`
}

// AddressHistory summarizes an address's on-chain activity.
type AddressHistory struct {
	Address string `json:"address"`
	Chain   string `json:"chain"`
	// TxCount is the number of transactions sent by the address.
	TxCount  int        `json:"tx_count"`
	Recent   []Transfer `json:"recent"`
	LastSeen time.Time  `json:"last_seen,omitempty"`
}

// Client looks up address activity.
type Client interface {
	AddressHistory(ctx context.Context, chain, address string) (*AddressHistory, error)
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL overrides the default API base URL. Empty keeps the default.
func WithBaseURL(u string) Option {
	return func(c *httpClient) {
		if u != "" {
			c.baseURL = strings.TrimRight(u, "/")
		}
	}
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) { c.http = hc }
}

// WithRate sets the initial request rate per second.
func WithRate(perSec float64) Option {
	return func(c *httpClient) {
		if perSec > 0 {
			c.limiter = NewAdaptiveLimiter(rate.Limit(perSec), max(1, int(perSec)))
		}
	}
}

// WithRecentSize sets how many recent transactions are fetched.
func WithRecentSize(n int) Option {
	return func(c *httpClient) {
		if n > 0 {
			c.recent = n
		}
	}
}

// WithRetry overrides the retry policy for one lookup.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(c *httpClient) { c.retry = cfg }
}

type httpClient struct {
	apiKey  string
	baseURL string
	recent  int
	http    *http.Client
	limiter *AdaptiveLimiter
	retry   resilience.RetryConfig
}

// NewClient creates an explorer client. The free tier allows 5 calls/sec.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		recent:  defaultRecentSize,
		http:    &http.Client{Timeout: 10 * time.Second},
		limiter: NewAdaptiveLimiter(5, 5),
		retry: resilience.RetryConfig{
			MaxAttempts:    2,
			InitialBackoff: 250 * time.Millisecond,
			MaxBackoff:     time.Second,
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type envelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

type txItem struct {
	Hash        string `json:"hash"`
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	BlockNumber string `json:"blockNumber"`
	TimeStamp   string `json:"timeStamp"`
	IsError     string `json:"isError"`
}

func (c *httpClient) AddressHistory(ctx context.Context, chain, address string) (*AddressHistory, error) {
	chainID, ok := chainIDs[strings.ToLower(chain)]
	if !ok {
		return nil, eris.Wrapf(ErrUnsupportedChain, "chain %q", chain)
	}
	address = strings.ToLower(strings.TrimSpace(address))

	count, err := c.txCount(ctx, chainID, address)
	if err != nil {
		return nil, err
	}
	recent, err := c.txList(ctx, chainID, address)
	if err != nil {
		return nil, err
	}

	h := &AddressHistory{Address: address, Chain: strings.ToLower(chain), TxCount: count, Recent: recent}
	for _, tx := range recent {
		if tx.Timestamp.After(h.LastSeen) {
			h.LastSeen = tx.Timestamp
		}
	}
	return h, nil
}

func (c *httpClient) txCount(ctx context.Context, chainID int, address string) (int, error) {
	params := url.Values{
		"module":  {"proxy"},
		"action":  {"eth_getTransactionCount"},
		"address": {address},
		"tag":     {"latest"},
	}
	env, err := c.get(ctx, chainID, params)
	if err != nil {
		return 0, eris.Wrap(err, "explorer: tx count")
	}

	var hex string
	if err := json.Unmarshal(env.Result, &hex); err != nil {
		return 0, eris.Wrap(err, "explorer: decode tx count")
	}
	n, err := strconv.ParseInt(strings.TrimPrefix(hex, "0x"), 16, 64)
	if err != nil {
		return 0, eris.Wrapf(err, "explorer: parse tx count %q", hex)
	}
	return int(n), nil
}

func (c *httpClient) txList(ctx context.Context, chainID int, address string) ([]Transfer, error) {
	params := url.Values{
		"module":  {"account"},
		"action":  {"txlist"},
		"address": {address},
		"page":    {"1"},
		"offset":  {strconv.Itoa(c.recent)},
		"sort":    {"desc"},
	}
	env, err := c.get(ctx, chainID, params)
	if err != nil {
		return nil, eris.Wrap(err, "explorer: tx list")
	}

	var items []txItem
	if err := json.Unmarshal(env.Result, &items); err != nil {
		return nil, eris.Wrap(err, "explorer: decode tx list")
	}

	out := make([]Transfer, 0, len(items))
	for _, it := range items {
		block, _ := strconv.ParseInt(it.BlockNumber, 10, 64)
		ts, _ := strconv.ParseInt(it.TimeStamp, 10, 64)
		out = append(out, Transfer{
			Hash:        it.Hash,
			From:        it.From,
			To:          it.To,
			ValueWei:    it.Value,
			BlockNumber: block,
			Timestamp:   time.Unix(ts, 0).UTC(),
			Failed:      it.IsError == "1",
		})
	}
	return out, nil
}

// get performs one rate-limited, retried API call and unwraps the envelope.
func (c *httpClient) get(ctx context.Context, chainID int, params url.Values) (*envelope, error) {
	params.Set("chainid", strconv.Itoa(chainID))
	if c.apiKey != "" {
		params.Set("apikey", c.apiKey)
	}
	endpoint := c.baseURL + "?" + params.Encode()

	cfg := c.retry
	cfg.OnRetry = resilience.RetryLogger("explorer", params.Get("action"))
	return resilience.DoVal(ctx, cfg, func(ctx context.Context) (*envelope, error) {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "rate limiter wait")
		}
		return c.do(ctx, endpoint)
	})
}

func (c *httpClient) do(ctx context.Context, endpoint string) (*envelope, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, eris.Wrap(err, "create request")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(redactKey(err), "send request")
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "read response")
	}

	if resp.StatusCode != http.StatusOK {
		msg := string(body)
		if len(msg) > maxErrorBody {
			msg = msg[:maxErrorBody]
		}
		statusErr := fmt.Errorf("unexpected status %d: %s", resp.StatusCode, msg)
		if resp.StatusCode == http.StatusTooManyRequests {
			c.limiter.OnRateLimit()
		}
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			te := resilience.NewTransientError(statusErr, resp.StatusCode)
			if d, ok := resilience.ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now()); ok {
				te.RetryAfter = d
			}
			return nil, te
		}
		return nil, statusErr
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, eris.Wrap(err, "unmarshal response")
	}

	// Proxy calls answer JSON-RPC style without a status field.
	if env.Status == "0" {
		if strings.HasPrefix(env.Message, "No transactions found") {
			env.Result = json.RawMessage("[]")
			c.limiter.OnSuccess()
			return &env, nil
		}
		var detail string
		_ = json.Unmarshal(env.Result, &detail)
		apiErr := fmt.Errorf("api error: %s: %s", env.Message, detail)
		if strings.Contains(strings.ToLower(detail), "rate limit") {
			c.limiter.OnRateLimit()
			return nil, resilience.NewTransientError(apiErr, http.StatusTooManyRequests)
		}
		return nil, apiErr
	}

	c.limiter.OnSuccess()
	return &env, nil
}

// redactKey masks the apikey query parameter in a transport error so the
// key never reaches logs or job records. The *url.Error type is kept so
// timeout and network classification still work.
func redactKey(err error) error {
	var ue *url.Error
	if !errors.As(err, &ue) {
		return err
	}
	return &url.Error{Op: ue.Op, URL: redactURL(ue.URL), Err: ue.Err}
}

func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "[unparseable url]"
	}
	q := u.Query()
	if !q.Has("apikey") {
		return raw
	}
	q.Set("apikey", "REDACTED")
	u.RawQuery = q.Encode()
	return u.String()
}
