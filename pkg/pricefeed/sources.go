package pricefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

const (
	defaultCoinGeckoURL = "https://api.coingecko.com/api/v3"
	defaultCoinbaseURL  = "https://api.coinbase.com/v2"
)

// coinGeckoIDs maps symbols to CoinGecko coin ids.
var coinGeckoIDs = map[string]string{
	"ETH":   "ethereum",
	"WETH":  "weth",
	"BTC":   "bitcoin",
	"WBTC":  "wrapped-bitcoin",
	"BNB":   "binancecoin",
	"POL":   "polygon-ecosystem-token",
	"ARB":   "arbitrum",
	"OP":    "optimism",
	"LINK":  "chainlink",
	"UNI":   "uniswap",
	"AAVE":  "aave",
	"STETH": "staked-ether",
}

// SourceOption configures a source.
type SourceOption func(*httpSource)

// WithEndpoint overrides the API base URL. Empty keeps the default.
func WithEndpoint(u string) SourceOption {
	return func(s *httpSource) {
		if u != "" {
			s.baseURL = strings.TrimRight(u, "/")
		}
	}
}

// WithClient overrides the http.Client.
func WithClient(c *http.Client) SourceOption {
	return func(s *httpSource) { s.client = c }
}

type httpSource struct {
	baseURL string
	client  *http.Client
}

func newHTTPSource(base string, opts []SourceOption) httpSource {
	s := httpSource{baseURL: base, client: &http.Client{Timeout: 5 * time.Second}}
	for _, o := range opts {
		o(&s)
	}
	return s
}

func (s httpSource) getJSON(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return eris.Wrap(err, "create request")
	}
	req.Header.Set("Accept", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "send request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return eris.Wrap(err, "decode response")
	}
	return nil
}

// CoinGecko prices assets through /simple/price.
type CoinGecko struct {
	httpSource
}

// NewCoinGecko creates a CoinGecko source.
func NewCoinGecko(opts ...SourceOption) *CoinGecko {
	return &CoinGecko{httpSource: newHTTPSource(defaultCoinGeckoURL, opts)}
}

// Name returns the source identifier.
func (c *CoinGecko) Name() string { return "coingecko" }

// Price returns the USD price of asset.
func (c *CoinGecko) Price(ctx context.Context, asset string) (float64, error) {
	id, ok := coinGeckoIDs[strings.ToUpper(asset)]
	if !ok {
		return 0, eris.Errorf("coingecko: unknown asset %q", asset)
	}
	q := url.Values{"ids": {id}, "vs_currencies": {"usd"}}

	var out map[string]map[string]float64
	if err := c.getJSON(ctx, c.baseURL+"/simple/price?"+q.Encode(), &out); err != nil {
		return 0, eris.Wrap(err, "coingecko")
	}
	price, ok := out[id]["usd"]
	if !ok {
		return 0, eris.Errorf("coingecko: no usd price for %s", id)
	}
	return price, nil
}

// Coinbase prices assets through the public spot price endpoint.
type Coinbase struct {
	httpSource
}

// NewCoinbase creates a Coinbase source.
func NewCoinbase(opts ...SourceOption) *Coinbase {
	return &Coinbase{httpSource: newHTTPSource(defaultCoinbaseURL, opts)}
}

// Name returns the source identifier.
func (c *Coinbase) Name() string { return "coinbase" }

// Price returns the USD spot price of asset.
func (c *Coinbase) Price(ctx context.Context, asset string) (float64, error) {
	sym := strings.ToUpper(asset)
	// Wrapped assets track their underlying.
	switch sym {
	case "WETH":
		sym = "ETH"
	case "WBTC":
		sym = "BTC"
	}

	var out struct {
		Data struct {
			Amount   string `json:"amount"`
			Currency string `json:"currency"`
		} `json:"data"`
	}
	endpoint := fmt.Sprintf("%s/prices/%s-USD/spot", c.baseURL, url.PathEscape(sym))
	if err := c.getJSON(ctx, endpoint, &out); err != nil {
		return 0, eris.Wrap(err, "coinbase")
	}
	price, err := strconv.ParseFloat(out.Data.Amount, 64)
	if err != nil {
		return 0, eris.Wrapf(err, "coinbase: parse amount %q", out.Data.Amount)
	}
	return price, nil
}
