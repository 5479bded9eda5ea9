// Package pricefeed quotes reference USD prices for assets from a chain of
// public price sources.
package pricefeed

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// ErrNoPrice is returned when no source and no fallback can price an asset.
var ErrNoPrice = eris.New("pricefeed: no price available")

// Source quotes one asset in USD.
type Source interface {
	Name() string
	Price(ctx context.Context, asset string) (float64, error)
}

// Quote is a USD price with provenance.
type Quote struct {
	Asset  string    `json:"asset"`
	USD    float64   `json:"usd"`
	Source string    `json:"source"`
	AsOf   time.Time `json:"as_of"`
	// Fallback is set when the price came from static configuration rather
	// than a live source.
	Fallback bool `json:"fallback,omitempty"`
}

var stablecoins = map[string]bool{
	"USDC": true, "USDT": true, "DAI": true, "PYUSD": true, "FDUSD": true, "TUSD": true,
}

// Feed tries each source in order and falls back to static prices.
type Feed struct {
	sources  []Source
	fallback map[string]float64
	now      func() time.Time
}

// NewFeed creates a Feed. Fallback keys are asset symbols.
func NewFeed(sources []Source, fallback map[string]float64) *Feed {
	fb := make(map[string]float64, len(fallback))
	for k, v := range fallback {
		fb[strings.ToUpper(k)] = v
	}
	return &Feed{sources: sources, fallback: fb, now: time.Now}
}

// Quote returns the first live price, a stablecoin peg, or the configured
// fallback, in that order.
func (f *Feed) Quote(ctx context.Context, asset string) (*Quote, error) {
	sym := strings.ToUpper(strings.TrimSpace(asset))
	if sym == "" {
		return nil, eris.Wrap(ErrNoPrice, "empty asset")
	}
	if stablecoins[sym] {
		return &Quote{Asset: sym, USD: 1, Source: "peg", AsOf: f.now().UTC()}, nil
	}

	var errs []string
	for _, src := range f.sources {
		if ctx.Err() != nil {
			break
		}
		price, err := src.Price(ctx, sym)
		if err != nil {
			zap.L().Debug("pricefeed: source failed",
				zap.String("source", src.Name()),
				zap.String("asset", sym),
				zap.Error(err),
			)
			errs = append(errs, src.Name()+": "+err.Error())
			continue
		}
		if price <= 0 {
			errs = append(errs, src.Name()+": non-positive price")
			continue
		}
		return &Quote{Asset: sym, USD: price, Source: src.Name(), AsOf: f.now().UTC()}, nil
	}

	if p, ok := f.fallback[sym]; ok && p > 0 {
		return &Quote{Asset: sym, USD: p, Source: "fallback", AsOf: f.now().UTC(), Fallback: true}, nil
	}
	if len(errs) == 0 {
		return nil, eris.Wrapf(ErrNoPrice, "%s", sym)
	}
	return nil, eris.Wrapf(ErrNoPrice, "%s (%s)", sym, strings.Join(errs, "; "))
}
