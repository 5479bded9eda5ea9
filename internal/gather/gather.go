// Package gather builds the context handed to an analysis provider: address
// activity, entity labels and a reference price, fetched concurrently.
package gather

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/whale-analyst/internal/model"
	"github.com/sells-group/whale-analyst/internal/resilience"
	"github.com/sells-group/whale-analyst/pkg/explorer"
	"github.com/sells-group/whale-analyst/pkg/pricefeed"
)

// ErrUpstreamUnavailable marks a lookup that returned no data.
var ErrUpstreamUnavailable = eris.New("upstream unavailable")

// AddressSource returns activity for one address. explorer.Client
// satisfies it.
type AddressSource interface {
	AddressHistory(ctx context.Context, chain, address string) (*explorer.AddressHistory, error)
}

// PriceSource quotes a reference USD price. *pricefeed.Feed satisfies it.
type PriceSource interface {
	Quote(ctx context.Context, asset string) (*pricefeed.Quote, error)
}

// Note records a lookup that could not be completed. Err keeps the full
// cause for logs; String never includes it.
type Note struct {
	Lookup string
	Err    error
}

// String is the limitation shown to the end user and the provider, e.g.
// "sender history unavailable: timeout".
func (n Note) String() string {
	return n.Lookup + " unavailable: " + Reason(n.Err)
}

// lookupError is a failed lookup: a short reason safe to show and the raw
// cause. It matches ErrUpstreamUnavailable and the cause under errors.Is.
type lookupError struct {
	reason string
	cause  error
}

func (e *lookupError) Error() string {
	if e.cause == nil {
		return e.reason
	}
	return e.reason + ": " + e.cause.Error()
}

func (e *lookupError) Unwrap() []error {
	if e.cause == nil {
		return []error{ErrUpstreamUnavailable}
	}
	return []error{ErrUpstreamUnavailable, e.cause}
}

func unavailable(reason string, cause error) error {
	return &lookupError{reason: reason, cause: cause}
}

// Reason classifies a lookup failure into a short phrase that carries no
// upstream text (URLs, response bodies, credentials).
func Reason(err error) string {
	var le *lookupError
	switch {
	case err == nil:
		return "unknown"
	case errors.As(err, &le):
		return le.reason
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	case errors.Is(err, explorer.ErrUnsupportedChain):
		return "unsupported chain"
	}

	var te *resilience.TransientError
	if errors.As(err, &te) && te.StatusCode == http.StatusTooManyRequests {
		return "rate limited"
	}
	if resilience.IsNetworkError(err) {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return "timeout"
		}
		return "connection failed"
	}
	if errors.Is(err, ErrUpstreamUnavailable) {
		return "upstream unavailable"
	}
	return "upstream error"
}

// Party is one side of the transfer.
type Party struct {
	Address string                   `json:"address"`
	Label   *Label                   `json:"label,omitempty"`
	History *explorer.AddressHistory `json:"history,omitempty"`
	// Unavailable is set when the history lookup failed.
	Unavailable bool `json:"unavailable,omitempty"`
}

// Context is the aggregated, unpersisted input to one analysis.
type Context struct {
	Input model.TransactionInput `json:"input"`
	From  Party                  `json:"from"`
	To    Party                  `json:"to"`
	Price *pricefeed.Quote       `json:"price,omitempty"`
	// AmountUSD is the caller's value, else amount times the reference price.
	AmountUSD float64 `json:"amount_usd,omitempty"`
}

// MaxActivity returns the larger transaction count of the two parties.
func (c *Context) MaxActivity() int {
	n := 0
	for _, p := range []Party{c.From, c.To} {
		if p.History != nil && p.History.TxCount > n {
			n = p.History.TxCount
		}
	}
	return n
}

// Config tunes the aggregator.
type Config struct {
	LookupTimeout time.Duration
}

// Aggregator gathers context for one job.
type Aggregator struct {
	addresses AddressSource
	prices    PriceSource
	labels    *LabelBook
	timeout   time.Duration
}

// NewAggregator creates an Aggregator. Nil sources are reported as
// unavailable on every gather.
func NewAggregator(addresses AddressSource, prices PriceSource, labels *LabelBook, cfg Config) *Aggregator {
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = 5 * time.Second
	}
	return &Aggregator{addresses: addresses, prices: prices, labels: labels, timeout: cfg.LookupTimeout}
}

// Gather runs every lookup concurrently, each under its own timeout. It
// never fails: a failed lookup leaves its slot empty and adds a Note.
func (a *Aggregator) Gather(ctx context.Context, in model.TransactionInput) (*Context, []Note) {
	chain := in.ChainOrDefault()
	out := &Context{
		Input:     in,
		From:      a.party(chain, in.FromAddress),
		To:        a.party(chain, in.ToAddress),
		AmountUSD: in.AmountUSD,
	}

	var (
		fromErr, toErr, priceErr error
		g                        errgroup.Group
	)
	g.Go(func() error {
		out.From.History, fromErr = a.history(ctx, chain, in.FromAddress)
		return nil
	})
	g.Go(func() error {
		out.To.History, toErr = a.history(ctx, chain, in.ToAddress)
		return nil
	})
	g.Go(func() error {
		out.Price, priceErr = a.price(ctx, in.Asset)
		return nil
	})
	_ = g.Wait()

	var notes []Note
	if fromErr != nil {
		out.From.Unavailable = true
		notes = append(notes, Note{Lookup: "sender history", Err: fromErr})
	}
	if toErr != nil {
		out.To.Unavailable = true
		notes = append(notes, Note{Lookup: "recipient history", Err: toErr})
	}
	if priceErr != nil {
		notes = append(notes, Note{Lookup: "reference price", Err: priceErr})
	} else if out.Price != nil {
		if out.AmountUSD == 0 {
			out.AmountUSD = in.Amount * out.Price.USD
		}
		if out.Price.Fallback {
			notes = append(notes, Note{
				Lookup: "live price",
				Err:    unavailable("using configured "+out.Price.Asset+" price", nil),
			})
		}
	}

	for _, n := range notes {
		zap.L().Info("gather: partial context",
			zap.String("tx_hash", in.TxHash),
			zap.String("lookup", n.Lookup),
			zap.Error(n.Err),
		)
	}
	return out, notes
}

func (a *Aggregator) party(chain, address string) Party {
	p := Party{Address: address}
	if l, ok := a.labels.Lookup(chain, address); ok {
		p.Label = &l
	}
	return p
}

func (a *Aggregator) history(ctx context.Context, chain, address string) (*explorer.AddressHistory, error) {
	if a.addresses == nil {
		return nil, unavailable("not configured", nil)
	}
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	h, err := a.addresses.AddressHistory(ctx, chain, address)
	if err != nil {
		return nil, lookupFailed(ctx, err)
	}
	return h, nil
}

func (a *Aggregator) price(ctx context.Context, asset string) (*pricefeed.Quote, error) {
	if a.prices == nil {
		return nil, unavailable("not configured", nil)
	}
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	q, err := a.prices.Quote(ctx, asset)
	if err != nil {
		return nil, lookupFailed(ctx, err)
	}
	return q, nil
}

// lookupFailed classifies err, preferring the lookup deadline when it has
// passed, since rate limiters and transports report it in their own words.
func lookupFailed(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return unavailable(Reason(ctx.Err()), err)
	}
	return unavailable(Reason(err), err)
}
