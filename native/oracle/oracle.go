package oracle

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrNoFreshQuote indicates no feed produced a quote inside the freshness
	// window.
	ErrNoFreshQuote = errors.New("oracle: no fresh quote available")
	ErrUnknownAsset = errors.New("oracle: no price for asset")
	ErrInvalidPrice = errors.New("oracle: price must be positive")
)

// Quote is a price in 18 decimal base currency units observed at Timestamp.
type Quote struct {
	Price     *big.Int
	Timestamp time.Time
	Source    string
}

// Clone returns a deep copy of the quote.
func (q Quote) Clone() Quote {
	out := Quote{Timestamp: q.Timestamp, Source: q.Source}
	if q.Price != nil {
		out.Price = new(big.Int).Set(q.Price)
	}
	return out
}

// Feed produces quotes for assets.
type Feed interface {
	Quote(ctx context.Context, asset common.Address) (Quote, error)
}

// ManualFeed is an in-memory feed for tests, sandboxes and manual overrides.
type ManualFeed struct {
	mu     sync.RWMutex
	quotes map[common.Address]Quote
	now    func() time.Time
}

// NewManualFeed returns an empty manual feed.
func NewManualFeed() *ManualFeed {
	return &ManualFeed{quotes: make(map[common.Address]Quote), now: time.Now}
}

// Set records price for asset stamped with the current time.
func (f *ManualFeed) Set(asset common.Address, price *big.Int) error {
	return f.SetAt(asset, price, f.now())
}

// SetAt records price for asset with an explicit timestamp.
func (f *ManualFeed) SetAt(asset common.Address, price *big.Int, ts time.Time) error {
	if price == nil || price.Sign() <= 0 {
		return ErrInvalidPrice
	}
	f.mu.Lock()
	f.quotes[asset] = Quote{Price: new(big.Int).Set(price), Timestamp: ts, Source: "manual"}
	f.mu.Unlock()
	return nil
}

// SetDecimal parses a decimal price such as "2000.5" and records it.
func (f *ManualFeed) SetDecimal(asset common.Address, price string) error {
	parsed, err := ParseDecimal(price)
	if err != nil {
		return err
	}
	return f.Set(asset, parsed)
}

// Quote returns the stored quote for asset.
func (f *ManualFeed) Quote(_ context.Context, asset common.Address) (Quote, error) {
	f.mu.RLock()
	q, ok := f.quotes[asset]
	f.mu.RUnlock()
	if !ok {
		return Quote{}, fmt.Errorf("%w: %s", ErrUnknownAsset, asset.Hex())
	}
	return q.Clone(), nil
}

// Price implements pooladapter.PriceOracle without freshness checks.
func (f *ManualFeed) Price(ctx context.Context, asset common.Address) (*big.Int, error) {
	q, err := f.Quote(ctx, asset)
	if err != nil {
		return nil, err
	}
	return q.Price, nil
}

// Aggregator consults registered feeds in priority order until one returns a
// fresh quote.
type Aggregator struct {
	mu       sync.RWMutex
	priority []string
	feeds    map[string]Feed
	maxAge   time.Duration
	now      func() time.Time
}

// NewAggregator builds an aggregator with the given priority and freshness
// window. A zero maxAge disables the freshness check.
func NewAggregator(priority []string, maxAge time.Duration) *Aggregator {
	prio := make([]string, 0, len(priority))
	for _, name := range priority {
		if n := normalizeName(name); n != "" {
			prio = append(prio, n)
		}
	}
	return &Aggregator{priority: prio, feeds: make(map[string]Feed), maxAge: maxAge, now: time.Now}
}

// Register adds or replaces a feed. Unknown names are appended to the
// priority list.
func (a *Aggregator) Register(name string, feed Feed) {
	n := normalizeName(name)
	if n == "" || feed == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.feeds[n] = feed
	for _, entry := range a.priority {
		if entry == n {
			return
		}
	}
	a.priority = append(a.priority, n)
}

// Quote returns the first fresh, positive quote in priority order.
func (a *Aggregator) Quote(ctx context.Context, asset common.Address) (Quote, error) {
	a.mu.RLock()
	priority := append([]string(nil), a.priority...)
	maxAge := a.maxAge
	a.mu.RUnlock()

	var cutoff time.Time
	if maxAge > 0 {
		cutoff = a.now().Add(-maxAge)
	}
	var lastErr error
	for _, name := range priority {
		a.mu.RLock()
		feed := a.feeds[name]
		a.mu.RUnlock()
		if feed == nil {
			continue
		}
		q, err := feed.Quote(ctx, asset)
		if err != nil {
			lastErr = err
			continue
		}
		if q.Price == nil || q.Price.Sign() <= 0 {
			lastErr = fmt.Errorf("%w: feed %s", ErrInvalidPrice, name)
			continue
		}
		if maxAge > 0 && q.Timestamp.Before(cutoff) {
			lastErr = ErrNoFreshQuote
			continue
		}
		out := q.Clone()
		if out.Source == "" || out.Source == "manual" {
			out.Source = name
		}
		return out, nil
	}
	if lastErr == nil {
		lastErr = ErrNoFreshQuote
	}
	return Quote{}, lastErr
}

// Price implements pooladapter.PriceOracle.
func (a *Aggregator) Price(ctx context.Context, asset common.Address) (*big.Int, error) {
	q, err := a.Quote(ctx, asset)
	if err != nil {
		return nil, err
	}
	return q.Price, nil
}

// ParseDecimal converts a decimal string into 18 decimal fixed point.
func ParseDecimal(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, fmt.Errorf("oracle: price required")
	}
	rat, ok := new(big.Rat).SetString(trimmed)
	if !ok {
		return nil, fmt.Errorf("oracle: invalid price %q", value)
	}
	if rat.Sign() <= 0 {
		return nil, ErrInvalidPrice
	}
	scaled := rat.Mul(rat, new(big.Rat).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)))
	return new(big.Int).Quo(scaled.Num(), scaled.Denom()), nil
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
