// Package portfolio holds the shared inventory ledger. One Portfolio is
// shared by reference across all per-pair quoting loops; every exported
// operation takes the single lock for its whole duration and performs no
// I/O while holding it.
package portfolio

import (
	"math"
	"sync"

	"github.com/vadiminshakov/stoik/internal/domain"
)

type position struct {
	amount float64
	price  float64
}

// Portfolio maps normalized asset symbols to positions. The quote
// currency is an ordinary position priced at 1.0.
type Portfolio struct {
	mu     sync.Mutex
	assets map[string]*position
}

func New() *Portfolio {
	return &Portfolio{assets: make(map[string]*position)}
}

// Position returns the amount and reference price of an asset.
// An asset that was never seen yields (0, 0), not an error.
func (p *Portfolio) Position(asset string) (amount, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pos, ok := p.assets[asset]
	if !ok {
		return 0, 0
	}
	return pos.amount, pos.price
}

// SetPosition seeds an asset from the startup balance snapshot.
func (p *Portfolio) SetPosition(asset string, amount, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.assets[asset] = &position{amount: amount, price: price}
}

// ApplyFill applies one executed order to the ledger: the base asset of
// the pair moves by signedVolume (positive for buys) and the quote
// currency moves by -signedVolume*fillPrice. Both legs happen under one
// lock hold so concurrent readers never observe a half-applied fill.
func (p *Portfolio) ApplyFill(pair domain.Pair, signedVolume, fillPrice float64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	base, ok := p.assets[pair.Base]
	if !ok {
		base = &position{}
		p.assets[pair.Base] = base
	}
	base.amount += signedVolume
	base.price = fillPrice

	quote, ok := p.assets[pair.Quote]
	if !ok {
		quote = &position{price: 1.0}
		p.assets[pair.Quote] = quote
	}
	quote.amount -= signedVolume * fillPrice
}

// MarkPrice refreshes the reference price of the pair's base asset from
// market data without touching the amount.
func (p *Portfolio) MarkPrice(pair domain.Pair, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pos, ok := p.assets[pair.Base]
	if !ok {
		return
	}
	pos.price = price
}

// TargetDelta returns the normalized deviation of the pair's base asset
// from its equal-weight target: current weight minus 1/N, where N counts
// assets with a positive amount. The result is dimensionless, so the
// same requote threshold works across pairs of very different price
// magnitude. Returns exactly 0 when the asset is unheld (absent) or the
// portfolio has no value, so callers never divide by zero downstream.
func (p *Portfolio) TargetDelta(pair domain.Pair) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	pos, ok := p.assets[pair.Base]
	if !ok {
		return 0
	}

	var total float64
	held := 0
	for _, a := range p.assets {
		total += a.amount * a.price
		if a.amount > 0 {
			held++
		}
	}
	if total == 0 || held == 0 {
		return 0
	}

	target := 1.0 / float64(held)
	delta := pos.amount*pos.price/total - target
	if math.IsNaN(delta) || math.IsInf(delta, 0) {
		return 0
	}
	return delta
}

// Snapshot returns a copy of all positions for logging.
func (p *Portfolio) Snapshot() map[string][2]float64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[string][2]float64, len(p.assets))
	for asset, pos := range p.assets {
		out[asset] = [2]float64{pos.amount, pos.price}
	}
	return out
}
