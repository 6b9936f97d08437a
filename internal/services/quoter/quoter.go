// Package quoter runs the per-pair control loop: it consumes the
// multiplexed exchange stream, maintains price and spread history,
// derives an inventory-adjusted reserve price and spread, keeps one
// resting limit order per side near those levels, and reconciles
// exchange-reported order events into the shared portfolio.
package quoter

import (
	"context"
	"math"
	"time"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/stoik/internal/domain"
	"github.com/vadiminshakov/stoik/internal/exchange"
	"github.com/vadiminshakov/stoik/internal/portfolio"
	"github.com/vadiminshakov/stoik/internal/storage/fills"
	"go.uber.org/zap"
)

// ErrStreamClosed is returned when the exchange stream ends without a
// transport error, e.g. after Close.
var ErrStreamClosed = errors.New("quoter: exchange stream closed")

// Config carries the policy parameters of the pricing model. They are
// tunable per pair; none of them is a correctness constraint.
type Config struct {
	// OrderNotional is the quote-currency value of each resting order.
	OrderNotional float64
	// RiskAversion is the gamma of the pricing model.
	RiskAversion float64
	// SpreadFloor is the minimum relative spread, typically the round-trip
	// maker fee.
	SpreadFloor float64
	// BaseVolatility is added to the measured volatility so a flat price
	// history never produces a degenerate zero spread.
	BaseVolatility float64
	// SpreadScale divides the log liquidity term of the spread formula.
	SpreadScale float64
	// SimilarityThreshold is the relative price distance under which an
	// existing resting order is close enough to skip requoting.
	SimilarityThreshold float64
	// Cooldown is the minimum interval between order batches.
	Cooldown time.Duration
	// SampleInterval is the minimum interval between history samples.
	SampleInterval time.Duration
	// BufferSize caps the price and spread histories.
	BufferSize int
	// BlendNum/BlendDen weight trade- and ticker-driven price updates:
	// last' = (den-num)/den*last + num/den*new. Candle closes bypass the
	// blend entirely.
	BlendNum int
	BlendDen int
}

func (c Config) withDefaults() Config {
	if c.OrderNotional == 0 {
		c.OrderNotional = 20
	}
	if c.RiskAversion == 0 {
		c.RiskAversion = 10
	}
	if c.SpreadFloor == 0 {
		c.SpreadFloor = 0.0014
	}
	if c.BaseVolatility == 0 {
		c.BaseVolatility = 0.0001
	}
	if c.SpreadScale == 0 {
		c.SpreadScale = 2000
	}
	if c.SimilarityThreshold == 0 {
		c.SimilarityThreshold = 0.0001
	}
	if c.Cooldown == 0 {
		c.Cooldown = 30 * time.Second
	}
	if c.SampleInterval == 0 {
		c.SampleInterval = time.Minute
	}
	if c.BufferSize == 0 {
		c.BufferSize = 100
	}
	if c.BlendNum == 0 {
		c.BlendNum = 1
	}
	if c.BlendDen == 0 {
		c.BlendDen = 10
	}
	return c
}

// FillJournal records applied fills. Journal failures must never block
// reconciliation; the quoter logs and moves on.
type FillJournal interface {
	Save(fill fills.Fill) error
}

// Quoter is the control loop for one pair. All fields except the shared
// portfolio are owned exclusively by the loop goroutine.
type Quoter struct {
	pair      domain.Pair
	cfg       Config
	venue     exchange.Exchange
	portfolio *portfolio.Portfolio
	journal   FillJournal
	logger    *zap.Logger

	lastPrice float64
	midPrice  float64
	vol24h    float64
	decimals  int

	prices  *history
	spreads *history

	bids map[string]domain.Order
	asks map[string]domain.Order

	lastOrderAt time.Time

	now func() time.Time
}

// New builds a quoter. journal may be nil.
func New(pair domain.Pair, cfg Config, venue exchange.Exchange, pf *portfolio.Portfolio, journal FillJournal, logger *zap.Logger) *Quoter {
	cfg = cfg.withDefaults()

	return &Quoter{
		pair:      pair,
		cfg:       cfg,
		venue:     venue,
		portfolio: pf,
		journal:   journal,
		logger:    logger.With(zap.String("pair", pair.String())),
		prices:    newHistory(cfg.BufferSize, cfg.SampleInterval),
		spreads:   newHistory(cfg.BufferSize, cfg.SampleInterval),
		bids:      make(map[string]domain.Order),
		asks:      make(map[string]domain.Order),
		now:       time.Now,
	}
}

// Run consumes the merged event stream until the context is canceled or
// the stream terminates. On the way out it makes a best-effort attempt
// to cancel whatever is still resting.
func (q *Quoter) Run(ctx context.Context) error {
	events := q.venue.Events()

	for {
		select {
		case <-ctx.Done():
			q.cancelResting()
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return ErrStreamClosed
			}
			if ev.Err != nil {
				// A pair with no feed must not keep stale quotes resting.
				q.cancelResting()
				return ev.Err
			}
			q.handle(ctx, ev)
		}
	}
}

func (q *Quoter) handle(ctx context.Context, ev exchange.Event) {
	switch {
	case ev.Ticker != nil:
		q.onTicker(ev.Ticker)
		q.maybeRequote(ctx)
	case ev.OHLC != nil:
		q.onOHLC(ev.OHLC)
		q.maybeRequote(ctx)
	case ev.Trade != nil:
		q.onTrade(ev.Trade)
		q.maybeRequote(ctx)
	case ev.Orders != nil:
		q.onOrders(ev.Orders)
	}
}

func (q *Quoter) onTicker(t *domain.Ticker) {
	if t.Bid <= 0 || t.Ask <= 0 {
		return
	}

	q.midPrice = (t.Bid + t.Ask) / 2
	if t.Last > 0 {
		q.lastPrice = q.blend(q.lastPrice, t.Last)
	} else {
		q.lastPrice = q.blend(q.lastPrice, q.midPrice)
	}
	if t.Volume24h > 0 {
		q.vol24h = t.Volume24h
	}
	q.bumpDecimals(t.Decimals)

	now := q.now()
	relSpread := 2 * (t.Ask - t.Bid) / (t.Ask + t.Bid)
	if q.spreads.record(now, relSpread) {
		q.logger.Debug("recorded spread sample", zap.Float64("spread", relSpread))
	}
	if q.prices.record(now, q.lastPrice) {
		q.logger.Debug("recorded price sample", zap.Float64("price", q.lastPrice))
	}

	q.portfolio.MarkPrice(q.pair, q.midPrice)
}

func (q *Quoter) onOHLC(c *domain.OHLC) {
	if c.Close <= 0 {
		return
	}

	// The candle close is authoritative, no blending.
	q.lastPrice = c.Close
	q.bumpDecimals(c.Decimals)
	q.prices.record(q.now(), q.lastPrice)
	q.portfolio.MarkPrice(q.pair, c.Close)
}

func (q *Quoter) onTrade(t *domain.Trade) {
	if t.Price <= 0 {
		return
	}

	q.lastPrice = q.blend(q.lastPrice, t.Price)
	q.bumpDecimals(t.Decimals)
	q.prices.record(q.now(), q.lastPrice)
}

// blend damps noise from quote flicker without discarding trend.
func (q *Quoter) blend(prev, next float64) float64 {
	if prev == 0 {
		return next
	}
	num, den := float64(q.cfg.BlendNum), float64(q.cfg.BlendDen)
	return (den-num)/den*prev + num/den*next
}

// bumpDecimals raises the inferred tick precision; it never decreases.
func (q *Quoter) bumpDecimals(d int) {
	if d > q.decimals {
		q.decimals = d
	}
}

// onOrders reconciles one exchange order-status batch. The local view is
// a cache of exchange-authoritative state: events for unknown ids are
// benign, duplicate terminal events are no-ops.
func (q *Quoter) onOrders(updates []domain.OrderUpdate) {
	for _, u := range updates {
		switch u.Status {
		case domain.OrderStatusPending, domain.OrderStatusOpen:
			q.trackOrder(u)
		case domain.OrderStatusClosed:
			q.applyClose(u)
		case domain.OrderStatusCanceled:
			if _, _, ok := q.removeOrder(u.ID); ok {
				q.logger.Info("order canceled", zap.String("order_id", u.ID))
			}
		default:
			q.logger.Warn("unhandled order status",
				zap.String("order_id", u.ID), zap.String("status", string(u.Status)))
		}
	}
}

func (q *Quoter) trackOrder(u domain.OrderUpdate) {
	if !u.HasDescr || u.Pair != q.pair {
		return
	}
	if _, ok := q.bids[u.ID]; ok {
		return
	}
	if _, ok := q.asks[u.ID]; ok {
		return
	}

	order := domain.Order{
		ID:     u.ID,
		Pair:   u.Pair,
		Side:   u.Side,
		Price:  u.Price,
		Volume: u.Volume,
		Status: u.Status,
	}
	if u.Side == domain.SideSell {
		q.asks[u.ID] = order
	} else {
		q.bids[u.ID] = order
	}

	q.logger.Info("order resting",
		zap.String("order_id", u.ID),
		zap.String("side", string(u.Side)),
		zap.Float64("price", u.Price),
		zap.Float64("volume", u.Volume))
}

// applyClose removes a filled order and applies its fill to the
// portfolio exactly once. The second close for the same id finds
// nothing to remove and mutates nothing.
func (q *Quoter) applyClose(u domain.OrderUpdate) {
	order, side, ok := q.removeOrder(u.ID)
	if !ok {
		return
	}

	price := order.Price
	if u.HasDescr && u.Price > 0 {
		price = u.Price
	}
	volume := order.Volume
	if u.Volume > 0 {
		volume = u.Volume
	}
	if price <= 0 || volume <= 0 {
		q.logger.Warn("fill without usable price or volume, skipping ledger update",
			zap.String("order_id", u.ID))
		return
	}

	q.portfolio.ApplyFill(q.pair, side.Sign()*volume, price)
	q.lastPrice = price

	if q.journal != nil {
		fill := fills.Fill{
			Pair:   q.pair.String(),
			Side:   string(side),
			Price:  price,
			Volume: volume,
			Time:   q.now(),
		}
		if err := q.journal.Save(fill); err != nil {
			q.logger.Warn("failed to journal fill", zap.Error(err))
		}
	}

	q.logger.Info("order filled",
		zap.String("order_id", u.ID),
		zap.String("side", string(side)),
		zap.Float64("price", price),
		zap.Float64("volume", volume))
}

// removeOrder drops an id from whichever side map holds it. Removing an
// absent id is a no-op.
func (q *Quoter) removeOrder(id string) (domain.Order, domain.Side, bool) {
	if order, ok := q.bids[id]; ok {
		delete(q.bids, id)
		return order, domain.SideBuy, true
	}
	if order, ok := q.asks[id]; ok {
		delete(q.asks, id)
		return order, domain.SideSell, true
	}
	return domain.Order{}, "", false
}

// maybeRequote recomputes the reserve price and spread and refreshes the
// resting orders when the current ones have drifted away from the model.
func (q *Quoter) maybeRequote(ctx context.Context) {
	if q.lastPrice == 0 {
		return // still warming up
	}

	mid := q.midPrice
	if mid == 0 {
		mid = q.lastPrice
	}

	delta := q.portfolio.TargetDelta(q.pair)
	if delta == 0 {
		// The skew term divides by sqrt(|delta|); a flat book also means
		// there is no inventory to mean-revert.
		return
	}

	vol := q.volatility(mid)
	reserve := q.reservePrice(mid, delta, vol)
	spread := q.optimalSpread(reserve, vol)
	if spread >= 2 {
		// A relative spread of 2 puts the bid at or below zero. A history
		// that volatile is not quotable.
		q.logger.Warn("spread too wide to quote", zap.Float64("spread", spread))
		return
	}

	bidPrice := reserve * (1 - spread/2)
	askPrice := reserve * (1 + spread/2)

	needBid := !q.similarOrderExists(q.bids, bidPrice)
	needAsk := !q.similarOrderExists(q.asks, askPrice)
	if !needBid && !needAsk {
		return
	}

	if q.now().Sub(q.lastOrderAt) < q.cfg.Cooldown {
		return
	}

	q.logger.Info("requoting",
		zap.Float64("mid", mid),
		zap.Float64("reserve", reserve),
		zap.Float64("spread", spread),
		zap.Float64("volatility", vol),
		zap.Float64("target_delta", delta))

	if needBid {
		q.requoteSide(ctx, q.bids, domain.SideBuy, bidPrice)
	}
	if needAsk {
		q.requoteSide(ctx, q.asks, domain.SideSell, askPrice)
	}

	q.lastOrderAt = q.now()
}

// requoteSide cancels the side's resting orders and places one order at
// the new level. Local maps are left untouched: orders leave them only
// when the private stream reports the cancellation or fill.
func (q *Quoter) requoteSide(ctx context.Context, resting map[string]domain.Order, side domain.Side, price float64) {
	if len(resting) > 0 {
		ids := make([]string, 0, len(resting))
		for id := range resting {
			ids = append(ids, id)
		}
		if err := q.venue.CancelOrders(ctx, ids); err != nil {
			q.logger.Error("failed to cancel orders", zap.Error(err), zap.Strings("order_ids", ids))
			return
		}
	}

	order := domain.Order{
		Pair:     q.pair,
		Side:     side,
		Price:    price,
		Volume:   q.cfg.OrderNotional / price,
		Decimals: q.decimals,
	}
	if err := q.venue.PlaceOrder(ctx, order); err != nil {
		q.logger.Error("failed to place order",
			zap.Error(err),
			zap.String("side", string(side)),
			zap.Float64("price", price))
	}
}

// reservePrice skews the quoting midpoint against the current inventory
// imbalance so fills mean-revert the portfolio toward its target: an
// underweight base asset pushes the reserve above mid (bias to buy), an
// overweight one below.
func (q *Quoter) reservePrice(mid, delta, vol float64) float64 {
	skew := delta / math.Sqrt(math.Abs(delta))
	return mid * (1 - skew*q.cfg.RiskAversion*vol*vol)
}

// optimalSpread balances adverse-selection risk against fill
// probability, floored at the fee, then widened by how far the reserve
// sits from the last traded price so the quotes straddle recent
// activity instead of diverging from it.
func (q *Quoter) optimalSpread(reserve, vol float64) float64 {
	gamma := q.cfg.RiskAversion
	k := q.liquidity()

	spread := gamma*vol*vol + math.Log(1+gamma/k)/q.cfg.SpreadScale
	if floor := q.spreadFloor(); spread < floor {
		spread = floor
	}

	return spread + 2*math.Abs(reserve/q.lastPrice-1)
}

// spreadFloor is the configured fee floor, lifted to the average observed
// market spread when that is wider: quoting inside the prevailing spread
// only invites adverse selection.
func (q *Quoter) spreadFloor() float64 {
	floor := q.cfg.SpreadFloor
	if avg := q.spreads.mean(); avg > floor {
		floor = avg
	}
	return floor
}

// volatility is the normalized stdev of the sampled price history plus
// the configured floor. Fewer than two samples means volatility is
// undefined; the floor stands in, never NaN.
func (q *Quoter) volatility(mid float64) float64 {
	if q.prices.len() < 2 {
		return q.cfg.BaseVolatility
	}
	return q.prices.stdev()/mid + q.cfg.BaseVolatility
}

// liquidity estimates order-arrival intensity from 24h turnover.
func (q *Quoter) liquidity() float64 {
	k := math.Log(q.vol24h * q.lastPrice)
	if math.IsNaN(k) || math.IsInf(k, 0) || k <= 0 {
		return 1
	}
	return k
}

func (q *Quoter) similarOrderExists(resting map[string]domain.Order, price float64) bool {
	for _, order := range resting {
		if order.Price <= 0 {
			continue
		}
		if math.Abs(1-order.Price/price) < q.cfg.SimilarityThreshold {
			return true
		}
	}
	return false
}

// cancelResting is the shutdown path: best effort, bounded, errors only
// logged. Transport may already be gone.
func (q *Quoter) cancelResting() {
	ids := make([]string, 0, len(q.bids)+len(q.asks))
	for id := range q.bids {
		ids = append(ids, id)
	}
	for id := range q.asks {
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := q.venue.CancelOrders(ctx, ids); err != nil {
		q.logger.Warn("failed to cancel resting orders on shutdown",
			zap.Error(err), zap.Strings("order_ids", ids))
		return
	}

	q.logger.Info("canceled resting orders on shutdown", zap.Strings("order_ids", ids))
}
