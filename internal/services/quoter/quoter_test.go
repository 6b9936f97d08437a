package quoter

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/stoik/internal/domain"
	"github.com/vadiminshakov/stoik/internal/exchange"
	"github.com/vadiminshakov/stoik/internal/portfolio"
	"go.uber.org/zap"
)

var ethUSD = domain.Pair{Base: "ETH", Quote: "USD"}

type fakeVenue struct {
	events   chan exchange.Event
	placed   []domain.Order
	canceled [][]string
}

func newFakeVenue() *fakeVenue {
	return &fakeVenue{events: make(chan exchange.Event, 16)}
}

func (f *fakeVenue) Connect(ctx context.Context) error { return nil }

func (f *fakeVenue) Events() <-chan exchange.Event { return f.events }

func (f *fakeVenue) PlaceOrder(ctx context.Context, order domain.Order) error {
	f.placed = append(f.placed, order)
	return nil
}

func (f *fakeVenue) CancelOrders(ctx context.Context, ids []string) error {
	f.canceled = append(f.canceled, ids)
	return nil
}

func (f *fakeVenue) Close() error { return nil }

func underweightPortfolio() *portfolio.Portfolio {
	pf := portfolio.New()
	pf.SetPosition("USD", 1000, 1.0)
	pf.SetPosition("ETH", 0, 2000)
	return pf
}

func newTestQuoter(t *testing.T, venue *fakeVenue, pf *portfolio.Portfolio) *Quoter {
	t.Helper()

	q := New(ethUSD, Config{}, venue, pf, nil, zap.NewNop())
	q.now = func() time.Time { return time.Unix(1700000000, 0) }
	return q
}

func tickerEvent(bid, ask, vol24 float64) exchange.Event {
	return exchange.Event{Ticker: &domain.Ticker{
		Pair:      ethUSD,
		Bid:       bid,
		Ask:       ask,
		Last:      (bid + ask) / 2,
		Volume24h: vol24,
		Decimals:  1,
	}}
}

func openUpdate(id string, side domain.Side, price, volume float64) domain.OrderUpdate {
	return domain.OrderUpdate{
		ID:       id,
		Status:   domain.OrderStatusOpen,
		Pair:     ethUSD,
		Side:     side,
		Price:    price,
		Volume:   volume,
		HasDescr: true,
	}
}

func TestQuoter_NoQuotesWithoutInventorySignal(t *testing.T) {
	venue := newFakeVenue()
	pf := portfolio.New() // nothing held: target delta is exactly 0
	q := newTestQuoter(t, venue, pf)

	q.handle(context.Background(), tickerEvent(1999, 2001, 3000))

	require.Empty(t, venue.placed)
	require.Empty(t, venue.canceled)
}

func TestQuoter_UnderweightSkewsTowardBuying(t *testing.T) {
	venue := newFakeVenue()
	q := newTestQuoter(t, venue, underweightPortfolio())

	q.handle(context.Background(), tickerEvent(1999, 2001, 3000))

	require.Len(t, venue.placed, 2)

	var bid, ask domain.Order
	for _, o := range venue.placed {
		if o.Side == domain.SideBuy {
			bid = o
		} else {
			ask = o
		}
	}
	require.NotZero(t, bid.Price)
	require.NotZero(t, ask.Price)
	require.Less(t, bid.Price, ask.Price)

	// 100% underweight in ETH: the reserve price sits above mid so fills
	// bias toward buying.
	reserve := (bid.Price + ask.Price) / 2
	require.Greater(t, reserve, 2000.0)

	// Sizes are notional/price.
	require.InDelta(t, 20.0/bid.Price, bid.Volume, 1e-9)
	require.InDelta(t, 20.0/ask.Price, ask.Volume, 1e-9)

	// Nothing was resting, so nothing was canceled.
	require.Empty(t, venue.canceled)
}

func TestQuoter_BlendsTickerPrices(t *testing.T) {
	venue := newFakeVenue()
	q := newTestQuoter(t, venue, portfolio.New())

	// The first print seeds the price directly.
	q.handle(context.Background(), tickerEvent(1999, 2001, 3000))
	require.InDelta(t, 2000, q.lastPrice, 1e-9)

	// Later prints are damped: 9/10 old, 1/10 new.
	q.handle(context.Background(), tickerEvent(2099, 2101, 3000))
	require.InDelta(t, 0.9*2000+0.1*2100, q.lastPrice, 1e-9)
}

func TestQuoter_BlendsTradePrints(t *testing.T) {
	venue := newFakeVenue()
	q := newTestQuoter(t, venue, portfolio.New())

	q.handle(context.Background(), tickerEvent(1999, 2001, 3000))

	q.handle(context.Background(), exchange.Event{Trade: &domain.Trade{
		Pair:     ethUSD,
		Price:    2200,
		Volume:   0.5,
		Side:     domain.SideBuy,
		Decimals: 1,
	}})

	require.InDelta(t, 0.9*2000+0.1*2200, q.lastPrice, 1e-9)
}

func TestQuoter_CandleCloseBypassesBlend(t *testing.T) {
	venue := newFakeVenue()
	q := newTestQuoter(t, venue, portfolio.New())

	q.handle(context.Background(), tickerEvent(1999, 2001, 3000))

	// A candle close replaces the price outright.
	q.handle(context.Background(), exchange.Event{OHLC: &domain.OHLC{
		Pair:     ethUSD,
		Close:    1950,
		Decimals: 1,
	}})

	require.Equal(t, 1950.0, q.lastPrice)
}

func TestQuoter_WarmupWithoutPrice(t *testing.T) {
	venue := newFakeVenue()
	q := newTestQuoter(t, venue, underweightPortfolio())

	// An order-status batch arrives before any market data: reconcile,
	// but never quote without a price.
	q.handle(context.Background(), exchange.Event{Orders: []domain.OrderUpdate{
		openUpdate("OID-1", domain.SideBuy, 1999, 0.01),
	}})

	require.Len(t, q.bids, 1)
	require.Empty(t, venue.placed)
}

func TestQuoter_OpenThenClosedAppliesFillOnce(t *testing.T) {
	venue := newFakeVenue()
	pf := portfolio.New()
	pf.SetPosition("USD", 1000, 1.0)
	pf.SetPosition("ETH", 0, 100)
	q := newTestQuoter(t, venue, pf)

	q.handle(context.Background(), exchange.Event{Orders: []domain.OrderUpdate{
		openUpdate("OID-1", domain.SideBuy, 100, 1.0),
	}})
	require.Len(t, q.bids, 1)

	q.handle(context.Background(), exchange.Event{Orders: []domain.OrderUpdate{
		{ID: "OID-1", Status: domain.OrderStatusClosed, Volume: 1.0},
	}})

	require.Empty(t, q.bids)

	ethAmount, _ := pf.Position("ETH")
	usdAmount, _ := pf.Position("USD")
	require.Equal(t, 1.0, ethAmount)
	require.Equal(t, 900.0, usdAmount)

	// The fill price becomes the new last price.
	require.Equal(t, 100.0, q.lastPrice)
}

func TestQuoter_DuplicateClosedIsNoop(t *testing.T) {
	venue := newFakeVenue()
	pf := portfolio.New()
	pf.SetPosition("USD", 1000, 1.0)
	pf.SetPosition("ETH", 0, 100)
	q := newTestQuoter(t, venue, pf)

	open := exchange.Event{Orders: []domain.OrderUpdate{openUpdate("OID-1", domain.SideBuy, 100, 1.0)}}
	closed := exchange.Event{Orders: []domain.OrderUpdate{{ID: "OID-1", Status: domain.OrderStatusClosed, Volume: 1.0}}}

	q.handle(context.Background(), open)
	q.handle(context.Background(), closed)
	q.handle(context.Background(), closed) // duplicate delivery

	ethAmount, _ := pf.Position("ETH")
	usdAmount, _ := pf.Position("USD")
	require.Equal(t, 1.0, ethAmount)
	require.Equal(t, 900.0, usdAmount)
}

func TestQuoter_CanceledUnknownOrderIsNoop(t *testing.T) {
	venue := newFakeVenue()
	pf := underweightPortfolio()
	q := newTestQuoter(t, venue, pf)

	q.handle(context.Background(), exchange.Event{Orders: []domain.OrderUpdate{
		{ID: "NEVER-SEEN", Status: domain.OrderStatusCanceled},
		{ID: "ALSO-UNSEEN", Status: domain.OrderStatusClosed},
	}})

	require.Empty(t, q.bids)
	require.Empty(t, q.asks)

	usdAmount, _ := pf.Position("USD")
	require.Equal(t, 1000.0, usdAmount)
}

func TestQuoter_UnknownStatusIgnored(t *testing.T) {
	venue := newFakeVenue()
	q := newTestQuoter(t, venue, underweightPortfolio())

	q.handle(context.Background(), exchange.Event{Orders: []domain.OrderUpdate{
		{ID: "OID-1", Status: "expired"},
	}})

	require.Empty(t, q.bids)
	require.Empty(t, q.asks)
}

func TestQuoter_SimilarOrdersSuppressRequote(t *testing.T) {
	venue := newFakeVenue()
	q := newTestQuoter(t, venue, underweightPortfolio())

	now := time.Unix(1700000000, 0)
	q.now = func() time.Time { return now }

	q.handle(context.Background(), tickerEvent(1999, 2001, 3000))
	require.Len(t, venue.placed, 2)

	// The exchange echoes both orders back as resting at the quoted prices.
	var updates []domain.OrderUpdate
	for i, o := range venue.placed {
		id := []string{"BID-1", "ASK-1"}[i%2]
		updates = append(updates, openUpdate(id, o.Side, o.Price, o.Volume))
	}
	q.handle(context.Background(), exchange.Event{Orders: updates})

	// Past the cooldown, same market: both sides are still similar, so
	// no cancels and no new orders.
	now = now.Add(time.Minute)
	q.handle(context.Background(), tickerEvent(1999, 2001, 3000))

	require.Len(t, venue.placed, 2)
	require.Empty(t, venue.canceled)
}

func TestQuoter_DriftedOrdersAreReplaced(t *testing.T) {
	venue := newFakeVenue()
	q := newTestQuoter(t, venue, underweightPortfolio())

	now := time.Unix(1700000000, 0)
	q.now = func() time.Time { return now }

	q.handle(context.Background(), tickerEvent(1999, 2001, 3000))
	require.Len(t, venue.placed, 2)

	var updates []domain.OrderUpdate
	for i, o := range venue.placed {
		id := []string{"BID-1", "ASK-1"}[i%2]
		updates = append(updates, openUpdate(id, o.Side, o.Price, o.Volume))
	}
	q.handle(context.Background(), exchange.Event{Orders: updates})

	// Market moves far past the similarity tolerance: stale orders get
	// canceled and fresh ones placed.
	now = now.Add(time.Minute)
	q.handle(context.Background(), tickerEvent(2199, 2201, 3000))

	require.Len(t, venue.placed, 4)
	require.Len(t, venue.canceled, 2) // one cancel batch per side
}

func TestQuoter_CooldownLimitsOrderBatches(t *testing.T) {
	venue := newFakeVenue()
	q := newTestQuoter(t, venue, underweightPortfolio())

	now := time.Unix(1700000000, 0)
	q.now = func() time.Time { return now }

	q.handle(context.Background(), tickerEvent(1999, 2001, 3000))
	require.Len(t, venue.placed, 2)

	// A second trigger within the cooldown window emits nothing, even
	// though the price moved well past the similarity tolerance.
	now = now.Add(time.Second)
	q.handle(context.Background(), tickerEvent(2199, 2201, 3000))
	require.Len(t, venue.placed, 2)

	// Beyond the cooldown the same trigger goes through.
	now = now.Add(time.Minute)
	q.handle(context.Background(), tickerEvent(2199, 2201, 3000))
	require.Len(t, venue.placed, 4)
}

func TestQuoter_RunTerminatesOnTransportError(t *testing.T) {
	venue := newFakeVenue()
	q := newTestQuoter(t, venue, underweightPortfolio())
	q.bids["BID-1"] = domain.Order{ID: "BID-1", Pair: ethUSD, Side: domain.SideBuy, Price: 1999, Volume: 0.01}

	streamErr := errors.New("stream read: connection reset")

	errCh := make(chan error, 1)
	go func() { errCh <- q.Run(context.Background()) }()

	venue.events <- exchange.Event{Err: streamErr}

	err := <-errCh
	require.ErrorIs(t, err, streamErr)

	// Best-effort cancel of whatever was resting before exiting.
	require.Len(t, venue.canceled, 1)
	require.Equal(t, []string{"BID-1"}, venue.canceled[0])
}

func TestQuoter_RunStopsWhenStreamCloses(t *testing.T) {
	venue := newFakeVenue()
	q := newTestQuoter(t, venue, underweightPortfolio())

	errCh := make(chan error, 1)
	go func() { errCh <- q.Run(context.Background()) }()

	close(venue.events)

	require.ErrorIs(t, <-errCh, ErrStreamClosed)
}

func TestQuoter_RunCancelsRestingOnShutdown(t *testing.T) {
	venue := newFakeVenue()
	q := newTestQuoter(t, venue, underweightPortfolio())
	q.bids["BID-1"] = domain.Order{ID: "BID-1", Pair: ethUSD, Side: domain.SideBuy, Price: 1999, Volume: 0.01}
	q.asks["ASK-1"] = domain.Order{ID: "ASK-1", Pair: ethUSD, Side: domain.SideSell, Price: 2001, Volume: 0.01}

	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() { errCh <- q.Run(ctx) }()

	cancel()

	require.ErrorIs(t, <-errCh, context.Canceled)
	require.Len(t, venue.canceled, 1)
	require.ElementsMatch(t, []string{"BID-1", "ASK-1"}, venue.canceled[0])
}

func TestQuoter_TracksPrecisionMonotonically(t *testing.T) {
	venue := newFakeVenue()
	q := newTestQuoter(t, venue, underweightPortfolio())

	ev := tickerEvent(1999, 2001, 3000)
	ev.Ticker.Decimals = 5
	q.handle(context.Background(), ev)
	require.Equal(t, 5, q.decimals)

	// A coarser print later must not lower the precision.
	ev2 := tickerEvent(1999, 2001, 3000)
	ev2.Ticker.Decimals = 1
	q.handle(context.Background(), ev2)
	require.Equal(t, 5, q.decimals)
}

func TestQuoter_SkipsQuotingOnPathologicalVolatility(t *testing.T) {
	venue := newFakeVenue()
	q := newTestQuoter(t, venue, underweightPortfolio())

	q.lastPrice = 2000
	q.midPrice = 2000
	q.vol24h = 3000

	// A price history this wild yields a relative spread beyond 2, which
	// would put the bid at or below zero.
	now := q.now()
	q.prices.record(now, 1000)
	q.prices.record(now.Add(time.Minute), 3000)

	q.maybeRequote(context.Background())

	require.Empty(t, venue.placed)
	require.Empty(t, venue.canceled)
}

func TestQuoter_SpreadFloorLiftsToMarketSpread(t *testing.T) {
	venue := newFakeVenue()
	q := newTestQuoter(t, venue, underweightPortfolio())

	require.Equal(t, q.cfg.SpreadFloor, q.spreadFloor(), "no samples: fee floor stands")

	// A market spread of 1% dominates the 0.14% fee floor.
	q.spreads.record(q.now(), 0.01)
	require.InDelta(t, 0.01, q.spreadFloor(), 1e-12)
}
