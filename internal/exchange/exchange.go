// Package exchange defines the venue capability interface the quoting
// loop depends on. One conforming implementation exists per venue; tests
// substitute a deterministic double that replays canned events.
package exchange

import (
	"context"

	"github.com/vadiminshakov/stoik/internal/domain"
)

// Event is one multiplexed inbound message. Exactly one field is set.
// Err is terminal: the stream delivers it once and closes the channel.
type Event struct {
	Ticker *domain.Ticker
	OHLC   *domain.OHLC
	Trade  *domain.Trade
	Orders []domain.OrderUpdate
	Err    error
}

// Exchange is the outbound surface of one venue connection pair.
// PlaceOrder and CancelOrders go out on the private channel only.
type Exchange interface {
	// Connect dials the public and private channels and subscribes to
	// market data and the authenticated open-orders feed.
	Connect(ctx context.Context) error
	// Events returns the merged inbound stream, in arrival order across
	// both channels. The channel closes after a terminal Err event or Close.
	Events() <-chan Event
	PlaceOrder(ctx context.Context, order domain.Order) error
	CancelOrders(ctx context.Context, ids []string) error
	Close() error
}
