package domain

// Side of a limit order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Sign returns +1 for buys and -1 for sells, the direction a fill
// moves the base-asset balance.
func (s Side) Sign() float64 {
	if s == SideSell {
		return -1
	}
	return 1
}

// OrderStatus is the exchange-reported lifecycle state of an order.
type OrderStatus string

const (
	// OrderStatusPending means the order is accepted but not yet in the book.
	OrderStatusPending OrderStatus = "pending"
	// OrderStatusOpen means the order is resting in the book.
	OrderStatusOpen OrderStatus = "open"
	// OrderStatusClosed means the order is fully filled.
	OrderStatusClosed OrderStatus = "closed"
	// OrderStatusCanceled means the order was canceled before filling.
	OrderStatusCanceled OrderStatus = "canceled"
)

// Order is a limit order as tracked locally. An order becomes a resting
// order only once the private stream echoes it back; the local send is
// optimistic and unconfirmed until then.
type Order struct {
	ID     string
	Pair   Pair
	Side   Side
	Price  float64
	Volume float64
	Status OrderStatus
	// Decimals is the inferred tick precision for this instrument; prices
	// and volumes are rounded to it before hitting the wire.
	Decimals int
}

// OrderUpdate is one entry of an exchange order-status batch. The
// exchange omits the descriptor on some status transitions, in which
// case HasDescr is false and Pair/Side/Price are zero values.
type OrderUpdate struct {
	ID       string
	Status   OrderStatus
	Pair     Pair
	Side     Side
	Price    float64
	Volume   float64
	HasDescr bool
}
