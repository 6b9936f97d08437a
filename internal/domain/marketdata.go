package domain

// Ticker carries the current best bid/ask and 24h volume for a pair.
// Decimals is the largest number of fractional digits observed in the
// raw price strings of this frame.
type Ticker struct {
	Pair      Pair
	Bid       float64
	Ask       float64
	Last      float64
	Volume24h float64
	Decimals  int
}

// OHLC is one candle update. Close is used directly as the price signal.
type OHLC struct {
	Pair     Pair
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   float64
	Time     float64
	Decimals int
}

// Trade is a single public trade print.
type Trade struct {
	Pair     Pair
	Price    float64
	Volume   float64
	Time     float64
	Side     Side
	Decimals int
}
