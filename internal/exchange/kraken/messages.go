package kraken

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/stoik/internal/domain"
)

// errSkipFrame marks frames that carry no data for the control loop:
// heartbeats, system status and subscription acknowledgements.
var errSkipFrame = errors.New("kraken: frame filtered")

// eventEnvelope is the shape of non-data frames on both channels.
type eventEnvelope struct {
	Event        string `json:"event"`
	Status       string `json:"status"`
	ErrorMessage string `json:"errorMessage"`
}

// filterEventFrame classifies an object frame. Heartbeats and status
// messages are dropped before the control loop ever sees them; a failed
// subscription is a transport error.
func filterEventFrame(raw []byte) error {
	var env eventEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return errors.Wrap(err, "decode event frame")
	}

	switch env.Event {
	case "heartbeat", "systemStatus", "pong":
		return errSkipFrame
	case "subscriptionStatus":
		if env.Status == "error" {
			return errors.Errorf("kraken: subscription rejected: %s", env.ErrorMessage)
		}
		return errSkipFrame
	case "addOrderStatus", "cancelOrderStatus":
		if env.Status == "error" {
			return errors.Errorf("kraken: order request rejected: %s", env.ErrorMessage)
		}
		return errSkipFrame
	default:
		return errSkipFrame
	}
}

// parsePublicFrame decodes a public-channel array frame
// [channelID, data, channelName, pair] into a ticker, candle or trades.
func parsePublicFrame(raw []byte) (*domain.Ticker, *domain.OHLC, []domain.Trade, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(raw, &parts); err != nil {
		return nil, nil, nil, errors.Wrap(err, "decode public frame")
	}
	if len(parts) < 4 {
		return nil, nil, nil, errors.New("kraken: short public frame")
	}

	var channel, pairStr string
	if err := json.Unmarshal(parts[len(parts)-2], &channel); err != nil {
		return nil, nil, nil, errors.Wrap(err, "decode channel name")
	}
	if err := json.Unmarshal(parts[len(parts)-1], &pairStr); err != nil {
		return nil, nil, nil, errors.Wrap(err, "decode pair")
	}

	pair, err := domain.PairFromString(pairStr)
	if err != nil {
		return nil, nil, nil, err
	}

	data := parts[1]
	switch {
	case channel == "ticker":
		ticker, err := parseTicker(pair, data)
		return ticker, nil, nil, err
	case strings.HasPrefix(channel, "ohlc"):
		ohlc, err := parseOHLC(pair, data)
		return nil, ohlc, nil, err
	case channel == "trade":
		trades, err := parseTrades(pair, data)
		return nil, nil, trades, err
	default:
		return nil, nil, nil, errors.Errorf("kraken: unknown channel %q", channel)
	}
}

// parseTicker decodes a ticker payload. Kraken encodes every numeric
// field as a JSON string.
func parseTicker(pair domain.Pair, data json.RawMessage) (*domain.Ticker, error) {
	// First element of a/b is a string price; the whole-lot volume next
	// to it is a bare integer, so the arrays decode as raw messages.
	var payload struct {
		A []json.RawMessage `json:"a"` // ask: price, whole lot volume, lot volume
		B []json.RawMessage `json:"b"` // bid
		C []json.RawMessage `json:"c"` // last trade: price, volume
		V []json.RawMessage `json:"v"` // volume: today, 24h
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, errors.Wrap(err, "decode ticker")
	}
	if len(payload.A) == 0 || len(payload.B) == 0 {
		return nil, errors.New("kraken: ticker without best bid/ask")
	}

	first := func(raw []json.RawMessage) (string, float64, error) {
		var s string
		if err := json.Unmarshal(raw[0], &s); err != nil {
			return "", 0, err
		}
		v, err := strconv.ParseFloat(s, 64)
		return s, v, err
	}

	ticker := &domain.Ticker{Pair: pair}

	askStr, ask, err := first(payload.A)
	if err != nil {
		return nil, errors.Wrap(err, "parse ask")
	}
	bidStr, bid, err := first(payload.B)
	if err != nil {
		return nil, errors.Wrap(err, "parse bid")
	}
	ticker.Ask = ask
	ticker.Bid = bid

	if len(payload.C) > 0 {
		if _, ticker.Last, err = first(payload.C); err != nil {
			return nil, errors.Wrap(err, "parse last price")
		}
	}
	if len(payload.V) > 1 {
		var s string
		if err := json.Unmarshal(payload.V[1], &s); err != nil {
			return nil, errors.Wrap(err, "decode 24h volume")
		}
		if ticker.Volume24h, err = strconv.ParseFloat(s, 64); err != nil {
			return nil, errors.Wrap(err, "parse 24h volume")
		}
	}

	ticker.Decimals = maxDecimals(askStr, bidStr)

	return ticker, nil
}

func parseOHLC(pair domain.Pair, data json.RawMessage) (*domain.OHLC, error) {
	// The payload mixes string-encoded floats with a trailing bare
	// integer trade count, so each element decodes individually.
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrap(err, "decode ohlc")
	}
	if len(raw) < 8 {
		return nil, errors.New("kraken: short ohlc payload")
	}

	// time, etime, open, high, low, close, vwap, volume
	fields := make([]string, 8)
	values := make([]float64, 8)
	for i := range values {
		if err := json.Unmarshal(raw[i], &fields[i]); err != nil {
			return nil, errors.Wrapf(err, "decode ohlc field %d", i)
		}
		v, err := strconv.ParseFloat(fields[i], 64)
		if err != nil {
			return nil, errors.Wrapf(err, "parse ohlc field %d", i)
		}
		values[i] = v
	}

	return &domain.OHLC{
		Pair:     pair,
		Time:     values[0],
		Open:     values[2],
		High:     values[3],
		Low:      values[4],
		Close:    values[5],
		Volume:   values[7],
		Decimals: countDecimals(fields[5]),
	}, nil
}

func parseTrades(pair domain.Pair, data json.RawMessage) ([]domain.Trade, error) {
	var rows [][]string
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, errors.Wrap(err, "decode trades")
	}

	trades := make([]domain.Trade, 0, len(rows))
	for _, row := range rows {
		if len(row) < 4 {
			return nil, errors.New("kraken: short trade row")
		}

		price, err := strconv.ParseFloat(row[0], 64)
		if err != nil {
			return nil, errors.Wrap(err, "parse trade price")
		}
		volume, err := strconv.ParseFloat(row[1], 64)
		if err != nil {
			return nil, errors.Wrap(err, "parse trade volume")
		}
		ts, err := strconv.ParseFloat(row[2], 64)
		if err != nil {
			return nil, errors.Wrap(err, "parse trade time")
		}

		side := domain.SideBuy
		if row[3] == "s" {
			side = domain.SideSell
		}

		trades = append(trades, domain.Trade{
			Pair:     pair,
			Price:    price,
			Volume:   volume,
			Time:     ts,
			Side:     side,
			Decimals: countDecimals(row[0]),
		})
	}

	return trades, nil
}

// parsePrivateFrame decodes an openOrders array frame
// [[{txid: {...}}, ...], "openOrders", {sequence}] into order updates.
// The descriptor is absent on some status transitions; such updates
// carry only id and status.
func parsePrivateFrame(raw []byte) ([]domain.OrderUpdate, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(raw, &parts); err != nil {
		return nil, errors.Wrap(err, "decode private frame")
	}
	if len(parts) < 2 {
		return nil, errors.New("kraken: short private frame")
	}

	var channel string
	if err := json.Unmarshal(parts[1], &channel); err != nil {
		return nil, errors.Wrap(err, "decode private channel name")
	}
	if channel != "openOrders" {
		return nil, errors.Errorf("kraken: unknown private channel %q", channel)
	}

	var batches []map[string]struct {
		Status string `json:"status"`
		Vol    string `json:"vol"`
		Descr  *struct {
			Pair  string `json:"pair"`
			Type  string `json:"type"`
			Price string `json:"price"`
		} `json:"descr"`
	}
	if err := json.Unmarshal(parts[0], &batches); err != nil {
		return nil, errors.Wrap(err, "decode open orders payload")
	}

	var updates []domain.OrderUpdate
	for _, batch := range batches {
		for id, order := range batch {
			update := domain.OrderUpdate{
				ID:     id,
				Status: domain.OrderStatus(order.Status),
			}

			if order.Vol != "" {
				volume, err := strconv.ParseFloat(order.Vol, 64)
				if err != nil {
					return nil, errors.Wrapf(err, "parse volume of order %s", id)
				}
				update.Volume = volume
			}

			if order.Descr != nil && order.Descr.Pair != "" {
				pair, err := domain.PairFromString(order.Descr.Pair)
				if err != nil {
					return nil, errors.Wrapf(err, "parse pair of order %s", id)
				}
				price, err := strconv.ParseFloat(order.Descr.Price, 64)
				if err != nil {
					return nil, errors.Wrapf(err, "parse price of order %s", id)
				}

				update.Pair = pair
				update.Side = domain.Side(order.Descr.Type)
				update.Price = price
				update.HasDescr = true
			}

			updates = append(updates, update)
		}
	}

	return updates, nil
}

func countDecimals(s string) int {
	if i := strings.IndexByte(s, '.'); i >= 0 {
		return len(s) - i - 1
	}
	return 0
}

func maxDecimals(values ...string) int {
	max := 0
	for _, v := range values {
		if d := countDecimals(v); d > max {
			max = d
		}
	}
	return max
}
