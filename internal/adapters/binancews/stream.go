// Package binancews streams live ticker prices from the Binance futures
// websocket endpoint.
package binancews

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"botfleet/internal/ports"
)

const (
	wsBaseProduction = "wss://fstream.binance.com/ws"
	wsBaseTestnet    = "wss://stream.binancefuture.com/ws"

	handshakeTimeout = 10 * time.Second
)

// tickerFrame is the subset of the 24h ticker event the hub consumes.
type tickerFrame struct {
	Symbol    string `json:"s"`
	LastPrice string `json:"c"`
}

// Dialer opens ticker streams. It implements marketdata.Dialer.
type Dialer struct {
	baseURL string
}

// NewDialer returns a Dialer pointed at production or testnet.
func NewDialer(useTestnet bool) *Dialer {
	base := wsBaseProduction
	if useTestnet {
		base = wsBaseTestnet
	}
	return &Dialer{baseURL: base}
}

// Dial connects the ticker stream for symbol.
func (d *Dialer) Dial(ctx context.Context, symbol string) (*Stream, error) {
	url := fmt.Sprintf("%s/%s@ticker", d.baseURL, strings.ToLower(symbol))

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w: %w", url, ports.ErrConnectionFailed, err)
	}
	return &Stream{conn: conn}, nil
}

// Stream is a live ticker stream for one symbol.
type Stream struct {
	conn *websocket.Conn
}

// ReadPrice blocks until the next ticker frame arrives or the deadline
// passes. Deadline expiry surfaces as a timeout error satisfying
// net.Error.Timeout(); ping frames are answered by the transport while
// reading.
func (s *Stream) ReadPrice(deadline time.Time) (float64, error) {
	if err := s.conn.SetReadDeadline(deadline); err != nil {
		return 0, fmt.Errorf("set read deadline: %w", err)
	}

	var frame tickerFrame
	if err := s.conn.ReadJSON(&frame); err != nil {
		return 0, err
	}
	price, err := strconv.ParseFloat(frame.LastPrice, 64)
	if err != nil {
		return 0, fmt.Errorf("parse ticker price %q: %w", frame.LastPrice, err)
	}
	if price <= 0 {
		return 0, fmt.Errorf("non-positive ticker price %v: %w", price, ports.ErrPriceUnavailable)
	}
	return price, nil
}

// Close closes the underlying connection.
func (s *Stream) Close() error {
	return s.conn.Close()
}
