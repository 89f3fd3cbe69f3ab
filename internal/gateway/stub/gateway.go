// Package stub provides a deterministic in-memory Gateway for tests and
// paper trading. Responses are scripted per token; unscripted calls return
// sensible defaults instead of errors.
package stub

import (
	"context"
	"sync"
	"time"

	"polytrader/internal/domain"
	"polytrader/internal/gateway"
)

// Call records one trade request made against the stub.
type Call struct {
	Op         string // "buy" or "sell"
	TokenID    string
	Amount     float64 // notional for buys, shares for sells
	LimitPrice float64
	Type       domain.OrderType
}

// Gateway is a scripted gateway.Gateway implementation.
type Gateway struct {
	mu sync.Mutex

	markets  map[string]domain.Market
	quotes   map[string]domain.Quote
	balances map[string]float64

	// scripted results, consumed in order; the last entry repeats
	buyResults  map[string][]scripted
	sellResults map[string][]scripted

	calls []Call
}

type scripted struct {
	result gateway.TradeResult
	err    error
}

// New creates an empty stub gateway.
func New() *Gateway {
	return &Gateway{
		markets:     make(map[string]domain.Market),
		quotes:      make(map[string]domain.Quote),
		balances:    make(map[string]float64),
		buyResults:  make(map[string][]scripted),
		sellResults: make(map[string][]scripted),
	}
}

// SetMarket scripts the current market for a symbol.
func (g *Gateway) SetMarket(symbol string, m domain.Market) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.markets[symbol] = m
}

// SetQuote scripts the top-of-book for a token.
func (g *Gateway) SetQuote(tokenID string, q domain.Quote) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.quotes[tokenID] = q
}

// SetBalance scripts the settled balance for a token.
func (g *Gateway) SetBalance(tokenID string, shares float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.balances[tokenID] = shares
}

// QueueBuy appends a scripted buy response for a token.
func (g *Gateway) QueueBuy(tokenID string, r gateway.TradeResult, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.buyResults[tokenID] = append(g.buyResults[tokenID], scripted{result: r, err: err})
}

// QueueSell appends a scripted sell response for a token.
func (g *Gateway) QueueSell(tokenID string, r gateway.TradeResult, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sellResults[tokenID] = append(g.sellResults[tokenID], scripted{result: r, err: err})
}

// Calls returns a copy of all recorded trade requests.
func (g *Gateway) Calls() []Call {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Call, len(g.calls))
	copy(out, g.calls)
	return out
}

// CurrentMarket implements gateway.Gateway.
func (g *Gateway) CurrentMarket(_ context.Context, symbol string) (domain.Market, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if m, ok := g.markets[symbol]; ok {
		return m, nil
	}
	return domain.Market{
		Symbol:    symbol,
		UpToken:   symbol + "-up",
		DownToken: symbol + "-down",
		EndTime:   time.Now().Add(15 * time.Minute),
	}, nil
}

// BestPrices implements gateway.Gateway.
func (g *Gateway) BestPrices(_ context.Context, tokenID string) (domain.Quote, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if q, ok := g.quotes[tokenID]; ok {
		return q, nil
	}
	return domain.Quote{Bid: 0.49, Ask: 0.51, Mid: 0.50, Spread: 0.02, BidSize: 100, AskSize: 100}, nil
}

// Balance implements gateway.Gateway.
func (g *Gateway) Balance(_ context.Context, tokenID string) (float64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.balances[tokenID], nil
}

// Buy implements gateway.Gateway. A fully filled default is returned when no
// response is scripted, with the balance adjusted to match.
func (g *Gateway) Buy(_ context.Context, tokenID string, notional, limitPrice float64, typ domain.OrderType) (gateway.TradeResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, Call{Op: "buy", TokenID: tokenID, Amount: notional, LimitPrice: limitPrice, Type: typ})

	if s, ok := g.next(g.buyResults, tokenID); ok {
		if s.err == nil && s.result.Executed() {
			g.balances[tokenID] += s.result.Shares
		}
		return s.result, s.err
	}

	shares := notional / limitPrice
	g.balances[tokenID] += shares
	return gateway.TradeResult{
		Filled:   true,
		Shares:   shares,
		AvgPrice: limitPrice,
		TxRef:    "0xstub-buy",
		Success:  true,
		Status:   gateway.StatusMatched,
	}, nil
}

// Sell implements gateway.Gateway.
func (g *Gateway) Sell(_ context.Context, tokenID string, shares, limitPrice float64, typ domain.OrderType) (gateway.TradeResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, Call{Op: "sell", TokenID: tokenID, Amount: shares, LimitPrice: limitPrice, Type: typ})

	if s, ok := g.next(g.sellResults, tokenID); ok {
		if s.err == nil && s.result.Executed() {
			g.balances[tokenID] -= s.result.Shares
		}
		return s.result, s.err
	}

	g.balances[tokenID] -= shares
	return gateway.TradeResult{
		Filled:   true,
		Shares:   shares,
		AvgPrice: limitPrice,
		TxRef:    "0xstub-sell",
		Success:  true,
		Status:   gateway.StatusMatched,
	}, nil
}

// next pops the next scripted response, repeating the final entry.
func (g *Gateway) next(m map[string][]scripted, tokenID string) (scripted, bool) {
	queue := m[tokenID]
	if len(queue) == 0 {
		return scripted{}, false
	}
	s := queue[0]
	if len(queue) > 1 {
		m[tokenID] = queue[1:]
	}
	return s, true
}

var _ gateway.Gateway = (*Gateway)(nil)
