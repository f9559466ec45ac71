// Package exchange implements the exchange REST and WebSocket clients.
//
// The REST client (Client) talks to the trading API for order management and
// market data:
//   - PlaceOrder:      POST   /portfolio/orders           — place one limit order
//   - CancelOrder:     DELETE /portfolio/orders/{id}      — cancel by ID (404 = already gone)
//   - GetOrderbook:    GET    /markets/{t}/orderbook      — YES/NO bid ladders
//   - GetCandles:      GET    /markets/{t}/candlesticks   — 5-minute OHLC history
//   - GetValidMarkets: GET    /incentive_programs         — liquidity-program universe (paginated)
//   - GetLIPTarget:    GET    /incentive_programs?market_ticker=t — per-market target size
//
// Every request is rate-limited via per-category TokenBuckets. Rate-limited
// responses (429) are retried locally with exponential backoff (100 ms start,
// doubling, 5 s cap, three retries) before surfacing as transient.
package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"

	"kalshi-lip-mm/internal/config"
	"kalshi-lip-mm/pkg/types"
)

const (
	rateLimitBaseWait = 100 * time.Millisecond
	rateLimitMaxWait  = 5 * time.Second
	rateLimitRetries  = 3
)

// Client is the exchange REST API client.
// It wraps a resty HTTP client with rate limiting and retry.
type Client struct {
	http   *resty.Client // HTTP client with base URL + timeout
	rl     *RateLimiter  // per-endpoint-category rate limiting
	dryRun bool          // when true, mutating methods return fake success without HTTP calls
	logger *slog.Logger
}

// NewClient creates a REST client with rate limiting.
func NewClient(cfg config.Config, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.Exchange.BaseURL).
		SetTimeout(10 * time.Second).
		SetHeader("Content-Type", "application/json").
		SetHeader("KALSHI-ACCESS-KEY", cfg.Exchange.APIKeyID)

	return &Client{
		http:   httpClient,
		rl:     NewRateLimiter(),
		dryRun: cfg.DryRun,
		logger: logger.With("component", "exchange"),
	}
}

// withRateLimitRetry runs fn, retrying on RateLimited with exponential
// backoff. After the retry budget is exhausted the error surfaces as-is
// (a transient kind, so the breaker counts it).
func withRateLimitRetry(ctx context.Context, fn func() error) error {
	wait := rateLimitBaseWait
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil || Kind(err) != KindRateLimited || attempt >= rateLimitRetries {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		wait *= 2
		if wait > rateLimitMaxWait {
			wait = rateLimitMaxWait
		}
	}
}

// orderRequest is the POST /portfolio/orders body. Prices are integer cents;
// all orders are expressed on the YES contract.
type orderRequest struct {
	Ticker        string `json:"ticker"`
	ClientOrderID string `json:"client_order_id"`
	Action        string `json:"action"` // "buy" or "sell"
	Side          string `json:"side"`   // always "yes"
	Type          string `json:"type"`   // "limit"
	Count         int    `json:"count"`
	YesPriceCents int    `json:"yes_price"`
	TimeInForce   string `json:"time_in_force,omitempty"` // "ioc" for cash-outs
}

type orderResponse struct {
	Order struct {
		OrderID string `json:"order_id"`
	} `json:"order"`
}

// PlaceOrder places a single limit order and returns the exchange order ID.
func (c *Client) PlaceOrder(ctx context.Context, ticker string, side types.Side, price float64, size int, tif types.TimeInForce) (string, error) {
	if size <= 0 {
		return "", &APIError{Kind: KindOrderRejected, Msg: fmt.Sprintf("non-positive size %d", size)}
	}
	if c.dryRun {
		id := "dry-run-" + uuid.NewString()
		c.logger.Info("DRY-RUN: would place order",
			"ticker", ticker, "side", side, "price", price, "size", size, "tif", tif)
		return id, nil
	}
	if err := c.rl.Order.Wait(ctx); err != nil {
		return "", err
	}

	req := orderRequest{
		Ticker:        ticker,
		ClientOrderID: uuid.NewString(),
		Action:        string(side),
		Side:          string(types.YES),
		Type:          "limit",
		Count:         size,
		YesPriceCents: types.Cents(price),
	}
	if tif == types.TIFIOC {
		req.TimeInForce = "ioc"
	}

	var result orderResponse
	err := withRateLimitRetry(ctx, func() error {
		resp, err := c.http.R().
			SetContext(ctx).
			SetBody(req).
			SetResult(&result).
			Post("/trade-api/v2/portfolio/orders")
		if err != nil {
			return fmt.Errorf("place order: %w", err)
		}
		if resp.StatusCode() != http.StatusCreated && resp.StatusCode() != http.StatusOK {
			return classifyStatus(resp.StatusCode(), resp.String())
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return result.Order.OrderID, nil
}

// CancelOrder cancels an order by ID. A 404 means the order is already gone
// and is treated as success.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would cancel order", "order_id", orderID)
		return nil
	}
	if err := c.rl.Cancel.Wait(ctx); err != nil {
		return err
	}

	return withRateLimitRetry(ctx, func() error {
		resp, err := c.http.R().
			SetContext(ctx).
			Delete("/trade-api/v2/portfolio/orders/" + orderID)
		if err != nil {
			return fmt.Errorf("cancel order: %w", err)
		}
		switch resp.StatusCode() {
		case http.StatusOK, http.StatusNoContent, http.StatusNotFound:
			return nil
		default:
			return classifyStatus(resp.StatusCode(), resp.String())
		}
	})
}

// rawOrderbook is the wire shape: each level is a [price_cents, count] pair.
type rawOrderbook struct {
	Orderbook struct {
		Yes [][2]int `json:"yes"`
		No  [][2]int `json:"no"`
	} `json:"orderbook"`
}

// GetOrderbook fetches the YES and NO bid ladders for a market.
func (c *Client) GetOrderbook(ctx context.Context, ticker string) (*types.OrderbookResponse, error) {
	if err := c.rl.Read.Wait(ctx); err != nil {
		return nil, err
	}

	var raw rawOrderbook
	err := withRateLimitRetry(ctx, func() error {
		resp, err := c.http.R().
			SetContext(ctx).
			SetResult(&raw).
			Get("/trade-api/v2/markets/" + ticker + "/orderbook")
		if err != nil {
			return fmt.Errorf("get orderbook: %w", err)
		}
		if resp.StatusCode() != http.StatusOK {
			return classifyStatus(resp.StatusCode(), resp.String())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &types.OrderbookResponse{
		YesBids: levelsFromPairs(raw.Orderbook.Yes),
		NoBids:  levelsFromPairs(raw.Orderbook.No),
	}, nil
}

func levelsFromPairs(pairs [][2]int) []types.PriceLevel {
	levels := make([]types.PriceLevel, 0, len(pairs))
	for _, p := range pairs {
		if p[1] <= 0 {
			continue
		}
		levels = append(levels, types.PriceLevel{Price: types.FromCents(p[0]), Count: p[1]})
	}
	return levels
}

// rawCandles is the wire shape of the candlestick endpoint. Prices come back
// in cents; converted to dollars on the way out.
type rawCandles struct {
	Candlesticks []struct {
		Price struct {
			Open  int `json:"open"`
			High  int `json:"high"`
			Low   int `json:"low"`
			Close int `json:"close"`
		} `json:"price"`
		EndPeriodTS int64 `json:"end_period_ts"`
	} `json:"candlesticks"`
}

// GetCandles fetches 5-minute midpoint candles for [startTS, endTS].
func (c *Client) GetCandles(ctx context.Context, ticker string, startTS, endTS int64) ([]types.Candle, error) {
	if err := c.rl.Read.Wait(ctx); err != nil {
		return nil, err
	}

	var raw rawCandles
	err := withRateLimitRetry(ctx, func() error {
		resp, err := c.http.R().
			SetContext(ctx).
			SetQueryParams(map[string]string{
				"start_ts":        fmt.Sprintf("%d", startTS),
				"end_ts":          fmt.Sprintf("%d", endTS),
				"period_interval": "5",
			}).
			SetResult(&raw).
			Get("/trade-api/v2/markets/" + ticker + "/candlesticks")
		if err != nil {
			return fmt.Errorf("get candles: %w", err)
		}
		if resp.StatusCode() != http.StatusOK {
			return classifyStatus(resp.StatusCode(), resp.String())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	candles := make([]types.Candle, 0, len(raw.Candlesticks))
	for _, rc := range raw.Candlesticks {
		candles = append(candles, types.Candle{
			Open:  types.FromCents(rc.Price.Open),
			High:  types.FromCents(rc.Price.High),
			Low:   types.FromCents(rc.Price.Low),
			Close: types.FromCents(rc.Price.Close),
			TS:    rc.EndPeriodTS,
		})
	}
	return candles, nil
}

// rawPrograms is one page of the incentive-program listing.
type rawPrograms struct {
	Programs []struct {
		MarketTicker string `json:"market_ticker"`
		TargetSize   int    `json:"target_size"`
		CloseTS      int64  `json:"close_ts"`
		Toxic        bool   `json:"toxic"`
	} `json:"programs"`
	Cursor string `json:"cursor"`
}

// GetValidMarkets fetches the universe of active liquidity-program markets,
// following pagination cursors until exhausted.
func (c *Client) GetValidMarkets(ctx context.Context) ([]types.MarketInfo, error) {
	var all []types.MarketInfo
	cursor := ""

	for {
		if err := c.rl.Read.Wait(ctx); err != nil {
			return nil, err
		}

		var page rawPrograms
		err := withRateLimitRetry(ctx, func() error {
			req := c.http.R().
				SetContext(ctx).
				SetQueryParams(map[string]string{
					"type":   "liquidity",
					"status": "active",
					"limit":  "100",
				}).
				SetResult(&page)
			if cursor != "" {
				req.SetQueryParam("cursor", cursor)
			}
			resp, err := req.Get("/trade-api/v2/incentive_programs")
			if err != nil {
				return fmt.Errorf("get incentive programs: %w", err)
			}
			if resp.StatusCode() != http.StatusOK {
				return classifyStatus(resp.StatusCode(), resp.String())
			}
			return nil
		})
		if err != nil {
			return nil, err
		}

		for _, p := range page.Programs {
			all = append(all, types.MarketInfo{
				Ticker:    p.MarketTicker,
				CloseTime: time.Unix(p.CloseTS, 0),
				LIPTarget: p.TargetSize,
				Toxic:     p.Toxic,
			})
		}

		if page.Cursor == "" {
			break
		}
		cursor = page.Cursor
	}

	return all, nil
}

// GetLIPTarget fetches the current qualifying target size for one market.
// Returns 0 if the market has no active liquidity program.
func (c *Client) GetLIPTarget(ctx context.Context, ticker string) (int, error) {
	if err := c.rl.Read.Wait(ctx); err != nil {
		return 0, err
	}

	var page rawPrograms
	err := withRateLimitRetry(ctx, func() error {
		resp, err := c.http.R().
			SetContext(ctx).
			SetQueryParams(map[string]string{
				"type":          "liquidity",
				"status":        "active",
				"market_ticker": ticker,
			}).
			SetResult(&page).
			Get("/trade-api/v2/incentive_programs")
		if err != nil {
			return fmt.Errorf("get lip target: %w", err)
		}
		if resp.StatusCode() != http.StatusOK {
			return classifyStatus(resp.StatusCode(), resp.String())
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if len(page.Programs) == 0 {
		return 0, nil
	}
	return page.Programs[0].TargetSize, nil
}
