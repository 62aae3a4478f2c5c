// Package exchange implements the normalized execution-adapter interface
// (adapter.go) and its concrete Polymarket CLOB binding.
//
// Client talks to the Polymarket CLOB REST API:
//   - GetBestPrices:      GET    /book                 — top-of-book for a token
//   - SubmitOrderGateway: POST   /orders               — submit one order
//   - CancelOrder:        DELETE /orders               — cancel by ID
//   - GetOrder:           GET    /data/order/{id}      — poll a single order
//   - GetBalances:        GET    /balance              — USDC + position balances
//   - GetOpenPositions:   GET    /data/positions       — exchange-side open holdings
//   - GetOrderHistory:    GET    /data/trades          — fill history
//   - DeriveAPIKey:       GET    /auth/derive-api-key  — bootstrap L2 creds from L1 wallet
//
// Every request is rate-limited via per-category token buckets, retried on
// 5xx errors, and authenticated with L2 HMAC headers (except public book
// reads, which are unauthenticated).
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/GoPolymarket/polymarket-go-sdk/pkg/clob/clobtypes"
	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"predictcoord/internal/config"
	"predictcoord/pkg/types"
)

// clobOrderType maps the coordinator's TimeInForce onto the CLOB's own
// order-type constants, so the wire value matches what the SDK's own
// clients send rather than a hand-rolled string.
func clobOrderType(tif types.TimeInForce) string {
	switch tif {
	case types.TIFIOC, types.TIFFOK:
		return clobtypes.OrderTypeFAK
	default:
		return clobtypes.OrderTypeGTC
	}
}

// signedOrder is the on-chain CTF exchange order structure submitted as
// part of an orderPayload. buildOrderPayload leaves Signature empty: no
// EIP-712 order signature is computed.
type signedOrder struct {
	Maker         string `json:"maker"`
	Signer        string `json:"signer"`
	Taker         string `json:"taker"`
	TokenID       string `json:"tokenId"`
	MakerAmount   string `json:"makerAmount"`
	TakerAmount   string `json:"takerAmount"`
	Side          string `json:"side"`
	Expiration    string `json:"expiration"`
	Nonce         string `json:"nonce"`
	FeeRateBps    string `json:"feeRateBps"`
	SignatureType int    `json:"signatureType"`
	Signature     string `json:"signature"`
}

// orderPayload is the REST request body for POST /orders.
type orderPayload struct {
	Order     signedOrder `json:"order"`
	Owner     string      `json:"owner"`
	OrderType string      `json:"orderType"`
}

// rawOrderResponse is the CLOB's reply to order submission/polling.
type rawOrderResponse struct {
	Success       bool   `json:"success"`
	OrderID       string `json:"orderID"`
	Status        string `json:"status"`
	ErrorMsg      string `json:"errorMsg"`
	MakingAmount  string `json:"makingAmount"`
	TakingAmount  string `json:"takingAmount"`
	MatchedAmount string `json:"sizeMatched"`
	Price         string `json:"price"`
}

// rawBookLevel is a single price/size level in a book response.
type rawBookLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// rawBookResponse is the REST response from GET /book for a single token.
type rawBookResponse struct {
	AssetID string         `json:"asset_id"`
	Bids    []rawBookLevel `json:"bids"`
	Asks    []rawBookLevel `json:"asks"`
}

// Client is the Polymarket CLOB REST client, and the production
// ExchangeClient the coordinator drives in non-dry-run deployments.
type Client struct {
	http    *resty.Client
	auth    *Auth
	rl      *RateLimiter
	books   *BookFeed // may be nil when no live market feed is running
	dryRun  bool
	feeBps  int
	logger  *slog.Logger
}

var _ ExchangeClient = (*Client)(nil)

// NewClient builds a Client. books may be nil; when set, GetBestPrices
// prefers the feed's live cache over a REST round-trip.
func NewClient(cfg config.PolymarketConfig, auth *Auth, books *BookFeed, dryRun bool, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	httpClient := resty.New().
		SetBaseURL(cfg.CLOBBaseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &Client{
		http:   httpClient,
		auth:   auth,
		rl:     NewRateLimiter(),
		books:  books,
		dryRun: dryRun,
		logger: logger.With("component", "exchange_client", "exchange", "polymarket"),
	}
}

// DeriveAPIKey derives L2 API credentials via L1 authentication and installs
// them on auth for subsequent calls.
func (c *Client) DeriveAPIKey(ctx context.Context) (*Credentials, error) {
	headers, err := c.auth.L1Headers(0)
	if err != nil {
		return nil, fmt.Errorf("l1 headers: %w", err)
	}

	var result Credentials
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&result).
		Get("/auth/derive-api-key")
	if err != nil {
		return nil, fmt.Errorf("derive api key: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("derive api key: status %d: %s", resp.StatusCode(), resp.String())
	}

	c.auth.SetCredentials(result)
	c.logger.Info("API key derived", "api_key", result.ApiKey)
	return &result, nil
}

func (c *Client) buildOrderPayload(req types.OrderRequest) orderPayload {
	isBuy := req.OrderSide == types.OrderSideBuy
	makerAmt, takerAmt := sharesToAmounts(req.LimitPrice, req.Shares, isBuy)

	side := "BUY"
	if !isBuy {
		side = "SELL"
	}

	return orderPayload{
		Order: signedOrder{
			Maker:         c.auth.FunderAddress().Hex(),
			Signer:        c.auth.Address().Hex(),
			Taker:         "0x0000000000000000000000000000000000000000",
			TokenID:       req.TokenID,
			MakerAmount:   makerAmt.String(),
			TakerAmount:   takerAmt.String(),
			Side:          side,
			Expiration:    "0",
			Nonce:         "0",
			FeeRateBps:    fmt.Sprintf("%d", c.feeBps),
			SignatureType: c.auth.sigType,
		},
		Owner:     c.auth.creds.ApiKey,
		OrderType: clobOrderType(req.TimeInForce),
	}
}

// SubmitOrderGateway submits a single order with L2 HMAC request headers.
// The order itself is sent without an EIP-712 signature.
func (c *Client) SubmitOrderGateway(ctx context.Context, req types.OrderRequest) (OrderResponse, error) {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would submit order", "client_order_id", req.ClientOrderID, "token_id", req.TokenID)
		return OrderResponse{ExchangeOrderID: "dry-run-" + req.ClientOrderID, RawStatus: "live"}, nil
	}
	if err := c.rl.Order.Wait(ctx); err != nil {
		return OrderResponse{}, err
	}

	payload := c.buildOrderPayload(req)
	body, err := json.Marshal(payload)
	if err != nil {
		return OrderResponse{}, fmt.Errorf("marshal order: %w", err)
	}
	headers, err := c.auth.L2Headers(http.MethodPost, "/orders", string(body))
	if err != nil {
		return OrderResponse{}, fmt.Errorf("l2 headers: %w", err)
	}

	var raw rawOrderResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(payload).
		SetResult(&raw).
		Post("/orders")
	if err != nil {
		return OrderResponse{}, fmt.Errorf("post order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return OrderResponse{}, fmt.Errorf("post order: status %d: %s", resp.StatusCode(), resp.String())
	}
	if !raw.Success {
		return OrderResponse{ErrorMessage: raw.ErrorMsg}, fmt.Errorf("order rejected: %s", raw.ErrorMsg)
	}

	return normalizeOrder(raw), nil
}

// GetOrder polls a single order's current state.
func (c *Client) GetOrder(ctx context.Context, exchangeOrderID string) (OrderResponse, error) {
	if err := c.rl.Book.Wait(ctx); err != nil {
		return OrderResponse{}, err
	}

	path := "/data/order/" + exchangeOrderID
	headers, err := c.auth.L2Headers(http.MethodGet, path, "")
	if err != nil {
		return OrderResponse{}, fmt.Errorf("l2 headers: %w", err)
	}

	var raw rawOrderResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&raw).
		Get(path)
	if err != nil {
		return OrderResponse{}, fmt.Errorf("get order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return OrderResponse{}, fmt.Errorf("get order: status %d: %s", resp.StatusCode(), resp.String())
	}
	return normalizeOrder(raw), nil
}

// CancelOrder cancels a single working order.
func (c *Client) CancelOrder(ctx context.Context, exchangeOrderID string) error {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would cancel order", "order_id", exchangeOrderID)
		return nil
	}
	if err := c.rl.Cancel.Wait(ctx); err != nil {
		return err
	}

	payload := struct {
		OrderIDs []string `json:"orderIDs"`
	}{OrderIDs: []string{exchangeOrderID}}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal cancel: %w", err)
	}
	headers, err := c.auth.L2Headers(http.MethodDelete, "/orders", string(body))
	if err != nil {
		return fmt.Errorf("l2 headers: %w", err)
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(json.RawMessage(body)).
		Delete("/orders")
	if err != nil {
		return fmt.Errorf("cancel order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("cancel order: status %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}

// GetBestPrices returns the top-of-book for tokenID, preferring a live
// WebSocket cache over a REST round-trip when one is running.
func (c *Client) GetBestPrices(ctx context.Context, tokenID string) (BestPrices, error) {
	if c.books != nil {
		if best, ok := c.books.Best(tokenID); ok {
			return best, nil
		}
	}

	if err := c.rl.Book.Wait(ctx); err != nil {
		return BestPrices{}, err
	}
	var raw rawBookResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("token_id", tokenID).
		SetResult(&raw).
		Get("/book")
	if err != nil {
		return BestPrices{}, fmt.Errorf("get book: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return BestPrices{}, fmt.Errorf("get book: status %d: %s", resp.StatusCode(), resp.String())
	}
	return bestFromLevels(raw.Bids, raw.Asks), nil
}

// InferOrderStatus maps a raw CLOB status string to the coordinator's
// normalized OrderStatus.
func (c *Client) InferOrderStatus(resp OrderResponse) types.OrderStatus {
	switch resp.RawStatus {
	case "matched":
		return types.StatusFilled
	case "live", "delayed", "unmatched":
		if resp.FilledShares > 0 {
			return types.StatusPartiallyFilled
		}
		return types.StatusSubmitted
	case "cancelled":
		return types.StatusCancelled
	case "":
		return types.StatusFailed
	default:
		return types.StatusRejected
	}
}

// CalculateFill returns the already-normalized fill fields carried on resp.
func (c *Client) CalculateFill(resp OrderResponse) (uint64, *decimal.Decimal) {
	return resp.FilledShares, resp.AvgFillPrice
}

// GetBalances fetches account USDC + collateral balances.
func (c *Client) GetBalances(ctx context.Context) ([]Balance, error) {
	if err := c.rl.Book.Wait(ctx); err != nil {
		return nil, err
	}
	headers, err := c.auth.L2Headers(http.MethodGet, "/balance", "")
	if err != nil {
		return nil, fmt.Errorf("l2 headers: %w", err)
	}

	var raw []struct {
		Asset  string `json:"asset"`
		Amount string `json:"amount"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&raw).
		Get("/balance")
	if err != nil {
		return nil, fmt.Errorf("get balances: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get balances: status %d: %s", resp.StatusCode(), resp.String())
	}

	balances := make([]Balance, 0, len(raw))
	for _, b := range raw {
		amt, err := decimal.NewFromString(b.Amount)
		if err != nil {
			continue
		}
		balances = append(balances, Balance{Asset: b.Asset, Amount: amt})
	}
	return balances, nil
}

// GetOpenPositions fetches the exchange's own view of open holdings, for
// reconciliation against the coordinator's internal position book. These
// are exchange-wide, not attributed to any coordinator agent/domain: the
// caller's reconciliation job is responsible for matching them up by
// TokenID against internally-tracked positions.
func (c *Client) GetOpenPositions(ctx context.Context) ([]types.Position, error) {
	if err := c.rl.Book.Wait(ctx); err != nil {
		return nil, err
	}
	headers, err := c.auth.L2Headers(http.MethodGet, "/data/positions", "")
	if err != nil {
		return nil, fmt.Errorf("l2 headers: %w", err)
	}

	var raw []struct {
		TokenID string `json:"asset"`
		Size    string `json:"size"`
		AvgCost string `json:"avgPrice"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&raw).
		Get("/data/positions")
	if err != nil {
		return nil, fmt.Errorf("get positions: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get positions: status %d: %s", resp.StatusCode(), resp.String())
	}

	now := time.Now()
	positions := make([]types.Position, 0, len(raw))
	for _, p := range raw {
		shares, err := decimal.NewFromString(p.Size)
		if err != nil {
			continue
		}
		entry, err := decimal.NewFromString(p.AvgCost)
		if err != nil {
			continue
		}
		positions = append(positions, types.Position{
			TokenID:    p.TokenID,
			Shares:     uint64(shares.IntPart()),
			EntryPrice: entry,
			EntryTime:  now,
			UpdatedAt:  now,
		})
	}
	return positions, nil
}

// GetOrderHistory fetches recent fills for a token, most-recent first.
func (c *Client) GetOrderHistory(ctx context.Context, tokenID string, limit int) ([]OrderResponse, error) {
	if err := c.rl.Book.Wait(ctx); err != nil {
		return nil, err
	}
	path := "/data/trades"
	headers, err := c.auth.L2Headers(http.MethodGet, path, "")
	if err != nil {
		return nil, fmt.Errorf("l2 headers: %w", err)
	}

	var raw []rawOrderResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetQueryParam("market", tokenID).
		SetQueryParam("limit", fmt.Sprintf("%d", limit)).
		SetResult(&raw).
		Get(path)
	if err != nil {
		return nil, fmt.Errorf("get trades: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get trades: status %d: %s", resp.StatusCode(), resp.String())
	}

	history := make([]OrderResponse, 0, len(raw))
	for _, r := range raw {
		history = append(history, normalizeOrder(r))
	}
	return history, nil
}

func normalizeOrder(raw rawOrderResponse) OrderResponse {
	out := OrderResponse{ExchangeOrderID: raw.OrderID, RawStatus: raw.Status, ErrorMessage: raw.ErrorMsg}
	if raw.MatchedAmount != "" {
		if matched, err := decimal.NewFromString(raw.MatchedAmount); err == nil {
			out.FilledShares = uint64(matched.IntPart())
		}
	}
	if raw.Price != "" {
		if price, err := decimal.NewFromString(raw.Price); err == nil {
			out.AvgFillPrice = &price
		}
	}
	return out
}

func bestFromLevels(bids, asks []rawBookLevel) BestPrices {
	var best BestPrices
	if len(bids) > 0 {
		if p, err := decimal.NewFromString(bids[0].Price); err == nil {
			best.Bid = &p
		}
	}
	if len(asks) > 0 {
		if p, err := decimal.NewFromString(asks[0].Price); err == nil {
			best.Ask = &p
		}
	}
	return best
}
