package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"binance-signal-bot-go/internal/clock"
	"binance-signal-bot-go/internal/models"

	"github.com/jxskiss/base62"
	"go.uber.org/zap"
)

// Options configures a LiveExchange.
type Options struct {
	APIKey        string
	SecretKey     string
	BaseURL       string
	RecvWindowMs  int64
	RetryAttempts int
	RetryDelay    time.Duration
	Timeout       time.Duration
}

// LiveExchange talks to the real exchange over signed REST. All instances
// in the process share one clock synchronizer and one throttle, so
// timestamps stay consistent and the aggregate call rate stays bounded
// no matter how many bots are running.
type LiveExchange struct {
	opts       Options
	httpClient *http.Client
	clock      *clock.Synchronizer
	throttle   *Throttle
	logger     *zap.SugaredLogger

	mu         sync.Mutex
	symbolInfo map[string]*models.SymbolInfo
}

// NewLiveExchange creates a gateway instance. The synchronizer and
// throttle are shared process-wide and injected by the caller.
func NewLiveExchange(opts Options, sync *clock.Synchronizer, throttle *Throttle, logger *zap.SugaredLogger) *LiveExchange {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &LiveExchange{
		opts:       opts,
		httpClient: &http.Client{Timeout: timeout},
		clock:      sync,
		throttle:   throttle,
		logger:     logger,
		symbolInfo: make(map[string]*models.SymbolInfo),
	}
}

// sign produces the HMAC-SHA256 signature over the encoded parameters.
func (e *LiveExchange) sign(data string) string {
	h := hmac.New(sha256.New, []byte(e.opts.SecretKey))
	h.Write([]byte(data))
	return fmt.Sprintf("%x", h.Sum(nil))
}

// doRequest performs one HTTP call. Signed requests get a corrected
// timestamp, the recvWindow and a signature; all requests pass the
// category's throttle gate first.
func (e *LiveExchange) doRequest(ctx context.Context, method, endpoint string, params url.Values, cat Category, signed bool) ([]byte, error) {
	if e.throttle != nil {
		if err := e.throttle.Wait(ctx, cat); err != nil {
			return nil, err
		}
	}

	queryParams := url.Values{}
	for k, v := range params {
		queryParams[k] = v
	}

	var encodedParams string
	if signed {
		queryParams.Set("recvWindow", strconv.FormatInt(e.opts.RecvWindowMs, 10))
		queryParams.Set("timestamp", strconv.FormatInt(e.clock.CorrectedTimestamp(), 10))

		payload := queryParams.Encode()
		encodedParams = payload + "&signature=" + e.sign(payload)
	} else {
		encodedParams = queryParams.Encode()
	}

	fullURL := e.opts.BaseURL + endpoint
	if encodedParams != "" {
		fullURL += "?" + encodedParams
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	if e.opts.APIKey != "" {
		req.Header.Set("X-MBX-APIKEY", e.opts.APIKey)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing request %s %s: %w", method, endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}

	var apiErr models.APIError
	if json.Unmarshal(body, &apiErr) == nil && apiErr.Code != 0 {
		return body, &apiErr
	}
	if resp.StatusCode != http.StatusOK {
		return body, fmt.Errorf("request failed, status %d: %s", resp.StatusCode, string(body))
	}

	return body, nil
}

// signedRequest wraps doRequest with the timestamp-rejection retry: on a
// rejection the clock is resynced and the call replayed, a bounded number
// of times. Any other error surfaces immediately.
func (e *LiveExchange) signedRequest(ctx context.Context, method, endpoint string, params url.Values, cat Category) ([]byte, error) {
	attempts := e.opts.RetryAttempts
	if attempts < 1 {
		attempts = 1
	}
	delay := e.opts.RetryDelay
	if delay == 0 {
		delay = 500 * time.Millisecond
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		data, err := e.doRequest(ctx, method, endpoint, params, cat, true)
		if err == nil {
			return data, nil
		}

		var apiErr *models.APIError
		if !errors.As(err, &apiErr) || !apiErr.IsTimestampRejection() {
			return data, err
		}

		lastErr = err
		e.logger.Warnw("timestamp rejected, resyncing clock and retrying",
			"endpoint", endpoint, "attempt", attempt+1)
		if syncErr := e.clock.Sync(ctx, e); syncErr != nil {
			e.logger.Warnw("reactive clock sync failed", "err", syncErr)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, lastErr
}

// GetServerTime fetches the exchange's clock. Used as the time probe for
// clock synchronization; unsigned and unthrottled.
func (e *LiveExchange) GetServerTime(ctx context.Context) (int64, error) {
	data, err := e.doRequest(ctx, http.MethodGet, "/api/v3/time", nil, "", false)
	if err != nil {
		return 0, err
	}
	var resp struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return 0, fmt.Errorf("parsing server time: %w", err)
	}
	return resp.ServerTime, nil
}

// GetCandles fetches the most recent candles for a symbol, oldest first.
func (e *LiveExchange) GetCandles(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", interval)
	params.Set("limit", strconv.Itoa(limit))

	data, err := e.doRequest(ctx, http.MethodGet, "/api/v3/klines", params, CategoryPrice, false)
	if err != nil {
		return nil, err
	}

	// Klines arrive as arrays of mixed numbers and strings.
	var raw [][]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing klines: %w", err)
	}

	candles := make([]models.Candle, 0, len(raw))
	for _, k := range raw {
		if len(k) < 7 {
			return nil, fmt.Errorf("kline entry too short: %d fields", len(k))
		}
		var openTime, closeTime int64
		var open, high, low, closePrice, volume string
		if err := firstErr(
			json.Unmarshal(k[0], &openTime),
			json.Unmarshal(k[1], &open),
			json.Unmarshal(k[2], &high),
			json.Unmarshal(k[3], &low),
			json.Unmarshal(k[4], &closePrice),
			json.Unmarshal(k[5], &volume),
			json.Unmarshal(k[6], &closeTime),
		); err != nil {
			return nil, fmt.Errorf("parsing kline fields: %w", err)
		}

		c := models.Candle{
			OpenTime:  time.UnixMilli(openTime),
			CloseTime: time.UnixMilli(closeTime),
		}
		if c.Open, err = strconv.ParseFloat(open, 64); err != nil {
			return nil, fmt.Errorf("parsing kline open: %w", err)
		}
		if c.High, err = strconv.ParseFloat(high, 64); err != nil {
			return nil, fmt.Errorf("parsing kline high: %w", err)
		}
		if c.Low, err = strconv.ParseFloat(low, 64); err != nil {
			return nil, fmt.Errorf("parsing kline low: %w", err)
		}
		if c.Close, err = strconv.ParseFloat(closePrice, 64); err != nil {
			return nil, fmt.Errorf("parsing kline close: %w", err)
		}
		if c.Volume, err = strconv.ParseFloat(volume, 64); err != nil {
			return nil, fmt.Errorf("parsing kline volume: %w", err)
		}
		candles = append(candles, c)
	}

	return candles, nil
}

// GetBalances fetches the account's free and locked amounts per asset.
func (e *LiveExchange) GetBalances(ctx context.Context) (map[string]models.Balance, error) {
	data, err := e.signedRequest(ctx, http.MethodGet, "/api/v3/account", nil, CategoryAccount)
	if err != nil {
		return nil, err
	}

	var acct struct {
		Balances []struct {
			Asset  string `json:"asset"`
			Free   string `json:"free"`
			Locked string `json:"locked"`
		} `json:"balances"`
	}
	if err := json.Unmarshal(data, &acct); err != nil {
		return nil, fmt.Errorf("parsing account response: %w", err)
	}

	balances := make(map[string]models.Balance, len(acct.Balances))
	for _, b := range acct.Balances {
		free, err := strconv.ParseFloat(b.Free, 64)
		if err != nil {
			return nil, fmt.Errorf("parsing free balance for %s: %w", b.Asset, err)
		}
		locked, err := strconv.ParseFloat(b.Locked, 64)
		if err != nil {
			return nil, fmt.Errorf("parsing locked balance for %s: %w", b.Asset, err)
		}
		balances[b.Asset] = models.Balance{Asset: b.Asset, Free: free, Locked: locked}
	}
	return balances, nil
}

// GetSymbolInfo returns the symbol's trading rules, cached after the
// first fetch. Filters are static per symbol for practical purposes.
func (e *LiveExchange) GetSymbolInfo(ctx context.Context, symbol string) (*models.SymbolInfo, error) {
	e.mu.Lock()
	if info, ok := e.symbolInfo[symbol]; ok {
		e.mu.Unlock()
		return info, nil
	}
	e.mu.Unlock()

	params := url.Values{}
	params.Set("symbol", symbol)
	data, err := e.doRequest(ctx, http.MethodGet, "/api/v3/exchangeInfo", params, CategoryPrice, false)
	if err != nil {
		return nil, err
	}

	var info models.ExchangeInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("parsing exchange info: %w", err)
	}
	for i := range info.Symbols {
		if info.Symbols[i].Symbol == symbol {
			e.mu.Lock()
			e.symbolInfo[symbol] = &info.Symbols[i]
			e.mu.Unlock()
			return &info.Symbols[i], nil
		}
	}
	return nil, fmt.Errorf("symbol %s not found in exchange info", symbol)
}

// PlaceOrder snaps the quantity to the symbol's lot rule and submits the
// order with a generated client order id.
func (e *LiveExchange) PlaceOrder(ctx context.Context, req OrderRequest) (*models.Order, error) {
	info, err := e.GetSymbolInfo(ctx, req.Symbol)
	if err != nil {
		return nil, fmt.Errorf("loading symbol rules: %w", err)
	}
	lot := info.LotSize()
	quantity, err := SnapQuantity(req.Quantity, lot)
	if err != nil {
		return nil, fmt.Errorf("snapping quantity: %w", err)
	}

	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", req.Side)
	params.Set("type", req.Type)
	params.Set("quantity", FormatQuantity(quantity, lot))
	params.Set("newClientOrderId", newClientOrderID(req.BotID))
	params.Set("newOrderRespType", "FULL")
	if req.Type == "LIMIT" {
		params.Set("timeInForce", "GTC")
		params.Set("price", strconv.FormatFloat(req.Price, 'f', -1, 64))
	}

	data, err := e.signedRequest(ctx, http.MethodPost, "/api/v3/order", params, CategoryOrder)
	if err != nil {
		e.logger.Errorw("order rejected by exchange",
			"symbol", req.Symbol, "side", req.Side, "err", err, "raw", string(data))
		return nil, err
	}

	var order models.Order
	if err := json.Unmarshal(data, &order); err != nil {
		return nil, fmt.Errorf("parsing order response: %w", err)
	}
	return &order, nil
}

// newClientOrderID builds a compact, unique client order id. The bot id
// keeps fills attributable; base62 keeps it within the exchange's
// 36-character limit.
func newClientOrderID(botID string) string {
	id := "sb" + string(base62.FormatInt(time.Now().UnixNano()))
	if botID != "" {
		suffix := botID
		if len(suffix) > 8 {
			suffix = suffix[:8]
		}
		id += "-" + suffix
	}
	if len(id) > 36 {
		id = id[:36]
	}
	return id
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
