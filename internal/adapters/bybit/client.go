// Package bybit implements the exchange ports against the Bybit v5 API.
package bybit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"alphaTradeSync/internal/ports"
)

const (
	baseURLMainnet = "https://api.bybit.com"
	baseURLTestnet = "https://api-testnet.bybit.com"
	baseURLDemo    = "https://api-demo.bybit.com"

	defaultRecvWindow = "5000"
	defaultCategory   = "linear"
	pageLimit         = 100

	// maxPages caps cursor-following so a bad cursor loop cannot spin forever.
	maxPages = 200
)

// Client implements ports.ExchangeClient over the Bybit v5 REST API.
type Client struct {
	baseURL    string
	apiKey     string
	apiSecret  string
	recvWindow string
	category   string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     ports.Logger

	// now is swappable for tests; signatures embed a timestamp.
	now func() time.Time
}

// Config holds configuration specific to the Bybit REST adapter.
type Config struct {
	APIKey    string
	APISecret string
	// Demo selects the demo-trading environment; Testnet the public testnet.
	// Demo wins when both are set. Default is mainnet.
	Demo    bool
	Testnet bool
	// RequestsPerSecond throttles outbound calls. Bybit allows 10/s per
	// endpoint group for private GETs.
	RequestsPerSecond float64
	Timeout           time.Duration
	Logger            ports.Logger
}

// New creates a Bybit REST client.
func New(cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for Bybit client: %w", ports.ErrConfigurationError)
	}
	if cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, fmt.Errorf("API key and secret are required: %w", ports.ErrInvalidAPIKeys)
	}
	baseURL := baseURLMainnet
	switch {
	case cfg.Demo:
		baseURL = baseURLDemo
	case cfg.Testnet:
		baseURL = baseURLTestnet
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 10
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	cfg.Logger.Info(context.Background(), "Bybit client configured", map[string]interface{}{
		"baseURL": baseURL, "requestsPerSecond": rps,
	})
	return &Client{
		baseURL:    baseURL,
		apiKey:     cfg.APIKey,
		apiSecret:  cfg.APISecret,
		recvWindow: defaultRecvWindow,
		category:   defaultCategory,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Limit(rps), 1),
		logger:     cfg.Logger,
		now:        time.Now,
	}, nil
}

// sign computes the v5 request signature over
// timestamp + apiKey + recvWindow + queryString.
func (c *Client) sign(timestamp, queryString string) string {
	mac := hmac.New(sha256.New, []byte(c.apiSecret))
	mac.Write([]byte(timestamp + c.apiKey + c.recvWindow + queryString))
	return hex.EncodeToString(mac.Sum(nil))
}

// get performs one signed GET and decodes the envelope.
func (c *Client) get(ctx context.Context, path string, params url.Values) (*restResponse, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", ports.ErrContextCanceled)
	}

	queryString := params.Encode()
	timestamp := strconv.FormatInt(c.now().UnixMilli(), 10)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+queryString, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", ports.ErrInvalidRequest)
	}
	req.Header.Set("X-BAPI-API-KEY", c.apiKey)
	req.Header.Set("X-BAPI-SIGN", c.sign(timestamp, queryString))
	req.Header.Set("X-BAPI-TIMESTAMP", timestamp)
	req.Header.Set("X-BAPI-RECV-WINDOW", c.recvWindow)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%s: %w", path, ports.ErrContextCanceled)
		}
		return nil, fmt.Errorf("%s: %v: %w", path, err, ports.ErrConnectionFailed)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading %s response: %w", path, ports.ErrConnectionFailed)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("%s: http 429: %w", path, ports.ErrRateLimited)
	}
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%s: http %d: %w", path, resp.StatusCode, ports.ErrExchangeUnavailable)
	}

	var envelope restResponse
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("decoding %s response: %w", path, ports.ErrMappingFailed)
	}
	if envelope.RetCode != 0 {
		return nil, c.handleRetCode(path, envelope.RetCode, envelope.RetMsg)
	}
	return &envelope, nil
}

// handleRetCode maps Bybit v5 business error codes onto the port sentinels.
func (c *Client) handleRetCode(path string, code int, msg string) error {
	var mapped error
	switch code {
	case 10002: // request not within recv_window
		mapped = ports.ErrTimeout
	case 10003, 10004, 10005: // invalid key, signature error, permission denied
		mapped = ports.ErrAuthenticationFailed
	case 10006, 10018: // rate limit / ip rate limit
		mapped = ports.ErrRateLimited
	case 10001: // parameter error
		mapped = ports.ErrInvalidRequest
	case 10016: // server error
		mapped = ports.ErrExchangeUnavailable
	default:
		mapped = ports.ErrUnknown
	}
	return fmt.Errorf("%s: retCode=%d retMsg=%q: %w", path, code, msg, mapped)
}

// paginate follows the page cursor until the endpoint reports no next page.
// Cursors come back percent-encoded in some responses and must be decoded
// before they are re-encoded into the next request's query string.
func (c *Client) paginate(ctx context.Context, path string, params url.Values, onPage func(list json.RawMessage) error) error {
	for page := 0; page < maxPages; page++ {
		envelope, err := c.get(ctx, path, params)
		if err != nil {
			return err
		}
		var result pagedResult
		if err := json.Unmarshal(envelope.Result, &result); err != nil {
			return fmt.Errorf("decoding %s result: %w", path, ports.ErrMappingFailed)
		}
		if len(result.List) > 0 {
			if err := onPage(result.List); err != nil {
				return err
			}
		}
		if result.NextPageCursor == "" {
			return nil
		}
		cursor := result.NextPageCursor
		if decoded, err := url.QueryUnescape(cursor); err == nil {
			cursor = decoded
		}
		params.Set("cursor", cursor)
	}
	return fmt.Errorf("%s: pagination did not terminate after %d pages: %w", path, maxPages, ports.ErrUnknown)
}

// ListExecutions fetches all executions in [start, end), draining the cursor.
func (c *Client) ListExecutions(ctx context.Context, start, end time.Time) ([]ports.ExecutionRecord, error) {
	params := url.Values{}
	params.Set("category", c.category)
	params.Set("startTime", strconv.FormatInt(start.UnixMilli(), 10))
	params.Set("endTime", strconv.FormatInt(end.UnixMilli(), 10))
	params.Set("limit", strconv.Itoa(pageLimit))

	var out []ports.ExecutionRecord
	err := c.paginate(ctx, "/v5/execution/list", params, func(list json.RawMessage) error {
		var page []wireExecution
		if err := json.Unmarshal(list, &page); err != nil {
			return fmt.Errorf("decoding execution page: %w", ports.ErrMappingFailed)
		}
		for _, w := range page {
			rec, err := translateExecution(w)
			if err != nil {
				c.logger.Warn(ctx, "Skipping malformed execution record", map[string]interface{}{
					"symbol": w.Symbol, "execId": w.ExecID, "error": err.Error(),
				})
				continue
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.logger.Debug(ctx, "Fetched executions", map[string]interface{}{
		"count": len(out), "start": start, "end": end,
	})
	return out, nil
}

// ListClosedPnL fetches all closed-P&L records in [start, end), optionally
// filtered by symbol.
func (c *Client) ListClosedPnL(ctx context.Context, start, end time.Time, symbol string) ([]ports.ClosedPnLRecord, error) {
	params := url.Values{}
	params.Set("category", c.category)
	params.Set("startTime", strconv.FormatInt(start.UnixMilli(), 10))
	params.Set("endTime", strconv.FormatInt(end.UnixMilli(), 10))
	params.Set("limit", strconv.Itoa(pageLimit))
	if symbol != "" {
		params.Set("symbol", symbol)
	}

	var out []ports.ClosedPnLRecord
	err := c.paginate(ctx, "/v5/position/closed-pnl", params, func(list json.RawMessage) error {
		var page []wireClosedPnL
		if err := json.Unmarshal(list, &page); err != nil {
			return fmt.Errorf("decoding closed pnl page: %w", ports.ErrMappingFailed)
		}
		for _, w := range page {
			rec, err := translateClosedPnL(w)
			if err != nil {
				c.logger.Warn(ctx, "Skipping malformed closed pnl record", map[string]interface{}{
					"symbol": w.Symbol, "orderId": w.OrderID, "error": err.Error(),
				})
				continue
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListPositions returns all currently open linear positions.
func (c *Client) ListPositions(ctx context.Context) ([]ports.LivePosition, error) {
	params := url.Values{}
	params.Set("category", c.category)
	params.Set("settleCoin", "USDT")
	params.Set("limit", strconv.Itoa(pageLimit))

	var out []ports.LivePosition
	err := c.paginate(ctx, "/v5/position/list", params, func(list json.RawMessage) error {
		var page []wirePosition
		if err := json.Unmarshal(list, &page); err != nil {
			return fmt.Errorf("decoding position page: %w", ports.ErrMappingFailed)
		}
		for _, w := range page {
			p := translatePosition(w)
			if p.Size > 0 {
				out = append(out, p)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Ping verifies connectivity and credentials with a minimal signed request.
func (c *Client) Ping(ctx context.Context) error {
	params := url.Values{}
	params.Set("category", c.category)
	params.Set("settleCoin", "USDT")
	params.Set("limit", "1")
	_, err := c.get(ctx, "/v5/position/list", params)
	return err
}
