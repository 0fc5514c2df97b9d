// Package yahoo implements the upstream provider contract against a
// Yahoo-Finance-style chart API.
package yahoo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/aristath/quotevault/internal/upstream"
	"github.com/aristath/quotevault/internal/utils"
)

const (
	DefaultBaseURL = "https://query1.finance.yahoo.com"
	DefaultTimeout = 30 * time.Second
	SourceName     = "yahoo-chart-v8"
)

// Client fetches adjusted daily bars from the chart API. All outbound calls
// take one token from the rate limiter and a slot from the global semaphore;
// transient failures are retried with exponential backoff.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	sem        chan struct{}
	backoff    upstream.Backoff
	maxRetries int
	log        zerolog.Logger
}

// ClientOption configures the client
type ClientOption func(*Client)

// WithBaseURL sets the base URL
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		c.baseURL = baseURL
	}
}

// WithRateLimit sets the token-bucket refill rate and burst size
func WithRateLimit(perSecond float64, burst int) ClientOption {
	return func(c *Client) {
		c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithConcurrency bounds concurrent upstream calls process-wide
func WithConcurrency(n int) ClientOption {
	return func(c *Client) {
		if n < 1 {
			n = 1
		}
		c.sem = make(chan struct{}, n)
	}
}

// WithTimeout sets the per-request HTTP timeout
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// WithRetries sets the retry budget and backoff shape
func WithRetries(maxRetries int, backoff upstream.Backoff) ClientOption {
	return func(c *Client) {
		c.maxRetries = maxRetries
		c.backoff = backoff
	}
}

// WithLogger sets the logger
func WithLogger(log zerolog.Logger) ClientOption {
	return func(c *Client) {
		c.log = log.With().Str("component", "yahoo_client").Logger()
	}
}

// NewClient creates a new chart-API client
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    DefaultBaseURL,
		httpClient: &http.Client{Timeout: DefaultTimeout},
		limiter:    rate.NewLimiter(rate.Limit(2.0), 5),
		sem:        make(chan struct{}, 4),
		backoff:    upstream.DefaultBackoff(),
		maxRetries: 3,
		log:        zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// FetchDailyBars returns adjusted daily bars and corporate actions for the
// inclusive window [from, to]. The chart API treats the end as exclusive, so
// one day is added internally.
func (c *Client) FetchDailyBars(ctx context.Context, symbol string, from, to time.Time) (*upstream.Series, error) {
	params := url.Values{}
	params.Set("period1", strconv.FormatInt(utils.Midnight(from).Unix(), 10))
	params.Set("period2", strconv.FormatInt(utils.Midnight(to).AddDate(0, 0, 1).Unix(), 10))
	params.Set("interval", "1d")
	params.Set("events", "div|split|capitalGain")
	params.Set("includeAdjustedClose", "true")

	var payload chartResponse
	if err := c.get(ctx, "/v8/finance/chart/"+url.PathEscape(symbol), params, &payload); err != nil {
		return nil, err
	}

	return parseChart(symbol, &payload, c.log)
}

// Probe checks whether the provider knows the symbol. A one-week window is
// enough: any known symbol answers, even with zero bars.
func (c *Client) Probe(ctx context.Context, symbol string) (bool, error) {
	now := utils.Today()
	_, err := c.FetchDailyBars(ctx, symbol, now.AddDate(0, 0, -7), now)
	if errors.Is(err, upstream.ErrInvalidSymbol) {
		return false, nil
	}
	if err != nil && !errors.Is(err, upstream.ErrNoData) {
		return false, err
	}
	return true, nil
}

// get performs a rate-limited GET with retry on transient failures
func (c *Client) get(ctx context.Context, path string, params url.Values, result interface{}) error {
	select {
	case c.sem <- struct{}{}:
		defer func() { <-c.sem }()
	case <-ctx.Done():
		return ctx.Err()
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := c.backoff.Delay(attempt - 1)
			c.log.Debug().
				Str("path", path).
				Int("attempt", attempt).
				Dur("delay", delay).
				Msg("Retrying upstream request")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limit wait: %w", err)
		}

		err := c.doRequest(ctx, path, params, result)
		if err == nil {
			return nil
		}
		if upstream.IsPermanent(err) || ctx.Err() != nil {
			return err
		}
		lastErr = err
	}

	if errors.Is(lastErr, errRateSignal) {
		return fmt.Errorf("%w: %v", upstream.ErrRateLimited, lastErr)
	}
	return fmt.Errorf("upstream request failed after %d attempts: %w", c.maxRetries+1, lastErr)
}

// errRateSignal marks a 429-equivalent response inside the retry loop
var errRateSignal = errors.New("rate signal from provider")

func (c *Client) doRequest(ctx context.Context, path string, params url.Values, result interface{}) error {
	reqURL := fmt.Sprintf("%s%s?%s", c.baseURL, path, params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", "quotevault/1.0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return errRateSignal
	case resp.StatusCode == http.StatusNotFound:
		return upstream.ErrInvalidSymbol
	case resp.StatusCode >= 500:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("server error %d: %s", resp.StatusCode, string(body))
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		// 4xx responses other than 404/429 still carry a chart error body
		var payload chartResponse
		if json.Unmarshal(body, &payload) == nil && payload.Chart.Error != nil {
			return chartError(payload.Chart.Error)
		}
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return nil
}

// chartResponse mirrors the chart API envelope. Price arrays use pointers
// because the provider emits nulls for non-trading days.
type chartResponse struct {
	Chart struct {
		Result []chartResult `json:"result"`
		Error  *apiError     `json:"error"`
	} `json:"chart"`
}

type apiError struct {
	Code        string `json:"code"`
	Description string `json:"description"`
}

type chartResult struct {
	Timestamp  []int64 `json:"timestamp"`
	Indicators struct {
		Quote []struct {
			Open   []*float64 `json:"open"`
			High   []*float64 `json:"high"`
			Low    []*float64 `json:"low"`
			Close  []*float64 `json:"close"`
			Volume []*int64   `json:"volume"`
		} `json:"quote"`
		AdjClose []struct {
			AdjClose []*float64 `json:"adjclose"`
		} `json:"adjclose"`
	} `json:"indicators"`
	Events struct {
		Dividends map[string]struct {
			Amount float64 `json:"amount"`
			Date   int64   `json:"date"`
		} `json:"dividends"`
		Splits map[string]struct {
			Numerator   float64 `json:"numerator"`
			Denominator float64 `json:"denominator"`
			Date        int64   `json:"date"`
		} `json:"splits"`
		CapitalGains map[string]struct {
			Amount float64 `json:"amount"`
			Date   int64   `json:"date"`
		} `json:"capitalGains"`
	} `json:"events"`
}

func chartError(e *apiError) error {
	switch e.Code {
	case "Not Found":
		return upstream.ErrInvalidSymbol
	default:
		return fmt.Errorf("chart API error %s: %s", e.Code, e.Description)
	}
}

// parseChart converts the raw chart payload into a cleaned Series:
// adjusted OHLC, rows with missing or non-positive prices dropped, rows with
// negative volume dropped, sorted by date and deduplicated (last wins).
func parseChart(symbol string, payload *chartResponse, log zerolog.Logger) (*upstream.Series, error) {
	if payload.Chart.Error != nil {
		return nil, chartError(payload.Chart.Error)
	}
	if len(payload.Chart.Result) == 0 {
		return nil, upstream.ErrNoData
	}

	result := payload.Chart.Result[0]
	series := &upstream.Series{}

	if len(result.Indicators.Quote) > 0 {
		quote := result.Indicators.Quote[0]
		var adj []*float64
		if len(result.Indicators.AdjClose) > 0 {
			adj = result.Indicators.AdjClose[0].AdjClose
		}

		byDate := make(map[string]upstream.Bar)
		dropped := 0
		for i, ts := range result.Timestamp {
			bar, ok := buildBar(ts, i, quote.Open, quote.High, quote.Low, quote.Close, quote.Volume, adj)
			if !ok {
				dropped++
				continue
			}
			// Dedup on date, last wins
			byDate[utils.FormatDate(bar.Date)] = bar
		}

		if dropped > 0 {
			log.Debug().
				Str("symbol", symbol).
				Int("dropped", dropped).
				Msg("Dropped unusable upstream rows")
		}

		series.Bars = make([]upstream.Bar, 0, len(byDate))
		for _, bar := range byDate {
			series.Bars = append(series.Bars, bar)
		}
		sort.Slice(series.Bars, func(i, j int) bool {
			return series.Bars[i].Date.Before(series.Bars[j].Date)
		})
	}

	for _, div := range result.Events.Dividends {
		series.Events = append(series.Events, upstream.ActionEvent{
			Date:   utils.Midnight(time.Unix(div.Date, 0)),
			Type:   upstream.ActionDividend,
			Amount: div.Amount,
		})
	}
	for _, split := range result.Events.Splits {
		ratio := 0.0
		if split.Denominator != 0 {
			ratio = split.Numerator / split.Denominator
		}
		series.Events = append(series.Events, upstream.ActionEvent{
			Date:  utils.Midnight(time.Unix(split.Date, 0)),
			Type:  upstream.ActionSplit,
			Ratio: ratio,
		})
	}
	for _, cg := range result.Events.CapitalGains {
		series.Events = append(series.Events, upstream.ActionEvent{
			Date:   utils.Midnight(time.Unix(cg.Date, 0)),
			Type:   upstream.ActionCapitalGain,
			Amount: cg.Amount,
		})
	}

	sort.Slice(series.Events, func(i, j int) bool {
		return series.Events[i].Date.Before(series.Events[j].Date)
	})

	return series, nil
}

// buildBar assembles and validates one bar. Prices are scaled to the
// adjusted close so the whole OHLC row is adjustment-consistent.
func buildBar(ts int64, i int, open, high, low, close []*float64, volume []*int64, adj []*float64) (upstream.Bar, bool) {
	at := func(vals []*float64) (float64, bool) {
		if i >= len(vals) || vals[i] == nil {
			return 0, false
		}
		return *vals[i], true
	}

	o, ok1 := at(open)
	h, ok2 := at(high)
	l, ok3 := at(low)
	cl, ok4 := at(close)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return upstream.Bar{}, false
	}
	if o <= 0 || h <= 0 || l <= 0 || cl <= 0 {
		return upstream.Bar{}, false
	}

	factor := 1.0
	if i < len(adj) && adj[i] != nil && *adj[i] > 0 {
		factor = *adj[i] / cl
	}

	var vol int64
	if i < len(volume) && volume[i] != nil {
		vol = *volume[i]
	}
	if vol < 0 {
		// Policy: drop rows with negative volume
		return upstream.Bar{}, false
	}

	return upstream.Bar{
		Date:   utils.Midnight(time.Unix(ts, 0)),
		Open:   o * factor,
		High:   h * factor,
		Low:    l * factor,
		Close:  cl * factor,
		Volume: vol,
	}, true
}

// Source identifies this provider in stored rows
func (c *Client) Source() string {
	return SourceName
}

// Ensure Client implements the provider contract
var _ upstream.Client = (*Client)(nil)
