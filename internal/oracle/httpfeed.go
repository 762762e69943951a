package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/alanyoungcy/blindbet/internal/domain"
)

// HTTPFeedOptions configures an HTTP price feed.
type HTTPFeedOptions struct {
	// BaseURL is the API root; the feed requests <BaseURL>/price.
	BaseURL string
	APIKey  string
	// Quote is appended to the asset to form the symbol, e.g. "USD" gives
	// "ETH/USD". Empty sends the bare asset.
	Quote          string
	Timeout        time.Duration
	RequestsPerSec int
}

// HTTPFeed queries a TwelveData-style /price endpoint returning
// {"price":"2500.12"}.
type HTTPFeed struct {
	baseURL    string
	apiKey     string
	quote      string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewHTTPFeed creates an HTTPFeed.
func NewHTTPFeed(opts HTTPFeedOptions) *HTTPFeed {
	if opts.Timeout == 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.RequestsPerSec == 0 {
		opts.RequestsPerSec = 5
	}
	if opts.BaseURL == "" {
		opts.BaseURL = "https://api.twelvedata.com"
	}
	return &HTTPFeed{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		apiKey:     opts.APIKey,
		quote:      opts.Quote,
		httpClient: &http.Client{Timeout: opts.Timeout},
		limiter:    rate.NewLimiter(rate.Every(time.Second), opts.RequestsPerSec),
	}
}

type priceResponse struct {
	Price   json.RawMessage `json:"price"`
	Status  string          `json:"status"`
	Message string          `json:"message"`
}

// GetCurrentPrice fetches the latest price of asset. The value is parsed as
// an exact decimal; floats never enter the path.
func (f *HTTPFeed) GetCurrentPrice(ctx context.Context, asset string) (domain.Price, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return 0, fmt.Errorf("oracle: http feed: rate limit wait: %v: %w", err, domain.ErrOracleUnavailable)
	}

	symbol := strings.ToUpper(asset)
	if f.quote != "" {
		symbol += "/" + f.quote
	}
	q := url.Values{}
	q.Set("symbol", symbol)
	if f.apiKey != "" {
		q.Set("apikey", f.apiKey)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.baseURL+"/price?"+q.Encode(), nil)
	if err != nil {
		return 0, fmt.Errorf("oracle: http feed: create request: %w", err)
	}
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("oracle: http feed: %s: %v: %w", symbol, err, domain.ErrOracleUnavailable)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return 0, fmt.Errorf("oracle: http feed: read body: %v: %w", err, domain.ErrOracleUnavailable)
	}
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("oracle: http feed: %s: status %d: %w", symbol, resp.StatusCode, domain.ErrOracleUnavailable)
	}

	var pr priceResponse
	if err := json.Unmarshal(body, &pr); err != nil {
		return 0, fmt.Errorf("oracle: http feed: decode: %v: %w", err, domain.ErrOracleUnavailable)
	}
	if pr.Status == "error" || len(pr.Price) == 0 {
		return 0, fmt.Errorf("oracle: http feed: %s: %q: %w", symbol, pr.Message, domain.ErrOracleUnavailable)
	}

	raw := strings.Trim(string(pr.Price), `"`)
	p, err := domain.ParsePrice(raw)
	if err != nil || p <= 0 {
		return 0, fmt.Errorf("oracle: http feed: %s: bad price %q: %w", symbol, raw, domain.ErrOracleUnavailable)
	}
	return p, nil
}
