package stable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

var (
	// ErrInvalidPrice signals a non-positive, missing, or mis-scaled feed
	// answer. It is a hard fault: the caller must not substitute a default.
	ErrInvalidPrice = errors.New("stable oracle: invalid price answer")
	// ErrStalePrice signals a round older than the configured freshness
	// window.
	ErrStalePrice = errors.New("stable oracle: price round too old")
)

// RoundData is a single observation from a collateral price feed. Answer is
// an integer scaled by 10^Decimals in the reference currency.
type RoundData struct {
	Answer    *big.Int
	Decimals  uint8
	UpdatedAt time.Time
}

// PriceFeed resolves the current reference-currency price for one collateral
// asset. Implementations are read-only and must never mutate engine state.
type PriceFeed interface {
	LatestRound(ctx context.Context) (RoundData, error)
}

// ManualFeed is an in-memory feed used for tests and manual overrides during
// incident response.
type ManualFeed struct {
	mu    sync.RWMutex
	round RoundData
	set   bool
}

// NewManualFeed constructs an empty manual feed. Reads fail until a price is
// recorded.
func NewManualFeed() *ManualFeed {
	return &ManualFeed{}
}

// SetAnswer records an answer already scaled to 8 decimals.
func (m *ManualFeed) SetAnswer(answer *big.Int, at time.Time) {
	if m == nil || answer == nil {
		return
	}
	m.mu.Lock()
	m.round = RoundData{Answer: new(big.Int).Set(answer), Decimals: feedDecimals, UpdatedAt: at}
	m.set = true
	m.mu.Unlock()
}

// SetDecimal records a decimal price string such as "2000" or "0.5",
// truncated to 8 decimals.
func (m *ManualFeed) SetDecimal(price string, at time.Time) error {
	if m == nil {
		return fmt.Errorf("manual feed not configured")
	}
	trimmed := strings.TrimSpace(price)
	if trimmed == "" {
		return fmt.Errorf("manual feed: price required")
	}
	rat, ok := new(big.Rat).SetString(trimmed)
	if !ok {
		return fmt.Errorf("manual feed: invalid price %q", price)
	}
	if rat.Sign() <= 0 {
		return fmt.Errorf("manual feed: price must be positive")
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(feedDecimals), nil)
	scaled := new(big.Rat).Mul(rat, new(big.Rat).SetInt(scale))
	m.SetAnswer(new(big.Int).Quo(scaled.Num(), scaled.Denom()), at)
	return nil
}

// LatestRound returns a defensive copy of the stored round.
func (m *ManualFeed) LatestRound(ctx context.Context) (RoundData, error) {
	if m == nil {
		return RoundData{}, fmt.Errorf("manual feed not configured")
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.set {
		return RoundData{}, fmt.Errorf("manual feed: no price recorded")
	}
	out := m.round
	out.Answer = new(big.Int).Set(m.round.Answer)
	return out, nil
}

// StalenessGuard wraps a feed and enforces the freshness window plus answer
// sanity before the engine uses a round. A zero maxAge disables the age
// check but keeps the positivity check.
type StalenessGuard struct {
	feed   PriceFeed
	maxAge time.Duration
	now    func() time.Time
}

// NewStalenessGuard wraps the provided feed with freshness enforcement.
func NewStalenessGuard(feed PriceFeed, maxAge time.Duration) *StalenessGuard {
	return &StalenessGuard{feed: feed, maxAge: maxAge, now: time.Now}
}

func (g *StalenessGuard) LatestRound(ctx context.Context) (RoundData, error) {
	if g == nil || g.feed == nil {
		return RoundData{}, fmt.Errorf("staleness guard: feed not configured")
	}
	round, err := g.feed.LatestRound(ctx)
	if err != nil {
		return RoundData{}, err
	}
	if round.Answer == nil || round.Answer.Sign() <= 0 {
		return RoundData{}, ErrInvalidPrice
	}
	if g.maxAge > 0 {
		cutoff := g.now().Add(-g.maxAge)
		if round.UpdatedAt.Before(cutoff) {
			return RoundData{}, fmt.Errorf("%w: updated %s", ErrStalePrice, round.UpdatedAt.UTC().Format(time.RFC3339))
		}
	}
	return round, nil
}

// HTTPDoer abstracts http.Client for ease of testing.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

const defaultCoinGeckoEndpoint = "https://api.coingecko.com/api/v3/simple/price"

// CoinGeckoFeed adapts the public CoinGecko simple price API into an
// 8-decimal feed for a single asset.
type CoinGeckoFeed struct {
	client   HTTPDoer
	endpoint string
	id       string
	vs       string
}

// NewCoinGeckoFeed constructs a feed for the provided CoinGecko asset
// identifier, quoted in USD. When the client is nil http.DefaultClient is
// used.
func NewCoinGeckoFeed(client HTTPDoer, endpoint, id string) *CoinGeckoFeed {
	ep := strings.TrimSpace(endpoint)
	if ep == "" {
		ep = defaultCoinGeckoEndpoint
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &CoinGeckoFeed{client: client, endpoint: ep, id: strings.TrimSpace(strings.ToLower(id)), vs: "usd"}
}

func (f *CoinGeckoFeed) LatestRound(ctx context.Context) (RoundData, error) {
	if f == nil {
		return RoundData{}, fmt.Errorf("coingecko feed not configured")
	}
	if f.id == "" {
		return RoundData{}, fmt.Errorf("coingecko feed: asset identifier required")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.endpoint, nil)
	if err != nil {
		return RoundData{}, err
	}
	values := url.Values{}
	values.Set("ids", f.id)
	values.Set("vs_currencies", f.vs)
	values.Set("include_last_updated_at", "true")
	req.URL.RawQuery = values.Encode()
	resp, err := f.client.Do(req)
	if err != nil {
		return RoundData{}, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return RoundData{}, fmt.Errorf("coingecko feed: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	decoder := json.NewDecoder(resp.Body)
	decoder.UseNumber()
	var payload map[string]map[string]json.Number
	if err := decoder.Decode(&payload); err != nil {
		return RoundData{}, fmt.Errorf("coingecko feed: decode: %w", err)
	}
	entry, ok := payload[f.id]
	if !ok {
		return RoundData{}, fmt.Errorf("coingecko feed: quote missing for %s", f.id)
	}
	raw, ok := entry[f.vs]
	if !ok {
		return RoundData{}, ErrInvalidPrice
	}
	rat, ok := new(big.Rat).SetString(raw.String())
	if !ok || rat.Sign() <= 0 {
		return RoundData{}, fmt.Errorf("%w: %q", ErrInvalidPrice, raw.String())
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(feedDecimals), nil)
	scaled := new(big.Rat).Mul(rat, new(big.Rat).SetInt(scale))
	answer := new(big.Int).Quo(scaled.Num(), scaled.Denom())

	updated := time.Now().UTC()
	if rawTs, ok := entry["last_updated_at"]; ok {
		if parsed, err := strconv.ParseInt(rawTs.String(), 10, 64); err == nil && parsed > 0 {
			updated = time.Unix(parsed, 0).UTC()
		}
	}
	return RoundData{Answer: answer, Decimals: feedDecimals, UpdatedAt: updated}, nil
}
