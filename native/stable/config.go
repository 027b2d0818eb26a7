package stable

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config captures the construction-time wiring for the engine: the approved
// collateral set, the feed source per asset, and the oracle freshness
// window.
type Config struct {
	MaxPriceAgeSeconds int64         `toml:"MaxPriceAgeSeconds"`
	Custody            string        `toml:"Custody"`
	Assets             []AssetConfig `toml:"asset"`
}

// AssetConfig pairs one approved asset with its price feed source. FeedID
// names the upstream asset identifier ("ethereum", "bitcoin", ...) or
// "manual" for an operator-driven feed.
type AssetConfig struct {
	Symbol string `toml:"Symbol"`
	FeedID string `toml:"FeedID"`
}

// LoadConfig reads the engine configuration from a TOML file. Unknown keys
// are rejected so typos fail loudly.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		return nil, fmt.Errorf("stable config: unknown keys: %s", strings.Join(keys, ", "))
	}
	normalized := cfg.Normalise()
	return &normalized, nil
}

// WriteDefault writes a commented starter configuration to path.
func WriteDefault(path string) error {
	const template = `# Stablecoin engine configuration.
MaxPriceAgeSeconds = 3600
Custody = ""

[[asset]]
Symbol = "WETH"
FeedID = "ethereum"

[[asset]]
Symbol = "WBTC"
FeedID = "bitcoin"
`
	return os.WriteFile(path, []byte(template), 0o600)
}

// Normalise applies defaults and canonical casing.
func (c Config) Normalise() Config {
	cfg := Config{
		MaxPriceAgeSeconds: c.MaxPriceAgeSeconds,
		Custody:            strings.TrimSpace(c.Custody),
	}
	if cfg.MaxPriceAgeSeconds <= 0 {
		cfg.MaxPriceAgeSeconds = 3600
	}
	seen := make(map[string]struct{}, len(c.Assets))
	for _, asset := range c.Assets {
		symbol := strings.ToUpper(strings.TrimSpace(asset.Symbol))
		if symbol == "" {
			continue
		}
		if _, ok := seen[symbol]; ok {
			continue
		}
		seen[symbol] = struct{}{}
		cfg.Assets = append(cfg.Assets, AssetConfig{
			Symbol: symbol,
			FeedID: strings.ToLower(strings.TrimSpace(asset.FeedID)),
		})
	}
	return cfg
}

// MaxPriceAge returns the freshness window as a duration.
func (c Config) MaxPriceAge() time.Duration {
	return time.Duration(c.MaxPriceAgeSeconds) * time.Second
}

// Validate checks the configuration is complete enough to build an engine.
func (c Config) Validate() error {
	if len(c.Assets) == 0 {
		return fmt.Errorf("stable config: at least one approved asset required")
	}
	for _, asset := range c.Assets {
		if asset.FeedID == "" {
			return fmt.Errorf("stable config: asset %s has no feed source", asset.Symbol)
		}
	}
	return nil
}

// BuildFeeds constructs the ordered feed list paralleling c.Assets. Every
// feed is wrapped in a staleness guard with the configured window; "manual"
// sources resolve through the supplied registry so operators can drive them.
func (c Config) BuildFeeds(client HTTPDoer, manual map[string]*ManualFeed) ([]string, []PriceFeed, error) {
	if err := c.Validate(); err != nil {
		return nil, nil, err
	}
	assets := make([]string, 0, len(c.Assets))
	feeds := make([]PriceFeed, 0, len(c.Assets))
	for _, asset := range c.Assets {
		var feed PriceFeed
		if asset.FeedID == "manual" {
			entry, ok := manual[asset.Symbol]
			if !ok || entry == nil {
				return nil, nil, fmt.Errorf("stable config: manual feed for %s not registered", asset.Symbol)
			}
			feed = entry
		} else {
			feed = NewCoinGeckoFeed(client, "", asset.FeedID)
		}
		assets = append(assets, asset.Symbol)
		feeds = append(feeds, NewStalenessGuard(feed, c.MaxPriceAge()))
	}
	return assets, feeds, nil
}
