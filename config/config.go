package config

import (
	"fmt"
	"math/big"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"gopkg.in/yaml.v2"
)

// Duration decodes YAML values like "500ms" or "30s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw string
	if err := unmarshal(&raw); err == nil {
		parsed, perr := time.ParseDuration(raw)
		if perr != nil {
			return fmt.Errorf("invalid duration %q: %w", raw, perr)
		}
		*d = Duration(parsed)
		return nil
	}
	var ns int64
	if err := unmarshal(&ns); err != nil {
		return err
	}
	*d = Duration(ns)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the single source of truth for the scanner. One versioned
// schema; presets are just alternative YAML files.
type Config struct {
	// Chain and network settings
	ChainID          uint64           `yaml:"chain_id"`
	Endpoints        []EndpointConfig `yaml:"endpoints"`
	WSEndpoint       string           `yaml:"ws_endpoint"`
	MulticallAddress string           `yaml:"multicall_address"`

	// Market definitions
	Tokens []TokenConfig `yaml:"tokens"`
	Venues []VenueConfig `yaml:"venues"`
	Pairs  []PairConfig  `yaml:"pairs"`
	Routes []RouteConfig `yaml:"routes"`

	// Profit thresholds
	FlashLoanFeeBps int64   `yaml:"flash_loan_fee_bps"`
	MinProfitUSD    float64 `yaml:"min_profit_usd"`

	// Scan shaping
	TopKPairs          int  `yaml:"top_k_pairs"`
	TopKRoutes         int  `yaml:"top_k_routes"`
	ScanConcurrency    int  `yaml:"scan_concurrency"`
	TriangularEnabled  bool `yaml:"triangular_enabled"`

	// Endpoint pool behavior
	RetryAttempts     int             `yaml:"retry_attempts"`
	RetryBaseDelay    Duration        `yaml:"retry_base_delay"`
	UnhealthyCooldown Duration        `yaml:"unhealthy_cooldown"`
	CallTimeout       Duration        `yaml:"call_timeout"`
	RateLimit         RateLimitConfig `yaml:"rate_limit"`

	// Price resolution
	PriceCacheTTL      Duration `yaml:"price_cache_ttl"`
	FeedStalenessBound Duration `yaml:"feed_staleness_bound"`

	// Pre-block feed
	Feed FeedConfig `yaml:"feed"`

	// Block source
	BlockPollInterval Duration `yaml:"block_poll_interval"`

	// Operational settings
	StatsInterval      Duration      `yaml:"stats_interval"`
	Simulation         bool          `yaml:"simulation"`
	PrometheusEnabled  bool          `yaml:"prometheus_enabled"`
	PrometheusEndpoint string        `yaml:"prometheus_endpoint"`

	// Internal components
	Logger *zap.Logger `yaml:"-"`
}

type EndpointConfig struct {
	URL      string `yaml:"url"`
	Priority int    `yaml:"priority"`
}

type TokenConfig struct {
	Symbol      string  `yaml:"symbol"`
	Address     string  `yaml:"address"`
	Decimals    uint8   `yaml:"decimals"`
	Stable      bool    `yaml:"stable"`
	PriceFeed   string  `yaml:"price_feed"`
	FallbackUSD float64 `yaml:"fallback_usd"`
}

// VenueConfig describes one quoting entry point. Kind "v2" targets a
// constant-product router (getAmountsOut), "v3" a concentrated-liquidity
// quoter (quoteExactInputSingle).
type VenueConfig struct {
	Name     string   `yaml:"name"`
	Kind     string   `yaml:"kind"`
	Address  string   `yaml:"address"`
	Router   string   `yaml:"router"`
	FeeTiers []uint32 `yaml:"fee_tiers"`
}

type PairConfig struct {
	TokenA         string  `yaml:"token_a"`
	TokenB         string  `yaml:"token_b"`
	TestAmount     string  `yaml:"test_amount"`
	MinProfitBps   int64   `yaml:"min_profit_bps"`
	MaxNotionalUSD float64 `yaml:"max_notional_usd"`
	Priority       int     `yaml:"priority"`
}

// RouteConfig is an ordered triangular route: borrow -> middle -> target ->
// borrow.
type RouteConfig struct {
	Borrow         string  `yaml:"borrow"`
	Middle         string  `yaml:"middle"`
	Target         string  `yaml:"target"`
	TestAmount     string  `yaml:"test_amount"`
	MinProfitBps   int64   `yaml:"min_profit_bps"`
	MaxNotionalUSD float64 `yaml:"max_notional_usd"`
	Priority       int     `yaml:"priority"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	BurstSize         int     `yaml:"burst_size"`
}

type FeedConfig struct {
	Enabled       bool     `yaml:"enabled"`
	Routers       []string `yaml:"routers"`
	SwapSelectors []string `yaml:"swap_selectors"`
	MinSwapWei    string   `yaml:"min_swap_wei"`
	DedupWindow   int      `yaml:"dedup_window"`
}

// TestAmountInt parses the pair's test notional into the token's smallest
// unit.
func (p *PairConfig) TestAmountInt() (*big.Int, bool) {
	return new(big.Int).SetString(p.TestAmount, 10)
}

func (r *RouteConfig) TestAmountInt() (*big.Int, bool) {
	return new(big.Int).SetString(r.TestAmount, 10)
}

// MinSwapWeiInt parses the feed relevance threshold.
func (f *FeedConfig) MinSwapWeiInt() (*big.Int, bool) {
	if f.MinSwapWei == "" {
		return big.NewInt(0), true
	}
	return new(big.Int).SetString(f.MinSwapWei, 10)
}

// Token returns the metadata for symbol, or false if unknown.
func (c *Config) Token(symbol string) (TokenConfig, bool) {
	for _, t := range c.Tokens {
		if t.Symbol == symbol {
			return t, true
		}
	}
	return TokenConfig{}, false
}

// SortedEndpoints returns endpoints ordered by priority (lowest number
// first).
func (c *Config) SortedEndpoints() []EndpointConfig {
	eps := make([]EndpointConfig, len(c.Endpoints))
	copy(eps, c.Endpoints)
	sort.SliceStable(eps, func(i, j int) bool { return eps[i].Priority < eps[j].Priority })
	return eps
}

func (c *Config) ValidateConfig() error {
	var errors []string

	if c.ChainID == 0 {
		errors = append(errors, "chain_id must be specified")
	}
	if len(c.Endpoints) == 0 {
		errors = append(errors, "at least one RPC endpoint must be specified")
	}
	for i, ep := range c.Endpoints {
		if ep.URL == "" {
			errors = append(errors, fmt.Sprintf("endpoint %d has an empty url", i))
		}
	}
	if c.MulticallAddress == "" || !common.IsHexAddress(c.MulticallAddress) {
		errors = append(errors, "multicall_address must be a valid address")
	}
	if len(c.Venues) == 0 {
		errors = append(errors, "at least one venue must be specified")
	}
	for _, v := range c.Venues {
		if v.Kind != "v2" && v.Kind != "v3" {
			errors = append(errors, fmt.Sprintf("venue %s has unknown kind %q", v.Name, v.Kind))
		}
		if !common.IsHexAddress(v.Address) {
			errors = append(errors, fmt.Sprintf("venue %s has an invalid address", v.Name))
		}
		if v.Kind == "v3" && len(v.FeeTiers) == 0 {
			errors = append(errors, fmt.Sprintf("venue %s needs at least one fee tier", v.Name))
		}
	}
	for _, tok := range c.Tokens {
		if !common.IsHexAddress(tok.Address) {
			errors = append(errors, fmt.Sprintf("token %s has an invalid address", tok.Symbol))
		}
		if tok.Decimals == 0 || tok.Decimals > 30 {
			errors = append(errors, fmt.Sprintf("token %s has implausible decimals %d", tok.Symbol, tok.Decimals))
		}
		if tok.PriceFeed != "" && !common.IsHexAddress(tok.PriceFeed) {
			errors = append(errors, fmt.Sprintf("token %s has an invalid price feed address", tok.Symbol))
		}
	}
	for i, p := range c.Pairs {
		if _, ok := c.Token(p.TokenA); !ok {
			errors = append(errors, fmt.Sprintf("pair %d references unknown token %s", i, p.TokenA))
		}
		if _, ok := c.Token(p.TokenB); !ok {
			errors = append(errors, fmt.Sprintf("pair %d references unknown token %s", i, p.TokenB))
		}
		if p.TokenA == p.TokenB {
			errors = append(errors, fmt.Sprintf("pair %d uses the same token on both sides", i))
		}
		if amt, ok := p.TestAmountInt(); !ok || amt.Sign() <= 0 {
			errors = append(errors, fmt.Sprintf("pair %d needs a positive test_amount", i))
		}
	}
	for i, r := range c.Routes {
		for _, sym := range []string{r.Borrow, r.Middle, r.Target} {
			if _, ok := c.Token(sym); !ok {
				errors = append(errors, fmt.Sprintf("route %d references unknown token %s", i, sym))
			}
		}
		if r.Borrow == r.Middle || r.Middle == r.Target || r.Borrow == r.Target {
			errors = append(errors, fmt.Sprintf("route %d must use three distinct tokens", i))
		}
		if amt, ok := r.TestAmountInt(); !ok || amt.Sign() <= 0 {
			errors = append(errors, fmt.Sprintf("route %d needs a positive test_amount", i))
		}
	}
	if c.FlashLoanFeeBps < 0 || c.FlashLoanFeeBps >= 10000 {
		errors = append(errors, "flash_loan_fee_bps must be in [0, 10000)")
	}
	if c.ScanConcurrency <= 0 {
		errors = append(errors, "scan_concurrency must be positive")
	}
	if c.RetryAttempts <= 0 {
		errors = append(errors, "retry_attempts must be positive")
	}
	if c.RateLimit.RequestsPerSecond <= 0 {
		errors = append(errors, "rate_limit.requests_per_second must be positive")
	}
	if c.RateLimit.BurstSize <= 0 {
		errors = append(errors, "rate_limit.burst_size must be positive")
	}
	if c.Feed.Enabled {
		if len(c.Feed.Routers) == 0 {
			errors = append(errors, "feed.routers must be specified when the feed is enabled")
		}
		if _, ok := c.Feed.MinSwapWeiInt(); !ok {
			errors = append(errors, "feed.min_swap_wei is not a valid integer")
		}
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errors, "; "))
	}

	return nil
}

// LoadConfig reads a YAML config file, applies defaults for unset values
// and validates the result.
func LoadConfig(cfgFile string) (*Config, error) {
	if cfgFile == "" {
		cfgFile = "flasharb.yaml"
	}

	data, err := os.ReadFile(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to decode config file: %w", err)
	}
	config.applyEnvOverrides()

	if err := config.ValidateConfig(); err != nil {
		return nil, err
	}

	return config, nil
}

// DefaultConfig returns a config with every tunable at its default. Market
// tables (tokens, venues, pairs, routes) have no defaults.
func DefaultConfig() *Config {
	return &Config{
		Logger:             zap.NewNop(),
		MulticallAddress:   "0xcA11bde05977b3631167028862bE2a173976CA11",
		FlashLoanFeeBps:    5,
		MinProfitUSD:       25,
		TopKPairs:          10,
		TopKRoutes:         5,
		ScanConcurrency:    8,
		TriangularEnabled:  true,
		RetryAttempts:      3,
		RetryBaseDelay:     Duration(500 * time.Millisecond),
		UnhealthyCooldown:  Duration(30 * time.Second),
		CallTimeout:        Duration(5 * time.Second),
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 25,
			BurstSize:         50,
		},
		PriceCacheTTL:      Duration(2 * time.Second),
		FeedStalenessBound: Duration(time.Hour),
		Feed: FeedConfig{
			Enabled: false,
			SwapSelectors: []string{
				"0x38ed1739", // swapExactTokensForTokens
				"0x7ff36ab5", // swapExactETHForTokens
				"0x18cbafe5", // swapExactTokensForETH
				"0x04e45aaf", // exactInputSingle
			},
			MinSwapWei:  "50000000000000000000", // 50 ETH
			DedupWindow: 4096,
		},
		BlockPollInterval: Duration(time.Second),
		StatsInterval:     Duration(30 * time.Second),
		Simulation:        true,
	}
}
