package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Externally loaded scoring configuration.
//
// Every weight, threshold, and denylist entry lives here rather than in
// code so the calibration workflow can swap them without a rebuild.
// Validation happens at load time: a weight table that does not sum to
// 1 ± epsilon is a fatal ConfigurationError, surfaced before any scoring
// runs, never at score time.

// weightEpsilon is the tolerance for weight-sum validation
const weightEpsilon = 1e-6

// ErrInvalidWeightConfiguration is returned when a weight table does not
// sum to 1 within epsilon. Fatal at startup.
var ErrInvalidWeightConfiguration = errors.New("config: scoring weights must sum to 1")

// RelationWeights are the coefficients of the relation score
type RelationWeights struct {
	CoFunder   float64 `yaml:"co_funder" mapstructure:"co_funder"`
	CoTime     float64 `yaml:"co_time" mapstructure:"co_time"`
	CoAmount   float64 `yaml:"co_amount" mapstructure:"co_amount"`
	CoExit     float64 `yaml:"co_exit" mapstructure:"co_exit"`
	SharedSink float64 `yaml:"shared_sink" mapstructure:"shared_sink"`
}

func (w RelationWeights) sum() float64 {
	return w.CoFunder + w.CoTime + w.CoAmount + w.CoExit + w.SharedSink
}

// InsiderWeights are the coefficients of the insider score
type InsiderWeights struct {
	PrePumpAccumulation float64 `yaml:"pre_pump_accumulation" mapstructure:"pre_pump_accumulation"`
	EarlyClusterShare   float64 `yaml:"early_cluster_share" mapstructure:"early_cluster_share"`
	SynchronizedExit    float64 `yaml:"synchronized_exit" mapstructure:"synchronized_exit"`
	SharedFunder        float64 `yaml:"shared_funder" mapstructure:"shared_funder"`
	SharedSink          float64 `yaml:"shared_sink" mapstructure:"shared_sink"`
}

func (w InsiderWeights) sum() float64 {
	return w.PrePumpAccumulation + w.EarlyClusterShare + w.SynchronizedExit + w.SharedFunder + w.SharedSink
}

// LinkWeights are the coefficients of the 0-100 link confidence score
type LinkWeights struct {
	DeterministicStrength float64 `yaml:"deterministic_strength" mapstructure:"deterministic_strength"`
	CrossSourceAgreement  float64 `yaml:"cross_source_agreement" mapstructure:"cross_source_agreement"`
	TemporalStability     float64 `yaml:"temporal_stability" mapstructure:"temporal_stability"`
}

func (w LinkWeights) sum() float64 {
	return w.DeterministicStrength + w.CrossSourceAgreement + w.TemporalStability
}

// Weights groups all three scoring weight tables
type Weights struct {
	Relation RelationWeights `yaml:"relation" mapstructure:"relation"`
	Insider  InsiderWeights  `yaml:"insider" mapstructure:"insider"`
	Link     LinkWeights     `yaml:"link" mapstructure:"link"`
}

// Thresholds are the classification cut points for one bucket
type Thresholds struct {
	RelationStrong    float64 `yaml:"relation_strong" mapstructure:"relation_strong"`
	RelationSuspected float64 `yaml:"relation_suspected" mapstructure:"relation_suspected"`
	InsiderHigh       float64 `yaml:"insider_high" mapstructure:"insider_high"`
	InsiderSuspected  float64 `yaml:"insider_suspected" mapstructure:"insider_suspected"`
	LinkHigh          float64 `yaml:"link_high" mapstructure:"link_high"`
	LinkMedium        float64 `yaml:"link_medium" mapstructure:"link_medium"`
}

// Denylist names known infrastructure entities excluded from clustering.
// Exchange hot wallets, routers, burn addresses and LP contracts stay in
// the graph for funding-path context but are never cluster members.
type Denylist struct {
	Addresses map[string]string `yaml:"addresses" mapstructure:"addresses"` // address → label
	Prefixes  map[string]string `yaml:"prefixes" mapstructure:"prefixes"`   // address prefix → label
}

// Completeness holds the mode-dependent evidence minimums for the gate
type Completeness struct {
	StandardMinEvents        int `yaml:"standard_min_events" mapstructure:"standard_min_events"`
	StandardMinTurningPoints int `yaml:"standard_min_turning_points" mapstructure:"standard_min_turning_points"`
	DeepMinEvents            int `yaml:"deep_min_events" mapstructure:"deep_min_events"`
	DeepMinTurningPoints     int `yaml:"deep_min_turning_points" mapstructure:"deep_min_turning_points"`
}

// Window controls the timing-histogram bucketing used by the extractor
type Window struct {
	Span   time.Duration `yaml:"span" mapstructure:"span"`     // Total window around the reference announcement
	Bucket time.Duration `yaml:"bucket" mapstructure:"bucket"` // Histogram bucket width
}

// Acquire configures the external acquisition layer
type Acquire struct {
	MaxRetries   int           `yaml:"max_retries" mapstructure:"max_retries"`
	Timeout      time.Duration `yaml:"timeout" mapstructure:"timeout"`
	CooldownBase time.Duration `yaml:"cooldown_base" mapstructure:"cooldown_base"`
	CacheTTL     time.Duration `yaml:"cache_ttl" mapstructure:"cache_ttl"`
	RatePerSec   float64       `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
}

// Monitoring configures alert delivery
type Monitoring struct {
	WebhookURL  string `yaml:"webhook_url" mapstructure:"webhook_url"`
	MinSeverity string `yaml:"min_severity" mapstructure:"min_severity"`
}

// Holder configures the suspicious-holder detector
type Holder struct {
	MinSuspiciousPct float64 `yaml:"min_suspicious_pct" mapstructure:"min_suspicious_pct"`
	MinGasBalance    float64 `yaml:"min_gas_balance" mapstructure:"min_gas_balance"`
}

// API configures the HTTP server
type API struct {
	Listen          string `yaml:"listen" mapstructure:"listen"`
	AuthToken       string `yaml:"auth_token" mapstructure:"auth_token"`
	AllowedOrigins  string `yaml:"allowed_origins" mapstructure:"allowed_origins"` // comma separated, empty means *
	RateLimitPerMin int    `yaml:"rate_limit_per_min" mapstructure:"rate_limit_per_min"`
	RateLimitBurst  int    `yaml:"rate_limit_burst" mapstructure:"rate_limit_burst"`
}

// Database configures durable storage. An empty URL runs the engine
// in memory only.
type Database struct {
	URL string `yaml:"url" mapstructure:"url"`
}

// SourceEndpoint is one upstream explorer or RPC base URL
type SourceEndpoint struct {
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
	APIKey  string `yaml:"api_key" mapstructure:"api_key"`
}

// Source describes one polled acquisition feed started at serve time.
// Each source opens an investigation run and streams its observations
// into it. Chain "btc" polls a Bitcoin node's mempool over RPC;
// anything else polls an EVM explorer for token transfers and holder
// snapshots.
type Source struct {
	Chain     string           `yaml:"chain" mapstructure:"chain"`
	Asset     string           `yaml:"asset" mapstructure:"asset"`     // token contract (EVM), ignored for btc
	Address   string           `yaml:"address" mapstructure:"address"` // focus address for transfer polling
	Announce  time.Time        `yaml:"announce" mapstructure:"announce"`
	LPUSD     float64          `yaml:"lp_usd" mapstructure:"lp_usd"`
	Mode      string           `yaml:"mode" mapstructure:"mode"`
	Interval  time.Duration    `yaml:"interval" mapstructure:"interval"` // zero means 30s
	Endpoints []SourceEndpoint `yaml:"endpoints" mapstructure:"endpoints"`
	RPCUser   string           `yaml:"rpc_user" mapstructure:"rpc_user"` // btc only
	RPCPass   string           `yaml:"rpc_pass" mapstructure:"rpc_pass"` // btc only
}

// Config is the full engine configuration
type Config struct {
	Weights      Weights               `yaml:"weights" mapstructure:"weights"`
	Thresholds   Thresholds            `yaml:"thresholds" mapstructure:"thresholds"`
	Calibration  map[string]Thresholds `yaml:"calibration" mapstructure:"calibration"` // bucket key → overrides
	Denylist     Denylist              `yaml:"denylist" mapstructure:"denylist"`
	Completeness Completeness          `yaml:"completeness" mapstructure:"completeness"`
	Window       Window                `yaml:"window" mapstructure:"window"`
	Acquire      Acquire               `yaml:"acquire" mapstructure:"acquire"`
	Monitoring   Monitoring            `yaml:"monitoring" mapstructure:"monitoring"`
	Holder       Holder                `yaml:"holder" mapstructure:"holder"`
	API          API                   `yaml:"api" mapstructure:"api"`
	Database     Database              `yaml:"database" mapstructure:"database"`
	Sources      []Source              `yaml:"sources" mapstructure:"sources"`
}

// Default returns the engine defaults. These are the uncalibrated
// weight tables; runs scored against them carry "default" provenance
// and cap reported link confidence at medium-high.
func Default() *Config {
	return &Config{
		Weights: Weights{
			Relation: RelationWeights{CoFunder: 0.30, CoTime: 0.20, CoAmount: 0.15, CoExit: 0.20, SharedSink: 0.15},
			Insider:  InsiderWeights{PrePumpAccumulation: 0.25, EarlyClusterShare: 0.20, SynchronizedExit: 0.20, SharedFunder: 0.20, SharedSink: 0.15},
			Link:     LinkWeights{DeterministicStrength: 0.5, CrossSourceAgreement: 0.3, TemporalStability: 0.2},
		},
		Thresholds: Thresholds{
			RelationStrong:    0.75,
			RelationSuspected: 0.55,
			InsiderHigh:       0.70,
			InsiderSuspected:  0.50,
			LinkHigh:          75.0,
			LinkMedium:        50.0,
		},
		Calibration: map[string]Thresholds{},
		Denylist: Denylist{
			Addresses: map[string]string{
				"0x000000000000000000000000000000000000dead": "burn",
				"0x0000000000000000000000000000000000000000": "burn",
				"0x10ed43c718714eb63d5aa57b78b54704e256024e": "PancakeSwap Router",
				"0x7a250d5630b4cf539739df2c5dacb4c659f2488d": "Uniswap V2 Router",
			},
			Prefixes: map[string]string{
				"bc1qm34lsc65zpw79lxes69zkqm": "Binance",
				"3Cbq7aT1tY8kMxWLbitaG7yT6bP": "Coinbase",
			},
		},
		Completeness: Completeness{
			StandardMinEvents:        8,
			StandardMinTurningPoints: 3,
			DeepMinEvents:            15,
			DeepMinTurningPoints:     3,
		},
		Window: Window{Span: time.Hour, Bucket: 5 * time.Minute},
		Acquire: Acquire{
			MaxRetries:   3,
			Timeout:      12 * time.Second,
			CooldownBase: 30 * time.Second,
			CacheTTL:     5 * time.Minute,
			RatePerSec:   4,
		},
		Monitoring: Monitoring{MinSeverity: "high"},
		Holder:     Holder{MinSuspiciousPct: 1.0, MinGasBalance: 0.005},
		API: API{
			Listen:          ":8080",
			RateLimitPerMin: 120,
			RateLimitBurst:  30,
		},
	}
}

// Load reads configuration from the given file (or the default search
// path when empty), layering CHAINTRACE_* environment variables on top,
// and validates it. A validation failure is fatal: the caller must not
// proceed to scoring.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("CHAINTRACE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath("$HOME/.chaintrace")
		v.AddConfigPath(".")
	}

	cfg := Default()
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path == "" && errors.As(err, &notFound) {
			// No file is fine: defaults plus env vars.
			return cfg, cfg.Validate()
		}
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate checks weight sums and threshold ordering.
func (c *Config) Validate() error {
	for name, sum := range map[string]float64{
		"relation": c.Weights.Relation.sum(),
		"insider":  c.Weights.Insider.sum(),
		"link":     c.Weights.Link.sum(),
	} {
		if math.Abs(sum-1.0) > weightEpsilon {
			return fmt.Errorf("%w: %s weights sum to %.6f", ErrInvalidWeightConfiguration, name, sum)
		}
	}
	if err := c.Thresholds.validate("default"); err != nil {
		return err
	}
	for bucket, t := range c.Calibration {
		if err := t.validate(bucket); err != nil {
			return err
		}
	}
	if c.Window.Span <= 0 || c.Window.Bucket <= 0 || c.Window.Bucket > c.Window.Span {
		return fmt.Errorf("config: invalid window span=%s bucket=%s", c.Window.Span, c.Window.Bucket)
	}
	for i, src := range c.Sources {
		if src.Chain == "" || len(src.Endpoints) == 0 {
			return fmt.Errorf("config: source %d: chain and at least one endpoint required", i)
		}
		if src.Chain != "btc" && src.Asset == "" {
			return fmt.Errorf("config: source %d: asset required for chain %s", i, src.Chain)
		}
	}
	return nil
}

func (t Thresholds) validate(bucket string) error {
	if t.RelationSuspected >= t.RelationStrong || t.RelationSuspected <= 0 || t.RelationStrong > 1 {
		return fmt.Errorf("config: bucket %s: relation thresholds out of order (%.2f, %.2f)",
			bucket, t.RelationSuspected, t.RelationStrong)
	}
	if t.InsiderSuspected >= t.InsiderHigh || t.InsiderSuspected <= 0 || t.InsiderHigh > 1 {
		return fmt.Errorf("config: bucket %s: insider thresholds out of order (%.2f, %.2f)",
			bucket, t.InsiderSuspected, t.InsiderHigh)
	}
	if t.LinkMedium >= t.LinkHigh || t.LinkMedium <= 0 || t.LinkHigh > 100 {
		return fmt.Errorf("config: bucket %s: link thresholds out of order (%.1f, %.1f)",
			bucket, t.LinkMedium, t.LinkHigh)
	}
	return nil
}

// BucketKey maps a chain and liquidity-pool size to a calibration bucket.
// Bands mirror the calibration pipeline: <20k, 20k-100k, >100k USD.
func BucketKey(chain string, lpUSD float64) string {
	switch {
	case lpUSD < 20_000:
		return chain + ":lp_lt_20k"
	case lpUSD <= 100_000:
		return chain + ":lp_20k_100k"
	default:
		return chain + ":lp_gt_100k"
	}
}

// ThresholdsFor resolves the thresholds for a run, preferring a calibrated
// bucket when one exists. The returned provenance string ("default" or
// "calibrated:<bucket>") is a reportable field: default provenance caps
// the link-confidence verdict at medium-high.
func (c *Config) ThresholdsFor(chain string, lpUSD float64) (Thresholds, string) {
	bucket := BucketKey(chain, lpUSD)
	if t, ok := c.Calibration[bucket]; ok {
		return t, "calibrated:" + bucket
	}
	return c.Thresholds, "default"
}

// WriteFile marshals the configuration to YAML at the given path,
// used by `chaintrace config init`.
func (c *Config) WriteFile(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}
