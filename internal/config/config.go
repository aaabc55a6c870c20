package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Risk struct {
	StopLossPct           float64 `yaml:"stop_loss_pct"`            // per-position, e.g. -0.05
	DailyDrawdownLimitPct float64 `yaml:"daily_drawdown_limit_pct"` // account kill-switch, e.g. -0.02
}

type Sizing struct {
	MaxKellyFraction float64 `yaml:"max_kelly_fraction"` // hard ceiling, never computed
	KellyDivisor     float64 `yaml:"kelly_divisor"`      // 2 = Half-Kelly
	TakeProfitPct    float64 `yaml:"take_profit_pct"`    // payoff assumption, e.g. 0.05
	LossPct          float64 `yaml:"loss_pct"`           // payoff assumption, e.g. 0.05
	SlippageBps      float64 `yaml:"slippage_bps"`       // limit price tolerance
}

// MarketHours is a single trading window in a named timezone,
// e.g. 09:30-16:00 in "America/New_York".
type MarketHours struct {
	Timezone  string `yaml:"timezone"`
	OpenHour  int    `yaml:"open_hour"`
	OpenMin   int    `yaml:"open_minute"`
	CloseHour int    `yaml:"close_hour"`
	CloseMin  int    `yaml:"close_minute"`
}

type Scheduler struct {
	TickIntervalMs int         `yaml:"tick_interval_ms"`
	MarketHours    MarketHours `yaml:"market_hours"`
}

type Market struct {
	PriceBaseURL       string `yaml:"price_base_url"`
	ContextBaseURL     string `yaml:"context_base_url"`
	StreamURL          string `yaml:"stream_url"` // websocket price stream, optional
	FreshnessSecs      int    `yaml:"freshness_seconds"`
	TimeoutMs          int    `yaml:"timeout_ms"`
	RateLimitPerMinute int    `yaml:"rate_limit_per_minute"`
}

type Estimator struct {
	BaseURL   string  `yaml:"base_url"`
	TimeoutMs int     `yaml:"timeout_ms"`
	Epsilon   float64 `yaml:"epsilon"` // p_win clamp bound
}

type Broker struct {
	Mode      string `yaml:"mode"` // paper | live
	BaseURL   string `yaml:"base_url"`
	TimeoutMs int    `yaml:"timeout_ms"`
}

type Audit struct {
	Backend       string `yaml:"backend"` // jsonl | postgres
	Path          string `yaml:"path"`
	RetryMax      int    `yaml:"retry_max"`
	BackoffBaseMs int    `yaml:"backoff_base_ms"`
	BackoffMaxMs  int    `yaml:"backoff_max_ms"`
}

type Notify struct {
	WebhookURL string `yaml:"webhook_url"`
	QueueSize  int    `yaml:"queue_size"`
	TimeoutMs  int    `yaml:"timeout_ms"`
}

type Root struct {
	Instruments []string  `yaml:"instruments"`
	StatePath   string    `yaml:"state_path"`
	MetricsAddr string    `yaml:"metrics_addr"`
	Risk        Risk      `yaml:"risk"`
	Sizing      Sizing    `yaml:"sizing"`
	Scheduler   Scheduler `yaml:"scheduler"`
	Market      Market    `yaml:"market"`
	Estimator   Estimator `yaml:"estimator"`
	Broker      Broker    `yaml:"broker"`
	Audit       Audit     `yaml:"audit"`
	Notify      Notify    `yaml:"notify"`

	// Secrets come from the environment, never from yaml.
	MarketAPIKey string `yaml:"-"`
	BrokerAPIKey string `yaml:"-"`
	BrokerSecret string `yaml:"-"`
	PostgresDSN  string `yaml:"-"`
}

// Load reads yaml config, applies defaults, then overlays secrets from the
// environment (a .env file is honored if present).
func Load(path string) (Root, error) {
	var c Root
	b, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return c, err
	}
	applyDefaults(&c)
	if err := c.Validate(); err != nil {
		return c, err
	}

	// Best effort: missing .env just means the environment is already set.
	_ = godotenv.Load()
	c.MarketAPIKey = os.Getenv("MARKET_API_KEY")
	c.BrokerAPIKey = os.Getenv("BROKER_API_KEY")
	c.BrokerSecret = os.Getenv("BROKER_SECRET_KEY")
	c.PostgresDSN = os.Getenv("POSTGRES_DSN")

	return c, nil
}

func applyDefaults(c *Root) {
	if c.StatePath == "" {
		c.StatePath = "data/agent_state.json"
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = ":9174"
	}

	if c.Risk.StopLossPct == 0 {
		c.Risk.StopLossPct = -0.05
	}
	if c.Risk.DailyDrawdownLimitPct == 0 {
		c.Risk.DailyDrawdownLimitPct = -0.02
	}

	if c.Sizing.MaxKellyFraction == 0 {
		c.Sizing.MaxKellyFraction = 0.25
	}
	if c.Sizing.KellyDivisor == 0 {
		c.Sizing.KellyDivisor = 2
	}
	if c.Sizing.TakeProfitPct == 0 {
		c.Sizing.TakeProfitPct = 0.05
	}
	if c.Sizing.LossPct == 0 {
		c.Sizing.LossPct = 0.05
	}
	if c.Sizing.SlippageBps == 0 {
		c.Sizing.SlippageBps = 10
	}

	if c.Scheduler.TickIntervalMs == 0 {
		c.Scheduler.TickIntervalMs = 60000
	}
	mh := &c.Scheduler.MarketHours
	if mh.Timezone == "" {
		mh.Timezone = "America/New_York"
	}
	if mh.OpenHour == 0 && mh.OpenMin == 0 {
		mh.OpenHour, mh.OpenMin = 9, 30
	}
	if mh.CloseHour == 0 {
		mh.CloseHour = 16
	}

	if c.Market.FreshnessSecs == 0 {
		c.Market.FreshnessSecs = 300
	}
	if c.Market.TimeoutMs == 0 {
		c.Market.TimeoutMs = 5000
	}
	if c.Market.RateLimitPerMinute == 0 {
		c.Market.RateLimitPerMinute = 60
	}

	if c.Estimator.TimeoutMs == 0 {
		c.Estimator.TimeoutMs = 20000
	}
	if c.Estimator.Epsilon == 0 {
		c.Estimator.Epsilon = 0.01
	}

	if c.Broker.Mode == "" {
		c.Broker.Mode = "paper"
	}
	if c.Broker.TimeoutMs == 0 {
		c.Broker.TimeoutMs = 10000
	}

	if c.Audit.Backend == "" {
		c.Audit.Backend = "jsonl"
	}
	if c.Audit.Path == "" {
		c.Audit.Path = "data/audit.jsonl"
	}
	if c.Audit.RetryMax == 0 {
		c.Audit.RetryMax = 5
	}
	if c.Audit.BackoffBaseMs == 0 {
		c.Audit.BackoffBaseMs = 100
	}
	if c.Audit.BackoffMaxMs == 0 {
		c.Audit.BackoffMaxMs = 5000
	}

	if c.Notify.QueueSize == 0 {
		c.Notify.QueueSize = 256
	}
	if c.Notify.TimeoutMs == 0 {
		c.Notify.TimeoutMs = 10000
	}
}

// Validate rejects configurations the decision math cannot safely use.
func (c *Root) Validate() error {
	if c.Risk.StopLossPct >= 0 {
		return fmt.Errorf("risk.stop_loss_pct must be negative, got %v", c.Risk.StopLossPct)
	}
	if c.Risk.DailyDrawdownLimitPct >= 0 {
		return fmt.Errorf("risk.daily_drawdown_limit_pct must be negative, got %v", c.Risk.DailyDrawdownLimitPct)
	}
	if c.Sizing.MaxKellyFraction <= 0 || c.Sizing.MaxKellyFraction > 1 {
		return fmt.Errorf("sizing.max_kelly_fraction must be in (0,1], got %v", c.Sizing.MaxKellyFraction)
	}
	if c.Sizing.KellyDivisor < 1 {
		return fmt.Errorf("sizing.kelly_divisor must be >= 1, got %v", c.Sizing.KellyDivisor)
	}
	if c.Sizing.TakeProfitPct <= 0 || c.Sizing.LossPct <= 0 {
		return fmt.Errorf("sizing payoff pcts must be positive, got profit=%v loss=%v",
			c.Sizing.TakeProfitPct, c.Sizing.LossPct)
	}
	if len(c.Instruments) == 0 {
		return fmt.Errorf("at least one instrument is required")
	}
	return nil
}

// TickInterval returns the scheduler cadence as a duration.
func (c *Root) TickInterval() time.Duration {
	return time.Duration(c.Scheduler.TickIntervalMs) * time.Millisecond
}
