// Package config
package config

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

/*
YAML config example:
rest_url: "https://api.gte.example"
ws_url: "wss://stream.gte.example/ws"
symbol: "BTC_USD"
settle_currency: "BTC"
instrument_type: "pc"
order_pairs: 6
order_start_size: 100
order_step_size: 100
interval: 0.005
min_spread: 0.01
maintain_spreads: false
check_position_limits: false
min_position: -10000
max_position: 10000
random_order_size: false
min_order_size: 10
max_order_size: 500
loop_interval: 5s
dry_run: false
db_conn_str: "postgres://..."
telegram_token: ""
telegram_chat_id: ""
*/

// Config holds every tunable of the quoting loop. Credentials never live in
// the YAML file; they come from the environment.
type Config struct {
	RESTURL        string `yaml:"rest_url"`
	WSURL          string `yaml:"ws_url"`
	Symbol         string `yaml:"symbol"`
	SettleCurrency string `yaml:"settle_currency"`
	InstrumentType string `yaml:"instrument_type"`

	OrderPairs      int     `yaml:"order_pairs"`
	OrderStartSize  float64 `yaml:"order_start_size"`
	OrderStepSize   float64 `yaml:"order_step_size"`
	Interval        float64 `yaml:"interval"`
	MinSpread       float64 `yaml:"min_spread"`
	MaintainSpreads bool    `yaml:"maintain_spreads"`

	CheckPositionLimits bool    `yaml:"check_position_limits"`
	MinPosition         float64 `yaml:"min_position"`
	MaxPosition         float64 `yaml:"max_position"`

	RandomOrderSize bool    `yaml:"random_order_size"`
	MinOrderSize    float64 `yaml:"min_order_size"`
	MaxOrderSize    float64 `yaml:"max_order_size"`

	MaxQtyPerPrice float64       `yaml:"max_qty_per_price"`
	LoopInterval   time.Duration `yaml:"loop_interval"`
	DryRun         bool          `yaml:"dry_run"`

	DBConnStr      string `yaml:"db_conn_str"`
	TelegramToken  string `yaml:"telegram_token"`
	TelegramChatID string `yaml:"telegram_chat_id"`

	// Credentials, environment only.
	APIKey    string `yaml:"-"`
	APISecret string `yaml:"-"`
}

// Load builds the config from flags, an optional YAML file and environment
// variables. Flag defaults match a cautious paper setup.
func Load(args []string) (Config, error) {
	fs := flag.NewFlagSet("market-maker", flag.ContinueOnError)

	restURL := fs.String("rest-url", "https://api.gte.example", "REST API base URL")
	wsURL := fs.String("ws-url", "wss://stream.gte.example/ws", "Websocket feed URL")
	symbol := fs.String("symbol", "BTC_USD", "Contract symbol to quote")
	settleCurrency := fs.String("settle-currency", "BTC", "Settlement currency (asset)")
	instrumentType := fs.String("instrument-type", "pc", "Instrument type API segment")
	orderPairs := fs.Int("order-pairs", 6, "Ladder rungs per side")
	orderStartSize := fs.Float64("order-start-size", 100, "Quantity of the innermost rung")
	orderStepSize := fs.Float64("order-step-size", 100, "Quantity added per rung outward")
	interval := fs.Float64("interval", 0.005, "Fractional price step between rungs (e.g. 0.005 for 0.5%)")
	minSpread := fs.Float64("min-spread", 0.01, "Minimum fractional spread between innermost rungs")
	maintainSpreads := fs.Bool("maintain-spreads", false, "Anchor rungs at current best quotes instead of crossing inward")
	checkPositionLimits := fs.Bool("check-position-limits", false, "Stop quoting a side when position limits are breached")
	minPosition := fs.Float64("min-position", -10000, "Most negative net position allowed")
	maxPosition := fs.Float64("max-position", 10000, "Most positive net position allowed")
	randomOrderSize := fs.Bool("random-order-size", false, "Draw rung quantities uniformly from [min-order-size, max-order-size]")
	minOrderSize := fs.Float64("min-order-size", 10, "Lower bound for random rung quantity")
	maxOrderSize := fs.Float64("max-order-size", 500, "Upper bound for random rung quantity")
	maxQtyPerPrice := fs.Float64("max-qty-per-price", 1000, "Open quantity cap per price level")
	loopInterval := fs.Duration("loop-interval", 5*time.Second, "Pause between reconciliation cycles")
	dryRun := fs.Bool("dry-run", false, "Log intended orders without sending them")
	telegramToken := fs.String("telegram-token", "", "Telegram bot token for notifications")
	telegramChatID := fs.String("telegram-chat", "", "Telegram chat ID for notifications")
	configFile := fs.String("config", "", "Path to YAML config file")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg := Config{
		RESTURL:             *restURL,
		WSURL:               *wsURL,
		Symbol:              *symbol,
		SettleCurrency:      *settleCurrency,
		InstrumentType:      *instrumentType,
		OrderPairs:          *orderPairs,
		OrderStartSize:      *orderStartSize,
		OrderStepSize:       *orderStepSize,
		Interval:            *interval,
		MinSpread:           *minSpread,
		MaintainSpreads:     *maintainSpreads,
		CheckPositionLimits: *checkPositionLimits,
		MinPosition:         *minPosition,
		MaxPosition:         *maxPosition,
		RandomOrderSize:     *randomOrderSize,
		MinOrderSize:        *minOrderSize,
		MaxOrderSize:        *maxOrderSize,
		MaxQtyPerPrice:      *maxQtyPerPrice,
		LoopInterval:        *loopInterval,
		DryRun:              *dryRun,
		TelegramToken:       *telegramToken,
		TelegramChatID:      *telegramChatID,
	}

	if *configFile != "" {
		data, err := os.ReadFile(*configFile)
		if err != nil {
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config file: %w", err)
		}
	}

	cfg.APIKey = os.Getenv("GTE_API_KEY")
	cfg.APISecret = os.Getenv("GTE_API_SECRET")
	if v := os.Getenv("DB_CONN_STR"); v != "" {
		cfg.DBConnStr = v
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// MustLoad is Load for main: any problem is fatal.
func MustLoad() Config {
	cfg, err := Load(os.Args[1:])
	if err != nil {
		log.Fatalf("Config | %v", err)
	}
	return cfg
}

// Validate rejects configurations that would make the loop misbehave rather
// than letting it start and fail mid-cycle.
func (c Config) Validate() error {
	if c.Symbol == "" {
		return errors.New("config: symbol is required")
	}
	if c.SettleCurrency == "" {
		return errors.New("config: settle_currency is required")
	}
	if c.OrderPairs <= 0 {
		return errors.New("config: order_pairs must be positive")
	}
	if c.Interval <= 0 {
		return errors.New("config: interval must be positive")
	}
	if c.MinSpread < 0 {
		return errors.New("config: min_spread cannot be negative")
	}
	if c.RandomOrderSize && c.MinOrderSize > c.MaxOrderSize {
		return errors.New("config: min_order_size exceeds max_order_size")
	}
	if c.CheckPositionLimits && c.MinPosition >= c.MaxPosition {
		return errors.New("config: min_position must be below max_position")
	}
	if !c.DryRun && (c.APIKey == "" || c.APISecret == "") {
		return errors.New("config: GTE_API_KEY and GTE_API_SECRET must be set for live runs")
	}
	if c.LoopInterval <= 0 {
		return errors.New("config: loop_interval must be positive")
	}
	return nil
}
