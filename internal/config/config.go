// Package config loads gatewayd settings from layered INI files and
// SOLFORGE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/ini.v1"
)

const (
	settingsFile     = "config/setting.ini"
	defaultEnv       = "dev"
	envConfigPattern = "config/%s/gateway.ini"
	envPrefix        = "SOLFORGE_"

	// USDC on Solana mainnet.
	DefaultUSDCMint = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
)

// Settings contains global toggles such as the active environment.
type Settings struct {
	Environment string
	Defaults    map[string]string
}

// GatewayConfig describes runtime options for gatewayd and the CLI.
type GatewayConfig struct {
	Environment string
	HTTPAddress string

	LogFile     string
	LogLevel    string
	LogFormat   string
	LogMaxBytes int64

	LedgerDriver string // sqlite|postgres
	LedgerPath   string
	LedgerDSN    string
	RedisAddr    string
	RedisPass    string

	OpenAIAPIKey     string
	OpenAIBaseURL    string
	AnthropicAPIKey  string
	AnthropicBaseURL string
	GeminiAPIKey     string
	GeminiBaseURL    string
	LoopbackEnabled  bool
	UpstreamTimeout  time.Duration
	UpstreamRetries  int
	PricingFile      string

	Markup        decimal.Decimal
	MinBalanceUSD decimal.Decimal

	TopUpAmountsUSD      []decimal.Decimal
	PaymentNetwork       string
	PaymentAsset         string
	PaymentAssetDecimals int32
	PaymentPayTo         string
	PaymentFeePayer      string
	PaymentTimeout       time.Duration
	FacilitatorURL       string
	FacilitatorTimeout   time.Duration
	ResourceURL          string

	NonceWindow time.Duration

	RateLimitEnabled bool
	RateLimitRPS     float64
	RateLimitBurst   float64
}

// LoadGatewayConfig merges config/setting.ini, config/<env>/gateway.ini and
// the environment, in increasing precedence, then validates the result.
func LoadGatewayConfig(root string) (GatewayConfig, error) {
	if root == "" {
		root = "."
	}
	s, err := loadSettings(root)
	if err != nil {
		return GatewayConfig{}, err
	}
	envValues, err := parseINI(filepath.Join(root, fmt.Sprintf(envConfigPattern, s.Environment)))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return GatewayConfig{}, err
	}

	merged := make(map[string]string, len(s.Defaults)+len(envValues))
	for k, v := range s.Defaults {
		merged[k] = v
	}
	for k, v := range envValues {
		merged[k] = v
	}
	return build(s.Environment, source{values: merged})
}

// source resolves a key from the environment first, then the INI files.
type source struct {
	values map[string]string
	errs   []error
}

func (s *source) str(key, fallback string) string {
	return firstNonEmpty(os.Getenv(envPrefix+strings.ToUpper(key)), s.values[key], fallback)
}

func (s *source) boolean(key string, fallback bool) bool {
	v := s.str(key, "")
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		s.errs = append(s.errs, fmt.Errorf("invalid %s %q: %w", key, v, err))
	}
	return b
}

func (s *source) float(key string, fallback float64) float64 {
	v := s.str(key, "")
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		s.errs = append(s.errs, fmt.Errorf("invalid %s %q: %w", key, v, err))
	}
	return f
}

func (s *source) integer(key string, fallback int64) int64 {
	v := s.str(key, "")
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		s.errs = append(s.errs, fmt.Errorf("invalid %s %q: %w", key, v, err))
	}
	return n
}

func (s *source) money(key, fallback string) decimal.Decimal {
	v := s.str(key, fallback)
	d, err := decimal.NewFromString(v)
	if err != nil {
		s.errs = append(s.errs, fmt.Errorf("invalid %s %q: %w", key, v, err))
	}
	return d
}

func (s *source) moneyList(key, fallback string) []decimal.Decimal {
	var out []decimal.Decimal
	for _, part := range parseCSV(s.str(key, fallback)) {
		d, err := decimal.NewFromString(part)
		if err != nil {
			s.errs = append(s.errs, fmt.Errorf("invalid %s entry %q: %w", key, part, err))
			continue
		}
		out = append(out, d)
	}
	return out
}

func (s *source) seconds(key string, fallback int64) time.Duration {
	return time.Duration(s.integer(key, fallback)) * time.Second
}

func build(env string, src source) (GatewayConfig, error) {
	cfg := GatewayConfig{
		Environment: env,
		HTTPAddress: src.str("http_address", ":8080"),

		LogFile:     src.str("log_file", ""),
		LogLevel:    src.str("log_level", "info"),
		LogFormat:   src.str("log_format", "json"),
		LogMaxBytes: src.integer("log_max_bytes", 100<<20),

		LedgerDriver: strings.ToLower(src.str("ledger_driver", "sqlite")),
		LedgerPath:   src.str("ledger_path", DefaultLedgerPath()),
		LedgerDSN:    src.str("ledger_dsn", ""),
		RedisAddr:    src.str("redis_addr", ""),
		RedisPass:    src.str("redis_password", ""),

		OpenAIAPIKey:     src.str("openai_api_key", ""),
		OpenAIBaseURL:    src.str("openai_base_url", ""),
		AnthropicAPIKey:  src.str("anthropic_api_key", ""),
		AnthropicBaseURL: src.str("anthropic_base_url", ""),
		GeminiAPIKey:     src.str("gemini_api_key", ""),
		GeminiBaseURL:    src.str("gemini_base_url", ""),
		LoopbackEnabled:  src.boolean("loopback_enabled", false),
		UpstreamTimeout:  src.seconds("upstream_timeout_seconds", 300),
		UpstreamRetries:  int(src.integer("upstream_retries", 2)),
		PricingFile:      src.str("pricing_file", ""),

		Markup:        src.money("markup", "1.005"),
		MinBalanceUSD: src.money("min_balance_usd", "0.01"),

		TopUpAmountsUSD:      src.moneyList("topup_amounts_usd", "1,5,10"),
		PaymentNetwork:       src.str("payment_network", "solana"),
		PaymentAsset:         src.str("payment_asset", DefaultUSDCMint),
		PaymentAssetDecimals: int32(src.integer("payment_asset_decimals", 6)),
		PaymentPayTo:         src.str("payment_pay_to", ""),
		PaymentFeePayer:      src.str("payment_fee_payer", ""),
		PaymentTimeout:       src.seconds("payment_timeout_seconds", 60),
		FacilitatorURL:       src.str("facilitator_url", ""),
		FacilitatorTimeout:   src.seconds("facilitator_timeout_seconds", 30),
		ResourceURL:          src.str("resource_url", "http://localhost:8080/v1/topup"),

		NonceWindow: time.Duration(src.integer("nonce_window_ms", 60_000)) * time.Millisecond,

		RateLimitEnabled: src.boolean("rate_limit_enabled", true),
		RateLimitRPS:     src.float("rate_limit_rps", 5),
		RateLimitBurst:   src.float("rate_limit_burst", 20),
	}
	if err := errors.Join(src.errs...); err != nil {
		return GatewayConfig{}, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return GatewayConfig{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c GatewayConfig) Validate() error {
	var errs []error
	switch c.LedgerDriver {
	case "sqlite":
		if c.LedgerPath == "" {
			errs = append(errs, errors.New("ledger_path is required for sqlite"))
		}
	case "postgres":
		if c.LedgerDSN == "" {
			errs = append(errs, errors.New("ledger_dsn is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown ledger_driver %q", c.LedgerDriver))
	}
	if !c.Markup.IsPositive() {
		errs = append(errs, fmt.Errorf("markup must be positive, got %s", c.Markup))
	}
	if c.MinBalanceUSD.IsNegative() {
		errs = append(errs, fmt.Errorf("min_balance_usd must not be negative, got %s", c.MinBalanceUSD))
	}
	if len(c.TopUpAmountsUSD) == 0 {
		errs = append(errs, errors.New("topup_amounts_usd must list at least one amount"))
	}
	for _, a := range c.TopUpAmountsUSD {
		if !a.IsPositive() {
			errs = append(errs, fmt.Errorf("topup amount must be positive, got %s", a))
		}
	}
	if c.PaymentAssetDecimals < 0 || c.PaymentAssetDecimals > 18 {
		errs = append(errs, fmt.Errorf("payment_asset_decimals out of range: %d", c.PaymentAssetDecimals))
	}
	if u, err := url.Parse(c.ResourceURL); err != nil || u.Host == "" {
		errs = append(errs, fmt.Errorf("resource_url must be an absolute URL, got %q", c.ResourceURL))
	}
	if c.NonceWindow <= 0 {
		errs = append(errs, errors.New("nonce_window_ms must be positive"))
	}
	if c.UpstreamRetries < 0 {
		errs = append(errs, fmt.Errorf("upstream_retries must not be negative, got %d", c.UpstreamRetries))
	}
	if c.RateLimitEnabled && (c.RateLimitRPS <= 0 || c.RateLimitBurst < 1) {
		errs = append(errs, errors.New("rate_limit_rps must be positive and rate_limit_burst at least 1"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// PaymentsEnabled reports whether top-ups can be settled.
func (c GatewayConfig) PaymentsEnabled() bool {
	return c.PaymentPayTo != "" && c.FacilitatorURL != ""
}

func loadSettings(root string) (Settings, error) {
	values, err := parseINI(filepath.Join(root, settingsFile))
	if errors.Is(err, os.ErrNotExist) {
		return Settings{Environment: firstNonEmpty(os.Getenv(envPrefix+"ENV"), defaultEnv), Defaults: map[string]string{}}, nil
	}
	if err != nil {
		return Settings{}, err
	}
	env := firstNonEmpty(os.Getenv(envPrefix+"ENV"), values["environment"], defaultEnv)
	delete(values, "environment")
	return Settings{Environment: env, Defaults: values}, nil
}

// parseINI flattens an INI file. Keys in a named section are prefixed with
// the section name, so [payment] pay_to becomes payment_pay_to.
func parseINI(path string) (map[string]string, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	f, err := ini.LoadSources(ini.LoadOptions{Insensitive: true}, path)
	if err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	values := make(map[string]string)
	for _, sec := range f.Sections() {
		prefix := ""
		if name := sec.Name(); !strings.EqualFold(name, ini.DefaultSection) {
			prefix = strings.ToLower(name) + "_"
		}
		for _, key := range sec.Keys() {
			values[prefix+key.Name()] = strings.TrimSpace(key.String())
		}
	}
	return values, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func parseCSV(input string) []string {
	var out []string
	for _, part := range strings.Split(input, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// DefaultLedgerPath returns the fallback ledger location under the user's home directory.
func DefaultLedgerPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "ledger.db"
	}
	return filepath.Join(home, ".solforge", "ledger.db")
}
