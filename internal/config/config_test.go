package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func writeLayout(t *testing.T, setting, env string) string {
	t.Helper()
	tmp := t.TempDir()
	if err := os.MkdirAll(filepath.Join(tmp, "config", "dev"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if setting != "" {
		if err := os.WriteFile(filepath.Join(tmp, "config", "setting.ini"), []byte(setting), 0o644); err != nil {
			t.Fatalf("write setting: %v", err)
		}
	}
	if env != "" {
		if err := os.WriteFile(filepath.Join(tmp, "config", "dev", "gateway.ini"), []byte(env), 0o644); err != nil {
			t.Fatalf("write env config: %v", err)
		}
	}
	return tmp
}

func TestLoadGatewayConfigLayers(t *testing.T) {
	setting := "environment=dev\nlog_level=debug\nmarkup=1.5\nhttp_address=:7000\n"
	env := strings.Join([]string{
		"http_address=:9090",
		"ledger_path=/tmp/custom-ledger.db",
		"topup_amounts_usd=1, 2.5",
		"nonce_window_ms=30000",
		"[payment]",
		"pay_to=PayToAddr111",
		"fee_payer=FeePayer111",
	}, "\n")
	root := writeLayout(t, setting, env)
	t.Setenv("SOLFORGE_MARKUP", "1.25")
	t.Setenv("SOLFORGE_FACILITATOR_URL", "https://facilitator.example")

	cfg, err := LoadGatewayConfig(root)
	if err != nil {
		t.Fatalf("LoadGatewayConfig: %v", err)
	}
	if cfg.HTTPAddress != ":9090" {
		t.Fatalf("env file should override settings, got %s", cfg.HTTPAddress)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("expected log level from settings, got %s", cfg.LogLevel)
	}
	if !cfg.Markup.Equal(decimal.RequireFromString("1.25")) {
		t.Fatalf("environment should win, got markup %s", cfg.Markup)
	}
	if cfg.LedgerPath != "/tmp/custom-ledger.db" {
		t.Fatalf("unexpected ledger path %s", cfg.LedgerPath)
	}
	if len(cfg.TopUpAmountsUSD) != 2 || !cfg.TopUpAmountsUSD[1].Equal(decimal.RequireFromString("2.5")) {
		t.Fatalf("unexpected amounts %v", cfg.TopUpAmountsUSD)
	}
	if cfg.NonceWindow != 30*time.Second {
		t.Fatalf("unexpected nonce window %v", cfg.NonceWindow)
	}
	if cfg.PaymentPayTo != "PayToAddr111" || cfg.PaymentFeePayer != "FeePayer111" {
		t.Fatalf("section keys not flattened: %+v", cfg)
	}
	if !cfg.PaymentsEnabled() {
		t.Fatal("payments should be enabled with pay_to and facilitator_url")
	}
}

func TestLoadGatewayConfigDefaults(t *testing.T) {
	cfg, err := LoadGatewayConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadGatewayConfig: %v", err)
	}
	if cfg.Environment != "dev" || cfg.LedgerDriver != "sqlite" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.NonceWindow != 60*time.Second {
		t.Fatalf("nonce window default = %v", cfg.NonceWindow)
	}
	if cfg.UpstreamRetries != 2 {
		t.Fatalf("upstream retries default = %d", cfg.UpstreamRetries)
	}
	if len(cfg.TopUpAmountsUSD) != 3 || cfg.PaymentAsset != DefaultUSDCMint || cfg.PaymentAssetDecimals != 6 {
		t.Fatalf("unexpected payment defaults %+v", cfg)
	}
	if cfg.PaymentsEnabled() {
		t.Fatal("payments need pay_to and facilitator_url")
	}
}

func TestLoadGatewayConfigRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"bad markup":    "markup=abc",
		"zero markup":   "markup=0",
		"bad driver":    "ledger_driver=mysql",
		"postgres dsn":  "ledger_driver=postgres",
		"bad amount":    "topup_amounts_usd=1,-5",
		"bad bool":      "loopback_enabled=maybe",
		"bad resource":  "resource_url=/v1/topup",
		"bad nonce":     "nonce_window_ms=0",
		"bad ratelimit": "rate_limit_rps=0",
		"bad retries":   "upstream_retries=-1",
	}
	for name, ini := range cases {
		t.Run(name, func(t *testing.T) {
			root := writeLayout(t, "", ini)
			if _, err := LoadGatewayConfig(root); err == nil {
				t.Fatalf("expected error for %q", ini)
			}
		})
	}
}

func TestEnvironmentSelectsFile(t *testing.T) {
	root := writeLayout(t, "environment=prod\n", "http_address=:1111\n")
	if err := os.MkdirAll(filepath.Join(root, "config", "prod"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "config", "prod", "gateway.ini"), []byte("http_address=:2222\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := LoadGatewayConfig(root)
	if err != nil {
		t.Fatalf("LoadGatewayConfig: %v", err)
	}
	if cfg.Environment != "prod" || cfg.HTTPAddress != ":2222" {
		t.Fatalf("unexpected %s %s", cfg.Environment, cfg.HTTPAddress)
	}

	t.Setenv("SOLFORGE_ENV", "dev")
	cfg, err = LoadGatewayConfig(root)
	if err != nil {
		t.Fatalf("LoadGatewayConfig: %v", err)
	}
	if cfg.HTTPAddress != ":1111" {
		t.Fatalf("SOLFORGE_ENV should pick dev, got %s", cfg.HTTPAddress)
	}
}
