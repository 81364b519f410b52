// Package bootstrap scaffolds the layered INI configuration read by
// gatewayd and the solforge CLI.
package bootstrap

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/solforge/solforge-gateway/internal/auth"
	"github.com/solforge/solforge-gateway/internal/config"
)

// InitOptions configures the bootstrap process for generating config files.
type InitOptions struct {
	Root           string
	Environment    string
	HTTPAddress    string
	LedgerPath     string
	PayTo          string
	FacilitatorURL string
	ResourceURL    string
	Network        string
	Loopback       bool
	Force          bool
}

// Init scaffolds configuration files for the gateway.
func Init(opts InitOptions) error {
	applyDefaults(&opts)
	if err := Validate(opts); err != nil {
		return err
	}
	if err := ensureDir(filepath.Join(opts.Root, "config", opts.Environment)); err != nil {
		return err
	}

	settingPath := filepath.Join(opts.Root, "config", "setting.ini")
	if err := writeFile(settingPath, settingTemplate(opts), opts.Force); err != nil {
		return err
	}

	gatewayPath := filepath.Join(opts.Root, "config", opts.Environment, "gateway.ini")
	if err := writeFile(gatewayPath, gatewayTemplate(opts), opts.Force); err != nil {
		return err
	}

	return nil
}

func applyDefaults(opts *InitOptions) {
	if strings.TrimSpace(opts.Root) == "" {
		opts.Root = "."
	}
	if strings.TrimSpace(opts.Environment) == "" {
		opts.Environment = "dev"
	}
	if strings.TrimSpace(opts.HTTPAddress) == "" {
		opts.HTTPAddress = ":8080"
	}
	if strings.TrimSpace(opts.LedgerPath) == "" {
		opts.LedgerPath = config.DefaultLedgerPath()
	}
	if strings.TrimSpace(opts.ResourceURL) == "" {
		opts.ResourceURL = "http://localhost" + opts.HTTPAddress + "/v1/topup"
	}
	if strings.TrimSpace(opts.Network) == "" {
		opts.Network = "solana"
	}
}

func ensureDir(path string) error {
	return os.MkdirAll(path, 0o755)
}

func writeFile(path, contents string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("file already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(contents), 0o600)
}

func settingTemplate(opts InitOptions) string {
	return fmt.Sprintf(`# SolForge gateway settings
environment=%s
log_level=info
log_format=json
`, opts.Environment)
}

func gatewayTemplate(opts InitOptions) string {
	return fmt.Sprintf(`# Environment specific overrides for %s
http_address=%s
log_file=logs/gatewayd.log
ledger_driver=sqlite
ledger_path=%s
loopback_enabled=%t
markup=1.005
min_balance_usd=0.01
resource_url=%s

# Provider keys; SOLFORGE_OPENAI_API_KEY etc. take precedence.
openai_api_key=
anthropic_api_key=
gemini_api_key=

[payment]
network=%s
asset=%s
asset_decimals=6
pay_to=%s
fee_payer=

[facilitator]
url=%s
timeout_seconds=30

[topup]
amounts_usd=1,5,10
`, opts.Environment, opts.HTTPAddress, opts.LedgerPath, opts.Loopback, opts.ResourceURL,
		opts.Network, config.DefaultUSDCMint, opts.PayTo, opts.FacilitatorURL)
}

// Validate ensures the options would produce a loadable configuration
// without modifying files.
func Validate(opts InitOptions) error {
	applyDefaults(&opts)
	if opts.PayTo != "" && !auth.ValidAddress(opts.PayTo) {
		return errors.New("pay_to must be a base58 Solana address")
	}
	if opts.FacilitatorURL != "" {
		if u, err := url.Parse(opts.FacilitatorURL); err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("facilitator URL must be absolute, got %q", opts.FacilitatorURL)
		}
	}
	if u, err := url.Parse(opts.ResourceURL); err != nil || u.Host == "" {
		return fmt.Errorf("resource URL must be absolute, got %q", opts.ResourceURL)
	}
	return nil
}
