// Command solforge is the operator and wallet CLI for the SolForge gateway.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/solforge/solforge-gateway/internal/auth"
	"github.com/solforge/solforge-gateway/internal/bootstrap"
	"github.com/solforge/solforge-gateway/internal/config"
	"github.com/solforge/solforge-gateway/internal/ledger"
	"github.com/solforge/solforge-gateway/internal/pricing"
	"github.com/solforge/solforge-gateway/internal/version"
)

// manualPrefix marks operator credits in the payment signature column.
const manualPrefix = "manual:"

var rootDir string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "solforge",
		Short: "Wallet and ledger tooling for the SolForge gateway",
		Long: `solforge generates wallet keys, signs request credentials and
inspects or adjusts the gateway ledger directly.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&rootDir, "root", ".", "directory containing config/")

	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(keygenCmd())
	rootCmd.AddCommand(signCmd())
	rootCmd.AddCommand(balanceCmd())
	rootCmd.AddCommand(entriesCmd())
	rootCmd.AddCommand(creditCmd())
	rootCmd.AddCommand(pricingCmd())
	rootCmd.AddCommand(versionCmd())
	return rootCmd
}

func initCmd() *cobra.Command {
	var opts bootstrap.InitOptions
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write config/setting.ini and config/<env>/gateway.ini",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Root = rootDir
			if err := bootstrap.Init(opts); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "configuration written under %s/config\n", rootDir)
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.Environment, "env", "dev", "environment name")
	cmd.Flags().StringVar(&opts.HTTPAddress, "addr", ":8080", "listen address")
	cmd.Flags().StringVar(&opts.LedgerPath, "ledger", "", "SQLite ledger path")
	cmd.Flags().StringVar(&opts.PayTo, "pay-to", "", "address receiving top-ups")
	cmd.Flags().StringVar(&opts.FacilitatorURL, "facilitator", "", "x402 facilitator base URL")
	cmd.Flags().StringVar(&opts.ResourceURL, "resource", "", "public top-up URL")
	cmd.Flags().BoolVar(&opts.Loopback, "loopback", false, "enable the loopback provider")
	cmd.Flags().BoolVar(&opts.Force, "force", false, "overwrite existing files")
	return cmd
}

func keygenCmd() *cobra.Command {
	var out string
	var force bool
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a wallet keypair",
		RunE: func(cmd *cobra.Command, args []string) error {
			priv, err := generateKey(out, force)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wallet: %s\nkey file: %s\n", walletAddress(priv), out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "wallet.json", "key file to write")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing key file")
	return cmd
}

func signCmd() *cobra.Command {
	var keyFile string
	var curl bool
	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Print authentication headers for one request",
		Long: `sign signs the current time in milliseconds with the wallet key. The
headers are valid once, within the gateway's nonce window.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			priv, err := loadKey(keyFile)
			if err != nil {
				return err
			}
			creds := auth.Sign(priv, time.Now())
			w := cmd.OutOrStdout()
			for _, h := range [][2]string{
				{auth.HeaderWallet, creds.Wallet},
				{auth.HeaderNonce, creds.Nonce},
				{auth.HeaderSignature, creds.Signature},
			} {
				if curl {
					fmt.Fprintf(w, "-H '%s: %s' ", h[0], h[1])
					continue
				}
				fmt.Fprintf(w, "%s: %s\n", h[0], h[1])
			}
			if curl {
				fmt.Fprintln(w)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&keyFile, "key", "k", "wallet.json", "key file")
	cmd.Flags().BoolVar(&curl, "curl", false, "print as curl -H flags")
	return cmd
}

func balanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "balance <wallet>",
		Short: "Show a wallet's account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(cmd.Context(), func(lg *ledger.Ledger) error {
				acct, err := lg.Account(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintf(tw, "wallet\t%s\n", acct.WalletAddress)
				fmt.Fprintf(tw, "balance\t%s\n", ledger.Format(acct.Balance))
				fmt.Fprintf(tw, "total_topped_up\t%s\n", ledger.Format(acct.TotalToppedUp))
				fmt.Fprintf(tw, "total_spent\t%s\n", ledger.Format(acct.TotalSpent))
				fmt.Fprintf(tw, "requests\t%d\n", acct.RequestCount)
				return tw.Flush()
			})
		},
	}
}

func entriesCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "entries <wallet>",
		Short: "List a wallet's most recent ledger entries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(cmd.Context(), func(lg *ledger.Ledger) error {
				entries, err := lg.Entries(cmd.Context(), args[0], limit)
				if err != nil {
					return err
				}
				return printEntries(cmd.OutOrStdout(), entries)
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of entries")
	return cmd
}

func printEntries(w io.Writer, entries []ledger.Entry) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tKIND\tAMOUNT\tBALANCE\tMODEL\tTOKENS\tREFERENCE")
	for _, e := range entries {
		tokens := ""
		if e.Kind == ledger.KindDeduction {
			tokens = fmt.Sprintf("%d/%d", e.InputTokens, e.OutputTokens)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			e.CreatedAt.Format(time.RFC3339), e.Kind, ledger.Format(e.AmountUSD),
			ledger.Format(e.BalanceAfter), e.Model, tokens, e.Signature)
	}
	return tw.Flush()
}

func creditCmd() *cobra.Command {
	var amount, reference string
	cmd := &cobra.Command{
		Use:   "credit <wallet>",
		Short: "Credit a wallet manually",
		Long: `credit adds funds outside the x402 flow, e.g. for refunds. The
reference must be unique; repeating it is rejected like a replayed payment.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !auth.ValidAddress(args[0]) {
				return fmt.Errorf("%q is not a wallet address", args[0])
			}
			usd, err := decimal.NewFromString(amount)
			if err != nil {
				return fmt.Errorf("invalid amount %q: %w", amount, err)
			}
			if strings.TrimSpace(reference) == "" {
				return fmt.Errorf("--reference is required")
			}
			return withLedger(cmd.Context(), func(lg *ledger.Ledger) error {
				balance, err := lg.Credit(cmd.Context(), args[0], usd, manualPrefix+reference, "operator")
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "credited %s; balance %s\n", ledger.Format(usd), ledger.Format(balance))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&amount, "amount", "", "USD amount")
	cmd.Flags().StringVar(&reference, "reference", "", "unique reference for this credit")
	return cmd
}

func pricingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pricing",
		Short: "Show per-million-token prices including markup",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadGatewayConfig(rootDir)
			if err != nil {
				return err
			}
			table, err := pricing.Load(cfg.PricingFile)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintf(tw, "MODEL\tOWNER\tINPUT\tOUTPUT\n")
			for _, m := range table.Models() {
				r := m.Rate.MarkedUp(cfg.Markup)
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", m.ID, m.OwnedBy, pricing.FormatPerMillion(r.Input), pricing.FormatPerMillion(r.Output))
			}
			return tw.Flush()
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.FullInfo())
		},
	}
}

func withLedger(ctx context.Context, fn func(*ledger.Ledger) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.LoadGatewayConfig(rootDir)
	if err != nil {
		return err
	}
	lg, err := bootstrap.OpenLedger(ctx, cfg, zerolog.Nop())
	if err != nil {
		return err
	}
	defer lg.Close()
	return fn(lg)
}
