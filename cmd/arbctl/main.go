// Command arbctl is the operator CLI for a running arbengine. Every call is
// signed with the operator's API key.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/alanyoungcy/arbengine/internal/arbitrage"
	"github.com/alanyoungcy/arbengine/internal/crypto"
)

func main() {
	_ = godotenv.Load()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

type globals struct {
	server  string
	key     string
	secret  string
	timeout time.Duration
}

func (g *globals) client() *client {
	return newClient(g.server, g.key, g.secret, g.timeout)
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func rootCmd() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:           "arbctl",
		Short:         "Operate an arbengine instance",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&g.server, "server", envOr("ARBCTL_SERVER", "http://localhost:8000"), "engine API base URL")
	root.PersistentFlags().StringVar(&g.key, "key", os.Getenv("ARBCTL_KEY"), "API key")
	root.PersistentFlags().StringVar(&g.secret, "secret", os.Getenv("ARBCTL_SECRET"), "API key secret")
	root.PersistentFlags().DurationVar(&g.timeout, "timeout", 15*time.Second, "request timeout")

	root.AddCommand(
		attemptCmd(g, "simulate", "Dry-run an attempt read from a JSON file (- for stdin)", "/api/attempts/simulate"),
		attemptCmd(g, "submit", "Execute an attempt read from a JSON file (- for stdin)", "/api/attempts"),
		executionsCmd(g),
		getCmd(g, "stats", "Show running totals per asset", "/api/stats"),
		getCmd(g, "venues", "Show venue health", "/api/venues/health"),
		getCmd(g, "breakers", "Show circuit breaker windows", "/api/governance/breakers"),
		depegCmd(g),
		proposalsCmd(g),
		proposeStrategyCmd(g),
		proposeVenueCmd(g),
		activateCmd(g),
		proposalActionCmd(g, "execute", "Execute a ready proposal"),
		proposalActionCmd(g, "cancel", "Cancel a pending proposal"),
		postCmd(g, "pause", "Pause the engine (guardian)", "/api/governance/pause"),
		postCmd(g, "unpause", "Resume the engine (guardian)", "/api/governance/unpause"),
		disableVenueCmd(g),
		resetBreakerCmd(g),
		roleCmd(g, "grant"),
		roleCmd(g, "revoke"),
		rolesCmd(g),
		quoteCmd(),
		keygenCmd(),
		encryptKeyCmd(),
	)
	return root
}

// printJSON pretty-prints a JSON response.
func printJSON(w io.Writer, data []byte) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		_, err = w.Write(data)
		return err
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(w)
	return err
}

func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

func attemptCmd(g *globals, use, short, path string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <attempt.json>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := readInput(args[0])
			if err != nil {
				return err
			}
			if !json.Valid(body) {
				return errors.New("attempt file is not valid JSON")
			}
			data, err := g.client().do(cmd.Context(), "POST", path, body)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), data)
		},
	}
}

func getCmd(g *globals, use, short, path string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, err := g.client().do(cmd.Context(), "GET", path, nil)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), data)
		},
	}
}

func postCmd(g *globals, use, short, path string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, err := g.client().do(cmd.Context(), "POST", path, nil)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), data)
		},
	}
}

func executionsCmd(g *globals) *cobra.Command {
	var (
		asset        string
		since, until string
		limit        int
		offset       int
	)
	cmd := &cobra.Command{
		Use:   "executions [id]",
		Short: "List execution records, or show one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/executions"
			if len(args) == 1 {
				path += "/" + url.PathEscape(args[0])
			} else {
				q := url.Values{}
				if asset != "" {
					q.Set("asset", asset)
				}
				if since != "" {
					q.Set("since", since)
				}
				if until != "" {
					q.Set("until", until)
				}
				q.Set("limit", strconv.Itoa(limit))
				if offset > 0 {
					q.Set("offset", strconv.Itoa(offset))
				}
				path += "?" + q.Encode()
			}
			data, err := g.client().do(cmd.Context(), "GET", path, nil)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), data)
		},
	}
	cmd.Flags().StringVar(&asset, "asset", "", "filter by asset address")
	cmd.Flags().StringVar(&since, "since", "", "RFC3339 lower bound")
	cmd.Flags().StringVar(&until, "until", "", "RFC3339 upper bound")
	cmd.Flags().IntVar(&limit, "limit", 50, "page size")
	cmd.Flags().IntVar(&offset, "offset", 0, "page offset")
	return cmd
}

func depegCmd(g *globals) *cobra.Command {
	var threshold uint64
	cmd := &cobra.Command{
		Use:   "depeg",
		Short: "List stable-venue tokens priced away from par",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := "/api/venues/depegs"
			if threshold > 0 {
				path += "?threshold_bps=" + strconv.FormatUint(threshold, 10)
			}
			data, err := g.client().do(cmd.Context(), "GET", path, nil)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), data)
		},
	}
	cmd.Flags().Uint64Var(&threshold, "threshold-bps", 0, "deviation threshold; 0 uses the server default")
	return cmd
}

func proposalsCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "proposals [id]",
		Short: "List governance proposals, or show one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/governance/proposals"
			if len(args) == 1 {
				path += "/" + args[0]
			}
			data, err := g.client().do(cmd.Context(), "GET", path, nil)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), data)
		},
	}
}

func proposeStrategyCmd(g *globals) *cobra.Command {
	var description string
	cmd := &cobra.Command{
		Use:   "propose-strategy <strategy.json>",
		Short: "Queue new limits for one asset behind the timelock",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readInput(args[0])
			if err != nil {
				return err
			}
			body := map[string]any{"strategy": json.RawMessage(raw), "description": description}
			data, err := g.client().do(cmd.Context(), "POST", "/api/governance/strategies", body)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), data)
		},
	}
	cmd.Flags().StringVar(&description, "description", "", "proposal description")
	return cmd
}

func proposeVenueCmd(g *globals) *cobra.Command {
	var (
		name, kind, description string
		disabled                bool
	)
	cmd := &cobra.Command{
		Use:   "propose-venue <venue-address>",
		Short: "Queue an allowlist entry behind the timelock",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !common.IsHexAddress(args[0]) {
				return fmt.Errorf("%q is not a hex address", args[0])
			}
			body := map[string]any{
				"venue": map[string]any{
					"id":      common.HexToAddress(args[0]),
					"name":    name,
					"kind":    kind,
					"enabled": !disabled,
				},
				"description": description,
			}
			data, err := g.client().do(cmd.Context(), "POST", "/api/governance/venues", body)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), data)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "venue name")
	cmd.Flags().StringVar(&kind, "kind", "constant_product", "venue kind")
	cmd.Flags().BoolVar(&disabled, "disabled", false, "list the venue disabled")
	cmd.Flags().StringVar(&description, "description", "", "proposal description")
	return cmd
}

func activateCmd(g *globals) *cobra.Command {
	var description string
	cmd := &cobra.Command{
		Use:   "activate <version>",
		Short: "Queue activation of a staged ruleset version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("version: %w", err)
			}
			body := map[string]any{"version": v, "description": description}
			data, err := g.client().do(cmd.Context(), "POST", "/api/governance/rulesets/activate", body)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), data)
		},
	}
	cmd.Flags().StringVar(&description, "description", "", "proposal description")
	return cmd
}

func proposalActionCmd(g *globals, action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <proposal-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if b, err := hexutil.Decode(args[0]); err != nil || len(b) != common.HashLength {
				return fmt.Errorf("%q is not a 32-byte hex id", args[0])
			}
			data, err := g.client().do(cmd.Context(), "POST", "/api/governance/proposals/"+args[0]+"/"+action, nil)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), data)
		},
	}
}

func disableVenueCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "disable-venue <venue-address>",
		Short: "Disable an allowlisted venue at once (guardian)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := g.client().do(cmd.Context(), "POST", "/api/governance/venues/"+args[0]+"/disable", nil)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), data)
		},
	}
}

func resetBreakerCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "reset-breaker <asset-address>",
		Short: "Clear an asset's breaker window (guardian)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := g.client().do(cmd.Context(), "POST", "/api/governance/breakers/"+args[0]+"/reset", nil)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), data)
		},
	}
}

func roleCmd(g *globals, action string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <actor-address> <role>",
		Short: action + " a governance role (admin)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !common.IsHexAddress(args[0]) {
				return fmt.Errorf("%q is not a hex address", args[0])
			}
			body := map[string]any{"actor": common.HexToAddress(args[0]), "role": args[1]}
			data, err := g.client().do(cmd.Context(), "POST", "/api/governance/roles/"+action, body)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), data)
		},
	}
}

func rolesCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "roles <actor-address>",
		Short: "List the roles an actor holds",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := g.client().do(cmd.Context(), "GET", "/api/governance/roles/"+args[0], nil)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), data)
		},
	}
}

func quoteCmd() *cobra.Command {
	var (
		implied, external string
		cycle             []string
		amount, extCost   string
		costs             = arbitrage.DefaultCostModel()
	)
	cmd := &cobra.Command{
		Use:   "quote",
		Short: "Evaluate a spread, or a price cycle with --cycle, against the cost model",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			amt, err := decimal.NewFromString(amount)
			if err != nil {
				return fmt.Errorf("amount: %w", err)
			}
			cost, err := decimal.NewFromString(extCost)
			if err != nil {
				return fmt.Errorf("external-cost: %w", err)
			}
			calc := arbitrage.NewCalculator(costs)

			var opp arbitrage.Opportunity
			if len(cycle) > 0 {
				prices := make([]decimal.Decimal, 0, len(cycle))
				for _, p := range cycle {
					d, err := decimal.NewFromString(strings.TrimSpace(p))
					if err != nil {
						return fmt.Errorf("cycle price %q: %w", p, err)
					}
					prices = append(prices, d)
				}
				opp, err = calc.EvaluateCycle(amt, cost, prices...)
			} else {
				i, perr := decimal.NewFromString(implied)
				if perr != nil {
					return fmt.Errorf("implied: %w", perr)
				}
				e, perr := decimal.NewFromString(external)
				if perr != nil {
					return fmt.Errorf("external: %w", perr)
				}
				opp, err = calc.Evaluate(i, e, amt, cost)
			}
			if err != nil {
				return err
			}
			data, err := json.Marshal(struct {
				arbitrage.Opportunity
				MinSpreadBps decimal.Decimal `json:"min_spread_bps"`
			}{opp, calc.MinSpreadBps()})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), data)
		},
	}
	cmd.Flags().StringVar(&implied, "implied", "", "implied price")
	cmd.Flags().StringVar(&external, "external", "", "reference price")
	cmd.Flags().StringSliceVar(&cycle, "cycle", nil, "pairwise prices around a cycle, comma separated")
	cmd.Flags().StringVar(&amount, "amount", "0", "trade size")
	cmd.Flags().StringVar(&extCost, "external-cost", "0", "fixed cost in trade units")
	cmd.Flags().Int64Var(&costs.BorrowFeeBps, "borrow-fee-bps", costs.BorrowFeeBps, "borrow premium")
	cmd.Flags().Int64Var(&costs.GasBufferBps, "gas-buffer-bps", costs.GasBufferBps, "gas buffer")
	cmd.Flags().Int64Var(&costs.MarginBps, "margin-bps", costs.MarginBps, "safety margin")
	cmd.MarkFlagsMutuallyExclusive("cycle", "implied")
	return cmd
}

func keygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate an operator signing key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, err := ethcrypto.GenerateKey()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "address:     %s\nprivate_key: %s\n",
				ethcrypto.PubkeyToAddress(key.PublicKey).Hex(),
				hexutil.Encode(ethcrypto.FromECDSA(key)))
			return nil
		},
	}
}

func encryptKeyCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "encrypt-key",
		Short: "Encrypt ARBCTL_PRIVATE_KEY with ARBCTL_KEY_PASSWORD for operator.encrypted_key_path",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			raw, password := os.Getenv("ARBCTL_PRIVATE_KEY"), os.Getenv("ARBCTL_KEY_PASSWORD")
			if raw == "" || password == "" {
				return errors.New("ARBCTL_PRIVATE_KEY and ARBCTL_KEY_PASSWORD must be set")
			}
			data, err := crypto.EncryptKey(raw, password)
			if err != nil {
				return err
			}
			if err := os.WriteFile(out, data, 0o600); err != nil {
				return fmt.Errorf("write %s: %w", out, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", out)
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "operator.key", "output path")
	return cmd
}
