package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/eddiefleurent/rollchain/internal/broker"
	"github.com/eddiefleurent/rollchain/internal/chains"
	"github.com/eddiefleurent/rollchain/internal/config"
	"github.com/eddiefleurent/rollchain/internal/models"
	"github.com/eddiefleurent/rollchain/internal/orders"
	"github.com/eddiefleurent/rollchain/internal/pnl"
)

// detectReport is the JSON document printed by the detect command.
type detectReport struct {
	Chains      []models.Chain        `json:"chains"`
	Trades      []models.MatchedTrade `json:"trades"`
	OpenLots    []pnl.OpenLot         `json:"open_lots"`
	Summary     models.Summary        `json:"summary"`
	Stats       pnl.Stats             `json:"stats"`
	Diagnostics []models.Diagnostic   `json:"diagnostics"`
}

func newDetectCmd() *cobra.Command {
	var ordersPath, historyPath string

	cmd := &cobra.Command{
		Use:   "detect",
		Short: "Detect chains in an order export and print them as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default(".")
			if cfgFile != "" {
				loaded, err := loadConfig()
				if err != nil {
					return err
				}
				cfg = loaded
			} else if logLevel != "" {
				cfg.Environment.LogLevel = logLevel
			}
			// logs go to stderr so stdout stays valid JSON
			logger, closer, err := newLogger(cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer closer.Close()

			raws, err := broker.ReadOrdersFile(ordersPath)
			if err != nil {
				return err
			}
			var history chains.HistoryLookup
			if historyPath != "" {
				histRaws, err := broker.ReadOrdersFile(historyPath)
				if err != nil {
					return err
				}
				histOrders := orders.NormalizeAll(histRaws, nil)
				history = chains.HistoryFunc(func(_ context.Context, symbol string) ([]models.Order, error) {
					var out []models.Order
					for _, o := range histOrders {
						if o.Symbol == symbol {
							out = append(out, o)
						}
					}
					return out, nil
				})
			}

			report, err := detect(cmd.Context(), cfg, raws, history, logger)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), report)
		},
	}

	cmd.Flags().StringVar(&ordersPath, "orders", "", "order export (JSON array or {\"results\": [...]})")
	cmd.Flags().StringVar(&historyPath, "history", "", "older order export used to trace rolls whose opener is missing")
	_ = cmd.MarkFlagRequired("orders")
	return cmd
}

func detect(ctx context.Context, cfg *config.Config, raws []models.RawOrder, history chains.HistoryLookup,
	logger logrus.FieldLogger) (detectReport, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	diag := models.NewDiagnostics(logger)
	normalized := orders.NormalizeAll(raws, diag)

	res, err := chains.NewDetector(detectionOptions(cfg), history, logger).Detect(ctx, normalized, diag)
	if err != nil {
		return detectReport{}, fmt.Errorf("detection failed: %w", err)
	}
	matched := pnl.NewMatcher(diag).Match(normalized)

	return detectReport{
		Chains:      nonNil(res.Chains),
		Trades:      nonNil(matched.Trades),
		OpenLots:    nonNil(matched.OpenLots),
		Summary:     chains.Summarize(res.Chains),
		Stats:       pnl.Summarize(matched.Trades),
		Diagnostics: nonNil(diag.Entries()),
	}, nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
