package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/eddiefleurent/rollchain/internal/mock"
)

func newGenerateCmd() *cobra.Command {
	var (
		out       string
		symbols   []string
		perSymbol int
		maxRolls  int
		startDate string
	)

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Write a synthetic order export with rolled chains for trying out detect and sync",
		RunE: func(cmd *cobra.Command, args []string) error {
			start, err := time.Parse("2006-01-02", startDate)
			if err != nil {
				return fmt.Errorf("invalid --start: %w", err)
			}
			raws, want := mock.NewHistoryGenerator(start.Add(15*time.Hour)).History(symbols, perSymbol, maxRolls)

			w := cmd.OutOrStdout()
			if out != "" {
				f, err := os.Create(out) // #nosec G304 -- output path is chosen by the operator
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			if err := writeJSON(w, map[string]any{"results": raws}); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "wrote %d orders in %d chains\n", len(raws), len(want))
			return nil
		},
	}

	cmd.Flags().StringVar(&out, "out", "", "output file (default stdout)")
	cmd.Flags().StringSliceVar(&symbols, "symbols", []string{"SPY"}, "underlying symbols")
	cmd.Flags().IntVar(&perSymbol, "chains", 2, "chains per symbol")
	cmd.Flags().IntVar(&maxRolls, "max-rolls", 3, "maximum rolls per chain")
	cmd.Flags().StringVar(&startDate, "start", time.Now().AddDate(0, -6, 0).Format("2006-01-02"), "date of the first order")
	return cmd
}
