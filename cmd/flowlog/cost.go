package main

import (
	"fmt"

	"github.com/gosuri/uitable"
	"github.com/spf13/cobra"

	"llm_flow/internal/billing"
	"llm_flow/internal/metrics"
	"llm_flow/internal/models"
)

func newCostCmd() *cobra.Command {
	var inputTokens, outputTokens int

	cmd := &cobra.Command{
		Use:   "cost [model...]",
		Short: "Show cost table rows, optionally pricing a token count",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			table := billing.DefaultCostTable()
			if cfg.Costs.TablePath != "" {
				if table, err = billing.LoadCostTable(cfg.Costs.TablePath); err != nil {
					return err
				}
			}

			var rows []models.ModelCost
			if len(args) == 0 {
				rows = table.Models()
			}
			for _, model := range args {
				row, ok := table.LookupCost(cmd.Context(), model)
				if !ok {
					return fmt.Errorf("no cost row for model %q", model)
				}
				rows = append(rows, row)
			}

			out := uitable.New()
			out.MaxColWidth = 40
			header := []interface{}{"MODEL", "INPUT/10K", "OUTPUT/10K"}
			if inputTokens > 0 || outputTokens > 0 {
				header = append(header, fmt.Sprintf("COST(%d in, %d out)", inputTokens, outputTokens))
			}
			out.AddRow(header...)
			for _, row := range rows {
				cells := []interface{}{
					row.Model,
					fmt.Sprintf("%.4f", row.InputCost10k),
					fmt.Sprintf("%.4f", row.OutputCost10k),
				}
				if inputTokens > 0 || outputTokens > 0 {
					cost := metrics.RequestCost(inputTokens, outputTokens, row.InputRate(), row.OutputRate())
					cells = append(cells, fmt.Sprintf("$%.6f", cost))
				}
				out.AddRow(cells...)
			}
			fmt.Fprintln(cmd.OutOrStdout(), out)
			return nil
		},
	}

	cmd.Flags().IntVar(&inputTokens, "input", 0, "input tokens to price")
	cmd.Flags().IntVar(&outputTokens, "output", 0, "output tokens to price")
	return cmd
}
