package main

import (
	"context"
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/warp/rent-ledger/billing"
	"github.com/warp/rent-ledger/ledger"
)

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a period's invoices for every shop",
	Long: `Generate the invoice of one billing period for every shop.

A shop that already has the period's invoice is reported as failed with
kind Duplicate and left untouched, so the command is safe to re-run.`,
	Example: `  # Current month
  rent-ledger generate

  # A specific month
  rent-ledger generate --period 2025-04`,
	RunE: runGenerate,
}

var arrestCmd = &cobra.Command{
	Use:   "arrest",
	Short: "Escalate overdue invoices and fines to Arrest",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBatch(cmd,
			func(e *billing.Engine) batchFunc { return e.RunArrestAction },
			func(e *billing.Engine) batchFunc { return e.RunFineArrestAction },
		)
	},
}

var fineSweepCmd = &cobra.Command{
	Use:   "fine-sweep",
	Short: "Fine open invoices past the grace window",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBatch(cmd, func(e *billing.Engine) batchFunc { return e.RunFineSweep })
	},
}

func init() {
	rootCmd.AddCommand(generateCmd, arrestCmd, fineSweepCmd)
	generateCmd.Flags().String("period", "", "billing period YYYY-MM (default: current month)")
}

func runGenerate(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	period, _ := cmd.Flags().GetString("period")
	if period == "" {
		period = ledger.PeriodOf(a.engine.Now()).String()
	}

	results, err := a.engine.GenerateAllInvoices(cmd.Context(), period)
	if err != nil {
		return err
	}
	return printJSON(results)
}

type batchFunc = func(ctx context.Context) (*billing.BatchResult, error)

func runBatch(cmd *cobra.Command, jobs ...func(*billing.Engine) batchFunc) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	results := make([]*billing.BatchResult, 0, len(jobs))
	for _, job := range jobs {
		res, err := job(a.engine)(cmd.Context())
		if err != nil {
			return err
		}
		results = append(results, res)
	}
	return printJSON(results)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
