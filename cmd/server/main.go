/*
main.go - Application entry point

PURPOSE:
  Command-line entry for the rent ledger: runs the HTTP server or a single
  billing job against the configured database.

COMMANDS:
  serve        HTTP API plus the cron scheduler (default deployment)
  generate     Generate one period's invoices for every shop
  arrest       Escalate overdue invoices, then overdue fines
  fine-sweep   Fine open invoices past the grace window

GLOBAL FLAGS:
  --config     Config file (default: ./config.yaml or ./config/config.yaml)
  --db         SQLite database path, ":memory:" for in-memory

  Every setting can also come from RENT_* environment variables, see
  config/config.go.

GRACEFUL SHUTDOWN (serve):
  On SIGINT/SIGTERM:
  1. Stop the scheduler, waiting for a running job
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close database connection

EXAMPLES:
  ./rent-ledger serve --db=./data/rent.db --port=3000
  ./rent-ledger generate --period=2025-04
  RENT_BILLING_ARREST_THRESHOLD_DAYS=45 ./rent-ledger arrest

SEE ALSO:
  - api/server.go: Router configuration
  - config/config.go: Configuration keys
*/
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
