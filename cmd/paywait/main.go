package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/imrishuroy/go-payment-reconciliation/internal/orders"
	"github.com/imrishuroy/go-payment-reconciliation/internal/poll"
	"github.com/imrishuroy/go-payment-reconciliation/internal/validation"
)

var Version = "dev"

// exitStatus is set by a completed wait.
var exitStatus int

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	os.Exit(exitStatus)
}

func rootCmd() *cobra.Command {
	var (
		baseURL  string
		interval time.Duration
		timeout  time.Duration
		asJSON   bool
	)

	cmd := &cobra.Command{
		Use:   "paywait [order-id]",
		Short: "Wait for an order's payment to settle",
		Long: `Polls GET /orders/:id/status until the order is paid, failed or
cancelled. Exits 0 when paid, 2 when failed or cancelled, and 3 when the
payment is still processing at the timeout.`,
		Version: Version,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := validation.WaitRequest{
				BaseURL:  baseURL,
				OrderID:  args[0],
				Interval: interval,
				Timeout:  timeout,
			}
			if err := validation.New().Struct(req); err != nil {
				return fmt.Errorf("invalid flags: %v", validation.ErrorsToMap(err))
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			driver := poll.NewDriver(poll.NewHTTPSource(req.BaseURL, 10*time.Second))
			out, err := driver.WaitForTerminal(ctx, req.OrderID, req.Interval, req.Timeout)
			if err != nil {
				return err
			}
			report(cmd, req.OrderID, out, asJSON)
			exitStatus = exitCode(out)
			return nil
		},
	}

	cmd.Flags().StringVarP(&baseURL, "api", "a", envOr("PAYWAIT_API", "http://localhost:8080"), "API base URL")
	cmd.Flags().DurationVarP(&interval, "interval", "i", poll.DefaultInterval, "Poll interval")
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", poll.DefaultMaxTotal, "Give up after this long")
	cmd.Flags().BoolVarP(&asJSON, "json", "j", false, "Output as JSON")

	return cmd
}

func report(cmd *cobra.Command, orderID string, out poll.Outcome, asJSON bool) {
	w := cmd.OutOrStdout()
	if asJSON {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"order_id":   orderID,
			"status":     out.Status,
			"timed_out":  out.TimedOut,
			"processing": out.Processing(),
		})
		return
	}
	switch {
	case out.Processing():
		fmt.Fprintf(w, "order %s: still processing (last status %q)\n", orderID, out.Status)
	default:
		fmt.Fprintf(w, "order %s: %s\n", orderID, out.Status)
	}
}

func exitCode(out poll.Outcome) int {
	switch {
	case out.Processing():
		return 3
	case out.Status == orders.StatusPaid:
		return 0
	default:
		return 2
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
