package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/platinummonkey/paycore/pkg/config"
	"github.com/platinummonkey/paycore/pkg/payment"
	"github.com/spf13/cobra"
)

var listableStatuses = []payment.Status{
	payment.StatusUnknown,
	payment.StatusPaymentFailure,
	payment.StatusPaymentFailureAborted,
	payment.StatusPluginFailure,
	payment.StatusPluginFailureAborted,
}

func failingCmd() *cobra.Command {
	var statuses []string

	cmd := &cobra.Command{
		Use:   "failing",
		Short: "List payments that have not succeeded",
		Long: `List payments whose current status is one of --status.

By default this lists payments still waiting on a retry (PAYMENT_FAILURE and
PLUGIN_FAILURE). Add UNKNOWN to find payments whose last attempt was never
resolved, or the *_ABORTED statuses for payments that ran out of retries.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			want, err := parseStatuses(statuses)
			if err != nil {
				return err
			}

			cfg, err := config.LoadConfig()
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.close()

			return listFailing(cmd.Context(), cmd.OutOrStdout(), a.processor, want)
		},
	}

	cmd.Flags().StringSliceVar(&statuses, "status",
		[]string{string(payment.StatusPaymentFailure), string(payment.StatusPluginFailure)},
		"statuses to list")

	return cmd
}

func parseStatuses(raw []string) ([]payment.Status, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("at least one --status is required")
	}
	out := make([]payment.Status, 0, len(raw))
	for _, r := range raw {
		st := payment.Status(strings.ToUpper(strings.TrimSpace(r)))
		valid := false
		for _, l := range listableStatuses {
			if st == l {
				valid = true
				break
			}
		}
		if !valid {
			return nil, fmt.Errorf("invalid --status %q", r)
		}
		out = append(out, st)
	}
	return out, nil
}

func listFailing(ctx context.Context, out io.Writer, p *payment.Processor, statuses []payment.Status) error {
	payments, err := p.GetPaymentsInStatus(ctx, statuses...)
	if err != nil {
		return fmt.Errorf("failed to list payments: %w", err)
	}
	if payments == nil {
		payments = []*payment.Payment{}
	}
	return printJSON(out, payments)
}
