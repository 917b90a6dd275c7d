package main

import (
	"context"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/platinummonkey/paycore/pkg/config"
	"github.com/platinummonkey/paycore/pkg/observability"
	"github.com/platinummonkey/paycore/pkg/retry"
	"github.com/spf13/cobra"
)

func retryCmd() *cobra.Command {
	var paymentID, track string

	cmd := &cobra.Command{
		Use:   "retry",
		Short: "Retry one failed payment now",
		Long: `Run a retry entry point once, outside the poller schedule.

--track payment retries a declined payment (PAYMENT_FAILURE).
--track plugin retries a payment whose plugin call failed (PLUGIN_FAILURE).
Payments in any other state are left untouched.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRetry(cmd.Context(), cmd.OutOrStdout(), paymentID, track)
		},
	}

	cmd.Flags().StringVar(&paymentID, "payment", "", "payment id")
	cmd.Flags().StringVar(&track, "track", "payment", "retry track: payment or plugin")
	cmd.MarkFlagRequired("payment")

	return cmd
}

func runRetry(ctx context.Context, out io.Writer, rawID, track string) error {
	id, err := uuid.Parse(rawID)
	if err != nil {
		return fmt.Errorf("invalid --payment: %w", err)
	}

	var t retry.Track
	switch track {
	case "payment":
		t = retry.TrackPaymentFailure
	case "plugin":
		t = retry.TrackPluginFailure
	default:
		return fmt.Errorf("invalid --track %q (must be payment or plugin)", track)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	ctx = observability.WithCorrelationID(ctx, "retry-"+uuid.NewString())

	if t == retry.TrackPaymentFailure {
		err = a.processor.RetryFailedPayment(ctx, id)
	} else {
		err = a.processor.RetryPluginFailure(ctx, id)
	}
	if err != nil {
		return err
	}

	p, err := a.processor.GetPayment(ctx, id)
	if err != nil {
		return err
	}
	return printJSON(out, p)
}
