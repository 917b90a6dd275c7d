package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/platinummonkey/paycore/pkg/config"
	"github.com/platinummonkey/paycore/pkg/observability"
	"github.com/platinummonkey/paycore/pkg/payment"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

type chargeOptions struct {
	account   string
	invoice   string
	amount    string
	instant   bool
	userToken string
}

func chargeCmd() *cobra.Command {
	opts := &chargeOptions{}

	cmd := &cobra.Command{
		Use:   "charge",
		Short: "Charge one invoice for an account",
		Long: `Charge one invoice through the account's payment plugin.

Background charges (the default) pay the full invoice balance and leave retry
notifications for "paycore serve" to deliver. Instant charges pay --amount, or
the balance when it is omitted, and are never retried.

Examples:
  paycore charge --account acme --invoice 6f1c...
  paycore charge --account acme --invoice 6f1c... --instant --amount 25.00`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCharge(cmd.Context(), cmd.OutOrStdout(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.account, "account", "", "account external key")
	cmd.Flags().StringVar(&opts.invoice, "invoice", "", "invoice id")
	cmd.Flags().StringVar(&opts.amount, "amount", "", "amount for instant charges (default: invoice balance)")
	cmd.Flags().BoolVar(&opts.instant, "instant", false, "charge synchronously and never retry")
	cmd.Flags().StringVar(&opts.userToken, "user-token", "", "token of the user on whose behalf the charge runs")
	cmd.MarkFlagRequired("account")
	cmd.MarkFlagRequired("invoice")

	return cmd
}

func runCharge(ctx context.Context, out io.Writer, opts *chargeOptions) error {
	invoiceID, err := uuid.Parse(opts.invoice)
	if err != nil {
		return fmt.Errorf("invalid --invoice: %w", err)
	}
	amount := decimal.Zero
	if opts.amount != "" {
		if !opts.instant {
			return errors.New("--amount is only allowed with --instant")
		}
		if amount, err = decimal.NewFromString(opts.amount); err != nil {
			return fmt.Errorf("invalid --amount: %w", err)
		}
	}
	if opts.userToken != "" {
		token, err := uuid.Parse(opts.userToken)
		if err != nil {
			return fmt.Errorf("invalid --user-token: %w", err)
		}
		ctx = payment.WithUserToken(ctx, token)
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

	ctx = observability.WithCorrelationID(ctx, "charge-"+uuid.NewString())

	account, err := a.accounts.GetAccountByKey(ctx, opts.account)
	if err != nil {
		return fmt.Errorf("failed to resolve account %q: %w", opts.account, err)
	}

	p, err := a.processor.CreatePayment(ctx, account, invoiceID, amount, opts.instant)
	if err != nil {
		var apiErr *payment.PaymentAPIError
		if errors.As(err, &apiErr) {
			return fmt.Errorf("charge failed (%s): %w", apiErr.Code, err)
		}
		return err
	}
	if p == nil {
		fmt.Fprintln(out, "no payment recorded: the invoice was skipped or the plugin call is still running")
		return nil
	}
	if cfg.Retry.QueueBackend == "memory" && (p.Status == payment.StatusPaymentFailure || p.Status == payment.StatusPluginFailure) {
		a.logger.Warn("Retries were scheduled on the in-memory queue and will be lost when this command exits")
	}
	return printJSON(out, p)
}

func printJSON(out io.Writer, v interface{}) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
