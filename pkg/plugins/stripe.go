package plugins

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/client"
)

// StripeConfig configures the Stripe plugin
type StripeConfig struct {
	APIKey string
	// BackendURL overrides the Stripe API endpoint. Empty uses the public API.
	BackendURL string
	// MaxNetworkRetries is passed to stripe-go. Retries reuse the attempt's idempotency key.
	MaxNetworkRetries int64
}

// zeroDecimalCurrencies are charged in whole units rather than cents
var zeroDecimalCurrencies = map[string]bool{
	"BIF": true, "CLP": true, "DJF": true, "GNF": true, "JPY": true, "KMF": true, "KRW": true,
	"MGA": true, "PYG": true, "RWF": true, "UGX": true, "VND": true, "VUV": true, "XAF": true,
	"XOF": true, "XPF": true,
}

// StripePlugin charges stored payment methods off-session through Stripe PaymentIntents
type StripePlugin struct {
	client *client.API
	log    *logrus.Logger
}

// NewStripePlugin creates a Stripe plugin
func NewStripePlugin(cfg StripeConfig, log *logrus.Logger) *StripePlugin {
	if log == nil {
		log = logrus.New()
	}

	backendCfg := &stripe.BackendConfig{
		MaxNetworkRetries: stripe.Int64(cfg.MaxNetworkRetries),
		LeveledLogger:     log,
	}
	if cfg.BackendURL != "" {
		backendCfg.URL = stripe.String(cfg.BackendURL)
	}

	sc := &client.API{}
	sc.Init(cfg.APIKey, &stripe.Backends{
		API:     stripe.GetBackendWithConfig(stripe.APIBackend, backendCfg),
		Connect: stripe.GetBackendWithConfig(stripe.ConnectBackend, backendCfg),
		Uploads: stripe.GetBackendWithConfig(stripe.UploadsBackend, backendCfg),
	})

	return &StripePlugin{client: sc, log: log}
}

func (s *StripePlugin) Name() string {
	return "stripe"
}

// ProcessPayment implements PaymentPlugin
func (s *StripePlugin) ProcessPayment(ctx context.Context, req *PaymentRequest) (*PaymentInfo, error) {
	if req.ProviderCustomerID == "" || req.PaymentMethodID == "" {
		return &PaymentInfo{
			Status:           StatusError,
			Amount:           req.Amount,
			GatewayErrorCode: "no_payment_method",
			GatewayError:     "account has no stored payment method",
			EffectiveDate:    time.Now(),
		}, nil
	}

	minor, err := toMinorUnits(req.Amount, req.Currency)
	if err != nil {
		return nil, err
	}

	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(minor),
		Currency:      stripe.String(strings.ToLower(req.Currency)),
		Customer:      stripe.String(req.ProviderCustomerID),
		PaymentMethod: stripe.String(req.PaymentMethodID),
		Confirm:       stripe.Bool(true),
		OffSession:    stripe.Bool(true),
	}
	if req.Description != "" {
		params.Description = stripe.String(req.Description)
	}
	params.IdempotencyKey = stripe.String(req.AttemptID.String())
	params.AddMetadata("payment_id", req.PaymentID.String())
	params.AddMetadata("account_key", req.AccountKey)
	params.Context = ctx

	pi, err := s.client.PaymentIntents.New(params)
	if err != nil {
		return s.mapStripeError(req, err)
	}

	info := &PaymentInfo{
		Amount:        req.Amount,
		ReferenceID:   pi.ID,
		EffectiveDate: time.Now(),
	}
	if pi.Status == stripe.PaymentIntentStatusSucceeded {
		info.Status = StatusProcessed
		return info, nil
	}

	// Off-session charges cannot complete customer actions such as 3DS.
	info.Status = StatusError
	info.GatewayErrorCode = string(pi.Status)
	info.GatewayError = fmt.Sprintf("payment intent status is %s", pi.Status)
	return info, nil
}

// mapStripeError separates declines, which are reported as PaymentInfo, from faults.
func (s *StripePlugin) mapStripeError(req *PaymentRequest, err error) (*PaymentInfo, error) {
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		return nil, fmt.Errorf("stripe request failed: %w", err)
	}

	entry := s.log.WithFields(logrus.Fields{
		"attempt_id": req.AttemptID,
		"code":       stripeErr.Code,
		"status":     stripeErr.HTTPStatusCode,
	})

	if stripeErr.HTTPStatusCode >= http.StatusInternalServerError ||
		stripeErr.Code == stripe.ErrorCodeRateLimit ||
		stripeErr.Code == stripe.ErrorCodeLockTimeout ||
		stripeErr.Code == stripe.ErrorCodeIdempotencyKeyInUse {
		entry.Warn("Stripe unavailable")
		return nil, fmt.Errorf("stripe unavailable: %w", err)
	}

	if stripeErr.Type == stripe.ErrorTypeCard {
		code := string(stripeErr.Code)
		if stripeErr.DeclineCode != "" {
			code = string(stripeErr.DeclineCode)
		}
		entry.Info("Stripe declined charge")
		return &PaymentInfo{
			Status:           StatusError,
			Amount:           req.Amount,
			GatewayErrorCode: code,
			GatewayError:     stripeErr.Msg,
			EffectiveDate:    time.Now(),
		}, nil
	}

	entry.Error("Stripe rejected request")
	return nil, fmt.Errorf("stripe rejected request: %w", err)
}

func toMinorUnits(amount decimal.Decimal, currency string) (int64, error) {
	exp := int32(2)
	if zeroDecimalCurrencies[strings.ToUpper(currency)] {
		exp = 0
	}
	shifted := amount.Shift(exp)
	if !shifted.Equal(shifted.Truncate(0)) {
		return 0, fmt.Errorf("amount %s has more precision than %s supports", amount, currency)
	}
	return shifted.IntPart(), nil
}
