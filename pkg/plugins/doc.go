// Package plugins defines the payment plugin contract and the provider implementations.
//
// # Overview
//
// A PaymentPlugin talks to one external payment provider. Every call either returns a
// PaymentInfo, whose Status says whether the provider processed or declined the charge,
// or an error when the provider could not be reached or misbehaved. Callers treat the
// two failure shapes differently: a decline is a business outcome, an error is a
// plugin fault.
//
// # Registry
//
// Plugins are looked up through an explicitly constructed Registry:
//
//	registry := plugins.NewRegistry("stripe", logger)
//	registry.Register(plugins.NewStripePlugin(cfg, logger))
//	registry.Register(plugins.NewSimulatedPlugin(plugins.SimulatedConfig{Name: "sandbox"}, logger))
//
//	plugin, err := registry.Resolve(account.PaymentProviderName)
//
// # Providers
//
//   - stripe: off-session PaymentIntents through stripe-go
//   - simulated: configurable approval, decline and error rates with latency
package plugins
