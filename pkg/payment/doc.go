// Package payment implements the payment state machine.
//
// Processor charges an invoice through the account's payment plugin while holding
// the account lock, records one Attempt per processing cycle, interprets the
// plugin outcome into a Payment status, schedules retries and posts events.
//
// Status transitions:
//
//	UNKNOWN -> SUCCESS
//	UNKNOWN -> PAYMENT_FAILURE -> ... -> PAYMENT_FAILURE_ABORTED
//	UNKNOWN -> PLUGIN_FAILURE  -> ... -> PLUGIN_FAILURE_ABORTED
//
// SUCCESS and the *_ABORTED statuses are terminal.
//
// The plugin call runs on an async.Dispatcher worker. An instant payment whose
// caller stops waiting gets CodePluginTimeout, but the worker keeps going and the
// outcome it persists later is authoritative.
package payment
