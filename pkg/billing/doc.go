// Package billing provides the account and invoice collaborators consumed by payment
// processing.
//
// # Overview
//
// Payments are always made against an invoice owned by an account. This package exposes
// the narrow lookups the payment processor needs and records payments applied to
// invoices:
//
//	account, err := accounts.GetAccountByKey(ctx, "acme-42")
//	invoice, err := invoices.GetInvoice(ctx, invoiceID)
//	if invoice.Balance.IsPositive() {
//		// charge it
//	}
//
// After a successful charge the processor reports the payment so the invoice balance
// drops:
//
//	err := invoices.NotifyOfPaymentAttempt(ctx, invoice.ID, amount, "USD", attemptID, time.Now())
//
// # Implementations
//
//   - PostgresService: accounts, invoices and invoice_payments tables
//   - MemoryService: in-process maps, for tests and local runs
//   - CachedAccountLookup: expiring LRU in front of any AccountLookup
package billing
