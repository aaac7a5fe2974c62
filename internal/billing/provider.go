// Package billing implements the hybrid cost guard: request admission and
// balance accounting across the two access lanes (marketplace-metered
// RapidAPI traffic and directly billed traffic).
//
// Balances live in Redis and are mutated exclusively with atomic
// increment/decrement commands. A durable snapshot is mirrored
// asynchronously to the balance_ledger table, which doubles as the recovery
// source when a Redis key is missing.
package billing

import (
	"context"
	"log"
)

// BillingProvider is the boundary to the external invoicing system. The
// guard only ever asks it to ensure a customer record exists and to raise
// an overage invoice; payment collection, retries and webhooks are the
// provider's problem.
type BillingProvider interface {
	// EnsureCustomer makes sure the tenant exists on the provider side.
	EnsureCustomer(ctx context.Context, userID string) error

	// CreateOverageInvoice invoices the tenant for overageCredits consumed
	// beyond their prepaid balance in the given billing period
	// (formatted YYYY-MM).
	CreateOverageInvoice(ctx context.Context, userID string, overageCredits int64, period string) error
}

// LogProvider is a BillingProvider that only logs. It is the default wiring
// when no invoicing backend is configured, and keeps overage events visible
// in the service log.
type LogProvider struct{}

var _ BillingProvider = (*LogProvider)(nil)

func (LogProvider) EnsureCustomer(_ context.Context, userID string) error {
	log.Printf("billing: ensure customer %s (log-only provider)", userID)
	return nil
}

func (LogProvider) CreateOverageInvoice(_ context.Context, userID string, overageCredits int64, period string) error {
	log.Printf("billing: overage invoice for %s: %d credits in period %s (log-only provider)", userID, overageCredits, period)
	return nil
}
