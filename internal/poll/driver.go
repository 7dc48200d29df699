// Package poll waits for an order to reach a terminal payment status by
// polling its read model. It is the client-side fallback for when webhook
// delivery is slow.
package poll

import (
	"context"
	"log"
	"time"

	"github.com/imrishuroy/go-payment-reconciliation/internal/orders"
	"github.com/imrishuroy/go-payment-reconciliation/internal/reconcile"
)

const (
	DefaultInterval = 2 * time.Second
	DefaultMaxTotal = 120 * time.Second
)

// StatusSource answers status queries. *reconcile.Reconciler and
// *HTTPSource satisfy it.
type StatusSource interface {
	GetStatus(ctx context.Context, orderID string) (reconcile.StatusView, error)
}

// Outcome is the last status observed. TimedOut is set when the total
// budget ran out first; that is not an error.
type Outcome struct {
	Status   orders.Status
	TimedOut bool
}

// Processing reports whether the payment had not settled when polling stopped.
func (o Outcome) Processing() bool {
	return !o.Status.IsTerminal()
}

// Driver runs poll loops against one StatusSource.
type Driver struct {
	source StatusSource
	clock  Clock
}

func NewDriver(source StatusSource) *Driver {
	return &Driver{source: source, clock: realClock{}}
}

// WaitForTerminal queries immediately, then once per interval, until the
// order is terminal, maxTotal elapses, or ctx is cancelled. Zero durations
// take the defaults. A failed query is logged and retried on the next tick.
// After cancellation no further query is issued and ctx.Err() is returned.
func (d *Driver) WaitForTerminal(ctx context.Context, orderID string, interval, maxTotal time.Duration) (Outcome, error) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if maxTotal <= 0 {
		maxTotal = DefaultMaxTotal
	}
	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}

	deadline := d.clock.After(maxTotal)
	ticker := d.clock.NewTicker(interval)
	defer ticker.Stop()

	var last Outcome
	query := func() bool {
		view, err := d.source.GetStatus(ctx, orderID)
		if err != nil {
			log.Printf("[poll] status of %s failed, retrying next tick: %v", orderID, err)
			return false
		}
		last.Status = view.Status
		return view.Status.IsTerminal()
	}

	if query() {
		return last, nil
	}
	for {
		select {
		case <-ctx.Done():
			return Outcome{}, ctx.Err()
		case <-deadline:
			last.TimedOut = true
			return last, nil
		case <-ticker.Chan():
			if err := ctx.Err(); err != nil {
				return Outcome{}, err
			}
			done := query()
			if err := ctx.Err(); err != nil {
				return Outcome{}, err
			}
			if done {
				return last, nil
			}
		}
	}
}
