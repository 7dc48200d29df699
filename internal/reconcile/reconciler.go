// Package reconcile owns order payment status. Every signal, from a webhook,
// a poll or the sweep, goes through Apply, which enforces the transition
// rules and records each event id so redelivery is harmless.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/imrishuroy/go-payment-reconciliation/internal/aws"
	"github.com/imrishuroy/go-payment-reconciliation/internal/eventlog"
	"github.com/imrishuroy/go-payment-reconciliation/internal/orders"
	"github.com/imrishuroy/go-payment-reconciliation/internal/signal"
)

// maxStatusRetries bounds re-reads after losing a conditional status write
// to another process.
const maxStatusRetries = 3

var (
	// ErrUnresolvableOrder: the signal names no order, or an order that does not exist.
	ErrUnresolvableOrder = signal.ErrUnresolvableOrder
	// ErrOrderNotFound is returned by GetStatus for an unknown order.
	ErrOrderNotFound = errors.New("reconcile: order not found")
	// ErrContended: the order kept changing underneath Apply. Retryable.
	ErrContended = errors.New("reconcile: order changed concurrently")
)

// OrderStore is the subset of orders.Store the reconciler needs.
type OrderStore interface {
	Get(ctx context.Context, orderID string) (*orders.Order, error)
	Transition(ctx context.Context, in orders.TransitionInput) error
	MarkNotified(ctx context.Context, orderID string, status orders.Status) error
}

// EventLog is the subset of eventlog.Store the reconciler needs.
type EventLog interface {
	Get(ctx context.Context, eventID string) (*eventlog.Entry, error)
	CreateIfNotExists(ctx context.Context, entry eventlog.Entry) (bool, error)
}

// Result is the outcome of applying one signal.
type Result struct {
	// Status is the order status after the signal, or the logged status for
	// a duplicate.
	Status orders.Status
	// Duplicate is set when the event id had already been processed.
	Duplicate bool
	// Applied is set when this call performed the transition.
	Applied bool
}

// StatusView is the read model served to pollers.
type StatusView struct {
	OrderID   string        `json:"order_id"`
	Status    orders.Status `json:"status"`
	Version   int64         `json:"version"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Reconciler applies payment signals to orders.
type Reconciler struct {
	orders   OrderStore
	events   EventLog
	notifier Notifier
	metrics  *aws.Metrics
	locks    *keyedLocks
	nowFunc  func() time.Time
}

// New returns a Reconciler. notifier and metrics may be nil; without a
// notifier, transitions are not marked as owing a notification.
func New(store OrderStore, events EventLog, notifier Notifier, metrics *aws.Metrics) *Reconciler {
	return &Reconciler{
		orders:   store,
		events:   events,
		notifier: notifier,
		metrics:  metrics,
		locks:    newKeyedLocks(),
		nowFunc:  time.Now,
	}
}

// Apply folds sig into its order's status.
//
// Terminal statuses are absorbing: once paid, failed or cancelled, later
// signals are recorded but never change the order. Signals for the same
// order are serialized in-process; conditional writes extend that across
// processes.
func (r *Reconciler) Apply(ctx context.Context, sig signal.Signal) (Result, error) {
	if sig.OrderID == "" {
		log.Printf("[reconcile] UNRESOLVABLE: signal %q (intent %s) carries no order id", sig.EventID, sig.IntentID)
		return Result{}, fmt.Errorf("%w: no order id", ErrUnresolvableOrder)
	}

	unlock := r.locks.Lock(sig.OrderID)
	res, err := r.apply(ctx, sig)
	unlock()
	if err != nil {
		return res, err
	}

	// nothing below needs the lock: a terminal status never changes again
	switch {
	case res.Applied:
		r.metrics.Incr(ctx, aws.MetricSignalApplied, map[string]string{"Source": string(sig.Source), "Status": string(res.Status)})
		r.notifyTransition(ctx, sig.OrderID)
	case res.Duplicate:
		r.metrics.Incr(ctx, aws.MetricSignalDuplicate, map[string]string{"Source": string(sig.Source)})
	}
	return res, nil
}

// apply runs under the order's lock.
func (r *Reconciler) apply(ctx context.Context, sig signal.Signal) (Result, error) {
	if sig.EventID != "" {
		entry, err := r.events.Get(ctx, sig.EventID)
		if err != nil {
			return Result{}, fmt.Errorf("check event %s: %w", sig.EventID, err)
		}
		if entry != nil {
			return duplicate(entry), nil
		}
	}

	for attempt := 1; attempt <= maxStatusRetries; attempt++ {
		o, err := r.orders.Get(ctx, sig.OrderID)
		if err != nil {
			return Result{}, fmt.Errorf("load order %s: %w", sig.OrderID, err)
		}
		if o == nil {
			log.Printf("[reconcile] UNRESOLVABLE: order %s not found (event %q, intent %s)", sig.OrderID, sig.EventID, sig.IntentID)
			return Result{}, fmt.Errorf("%w: order %s not found", ErrUnresolvableOrder, sig.OrderID)
		}

		target, ok := targetStatus(sig.Status)
		if !ok || o.Status.IsTerminal() {
			return r.recordNoop(ctx, sig, o.Status)
		}

		in := orders.TransitionInput{
			OrderID: o.OrderID,
			From:    o.Status,
			To:      target,
			Source:  string(sig.Source),
			EventID: sig.EventID,
			Digest:  sig.Digest,
			Notify:  r.notifier != nil,
		}
		if entry := r.entryFor(sig, target, eventlog.OutcomeApplied); entry != nil {
			in.EventItem = entry
		}
		err = r.orders.Transition(ctx, in)
		switch {
		case err == nil:
			log.Printf("[reconcile] order %s %s -> %s via %s (event %q)", o.OrderID, o.Status, target, sig.Source, sig.EventID)
			return Result{Status: target, Applied: true}, nil
		case errors.Is(err, orders.ErrEventExists):
			return r.loggedDuplicate(ctx, sig.EventID)
		case errors.Is(err, orders.ErrStatusMismatch):
			log.Printf("[reconcile] order %s changed during apply (attempt %d/%d), re-reading", o.OrderID, attempt, maxStatusRetries)
			continue
		default:
			return Result{}, fmt.Errorf("transition order %s: %w", o.OrderID, err)
		}
	}
	return Result{}, fmt.Errorf("%w: %s", ErrContended, sig.OrderID)
}

// GetStatus reads the order's current status.
func (r *Reconciler) GetStatus(ctx context.Context, orderID string) (StatusView, error) {
	o, err := r.orders.Get(ctx, orderID)
	if err != nil {
		return StatusView{}, err
	}
	if o == nil {
		return StatusView{}, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	return StatusView{
		OrderID:   o.OrderID,
		Status:    o.Status,
		Version:   o.Version,
		UpdatedAt: o.UpdatedAt,
	}, nil
}

// Republish sends the notification a terminal order still owes. Used by the
// sweep for orders whose first publish failed.
func (r *Reconciler) Republish(ctx context.Context, o *orders.Order) error {
	if r.notifier == nil {
		return errors.New("reconcile: no notifier configured")
	}
	if !o.Status.IsTerminal() {
		return fmt.Errorf("reconcile: order %s is %s, nothing to notify", o.OrderID, o.Status)
	}
	return r.publish(ctx, o)
}

// recordNoop logs a signal that does not move the order. Poll signals have
// no event id and leave no trace.
func (r *Reconciler) recordNoop(ctx context.Context, sig signal.Signal, current orders.Status) (Result, error) {
	if sig.EventID == "" {
		return Result{Status: current}, nil
	}
	entry := r.entryFor(sig, current, eventlog.OutcomeNoop)
	created, err := r.events.CreateIfNotExists(ctx, *entry)
	if err != nil {
		return Result{}, fmt.Errorf("record event %s: %w", sig.EventID, err)
	}
	if !created {
		return r.loggedDuplicate(ctx, sig.EventID)
	}
	return Result{Status: current}, nil
}

func (r *Reconciler) loggedDuplicate(ctx context.Context, eventID string) (Result, error) {
	entry, err := r.events.Get(ctx, eventID)
	if err != nil {
		return Result{}, fmt.Errorf("check event %s: %w", eventID, err)
	}
	if entry == nil {
		return Result{}, fmt.Errorf("event %s reported as processed but not found", eventID)
	}
	return duplicate(entry), nil
}

func duplicate(entry *eventlog.Entry) Result {
	return Result{Status: entry.Status, Duplicate: true}
}

func (r *Reconciler) entryFor(sig signal.Signal, status orders.Status, outcome eventlog.Outcome) *eventlog.Entry {
	if sig.EventID == "" {
		return nil
	}
	return &eventlog.Entry{
		EventID:        sig.EventID,
		OrderID:        sig.OrderID,
		Status:         status,
		Outcome:        outcome,
		Source:         string(sig.Source),
		ProviderStatus: string(sig.Status),
		Digest:         sig.Digest,
		AppliedAt:      r.nowFunc().UTC(),
	}
}

// notifyTransition publishes the notification for a transition this call
// won. A failed publish leaves notify_pending set for the sweep.
func (r *Reconciler) notifyTransition(ctx context.Context, orderID string) {
	if r.notifier == nil {
		return
	}
	o, err := r.orders.Get(ctx, orderID)
	if err != nil || o == nil {
		log.Printf("[reconcile] reload %s for notification failed, left for sweep: %v", orderID, err)
		return
	}
	if err := r.publish(ctx, o); err != nil {
		log.Printf("[reconcile] notify %s failed, left for sweep: %v", orderID, err)
	}
}

func (r *Reconciler) publish(ctx context.Context, o *orders.Order) error {
	if err := r.notifier.Notify(ctx, notificationFor(o)); err != nil {
		return err
	}
	if err := r.orders.MarkNotified(ctx, o.OrderID, o.Status); err != nil {
		return fmt.Errorf("mark notified: %w", err)
	}
	return nil
}

// targetStatus maps a provider status onto the order status it drives.
// ok is false for statuses that do not move an order.
func targetStatus(s signal.ProviderStatus) (orders.Status, bool) {
	switch s {
	case signal.StatusSucceeded:
		return orders.StatusPaid, true
	case signal.StatusPaymentFailed:
		return orders.StatusFailed, true
	case signal.StatusCanceled:
		return orders.StatusCancelled, true
	}
	return "", false
}
