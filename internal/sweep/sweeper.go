// Package sweep recovers from lost webhooks and failed notifications. It is
// run on a schedule; every pass is safe to repeat.
package sweep

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/stripe/stripe-go/v81"

	"github.com/imrishuroy/go-payment-reconciliation/internal/aws"
	"github.com/imrishuroy/go-payment-reconciliation/internal/orders"
	"github.com/imrishuroy/go-payment-reconciliation/internal/reconcile"
	"github.com/imrishuroy/go-payment-reconciliation/internal/signal"
)

// OrderLister finds orders needing attention. *orders.Store satisfies it.
type OrderLister interface {
	ListPendingBefore(ctx context.Context, cutoff time.Time) ([]orders.Order, error)
	ListUnnotified(ctx context.Context) ([]orders.Order, error)
}

// IntentClient reads and cancels provider intents. *gateway.Issuer satisfies it.
type IntentClient interface {
	LookupIntent(ctx context.Context, intentID string) (*stripe.PaymentIntent, error)
	CancelIntent(ctx context.Context, intentID string) (*stripe.PaymentIntent, error)
}

// Reconciler is the subset of *reconcile.Reconciler the sweep drives.
type Reconciler interface {
	Apply(ctx context.Context, sig signal.Signal) (reconcile.Result, error)
	Republish(ctx context.Context, o *orders.Order) error
}

// Report summarizes one sweep pass.
type Report struct {
	Checked     int `json:"checked"`
	Recovered   int `json:"recovered"`
	Abandoned   int `json:"abandoned"`
	Republished int `json:"republished"`
	Failed      int `json:"failed"`
}

// Sweeper performs sweep passes.
type Sweeper struct {
	orders       OrderLister
	intents      IntentClient
	rec          Reconciler
	metrics      *aws.Metrics
	staleAfter   time.Duration
	abandonAfter time.Duration
	nowFunc      func() time.Time
}

// New creates a Sweeper. Pending orders untouched for staleAfter are
// checked against the provider. Those still unsettled after abandonAfter
// have their intent cancelled; zero disables that.
func New(lister OrderLister, intents IntentClient, rec Reconciler, metrics *aws.Metrics, staleAfter, abandonAfter time.Duration) *Sweeper {
	return &Sweeper{
		orders:       lister,
		intents:      intents,
		rec:          rec,
		metrics:      metrics,
		staleAfter:   staleAfter,
		abandonAfter: abandonAfter,
		nowFunc:      time.Now,
	}
}

// Run performs one pass. A failure on a single order is logged and counted;
// only listing failures abort the pass.
func (s *Sweeper) Run(ctx context.Context) (Report, error) {
	var rep Report

	cutoff := s.nowFunc().Add(-s.staleAfter)
	stale, err := s.orders.ListPendingBefore(ctx, cutoff)
	if err != nil {
		return rep, fmt.Errorf("list stale pending orders: %w", err)
	}
	for i := range stale {
		rep.Checked++
		res, err := s.recover(ctx, &stale[i])
		if err != nil {
			rep.Failed++
			log.Printf("[sweep] order %s: %v", stale[i].OrderID, err)
			continue
		}
		switch res {
		case recovered:
			rep.Recovered++
		case abandoned:
			rep.Abandoned++
		}
	}

	owed, err := s.orders.ListUnnotified(ctx)
	if err != nil {
		return rep, fmt.Errorf("list unnotified orders: %w", err)
	}
	for i := range owed {
		if !owed[i].Status.IsTerminal() {
			continue
		}
		if err := s.rec.Republish(ctx, &owed[i]); err != nil {
			rep.Failed++
			log.Printf("[sweep] republish %s: %v", owed[i].OrderID, err)
			continue
		}
		rep.Republished++
	}

	log.Printf("[sweep] checked=%d recovered=%d abandoned=%d republished=%d failed=%d",
		rep.Checked, rep.Recovered, rep.Abandoned, rep.Republished, rep.Failed)
	return rep, nil
}

type recovery int

const (
	unchanged recovery = iota
	recovered
	abandoned
)

// recover asks the provider for the intent's current state and feeds it to
// the reconciler as a poll signal. An intent left unsettled past
// abandonAfter is cancelled first, so the order closes as cancelled.
func (s *Sweeper) recover(ctx context.Context, o *orders.Order) (recovery, error) {
	if o.ActiveIntent == nil {
		return unchanged, nil
	}
	pi, err := s.intents.LookupIntent(ctx, o.ActiveIntent.IntentID)
	if err != nil {
		return unchanged, fmt.Errorf("lookup intent %s: %w", o.ActiveIntent.IntentID, err)
	}
	sig, err := signal.FromIntent(pi)
	if err != nil {
		return unchanged, err
	}
	if sig.OrderID != o.OrderID {
		return unchanged, fmt.Errorf("intent %s belongs to order %s", pi.ID, sig.OrderID)
	}

	outcome := recovered
	if sig.Status == signal.StatusProcessing && s.abandoned(o, pi) {
		cancelled, err := s.intents.CancelIntent(ctx, pi.ID)
		if err != nil {
			return unchanged, fmt.Errorf("cancel abandoned intent %s: %w", pi.ID, err)
		}
		log.Printf("[sweep] order %s unsettled since %s, cancelled intent %s", o.OrderID, o.StatusChangedAt.Format(time.RFC3339), pi.ID)
		if sig, err = signal.FromIntent(cancelled); err != nil {
			return unchanged, err
		}
		outcome = abandoned
	}

	res, err := s.rec.Apply(ctx, sig)
	if err != nil {
		return unchanged, err
	}
	if !res.Applied {
		return unchanged, nil
	}
	log.Printf("[sweep] recovered order %s -> %s from provider state", o.OrderID, res.Status)
	metric := aws.MetricSweepRecovered
	if outcome == abandoned {
		metric = aws.MetricSweepAbandoned
	}
	s.metrics.Incr(ctx, metric, map[string]string{"Status": string(res.Status)})
	return outcome, nil
}

// abandoned reports whether o has waited past abandonAfter on an intent the
// provider still lets us cancel. Intents mid-processing or holding an
// authorization are left alone.
func (s *Sweeper) abandoned(o *orders.Order, pi *stripe.PaymentIntent) bool {
	if s.abandonAfter <= 0 || s.nowFunc().Sub(o.StatusChangedAt) < s.abandonAfter {
		return false
	}
	switch pi.Status {
	case stripe.PaymentIntentStatusRequiresPaymentMethod,
		stripe.PaymentIntentStatusRequiresConfirmation,
		stripe.PaymentIntentStatusRequiresAction:
		return true
	}
	return false
}
