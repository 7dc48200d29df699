package poll

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imrishuroy/go-payment-reconciliation/internal/orders"
	"github.com/imrishuroy/go-payment-reconciliation/internal/reconcile"
)

// manualClock only moves when Advance is called. Tick sends block until the
// loop receives them or the ticker is stopped.
type manualClock struct {
	mu      sync.Mutex
	now     time.Time
	tickers []*manualTicker
	timers  []*manualTimer
}

type manualTicker struct {
	ch      chan time.Time
	period  time.Duration
	next    time.Time
	stopped chan struct{}
	once    sync.Once
}

func (t *manualTicker) Chan() <-chan time.Time { return t.ch }
func (t *manualTicker) Stop()                  { t.once.Do(func() { close(t.stopped) }) }

type manualTimer struct {
	ch    chan time.Time
	at    time.Time
	fired bool
}

func newManualClock(start time.Time) *manualClock {
	return &manualClock{now: start}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) NewTicker(d time.Duration) Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTicker{ch: make(chan time.Time), period: d, next: c.now.Add(d), stopped: make(chan struct{})}
	c.tickers = append(c.tickers, t)
	return t
}

func (c *manualClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTimer{ch: make(chan time.Time, 1), at: c.now.Add(d)}
	c.timers = append(c.timers, t)
	return t.ch
}

// Advance moves the clock forward by d, delivering every tick and timer due
// on the way.
func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		var due *manualTicker
		for _, t := range c.tickers {
			if !t.next.After(target) && (due == nil || t.next.Before(due.next)) {
				due = t
			}
		}
		if due == nil {
			c.now = target
			for _, tm := range c.timers {
				if !tm.fired && !tm.at.After(target) {
					tm.fired = true
					tm.ch <- tm.at
				}
			}
			c.mu.Unlock()
			return
		}
		at := due.next
		c.now = at
		due.next = at.Add(due.period)
		c.mu.Unlock()

		select {
		case due.ch <- at:
		case <-due.stopped:
		}
	}
}

type query struct {
	at  time.Time
	err error
}

// scriptedSource answers from a function of the clock and reports every query.
type scriptedSource struct {
	clock   *manualClock
	answer  func(now time.Time) (orders.Status, error)
	queried chan query
}

func (s *scriptedSource) GetStatus(ctx context.Context, orderID string) (reconcile.StatusView, error) {
	now := s.clock.Now()
	st, err := s.answer(now)
	s.queried <- query{at: now, err: err}
	if err != nil {
		return reconcile.StatusView{}, err
	}
	return reconcile.StatusView{OrderID: orderID, Status: st}, nil
}

type result struct {
	out Outcome
	err error
}

func startWait(ctx context.Context, d *Driver, interval, maxTotal time.Duration) chan result {
	done := make(chan result, 1)
	go func() {
		out, err := d.WaitForTerminal(ctx, "o-1", interval, maxTotal)
		done <- result{out, err}
	}()
	return done
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestWaitForTerminal_ObservesTransitionOnNextTick(t *testing.T) {
	clk := newManualClock(t0)
	src := &scriptedSource{clock: clk, queried: make(chan query, 16), answer: func(now time.Time) (orders.Status, error) {
		if now.Sub(t0) >= 3*time.Second {
			return orders.StatusPaid, nil
		}
		return orders.StatusPending, nil
	}}
	d := &Driver{source: src, clock: clk}

	done := startWait(context.Background(), d, 2*time.Second, 120*time.Second)

	q := <-src.queried
	assert.Equal(t, time.Duration(0), q.at.Sub(t0), "first query is immediate")

	clk.Advance(2 * time.Second)
	q = <-src.queried
	assert.Equal(t, 2*time.Second, q.at.Sub(t0))

	clk.Advance(time.Second) // the order settles at 3s, between ticks
	clk.Advance(time.Second)
	q = <-src.queried
	assert.Equal(t, 4*time.Second, q.at.Sub(t0))

	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, Outcome{Status: orders.StatusPaid}, res.out)
	assert.False(t, res.out.Processing())
}

func TestWaitForTerminal_TimesOutAsProcessing(t *testing.T) {
	clk := newManualClock(t0)
	src := &scriptedSource{clock: clk, queried: make(chan query, 16), answer: func(time.Time) (orders.Status, error) {
		return orders.StatusPending, nil
	}}
	d := &Driver{source: src, clock: clk}

	done := startWait(context.Background(), d, 2*time.Second, 5*time.Second)
	<-src.queried
	clk.Advance(2 * time.Second)
	<-src.queried
	clk.Advance(2 * time.Second)
	<-src.queried
	clk.Advance(time.Second)

	res := <-done
	require.NoError(t, res.err)
	assert.True(t, res.out.TimedOut)
	assert.True(t, res.out.Processing())
	assert.Equal(t, orders.StatusPending, res.out.Status)
}

func TestWaitForTerminal_QueryErrorsRetryNextTick(t *testing.T) {
	clk := newManualClock(t0)
	calls := 0
	src := &scriptedSource{clock: clk, queried: make(chan query, 16), answer: func(time.Time) (orders.Status, error) {
		calls++
		if calls < 3 {
			return "", errors.New("connection refused")
		}
		return orders.StatusFailed, nil
	}}
	d := &Driver{source: src, clock: clk}

	done := startWait(context.Background(), d, 2*time.Second, 120*time.Second)
	q := <-src.queried
	assert.Error(t, q.err)
	clk.Advance(2 * time.Second)
	q = <-src.queried
	assert.Error(t, q.err)
	clk.Advance(2 * time.Second)
	q = <-src.queried
	assert.NoError(t, q.err)

	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, orders.StatusFailed, res.out.Status)
	assert.Equal(t, 3, calls)
}

func TestWaitForTerminal_CancelStopsLoop(t *testing.T) {
	clk := newManualClock(t0)
	src := &scriptedSource{clock: clk, queried: make(chan query, 16), answer: func(time.Time) (orders.Status, error) {
		return orders.StatusPending, nil
	}}
	d := &Driver{source: src, clock: clk}
	ctx, cancel := context.WithCancel(context.Background())

	done := startWait(ctx, d, 2*time.Second, 120*time.Second)
	<-src.queried
	cancel()

	res := <-done
	assert.ErrorIs(t, res.err, context.Canceled)

	// the stopped ticker releases Advance; no query follows cancellation
	clk.Advance(10 * time.Second)
	assert.Len(t, src.queried, 0)
}

func TestWaitForTerminal_AlreadyCancelled(t *testing.T) {
	d := NewDriver(&HTTPSource{BaseURL: "http://127.0.0.1:0"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := d.WaitForTerminal(ctx, "o-1", 0, 0)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWaitForTerminal_RealClockWithHTTPSource(t *testing.T) {
	var mu sync.Mutex
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		n := hits
		mu.Unlock()
		assert.Equal(t, "/orders/o-1/status", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		status := "pending"
		if n >= 3 {
			status = "cancelled"
		}
		_, _ = w.Write([]byte(`{"order_id":"o-1","status":"` + status + `","version":3,"updated_at":"2026-03-01T12:00:00Z"}`))
	}))
	defer srv.Close()

	d := NewDriver(NewHTTPSource(srv.URL+"/", time.Second))
	out, err := d.WaitForTerminal(context.Background(), "o-1", 10*time.Millisecond, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusCancelled, out.Status)
	assert.False(t, out.TimedOut)
}

func TestHTTPSource_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/orders/missing/status":
			http.Error(w, `{"error":"order not found"}`, http.StatusNotFound)
		case "/orders/broken/status":
			http.Error(w, "boom", http.StatusInternalServerError)
		default:
			_, _ = w.Write([]byte("not json"))
		}
	}))
	defer srv.Close()
	src := NewHTTPSource(srv.URL, time.Second)
	ctx := context.Background()

	_, err := src.GetStatus(ctx, "missing")
	assert.ErrorIs(t, err, reconcile.ErrOrderNotFound)

	_, err = src.GetStatus(ctx, "broken")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")

	_, err = src.GetStatus(ctx, "garbled")
	assert.ErrorContains(t, err, "decode status")
}
