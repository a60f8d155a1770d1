package gate

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type signalLog struct {
	mu   sync.Mutex
	sigs []Signal
	ids  []string
}

func (l *signalLog) observe(sig Signal, payload any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sigs = append(l.sigs, sig)
	switch p := payload.(type) {
	case RequestedPayload:
		l.ids = append(l.ids, p.ID)
	case ResolvedPayload:
		l.ids = append(l.ids, p.ID)
	}
}

func (l *signalLog) signals() []Signal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Signal(nil), l.sigs...)
}

type result struct {
	d   Decision
	err error
}

func request(b *Broker, ctx context.Context, method, target string) <-chan result {
	out := make(chan result, 1)
	go func() {
		d, err := b.RequestConfirmation(ctx, method, target)
		out <- result{d, err}
	}()
	return out
}

func next(t *testing.T, ch <-chan *Pending) *Pending {
	t.Helper()
	select {
	case p := <-ch:
		require.NotNil(t, p)
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("no pending confirmation delivered")
		return nil
	}
}

func wait(t *testing.T, ch <-chan result) result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("RequestConfirmation did not return")
		return result{}
	}
}

func TestConfirmProceeds(t *testing.T) {
	var log signalLog
	b := NewBroker(WithObserver(log.observe), WithIdentity(func() string { return "operator" }))
	ch, unsubscribe := b.Subscribe()
	defer unsubscribe()

	res := request(b, context.Background(), "POST", "https://api.example.com/orders")
	p := next(t, ch)
	assert.Equal(t, "POST", p.Method)
	assert.Equal(t, "https://api.example.com/orders", p.Target)
	assert.Equal(t, "operator", p.ImpersonatorID)

	cur, ok := b.Current()
	require.True(t, ok)
	assert.Same(t, p, cur)

	require.NoError(t, p.Confirm())
	r := wait(t, res)
	require.NoError(t, r.err)
	assert.Equal(t, Confirmed, r.d)

	_, ok = b.Current()
	assert.False(t, ok)
	assert.Equal(t, []Signal{SignalRequested, SignalConfirmed}, log.signals())
	assert.Equal(t, log.ids[0], log.ids[1])
}

func TestCancelDenies(t *testing.T) {
	var log signalLog
	b := NewBroker(WithObserver(log.observe))
	ch, unsubscribe := b.Subscribe()
	defer unsubscribe()

	res := request(b, context.Background(), "DELETE", "/users/7")
	p := next(t, ch)
	require.NoError(t, p.Cancel())

	r := wait(t, res)
	require.NoError(t, r.err)
	assert.Equal(t, Cancelled, r.d)
	assert.Equal(t, []Signal{SignalRequested, SignalCancelled}, log.signals())
}

func TestResolvesExactlyOnce(t *testing.T) {
	var log signalLog
	b := NewBroker(WithObserver(log.observe))
	ch, unsubscribe := b.Subscribe()
	defer unsubscribe()

	res := request(b, context.Background(), "PUT", "/a")
	p := next(t, ch)

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				errs <- p.Confirm()
			} else {
				errs <- p.Cancel()
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	var ok int
	for err := range errs {
		if err == nil {
			ok++
		} else {
			assert.ErrorIs(t, err, ErrAlreadyResolved)
		}
	}
	assert.Equal(t, 1, ok)
	wait(t, res)
	assert.Len(t, log.signals(), 2)
}

func TestNoPresenterDenies(t *testing.T) {
	var log signalLog
	b := NewBroker(WithObserver(log.observe))

	d, err := b.RequestConfirmation(context.Background(), "POST", "/x")
	assert.ErrorIs(t, err, ErrNoPresenter)
	assert.Equal(t, Cancelled, d)
	assert.Empty(t, log.signals())
}

func TestIdleTimeoutExpires(t *testing.T) {
	var log signalLog
	b := NewBroker(WithIdleTimeout(20*time.Millisecond), WithObserver(log.observe))
	ch, unsubscribe := b.Subscribe()
	defer unsubscribe()

	res := request(b, context.Background(), "PATCH", "/x")
	p := next(t, ch)

	r := wait(t, res)
	assert.ErrorIs(t, r.err, ErrConfirmationExpired)
	assert.Equal(t, Cancelled, r.d)
	assert.ErrorIs(t, p.Confirm(), ErrAlreadyResolved)
	assert.Equal(t, []Signal{SignalRequested, SignalCancelled}, log.signals())
}

func TestContextCancellationDenies(t *testing.T) {
	b := NewBroker()
	ch, unsubscribe := b.Subscribe()
	defer unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	res := request(b, ctx, "POST", "/x")
	p := next(t, ch)
	cancel()

	r := wait(t, res)
	assert.ErrorIs(t, r.err, context.Canceled)
	assert.Equal(t, Cancelled, r.d)
	<-p.Done()
}

func TestSecondRequestWaitsForFirst(t *testing.T) {
	b := NewBroker()
	ch, unsubscribe := b.Subscribe()
	defer unsubscribe()

	first := request(b, context.Background(), "POST", "/first")
	p1 := next(t, ch)

	second := request(b, context.Background(), "POST", "/second")
	select {
	case <-ch:
		t.Fatal("second request delivered while first is live")
	case <-time.After(50 * time.Millisecond):
	}
	cur, _ := b.Current()
	assert.Same(t, p1, cur)

	require.NoError(t, p1.Cancel())
	assert.Equal(t, Cancelled, wait(t, first).d)

	p2 := next(t, ch)
	assert.Equal(t, "/second", p2.Target)
	require.NoError(t, p2.Confirm())
	assert.Equal(t, Confirmed, wait(t, second).d)
}

func TestWaitingRequestHonoursContext(t *testing.T) {
	b := NewBroker()
	ch, unsubscribe := b.Subscribe()
	defer unsubscribe()

	first := request(b, context.Background(), "POST", "/first")
	p1 := next(t, ch)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	d, err := b.RequestConfirmation(ctx, "POST", "/second")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, Cancelled, d)

	require.NoError(t, p1.Confirm())
	wait(t, first)
}

func TestResolveByID(t *testing.T) {
	b := NewBroker()
	ch, unsubscribe := b.Subscribe()
	defer unsubscribe()

	assert.ErrorIs(t, b.Resolve("nope", Confirmed), ErrUnknownConfirmation)

	res := request(b, context.Background(), "POST", "/x")
	p := next(t, ch)
	assert.ErrorIs(t, b.Resolve("other", Confirmed), ErrUnknownConfirmation)
	require.NoError(t, b.Resolve(p.ID, Confirmed))
	assert.Equal(t, Confirmed, wait(t, res).d)
	assert.ErrorIs(t, b.Resolve(p.ID, Cancelled), ErrUnknownConfirmation)
}

func TestCancelAll(t *testing.T) {
	b := NewBroker()
	ch, unsubscribe := b.Subscribe()
	defer unsubscribe()

	b.CancelAll("nothing pending")

	res := request(b, context.Background(), "POST", "/x")
	next(t, ch)
	b.CancelAll("session reset")
	r := wait(t, res)
	require.NoError(t, r.err)
	assert.Equal(t, Cancelled, r.d)
}

func TestLastPresenterLeavingCancels(t *testing.T) {
	b := NewBroker()
	ch, unsubscribe := b.Subscribe()

	res := request(b, context.Background(), "POST", "/x")
	next(t, ch)
	unsubscribe()
	unsubscribe()

	assert.Equal(t, Cancelled, wait(t, res).d)
	_, open := <-ch
	assert.False(t, open)
}

func TestDecisionZeroValueDenies(t *testing.T) {
	var d Decision
	assert.Equal(t, Cancelled, d)
	assert.Equal(t, "cancelled", d.String())
	assert.Equal(t, "confirmed", Confirmed.String())
}

func TestCallerResumesAfterResolutionSignal(t *testing.T) {
	var log signalLog
	release := make(chan struct{})
	observe := func(sig Signal, payload any) {
		log.observe(sig, payload)
		if sig == SignalConfirmed {
			<-release
		}
	}
	b := NewBroker(WithObserver(observe))
	ch, unsubscribe := b.Subscribe()
	defer unsubscribe()

	first := request(b, context.Background(), "POST", "/first")
	p1 := next(t, ch)
	go func() { _ = b.Resolve(p1.ID, Confirmed) }()

	require.Eventually(t, func() bool { return len(log.signals()) == 2 }, 2*time.Second, 5*time.Millisecond)

	second := request(b, context.Background(), "POST", "/second")
	select {
	case <-first:
		t.Fatal("caller resumed before the confirmed signal was delivered")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, []Signal{SignalRequested, SignalConfirmed}, log.signals())

	close(release)
	assert.Equal(t, Confirmed, wait(t, first).d)

	p2 := next(t, ch)
	require.NoError(t, p2.Cancel())
	assert.Equal(t, Cancelled, wait(t, second).d)
	assert.Equal(t, []Signal{SignalRequested, SignalConfirmed, SignalRequested, SignalCancelled}, log.signals())
}
