package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"checkout_engine/internal/logbus"
	"checkout_engine/internal/model"
)

type recorder struct {
	mu      sync.Mutex
	batches [][]model.CheckoutEvent
}

func (r *recorder) Send(_ context.Context, _ model.EmailSettings, events []model.CheckoutEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, events)
	return nil
}

func (r *recorder) sizes() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int, 0, len(r.batches))
	for _, b := range r.batches {
		out = append(out, len(b))
	}
	return out
}

type savedSettings struct {
	v  model.EmailSettings
	ok bool
}

func (s savedSettings) GetEmailSettings(context.Context) (model.EmailSettings, bool, error) {
	return s.v, s.ok, nil
}

var enabled = model.EmailSettings{Enabled: true, To: "me@example.com", Host: "smtp.example.com", Port: 465}

func checkout(order string) model.CheckoutEvent {
	return model.CheckoutEvent{TaskID: "t1", Store: "shop.example.com", Product: "Dunk Low", Size: "10", Price: 11000, OrderNumber: order, At: time.Now()}
}

func TestCheckoutsWithinWindowShareOneMail(t *testing.T) {
	rec := &recorder{}
	n := NewEmailNotifier(Options{Defaults: enabled, SummaryWindow: 50 * time.Millisecond, Sender: rec}, nil)
	defer n.Close(context.Background())

	n.NotifyCheckout(context.Background(), checkout("1001"))
	n.NotifyCheckout(context.Background(), checkout("1002"))
	n.NotifyCheckout(context.Background(), checkout("1003"))

	assert.Eventually(t, func() bool {
		s := rec.sizes()
		return len(s) == 1 && s[0] == 3
	}, 2*time.Second, 10*time.Millisecond)
}

func TestMaxBatchFlushesEarly(t *testing.T) {
	rec := &recorder{}
	n := NewEmailNotifier(Options{Defaults: enabled, SummaryWindow: time.Hour, MaxBatch: 2, Sender: rec}, nil)

	n.NotifyCheckout(context.Background(), checkout("1001"))
	n.NotifyCheckout(context.Background(), checkout("1002"))
	assert.Eventually(t, func() bool { return len(rec.sizes()) == 1 }, time.Second, 10*time.Millisecond)

	n.NotifyCheckout(context.Background(), checkout("1003"))
	require.NoError(t, n.Close(context.Background()))
	assert.Equal(t, []int{2, 1}, rec.sizes())
}

func TestSavedSettingsOverrideDefaults(t *testing.T) {
	rec := &recorder{}
	n := NewEmailNotifier(Options{
		Settings: savedSettings{v: model.EmailSettings{Enabled: false}, ok: true},
		Defaults: enabled,
		Sender:   rec,
	}, nil)
	n.NotifyCheckout(context.Background(), checkout("1001"))
	require.NoError(t, n.Close(context.Background()))
	assert.Empty(t, rec.sizes())
}

func TestInvalidSettingsSkipSend(t *testing.T) {
	rec := &recorder{}
	bad := enabled
	bad.To = "not an address"
	n := NewEmailNotifier(Options{Defaults: bad, Sender: rec}, nil)
	n.NotifyCheckout(context.Background(), checkout("1001"))
	require.NoError(t, n.Close(context.Background()))
	assert.Empty(t, rec.sizes())
}

func TestWatchForwardsBusCheckouts(t *testing.T) {
	rec := &recorder{}
	n := NewEmailNotifier(Options{Defaults: enabled, Sender: rec}, nil)
	defer n.Close(context.Background())

	bus := logbus.New(8)
	defer bus.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go Watch(ctx, bus, n)

	assert.Eventually(t, func() bool {
		bus.Publish(logbus.TypeCheckout, checkout("1001"))
		return len(rec.sizes()) > 0
	}, 2*time.Second, 20*time.Millisecond)
}

func TestSummaryBody(t *testing.T) {
	html, text, err := buildSummaryEmailBody([]model.CheckoutEvent{checkout("1001"), checkout("1002")})
	require.NoError(t, err)
	assert.Contains(t, html, "1002")
	assert.Contains(t, text, "110.00")
	assert.Contains(t, text, "1001")
	assert.Contains(t, text, "Dunk Low")
	assert.Equal(t, "Checkout summary (2 orders)", buildSummarySubject([]model.CheckoutEvent{{}, {}}))
	assert.Equal(t, "Checked out: Dunk Low", buildSummarySubject([]model.CheckoutEvent{checkout("1")}))

	_, _, err = buildSummaryEmailBody(nil)
	assert.Error(t, err)
}
