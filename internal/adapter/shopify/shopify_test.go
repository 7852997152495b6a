package shopify

import (
	"context"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"checkout_engine/internal/executor"
	"checkout_engine/internal/mockstore"
	"checkout_engine/internal/model"
	"checkout_engine/internal/productcache"
	"checkout_engine/internal/session"
	"checkout_engine/internal/waitroom"
	"checkout_engine/internal/worker"
)

type mediator struct {
	cache *productcache.Cache

	mu         sync.Mutex
	challenges int
	statuses   []string
}

func (m *mediator) RotateProxy(_ context.Context, _ string, current *model.Proxy) (*model.Proxy, error) {
	return current, nil
}

func (m *mediator) RequestChallenge(context.Context, string, model.ChallengeRequest) (model.ChallengeAnswer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.challenges++
	return model.ChallengeAnswer{Token: "solved"}, nil
}

func (m *mediator) RequestProduct(ctx context.Context, storeURL, monitor string) (model.Product, error) {
	return m.cache.Wait(ctx, storeURL, monitor)
}

func (m *mediator) AwaitProductUpdate(ctx context.Context, storeURL, monitor string) (model.Product, error) {
	return m.cache.WaitUpdate(ctx, storeURL, monitor)
}

func (m *mediator) TaskUpdated(t model.Task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n := len(m.statuses); n == 0 || m.statuses[n-1] != t.Status.Message {
		m.statuses = append(m.statuses, t.Status.Message)
	}
}

func (m *mediator) sawStatus(msg string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.statuses {
		if s == msg {
			return true
		}
	}
	return false
}

func dunk(sizes map[string]bool) model.Product {
	p := model.Product{ID: "100", Title: "Dunk Low", Handle: "dunk-low"}
	ids := map[string]string{"9": "1001", "10": "1002", "10.5": "1003"}
	for _, size := range []string{"9", "10", "10.5"} {
		p.Variants = append(p.Variants, model.Variant{ID: ids[size], Size: size, InStock: sizes[size], Price: 11000})
	}
	return p
}

var allSizes = map[string]bool{"9": true, "10": true, "10.5": true}

func sampleTask(storeURL string) *model.Task {
	return &model.Task{
		ID:      "t1",
		Store:   model.Store{URL: storeURL, Platform: model.PlatformShopify},
		Monitor: "dunk-low",
		Profile: model.Profile{
			Email: "buyer@example.com",
			Shipping: model.Address{
				FirstName: "Ada", LastName: "Lovelace", Line1: "1 Main St",
				City: "Springfield", PostalCode: "12345", Country: "US",
			},
			Payment: model.Payment{Holder: "Ada Lovelace", Number: "4111111111111111", ExpMonth: 4, ExpYear: 2030, CVV: "123"},
		},
	}
}

type harness struct {
	shop     *mockstore.Shopify
	srv      *httptest.Server
	cache    *productcache.Cache
	mediator *mediator
	presolve *waitroom.PresolveCache
}

func newHarness(t *testing.T, opts mockstore.ShopifyOptions) *harness {
	t.Helper()
	if opts.Products == nil {
		opts.Products = []model.Product{dunk(allSizes)}
	}
	shop := mockstore.NewShopify(opts)
	srv := httptest.NewServer(shop.Handler())
	t.Cleanup(srv.Close)
	cache := productcache.New()
	return &harness{
		shop:     shop,
		srv:      srv,
		cache:    cache,
		mediator: &mediator{cache: cache},
		presolve: waitroom.NewPresolveCache(time.Minute),
	}
}

func (h *harness) run(t *testing.T, task *model.Task) (*worker.Worker, executor.Outcome) {
	t.Helper()
	adapter, err := New(*task, Options{VaultURL: h.srv.URL + "/sessions"})
	require.NoError(t, err)
	sess := session.DefaultOptions()
	sess.Retry.Count = 0
	w, err := worker.New(task, adapter, worker.Deps{
		Mediator:     h.mediator,
		Session:      sess,
		RetryDelay:   10 * time.Millisecond,
		ErrorDelay:   10 * time.Millisecond,
		MonitorDelay: 10 * time.Millisecond,
		Presolve:     h.presolve,
		QueuePoll:    10 * time.Millisecond,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	out, err := w.GoToWork(ctx)
	require.NoError(t, err)
	return w, out
}

func TestSafeCheckoutWithCaptcha(t *testing.T) {
	h := newHarness(t, mockstore.ShopifyOptions{Captcha: true})
	h.cache.Update(h.srv.URL, dunk(allSizes))

	w, out := h.run(t, sampleTask(h.srv.URL))
	require.Equal(t, executor.StatusComplete, out.Status, out.Message)
	snap := w.Snapshot()
	assert.Equal(t, model.ExitCheckedOut, snap.Outcome)
	assert.Equal(t, "1001", snap.OrderNumber)
	assert.Equal(t, model.Status{Message: "Checked out", Severity: model.SeverityGood}, snap.Status)
	assert.Equal(t, 1, h.mediator.challenges)
}

func TestFastCheckoutFallsBackToPageForCaptcha(t *testing.T) {
	h := newHarness(t, mockstore.ShopifyOptions{Captcha: true})
	h.cache.Update(h.srv.URL, dunk(allSizes))
	task := sampleTask(h.srv.URL)
	task.Mode = model.ModeConfig{Kind: model.ModeFast}

	w, out := h.run(t, task)
	require.Equal(t, executor.StatusComplete, out.Status, out.Message)
	assert.NotEmpty(t, w.Snapshot().OrderNumber)
	assert.Equal(t, 1, h.mediator.challenges)
}

func TestFastestCheckoutUsesPermalink(t *testing.T) {
	h := newHarness(t, mockstore.ShopifyOptions{})
	h.cache.Update(h.srv.URL, dunk(allSizes))
	task := sampleTask(h.srv.URL)
	task.Mode = model.ModeConfig{Kind: model.ModeFastest, ShippingRate: mockstore.ShopifyRate}

	w, out := h.run(t, task)
	require.Equal(t, executor.StatusComplete, out.Status, out.Message)
	assert.NotEmpty(t, w.Snapshot().OrderNumber)
	assert.Zero(t, h.shop.CartAdds())
}

func TestFastestDiscoversShippingRate(t *testing.T) {
	h := newHarness(t, mockstore.ShopifyOptions{})
	h.cache.Update(h.srv.URL, dunk(allSizes))
	task := sampleTask(h.srv.URL)
	task.Mode = model.ModeConfig{Kind: model.ModeFastest}

	_, out := h.run(t, task)
	require.Equal(t, executor.StatusComplete, out.Status, out.Message)
}

func TestMissingSizeRetriesWithoutCarting(t *testing.T) {
	p := dunk(map[string]bool{"9": true, "10.5": true})
	h := newHarness(t, mockstore.ShopifyOptions{Products: []model.Product{p}})
	h.cache.Update(h.srv.URL, p)
	task := sampleTask(h.srv.URL)
	task.Sizes = []string{"10"}

	done := make(chan executor.Outcome, 1)
	go func() {
		_, out := h.run(t, task)
		done <- out
	}()

	require.Eventually(t, func() bool { return h.mediator.sawStatus("Size(s) not in stock") }, 5*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, h.shop.CartAdds())

	restocked := dunk(allSizes)
	h.shop.UpdateProducts([]model.Product{restocked})
	h.cache.Update(h.srv.URL, restocked)

	select {
	case out := <-done:
		assert.Equal(t, executor.StatusComplete, out.Status, out.Message)
		assert.Equal(t, 1, h.shop.CartAdds())
	case <-time.After(10 * time.Second):
		t.Fatal("worker never resumed after restock")
	}
}

func TestCheckoutQueueAndTotalChange(t *testing.T) {
	h := newHarness(t, mockstore.ShopifyOptions{QueuePolls: 1, TotalChanges: 1})
	h.cache.Update(h.srv.URL, dunk(allSizes))

	w, out := h.run(t, sampleTask(h.srv.URL))
	require.Equal(t, executor.StatusComplete, out.Status, out.Message)
	assert.NotEmpty(t, w.Snapshot().OrderNumber)
	assert.True(t, h.mediator.sawStatus("In checkout queue"))
	assert.True(t, h.mediator.sawStatus("Total changed, resubmitting"))
}

func TestThirdPartyWaitingRoom(t *testing.T) {
	room := mockstore.NewWaitroom(mockstore.WaitroomOptions{Polls: 1})
	roomSrv := httptest.NewServer(room.Handler())
	defer roomSrv.Close()
	room.SetBase(roomSrv.URL)

	h := newHarness(t, mockstore.ShopifyOptions{Waitroom: room})
	h.cache.Update(h.srv.URL, dunk(allSizes))

	w, out := h.run(t, sampleTask(h.srv.URL))
	require.Equal(t, executor.StatusComplete, out.Status, out.Message)
	assert.NotEmpty(t, w.Snapshot().OrderNumber)
	assert.Equal(t, 1, room.Verifications())
	_, cached := h.presolve.Get("drop")
	assert.True(t, cached)
}

func TestDeclinedCardFails(t *testing.T) {
	h := newHarness(t, mockstore.ShopifyOptions{Decline: true})
	h.cache.Update(h.srv.URL, dunk(allSizes))

	w, out := h.run(t, sampleTask(h.srv.URL))
	assert.Equal(t, executor.StatusFailed, out.Status)
	snap := w.Snapshot()
	assert.Equal(t, model.ExitFailed, snap.Outcome)
	assert.Equal(t, "Card declined", snap.Status.Message)
}

func TestAccountRequired(t *testing.T) {
	h := newHarness(t, mockstore.ShopifyOptions{RequireAccount: true})
	h.cache.Update(h.srv.URL, dunk(allSizes))

	_, out := h.run(t, sampleTask(h.srv.URL))
	assert.Equal(t, executor.StatusFailed, out.Status)
	assert.Equal(t, "Store requires an account", out.Message)

	task := sampleTask(h.srv.URL)
	task.Account = &model.Account{Email: "buyer@example.com", Password: "hunter2"}
	_, out = h.run(t, task)
	assert.Equal(t, executor.StatusComplete, out.Status, out.Message)
}

func TestSafePreload(t *testing.T) {
	socks := model.Product{ID: "200", Title: "Socks", Handle: "socks", Variants: []model.Variant{{ID: "2001", Size: "OS", InStock: true, Price: 500}}}
	h := newHarness(t, mockstore.ShopifyOptions{Products: []model.Product{dunk(allSizes), socks}})
	h.cache.Update(h.srv.URL, dunk(allSizes))
	task := sampleTask(h.srv.URL)
	task.Mode = model.ModeConfig{Kind: model.ModeSafe, Preload: true, PreloadMonitor: "socks"}

	w, out := h.run(t, task)
	require.Equal(t, executor.StatusComplete, out.Status, out.Message)
	assert.Equal(t, 2, h.shop.CartAdds())

	snap := w.Snapshot()
	require.NotNil(t, snap.Variant)
	require.NotNil(t, snap.Product)
	assert.Equal(t, "100", snap.Product.ID)
	assert.Contains(t, []string{"1001", "1002", "1003"}, snap.Variant.ID)

	orders := h.shop.Orders()
	require.Len(t, orders, 1)
	assert.Equal(t, snap.OrderNumber, orders[0].Number)
	assert.Equal(t, snap.Variant.ID, orders[0].VariantID)
	assert.NotEqual(t, "2001", orders[0].VariantID)
}

func TestStepsFollowMode(t *testing.T) {
	names := func(mode model.ModeConfig, account bool) []executor.StepName {
		task := *sampleTask("https://shop.example.com")
		task.Mode = mode
		if account {
			task.Account = &model.Account{Email: "a@example.com", Password: "x"}
		}
		a, err := New(task, Options{})
		require.NoError(t, err)
		var out []executor.StepName
		for _, s := range a.Steps() {
			out = append(out, s.Name)
		}
		return out
	}
	assert.Equal(t, []executor.StepName{StepSession, StepProduct, StepVariant, StepCart, StepCheckout, StepContact, StepShipping, StepPayment, StepProcessing},
		names(model.ModeConfig{}, false))
	assert.Equal(t, []executor.StepName{StepLogin, StepSession, StepProduct, StepVariant, StepCheckout, StepContact, StepPayment, StepProcessing},
		names(model.ModeConfig{Kind: model.ModeFastest}, true))
}

func TestFetchProducts(t *testing.T) {
	shop := mockstore.NewShopify(mockstore.ShopifyOptions{Products: []model.Product{dunk(map[string]bool{"10": true})}})
	srv := httptest.NewServer(shop.Handler())
	defer srv.Close()
	client, err := session.New(session.DefaultOptions())
	require.NoError(t, err)

	products, err := FetchProducts(context.Background(), client, srv.URL)
	require.NoError(t, err)
	require.Len(t, products, 1)
	p := products[0]
	assert.Equal(t, "100", p.ID)
	assert.Equal(t, srv.URL+"/products/dunk-low", p.URL)
	require.Len(t, p.Variants, 3)
	assert.Equal(t, model.Variant{ID: "1002", Size: "10", InStock: true, Price: 11000}, p.Variants[1])
}

func TestParsePrice(t *testing.T) {
	for in, want := range map[string]int64{"120.00": 12000, "5": 500, "9.5": 950, "": 0} {
		got, err := parsePrice(in)
		require.NoError(t, err)
		assert.Equal(t, want, got, in)
	}
	_, err := parsePrice("abc")
	assert.Error(t, err)
}
