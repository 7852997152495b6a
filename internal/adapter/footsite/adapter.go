// Package footsite checks out on Footsite storefronts through their JSON
// API. Every mutating call carries the csrf token handed out with the
// session.
package footsite

import (
	"errors"
	"net/url"
	"sync"

	"checkout_engine/internal/executor"
	"checkout_engine/internal/model"
	"checkout_engine/internal/worker"
)

const (
	StepSession  executor.StepName = "session"
	StepProduct  executor.StepName = "product"
	StepVariant  executor.StepName = "variant"
	StepCart     executor.StepName = "cart"
	StepEmail    executor.StepName = "email"
	StepShipping executor.StepName = "shipping"
	StepBilling  executor.StepName = "billing"
	StepOrder    executor.StepName = "order"
)

type Adapter struct {
	task model.Task
	base string

	w *worker.Worker

	mu     sync.Mutex
	csrf   string
	cartID string
}

func Factory() worker.AdapterFactory {
	return func(task model.Task) (worker.Adapter, error) {
		return New(task)
	}
}

func New(task model.Task) (*Adapter, error) {
	u, err := url.Parse(task.Store.URL)
	if err != nil || u.Host == "" {
		return nil, errors.New("footsite: invalid store url")
	}
	return &Adapter{task: task, base: u.Scheme + "://" + u.Host}, nil
}

func (a *Adapter) Name() string { return "footsite" }

// Setup surfaces 5xx answers to the steps: the cart endpoint reports its
// waiting room as 529 with a Refresh hint.
func (a *Adapter) Setup(w *worker.Worker) error {
	a.w = w
	w.Session().SetIgnoreServerErrors(false)
	return nil
}

func (a *Adapter) Steps() []executor.Step {
	return []executor.Step{
		{Name: StepSession, Handler: a.session},
		{Name: StepProduct, Handler: a.product},
		{Name: StepVariant, Handler: a.variant},
		{Name: StepCart, Handler: a.cart},
		{Name: StepEmail, Handler: a.email},
		{Name: StepShipping, Handler: a.shipping},
		{Name: StepBilling, Handler: a.billing},
		{Name: StepOrder, Handler: a.order},
	}
}

func (a *Adapter) Teardown() {}

func (a *Adapter) url(path string) string { return a.base + path }

func (a *Adapter) headers() map[string]string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return map[string]string{
		"Accept":       "application/json",
		"X-Csrf-Token": a.csrf,
	}
}
