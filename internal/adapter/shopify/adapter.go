// Package shopify checks out on Shopify storefronts. Safe mode walks the
// checkout pages through the browser layer, fast mode posts each step
// directly and fastest mode opens the checkout from a cart permalink.
package shopify

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"

	"checkout_engine/internal/browser"
	"checkout_engine/internal/executor"
	"checkout_engine/internal/logbus"
	"checkout_engine/internal/model"
	"checkout_engine/internal/worker"
)

const (
	StepLogin      executor.StepName = "login"
	StepSession    executor.StepName = "session"
	StepProduct    executor.StepName = "product"
	StepVariant    executor.StepName = "variant"
	StepCart       executor.StepName = "cart"
	StepCheckout   executor.StepName = "checkout"
	StepContact    executor.StepName = "contact"
	StepShipping   executor.StepName = "shipping"
	StepPayment    executor.StepName = "payment"
	StepProcessing executor.StepName = "processing"

	stepPreload executor.StepName = "preload"
)

const DefaultVaultURL = "https://deposit.us.shopifycs.com/sessions"

type Options struct {
	// VaultURL receives card details and answers with a payment session id.
	VaultURL string
}

type Adapter struct {
	opts Options
	task model.Task
	mode model.Mode
	base string

	w    *worker.Worker
	page *browser.Page

	mu        sync.Mutex
	checkout  string
	preloaded string
	preloadOn bool
	resume    string
	captcha   string
}

// Factory returns a worker.AdapterFactory for Shopify tasks.
func Factory(opts Options) worker.AdapterFactory {
	return func(task model.Task) (worker.Adapter, error) {
		return New(task, opts)
	}
}

func New(task model.Task, opts Options) (*Adapter, error) {
	if opts.VaultURL == "" {
		opts.VaultURL = DefaultVaultURL
	}
	mode, err := model.DecodeMode(task.Mode)
	if err != nil {
		return nil, err
	}
	u, err := url.Parse(task.Store.URL)
	if err != nil || u.Host == "" {
		return nil, errors.New("shopify: invalid store url")
	}
	return &Adapter{
		opts: opts,
		task: task,
		mode: mode,
		base: u.Scheme + "://" + u.Host,
	}, nil
}

func (a *Adapter) Name() string { return "shopify/" + string(a.mode.Kind()) }

func (a *Adapter) Setup(w *worker.Worker) error {
	a.w = w
	a.page = w.NewPage(a)
	return nil
}

func (a *Adapter) Steps() []executor.Step {
	var steps []executor.Step
	if a.task.Account != nil {
		steps = append(steps, executor.Step{Name: StepLogin, Handler: a.login})
	}
	steps = append(steps,
		executor.Step{Name: StepSession, Handler: a.session},
		executor.Step{Name: StepProduct, Handler: a.product},
		executor.Step{Name: StepVariant, Handler: a.variant},
	)
	if a.mode.Kind() != model.ModeFastest {
		steps = append(steps, executor.Step{Name: StepCart, Handler: a.cart})
	}
	steps = append(steps,
		executor.Step{Name: StepCheckout, Handler: a.createCheckout},
		executor.Step{Name: StepContact, Handler: a.contact},
	)
	if a.mode.Kind() != model.ModeFastest {
		steps = append(steps, executor.Step{Name: StepShipping, Handler: a.shipping})
	}
	return append(steps,
		executor.Step{Name: StepPayment, Handler: a.payment},
		executor.Step{Name: StepProcessing, Handler: a.processing},
	)
}

func (a *Adapter) Teardown() {
	if a.page != nil {
		a.page.Close()
	}
}

func (a *Adapter) url(path string) string { return a.base + path }

func (a *Adapter) checkoutURL() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.checkout
}

func (a *Adapter) setCheckout(raw string) {
	u, err := url.Parse(raw)
	if err != nil {
		return
	}
	if !u.IsAbs() {
		u = mustParse(a.base).ResolveReference(u)
	}
	u.RawQuery = ""
	u.Path = strings.TrimSuffix(checkoutRoot(u.Path), "/")
	a.mu.Lock()
	a.checkout = u.String()
	a.mu.Unlock()
}

// checkoutRoot trims /checkouts/{token}/processing and friends back to
// /checkouts/{token}.
func checkoutRoot(path string) string {
	i := strings.Index(path, "/checkouts/")
	if i < 0 {
		return path
	}
	rest := path[i+len("/checkouts/"):]
	if j := strings.Index(rest, "/"); j >= 0 {
		rest = rest[:j]
	}
	return path[:i] + "/checkouts/" + rest
}

func mustParse(raw string) *url.URL {
	u, _ := url.Parse(raw)
	return u
}

// WillNavigate, DidNavigate and WillSubmitForm make the adapter the page's
// event handler.
func (a *Adapter) WillNavigate(_ context.Context, target string) {
	a.w.Log(logbus.LevelDebug, "navigating", map[string]any{"url": target})
}

func (a *Adapter) DidNavigate(_ context.Context, _ string) error {
	if strings.Contains(a.page.URL(), "/checkouts/") {
		a.setCheckout(a.page.URL())
	}
	return nil
}

func (a *Adapter) WillSubmitForm(_ context.Context, _, _ string, values url.Values) (url.Values, error) {
	a.mu.Lock()
	token := a.captcha
	a.captcha = ""
	a.mu.Unlock()
	if token == "" {
		return nil, nil
	}
	values.Set("g-recaptcha-response", token)
	return values, nil
}

// solveCaptcha asks for a reCAPTCHA answer for the widget on the current
// page; the token rides along with the next form submission.
func (a *Adapter) solveCaptcha(ctx context.Context) error {
	widget := a.page.Find(".g-recaptcha").First()
	answer, err := a.w.RequestChallengeResponse(ctx, model.ChallengeRequest{
		URL:         a.page.URL(),
		Family:      model.PuzzleRecaptchaV2,
		SiteKey:     widget.AttrOr("data-sitekey", ""),
		HTML:        a.page.HTML(),
		Cookies:     a.w.Session().Cookies(a.page.URL()),
		SiteContext: "shopify:" + a.base,
	})
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.captcha = answer.Value()
	a.mu.Unlock()
	return nil
}

func (a *Adapter) notice() string {
	return strings.TrimSpace(a.page.Find(".notice--error .notice__text").First().Text())
}
