package shopify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"checkout_engine/internal/executor"
	"checkout_engine/internal/logbus"
	"checkout_engine/internal/model"
	"checkout_engine/internal/session"
	"checkout_engine/internal/waitroom"
)

const (
	contactForm  = `form[data-step="contact_information"]`
	shippingForm = `form[data-step="shipping_method"]`
	paymentForm  = `form[data-step="payment_method"]`
	rateField    = "checkout[shipping_rate][id]"
	maxHops      = 8
)

var orderDigits = regexp.MustCompile(`[0-9]+`)

func (a *Adapter) login(ctx context.Context, c *executor.Control) (executor.Directive, error) {
	acc := a.task.Account
	a.w.SetStatus("Logging in", model.SeverityInfo)
	if err := a.page.GoTo(ctx, a.url("/account/login")); err != nil {
		return executor.Directive{}, err
	}
	const form = "form#customer_login"
	if err := a.page.SetField(form, "customer[email]", acc.Email); err != nil {
		return executor.Directive{}, err
	}
	if err := a.page.SetField(form, "customer[password]", acc.Password); err != nil {
		return executor.Directive{}, err
	}
	if err := a.page.SubmitForm(ctx, form); err != nil {
		return executor.Directive{}, err
	}
	if a.page.Find(".g-recaptcha").Length() > 0 {
		if err := a.solveCaptcha(ctx); err != nil {
			return executor.Directive{}, err
		}
		if err := a.page.SubmitForm(ctx, "form"); err != nil {
			return executor.Directive{}, err
		}
	}
	if strings.Contains(a.page.URL(), "/account/login") {
		return c.Fail("Invalid account credentials"), nil
	}
	a.w.SetStatus("Logged in", model.SeverityInfo)
	return c.Next(), nil
}

func (a *Adapter) session(ctx context.Context, c *executor.Control) (executor.Directive, error) {
	a.w.SetStatus("Getting session", model.SeverityInfo)
	if sm, ok := a.mode.(model.SafeMode); ok && sm.Preload != nil {
		a.mu.Lock()
		start := !a.preloadOn
		a.preloadOn = true
		a.mu.Unlock()
		if start {
			c.AddAsyncStep(ctx, stepPreload, a.preload(sm.Preload.Monitor))
		}
	}
	if err := a.page.GoTo(ctx, a.url("/")); err != nil {
		return executor.Directive{}, err
	}
	if strings.Contains(a.page.URL(), "/password") {
		a.w.SetStatus("Password page up", model.SeverityWarning)
		return c.Retry(a.w.Deps().MonitorDelay), nil
	}
	return c.Next(), nil
}

// preload opens a checkout with a throwaway item so the real item can be
// paid for without passing the checkout queue again.
func (a *Adapter) preload(monitor string) executor.Handler {
	return func(ctx context.Context, c *executor.Control) (executor.Directive, error) {
		client := a.w.Session()
		variantID := monitor
		if _, err := strconv.ParseInt(monitor, 10, 64); err != nil {
			products, err := FetchProducts(ctx, client, a.base)
			if err != nil {
				return executor.Directive{}, err
			}
			v, ok := firstInStock(products, monitor)
			if !ok {
				a.w.Log(logbus.LevelWarn, "preload product unavailable", map[string]any{"monitor": monitor})
				return c.Next(), nil
			}
			variantID = v.ID
		}
		if _, err := client.PostForm(ctx, a.url("/cart/add.js"), url.Values{"id": {variantID}, "quantity": {"1"}}); err != nil {
			return executor.Directive{}, fmt.Errorf("preload cart: %w", err)
		}
		resp, err := client.Do(ctx, session.Request{Method: http.MethodPost, URL: a.url("/cart"), Form: url.Values{"checkout": {""}}, NoFollow: true})
		if err != nil && resp == nil {
			return executor.Directive{}, err
		}
		if loc := resp.Location(); strings.Contains(loc, "/checkouts/") {
			a.mu.Lock()
			a.preloaded = loc
			a.mu.Unlock()
			a.w.Log(logbus.LevelInfo, "checkout preloaded", nil)
		}
		if _, err := client.PostForm(ctx, a.url("/cart/clear.js"), url.Values{}); err != nil {
			return executor.Directive{}, fmt.Errorf("preload clear: %w", err)
		}
		return c.Next(), nil
	}
}

func (a *Adapter) product(ctx context.Context, c *executor.Control) (executor.Directive, error) {
	a.w.SetStatus("Waiting for product", model.SeverityInfo)
	var (
		p   model.Product
		err error
	)
	if c.IsFromRetry() {
		p, err = a.w.AwaitProductUpdate(ctx)
	} else {
		p, err = a.w.RequestProduct(ctx)
	}
	if err != nil {
		return executor.Directive{}, err
	}
	a.w.SetStatus("Found "+p.Title, model.SeverityInfo)
	return c.Next(), nil
}

func (a *Adapter) variant(ctx context.Context, c *executor.Control) (executor.Directive, error) {
	if c.IsFromRetry() {
		if _, err := a.w.AwaitProductUpdate(ctx); err != nil {
			return executor.Directive{}, err
		}
	}
	t := a.w.Snapshot()
	if t.Product == nil {
		return c.Jump(StepProduct), nil
	}
	v := a.w.RandomAvailableVariant(*t.Product, t.Sizes)
	if v == nil {
		a.w.SetStatus("Size(s) not in stock", model.SeverityWarning)
		return c.Retry(0), nil
	}
	a.w.Update(func(t *model.Task) { t.Variant = v })
	a.w.SetStatus("Selected size "+v.Size, model.SeverityInfo)
	return c.Next(), nil
}

func (a *Adapter) cart(ctx context.Context, c *executor.Control) (executor.Directive, error) {
	t := a.w.Snapshot()
	if t.Variant == nil {
		return c.Jump(StepVariant), nil
	}
	a.w.SetStatus("Adding to cart", model.SeverityInfo)
	_, err := a.w.Session().Do(ctx, session.Request{
		Method: http.MethodPost,
		URL:    a.url("/cart/add.js"),
		Header: map[string]string{"Accept": "application/json"},
		Form:   url.Values{"id": {t.Variant.ID}, "quantity": {strconv.Itoa(t.OrderQuantity())}},
	})
	switch session.StatusOf(err) {
	case 0:
		if err != nil {
			return executor.Directive{}, err
		}
	case http.StatusUnprocessableEntity:
		if v, ok := a.w.SetAnotherVariant(); ok {
			a.w.SetStatus("Sold out, trying size "+v.Size, model.SeverityWarning)
			return c.Retry(a.w.Deps().RetryDelay), nil
		}
		return c.Jump(StepVariant), nil
	case http.StatusNotFound:
		return c.Jump(StepProduct), nil
	default:
		return executor.Directive{}, err
	}
	a.w.SetStatus("Added to cart", model.SeverityInfo)
	return c.Next(), nil
}

func (a *Adapter) createCheckout(ctx context.Context, c *executor.Control) (executor.Directive, error) {
	a.mu.Lock()
	preloaded, resume := a.preloaded, a.resume
	a.resume = ""
	a.mu.Unlock()
	if preloaded != "" {
		a.setCheckout(preloaded)
		return c.Next(), nil
	}

	a.w.SetStatus("Creating checkout", model.SeverityInfo)
	client := a.w.Session()
	var req session.Request
	switch {
	case resume != "":
		req = session.Request{Method: http.MethodGet, URL: resume, NoFollow: true}
	case a.mode.Kind() == model.ModeFastest:
		t := a.w.Snapshot()
		if t.Variant == nil {
			return c.Jump(StepVariant), nil
		}
		line := fmt.Sprintf("/cart/%s:%d", t.Variant.ID, t.OrderQuantity())
		req = session.Request{Method: http.MethodGet, URL: a.url(line), NoFollow: true}
	default:
		req = session.Request{Method: http.MethodPost, URL: a.url("/cart"), Form: url.Values{"checkout": {""}}, NoFollow: true}
	}

	for range maxHops {
		resp, err := client.Do(ctx, req)
		if resp == nil {
			return executor.Directive{}, err
		}
		loc := resp.Location()
		if loc == "" {
			if strings.Contains(resp.URL, "/checkouts/") {
				a.setCheckout(resp.URL)
				return c.Next(), nil
			}
			if err == nil {
				err = fmt.Errorf("checkout: unexpected %d from %s", resp.Status, resp.URL)
			}
			return executor.Directive{}, err
		}
		target := resolve(resp.URL, loc)

		switch {
		case strings.Contains(target, "/checkouts/"):
			a.setCheckout(target)
			a.w.SetStatus("Checkout created", model.SeverityInfo)
			return c.Next(), nil
		case strings.Contains(target, "/account/login"):
			if a.task.Account == nil {
				return c.Fail("Store requires an account"), nil
			}
			return c.Jump(StepLogin), nil
		case strings.Contains(target, "/throttle/queue"):
			a.w.SetStatus("In checkout queue", model.SeverityWarning)
			a.w.BumpTimeout()
			a.mu.Lock()
			a.resume = target
			a.mu.Unlock()
			return c.Retry(time.Second), nil
		case strings.Contains(target, "/products/") || strings.HasSuffix(mustParse(target).Path, "/cart"):
			a.w.SetStatus("Cart empty or sold out", model.SeverityWarning)
			return c.Jump(StepVariant), nil
		}

		if ev, perr := waitroom.ParseRedirect(target); perr == nil {
			res, err := a.w.Negotiate(ctx, ev)
			if err != nil {
				return executor.Directive{}, err
			}
			if res.Blocked {
				a.w.SetStatus("Blocked by waiting room", model.SeverityError)
				return c.Retry(a.w.Deps().ErrorDelay), nil
			}
			a.w.SetStatus("Passed waiting room", model.SeverityInfo)
			target = res.RedirectURL
		}
		req = session.Request{Method: http.MethodGet, URL: target, NoFollow: true}
	}
	return executor.Directive{}, errors.New("checkout: too many redirects")
}

func resolve(base, ref string) string {
	b, err := url.Parse(base)
	if err != nil {
		return ref
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return b.ResolveReference(r).String()
}

var countryNames = map[string]string{
	"US": "United States",
	"CA": "Canada",
	"GB": "United Kingdom",
	"DE": "Germany",
	"FR": "France",
}

func contactValues(p model.Profile) url.Values {
	s := p.Shipping
	country := s.Country
	if name, ok := countryNames[strings.ToUpper(country)]; ok {
		country = name
	}
	v := url.Values{}
	v.Set("checkout[email]", p.Email)
	for k, val := range map[string]string{
		"first_name": s.FirstName,
		"last_name":  s.LastName,
		"address1":   s.Line1,
		"address2":   s.Line2,
		"city":       s.City,
		"country":    country,
		"province":   s.Province,
		"zip":        s.PostalCode,
		"phone":      s.Phone,
	} {
		v.Set("checkout[shipping_address]["+k+"]", val)
	}
	return v
}

func (a *Adapter) contact(ctx context.Context, c *executor.Control) (executor.Directive, error) {
	co := a.checkoutURL()
	if co == "" {
		return c.Jump(StepCheckout), nil
	}
	a.w.SetStatus("Submitting contact", model.SeverityInfo)
	values := contactValues(a.task.Profile)

	if a.mode.Kind() != model.ModeSafe {
		values.Set("_method", "patch")
		values.Set("previous_step", "contact_information")
		values.Set("step", "shipping_method")
		if fm, ok := a.mode.(model.FastestMode); ok && fm.ShippingRate != "" {
			values.Set(rateField, fm.ShippingRate)
			values.Set("step", "payment_method")
		}
		resp, err := a.w.Session().Do(ctx, session.Request{Method: http.MethodPost, URL: co, Form: values, NoFollow: true})
		if resp == nil {
			return executor.Directive{}, err
		}
		if resp.Location() != "" {
			return a.afterContact(ctx, c)
		}
		if err != nil {
			return executor.Directive{}, err
		}
		// the store wants something the direct post lacked; finish on the page
		if err := a.page.Load(resp.URL, resp.Body); err != nil {
			return executor.Directive{}, err
		}
	} else if err := a.page.GoTo(ctx, co); err != nil {
		return executor.Directive{}, err
	}

	if a.page.Find(contactForm).Length() == 0 {
		return a.afterContact(ctx, c)
	}
	for k, v := range values {
		if strings.HasPrefix(k, "checkout[") {
			if err := a.page.SetField(contactForm, k, v[0]); err != nil {
				return executor.Directive{}, err
			}
		}
	}
	if a.page.Find(".g-recaptcha").Length() > 0 {
		if err := a.solveCaptcha(ctx); err != nil {
			return executor.Directive{}, err
		}
	}
	if err := a.page.SubmitForm(ctx, contactForm); err != nil {
		return executor.Directive{}, err
	}
	if a.page.Find(contactForm).Length() > 0 {
		msg := a.notice()
		if strings.Contains(strings.ToLower(msg), "captcha") {
			return c.Retry(0), nil
		}
		if msg == "" {
			msg = "Contact information rejected"
		}
		return c.Fail(msg), nil
	}
	return a.afterContact(ctx, c)
}

func (a *Adapter) afterContact(ctx context.Context, c *executor.Control) (executor.Directive, error) {
	if a.mode.Kind() != model.ModeFastest {
		return c.Next(), nil
	}
	if fm, _ := a.mode.(model.FastestMode); fm.ShippingRate != "" {
		return c.Next(), nil
	}
	rate, err := a.shippingRate(ctx)
	if err != nil {
		return executor.Directive{}, err
	}
	if rate == "" {
		return c.Retry(time.Second), nil
	}
	if err := a.postShipping(ctx, rate); err != nil {
		return executor.Directive{}, err
	}
	return c.Next(), nil
}

// shippingRate polls the rates endpoint once; an empty id means the rates
// are still being calculated.
func (a *Adapter) shippingRate(ctx context.Context) (string, error) {
	resp, err := a.w.Session().Get(ctx, a.checkoutURL()+"/shipping_rates.json")
	if err != nil {
		return "", err
	}
	if resp.Status == http.StatusAccepted {
		return "", nil
	}
	var body struct {
		Rates []struct {
			ID string `json:"id"`
		} `json:"shipping_rates"`
	}
	if err := resp.DecodeJSON(&body); err != nil {
		return "", err
	}
	if len(body.Rates) == 0 {
		return "", nil
	}
	return body.Rates[0].ID, nil
}

func (a *Adapter) postShipping(ctx context.Context, rate string) error {
	resp, err := a.w.Session().Do(ctx, session.Request{
		Method: http.MethodPost,
		URL:    a.checkoutURL(),
		Form: url.Values{
			"_method":       {"patch"},
			"previous_step": {"shipping_method"},
			"step":          {"payment_method"},
			rateField:       {rate},
		},
		NoFollow: true,
	})
	if resp == nil {
		return err
	}
	if resp.Location() == "" {
		if err == nil {
			err = errors.New("shipping rate rejected")
		}
		return err
	}
	return nil
}

func (a *Adapter) shipping(ctx context.Context, c *executor.Control) (executor.Directive, error) {
	a.w.SetStatus("Submitting shipping", model.SeverityInfo)
	if a.mode.Kind() == model.ModeFast {
		rate, err := a.shippingRate(ctx)
		if err != nil {
			return executor.Directive{}, err
		}
		if rate == "" {
			return c.Retry(time.Second), nil
		}
		if err := a.postShipping(ctx, rate); err != nil {
			return executor.Directive{}, err
		}
		return c.Next(), nil
	}

	if a.page.Find(shippingForm).Length() == 0 {
		if err := a.page.GoTo(ctx, a.checkoutURL()+"?step=shipping_method"); err != nil {
			return executor.Directive{}, err
		}
	}
	rates := a.page.Find(shippingForm + ` input[name="` + rateField + `"]`)
	if rates.Length() == 0 {
		return c.Retry(time.Second), nil
	}
	if rates.Filter("[checked]").Length() == 0 {
		if err := a.page.SetField(shippingForm, rateField, rates.First().AttrOr("value", "")); err != nil {
			return executor.Directive{}, err
		}
	}
	if err := a.page.SubmitForm(ctx, shippingForm); err != nil {
		return executor.Directive{}, err
	}
	if a.page.Find(shippingForm).Length() > 0 {
		return executor.Directive{}, fmt.Errorf("shipping rejected: %s", a.notice())
	}
	return c.Next(), nil
}

func (a *Adapter) vault(ctx context.Context) (string, error) {
	pay := a.task.Profile.Payment
	var out struct {
		ID string `json:"id"`
	}
	_, err := a.w.Session().PostJSON(ctx, a.opts.VaultURL, map[string]any{
		"credit_card": map[string]any{
			"number":             pay.Number,
			"name":               pay.Holder,
			"month":              pay.ExpMonth,
			"year":               pay.ExpYear,
			"verification_value": pay.CVV,
		},
	}, &out)
	if session.StatusOf(err) == http.StatusUnprocessableEntity {
		return "", errCardRejected
	}
	if err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", errors.New("vault returned no session id")
	}
	return out.ID, nil
}

var errCardRejected = errors.New("card rejected by vault")

func (a *Adapter) payment(ctx context.Context, c *executor.Control) (executor.Directive, error) {
	a.w.SetStatus("Submitting payment", model.SeverityInfo)
	id, err := a.vault(ctx)
	if errors.Is(err, errCardRejected) {
		return c.Fail("Card rejected"), nil
	}
	if err != nil {
		return executor.Directive{}, err
	}
	if err := a.page.GoTo(ctx, a.checkoutURL()+"?step=payment_method"); err != nil {
		return executor.Directive{}, err
	}
	if a.page.Find(paymentForm).Length() == 0 {
		if a.page.Find(contactForm).Length() > 0 {
			return c.Jump(StepContact), nil
		}
		return executor.Directive{}, errors.New("payment form missing")
	}
	if err := a.page.SetField(paymentForm, "s", id); err != nil {
		return executor.Directive{}, err
	}
	if err := a.page.SubmitForm(ctx, paymentForm); err != nil {
		return executor.Directive{}, err
	}
	if strings.Contains(a.page.URL(), "/processing") || strings.Contains(a.page.URL(), "/thank_you") {
		return c.Next(), nil
	}
	msg := a.notice()
	switch {
	case strings.Contains(strings.ToLower(msg), "total"):
		a.w.SetStatus("Total changed, resubmitting", model.SeverityWarning)
		return c.Retry(0), nil
	case msg != "":
		return c.Fail(msg), nil
	}
	return executor.Directive{}, errors.New("payment not accepted")
}

func (a *Adapter) processing(ctx context.Context, c *executor.Control) (executor.Directive, error) {
	a.w.SetStatus("Processing", model.SeverityInfo)
	co := a.checkoutURL()
	resp, err := a.w.Session().Do(ctx, session.Request{Method: http.MethodGet, URL: co + "/processing", NoFollow: true})
	if resp == nil {
		return executor.Directive{}, err
	}
	loc := resp.Location()
	switch {
	case strings.Contains(loc, "/thank_you"):
		if err := a.page.GoTo(ctx, resolve(resp.URL, loc)); err != nil {
			return executor.Directive{}, err
		}
		order := orderDigits.FindString(a.page.Find(".os-order-number").First().Text())
		a.w.Checkout(order)
		return c.Next(), nil
	case strings.Contains(loc, "step=payment_method"):
		if err := a.page.GoTo(ctx, resolve(resp.URL, loc)); err != nil {
			return executor.Directive{}, err
		}
		msg := a.notice()
		if msg == "" {
			msg = "Card declined"
		}
		a.w.Log(logbus.LevelWarn, "payment declined", map[string]any{"notice": msg})
		return c.Fail("Card declined"), nil
	case loc != "":
		return executor.Directive{}, fmt.Errorf("processing: unexpected redirect to %s", loc)
	case err != nil:
		return executor.Directive{}, err
	}
	return c.Retry(1500 * time.Millisecond), nil
}
