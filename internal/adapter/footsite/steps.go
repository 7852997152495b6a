package footsite

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"checkout_engine/internal/executor"
	"checkout_engine/internal/logbus"
	"checkout_engine/internal/model"
	"checkout_engine/internal/session"
)

type apiErrors struct {
	Errors []struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
	// URL is set on DataDome blocks.
	URL string `json:"url"`
}

func decodeErr(err error) (int, apiErrors) {
	var (
		se  *session.StatusError
		out apiErrors
	)
	if !errors.As(err, &se) {
		return 0, out
	}
	_ = json.Unmarshal(se.Body, &out)
	return se.Status, out
}

func (e apiErrors) code() string {
	if len(e.Errors) == 0 {
		return ""
	}
	return e.Errors[0].Code
}

func (e apiErrors) message(fallback string) string {
	if len(e.Errors) == 0 || e.Errors[0].Message == "" {
		return fallback
	}
	return e.Errors[0].Message
}

func (a *Adapter) session(ctx context.Context, c *executor.Control) (executor.Directive, error) {
	a.w.SetStatus("Getting session", model.SeverityInfo)
	var out struct {
		Data struct {
			CSRFToken string `json:"csrfToken"`
		} `json:"data"`
	}
	resp, err := a.w.Session().Do(ctx, session.Request{
		Method: http.MethodGet,
		URL:    a.url("/api/v3/session"),
		Header: map[string]string{"Accept": "application/json"},
		Query:  map[string]string{"timestamp": strconv.FormatInt(time.Now().UnixMilli(), 10)},
	})
	if err != nil {
		return executor.Directive{}, err
	}
	if err := resp.DecodeJSON(&out); err != nil {
		return executor.Directive{}, err
	}
	if out.Data.CSRFToken == "" {
		return executor.Directive{}, errors.New("footsite: session without csrf token")
	}
	a.mu.Lock()
	a.csrf = out.Data.CSRFToken
	a.mu.Unlock()
	return c.Next(), nil
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
	var out struct {
		GUID string `json:"guid"`
	}
	resp, err := a.w.Session().Do(ctx, session.Request{
		Method: http.MethodPost,
		URL:    a.url("/api/users/carts/current/entries"),
		Header: a.headers(),
		JSON:   map[string]any{"productQuantity": t.OrderQuantity(), "productId": t.Variant.ID},
	})
	if err == nil {
		if err := resp.DecodeJSON(&out); err != nil {
			return executor.Directive{}, err
		}
		a.mu.Lock()
		a.cartID = out.GUID
		a.mu.Unlock()
		a.w.SetStatus("Added to cart", model.SeverityInfo)
		return c.Next(), nil
	}

	status, body := decodeErr(err)
	switch {
	case status == session.StatusWaitingRoom:
		wait := a.w.Deps().RetryDelay
		var se *session.StatusError
		if errors.As(err, &se) {
			if secs, perr := strconv.Atoi(se.Header.Get("Refresh")); perr == nil && secs > 0 {
				wait = time.Duration(secs) * time.Second
			}
		}
		a.w.SetStatus("In queue", model.SeverityWarning)
		a.w.HoldDelay()
		return c.Retry(wait), nil
	case status == http.StatusForbidden && body.URL != "":
		if err := a.solveDataDome(ctx, body.URL); err != nil {
			return executor.Directive{}, err
		}
		return c.Retry(0), nil
	case status == http.StatusForbidden:
		a.w.Log(logbus.LevelWarn, "session rejected", map[string]any{"code": body.code()})
		return c.Jump(StepSession), nil
	case body.code() == "ProductLowStock":
		if v, ok := a.w.SetAnotherVariant(); ok {
			a.w.SetStatus("Sold out, trying size "+v.Size, model.SeverityWarning)
			return c.Retry(a.w.Deps().RetryDelay), nil
		}
		return c.Jump(StepVariant), nil
	case body.code() == "ProductNotFound":
		return c.Jump(StepProduct), nil
	}
	return executor.Directive{}, err
}

// solveDataDome hands the block page to the solver and installs the cookie
// it comes back with.
func (a *Adapter) solveDataDome(ctx context.Context, blockURL string) error {
	a.w.SetStatus("Blocked by DataDome", model.SeverityWarning)
	answer, err := a.w.RequestChallengeResponse(ctx, model.ChallengeRequest{
		URL:         blockURL,
		Family:      model.PuzzleDataDome,
		Cookies:     a.w.Session().Cookies(a.base),
		SiteContext: "footsite:" + a.base,
	})
	if err != nil {
		return err
	}
	cookies := answer.Cookies
	if len(cookies) == 0 && answer.Value() != "" {
		cookies = []model.Cookie{{Name: "datadome", Value: answer.Value(), Path: "/"}}
	}
	a.w.Session().SetCookies(a.base, cookies)
	return nil
}

func (a *Adapter) email(ctx context.Context, c *executor.Control) (executor.Directive, error) {
	a.w.SetStatus("Submitting email", model.SeverityInfo)
	_, err := a.w.Session().Do(ctx, session.Request{
		Method: http.MethodPut,
		URL:    a.url("/api/users/carts/current/email/" + url.PathEscape(a.task.Profile.Email)),
		Header: a.headers(),
	})
	if status, body := decodeErr(err); status == http.StatusBadRequest {
		return c.Fail(body.message("Invalid email")), nil
	}
	if err != nil {
		return executor.Directive{}, err
	}
	return c.Next(), nil
}

func addressJSON(addr model.Address, email string) map[string]any {
	return map[string]any{
		"firstName":    addr.FirstName,
		"lastName":     addr.LastName,
		"line1":        addr.Line1,
		"line2":        addr.Line2,
		"town":         addr.City,
		"region":       map[string]string{"isocodeShort": addr.Province},
		"country":      map[string]string{"isocode": addr.Country},
		"postalCode":   addr.PostalCode,
		"phone":        addr.Phone,
		"email":        email,
		"setAsBilling": false,
	}
}

func (a *Adapter) postAddress(ctx context.Context, path string, body any, c *executor.Control) (executor.Directive, error) {
	_, err := a.w.Session().Do(ctx, session.Request{
		Method: http.MethodPost,
		URL:    a.url(path),
		Header: a.headers(),
		JSON:   body,
	})
	if status, e := decodeErr(err); status == http.StatusBadRequest {
		return c.Fail(e.message("Address rejected")), nil
	}
	if err != nil {
		return executor.Directive{}, err
	}
	return c.Next(), nil
}

func (a *Adapter) shipping(ctx context.Context, c *executor.Control) (executor.Directive, error) {
	a.w.SetStatus("Submitting shipping", model.SeverityInfo)
	p := a.task.Profile
	return a.postAddress(ctx, "/api/users/carts/current/addresses/shipping",
		map[string]any{"shippingAddress": addressJSON(p.Shipping, p.Email)}, c)
}

func (a *Adapter) billing(ctx context.Context, c *executor.Control) (executor.Directive, error) {
	a.w.SetStatus("Submitting billing", model.SeverityInfo)
	p := a.task.Profile
	return a.postAddress(ctx, "/api/users/carts/current/set-billing", addressJSON(p.BillingAddress(), p.Email), c)
}

func (a *Adapter) order(ctx context.Context, c *executor.Control) (executor.Directive, error) {
	a.w.SetStatus("Submitting order", model.SeverityInfo)
	pay := a.task.Profile.Payment
	a.mu.Lock()
	cartID := a.cartID
	a.mu.Unlock()
	var out struct {
		Order struct {
			Code string `json:"code"`
		} `json:"order"`
	}
	resp, err := a.w.Session().Do(ctx, session.Request{
		Method: http.MethodPost,
		URL:    a.url("/api/v2/users/orders"),
		Header: a.headers(),
		JSON: map[string]any{
			"cartId":            cartID,
			"paymentMethod":     "CREDITCARD",
			"cardNumber":        pay.Number,
			"expiryMonth":       strconv.Itoa(pay.ExpMonth),
			"expiryYear":        strconv.Itoa(pay.ExpYear),
			"cvv":               pay.CVV,
			"preferredLanguage": "en",
		},
	})
	status, body := decodeErr(err)
	switch {
	case body.code() == "PaymentDeclined":
		a.w.Log(logbus.LevelWarn, "payment declined", map[string]any{"message": body.message("")})
		return c.Fail("Card declined"), nil
	case body.code() == "CartIncomplete":
		return c.Jump(StepEmail), nil
	case status == http.StatusForbidden:
		return c.Jump(StepSession), nil
	case err != nil:
		return executor.Directive{}, err
	}
	if err := resp.DecodeJSON(&out); err != nil {
		return executor.Directive{}, err
	}
	if out.Order.Code == "" {
		return executor.Directive{}, errors.New("footsite: order without code")
	}
	a.w.Checkout(out.Order.Code)
	return c.Next(), nil
}
