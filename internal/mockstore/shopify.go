// Package mockstore serves fake storefronts for local runs and adapter
// tests: a Shopify-like HTML checkout, a Footsite-like JSON API and a
// JSON waiting room.
package mockstore

import (
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"checkout_engine/internal/model"
)

type ShopifyOptions struct {
	Products []model.Product
	// RequireAccount sends guests to /account/login at checkout.
	RequireAccount bool
	// QueuePolls holds checkout creation behind /throttle/queue for this
	// many polls.
	QueuePolls int
	// Waitroom, when set, redirects checkout creation to this waiting room
	// until the visitor carries its pass cookie.
	Waitroom *Waitroom
	// Captcha puts a reCAPTCHA widget on the contact step.
	Captcha bool
	Decline bool
	// TotalChanges makes the first payment submission report a new total.
	TotalChanges int
}

type shopCheckout struct {
	Token      string
	CartToken  string
	VariantID  string
	Quantity   int
	Email      string
	Address    map[string]string
	Rate       string
	Processing int
	Paid       bool
	Declined   bool
	Order      string
}

type Shopify struct {
	opts ShopifyOptions

	mu        sync.Mutex
	carts     map[string]map[string]int
	checkouts map[string]*shopCheckout
	customers map[string]bool
	queue     map[string]int
	orders    int
	vaulted   map[string]bool
	changes   int
	adds      int
}

const (
	ShopifyRate    = "shopify-Standard-5.00"
	ShopifyGateway = "12345"
)

func NewShopify(opts ShopifyOptions) *Shopify {
	return &Shopify{
		opts:      opts,
		carts:     make(map[string]map[string]int),
		checkouts: make(map[string]*shopCheckout),
		customers: make(map[string]bool),
		queue:     make(map[string]int),
		vaulted:   make(map[string]bool),
		orders:    1000,
		changes:   opts.TotalChanges,
	}
}

// UpdateProducts replaces the catalogue, e.g. to restock mid-run.
func (s *Shopify) UpdateProducts(products []model.Product) {
	s.mu.Lock()
	s.opts.Products = products
	s.mu.Unlock()
}

func (s *Shopify) CartAdds() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.adds
}

type ShopifyOrder struct {
	Number    string
	VariantID string
	Quantity  int
}

// Orders lists placed orders sorted by number.
func (s *Shopify) Orders() []ShopifyOrder {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ShopifyOrder
	for _, co := range s.checkouts {
		if co.Order != "" {
			out = append(out, ShopifyOrder{Number: co.Order, VariantID: co.VariantID, Quantity: co.Quantity})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out
}

func (s *Shopify) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.home)
	mux.HandleFunc("GET /products.json", s.productsJSON)
	mux.HandleFunc("GET /account/login", s.loginPage)
	mux.HandleFunc("POST /account/login", s.login)
	mux.HandleFunc("GET /account", func(w http.ResponseWriter, _ *http.Request) { writeHTML(w, "<h1>Account</h1>") })
	mux.HandleFunc("POST /cart/add.js", s.addToCart)
	mux.HandleFunc("GET /cart.js", s.cartJSON)
	mux.HandleFunc("POST /cart/clear.js", s.clearCart)
	mux.HandleFunc("POST /cart", s.startCheckout)
	mux.HandleFunc("GET /checkout", s.startCheckout)
	mux.HandleFunc("GET /cart/{line}", s.permalink)
	mux.HandleFunc("GET /throttle/queue", s.throttle)
	mux.HandleFunc("GET /checkouts/{token}", s.checkoutPage)
	mux.HandleFunc("POST /checkouts/{token}", s.checkoutSubmit)
	mux.HandleFunc("GET /checkouts/{token}/shipping_rates.json", s.shippingRates)
	mux.HandleFunc("GET /checkouts/{token}/processing", s.processing)
	mux.HandleFunc("GET /checkouts/{token}/thank_you", s.thankYou)
	mux.HandleFunc("POST /sessions", s.vault)
	return mux
}

func (s *Shopify) cartToken(w http.ResponseWriter, r *http.Request) string {
	if c, err := r.Cookie("cart"); err == nil && c.Value != "" {
		return c.Value
	}
	tok := uuid.NewString()
	http.SetCookie(w, &http.Cookie{Name: "cart", Value: tok, Path: "/"})
	return tok
}

func (s *Shopify) home(w http.ResponseWriter, _ *http.Request) {
	http.SetCookie(w, &http.Cookie{Name: "_shopify_y", Value: uuid.NewString(), Path: "/"})
	writeHTML(w, `<html><body><h1>Mock Shop</h1><a href="/products.json">catalogue</a></body></html>`)
}

type shopifyVariantJSON struct {
	ID        json.Number `json:"id"`
	Title     string      `json:"title"`
	Option1   string      `json:"option1"`
	Available bool        `json:"available"`
	Price     string      `json:"price"`
	SKU       string      `json:"sku,omitempty"`
}

type shopifyProductJSON struct {
	ID       json.Number          `json:"id"`
	Title    string               `json:"title"`
	Handle   string               `json:"handle"`
	Variants []shopifyVariantJSON `json:"variants"`
}

func (s *Shopify) productsJSON(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]shopifyProductJSON, 0, len(s.opts.Products))
	for _, p := range s.opts.Products {
		pj := shopifyProductJSON{ID: json.Number(p.ID), Title: p.Title, Handle: p.Handle}
		for _, v := range p.Variants {
			pj.Variants = append(pj.Variants, shopifyVariantJSON{
				ID:        json.Number(v.ID),
				Title:     v.Title,
				Option1:   v.Size,
				Available: v.InStock,
				Price:     fmt.Sprintf("%d.%02d", v.Price/100, v.Price%100),
				SKU:       p.SKU,
			})
		}
		out = append(out, pj)
	}
	writeJSON(w, http.StatusOK, map[string]any{"products": out})
}

func (s *Shopify) variant(id string) (model.Variant, bool) {
	for _, p := range s.opts.Products {
		for _, v := range p.Variants {
			if v.ID == id {
				return v, true
			}
		}
	}
	return model.Variant{}, false
}

var loginTmpl = template.Must(template.New("login").Parse(`<html><body>
<form id="customer_login" action="/account/login" method="post">
<input type="hidden" name="form_type" value="customer_login">
<input type="hidden" name="checkout_url" value="{{.}}">
<input type="email" name="customer[email]">
<input type="password" name="customer[password]">
<button type="submit">Sign in</button>
</form></body></html>`))

func (s *Shopify) loginPage(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_ = loginTmpl.Execute(w, r.URL.Query().Get("checkout_url"))
}

func (s *Shopify) login(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	if r.PostForm.Get("customer[email]") == "" || r.PostForm.Get("customer[password]") == "" {
		http.Redirect(w, r, "/account/login?error=1", http.StatusFound)
		return
	}
	id := uuid.NewString()
	s.mu.Lock()
	s.customers[id] = true
	s.mu.Unlock()
	http.SetCookie(w, &http.Cookie{Name: "customer", Value: id, Path: "/"})
	next := r.PostForm.Get("checkout_url")
	if next == "" {
		next = "/account"
	}
	http.Redirect(w, r, next, http.StatusFound)
}

func (s *Shopify) loggedIn(r *http.Request) bool {
	c, err := r.Cookie("customer")
	if err != nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.customers[c.Value]
}

func (s *Shopify) addToCart(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	id := r.PostForm.Get("id")
	qty, _ := strconv.Atoi(r.PostForm.Get("quantity"))
	if qty <= 0 {
		qty = 1
	}
	tok := s.cartToken(w, r)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.adds++
	v, ok := s.variant(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"status": 404, "message": "Cart Error", "description": "Cannot find variant"})
		return
	}
	if !v.InStock {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"status": 422, "message": "Cart Error", "description": "The product is already sold out."})
		return
	}
	if s.carts[tok] == nil {
		s.carts[tok] = make(map[string]int)
	}
	s.carts[tok][id] += qty
	writeJSON(w, http.StatusOK, map[string]any{"id": json.Number(v.ID), "variant_id": json.Number(v.ID), "quantity": s.carts[tok][id], "title": v.Title})
}

func (s *Shopify) cartJSON(w http.ResponseWriter, r *http.Request) {
	tok := s.cartToken(w, r)
	s.mu.Lock()
	defer s.mu.Unlock()
	items := []map[string]any{}
	count := 0
	for id, q := range s.carts[tok] {
		items = append(items, map[string]any{"variant_id": json.Number(id), "quantity": q})
		count += q
	}
	writeJSON(w, http.StatusOK, map[string]any{"token": tok, "item_count": count, "items": items})
}

func (s *Shopify) clearCart(w http.ResponseWriter, r *http.Request) {
	tok := s.cartToken(w, r)
	s.mu.Lock()
	delete(s.carts, tok)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"token": tok, "item_count": 0, "items": []any{}})
}

// gate applies the account, throttle and waiting-room checks in front of
// checkout creation. It reports whether the request may continue.
func (s *Shopify) gate(w http.ResponseWriter, r *http.Request, tok string) bool {
	if s.opts.RequireAccount && !s.loggedIn(r) {
		http.Redirect(w, r, "/account/login?checkout_url=%2Fcheckout", http.StatusFound)
		return false
	}
	if s.opts.QueuePolls > 0 {
		s.mu.Lock()
		left, seen := s.queue[tok]
		if !seen {
			left = s.opts.QueuePolls
			s.queue[tok] = left
		}
		s.mu.Unlock()
		if left > 0 {
			http.Redirect(w, r, "/throttle/queue", http.StatusFound)
			return false
		}
	}
	if wr := s.opts.Waitroom; wr != nil {
		if !wr.HasPass(r) {
			target := "http://" + r.Host + "/checkout"
			http.Redirect(w, r, wr.EntryURL(target), http.StatusFound)
			return false
		}
		if pass := r.URL.Query().Get("queueittoken"); pass != "" {
			http.SetCookie(w, &http.Cookie{Name: "queue_pass", Value: pass, Path: "/"})
		}
	}
	return true
}

func (s *Shopify) startCheckout(w http.ResponseWriter, r *http.Request) {
	tok := s.cartToken(w, r)
	if !s.gate(w, r, tok) {
		return
	}
	s.mu.Lock()
	items := s.carts[tok]
	var vid string
	qty := 0
	for id, q := range items {
		vid, qty = id, q
		break
	}
	s.mu.Unlock()
	if vid == "" {
		http.Redirect(w, r, "/cart", http.StatusFound)
		return
	}
	s.createCheckout(w, r, tok, vid, qty)
}

func (s *Shopify) permalink(w http.ResponseWriter, r *http.Request) {
	id, q, ok := strings.Cut(r.PathValue("line"), ":")
	qty, _ := strconv.Atoi(q)
	if !ok || qty <= 0 {
		qty = 1
	}
	s.mu.Lock()
	v, found := s.variant(id)
	s.mu.Unlock()
	if !found || !v.InStock {
		http.Redirect(w, r, "/products/sold-out", http.StatusFound)
		return
	}
	tok := s.cartToken(w, r)
	if !s.gate(w, r, tok) {
		return
	}
	s.createCheckout(w, r, tok, id, qty)
}

func (s *Shopify) createCheckout(w http.ResponseWriter, r *http.Request, cartTok, variantID string, qty int) {
	co := &shopCheckout{Token: strings.ReplaceAll(uuid.NewString(), "-", ""), CartToken: cartTok, VariantID: variantID, Quantity: qty}
	s.mu.Lock()
	s.checkouts[co.Token] = co
	s.mu.Unlock()
	http.Redirect(w, r, "/checkouts/"+co.Token, http.StatusFound)
}

func (s *Shopify) throttle(w http.ResponseWriter, r *http.Request) {
	tok := s.cartToken(w, r)
	s.mu.Lock()
	left := s.queue[tok]
	if left > 0 {
		left--
		s.queue[tok] = left
	}
	s.mu.Unlock()
	if left == 0 {
		http.Redirect(w, r, "/checkout", http.StatusFound)
		return
	}
	writeHTML(w, `<html><head><meta http-equiv="refresh" content="1"></head><body><div class="queue">You are in line</div></body></html>`)
}

// checkout looks up the checkout and syncs its line with the cart, the way
// a checkout opened early picks up items added afterwards.
func (s *Shopify) checkout(r *http.Request) (*shopCheckout, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	co, ok := s.checkouts[r.PathValue("token")]
	if ok && !co.Paid {
		for id, q := range s.carts[co.CartToken] {
			co.VariantID, co.Quantity = id, q
			break
		}
	}
	return co, ok
}

type checkoutView struct {
	Token    string
	Step     string
	Captcha  bool
	Error    string
	Rate     string
	Gateway  string
	Total    int64
	Email    string
	Declined bool
}

var checkoutTmpl = template.Must(template.New("checkout").Parse(`<html><body>
{{if .Error}}<div class="notice notice--error"><p class="notice__text">{{.Error}}</p></div>{{end}}
{{if .Declined}}<div class="notice notice--error"><p class="notice__text">Your payment details couldn't be verified. Check your card details and try again.</p></div>{{end}}
{{if eq .Step "contact_information"}}
<form class="edit_checkout" data-step="contact_information" action="/checkouts/{{.Token}}" method="post">
<input type="hidden" name="_method" value="patch">
<input type="hidden" name="authenticity_token" value="tok-{{.Token}}">
<input type="hidden" name="previous_step" value="contact_information">
<input type="hidden" name="step" value="shipping_method">
<input type="email" name="checkout[email]" value="{{.Email}}">
<input type="text" name="checkout[shipping_address][first_name]">
<input type="text" name="checkout[shipping_address][last_name]">
<input type="text" name="checkout[shipping_address][address1]">
<input type="text" name="checkout[shipping_address][address2]">
<input type="text" name="checkout[shipping_address][city]">
<select name="checkout[shipping_address][country]"><option value="United States">United States</option><option value="Canada">Canada</option></select>
<input type="text" name="checkout[shipping_address][province]">
<input type="text" name="checkout[shipping_address][zip]">
<input type="tel" name="checkout[shipping_address][phone]">
{{if .Captcha}}<div class="g-recaptcha" data-sitekey="mock-sitekey"></div>{{end}}
<button type="submit" name="button">Continue to shipping</button>
</form>
{{else if eq .Step "shipping_method"}}
<form class="edit_checkout" data-step="shipping_method" action="/checkouts/{{.Token}}" method="post">
<input type="hidden" name="_method" value="patch">
<input type="hidden" name="authenticity_token" value="tok-{{.Token}}">
<input type="hidden" name="previous_step" value="shipping_method">
<input type="hidden" name="step" value="payment_method">
<input type="radio" name="checkout[shipping_rate][id]" value="{{.Rate}}">
<button type="submit" name="button">Continue to payment</button>
</form>
{{else if eq .Step "payment_method"}}
<form class="edit_checkout" data-step="payment_method" action="/checkouts/{{.Token}}" method="post">
<input type="hidden" name="_method" value="patch">
<input type="hidden" name="authenticity_token" value="tok-{{.Token}}">
<input type="hidden" name="previous_step" value="payment_method">
<input type="hidden" name="step" value="">
<input type="hidden" name="s" value="">
<input type="hidden" name="checkout[payment_gateway]" value="{{.Gateway}}">
<input type="hidden" name="checkout[total_price]" value="{{.Total}}">
<button type="submit" name="button">Pay now</button>
</form>
{{end}}
</body></html>`))

func (s *Shopify) total(co *shopCheckout) int64 {
	v, _ := s.variant(co.VariantID)
	return v.Price*int64(co.Quantity) + 500
}

func (s *Shopify) render(w http.ResponseWriter, co *shopCheckout, step, errMsg string) {
	s.mu.Lock()
	view := checkoutView{
		Token:    co.Token,
		Step:     step,
		Captcha:  s.opts.Captcha,
		Error:    errMsg,
		Rate:     ShopifyRate,
		Gateway:  ShopifyGateway,
		Total:    s.total(co),
		Email:    co.Email,
		Declined: co.Declined,
	}
	s.mu.Unlock()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_ = checkoutTmpl.Execute(w, view)
}

func (s *Shopify) checkoutPage(w http.ResponseWriter, r *http.Request) {
	co, ok := s.checkout(r)
	if !ok {
		http.NotFound(w, r)
		return
	}
	step := r.URL.Query().Get("step")
	if step == "" {
		step = "contact_information"
	}
	s.render(w, co, step, "")
}

func (s *Shopify) checkoutSubmit(w http.ResponseWriter, r *http.Request) {
	co, ok := s.checkout(r)
	if !ok {
		http.NotFound(w, r)
		return
	}
	_ = r.ParseForm()
	f := r.PostForm
	base := "/checkouts/" + co.Token
	switch f.Get("previous_step") {
	case "contact_information":
		if s.opts.Captcha && f.Get("g-recaptcha-response") == "" {
			s.render(w, co, "contact_information", "Please complete the captcha")
			return
		}
		addr := map[string]string{}
		for _, k := range []string{"first_name", "last_name", "address1", "city", "country", "zip"} {
			v := f.Get("checkout[shipping_address][" + k + "]")
			if v == "" {
				s.render(w, co, "contact_information", "Enter a valid "+k)
				return
			}
			addr[k] = v
		}
		if f.Get("checkout[email]") == "" {
			s.render(w, co, "contact_information", "Enter a valid email")
			return
		}
		s.mu.Lock()
		co.Email = f.Get("checkout[email]")
		co.Address = addr
		if rate := f.Get("checkout[shipping_rate][id]"); rate == ShopifyRate {
			co.Rate = rate
		}
		next := "shipping_method"
		if co.Rate != "" {
			next = "payment_method"
		}
		s.mu.Unlock()
		http.Redirect(w, r, base+"?step="+next, http.StatusFound)
	case "shipping_method":
		if f.Get("checkout[shipping_rate][id]") != ShopifyRate {
			s.render(w, co, "shipping_method", "Select a shipping method")
			return
		}
		s.mu.Lock()
		co.Rate = ShopifyRate
		s.mu.Unlock()
		http.Redirect(w, r, base+"?step=payment_method", http.StatusFound)
	case "payment_method":
		s.mu.Lock()
		vaulted := s.vaulted[f.Get("s")]
		total := strconv.FormatInt(s.total(co), 10)
		changed := false
		if s.changes > 0 {
			s.changes--
			changed = true
		}
		ready := co.Rate != "" && co.Address != nil
		s.mu.Unlock()
		switch {
		case !ready:
			http.Redirect(w, r, base, http.StatusFound)
		case !vaulted:
			s.render(w, co, "payment_method", "Your card could not be processed")
		case changed || f.Get("checkout[total_price]") != total:
			s.render(w, co, "payment_method", "The total of your order has changed")
		default:
			s.mu.Lock()
			co.Paid = true
			s.mu.Unlock()
			http.Redirect(w, r, base+"/processing", http.StatusFound)
		}
	default:
		http.Error(w, "unknown step", http.StatusBadRequest)
	}
}

func (s *Shopify) shippingRates(w http.ResponseWriter, r *http.Request) {
	co, ok := s.checkout(r)
	if !ok {
		http.NotFound(w, r)
		return
	}
	s.mu.Lock()
	ready := co.Address != nil
	s.mu.Unlock()
	if !ready {
		writeJSON(w, http.StatusAccepted, map[string]any{})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"shipping_rates": []map[string]any{
		{"id": ShopifyRate, "price": "5.00", "title": "Standard"},
	}})
}

func (s *Shopify) processing(w http.ResponseWriter, r *http.Request) {
	co, ok := s.checkout(r)
	if !ok {
		http.NotFound(w, r)
		return
	}
	base := "/checkouts/" + co.Token
	s.mu.Lock()
	paid := co.Paid
	co.Processing++
	polls := co.Processing
	if paid && polls >= 2 && co.Order == "" && !s.opts.Decline {
		s.orders++
		co.Order = strconv.Itoa(s.orders)
	}
	if paid && polls >= 2 && s.opts.Decline {
		co.Paid = false
		co.Declined = true
	}
	declined := co.Declined
	order := co.Order
	s.mu.Unlock()
	switch {
	case declined:
		http.Redirect(w, r, base+"?step=payment_method&from_processing_page=1", http.StatusFound)
	case order != "":
		http.Redirect(w, r, base+"/thank_you", http.StatusFound)
	case !paid:
		http.Redirect(w, r, base, http.StatusFound)
	default:
		writeHTML(w, `<html><body><div class="section--processing">Your order's being processed</div></body></html>`)
	}
}

func (s *Shopify) thankYou(w http.ResponseWriter, r *http.Request) {
	co, ok := s.checkout(r)
	if !ok {
		http.NotFound(w, r)
		return
	}
	s.mu.Lock()
	order := co.Order
	s.mu.Unlock()
	writeHTML(w, `<html><body><h2 class="os-header__title">Thank you!</h2><span class="os-order-number">Order #`+order+`</span></body></html>`)
}

func (s *Shopify) vault(w http.ResponseWriter, r *http.Request) {
	var body struct {
		CreditCard struct {
			Number string `json:"number"`
			Name   string `json:"name"`
			Month  int    `json:"month"`
			Year   int    `json:"year"`
			CVV    string `json:"verification_value"`
		} `json:"credit_card"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || !luhn(body.CreditCard.Number) {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"errors": "invalid card"})
		return
	}
	id := "east-" + strings.ReplaceAll(uuid.NewString(), "-", "")
	s.mu.Lock()
	s.vaulted[id] = true
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"id": id})
}

func luhn(number string) bool {
	if len(number) < 12 {
		return false
	}
	sum := 0
	double := false
	for i := len(number) - 1; i >= 0; i-- {
		d := int(number[i] - '0')
		if d < 0 || d > 9 {
			return false
		}
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeHTML(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(body))
}
