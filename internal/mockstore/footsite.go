package mockstore

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"checkout_engine/internal/model"
	"checkout_engine/internal/session"
)

type FootsiteOptions struct {
	Products []model.Product
	// Throttle answers this many cart attempts with 529 and a refresh hint.
	Throttle int
	// RefreshSeconds is the hint sent with each 529.
	RefreshSeconds int
	// Blocks answers this many cart attempts with a DataDome 403 until the
	// visitor presents a datadome cookie.
	Blocks  int
	Decline bool
}

// UnserviceablePostalCode is rejected by the address endpoints.
const UnserviceablePostalCode = "00000"

type footCart struct {
	entries  map[string]int
	email    string
	shipping map[string]any
	billing  map[string]any
}

type Footsite struct {
	opts FootsiteOptions

	mu       sync.Mutex
	sessions map[string]string
	carts    map[string]*footCart
	throttle int
	blocks   int
	orders   int
}

func NewFootsite(opts FootsiteOptions) *Footsite {
	if opts.RefreshSeconds <= 0 {
		opts.RefreshSeconds = 1
	}
	return &Footsite{
		opts:     opts,
		sessions: make(map[string]string),
		carts:    make(map[string]*footCart),
		throttle: opts.Throttle,
		blocks:   opts.Blocks,
		orders:   5000,
	}
}

func (f *Footsite) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v3/session", f.session)
	mux.HandleFunc("GET /api/products/pdp/{sku}", f.product)
	mux.HandleFunc("POST /api/users/carts/current/entries", f.addToCart)
	mux.HandleFunc("PUT /api/users/carts/current/email/{email}", f.setEmail)
	mux.HandleFunc("POST /api/users/carts/current/addresses/shipping", f.setShipping)
	mux.HandleFunc("POST /api/users/carts/current/set-billing", f.setBilling)
	mux.HandleFunc("POST /api/v2/users/orders", f.placeOrder)
	return mux
}

func (f *Footsite) session(w http.ResponseWriter, _ *http.Request) {
	id := uuid.NewString()
	csrf := uuid.NewString()
	f.mu.Lock()
	f.sessions[id] = csrf
	f.carts[id] = &footCart{entries: make(map[string]int)}
	f.mu.Unlock()
	http.SetCookie(w, &http.Cookie{Name: "JSESSIONID", Value: id, Path: "/"})
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": map[string]any{"csrfToken": csrf}})
}

// cart authenticates the request by session cookie and csrf header.
func (f *Footsite) cart(w http.ResponseWriter, r *http.Request) (*footCart, bool) {
	c, err := r.Cookie("JSESSIONID")
	if err != nil {
		writeJSON(w, http.StatusForbidden, map[string]any{"errors": []map[string]string{{"code": "NoSession"}}})
		return nil, false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	csrf, ok := f.sessions[c.Value]
	if !ok || r.Header.Get("X-Csrf-Token") != csrf {
		writeJSON(w, http.StatusForbidden, map[string]any{"errors": []map[string]string{{"code": "InvalidCsrf"}}})
		return nil, false
	}
	return f.carts[c.Value], true
}

func (f *Footsite) product(w http.ResponseWriter, r *http.Request) {
	sku := r.PathValue("sku")
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.opts.Products {
		if p.SKU != sku && p.ID != sku {
			continue
		}
		units := make([]map[string]any, 0, len(p.Variants))
		for _, v := range p.Variants {
			stock := "outOfStock"
			if v.InStock {
				stock = "inStock"
			}
			units = append(units, map[string]any{
				"code":             v.ID,
				"stockLevelStatus": stock,
				"attributes":       []map[string]string{{"type": "size", "value": v.Size}},
				"price":            map[string]any{"value": float64(v.Price) / 100},
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{"name": p.Title, "model": map[string]any{"number": p.ID}, "sellableUnits": units})
		return
	}
	writeJSON(w, http.StatusNotFound, map[string]any{"errors": []map[string]string{{"code": "ProductNotFound"}}})
}

func (f *Footsite) unit(code string) (model.Variant, bool) {
	for _, p := range f.opts.Products {
		for _, v := range p.Variants {
			if v.ID == code {
				return v, true
			}
		}
	}
	return model.Variant{}, false
}

func (f *Footsite) addToCart(w http.ResponseWriter, r *http.Request) {
	cart, ok := f.cart(w, r)
	if !ok {
		return
	}
	f.mu.Lock()
	if f.blocks > 0 {
		if _, err := r.Cookie("datadome"); err != nil {
			f.blocks--
			f.mu.Unlock()
			writeJSON(w, http.StatusForbidden, map[string]any{
				"url": "https://geo.captcha-delivery.com/captcha/?initialCid=mock&cid=" + uuid.NewString() + "&referer=" + r.Host,
			})
			return
		}
	}
	if f.throttle > 0 {
		f.throttle--
		f.mu.Unlock()
		w.Header().Set("Refresh", strconv.Itoa(f.opts.RefreshSeconds))
		writeJSON(w, session.StatusWaitingRoom, map[string]any{"errors": []map[string]string{{"code": "WaitingRoom"}}})
		return
	}
	f.mu.Unlock()

	var body struct {
		ProductQuantity int    `json:"productQuantity"`
		ProductID       string `json:"productId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"errors": []map[string]string{{"code": "BadRequest"}}})
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	v, found := f.unit(body.ProductID)
	switch {
	case !found:
		writeJSON(w, http.StatusBadRequest, map[string]any{"errors": []map[string]string{{"code": "ProductNotFound"}}})
	case !v.InStock:
		writeJSON(w, http.StatusBadRequest, map[string]any{"errors": []map[string]string{{"code": "ProductLowStock", "message": "Out of stock"}}})
	default:
		cart.entries[v.ID] += max(body.ProductQuantity, 1)
		writeJSON(w, http.StatusOK, map[string]any{"guid": uuid.NewString(), "totalUnitCount": cart.entries[v.ID]})
	}
}

func (f *Footsite) setEmail(w http.ResponseWriter, r *http.Request) {
	cart, ok := f.cart(w, r)
	if !ok {
		return
	}
	email := r.PathValue("email")
	if !strings.Contains(email, "@") {
		writeJSON(w, http.StatusBadRequest, map[string]any{"errors": []map[string]string{{"code": "InvalidEmail"}}})
		return
	}
	f.mu.Lock()
	cart.email = email
	f.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"email": email})
}

func (f *Footsite) setShipping(w http.ResponseWriter, r *http.Request) {
	f.setAddress(w, r, func(c *footCart, a map[string]any) { c.shipping = a }, "shippingAddress")
}

func (f *Footsite) setBilling(w http.ResponseWriter, r *http.Request) {
	f.setAddress(w, r, func(c *footCart, a map[string]any) { c.billing = a }, "")
}

func (f *Footsite) setAddress(w http.ResponseWriter, r *http.Request, set func(*footCart, map[string]any), key string) {
	cart, ok := f.cart(w, r)
	if !ok {
		return
	}
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"errors": []map[string]string{{"code": "BadRequest"}}})
		return
	}
	addr := body
	if key != "" {
		addr, _ = body[key].(map[string]any)
	}
	if addr == nil || addr["postalCode"] == "" || addr["postalCode"] == nil || addr["postalCode"] == UnserviceablePostalCode {
		writeJSON(w, http.StatusBadRequest, map[string]any{"errors": []map[string]string{{"code": "InvalidAddress", "message": "Address not serviceable"}}})
		return
	}
	f.mu.Lock()
	set(cart, addr)
	f.mu.Unlock()
	writeJSON(w, http.StatusCreated, addr)
}

func (f *Footsite) placeOrder(w http.ResponseWriter, r *http.Request) {
	cart, ok := f.cart(w, r)
	if !ok {
		return
	}
	var body struct {
		CartID        string `json:"cartId"`
		PaymentMethod string `json:"paymentMethod"`
		CardNumber    string `json:"cardNumber"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(cart.entries) == 0 || cart.email == "" || cart.shipping == nil || cart.billing == nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"errors": []map[string]string{{"code": "CartIncomplete"}}})
		return
	}
	if f.opts.Decline || !luhn(body.CardNumber) {
		writeJSON(w, http.StatusBadRequest, map[string]any{"errors": []map[string]string{{"code": "PaymentDeclined", "message": "Payment declined"}}})
		return
	}
	f.orders++
	cart.entries = make(map[string]int)
	writeJSON(w, http.StatusOK, map[string]any{"order": map[string]any{"code": "FL" + strconv.Itoa(f.orders)}})
}
