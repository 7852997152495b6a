package shopify

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"checkout_engine/internal/model"
	"checkout_engine/internal/productcache"
	"checkout_engine/internal/session"
)

// Getter is the part of *session.Client the catalogue fetch needs.
type Getter interface {
	Get(ctx context.Context, rawURL string) (*session.Response, error)
}

type catalogue struct {
	Products []struct {
		ID       json.Number `json:"id"`
		Title    string      `json:"title"`
		Handle   string      `json:"handle"`
		Variants []struct {
			ID        json.Number `json:"id"`
			Title     string      `json:"title"`
			Option1   string      `json:"option1"`
			Available bool        `json:"available"`
			Price     string      `json:"price"`
			SKU       string      `json:"sku"`
		} `json:"variants"`
	} `json:"products"`
}

// FetchProducts reads the public /products.json catalogue of a store.
func FetchProducts(ctx context.Context, client Getter, storeURL string) ([]model.Product, error) {
	base := strings.TrimRight(storeURL, "/")
	resp, err := client.Get(ctx, base+"/products.json?limit=250")
	if err != nil {
		return nil, err
	}
	var body catalogue
	if err := resp.DecodeJSON(&body); err != nil {
		return nil, err
	}
	now := time.Now()
	out := make([]model.Product, 0, len(body.Products))
	for _, p := range body.Products {
		prod := model.Product{
			ID:        p.ID.String(),
			Title:     p.Title,
			Handle:    p.Handle,
			URL:       base + "/products/" + p.Handle,
			UpdatedAt: now,
		}
		for _, v := range p.Variants {
			if prod.SKU == "" {
				prod.SKU = v.SKU
			}
			price, err := parsePrice(v.Price)
			if err != nil {
				return nil, fmt.Errorf("product %s: %w", p.Handle, err)
			}
			prod.Variants = append(prod.Variants, model.Variant{
				ID:      v.ID.String(),
				Title:   v.Title,
				Size:    v.Option1,
				InStock: v.Available,
				Price:   price,
			})
		}
		out = append(out, prod)
	}
	return out, nil
}

// parsePrice turns "120.00" into cents.
func parsePrice(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	whole, frac, _ := strings.Cut(s, ".")
	w, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("price %q: %w", s, err)
	}
	frac = (frac + "00")[:2]
	f, err := strconv.ParseInt(frac, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("price %q: %w", s, err)
	}
	return w*100 + f, nil
}

func firstInStock(products []model.Product, monitor string) (model.Variant, bool) {
	for _, p := range products {
		if !productcache.Matches(p, monitor) {
			continue
		}
		for _, v := range p.Variants {
			if v.InStock {
				return v, true
			}
		}
	}
	return model.Variant{}, false
}

// Monitor returns the catalogue entries matching monitor.
func Monitor(ctx context.Context, client *session.Client, storeURL, monitor string) ([]model.Product, error) {
	products, err := FetchProducts(ctx, client, storeURL)
	if err != nil {
		return nil, err
	}
	out := products[:0]
	for _, p := range products {
		if productcache.Matches(p, monitor) {
			out = append(out, p)
		}
	}
	return out, nil
}
