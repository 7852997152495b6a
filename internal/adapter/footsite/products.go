package footsite

import (
	"context"
	"math"
	"net/url"
	"strings"
	"time"

	"checkout_engine/internal/model"
	"checkout_engine/internal/session"
)

type Getter interface {
	Get(ctx context.Context, rawURL string) (*session.Response, error)
}

type pdp struct {
	Name  string `json:"name"`
	Model struct {
		Number string `json:"number"`
	} `json:"model"`
	SellableUnits []struct {
		Code             string `json:"code"`
		StockLevelStatus string `json:"stockLevelStatus"`
		Attributes       []struct {
			Type  string `json:"type"`
			Value string `json:"value"`
		} `json:"attributes"`
		Price struct {
			Value float64 `json:"value"`
		} `json:"price"`
	} `json:"sellableUnits"`
}

// FetchProduct reads the product detail page for one SKU.
func FetchProduct(ctx context.Context, client Getter, storeURL, sku string) (model.Product, error) {
	base := strings.TrimRight(storeURL, "/")
	resp, err := client.Get(ctx, base+"/api/products/pdp/"+url.PathEscape(sku))
	if err != nil {
		return model.Product{}, err
	}
	var body pdp
	if err := resp.DecodeJSON(&body); err != nil {
		return model.Product{}, err
	}
	p := model.Product{
		ID:        body.Model.Number,
		Title:     body.Name,
		SKU:       sku,
		URL:       base + "/product/~/" + sku + ".html",
		UpdatedAt: time.Now(),
	}
	if p.ID == "" {
		p.ID = sku
	}
	for _, u := range body.SellableUnits {
		v := model.Variant{
			ID:      u.Code,
			InStock: strings.EqualFold(u.StockLevelStatus, "inStock"),
			Price:   int64(math.Round(u.Price.Value * 100)),
		}
		for _, attr := range u.Attributes {
			if attr.Type == "size" {
				v.Size = attr.Value
			}
		}
		p.Variants = append(p.Variants, v)
	}
	return p, nil
}

// Monitor fetches the SKU named by monitor.
func Monitor(ctx context.Context, client *session.Client, storeURL, monitor string) ([]model.Product, error) {
	p, err := FetchProduct(ctx, client, storeURL, monitor)
	if err != nil {
		return nil, err
	}
	return []model.Product{p}, nil
}
