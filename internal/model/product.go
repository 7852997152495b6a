package model

import "time"

type Variant struct {
	ID      string `json:"id"`
	Title   string `json:"title,omitempty"`
	Size    string `json:"size"`
	InStock bool   `json:"inStock"`
	Price   int64  `json:"price,omitempty"`
}

type Product struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Handle    string    `json:"handle,omitempty"`
	URL       string    `json:"url,omitempty"`
	SKU       string    `json:"sku,omitempty"`
	Variants  []Variant `json:"variants"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (p Product) Clone() Product {
	out := p
	out.Variants = append([]Variant(nil), p.Variants...)
	return out
}

func (p Product) InStock() bool {
	for _, v := range p.Variants {
		if v.InStock {
			return true
		}
	}
	return false
}
