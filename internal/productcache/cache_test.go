package productcache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"checkout_engine/internal/model"
)

var dunk = model.Product{
	ID:     "7001",
	Title:  "Nike Dunk Low Panda",
	Handle: "nike-dunk-low-panda",
	URL:    "https://kith.example.com/products/nike-dunk-low-panda",
	SKU:    "DD1391-100",
}

func TestMatches(t *testing.T) {
	cases := []struct {
		monitor string
		want    bool
	}{
		{"7001", true},
		{"nike dunk low panda", true},
		{"DD1391-100", true},
		{"https://kith.example.com/products/nike-dunk-low-panda", true},
		{"https://other.example.com/collections/x/products/nike-dunk-low-panda", true},
		{"nike-dunk-low-panda", true},
		{"+dunk,+low", true},
		{"dunk,panda", true},
		{"+DUNK,-kids", true},
		{"+dunk,-panda", false},
		{"+jordan", false},
		{"-kids", false},
		{"", false},
		{"7002", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Matches(dunk, tc.monitor), tc.monitor)
	}
}

func TestFindIsScopedByStore(t *testing.T) {
	c := New()
	c.Update("https://KITH.example.com/", dunk)

	p, ok := c.Find("https://kith.example.com", "+dunk")
	require.True(t, ok)
	assert.Equal(t, "7001", p.ID)

	_, ok = c.Find("https://undefeated.example.com", "+dunk")
	assert.False(t, ok)
}

func TestWaitReturnsCachedOrPushed(t *testing.T) {
	c := New()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	got := make(chan model.Product, 1)
	go func() {
		p, err := c.Wait(ctx, "https://kith.example.com", "+dunk")
		assert.NoError(t, err)
		got <- p
	}()

	require.Eventually(t, func() bool {
		c.mu.RLock()
		defer c.mu.RUnlock()
		return len(c.subs) == 1
	}, time.Second, 5*time.Millisecond)
	c.Update("https://kith.example.com", model.Product{ID: "1", Title: "Socks"})
	c.Update("https://kith.example.com", dunk)

	select {
	case p := <-got:
		assert.Equal(t, "7001", p.ID)
	case <-ctx.Done():
		t.Fatal("wait never resolved")
	}

	p, err := c.Wait(ctx, "https://kith.example.com", "7001")
	require.NoError(t, err)
	assert.Equal(t, dunk.Title, p.Title)
}

func TestWaitHonoursContext(t *testing.T) {
	c := New()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.Wait(ctx, "https://kith.example.com", "+dunk")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestUpdatesAreCopies(t *testing.T) {
	c := New()
	p := model.Product{ID: "1", Title: "Tee", Variants: []model.Variant{{ID: "v1", Size: "M", InStock: true}}}
	c.Update("https://shop.example.com", p)
	p.Variants[0].InStock = false

	got, ok := c.Find("https://shop.example.com", "1")
	require.True(t, ok)
	assert.True(t, got.Variants[0].InStock)
}
