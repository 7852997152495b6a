// Command mock serves local storefronts for manual end-to-end runs against
// the engine: a Shopify-shaped shop, a Footsite-shaped shop and an optional
// waiting room in front of the Shopify checkout.
package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"
	"time"

	"checkout_engine/internal/mockstore"
	"checkout_engine/internal/model"
)

func main() {
	shopAddr := flag.String("shop", ":8081", "Shopify-shaped shop listen address")
	footAddr := flag.String("footsite", ":8082", "Footsite-shaped shop listen address")
	queueAddr := flag.String("queue", "", "waiting room listen address; empty disables it")
	captcha := flag.Bool("captcha", false, "put a captcha on the Shopify contact step")
	account := flag.Bool("account", false, "require a customer account for Shopify checkout")
	throttle := flag.Int("throttle", 0, "Footsite: answer this many cart attempts with 529")
	blocks := flag.Int("blocks", 0, "Footsite: answer this many cart attempts with a DataDome block")
	decline := flag.Bool("decline", false, "decline every card")
	flag.Parse()

	var room *mockstore.Waitroom
	if *queueAddr != "" {
		room = mockstore.NewWaitroom(mockstore.WaitroomOptions{Polls: 3})
		room.SetBase("http://" + hostFor(*queueAddr))
		go serve("waitroom", *queueAddr, room.Handler())
	}

	shop := mockstore.NewShopify(mockstore.ShopifyOptions{
		Products:       []model.Product{sampleProduct("7001", "Dunk Low Panda", "dunk-low-panda", 11000)},
		RequireAccount: *account,
		Captcha:        *captcha,
		Decline:        *decline,
		Waitroom:       room,
	})
	go serve("shopify", *shopAddr, shop.Handler())

	foot := mockstore.NewFootsite(mockstore.FootsiteOptions{
		Products:       []model.Product{sampleProduct("314192", "Air Max 90", "CN8490", 13000)},
		Throttle:       *throttle,
		RefreshSeconds: 2,
		Blocks:         *blocks,
		Decline:        *decline,
	})
	serve("footsite", *footAddr, foot.Handler())
}

func serve(name, addr string, h http.Handler) {
	log.Printf("mock %s listening on %s", name, addr)
	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 10 * time.Second}
	if err := srv.ListenAndServe(); err != nil {
		log.Fatalf("mock %s: %v", name, err)
	}
}

func hostFor(addr string) string {
	if len(addr) > 0 && addr[0] == ':' {
		return "127.0.0.1" + addr
	}
	return addr
}

func sampleProduct(id, title, handle string, price int64) model.Product {
	p := model.Product{ID: id, Title: title, Handle: handle, SKU: handle}
	for i, size := range []string{"8", "9", "9.5", "10", "10.5", "11", "12"} {
		p.Variants = append(p.Variants, model.Variant{
			ID:      fmt.Sprintf("%s%02d", id, i+1),
			Title:   size,
			Size:    size,
			Price:   price,
			InStock: i != 2,
		})
	}
	return p
}
