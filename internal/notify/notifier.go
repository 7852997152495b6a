package notify

import (
	"context"

	"checkout_engine/internal/logbus"
	"checkout_engine/internal/model"
)

type Notifier interface {
	NotifyCheckout(ctx context.Context, evt model.CheckoutEvent)
}

// Watch forwards checkout events published on bus to n until ctx ends or
// the bus closes.
func Watch(ctx context.Context, bus *logbus.Bus, n Notifier) {
	ch, cancel := bus.Subscribe(256, logbus.TypeCheckout)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if evt, ok := msg.Data.(model.CheckoutEvent); ok {
				n.NotifyCheckout(ctx, evt)
			}
		}
	}
}
