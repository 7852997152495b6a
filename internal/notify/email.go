package notify

import (
	"context"
	"errors"
	"net/mail"
	"strings"
	"sync"
	"time"

	"gopkg.in/gomail.v2"

	"checkout_engine/internal/logbus"
	"checkout_engine/internal/model"
)

// SettingsSource supplies saved mail settings; ok is false when none were
// saved and the configured defaults apply.
type SettingsSource interface {
	GetEmailSettings(ctx context.Context) (model.EmailSettings, bool, error)
}

// Sender delivers one summary mail.
type Sender interface {
	Send(ctx context.Context, settings model.EmailSettings, events []model.CheckoutEvent) error
}

type SenderFunc func(ctx context.Context, settings model.EmailSettings, events []model.CheckoutEvent) error

func (f SenderFunc) Send(ctx context.Context, settings model.EmailSettings, events []model.CheckoutEvent) error {
	return f(ctx, settings, events)
}

type Options struct {
	Settings SettingsSource
	Defaults model.EmailSettings
	// SummaryWindow batches checkouts arriving within it into one mail; zero
	// sends each checkout on its own.
	SummaryWindow time.Duration
	MaxBatch      int
	Sender        Sender
}

// EmailNotifier batches checkout events into summary mails on its own
// goroutine.
type EmailNotifier struct {
	opts Options
	bus  logbus.Publisher

	queue     chan model.CheckoutEvent
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func NewEmailNotifier(opts Options, bus logbus.Publisher) *EmailNotifier {
	if bus == nil {
		bus = logbus.Discard{}
	}
	if opts.MaxBatch <= 0 {
		opts.MaxBatch = 80
	}
	if opts.Sender == nil {
		opts.Sender = SenderFunc(SendSummaryEmail)
	}
	n := &EmailNotifier{
		opts:  opts,
		bus:   bus,
		queue: make(chan model.CheckoutEvent, 200),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go n.loop()
	return n
}

// Close flushes pending checkouts and stops the batching loop.
func (n *EmailNotifier) Close(ctx context.Context) error {
	n.closeOnce.Do(func() { close(n.quit) })
	select {
	case <-n.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *EmailNotifier) NotifyCheckout(_ context.Context, evt model.CheckoutEvent) {
	select {
	case n.queue <- evt:
	default:
		n.bus.Log(logbus.LevelWarn, "checkout mail dropped, queue full", map[string]any{
			"taskId":      evt.TaskID,
			"orderNumber": evt.OrderNumber,
		})
	}
}

// batch accumulates events until the window elapses or MaxBatch is hit.
type batch struct {
	events []model.CheckoutEvent
	timer  *time.Timer
}

func (b *batch) expired() <-chan time.Time {
	if b.timer == nil {
		return nil
	}
	return b.timer.C
}

func (b *batch) arm(window time.Duration) {
	if b.timer == nil {
		b.timer = time.NewTimer(window)
		return
	}
	b.timer.Reset(window)
}

func (b *batch) take() []model.CheckoutEvent {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	out := b.events
	b.events = nil
	return out
}

func (n *EmailNotifier) loop() {
	defer close(n.done)

	var b batch
	send := func(reason string) {
		if events := b.take(); len(events) > 0 {
			n.handleBatch(reason, events)
		}
	}
	for {
		select {
		case <-n.quit:
			for len(n.queue) > 0 {
				b.events = append(b.events, <-n.queue)
			}
			send("shutdown")
			return
		case evt := <-n.queue:
			b.events = append(b.events, evt)
			switch {
			case len(b.events) >= n.opts.MaxBatch:
				send("max")
			case n.opts.SummaryWindow <= 0:
				send("immediate")
			default:
				b.arm(n.opts.SummaryWindow)
			}
		case <-b.expired():
			send("idle")
		}
	}
}

func (n *EmailNotifier) settings() (model.EmailSettings, error) {
	if n.opts.Settings == nil {
		return n.opts.Defaults, nil
	}
	// Runs during the final flush too, after quit is closed.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	saved, ok, err := n.opts.Settings.GetEmailSettings(ctx)
	switch {
	case err != nil:
		return model.EmailSettings{}, err
	case ok:
		return saved, nil
	default:
		return n.opts.Defaults, nil
	}
}

func (n *EmailNotifier) handleBatch(reason string, events []model.CheckoutEvent) {
	fields := map[string]any{"count": len(events), "reason": reason}
	settings, err := n.settings()
	if err != nil {
		fields["error"] = err.Error()
		n.bus.Log(logbus.LevelWarn, "read mail settings failed", fields)
		return
	}
	if !settings.Enabled {
		n.bus.Log(logbus.LevelDebug, "checkout mail disabled", fields)
		return
	}
	if err := validateEmailSettings(settings); err != nil {
		fields["error"] = err.Error()
		n.bus.Log(logbus.LevelWarn, "invalid mail settings", fields)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := n.opts.Sender.Send(ctx, settings, events); err != nil {
		fields["error"] = err.Error()
		n.bus.Log(logbus.LevelWarn, "checkout mail failed", fields)
		return
	}
	fields["to"] = settings.To
	n.bus.Log(logbus.LevelInfo, "checkout mail sent", fields)
}

func validateEmailSettings(s model.EmailSettings) error {
	to := strings.TrimSpace(s.To)
	if to == "" {
		return errors.New("recipient is required")
	}
	if _, err := mail.ParseAddress(to); err != nil {
		return errors.New("invalid recipient")
	}
	if strings.TrimSpace(s.Host) == "" {
		return errors.New("smtp host is required")
	}
	if s.Port <= 0 {
		return errors.New("smtp port is required")
	}
	return nil
}

// SendSummaryEmail delivers events as one mail over SMTP.
func SendSummaryEmail(ctx context.Context, settings model.EmailSettings, events []model.CheckoutEvent) error {
	if err := validateEmailSettings(settings); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(events) == 0 {
		return errors.New("no events")
	}

	htmlBody, textBody, err := buildSummaryEmailBody(events)
	if err != nil {
		return err
	}

	to := strings.TrimSpace(settings.To)
	from := strings.TrimSpace(settings.From)
	if from == "" {
		from = to
	}
	msg := gomail.NewMessage()
	msg.SetHeader("From", msg.FormatAddress(from, "Checkout Engine"))
	msg.SetHeader("To", to)
	msg.SetHeader("Subject", buildSummarySubject(events))
	msg.SetBody("text/plain", textBody)
	msg.AddAlternative("text/html", htmlBody)

	d := gomail.NewDialer(strings.TrimSpace(settings.Host), settings.Port, strings.TrimSpace(settings.Username), settings.Password)
	d.SSL = settings.Port == 465
	return d.DialAndSend(msg)
}
