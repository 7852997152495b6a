// Package browser gives site adapters a "current page" over the session
// client. It never runs script; the document is whatever the last response
// body parsed to.
package browser

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"

	"checkout_engine/internal/session"
)

var (
	ErrClosed        = errors.New("browser: page closed")
	ErrFormNotFound  = errors.New("browser: form not found")
	ErrMissingAction = errors.New("browser: form has no action")
)

// Doer is satisfied by *session.Client.
type Doer interface {
	Do(ctx context.Context, req session.Request) (*session.Response, error)
}

// Events lets an adapter react to page transitions. DidNavigate is awaited
// and its error is returned from the navigation. WillSubmitForm may return
// replacement values; nil keeps the serialized form.
type Events interface {
	WillNavigate(ctx context.Context, target string)
	DidNavigate(ctx context.Context, previous string) error
	WillSubmitForm(ctx context.Context, pageURL, action string, values url.Values) (url.Values, error)
}

// NopEvents can be embedded to implement only the hooks an adapter needs.
type NopEvents struct{}

func (NopEvents) WillNavigate(context.Context, string)      {}
func (NopEvents) DidNavigate(context.Context, string) error { return nil }
func (NopEvents) WillSubmitForm(context.Context, string, string, url.Values) (url.Values, error) {
	return nil, nil
}

type Page struct {
	client    Doer
	events    Events
	userAgent string

	mu     sync.RWMutex
	url    string
	doc    *goquery.Document
	closed bool
}

func New(client Doer, events Events, userAgent string) *Page {
	if events == nil {
		events = NopEvents{}
	}
	return &Page{
		client:    client,
		events:    events,
		userAgent: userAgent,
		doc:       emptyDocument(),
	}
}

func emptyDocument() *goquery.Document {
	doc, _ := goquery.NewDocumentFromReader(strings.NewReader(""))
	return doc
}

func (p *Page) UserAgent() string { return p.userAgent }

func (p *Page) URL() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.url
}

func (p *Page) Document() *goquery.Document {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.doc
}

// Find queries the current document.
func (p *Page) Find(selector string) *goquery.Selection {
	return p.Document().Find(selector)
}

func (p *Page) HTML() string {
	html, _ := p.Document().Html()
	return html
}

func (p *Page) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}

func (p *Page) Closed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.closed
}

// Load replaces the document with body without a request.
func (p *Page) Load(pageURL string, body []byte) error {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("browser: parse %s: %w", pageURL, err)
	}
	p.mu.Lock()
	p.url = pageURL
	p.doc = doc
	p.mu.Unlock()
	return nil
}

func (p *Page) resolve(raw string) string {
	return resolveRef(p.URL(), raw)
}

// resolveRef resolves raw against base, leaving raw alone when either does
// not parse.
func resolveRef(base, raw string) string {
	if base == "" {
		return raw
	}
	b, err := url.Parse(base)
	if err != nil {
		return raw
	}
	ref, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return b.ResolveReference(ref).String()
}

// redirectTarget is the absolute Location of resp, relative to the URL that
// produced it.
func redirectTarget(resp *session.Response, requested string) string {
	base := resp.URL
	if base == "" {
		base = requested
	}
	return resolveRef(base, resp.Location())
}

func (p *Page) softNavigate(target string) {
	p.mu.Lock()
	p.url = target
	p.doc = emptyDocument()
	p.mu.Unlock()
}

// GoTo loads target. An error or redirect response carrying a Location
// header becomes a soft navigation: the URL moves there and the document is
// emptied.
func (p *Page) GoTo(ctx context.Context, target string) error {
	if p.Closed() {
		return ErrClosed
	}
	target = p.resolve(target)
	p.events.WillNavigate(ctx, target)

	resp, err := p.client.Do(ctx, session.Request{Method: http.MethodGet, URL: target})
	if err != nil {
		if resp != nil && resp.Location() != "" {
			p.softNavigate(redirectTarget(resp, target))
			return nil
		}
		return err
	}
	if isRedirect(resp) {
		p.softNavigate(redirectTarget(resp, target))
		return nil
	}
	return p.arrive(ctx, resp)
}

func (p *Page) arrive(ctx context.Context, resp *session.Response) error {
	previous := p.URL()
	if err := p.Load(resp.URL, resp.Body); err != nil {
		return err
	}
	if p.Closed() {
		return ErrClosed
	}
	return p.events.DidNavigate(ctx, previous)
}

func isRedirect(resp *session.Response) bool {
	return resp.Status >= 300 && resp.Status < 400 && resp.Location() != ""
}

// SubmitForm posts the form matched by selector to its action. The form
// must declare an action.
func (p *Page) SubmitForm(ctx context.Context, selector string) error {
	if p.Closed() {
		return ErrClosed
	}
	form := p.Find(selector).First()
	if form.Length() == 0 {
		return fmt.Errorf("%w: %s", ErrFormNotFound, selector)
	}
	action, ok := form.Attr("action")
	if !ok {
		return fmt.Errorf("%w: %s on %s", ErrMissingAction, selector, p.URL())
	}
	target := p.resolve(action)
	values := Serialize(form)
	replaced, err := p.events.WillSubmitForm(ctx, p.URL(), target, values)
	if err != nil {
		return err
	}
	if replaced != nil {
		values = replaced
	}

	resp, err := p.client.Do(ctx, session.Request{Method: http.MethodPost, URL: target, Form: values})
	if err != nil {
		if resp != nil && resp.Location() != "" {
			return p.GoTo(ctx, redirectTarget(resp, target))
		}
		return err
	}
	if isRedirect(resp) {
		return p.GoTo(ctx, redirectTarget(resp, target))
	}
	return p.arrive(ctx, resp)
}

// FormValues serializes the form matched by selector.
func (p *Page) FormValues(selector string) (url.Values, error) {
	form := p.Find(selector).First()
	if form.Length() == 0 {
		return nil, fmt.Errorf("%w: %s", ErrFormNotFound, selector)
	}
	return Serialize(form), nil
}

// SetField writes value into the named field of the form matched by
// selector.
func (p *Page) SetField(selector, name, value string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	form := p.doc.Find(selector).First()
	if form.Length() == 0 {
		return fmt.Errorf("%w: %s", ErrFormNotFound, selector)
	}
	field := form.Find(fmt.Sprintf("[name=%q]", name))
	if field.Length() == 0 {
		form.AppendHtml(fmt.Sprintf(`<input type="hidden" name="%s">`, escapeAttr(name)))
		field = form.Find(fmt.Sprintf("[name=%q]", name))
	}
	setValue(field, value)
	return nil
}
