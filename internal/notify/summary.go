package notify

import (
	"bytes"
	"errors"
	"fmt"
	"html/template"
	"strings"
	"text/tabwriter"
	"time"

	"checkout_engine/internal/model"
)

const stampLayout = "2006-01-02 15:04:05"

func buildSummarySubject(events []model.CheckoutEvent) string {
	if len(events) == 1 {
		return "Checked out: " + orDefault(events[0].Product, "unknown product")
	}
	return fmt.Sprintf("Checkout summary (%d orders)", len(events))
}

var summaryTpl = template.Must(template.New("summary").Parse(`<!doctype html>
<html lang="en">
<head><meta charset="utf-8"><title>Checkout summary</title></head>
<body style="font-family:Arial,sans-serif;color:#111827;background:#f6f8fb;padding:24px;">
<h2 style="margin:0 0 8px;">{{ len .Rows }} checkout{{ if gt (len .Rows) 1 }}s{{ end }}</h2>
<p style="margin:0 0 16px;color:#6b7280;">{{ .First }} to {{ .Last }}</p>
<table cellpadding="6" style="border-collapse:collapse;background:#fff;border:1px solid #e5e7eb;">
<tr>{{ range .Header }}<th align="left">{{ . }}</th>{{ end }}</tr>
{{ range .Rows }}<tr>{{ range . }}<td>{{ . }}</td>{{ end }}</tr>
{{ end }}</table>
</body>
</html>
`))

var summaryHeader = []string{"Time", "Store", "Product", "Size", "Price", "Order"}

func summaryRow(evt model.CheckoutEvent, at time.Time) []string {
	return []string{
		at.Format(stampLayout),
		evt.Store,
		orDefault(evt.Product, "unknown product"),
		orDefault(evt.Size, "-"),
		formatPrice(evt.Price),
		strings.TrimSpace(evt.OrderNumber),
	}
}

// buildSummaryEmailBody renders the HTML and plain-text parts of one mail.
func buildSummaryEmailBody(events []model.CheckoutEvent) (string, string, error) {
	if len(events) == 0 {
		return "", "", errors.New("no events")
	}
	now := time.Now()
	rows := make([][]string, len(events))
	var first, last time.Time
	for i, evt := range events {
		at := evt.At
		if at.IsZero() {
			at = now
		}
		if first.IsZero() || at.Before(first) {
			first = at
		}
		if at.After(last) {
			last = at
		}
		rows[i] = summaryRow(evt, at)
	}

	var html bytes.Buffer
	err := summaryTpl.Execute(&html, map[string]any{
		"Header": summaryHeader,
		"Rows":   rows,
		"First":  first.Format(stampLayout),
		"Last":   last.Format(stampLayout),
	})
	if err != nil {
		return "", "", err
	}

	var text bytes.Buffer
	fmt.Fprintf(&text, "%d orders between %s and %s\n\n", len(events), first.Format(stampLayout), last.Format(stampLayout))
	tw := tabwriter.NewWriter(&text, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(summaryHeader, "\t"))
	for _, row := range rows {
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	if err := tw.Flush(); err != nil {
		return "", "", err
	}
	return html.String(), text.String(), nil
}

func formatPrice(cents int64) string {
	if cents <= 0 {
		return "-"
	}
	return fmt.Sprintf("%d.%02d", cents/100, cents%100)
}

func orDefault(s, fallback string) string {
	if s = strings.TrimSpace(s); s != "" {
		return s
	}
	return fallback
}
