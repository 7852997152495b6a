package browser

import (
	"html"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var skippedInputTypes = map[string]bool{
	"submit": true,
	"button": true,
	"reset":  true,
	"file":   true,
	"image":  true,
}

// Serialize returns the values a browser would submit for form.
func Serialize(form *goquery.Selection) url.Values {
	values := url.Values{}
	form.Find("input, select, textarea").Each(func(_ int, field *goquery.Selection) {
		name, ok := field.Attr("name")
		if !ok || name == "" {
			return
		}
		if _, disabled := field.Attr("disabled"); disabled {
			return
		}
		switch goquery.NodeName(field) {
		case "input":
			typ := strings.ToLower(field.AttrOr("type", "text"))
			if skippedInputTypes[typ] {
				return
			}
			if typ == "checkbox" || typ == "radio" {
				if _, checked := field.Attr("checked"); !checked {
					return
				}
				values.Add(name, field.AttrOr("value", "on"))
				return
			}
			values.Add(name, field.AttrOr("value", ""))
		case "select":
			_, multiple := field.Attr("multiple")
			selected := field.Find("option[selected]")
			if selected.Length() == 0 && !multiple {
				selected = field.Find("option").First()
			}
			selected.Each(func(_ int, opt *goquery.Selection) {
				values.Add(name, optionValue(opt))
			})
		case "textarea":
			values.Add(name, field.Text())
		}
	})
	return values
}

func optionValue(opt *goquery.Selection) string {
	if v, ok := opt.Attr("value"); ok {
		return v
	}
	return strings.TrimSpace(opt.Text())
}

func setValue(field *goquery.Selection, value string) {
	switch goquery.NodeName(field) {
	case "select":
		field.Find("option").Each(func(_ int, opt *goquery.Selection) {
			if optionValue(opt) == value {
				opt.SetAttr("selected", "selected")
			} else {
				opt.RemoveAttr("selected")
			}
		})
	case "textarea":
		field.SetText(value)
	default:
		typ := strings.ToLower(field.AttrOr("type", "text"))
		if typ == "checkbox" || typ == "radio" {
			field.Each(func(_ int, f *goquery.Selection) {
				if f.AttrOr("value", "on") == value {
					f.SetAttr("checked", "checked")
				} else if typ == "radio" {
					f.RemoveAttr("checked")
				}
			})
			return
		}
		field.SetAttr("value", value)
	}
}

func escapeAttr(s string) string {
	return html.EscapeString(s)
}
