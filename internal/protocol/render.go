package protocol

import (
	"encoding/xml"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Element is a minimal ordered XML tree: attribute and child order is
// exactly as appended, since §6 requires echoing identifying attributes
// and preserving input order in the response.
type Element struct {
	Name     string
	Attrs    []Attr
	Children []*Element
	Text     string
}

// Attr is one XML attribute, kept in an ordered slice rather than a map.
type Attr struct {
	Name  string
	Value string
}

// NewElement builds a leaf or container element with the given attributes.
func NewElement(name string, attrs ...Attr) *Element {
	return &Element{Name: name, Attrs: attrs}
}

func A(name, value string) Attr { return Attr{Name: name, Value: value} }

func (e *Element) Append(child *Element) *Element {
	e.Children = append(e.Children, child)
	return e
}

func (e *Element) WithText(text string) *Element {
	e.Text = text
	return e
}

// Render serializes the tree to canonical XML, escaping attribute values
// and text content.
func Render(root *Element) []byte {
	var b strings.Builder
	renderInto(&b, root)
	return []byte(b.String())
}

func renderInto(b *strings.Builder, e *Element) {
	b.WriteByte('<')
	b.WriteString(e.Name)
	for _, a := range e.Attrs {
		b.WriteByte(' ')
		b.WriteString(a.Name)
		b.WriteString(`="`)
		xml.EscapeText(b2w{b}, []byte(a.Value))
		b.WriteByte('"')
	}
	if len(e.Children) == 0 && e.Text == "" {
		b.WriteString("/>")
		return
	}
	b.WriteByte('>')
	if e.Text != "" {
		xml.EscapeText(b2w{b}, []byte(e.Text))
	}
	for _, c := range e.Children {
		renderInto(b, c)
	}
	b.WriteString("</")
	b.WriteString(e.Name)
	b.WriteByte('>')
}

// b2w adapts a *strings.Builder to io.Writer for xml.EscapeText, which
// requires one.
type b2w struct{ b *strings.Builder }

func (w b2w) Write(p []byte) (int, error) { return w.b.Write(p) }

// formatMoney renders a currency value at fixed 2-decimal precision (§6).
func formatMoney(d decimal.Decimal) string {
	return d.StringFixed(2)
}

// formatQty renders a share/price quantity as a canonical plain decimal
// with no exponent and no forced trailing zeros beyond what the value
// needs.
func formatQty(d decimal.Decimal) string {
	s := d.StringFixed(8)
	if strings.Contains(s, ".") {
		s = strings.TrimRight(s, "0")
		s = strings.TrimRight(s, ".")
	}
	return s
}

func formatInt(n int64) string {
	return strconv.FormatInt(n, 10)
}
