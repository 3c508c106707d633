package postprocess

import (
	"strings"
	"time"
)

// TemplateElement is either literal text or a reference to a field. Field
// may name a component (company, ticket, date) or any extracted field.
type TemplateElement struct {
	Text      string     `yaml:"text,omitempty"`
	Field     string     `yaml:"field,omitempty"`
	Transform *Transform `yaml:"transform,omitempty"`
}

// Transform adjusts a referenced value before it is sanitized.
type Transform struct {
	Case       string `yaml:"case,omitempty"` // upper, lower or title
	DateFormat string `yaml:"date_format,omitempty"`
	MaxLength  int    `yaml:"max_length,omitempty"`
	Find       string `yaml:"find,omitempty"`
	Replace    string `yaml:"replace,omitempty"`
}

// Components are the resolved values a template renders from.
type Components struct {
	Company string
	Ticket  string
	// Date is already in CanonicalDateLayout.
	Date   string
	Fields map[string]string
}

var dateTokens = strings.NewReplacer(
	"YYYY", "2006",
	"YY", "06",
	"MMMM", "January",
	"MMM", "Jan",
	"MM", "01",
	"DD", "02",
)

// literalPath neutralizes literal text that could leave the renamed directory.
var literalPath = strings.NewReplacer("/", "_", "\\", "_", "..", "_")

// Render builds a file name stem from the template. Field values are
// transformed then sanitized; literal text is kept as written apart from
// path separators and "..".
func Render(template []TemplateElement, c Components, maxLen int) string {
	var b strings.Builder
	for _, el := range template {
		if el.Field == "" {
			b.WriteString(literalPath.Replace(el.Text))
			continue
		}
		value := c.lookup(el.Field)
		if el.Transform != nil {
			value = el.Transform.apply(value)
		}
		b.WriteString(Sanitize(value, maxLen))
	}
	return b.String()
}

func (c Components) lookup(field string) string {
	switch field {
	case ComponentCompany:
		return c.Company
	case ComponentTicket:
		return c.Ticket
	case ComponentDate:
		return c.Date
	}
	if v, ok := c.Fields[field]; ok {
		return v
	}
	for name, v := range c.Fields {
		if canonicalName(name) == canonicalName(field) {
			return v
		}
	}
	return ""
}

func (t Transform) apply(value string) string {
	if t.DateFormat != "" {
		if d, ok := ParseDate(value); ok {
			value = formatDate(d, t.DateFormat)
		}
	}
	if t.Find != "" {
		value = strings.ReplaceAll(value, t.Find, t.Replace)
	}
	switch strings.ToLower(t.Case) {
	case "upper":
		value = strings.ToUpper(value)
	case "lower":
		value = strings.ToLower(value)
	case "title":
		value = titleCase(value)
	}
	if t.MaxLength > 0 {
		if r := []rune(value); len(r) > t.MaxLength {
			value = string(r[:t.MaxLength])
		}
	}
	return value
}

// formatDate accepts either YYYY/MM/DD style tokens or a Go layout.
func formatDate(d time.Time, format string) string {
	return d.Format(dateTokens.Replace(format))
}

func titleCase(s string) string {
	words := strings.Fields(strings.ToLower(s))
	for i, w := range words {
		r := []rune(w)
		r[0] = []rune(strings.ToUpper(string(r[0])))[0]
		words[i] = string(r)
	}
	return strings.Join(words, " ")
}
