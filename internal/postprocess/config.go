package postprocess

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config drives how extracted fields become a file name.
type Config struct {
	Defaults           []DefaultRule     `yaml:"defaults"`
	Template           []TemplateElement `yaml:"template"`
	Rules              Rules             `yaml:"rules"`
	MaxComponentLength int               `yaml:"max_component_length"`
	// Fallbacks used when a component cannot be located.
	UnknownCompany string `yaml:"unknown_company"`
	UnknownTicket  string `yaml:"unknown_ticket"`
}

// Rules lists candidate field names per component, most preferred first.
type Rules struct {
	Company []string `yaml:"company"`
	Ticket  []string `yaml:"ticket"`
	Date    []string `yaml:"date"`
}

func DefaultConfig() Config {
	return Config{
		Template: []TemplateElement{
			{Field: ComponentCompany},
			{Text: "_"},
			{Field: ComponentTicket},
			{Text: "_"},
			{Field: ComponentDate},
		},
		Rules: Rules{
			Company: []string{
				"supplier_name", "vendor_name", "company_name", "merchant_name",
				"company", "vendor", "supplier", "merchant", "business_name", "issuer_name",
			},
			Ticket: []string{
				"invoice_id", "invoice_number", "ticket_number", "ticket_id", "receipt_number",
				"receipt_id", "order_number", "purchase_order", "reference_number", "document_number",
				"ticket", "invoice_no", "number",
			},
			Date: []string{
				"invoice_date", "receipt_date", "transaction_date", "ticket_date", "issue_date",
				"document_date", "purchase_date", "date",
			},
		},
		MaxComponentLength: 50,
		UnknownCompany:     "Unknown",
		UnknownTicket:      "NoTicket",
	}
}

// LoadConfig reads a YAML file. Missing sections keep their defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read post-processing config: %w", err)
	}
	var file Config
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return Config{}, fmt.Errorf("parse post-processing config %s: %w", path, err)
	}
	return merge(cfg, file)
}

func merge(base, file Config) (Config, error) {
	if len(file.Defaults) > 0 {
		base.Defaults = file.Defaults
	}
	if len(file.Template) > 0 {
		base.Template = file.Template
	}
	if len(file.Rules.Company) > 0 {
		base.Rules.Company = file.Rules.Company
	}
	if len(file.Rules.Ticket) > 0 {
		base.Rules.Ticket = file.Rules.Ticket
	}
	if len(file.Rules.Date) > 0 {
		base.Rules.Date = file.Rules.Date
	}
	if file.MaxComponentLength > 0 {
		base.MaxComponentLength = file.MaxComponentLength
	}
	if file.UnknownCompany != "" {
		base.UnknownCompany = file.UnknownCompany
	}
	if file.UnknownTicket != "" {
		base.UnknownTicket = file.UnknownTicket
	}
	for _, d := range base.Defaults {
		if !d.Kind.valid() {
			return Config{}, fmt.Errorf("default for %q: unknown kind %q", d.Field, d.Kind)
		}
	}
	for i, el := range base.Template {
		if (el.Text == "") == (el.Field == "") {
			return Config{}, fmt.Errorf("template element %d: exactly one of text or field is required", i)
		}
		if strings.ContainsAny(el.Text, `/\`) || strings.Contains(el.Text, "..") {
			return Config{}, fmt.Errorf("template element %d: text %q must not contain path separators or \"..\"", i, el.Text)
		}
	}
	return base, nil
}
