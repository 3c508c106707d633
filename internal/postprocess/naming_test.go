package postprocess

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestSanitize(t *testing.T) {
	tests := []struct {
		in   string
		max  int
		want string
	}{
		{"ACME Corp.", 50, "ACME_Corp"},
		{"  a -- b  ", 50, "a_b"},
		{"Müller & Söhne GmbH", 50, "M_ller_S_hne_GmbH"},
		{"INV/2025/0042", 50, "INV_2025_0042"},
		{"__--__", 50, ""},
		{"abcdefghij", 5, "abcde"},
		{"abcd efgh", 5, "abcd"},
	}
	for _, tt := range tests {
		if got := Sanitize(tt.in, tt.max); got != tt.want {
			t.Errorf("Sanitize(%q, %d): expected %q, got %q", tt.in, tt.max, tt.want, got)
		}
	}
}

func TestLocateUsesSynonymOrder(t *testing.T) {
	fields := map[string]string{
		"Vendor Name":    "Globex",
		"supplier_name":  "ACME",
		"invoice_id":     "",
		"Invoice-Number": "INV-7",
		"due_date":       "2025-07-01",
	}
	loc := Locate(fields, DefaultConfig().Rules)
	if loc.Company != "ACME" || loc.CompanyField != "supplier_name" {
		t.Fatalf("expected supplier_name to win, got %+v", loc)
	}
	if loc.Ticket != "INV-7" {
		t.Fatalf("expected blank invoice_id to be skipped, got %+v", loc)
	}
	if loc.DateField != "due_date" {
		t.Fatalf("expected fallback to a field containing date, got %+v", loc)
	}
}

func TestApplyDefaults(t *testing.T) {
	now := time.Date(2025, 6, 5, 9, 0, 0, 0, time.UTC)
	rules := []DefaultRule{
		{Field: "company", Kind: DefaultOrganization},
		{Field: "ticket", Kind: DefaultFixed, Value: "N/A"},
		{Field: "date", Kind: DefaultCurrentDate},
		{Field: "owner", Kind: DefaultPrincipal},
		{Field: "note", Kind: DefaultFormula, Value: "{owner}-{today}-{ticket}"},
		{Field: "present", Kind: DefaultFixed, Value: "overwritten"},
	}
	got := ApplyDefaults(map[string]string{"present": "kept", "ticket": "  "}, rules, Context{
		Now: now, Principal: "alice", Organization: "Initech",
	})

	want := map[string]string{
		"company": "Initech",
		"ticket":  "N/A",
		"date":    "2025-06-05",
		"owner":   "alice",
		"note":    "alice-2025-06-05-N/A",
		"present": "kept",
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("field %s: expected %q, got %q", k, v, got[k])
		}
	}
}

func TestRenderWithTransforms(t *testing.T) {
	template := []TemplateElement{
		{Field: ComponentDate, Transform: &Transform{DateFormat: "YYYYMMDD"}},
		{Text: "-"},
		{Field: ComponentCompany, Transform: &Transform{Case: "upper", MaxLength: 4}},
		{Text: "-"},
		{Field: "total_amount", Transform: &Transform{Find: ".", Replace: "p"}},
	}
	got := Render(template, Components{
		Company: "acme corp",
		Ticket:  "T1",
		Date:    "2025-06-05",
		Fields:  map[string]string{"Total Amount": "12.50"},
	}, 50)
	if got != "20250605-ACME-12p50" {
		t.Fatalf("expected 20250605-ACME-12p50, got %s", got)
	}
}

func TestEngineNameFallbacks(t *testing.T) {
	e := NewEngine(nil, nil, DefaultConfig(), nil, "")
	e.now = func() time.Time { return time.Date(2031, 2, 3, 0, 0, 0, 0, time.UTC) }

	n := e.Name(map[string]string{"total": "5"}, "bob")
	if n.Stem != "Unknown_NoTicket_2031-02-03" {
		t.Fatalf("expected fallback name, got %s", n.Stem)
	}
	n = e.Name(map[string]string{
		"supplier_name":  "ACME Corp.",
		"invoice_number": "INV 42",
		"invoice_date":   "6525",
	}, "bob")
	if n.Stem != "ACME_Corp_INV_42_2025-06-05" {
		t.Fatalf("unexpected name %s", n.Stem)
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "postprocess.yaml")
	yaml := `
defaults:
  - field: company
    kind: fixed
    value: Walk-in
template:
  - field: date
    transform:
      date_format: DD.MM.YYYY
  - text: " "
  - field: company
rules:
  company: [store_name]
max_component_length: 20
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if len(cfg.Template) != 3 || cfg.Template[0].Transform.DateFormat != "DD.MM.YYYY" {
		t.Fatalf("unexpected template %+v", cfg.Template)
	}
	if cfg.Rules.Company[0] != "store_name" || len(cfg.Rules.Ticket) == 0 {
		t.Fatalf("expected company rules replaced and ticket rules kept, got %+v", cfg.Rules)
	}
	if cfg.MaxComponentLength != 20 || cfg.UnknownTicket != "NoTicket" {
		t.Fatalf("unexpected config %+v", cfg)
	}
}

func TestLoadConfigRejectsBadTemplate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("template:\n  - text: a\n    field: b\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected an error for an element with both text and field")
	}
}

func TestLoadConfigRejectsPathLiterals(t *testing.T) {
	for _, text := range []string{"../../", `a\b`, "x/y", ".."} {
		path := filepath.Join(t.TempDir(), "escape.yaml")
		body := fmt.Sprintf("template:\n  - text: '%s'\n  - field: company\n", text)
		if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
			t.Fatal(err)
		}
		if _, err := LoadConfig(path); err == nil {
			t.Fatalf("expected literal %q to be rejected", text)
		}
	}
}

func TestRenderNeutralizesPathLiterals(t *testing.T) {
	template := []TemplateElement{{Text: "../../"}, {Field: ComponentCompany}, {Text: `\`}}
	got := Render(template, Components{Company: "ACME"}, 50)
	if strings.ContainsAny(got, `/\`) || strings.Contains(got, "..") {
		t.Fatalf("expected no path components in %q", got)
	}
	if got != "____ACME_" {
		t.Fatalf("expected ____ACME_, got %s", got)
	}
}
