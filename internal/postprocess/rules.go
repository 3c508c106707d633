package postprocess

import (
	"sort"
	"strings"
)

const (
	ComponentCompany = "company"
	ComponentTicket  = "ticket"
	ComponentDate    = "date"
)

// Located holds the field each component was read from and its raw value.
type Located struct {
	CompanyField, Company string
	TicketField, Ticket   string
	DateField, Date       string
}

// Locate finds the company, ticket and date fields by walking each ordered
// synonym list. Names are compared case-insensitively with spaces and
// hyphens treated as underscores. This is best effort: an unexpected field
// name silently yields no match and the caller falls back to defaults.
func Locate(fields map[string]string, rules Rules) Located {
	index := make(map[string]string, len(fields))
	for name := range fields {
		key := canonicalName(name)
		if _, taken := index[key]; !taken || name < index[key] {
			index[key] = name
		}
	}

	var loc Located
	loc.CompanyField, loc.Company = firstMatch(fields, index, rules.Company)
	loc.TicketField, loc.Ticket = firstMatch(fields, index, rules.Ticket)
	loc.DateField, loc.Date = firstMatch(fields, index, rules.Date)

	if loc.DateField == "" {
		loc.DateField, loc.Date = anyDateField(fields)
	}
	return loc
}

func firstMatch(fields map[string]string, index map[string]string, candidates []string) (string, string) {
	for _, candidate := range candidates {
		name, ok := index[canonicalName(candidate)]
		if !ok {
			continue
		}
		if value := strings.TrimSpace(fields[name]); value != "" {
			return name, value
		}
	}
	return "", ""
}

// anyDateField scans field names containing "date" in sorted order.
func anyDateField(fields map[string]string) (string, string) {
	names := make([]string, 0, len(fields))
	for name := range fields {
		if strings.Contains(strings.ToLower(name), "date") {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		if value := strings.TrimSpace(fields[name]); value != "" {
			return name, value
		}
	}
	return "", ""
}

func canonicalName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	return strings.NewReplacer(" ", "_", "-", "_").Replace(name)
}
