package postprocess

import (
	"regexp"
	"strings"
	"time"
)

// DefaultKind selects how a missing field value is filled in.
type DefaultKind string

const (
	DefaultFixed        DefaultKind = "fixed"
	DefaultCurrentDate  DefaultKind = "current_date"
	DefaultPrincipal    DefaultKind = "principal"
	DefaultOrganization DefaultKind = "organization"
	DefaultBlank        DefaultKind = "blank"
	// DefaultFormula substitutes {today}, {principal}, {organization} and
	// {<field>} tokens in Value.
	DefaultFormula DefaultKind = "formula"
)

func (k DefaultKind) valid() bool {
	switch k {
	case DefaultFixed, DefaultCurrentDate, DefaultPrincipal, DefaultOrganization, DefaultBlank, DefaultFormula:
		return true
	}
	return false
}

type DefaultRule struct {
	Field string      `yaml:"field"`
	Kind  DefaultKind `yaml:"kind"`
	Value string      `yaml:"value"`
}

// Context carries the values default rules may draw on.
type Context struct {
	Now          time.Time
	Principal    string
	Organization string
}

var formulaToken = regexp.MustCompile(`\{([a-zA-Z0-9_./-]+)\}`)

// ApplyDefaults returns a copy of fields where every rule whose field is
// missing or blank has been filled in.
func ApplyDefaults(fields map[string]string, rules []DefaultRule, ctx Context) map[string]string {
	out := make(map[string]string, len(fields)+len(rules))
	for k, v := range fields {
		out[k] = v
	}
	for _, rule := range rules {
		if strings.TrimSpace(out[rule.Field]) != "" {
			continue
		}
		switch rule.Kind {
		case DefaultFixed:
			out[rule.Field] = rule.Value
		case DefaultCurrentDate:
			out[rule.Field] = ctx.Now.Format(CanonicalDateLayout)
		case DefaultPrincipal:
			out[rule.Field] = ctx.Principal
		case DefaultOrganization:
			out[rule.Field] = ctx.Organization
		case DefaultBlank:
			out[rule.Field] = ""
		case DefaultFormula:
			out[rule.Field] = expandFormula(rule.Value, out, ctx)
		}
	}
	return out
}

func expandFormula(formula string, fields map[string]string, ctx Context) string {
	return formulaToken.ReplaceAllStringFunc(formula, func(token string) string {
		name := token[1 : len(token)-1]
		switch name {
		case "today":
			return ctx.Now.Format(CanonicalDateLayout)
		case "principal":
			return ctx.Principal
		case "organization":
			return ctx.Organization
		}
		return fields[name]
	})
}
