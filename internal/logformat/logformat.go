// Package logformat compiles nginx-style log format templates into
// reusable line matchers.
//
// A template is a sequence of literal text and $variable placeholders,
// as written in an nginx log_format directive. Compilation turns each
// placeholder into a named regexp capture whose character class is
// derived from the literal that follows it, so a field never swallows
// its own delimiter.
package logformat

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/lebinh/ngxtop/internal/model"
)

// Named presets accepted anywhere a template is expected.
const (
	// CombinedFormat is the nginx "combined" log format.
	CombinedFormat = `$remote_addr - $remote_user [$time_local] ` +
		`"$request" $status $body_bytes_sent ` +
		`"$http_referer" "$http_user_agent"`

	// CommonFormat is the Apache/nginx "common" log format.
	CommonFormat = `$remote_addr - $remote_user [$time_local] ` +
		`"$request" $status $body_bytes_sent`
)

var presets = map[string]string{
	"combined": CombinedFormat,
	"common":   CommonFormat,
}

// Preset resolves a named format preset. ok is false for unknown names.
func Preset(name string) (template string, ok bool) {
	template, ok = presets[name]
	return template, ok
}

// FormatError reports a template that cannot be compiled.
type FormatError struct {
	Template string
	Reason   string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("invalid log format %q: %s", e.Template, e.Reason)
}

// token is one element of a parsed template: either literal text or a
// $field placeholder.
type token struct {
	literal string
	field   string
}

// Matcher is a compiled format, reusable for every line. It is
// stateless and safe for concurrent use.
type Matcher struct {
	template string
	re       *regexp.Regexp
	fields   []string
}

// Compile parses a format template (or preset name) and builds a
// Matcher with one named capture per $field in source order.
func Compile(template string) (*Matcher, error) {
	if resolved, ok := Preset(template); ok {
		template = resolved
	}
	if template == "" {
		return nil, &FormatError{Template: template, Reason: "empty template"}
	}

	tokens, err := tokenize(template)
	if err != nil {
		return nil, err
	}

	fields := make([]string, 0, len(tokens))
	seen := make(map[string]bool)
	var pattern strings.Builder
	pattern.WriteString(`^`)
	for i, tok := range tokens {
		if tok.field == "" {
			pattern.WriteString(regexp.QuoteMeta(tok.literal))
			continue
		}
		if seen[tok.field] {
			return nil, &FormatError{Template: template, Reason: fmt.Sprintf("duplicate field $%s", tok.field)}
		}
		seen[tok.field] = true
		fields = append(fields, tok.field)
		fmt.Fprintf(&pattern, `(?P<%s>%s)`, tok.field, captureClass(tokens, i))
	}
	pattern.WriteString(`$`)

	re, err := regexp.Compile(pattern.String())
	if err != nil {
		return nil, &FormatError{Template: template, Reason: err.Error()}
	}
	return &Matcher{template: template, re: re, fields: fields}, nil
}

// tokenize splits a template into alternating literal and placeholder
// tokens, rejecting ambiguous shapes at compile time.
func tokenize(template string) ([]token, error) {
	var tokens []token
	rest := template
	lastWasField := false
	for {
		dollar := strings.IndexByte(rest, '$')
		if dollar < 0 {
			if rest != "" {
				tokens = append(tokens, token{literal: rest})
			}
			return tokens, nil
		}
		if dollar > 0 {
			tokens = append(tokens, token{literal: rest[:dollar]})
			lastWasField = false
		}
		rest = rest[dollar+1:]
		name := leadingName(rest)
		if name == "" {
			return nil, &FormatError{Template: template, Reason: "unterminated placeholder"}
		}
		if lastWasField {
			// $a$b cannot be split unambiguously.
			return nil, &FormatError{Template: template, Reason: fmt.Sprintf("adjacent placeholders before $%s", name)}
		}
		tokens = append(tokens, token{field: name})
		lastWasField = true
		rest = rest[len(name):]
	}
}

func leadingName(s string) string {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_' {
			continue
		}
		return s[:i]
	}
	return s
}

// captureClass picks the capture pattern for the placeholder at index
// i: everything up to the first byte of the following literal, or a
// non-space run when the placeholder ends the template.
func captureClass(tokens []token, i int) string {
	if i+1 < len(tokens) && tokens[i+1].literal != "" {
		delim := tokens[i+1].literal[0]
		return fmt.Sprintf(`[^%s]*`, regexp.QuoteMeta(string(delim)))
	}
	return `[^ ]*`
}

// Template returns the resolved template this matcher was built from.
func (m *Matcher) Template() string { return m.template }

// Fields returns the placeholder names in source order.
func (m *Matcher) Fields() []string { return m.fields }

// Parse applies the compiled pattern to one whole line. ok is false
// when the line does not match; that is a skip, not an error.
func (m *Matcher) Parse(line string) (model.Record, bool) {
	groups := m.re.FindStringSubmatch(line)
	if groups == nil {
		return nil, false
	}
	record := make(model.Record, len(m.fields))
	for i, name := range m.re.SubexpNames() {
		if i == 0 || name == "" {
			continue
		}
		record[name] = groups[i]
	}
	return record, true
}
