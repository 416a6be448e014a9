// Package sanitize turns untrusted media metadata into safe, bounded-length
// filenames.
//
// A Template is a format string with {name} placeholders, e.g.
// "{title} [{id}]". Each substituted value is normalized to ASCII, reduced
// to a whitelist of characters and trimmed. The literal text of the
// template is trusted configuration and is kept as written. Results never
// exceed MaxLength characters: when they would, the longest field is
// shortened until they fit.
package sanitize

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// MaxLength is the maximum length of a formatted filename in characters.
const MaxLength = 128

// Punctuation lists the non-alphanumeric characters allowed in values.
const Punctuation = `-_.() '"`

type segment struct {
	text  string
	field bool
}

// Template is a parsed filename template. It is safe for concurrent use.
type Template struct {
	raw      string
	segments []segment
	keys     []string
	limit    int
}

// New parses tmpl. Placeholders are written {name}; {{ and }} stand for
// literal braces. A format suffix such as {title:>10} or {id!r} is accepted
// and ignored. An unterminated brace is kept as literal text.
func New(tmpl string) *Template {
	t := &Template{raw: tmpl, limit: MaxLength}

	var lit strings.Builder
	seen := make(map[string]bool)
	for i := 0; i < len(tmpl); i++ {
		c := tmpl[i]
		switch {
		case c == '{' && i+1 < len(tmpl) && tmpl[i+1] == '{':
			lit.WriteByte('{')
			i++
		case c == '}' && i+1 < len(tmpl) && tmpl[i+1] == '}':
			lit.WriteByte('}')
			i++
		case c == '{':
			end := strings.IndexByte(tmpl[i+1:], '}')
			if end < 0 {
				lit.WriteString(tmpl[i:])
				i = len(tmpl)
				continue
			}
			name := tmpl[i+1 : i+1+end]
			if cut := strings.IndexAny(name, ":!"); cut >= 0 {
				name = name[:cut]
			}
			if lit.Len() > 0 {
				t.segments = append(t.segments, segment{text: lit.String()})
				lit.Reset()
			}
			t.segments = append(t.segments, segment{text: name, field: true})
			if !seen[name] {
				seen[name] = true
				t.keys = append(t.keys, name)
			}
			i += end + 1
		default:
			lit.WriteByte(c)
		}
	}
	if lit.Len() > 0 {
		t.segments = append(t.segments, segment{text: lit.String()})
	}
	return t
}

// WithExtension returns a copy of t whose output ends in "." + ext. The
// extension counts towards the length limit.
func (t *Template) WithExtension(ext string) *Template {
	if ext == "" {
		return t
	}
	escaped := strings.NewReplacer("{", "{{", "}", "}}").Replace(ext)
	out := New(t.raw + "." + escaped)
	out.limit = t.limit
	return out
}

// WithLimit returns a copy of t with a different length limit.
func (t *Template) WithLimit(limit int) *Template {
	out := New(t.raw)
	out.limit = limit
	return out
}

// Keys returns the placeholder names referenced by the template, in order
// of first appearance.
func (t *Template) Keys() []string {
	return append([]string(nil), t.keys...)
}

// String returns the template source.
func (t *Template) String() string {
	return t.raw
}

// Format renders the template with sanitized metadata values. Keys not
// present in metadata render as empty strings.
func (t *Template) Format(metadata map[string]string) string {
	values := make(map[string]string, len(t.keys))
	for _, key := range t.keys {
		values[key] = Value(metadata[key])
	}

	name := collapseSpaces(t.render(values))
	for utf8.RuneCountInString(name) > t.limit {
		overflow := utf8.RuneCountInString(name) - t.limit

		key, longest := t.longest(values)
		if longest == "" {
			// only literal text left to blame
			name = truncate(name, t.limit)
			break
		}

		keep := len(longest) - overflow
		if keep < 0 {
			keep = 0
		}
		values[key] = strings.TrimRightFunc(longest[:keep], unicode.IsSpace)
		name = collapseSpaces(t.render(values))
	}
	return strings.TrimSpace(name)
}

// Value sanitizes a single metadata value: Unicode is decomposed to its
// closest ASCII form, characters outside the whitelist are dropped, runs
// of spaces are collapsed and surrounding whitespace is trimmed. The
// result contains only ASCII, so byte and character lengths agree.
func Value(val string) string {
	var b strings.Builder
	for _, r := range norm.NFKD.String(val) {
		if Allowed(r) {
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(collapseSpaces(b.String()))
}

// Allowed reports whether r may appear in a sanitized value.
func Allowed(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	}
	return strings.ContainsRune(Punctuation, r)
}

func (t *Template) render(values map[string]string) string {
	var b strings.Builder
	for _, seg := range t.segments {
		if seg.field {
			b.WriteString(values[seg.text])
		} else {
			b.WriteString(seg.text)
		}
	}
	return b.String()
}

// longest picks the longest value; ties go to the key that appears first
// in the template.
func (t *Template) longest(values map[string]string) (string, string) {
	var bestKey, best string
	for _, key := range t.keys {
		if v := values[key]; len(v) > len(best) {
			bestKey, best = key, v
		}
	}
	return bestKey, best
}

func collapseSpaces(s string) string {
	for strings.Contains(s, "  ") {
		s = strings.ReplaceAll(s, "  ", " ")
	}
	return s
}

func truncate(s string, limit int) string {
	if limit <= 0 {
		return ""
	}
	n := 0
	for i := range s {
		if n == limit {
			return s[:i]
		}
		n++
	}
	return s
}
