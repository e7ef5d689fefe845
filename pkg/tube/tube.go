// Package tube turns job class and queue names into broker tube names and
// parses per-tube worker settings.
package tube

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	acronymBoundary = regexp.MustCompile(`([A-Z]+)([A-Z][a-z])`)
	camelBoundary   = regexp.MustCompile(`([a-z\d])([A-Z])`)
)

// Dasherize converts a class name into its tube form:
// "Foo::BarBaz" becomes "foo/bar-baz" and "HTTPClient" becomes "http-client".
// Dashed input is normalized through the same camel-case form, so a
// multi-letter dashed name round trips ("newsletter-sender") while
// single-letter or digit-led segments fold into their neighbour
// ("a-b-c" becomes "abc", "sms-2fa" becomes "sms2fa").
func Dasherize(name string) string {
	s := classify(name)
	s = strings.ReplaceAll(s, "::", "/")
	s = acronymBoundary.ReplaceAllString(s, "${1}_${2}")
	s = camelBoundary.ReplaceAllString(s, "${1}_${2}")
	s = strings.ReplaceAll(s, "_", "-")
	return strings.ToLower(s)
}

// classify upper-cases the first letter of every dash separated part and
// joins them, so "newsletter-sender" and "NewsletterSender" agree.
func classify(name string) string {
	parts := strings.Split(name, "-")
	var b strings.Builder
	for _, p := range parts {
		if p == "" {
			continue
		}
		b.WriteString(strings.ToUpper(p[:1]))
		b.WriteString(p[1:])
	}
	return b.String()
}

// Expand builds the fully qualified tube name for name under namespace.
// A trailing separator on the namespace is ignored, a name that already
// carries the namespace is not prefixed twice, runs of the separator collapse
// to one, and anything after a ':' (worker settings) is dropped.
func Expand(namespace, sep, name string) string {
	prefix := strings.TrimSuffix(namespace, sep)
	dashed := Dasherize(name)
	if prefix != "" {
		dashed = strings.TrimPrefix(dashed, strings.ToLower(prefix))
	}

	var joined string
	switch {
	case prefix == "":
		joined = dashed
	case dashed == "":
		joined = prefix
	default:
		joined = prefix + sep + dashed
	}
	if sep != "" {
		double := sep + sep
		for strings.Contains(joined, double) {
			joined = strings.ReplaceAll(joined, double, sep)
		}
	}
	if i := strings.IndexByte(joined, ':'); i >= 0 {
		joined = joined[:i]
	}
	return joined
}

// Spec is a tube with optional worker settings, written as
// "name[:threads[:garbage[:retries]]]". Empty fields are left unset, so
// "foo:::3" only overrides retries.
type Spec struct {
	Name         string
	Threads      int
	GarbageLimit int
	Retries      *int
}

// ParseSpec parses the tube spec grammar.
func ParseSpec(s string) (Spec, error) {
	fields := strings.Split(strings.TrimSpace(s), ":")
	if len(fields) > 4 {
		return Spec{}, fmt.Errorf("jobs: tube spec %q has too many fields", s)
	}
	spec := Spec{Name: strings.TrimSpace(fields[0])}
	if spec.Name == "" {
		return Spec{}, fmt.Errorf("jobs: tube spec %q has no name", s)
	}

	numbers := make([]*int, 3)
	for i, f := range fields[1:] {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		n, err := strconv.Atoi(f)
		if err != nil || n < 0 {
			return Spec{}, fmt.Errorf("jobs: tube spec %q: field %d must be a non-negative integer", s, i+2)
		}
		numbers[i] = &n
	}
	if numbers[0] != nil {
		spec.Threads = *numbers[0]
	}
	if numbers[1] != nil {
		spec.GarbageLimit = *numbers[1]
	}
	spec.Retries = numbers[2]
	return spec, nil
}

// String renders the spec back into its grammar, omitting trailing unset fields.
func (s Spec) String() string {
	fields := []string{s.Name, "", "", ""}
	if s.Threads > 0 {
		fields[1] = strconv.Itoa(s.Threads)
	}
	if s.GarbageLimit > 0 {
		fields[2] = strconv.Itoa(s.GarbageLimit)
	}
	if s.Retries != nil {
		fields[3] = strconv.Itoa(*s.Retries)
	}
	end := len(fields)
	for end > 1 && fields[end-1] == "" {
		end--
	}
	return strings.Join(fields[:end], ":")
}

// Normalize splits comma separated entries, trims whitespace, drops empty
// entries and removes duplicates keeping first occurrence order.
func Normalize(names ...string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, entry := range names {
		for _, n := range strings.Split(entry, ",") {
			n = strings.TrimSpace(n)
			if n == "" || seen[n] {
				continue
			}
			seen[n] = true
			out = append(out, n)
		}
	}
	return out
}
