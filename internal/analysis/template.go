package analysis

import (
	"regexp"
)

var placeholderRe = regexp.MustCompile(`\{(\w+)\}`)

// RenderTemplate substitutes {name} placeholders from vars. A missing
// placeholder becomes the literal "Unknown" rather than an error, because
// event attribute bags vary by firmware.
func RenderTemplate(tmpl string, vars map[string]string) string {
	return placeholderRe.ReplaceAllStringFunc(tmpl, func(m string) string {
		name := m[1 : len(m)-1]
		if v, ok := vars[name]; ok && v != "" {
			return v
		}
		return "Unknown"
	})
}
