// Package template resolves {{merge_field}} placeholders in message
// templates from subject data.
package template

import (
	"regexp"
	"strings"

	"github.com/petrijr/relay/pkg/api"
)

var placeholder = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.]+)\s*\}\}`)

// Fields returns the merge fields available for a subject. Entity-specific
// fields never shadow the built-in ones.
func Fields(s *api.Subject, phase string) map[string]string {
	out := make(map[string]string, len(s.Fields)+7)
	for k, v := range s.Fields {
		out[k] = v
	}
	out["first_name"] = s.FirstName
	out["last_name"] = s.LastName
	out["full_name"] = s.FullName()
	out["name"] = s.FullName()
	out["phone"] = s.Phone
	out["email"] = s.Email
	out["phase"] = phase
	return out
}

// Render substitutes known placeholders. Unknown placeholders are left
// verbatim so a typo in a template shows up in the sent text instead of
// silently disappearing.
func Render(tmpl string, fields map[string]string) string {
	if !strings.Contains(tmpl, "{{") {
		return tmpl
	}
	return placeholder.ReplaceAllStringFunc(tmpl, func(match string) string {
		name := placeholder.FindStringSubmatch(match)[1]
		if v, ok := fields[name]; ok {
			return v
		}
		return match
	})
}
