package intake

import (
	"fmt"
	"sort"
	"strings"
)

// canonical field names, in resolution order.
const (
	FieldFirstName = "first_name"
	FieldLastName  = "last_name"
	FieldFullName  = "full_name"
	FieldPhone     = "phone"
	FieldEmail     = "email"
)

// aliases maps each canonical field to the external names accepted for it.
// The first alias present with a non-empty value wins.
var aliases = []struct {
	field string
	names []string
}{
	{FieldFirstName, []string{"first_name", "firstname", "first", "fname", "given_name"}},
	{FieldLastName, []string{"last_name", "lastname", "last", "lname", "surname", "family_name"}},
	{FieldFullName, []string{"full_name", "fullname", "name", "your_name", "contact_name"}},
	{FieldPhone, []string{"phone", "phone_number", "phonenumber", "mobile", "mobile_phone", "cell", "cell_phone", "telephone", "tel"}},
	{FieldEmail, []string{"email", "email_address", "emailaddress", "e_mail", "mail"}},
	{"address", []string{"address", "street", "street_address", "address1", "address_line_1"}},
	{"city", []string{"city", "town"}},
	{"state", []string{"state", "province", "region"}},
	{"zip", []string{"zip", "zipcode", "zip_code", "postal_code", "postcode"}},
	{"care_recipient_name", []string{"care_recipient_name", "care_recipient", "recipient_name", "patient_name", "loved_one_name"}},
	{"care_needs", []string{"care_needs", "services", "services_needed", "care_type"}},
	{"hours_per_week", []string{"hours_per_week", "hours", "weekly_hours"}},
	{"availability", []string{"availability", "available", "schedule"}},
	{"experience", []string{"experience", "years_experience", "years_of_experience"}},
	{"referral_source", []string{"referral_source", "how_did_you_hear", "heard_about_us", "referral", "source"}},
	{"message", []string{"message", "comments", "comment", "notes", "additional_info"}},
}

// ignored keys are transport metadata, never subject data.
var ignored = map[string]bool{
	"api_key": true,
	"apikey":  true,
}

// Record is a payload resolved to canonical subject fields.
type Record struct {
	FirstName string
	LastName  string
	Phone     string
	Email     string

	// Fields holds the entity-specific canonical fields.
	Fields map[string]string

	// Unmapped holds every payload entry that matched no alias.
	Unmapped map[string]string
}

// Identified reports whether the record carries a name, phone or email.
func (r Record) Identified() bool {
	return r.FirstName != "" || r.LastName != "" || r.Phone != "" || r.Email != ""
}

// Map resolves an arbitrary external payload against the alias table.
func Map(payload map[string]any) Record {
	values := make(map[string]string, len(payload))
	original := make(map[string]string, len(payload))
	for k, v := range payload {
		key := normalizeKey(k)
		if key == "" || ignored[key] {
			continue
		}
		s := stringify(v)
		if prev, ok := values[key]; ok && prev != "" {
			// Two raw keys normalised to the same name: prefer the non-empty value,
			// then the lexically smaller raw key.
			if s == "" || original[key] < k {
				continue
			}
		}
		values[key] = s
		original[key] = k
	}

	rec := Record{
		Fields:   make(map[string]string),
		Unmapped: make(map[string]string),
	}
	consumed := make(map[string]bool, len(values))
	resolved := make(map[string]string, len(aliases))
	for _, a := range aliases {
		for _, name := range a.names {
			v, ok := values[name]
			if !ok {
				continue
			}
			consumed[name] = true
			if _, done := resolved[a.field]; !done && v != "" {
				resolved[a.field] = v
			}
		}
	}

	for field, v := range resolved {
		switch field {
		case FieldFirstName:
			rec.FirstName = v
		case FieldLastName:
			rec.LastName = v
		case FieldPhone:
			rec.Phone = v
		case FieldEmail:
			rec.Email = strings.ToLower(v)
		case FieldFullName:
		default:
			rec.Fields[field] = v
		}
	}
	if full := resolved[FieldFullName]; full != "" && rec.FirstName == "" && rec.LastName == "" {
		rec.FirstName, rec.LastName = splitName(full)
	}

	for key, v := range values {
		if consumed[key] || v == "" {
			continue
		}
		rec.Unmapped[original[key]] = v
	}
	return rec
}

// UnmappedSummary renders the unmapped fields as sorted "key: value" lines.
func (r Record) UnmappedSummary() string {
	if len(r.Unmapped) == 0 {
		return ""
	}
	keys := make([]string, 0, len(r.Unmapped))
	for k := range r.Unmapped {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%s: %s", k, r.Unmapped[k])
	}
	return b.String()
}

func normalizeKey(k string) string {
	k = strings.ToLower(strings.TrimSpace(k))
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '.':
			return '_'
		}
		return r
	}, k)
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case []any:
		parts := make([]string, 0, len(t))
		for _, p := range t {
			if s := stringify(p); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, ", ")
	case float64:
		// JSON numbers; print integers without an exponent.
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprint(t)
	default:
		return strings.TrimSpace(fmt.Sprint(t))
	}
}

func splitName(full string) (first, last string) {
	parts := strings.Fields(full)
	switch len(parts) {
	case 0:
		return "", ""
	case 1:
		return parts[0], ""
	default:
		return parts[0], strings.Join(parts[1:], " ")
	}
}
