package httpapi

const redactedPlaceholder = "**REDACTED**"

// redactedFields are attribute names whose values never leave the
// diagnostics endpoint: credentials, identifiers and location data.
var redactedFields = map[string]struct{}{
	"access_token":                  {},
	"address_lines":                 {},
	"aux_primary_fabric_id":         {},
	"city":                          {},
	"country":                       {},
	"email":                         {},
	"emergency_contact_description": {},
	"emergency_contact_phone":       {},
	"ifj_primary_fabric_id":         {},
	"latitude":                      {},
	"location":                      {},
	"longitude":                     {},
	"name":                          {},
	"pairing_token":                 {},
	"postal_code":                   {},
	"profile_image_url":             {},
	"serial_number":                 {},
	"thread_ip_address":             {},
	"thread_mac_address":            {},
	"time_zone":                     {},
	"topaz_hush_key":                {},
	"user":                          {},
	"wifi_ip_address":               {},
	"wifi_mac_address":              {},
	"zip":                           {},
}

// redactMap returns a copy of m with sensitive values replaced, recursing
// into nested maps and lists.
func redactMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if _, ok := redactedFields[k]; ok {
			out[k] = redactedPlaceholder
			continue
		}
		out[k] = redactValue(v)
	}
	return out
}

func redactValue(v any) any {
	switch tv := v.(type) {
	case map[string]any:
		return redactMap(tv)
	case []any:
		out := make([]any, len(tv))
		for i, item := range tv {
			out[i] = redactValue(item)
		}
		return out
	default:
		return v
	}
}
