package canonicalize

import (
	"encoding/json"
	"strings"
)

// Redacted is the literal substituted for sensitive field values.
const Redacted = "[REDACTED]"

// sensitiveFields is the closed set of field names (lowercased) whose values
// are replaced before hashing or logging.
var sensitiveFields = map[string]struct{}{
	"authorization": {},
	"cookie":        {},
	"x-api-key":     {},
	"api-key":       {},
	"apikey":        {},
	"api_key":       {},
	"token":         {},
	"access_token":  {},
	"refresh_token": {},
	"client_secret": {},
	"secret":        {},
	"password":      {},
	"passwd":        {},
	"pwd":           {},
	"private_key":   {},
	"privatekey":    {},
	"private-key":   {},
	"session_id":    {},
	"sessionid":     {},
	"session-id":    {},
	"auth_token":    {},
	"authtoken":     {},
	"auth-token":    {},
	"bearer":        {},
	"credentials":   {},
	"credential":    {},
}

// IsSensitiveField reports whether a field name is in the sensitive set.
// The comparison is case-insensitive.
func IsSensitiveField(name string) bool {
	_, ok := sensitiveFields[strings.ToLower(name)]
	return ok
}

// Sanitize returns a deep copy of v with the values of all sensitive fields
// replaced by the Redacted literal. Arrays recurse element-wise, objects
// recurse key-wise, scalars pass through unchanged. Structs are converted
// through their JSON representation so tags are respected.
func Sanitize(v interface{}) interface{} {
	generic, err := toGeneric(v)
	if err != nil {
		// Unserializable input cannot carry JSON secrets; hand it back as-is
		// and let the canonicalizer surface the real error.
		return v
	}
	return sanitizeValue(generic)
}

func sanitizeValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, elem := range t {
			if IsSensitiveField(k) {
				out[k] = Redacted
				continue
			}
			out[k] = sanitizeValue(elem)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, elem := range t {
			out[i] = sanitizeValue(elem)
		}
		return out
	default:
		return v
	}
}

// toGeneric round-trips v through JSON into map/slice/scalar form, preserving
// number fidelity with json.Number.
func toGeneric(v interface{}) (interface{}, error) {
	switch v.(type) {
	case nil:
		return nil, nil
	case map[string]interface{}, []interface{}:
		// Already generic, but still round-trip so nested structs decompose.
	}

	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	decoder := json.NewDecoder(strings.NewReader(string(data)))
	decoder.UseNumber()
	var generic interface{}
	if err := decoder.Decode(&generic); err != nil {
		return nil, err
	}
	return generic, nil
}
