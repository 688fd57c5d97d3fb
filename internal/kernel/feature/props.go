package feature

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/kinnon13/yalls-foundry/internal/kernel/session"
)

// maxParseableValueLen bounds JSON parsing of query values. Longer values
// are treated as opaque strings, a guard against huge payload injection
// through deep links.
const maxParseableValueLen = 1000

// propPrefix returns the query-parameter prefix for a feature's props.
func propPrefix(featureID string) string {
	return "fx." + featureID + "."
}

// gatherProps extracts the fx.<id>.* parameters for a feature from a session
// snapshot and decodes each value. Values that look like JSON are parsed;
// anything else, including oversized or malformed values, stays a raw string.
func gatherProps(snap session.Snapshot, featureID string) map[string]interface{} {
	prefix := propPrefix(featureID)
	props := make(map[string]interface{})

	for key, value := range snap {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		props[key[len(prefix):]] = decodeValue(value)
	}
	return props
}

func decodeValue(value string) interface{} {
	if len(value) > maxParseableValueLen {
		return value
	}
	if !gjson.Valid(value) {
		return value
	}

	var decoded interface{}
	if err := json.Unmarshal([]byte(value), &decoded); err != nil {
		return value
	}

	if obj, ok := decoded.(map[string]interface{}); ok {
		return sanitizeObject(obj)
	}
	return decoded
}

// sanitizeObject shallow-clones a decoded object and drops keys that are
// dangerous when the props are re-serialized for script consumers.
func sanitizeObject(obj map[string]interface{}) map[string]interface{} {
	clone := make(map[string]interface{}, len(obj))
	for k, v := range obj {
		switch k {
		case "__proto__", "constructor", "prototype":
			continue
		}
		clone[k] = v
	}
	return clone
}

// resolveProps produces the final prop bag for a feature: gathered query
// props validated against the schema and merged over the defaults. Invalid
// props soft-fail to defaults only; bad deep links degrade rather than
// surface errors.
func resolveProps(snap session.Snapshot, def *Definition) map[string]interface{} {
	gathered := gatherProps(snap, def.ID)

	merged := make(map[string]interface{}, len(def.Defaults)+len(gathered))
	for k, v := range def.Defaults {
		merged[k] = v
	}

	if err := validateSchema(def.Schema, gathered); err != nil {
		defaults := make(map[string]interface{}, len(def.Defaults))
		for k, v := range def.Defaults {
			defaults[k] = v
		}
		return defaults
	}

	for k, v := range gathered {
		merged[k] = v
	}
	return merged
}

// validateSchema applies the coarse type schema to gathered props. Unlike
// command validation this is pass/fail: the host never surfaces prop errors.
func validateSchema(schema map[string]string, props map[string]interface{}) error {
	for name, typeName := range schema {
		optional := strings.HasSuffix(typeName, "?")
		base := strings.TrimSuffix(typeName, "?")

		value, present := props[name]
		if !present || value == nil {
			if optional {
				continue
			}
			return fmt.Errorf("missing prop %q", name)
		}

		if !propTypeMatches(base, value) {
			return fmt.Errorf("prop %q is not a %s", name, base)
		}
	}
	return nil
}

func propTypeMatches(base string, value interface{}) bool {
	switch base {
	case "string":
		_, ok := value.(string)
		return ok
	case "number":
		switch value.(type) {
		case int, int32, int64, float32, float64:
			return true
		}
		return false
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "uuid":
		s, ok := value.(string)
		if !ok {
			return false
		}
		_, err := uuid.Parse(s)
		return err == nil
	case "datetime":
		s, ok := value.(string)
		if !ok {
			return false
		}
		_, err := time.Parse(time.RFC3339, s)
		return err == nil
	default:
		return true
	}
}
