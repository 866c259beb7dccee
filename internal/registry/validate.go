package registry

import (
	"fmt"
	"regexp"
)

// validateField checks a single decoded JSON value against its FieldSchema.
// Type mismatches, min/max/length/pattern/enum violations, and array
// item-type mismatches all produce a message; empty string means valid.
func validateField(f FieldSchema, v interface{}) string {
	switch f.Type {
	case FieldString:
		s, ok := v.(string)
		if !ok {
			return fmt.Sprintf("field %q must be a string", f.Name)
		}
		if f.MinLen != nil && len(s) < *f.MinLen {
			return fmt.Sprintf("field %q shorter than minimum length %d", f.Name, *f.MinLen)
		}
		if f.MaxLen != nil && len(s) > *f.MaxLen {
			return fmt.Sprintf("field %q longer than maximum length %d", f.Name, *f.MaxLen)
		}
		if f.Pattern != "" {
			re, err := regexp.Compile(f.Pattern)
			if err != nil || !re.MatchString(s) {
				return fmt.Sprintf("field %q does not match pattern %q", f.Name, f.Pattern)
			}
		}
		if len(f.Enum) > 0 && !contains(f.Enum, s) {
			return fmt.Sprintf("field %q must be one of %v", f.Name, f.Enum)
		}
	case FieldNumber:
		n, ok := asFloat(v)
		if !ok {
			return fmt.Sprintf("field %q must be a number", f.Name)
		}
		if f.Min != nil && n < *f.Min {
			return fmt.Sprintf("field %q below minimum %v", f.Name, *f.Min)
		}
		if f.Max != nil && n > *f.Max {
			return fmt.Sprintf("field %q above maximum %v", f.Name, *f.Max)
		}
	case FieldBoolean:
		if _, ok := v.(bool); !ok {
			return fmt.Sprintf("field %q must be a boolean", f.Name)
		}
	case FieldArray:
		arr, ok := v.([]interface{})
		if !ok {
			return fmt.Sprintf("field %q must be an array", f.Name)
		}
		if f.MinLen != nil && len(arr) < *f.MinLen {
			return fmt.Sprintf("field %q has fewer than %d items", f.Name, *f.MinLen)
		}
		if f.MaxLen != nil && len(arr) > *f.MaxLen {
			return fmt.Sprintf("field %q has more than %d items", f.Name, *f.MaxLen)
		}
		if f.ItemType != "" {
			item := FieldSchema{Name: f.Name + "[]", Type: f.ItemType}
			for _, elem := range arr {
				if msg := validateField(item, elem); msg != "" {
					return msg
				}
			}
		}
	case FieldObject:
		if _, ok := v.(map[string]interface{}); !ok {
			return fmt.Sprintf("field %q must be an object", f.Name)
		}
	}
	return ""
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
