package dengar

import (
	"errors"
	"sort"
	"strings"

	"github.com/mitchellh/mapstructure"
)

// settingsSchema lists the keys a provider accepts in provider.settings.
type settingsSchema struct {
	Required []string
	Optional []string
}

// decodeSettings decodes a free-form settings map into out. Keys match
// field tags ignoring case, underscores and hyphens.
func decodeSettings(input map[string]any, out any) error {
	if len(input) == 0 {
		return nil
	}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "mapstructure",
		Result:           out,
		WeaklyTypedInput: true,
		MatchName: func(mapKey, fieldName string) bool {
			return normalizeKey(mapKey) == normalizeKey(fieldName)
		},
	})
	if err != nil {
		return err
	}
	return decoder.Decode(input)
}

// validateSettings reports missing required keys and unknown keys.
func validateSettings(input map[string]any, schema settingsSchema) error {
	allowed := make(map[string]struct{}, len(schema.Required)+len(schema.Optional))
	for _, k := range schema.Optional {
		allowed[normalizeKey(k)] = struct{}{}
	}
	var missing, unknown []string
	for _, k := range schema.Required {
		nk := normalizeKey(k)
		allowed[nk] = struct{}{}
		found := false
		for ik, v := range input {
			if normalizeKey(ik) == nk && !isEmptyValue(v) {
				found = true
				break
			}
		}
		if !found {
			missing = append(missing, k)
		}
	}
	for k := range input {
		if _, ok := allowed[normalizeKey(k)]; !ok {
			unknown = append(unknown, k)
		}
	}
	if len(missing) == 0 && len(unknown) == 0 {
		return nil
	}
	sort.Strings(missing)
	sort.Strings(unknown)
	var parts []string
	if len(missing) > 0 {
		parts = append(parts, "missing: "+strings.Join(missing, ", "))
	}
	if len(unknown) > 0 {
		parts = append(parts, "unknown: "+strings.Join(unknown, ", "))
	}
	return errors.New(strings.Join(parts, "; "))
}

func normalizeKey(value string) string {
	value = strings.ToLower(value)
	value = strings.ReplaceAll(value, "_", "")
	return strings.ReplaceAll(value, "-", "")
}

func isEmptyValue(v any) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s) == ""
	}
	return false
}
