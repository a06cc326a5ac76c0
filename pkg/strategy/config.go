package strategy

import (
	"time"

	"github.com/powerdaemon/powerdaemon/pkg/errdefs"
)

// section is a nested configuration mapping. Workflow configuration
// arrives as JSON, so numbers may be float64 and lists []any; the
// accessors normalize both.
type section map[string]any

// getSection pulls a nested mapping out of the configuration.
func getSection(config map[string]any, key string) (section, bool) {
	switch v := config[key].(type) {
	case map[string]any:
		return section(v), true
	case section:
		return v, true
	}
	return nil, false
}

// requireSection is getSection with an InvalidConfiguration error when the
// key is absent or not a mapping.
func requireSection(config map[string]any, key string) (section, error) {
	s, ok := getSection(config, key)
	if !ok {
		return nil, errdefs.InvalidConfigurationf("missing required configuration section: %s", key)
	}
	return s, nil
}

func (s section) str(key, fallback string) string {
	if v, ok := s[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

func (s section) num(key string, fallback float64) float64 {
	switch v := s[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return fallback
}

func (s section) integer(key string, fallback int) int {
	switch v := s[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return fallback
}

func (s section) boolean(key string, fallback bool) bool {
	if v, ok := s[key].(bool); ok {
		return v
	}
	return fallback
}

// duration reads a duration value: numbers count seconds, strings go
// through time.ParseDuration.
func (s section) duration(key string, fallback time.Duration) time.Duration {
	switch v := s[key].(type) {
	case time.Duration:
		return v
	case int:
		return time.Duration(v) * time.Second
	case int64:
		return time.Duration(v) * time.Second
	case float64:
		return time.Duration(v * float64(time.Second))
	case string:
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

// strs reads a string list, accepting []string and JSON-decoded []any.
func (s section) strs(key string) []string {
	switch v := s[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if str, ok := item.(string); ok {
				out = append(out, str)
			}
		}
		return out
	}
	return nil
}

// strLists reads a list of string lists (custom wave definitions).
func (s section) strLists(key string) [][]string {
	switch v := s[key].(type) {
	case [][]string:
		return v
	case []any:
		out := make([][]string, 0, len(v))
		for _, item := range v {
			switch inner := item.(type) {
			case []string:
				out = append(out, inner)
			case []any:
				wave := make([]string, 0, len(inner))
				for _, h := range inner {
					if str, ok := h.(string); ok {
						wave = append(wave, str)
					}
				}
				out = append(out, wave)
			}
		}
		return out
	}
	return nil
}

// sub reads a nested mapping inside a section.
func (s section) sub(key string) (section, bool) {
	return getSection(map[string]any(s), key)
}
