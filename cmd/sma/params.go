package main

import (
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

var decimalPattern = regexp.MustCompile(`^-?[0-9]+$`)

// parseParams turns key=value pairs into a parameter map. Values are typed
// the way YAML would type them, except that only plain decimal numbers
// become integers, so "0x3" stays a string.
func parseParams(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	params := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid parameter %q (want key=value)", pair)
		}
		if _, dup := params[key]; dup {
			return nil, fmt.Errorf("parameter %q given more than once", key)
		}
		params[key] = parseValue(raw)
	}
	return params, nil
}

func parseValue(raw string) any {
	var v any
	if err := yaml.Unmarshal([]byte(raw), &v); err != nil {
		return raw
	}
	switch v.(type) {
	case bool:
		return v
	case int:
		if decimalPattern.MatchString(strings.TrimSpace(raw)) {
			return v
		}
	}
	return raw
}
