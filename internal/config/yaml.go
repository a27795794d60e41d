package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/tidwall/jsonc"
	yaml "go.yaml.in/yaml/v3"
)

// coerceToJSONBytes converts YAML and JSONC config to JSON so every format
// goes through the strict JSON decoder. It returns the JSON bytes and the
// detected format: "json", "jsonc" or "yaml".
func coerceToJSONBytes(path string, data []byte) ([]byte, string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
	case ".jsonc":
		return jsonc.ToJSON(data), "jsonc", nil
	default:
		return data, "json", nil
	}

	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, "yaml", fmt.Errorf("%w: yaml: %w", ErrInvalid, err)
	}
	j, err := json.Marshal(normalizeYAML(v, ""))
	if err != nil {
		return nil, "yaml", fmt.Errorf("%w: yaml to json: %w", ErrInvalid, err)
	}
	return j, "yaml", nil
}

// normalizeYAML makes map keys strings. Under a job's args and env, scalars
// become strings, so `args: [--keep, 7]` and `env: {PORT: 8080}` decode into
// []string and map[string]string.
func normalizeYAML(in any, key string) any {
	switch x := in.(type) {
	case map[string]any:
		for k, v := range x {
			x[k] = normalizeYAML(v, k)
		}
		if key == "env" {
			stringifyValues(x)
		}
		return x
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			ks := fmt.Sprint(k)
			m[ks] = normalizeYAML(v, ks)
		}
		if key == "env" {
			stringifyValues(m)
		}
		return m
	case []any:
		for i := range x {
			x[i] = normalizeYAML(x[i], "")
			if key == "args" {
				x[i] = scalarString(x[i])
			}
		}
		return x
	default:
		return in
	}
}

func stringifyValues(m map[string]any) {
	for k, v := range m {
		m[k] = scalarString(v)
	}
}

// scalarString renders YAML scalars as their plain text. Maps, lists and
// strings are returned unchanged.
func scalarString(v any) any {
	switch x := v.(type) {
	case nil:
		return ""
	case bool, int, int64, uint64, float64:
		return fmt.Sprint(x)
	default:
		return v
	}
}
