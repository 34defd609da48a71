package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// coerceToJSONBytes turns a .yaml/.yml config into JSON so both formats go
// through the same strict decoder. Other extensions pass through as JSON.
// It returns the bytes and the detected format name.
func coerceToJSONBytes(path string, data []byte) ([]byte, string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
	default:
		return data, "json", nil
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	var doc any
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			// empty file: every field takes its default
			return []byte("{}"), "yaml", nil
		}
		return nil, "yaml", fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	var extra any
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		return nil, "yaml", fmt.Errorf("parse %s: only one YAML document is allowed", filepath.Base(path))
	}

	switch doc.(type) {
	case nil:
		return []byte("{}"), "yaml", nil
	case map[string]any, map[any]any:
	default:
		return nil, "yaml", fmt.Errorf("parse %s: top level must be a mapping, got %T", filepath.Base(path), doc)
	}

	out, err := toJSONValue(doc, "")
	if err != nil {
		return nil, "yaml", fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	j, err := json.Marshal(out)
	if err != nil {
		return nil, "yaml", fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return j, "yaml", nil
}

// toJSONValue rewrites decoded YAML into values encoding/json accepts.
// Mapping keys must be scalars; at is the dotted key path for errors.
func toJSONValue(in any, at string) (any, error) {
	switch x := in.(type) {
	case map[string]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			cv, err := toJSONValue(v, join(at, k))
			if err != nil {
				return nil, err
			}
			m[k] = cv
		}
		return m, nil
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			switch k.(type) {
			case map[string]any, map[any]any, []any:
				return nil, fmt.Errorf("%s: mapping keys must be scalars", orRoot(at))
			}
			ks := fmt.Sprint(k)
			cv, err := toJSONValue(v, join(at, ks))
			if err != nil {
				return nil, err
			}
			m[ks] = cv
		}
		return m, nil
	case []any:
		out := make([]any, len(x))
		for i, v := range x {
			cv, err := toJSONValue(v, fmt.Sprintf("%s[%d]", orRoot(at), i))
			if err != nil {
				return nil, err
			}
			out[i] = cv
		}
		return out, nil
	default:
		return in, nil
	}
}

func join(at, k string) string {
	if at == "" {
		return k
	}
	return at + "." + k
}

func orRoot(at string) string {
	if at == "" {
		return "<root>"
	}
	return at
}
