package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
	"gopkg.in/yaml.v3"
)

const (
	includeKey      = "$include"
	includeAlias    = "include"
	maxIncludeDepth = 8
)

// LoadRaw reads path into a raw map with includes merged and environment
// variables expanded in string values.
func LoadRaw(path string) (map[string]any, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("config path is required")
	}
	return loadRaw(path, map[string]bool{}, 0)
}

func loadRaw(path string, seen map[string]bool, depth int) (map[string]any, error) {
	if depth > maxIncludeDepth {
		return nil, fmt.Errorf("includes nested deeper than %d at %s", maxIncludeDepth, path)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if seen[abs] {
		return nil, fmt.Errorf("include cycle at %s", abs)
	}
	seen[abs] = true
	defer delete(seen, abs)

	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, err
	}
	raw, err := ParseRaw(data, filepath.Ext(abs))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", abs, err)
	}

	includes, err := takeIncludes(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", abs, err)
	}
	merged := map[string]any{}
	for _, inc := range includes {
		if !filepath.IsAbs(inc) {
			inc = filepath.Join(filepath.Dir(abs), inc)
		}
		sub, err := loadRaw(expandEnv(inc), seen, depth+1)
		if err != nil {
			return nil, err
		}
		merged = mergeMaps(merged, sub)
	}
	return mergeMaps(merged, expandValues(raw).(map[string]any)), nil
}

// expandValues replaces $VAR and ${VAR} in string values. Keys are left
// alone, and "$$" yields a literal dollar sign.
func expandValues(v any) any {
	switch typed := v.(type) {
	case string:
		return expandEnv(typed)
	case map[string]any:
		for key, value := range typed {
			typed[key] = expandValues(value)
		}
		return typed
	case []any:
		for i, value := range typed {
			typed[i] = expandValues(value)
		}
		return typed
	default:
		return v
	}
}

func expandEnv(s string) string {
	return os.Expand(s, func(name string) string {
		if name == "$" {
			return "$"
		}
		return os.Getenv(name)
	})
}

// ParseRaw decodes one document. ext selects JSON5 for ".json" and ".json5";
// anything else is YAML.
func ParseRaw(data []byte, ext string) (map[string]any, error) {
	var raw map[string]any
	switch strings.ToLower(ext) {
	case ".json", ".json5":
		if err := json5.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
	default:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		if err := dec.Decode(&raw); err != nil && err != io.EOF {
			return nil, err
		}
		if err := dec.Decode(&struct{}{}); err != io.EOF {
			return nil, errors.New("expected a single YAML document")
		}
	}
	if raw == nil {
		raw = map[string]any{}
	}
	return raw, nil
}

func takeIncludes(raw map[string]any) ([]string, error) {
	key := includeKey
	val, ok := raw[key]
	if !ok {
		key = includeAlias
		if val, ok = raw[key]; !ok {
			return nil, nil
		}
	}
	delete(raw, key)

	var out []string
	switch typed := val.(type) {
	case string:
		out = []string{typed}
	case []any:
		for _, entry := range typed {
			s, ok := entry.(string)
			if !ok {
				return nil, fmt.Errorf("%s entries must be strings", key)
			}
			out = append(out, s)
		}
	default:
		return nil, fmt.Errorf("%s must be a string or a list of strings", key)
	}

	paths := out[:0]
	for _, p := range out {
		if p = strings.TrimSpace(p); p != "" {
			paths = append(paths, p)
		}
	}
	return paths, nil
}

// mergeMaps merges src into dst recursively; src wins on conflicts.
func mergeMaps(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = map[string]any{}
	}
	for key, value := range src {
		if sub, ok := value.(map[string]any); ok {
			if existing, ok := dst[key].(map[string]any); ok {
				dst[key] = mergeMaps(existing, sub)
				continue
			}
		}
		dst[key] = value
	}
	return dst
}

// decodeRawConfig round-trips raw through YAML so both input formats share
// the strict decoder.
func decodeRawConfig(raw map[string]any) (*Config, error) {
	payload, err := yaml.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("serialize config: %w", err)
	}
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(payload))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && err != io.EOF {
		return nil, err
	}
	return &cfg, nil
}
