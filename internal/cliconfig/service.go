// Package cliconfig backs the config and doctor CLI commands.
package cliconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/KafClaw/wabridge/internal/config"
)

// secretKeys are masked by Get unless reveal is set.
var secretKeys = map[string]bool{"authToken": true, "token": true}

type pathToken struct {
	key   string
	index *int
}

// Get returns the effective value at path (dot + bracket notation, e.g.
// "kafka.brokers[0]").
func Get(path string, reveal bool) (any, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	m, err := toMap(cfg)
	if err != nil {
		return nil, err
	}
	if !reveal {
		mask(m)
	}
	tokens, err := parsePath(path)
	if err != nil {
		return nil, err
	}
	val, ok := getAtPath(m, tokens)
	if !ok {
		return nil, fmt.Errorf("path not found: %s", path)
	}
	return val, nil
}

// Set writes value (JSON or plain string) at path into the config file.
// Paths outside the schema and values of the wrong type are rejected before
// anything is written.
func Set(path, rawValue string) error {
	tokens, err := parsePath(path)
	if err != nil {
		return err
	}
	defaults, err := toMap(config.DefaultConfig())
	if err != nil {
		return err
	}
	if !knownPath(defaults, tokens) {
		return fmt.Errorf("unknown config path: %s", path)
	}

	cfgMap, cfgPath, err := loadFileConfigMap()
	if err != nil {
		return err
	}
	root, ok := setNode(cfgMap, tokens, parseValue(rawValue)).(map[string]any)
	if !ok {
		return fmt.Errorf("invalid config root after set")
	}
	data, err := json.Marshal(root)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, config.DefaultConfig()); err != nil {
		return fmt.Errorf("invalid value for %s: %w", path, err)
	}
	return saveFileConfigMap(cfgPath, root)
}

// Init writes the default configuration unless a file already exists.
func Init() (string, bool, error) {
	path, err := config.ConfigPath()
	if err != nil {
		return "", false, err
	}
	if _, err := os.Stat(path); err == nil {
		return path, false, nil
	}
	return path, true, config.Save(config.DefaultConfig())
}

func toMap(cfg *config.Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func mask(node any) {
	switch v := node.(type) {
	case map[string]any:
		for k, child := range v {
			if s, ok := child.(string); ok && secretKeys[k] && s != "" {
				v[k] = "********"
				continue
			}
			mask(child)
		}
	case []any:
		for _, child := range v {
			mask(child)
		}
	}
}

// knownPath reports whether the object keys of path exist in the schema.
// Array indexes are accepted for any array field.
func knownPath(schema map[string]any, path []pathToken) bool {
	cur := any(schema)
	for _, tok := range path {
		if tok.index != nil {
			if _, ok := cur.([]any); !ok && cur != nil {
				return false
			}
			return true
		}
		obj, ok := cur.(map[string]any)
		if !ok {
			return false
		}
		next, ok := obj[tok.key]
		if !ok {
			return false
		}
		cur = next
	}
	return true
}

func loadFileConfigMap() (map[string]any, string, error) {
	cfgPath, err := config.ConfigPath()
	if err != nil {
		return nil, "", err
	}
	data, err := os.ReadFile(cfgPath)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]any{}, cfgPath, nil
		}
		return nil, "", err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, "", fmt.Errorf("parse %s: %w", cfgPath, err)
	}
	if m == nil {
		m = map[string]any{}
	}
	return m, cfgPath, nil
}

func saveFileConfigMap(cfgPath string, m map[string]any) error {
	if err := os.MkdirAll(filepath.Dir(cfgPath), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(cfgPath, data, 0o600)
}

func parsePath(path string) ([]pathToken, error) {
	s := strings.TrimSpace(path)
	if s == "" {
		return nil, fmt.Errorf("path is empty")
	}
	var out []pathToken
	for _, part := range strings.Split(s, ".") {
		key, rest, _ := strings.Cut(part, "[")
		if key = strings.TrimSpace(key); key != "" {
			out = append(out, pathToken{key: key})
		}
		for rest != "" {
			raw, after, ok := strings.Cut(rest, "]")
			if !ok {
				return nil, fmt.Errorf("invalid path: missing closing ] in %q", path)
			}
			idx, err := strconv.Atoi(strings.TrimSpace(raw))
			if err != nil || idx < 0 {
				return nil, fmt.Errorf("invalid array index %q in %q", raw, path)
			}
			out = append(out, pathToken{index: &idx})
			rest = strings.TrimPrefix(after, "[")
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("path is empty")
	}
	return out, nil
}

func parseValue(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		return v
	}
	return raw
}

func getAtPath(root map[string]any, path []pathToken) (any, bool) {
	cur := any(root)
	for _, tok := range path {
		if tok.index != nil {
			arr, ok := cur.([]any)
			if !ok || *tok.index >= len(arr) {
				return nil, false
			}
			cur = arr[*tok.index]
			continue
		}
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		next, ok := obj[tok.key]
		if !ok {
			return nil, false
		}
		cur = next
	}
	return cur, true
}

func setNode(node any, path []pathToken, value any) any {
	if len(path) == 0 {
		return value
	}
	tok, rest := path[0], path[1:]
	if tok.index != nil {
		arr, _ := node.([]any)
		for len(arr) <= *tok.index {
			arr = append(arr, nil)
		}
		arr[*tok.index] = setNode(arr[*tok.index], rest, value)
		return arr
	}
	obj, ok := node.(map[string]any)
	if !ok {
		obj = map[string]any{}
	}
	obj[tok.key] = setNode(obj[tok.key], rest, value)
	return obj
}
