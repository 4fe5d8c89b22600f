package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/kelseyhightower/envconfig"
	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

const (
	// ConfigDir is the default config directory name.
	ConfigDir = ".wabridge"
	// ConfigFile is the default config file name.
	ConfigFile = "config.json"
	// EnvPrefix prefixes every environment override.
	EnvPrefix = "WABRIDGE"
)

// ConfigPath returns the path to the config file.
func ConfigPath() (string, error) {
	if explicit := strings.TrimSpace(os.Getenv("WABRIDGE_CONFIG")); explicit != "" {
		return ExpandHome(explicit), nil
	}
	home, err := resolveHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ConfigDir, ConfigFile), nil
}

func resolveHomeDir() (string, error) {
	if h := strings.TrimSpace(os.Getenv("WABRIDGE_HOME")); h != "" {
		return ExpandHome(h), nil
	}
	return os.UserHomeDir()
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(p string) string {
	if !strings.HasPrefix(p, "~") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, p[1:])
}

// Load loads the configuration from file and environment variables.
// Priority: environment > file > defaults.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	LoadEnvFileCandidates()

	path, err := ConfigPath()
	if err != nil {
		return cfg, nil
	}
	if err := LoadFile(path, cfg); err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	normalize(cfg)
	return cfg, nil
}

// LoadFile merges the file at path (and its $include chain) into cfg.
func LoadFile(path string, cfg *Config) error {
	data, err := loadResolvedConfig(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("config %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	groups := []struct {
		name   string
		target any
	}{
		{"GATEWAY", &cfg.Gateway},
		{"WHATSAPP", &cfg.WhatsApp},
		{"MEDIA", &cfg.Media},
		{"CREDENTIALS", &cfg.Credentials},
		{"WEBHOOK", &cfg.Webhook},
		{"KAFKA", &cfg.Kafka},
		{"LOCALDB", &cfg.LocalDB},
		{"TRACING", &cfg.Tracing},
	}
	for _, g := range groups {
		if err := envconfig.Process(EnvPrefix+"_"+g.name, g.target); err != nil {
			return fmt.Errorf("env %s_%s: %w", EnvPrefix, g.name, err)
		}
	}
	return applyLegacyEnv(cfg)
}

func normalize(cfg *Config) {
	cfg.Credentials.DataDir = ExpandHome(cfg.Credentials.DataDir)
	cfg.LocalDB.Path = ExpandHome(cfg.LocalDB.Path)
	cfg.WhatsApp.QRDir = ExpandHome(cfg.WhatsApp.QRDir)

	switch strings.ToLower(strings.TrimSpace(cfg.Credentials.Driver)) {
	case "sqlite3":
		cfg.Credentials.Driver = "sqlite3"
	default:
		cfg.Credentials.Driver = "sqlite"
	}
	if cfg.Media.MaxBytes <= 0 {
		cfg.Media.MaxBytes = 15 << 20
	}
	if cfg.Media.ProbeTimeoutSec <= 0 {
		cfg.Media.ProbeTimeoutSec = 15
	}
	if cfg.Gateway.BodyLimitBytes <= 0 {
		cfg.Gateway.BodyLimitBytes = cfg.Media.MaxBytes
	}
	if cfg.Webhook.TimeoutSec <= 0 {
		cfg.Webhook.TimeoutSec = 10
	}
	if strings.TrimSpace(cfg.WhatsApp.MediaPlaceholder) == "" {
		cfg.WhatsApp.MediaPlaceholder = "Mídia recebida"
	}
	cfg.Webhook.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.Webhook.BaseURL), "/")
}

// Save writes cfg as JSON to ConfigPath.
func Save(cfg *Config) error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

func loadResolvedConfig(path string) ([]byte, error) {
	obj, err := loadConfigObject(path, map[string]struct{}{})
	if err != nil {
		return nil, err
	}
	return json.Marshal(obj)
}

func loadConfigObject(path string, visited map[string]struct{}) (map[string]any, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if _, seen := visited[absPath]; seen {
		return nil, fmt.Errorf("config include cycle detected at %s", absPath)
	}
	visited[absPath] = struct{}{}
	defer delete(visited, absPath)

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, err
	}
	raw, err := decodeObject(absPath, data)
	if err != nil {
		return nil, err
	}

	merged := map[string]any{}
	if includeRaw, ok := raw["$include"]; ok {
		includeFiles, err := parseIncludes(includeRaw)
		if err != nil {
			return nil, err
		}
		baseDir := filepath.Dir(absPath)
		for _, includePath := range includeFiles {
			resolvedPath := includePath
			if !filepath.IsAbs(includePath) {
				resolvedPath = filepath.Join(baseDir, includePath)
			}
			child, err := loadConfigObject(resolvedPath, visited)
			if err != nil {
				return nil, err
			}
			deepMerge(merged, child)
		}
	}
	delete(raw, "$include")
	substituteEnvValues(raw)
	deepMerge(merged, raw)
	return merged, nil
}

// decodeObject picks the decoder from the file extension. Anything that is
// not YAML or TOML is read as JSON.
func decodeObject(path string, data []byte) (map[string]any, error) {
	var raw map[string]any
	var err error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &raw)
	case ".toml":
		err = toml.Unmarshal(data, &raw)
	default:
		err = json.Unmarshal(data, &raw)
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if raw == nil {
		raw = map[string]any{}
	}
	return raw, nil
}

func parseIncludes(v any) ([]string, error) {
	switch t := v.(type) {
	case string:
		if strings.TrimSpace(t) == "" {
			return nil, nil
		}
		return []string{t}, nil
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("$include entries must be strings")
			}
			if strings.TrimSpace(s) == "" {
				continue
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("$include must be a string or array of strings")
	}
}

func deepMerge(dst, src map[string]any) {
	for key, val := range src {
		srcMap, srcIsMap := val.(map[string]any)
		if !srcIsMap {
			dst[key] = val
			continue
		}
		dstMap, dstIsMap := dst[key].(map[string]any)
		if !dstIsMap {
			dstMap = map[string]any{}
			dst[key] = dstMap
		}
		deepMerge(dstMap, srcMap)
	}
}

func substituteEnvValues(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, item := range t {
			t[k] = substituteEnvValues(item)
		}
		return t
	case []any:
		for i, item := range t {
			t[i] = substituteEnvValues(item)
		}
		return t
	case string:
		return envPattern.ReplaceAllStringFunc(t, func(match string) string {
			parts := envPattern.FindStringSubmatch(match)
			if len(parts) != 2 {
				return match
			}
			if value, ok := os.LookupEnv(parts[1]); ok {
				return value
			}
			return match
		})
	default:
		return v
	}
}
