package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// legacyEnv lists the variables deployments of the previous bridge set.
// Each applies only when its WABRIDGE_* counterpart is unset.
var legacyEnv = []struct {
	name    string
	current string
	apply   func(cfg *Config, v string) error
}{
	{"WHATSFLOW_API_URL", EnvPrefix + "_WEBHOOK_BASE_URL", func(cfg *Config, v string) error {
		cfg.Webhook.BaseURL = v
		return nil
	}},
	{"PORT", EnvPrefix + "_GATEWAY_PORT", func(cfg *Config, v string) error {
		port, err := strconv.Atoi(v)
		if err != nil || port <= 0 || port > 65535 {
			return fmt.Errorf("invalid port %q", v)
		}
		cfg.Gateway.Port = port
		return nil
	}},
}

func applyLegacyEnv(cfg *Config) error {
	for _, l := range legacyEnv {
		if _, set := os.LookupEnv(l.current); set {
			continue
		}
		v := strings.TrimSpace(os.Getenv(l.name))
		if v == "" {
			continue
		}
		if err := l.apply(cfg, v); err != nil {
			return fmt.Errorf("env %s: %w", l.name, err)
		}
	}
	return nil
}

// envFileCandidates lists env files in load order: WABRIDGE_ENV_FILE, the
// .env next to the running bridge, then ~/.wabridge/env.
func envFileCandidates() []string {
	var out []string
	if explicit := strings.TrimSpace(os.Getenv(EnvPrefix + "_ENV_FILE")); explicit != "" {
		out = append(out, ExpandHome(explicit))
	}
	if wd, err := os.Getwd(); err == nil {
		out = append(out, filepath.Join(wd, ".env"))
	}
	if home, err := os.UserHomeDir(); err == nil {
		out = append(out, filepath.Join(home, ConfigDir, "env"))
	}
	return out
}

// LoadEnvFileCandidates exports the variables of every candidate env file.
// Variables already in the environment win, and so does the first file
// that sets a name.
func LoadEnvFileCandidates() {
	seen := map[string]bool{}
	for _, p := range envFileCandidates() {
		if abs, err := filepath.Abs(p); err == nil {
			p = abs
		}
		if seen[p] {
			continue
		}
		seen[p] = true
		_ = loadEnvFile(p)
	}
}

func loadEnvFile(path string) error {
	vars, err := readEnvFile(path)
	if err != nil {
		return err
	}
	for _, kv := range vars {
		if _, exists := os.LookupEnv(kv[0]); exists {
			continue
		}
		_ = os.Setenv(kv[0], kv[1])
	}
	return nil
}

// readEnvFile parses KEY=value lines in dotenv style: optional "export",
// quoted values kept verbatim, " #" starting a comment in unquoted ones.
func readEnvFile(path string) ([][2]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out [][2]string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		key, val, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		out = append(out, [2]string{key, envValue(strings.TrimSpace(val))})
	}
	return out, sc.Err()
}

func envValue(v string) string {
	if len(v) >= 2 && (v[0] == '"' || v[0] == '\'') {
		if end := strings.IndexByte(v[1:], v[0]); end >= 0 {
			return v[1 : end+1]
		}
	}
	if i := strings.Index(v, " #"); i >= 0 {
		v = strings.TrimSpace(v[:i])
	}
	return v
}
