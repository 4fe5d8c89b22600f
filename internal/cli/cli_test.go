package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fatih/color"

	"github.com/KafClaw/wabridge/internal/config"
	"github.com/KafClaw/wabridge/internal/credstore"
)

func runRootCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(args)
	_, err := rootCmd.ExecuteC()
	rootCmd.SetArgs(nil)
	return strings.TrimSpace(buf.String()), err
}

func isolateHome(t *testing.T) string {
	t.Helper()
	tmp := t.TempDir()
	t.Setenv("HOME", tmp)
	for _, k := range []string{"WABRIDGE_CONFIG", "WABRIDGE_HOME", "WABRIDGE_ENV_FILE", "WHATSFLOW_API_URL", "PORT"} {
		t.Setenv(k, "")
		_ = os.Unsetenv(k)
	}
	return filepath.Join(tmp, ".wabridge")
}

func TestConfigSetGetCommands(t *testing.T) {
	dir := isolateHome(t)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "config.json"), []byte(`{"gateway":{"port":3000}}`), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := runRootCommand(t, "config", "set", "gateway.port", "3333"); err != nil {
		t.Fatalf("config set failed: %v", err)
	}
	out, err := runRootCommand(t, "config", "get", "gateway.port")
	if err != nil {
		t.Fatalf("config get failed: %v", err)
	}
	if out != "3333" {
		t.Fatalf("expected 3333, got %q", out)
	}

	if _, err := runRootCommand(t, "config", "set", "gateway.authToken", "tok"); err != nil {
		t.Fatal(err)
	}
	out, _ = runRootCommand(t, "config", "get", "gateway.authToken")
	if out != "********" {
		t.Fatalf("token not masked: %q", out)
	}
	configReveal = false

	if _, err := runRootCommand(t, "config", "set", "gateway.nope", "1"); err == nil {
		t.Fatal("expected unknown path to fail")
	}
}

func TestConfigInitAndPath(t *testing.T) {
	dir := isolateHome(t)

	out, err := runRootCommand(t, "config", "init")
	if err != nil {
		t.Fatalf("config init: %v", err)
	}
	if !strings.Contains(out, "Wrote defaults") {
		t.Fatalf("unexpected output %q", out)
	}
	if _, err := os.Stat(filepath.Join(dir, "config.json")); err != nil {
		t.Fatalf("config not written: %v", err)
	}
	out, err = runRootCommand(t, "config", "path")
	if err != nil || out != filepath.Join(dir, "config.json") {
		t.Fatalf("path = %q, %v", out, err)
	}
}

func TestDoctorCommandFailsOnInvalidConfig(t *testing.T) {
	dir := isolateHome(t)
	color.NoColor = true
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "config.json"), []byte(`{"gateway":`), 0o600); err != nil {
		t.Fatal(err)
	}

	out, err := runRootCommand(t, "doctor", "--skip-network")
	if err == nil {
		t.Fatal("expected doctor command failure for invalid config")
	}
	if !strings.Contains(out, "[FAIL] config_load:") {
		t.Fatalf("expected config_load failure in output, got %q", out)
	}
}

func TestDoctorCommandPassesWithDefaults(t *testing.T) {
	isolateHome(t)
	color.NoColor = true

	out, err := runRootCommand(t, "doctor", "--skip-network")
	if err != nil {
		t.Fatalf("doctor failed unexpectedly: %v\n%s", err, out)
	}
	if !strings.Contains(out, "[WARN] config_file:") {
		t.Fatalf("expected config_file warning in output, got %q", out)
	}
	if !strings.Contains(out, "0 failures") {
		t.Fatalf("expected summary line, got %q", out)
	}
}

func TestDoctorCommandJSON(t *testing.T) {
	isolateHome(t)
	t.Cleanup(func() { doctorJSON = false })

	out, err := runRootCommand(t, "doctor", "--skip-network", "--json")
	if err != nil {
		t.Fatalf("doctor --json: %v\n%s", err, out)
	}
	var lines []doctorLine
	if err := json.Unmarshal([]byte(out), &lines); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out)
	}
	found := false
	for _, l := range lines {
		if l.Name == "credentials_dir" {
			found = l.Status == "pass"
		}
	}
	if !found {
		t.Fatalf("credentials_dir check missing or failing: %+v", lines)
	}
}

func TestInstancesPurgeRequiresConfirmation(t *testing.T) {
	isolateHome(t)
	cfg := config.DefaultConfig()
	store, err := credstore.New(cfg.Credentials, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(store.Dir("shop"), 0o700); err != nil {
		t.Fatal(err)
	}

	if _, err := runRootCommand(t, "instances", "purge", "shop"); err == nil {
		t.Fatal("expected purge without --yes to fail")
	}
	if _, err := os.Stat(store.Dir("shop")); err != nil {
		t.Fatalf("dir removed without confirmation: %v", err)
	}

	if _, err := runRootCommand(t, "instances", "purge", "shop", "--yes"); err != nil {
		t.Fatalf("purge: %v", err)
	}
	purgeYes = false
	if _, err := os.Stat(store.Dir("shop")); !os.IsNotExist(err) {
		t.Fatalf("dir still present: %v", err)
	}

	if _, err := runRootCommand(t, "instances", "purge", "../etc", "--yes"); err == nil {
		t.Fatal("expected invalid id to be rejected")
	}
	purgeYes = false
}

func TestQRRendererPaths(t *testing.T) {
	isolateHome(t)
	store, err := credstore.New(config.DefaultConfig().Credentials, nil)
	if err != nil {
		t.Fatal(err)
	}

	r := qrRenderer(config.WhatsAppConfig{}, store)
	if got := r.PathFor("shop"); got != filepath.Join(store.Dir("shop"), "qr.png") {
		t.Fatalf("default path = %s", got)
	}
	if r.Out != nil {
		t.Fatal("stdout rendering should be off")
	}

	r = qrRenderer(config.WhatsAppConfig{QRDir: "/srv/qr", QRStdout: true}, store)
	if got := r.PathFor("shop"); got != filepath.Join("/srv/qr", "qr_shop.png") {
		t.Fatalf("qrDir path = %s", got)
	}
	if r.Out == nil {
		t.Fatal("expected stdout rendering")
	}
}
