package cliconfig

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

// isolate points HOME at an empty temp dir and returns the config dir.
func isolate(t *testing.T) string {
	t.Helper()
	tmp := t.TempDir()
	t.Setenv("HOME", tmp)
	for _, k := range []string{"WABRIDGE_CONFIG", "WABRIDGE_HOME", "WABRIDGE_ENV_FILE", "WHATSFLOW_API_URL", "OTEL_EXPORTER_OTLP_ENDPOINT", "PORT"} {
		t.Setenv(k, "")
		_ = os.Unsetenv(k)
	}
	return filepath.Join(tmp, ".wabridge")
}

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestParsePath(t *testing.T) {
	toks, err := parsePath(" kafka.brokers[1] ")
	if err != nil {
		t.Fatalf("parse path: %v", err)
	}
	if len(toks) != 3 || toks[0].key != "kafka" || toks[1].key != "brokers" || toks[2].index == nil || *toks[2].index != 1 {
		t.Fatalf("unexpected tokens: %#v", toks)
	}

	nested, err := parsePath("a[0][2].b")
	if err != nil || len(nested) != 4 || *nested[2].index != 2 || nested[3].key != "b" {
		t.Fatalf("nested = %#v, %v", nested, err)
	}

	for _, bad := range []string{"", "a[nope]", "a[1", "a[-1]"} {
		if _, err := parsePath(bad); err == nil {
			t.Errorf("%q: expected error", bad)
		}
	}
}

func TestParseValue(t *testing.T) {
	if n, ok := parseValue("3003").(float64); !ok || n != 3003 {
		t.Fatal("expected numeric JSON parse")
	}
	if b, ok := parseValue("true").(bool); !ok || !b {
		t.Fatal("expected bool JSON parse")
	}
	if s, ok := parseValue("http://crm:8889").(string); !ok || s != "http://crm:8889" {
		t.Fatal("expected plain string fallback")
	}
}

func TestSetNodeWithArrayIndex(t *testing.T) {
	path, _ := parsePath("kafka.brokers[1]")
	root := setNode(map[string]any{}, path, "b2:9092").(map[string]any)
	v, ok := getAtPath(root, path)
	if !ok || v != "b2:9092" {
		t.Fatalf("got %#v ok=%v", v, ok)
	}
	first, _ := parsePath("kafka.brokers[0]")
	if v, ok := getAtPath(root, first); !ok || v != nil {
		t.Fatalf("padding = %#v ok=%v", v, ok)
	}
}

func TestSetThenGet(t *testing.T) {
	dir := isolate(t)
	path := writeConfig(t, dir, `{"gateway":{"port":4000}}`)

	if err := Set("webhook.baseUrl", "http://crm.internal:8889"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := Set("kafka.brokers[0]", "kafka-1:9092"); err != nil {
		t.Fatalf("Set broker: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var file map[string]any
	if err := json.Unmarshal(data, &file); err != nil {
		t.Fatal(err)
	}
	if file["gateway"].(map[string]any)["port"] != 4000.0 {
		t.Fatalf("existing keys lost: %s", data)
	}

	got, err := Get("webhook.baseUrl", false)
	if err != nil || got != "http://crm.internal:8889" {
		t.Fatalf("Get = %#v, %v", got, err)
	}
	broker, err := Get("kafka.brokers[0]", false)
	if err != nil || broker != "kafka-1:9092" {
		t.Fatalf("broker = %#v, %v", broker, err)
	}
}

func TestSetRejectsUnknownPathAndBadType(t *testing.T) {
	dir := isolate(t)
	path := writeConfig(t, dir, `{}`)

	if err := Set("gateway.listen", "x"); err == nil {
		t.Error("expected unknown path error")
	}
	if err := Set("gateway.port", "not-a-number"); err == nil {
		t.Error("expected type error")
	}
	data, _ := os.ReadFile(path)
	if string(data) != `{}` {
		t.Fatalf("file changed on rejected set: %s", data)
	}
}

func TestGetMasksSecrets(t *testing.T) {
	dir := isolate(t)
	writeConfig(t, dir, `{"gateway":{"authToken":"s3cret"}}`)

	masked, err := Get("gateway.authToken", false)
	if err != nil || masked != "********" {
		t.Fatalf("masked = %#v, %v", masked, err)
	}
	plain, err := Get("gateway.authToken", true)
	if err != nil || plain != "s3cret" {
		t.Fatalf("plain = %#v, %v", plain, err)
	}
}

func TestInitWritesDefaultsOnce(t *testing.T) {
	isolate(t)
	path, created, err := Init()
	if err != nil || !created {
		t.Fatalf("Init = %s %v %v", path, created, err)
	}
	if _, created, err := Init(); err != nil || created {
		t.Fatalf("second Init created=%v err=%v", created, err)
	}
}
