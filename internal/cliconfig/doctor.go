package cliconfig

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/KafClaw/wabridge/internal/config"
)

type DoctorStatus string

const (
	DoctorPass DoctorStatus = "pass"
	DoctorWarn DoctorStatus = "warn"
	DoctorFail DoctorStatus = "fail"
)

type DoctorCheck struct {
	Name    string
	Status  DoctorStatus
	Message string
}

type DoctorReport struct {
	Checks []DoctorCheck
}

type DoctorOptions struct {
	GenerateGatewayToken bool
	// SkipNetwork disables the broker reachability probe.
	SkipNetwork bool
}

// dialBroker is swapped in tests.
var dialBroker = func(addr string) error {
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		return err
	}
	return conn.Close()
}

func (r DoctorReport) HasFailures() bool {
	for _, c := range r.Checks {
		if c.Status == DoctorFail {
			return true
		}
	}
	return false
}

func (r *DoctorReport) add(name string, status DoctorStatus, format string, args ...any) {
	r.Checks = append(r.Checks, DoctorCheck{Name: name, Status: status, Message: fmt.Sprintf(format, args...)})
}

func RunDoctor() (DoctorReport, error) {
	return RunDoctorWithOptions(DoctorOptions{})
}

func RunDoctorWithOptions(opts DoctorOptions) (DoctorReport, error) {
	report := DoctorReport{Checks: make([]DoctorCheck, 0, 10)}

	cfgPath, err := config.ConfigPath()
	if err != nil {
		report.add("config_path", DoctorFail, "cannot resolve config path: %v", err)
		return report, nil
	}
	switch _, err := os.Stat(cfgPath); {
	case err == nil:
		report.add("config_file", DoctorPass, "config file found at %s", cfgPath)
	case os.IsNotExist(err):
		report.add("config_file", DoctorWarn, "config file not found at %s (defaults will be used)", cfgPath)
	default:
		report.add("config_file", DoctorFail, "cannot access config file: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		report.add("config_load", DoctorFail, "config load failed: %v", err)
		return report, nil
	}
	report.add("config_load", DoctorPass, "config loaded successfully")

	if opts.GenerateGatewayToken {
		token, err := randomToken()
		if err == nil {
			cfg.Gateway.AuthToken = token
			err = config.Save(cfg)
		}
		if err != nil {
			report.add("gateway_token", DoctorFail, "failed to set gateway token: %v", err)
		} else {
			report.add("gateway_token", DoctorPass, "generated and saved gateway auth token")
		}
	}

	checkGateway(&report, cfg.Gateway)
	checkWritableDir(&report, "credentials_dir", cfg.Credentials.DataDir)
	if cfg.Webhook.Enabled {
		checkWebhook(&report, cfg.Webhook)
	}
	if cfg.Kafka.Enabled {
		checkKafka(&report, cfg.Kafka, opts.SkipNetwork)
	}
	if cfg.LocalDB.Enabled {
		checkWritableDir(&report, "localdb_dir", filepath.Dir(cfg.LocalDB.Path))
	}
	if cfg.Tracing.Exporter == "otlp" && cfg.Tracing.OTLPEndpoint == "" && os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") == "" {
		report.add("tracing", DoctorFail, "tracing.exporter is otlp but no endpoint is configured")
	}
	if !cfg.Webhook.Enabled && !cfg.Kafka.Enabled && !cfg.LocalDB.Enabled {
		report.add("sinks", DoctorWarn, "no event sink is enabled; inbound messages will be dropped")
	}
	return report, nil
}

// checkGateway warns on an exposed listener without a token. The bridge
// historically listens on all interfaces, so this is not a failure.
func checkGateway(r *DoctorReport, gw config.GatewayConfig) {
	switch {
	case isLoopbackHost(gw.Host):
		r.add("gateway_exposure", DoctorPass, "gateway.host is loopback (%s)", gw.Host)
	case strings.TrimSpace(gw.AuthToken) == "":
		r.add("gateway_exposure", DoctorWarn, "gateway listens on %s without gateway.authToken (run doctor --generate-gateway-token)", gw.Host)
	default:
		r.add("gateway_exposure", DoctorPass, "gateway listens on %s with bearer auth", gw.Host)
	}
}

func checkWritableDir(r *DoctorReport, name, dir string) {
	if strings.TrimSpace(dir) == "" {
		r.add(name, DoctorFail, "directory is not configured")
		return
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		r.add(name, DoctorFail, "cannot create %s: %v", dir, err)
		return
	}
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		r.add(name, DoctorFail, "%s is not writable: %v", dir, err)
		return
	}
	f.Close()
	os.Remove(f.Name())
	r.add(name, DoctorPass, "%s is writable", dir)
}

func checkWebhook(r *DoctorReport, wh config.WebhookConfig) {
	u, err := url.Parse(wh.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		r.add("webhook_url", DoctorFail, "webhook.baseUrl %q is not an absolute http(s) URL", wh.BaseURL)
		return
	}
	if u.Scheme == "http" && !isLoopbackHost(u.Hostname()) && wh.Token != "" {
		r.add("webhook_url", DoctorWarn, "webhook token is sent over plain http to %s", u.Host)
		return
	}
	r.add("webhook_url", DoctorPass, "webhook target %s", wh.BaseURL)
}

func checkKafka(r *DoctorReport, k config.KafkaConfig, skipNetwork bool) {
	if len(k.Brokers) == 0 || strings.TrimSpace(k.Topic) == "" {
		r.add("kafka", DoctorFail, "kafka sink needs kafka.brokers and kafka.topic")
		return
	}
	if skipNetwork {
		r.add("kafka", DoctorPass, "kafka configured (%d brokers, topic %s)", len(k.Brokers), k.Topic)
		return
	}
	var down []string
	for _, b := range k.Brokers {
		if err := dialBroker(strings.TrimSpace(b)); err != nil {
			down = append(down, b)
		}
	}
	if len(down) == len(k.Brokers) {
		r.add("kafka", DoctorFail, "no kafka broker reachable (%s)", strings.Join(down, ", "))
		return
	}
	if len(down) > 0 {
		r.add("kafka", DoctorWarn, "unreachable kafka brokers: %s", strings.Join(down, ", "))
		return
	}
	r.add("kafka", DoctorPass, "all %d kafka brokers reachable", len(k.Brokers))
}

func randomToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func isLoopbackHost(host string) bool {
	h := strings.TrimSpace(strings.ToLower(host))
	if h == "localhost" {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
