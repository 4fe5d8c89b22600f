// Package config provides configuration types and loading for wabridge.
package config

// Config is the root configuration struct.
// Top-level groups: Gateway, WhatsApp, Media, Credentials, Webhook, Kafka,
// LocalDB, Tracing.
type Config struct {
	Gateway     GatewayConfig     `json:"gateway"`
	WhatsApp    WhatsAppConfig    `json:"whatsapp"`
	Media       MediaConfig       `json:"media"`
	Credentials CredentialsConfig `json:"credentials"`
	Webhook     WebhookConfig     `json:"webhook"`
	Kafka       KafkaConfig       `json:"kafka"`
	LocalDB     LocalDBConfig     `json:"localdb"`
	Tracing     TracingConfig     `json:"tracing"`
}

// ---------------------------------------------------------------------------
// Gateway – HTTP control surface
// ---------------------------------------------------------------------------

// GatewayConfig contains the HTTP listener settings.
type GatewayConfig struct {
	Host      string `json:"host" envconfig:"HOST"`
	Port      int    `json:"port" envconfig:"PORT"`
	AuthToken string `json:"authToken" envconfig:"AUTH_TOKEN"`
	// BodyLimitBytes caps request bodies.
	BodyLimitBytes int64  `json:"bodyLimitBytes" envconfig:"BODY_LIMIT_BYTES"`
	Mode           string `json:"mode" envconfig:"MODE"`
}

// ---------------------------------------------------------------------------
// WhatsApp – session supervisor
// ---------------------------------------------------------------------------

// WhatsAppConfig tunes the session supervisor.
type WhatsAppConfig struct {
	ReplayChats      bool   `json:"replayChats" envconfig:"REPLAY_CHATS"`
	MediaPlaceholder string `json:"mediaPlaceholder" envconfig:"MEDIA_PLACEHOLDER"`
	// QRDir receives qr_<instance>.png files. Empty writes qr.png into the
	// instance's credential directory.
	QRDir    string `json:"qrDir" envconfig:"QR_DIR"`
	QRStdout bool   `json:"qrStdout" envconfig:"QR_STDOUT"`
	LogLevel string `json:"logLevel" envconfig:"LOG_LEVEL"`
}

// ---------------------------------------------------------------------------
// Media – outbound attachment policy
// ---------------------------------------------------------------------------

// MediaConfig limits what the send endpoint accepts.
type MediaConfig struct {
	MaxBytes          int64 `json:"maxBytes" envconfig:"MAX_BYTES"`
	AllowInlineBase64 bool  `json:"allowInlineBase64" envconfig:"ALLOW_INLINE_BASE64"`
	ProbeTimeoutSec   int   `json:"probeTimeoutSec" envconfig:"PROBE_TIMEOUT_SEC"`
}

// ---------------------------------------------------------------------------
// Credentials – per-instance device stores
// ---------------------------------------------------------------------------

// CredentialsConfig locates the per-instance whatsmeow stores.
type CredentialsConfig struct {
	DataDir string `json:"dataDir" envconfig:"DATA_DIR"`
	// Driver is "sqlite" (modernc, default) or "sqlite3" (mattn, cgo).
	Driver string `json:"driver" envconfig:"DRIVER"`
}

// ---------------------------------------------------------------------------
// Downstream – event sinks
// ---------------------------------------------------------------------------

// WebhookConfig configures the HTTP sink.
type WebhookConfig struct {
	Enabled    bool   `json:"enabled" envconfig:"ENABLED"`
	BaseURL    string `json:"baseUrl" envconfig:"BASE_URL"`
	Token      string `json:"token" envconfig:"TOKEN"`
	TimeoutSec int    `json:"timeoutSec" envconfig:"TIMEOUT_SEC"`
}

// KafkaConfig configures the Kafka sink.
type KafkaConfig struct {
	Enabled bool     `json:"enabled" envconfig:"ENABLED"`
	Brokers []string `json:"brokers" envconfig:"BROKERS"`
	Topic   string   `json:"topic" envconfig:"TOPIC"`
}

// LocalDBConfig configures the sqlite mirror sink.
type LocalDBConfig struct {
	Enabled bool   `json:"enabled" envconfig:"ENABLED"`
	Path    string `json:"path" envconfig:"DB_PATH"`
}

// ---------------------------------------------------------------------------
// Tracing
// ---------------------------------------------------------------------------

// TracingConfig selects the OpenTelemetry exporter. Exporter is "otlp",
// "stdout" or empty (disabled).
type TracingConfig struct {
	Exporter     string `json:"exporter" envconfig:"EXPORTER"`
	OTLPEndpoint string `json:"otlpEndpoint" envconfig:"OTLP_ENDPOINT"`
	Insecure     bool   `json:"insecure" envconfig:"INSECURE"`
	ServiceName  string `json:"serviceName" envconfig:"SERVICE_NAME"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host:           "0.0.0.0",
			Port:           3002,
			BodyLimitBytes: 15 << 20,
			Mode:           "release",
		},
		WhatsApp: WhatsAppConfig{
			ReplayChats:      true,
			MediaPlaceholder: "Mídia recebida",
			QRStdout:         true,
			LogLevel:         "WARN",
		},
		Media: MediaConfig{
			MaxBytes:        15 << 20,
			ProbeTimeoutSec: 15,
		},
		Credentials: CredentialsConfig{
			DataDir: "~/.wabridge/sessions",
			Driver:  "sqlite",
		},
		Webhook: WebhookConfig{
			Enabled:    true,
			BaseURL:    "http://localhost:8889",
			TimeoutSec: 10,
		},
		Kafka: KafkaConfig{
			Topic: "wabridge.events",
		},
		LocalDB: LocalDBConfig{
			Path: "~/.wabridge/local.db",
		},
		Tracing: TracingConfig{
			ServiceName: "wabridge",
		},
	}
}
