package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	waLog "go.mau.fi/whatsmeow/util/log"

	"github.com/KafClaw/wabridge/internal/api"
	"github.com/KafClaw/wabridge/internal/bus"
	"github.com/KafClaw/wabridge/internal/config"
	"github.com/KafClaw/wabridge/internal/credstore"
	"github.com/KafClaw/wabridge/internal/instance"
	"github.com/KafClaw/wabridge/internal/media"
	"github.com/KafClaw/wabridge/internal/message"
	"github.com/KafClaw/wabridge/internal/otelutil"
	"github.com/KafClaw/wabridge/internal/sinks"
	"github.com/KafClaw/wabridge/internal/supervisor"
	"github.com/KafClaw/wabridge/internal/whatsapp"
)

var (
	serveResume  bool
	serveVerbose bool
	servePort    int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the bridge and its HTTP API",
	RunE:  runServe,
}

var serveSignalNotify = signal.NotifyContext

func init() {
	serveCmd.Flags().BoolVar(&serveResume, "resume", false, "Reconnect every instance with stored credentials on start")
	serveCmd.Flags().BoolVarP(&serveVerbose, "verbose", "v", false, "Debug logging")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Override gateway.port")
}

func runServe(cmd *cobra.Command, args []string) error {
	printHeader("🌉 wabridge")

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if servePort > 0 {
		cfg.Gateway.Port = servePort
	}
	gin.SetMode(cfg.Gateway.Mode)

	level := slog.LevelInfo
	if serveVerbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	zl := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(whatsapp.ParseLevel(cfg.WhatsApp.LogLevel)).
		With().Timestamp().Logger()

	ctx, stop := serveSignalNotify(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if enabled, err := otelutil.Init(ctx, cfg.Tracing); err != nil {
		fmt.Printf("⚠️ Tracing disabled: %v\n", err)
	} else if enabled {
		fmt.Printf("🔭 Tracing: %s\n", cfg.Tracing.Exporter)
		defer otelutil.Flush()
	}

	store, err := credstore.New(cfg.Credentials, waLog.Zerolog(zl.With().Str("module", "store").Logger()))
	if err != nil {
		return err
	}
	defer store.Close()

	events := bus.New()
	sinkSet, err := sinks.Open(cfg)
	if err != nil {
		return fmt.Errorf("open sinks: %w", err)
	}
	defer sinkSet.Close()
	sinkSet.Subscribe(events)
	fmt.Printf("📤 Sinks: %v\n", events.Sinks())

	resolver := media.NewResolver(cfg.Media, nil)
	sup := supervisor.New(supervisor.Options{
		Registry:         instance.NewRegistry(nil),
		Credentials:      store,
		Dialer:           whatsapp.NewDialer(resolver, zl.With().Str("module", "client").Logger()),
		Publisher:        events,
		Logger:           logger,
		QR:               qrRenderer(cfg.WhatsApp, store),
		MediaPlaceholder: cfg.WhatsApp.MediaPlaceholder,
		ReplayChats:      cfg.WhatsApp.ReplayChats,
	})
	defer sup.Shutdown()

	if serveResume {
		resume(ctx, sup, store)
	}

	srv := api.New(api.Options{
		Supervisor: sup,
		Builder:    message.NewBuilder(resolver),
		Gateway:    cfg.Gateway,
		Logger:     logger,
	})
	fmt.Printf("🚀 Listening on %s:%d\n", cfg.Gateway.Host, cfg.Gateway.Port)
	fmt.Printf("📊 Health check: http://localhost:%d/health\n", cfg.Gateway.Port)
	if !serveResume {
		fmt.Println("⏳ Waiting for connect requests...")
	}

	err = srv.Run(ctx)
	fmt.Println("\n🛑 Shutting down...")
	return err
}

func qrRenderer(cfg config.WhatsAppConfig, store *credstore.Store) supervisor.TerminalQR {
	r := supervisor.TerminalQR{
		PathFor: func(id string) string {
			if cfg.QRDir != "" {
				return filepath.Join(cfg.QRDir, "qr_"+id+".png")
			}
			return filepath.Join(store.Dir(id), "qr.png")
		},
	}
	if cfg.QRStdout {
		r.Out = os.Stdout
	}
	return r
}

func resume(ctx context.Context, sup *supervisor.Supervisor, store *credstore.Store) {
	ids, err := store.List()
	if err != nil {
		fmt.Printf("⚠️ Resume skipped: %v\n", err)
		return
	}
	for _, id := range ids {
		if !store.Exists(id) {
			continue
		}
		if _, err := sup.Connect(ctx, id); err != nil {
			fmt.Printf("⚠️ Resume %s: %v\n", id, err)
			continue
		}
		fmt.Printf("🔄 Resuming instance %s\n", id)
	}
}
