package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/BTreeMap/CarValue/internal/api"
	"github.com/BTreeMap/CarValue/internal/flow"
	"github.com/BTreeMap/CarValue/internal/lockfile"
	"github.com/BTreeMap/CarValue/internal/messaging"
	"github.com/BTreeMap/CarValue/internal/models"
	"github.com/BTreeMap/CarValue/internal/store"
	"github.com/BTreeMap/CarValue/internal/twiliowhatsapp"
	"github.com/BTreeMap/CarValue/internal/util"
	"github.com/BTreeMap/CarValue/internal/valuation"
	"github.com/BTreeMap/CarValue/internal/whatsapp"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for CarValue state data
	DefaultStateDir = "/var/lib/carvalue"
	// DefaultAppDBFileName is the default SQLite database filename
	DefaultAppDBFileName = "carvalue.db"
	// DefaultWhatsAppDBFileName is the default whatsmeow device database filename
	DefaultWhatsAppDBFileName = "whatsmeow.db"
	// DefaultPort is the listen port when neither API_ADDR nor PORT is set
	DefaultPort = "8000"
	// DefaultShutdownTimeout bounds graceful shutdown
	DefaultShutdownTimeout = 10 * time.Second

	BackendTwilio   = "twilio"
	BackendWhatsApp = "whatsapp"
)

func main() {
	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)
	initializeLogger(*flags.logLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, flags); err != nil {
		slog.Error("CarValue failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("CarValue exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir        string
	DatabaseDSN     string
	WhatsAppDBDSN   string
	Backend         string
	PublicBaseURL   string
	APIAddr         string
	ModelPath       string
	ModelEagerLoad  bool
	ReferenceYear   int
	SessionTTL      time.Duration
	RegisterWebhook bool
	LogLevel        string
}

// Flags holds command line flag values
type Flags struct {
	stateDir        *string
	dbDSN           *string
	waDBDSN         *string
	backend         *string
	publicBaseURL   *string
	apiAddr         *string
	modelPath       *string
	modelEagerLoad  *bool
	referenceYear   *int
	sessionTTL      *time.Duration
	registerWebhook *bool
	logLevel        *string
	qrOutput        *string
	numeric         *bool
}

// initializeLogger installs a text slog handler at the named level.
func initializeLogger(level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})))
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}

	config := Config{
		StateDir:        util.GetEnv("CARVALUE_STATE_DIR", DefaultStateDir),
		DatabaseDSN:     os.Getenv("DATABASE_URL"),
		WhatsAppDBDSN:   os.Getenv("WHATSAPP_DB_DSN"),
		Backend:         strings.ToLower(util.GetEnv("MESSAGING_BACKEND", BackendTwilio)),
		PublicBaseURL:   util.GetEnv("PUBLIC_BASE_URL", os.Getenv("RENDER_EXTERNAL_URL")),
		APIAddr:         util.GetEnv("API_ADDR", ":"+util.GetEnv("PORT", DefaultPort)),
		ModelPath:       util.GetEnv("MODEL_PATH", valuation.DefaultArtifactPath),
		ModelEagerLoad:  util.ParseBoolEnv("MODEL_EAGER_LOAD", false),
		ReferenceYear:   util.ParseIntEnv("REFERENCE_YEAR", valuation.DefaultReferenceYear),
		SessionTTL:      util.ParseDurationEnv("SESSION_TTL", flow.DefaultSessionTTL),
		RegisterWebhook: util.ParseBoolEnv("REGISTER_WEBHOOK", true),
		LogLevel:        util.GetEnv("LOG_LEVEL", "info"),
	}

	if config.DatabaseDSN == "" {
		config.DatabaseDSN = filepath.Join(config.StateDir, DefaultAppDBFileName)
	}
	if config.WhatsAppDBDSN == "" {
		config.WhatsAppDBDSN = "file:" + filepath.Join(config.StateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
	}
	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	return parseFlagSet(flag.CommandLine, os.Args[1:], config)
}

func parseFlagSet(fs *flag.FlagSet, args []string, config Config) Flags {
	flags := Flags{
		stateDir:        fs.String("state-dir", config.StateDir, "state directory for CarValue data (overrides $CARVALUE_STATE_DIR)"),
		dbDSN:           fs.String("db-dsn", config.DatabaseDSN, "valuation database DSN; SQLite path or Postgres URL (overrides $DATABASE_URL)"),
		waDBDSN:         fs.String("whatsapp-db-dsn", config.WhatsAppDBDSN, "whatsmeow device database DSN (overrides $WHATSAPP_DB_DSN)"),
		backend:         fs.String("backend", config.Backend, "messaging backend: twilio or whatsapp (overrides $MESSAGING_BACKEND)"),
		publicBaseURL:   fs.String("public-url", config.PublicBaseURL, "externally reachable base URL for the webhook (overrides $PUBLIC_BASE_URL)"),
		apiAddr:         fs.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR / $PORT)"),
		modelPath:       fs.String("model", config.ModelPath, "model artifact path (overrides $MODEL_PATH)"),
		modelEagerLoad:  fs.Bool("model-eager-load", config.ModelEagerLoad, "load the model at startup (overrides $MODEL_EAGER_LOAD)"),
		referenceYear:   fs.Int("reference-year", config.ReferenceYear, "year used to derive vehicle age (overrides $REFERENCE_YEAR)"),
		sessionTTL:      fs.Duration("session-ttl", config.SessionTTL, "idle time before a conversation is dropped, 0 disables (overrides $SESSION_TTL)"),
		registerWebhook: fs.Bool("register-webhook", config.RegisterWebhook, "point the Twilio number at the webhook on startup (overrides $REGISTER_WEBHOOK)"),
		logLevel:        fs.String("log-level", config.LogLevel, "log level: debug, info, warn, error (overrides $LOG_LEVEL)"),
		qrOutput:        fs.String("qr-output", "", "path to write the WhatsApp login QR code"),
		numeric:         fs.Bool("numeric-code", false, "print the WhatsApp pairing code instead of a QR code"),
	}
	fs.Parse(args)

	// A moved state dir carries the default database files with it.
	if *flags.stateDir != config.StateDir {
		if *flags.dbDSN == filepath.Join(config.StateDir, DefaultAppDBFileName) {
			*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultAppDBFileName)
		}
		if *flags.waDBDSN == "file:"+filepath.Join(config.StateDir, DefaultWhatsAppDBFileName)+"?_foreign_keys=on" {
			*flags.waDBDSN = "file:" + filepath.Join(*flags.stateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
		}
	}
	return flags
}

// webhookRegistrar is implemented by backends that can point the provider at our URL.
type webhookRegistrar interface {
	RegisterWebhook(ctx context.Context, baseURL string) error
	UnregisterWebhook(ctx context.Context) error
}

// buildMessagingService connects the configured chat backend.
func buildMessagingService(ctx context.Context, flags Flags) (messaging.Service, error) {
	switch *flags.backend {
	case BackendTwilio:
		client, err := twiliowhatsapp.NewClient()
		if err != nil {
			return nil, fmt.Errorf("twilio client: %w", err)
		}
		return messaging.NewTwilioService(client), nil
	case BackendWhatsApp:
		var opts []whatsapp.Option
		opts = append(opts, whatsapp.WithDBDSN(*flags.waDBDSN))
		if *flags.qrOutput != "" {
			opts = append(opts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
		}
		if *flags.numeric {
			opts = append(opts, whatsapp.WithNumericCode())
		}
		client, err := whatsapp.NewClient(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("whatsapp client: %w", err)
		}
		return messaging.NewWhatsAppService(client), nil
	default:
		return nil, fmt.Errorf("unknown messaging backend %q", *flags.backend)
	}
}

// evictionInterval sweeps a few times per TTL, within sane bounds.
func evictionInterval(ttl time.Duration) time.Duration {
	interval := ttl / 4
	if interval < 10*time.Second {
		interval = 10 * time.Second
	}
	if interval > 5*time.Minute {
		interval = 5 * time.Minute
	}
	return interval
}

// logReceipts drains delivery receipts until the service closes the channel.
func logReceipts(receipts <-chan models.Receipt) {
	for r := range receipts {
		slog.Debug("Message receipt", "to", r.To, "status", r.Status, "time", r.Time)
	}
}

func run(ctx context.Context, flags Flags) error {
	lock, err := lockfile.AcquireLock(*flags.stateDir)
	if err != nil {
		return err
	}
	defer lock.Release()

	st, err := store.Open(*flags.dbDSN)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	estimator := valuation.NewEstimator(
		valuation.FileSource{Path: *flags.modelPath},
		valuation.NewEncoder(valuation.WithReferenceYear(*flags.referenceYear)),
	)
	if *flags.modelEagerLoad {
		if err := estimator.Reload(ctx); err != nil {
			slog.Warn("Model artifact not loaded at startup; will retry on first valuation", "error", err)
		}
	}

	msgService, err := buildMessagingService(ctx, flags)
	if err != nil {
		return err
	}

	// Handlers outlive ctx so queued conversations can finish during shutdown.
	handlerCtx, cancelHandlers := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelHandlers()

	sessions := flow.NewSessionStore(flow.WithSessionTTL(*flags.sessionTTL))
	go sessions.RunEviction(ctx, evictionInterval(*flags.sessionTTL))

	orchestrator := flow.NewOrchestrator(
		flow.NewMachine(flow.DefaultSchema()),
		sessions,
		estimator,
		msgService,
		flow.WithRecorder(st),
	)
	respHandler := messaging.NewResponseHandler(msgService, orchestrator, messaging.WithDedup(st))

	if err := msgService.Start(handlerCtx); err != nil {
		return fmt.Errorf("start messaging service: %w", err)
	}
	respHandler.Start(handlerCtx)
	go logReceipts(msgService.Receipts())

	server := api.NewServer(respHandler, st, orchestrator, api.WithAddr(*flags.apiAddr))
	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Run() }()

	registrar, canRegister := msgService.(webhookRegistrar)
	registered := false
	if canRegister && *flags.registerWebhook && *flags.publicBaseURL != "" {
		if err := registrar.RegisterWebhook(ctx, *flags.publicBaseURL); err != nil {
			slog.Error("Webhook registration failed; inbound messages need manual configuration", "error", err)
		} else {
			registered = true
		}
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	slog.Info("CarValue running", "backend", *flags.backend, "addr", server.Addr(), "model", *flags.modelPath)
	var runErr error
loop:
	for {
		select {
		case <-hup:
			if err := estimator.Reload(ctx); err != nil {
				slog.Error("Model reload failed", "error", err)
			}
		case err := <-serverErr:
			runErr = err
			break loop
		case <-ctx.Done():
			break loop
		}
	}

	slog.Info("CarValue shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()

	if registered {
		if err := registrar.UnregisterWebhook(shutdownCtx); err != nil {
			slog.Warn("Webhook unregistration failed", "error", err)
		}
	}
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Warn("HTTP server shutdown incomplete", "error", err)
	}
	respHandler.Stop()
	respHandler.Wait()
	cancelHandlers()
	if err := msgService.Stop(); err != nil {
		slog.Warn("Messaging service stop failed", "error", err)
	}
	return runErr
}
