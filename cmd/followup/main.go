package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/postopcare/followup/internal/api"
	"github.com/postopcare/followup/internal/flow"
	"github.com/postopcare/followup/internal/genai"
	"github.com/postopcare/followup/internal/lockfile"
	"github.com/postopcare/followup/internal/messaging"
	"github.com/postopcare/followup/internal/scheduler"
	"github.com/postopcare/followup/internal/store"
	"github.com/postopcare/followup/internal/twiliowhatsapp"
	"github.com/postopcare/followup/internal/util"
	"github.com/postopcare/followup/internal/whatsapp"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for service state data
	DefaultStateDir = "/var/lib/followup"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "followup.db"
	// DefaultInviteTemplate is the invitation template id used when none is
	// configured.
	DefaultInviteTemplate = "postop_followup_invite"
	// DefaultLocale is the invitation locale used when none is configured.
	DefaultLocale = "pt_BR"
)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	// Hold the state directory lock for the lifetime of the process; two
	// instances polling the same reset queue would double-fire resets.
	lock, err := lockfile.AcquireLock(*flags.stateDir)
	if err != nil {
		slog.Error("Failed to acquire state directory lock", "error", err)
		os.Exit(1)
	}
	defer lock.Release()

	if err := run(flags); err != nil {
		slog.Error("Follow-up service failed to run", "error", err)
		lock.Release()
		os.Exit(1)
	}
	slog.Info("Follow-up service exited successfully")
}

func run(flags Flags) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	st, err := openStore(flags)
	if err != nil {
		return err
	}
	defer st.Close()

	msgService, webhook, err := buildMessagingService(flags)
	if err != nil {
		return err
	}

	interpreter, err := genai.NewClient(buildGenAIOptions(flags)...)
	if err != nil {
		return err
	}

	engine := flow.NewEngine(st, msgService, interpreter, nil, nil)
	engine.Start(ctx)
	defer engine.Stop()

	if err := msgService.Start(ctx); err != nil {
		return err
	}
	defer msgService.Stop()

	respHandler := messaging.NewResponseHandler(msgService, engine.Gate, engine.Processor, engine.Resolver, nil)
	respHandler.Start(ctx)

	sched := scheduler.NewScheduler()
	defer sched.Stop()
	dispatcher := scheduler.NewInviteDispatcher(st, engine.Gate, *flags.inviteTemplate, *flags.locale)
	if err := dispatcher.Register(sched, *flags.dispatchCron); err != nil {
		return err
	}

	server := api.NewServer(msgService, engine.Gate, st, webhook, buildAPIOptions(flags)...)
	go func() {
		<-ctx.Done()
		if err := server.Stop(); err != nil {
			slog.Error("API server shutdown failed", "error", err)
		}
	}()

	slog.Info("Follow-up service running", "transport", *flags.transport, "api_addr", *flags.apiAddr)
	return server.Run()
}

// Config holds environment configuration
type Config struct {
	DatabaseURL    string
	WhatsAppDSN    string
	StateDir       string
	OpenAIKey      string
	APIAddr        string
	Transport      string
	InviteTemplate string
	Locale         string
	DispatchCron   string
	Debug          bool
}

// Flags holds command line flag values
type Flags struct {
	qrOutput       *string
	numeric        *bool
	stateDir       *string
	dbDSN          *string
	whatsappDSN    *string
	openaiKey      *string
	apiAddr        *string
	transport      *string
	inviteTemplate *string
	locale         *string
	dispatchCron   *string
}

// initializeLogger sets up structured logging. FOLLOWUP_DEBUG enables debug
// level output.
func initializeLogger() {
	level := slog.LevelInfo
	if util.ParseBoolEnv("FOLLOWUP_DEBUG", false) {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		WhatsAppDSN:    os.Getenv("WHATSAPP_DB_DSN"),
		StateDir:       os.Getenv("FOLLOWUP_STATE_DIR"),
		OpenAIKey:      os.Getenv("OPENAI_API_KEY"),
		APIAddr:        os.Getenv("API_ADDR"),
		Transport:      os.Getenv("CHAT_TRANSPORT"),
		InviteTemplate: os.Getenv("INVITE_TEMPLATE_ID"),
		Locale:         os.Getenv("INVITE_LOCALE"),
		DispatchCron:   os.Getenv("DISPATCH_CRON"),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No FOLLOWUP_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}
	if config.WhatsAppDSN == "" {
		config.WhatsAppDSN = config.DatabaseURL
	}
	if config.Transport == "" {
		config.Transport = "twilio"
	}
	if config.InviteTemplate == "" {
		config.InviteTemplate = DefaultInviteTemplate
	}
	if config.Locale == "" {
		config.Locale = DefaultLocale
	}

	slog.Debug("environment variables loaded",
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"FOLLOWUP_STATE_DIR", config.StateDir,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"API_ADDR", config.APIAddr,
		"CHAT_TRANSPORT", config.Transport,
		"INVITE_TEMPLATE_ID", config.InviteTemplate,
		"DISPATCH_CRON", config.DispatchCron)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		qrOutput:       flag.String("qr-output", "", "path to write WhatsApp login QR code"),
		numeric:        flag.Bool("numeric-code", false, "use numeric WhatsApp login code instead of QR code"),
		stateDir:       flag.String("state-dir", config.StateDir, "state directory for service data (overrides $FOLLOWUP_STATE_DIR)"),
		dbDSN:          flag.String("db-dsn", config.DatabaseURL, "database DSN for the store (overrides $DATABASE_URL)"),
		whatsappDSN:    flag.String("whatsapp-db-dsn", config.WhatsAppDSN, "database DSN for the whatsmeow session store (overrides $WHATSAPP_DB_DSN)"),
		openaiKey:      flag.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		apiAddr:        flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		transport:      flag.String("transport", config.Transport, "chat transport: twilio or whatsapp (overrides $CHAT_TRANSPORT)"),
		inviteTemplate: flag.String("invite-template", config.InviteTemplate, "invitation template id (overrides $INVITE_TEMPLATE_ID)"),
		locale:         flag.String("invite-locale", config.Locale, "invitation template locale (overrides $INVITE_LOCALE)"),
		dispatchCron:   flag.String("dispatch-cron", config.DispatchCron, "cron expression for the invitation sweep (overrides $DISPATCH_CRON)"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"openaiKeySet", *flags.openaiKey != "",
		"apiAddr", *flags.apiAddr,
		"transport", *flags.transport)

	return flags
}

// ensureDirectoriesExist creates necessary directories for file-based storage
func ensureDirectoriesExist(flags Flags) error {
	if store.DetectDSNType(*flags.dbDSN) != "postgres" {
		stateDir := filepath.Dir(*flags.dbDSN)
		slog.Debug("Creating state directory for file-based database", "state_dir", stateDir)
		if err := os.MkdirAll(stateDir, 0755); err != nil {
			return err
		}
	}
	return os.MkdirAll(*flags.stateDir, 0755)
}

// openStore selects the store backend by DSN type.
func openStore(flags Flags) (store.Store, error) {
	if store.DetectDSNType(*flags.dbDSN) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store")
		return store.NewPostgresStore(store.WithDSN(*flags.dbDSN))
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", *flags.dbDSN)
	return store.NewSQLiteStore(store.WithDSN(*flags.dbDSN))
}

// buildMessagingService constructs the chat transport. The Twilio transport
// also returns its webhook handler for the API server to mount.
func buildMessagingService(flags Flags) (messaging.Service, http.HandlerFunc, error) {
	switch *flags.transport {
	case "whatsapp":
		waOpts := []whatsapp.Option{whatsapp.WithDBDSN(*flags.whatsappDSN)}
		if *flags.qrOutput != "" {
			waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
		}
		if *flags.numeric {
			waOpts = append(waOpts, whatsapp.WithNumericCode())
		}
		client, err := whatsapp.NewClient(waOpts...)
		if err != nil {
			return nil, nil, err
		}
		return messaging.NewWhatsAppService(client), nil, nil
	default:
		client, err := twiliowhatsapp.NewClient()
		if err != nil {
			return nil, nil, err
		}
		svc := messaging.NewTwilioService(client)
		return svc, svc.TwilioWebhookHandler, nil
	}
}

// buildGenAIOptions constructs GenAI configuration options
func buildGenAIOptions(flags Flags) []genai.Option {
	var genaiOpts []genai.Option
	if *flags.openaiKey != "" {
		genaiOpts = append(genaiOpts, genai.WithAPIKey(*flags.openaiKey))
	}
	return genaiOpts
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(flags Flags) []api.Option {
	var apiOpts []api.Option
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	return apiOpts
}
