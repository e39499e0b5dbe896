// Command O1Intake runs the O-1 evidence-intake assistant: the HTTP chat API
// plus optional WhatsApp channels, all backed by one conversation driver.
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
	slogmulti "github.com/samber/slog-multi"

	"github.com/BTreeMap/O1Intake/internal/api"
	"github.com/BTreeMap/O1Intake/internal/criteria"
	"github.com/BTreeMap/O1Intake/internal/docstore"
	"github.com/BTreeMap/O1Intake/internal/flow"
	"github.com/BTreeMap/O1Intake/internal/genai"
	"github.com/BTreeMap/O1Intake/internal/lockfile"
	"github.com/BTreeMap/O1Intake/internal/messaging"
	"github.com/BTreeMap/O1Intake/internal/oracle"
	"github.com/BTreeMap/O1Intake/internal/store"
	"github.com/BTreeMap/O1Intake/internal/twiliowhatsapp"
	"github.com/BTreeMap/O1Intake/internal/util"
	"github.com/BTreeMap/O1Intake/internal/whatsapp"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for O1Intake state data
	DefaultStateDir = "/var/lib/o1intake"
	// DefaultAppDBFileName is the SQLite file for sessions and finalized records
	DefaultAppDBFileName = "o1intake.db"
	// DefaultWhatsAppDBFileName is the SQLite file for the whatsmeow device store
	DefaultWhatsAppDBFileName = "whatsmeow.db"
	// DefaultRefsDir holds the O-1 definition documents for the reference store
	DefaultRefsDir = "refs"
	// startupResolveTimeout bounds building the reference store at startup
	startupResolveTimeout = 3 * time.Minute
)

// Config holds environment configuration
type Config struct {
	StateDir           string
	DatabaseDSN        string
	WhatsAppDBDSN      string
	OpenAIKey          string
	APIAddr            string
	Model              string
	Catalog            string
	HistoryWindow      int
	OracleTimeout      time.Duration
	DefinitionsStoreID string
	RefsDir            string
	SystemPromptFile   string
	Debug              bool
	LogLevel           string
	LogFile            string
	WhatsAppEnabled    bool
	QROutput           string
	NumericCode        bool
	TwilioAccountSID   string
	TwilioAuthToken    string
	TwilioFromNumber   string
}

func main() {
	config := loadEnvironmentConfig()
	if err := parseCommandLineFlags(&config, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, closeLog := setupLogger(config.LogFile, parseLogLevel(config.LogLevel))
	slog.SetDefault(logger)
	defer closeLog()

	if err := run(config); err != nil {
		slog.Error("O1Intake failed to run", "error", err)
		closeLog()
		os.Exit(1)
	}
	slog.Info("O1Intake exited successfully")
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		StateDir:           os.Getenv("O1_STATE_DIR"),
		DatabaseDSN:        os.Getenv("DATABASE_DSN"),
		WhatsAppDBDSN:      os.Getenv("WHATSAPP_DB_DSN"),
		OpenAIKey:          os.Getenv("OPENAI_API_KEY"),
		APIAddr:            os.Getenv("API_ADDR"),
		Model:              os.Getenv("O1_MODEL"),
		Catalog:            os.Getenv("O1_CATALOG"),
		HistoryWindow:      util.ParseIntEnv("O1_HISTORY_WINDOW", oracle.DefaultHistoryWindow),
		OracleTimeout:      util.ParseDurationEnv("O1_ORACLE_TIMEOUT", oracle.DefaultTimeout),
		DefinitionsStoreID: os.Getenv("DEFINITIONS_VECTOR_STORE_ID"),
		RefsDir:            os.Getenv("O1_REFS_DIR"),
		SystemPromptFile:   os.Getenv("O1_SYSTEM_PROMPT_FILE"),
		Debug:              util.ParseBoolEnv("O1_DEBUG", false),
		LogLevel:           os.Getenv("O1_LOG_LEVEL"),
		LogFile:            os.Getenv("O1_LOG_FILE"),
		WhatsAppEnabled:    util.ParseBoolEnv("WHATSAPP_ENABLED", false),
		TwilioAccountSID:   os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:    os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFromNumber:   os.Getenv("TWILIO_FROM_NUMBER"),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
	}
	// DATABASE_URL is accepted for deployments that only set the conventional name.
	if config.DatabaseDSN == "" {
		config.DatabaseDSN = os.Getenv("DATABASE_URL")
	}
	applyStateDirDefaults(&config)
	if config.RefsDir == "" {
		config.RefsDir = DefaultRefsDir
	}

	slog.Debug("environment variables loaded",
		"O1_STATE_DIR", config.StateDir,
		"DATABASE_DSN_SET", config.DatabaseDSN != "",
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"API_ADDR", config.APIAddr,
		"O1_CATALOG", config.Catalog,
		"WHATSAPP_ENABLED", config.WhatsAppEnabled,
		"TWILIO_SET", config.TwilioAccountSID != "")
	return config
}

// applyStateDirDefaults fills file-backed DSNs under the state directory.
func applyStateDirDefaults(config *Config) {
	if config.DatabaseDSN == "" {
		config.DatabaseDSN = filepath.Join(config.StateDir, DefaultAppDBFileName)
	}
	if config.WhatsAppDBDSN == "" {
		config.WhatsAppDBDSN = "file:" + filepath.Join(config.StateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
	}
}

// parseCommandLineFlags lets flags override the environment.
func parseCommandLineFlags(config *Config, args []string) error {
	envStateDir := config.StateDir
	envDSN, envWhatsAppDSN := config.DatabaseDSN, config.WhatsAppDBDSN

	fs := flag.NewFlagSet("O1Intake", flag.ContinueOnError)
	fs.StringVar(&config.StateDir, "state-dir", config.StateDir, "state directory (overrides $O1_STATE_DIR)")
	fs.StringVar(&config.DatabaseDSN, "db-dsn", config.DatabaseDSN, "session database DSN, SQLite path or Postgres URL (overrides $DATABASE_DSN)")
	fs.StringVar(&config.WhatsAppDBDSN, "whatsapp-db-dsn", config.WhatsAppDBDSN, "whatsmeow device store DSN (overrides $WHATSAPP_DB_DSN)")
	fs.StringVar(&config.OpenAIKey, "openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)")
	fs.StringVar(&config.APIAddr, "api-addr", config.APIAddr, "API server address (overrides $API_ADDR)")
	fs.StringVar(&config.Model, "model", config.Model, "chat model (overrides $O1_MODEL)")
	fs.StringVar(&config.Catalog, "catalog", config.Catalog, "criteria catalog name or YAML path (overrides $O1_CATALOG)")
	fs.StringVar(&config.RefsDir, "refs-dir", config.RefsDir, "directory of O-1 definition documents (overrides $O1_REFS_DIR)")
	fs.StringVar(&config.SystemPromptFile, "system-prompt-file", config.SystemPromptFile, "instruction preamble override (overrides $O1_SYSTEM_PROMPT_FILE)")
	fs.BoolVar(&config.Debug, "debug", config.Debug, "write oracle requests and responses under <state-dir>/debug")
	fs.BoolVar(&config.WhatsAppEnabled, "whatsapp", config.WhatsAppEnabled, "enable the device-linked WhatsApp channel (overrides $WHATSAPP_ENABLED)")
	fs.StringVar(&config.QROutput, "qr-output", config.QROutput, "path to write login QR code")
	fs.BoolVar(&config.NumericCode, "numeric-code", config.NumericCode, "use numeric login code instead of QR code")
	if err := fs.Parse(args); err != nil {
		return err
	}

	// File DSNs derived from the env state dir follow a -state-dir override.
	if config.StateDir != envStateDir {
		if config.DatabaseDSN == envDSN && envDSN == filepath.Join(envStateDir, DefaultAppDBFileName) {
			config.DatabaseDSN = ""
		}
		if config.WhatsAppDBDSN == envWhatsAppDSN && envWhatsAppDSN == "file:"+filepath.Join(envStateDir, DefaultWhatsAppDBFileName)+"?_foreign_keys=on" {
			config.WhatsAppDBDSN = ""
		}
		applyStateDirDefaults(config)
		slog.Debug("Updated DSNs based on state directory", "state_dir", config.StateDir)
	}
	return nil
}

// parseLogLevel maps $O1_LOG_LEVEL onto slog levels, defaulting to info.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// setupLogger logs text to stdout and, when logFile is set, JSON to that file.
func setupLogger(logFile string, level slog.Level) (*slog.Logger, func() error) {
	stdout := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	if logFile == "" {
		return slog.New(stdout), func() error { return nil }
	}
	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		logger := slog.New(stdout)
		logger.Error("failed to open log file, using stdout only", "error", err, "file", logFile)
		return logger, func() error { return nil }
	}
	fileHandler := slog.NewJSONHandler(file, &slog.HandlerOptions{Level: level})
	return slog.New(slogmulti.Fanout(stdout, fileHandler)), file.Close
}

// buildGenAIOptions constructs GenAI configuration options
func buildGenAIOptions(config Config) []genai.Option {
	opts := []genai.Option{genai.WithAPIKey(config.OpenAIKey)}
	if config.Model != "" {
		opts = append(opts, genai.WithModel(config.Model))
	}
	if config.Debug {
		opts = append(opts, genai.WithDebugMode(true), genai.WithStateDir(config.StateDir))
	}
	return opts
}

// buildOracleOptions constructs oracle adapter options
func buildOracleOptions(config Config, searcher docstore.Searcher) ([]oracle.Option, error) {
	opts := []oracle.Option{
		oracle.WithSearcher(searcher),
		oracle.WithHistoryWindow(config.HistoryWindow),
		oracle.WithTimeout(config.OracleTimeout),
	}
	if config.SystemPromptFile != "" {
		preamble, err := oracle.LoadPreamble(config.SystemPromptFile)
		if err != nil {
			return nil, err
		}
		opts = append(opts, oracle.WithPreamble(preamble))
	}
	return opts, nil
}

// buildWhatsAppOptions constructs WhatsApp configuration options
func buildWhatsAppOptions(config Config) []whatsapp.Option {
	var waOpts []whatsapp.Option
	if config.QROutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(config.QROutput))
	}
	if config.NumericCode {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	if config.WhatsAppDBDSN != "" {
		waOpts = append(waOpts, whatsapp.WithDBDSN(config.WhatsAppDBDSN))
	}
	return waOpts
}

// buildTwilioOptions returns nil when Twilio is not configured.
func buildTwilioOptions(config Config) []twiliowhatsapp.Option {
	if config.TwilioAccountSID == "" {
		return nil
	}
	return []twiliowhatsapp.Option{
		twiliowhatsapp.WithAccountSID(config.TwilioAccountSID),
		twiliowhatsapp.WithAuthToken(config.TwilioAuthToken),
		twiliowhatsapp.WithFromWhats(config.TwilioFromNumber),
	}
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(config Config) []api.Option {
	var apiOpts []api.Option
	if config.APIAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(config.APIAddr))
	}
	return apiOpts
}

// run wires every module and blocks until a signal or a server failure.
func run(config Config) error {
	lock, err := lockfile.AcquireLock(config.StateDir)
	if err != nil {
		return err
	}
	defer lock.Release()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg, err := criteria.Load(config.Catalog)
	if err != nil {
		return err
	}
	slog.Info("Criteria catalog loaded", "catalog", reg.Name(), "criteria", len(reg.IDs()))

	gaClient, err := genai.NewClient(buildGenAIOptions(config)...)
	if err != nil {
		return fmt.Errorf("failed to create GenAI client: %w", err)
	}

	docs := docstore.NewService(docstore.NewOpenAIBackend(gaClient.SDK()))
	refs := docstore.NewReferenceStoreProvider(docs, config.DefinitionsStoreID, config.RefsDir)
	docs.SetReferenceProvider(refs)
	resolveCtx, cancelResolve := context.WithTimeout(ctx, startupResolveTimeout)
	if refID, err := refs.Resolve(resolveCtx); err != nil {
		// Sessions retry on provisioning; a failure here is not cached.
		slog.Warn("Reference store unavailable at startup", "error", err)
	} else {
		slog.Info("Reference store ready", "storeID", refID)
	}
	cancelResolve()

	oracleOpts, err := buildOracleOptions(config, docs)
	if err != nil {
		return err
	}
	adapter := oracle.NewAdapter(gaClient, oracleOpts...)

	st, err := store.Open(config.DatabaseDSN)
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}
	defer st.Close()

	driver, err := flow.NewDriver(reg, st, adapter, flow.WithDocuments(docs))
	if err != nil {
		return err
	}

	apiOpts := buildAPIOptions(config)
	var services []messaging.Service
	if twOpts := buildTwilioOptions(config); twOpts != nil {
		twClient, err := twiliowhatsapp.NewClient(twOpts...)
		if err != nil {
			return fmt.Errorf("failed to create Twilio client: %w", err)
		}
		twService := messaging.NewTwilioService(twClient)
		apiOpts = append(apiOpts, api.WithTwilioWebhook(twService.TwilioWebhookHandler))
		services = append(services, twService)
		slog.Info("Twilio WhatsApp channel enabled")
	}
	if config.WhatsAppEnabled {
		waClient, err := whatsapp.NewClient(buildWhatsAppOptions(config)...)
		if err != nil {
			return fmt.Errorf("failed to create WhatsApp client: %w", err)
		}
		defer waClient.Disconnect()
		services = append(services, messaging.NewWhatsAppService(waClient))
		slog.Info("Device-linked WhatsApp channel enabled")
	}

	for _, svc := range services {
		if err := svc.Start(ctx); err != nil {
			return fmt.Errorf("failed to start messaging service: %w", err)
		}
		defer svc.Stop()
		intake := messaging.NewIntake(svc, driver, st)
		go func() {
			if err := intake.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("Intake loop stopped", "error", err)
			}
		}()
	}

	server := api.NewServer(driver, st, apiOpts...)
	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Start() }()

	select {
	case <-ctx.Done():
		slog.Info("Shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			return err
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), api.DefaultShutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
