package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/BTreeMap/SocialSupport/internal/api"
	"github.com/BTreeMap/SocialSupport/internal/genai"
	"github.com/BTreeMap/SocialSupport/internal/lockfile"
	"github.com/BTreeMap/SocialSupport/internal/notify"
	"github.com/BTreeMap/SocialSupport/internal/places"
	"github.com/BTreeMap/SocialSupport/internal/store"
	"github.com/BTreeMap/SocialSupport/internal/util"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for SocialSupport state data
	DefaultStateDir = "/var/lib/socialsupport"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "socialsupport.db"
	// DefaultSubmitDelay is the simulated submission delay
	DefaultSubmitDelay = 1500 * time.Millisecond
	// DefaultIdleTimeout is how long an unused form session stays in memory
	DefaultIdleTimeout = 2 * time.Hour
)

func main() {
	// Initialize structured logger
	initializeLogger()

	// Load environment configuration
	config := loadEnvironmentConfig()

	// Parse command line flags
	flags := parseCommandLineFlags(flag.CommandLine, config, os.Args[1:])

	// Ensure required directories exist
	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	lock, err := lockfile.AcquireLock(*flags.stateDir)
	if err != nil {
		slog.Error("Failed to lock state directory", "error", err)
		os.Exit(1)
	}

	// Build module options
	storeOpts := buildStoreOptions(flags)
	genaiOpts := buildGenAIOptions(flags)
	placesOpts := buildPlacesOptions(flags)
	notifyOpts := buildNotifyOptions(flags)
	apiOpts := buildAPIOptions(flags)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	// Start the service
	slog.Info("Bootstrapping SocialSupport with configured modules")
	slog.Debug("Module options counts", "store", len(storeOpts), "genai", len(genaiOpts), "places", len(placesOpts),
		"notify", len(notifyOpts), "api", len(apiOpts))
	slog.Debug("Final configuration", "state_dir", *flags.stateDir, "dsn_set", *flags.dbDSN != "", "api_addr", *flags.apiAddr)
	runErr := api.Run(ctx, storeOpts, genaiOpts, placesOpts, notifyOpts, apiOpts)
	stop()
	if err := lock.Release(); err != nil {
		slog.Warn("Failed to release state directory lock", "error", err)
	}
	if runErr != nil {
		slog.Error("SocialSupport failed to run", "error", runErr)
		os.Exit(1)
	}
	slog.Info("SocialSupport exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir      string
	DatabaseURL   string
	APIAddr       string
	OpenAIKey     string
	OpenAIModel   string
	GenAIDebug    bool
	MapsAPIKey    string
	TwilioSID     string
	TwilioToken   string
	TwilioFrom    string
	SchemaPath    string
	SubmitDelay   time.Duration
	IdleTimeout   time.Duration
	SecureCookies bool
}

// Flags holds command line flag values
type Flags struct {
	stateDir      *string
	dbDSN         *string
	apiAddr       *string
	openaiKey     *string
	openaiModel   *string
	genaiDebug    *bool
	mapsKey       *string
	twilioSID     *string
	twilioToken   *string
	twilioFrom    *string
	schemaPath    *string
	submitDelay   *time.Duration
	idleTimeout   *time.Duration
	secureCookies *bool
}

// initializeLogger sets up structured logging with debug level
func initializeLogger() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
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
		StateDir:      os.Getenv("SOCIALSUPPORT_STATE_DIR"),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		APIAddr:       os.Getenv("API_ADDR"),
		OpenAIKey:     os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:   os.Getenv("OPENAI_MODEL"),
		GenAIDebug:    util.ParseBoolEnv("GENAI_DEBUG", false),
		MapsAPIKey:    os.Getenv("GOOGLE_MAPS_API_KEY"),
		TwilioSID:     os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioToken:   os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFrom:    os.Getenv("TWILIO_FROM_NUMBER"),
		SchemaPath:    os.Getenv("FORM_SCHEMA_PATH"),
		SubmitDelay:   util.ParseDurationEnv("SUBMIT_DELAY", DefaultSubmitDelay),
		IdleTimeout:   util.ParseDurationEnv("SESSION_IDLE_TIMEOUT", DefaultIdleTimeout),
		SecureCookies: util.ParseBoolEnv("SECURE_COOKIES", false),
	}

	// Set default state directory if not specified
	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No SOCIALSUPPORT_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	} else {
		slog.Debug("SOCIALSUPPORT_STATE_DIR found in environment", "state_dir", config.StateDir)
	}

	// If no database URL is provided, default to SQLite in the state directory
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No DATABASE_URL provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}

	slog.Debug("environment variables loaded",
		"SOCIALSUPPORT_STATE_DIR", config.StateDir,
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"API_ADDR", config.APIAddr,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"OPENAI_MODEL", config.OpenAIModel,
		"GENAI_DEBUG", config.GenAIDebug,
		"GOOGLE_MAPS_API_KEY_SET", config.MapsAPIKey != "",
		"TWILIO_ACCOUNT_SID_SET", config.TwilioSID != "",
		"FORM_SCHEMA_PATH", config.SchemaPath,
		"SUBMIT_DELAY", config.SubmitDelay,
		"SESSION_IDLE_TIMEOUT", config.IdleTimeout,
		"SECURE_COOKIES", config.SecureCookies)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(fs *flag.FlagSet, config Config, args []string) Flags {
	flags := Flags{
		stateDir:      fs.String("state-dir", config.StateDir, "state directory for SocialSupport data (overrides $SOCIALSUPPORT_STATE_DIR)"),
		dbDSN:         fs.String("db-dsn", config.DatabaseURL, "SQLite path or PostgreSQL DSN for saved form data (overrides $DATABASE_URL)"),
		apiAddr:       fs.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		openaiKey:     fs.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		openaiModel:   fs.String("openai-model", config.OpenAIModel, "OpenAI model for writing assistance (overrides $OPENAI_MODEL)"),
		genaiDebug:    fs.Bool("genai-debug", config.GenAIDebug, "record OpenAI requests under the state directory (overrides $GENAI_DEBUG)"),
		mapsKey:       fs.String("maps-api-key", config.MapsAPIKey, "Google Maps API key for address lookup (overrides $GOOGLE_MAPS_API_KEY)"),
		twilioSID:     fs.String("twilio-account-sid", config.TwilioSID, "Twilio account SID for receipt SMS (overrides $TWILIO_ACCOUNT_SID)"),
		twilioToken:   fs.String("twilio-auth-token", config.TwilioToken, "Twilio auth token (overrides $TWILIO_AUTH_TOKEN)"),
		twilioFrom:    fs.String("twilio-from", config.TwilioFrom, "Twilio sender number (overrides $TWILIO_FROM_NUMBER)"),
		schemaPath:    fs.String("form-schema", config.SchemaPath, "YAML file describing the form steps (overrides $FORM_SCHEMA_PATH)"),
		submitDelay:   fs.Duration("submit-delay", config.SubmitDelay, "simulated submission delay (overrides $SUBMIT_DELAY)"),
		idleTimeout:   fs.Duration("session-idle-timeout", config.IdleTimeout, "how long unused form sessions stay in memory (overrides $SESSION_IDLE_TIMEOUT)"),
		secureCookies: fs.Bool("secure-cookies", config.SecureCookies, "mark session cookies Secure (overrides $SECURE_COOKIES)"),
	}

	if err := fs.Parse(args); err != nil {
		slog.Warn("flag parsing failed", "error", err)
	}

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"apiAddr", *flags.apiAddr,
		"openaiKeySet", *flags.openaiKey != "",
		"openaiModel", *flags.openaiModel,
		"mapsKeySet", *flags.mapsKey != "",
		"twilioSIDSet", *flags.twilioSID != "",
		"schemaPath", *flags.schemaPath,
		"submitDelay", *flags.submitDelay,
		"idleTimeout", *flags.idleTimeout,
		"secureCookies", *flags.secureCookies)

	// Update database DSN if not explicitly set but state directory is provided
	defaultDSN := filepath.Join(config.StateDir, DefaultDBFileName)
	if *flags.dbDSN == defaultDSN && *flags.stateDir != config.StateDir {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
		slog.Debug("Updated dbDSN based on state directory", "old_state_dir", config.StateDir, "new_state_dir", *flags.stateDir)
	}

	return flags
}

// ensureDirectoriesExist creates the state directory and, for SQLite, the database directory
func ensureDirectoriesExist(flags Flags) error {
	dirs := []string{*flags.stateDir}
	if *flags.dbDSN != "" && store.DetectDSNType(*flags.dbDSN) != "postgres" {
		dirs = append(dirs, filepath.Dir(*flags.dbDSN))
	}
	for _, dir := range dirs {
		slog.Debug("Creating directory", "dir", dir)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			slog.Error("Failed to create directory", "error", err, "dir", dir)
			return err
		}
	}
	return nil
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(flags Flags) []store.Option {
	var storeOpts []store.Option
	if *flags.dbDSN != "" {
		if store.DetectDSNType(*flags.dbDSN) == "postgres" {
			slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_type", "postgresql", "dsn_set", true)
			storeOpts = append(storeOpts, store.WithPostgresDSN(*flags.dbDSN))
		} else {
			// Assume SQLite for file paths
			slog.Debug("Detected SQLite DSN, configuring SQLite store", "dsn_type", "sqlite", "db_path", *flags.dbDSN)
			storeOpts = append(storeOpts, store.WithSQLiteDSN(*flags.dbDSN))
		}
	} else {
		slog.Debug("No database DSN provided, will use in-memory store")
	}
	return storeOpts
}

// buildGenAIOptions constructs GenAI configuration options
func buildGenAIOptions(flags Flags) []genai.Option {
	var genaiOpts []genai.Option
	if *flags.openaiKey != "" {
		genaiOpts = append(genaiOpts, genai.WithAPIKey(*flags.openaiKey))
	}
	if *flags.openaiModel != "" {
		genaiOpts = append(genaiOpts, genai.WithModel(*flags.openaiModel))
	}
	if *flags.genaiDebug {
		genaiOpts = append(genaiOpts, genai.WithDebugMode(true, *flags.stateDir))
	}
	return genaiOpts
}

// buildPlacesOptions constructs address lookup options
func buildPlacesOptions(flags Flags) []places.Option {
	var placesOpts []places.Option
	if *flags.mapsKey != "" {
		placesOpts = append(placesOpts, places.WithAPIKey(*flags.mapsKey))
	}
	return placesOpts
}

// buildNotifyOptions constructs receipt SMS options; unset values fall back to the Twilio env vars
func buildNotifyOptions(flags Flags) []notify.Option {
	var notifyOpts []notify.Option
	if *flags.twilioSID != "" {
		notifyOpts = append(notifyOpts, notify.WithAccountSID(*flags.twilioSID))
	}
	if *flags.twilioToken != "" {
		notifyOpts = append(notifyOpts, notify.WithAuthToken(*flags.twilioToken))
	}
	if *flags.twilioFrom != "" {
		notifyOpts = append(notifyOpts, notify.WithFromNumber(*flags.twilioFrom))
	}
	return notifyOpts
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(flags Flags) []api.Option {
	apiOpts := []api.Option{
		api.WithSubmitDelay(*flags.submitDelay),
		api.WithIdleTimeout(*flags.idleTimeout),
		api.WithSecureCookies(*flags.secureCookies),
	}
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	if *flags.schemaPath != "" {
		apiOpts = append(apiOpts, api.WithSchemaPath(*flags.schemaPath))
	}
	return apiOpts
}
