package main

import (
	"flag"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/BTreeMap/PacePipe/internal/conversation"
	"github.com/BTreeMap/PacePipe/internal/models"
	"github.com/BTreeMap/PacePipe/internal/util"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for PacePipe state data
	DefaultStateDir = "/var/lib/pacepipe"
	// DefaultAppDBFileName is the default SQLite database for conversations and settings
	DefaultAppDBFileName = "pacepipe.db"
	// DefaultWhatsAppDBFileName is the default SQLite database for the whatsmeow device store
	DefaultWhatsAppDBFileName = "whatsmeow.db"
	// DefaultAPIAddr is the listen address of the health and webhook server
	DefaultAPIAddr = ":8080"

	TransportWhatsApp = "whatsapp"
	TransportTwilio   = "twilio"

	humanizeEnvPrefix = "HUMANIZE_"
)

// Config holds environment configuration; flags may override it.
type Config struct {
	StateDir         string
	DatabaseDSN      string
	WhatsAppDBDSN    string
	Transport        string
	APIAddr          string
	LogLevel         string
	OpenAIKey        string
	OpenAIModel      string
	OpenAIBaseURL    string
	GenAIDebug       bool
	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFromNumber string
	TwilioWebhookURL string
	RequiredFields   string
	AntiRepeatWindow string
	PrefillPhone     bool

	// Humanize holds HUMANIZE_* overrides keyed by setting name.
	Humanize map[string]string
}

// Flags holds command line flag values
type Flags struct {
	qrOutput         string
	numeric          bool
	stateDir         string
	dbDSN            string
	waDBDSN          string
	transport        string
	apiAddr          string
	logLevel         string
	openaiKey        string
	openaiModel      string
	requiredFields   string
	antiRepeatWindow string
	prefillPhone     bool
	genaiDebug       bool
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		StateDir:         os.Getenv("PACEPIPE_STATE_DIR"),
		DatabaseDSN:      os.Getenv("DATABASE_URL"),
		WhatsAppDBDSN:    os.Getenv("WHATSAPP_DB_DSN"),
		Transport:        strings.ToLower(strings.TrimSpace(os.Getenv("TRANSPORT"))),
		APIAddr:          os.Getenv("API_ADDR"),
		LogLevel:         os.Getenv("LOG_LEVEL"),
		OpenAIKey:        os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:      os.Getenv("OPENAI_MODEL"),
		OpenAIBaseURL:    os.Getenv("OPENAI_BASE_URL"),
		GenAIDebug:       util.ParseBoolEnv("GENAI_DEBUG", false),
		TwilioAccountSID: os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:  os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFromNumber: os.Getenv("TWILIO_FROM_NUMBER"),
		TwilioWebhookURL: os.Getenv("TWILIO_WEBHOOK_URL"),
		RequiredFields:   os.Getenv("REQUIRED_FIELDS"),
		AntiRepeatWindow: os.Getenv("ANTI_REPEAT_WINDOW"),
		PrefillPhone:     util.ParseBoolEnv("PREFILL_PHONE", false),
		Humanize:         util.EnvWithPrefix(humanizeEnvPrefix),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
	}
	if config.Transport == "" {
		config.Transport = TransportWhatsApp
	}
	if config.APIAddr == "" {
		config.APIAddr = os.Getenv("TWILIO_WEBHOOK_ADDR")
	}
	if config.APIAddr == "" {
		config.APIAddr = DefaultAPIAddr
	}
	applyStateDirDefaults(&config, config.StateDir)

	slog.Debug("environment variables loaded",
		"PACEPIPE_STATE_DIR", config.StateDir,
		"DATABASE_URL_SET", os.Getenv("DATABASE_URL") != "",
		"WHATSAPP_DB_DSN_SET", os.Getenv("WHATSAPP_DB_DSN") != "",
		"TRANSPORT", config.Transport,
		"API_ADDR", config.APIAddr,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"TWILIO_AUTH_TOKEN_SET", config.TwilioAuthToken != "",
		"HUMANIZE_OVERRIDES", len(config.Humanize))
	return config
}

// applyStateDirDefaults fills unset database DSNs with SQLite files in stateDir.
func applyStateDirDefaults(config *Config, stateDir string) {
	if config.DatabaseDSN == "" {
		config.DatabaseDSN = filepath.Join(stateDir, DefaultAppDBFileName)
	}
	if config.WhatsAppDBDSN == "" {
		config.WhatsAppDBDSN = "file:" + filepath.Join(stateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
	}
}

// parseCommandLineFlags parses args with environment values as defaults.
func parseCommandLineFlags(fs *flag.FlagSet, config Config, args []string) (Flags, error) {
	var f Flags
	fs.StringVar(&f.qrOutput, "qr-output", "", "path to write login QR code")
	fs.BoolVar(&f.numeric, "numeric-code", false, "use numeric login code instead of QR code")
	fs.StringVar(&f.stateDir, "state-dir", config.StateDir, "state directory for PacePipe data (overrides $PACEPIPE_STATE_DIR)")
	fs.StringVar(&f.dbDSN, "db-dsn", config.DatabaseDSN, "application database DSN, SQLite path or Postgres URL (overrides $DATABASE_URL)")
	fs.StringVar(&f.waDBDSN, "wa-db-dsn", config.WhatsAppDBDSN, "whatsmeow device store DSN (overrides $WHATSAPP_DB_DSN)")
	fs.StringVar(&f.transport, "transport", config.Transport, "whatsapp or twilio (overrides $TRANSPORT)")
	fs.StringVar(&f.apiAddr, "api-addr", config.APIAddr, "health and webhook listen address (overrides $API_ADDR)")
	fs.StringVar(&f.logLevel, "log-level", config.LogLevel, "debug, info, warn or error (overrides $LOG_LEVEL)")
	fs.StringVar(&f.openaiKey, "openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)")
	fs.StringVar(&f.openaiModel, "openai-model", config.OpenAIModel, "chat model (overrides $OPENAI_MODEL)")
	fs.StringVar(&f.requiredFields, "required-fields", config.RequiredFields, "comma separated fields to collect (overrides $REQUIRED_FIELDS)")
	fs.StringVar(&f.antiRepeatWindow, "anti-repeat-window", config.AntiRepeatWindow, "anti-repeat window, seconds or duration (overrides $ANTI_REPEAT_WINDOW)")
	fs.BoolVar(&f.prefillPhone, "prefill-phone", config.PrefillPhone, "prefill the phone field from the sender number (overrides $PREFILL_PHONE)")
	fs.BoolVar(&f.genaiDebug, "genai-debug", config.GenAIDebug, "dump completion requests under the state directory (overrides $GENAI_DEBUG)")

	if err := fs.Parse(args); err != nil {
		return Flags{}, err
	}

	// A new state dir moves the default databases with it unless they were set explicitly.
	if f.stateDir != config.StateDir {
		moved := Config{}
		applyStateDirDefaults(&moved, f.stateDir)
		stale := Config{}
		applyStateDirDefaults(&stale, config.StateDir)
		if f.dbDSN == stale.DatabaseDSN {
			f.dbDSN = moved.DatabaseDSN
		}
		if f.waDBDSN == stale.WhatsAppDBDSN {
			f.waDBDSN = moved.WhatsAppDBDSN
		}
	}
	f.transport = strings.ToLower(strings.TrimSpace(f.transport))
	return f, nil
}

// parseLogLevel maps a level name to slog; unknown names mean info.
func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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

// parseRequiredFields falls back to the default set on invalid input.
func parseRequiredFields(csv string) []models.FieldKey {
	if strings.TrimSpace(csv) == "" {
		return models.DefaultRequiredFields
	}
	fields, err := models.ParseFieldKeys(csv)
	if err != nil {
		slog.Warn("Invalid REQUIRED_FIELDS, using defaults", "value", csv, "error", err)
		return models.DefaultRequiredFields
	}
	return fields
}

// parseWindow accepts plain seconds or a Go duration. The result is clamped to the
// allowed anti-repeat range.
func parseWindow(s string) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return conversation.DefaultAntiRepeatWindow
	}
	if secs, err := strconv.Atoi(s); err == nil {
		return conversation.ClampWindow(time.Duration(secs) * time.Second)
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		slog.Warn("Invalid ANTI_REPEAT_WINDOW, using default", "value", s, "error", err)
		return conversation.DefaultAntiRepeatWindow
	}
	return conversation.ClampWindow(d)
}
