//nolint:lll // struct tags can't be split
package rolecheck

import (
	"log/slog"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/go-playground/validator/v10"
)

const (
	EnvvarSetEnvPrefix = "WANKORO_ENV_PREFIX"
	DefaultEnvPrefix   = "WK"

	DefaultDatabase      = "wankoro.sqlite3"
	DefaultLedgerPath    = "data/rolecheck_completed.json"
	DefaultQuestionsPath = "data/rolecheck_questions.json"
	DefaultIntroPath     = "data/rolecheck_intro.json"

	DefaultLogLevel              = slog.LevelInfo
	DefaultDiscordLogLevel       = slog.LevelWarn
	DefaultDiscordgoLogLevel     = slog.LevelWarn
	DefaultAPILogLevel           = slog.LevelInfo
	DefaultDatabaseSlowThreshold = 200 * time.Millisecond

	DefaultStartupTimeout   = 30 * time.Second
	DefaultShutdownTimeout  = 60 * time.Second
	DefaultSessionTimeout   = 5 * time.Minute
	DefaultWatchdogInterval = 30 * time.Second

	DefaultThresholdLow  = 6
	DefaultThresholdHigh = 12
	DefaultLabelEnjoy    = "ENJOYのみ"
	DefaultLabelGachi    = "GACHIのみ"
	DefaultLabelBoth     = "GACHI+ENJOY"

	DefaultAPIListen            = "127.0.0.1:5020"
	DefaultDiscordGatewayIntent = discordgo.IntentsAllWithoutPrivileged

	// escalationBurst caps how many escalations the notifier will send in
	// a short window before dropping further reports on the floor.
	escalationBurst           = 5
	DefaultEscalationsPerMin  = 10
	DiscordSlashCommandCheck  = "rolecheck"
	DiscordSlashCommandCancel = "rolecheck_cancel"
	DiscordSlashCommandWipe   = "rolecheck_cancel_all"
	DiscordSlashCommandReload = "rolecheck_reload"
)

var structValidator = newStructValidator()

func newStructValidator() *validator.Validate {
	v := validator.New()
	v.SetTagName("binding")
	return v
}

// Config is the root configuration for the bot. Values are loaded by the
// cmd layer from (in order of precedence) flags, WK_* environment
// variables and the YAML config file.
type Config struct {
	// Discord configures the bot's Discord surface
	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord" binding:"required"`

	// RoleCheck configures the diagnostic engine itself
	RoleCheck *RoleCheckConfig `yaml:"rolecheck" mapstructure:"rolecheck" json:"rolecheck" binding:"required"`

	// API configures the loopback operator HTTP API
	API *APIConfig `yaml:"api" mapstructure:"api" json:"api"`

	// Database is the sqlite path for the diagnostic audit trail
	Database string `yaml:"database" mapstructure:"database" json:"database"`

	// DatabaseSlowThreshold is the duration threshold for flagging slow queries
	DatabaseSlowThreshold time.Duration `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// StartupTimeout bounds initialization (database, discord connect)
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout"`

	// ShutdownTimeout is the time allowed for a graceful shutdown
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`
}

// DiscordConfig configures the discord bot itself.
//
//nolint:lll // can't break tags
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// Discord application ID (from the 'General Information' tab)
	ApplicationID string `yaml:"application_id" mapstructure:"application_id" json:"application_id" binding:"required"`

	// GuildID is the community server the diagnostic manages roles in
	GuildID string `yaml:"guild_id" mapstructure:"guild_id" json:"guild_id" binding:"required"`

	// EnjoyRoleID / GachiRoleID are the two candidate roles reconciled at
	// the end of a diagnostic. Not mutually exclusive.
	EnjoyRoleID string `yaml:"enjoy_role_id" mapstructure:"enjoy_role_id" json:"enjoy_role_id" binding:"required"`
	GachiRoleID string `yaml:"gachi_role_id" mapstructure:"gachi_role_id" json:"gachi_role_id" binding:"required"`

	// LogChannelID receives audit embeds and escalations. Optional.
	LogChannelID string `yaml:"log_channel_id" mapstructure:"log_channel_id" json:"log_channel_id"`

	// OperatorUserID receives escalation DMs. Optional.
	OperatorUserID string `yaml:"operator_user_id" mapstructure:"operator_user_id" json:"operator_user_id"`

	// GatewayIntents for the discord websocket session
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	// LogLevel for bot discord operations
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// DiscordGoLogLevel for the `discordgo` library's own logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`
}

// RoleCheckConfig configures the diagnostic engine: question sources,
// scoring thresholds, labels and lifecycle timing.
//
//nolint:lll // can't break tags
type RoleCheckConfig struct {
	// QuestionsPath is the JSON question catalogue
	// (`[{q, choices: [[label, score], ...]}, ...]`)
	QuestionsPath string `yaml:"questions_path" mapstructure:"questions_path" json:"questions_path"`

	// IntroPath is the JSON intro content (`{title, text}`)
	IntroPath string `yaml:"intro_path" mapstructure:"intro_path" json:"intro_path"`

	// LedgerPath is the completion ledger file
	LedgerPath string `yaml:"ledger_path" mapstructure:"ledger_path" json:"ledger_path"`

	// ThresholdLow: total score <= this is classified enjoy-only.
	// ThresholdHigh: total score >= this is classified gachi-only.
	// Both comparisons are inclusive; anything strictly between is "both".
	ThresholdLow  int `yaml:"threshold_low" mapstructure:"threshold_low" json:"threshold_low"`
	ThresholdHigh int `yaml:"threshold_high" mapstructure:"threshold_high" json:"threshold_high" binding:"gtefield=ThresholdLow"`

	// Classification labels shown to users and written to the ledger
	LabelEnjoy string `yaml:"label_enjoy" mapstructure:"label_enjoy" json:"label_enjoy"`
	LabelGachi string `yaml:"label_gachi" mapstructure:"label_gachi" json:"label_gachi"`
	LabelBoth  string `yaml:"label_both" mapstructure:"label_both" json:"label_both"`

	// SessionTimeout is the per-dialog inactivity deadline. It resets
	// each time a new prompt is delivered, not on arbitrary activity.
	SessionTimeout time.Duration `yaml:"session_timeout" mapstructure:"session_timeout" json:"session_timeout" binding:"gt=0"`

	// WatchdogInterval is how often the expiry sweeper scans for
	// sessions past their deadline
	WatchdogInterval time.Duration `yaml:"watchdog_interval" mapstructure:"watchdog_interval" json:"watchdog_interval" binding:"gt=0"`

	// EscalationsPerMinute rate-limits operator escalation reports
	EscalationsPerMinute int `yaml:"escalations_per_minute" mapstructure:"escalations_per_minute" json:"escalations_per_minute"`
}

// APIConfig configures the operator HTTP API.
//
//nolint:lll // can't break tags
type APIConfig struct {
	// Listen address. Loopback by default - the API has no auth of its own.
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required"`

	// LogLevel for API request logging
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

func levelVar(l slog.Level) *slog.LevelVar {
	v := &slog.LevelVar{}
	v.Set(l)
	return v
}

// DefaultConfig returns a Config with every default populated. The cmd
// layer overlays file/env/flag values onto this.
func DefaultConfig() *Config {
	return &Config{
		Discord: &DiscordConfig{
			GatewayIntents:    DefaultDiscordGatewayIntent,
			LogLevel:          levelVar(DefaultDiscordLogLevel),
			DiscordGoLogLevel: levelVar(DefaultDiscordgoLogLevel),
		},
		RoleCheck: &RoleCheckConfig{
			QuestionsPath:        DefaultQuestionsPath,
			IntroPath:            DefaultIntroPath,
			LedgerPath:           DefaultLedgerPath,
			ThresholdLow:         DefaultThresholdLow,
			ThresholdHigh:        DefaultThresholdHigh,
			LabelEnjoy:           DefaultLabelEnjoy,
			LabelGachi:           DefaultLabelGachi,
			LabelBoth:            DefaultLabelBoth,
			SessionTimeout:       DefaultSessionTimeout,
			WatchdogInterval:     DefaultWatchdogInterval,
			EscalationsPerMinute: DefaultEscalationsPerMin,
		},
		API: &APIConfig{
			Listen:   DefaultAPIListen,
			LogLevel: levelVar(DefaultAPILogLevel),
		},
		Database:              DefaultDatabase,
		DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		LogLevel:              levelVar(DefaultLogLevel),
		StartupTimeout:        DefaultStartupTimeout,
		ShutdownTimeout:       DefaultShutdownTimeout,
	}
}

// Validate checks the config against its binding tags.
func (c *Config) Validate() error {
	return structValidator.Struct(c)
}
