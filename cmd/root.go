package cmd

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"

	"github.com/akitig/wankoro-bot/rolecheck"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfg        = rolecheck.DefaultConfig()
	configFile string
)

var rootCmd = &cobra.Command{
	Use: "wankoro [flags]",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		err := viper.Unmarshal(
			cfg,
			viper.DecodeHook(
				mapstructure.ComposeDecodeHookFunc(
					mapstructure.StringToTimeDurationHookFunc(),
					LevelToStringHookFunc(),
				),
			),
		)
		if err != nil {
			log.Fatalln(err)
		}
	},
}

func getLogLevel(level string) (slog.Level, error) {
	switch level {
	case slog.LevelDebug.String():
		return slog.LevelDebug, nil
	case slog.LevelInfo.String():
		return slog.LevelInfo, nil
	case slog.LevelWarn.String():
		return slog.LevelWarn, nil
	case slog.LevelError.String():
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr {
			return data, nil
		}

		typ := t.Elem()

		if typ != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %s", data)
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
			//
		}
	}()
	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		fmt.Println("loading env from file", configFile)
		if err := godotenv.Load(configFile); err != nil {
			log.Println("No .env file found")
		}
	}

	viper.SetDefault("database", rolecheck.DefaultDatabase)
	viper.SetDefault(
		"database_slow_threshold",
		rolecheck.DefaultDatabaseSlowThreshold,
	)

	viper.SetDefault("log_level", rolecheck.DefaultLogLevel.String())
	viper.SetDefault("api.log_level", rolecheck.DefaultAPILogLevel.String())

	viper.SetDefault("startup_timeout", rolecheck.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", rolecheck.DefaultShutdownTimeout)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault("discord.enjoy_role_id", "")
	viper.SetDefault("discord.gachi_role_id", "")
	viper.SetDefault("discord.log_channel_id", "")
	viper.SetDefault("discord.operator_user_id", "")
	viper.SetDefault(
		"discord.log_level",
		rolecheck.DefaultDiscordLogLevel.String(),
	)
	viper.SetDefault(
		"discord.discordgo_log_level",
		rolecheck.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault(
		"discord.gateway_intents",
		rolecheck.DefaultDiscordGatewayIntent,
	)

	// RoleCheck config
	viper.SetDefault("rolecheck.questions_path", rolecheck.DefaultQuestionsPath)
	viper.SetDefault("rolecheck.intro_path", rolecheck.DefaultIntroPath)
	viper.SetDefault("rolecheck.ledger_path", rolecheck.DefaultLedgerPath)
	viper.SetDefault("rolecheck.threshold_low", rolecheck.DefaultThresholdLow)
	viper.SetDefault("rolecheck.threshold_high", rolecheck.DefaultThresholdHigh)
	viper.SetDefault("rolecheck.label_enjoy", rolecheck.DefaultLabelEnjoy)
	viper.SetDefault("rolecheck.label_gachi", rolecheck.DefaultLabelGachi)
	viper.SetDefault("rolecheck.label_both", rolecheck.DefaultLabelBoth)
	viper.SetDefault("rolecheck.session_timeout", rolecheck.DefaultSessionTimeout)
	viper.SetDefault("rolecheck.watchdog_interval", rolecheck.DefaultWatchdogInterval)
	viper.SetDefault(
		"rolecheck.escalations_per_minute",
		rolecheck.DefaultEscalationsPerMin,
	)

	// API config
	viper.SetDefault("api.listen", rolecheck.DefaultAPIListen)

	envPrefix := os.Getenv(rolecheck.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = rolecheck.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	logLevelVar, err := levelStringToLevelVar(viper.GetString("log_level"))
	if err != nil {
		log.Fatalf("error parsing log_level: %v", err)
	}
	viper.Set("log_level", logLevelVar)

	logLevelVar, err = levelStringToLevelVar(viper.GetString("discord.log_level"))
	if err != nil {
		log.Fatalf("error parsing discord log level: %v", err)
	}
	viper.Set("discord.log_level", logLevelVar)

	logLevelVar, err = levelStringToLevelVar(viper.GetString("discord.discordgo_log_level"))
	if err != nil {
		log.Fatalf("error parsing discordgo log level: %v", err)
	}
	viper.Set("discord.discordgo_log_level", logLevelVar)

	logLevelVar, err = levelStringToLevelVar(viper.GetString("api.log_level"))
	if err != nil {
		log.Fatalf("error parsing api log level: %v", err)
	}
	viper.Set("api.log_level", logLevelVar)
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

//nolint:gochecknoinits
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Env file to use",
	)
}
