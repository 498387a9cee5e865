package rolecheck

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/akitig/wankoro-bot/rolecheck.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

// Wankoro is the bot: Discord gateway, diagnostic engine, completion
// ledger, audit trail and operator API, wired together and run as one
// process.
type Wankoro struct {
	config     *Config
	logger     *slog.Logger
	logHandler slog.Handler

	engine   *Engine
	discord  *Discord
	api      *API
	ledger   *CompletionLedger
	audit    *AuditStore
	notifier Notifier

	questions QuestionSet
	intro     IntroContent

	startedAt time.Time

	// signalStop enables an explicit stop signal to be sent to the bot,
	// apart from the run context being canceled
	signalStop chan struct{}

	// signalReady has a value sent on it once Run has finished
	// initializing
	signalReady chan struct{}

	// runMu prevents concurrent Run calls
	runMu sync.Mutex
}

// New assembles a Wankoro from config. Everything that doesn't require a
// network or database connection happens here; Run finishes the job.
func New(config *Config) (*Wankoro, error) {
	if config == nil {
		return nil, errors.New("nil config")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	w := &Wankoro{
		config:      config,
		signalReady: make(chan struct{}, 1),
	}

	w.logHandler = newLogHandler(config.LogLevel)
	w.logger = slog.New(w.logHandler)
	slog.SetDefault(w.logger)

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		newLogHandler(config.Discord.DiscordGoLogLevel).WithAttrs(
			[]slog.Attr{slog.String(loggerNameKey, "discordgo")},
		),
	)

	disc, err := newDiscord(config.Discord)
	if err != nil {
		return nil, err
	}
	disc.logger = slog.New(
		newLogHandler(config.Discord.LogLevel),
	).With(loggerNameKey, "discord")
	w.discord = disc

	w.ledger = NewCompletionLedger(config.RoleCheck.LedgerPath, w.logger)

	w.questions = loadQuestionsOrDefault(config.RoleCheck.QuestionsPath, w.logger)
	w.intro = loadIntroOrDefault(config.RoleCheck.IntroPath, w.logger)

	api, err := newAPI(w, config.API)
	if err != nil {
		return nil, err
	}
	w.api = api

	return w, nil
}

// loadQuestionsOrDefault loads the catalogue at path, falling back to
// the built-in set if the file doesn't exist yet. Any other load failure
// also falls back, loudly - the bot must come up so an admin can fix the
// file and `/rolecheck_reload`.
func loadQuestionsOrDefault(path string, logger *slog.Logger) QuestionSet {
	qs, err := LoadQuestionSet(path)
	switch {
	case err == nil:
		logger.Info(
			"loaded question catalogue",
			"path", path,
			"count", len(qs),
			"max_score", qs.MaxScore(),
		)
		return qs
	case errors.Is(err, os.ErrNotExist):
		logger.Info("no question catalogue on disk, using built-in set", "path", path)
	default:
		logger.Error(
			"error loading question catalogue, using built-in set",
			"path", path,
			tint.Err(err),
		)
	}
	return defaultQuestions
}

func loadIntroOrDefault(path string, logger *slog.Logger) IntroContent {
	intro, err := LoadIntro(path)
	switch {
	case err == nil:
		return intro
	case errors.Is(err, os.ErrNotExist):
		logger.Info("no intro content on disk, using built-in", "path", path)
	default:
		logger.Error("error loading intro content, using built-in", "path", path, tint.Err(err))
	}
	return DefaultIntro()
}

// Run connects to Discord, starts the operator API and the expiry
// watchdog, and blocks until ctx is canceled or Stop is called. It then
// shuts everything down gracefully within the configured timeout.
func (w *Wankoro) Run(ctx context.Context) error {
	// prevents concurrent runs
	w.runMu.Lock()
	defer w.runMu.Unlock()

	w.signalStop = make(chan struct{}, 1)
	w.startedAt = time.Now()
	logger := w.logger

	ctx = WithLogger(ctx, logger)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-w.signalStop:
			logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
		}
	}()

	audit, err := newAuditStore(
		w.config.Database,
		newLogHandler(w.config.LogLevel),
		w.config.DatabaseSlowThreshold,
	)
	if err != nil {
		logger.Error("error opening audit database", tint.Err(err))
		return err
	}
	w.audit = audit

	session, err := w.discord.newSession()
	if err != nil {
		return err
	}
	w.discord.session = session

	w.notifier = newDiscordNotifier(
		session,
		w.config.Discord,
		w.config.RoleCheck.EscalationsPerMinute,
		logger,
	)
	dialog := &discordDialog{
		session: session,
		logger:  logger.With(loggerNameKey, "dialog"),
	}
	directory := &discordDirectory{
		session: session,
		guildID: w.config.Discord.GuildID,
		logger:  logger.With(loggerNameKey, "directory"),
	}
	w.engine = newEngine(
		w.config.RoleCheck,
		w.config.Discord,
		w.questions,
		w.intro,
		dialog,
		directory,
		w.notifier,
		w.ledger,
		w.audit,
		logger,
	)
	w.discord.engine = w.engine

	go func() {
		if serveErr := w.api.Serve(ctx); serveErr != nil &&
			!errors.Is(serveErr, http.ErrServerClosed) {
			logger.ErrorContext(ctx, "error serving operator API", tint.Err(serveErr))
		}
	}()

	startCtx, startCancel := context.WithTimeout(ctx, w.config.StartupTimeout)
	defer startCancel()

	w.discord.removeHandlerFuncs = append(
		w.discord.removeHandlerFuncs,
		session.AddHandler(w.discord.handlerReady()),
		session.AddHandler(w.discord.handlerConnect()),
		session.AddHandler(w.discord.handlerDisconnect()),
		session.AddHandler(w.discord.handlerInteractionCreate(ctx)),
	)

	if err = session.Open(); err != nil {
		logger.Error("error opening discord session", tint.Err(err))
		return err
	}

	if _, err = w.discord.registerCommands(discordgo.WithContext(startCtx)); err != nil {
		if closeErr := session.Close(); closeErr != nil {
			logger.Error("error closing discord session", tint.Err(closeErr))
		}
		return err
	}

	runtimeWG := &sync.WaitGroup{}
	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		w.watchExpiry(ctx)
	}()

	w.signalReady <- struct{}{}
	logger.InfoContext(
		ctx,
		"running",
		"questions", len(w.questions),
		"max_score", w.questions.MaxScore(),
		"completions", w.ledger.Len(),
	)

	<-ctx.Done()
	logger.Warn("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(
		context.Background(),
		w.config.ShutdownTimeout,
	)
	defer shutdownCancel()

	for _, remove := range w.discord.removeHandlerFuncs {
		remove()
	}
	w.discord.removeHandlerFuncs = []func(){}

	if closeErr := session.Close(); closeErr != nil {
		logger.Error("error closing discord session", tint.Err(closeErr))
	}
	if apiErr := w.api.Shutdown(shutdownCtx); apiErr != nil {
		logger.Error("error shutting down operator API", tint.Err(apiErr))
	}
	if auditErr := w.audit.Close(); auditErr != nil {
		logger.Error("error closing audit database", tint.Err(auditErr))
	}

	runtimeWG.Wait()
	logger.Info("shutdown complete", "uptime", time.Since(w.startedAt))
	return nil
}

// Stop signals a running Run to shut down.
func (w *Wankoro) Stop() {
	select {
	case w.signalStop <- struct{}{}:
	default:
	}
}

// watchExpiry periodically sweeps sessions past their inactivity
// deadline.
func (w *Wankoro) watchExpiry(ctx context.Context) {
	interval := w.config.RoleCheck.WatchdogInterval
	if interval <= 0 {
		interval = DefaultWatchdogInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger := w.logger.With(loggerNameKey, "watchdog")
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if count := w.engine.expireOverdue(ctx, now); count > 0 {
				logger.InfoContext(ctx, "expired idle sessions", "count", count)
			}
		}
	}
}
