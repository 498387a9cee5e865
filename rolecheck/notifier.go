package rolecheck

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
)

// recentAnswerCount is how many trailing answers an escalation carries.
const recentAnswerCount = 3

// SessionSnapshot is the condensed session state attached to an
// escalation: current position, running score and the most recent
// answers.
type SessionSnapshot struct {
	Index    int
	Score    int
	MaxScore int
	Total    int
	Recent   []AnswerTrace
}

// Escalation is a structured anomaly report for the operator channel.
type Escalation struct {
	Title   string
	Detail  string
	Origin  string
	UserID  string
	Invoker string
	Session *SessionSnapshot
}

// Notifier delivers anomaly reports to an operator-facing destination.
// Implementations are best-effort: Notify must never return an error or
// panic into the operation that triggered it.
type Notifier interface {
	Notify(ctx context.Context, esc Escalation)
}

// discordNotifier sends escalations as embeds to the configured log
// channel and/or as a DM to the operator. Delivery failures are logged
// and swallowed; a rate limiter drops floods.
type discordNotifier struct {
	session        sessionHandler
	logChannelID   string
	operatorUserID string
	limiter        *rate.Limiter
	logger         *slog.Logger
}

func newDiscordNotifier(
	session sessionHandler,
	cfg *DiscordConfig,
	perMinute int,
	logger *slog.Logger,
) *discordNotifier {
	if perMinute <= 0 {
		perMinute = DefaultEscalationsPerMin
	}
	return &discordNotifier{
		session:        session,
		logChannelID:   cfg.LogChannelID,
		operatorUserID: cfg.OperatorUserID,
		limiter:        rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), escalationBurst),
		logger:         logger.With(loggerNameKey, "notifier"),
	}
}

func (n *discordNotifier) Notify(ctx context.Context, esc Escalation) {
	log := n.logger.With(
		"title", esc.Title,
		"origin", esc.Origin,
		"target_user_id", esc.UserID,
	)
	if n.logChannelID == "" && n.operatorUserID == "" {
		log.DebugContext(ctx, "no escalation destination configured")
		return
	}
	if !n.limiter.Allow() {
		log.WarnContext(ctx, "escalation rate limit hit, dropping report")
		return
	}

	embed := escalationEmbed(esc)

	if n.logChannelID != "" {
		if _, err := n.session.ChannelMessageSendComplex(
			n.logChannelID,
			&discordgo.MessageSend{Embeds: []*discordgo.MessageEmbed{embed}},
		); err != nil {
			log.ErrorContext(ctx, "error sending escalation to log channel", tint.Err(err))
		}
	}

	if n.operatorUserID != "" {
		ch, err := n.session.UserChannelCreate(n.operatorUserID)
		if err != nil {
			log.ErrorContext(ctx, "error opening operator DM", tint.Err(err))
			return
		}
		if _, err = n.session.ChannelMessageSendComplex(
			ch.ID,
			&discordgo.MessageSend{Embeds: []*discordgo.MessageEmbed{embed}},
		); err != nil {
			log.ErrorContext(ctx, "error sending escalation DM", tint.Err(err))
		}
	}
}

func escalationEmbed(esc Escalation) *discordgo.MessageEmbed {
	var b strings.Builder
	if esc.Origin != "" {
		fmt.Fprintf(&b, "Origin: %s\n", esc.Origin)
	}
	if esc.UserID != "" {
		fmt.Fprintf(&b, "対象: <@%s>\n", esc.UserID)
	}
	if esc.Invoker != "" {
		fmt.Fprintf(&b, "管理者: **%s**\n", esc.Invoker)
	}
	b.WriteString(esc.Detail)

	if s := esc.Session; s != nil {
		fmt.Fprintf(
			&b,
			"\n\nSession: idx=%d score=%d/%d\nSummary: %s\nRecent:\n%s",
			s.Index,
			s.Score,
			s.MaxScore,
			summaryLine(s.Recent, s.Total),
			recentAnswerLines(s.Recent, s.Total),
		)
	}

	return &discordgo.MessageEmbed{
		Title:       "🚨 " + esc.Title,
		Description: b.String(),
		Color:       0xE76F51,
	}
}

// summaryLine renders "Q1=3点 / Q2=0点 ..." for the trailing answers.
func summaryLine(recent []AnswerTrace, total int) string {
	if len(recent) == 0 {
		return "(no answers)"
	}
	start := total - len(recent)
	parts := make([]string, 0, len(recent))
	for i, a := range recent {
		parts = append(parts, fmt.Sprintf("Q%d=%d点", start+i+1, a.Score))
	}
	return strings.Join(parts, " / ")
}

func recentAnswerLines(recent []AnswerTrace, total int) string {
	if len(recent) == 0 {
		return "(no answers)"
	}
	start := total - len(recent)
	lines := make([]string, 0, len(recent))
	for i, a := range recent {
		lines = append(lines, fmt.Sprintf("Q%d=%d点: %s", start+i+1, a.Score, a.Choice))
	}
	return strings.Join(lines, "\n")
}
