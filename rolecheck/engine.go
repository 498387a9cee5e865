package rolecheck

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/lmittmann/tint"
)

// UserRef identifies a Discord user to the engine.
type UserRef struct {
	ID   string
	Name string
}

// DialogSender is the messaging collaborator: it delivers the intro DM
// and edits that single message in place for every subsequent view.
type DialogSender interface {
	// SendIntro opens the user's DM channel and sends the intro dialog
	// with a start button, returning a reference to the message that
	// will be edited for the rest of the run.
	SendIntro(ctx context.Context, userID string, intro IntroContent) (DialogRef, error)

	// ShowQuestion edits the dialog to display prompt index (0-based)
	// of total, with one button per choice in the session's shuffled order.
	ShowQuestion(ctx context.Context, ref DialogRef, q Question, index, total int) error

	// ShowResult edits the dialog to the terminal completed view, with
	// no interactive controls.
	ShowResult(ctx context.Context, ref DialogRef, result ClassificationResult) error

	// ShowCancelled edits the dialog to the terminal cancelled/expired
	// view, with no interactive controls.
	ShowCancelled(ctx context.Context, ref DialogRef, reason string) error
}

// Directory is the external collaborator for guild member/role lookup
// and mutation.
type Directory interface {
	// ResolveRole verifies the role exists in the guild.
	ResolveRole(ctx context.Context, roleID string) error

	// MemberRoleIDs returns the role IDs currently held by the member.
	MemberRoleIDs(ctx context.Context, userID string) ([]string, error)

	AddRole(ctx context.Context, userID, roleID string) error
	RemoveRole(ctx context.Context, userID, roleID string) error
}

// Engine owns the session store and drives every diagnostic state
// transition. It is the serialization point for session mutation: each
// operation acquires the target user's gate before validating state, and
// releases it only after the transition (and its render) is committed.
type Engine struct {
	logger   *slog.Logger
	cfg      *RoleCheckConfig
	store    *sessionStore
	dialog   DialogSender
	notifier Notifier
	ledger   *CompletionLedger
	audit    *AuditStore
	fin      *finalizer

	// mu guards the committed question set and intro. It is held while
	// registering a new session so a reload can atomically verify no
	// session is (or is becoming) active.
	mu        sync.Mutex
	questions QuestionSet
	intro     IntroContent
}

func newEngine(
	cfg *RoleCheckConfig,
	discordCfg *DiscordConfig,
	questions QuestionSet,
	intro IntroContent,
	dialog DialogSender,
	directory Directory,
	notifier Notifier,
	ledger *CompletionLedger,
	audit *AuditStore,
	logger *slog.Logger,
) *Engine {
	log := logger.With(loggerNameKey, "engine")
	return &Engine{
		logger:    log,
		cfg:       cfg,
		store:     newSessionStore(),
		dialog:    dialog,
		notifier:  notifier,
		ledger:    ledger,
		audit:     audit,
		questions: questions,
		intro:     intro,
		fin: &finalizer{
			directory:   directory,
			ledger:      ledger,
			audit:       audit,
			notifier:    notifier,
			dialog:      dialog,
			logger:      log,
			enjoyRoleID: discordCfg.EnjoyRoleID,
			gachiRoleID: discordCfg.GachiRoleID,
			low:         cfg.ThresholdLow,
			high:        cfg.ThresholdHigh,
			labels: resultLabels{
				enjoy: cfg.LabelEnjoy,
				gachi: cfg.LabelGachi,
				both:  cfg.LabelBoth,
			},
		},
	}
}

// Intro returns the committed intro content.
func (e *Engine) Intro() IntroContent {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.intro
}

// QuestionCount returns the committed catalogue size.
func (e *Engine) QuestionCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.questions)
}

// MaxScore returns the committed catalogue's maximum total score.
func (e *Engine) MaxScore() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.questions.MaxScore()
}

// ActiveSessionCount returns the number of live sessions.
func (e *Engine) ActiveSessionCount() int {
	return e.store.len()
}

// SessionSummary is a read-only view of one active session.
type SessionSummary struct {
	UserID      string        `json:"user_id"`
	Status      SessionStatus `json:"status"`
	Index       int           `json:"index"`
	Total       int           `json:"total"`
	Score       int           `json:"score"`
	InvokerID   string        `json:"invoked_by"`
	InvokerName string        `json:"invoked_by_name"`
	ForcedStart bool          `json:"forced_start"`
	StartedAt   time.Time     `json:"started_at"`
	Deadline    time.Time     `json:"deadline"`
}

// ActiveSessions returns summaries of every live session. Each summary
// is read under its user's gate, since session fields are only written
// gate-held.
func (e *Engine) ActiveSessions() []SessionSummary {
	ids := e.store.userIDs()
	out := make([]SessionSummary, 0, len(ids))
	for _, id := range ids {
		gate := e.store.userGate(id)
		gate.Lock()
		s := e.store.get(id)
		if s == nil {
			gate.Unlock()
			continue
		}
		summary := SessionSummary{
			UserID:      s.UserID,
			Status:      s.Status,
			Index:       s.Index,
			Total:       len(s.Questions),
			Score:       s.Score,
			InvokerID:   s.InvokerID,
			InvokerName: s.InvokerName,
			ForcedStart: s.ForcedStart,
			StartedAt:   s.StartedAt,
			Deadline:    s.Deadline,
		}
		gate.Unlock()
		out = append(out, summary)
	}
	return out
}

// resetDeadline pushes the session's inactivity cutoff forward after a
// successful render, and mirrors it into the store for the watchdog.
// Callers must hold the user's gate.
func (e *Engine) resetDeadline(s *Session) {
	s.Deadline = time.Now().Add(e.cfg.SessionTimeout)
	e.store.setDeadline(s.UserID, s.Deadline)
}

// StartDiagnostic creates a session for target and delivers the intro
// dialog. It fails with ErrAlreadyInProgress if target has a live
// session, and with ErrAlreadyCompleted if target has a completion
// record and force is false. If intro delivery fails the session is
// rolled back - it must not remain half-created.
func (e *Engine) StartDiagnostic(
	ctx context.Context,
	target UserRef,
	invoker UserRef,
	force bool,
) error {
	gate := e.store.userGate(target.ID)
	gate.Lock()
	defer gate.Unlock()

	now := time.Now()

	e.mu.Lock()
	if e.store.get(target.ID) != nil {
		e.mu.Unlock()
		return ErrAlreadyInProgress
	}
	if _, done := e.ledger.Get(target.ID); done && !force {
		e.mu.Unlock()
		return ErrAlreadyCompleted
	}
	s := &Session{
		UserID:      target.ID,
		InvokerID:   invoker.ID,
		InvokerName: invoker.Name,
		Status:      SessionAwaitingStart,
		Questions:   e.questions.sessionCopy(),
		ForcedStart: force,
		StartedAt:   now,
		Deadline:    now.Add(e.cfg.SessionTimeout),
	}
	intro := e.intro
	e.store.put(s)
	e.mu.Unlock()

	ref, err := e.dialog.SendIntro(ctx, target.ID, intro)
	if err != nil {
		e.store.remove(target.ID)
		e.logger.ErrorContext(
			ctx,
			"intro delivery failed, session rolled back",
			"user_id", target.ID,
			tint.Err(err),
		)
		e.notifier.Notify(
			ctx, Escalation{
				Title:   "ロール診断: DM送信失敗",
				Detail:  err.Error(),
				Origin:  "start",
				UserID:  target.ID,
				Invoker: invoker.Name,
			},
		)
		return &DeliveryError{UserID: target.ID, Err: err}
	}

	s.Dialog = ref
	e.resetDeadline(s)
	e.logger.InfoContext(ctx, "diagnostic started", slog.Group("session", sessionLogAttrs(*s)...))
	return nil
}

// ConfirmStart moves an AwaitingStart session to its first prompt.
func (e *Engine) ConfirmStart(ctx context.Context, userID string) error {
	gate := e.store.userGate(userID)
	gate.Lock()
	defer gate.Unlock()

	s := e.store.get(userID)
	if s == nil || s.Status != SessionAwaitingStart {
		return ErrSessionConflict
	}

	s.Status = SessionAwaitingAnswer
	s.Index = 0

	if err := e.dialog.ShowQuestion(
		ctx, s.Dialog, s.CurrentQuestion(), 0, len(s.Questions),
	); err != nil {
		// the dialog still shows the intro and its start button, so the
		// press stays retryable; the deadline wasn't reset
		s.Status = SessionAwaitingStart
		e.logger.ErrorContext(ctx, "error rendering first prompt", tint.Err(err))
		return &DeliveryError{UserID: userID, Err: err}
	}
	e.resetDeadline(s)
	return nil
}

// Answer applies a choice selection to the user's session. The terminal
// answer transitions through Finalizing and runs the finalizer
// synchronously under the same per-user gate, so no other event for this
// user can interleave with finalization.
func (e *Engine) Answer(ctx context.Context, userID string, choiceIndex int) error {
	gate := e.store.userGate(userID)
	gate.Lock()
	defer gate.Unlock()

	s := e.store.get(userID)
	if s == nil {
		e.notifier.Notify(
			ctx, Escalation{
				Title:  "ロール診断: セッション不整合",
				Detail: "回答を受け取りましたが、対応するセッションがありません。",
				Origin: "answer",
				UserID: userID,
			},
		)
		return ErrSessionConflict
	}
	if s.Status != SessionAwaitingAnswer {
		return ErrSessionConflict
	}

	q := s.CurrentQuestion()
	if choiceIndex < 0 || choiceIndex >= len(q.Choices) {
		return ErrInvalidChoice
	}
	choice := q.Choices[choiceIndex]

	newScore, override := applyAnswer(s.Score, choice.Score, s.Index, len(s.Questions))
	s.Score = newScore
	if override {
		s.ForceOverride = true
	}
	s.Answers = append(s.Answers, AnswerTrace{Choice: choice.Label, Score: choice.Score})
	s.Index++

	if s.Index >= len(s.Questions) {
		s.Status = SessionFinalizing
		_, err := e.fin.Finalize(ctx, s)
		e.store.remove(userID)
		if err != nil {
			// escalation already sent by the finalizer; no completion
			// record was written
			e.audit.Record(ctx, s, OutcomeFailed, "", s.Questions.MaxScore(), err.Error())
			return err
		}
		s.Status = SessionCompleted
		return nil
	}

	if err := e.dialog.ShowQuestion(
		ctx, s.Dialog, s.CurrentQuestion(), s.Index, len(s.Questions),
	); err != nil {
		e.logger.ErrorContext(ctx, "error rendering next prompt", tint.Err(err))
		return &DeliveryError{UserID: userID, Err: err}
	}
	e.resetDeadline(s)
	return nil
}

// CancelDiagnostic removes the user's session without judging or
// touching roles, and writes no completion record. Returns false if no
// session existed.
func (e *Engine) CancelDiagnostic(
	ctx context.Context,
	userID string,
	reason string,
	invoker UserRef,
) bool {
	gate := e.store.userGate(userID)
	gate.Lock()
	defer gate.Unlock()

	s := e.store.remove(userID)
	if s == nil {
		return false
	}
	s.Status = SessionCancelled
	maxScore := s.Questions.MaxScore()

	if err := e.dialog.ShowCancelled(ctx, s.Dialog, reason); err != nil {
		e.logger.WarnContext(ctx, "error rendering cancelled view", tint.Err(err))
	}

	e.audit.Record(ctx, s, OutcomeCancelled, "", maxScore, reason)
	e.notifier.Notify(
		ctx, Escalation{
			Title:   "ロール診断 中断",
			Detail:  "理由: **" + reason + "**\n判定・ロール付与は行われません。",
			Origin:  "cancel",
			UserID:  userID,
			Invoker: invoker.Name,
			Session: s.Snapshot(maxScore),
		},
	)
	e.logger.InfoContext(
		ctx,
		"diagnostic cancelled",
		"user_id", userID,
		"reason", reason,
		"invoked_by", invoker.Name,
	)
	return true
}

// CancelAllDiagnostics cancels every active session, returning the count
// cancelled.
func (e *Engine) CancelAllDiagnostics(
	ctx context.Context,
	reason string,
	invoker UserRef,
) int {
	count := 0
	for _, id := range e.store.userIDs() {
		if e.CancelDiagnostic(ctx, id, reason, invoker) {
			count++
		}
	}
	return count
}

// ExpireDiagnostic terminates the user's session after inactivity. Store
// and ledger effects are identical to cancel, but expiry always
// escalates as an operational anomaly.
func (e *Engine) ExpireDiagnostic(ctx context.Context, userID string) bool {
	gate := e.store.userGate(userID)
	gate.Lock()
	defer gate.Unlock()

	s := e.store.get(userID)
	if s == nil {
		return false
	}
	// the sweep snapshot may be stale: an answer committed between the
	// scan and this gate acquisition pushes the deadline forward
	if time.Now().Before(s.Deadline) {
		return false
	}
	e.store.remove(userID)
	s.Status = SessionExpired
	maxScore := s.Questions.MaxScore()

	if err := e.dialog.ShowCancelled(
		ctx, s.Dialog, "一定時間操作がなかったため終了しました",
	); err != nil {
		e.logger.WarnContext(ctx, "error rendering expired view", tint.Err(err))
	}

	e.audit.Record(ctx, s, OutcomeExpired, "", maxScore, "inactivity timeout")
	e.notifier.Notify(
		ctx, Escalation{
			Title:   "ロール診断: タイムアウト",
			Detail:  "一定時間操作がなく、診断を終了しました（判定なし・ロール付与なし）。",
			Origin:  "expiry",
			UserID:  userID,
			Invoker: s.InvokerName,
			Session: s.Snapshot(maxScore),
		},
	)
	e.logger.WarnContext(
		ctx,
		"diagnostic expired",
		"user_id", userID,
		"index", s.Index,
		"started_at", s.StartedAt,
	)
	return true
}

// expireOverdue sweeps sessions past their inactivity deadline. Called
// by the watchdog.
func (e *Engine) expireOverdue(ctx context.Context, now time.Time) int {
	count := 0
	for _, id := range e.store.expiredUserIDs(now) {
		if e.ExpireDiagnostic(ctx, id) {
			count++
		}
	}
	return count
}

// ReloadQuestionSet re-reads the question catalogue from disk. It is
// rejected while any session is active, so a running session can never
// diverge from the committed set. On failure the committed set stays in
// effect.
func (e *Engine) ReloadQuestionSet(ctx context.Context) (count int, maxScore int, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.store.len() > 0 {
		return 0, 0, ErrReloadBlocked
	}

	qs, err := LoadQuestionSet(e.cfg.QuestionsPath)
	if err != nil {
		e.logger.ErrorContext(
			ctx,
			"question reload failed, committed set retained",
			"path", e.cfg.QuestionsPath,
			tint.Err(err),
		)
		return 0, 0, err
	}

	e.questions = qs
	e.logger.InfoContext(
		ctx,
		"question catalogue reloaded",
		"count", len(qs),
		"max_score", qs.MaxScore(),
	)
	return len(qs), qs.MaxScore(), nil
}
