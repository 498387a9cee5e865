package rolecheck

import (
	"context"
	"log/slog"
	"time"

	"github.com/lmittmann/tint"
)

// ClassificationResult is the finalizer's successful outcome.
type ClassificationResult struct {
	Classification
	Score    int
	MaxScore int
}

// finalizer performs the terminal step of a run: classify the score,
// reconcile the member's candidate roles, persist the completion record
// and render the terminal view. The completion record is written iff the
// role reconciliation actually succeeded - a failed finalize leaves the
// ledger untouched and escalates instead.
type finalizer struct {
	directory Directory
	ledger    *CompletionLedger
	audit     *AuditStore
	notifier  Notifier
	dialog    DialogSender
	logger    *slog.Logger

	enjoyRoleID string
	gachiRoleID string
	low         int
	high        int
	labels      resultLabels
}

// Finalize runs steps 1-5 for the given session. The caller holds the
// session's per-user gate for the full duration, so no other mutation
// for this user can interleave.
func (f *finalizer) Finalize(ctx context.Context, s *Session) (ClassificationResult, error) {
	log := f.logger.With(slog.Group("session", sessionLogAttrs(*s)...))
	maxScore := s.Questions.MaxScore()

	result := ClassificationResult{
		Classification: classify(s.Score, f.low, f.high, s.ForceOverride, f.labels),
		Score:          s.Score,
		MaxScore:       maxScore,
	}

	if err := f.resolveRoles(ctx, s, maxScore); err != nil {
		return result, err
	}

	if err := f.reconcileRoles(ctx, s, result.Classification, maxScore); err != nil {
		return result, err
	}

	record := CompletionRecord{
		CompletedAt:   time.Now().UTC(),
		Score:         s.Score,
		MaxScore:      maxScore,
		Result:        result.Label,
		Answers:       append([]AnswerTrace{}, s.Answers...),
		InvokedBy:     s.InvokerID,
		InvokedByName: s.InvokerName,
		Forced:        s.ForcedStart,
		ForceOverride: s.ForceOverride,
	}
	if err := f.ledger.Put(s.UserID, record); err != nil {
		log.ErrorContext(ctx, "role reconciliation succeeded but ledger write failed", tint.Err(err))
		f.notifier.Notify(
			ctx, Escalation{
				Title:   "ロール診断: 完了記録の保存失敗",
				Detail:  err.Error(),
				Origin:  "finalize:ledger",
				UserID:  s.UserID,
				Invoker: s.InvokerName,
				Session: s.Snapshot(maxScore),
			},
		)
		return result, err
	}

	f.audit.Record(ctx, s, OutcomeCompleted, result.Label, maxScore, "")

	log.InfoContext(
		ctx,
		"diagnostic completed",
		"result", result.Label,
		"score", s.Score,
		"max_score", maxScore,
		"force_override", s.ForceOverride,
		"answers", s.Answers,
	)

	if err := f.dialog.ShowResult(ctx, s.Dialog, result); err != nil {
		// the outcome is committed at this point; a failed terminal
		// render is a cosmetic anomaly, not a failed finalize
		log.WarnContext(ctx, "error rendering terminal view", tint.Err(err))
	}

	return result, nil
}

// resolveRoles verifies both candidate roles exist before any mutation.
func (f *finalizer) resolveRoles(ctx context.Context, s *Session, maxScore int) error {
	for _, roleID := range []string{f.enjoyRoleID, f.gachiRoleID} {
		if err := f.directory.ResolveRole(ctx, roleID); err != nil {
			f.logger.ErrorContext(ctx, "error resolving candidate role",
				"role_id", roleID, tint.Err(err))
			f.notifier.Notify(
				ctx, Escalation{
					Title:   "ロール診断: ロールID不正",
					Detail:  err.Error(),
					Origin:  "finalize:resolve",
					UserID:  s.UserID,
					Invoker: s.InvokerName,
					Session: s.Snapshot(maxScore),
				},
			)
			return err
		}
	}
	return nil
}

// reconcileRoles brings the member's candidate-role subset to the target
// state as one logical operation: remove what's held but unwanted, add
// what's wanted but missing. Roles already matching the target are left
// alone.
func (f *finalizer) reconcileRoles(
	ctx context.Context,
	s *Session,
	c Classification,
	maxScore int,
) error {
	held, err := f.directory.MemberRoleIDs(ctx, s.UserID)
	if err != nil {
		f.escalateReconcile(ctx, s, maxScore, "finalize:member", err)
		return err
	}

	heldSet := map[string]bool{}
	for _, id := range held {
		heldSet[id] = true
	}
	target := map[string]bool{
		f.enjoyRoleID: c.Enjoy,
		f.gachiRoleID: c.Gachi,
	}

	for _, roleID := range []string{f.enjoyRoleID, f.gachiRoleID} {
		switch {
		case heldSet[roleID] && !target[roleID]:
			if err = f.directory.RemoveRole(ctx, s.UserID, roleID); err != nil {
				f.escalateReconcile(ctx, s, maxScore, "finalize:remove_role", err)
				return err
			}
		case !heldSet[roleID] && target[roleID]:
			if err = f.directory.AddRole(ctx, s.UserID, roleID); err != nil {
				f.escalateReconcile(ctx, s, maxScore, "finalize:add_role", err)
				return err
			}
		}
	}
	return nil
}

func (f *finalizer) escalateReconcile(
	ctx context.Context,
	s *Session,
	maxScore int,
	origin string,
	err error,
) {
	f.logger.ErrorContext(
		ctx,
		"role reconciliation failed, no completion record written",
		"origin", origin,
		tint.Err(err),
	)
	f.notifier.Notify(
		ctx, Escalation{
			Title:   "ロール診断: ロール更新失敗",
			Detail:  err.Error(),
			Origin:  origin,
			UserID:  s.UserID,
			Invoker: s.InvokerName,
			Session: s.Snapshot(maxScore),
		},
	)
}
