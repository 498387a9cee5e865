package rolecheck

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/lmittmann/tint"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// Audit outcome values for DiagnosticLog rows.
const (
	OutcomeCompleted = "completed"
	OutcomeCancelled = "cancelled"
	OutcomeExpired   = "expired"
	OutcomeFailed    = "failed"
)

// DiagnosticLog is one audit row per terminal diagnostic outcome,
// including runs that never produced a completion record (cancelled,
// expired, failed finalize). The full per-question trace is kept as
// serialized JSON.
type DiagnosticLog struct {
	ID        uint   `gorm:"primarykey" json:"id"`
	CreatedAt int64  `gorm:"autoCreateTime:milli" json:"created_at"`
	UserID    string `gorm:"index" json:"user_id"`
	Outcome   string `gorm:"index" json:"outcome"`

	Result        string `json:"result"`
	Score         int    `json:"score"`
	MaxScore      int    `json:"max_score"`
	Forced        bool   `json:"forced"`
	ForceOverride bool   `json:"force_override"`

	InvokedBy     string `json:"invoked_by"`
	InvokedByName string `json:"invoked_by_name"`

	// Reason is the admin-supplied cancel reason, or the failure detail
	Reason string `json:"reason,omitempty"`

	// Answers is the JSON-encoded []AnswerTrace at the time the run ended
	Answers string `json:"answers"`
}

// AuditStore persists DiagnosticLog rows to sqlite. Audit writes are
// best-effort: a failure is logged and escalated upstream but never
// blocks the operation that produced the row.
type AuditStore struct {
	db     *gorm.DB
	logger *slog.Logger
}

func newAuditStore(
	path string,
	handler slog.Handler,
	slowThreshold time.Duration,
) (*AuditStore, error) {
	db, err := gorm.Open(
		sqlite.Open(path+"?_journal_mode=WAL&_busy_timeout=5000"),
		&gorm.Config{Logger: newGORMLogger(handler, slowThreshold)},
	)
	if err != nil {
		return nil, err
	}
	if err = db.AutoMigrate(&DiagnosticLog{}); err != nil {
		return nil, err
	}
	return &AuditStore{
		db:     db,
		logger: slog.New(handler).With(loggerNameKey, "audit"),
	}, nil
}

// Record writes one audit row from the given session and outcome.
func (a *AuditStore) Record(
	ctx context.Context,
	s *Session,
	outcome string,
	result string,
	maxScore int,
	reason string,
) {
	if a == nil {
		return
	}
	answers, err := json.Marshal(s.Answers)
	if err != nil {
		answers = []byte("[]")
	}
	row := DiagnosticLog{
		UserID:        s.UserID,
		Outcome:       outcome,
		Result:        result,
		Score:         s.Score,
		MaxScore:      maxScore,
		Forced:        s.ForcedStart,
		ForceOverride: s.ForceOverride,
		InvokedBy:     s.InvokerID,
		InvokedByName: s.InvokerName,
		Reason:        reason,
		Answers:       string(answers),
	}
	if err = a.db.WithContext(ctx).Create(&row).Error; err != nil {
		a.logger.ErrorContext(
			ctx,
			"error writing audit row",
			"user_id", s.UserID,
			"outcome", outcome,
			tint.Err(err),
		)
	}
}

// Recent returns up to limit audit rows, newest first.
func (a *AuditStore) Recent(ctx context.Context, limit int) ([]DiagnosticLog, error) {
	if a == nil {
		return nil, nil
	}
	var rows []DiagnosticLog
	err := a.db.WithContext(ctx).
		Order("created_at desc, id desc").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

// Close closes the underlying sqlite handle.
func (a *AuditStore) Close() error {
	if a == nil {
		return nil
	}
	sqlDB, err := a.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
