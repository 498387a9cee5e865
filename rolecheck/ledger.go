package rolecheck

import (
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/lmittmann/tint"
)

// CompletionRecord is the persisted outcome of one finished diagnostic,
// keyed by user ID. Written only by the finalizer, only after role
// reconciliation succeeded, and overwritten only by a forced rerun.
type CompletionRecord struct {
	CompletedAt   time.Time     `json:"completed_at"`
	Score         int           `json:"score"`
	MaxScore      int           `json:"max_score"`
	Result        string        `json:"result"`
	Answers       []AnswerTrace `json:"answers"`
	InvokedBy     string        `json:"invoked_by"`
	InvokedByName string        `json:"invoked_by_name"`
	Forced        bool          `json:"forced"`
	ForceOverride bool          `json:"force_override"`
}

// CompletionLedger is the persisted store of completed diagnostics. The
// whole file is the unit of atomic persistence: every write goes to a
// temp file which is then renamed over the committed one, so a reader
// (or a crash mid-write) never observes a partial ledger.
type CompletionLedger struct {
	path    string
	logger  *slog.Logger
	mu      sync.Mutex
	records map[string]CompletionRecord
}

// NewCompletionLedger loads the ledger at path, starting empty if the
// file doesn't exist yet. A corrupt file is treated as empty rather than
// fatal - the bot must come up even if the ledger was hand-edited badly.
func NewCompletionLedger(path string, logger *slog.Logger) *CompletionLedger {
	if logger == nil {
		logger = slog.Default()
	}
	l := &CompletionLedger{
		path:    path,
		logger:  logger.With(loggerNameKey, "ledger"),
		records: map[string]CompletionRecord{},
	}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		l.logger.Info("no existing ledger, starting empty", "path", path)
	case err != nil:
		l.logger.Error("error reading ledger, starting empty", "path", path, tint.Err(err))
	default:
		if err = json.Unmarshal(data, &l.records); err != nil {
			l.logger.Error(
				"ledger is corrupt, starting empty",
				"path", path,
				tint.Err(err),
			)
			l.records = map[string]CompletionRecord{}
		} else {
			l.logger.Info("loaded ledger", "path", path, "records", len(l.records))
		}
	}
	return l
}

// Get returns the record for userID, if present.
func (l *CompletionLedger) Get(userID string) (CompletionRecord, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.records[userID]
	return rec, ok
}

// Len returns the number of completion records.
func (l *CompletionLedger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

// Put stores (or overwrites) the record for userID and persists the
// ledger. If persistence fails the in-memory state is rolled back, so
// the ledger never claims a record it cannot durably hold.
func (l *CompletionLedger) Put(userID string, rec CompletionRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	prev, existed := l.records[userID]
	l.records[userID] = rec

	if err := l.persist(); err != nil {
		if existed {
			l.records[userID] = prev
		} else {
			delete(l.records, userID)
		}
		return &PersistenceError{Path: l.path, Err: err}
	}
	return nil
}

// Remove deletes the record for userID, reporting whether one existed.
func (l *CompletionLedger) Remove(userID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	prev, existed := l.records[userID]
	if !existed {
		return false, nil
	}
	delete(l.records, userID)
	if err := l.persist(); err != nil {
		l.records[userID] = prev
		return false, &PersistenceError{Path: l.path, Err: err}
	}
	return true, nil
}

// Reset clears every record, returning the count removed. The ledger
// lock is held for the whole rewrite, so no finalize can interleave with
// a bulk reset.
func (l *CompletionLedger) Reset() (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	prev := l.records
	count := len(prev)
	l.records = map[string]CompletionRecord{}
	if err := l.persist(); err != nil {
		l.records = prev
		return 0, &PersistenceError{Path: l.path, Err: err}
	}
	return count, nil
}

// persist writes the full record map to a temp file and renames it over
// the committed path. Callers must hold l.mu.
func (l *CompletionLedger) persist() error {
	if dir := filepath.Dir(l.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	data, err := json.MarshalIndent(l.records, "", "  ")
	if err != nil {
		return err
	}
	tmp := l.path + ".tmp"
	if err = os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, l.path)
}
