package rolecheck

import (
	"sync"
	"time"
)

// SessionStatus is the lifecycle state of one diagnostic run.
type SessionStatus string

const (
	// SessionAwaitingStart - intro delivered, waiting on the start button
	SessionAwaitingStart SessionStatus = "awaiting_start"

	// SessionAwaitingAnswer - a prompt is displayed, waiting on a choice
	SessionAwaitingAnswer SessionStatus = "awaiting_answer"

	// SessionFinalizing - terminal answer received, finalizer running
	SessionFinalizing SessionStatus = "finalizing"

	// SessionCompleted - finalize succeeded (terminal)
	SessionCompleted SessionStatus = "completed"

	// SessionCancelled - removed by an admin (terminal)
	SessionCancelled SessionStatus = "cancelled"

	// SessionExpired - inactivity deadline passed (terminal)
	SessionExpired SessionStatus = "expired"
)

// Terminal reports whether s ends a session's lifecycle.
func (s SessionStatus) Terminal() bool {
	switch s {
	case SessionCompleted, SessionCancelled, SessionExpired:
		return true
	}
	return false
}

// AnswerTrace is one accepted answer, as rendered into the ledger and
// audit trail.
type AnswerTrace struct {
	Choice string `json:"choice"`
	Score  int    `json:"score"`
}

// DialogRef identifies the single DM message edited in place through an
// entire run.
type DialogRef struct {
	ChannelID string
	MessageID string
}

// Session is the engine-tracked state for one user's single run through
// the diagnostic. All fields are owned by the session store and only
// mutated while the user's gate is held.
type Session struct {
	UserID      string
	InvokerID   string
	InvokerName string

	Status SessionStatus

	// Questions is the session-private shuffled-choices copy, fixed at
	// session creation. Never reshuffled mid-run.
	Questions QuestionSet

	// Index is the current question position: 0 <= Index <= len(Questions).
	// It advances by exactly one per accepted answer.
	Index int

	Score         int
	Answers       []AnswerTrace
	ForceOverride bool

	// ForcedStart records that this run bypassed the already-completed guard
	ForcedStart bool

	Dialog    DialogRef
	StartedAt time.Time

	// Deadline is the inactivity cutoff, reset each time a new prompt is
	// delivered on the dialog
	Deadline time.Time
}

// CurrentQuestion returns the prompt the session is waiting on.
func (s *Session) CurrentQuestion() Question {
	return s.Questions[s.Index]
}

// Snapshot condenses session state for escalation reports.
func (s *Session) Snapshot(maxScore int) *SessionSnapshot {
	recent := s.Answers
	if len(recent) > recentAnswerCount {
		recent = recent[len(recent)-recentAnswerCount:]
	}
	cp := make([]AnswerTrace, len(recent))
	copy(cp, recent)
	return &SessionSnapshot{
		Index:    s.Index,
		Score:    s.Score,
		MaxScore: maxScore,
		Recent:   cp,
		Total:    len(s.Answers),
	}
}

// sessionStore owns all active sessions plus the per-user gates that
// serialize mutations. The store mutex guards only the maps; the
// per-user mutex serializes entire logical operations, including any
// rendering I/O for the transition, so at most one mutation per user is
// ever in flight.
type sessionStore struct {
	mu       sync.Mutex
	sessions map[string]*Session

	// deadlines mirrors each session's inactivity cutoff under st.mu.
	// Session fields are gate-owned, so the watchdog scans this mirror
	// instead of reading Session.Deadline without the gate.
	deadlines map[string]time.Time

	// gates are never removed once created: dropping one while another
	// goroutine still holds its pointer would let two operations for the
	// same user run under different locks
	gates map[string]*sync.Mutex
}

func newSessionStore() *sessionStore {
	return &sessionStore{
		sessions:  map[string]*Session{},
		deadlines: map[string]time.Time{},
		gates:     map[string]*sync.Mutex{},
	}
}

// userGate returns the serialization mutex for userID, creating it on
// first use.
func (st *sessionStore) userGate(userID string) *sync.Mutex {
	st.mu.Lock()
	defer st.mu.Unlock()
	g := st.gates[userID]
	if g == nil {
		g = &sync.Mutex{}
		st.gates[userID] = g
	}
	return g
}

// get returns the live session for userID, if any. Callers must hold the
// user's gate before acting on the result.
func (st *sessionStore) get(userID string) *Session {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.sessions[userID]
}

func (st *sessionStore) put(s *Session) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.sessions[s.UserID] = s
	st.deadlines[s.UserID] = s.Deadline
}

// remove deletes the session for userID, returning it if it existed.
func (st *sessionStore) remove(userID string) *Session {
	st.mu.Lock()
	defer st.mu.Unlock()
	s := st.sessions[userID]
	delete(st.sessions, userID)
	delete(st.deadlines, userID)
	return s
}

// setDeadline updates the watchdog's mirror of the session's inactivity
// cutoff. Callers must hold the user's gate and update Session.Deadline
// themselves.
func (st *sessionStore) setDeadline(userID string, t time.Time) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.sessions[userID]; ok {
		st.deadlines[userID] = t
	}
}

func (st *sessionStore) len() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.sessions)
}

// userIDs returns a snapshot of the active session user IDs.
func (st *sessionStore) userIDs() []string {
	st.mu.Lock()
	defer st.mu.Unlock()
	ids := make([]string, 0, len(st.sessions))
	for id := range st.sessions {
		ids = append(ids, id)
	}
	return ids
}

// expiredUserIDs returns users whose inactivity deadline is before now.
// The result is a snapshot: callers must re-check the deadline under the
// user's gate before acting on it.
func (st *sessionStore) expiredUserIDs(now time.Time) []string {
	st.mu.Lock()
	defer st.mu.Unlock()
	var ids []string
	for id, deadline := range st.deadlines {
		if now.After(deadline) {
			ids = append(ids, id)
		}
	}
	return ids
}
