package rolecheck

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// mockDialog implements DialogSender, recording every render and
// optionally failing specific calls.
type mockDialog struct {
	mu sync.Mutex

	introSent      []string
	questionsShown []int
	resultShown    *ClassificationResult
	cancelledShown []string

	sendIntroErr    error
	showQuestionErr error
	showResultErr   error
}

func (m *mockDialog) SendIntro(
	_ context.Context,
	userID string,
	_ IntroContent,
) (DialogRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendIntroErr != nil {
		return DialogRef{}, m.sendIntroErr
	}
	m.introSent = append(m.introSent, userID)
	return DialogRef{ChannelID: "dm-" + userID, MessageID: "msg-" + userID}, nil
}

func (m *mockDialog) ShowQuestion(
	_ context.Context,
	_ DialogRef,
	_ Question,
	index int,
	_ int,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.showQuestionErr != nil {
		return m.showQuestionErr
	}
	m.questionsShown = append(m.questionsShown, index)
	return nil
}

func (m *mockDialog) ShowResult(
	_ context.Context,
	_ DialogRef,
	result ClassificationResult,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.showResultErr != nil {
		return m.showResultErr
	}
	m.resultShown = &result
	return nil
}

func (m *mockDialog) ShowCancelled(_ context.Context, _ DialogRef, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelledShown = append(m.cancelledShown, reason)
	return nil
}

// mockDirectory implements Directory over an in-memory role set.
type mockDirectory struct {
	mu sync.Mutex

	guildRoles map[string]bool
	memberRole map[string][]string

	added   []string
	removed []string

	resolveErr error
	memberErr  error
	addErr     error
	removeErr  error
}

func newMockDirectory(guildRoles ...string) *mockDirectory {
	roles := map[string]bool{}
	for _, r := range guildRoles {
		roles[r] = true
	}
	return &mockDirectory{
		guildRoles: roles,
		memberRole: map[string][]string{},
	}
}

func (m *mockDirectory) ResolveRole(_ context.Context, roleID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.resolveErr != nil {
		return m.resolveErr
	}
	if !m.guildRoles[roleID] {
		return &DirectoryError{Op: "resolve_role", ID: roleID}
	}
	return nil
}

func (m *mockDirectory) MemberRoleIDs(_ context.Context, userID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.memberErr != nil {
		return nil, m.memberErr
	}
	return append([]string{}, m.memberRole[userID]...), nil
}

func (m *mockDirectory) AddRole(_ context.Context, userID, roleID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.addErr != nil {
		return m.addErr
	}
	m.memberRole[userID] = append(m.memberRole[userID], roleID)
	m.added = append(m.added, roleID)
	return nil
}

func (m *mockDirectory) RemoveRole(_ context.Context, userID, roleID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.removeErr != nil {
		return m.removeErr
	}
	held := m.memberRole[userID]
	out := held[:0]
	for _, r := range held {
		if r != roleID {
			out = append(out, r)
		}
	}
	m.memberRole[userID] = out
	m.removed = append(m.removed, roleID)
	return nil
}

// mockNotifier collects escalations.
type mockNotifier struct {
	mu          sync.Mutex
	escalations []Escalation
}

func (m *mockNotifier) Notify(_ context.Context, esc Escalation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.escalations = append(m.escalations, esc)
}

func (m *mockNotifier) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.escalations)
}

func (m *mockNotifier) last() Escalation {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.escalations) == 0 {
		return Escalation{}
	}
	return m.escalations[len(m.escalations)-1]
}

const (
	testEnjoyRoleID = "role-enjoy"
	testGachiRoleID = "role-gachi"
)

// testQuestions uses three questions with 0-3 point choices, so a
// max-score run lands at 9 with the default 6/12 thresholds.
func testQuestions() QuestionSet {
	qs := make(QuestionSet, 3)
	for i := range qs {
		qs[i] = Question{
			Prompt: "question",
			Choices: []Choice{
				{Label: "three", Score: 3},
				{Label: "two", Score: 2},
				{Label: "one", Score: 1},
				{Label: "zero", Score: 0},
			},
		}
	}
	return qs
}

type testEngine struct {
	engine    *Engine
	dialog    *mockDialog
	directory *mockDirectory
	notifier  *mockNotifier
	ledger    *CompletionLedger
}

func newTestEngine(t testing.TB) *testEngine {
	t.Helper()

	cfg := DefaultConfig()
	cfg.RoleCheck.LedgerPath = filepath.Join(t.TempDir(), "completed.json")
	cfg.RoleCheck.SessionTimeout = time.Minute
	cfg.Discord.EnjoyRoleID = testEnjoyRoleID
	cfg.Discord.GachiRoleID = testGachiRoleID

	dialog := &mockDialog{}
	directory := newMockDirectory(testEnjoyRoleID, testGachiRoleID)
	notifier := &mockNotifier{}
	ledger := NewCompletionLedger(cfg.RoleCheck.LedgerPath, slog.Default())

	engine := newEngine(
		cfg.RoleCheck,
		cfg.Discord,
		testQuestions(),
		DefaultIntro(),
		dialog,
		directory,
		notifier,
		ledger,
		nil,
		slog.Default(),
	)
	return &testEngine{
		engine:    engine,
		dialog:    dialog,
		directory: directory,
		notifier:  notifier,
		ledger:    ledger,
	}
}

// answerWithScore selects whichever choice of the current question
// carries the given score, regardless of the session's shuffled order.
func (te *testEngine) answerWithScore(
	t testing.TB,
	ctx context.Context,
	userID string,
	score int,
) {
	t.Helper()
	s := te.engine.store.get(userID)
	require.NotNil(t, s)
	q := s.CurrentQuestion()
	for idx, c := range q.Choices {
		if c.Score == score {
			require.NoError(t, te.engine.Answer(ctx, userID, idx))
			return
		}
	}
	t.Fatalf("no choice with score %d", score)
}

// startAndConfirm runs a session up to its first prompt.
func (te *testEngine) startAndConfirm(
	t testing.TB,
	ctx context.Context,
	userID string,
) {
	t.Helper()
	require.NoError(
		t,
		te.engine.StartDiagnostic(
			ctx,
			UserRef{ID: userID, Name: userID},
			UserRef{ID: "admin", Name: "admin"},
			false,
		),
	)
	require.NoError(t, te.engine.ConfirmStart(ctx, userID))
}
