package rolecheck

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFinalizer(t testing.TB) (*finalizer, *mockDialog, *mockDirectory, *mockNotifier) {
	t.Helper()
	dialog := &mockDialog{}
	directory := newMockDirectory(testEnjoyRoleID, testGachiRoleID)
	notifier := &mockNotifier{}
	ledger := NewCompletionLedger(
		filepath.Join(t.TempDir(), "completed.json"),
		slog.Default(),
	)
	f := &finalizer{
		directory:   directory,
		ledger:      ledger,
		notifier:    notifier,
		dialog:      dialog,
		logger:      slog.Default(),
		enjoyRoleID: testEnjoyRoleID,
		gachiRoleID: testGachiRoleID,
		low:         DefaultThresholdLow,
		high:        DefaultThresholdHigh,
		labels:      testLabels,
	}
	return f, dialog, directory, notifier
}

func finalizableSession(userID string, score int) *Session {
	return &Session{
		UserID:      userID,
		InvokerID:   "admin-id",
		InvokerName: "admin",
		Status:      SessionFinalizing,
		Questions:   testQuestions(),
		Index:       3,
		Score:       score,
		Answers: []AnswerTrace{
			{Choice: "a", Score: score},
		},
	}
}

// TestFinalizeDiffReconcile verifies reconciliation only touches roles
// that differ from the target state.
func TestFinalizeDiffReconcile(t *testing.T) {
	f, _, directory, notifier := newTestFinalizer(t)
	ctx := context.Background()

	// member already holds gachi; an enjoy-only result swaps it
	directory.memberRole["u1"] = []string{testGachiRoleID}

	result, err := f.Finalize(ctx, finalizableSession("u1", 3))
	require.NoError(t, err)
	assert.Equal(t, DefaultLabelEnjoy, result.Label)
	assert.Equal(t, []string{testGachiRoleID}, directory.removed)
	assert.Equal(t, []string{testEnjoyRoleID}, directory.added)
	assert.Equal(t, 0, notifier.count())
}

// TestFinalizeNoopReconcile verifies no mutation happens when the member
// already holds exactly the target roles.
func TestFinalizeNoopReconcile(t *testing.T) {
	f, _, directory, _ := newTestFinalizer(t)
	ctx := context.Background()

	directory.memberRole["u1"] = []string{testEnjoyRoleID, testGachiRoleID}

	result, err := f.Finalize(ctx, finalizableSession("u1", 9))
	require.NoError(t, err)
	assert.Equal(t, DefaultLabelBoth, result.Label)
	assert.Empty(t, directory.added)
	assert.Empty(t, directory.removed)
}

// TestFinalizeResolveFailureAborts verifies an unresolvable candidate
// role stops finalization before any mutation or ledger write.
func TestFinalizeResolveFailureAborts(t *testing.T) {
	f, dialog, directory, notifier := newTestFinalizer(t)
	ctx := context.Background()
	delete(directory.guildRoles, testGachiRoleID)

	_, err := f.Finalize(ctx, finalizableSession("u1", 9))
	require.Error(t, err)

	assert.Empty(t, directory.added)
	assert.Empty(t, directory.removed)
	_, ok := f.ledger.Get("u1")
	assert.False(t, ok)
	assert.Nil(t, dialog.resultShown)
	assert.Equal(t, "finalize:resolve", notifier.last().Origin)
}

func TestFinalizeMemberLookupFailureAborts(t *testing.T) {
	f, _, directory, notifier := newTestFinalizer(t)
	ctx := context.Background()
	directory.memberErr = errors.New("member left the guild")

	_, err := f.Finalize(ctx, finalizableSession("u1", 9))
	require.Error(t, err)
	_, ok := f.ledger.Get("u1")
	assert.False(t, ok)
	assert.Equal(t, "finalize:member", notifier.last().Origin)
}

// TestFinalizeLedgerFailure verifies a failed ledger write after a
// successful reconciliation escalates and reports the error, leaving no
// committed record.
func TestFinalizeLedgerFailure(t *testing.T) {
	f, dialog, _, notifier := newTestFinalizer(t)
	ctx := context.Background()

	// ledger path is a directory, so every persist fails
	f.ledger = NewCompletionLedger(t.TempDir(), slog.Default())

	_, err := f.Finalize(ctx, finalizableSession("u1", 9))
	require.Error(t, err)

	var persistErr *PersistenceError
	assert.ErrorAs(t, err, &persistErr)
	_, ok := f.ledger.Get("u1")
	assert.False(t, ok)
	assert.Nil(t, dialog.resultShown)
	assert.Equal(t, "finalize:ledger", notifier.last().Origin)
}

// TestFinalizeRenderFailureCommitted verifies a failed terminal render
// doesn't undo an otherwise committed outcome.
func TestFinalizeRenderFailureCommitted(t *testing.T) {
	f, dialog, _, notifier := newTestFinalizer(t)
	ctx := context.Background()
	dialog.showResultErr = errors.New("dialog deleted")

	result, err := f.Finalize(ctx, finalizableSession("u1", 9))
	require.NoError(t, err)
	assert.Equal(t, DefaultLabelBoth, result.Label)

	rec, ok := f.ledger.Get("u1")
	require.True(t, ok)
	assert.Equal(t, 9, rec.Score)
	assert.Equal(t, 0, notifier.count())
}
