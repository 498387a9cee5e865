package rolecheck

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyInProgress is returned by [Engine.StartDiagnostic] when the
	// target user already has a live session.
	ErrAlreadyInProgress = errors.New("diagnostic already in progress")

	// ErrAlreadyCompleted is returned by [Engine.StartDiagnostic] when the
	// target user already has a completion record and force wasn't set.
	ErrAlreadyCompleted = errors.New("diagnostic already completed")

	// ErrSessionConflict indicates an event arrived for a session that
	// doesn't exist, or isn't in a state that accepts the event (stray
	// answer, confirm without a pending intro, duplicate button press
	// that lost the per-user gate).
	ErrSessionConflict = errors.New("no matching session state")

	// ErrInvalidChoice indicates a choice index outside the current
	// prompt's shuffled choice range.
	ErrInvalidChoice = errors.New("choice index out of range")

	// ErrReloadBlocked is returned by [Engine.ReloadQuestionSet] while at
	// least one session is active.
	ErrReloadBlocked = errors.New("cannot reload questions while sessions are active")
)

// ConfigError indicates a malformed question or intro source. The
// previously committed config stays in effect.
type ConfigError struct {
	Path string
	Err  error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error (%s): %s", e.Path, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// DeliveryError indicates the target user couldn't be reached (DMs
// disabled, channel creation failed, message edit rejected).
type DeliveryError struct {
	UserID string
	Err    error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("could not reach user %s: %s", e.UserID, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// DirectoryError indicates a guild/member/role lookup failure during
// finalization.
type DirectoryError struct {
	Op  string
	ID  string
	Err error
}

func (e *DirectoryError) Error() string {
	return fmt.Sprintf("directory %s failed for %s: %s", e.Op, e.ID, e.Err)
}

func (e *DirectoryError) Unwrap() error {
	return e.Err
}

// PermissionError indicates a role mutation was denied.
type PermissionError struct {
	UserID string
	RoleID string
	Err    error
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf(
		"permission denied mutating role %s for user %s: %s",
		e.RoleID,
		e.UserID,
		e.Err,
	)
}

func (e *PermissionError) Unwrap() error {
	return e.Err
}

// PersistenceError indicates the completion ledger couldn't be written.
// The in-memory ledger is rolled back to the committed state.
type PersistenceError struct {
	Path string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("ledger write failed (%s): %s", e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}
