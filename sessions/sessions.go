// Package sessions defines the gateway's client-facing session and
// operation model: lifecycle states, snapshots, the Manager contract
// the frontend binds to, and the session-level error taxonomy. The
// implementation lives in internal/sessioncore.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sqlfront/sqlfront/auth"
	"github.com/sqlfront/sqlfront/engines"
)

// Session-level errors. Terminal client errors (invalid handle, auth)
// must not be retried; engine errors are retryable with a new attempt.
var (
	// ErrInvalidHandle indicates an unknown or expired session or
	// operation id.
	ErrInvalidHandle = errors.New("invalid handle")
	// ErrTooManySessions indicates a per-user or global session cap
	// was exceeded.
	ErrTooManySessions = errors.New("too many sessions")
	// ErrOperationNotReady indicates a fetch on an operation that has
	// not finished yet.
	ErrOperationNotReady = errors.New("operation not ready")
	// ErrOperationFailed indicates a fetch on an operation that ended
	// in error.
	ErrOperationFailed = errors.New("operation failed")
	// ErrOperationCanceled indicates a fetch on a canceled operation.
	ErrOperationCanceled = errors.New("operation canceled")
)

// SessionState is OPEN or CLOSED; there are no intermediate states.
type SessionState int

const (
	SessionOpen SessionState = iota
	SessionClosed
)

func (s SessionState) String() string {
	switch s {
	case SessionOpen:
		return "OPEN"
	case SessionClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("SessionState(%d)", int(s))
	}
}

// OperationState is one node of the per-statement state machine:
//
//	INITIALIZED -> PENDING -> RUNNING -> {FINISHED|ERROR|CANCELED} -> CLOSED
//
// Transitions are monotonic; the only permitted re-entry is a
// controlled retry from PENDING when the backend connection drops
// before dispatch.
type OperationState int

const (
	OpInitialized OperationState = iota
	OpPending
	OpRunning
	OpFinished
	OpError
	OpCanceled
	OpClosed
)

func (s OperationState) String() string {
	switch s {
	case OpInitialized:
		return "INITIALIZED"
	case OpPending:
		return "PENDING"
	case OpRunning:
		return "RUNNING"
	case OpFinished:
		return "FINISHED"
	case OpError:
		return "ERROR"
	case OpCanceled:
		return "CANCELED"
	case OpClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("OperationState(%d)", int(s))
	}
}

// Terminal reports whether the state ends the statement's execution
// (CLOSED included).
func (s OperationState) Terminal() bool {
	switch s {
	case OpFinished, OpError, OpCanceled, OpClosed:
		return true
	default:
		return false
	}
}

// SessionInfo is a point-in-time snapshot of a session.
type SessionInfo struct {
	ID             string
	User           string
	SharingKey     engines.SharingKey
	EngineID       string
	State          SessionState
	CreatedAt      time.Time
	LastActivityAt time.Time
	ActiveOps      []string
}

// OperationInfo is a point-in-time snapshot of an operation.
type OperationInfo struct {
	ID          string
	SessionID   string
	Statement   string
	State       OperationState
	SubmittedAt time.Time
	StartedAt   time.Time
	CompletedAt time.Time
	Error       string
}

// OpenOptions carries per-session overrides accepted at open time.
type OpenOptions struct {
	// Level overrides the gateway's configured sharing level; nil
	// keeps the default.
	Level *engines.SharingLevel
	// Tag optionally namespaces the sharing key (tenant tag).
	Tag string
	// EnvOverrides is merged over the launch template's environment
	// for engines launched on behalf of this session.
	EnvOverrides map[string]string
}

// Manager is the top-level session and operation surface the frontend
// maps RPCs onto. Principals must be pre-validated by the auth
// collaborator before reaching OpenSession.
type Manager interface {
	OpenSession(ctx context.Context, principal *auth.Principal, opts OpenOptions) (sessionID string, err error)
	GetSession(sessionID string) (*SessionInfo, error)
	// CloseSession is idempotent: closing a closed or unknown session
	// succeeds without a second "session closed" event.
	CloseSession(ctx context.Context, sessionID string) error

	// ExecuteStatement submits a statement. With async=false it waits
	// for the operation to reach a terminal state before returning.
	ExecuteStatement(ctx context.Context, sessionID, statement string, async bool) (operationID string, err error)
	OperationStatus(operationID string) (*OperationInfo, error)
	// FetchResults returns up to maxRows result rows, resuming from
	// the previous fetch position. Valid only in FINISHED.
	FetchResults(ctx context.Context, operationID string, maxRows int) (*engines.ResultSet, bool, error)
	CancelOperation(ctx context.Context, operationID string) error
	CloseOperation(ctx context.Context, operationID string) error
}
