// Package engines models the backend compute engines the gateway
// proxies statements to: handle descriptors, sharing levels and keys,
// launch specifications, and the narrow launcher/client contracts the
// provisioner consumes. The gateway never executes SQL itself; an
// engine is always an external process reached through a Client.
package engines

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrEngineLaunchFailed indicates a backend engine process failed to
// become ready within the launch timeout. Retryable by the client; the
// gateway does not retry launches itself.
var ErrEngineLaunchFailed = errors.New("engine launch failed")

// ErrEngineUnreachable indicates an engine that launched successfully
// stopped answering its liveness probe or dropped a dispatch
// connection. Retryable by the client via a fresh session.
var ErrEngineUnreachable = errors.New("engine unreachable")

// SharingLevel controls how broadly one engine process is reused
// across client sessions.
type SharingLevel int

const (
	// LevelConnection gives every session its own engine.
	LevelConnection SharingLevel = iota
	// LevelUser shares one engine among sessions of the same user.
	LevelUser
	// LevelGroup shares one engine among sessions whose principals
	// resolve to the same primary group.
	LevelGroup
	// LevelServer shares a single engine across the whole gateway.
	LevelServer
)

func (l SharingLevel) String() string {
	switch l {
	case LevelConnection:
		return "CONNECTION"
	case LevelUser:
		return "USER"
	case LevelGroup:
		return "GROUP"
	case LevelServer:
		return "SERVER"
	default:
		return fmt.Sprintf("SharingLevel(%d)", int(l))
	}
}

// ParseSharingLevel converts a config string (case-insensitive) into a
// SharingLevel.
func ParseSharingLevel(s string) (SharingLevel, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "CONNECTION":
		return LevelConnection, nil
	case "USER":
		return LevelUser, nil
	case "GROUP":
		return LevelGroup, nil
	case "SERVER":
		return LevelServer, nil
	default:
		return 0, fmt.Errorf("unknown sharing level %q", s)
	}
}

// SharingKey is the stable identity engines are registered and shared
// under. Two sessions with equal keys are offered the same live handle.
type SharingKey string

// HandleState is the lifecycle state of an engine handle.
type HandleState int

const (
	StateLaunching HandleState = iota
	StateRunning
	StateUnhealthy
	StateTerminated
)

func (s HandleState) String() string {
	switch s {
	case StateLaunching:
		return "LAUNCHING"
	case StateRunning:
		return "RUNNING"
	case StateUnhealthy:
		return "UNHEALTHY"
	case StateTerminated:
		return "TERMINATED"
	default:
		return fmt.Sprintf("HandleState(%d)", int(s))
	}
}

// Handle describes one running backend engine process. The provisioner
// owns every handle exclusively: it alone mutates state and reference
// counts, and it alone may terminate the underlying process. Sessions
// hold handles as non-owning references.
type Handle struct {
	ID       string
	Key      SharingKey
	Endpoint string

	proc Process

	mu         sync.Mutex
	state      HandleState
	refCount   int
	lastUsedAt time.Time
}

// NewHandle constructs a handle in the LAUNCHING state. Intended for
// the provisioner and for test fixtures.
func NewHandle(id string, key SharingKey, endpoint string, proc Process) *Handle {
	return &Handle{
		ID:         id,
		Key:        key,
		Endpoint:   endpoint,
		proc:       proc,
		state:      StateLaunching,
		lastUsedAt: time.Now(),
	}
}

// State returns the current lifecycle state.
func (h *Handle) State() HandleState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// SetState transitions the handle. Provisioner-only.
func (h *Handle) SetState(s HandleState) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state = s
}

// RefCount returns the number of live session references.
func (h *Handle) RefCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.refCount
}

// Ref increments the reference count. Provisioner-only.
func (h *Handle) Ref() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.refCount++
	h.lastUsedAt = time.Now()
}

// Unref decrements the reference count and reports the new value.
// Provisioner-only; panics if the count would go negative, since that
// indicates a double release.
func (h *Handle) Unref() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.refCount <= 0 {
		panic("engines: Unref below zero on handle " + h.ID)
	}
	h.refCount--
	h.lastUsedAt = time.Now()
	return h.refCount
}

// LastUsedAt reports the last ref/unref instant, used for idle grace.
func (h *Handle) LastUsedAt() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastUsedAt
}

// Process returns the owned process reference, if any.
func (h *Handle) Process() Process { return h.proc }

// LaunchSpec describes how to start a backend engine process.
type LaunchSpec struct {
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
	WorkDir string            `yaml:"workdir"`
	// Endpoint is the transport address the engine will serve on once
	// ready. Launchers may substitute placeholders (e.g. a free port)
	// before spawning.
	Endpoint string `yaml:"endpoint"`
}

// Fingerprint hashes the spec into a short stable token mixed into
// sharing keys, so sessions launched from different configurations
// never share an engine.
func (s LaunchSpec) Fingerprint() string {
	h := sha256.New()
	fmt.Fprintln(h, s.Command)
	for _, a := range s.Args {
		fmt.Fprintln(h, a)
	}
	keys := make([]string, 0, len(s.Env))
	for k := range s.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintln(h, k+"="+s.Env[k])
	}
	fmt.Fprintln(h, s.WorkDir)
	return hex.EncodeToString(h.Sum(nil))[:12]
}

// Process is the gateway's grip on a spawned engine process. Wait
// blocks until exit; Kill is idempotent best-effort teardown.
type Process interface {
	PID() int
	Kill() error
	Wait() error
}

// Launcher spawns engine processes. Launch returns once the process is
// started, not once it is ready; readiness is the provisioner's
// business, probed through a Client.
type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec) (Process, string, error)
}

// ResultSet is the materialized outcome of one statement.
type ResultSet struct {
	Columns []string
	Rows    [][]any
}

// Client is a live connection to one engine process. Implementations
// belong to the wire-protocol collaborator; the gateway only relies on
// these four operations.
type Client interface {
	// Ping is the liveness probe. It must be cheap and must fail fast
	// when the engine is gone.
	Ping(ctx context.Context) error
	// Execute runs one statement to completion and returns its rows.
	Execute(ctx context.Context, operationID, statement string) (*ResultSet, error)
	// Cancel asks the engine to abort a running statement. Best-effort.
	Cancel(ctx context.Context, operationID string) error
	Close() error
}

// Dialer opens a Client against an engine endpoint.
type Dialer func(ctx context.Context, endpoint string) (Client, error)
