// Package sessioncore implements sessions.Manager: it owns the session
// table, enforces caps and idle/absolute timeouts, acquires engine
// leases through the provisioner, and routes statements to per-session
// dispatchers.
package sessioncore

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sqlfront/sqlfront/auth"
	"github.com/sqlfront/sqlfront/engines"
	"github.com/sqlfront/sqlfront/events"
	"github.com/sqlfront/sqlfront/internal/dispatch"
	"github.com/sqlfront/sqlfront/internal/provisioner"
	"github.com/sqlfront/sqlfront/sessions"
)

// Config wires a Manager. Zero-value durations and caps fall back to
// the defaults noted per field.
type Config struct {
	Provisioner *provisioner.Provisioner
	Dial        engines.Dialer
	// Template returns the current engine launch template (hot-
	// reloadable sources re-evaluate per call).
	Template func() engines.LaunchSpec
	// Groups resolves primary groups for GROUP sharing. When nil the
	// groups carried on each principal are trusted instead.
	Groups engines.GroupLookup

	Log  *slog.Logger
	Sink events.Sink

	// DefaultLevel applies when a session does not override the
	// sharing level. The zero value is CONNECTION.
	DefaultLevel engines.SharingLevel
	// IdleTimeout closes sessions with no activity. Default 6h.
	IdleTimeout time.Duration
	// MaxLifetime bounds a session's total lifetime regardless of
	// activity. 0 disables.
	MaxLifetime time.Duration
	// ReapInterval is the reaper scan period. Default 1m.
	ReapInterval time.Duration
	// DispatchTimeout bounds one statement's execution. Default 5m.
	DispatchTimeout time.Duration
	// MaxSessionsPerUser and MaxSessions cap concurrent open
	// sessions. 0 means unlimited.
	MaxSessionsPerUser int
	MaxSessions        int
	// Workers bounds concurrently executing open/acquire tasks.
	// Default 64.
	Workers int
	// OperationQueueDepth bounds each session's pending statement
	// queue. Default 32.
	OperationQueueDepth int
}

type session struct {
	id        string
	principal *auth.Principal
	key       engines.SharingKey
	lease     *provisioner.Lease
	disp      *dispatch.Dispatcher
	createdAt time.Time

	mu           sync.Mutex
	lastActivity time.Time
	state        sessions.SessionState
	ops          map[string]*dispatch.Operation

	closeOnce sync.Once
}

func (s *session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// Manager implements sessions.Manager.
type Manager struct {
	cfg  Config
	log  *slog.Logger
	sink events.Sink
	sem  chan struct{}

	mu       sync.RWMutex
	sessions map[string]*session
	// open counts reserved session slots, including opens still blocked
	// on an engine launch; the global cap is enforced against it, not
	// against len(sessions).
	open   int
	byUser map[string]int
	ops    map[string]*session // operation id -> owning session

	closeOnce sync.Once
	done      chan struct{}
	reaper    sync.WaitGroup
}

var _ sessions.Manager = (*Manager)(nil)

// New builds a Manager and starts its reaper loop.
func New(cfg Config) (*Manager, error) {
	if cfg.Provisioner == nil || cfg.Dial == nil || cfg.Template == nil {
		return nil, fmt.Errorf("provisioner, dialer and template are required")
	}
	if cfg.Log == nil {
		cfg.Log = slog.New(slog.DiscardHandler)
	}
	if cfg.Sink == nil {
		cfg.Sink = events.Discard{}
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 6 * time.Hour
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = time.Minute
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = 5 * time.Minute
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 64
	}
	if cfg.OperationQueueDepth <= 0 {
		cfg.OperationQueueDepth = 32
	}

	m := &Manager{
		cfg:      cfg,
		log:      cfg.Log,
		sink:     cfg.Sink,
		sem:      make(chan struct{}, cfg.Workers),
		sessions: make(map[string]*session),
		byUser:   make(map[string]int),
		ops:      make(map[string]*session),
		done:     make(chan struct{}),
	}
	m.reaper.Add(1)
	go m.reapLoop()
	return m, nil
}

func (m *Manager) OpenSession(ctx context.Context, principal *auth.Principal, opts sessions.OpenOptions) (string, error) {
	if principal == nil || principal.Name == "" {
		return "", fmt.Errorf("no validated principal: %w", auth.ErrUnauthenticated)
	}
	user := principal.EffectiveName()

	// Reserve a slot up front so concurrent opens cannot blow past the
	// caps while blocked on an engine launch.
	m.mu.Lock()
	if m.cfg.MaxSessions > 0 && m.open >= m.cfg.MaxSessions {
		m.mu.Unlock()
		return "", fmt.Errorf("global cap %d reached: %w", m.cfg.MaxSessions, sessions.ErrTooManySessions)
	}
	if m.cfg.MaxSessionsPerUser > 0 && m.byUser[user] >= m.cfg.MaxSessionsPerUser {
		m.mu.Unlock()
		return "", fmt.Errorf("user %s cap %d reached: %w", user, m.cfg.MaxSessionsPerUser, sessions.ErrTooManySessions)
	}
	m.open++
	m.byUser[user]++
	m.mu.Unlock()

	sess, err := m.openSession(ctx, principal, user, opts)
	if err != nil {
		m.mu.Lock()
		m.open--
		m.byUser[user]--
		if m.byUser[user] <= 0 {
			delete(m.byUser, user)
		}
		m.mu.Unlock()
		return "", err
	}
	return sess.id, nil
}

func (m *Manager) openSession(ctx context.Context, principal *auth.Principal, user string, opts sessions.OpenOptions) (*session, error) {
	select {
	case m.sem <- struct{}{}:
		defer func() { <-m.sem }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	level := m.cfg.DefaultLevel
	if opts.Level != nil {
		level = *opts.Level
	}

	spec := m.cfg.Template()
	if len(opts.EnvOverrides) > 0 {
		env := make(map[string]string, len(spec.Env)+len(opts.EnvOverrides))
		for k, v := range spec.Env {
			env[k] = v
		}
		for k, v := range opts.EnvOverrides {
			env[k] = v
		}
		spec.Env = env
	}

	groups := m.cfg.Groups
	if groups == nil {
		groups = engines.PrincipalGroups(principal)
	}
	resolver := engines.NewKeyResolver(spec.Fingerprint(), groups)
	key, err := resolver.Resolve(ctx, principal, level, opts.Tag)
	if err != nil {
		return nil, err
	}

	lease, err := m.cfg.Provisioner.Acquire(ctx, key, spec)
	if err != nil {
		return nil, err
	}

	sess := &session{
		id:           uuid.NewString(),
		principal:    principal,
		key:          key,
		lease:        lease,
		createdAt:    time.Now(),
		lastActivity: time.Now(),
		state:        sessions.SessionOpen,
		ops:          make(map[string]*dispatch.Operation),
	}
	sess.disp = dispatch.New(dispatch.Config{
		SessionID:       sess.id,
		Handle:          lease.Handle,
		Dial:            m.cfg.Dial,
		Log:             m.log,
		Sink:            m.sink,
		DispatchTimeout: m.cfg.DispatchTimeout,
		QueueDepth:      m.cfg.OperationQueueDepth,
		OnUnreachable:   m.cfg.Provisioner.MarkUnreachable,
	})

	m.mu.Lock()
	m.sessions[sess.id] = sess
	m.mu.Unlock()

	m.emit(events.TypeSessionOpened, map[string]any{
		"session_id":  sess.id,
		"user":        user,
		"sharing_key": string(key),
		"engine_id":   lease.Handle.ID,
	})
	m.log.Info("session opened", "session_id", sess.id, "user", user, "engine_id", lease.Handle.ID, "sharing_level", level.String())
	return sess, nil
}

func (m *Manager) GetSession(sessionID string) (*sessions.SessionInfo, error) {
	m.mu.RLock()
	sess, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("session %s: %w", sessionID, sessions.ErrInvalidHandle)
	}
	return m.snapshot(sess), nil
}

func (m *Manager) snapshot(sess *session) *sessions.SessionInfo {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	info := &sessions.SessionInfo{
		ID:             sess.id,
		User:           sess.principal.EffectiveName(),
		SharingKey:     sess.key,
		EngineID:       sess.lease.Handle.ID,
		State:          sess.state,
		CreatedAt:      sess.createdAt,
		LastActivityAt: sess.lastActivity,
	}
	for id, op := range sess.ops {
		if !op.State().Terminal() {
			info.ActiveOps = append(info.ActiveOps, id)
		}
	}
	return info
}

// CloseSession closes and forgets a session. Idempotent: a second
// close, or a close of an unknown id, succeeds without emitting a
// second event.
func (m *Manager) CloseSession(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
		m.open--
		user := sess.principal.EffectiveName()
		m.byUser[user]--
		if m.byUser[user] <= 0 {
			delete(m.byUser, user)
		}
		for opID, owner := range m.ops {
			if owner == sess {
				delete(m.ops, opID)
			}
		}
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}

	sess.closeOnce.Do(func() {
		sess.mu.Lock()
		sess.state = sessions.SessionClosed
		ops := make([]*dispatch.Operation, 0, len(sess.ops))
		for _, op := range sess.ops {
			ops = append(ops, op)
		}
		sess.mu.Unlock()

		for _, op := range ops {
			if err := sess.disp.CloseOp(ctx, op); err != nil {
				m.log.Debug("operation close on session close failed", "operation_id", op.ID, "err", err)
			}
		}
		sess.disp.Close()

		if err := m.cfg.Provisioner.Release(sess.lease); err != nil {
			m.log.Warn("lease release failed", "session_id", sess.id, "err", err)
		}

		m.emit(events.TypeSessionClosed, map[string]any{
			"session_id": sess.id,
			"user":       sess.principal.EffectiveName(),
			"engine_id":  sess.lease.Handle.ID,
		})
		m.log.Info("session closed", "session_id", sess.id)
	})
	return nil
}

func (m *Manager) openSessionFor(sessionID string) (*session, error) {
	m.mu.RLock()
	sess, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("session %s: %w", sessionID, sessions.ErrInvalidHandle)
	}
	return sess, nil
}

func (m *Manager) ExecuteStatement(ctx context.Context, sessionID, statement string, async bool) (string, error) {
	sess, err := m.openSessionFor(sessionID)
	if err != nil {
		return "", err
	}
	sess.touch()

	op, err := sess.disp.Submit(ctx, statement)
	if err != nil {
		return "", err
	}

	sess.mu.Lock()
	sess.ops[op.ID] = op
	sess.mu.Unlock()
	m.mu.Lock()
	m.ops[op.ID] = sess
	m.mu.Unlock()

	if !async {
		if err := op.Wait(ctx); err != nil {
			return op.ID, err
		}
	}
	return op.ID, nil
}

func (m *Manager) operation(operationID string) (*session, *dispatch.Operation, error) {
	m.mu.RLock()
	sess, ok := m.ops[operationID]
	m.mu.RUnlock()
	if !ok {
		return nil, nil, fmt.Errorf("operation %s: %w", operationID, sessions.ErrInvalidHandle)
	}
	sess.mu.Lock()
	op := sess.ops[operationID]
	sess.mu.Unlock()
	if op == nil {
		return nil, nil, fmt.Errorf("operation %s: %w", operationID, sessions.ErrInvalidHandle)
	}
	return sess, op, nil
}

func (m *Manager) OperationStatus(operationID string) (*sessions.OperationInfo, error) {
	sess, op, err := m.operation(operationID)
	if err != nil {
		return nil, err
	}
	sess.touch()
	return op.Snapshot(), nil
}

func (m *Manager) FetchResults(ctx context.Context, operationID string, maxRows int) (*engines.ResultSet, bool, error) {
	sess, op, err := m.operation(operationID)
	if err != nil {
		return nil, false, err
	}
	sess.touch()
	return sess.disp.Fetch(op, maxRows)
}

func (m *Manager) CancelOperation(ctx context.Context, operationID string) error {
	sess, op, err := m.operation(operationID)
	if err != nil {
		return err
	}
	sess.touch()
	return sess.disp.Cancel(ctx, op)
}

func (m *Manager) CloseOperation(ctx context.Context, operationID string) error {
	sess, op, err := m.operation(operationID)
	if err != nil {
		return err
	}
	sess.touch()
	if err := sess.disp.CloseOp(ctx, op); err != nil {
		return err
	}
	sess.mu.Lock()
	delete(sess.ops, operationID)
	sess.mu.Unlock()
	m.mu.Lock()
	delete(m.ops, operationID)
	m.mu.Unlock()
	return nil
}

func (m *Manager) reapLoop() {
	defer m.reaper.Done()
	tick := time.NewTicker(m.cfg.ReapInterval)
	defer tick.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-tick.C:
			m.reap()
		}
	}
}

// reap closes sessions past their idle or absolute deadline, exactly as
// if the client had disconnected.
func (m *Manager) reap() {
	now := time.Now()
	var expired []string
	m.mu.RLock()
	for id, sess := range m.sessions {
		sess.mu.Lock()
		idle := now.Sub(sess.lastActivity) > m.cfg.IdleTimeout
		tooOld := m.cfg.MaxLifetime > 0 && now.Sub(sess.createdAt) > m.cfg.MaxLifetime
		sess.mu.Unlock()
		if idle || tooOld {
			expired = append(expired, id)
			reason := "idle"
			if tooOld {
				reason = "lifetime"
			}
			m.log.Info("reaping session", "session_id", id, "reason", reason)
		}
	}
	m.mu.RUnlock()

	for _, id := range expired {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := m.CloseSession(ctx, id); err != nil {
			m.log.Warn("session reap failed", "session_id", id, "err", err)
		}
		cancel()
	}
}

// Close stops the reaper and closes every open session.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		close(m.done)
		m.reaper.Wait()

		m.mu.RLock()
		ids := make([]string, 0, len(m.sessions))
		for id := range m.sessions {
			ids = append(ids, id)
		}
		m.mu.RUnlock()
		for _, id := range ids {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			_ = m.CloseSession(ctx, id)
			cancel()
		}
	})
	return nil
}

func (m *Manager) emit(eventType string, payload map[string]any) {
	_ = m.sink.Append(context.Background(), events.New(eventType, payload))
}
