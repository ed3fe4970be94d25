package sessioncore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sqlfront/sqlfront/auth"
	"github.com/sqlfront/sqlfront/engines"
	"github.com/sqlfront/sqlfront/engines/enginetest"
	"github.com/sqlfront/sqlfront/events"
	"github.com/sqlfront/sqlfront/events/memorysink"
	"github.com/sqlfront/sqlfront/internal/provisioner"
	"github.com/sqlfront/sqlfront/sessions"
)

type managerRig struct {
	backend *enginetest.Backend
	prov    *provisioner.Provisioner
	sink    *memorysink.Sink
	mgr     *Manager
}

func newManagerRig(t *testing.T, mutate func(*Config)) *managerRig {
	t.Helper()
	backend := enginetest.New()
	sink := memorysink.New()

	prov, err := provisioner.New(backend, backend.Dialer(), provisioner.WithSink(sink))
	if err != nil {
		t.Fatalf("new provisioner: %v", err)
	}

	cfg := Config{
		Provisioner: prov,
		Dial:        backend.Dialer(),
		Template: func() engines.LaunchSpec {
			return engines.LaunchSpec{Command: "fake-engine"}
		},
		Sink:         sink,
		DefaultLevel: engines.LevelUser,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	mgr, err := New(cfg)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	t.Cleanup(func() {
		mgr.Close()
		prov.Close()
	})
	return &managerRig{backend: backend, prov: prov, sink: sink, mgr: mgr}
}

func alice() *auth.Principal { return &auth.Principal{Name: "alice"} }
func bob() *auth.Principal   { return &auth.Principal{Name: "bob"} }

func TestOpenExecuteFetchClose(t *testing.T) {
	rig := newManagerRig(t, nil)
	ctx := context.Background()

	sessID, err := rig.mgr.OpenSession(ctx, alice(), sessions.OpenOptions{})
	if err != nil {
		t.Fatalf("open session: %v", err)
	}

	opID, err := rig.mgr.ExecuteStatement(ctx, sessID, "SELECT 1", false)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	info, err := rig.mgr.OperationStatus(opID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if info.State != sessions.OpFinished {
		t.Fatalf("state = %v, want FINISHED", info.State)
	}

	rs, more, err := rig.mgr.FetchResults(ctx, opID, 0)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if more || len(rs.Rows) != 1 {
		t.Fatalf("rows = %v more = %v, want one row", rs.Rows, more)
	}

	if err := rig.mgr.CloseSession(ctx, sessID); err != nil {
		t.Fatalf("close session: %v", err)
	}
	if _, err := rig.mgr.GetSession(sessID); !errors.Is(err, sessions.ErrInvalidHandle) {
		t.Fatalf("closed session lookup: got %v, want ErrInvalidHandle", err)
	}
	if n := rig.sink.CountByType(events.TypeSessionOpened); n != 1 {
		t.Fatalf("session.opened events = %d, want 1", n)
	}
	if n := rig.sink.CountByType(events.TypeSessionClosed); n != 1 {
		t.Fatalf("session.closed events = %d, want 1", n)
	}
}

func TestCloseSessionIdempotent(t *testing.T) {
	rig := newManagerRig(t, nil)
	ctx := context.Background()

	sessID, err := rig.mgr.OpenSession(ctx, alice(), sessions.OpenOptions{})
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	if err := rig.mgr.CloseSession(ctx, sessID); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := rig.mgr.CloseSession(ctx, sessID); err != nil {
		t.Fatalf("second close must succeed: %v", err)
	}
	if err := rig.mgr.CloseSession(ctx, "no-such-session"); err != nil {
		t.Fatalf("unknown close must succeed: %v", err)
	}
	if n := rig.sink.CountByType(events.TypeSessionClosed); n != 1 {
		t.Fatalf("session.closed events = %d, want exactly 1", n)
	}
}

func TestUserLevelSharesOneEngine(t *testing.T) {
	rig := newManagerRig(t, nil)
	ctx := context.Background()

	s1, err := rig.mgr.OpenSession(ctx, alice(), sessions.OpenOptions{})
	if err != nil {
		t.Fatalf("open 1: %v", err)
	}
	s2, err := rig.mgr.OpenSession(ctx, alice(), sessions.OpenOptions{})
	if err != nil {
		t.Fatalf("open 2: %v", err)
	}

	i1, _ := rig.mgr.GetSession(s1)
	i2, _ := rig.mgr.GetSession(s2)
	if i1.EngineID != i2.EngineID {
		t.Fatalf("same user must share one engine: %q vs %q", i1.EngineID, i2.EngineID)
	}
	if n := rig.backend.Launches(); n != 1 {
		t.Fatalf("launches = %d, want 1", n)
	}

	// Different user gets a different engine under USER sharing.
	s3, err := rig.mgr.OpenSession(ctx, bob(), sessions.OpenOptions{})
	if err != nil {
		t.Fatalf("open bob: %v", err)
	}
	i3, _ := rig.mgr.GetSession(s3)
	if i3.EngineID == i1.EngineID {
		t.Fatal("different users must not share a USER-level engine")
	}
	if n := rig.backend.Launches(); n != 2 {
		t.Fatalf("launches = %d, want 2", n)
	}
}

func TestConnectionLevelIsolatesSessions(t *testing.T) {
	rig := newManagerRig(t, nil)
	ctx := context.Background()

	level := engines.LevelConnection
	opts := sessions.OpenOptions{Level: &level}

	s1, err := rig.mgr.OpenSession(ctx, alice(), opts)
	if err != nil {
		t.Fatalf("open 1: %v", err)
	}
	s2, err := rig.mgr.OpenSession(ctx, alice(), opts)
	if err != nil {
		t.Fatalf("open 2: %v", err)
	}

	i1, _ := rig.mgr.GetSession(s1)
	i2, _ := rig.mgr.GetSession(s2)
	if i1.EngineID == i2.EngineID {
		t.Fatal("CONNECTION level must give each session its own engine")
	}
	if n := rig.backend.Launches(); n != 2 {
		t.Fatalf("launches = %d, want 2", n)
	}
}

func TestEnvOverridesPartitionSharing(t *testing.T) {
	rig := newManagerRig(t, nil)
	ctx := context.Background()

	s1, err := rig.mgr.OpenSession(ctx, alice(), sessions.OpenOptions{})
	if err != nil {
		t.Fatalf("open plain: %v", err)
	}
	s2, err := rig.mgr.OpenSession(ctx, alice(), sessions.OpenOptions{
		EnvOverrides: map[string]string{"ENGINE_MEM": "8g"},
	})
	if err != nil {
		t.Fatalf("open overridden: %v", err)
	}

	i1, _ := rig.mgr.GetSession(s1)
	i2, _ := rig.mgr.GetSession(s2)
	if i1.EngineID == i2.EngineID {
		t.Fatal("an env override changes the launch fingerprint and must not share")
	}
}

func TestSessionCaps(t *testing.T) {
	rig := newManagerRig(t, func(cfg *Config) {
		cfg.MaxSessionsPerUser = 1
	})
	ctx := context.Background()

	if _, err := rig.mgr.OpenSession(ctx, alice(), sessions.OpenOptions{}); err != nil {
		t.Fatalf("open 1: %v", err)
	}
	if _, err := rig.mgr.OpenSession(ctx, alice(), sessions.OpenOptions{}); !errors.Is(err, sessions.ErrTooManySessions) {
		t.Fatalf("over-cap open: got %v, want ErrTooManySessions", err)
	}
	// Another user is unaffected by alice's cap.
	if _, err := rig.mgr.OpenSession(ctx, bob(), sessions.OpenOptions{}); err != nil {
		t.Fatalf("open bob: %v", err)
	}
}

func TestGlobalCapAndSlotRollback(t *testing.T) {
	rig := newManagerRig(t, func(cfg *Config) {
		cfg.MaxSessions = 1
	})
	ctx := context.Background()

	// A failed open must return its reserved slot.
	rig.backend.FailNextLaunches(errors.New("no capacity"))
	if _, err := rig.mgr.OpenSession(ctx, alice(), sessions.OpenOptions{}); !errors.Is(err, engines.ErrEngineLaunchFailed) {
		t.Fatalf("open during outage: got %v, want ErrEngineLaunchFailed", err)
	}
	rig.backend.FailNextLaunches(nil)

	if _, err := rig.mgr.OpenSession(ctx, alice(), sessions.OpenOptions{}); err != nil {
		t.Fatalf("open after rollback: %v", err)
	}
	if _, err := rig.mgr.OpenSession(ctx, bob(), sessions.OpenOptions{}); !errors.Is(err, sessions.ErrTooManySessions) {
		t.Fatalf("over global cap: got %v, want ErrTooManySessions", err)
	}
}

func TestGlobalCapHoldsDuringSlowLaunch(t *testing.T) {
	rig := newManagerRig(t, func(cfg *Config) {
		cfg.MaxSessions = 1
	})
	ctx := context.Background()

	// Alice's open reserves the only slot, then stalls in the launch.
	rig.backend.SetLaunchDelay(200 * time.Millisecond)
	type opened struct {
		id  string
		err error
	}
	first := make(chan opened, 1)
	go func() {
		id, err := rig.mgr.OpenSession(ctx, alice(), sessions.OpenOptions{})
		first <- opened{id, err}
	}()

	// Wait until the slot is reserved before racing the second open.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		rig.mgr.mu.RLock()
		reserved := rig.mgr.open
		rig.mgr.mu.RUnlock()
		if reserved == 1 {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}

	if _, err := rig.mgr.OpenSession(ctx, bob(), sessions.OpenOptions{}); !errors.Is(err, sessions.ErrTooManySessions) {
		t.Fatalf("open while a launch holds the slot: got %v, want ErrTooManySessions", err)
	}

	got := <-first
	if got.err != nil {
		t.Fatalf("reserved open must still succeed: %v", got.err)
	}
	if _, err := rig.mgr.GetSession(got.id); err != nil {
		t.Fatalf("lookup after open: %v", err)
	}
}

func TestReaperClosesIdleSessions(t *testing.T) {
	rig := newManagerRig(t, func(cfg *Config) {
		cfg.IdleTimeout = 30 * time.Millisecond
		cfg.ReapInterval = 10 * time.Millisecond
	})
	ctx := context.Background()

	sessID, err := rig.mgr.OpenSession(ctx, alice(), sessions.OpenOptions{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := rig.mgr.GetSession(sessID); errors.Is(err, sessions.ErrInvalidHandle) {
			if n := rig.sink.CountByType(events.TypeSessionClosed); n != 1 {
				t.Fatalf("session.closed events = %d, want 1", n)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("idle session was never reaped")
}

func TestActiveSessionSurvivesReaper(t *testing.T) {
	rig := newManagerRig(t, func(cfg *Config) {
		cfg.IdleTimeout = 60 * time.Millisecond
		cfg.ReapInterval = 10 * time.Millisecond
	})
	ctx := context.Background()

	sessID, err := rig.mgr.OpenSession(ctx, alice(), sessions.OpenOptions{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	// Keep touching the session past several idle windows.
	for i := 0; i < 8; i++ {
		if _, err := rig.mgr.ExecuteStatement(ctx, sessID, "SELECT 1", false); err != nil {
			t.Fatalf("execute %d: %v", i, err)
		}
		time.Sleep(25 * time.Millisecond)
	}
	if _, err := rig.mgr.GetSession(sessID); err != nil {
		t.Fatalf("active session was reaped: %v", err)
	}
}

func TestMaxLifetimeReapsActiveSessions(t *testing.T) {
	rig := newManagerRig(t, func(cfg *Config) {
		cfg.MaxLifetime = 40 * time.Millisecond
		cfg.ReapInterval = 10 * time.Millisecond
	})
	ctx := context.Background()

	sessID, err := rig.mgr.OpenSession(ctx, alice(), sessions.OpenOptions{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	// Constant activity must not extend the absolute lifetime.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := rig.mgr.ExecuteStatement(ctx, sessID, "SELECT 1", false); errors.Is(err, sessions.ErrInvalidHandle) {
			if _, err := rig.mgr.GetSession(sessID); !errors.Is(err, sessions.ErrInvalidHandle) {
				t.Fatalf("reaped session lookup: got %v, want ErrInvalidHandle", err)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("session outlived its max lifetime despite the reaper")
}

func TestAsyncExecuteAndCancel(t *testing.T) {
	rig := newManagerRig(t, nil)
	ctx := context.Background()

	sessID, err := rig.mgr.OpenSession(ctx, alice(), sessions.OpenOptions{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	block := make(chan struct{})
	defer close(block)
	for _, srv := range rig.backend.Servers() {
		srv.SetExec(func(ctx context.Context, operationID, statement string) (*engines.ResultSet, error) {
			select {
			case <-block:
			case <-ctx.Done():
			}
			return &engines.ResultSet{}, nil
		})
	}

	opID, err := rig.mgr.ExecuteStatement(ctx, sessID, "SELECT slow()", true)
	if err != nil {
		t.Fatalf("async execute: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		st, err := rig.mgr.OperationStatus(opID)
		if err != nil {
			t.Fatalf("status: %v", err)
		}
		if st.State == sessions.OpRunning {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}

	if err := rig.mgr.CancelOperation(ctx, opID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	st, err := rig.mgr.OperationStatus(opID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.State != sessions.OpCanceled {
		t.Fatalf("state = %v, want CANCELED", st.State)
	}

	if err := rig.mgr.CloseOperation(ctx, opID); err != nil {
		t.Fatalf("close op: %v", err)
	}
	if _, err := rig.mgr.OperationStatus(opID); !errors.Is(err, sessions.ErrInvalidHandle) {
		t.Fatalf("closed op lookup: got %v, want ErrInvalidHandle", err)
	}
}

func TestUnknownHandles(t *testing.T) {
	rig := newManagerRig(t, nil)
	ctx := context.Background()

	if _, err := rig.mgr.ExecuteStatement(ctx, "nope", "SELECT 1", false); !errors.Is(err, sessions.ErrInvalidHandle) {
		t.Fatalf("execute on unknown session: got %v", err)
	}
	if _, err := rig.mgr.OperationStatus("nope"); !errors.Is(err, sessions.ErrInvalidHandle) {
		t.Fatalf("status on unknown op: got %v", err)
	}
	if _, _, err := rig.mgr.FetchResults(ctx, "nope", 0); !errors.Is(err, sessions.ErrInvalidHandle) {
		t.Fatalf("fetch on unknown op: got %v", err)
	}
	if _, err := rig.mgr.OpenSession(ctx, nil, sessions.OpenOptions{}); !errors.Is(err, auth.ErrUnauthenticated) {
		t.Fatalf("open without principal: got %v", err)
	}
}
