// Package enginetest provides a scriptable in-memory backend for
// provisioner and session tests: a Launcher that "spawns" fake engine
// servers and a Dialer that connects clients to them. Tests control
// launch failures, probe health, and statement behavior per server.
package enginetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sqlfront/sqlfront/engines"
)

// ExecFunc scripts statement execution on a fake server.
type ExecFunc func(ctx context.Context, operationID, statement string) (*engines.ResultSet, error)

// Backend is a fake engine fleet. The zero value is not usable; call
// New.
type Backend struct {
	mu          sync.Mutex
	servers     map[string]*Server
	launches    int
	nextID      int
	launchErr   error
	launchDelay time.Duration
}

func New() *Backend {
	return &Backend{servers: make(map[string]*Server)}
}

// FailNextLaunches makes subsequent Launch calls fail with err until
// cleared with a nil err.
func (b *Backend) FailNextLaunches(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.launchErr = err
}

// SetLaunchDelay delays Launch returns, simulating slow spawns.
func (b *Backend) SetLaunchDelay(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.launchDelay = d
}

// Launches reports how many engine processes were ever spawned.
func (b *Backend) Launches() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.launches
}

// Server returns the fake server behind an endpoint, or nil.
func (b *Backend) Server(endpoint string) *Server {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.servers[endpoint]
}

// Servers returns all spawned servers in launch order.
func (b *Backend) Servers() []*Server {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Server, 0, len(b.servers))
	for _, s := range b.servers {
		out = append(out, s)
	}
	return out
}

// Launch implements engines.Launcher.
func (b *Backend) Launch(ctx context.Context, spec engines.LaunchSpec) (engines.Process, string, error) {
	b.mu.Lock()
	delay := b.launchDelay
	failErr := b.launchErr
	b.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, "", ctx.Err()
		}
	}
	if failErr != nil {
		return nil, "", failErr
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.launches++
	b.nextID++
	endpoint := fmt.Sprintf("fake://engine-%d", b.nextID)
	srv := &Server{
		Endpoint: endpoint,
		proc:     &fakeProcess{pid: 10000 + b.nextID, exited: make(chan struct{})},
		exec: func(ctx context.Context, operationID, statement string) (*engines.ResultSet, error) {
			return &engines.ResultSet{Columns: []string{"result"}, Rows: [][]any{{"ok"}}}, nil
		},
	}
	b.servers[endpoint] = srv
	return srv.proc, endpoint, nil
}

// Dialer returns an engines.Dialer connecting to this backend's fake
// servers.
func (b *Backend) Dialer() engines.Dialer {
	return func(ctx context.Context, endpoint string) (engines.Client, error) {
		srv := b.Server(endpoint)
		if srv == nil {
			return nil, fmt.Errorf("dial %s: %w", endpoint, engines.ErrEngineUnreachable)
		}
		return &client{srv: srv}, nil
	}
}

// Server is one fake engine process's server side.
type Server struct {
	Endpoint string

	mu        sync.Mutex
	pingErr   error
	exec      ExecFunc
	cancelled []string

	proc *fakeProcess
}

// SetPingErr makes the server's liveness probe fail (nil restores
// health).
func (s *Server) SetPingErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pingErr = err
}

// SetExec replaces the statement execution script.
func (s *Server) SetExec(fn ExecFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exec = fn
}

// Cancelled returns operation ids the server was asked to abort.
func (s *Server) Cancelled() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.cancelled...)
}

// Killed reports whether the fake process was torn down.
func (s *Server) Killed() bool { return s.proc.killed() }

type fakeProcess struct {
	pid    int
	mu     sync.Mutex
	dead   bool
	exited chan struct{}
}

func (p *fakeProcess) PID() int { return p.pid }

func (p *fakeProcess) Kill() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.dead {
		p.dead = true
		close(p.exited)
	}
	return nil
}

func (p *fakeProcess) Wait() error {
	<-p.exited
	return errors.New("killed")
}

func (p *fakeProcess) killed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dead
}

type client struct {
	srv *Server
}

func (c *client) Ping(ctx context.Context) error {
	c.srv.mu.Lock()
	err := c.srv.pingErr
	dead := c.srv.proc.killed()
	c.srv.mu.Unlock()
	if dead {
		return engines.ErrEngineUnreachable
	}
	return err
}

func (c *client) Execute(ctx context.Context, operationID, statement string) (*engines.ResultSet, error) {
	c.srv.mu.Lock()
	fn := c.srv.exec
	c.srv.mu.Unlock()
	if c.srv.proc.killed() {
		return nil, engines.ErrEngineUnreachable
	}
	return fn(ctx, operationID, statement)
}

func (c *client) Cancel(ctx context.Context, operationID string) error {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	c.srv.cancelled = append(c.srv.cancelled, operationID)
	return nil
}

func (c *client) Close() error { return nil }
