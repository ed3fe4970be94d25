// Package localexec launches backend engines as local child processes
// from a YAML launch template. The template file can be edited while
// the gateway runs; a filesystem watcher hot-reloads it so newly
// launched engines pick up the change without a restart.
package localexec

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/sqlfront/sqlfront/engines"
)

// Launcher spawns engine processes with os/exec. Safe for concurrent
// use.
type Launcher struct {
	log *slog.Logger

	mu       sync.RWMutex
	template engines.LaunchSpec

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// Option configures a Launcher.
type Option func(*Launcher)

// WithLogger sets the logger used for reload and spawn diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(lc *Launcher) {
		if l != nil {
			lc.log = l
		}
	}
}

// New builds a Launcher from a template spec.
func New(template engines.LaunchSpec, opts ...Option) *Launcher {
	l := &Launcher{
		log:      slog.New(slog.DiscardHandler),
		template: template,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// NewFromFile loads the YAML launch template at path and watches it for
// changes. Close releases the watcher.
func NewFromFile(path string, opts ...Option) (*Launcher, error) {
	spec, err := loadTemplate(path)
	if err != nil {
		return nil, err
	}
	l := New(spec, opts...)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("template watcher: %w", err)
	}
	// Watch the directory: editors replace files rather than write in
	// place, which would drop a watch on the file itself.
	if err := w.Add(dirOf(path)); err != nil {
		w.Close()
		return nil, fmt.Errorf("watch template dir: %w", err)
	}
	l.watcher = w
	go l.watch(path)
	return l, nil
}

func dirOf(path string) string {
	if i := strings.LastIndexByte(path, '/'); i > 0 {
		return path[:i]
	}
	return "."
}

func loadTemplate(path string) (engines.LaunchSpec, error) {
	var spec engines.LaunchSpec
	raw, err := os.ReadFile(path)
	if err != nil {
		return spec, fmt.Errorf("read launch template: %w", err)
	}
	if err := yaml.Unmarshal(raw, &spec); err != nil {
		return spec, fmt.Errorf("parse launch template: %w", err)
	}
	if spec.Command == "" {
		return spec, fmt.Errorf("launch template %s: command is required", path)
	}
	return spec, nil
}

func (l *Launcher) watch(path string) {
	for {
		select {
		case <-l.done:
			return
		case ev, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(ev.Name, path) && ev.Name != path {
				continue
			}
			if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) {
				continue
			}
			spec, err := loadTemplate(path)
			if err != nil {
				l.log.Warn("launch template reload failed", "path", path, "err", err)
				continue
			}
			l.mu.Lock()
			l.template = spec
			l.mu.Unlock()
			l.log.Info("launch template reloaded", "path", path, "fingerprint", spec.Fingerprint())
		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.log.Warn("launch template watcher error", "err", err)
		}
	}
}

// Template returns the current launch template.
func (l *Launcher) Template() engines.LaunchSpec {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.template
}

// Close stops the template watcher, if any. Running engine processes
// are unaffected; the provisioner owns their teardown.
func (l *Launcher) Close() error {
	select {
	case <-l.done:
	default:
		close(l.done)
	}
	if l.watcher != nil {
		return l.watcher.Close()
	}
	return nil
}

// Launch starts one engine process from spec. The "{port}" placeholder
// in args and endpoint is replaced with a freshly allocated local port.
// Launch returns as soon as the process has started; readiness is
// probed separately by the provisioner.
func (l *Launcher) Launch(ctx context.Context, spec engines.LaunchSpec) (engines.Process, string, error) {
	port, err := freePort()
	if err != nil {
		return nil, "", fmt.Errorf("allocate engine port: %w", err)
	}
	args := make([]string, len(spec.Args))
	for i, a := range spec.Args {
		args[i] = strings.ReplaceAll(a, "{port}", strconv.Itoa(port))
	}
	endpoint := strings.ReplaceAll(spec.Endpoint, "{port}", strconv.Itoa(port))

	cmd := exec.Command(spec.Command, args...)
	cmd.Dir = spec.WorkDir
	cmd.Env = os.Environ()
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	if err := cmd.Start(); err != nil {
		return nil, "", fmt.Errorf("spawn %s: %w: %w", spec.Command, err, engines.ErrEngineLaunchFailed)
	}
	l.log.Info("engine process spawned", "command", spec.Command, "pid", cmd.Process.Pid, "endpoint", endpoint)

	p := &process{cmd: cmd, waited: make(chan struct{})}
	// Reap in the background so a killed engine never lingers as a
	// zombie waiting for someone to call Wait.
	go p.reap()
	return p, endpoint, nil
}

func freePort() (int, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port, nil
}

type process struct {
	cmd    *exec.Cmd
	waited chan struct{}
	err    error

	killOnce sync.Once
}

func (p *process) reap() {
	p.err = p.cmd.Wait()
	close(p.waited)
}

func (p *process) PID() int { return p.cmd.Process.Pid }

func (p *process) Kill() error {
	var err error
	p.killOnce.Do(func() {
		select {
		case <-p.waited:
			// Already exited.
		default:
			err = p.cmd.Process.Kill()
		}
	})
	return err
}

func (p *process) Wait() error {
	<-p.waited
	return p.err
}
