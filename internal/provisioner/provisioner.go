// Package provisioner owns the engine registry: it maps sharing keys to
// live engine handles, launches new engines with a single-flight
// guarantee per key, probes liveness, and reclaims idle or dead
// engines. It is the only component allowed to terminate an engine
// process.
package provisioner

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/sqlfront/sqlfront/engines"
	"github.com/sqlfront/sqlfront/events"
)

const shardCount = 16

// ErrClosed is returned by Acquire after the provisioner shut down.
var ErrClosed = errors.New("provisioner closed")

// ErrLeaseReleased is returned when a lease is released twice.
var ErrLeaseReleased = errors.New("lease already released")

// Lease is a session's reference-counted claim on an engine handle.
// The token is a compact JWS binding the lease to the handle; it is the
// only thing sessions may persist or hand to clients.
type Lease struct {
	Handle *engines.Handle
	Token  string

	released atomic.Bool
}

// tracked pairs a handle with provisioner-private lifecycle state.
type tracked struct {
	h          *engines.Handle
	teardown   sync.Once
	probeFails int
}

// launch is an in-flight single-flight launch for one key. All waiters
// block on done and then observe err or re-read the registry.
type launch struct {
	done chan struct{}
	err  error
}

type entry struct {
	handle   *tracked
	inflight *launch
}

type shard struct {
	mu      sync.Mutex
	entries map[engines.SharingKey]*entry
}

// Provisioner implements engine acquisition: a healthy handle is
// shared, an in-flight launch is awaited, otherwise a launch starts
// exactly once per key.
type Provisioner struct {
	launcher engines.Launcher
	dialer   engines.Dialer
	log      *slog.Logger
	sink     events.Sink
	signer   *JWS

	launchTimeout    time.Duration
	readinessPoll    time.Duration
	probeInterval    time.Duration
	probeTimeout     time.Duration
	failureThreshold int
	idleGrace        time.Duration
	sweepInterval    time.Duration

	shards [shardCount]shard

	closeOnce sync.Once
	done      chan struct{}
	loops     sync.WaitGroup
}

// Option configures a Provisioner.
type Option func(*Provisioner)

// WithLogger sets the diagnostic logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provisioner) {
		if l != nil {
			p.log = l
		}
	}
}

// WithSink sets the lifecycle event sink.
func WithSink(s events.Sink) Option {
	return func(p *Provisioner) {
		if s != nil {
			p.sink = s
		}
	}
}

// WithLaunchTimeout bounds how long a launched engine may take to
// become ready before the launch fails for all waiters.
func WithLaunchTimeout(d time.Duration) Option {
	return func(p *Provisioner) { p.launchTimeout = d }
}

// WithProbeInterval sets the period between liveness probes of RUNNING
// handles.
func WithProbeInterval(d time.Duration) Option {
	return func(p *Provisioner) { p.probeInterval = d }
}

// WithFailureThreshold sets how many consecutive probe failures
// transition a handle to UNHEALTHY.
func WithFailureThreshold(n int) Option {
	return func(p *Provisioner) {
		if n > 0 {
			p.failureThreshold = n
		}
	}
}

// WithIdleGrace sets how long a handle may sit at refcount zero before
// the sweep evicts it. The grace covers back-to-back session reuse.
func WithIdleGrace(d time.Duration) Option {
	return func(p *Provisioner) { p.idleGrace = d }
}

// WithSweepInterval sets the period of the eviction sweep.
func WithSweepInterval(d time.Duration) Option {
	return func(p *Provisioner) { p.sweepInterval = d }
}

// New builds a Provisioner and starts its probe and sweep loops.
func New(launcher engines.Launcher, dialer engines.Dialer, opts ...Option) (*Provisioner, error) {
	signer, err := NewJWS()
	if err != nil {
		return nil, fmt.Errorf("reservation signer: %w", err)
	}
	p := &Provisioner{
		launcher:         launcher,
		dialer:           dialer,
		log:              slog.New(slog.DiscardHandler),
		sink:             events.Discard{},
		signer:           signer,
		launchTimeout:    60 * time.Second,
		readinessPoll:    250 * time.Millisecond,
		probeInterval:    10 * time.Second,
		probeTimeout:     3 * time.Second,
		failureThreshold: 3,
		idleGrace:        60 * time.Second,
		sweepInterval:    10 * time.Second,
		done:             make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	for i := range p.shards {
		p.shards[i].entries = make(map[engines.SharingKey]*entry)
	}
	p.loops.Add(2)
	go p.probeLoop()
	go p.sweepLoop()
	return p, nil
}

func (p *Provisioner) shard(key engines.SharingKey) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &p.shards[h.Sum32()%shardCount]
}

// Acquire returns a lease on a healthy engine for key, launching one if
// needed. Concurrent callers for the same key share a single launch and
// receive the same handle or the same failure. May block up to the
// launch timeout.
func (p *Provisioner) Acquire(ctx context.Context, key engines.SharingKey, spec engines.LaunchSpec) (*Lease, error) {
	for {
		select {
		case <-p.done:
			return nil, ErrClosed
		default:
		}

		sh := p.shard(key)
		sh.mu.Lock()
		e, ok := sh.entries[key]
		if !ok {
			e = &entry{}
			sh.entries[key] = e
		}

		if t := e.handle; t != nil && t.h.State() == engines.StateRunning {
			t.h.Ref()
			sh.mu.Unlock()
			return p.lease(t.h)
		}

		if fl := e.inflight; fl != nil {
			sh.mu.Unlock()
			select {
			case <-fl.done:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			if fl.err != nil {
				return nil, fl.err
			}
			// Launch succeeded; loop to take a reference on the
			// installed handle.
			continue
		}

		fl := &launch{done: make(chan struct{})}
		e.inflight = fl
		sh.mu.Unlock()

		// The launch itself runs out-of-band: cancelling one waiter's
		// context must not abort a launch other waiters share.
		go p.runLaunch(key, spec, e, fl)

		select {
		case <-fl.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if fl.err != nil {
			return nil, fl.err
		}
	}
}

func (p *Provisioner) lease(h *engines.Handle) (*Lease, error) {
	tok, err := p.signer.SignLease(h.ID, string(h.Key))
	if err != nil {
		h.Unref()
		return nil, fmt.Errorf("sign reservation token: %w", err)
	}
	return &Lease{Handle: h, Token: tok}, nil
}

// Release returns a lease's reference. At refcount zero the handle
// becomes eligible for idle eviction after the grace period, not
// immediately.
func (p *Provisioner) Release(l *Lease) error {
	if l == nil {
		return nil
	}
	if !l.released.CompareAndSwap(false, true) {
		return ErrLeaseReleased
	}
	n := l.Handle.Unref()
	p.log.Debug("engine lease released", "engine_id", l.Handle.ID, "refcount", n)
	return nil
}

// VerifyToken checks a reservation token and returns the handle id it
// is bound to.
func (p *Provisioner) VerifyToken(token string) (handleID string, err error) {
	return p.signer.VerifyLease(token)
}

func (p *Provisioner) runLaunch(key engines.SharingKey, spec engines.LaunchSpec, e *entry, fl *launch) {
	ctx, cancel := context.WithTimeout(context.Background(), p.launchTimeout)
	defer cancel()

	id := uuid.NewString()
	p.emit(events.TypeEngineLaunching, map[string]any{"engine_id": id, "sharing_key": string(key)})
	p.log.Info("launching engine", "engine_id", id, "sharing_key", string(key))

	t, err := p.doLaunch(ctx, id, key, spec)

	sh := p.shard(key)
	sh.mu.Lock()
	e.inflight = nil
	if err == nil {
		e.handle = t
	}
	sh.mu.Unlock()

	if err != nil {
		p.log.Warn("engine launch failed", "engine_id", id, "sharing_key", string(key), "err", err)
		fl.err = err
	} else {
		p.emit(events.TypeEngineRunning, map[string]any{"engine_id": id, "sharing_key": string(key), "endpoint": t.h.Endpoint})
		p.log.Info("engine running", "engine_id", id, "endpoint", t.h.Endpoint)
	}
	close(fl.done)
}

func (p *Provisioner) doLaunch(ctx context.Context, id string, key engines.SharingKey, spec engines.LaunchSpec) (*tracked, error) {
	proc, endpoint, err := p.launcher.Launch(ctx, spec)
	if err != nil {
		if errors.Is(err, engines.ErrEngineLaunchFailed) {
			return nil, err
		}
		return nil, fmt.Errorf("%v: %w", err, engines.ErrEngineLaunchFailed)
	}

	h := engines.NewHandle(id, key, endpoint, proc)

	// Poll readiness until the engine answers a probe or the launch
	// timeout lapses. Launchers return at spawn time, not readiness.
	for {
		err := p.probeOnce(ctx, endpoint)
		if err == nil {
			break
		}
		select {
		case <-ctx.Done():
			if proc != nil {
				_ = proc.Kill()
			}
			return nil, fmt.Errorf("engine %s not ready before launch timeout: %w", id, engines.ErrEngineLaunchFailed)
		case <-time.After(p.readinessPoll):
		}
	}

	h.SetState(engines.StateRunning)
	return &tracked{h: h}, nil
}

func (p *Provisioner) probeOnce(ctx context.Context, endpoint string) error {
	ctx, cancel := context.WithTimeout(ctx, p.probeTimeout)
	defer cancel()
	c, err := p.dialer(ctx, endpoint)
	if err != nil {
		return err
	}
	defer c.Close()
	return c.Ping(ctx)
}

// --- background loops ---

func (p *Provisioner) probeLoop() {
	defer p.loops.Done()
	tick := time.NewTicker(p.probeInterval)
	defer tick.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-tick.C:
			p.probeAll()
		}
	}
}

func (p *Provisioner) probeAll() {
	type probe struct {
		sh *shard
		k  engines.SharingKey
		t  *tracked
	}
	var probes []probe
	for i := range p.shards {
		sh := &p.shards[i]
		sh.mu.Lock()
		for k, e := range sh.entries {
			if e.handle != nil && e.handle.h.State() == engines.StateRunning {
				probes = append(probes, probe{sh: sh, k: k, t: e.handle})
			}
		}
		sh.mu.Unlock()
	}

	for _, pr := range probes {
		err := p.probeOnce(context.Background(), pr.t.h.Endpoint)

		pr.sh.mu.Lock()
		e := pr.sh.entries[pr.k]
		if e == nil || e.handle != pr.t {
			pr.sh.mu.Unlock()
			continue
		}
		if err == nil {
			pr.t.probeFails = 0
			pr.sh.mu.Unlock()
			continue
		}
		pr.t.probeFails++
		fails := pr.t.probeFails
		unhealthy := fails >= p.failureThreshold
		if unhealthy {
			// Detach so the next Acquire launches fresh.
			e.handle = nil
		}
		pr.sh.mu.Unlock()

		p.log.Warn("engine probe failed", "engine_id", pr.t.h.ID, "consecutive", fails, "err", err)
		if unhealthy {
			pr.t.h.SetState(engines.StateUnhealthy)
			p.emit(events.TypeEngineUnhealthy, map[string]any{"engine_id": pr.t.h.ID, "sharing_key": string(pr.t.h.Key)})
			p.log.Warn("engine unhealthy", "engine_id", pr.t.h.ID, "sharing_key", string(pr.t.h.Key))
			go p.teardown(pr.t, "unhealthy")
		}
	}
}

func (p *Provisioner) sweepLoop() {
	defer p.loops.Done()
	tick := time.NewTicker(p.sweepInterval)
	defer tick.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-tick.C:
			p.sweep()
		}
	}
}

// sweep evicts handles that sat at refcount zero past the idle grace
// and clears empty registry entries.
func (p *Provisioner) sweep() {
	now := time.Now()
	for i := range p.shards {
		sh := &p.shards[i]

		var evict []*tracked
		sh.mu.Lock()
		for k, e := range sh.entries {
			if e.handle == nil {
				if e.inflight == nil {
					delete(sh.entries, k)
				}
				continue
			}
			h := e.handle.h
			if h.State() == engines.StateRunning && h.RefCount() == 0 && now.Sub(h.LastUsedAt()) > p.idleGrace {
				evict = append(evict, e.handle)
				e.handle = nil
				if e.inflight == nil {
					delete(sh.entries, k)
				}
			}
		}
		sh.mu.Unlock()

		for _, t := range evict {
			p.log.Info("evicting idle engine", "engine_id", t.h.ID, "sharing_key", string(t.h.Key))
			p.teardown(t, "idle")
		}
	}
}

// teardown terminates an engine process at most once, whichever of the
// idle and health paths gets here first.
func (p *Provisioner) teardown(t *tracked, reason string) {
	t.teardown.Do(func() {
		if proc := t.h.Process(); proc != nil {
			if err := proc.Kill(); err != nil {
				p.log.Warn("engine kill failed", "engine_id", t.h.ID, "err", err)
			}
		}
		t.h.SetState(engines.StateTerminated)
		p.emit(events.TypeEngineTerminated, map[string]any{"engine_id": t.h.ID, "sharing_key": string(t.h.Key), "reason": reason})
		p.log.Info("engine terminated", "engine_id", t.h.ID, "reason", reason)
	})
}

// MarkUnreachable reports a dispatch-time connection failure against
// the handle, immediately degrading it so subsequent acquisitions avoid
// it rather than waiting for the prober's threshold.
func (p *Provisioner) MarkUnreachable(h *engines.Handle) {
	sh := p.shard(h.Key)
	sh.mu.Lock()
	e := sh.entries[h.Key]
	var t *tracked
	if e != nil && e.handle != nil && e.handle.h == h {
		t = e.handle
		e.handle = nil
	}
	sh.mu.Unlock()
	if t == nil {
		return
	}
	t.h.SetState(engines.StateUnhealthy)
	p.emit(events.TypeEngineUnhealthy, map[string]any{"engine_id": t.h.ID, "sharing_key": string(t.h.Key), "reason": "dispatch"})
	p.log.Warn("engine marked unreachable by dispatch", "engine_id", t.h.ID)
	go p.teardown(t, "unreachable")
}

// Close stops the background loops and tears down every engine.
func (p *Provisioner) Close() error {
	p.closeOnce.Do(func() {
		close(p.done)
		p.loops.Wait()
		for i := range p.shards {
			sh := &p.shards[i]
			sh.mu.Lock()
			var all []*tracked
			for k, e := range sh.entries {
				if e.handle != nil {
					all = append(all, e.handle)
				}
				delete(sh.entries, k)
			}
			sh.mu.Unlock()
			for _, t := range all {
				p.teardown(t, "shutdown")
			}
		}
	})
	return nil
}

func (p *Provisioner) emit(eventType string, payload map[string]any) {
	_ = p.sink.Append(context.Background(), events.New(eventType, payload))
}
