// Package dispatch drives the per-statement state machine against an
// acquired engine. Each session gets one Dispatcher; submissions within
// a session execute in FIFO order, sessions proceed independently.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sqlfront/sqlfront/engines"
	"github.com/sqlfront/sqlfront/events"
	"github.com/sqlfront/sqlfront/sessions"
)

// Operation is the runtime record of one submitted statement. All
// mutation goes through its dispatcher so transitions stay monotonic
// and every edge emits an event.
type Operation struct {
	ID        string
	SessionID string
	Statement string

	mu          sync.Mutex
	state       sessions.OperationState
	submittedAt time.Time
	startedAt   time.Time
	completedAt time.Time
	result      *engines.ResultSet
	cursor      int
	errInfo     error
	retried     bool
	done        chan struct{}
	cancelRun   context.CancelFunc
}

// Snapshot returns a consistent OperationInfo view.
func (o *Operation) Snapshot() *sessions.OperationInfo {
	o.mu.Lock()
	defer o.mu.Unlock()
	info := &sessions.OperationInfo{
		ID:          o.ID,
		SessionID:   o.SessionID,
		Statement:   o.Statement,
		State:       o.state,
		SubmittedAt: o.submittedAt,
		StartedAt:   o.startedAt,
		CompletedAt: o.completedAt,
	}
	if o.errInfo != nil {
		info.Error = o.errInfo.Error()
	}
	return info
}

// State returns the current state.
func (o *Operation) State() sessions.OperationState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Err returns the failure recorded on the operation, if any.
func (o *Operation) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.errInfo
}

// Wait blocks until the operation reaches a terminal state or ctx ends.
func (o *Operation) Wait(ctx context.Context) error {
	select {
	case <-o.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dispatcher executes one session's operations against its engine.
type Dispatcher struct {
	sessionID string
	handle    *engines.Handle
	dial      engines.Dialer
	log       *slog.Logger
	sink      events.Sink

	dispatchTimeout time.Duration
	// onUnreachable reports a dispatch-time connection loss so the
	// provisioner can degrade the handle.
	onUnreachable func(*engines.Handle)

	queue chan *Operation

	closeOnce sync.Once
	done      chan struct{}
	drained   chan struct{}
}

// Config wires a Dispatcher.
type Config struct {
	SessionID       string
	Handle          *engines.Handle
	Dial            engines.Dialer
	Log             *slog.Logger
	Sink            events.Sink
	DispatchTimeout time.Duration
	QueueDepth      int
	OnUnreachable   func(*engines.Handle)
}

// New starts a Dispatcher and its single worker goroutine.
func New(cfg Config) *Dispatcher {
	d := &Dispatcher{
		sessionID:       cfg.SessionID,
		handle:          cfg.Handle,
		dial:            cfg.Dial,
		log:             cfg.Log,
		sink:            cfg.Sink,
		dispatchTimeout: cfg.DispatchTimeout,
		onUnreachable:   cfg.OnUnreachable,
		queue:           make(chan *Operation, max(cfg.QueueDepth, 1)),
		done:            make(chan struct{}),
		drained:         make(chan struct{}),
	}
	if d.log == nil {
		d.log = slog.New(slog.DiscardHandler)
	}
	if d.sink == nil {
		d.sink = events.Discard{}
	}
	if d.dispatchTimeout <= 0 {
		d.dispatchTimeout = 5 * time.Minute
	}
	if d.onUnreachable == nil {
		d.onUnreachable = func(*engines.Handle) {}
	}
	go d.run()
	return d
}

// Submit creates the operation for a statement and enqueues it in
// session FIFO order. The returned operation is already PENDING.
func (d *Dispatcher) Submit(ctx context.Context, statement string) (*Operation, error) {
	op := &Operation{
		ID:          uuid.NewString(),
		SessionID:   d.sessionID,
		Statement:   statement,
		state:       sessions.OpInitialized,
		submittedAt: time.Now(),
		done:        make(chan struct{}),
	}
	d.transition(op, sessions.OpPending)

	select {
	case d.queue <- op:
		return op, nil
	case <-d.done:
		return nil, fmt.Errorf("session dispatcher closed: %w", sessions.ErrInvalidHandle)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *Dispatcher) run() {
	defer close(d.drained)
	for {
		select {
		case <-d.done:
			return
		case op := <-d.queue:
			d.execute(op)
		}
	}
}

func (d *Dispatcher) execute(op *Operation) {
	// A cancel may have landed while the op sat in the queue.
	if op.State() != sessions.OpPending {
		return
	}

	if d.handle.State() != engines.StateRunning {
		d.fail(op, fmt.Errorf("engine %s is %s: %w", d.handle.ID, d.handle.State(), engines.ErrEngineUnreachable))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.dispatchTimeout)
	defer cancel()
	op.mu.Lock()
	op.cancelRun = cancel
	op.mu.Unlock()

	client, err := d.dial(ctx, d.handle.Endpoint)
	if err != nil {
		// Connection loss before dispatch: nothing has executed yet,
		// so one retry from PENDING is safe.
		op.mu.Lock()
		retry := !op.retried
		op.retried = true
		op.mu.Unlock()
		if retry {
			d.log.Debug("redialing engine before dispatch", "operation_id", op.ID, "err", err)
			client, err = d.dial(ctx, d.handle.Endpoint)
		}
		if err != nil {
			d.onUnreachable(d.handle)
			d.fail(op, fmt.Errorf("dial engine: %v: %w", err, engines.ErrEngineUnreachable))
			return
		}
	}
	defer client.Close()

	if !d.transition(op, sessions.OpRunning) {
		return
	}

	res, err := client.Execute(ctx, op.ID, op.Statement)

	op.mu.Lock()
	if op.state != sessions.OpRunning {
		// Canceled while executing: discard whatever the backend
		// eventually answered.
		op.mu.Unlock()
		d.log.Debug("discarding late engine response", "operation_id", op.ID, "state", op.State().String())
		return
	}
	op.mu.Unlock()

	switch {
	case err == nil:
		op.mu.Lock()
		op.result = res
		op.mu.Unlock()
		d.transition(op, sessions.OpFinished)
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		// Dispatch timeout: abandon the connection, do not reuse it.
		d.onUnreachable(d.handle)
		d.fail(op, fmt.Errorf("dispatch timed out after %s: %w", d.dispatchTimeout, engines.ErrEngineUnreachable))
	case errors.Is(err, engines.ErrEngineUnreachable):
		// Disconnect after dispatch: side effects unknown, never retry.
		d.onUnreachable(d.handle)
		d.fail(op, err)
	default:
		d.fail(op, err)
	}
}

func (d *Dispatcher) fail(op *Operation, err error) {
	op.mu.Lock()
	op.errInfo = err
	op.mu.Unlock()
	d.transition(op, sessions.OpError)
}

// Cancel transitions a non-terminal operation to CANCELED immediately
// and signals the backend best-effort. A late backend response cannot
// overwrite the canceled state.
func (d *Dispatcher) Cancel(ctx context.Context, op *Operation) error {
	// The prior state decides whether the backend needs a signal. It is
	// read in the same critical section that applies the CANCELED edge,
	// so a concurrent PENDING->RUNNING cannot make it stale.
	op.mu.Lock()
	wasRunning := op.state == sessions.OpRunning
	cancelRun := op.cancelRun
	from, ok := applyEdge(op, sessions.OpCanceled)
	op.mu.Unlock()
	if !ok {
		return nil
	}
	d.announce(op, from, sessions.OpCanceled)

	if wasRunning {
		go func() {
			sigCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			client, err := d.dial(sigCtx, d.handle.Endpoint)
			if err != nil {
				d.log.Debug("cancel signal dial failed", "operation_id", op.ID, "err", err)
				return
			}
			defer client.Close()
			if err := client.Cancel(sigCtx, op.ID); err != nil {
				d.log.Debug("cancel signal failed", "operation_id", op.ID, "err", err)
			}
		}()
		if cancelRun != nil {
			cancelRun()
		}
	}
	return nil
}

// Fetch returns up to maxRows rows from a FINISHED operation, resuming
// at the previous cursor. The boolean reports whether more rows remain.
func (d *Dispatcher) Fetch(op *Operation, maxRows int) (*engines.ResultSet, bool, error) {
	op.mu.Lock()
	defer op.mu.Unlock()
	switch op.state {
	case sessions.OpFinished:
	case sessions.OpInitialized, sessions.OpPending, sessions.OpRunning:
		return nil, false, fmt.Errorf("operation %s is %s: %w", op.ID, op.state, sessions.ErrOperationNotReady)
	case sessions.OpCanceled:
		return nil, false, fmt.Errorf("operation %s: %w", op.ID, sessions.ErrOperationCanceled)
	case sessions.OpError:
		return nil, false, fmt.Errorf("operation %s: %v: %w", op.ID, op.errInfo, sessions.ErrOperationFailed)
	default: // OpClosed
		return nil, false, fmt.Errorf("operation %s closed: %w", op.ID, sessions.ErrInvalidHandle)
	}

	rows := op.result.Rows[op.cursor:]
	if maxRows > 0 && len(rows) > maxRows {
		rows = rows[:maxRows]
	}
	op.cursor += len(rows)
	more := op.cursor < len(op.result.Rows)
	return &engines.ResultSet{Columns: op.result.Columns, Rows: rows}, more, nil
}

// CloseOp moves the operation to CLOSED and releases its result
// buffers. Non-terminal operations are canceled first.
func (d *Dispatcher) CloseOp(ctx context.Context, op *Operation) error {
	if !op.State().Terminal() {
		if err := d.Cancel(ctx, op); err != nil {
			return err
		}
	}
	op.mu.Lock()
	if op.state == sessions.OpClosed {
		op.mu.Unlock()
		return nil
	}
	op.mu.Unlock()
	d.transition(op, sessions.OpClosed)
	op.mu.Lock()
	op.result = nil
	op.mu.Unlock()
	return nil
}

// Close stops the worker. Pending queue entries are left PENDING; the
// session manager cancels active operations before closing.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		close(d.done)
		<-d.drained
	})
}

// transition applies a state edge if it is legal, emitting an event.
// Returns false when the edge was rejected (e.g. the op went terminal
// concurrently).
func (d *Dispatcher) transition(op *Operation, to sessions.OperationState) bool {
	op.mu.Lock()
	from, ok := applyEdge(op, to)
	op.mu.Unlock()
	if !ok {
		return false
	}
	d.announce(op, from, to)
	return true
}

// applyEdge mutates the operation state with op.mu held, closing
// op.done on the first terminal edge. It returns the prior state and
// whether the edge was legal; callers emit the event after unlocking.
func applyEdge(op *Operation, to sessions.OperationState) (sessions.OperationState, bool) {
	from := op.state
	if !legalEdge(from, to) {
		return from, false
	}
	op.state = to
	now := time.Now()
	switch to {
	case sessions.OpRunning:
		op.startedAt = now
	case sessions.OpFinished, sessions.OpError, sessions.OpCanceled:
		op.completedAt = now
	}
	if to.Terminal() && !from.Terminal() {
		close(op.done)
	}
	return from, true
}

func (d *Dispatcher) announce(op *Operation, from, to sessions.OperationState) {
	_ = d.sink.Append(context.Background(), events.New(
		events.TypeOperationState,
		map[string]any{
			"operation_id": op.ID,
			"session_id":   op.SessionID,
			"from":         from.String(),
			"to":           to.String(),
		},
		events.Partition{Key: "session", Value: op.SessionID},
	))
	d.log.Debug("operation transition", "operation_id", op.ID, "from", from.String(), "to", to.String())
}

// legalEdge encodes the operation state machine; everything else is
// rejected.
func legalEdge(from, to sessions.OperationState) bool {
	switch to {
	case sessions.OpPending:
		return from == sessions.OpInitialized
	case sessions.OpRunning:
		return from == sessions.OpPending
	case sessions.OpFinished:
		return from == sessions.OpRunning
	case sessions.OpError:
		// PENDING->ERROR covers failures before dispatch (degraded
		// handle, dial errors).
		return from == sessions.OpRunning || from == sessions.OpPending
	case sessions.OpCanceled:
		return !from.Terminal()
	case sessions.OpClosed:
		return from.Terminal() && from != sessions.OpClosed
	default:
		return false
	}
}
