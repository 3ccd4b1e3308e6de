// Package engine is the replication engine: the single mediator between
// SQL execution, operation extraction, the op log, and the sync layer.
//
// All core operations run under one mutex. Between the HLC allocation and
// the op-log append of a local mutation nothing else interleaves, which is
// what keeps log order consistent with clock order on a single node.
package engine

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/roomdb/internal/hlc"
	"github.com/roach88/roomdb/internal/op"
	"github.com/roach88/roomdb/internal/oplog"
	"github.com/roach88/roomdb/internal/sqldb"
)

// DefaultSnapshotDelay is the debounce interval for durable SQL snapshots:
// the snapshot fires this long after the most recent schedule.
const DefaultSnapshotDelay = 1000 * time.Millisecond

// Engine coordinates local execution and remote application.
type Engine struct {
	mu sync.Mutex

	clock     *hlc.Clock
	db        *sqldb.DB
	log       *oplog.Log
	extractor *op.Extractor
	logger    *slog.Logger

	snapshotDelay time.Duration
	snapTimer     *time.Timer
	snapPending   bool
	closed        bool

	// onOperation observes every applied operation; fromPeer is empty for
	// local mutations. onBroadcast hands local operations to the sync
	// layer. onError surfaces storage failures that have no caller.
	onOperation func(o op.Operation, fromPeer string)
	onBroadcast func(o op.Operation)
	onError     func(err error)
}

// Option configures an Engine.
type Option func(*Engine)

// WithSnapshotDelay overrides the snapshot debounce interval.
func WithSnapshotDelay(d time.Duration) Option {
	return func(e *Engine) { e.snapshotDelay = d }
}

// WithOperationHook sets the operation observer.
func WithOperationHook(fn func(o op.Operation, fromPeer string)) Option {
	return func(e *Engine) { e.onOperation = fn }
}

// WithBroadcastHook sets the local-operation broadcast hook.
func WithBroadcastHook(fn func(o op.Operation)) Option {
	return func(e *Engine) { e.onBroadcast = fn }
}

// WithErrorHook sets the receiver for background storage errors.
func WithErrorHook(fn func(err error)) Option {
	return func(e *Engine) { e.onError = fn }
}

// New creates an engine over an opened SQL database and op log.
func New(clock *hlc.Clock, db *sqldb.DB, log *oplog.Log, logger *slog.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		clock:         clock,
		db:            db,
		log:           log,
		extractor:     op.NewExtractor(db),
		logger:        logger.With("component", "engine"),
		snapshotDelay: DefaultSnapshotDelay,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ExecLocal executes a statement without producing operations. Used for
// reads and for private local bookkeeping that must not replicate.
func (e *Engine) ExecLocal(sqlText string, params ...any) (sqldb.Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.execPlain(sqlText, params)
}

// Exec executes a statement. A mutation on a synced table additionally
// produces operations tagged with one fresh HLC, appends them to the log,
// reports them to the operation hook and hands them to the sync layer.
func (e *Engine) Exec(sqlText string, params ...any) (sqldb.Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch op.Classify(sqlText) {
	case op.ClassInsert, op.ClassUpdate, op.ClassDelete:
		return e.execMutation(sqlText, params)
	default:
		return e.execPlain(sqlText, params)
	}
}

func (e *Engine) execPlain(sqlText string, params []any) (sqldb.Result, error) {
	res, err := e.db.Exec(sqlText, params...)
	if err == nil && op.Classify(sqlText) == op.ClassDDL {
		e.db.InvalidateSchema()
	}
	return res, err
}

func (e *Engine) execMutation(sqlText string, params []any) (sqldb.Result, error) {
	ts := e.clock.Now()

	ops, err := e.extractor.Extract(sqlText, params, ts, e.db)
	if err != nil {
		// Extraction failure is not an error to the caller: the statement
		// still executes, it just stays local.
		e.logger.Warn("op extraction failed", "error", err)
		ops = nil
	}

	res, err := e.db.Exec(sqlText, params...)
	if err != nil {
		return res, err
	}

	for _, o := range ops {
		if err := e.db.RecordApplied(o); err != nil {
			return res, err
		}
		if err := e.log.Append(o); err != nil {
			return res, fmt.Errorf("engine: persist op: %w", err)
		}
		e.emitOperation(o, "")
		if e.onBroadcast != nil {
			e.onBroadcast(o)
		}
	}
	if len(ops) > 0 {
		e.scheduleSnapshotLocked()
	}
	return res, nil
}

// ApplyRemote merges one remote operation: advances the clock, applies the
// op under the LWW guard, and appends it to the log. An op that fails to
// apply (schema mismatch) is logged and kept in the log; it is not retried.
func (e *Engine) ApplyRemote(o op.Operation, fromPeer string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.clock.Receive(o.HLC)

	if _, err := e.db.Apply(o); err != nil {
		e.logger.Warn("remote op failed to apply",
			"op", o.Version(), "table", o.Table, "peer", fromPeer, "error", err)
	}

	if err := e.log.Append(o); err != nil {
		return fmt.Errorf("engine: persist remote op: %w", err)
	}

	e.emitOperation(o, fromPeer)
	e.scheduleSnapshotLocked()
	return nil
}

// OpsSince returns log entries with HLC string strictly greater than
// cursor; an empty cursor means the full log.
func (e *Engine) OpsSince(cursor string) ([]op.Operation, error) {
	return e.log.OpsSince(cursor)
}

// Version returns the node's latest HLC string, or ok=false before the
// first operation.
func (e *Engine) Version() (string, bool) {
	v, ok, err := e.log.LatestVersion()
	if err != nil {
		e.reportError(err)
		return "", false
	}
	return v, ok
}

// Export returns a full binary image of the SQL database.
func (e *Engine) Export() ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.db.Snapshot()
}

// Import replaces the SQL database with an exported image and schedules a
// durable snapshot of the new state.
func (e *Engine) Import(data []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.db.Load(data); err != nil {
		return err
	}
	e.scheduleSnapshotLocked()
	return nil
}

// Close flushes a pending snapshot and closes the SQL database and op log.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true

	if e.snapTimer != nil {
		e.snapTimer.Stop()
	}
	if e.snapPending {
		e.snapshotLocked()
	}

	errDB := e.db.Close()
	errLog := e.log.Close()
	if errDB != nil {
		return fmt.Errorf("engine: close sql: %w", errDB)
	}
	if errLog != nil {
		return fmt.Errorf("engine: close log: %w", errLog)
	}
	return nil
}

func (e *Engine) emitOperation(o op.Operation, fromPeer string) {
	if e.onOperation != nil {
		e.onOperation(o, fromPeer)
	}
}

// scheduleSnapshotLocked debounces to a single pending timer that fires
// snapshotDelay after the most recent schedule. Caller holds mu.
func (e *Engine) scheduleSnapshotLocked() {
	e.snapPending = true
	if e.snapTimer != nil {
		e.snapTimer.Reset(e.snapshotDelay)
		return
	}
	e.snapTimer = time.AfterFunc(e.snapshotDelay, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.closed || !e.snapPending {
			return
		}
		e.snapshotLocked()
	})
}

// snapshotLocked writes the SQL image into the op log's snapshot slot.
// Caller holds mu.
func (e *Engine) snapshotLocked() {
	e.snapPending = false
	data, err := e.db.Snapshot()
	if err != nil {
		e.reportError(fmt.Errorf("engine: snapshot: %w", err))
		return
	}
	if err := e.log.SaveSnapshot(data); err != nil {
		e.reportError(err)
	}
}

func (e *Engine) reportError(err error) {
	e.logger.Error("storage error", "error", err)
	if e.onError != nil {
		e.onError(err)
	}
}
