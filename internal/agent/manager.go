// ABOUTME: Tracks queued and running agent runs with per-session lanes
// ABOUTME: Provides start, abort, bounded run-end waits, queue clearing and idle waits

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/clawgate/internal/dedupe"
	"github.com/2389/clawgate/internal/events"
)

// ErrRunNotFound indicates the run id is unknown or its result has expired.
var ErrRunNotFound = errors.New("run not found")

// ErrWaitTimeout indicates a run did not end within the wait budget.
var ErrWaitTimeout = errors.New("timed out waiting for run to end")

// ErrClosed indicates the manager has shut down.
var ErrClosed = errors.New("run manager closed")

const (
	idempotencyTTL   = 10 * time.Minute
	resultRetention  = 10 * time.Minute
	maxTrackedKeys   = 10_000
	abortedByClear   = "cleared from queue"
	abortedByRequest = "aborted"
)

// Admitter is implemented by executors that can reject a run before it is queued.
type Admitter interface {
	Admit(req Request) error
}

type run struct {
	id       string
	req      Request
	status   Status
	queuedAt time.Time
	started  time.Time
	cancel   context.CancelFunc
	aborted  bool
	done     chan struct{}
	result   Result
}

type lane struct {
	active *run
	queue  []*run
}

// Manager coordinates all agent runs.
type Manager struct {
	mu       sync.Mutex
	executor Executor
	runs     map[string]*run  // queued or running, by run id
	lanes    map[string]*lane // by session key
	idle     chan struct{}    // closed while no run is live
	closed   bool

	idem    *dedupe.Cache[string]
	results *dedupe.Cache[Result]

	baseCtx context.Context
	stop    context.CancelFunc

	defaultTimeout time.Duration
	sessionIDs     SessionIDLookup

	events events.Publisher
	logger *slog.Logger
	now    func() time.Time
}

// NewManager creates a Manager that executes runs with executor.
func NewManager(executor Executor, publisher events.Publisher, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if publisher == nil {
		publisher = events.Nop{}
	}
	idle := make(chan struct{})
	close(idle)
	ctx, stop := context.WithCancel(context.Background())
	return &Manager{
		executor: executor,
		runs:     make(map[string]*run),
		lanes:    make(map[string]*lane),
		idle:     idle,
		idem:     dedupe.New[string](idempotencyTTL, maxTrackedKeys),
		results:  dedupe.New[Result](resultRetention, maxTrackedKeys),
		baseCtx:  ctx,
		stop:     stop,
		events:   publisher,
		logger:   logger.With("component", "runs"),
		now:      time.Now,
	}
}

// SessionIDLookup returns the current session id of a session key, or "".
type SessionIDLookup func(ctx context.Context, sessionKey string) string

// SetSessionLookup sets how Start fills in Request.SessionID when the caller
// leaves it empty.
func (m *Manager) SetSessionLookup(fn SessionIDLookup) {
	m.mu.Lock()
	m.sessionIDs = fn
	m.mu.Unlock()
}

// SetDefaultTimeout sets the run timeout applied to requests that carry none.
func (m *Manager) SetDefaultTimeout(d time.Duration) {
	m.mu.Lock()
	m.defaultTimeout = d
	m.mu.Unlock()
}

// DefaultTimeout returns the run timeout applied to requests that carry none.
func (m *Manager) DefaultTimeout() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.defaultTimeout
}

// Start queues a run on the request's session lane and returns its run id.
// The run executes asynchronously; ctx only bounds admission.
func (m *Manager) Start(ctx context.Context, req Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	req.SessionKey = strings.TrimSpace(req.SessionKey)
	if req.SessionKey == "" {
		return "", fmt.Errorf("session key is required")
	}
	if req.Timeout <= 0 {
		req.Timeout = m.DefaultTimeout()
	}
	if req.SessionID == "" {
		m.mu.Lock()
		lookup := m.sessionIDs
		m.mu.Unlock()
		if lookup != nil {
			req.SessionID = lookup(ctx, req.SessionKey)
		}
	}
	if a, ok := m.executor.(Admitter); ok {
		if err := a.Admit(req); err != nil {
			return "", err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return "", ErrClosed
	}

	id := uuid.New().String()
	if req.IdempotencyKey != "" {
		if existing, loaded := m.idem.Remember(req.IdempotencyKey, id); loaded {
			m.logger.Debug("duplicate run request", "idempotency_key", req.IdempotencyKey, "run_id", existing)
			return existing, nil
		}
	}

	r := &run{
		id:       id,
		req:      req,
		status:   StatusQueued,
		queuedAt: m.now(),
		done:     make(chan struct{}),
	}
	if len(m.runs) == 0 {
		m.idle = make(chan struct{})
	}
	m.runs[id] = r

	ln, ok := m.lanes[req.SessionKey]
	if !ok {
		ln = &lane{}
		m.lanes[req.SessionKey] = ln
	}
	if ln.active == nil {
		m.launchLocked(ln, r)
	} else {
		ln.queue = append(ln.queue, r)
		m.logger.Debug("run queued", "run_id", id, "session_key", req.SessionKey, "position", len(ln.queue))
	}

	m.events.Publish(events.TopicAgentRun, map[string]any{
		"runId": id, "sessionKey": req.SessionKey, "lane": req.Lane, "status": r.status,
	})
	return id, nil
}

// launchLocked starts r as ln's active run. Must be called with mu held.
func (m *Manager) launchLocked(ln *lane, r *run) {
	var ctx context.Context
	var cancel context.CancelFunc
	if r.req.Timeout > 0 {
		ctx, cancel = context.WithTimeout(m.baseCtx, r.req.Timeout)
	} else {
		ctx, cancel = context.WithCancel(m.baseCtx)
	}
	r.cancel = cancel
	r.status = StatusRunning
	r.started = m.now()
	ln.active = r

	m.logger.Info("run started",
		"run_id", r.id,
		"session_key", r.req.SessionKey,
		"lane", r.req.Lane,
		"deliver", r.req.Deliver,
	)

	go m.execute(ctx, ln, r)
}

func (m *Manager) execute(ctx context.Context, ln *lane, r *run) {
	output, err := m.executor.Execute(ctx, r.id, r.req)

	m.mu.Lock()
	defer m.mu.Unlock()

	r.cancel()

	status := StatusOK
	var errMsg string
	switch {
	case r.aborted:
		status, errMsg = StatusAborted, abortedByRequest
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		status, errMsg = StatusTimeout, "run timed out"
	case err != nil:
		status, errMsg = StatusError, err.Error()
	}
	m.finishLocked(r, status, output, errMsg)

	ln.active = nil
	m.advanceLocked(r.req.SessionKey, ln)
}

// advanceLocked launches the next queued run or drops the empty lane.
func (m *Manager) advanceLocked(key string, ln *lane) {
	if ln.active != nil {
		return
	}
	if len(ln.queue) > 0 && !m.closed {
		next := ln.queue[0]
		ln.queue = ln.queue[1:]
		m.launchLocked(ln, next)
		return
	}
	if len(ln.queue) == 0 {
		delete(m.lanes, key)
	}
}

// finishLocked records r's result and wakes waiters. Must be called with mu held.
func (m *Manager) finishLocked(r *run, status Status, output, errMsg string) {
	r.status = status
	r.result = Result{
		RunID:      r.id,
		SessionKey: r.req.SessionKey,
		Lane:       r.req.Lane,
		Status:     status,
		Output:     output,
		Error:      errMsg,
		QueuedAt:   r.queuedAt,
		StartedAt:  r.started,
		EndedAt:    m.now(),
	}
	m.results.Store(r.id, r.result)
	delete(m.runs, r.id)
	close(r.done)

	if len(m.runs) == 0 {
		close(m.idle)
	}

	level := slog.LevelInfo
	if status == StatusError || status == StatusTimeout {
		level = slog.LevelWarn
	}
	m.logger.Log(context.Background(), level, "run ended",
		"run_id", r.id,
		"session_key", r.req.SessionKey,
		"status", status,
		"error", errMsg,
	)
	m.events.Publish(events.TopicAgentRun, map[string]any{
		"runId": r.id, "sessionKey": r.req.SessionKey, "lane": r.req.Lane, "status": status,
	})
}

// abortLocked aborts r whether queued or running. Must be called with mu held.
func (m *Manager) abortLocked(r *run, reason string) {
	switch r.status {
	case StatusQueued:
		if ln, ok := m.lanes[r.req.SessionKey]; ok {
			ln.queue = removeRun(ln.queue, r)
			m.advanceLocked(r.req.SessionKey, ln)
		}
		m.finishLocked(r, StatusAborted, "", reason)
	case StatusRunning:
		if !r.aborted {
			r.aborted = true
			r.cancel()
		}
	}
}

func removeRun(queue []*run, target *run) []*run {
	out := queue[:0]
	for _, r := range queue {
		if r != target {
			out = append(out, r)
		}
	}
	return out
}

// Abort requests cancellation of a run. Returns false if the run is not live.
func (m *Manager) Abort(runID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.runs[runID]
	if !ok {
		return false
	}
	m.abortLocked(r, abortedByRequest)
	return true
}

// AbortSession aborts the running run on the session identified by key
// (a session key or session id) and returns its run id.
func (m *Manager) AbortSession(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := m.activeLocked(key)
	if r == nil {
		return "", false
	}
	m.abortLocked(r, abortedByRequest)
	return r.id, true
}

// ActiveRun returns the run id currently running on key (a session key or session id).
func (m *Manager) ActiveRun(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r := m.activeLocked(key); r != nil {
		return r.id, true
	}
	return "", false
}

func (m *Manager) activeLocked(key string) *run {
	if key == "" {
		return nil
	}
	if ln, ok := m.lanes[key]; ok && ln.active != nil {
		return ln.active
	}
	for _, ln := range m.lanes {
		if ln.active != nil && ln.active.req.SessionID == key {
			return ln.active
		}
	}
	return nil
}

// ClearQueue drops queued runs whose session key or session id is in keys.
// Running runs are not touched. Returns the number of runs removed.
func (m *Manager) ClearQueue(keys ...string) int {
	match := make(map[string]bool, len(keys))
	for _, k := range keys {
		if k != "" {
			match[k] = true
		}
	}
	if len(match) == 0 {
		return 0
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cleared := 0
	for key, ln := range m.lanes {
		kept := ln.queue[:0]
		var dropped []*run
		for _, r := range ln.queue {
			if match[r.req.SessionKey] || match[r.req.SessionID] {
				dropped = append(dropped, r)
			} else {
				kept = append(kept, r)
			}
		}
		ln.queue = kept
		for _, r := range dropped {
			m.finishLocked(r, StatusAborted, "", abortedByClear)
			cleared++
		}
		if ln.active == nil && len(ln.queue) == 0 {
			delete(m.lanes, key)
		}
	}

	if cleared > 0 {
		m.logger.Info("cleared queued runs", "keys", keys, "count", cleared)
	}
	return cleared
}

// Get returns the current or final state of a run.
func (m *Manager) Get(runID string) (Result, bool) {
	m.mu.Lock()
	r, ok := m.runs[runID]
	if ok {
		res := Result{
			RunID:      r.id,
			SessionKey: r.req.SessionKey,
			Lane:       r.req.Lane,
			Status:     r.status,
			QueuedAt:   r.queuedAt,
			StartedAt:  r.started,
		}
		m.mu.Unlock()
		return res, true
	}
	m.mu.Unlock()
	return m.results.Lookup(runID)
}

// WaitForRun blocks until the run ends, timeout elapses, or ctx is done.
// A non-positive timeout waits only on ctx.
func (m *Manager) WaitForRun(ctx context.Context, runID string, timeout time.Duration) (Result, error) {
	m.mu.Lock()
	r, live := m.runs[runID]
	m.mu.Unlock()

	if !live {
		if res, ok := m.results.Lookup(runID); ok {
			return res, nil
		}
		return Result{}, ErrRunNotFound
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-r.done:
		return r.result, nil
	case <-expired:
		return Result{RunID: runID, SessionKey: r.req.SessionKey, Status: StatusRunning}, ErrWaitTimeout
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Pending returns the number of queued and running runs.
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.runs)
}

// WaitIdle blocks until no run is queued or running, or ctx is done.
func (m *Manager) WaitIdle(ctx context.Context) error {
	m.mu.Lock()
	idle := m.idle
	m.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close aborts every live run and rejects new ones.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	for _, r := range m.runs {
		m.abortLocked(r, "gateway shutting down")
	}
	m.mu.Unlock()

	m.stop()
	m.idem.Close()
	m.results.Close()
}
