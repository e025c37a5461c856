// Package fusionpipe implements the Fusion Pipe (spec.md §4.7, C7): the
// ingress-side state machine that terminates an Agent Pipe's session,
// enqueues its events into a bounded per-pipe queue, drains them in order
// into a View, and routes the wire protocol's non-event signals (snapshot
// end, audit end, scan_complete) to the right collaborator. Grounded in
// shape on the teacher's internal/batch/processor.go (bounded queue +
// single drain worker decoupling submission from processing latency),
// rewritten around spec.md's event/session domain instead of S3
// GET/PUT/DELETE operations.
package fusionpipe

import (
	"sync"

	"github.com/objectfs/fustor/internal/logging"
	"github.com/objectfs/fustor/internal/session"
	"github.com/objectfs/fustor/internal/view"
	"github.com/objectfs/fustor/pkg/ferrors"
	"github.com/objectfs/fustor/pkg/wire"
)

// DefaultQueueBatchSize is spec.md §4.7's queue_batch_size default.
const DefaultQueueBatchSize = 100

// ScanCompleteHandler is invoked when a source_type=scan_complete ingest
// arrives, outside normal tree mutation (spec.md §4.7, §6).
type ScanCompleteHandler func(sessionID, scanPath string)

// CommandProvider lets the host app (management API, config-diff watcher)
// hand the Fusion Pipe commands to deliver on a session's next heartbeat
// reply, without the pipe depending on CLI/management concerns directly
// (spec.md §4.6 "Commands" are Agent-bound but originate Fusion-side).
type CommandProvider interface {
	PendingCommands(sessionID string) []wire.Command
}

type noopCommandProvider struct{}

func (noopCommandProvider) PendingCommands(string) []wire.Command { return nil }

// MetricsRecorder is the subset of internal/metrics.Collector's API this
// pipe drives directly, kept as an interface so tests can inject a fake
// without importing the prometheus-backed collector.
type MetricsRecorder interface {
	RecordReceived(pipeID string, n int)
	RecordProcessed(pipeID string, n int)
	RecordError(pipeID string)
	SetQueueDepth(pipeID string, depth int)
}

type noopMetricsRecorder struct{}

func (noopMetricsRecorder) RecordReceived(string, int)  {}
func (noopMetricsRecorder) RecordProcessed(string, int) {}
func (noopMetricsRecorder) RecordError(string)          {}
func (noopMetricsRecorder) SetQueueDepth(string, int)   {}

// Stats is the minimal per-pipe counter set spec.md §6's management stats
// surface names ("events_received/processed/errors").
type Stats struct {
	EventsReceived  int64
	EventsProcessed int64
	Errors          int64
	QueueDepth      int
}

type queuedEvent struct {
	sessionID string
	event     wire.Event
	index     int64
}

// Pipe is one Fusion-side ingress pipe: one (view, session registry) pair
// fed by potentially many Agent sessions (spec.md §4.7).
type Pipe struct {
	ID       string
	view     *view.View
	sessions *session.Registry
	log      *logging.Logger

	queueBatchSize int
	queue          chan queuedEvent

	scanCompleteHandler ScanCompleteHandler
	commandProvider     CommandProvider
	metrics             MetricsRecorder

	mu          sync.Mutex
	lastIndex   map[string]int64 // session_id -> highest index ingested
	stats       Stats

	stopCh chan struct{}
	doneCh chan struct{}
}

// Option configures a new Pipe.
type Option func(*Pipe)

func WithQueueBatchSize(n int) Option { return func(p *Pipe) { p.queueBatchSize = n } }
func WithScanCompleteHandler(h ScanCompleteHandler) Option {
	return func(p *Pipe) { p.scanCompleteHandler = h }
}
func WithCommandProvider(c CommandProvider) Option { return func(p *Pipe) { p.commandProvider = c } }
func WithLogger(l *logging.Logger) Option          { return func(p *Pipe) { p.log = l } }
func WithMetrics(m MetricsRecorder) Option         { return func(p *Pipe) { p.metrics = m } }

// New creates a Fusion Pipe over view, owning sessions. Call Start to run
// the drain worker.
func New(id string, v *view.View, sessions *session.Registry, opts ...Option) *Pipe {
	p := &Pipe{
		ID:              id,
		view:            v,
		sessions:        sessions,
		log:             logging.New(logging.DefaultConfig()).Component("fusionpipe").With(logging.F("pipe_id", id)),
		queueBatchSize:  DefaultQueueBatchSize,
		commandProvider: noopCommandProvider{},
		metrics:         noopMetricsRecorder{},
		lastIndex:       make(map[string]int64),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.queue = make(chan queuedEvent, p.queueBatchSize)
	return p
}

// Start launches the drain worker that applies queued events to the view
// in order (spec.md §5 ordering guarantee (b): same-session order
// preserved).
func (p *Pipe) Start() {
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})
	go p.drainLoop()
}

// Stop halts the drain worker after the queue empties.
func (p *Pipe) Stop() {
	if p.stopCh == nil {
		return
	}
	close(p.stopCh)
	<-p.doneCh
}

func (p *Pipe) drainLoop() {
	defer close(p.doneCh)
	for {
		select {
		case qe := <-p.queue:
			p.applyLocked(qe)
		case <-p.stopCh:
			// Drain whatever is already buffered before exiting so a
			// clean Stop doesn't silently drop accepted events.
			for {
				select {
				case qe := <-p.queue:
					p.applyLocked(qe)
				default:
					return
				}
			}
		}
	}
}

func (p *Pipe) applyLocked(qe queuedEvent) {
	p.view.ProcessEvent(qe.event)

	p.mu.Lock()
	p.stats.EventsProcessed++
	if qe.index > p.lastIndex[qe.sessionID] {
		p.lastIndex[qe.sessionID] = qe.index
	}
	p.mu.Unlock()

	p.metrics.RecordProcessed(p.ID, 1)
	p.metrics.SetQueueDepth(p.ID, len(p.queue))
}

// CreateSession implements spec.md §6 "POST /session".
func (p *Pipe) CreateSession(taskID string, timeoutSeconds int) wire.SessionInfo {
	if timeoutSeconds <= 0 {
		timeoutSeconds = 30
	}
	rec := p.sessions.CreateSession(taskID, timeoutSeconds)
	return wire.SessionInfo{
		SessionID:             rec.SessionID,
		Role:                  wire.Role(rec.Role),
		SessionTimeoutSeconds: timeoutSeconds,
	}
}

// Heartbeat implements spec.md §6 "POST /session/{sid}/heartbeat": the
// reply's role always reflects the current authoritative session at reply
// time (spec.md §4.7 "Per-session role response"), and pending commands
// ride along via the CommandProvider.
func (p *Pipe) Heartbeat(sessionID string, canRealtime bool) wire.HeartbeatReply {
	role, err := p.sessions.Heartbeat(sessionID, canRealtime)
	if err != nil {
		return wire.HeartbeatReply{Status: wire.HeartbeatObsolete, Message: err.Error()}
	}
	return wire.HeartbeatReply{
		Status:   wire.HeartbeatOK,
		Role:     wire.Role(role),
		Commands: p.commandProvider.PendingCommands(sessionID),
	}
}

// Terminate implements spec.md §6 "DELETE /session/{sid}".
func (p *Pipe) Terminate(sessionID string) {
	p.sessions.Terminate(sessionID)
}

// Ingest implements spec.md §4.7's signal routing over one batch. Standard
// events are enqueued for the drain worker; is_end signals and
// scan_complete are routed directly and never touch the event queue.
func (p *Pipe) Ingest(sessionID string, batch wire.Batch) error {
	switch {
	case batch.SourceType == "scan_complete":
		scanPath := batch.Metadata[wire.MetaScanPath]
		if p.scanCompleteHandler != nil {
			p.scanCompleteHandler(sessionID, scanPath)
		}
		return nil

	case batch.SourceType == wire.SourceSnapshot && batch.IsEnd:
		rec, ok := p.sessions.Get(sessionID)
		if ok && rec.Role == session.RoleLeader {
			p.sessions.SetSnapshotComplete(sessionID)
		}
		return nil

	case batch.SourceType == wire.SourceAudit && batch.IsEnd:
		p.view.HandleAuditEnd()
		return nil
	}

	for _, event := range batch.Events {
		select {
		case p.queue <- queuedEvent{sessionID: sessionID, event: event, index: event.Index}:
			p.mu.Lock()
			p.stats.EventsReceived++
			p.mu.Unlock()
			p.metrics.RecordReceived(p.ID, 1)
			p.metrics.SetQueueDepth(p.ID, len(p.queue))
		default:
			p.mu.Lock()
			p.stats.Errors++
			p.mu.Unlock()
			p.metrics.RecordError(p.ID)
			return ferrors.New(ferrors.CodeDriverExhausted, "fusion pipe queue full").
				WithComponent("fusionpipe").WithContext("pipe_id", p.ID).WithContext("session_id", sessionID)
		}
	}
	return nil
}

// SignalAuditStart implements spec.md §6 "POST /consistency/audit/start".
// If taskID is non-empty it is validated against the session's task_id
// (spec.md §6 "validated against metadata.task_id if provided").
func (p *Pipe) SignalAuditStart(sessionID, taskID string) error {
	if err := p.validateTaskID(sessionID, taskID); err != nil {
		return err
	}
	p.view.HandleAuditStart()
	return nil
}

// SignalAuditEnd implements spec.md §6 "POST /consistency/audit/end".
func (p *Pipe) SignalAuditEnd(sessionID, taskID string) error {
	if err := p.validateTaskID(sessionID, taskID); err != nil {
		return err
	}
	p.view.HandleAuditEnd()
	return nil
}

func (p *Pipe) validateTaskID(sessionID, taskID string) error {
	if taskID == "" {
		return nil
	}
	rec, ok := p.sessions.Get(sessionID)
	if !ok {
		return ferrors.New(ferrors.CodeSessionNotFound, "unknown session").WithComponent("fusionpipe")
	}
	if rec.TaskID != taskID {
		return ferrors.New(ferrors.CodeAuditBlindSpot, "task_id mismatch on audit signal").
			WithComponent("fusionpipe").WithContext("expected", rec.TaskID).WithContext("got", taskID)
	}
	return nil
}

// GetSentinelTasks implements spec.md §6 "GET /consistency/sentinel/tasks":
// the set of currently-suspect paths the Sentinel should re-verify.
func (p *Pipe) GetSentinelTasks() wire.SentinelTasks {
	return wire.SentinelTasks{Type: "sentinel", Paths: p.view.SuspectPaths()}
}

// SubmitSentinelResults implements spec.md §6
// "POST /consistency/sentinel/feedback".
func (p *Pipe) SubmitSentinelResults(feedback wire.SentinelFeedback) {
	for _, u := range feedback.Updates {
		p.view.UpdateSuspect(u.Path, u.MTime, u.Size)
	}
}

// LatestCommittedIndex answers an Agent Pipe's
// sender.get_latest_committed_index() so message_sync can resume from the
// right position after a restart (spec.md §4.6 "Leader, subsequent").
func (p *Pipe) LatestCommittedIndex(sessionID string) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastIndex[sessionID]
}

// StatsSnapshot returns the current per-pipe counters for
// /management/stats (spec.md §6).
func (p *Pipe) StatsSnapshot() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stats
	s.QueueDepth = len(p.queue)
	return s
}
