package agentpipe

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/objectfs/fustor/internal/logging"
	"github.com/objectfs/fustor/pkg/wire"
)

// Source is the fixed capability set a driver must expose (spec.md §9
// "Dynamic dispatch": a closed set of operations, not an open plugin
// registry). One Source instance backs one agent-side (source, sender)
// pair.
type Source interface {
	SnapshotRows(ctx context.Context) (<-chan wire.Row, <-chan error)
	MessageRows(ctx context.Context, startPosition int64) (<-chan wire.Row, <-chan error)
	AuditRows(ctx context.Context) (<-chan wire.Row, <-chan error)
	PerformSentinelCheck(ctx context.Context, expected map[string]float64) ([]wire.SentinelUpdate, error)
}

// Sender is the fixed capability set for delivering batches and managing a
// session against the Fusion side (spec.md §4.6, §6).
type Sender interface {
	CreateSession(ctx context.Context, req wire.CreateSessionRequest) (wire.SessionInfo, error)
	Heartbeat(ctx context.Context, sessionID string, canRealtime bool) (wire.HeartbeatReply, error)
	SendBatch(ctx context.Context, sessionID string, batch wire.Batch) error
	Close(ctx context.Context, sessionID string) error
	SignalAuditStart(ctx context.Context, sessionID string) error
	SignalAuditEnd(ctx context.Context, sessionID string) error
	GetSentinelTasks(ctx context.Context, sessionID string) (wire.SentinelTasks, error)
	SubmitSentinelResults(ctx context.Context, sessionID string, feedback wire.SentinelFeedback) error
	GetLatestCommittedIndex(ctx context.Context, sessionID string) (int64, error)
}

// Config holds the per-pipe tunables from spec.md §6's pipe config shape.
type Config struct {
	PipeID                  string
	ControlLoopInterval     time.Duration
	HeartbeatIntervalSec    int
	BatchSize               int
	ErrorRetryInterval      time.Duration
	BackoffMultiplier       float64
	MaxBackoffSeconds       time.Duration
	MaxConsecutiveErrors    int
	OnCommandFallbackTimeout time.Duration
}

// DefaultConfig returns spec.md §4.6's stated defaults.
func DefaultConfig(pipeID string) Config {
	return Config{
		PipeID:               pipeID,
		ControlLoopInterval:  100 * time.Millisecond,
		HeartbeatIntervalSec: 10,
		BatchSize:            100,
		ErrorRetryInterval:   time.Second,
		BackoffMultiplier:    2.0,
		MaxBackoffSeconds:    60 * time.Second,
		MaxConsecutiveErrors: 5,
	}
}

// CommandHandler lets the host app supply the side effects that cross the
// Non-goal boundary (reload, atomic config write, self-upgrade) without the
// pipe depending on CLI/process-management concerns directly.
type CommandHandler interface {
	Scan(ctx context.Context, p *Pipe, path string, recursive bool, jobID string)
	ReloadConfig(ctx context.Context)
	UpdateConfig(ctx context.Context, filename, configYAML string) error
	ReportConfig(ctx context.Context, filename string) (string, error)
	Upgrade(ctx context.Context, version string) error
}

// Pipe drives one (source, sender) pair through spec.md §4.6's phases.
type Pipe struct {
	cfg    Config
	source Source
	sender Sender
	mapper *EventMapper
	cmdHandler CommandHandler
	log    *logging.Logger

	state stateBox

	mu            sync.Mutex
	sessionID     string
	role          wire.Role
	snapshotDone  bool
	startPosition int64
	busEpoch      int // incremented each time RemapToNewBus forces a resnapshot (position lost)

	dataErrors    *ErrorCounter
	controlErrors *ErrorCounter

	commands chan wire.Command
	stopCh   chan struct{}
	doneCh   chan struct{}

	pendingRole atomic.Value // wire.Role, set by heartbeat_loop, read by data_supervisor
	bus         atomic.Value // *eventbus.Bus, set by RemapToNewBus
}

// New constructs a Pipe. Call Start to run it.
func New(cfg Config, source Source, sender Sender, mapper *EventMapper, cmdHandler CommandHandler) *Pipe {
	if cfg.ControlLoopInterval <= 0 {
		cfg.ControlLoopInterval = 100 * time.Millisecond
	}
	p := &Pipe{
		cfg:           cfg,
		source:        source,
		sender:        sender,
		mapper:        mapper,
		cmdHandler:    cmdHandler,
		log:           logging.New(logging.DefaultConfig()).Component("agentpipe").With(logging.F("pipe_id", cfg.PipeID)),
		dataErrors:    NewErrorCounter(cfg.ErrorRetryInterval, cfg.BackoffMultiplier, cfg.MaxBackoffSeconds, cfg.MaxConsecutiveErrors),
		controlErrors: NewErrorCounter(cfg.ErrorRetryInterval, cfg.BackoffMultiplier, cfg.MaxBackoffSeconds, cfg.MaxConsecutiveErrors),
		commands:      make(chan wire.Command, 32),
	}
	p.state.Set(Stopped)
	p.pendingRole.Store(wire.RoleFollower)
	return p
}

func (p *Pipe) State() State { return p.state.Load() }

// Start spawns the four supervised tasks and enters RUNNING|PAUSED standby
// until the control loop applies the first role reported by the Fusion side
// (the session reply or a heartbeat); a leader role clears PAUSED
// (spec.md §4.6 "Startup").
func (p *Pipe) Start(ctx context.Context) error {
	req := wire.CreateSessionRequest{TaskID: p.cfg.PipeID, SessionTimeoutSeconds: p.cfg.HeartbeatIntervalSec * 4}
	info, err := p.sender.CreateSession(ctx, req)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.sessionID = info.SessionID
	p.mu.Unlock()
	p.pendingRole.Store(info.Role)

	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})
	p.state.Set(Running | Paused)

	var wg sync.WaitGroup
	wg.Add(4)
	go func() { defer wg.Done(); p.controlLoop(ctx) }()
	go func() { defer wg.Done(); p.heartbeatLoop(ctx) }()
	go func() { defer wg.Done(); p.dataSupervisor(ctx) }()
	go func() { defer wg.Done(); p.commandProcessor(ctx) }()

	go func() {
		wg.Wait()
		close(p.doneCh)
	}()
	return nil
}

// Stop cancels all supervised tasks, closes the session, and is idempotent
// (spec.md §5 "Cancellation").
func (p *Pipe) Stop(ctx context.Context) error {
	if p.stopCh == nil {
		return nil
	}
	select {
	case <-p.stopCh:
		// already stopped
		return nil
	default:
		close(p.stopCh)
	}
	<-p.doneCh
	p.state.Set(Stopped)

	p.mu.Lock()
	sid := p.sessionID
	p.mu.Unlock()
	if sid != "" {
		return p.sender.Close(ctx, sid)
	}
	return nil
}

func (p *Pipe) currentRole() wire.Role {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.role
}

func (p *Pipe) sessionIDLocked() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessionID
}

// controlLoop detects role changes and orchestrates phase transitions on a
// fixed cadence (spec.md §4.6).
func (p *Pipe) controlLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.ControlLoopInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			newRole, _ := p.pendingRole.Load().(wire.Role)
			p.mu.Lock()
			changed := newRole != p.role
			p.role = newRole
			p.mu.Unlock()
			if changed {
				p.log.Info("role transition", logging.F("role", string(newRole)))
				if newRole == wire.RoleFollower {
					p.state.SetBit(Paused)
				} else {
					p.state.ClearBit(Paused)
				}
			}
		}
	}
}

// heartbeatLoop sends heartbeats at heartbeat_interval_sec and routes the
// reply's role/commands (spec.md §4.6).
func (p *Pipe) heartbeatLoop(ctx context.Context) {
	interval := time.Duration(p.cfg.HeartbeatIntervalSec) * time.Second
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sendHeartbeat(ctx)
		}
	}
}

func (p *Pipe) sendHeartbeat(ctx context.Context) {
	sid := p.sessionIDLocked()
	canRealtime := p.state.Load().Has(MessageSync) || p.currentRole() == wire.RoleLeader
	reply, err := p.sender.Heartbeat(ctx, sid, canRealtime)
	if err != nil {
		backoff := p.controlErrors.RecordFailure()
		p.log.Warn("heartbeat failed", logging.F("error", err.Error()), logging.F("backoff", backoff.String()))
		return
	}
	p.controlErrors.RecordSuccess()

	if reply.Status == wire.HeartbeatObsolete {
		p.handleSessionObsoleted(ctx)
		return
	}
	if reply.Role != "" {
		p.pendingRole.Store(reply.Role)
	}
	for _, cmd := range reply.Commands {
		select {
		case p.commands <- cmd:
		default:
			p.log.Warn("command queue full, dropping command", logging.F("type", string(cmd.Type)))
		}
	}
}

// handleSessionObsoleted implements spec.md §7's SessionObsoleted recovery:
// close the session and restart the pipe from the snapshot phase.
func (p *Pipe) handleSessionObsoleted(ctx context.Context) {
	p.log.Warn("session obsoleted, restarting from snapshot")
	p.mu.Lock()
	oldSID := p.sessionID
	p.snapshotDone = false
	p.mu.Unlock()
	if oldSID != "" {
		_ = p.sender.Close(ctx, oldSID)
	}
	info, err := p.sender.CreateSession(ctx, wire.CreateSessionRequest{TaskID: p.cfg.PipeID, SessionTimeoutSeconds: p.cfg.HeartbeatIntervalSec * 4})
	if err != nil {
		p.log.Error("failed to recreate session after obsoletion", logging.F("error", err.Error()))
		return
	}
	p.mu.Lock()
	p.sessionID = info.SessionID
	p.role = info.Role
	p.mu.Unlock()
	p.pendingRole.Store(info.Role)
}

// dataSupervisor starts/stops snapshot and message sync as a function of
// role + state (spec.md §4.6 "Role -> behaviour").
func (p *Pipe) dataSupervisor(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.ControlLoopInterval * 5)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.driveDataPlane(ctx)
		}
	}
}

func (p *Pipe) driveDataPlane(ctx context.Context) {
	if p.currentRole() != wire.RoleLeader {
		return // follower: idle standby
	}

	p.mu.Lock()
	done := p.snapshotDone
	p.mu.Unlock()

	if !done {
		p.state.SetBit(SnapshotSync)
		if err := p.snapshotSync(ctx); err != nil {
			backoff := p.dataErrors.RecordFailure()
			p.log.Warn("snapshot sync failed", logging.F("error", err.Error()), logging.F("backoff", backoff.String()))
			p.state.ClearBit(SnapshotSync)
			return
		}
		p.dataErrors.RecordSuccess()
		p.state.ClearBit(SnapshotSync)
		p.mu.Lock()
		p.snapshotDone = true
		p.mu.Unlock()
	}

	p.state.SetBit(MessageSync)
	sid := p.sessionIDLocked()
	startPosition, err := p.sender.GetLatestCommittedIndex(ctx, sid)
	if err != nil {
		backoff := p.dataErrors.RecordFailure()
		p.log.Warn("message sync position lookup failed", logging.F("error", err.Error()), logging.F("backoff", backoff.String()))
		return
	}
	if err := p.messageSync(ctx, startPosition); err != nil {
		backoff := p.dataErrors.RecordFailure()
		p.log.Warn("message sync failed", logging.F("error", err.Error()), logging.F("backoff", backoff.String()))
	} else {
		p.dataErrors.RecordSuccess()
	}
}

// snapshotSync iterates the source's snapshot rows, maps, and sends batches
// with source_type=snapshot, terminating with is_end=true.
func (p *Pipe) snapshotSync(ctx context.Context) error {
	sid := p.sessionIDLocked()
	rows, errCh := p.source.SnapshotRows(ctx)
	batch := make([]wire.Row, 0, p.cfg.BatchSize)

	flush := func(isEnd bool) error {
		events := []wire.Event{{EventSchema: "fs", Table: "files", MessageSource: wire.SourceSnapshot, Rows: batch}}
		if p.mapper != nil {
			events = p.mapper.MapBatch(events)
		}
		err := p.sender.SendBatch(ctx, sid, wire.Batch{Events: events, SourceType: wire.SourceSnapshot, IsEnd: isEnd})
		batch = batch[:0]
		return err
	}

	for {
		select {
		case <-p.stopCh:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case err, ok := <-errCh:
			if ok && err != nil {
				return err
			}
		case row, ok := <-rows:
			if !ok {
				// Flush any remaining rows first (is_end=false): the
				// is_end=true marker itself must carry no rows, since
				// fusionpipe.Ingest treats a snapshot is_end batch as
				// signal-only and never enqueues its events (spec.md
				// §4.6 "send empty batch with is_end=true").
				if len(batch) > 0 {
					if err := flush(false); err != nil {
						return err
					}
				}
				return flush(true)
			}
			batch = append(batch, row)
			if len(batch) >= p.cfg.BatchSize {
				if err := flush(false); err != nil {
					return err
				}
			}
		}
	}
}

// messageSync iterates realtime message rows from startPosition, pushing
// batches with source_type=message (spec.md §4.6).
func (p *Pipe) messageSync(ctx context.Context, startPosition int64) error {
	sid := p.sessionIDLocked()
	rows, errCh := p.source.MessageRows(ctx, startPosition)
	batch := make([]wire.Row, 0, p.cfg.BatchSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		events := []wire.Event{{EventSchema: "fs", Table: "files", MessageSource: wire.SourceRealtime, Rows: batch}}
		if p.mapper != nil {
			events = p.mapper.MapBatch(events)
		}
		err := p.sender.SendBatch(ctx, sid, wire.Batch{Events: events, SourceType: wire.SourceRealtime})
		batch = batch[:0]
		return err
	}

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return flush()
		case <-ctx.Done():
			return ctx.Err()
		case err, ok := <-errCh:
			if ok && err != nil {
				return err
			}
		case row, ok := <-rows:
			if !ok {
				return flush()
			}
			batch = append(batch, row)
			if len(batch) >= p.cfg.BatchSize {
				if err := flush(); err != nil {
					return err
				}
			}
		case <-ticker.C:
			p.mu.Lock()
			positionLost := !p.snapshotDone
			p.mu.Unlock()
			if positionLost {
				// RemapToNewBus lost this pipe's position: abandon this pass
				// so the data supervisor restarts from a fresh snapshot.
				return nil
			}
			if err := flush(); err != nil {
				return err
			}
		}
	}
}

// TriggerAudit runs an audit sweep concurrently with message sync
// (spec.md §4.6 "Audit sync").
func (p *Pipe) TriggerAudit(ctx context.Context) error {
	p.state.SetBit(AuditPhase)
	defer p.state.ClearBit(AuditPhase)

	sid := p.sessionIDLocked()
	if err := p.sender.SignalAuditStart(ctx, sid); err != nil {
		return err
	}
	rows, errCh := p.source.AuditRows(ctx)
	batch := make([]wire.Row, 0, p.cfg.BatchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		events := []wire.Event{{EventSchema: "fs", Table: "files", MessageSource: wire.SourceAudit, Rows: batch}}
		if p.mapper != nil {
			events = p.mapper.MapBatch(events)
		}
		err := p.sender.SendBatch(ctx, sid, wire.Batch{Events: events, SourceType: wire.SourceAudit})
		batch = batch[:0]
		return err
	}
loop:
	for {
		select {
		case <-p.stopCh:
			break loop
		case <-ctx.Done():
			return ctx.Err()
		case err, ok := <-errCh:
			if ok && err != nil {
				return err
			}
		case row, ok := <-rows:
			if !ok {
				break loop
			}
			batch = append(batch, row)
			if len(batch) >= p.cfg.BatchSize {
				if err := flush(); err != nil {
					return err
				}
			}
		}
	}
	if err := flush(); err != nil {
		return err
	}
	return p.sender.SignalAuditEnd(ctx, sid)
}

// TriggerSentinel runs a sentinel sweep: fetch tasks, check each path,
// submit results (spec.md §4.6 "Sentinel").
func (p *Pipe) TriggerSentinel(ctx context.Context) error {
	p.state.SetBit(SentinelSweep)
	defer p.state.ClearBit(SentinelSweep)

	sid := p.sessionIDLocked()
	tasks, err := p.sender.GetSentinelTasks(ctx, sid)
	if err != nil {
		return err
	}
	if len(tasks.Paths) == 0 {
		return nil
	}
	expected := make(map[string]float64, len(tasks.Paths))
	for _, path := range tasks.Paths {
		expected[path] = 0
	}
	updates, err := p.source.PerformSentinelCheck(ctx, expected)
	if err != nil {
		return err
	}
	return p.sender.SubmitSentinelResults(ctx, sid, wire.SentinelFeedback{Type: "sentinel", Updates: updates})
}
