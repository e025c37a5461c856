package agentpipe

import (
	"context"

	"github.com/objectfs/fustor/internal/logging"
	"github.com/objectfs/fustor/pkg/wire"
)

// commandProcessor consumes commands delivered via heartbeat replies and
// dispatches them to the CommandHandler the host app supplied (spec.md
// §4.6 "Commands"). Each command type crosses into host-app territory
// (process reload, atomic config write, self-upgrade) that spec.md §1
// explicitly scopes out of the core; the pipe only does dispatch.
func (p *Pipe) commandProcessor(ctx context.Context) {
	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case cmd := <-p.commands:
			p.dispatchCommand(ctx, cmd)
		}
	}
}

func (p *Pipe) dispatchCommand(ctx context.Context, cmd wire.Command) {
	if p.cmdHandler == nil {
		p.log.Warn("command received with no handler configured", logging.F("type", string(cmd.Type)))
		return
	}

	switch cmd.Type {
	case wire.CommandScan:
		if cmd.PipeID != "" && cmd.PipeID != p.cfg.PipeID {
			return
		}
		go p.runScan(ctx, cmd.Path, cmd.Recursive, cmd.JobID)

	case wire.CommandReloadConfig:
		p.cmdHandler.ReloadConfig(ctx)

	case wire.CommandStopPipe:
		if cmd.PipeID != p.cfg.PipeID {
			return
		}
		go func() { _ = p.Stop(ctx) }()

	case wire.CommandUpdateConfig:
		if err := p.cmdHandler.UpdateConfig(ctx, cmd.Filename, cmd.ConfigYAML); err != nil {
			p.log.Error("update_config failed, backup restored", logging.F("filename", cmd.Filename), logging.F("error", err.Error()))
		}

	case wire.CommandReportConfig:
		configYAML, err := p.cmdHandler.ReportConfig(ctx, cmd.Filename)
		if err != nil {
			p.log.Error("report_config failed", logging.F("filename", cmd.Filename), logging.F("error", err.Error()))
			return
		}
		sid := p.sessionIDLocked()
		_ = p.sender.SendBatch(ctx, sid, wire.Batch{
			IsEnd: true,
			Metadata: map[string]string{
				wire.MetaPhase:    wire.PhaseConfigReport,
				wire.MetaFilename: cmd.Filename,
				wire.MetaConfig:   configYAML,
			},
		})

	case wire.CommandUpgrade:
		sid := p.sessionIDLocked()
		if sid != "" {
			_ = p.sender.Close(ctx, sid)
		}
		if err := p.cmdHandler.Upgrade(ctx, cmd.Version); err != nil {
			p.log.Error("upgrade failed", logging.F("version", cmd.Version), logging.F("error", err.Error()))
		}
	}
}

// runScan drives an on-demand scan command through the same batching
// pipeline as a normal snapshot/message pass would, then emits a final
// empty batch announcing completion (spec.md §4.6 "scan" command).
func (p *Pipe) runScan(ctx context.Context, path string, recursive bool, jobID string) {
	p.cmdHandler.Scan(ctx, p, path, recursive, jobID)

	sid := p.sessionIDLocked()
	_ = p.sender.SendBatch(ctx, sid, wire.Batch{
		IsEnd: true,
		Metadata: map[string]string{
			wire.MetaPhase:    wire.PhaseJobComplete,
			wire.MetaScanPath: path,
			wire.MetaJobID:    jobID,
		},
	})
}
