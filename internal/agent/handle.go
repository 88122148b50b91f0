package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/nerrad567/jukebox-core/internal/protocol"
	"github.com/nerrad567/jukebox-core/internal/transfer"
)

// handle applies one server message. A returned error ends the session.
func (a *Agent) handle(ctx context.Context, msg protocol.Message) error {
	switch m := msg.(type) {
	case protocol.Registered:
		a.retry.Reset(reconnectOpID)
		a.mu.Lock()
		a.sessions++
		player := a.player
		a.mu.Unlock()
		a.logger.Info("registered", "heartbeat_interval", m.HeartbeatInterval)
		a.send(player.status())
		a.send(protocol.PlaylistStatus{Status: player.PlaylistStatus})
		a.send(protocol.GetDownloadState{})

	case protocol.Command:
		a.handleCommand(m)

	case protocol.Content:
		a.startDownload(ctx, m)

	case protocol.DownloadState:
		for _, item := range m.Items {
			a.startDownload(ctx, item)
		}

	case protocol.Delete:
		a.handleDelete(ctx, m)

	case protocol.Error:
		if m.Code == "unauthorized" {
			return fmt.Errorf("%w: %s", ErrRejected, m.Message)
		}
		a.logger.Warn("server error", "code", m.Code, "message", m.Message)

	case protocol.Event, protocol.Pong:
	default:
		a.logger.Debug("ignoring message", "type", msg.MessageType())
	}
	return nil
}

func (a *Agent) handleCommand(cmd protocol.Command) {
	switch cmd.Command {
	case protocol.CommandShutdown:
		a.logger.Info("shutdown requested", "reason", cmd.Reason)
		a.mu.Lock()
		stop := a.stop
		a.mu.Unlock()
		if stop != nil {
			stop()
		}
		return
	case protocol.CommandRestart:
		a.logger.Info("restart requested", "reason", cmd.Reason)
		a.mu.Lock()
		restart := a.restart
		a.mu.Unlock()
		if restart != nil {
			restart()
		}
		return
	}

	a.mu.Lock()
	reports, ok := a.player.apply(cmd)
	a.mu.Unlock()
	if !ok {
		a.send(protocol.Error{Message: fmt.Sprintf("unknown command %q", cmd.Command), Code: "unknown_command"})
		return
	}
	a.logger.Info("command applied", "command", cmd.Command)
	for _, r := range reports {
		a.send(r)
	}
}

// startDownload runs the transfer in the background. Concurrent offers of
// the same item attach to one transfer.
func (a *Agent) startDownload(ctx context.Context, item protocol.Content) {
	a.downloads.Add(1)
	go func() {
		defer a.downloads.Done()
		a.download(ctx, item)
	}()
}

func (a *Agent) download(ctx context.Context, item protocol.Content) {
	a.setStatus(ctx, protocol.PlaylistLoading)

	res, err := a.transfers.Download(ctx, transfer.Request{
		ContentID: item.ContentID,
		URL:       item.URL,
		Digest:    item.Digest,
		Progress: func(p transfer.Progress) {
			a.send(protocol.DownloadProgress{
				ContentID:       p.ContentID,
				Progress:        p.Percent,
				BytesDownloaded: p.BytesCompleted,
				TotalBytes:      p.TotalBytes,
			})
		},
	})
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		a.logger.Warn("download failed", "content_id", item.ContentID, "error", err)
		a.sendWait(ctx, protocol.DownloadProgress{ContentID: item.ContentID, Error: err.Error()})
		a.setStatus(ctx, protocol.PlaylistError)
		return
	}

	a.sendWait(ctx, protocol.DownloadProgress{
		ContentID:       res.ContentID,
		Progress:        100,
		BytesDownloaded: res.Bytes,
		TotalBytes:      res.Bytes,
		Done:            true,
	})
	a.setStatus(ctx, protocol.PlaylistLoaded)
}

// setStatus records and reports a playlist status unless the player is
// emergency-stopped.
func (a *Agent) setStatus(ctx context.Context, status string) {
	a.mu.Lock()
	if a.player.EmergencyStopped {
		a.mu.Unlock()
		return
	}
	a.player.PlaylistStatus = status
	a.mu.Unlock()
	a.sendWait(ctx, protocol.PlaylistStatus{Status: status})
}

func (a *Agent) handleDelete(ctx context.Context, m protocol.Delete) {
	switch m.Action {
	case protocol.DeleteStarted:
		a.logger.Info("delete started", "entity_type", m.EntityType, "entity_id", m.EntityID)
	case protocol.DeleteError:
		a.logger.Warn("delete failed on server", "entity_type", m.EntityType, "entity_id", m.EntityID, "error", m.Error)
	case protocol.DeleteSuccess:
		ack := protocol.Delete{Action: protocol.DeleteSuccess, EntityType: m.EntityType, EntityID: m.EntityID}
		if err := a.transfers.Remove(ctx, m.EntityID); err != nil && !errors.Is(err, transfer.ErrInvalidID) {
			a.logger.Warn("removing local content", "content_id", m.EntityID, "error", err)
			ack.Action = protocol.DeleteError
			ack.Error = err.Error()
		}
		a.sendWait(ctx, ack)
	}
}
